package fanout_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/tinywideclouds/go-push-relay/internal/fanout"
	"github.com/tinywideclouds/go-push-relay/internal/metrics"
	"github.com/tinywideclouds/go-push-relay/pkg/dispatch"
	"github.com/tinywideclouds/go-push-relay/pkg/notification"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// --- Fakes ---

// fakeMessenger answers per token and records every call.
type fakeMessenger struct {
	mu      sync.Mutex
	calls   []string
	errs    map[string]error
	latency map[string]time.Duration
}

func newFakeMessenger() *fakeMessenger {
	return &fakeMessenger{
		errs:    map[string]error{},
		latency: map[string]time.Duration{},
	}
}

func (m *fakeMessenger) SendToToken(ctx context.Context, token string, msg notification.Message) (string, error) {
	if d := m.latency[token]; d > 0 {
		time.Sleep(d)
	}
	m.mu.Lock()
	m.calls = append(m.calls, token)
	m.mu.Unlock()
	if err := m.errs[token]; err != nil {
		return "", err
	}
	return "msg-" + token, nil
}

func (m *fakeMessenger) SendToTopic(ctx context.Context, topic string, msg notification.Message) (string, error) {
	panic("fan-out must never publish to a topic")
}

func (m *fakeMessenger) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

type mockRequestStore struct {
	mock.Mock
}

func (m *mockRequestStore) Get(ctx context.Context, id string) (*notification.NotificationRequest, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*notification.NotificationRequest), args.Error(1)
}

func (m *mockRequestStore) MarkSent(ctx context.Context, id string, report notification.DeliveryReport) error {
	return m.Called(ctx, id, report).Error(0)
}

func (m *mockRequestStore) MarkUndeliverable(ctx context.Context, id string, reason string) error {
	return m.Called(ctx, id, reason).Error(0)
}

type mockRegistry struct {
	mock.Mock
}

func (m *mockRegistry) Register(ctx context.Context, reg notification.DeviceRegistration) error {
	return m.Called(ctx, reg).Error(0)
}

func (m *mockRegistry) Unregister(ctx context.Context, user, token string) error {
	return m.Called(ctx, user, token).Error(0)
}

func (m *mockRegistry) DeleteAll(ctx context.Context, tokens []string) error {
	return m.Called(ctx, tokens).Error(0)
}

type mockGuard struct {
	mock.Mock
}

func (m *mockGuard) Claim(ctx context.Context, id string) (bool, error) {
	args := m.Called(ctx, id)
	return args.Bool(0), args.Error(1)
}

func (m *mockGuard) Release(ctx context.Context, id string) error {
	return m.Called(ctx, id).Error(0)
}

func unregistered(token string) error {
	return &dispatch.SendError{Code: dispatch.CodeTokenNotRegistered, Err: errors.New(token + " not registered")}
}

func newRequest(tokens ...string) *notification.NotificationRequest {
	return &notification.NotificationRequest{
		ID:           "notif-1",
		Notification: notification.Content{Title: "Stock alert", Body: "Milk is running low"},
		Data:         map[string]string{"screen": "inventory"},
		Tokens:       tokens,
	}
}

// --- Tests ---

func TestHandle_Guards(t *testing.T) {
	ctx := context.Background()
	logger := newTestLogger()

	t.Run("Already sent is a no-op", func(t *testing.T) {
		messenger := newFakeMessenger()
		store := new(mockRequestStore)
		registry := new(mockRegistry)
		d := fanout.NewDispatcher(messenger, store, registry, nil, nil, logger)

		req := newRequest("token-a", "token-b")
		req.Sent = true

		report, err := d.Handle(ctx, req)

		require.NoError(t, err)
		assert.Nil(t, report)
		assert.Equal(t, 0, messenger.CallCount())
		store.AssertNotCalled(t, "MarkSent", mock.Anything, mock.Anything, mock.Anything)
		store.AssertNotCalled(t, "MarkUndeliverable", mock.Anything, mock.Anything, mock.Anything)
	})

	for name, tokens := range map[string][]string{"Missing tokens": nil, "Empty tokens": {}} {
		t.Run(name+" marks undeliverable", func(t *testing.T) {
			messenger := newFakeMessenger()
			store := new(mockRequestStore)
			registry := new(mockRegistry)
			d := fanout.NewDispatcher(messenger, store, registry, nil, nil, logger)

			store.On("MarkUndeliverable", ctx, "notif-1", fanout.NoTokensReason).Return(nil)

			report, err := d.Handle(ctx, newRequest(tokens...))

			require.NoError(t, err)
			require.NotNil(t, report)
			assert.Zero(t, report.SuccessCount)
			assert.Equal(t, 0, messenger.CallCount())
			store.AssertExpectations(t)
			store.AssertNotCalled(t, "MarkSent", mock.Anything, mock.Anything, mock.Anything)
		})
	}

	t.Run("Claim held elsewhere skips sends", func(t *testing.T) {
		messenger := newFakeMessenger()
		store := new(mockRequestStore)
		guard := new(mockGuard)
		d := fanout.NewDispatcher(messenger, store, new(mockRegistry), guard, nil, logger)

		guard.On("Claim", ctx, "notif-1").Return(false, nil)

		report, err := d.Handle(ctx, newRequest("token-a"))

		require.NoError(t, err)
		assert.Nil(t, report)
		assert.Equal(t, 0, messenger.CallCount())
		store.AssertNotCalled(t, "MarkSent", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("Broken guard fails open", func(t *testing.T) {
		messenger := newFakeMessenger()
		store := new(mockRequestStore)
		guard := new(mockGuard)
		d := fanout.NewDispatcher(messenger, store, new(mockRegistry), guard, nil, logger)

		guard.On("Claim", ctx, "notif-1").Return(false, errors.New("redis down"))
		store.On("MarkSent", ctx, "notif-1", notification.DeliveryReport{SuccessCount: 1}).Return(nil)

		_, err := d.Handle(ctx, newRequest("token-a"))

		require.NoError(t, err)
		assert.Equal(t, 1, messenger.CallCount())
		store.AssertExpectations(t)
	})
}

func TestHandle_Outcomes(t *testing.T) {
	ctx := context.Background()
	logger := newTestLogger()

	t.Run("All succeed", func(t *testing.T) {
		messenger := newFakeMessenger()
		store := new(mockRequestStore)
		registry := new(mockRegistry)
		d := fanout.NewDispatcher(messenger, store, registry, nil, nil, logger)

		expected := notification.DeliveryReport{SuccessCount: 3, FailureCount: 0}
		store.On("MarkSent", ctx, "notif-1", expected).Return(nil)

		report, err := d.Handle(ctx, newRequest("token-a", "token-b", "token-c"))

		require.NoError(t, err)
		assert.Equal(t, expected, *report)
		assert.Equal(t, 3, messenger.CallCount())
		store.AssertExpectations(t)
		registry.AssertNotCalled(t, "DeleteAll", mock.Anything, mock.Anything)
	})

	t.Run("Unregistered tokens are counted and pruned", func(t *testing.T) {
		messenger := newFakeMessenger()
		messenger.errs["token-b"] = unregistered("token-b")
		messenger.errs["token-d"] = &dispatch.SendError{Code: dispatch.CodeInvalidToken, Err: errors.New("malformed")}
		store := new(mockRequestStore)
		registry := new(mockRegistry)
		d := fanout.NewDispatcher(messenger, store, registry, nil, nil, logger)

		expected := notification.DeliveryReport{
			SuccessCount:  2,
			FailureCount:  2,
			InvalidTokens: []string{"token-b", "token-d"},
		}
		store.On("MarkSent", ctx, "notif-1", expected).Return(nil)
		registry.On("DeleteAll", ctx, []string{"token-b", "token-d"}).Return(nil)

		report, err := d.Handle(ctx, newRequest("token-a", "token-b", "token-c", "token-d"))

		require.NoError(t, err)
		assert.Equal(t, expected, *report)
		store.AssertExpectations(t)
		registry.AssertExpectations(t)
	})

	t.Run("Repeated tokens are sent and pruned once", func(t *testing.T) {
		messenger := newFakeMessenger()
		messenger.errs["token-b"] = unregistered("token-b")
		store := new(mockRequestStore)
		registry := new(mockRegistry)
		d := fanout.NewDispatcher(messenger, store, registry, nil, nil, logger)

		expected := notification.DeliveryReport{
			SuccessCount:  1,
			FailureCount:  1,
			InvalidTokens: []string{"token-b"},
		}
		store.On("MarkSent", ctx, "notif-1", expected).Return(nil)
		registry.On("DeleteAll", ctx, []string{"token-b"}).Return(nil)

		report, err := d.Handle(ctx, newRequest("token-a", "token-b", "token-a", "token-b"))

		require.NoError(t, err)
		assert.Equal(t, expected, *report)
		assert.Equal(t, 2, messenger.CallCount())
		store.AssertExpectations(t)
		registry.AssertExpectations(t)
	})

	t.Run("Transient failures are counted but not pruned", func(t *testing.T) {
		messenger := newFakeMessenger()
		messenger.errs["token-a"] = &dispatch.SendError{Code: dispatch.CodeUnavailable, Err: errors.New("503")}
		messenger.errs["token-b"] = errors.New("connection reset")
		store := new(mockRequestStore)
		registry := new(mockRegistry)
		d := fanout.NewDispatcher(messenger, store, registry, nil, nil, logger)

		expected := notification.DeliveryReport{SuccessCount: 1, FailureCount: 2}
		store.On("MarkSent", ctx, "notif-1", expected).Return(nil)

		report, err := d.Handle(ctx, newRequest("token-a", "token-b", "token-c"))

		require.NoError(t, err)
		assert.Equal(t, expected, *report)
		registry.AssertNotCalled(t, "DeleteAll", mock.Anything, mock.Anything)
	})

	t.Run("Cleanup failure does not fail the request", func(t *testing.T) {
		messenger := newFakeMessenger()
		messenger.errs["token-a"] = unregistered("token-a")
		store := new(mockRequestStore)
		registry := new(mockRegistry)
		rec := metrics.NewRecorder()
		d := fanout.NewDispatcher(messenger, store, registry, nil, rec, logger)

		store.On("MarkSent", ctx, "notif-1", mock.Anything).Return(nil)
		registry.On("DeleteAll", ctx, []string{"token-a"}).Return(errors.New("transaction aborted"))

		report, err := d.Handle(ctx, newRequest("token-a"))

		require.NoError(t, err)
		assert.Equal(t, 1, report.FailureCount)
		registry.AssertExpectations(t)

		w := httptest.NewRecorder()
		rec.Handler().ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))
		assert.Contains(t, w.Body.String(), "push_relay_prune_failures_total 1")
	})

	t.Run("Failed document update is returned and skips cleanup", func(t *testing.T) {
		messenger := newFakeMessenger()
		messenger.errs["token-a"] = unregistered("token-a")
		store := new(mockRequestStore)
		registry := new(mockRegistry)
		guard := new(mockGuard)
		d := fanout.NewDispatcher(messenger, store, registry, guard, nil, logger)

		guard.On("Claim", ctx, "notif-1").Return(true, nil)
		guard.On("Release", ctx, "notif-1").Return(nil)
		store.On("MarkSent", ctx, "notif-1", mock.Anything).Return(errors.New("deadline exceeded"))

		_, err := d.Handle(ctx, newRequest("token-a", "token-b"))

		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to mark notification notif-1 sent")
		guard.AssertExpectations(t)
		registry.AssertNotCalled(t, "DeleteAll", mock.Anything, mock.Anything)
	})
}

func TestHandle_PartialFailureIsolation(t *testing.T) {
	ctx := context.Background()
	messenger := newFakeMessenger()
	tokens := []string{"token-a", "token-b", "token-c", "token-d", "token-e"}
	for _, tok := range tokens {
		messenger.latency[tok] = 150 * time.Millisecond
	}
	messenger.errs["token-c"] = errors.New("slow and broken")

	store := new(mockRequestStore)
	store.On("MarkSent", ctx, "notif-1", notification.DeliveryReport{SuccessCount: 4, FailureCount: 1}).Return(nil)
	d := fanout.NewDispatcher(messenger, store, new(mockRegistry), nil, nil, newTestLogger())

	start := time.Now()
	report, err := d.Handle(ctx, newRequest(tokens...))
	elapsed := time.Since(start)

	require.NoError(t, err)
	assert.Equal(t, 4, report.SuccessCount)
	assert.Equal(t, 5, messenger.CallCount())
	// Concurrent sends cost roughly the slowest call, not the sum (750ms).
	assert.Less(t, elapsed, 500*time.Millisecond)
	store.AssertExpectations(t)
}
