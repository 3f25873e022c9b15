// --- File: internal/platform/fcm/fcmsender_test.go ---
package fcm_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"

	"github.com/tinywideclouds/go-push-relay/internal/platform/fcm"
	"github.com/tinywideclouds/go-push-relay/pkg/dispatch"
	"github.com/tinywideclouds/go-push-relay/pkg/notification"
)

// MockClient satisfies the MessagingClient interface
type MockClient struct {
	mock.Mock
}

func (m *MockClient) Send(ctx context.Context, msg *messaging.Message) (string, error) {
	args := m.Called(ctx, msg)
	return args.String(0), args.Error(1)
}

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSender_MessageShape(t *testing.T) {
	ctx := context.Background()
	logger := newTestLogger()
	msg := notification.Message{
		Content: notification.Content{Title: "Order shipped", Body: "Your order is on its way"},
		Data:    map[string]string{"orderId": "42"},
	}

	t.Run("Token send carries hints and payload", func(t *testing.T) {
		mockClient := new(MockClient)
		sender := fcm.NewSender(mockClient, fcm.DefaultHints, logger)

		mockClient.On("Send", ctx, mock.MatchedBy(func(m *messaging.Message) bool {
			return m.Token == "device-token-1" &&
				m.Topic == "" &&
				m.Notification.Title == "Order shipped" &&
				m.Notification.Body == "Your order is on its way" &&
				m.Data["orderId"] == "42" &&
				m.Android.Notification.Sound == "default" &&
				m.Android.Notification.Priority == messaging.PriorityHigh &&
				m.APNS.Payload.Aps.Sound == "default" &&
				*m.APNS.Payload.Aps.Badge == 1
		})).Return("projects/p/messages/1", nil)

		id, err := sender.SendToToken(ctx, "device-token-1", msg)

		require.NoError(t, err)
		assert.Equal(t, "projects/p/messages/1", id)
		mockClient.AssertExpectations(t)
	})

	t.Run("Topic send carries channel", func(t *testing.T) {
		mockClient := new(MockClient)
		sender := fcm.NewSender(mockClient, fcm.DefaultHints, logger)

		withChannel := msg
		withChannel.ChannelID = "knowledge_channel"

		mockClient.On("Send", ctx, mock.MatchedBy(func(m *messaging.Message) bool {
			return m.Topic == "knowledge_updates" &&
				m.Token == "" &&
				m.Android.Notification.ChannelID == "knowledge_channel"
		})).Return("projects/p/messages/2", nil)

		id, err := sender.SendToTopic(ctx, "knowledge_updates", withChannel)

		require.NoError(t, err)
		assert.Equal(t, "projects/p/messages/2", id)
		mockClient.AssertExpectations(t)
	})

	t.Run("Untyped transport error is transient", func(t *testing.T) {
		mockClient := new(MockClient)
		sender := fcm.NewSender(mockClient, fcm.DefaultHints, logger)
		mockClient.On("Send", ctx, mock.Anything).Return("", errors.New("network down"))

		_, err := sender.SendToToken(ctx, "device-token-1", msg)

		var se *dispatch.SendError
		require.ErrorAs(t, err, &se)
		assert.Equal(t, dispatch.CodeUnknown, se.Code)
		assert.False(t, dispatch.IsPermanent(err))
	})
}

// fcmErrorBody renders the FCM v1 error envelope the SDK parses into typed errors.
func fcmErrorBody(status int, grpcStatus, fcmCode, message string) []byte {
	body := map[string]interface{}{
		"error": map[string]interface{}{
			"code":    status,
			"message": message,
			"status":  grpcStatus,
			"details": []map[string]string{
				{"@type": "type.googleapis.com/google.firebase.fcm.v1.FcmError", "errorCode": fcmCode},
			},
		},
	}
	b, _ := json.Marshal(body)
	return b
}

// newFakeFCM routes on the token (or a reserved data key) found in the
// request body so one server can answer every classification case.
func newFakeFCM(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		body := string(raw)
		w.Header().Set("Content-Type", "application/json")
		switch {
		case strings.Contains(body, `"from":`):
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write(fcmErrorBody(http.StatusBadRequest, "INVALID_ARGUMENT", "INVALID_ARGUMENT",
				"Invalid data payload key: from"))
		case strings.Contains(body, "unregistered-token"):
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write(fcmErrorBody(http.StatusNotFound, "NOT_FOUND", "UNREGISTERED",
				"Requested entity was not found."))
		case strings.Contains(body, "malformed-token"):
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write(fcmErrorBody(http.StatusBadRequest, "INVALID_ARGUMENT", "INVALID_ARGUMENT",
				"The registration token is not a valid FCM registration token"))
		case strings.Contains(body, "mismatch-token"):
			w.WriteHeader(http.StatusForbidden)
			_, _ = w.Write(fcmErrorBody(http.StatusForbidden, "PERMISSION_DENIED", "SENDER_ID_MISMATCH",
				"SenderId mismatch"))
		default:
			_, _ = w.Write([]byte(`{"name":"projects/test-project/messages/ok-1"}`))
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestSender_ErrorClassification(t *testing.T) {
	ctx := context.Background()
	srv := newFakeFCM(t)

	app, err := firebase.NewApp(ctx, &firebase.Config{ProjectID: "test-project"},
		option.WithEndpoint(srv.URL), option.WithoutAuthentication())
	require.NoError(t, err)
	client, err := app.Messaging(ctx)
	require.NoError(t, err)

	sender := fcm.NewSender(client, fcm.DefaultHints, newTestLogger())
	msg := notification.Message{Content: notification.Content{Title: "t", Body: "b"}}

	testCases := []struct {
		name          string
		token         string
		data          map[string]string
		expectedCode  string
		expectedPerma bool
	}{
		{name: "Unregistered token is permanent", token: "unregistered-token", expectedCode: dispatch.CodeTokenNotRegistered, expectedPerma: true},
		{name: "Malformed token is permanent", token: "malformed-token", expectedCode: dispatch.CodeInvalidToken, expectedPerma: true},
		{name: "Sender mismatch is transient", token: "mismatch-token", expectedCode: dispatch.CodeSenderIDMismatch, expectedPerma: false},
		{
			name:          "Rejected payload keeps the token",
			token:         "healthy-token",
			data:          map[string]string{"from": "server"},
			expectedCode:  dispatch.CodeInvalidArgument,
			expectedPerma: false,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			m := msg
			m.Data = tc.data
			_, err := sender.SendToToken(ctx, tc.token, m)

			var se *dispatch.SendError
			require.ErrorAs(t, err, &se)
			assert.Equal(t, tc.expectedCode, se.Code)
			assert.Equal(t, tc.expectedPerma, dispatch.IsPermanent(err))
		})
	}

	t.Run("Success returns message name", func(t *testing.T) {
		id, err := sender.SendToToken(ctx, "healthy-token", msg)
		require.NoError(t, err)
		assert.Equal(t, "projects/test-project/messages/ok-1", id)
	})
}
