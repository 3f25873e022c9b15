// --- File: internal/trigger/watcher.go ---

// Package trigger listens to Firestore directly and feeds newly created
// documents to the pipeline Router. It is the alternative to the Pub/Sub
// document-event subscription.
package trigger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/cenkalti/backoff/v4"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/tinywideclouds/go-push-relay/internal/pipeline"
	fsStore "github.com/tinywideclouds/go-push-relay/internal/storage/firestore"
	"github.com/tinywideclouds/go-push-relay/pkg/notification"
)

// Dispatcher is the part of pipeline.Router the watcher needs.
type Dispatcher interface {
	DispatchRequest(ctx context.Context, req *notification.NotificationRequest) error
	DispatchContent(ctx context.Context, rec *notification.ContentRecord) error
}

// Restart delays for a listener whose stream broke.
const (
	restartInitialInterval = time.Second
	restartMaxInterval     = time.Minute
)

// snapshotIterator is the part of *firestore.QuerySnapshotIterator a listener uses.
type snapshotIterator interface {
	Next() (*firestore.QuerySnapshot, error)
	Stop()
}

// Watcher runs one snapshot listener per trigger collection. A listener whose
// stream fails is reopened with exponential backoff. Documents already present
// when a listener (re)opens are never dispatched.
type Watcher struct {
	client      *firestore.Client
	dispatcher  Dispatcher
	collections pipeline.Collections
	logger      *slog.Logger

	open       func(ctx context.Context, collection string) snapshotIterator
	newBackOff func() backoff.BackOff

	cancel context.CancelFunc
	wg     sync.WaitGroup
	ready  chan struct{}
	once   sync.Once
	mu     sync.Mutex
	seeded int
}

func NewWatcher(client *firestore.Client, dispatcher Dispatcher, collections pipeline.Collections, logger *slog.Logger) *Watcher {
	w := &Watcher{
		client:      client,
		dispatcher:  dispatcher,
		collections: collections,
		logger:      logger.With("component", "SnapshotWatcher"),
		ready:       make(chan struct{}),
		newBackOff:  restartBackOff,
	}
	w.open = func(ctx context.Context, collection string) snapshotIterator {
		return w.client.Collection(collection).Snapshots(ctx)
	}
	return w
}

func restartBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = restartInitialInterval
	b.MaxInterval = restartMaxInterval
	b.MaxElapsedTime = 0 // never give up while the service runs
	return b
}

// Start launches the listeners and returns immediately.
func (w *Watcher) Start(ctx context.Context) error {
	if w.cancel != nil {
		return errors.New("watcher already started")
	}
	ctx, w.cancel = context.WithCancel(ctx)

	w.wg.Add(2)
	go w.listen(ctx, w.collections.Requests, w.handleRequest)
	go w.listen(ctx, w.collections.Content, w.handleContent)
	w.logger.Info("Snapshot listeners started",
		"requests", w.collections.Requests, "content", w.collections.Content)
	return nil
}

// Ready is closed once every listener has consumed its initial snapshot.
func (w *Watcher) Ready() <-chan struct{} {
	return w.ready
}

// Stop cancels the listeners and waits for them to exit.
func (w *Watcher) Stop(ctx context.Context) error {
	if w.cancel == nil {
		return nil
	}
	w.cancel()

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		w.logger.Info("Snapshot listeners stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("timed out waiting for snapshot listeners: %w", ctx.Err())
	}
}

// listen keeps one collection's stream open until ctx is cancelled.
func (w *Watcher) listen(ctx context.Context, collection string, handle func(context.Context, *firestore.DocumentSnapshot) error) {
	defer w.wg.Done()
	log := w.logger.With("collection", collection)

	bo := w.newBackOff()
	var seeded sync.Once
	onSeed := func() {
		bo.Reset()
		seeded.Do(w.markSeeded)
	}

	for {
		err := w.stream(ctx, collection, handle, onSeed, log)
		if err == nil || ctx.Err() != nil {
			return
		}

		wait := bo.NextBackOff()
		if wait == backoff.Stop {
			log.Error("Snapshot listener failed, giving up", "err", err)
			return
		}
		log.Error("Snapshot listener failed, restarting", "err", err, "retry_in", wait)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// stream consumes one snapshot stream. It returns nil on shutdown and the
// stream error otherwise. The first snapshot of every stream only seeds it.
func (w *Watcher) stream(
	ctx context.Context,
	collection string,
	handle func(context.Context, *firestore.DocumentSnapshot) error,
	onSeed func(),
	log *slog.Logger,
) error {
	it := w.open(ctx, collection)
	defer it.Stop()

	initial := true
	for {
		snap, err := it.Next()
		if err != nil {
			if errors.Is(err, iterator.Done) || status.Code(err) == codes.Canceled || ctx.Err() != nil {
				return nil
			}
			return err
		}

		if initial {
			initial = false
			log.Debug("Skipping initial snapshot", "documents", snap.Size)
			onSeed()
			continue
		}

		for _, change := range snap.Changes {
			if change.Kind != firestore.DocumentAdded {
				continue
			}
			if err := handle(ctx, change.Doc); err != nil {
				// Listener mode has no redelivery; the failure is only recorded.
				log.Error("Failed to dispatch document", "document_id", change.Doc.Ref.ID, "err", err)
			}
		}
	}
}

func (w *Watcher) markSeeded() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.seeded++
	if w.seeded == 2 {
		w.once.Do(func() { close(w.ready) })
	}
}

func (w *Watcher) handleRequest(ctx context.Context, doc *firestore.DocumentSnapshot) error {
	req, err := fsStore.DecodeRequest(doc)
	if err != nil {
		return err
	}
	return w.dispatcher.DispatchRequest(ctx, req)
}

func (w *Watcher) handleContent(ctx context.Context, doc *firestore.DocumentSnapshot) error {
	rec, err := fsStore.DecodeContent(doc)
	if err != nil {
		return err
	}
	return w.dispatcher.DispatchContent(ctx, rec)
}
