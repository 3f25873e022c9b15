// --- File: internal/pipeline/processor.go ---
package pipeline

import (
	"context"
	"errors"
	"log/slog"

	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"

	"github.com/tinywideclouds/go-push-relay/pkg/dispatch"
	"github.com/tinywideclouds/go-push-relay/pkg/notification"
)

// FanoutHandler handles newly created notification requests.
type FanoutHandler interface {
	Handle(ctx context.Context, req *notification.NotificationRequest) (*notification.DeliveryReport, error)
}

// BroadcastHandler handles newly created content records.
type BroadcastHandler interface {
	Handle(ctx context.Context, rec *notification.ContentRecord) (string, error)
}

// Collections names the two trigger collections.
type Collections struct {
	Requests string
	Content  string
}

// Router maps a document event to the dispatcher that owns its collection.
// It is shared by the Pub/Sub pipeline and the snapshot watcher.
type Router struct {
	requests    dispatch.RequestStore
	contents    dispatch.ContentStore
	fanout      FanoutHandler
	broadcast   BroadcastHandler
	collections Collections
	logger      *slog.Logger
}

func NewRouter(
	requests dispatch.RequestStore,
	contents dispatch.ContentStore,
	fanout FanoutHandler,
	broadcast BroadcastHandler,
	collections Collections,
	logger *slog.Logger,
) *Router {
	return &Router{
		requests:    requests,
		contents:    contents,
		fanout:      fanout,
		broadcast:   broadcast,
		collections: collections,
		logger:      logger.With("component", "Router"),
	}
}

// Route loads the document named by the event and dispatches it.
// A document that no longer exists is acknowledged, not retried.
func (r *Router) Route(ctx context.Context, event *notification.DocumentEvent) error {
	log := r.logger.With("collection", event.Collection, "document_id", event.DocumentID)

	switch event.Collection {
	case r.collections.Requests:
		req, err := r.requests.Get(ctx, event.DocumentID)
		if errors.Is(err, dispatch.ErrNotFound) {
			log.Warn("Notification request vanished before dispatch")
			return nil
		}
		if err != nil {
			log.Error("Failed to load notification request", "err", err)
			return err
		}
		return r.DispatchRequest(ctx, req)

	case r.collections.Content:
		rec, err := r.contents.Get(ctx, event.DocumentID)
		if errors.Is(err, dispatch.ErrNotFound) {
			log.Warn("Content record vanished before dispatch")
			return nil
		}
		if err != nil {
			log.Error("Failed to load content record", "err", err)
			return err
		}
		return r.DispatchContent(ctx, rec)

	default:
		log.Warn("No dispatcher for collection, acknowledging")
		return nil
	}
}

func (r *Router) DispatchRequest(ctx context.Context, req *notification.NotificationRequest) error {
	report, err := r.fanout.Handle(ctx, req)
	if err != nil {
		r.logger.Error("Fan-out failed", "notification_id", req.ID, "err", err)
		return err
	}
	if report != nil {
		r.logger.Debug("Fan-out reported", "notification_id", req.ID,
			"success", report.SuccessCount, "failure", report.FailureCount)
	}
	return nil
}

func (r *Router) DispatchContent(ctx context.Context, rec *notification.ContentRecord) error {
	messageID, err := r.broadcast.Handle(ctx, rec)
	if err != nil {
		r.logger.Error("Broadcast failed", "doc_id", rec.ID, "err", err)
		return err
	}
	r.logger.Info("Broadcast sent", "doc_id", rec.ID, "message_id", messageID)
	return nil
}

// NewProcessor adapts the Router to the StreamingService. A returned error
// leaves the Pub/Sub message unacknowledged so it is redelivered.
func NewProcessor(router *Router, logger *slog.Logger) messagepipeline.StreamProcessor[notification.DocumentEvent] {
	return func(ctx context.Context, original messagepipeline.Message, event *notification.DocumentEvent) error {
		procLogger := logger.With(
			"pubsub_msg_id", original.ID,
			"collection", event.Collection,
			"document_id", event.DocumentID,
		)
		if err := router.Route(ctx, event); err != nil {
			procLogger.Error("Document event processing failed", "err", err)
			return err
		}
		procLogger.Debug("Document event processed")
		return nil
	}
}
