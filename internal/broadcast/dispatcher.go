// Package broadcast announces new content records to a topic.
package broadcast

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/tinywideclouds/go-push-relay/internal/metrics"
	"github.com/tinywideclouds/go-push-relay/pkg/dispatch"
	"github.com/tinywideclouds/go-push-relay/pkg/notification"
)

const (
	DefaultTopic     = "knowledge_updates"
	DefaultChannelID = "knowledge_channel"
	DefaultCategory  = "General"
	payloadType      = "knowledge"

	// timestampLayout is ISO-8601 in UTC with millisecond precision.
	timestampLayout = "2006-01-02T15:04:05.000Z"
)

// Config fixes where and how content is announced.
type Config struct {
	Topic     string
	ChannelID string
}

type Dispatcher struct {
	messenger dispatch.Messenger
	cfg       Config
	now       func() time.Time
	metrics   *metrics.Recorder
	logger    *slog.Logger
}

func NewDispatcher(messenger dispatch.Messenger, cfg Config, rec *metrics.Recorder, logger *slog.Logger) *Dispatcher {
	if cfg.Topic == "" {
		cfg.Topic = DefaultTopic
	}
	if cfg.ChannelID == "" {
		cfg.ChannelID = DefaultChannelID
	}
	return &Dispatcher{
		messenger: messenger,
		cfg:       cfg,
		now:       time.Now,
		metrics:   rec,
		logger:    logger.With("component", "TopicBroadcastDispatcher", "topic", cfg.Topic),
	}
}

// WithClock replaces the timestamp source.
func (d *Dispatcher) WithClock(now func() time.Time) *Dispatcher {
	d.now = now
	return d
}

// Handle publishes exactly one message for rec. Transport errors are returned
// so the trigger infrastructure can apply its own redelivery policy.
func (d *Dispatcher) Handle(ctx context.Context, rec *notification.ContentRecord) (string, error) {
	d.logger.Info("New content posted", "doc_id", rec.ID, "title", rec.Title)

	msg := d.Build(rec)
	id, err := d.messenger.SendToTopic(ctx, d.cfg.Topic, msg)
	if err != nil {
		d.logger.Error("Error sending message to topic", "doc_id", rec.ID, "err", err)
		d.metrics.Send(metrics.KindTopic, metrics.OutcomeTransient)
		return "", fmt.Errorf("topic broadcast for %s failed: %w", rec.ID, err)
	}

	d.logger.Info("Sent message to topic", "doc_id", rec.ID, "message_id", id)
	d.metrics.Send(metrics.KindTopic, metrics.OutcomeDelivered)
	return id, nil
}

// Build renders the topic message for rec.
func (d *Dispatcher) Build(rec *notification.ContentRecord) notification.Message {
	category := rec.Category
	if category == "" {
		category = DefaultCategory
	}
	return notification.Message{
		Content: notification.Content{
			Title: fmt.Sprintf("🔔 New %s Post", category),
			Body:  rec.Title,
		},
		Data: map[string]string{
			"type":      payloadType,
			"docId":     rec.ID,
			"title":     rec.Title,
			"content":   rec.Content,
			"category":  category,
			"timestamp": d.now().UTC().Format(timestampLayout),
		},
		ChannelID: d.cfg.ChannelID,
	}
}
