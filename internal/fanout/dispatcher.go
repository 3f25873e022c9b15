// Package fanout delivers a NotificationRequest to every one of its device
// tokens and records the outcome on the request document.
package fanout

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/tinywideclouds/go-push-relay/internal/metrics"
	"github.com/tinywideclouds/go-push-relay/internal/platform/fcm"
	"github.com/tinywideclouds/go-push-relay/pkg/dispatch"
	"github.com/tinywideclouds/go-push-relay/pkg/notification"
)

// NoTokensReason is written to requests that arrive without any device token.
const NoTokensReason = "No tokens available"

type outcomeKind int

const (
	delivered outcomeKind = iota
	transientFailure
	permanentFailure
)

// outcome is the tagged result of one token send.
type outcome struct {
	kind  outcomeKind
	token string
}

type Dispatcher struct {
	messenger dispatch.Messenger
	requests  dispatch.RequestStore
	registry  dispatch.TokenRegistry
	guard     dispatch.Guard // optional
	metrics   *metrics.Recorder
	logger    *slog.Logger
}

// NewDispatcher wires the fan-out handler. guard and rec may be nil.
func NewDispatcher(
	messenger dispatch.Messenger,
	requests dispatch.RequestStore,
	registry dispatch.TokenRegistry,
	guard dispatch.Guard,
	rec *metrics.Recorder,
	logger *slog.Logger,
) *Dispatcher {
	return &Dispatcher{
		messenger: messenger,
		requests:  requests,
		registry:  registry,
		guard:     guard,
		metrics:   rec,
		logger:    logger.With("component", "TokenFanoutDispatcher"),
	}
}

// Handle processes a newly created request. A nil report with a nil error
// means the request was skipped (already sent, or claimed elsewhere).
func (d *Dispatcher) Handle(ctx context.Context, req *notification.NotificationRequest) (*notification.DeliveryReport, error) {
	log := d.logger.With("notification_id", req.ID)

	if req.Sent {
		log.Info("Notification already sent, skipping")
		d.metrics.Request("duplicate")
		return nil, nil
	}

	if len(req.Tokens) == 0 {
		log.Info("No tokens to send to")
		if err := d.requests.MarkUndeliverable(ctx, req.ID, NoTokensReason); err != nil {
			return nil, fmt.Errorf("failed to mark notification %s undeliverable: %w", req.ID, err)
		}
		d.metrics.Request("no_tokens")
		return &notification.DeliveryReport{}, nil
	}

	if !d.claim(ctx, req.ID, log) {
		log.Info("Notification claimed by another invocation, skipping")
		d.metrics.Request("duplicate")
		return nil, nil
	}

	tokens := uniqueTokens(req.Tokens)
	log.Info("Dispatching notification", "tokens", len(tokens))
	report := fold(d.sendAll(ctx, req, tokens))

	log.Info("Fan-out complete", "success", report.SuccessCount, "failure", report.FailureCount)

	if err := d.requests.MarkSent(ctx, req.ID, report); err != nil {
		d.release(ctx, req.ID, log)
		d.metrics.Request("mark_failed")
		return nil, fmt.Errorf("failed to mark notification %s sent: %w", req.ID, err)
	}
	d.metrics.Request("processed")

	if len(report.InvalidTokens) > 0 {
		d.prune(ctx, report.InvalidTokens, log)
	}

	return &report, nil
}

// uniqueTokens drops repeated tokens, keeping first-seen order.
func uniqueTokens(tokens []string) []string {
	seen := make(map[string]struct{}, len(tokens))
	out := make([]string, 0, len(tokens))
	for _, t := range tokens {
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}

// sendAll issues one send per token concurrently. Every goroutine owns a
// single slot of the result slice, so no locking is needed.
func (d *Dispatcher) sendAll(ctx context.Context, req *notification.NotificationRequest, tokens []string) []outcome {
	msg := notification.Message{
		Content: req.Notification,
		Data:    req.Data,
	}

	outcomes := make([]outcome, len(tokens))
	var wg sync.WaitGroup
	wg.Add(len(tokens))
	for i, token := range tokens {
		go func(i int, token string) {
			defer wg.Done()
			outcomes[i] = d.sendOne(ctx, token, msg)
		}(i, token)
	}
	wg.Wait()
	return outcomes
}

func (d *Dispatcher) sendOne(ctx context.Context, token string, msg notification.Message) outcome {
	_, err := d.messenger.SendToToken(ctx, token, msg)
	switch {
	case err == nil:
		d.metrics.Send(metrics.KindToken, metrics.OutcomeDelivered)
		return outcome{kind: delivered, token: token}
	case dispatch.IsPermanent(err):
		d.logger.Warn("Token rejected as invalid", "token", fcm.Truncate(token), "err", err)
		d.metrics.Send(metrics.KindToken, metrics.OutcomePermanent)
		return outcome{kind: permanentFailure, token: token}
	default:
		d.logger.Error("Failed to send to token", "token", fcm.Truncate(token), "err", err)
		d.metrics.Send(metrics.KindToken, metrics.OutcomeTransient)
		return outcome{kind: transientFailure, token: token}
	}
}

func fold(outcomes []outcome) notification.DeliveryReport {
	var report notification.DeliveryReport
	for _, o := range outcomes {
		switch o.kind {
		case delivered:
			report.SuccessCount++
		case permanentFailure:
			report.FailureCount++
			report.InvalidTokens = append(report.InvalidTokens, o.token)
		default:
			report.FailureCount++
		}
	}
	return report
}

// prune is best-effort hygiene: its failure never changes the request outcome.
func (d *Dispatcher) prune(ctx context.Context, tokens []string, log *slog.Logger) {
	log.Info("Removing invalid tokens", "count", len(tokens))
	if err := d.registry.DeleteAll(ctx, tokens); err != nil {
		log.Warn("Failed to remove invalid tokens", "count", len(tokens), "err", err)
		d.metrics.PruneFailed()
		return
	}
	d.metrics.Pruned(len(tokens))
}

// claim fails open: a broken guard falls back to the sent flag alone.
func (d *Dispatcher) claim(ctx context.Context, id string, log *slog.Logger) bool {
	if d.guard == nil {
		return true
	}
	ok, err := d.guard.Claim(ctx, id)
	if err != nil {
		log.Warn("Claim guard unavailable, proceeding", "err", err)
		return true
	}
	return ok
}

func (d *Dispatcher) release(ctx context.Context, id string, log *slog.Logger) {
	if d.guard == nil {
		return
	}
	if err := d.guard.Release(ctx, id); err != nil {
		log.Warn("Failed to release claim", "err", err)
	}
}
