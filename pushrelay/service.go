// --- File: pushrelay/service.go ---

// Package pushrelay assembles the relay: HTTP base server, token API,
// metrics endpoint and whichever trigger sources are configured.
package pushrelay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"
	"github.com/tinywideclouds/go-microservice-base/pkg/microservice"
	"github.com/tinywideclouds/go-microservice-base/pkg/middleware"

	"github.com/tinywideclouds/go-push-relay/internal/api"
	"github.com/tinywideclouds/go-push-relay/internal/metrics"
	"github.com/tinywideclouds/go-push-relay/internal/pipeline"
	"github.com/tinywideclouds/go-push-relay/pkg/dispatch"
	"github.com/tinywideclouds/go-push-relay/pkg/notification"
	"github.com/tinywideclouds/go-push-relay/pushrelay/config"
)

// Trigger is a background event source with its own lifecycle.
type Trigger interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

type Wrapper struct {
	*microservice.BaseServer
	pipelineService *messagepipeline.StreamingService[notification.DocumentEvent]
	watcher         Trigger
	logger          *slog.Logger
}

// Dependencies groups the collaborators built in main.
// Consumer may be nil when the Pub/Sub trigger is disabled; Watcher may be
// nil when watch mode is off.
type Dependencies struct {
	Consumer       messagepipeline.MessageConsumer
	Router         *pipeline.Router
	Watcher        Trigger
	Registry       dispatch.TokenRegistry
	AuthMiddleware func(http.Handler) http.Handler
	Metrics        *metrics.Recorder
}

// New assembles the service.
func New(cfg *config.Config, deps Dependencies, logger *slog.Logger) (*Wrapper, error) {
	if deps.Consumer == nil && deps.Watcher == nil {
		return nil, errors.New("at least one trigger (consumer or watcher) is required")
	}

	// 1. Base Server
	baseServer := microservice.NewBaseServer(logger, cfg.ListenAddr)

	w := &Wrapper{
		BaseServer: baseServer,
		watcher:    deps.Watcher,
		logger:     logger,
	}

	// 2. Pipeline
	if deps.Consumer != nil {
		processor := pipeline.NewProcessor(deps.Router, logger)
		streamingService, err := messagepipeline.NewStreamingService(
			messagepipeline.StreamingServiceConfig{NumWorkers: cfg.NumPipelineWorkers},
			deps.Consumer,
			pipeline.DocumentEventTransformer,
			processor,
			logger,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create streaming service: %w", err)
		}
		w.pipelineService = streamingService
	}

	// 3. Routes
	mux := baseServer.Mux()
	corsMiddleware := middleware.NewCorsMiddleware(cfg.CorsConfig, logger)

	if deps.Registry != nil {
		tokenAPI := api.NewTokenAPI(deps.Registry, logger)
		auth := deps.AuthMiddleware
		if auth == nil {
			return nil, errors.New("token registry requires an auth middleware")
		}

		handle := func(pattern string, handlerFunc http.HandlerFunc) {
			mux.Handle(pattern, corsMiddleware(auth(handlerFunc)))
		}
		handle("POST /api/v1/tokens", tokenAPI.Register)
		handle("POST /api/v1/tokens/unregister", tokenAPI.Unregister)

		// CORS preflight for the API namespace
		mux.Handle("OPTIONS /api/v1/", corsMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})))
	}

	if deps.Metrics != nil {
		mux.Handle("GET /metrics", deps.Metrics.Handler())
	}

	return w, nil
}

func (w *Wrapper) Start(ctx context.Context) error {
	if w.pipelineService != nil {
		w.logger.Info("Core processing pipeline starting...")
		if err := w.pipelineService.Start(ctx); err != nil {
			return fmt.Errorf("failed to start processing service: %w", err)
		}
	}
	if w.watcher != nil {
		w.logger.Info("Snapshot watcher starting...")
		if err := w.watcher.Start(ctx); err != nil {
			return fmt.Errorf("failed to start snapshot watcher: %w", err)
		}
	}
	w.SetReady(true)
	w.logger.Info("Service is now ready.")
	return w.BaseServer.Start()
}

func (w *Wrapper) Shutdown(ctx context.Context) error {
	w.logger.Info("Shutting down service components...")
	var finalErr error
	if w.watcher != nil {
		if err := w.watcher.Stop(ctx); err != nil {
			w.logger.Error("Snapshot watcher shutdown failed.", "err", err)
			finalErr = err
		}
	}
	if w.pipelineService != nil {
		if err := w.pipelineService.Stop(ctx); err != nil {
			w.logger.Error("Processing pipeline shutdown failed.", "err", err)
			finalErr = err
		}
	}
	if err := w.BaseServer.Shutdown(ctx); err != nil {
		w.logger.Error("HTTP server shutdown failed.", "err", err)
		finalErr = err
	}
	w.logger.Info("Service shutdown complete.")
	return finalErr
}
