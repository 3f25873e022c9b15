// --- File: internal/api/token_api.go ---

// Package api exposes the device token registry over authenticated HTTP.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/tinywideclouds/go-microservice-base/pkg/middleware"
	"github.com/tinywideclouds/go-microservice-base/pkg/response"

	"github.com/tinywideclouds/go-push-relay/internal/platform/fcm"
	"github.com/tinywideclouds/go-push-relay/pkg/dispatch"
	"github.com/tinywideclouds/go-push-relay/pkg/notification"
)

var knownPlatforms = map[string]bool{
	"":        true,
	"android": true,
	"ios":     true,
	"web":     true,
}

type TokenAPI struct {
	Registry dispatch.TokenRegistry
	Logger   *slog.Logger
}

func NewTokenAPI(registry dispatch.TokenRegistry, logger *slog.Logger) *TokenAPI {
	return &TokenAPI{
		Registry: registry,
		Logger:   logger.With("component", "TokenAPI"),
	}
}

type RegisterTokenRequest struct {
	Token    string `json:"token"`
	Platform string `json:"platform,omitempty"`
}

type UnregisterTokenRequest struct {
	Token string `json:"token"`
}

// Register upserts the caller's device token. A token already held by
// another user is rejected with 409.
func (api *TokenAPI) Register(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, ok := middleware.GetUserIDFromContext(ctx)
	if !ok || userID == "" {
		response.WriteJSONError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req RegisterTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.WriteJSONError(w, http.StatusBadRequest, "invalid json")
		return
	}

	if req.Token == "" {
		response.WriteJSONError(w, http.StatusBadRequest, "missing token")
		return
	}
	if !knownPlatforms[req.Platform] {
		response.WriteJSONError(w, http.StatusBadRequest, "unknown platform")
		return
	}

	reg := notification.DeviceRegistration{
		Token:    req.Token,
		User:     userID,
		Platform: req.Platform,
	}
	err := api.Registry.Register(ctx, reg)
	if errors.Is(err, dispatch.ErrTokenOwned) {
		api.Logger.Warn("Token registered to another user", "user", userID, "token", fcm.Truncate(req.Token))
		response.WriteJSONError(w, http.StatusConflict, "token registered to another user")
		return
	}
	if err != nil {
		api.Logger.Error("Failed to register token", "user", userID, "err", err)
		response.WriteJSONError(w, http.StatusInternalServerError, "storage failed")
		return
	}
	api.Logger.Info("Token registered", "user", userID, "platform", req.Platform, "token", fcm.Truncate(req.Token))

	w.WriteHeader(http.StatusNoContent)
}

// Unregister removes one of the caller's device tokens. It is idempotent:
// storage errors are logged and the caller still gets 204. Tokens held by
// another user are refused with 403.
func (api *TokenAPI) Unregister(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, ok := middleware.GetUserIDFromContext(ctx)
	if !ok || userID == "" {
		response.WriteJSONError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req UnregisterTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.WriteJSONError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.Token == "" {
		response.WriteJSONError(w, http.StatusBadRequest, "missing token")
		return
	}

	err := api.Registry.Unregister(ctx, userID, req.Token)
	if errors.Is(err, dispatch.ErrTokenOwned) {
		api.Logger.Warn("Refusing to unregister token held by another user", "user", userID, "token", fcm.Truncate(req.Token))
		response.WriteJSONError(w, http.StatusForbidden, "token registered to another user")
		return
	}
	if err != nil {
		api.Logger.Warn("Failed to unregister token", "user", userID, "err", err)
	}

	w.WriteHeader(http.StatusNoContent)
}
