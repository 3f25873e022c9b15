// --- File: pkg/dispatch/interfaces.go ---
package dispatch

import (
	"context"
	"errors"
	"fmt"

	"github.com/tinywideclouds/go-push-relay/pkg/notification"
)

// ErrNotFound is returned by stores when the requested document does not exist.
var ErrNotFound = errors.New("document not found")

// ErrTokenOwned is returned when a device token is registered to a different user.
var ErrTokenOwned = errors.New("token registered to another user")

// Transport error codes. Only CodeInvalidToken and CodeTokenNotRegistered
// mean the device token itself is dead. CodeInvalidArgument covers a request
// the transport rejected for reasons other than the token, such as a bad payload.
const (
	CodeInvalidToken       = "invalid-registration-token"
	CodeTokenNotRegistered = "registration-token-not-registered"
	CodeInvalidArgument    = "invalid-argument"
	CodeSenderIDMismatch   = "sender-id-mismatch"
	CodeQuotaExceeded      = "quota-exceeded"
	CodeUnavailable        = "unavailable"
	CodeInternal           = "internal"
	CodeThirdPartyAuth     = "third-party-auth-error"
	CodeUnknown            = "unknown"
)

// SendError is a transport failure tagged with a stable code.
type SendError struct {
	Code string
	Err  error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("send failed (%s): %v", e.Code, e.Err)
}

func (e *SendError) Unwrap() error {
	return e.Err
}

// IsPermanent reports whether err says the target token can never be delivered to.
func IsPermanent(err error) bool {
	var se *SendError
	if !errors.As(err, &se) {
		return false
	}
	return se.Code == CodeInvalidToken || se.Code == CodeTokenNotRegistered
}

// Messenger is the push transport.
type Messenger interface {
	// SendToToken delivers msg to a single device and returns the transport message ID.
	SendToToken(ctx context.Context, token string, msg notification.Message) (string, error)
	// SendToTopic publishes msg once to a transport-managed topic.
	SendToTopic(ctx context.Context, topic string, msg notification.Message) (string, error)
}

// RequestStore persists the outcome of a fan-out on its triggering document.
type RequestStore interface {
	Get(ctx context.Context, id string) (*notification.NotificationRequest, error)
	MarkSent(ctx context.Context, id string, report notification.DeliveryReport) error
	MarkUndeliverable(ctx context.Context, id string, reason string) error
}

// ContentStore reads content documents.
type ContentStore interface {
	Get(ctx context.Context, id string) (*notification.ContentRecord, error)
}

// TokenRegistry defines the contract for managing registered device tokens.
type TokenRegistry interface {
	// Register adds or refreshes a device token for reg.User. A token held by
	// a different user is left untouched and ErrTokenOwned is returned.
	Register(ctx context.Context, reg notification.DeviceRegistration) error
	// Unregister removes token on behalf of user. Removing an absent token is
	// not an error; a token held by a different user yields ErrTokenOwned.
	Unregister(ctx context.Context, user, token string) error
	// DeleteAll removes every token or none of them.
	DeleteAll(ctx context.Context, tokens []string) error
}

// Guard narrows the window in which two invocations process the same request.
type Guard interface {
	// Claim returns false when another invocation already holds id.
	Claim(ctx context.Context, id string) (bool, error)
	Release(ctx context.Context, id string) error
}
