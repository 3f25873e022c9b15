// --- File: internal/platform/fcm/fcmsender.go ---
package fcm

import (
	"context"
	"log/slog"
	"strings"

	"firebase.google.com/go/v4/messaging"
	"github.com/tinywideclouds/go-push-relay/pkg/dispatch"
	"github.com/tinywideclouds/go-push-relay/pkg/notification"
)

// MessagingClient defines the subset of the Firebase Messaging API we use.
// *messaging.Client satisfies it.
type MessagingClient interface {
	Send(ctx context.Context, msg *messaging.Message) (string, error)
}

// Hints are the platform delivery settings stamped on every message.
// They are configuration, never per-token state.
type Hints struct {
	Sound string
	Badge int
}

// DefaultHints match what the mobile app expects: default sound, high
// priority on Android, badge 1 on iOS.
var DefaultHints = Hints{Sound: "default", Badge: 1}

type Sender struct {
	client MessagingClient
	hints  Hints
	logger *slog.Logger
}

var _ dispatch.Messenger = (*Sender)(nil)

func NewSender(client MessagingClient, hints Hints, logger *slog.Logger) *Sender {
	return &Sender{
		client: client,
		hints:  hints,
		logger: logger.With("component", "FCMSender"),
	}
}

func (s *Sender) SendToToken(ctx context.Context, token string, msg notification.Message) (string, error) {
	m := s.build(msg)
	m.Token = token

	id, err := s.client.Send(ctx, m)
	if err != nil {
		se := classify(err)
		s.logger.Debug("FCM token send failed", "token", Truncate(token), "code", se.Code, "err", err)
		return "", se
	}
	return id, nil
}

func (s *Sender) SendToTopic(ctx context.Context, topic string, msg notification.Message) (string, error) {
	m := s.build(msg)
	m.Topic = topic

	id, err := s.client.Send(ctx, m)
	if err != nil {
		return "", classify(err)
	}
	return id, nil
}

func (s *Sender) build(msg notification.Message) *messaging.Message {
	badge := s.hints.Badge
	return &messaging.Message{
		Notification: &messaging.Notification{
			Title: msg.Content.Title,
			Body:  msg.Content.Body,
		},
		Data: msg.Data,
		Android: &messaging.AndroidConfig{
			Notification: &messaging.AndroidNotification{
				Sound:     s.hints.Sound,
				Priority:  messaging.PriorityHigh,
				ChannelID: msg.ChannelID,
			},
		},
		APNS: &messaging.APNSConfig{
			Payload: &messaging.APNSPayload{
				Aps: &messaging.Aps{
					Sound: s.hints.Sound,
					Badge: &badge,
				},
			},
		},
	}
}

// classify maps Firebase error predicates onto our stable code vocabulary.
// INVALID_ARGUMENT is only a token failure when FCM says the registration
// token is at fault. Payload problems share that status and must not prune.
func classify(err error) *dispatch.SendError {
	code := dispatch.CodeUnknown
	switch {
	case messaging.IsUnregistered(err):
		code = dispatch.CodeTokenNotRegistered
	case messaging.IsInvalidArgument(err):
		code = dispatch.CodeInvalidArgument
		if rejectsToken(err) {
			code = dispatch.CodeInvalidToken
		}
	case messaging.IsSenderIDMismatch(err):
		code = dispatch.CodeSenderIDMismatch
	case messaging.IsQuotaExceeded(err):
		code = dispatch.CodeQuotaExceeded
	case messaging.IsUnavailable(err):
		code = dispatch.CodeUnavailable
	case messaging.IsInternal(err):
		code = dispatch.CodeInternal
	case messaging.IsThirdPartyAuthError(err):
		code = dispatch.CodeThirdPartyAuth
	}
	return &dispatch.SendError{Code: code, Err: err}
}

// rejectsToken matches FCM's "The registration token is not a valid FCM
// registration token" family of messages.
func rejectsToken(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "registration token")
}

// Truncate shortens a device token for logging. Tokens are credentials.
func Truncate(token string) string {
	if len(token) <= 20 {
		return token
	}
	return token[:20] + "..."
}
