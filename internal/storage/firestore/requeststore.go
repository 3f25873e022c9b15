package firestore

import (
	"context"
	"fmt"

	"cloud.google.com/go/firestore"

	"github.com/tinywideclouds/go-push-relay/pkg/dispatch"
	"github.com/tinywideclouds/go-push-relay/pkg/notification"
)

// DefaultRequestCollection holds per-user notification requests.
const DefaultRequestCollection = "notifications"

// requestRecord is the document shape written by the app.
// Data may sit at the top level or, for older clients, under notification.
type requestRecord struct {
	Notification struct {
		Title string                 `firestore:"title"`
		Body  string                 `firestore:"body"`
		Data  map[string]interface{} `firestore:"data"`
	} `firestore:"notification"`
	Data   map[string]interface{} `firestore:"data"`
	Tokens []string               `firestore:"tokens"`
	Sent   bool                   `firestore:"sent"`
}

// RequestStore implements dispatch.RequestStore on a Firestore collection.
type RequestStore struct {
	client     *firestore.Client
	collection string
}

var _ dispatch.RequestStore = (*RequestStore)(nil)

func NewRequestStore(client *firestore.Client, collection string) *RequestStore {
	if collection == "" {
		collection = DefaultRequestCollection
	}
	return &RequestStore{client: client, collection: collection}
}

func (s *RequestStore) Get(ctx context.Context, id string) (*notification.NotificationRequest, error) {
	snap, err := s.client.Collection(s.collection).Doc(id).Get(ctx)
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("notification %s: %w", id, dispatch.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to read notification %s: %w", id, err)
	}
	return DecodeRequest(snap)
}

// MarkSent records the fan-out outcome in a single update.
func (s *RequestStore) MarkSent(ctx context.Context, id string, report notification.DeliveryReport) error {
	_, err := s.client.Collection(s.collection).Doc(id).Update(ctx, []firestore.Update{
		{Path: "sent", Value: true},
		{Path: "sentAt", Value: firestore.ServerTimestamp},
		{Path: "successCount", Value: report.SuccessCount},
		{Path: "failureCount", Value: report.FailureCount},
	})
	return err
}

func (s *RequestStore) MarkUndeliverable(ctx context.Context, id string, reason string) error {
	_, err := s.client.Collection(s.collection).Doc(id).Update(ctx, []firestore.Update{
		{Path: "sent", Value: true},
		{Path: "error", Value: reason},
		{Path: "sentAt", Value: firestore.ServerTimestamp},
	})
	return err
}

// DecodeRequest maps a notification document onto the domain request.
func DecodeRequest(snap *firestore.DocumentSnapshot) (*notification.NotificationRequest, error) {
	var rec requestRecord
	if err := snap.DataTo(&rec); err != nil {
		return nil, fmt.Errorf("failed to decode notification %s: %w", snap.Ref.ID, err)
	}

	data := rec.Data
	if len(data) == 0 {
		data = rec.Notification.Data
	}

	return &notification.NotificationRequest{
		ID: snap.Ref.ID,
		Notification: notification.Content{
			Title: rec.Notification.Title,
			Body:  rec.Notification.Body,
		},
		Data:   stringify(data),
		Tokens: rec.Tokens,
		Sent:   rec.Sent,
	}, nil
}

// stringify flattens arbitrary Firestore values; FCM data payloads are string-only.
func stringify(in map[string]interface{}) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		switch t := v.(type) {
		case string:
			out[k] = t
		case nil:
			out[k] = ""
		default:
			out[k] = fmt.Sprint(t)
		}
	}
	return out
}
