package firestore

import (
	"context"
	"fmt"

	"cloud.google.com/go/firestore"

	"github.com/tinywideclouds/go-push-relay/pkg/dispatch"
	"github.com/tinywideclouds/go-push-relay/pkg/notification"
)

// DefaultContentCollection holds published knowledge posts.
const DefaultContentCollection = "knowledge"

type contentRecord struct {
	Title    string `firestore:"title"`
	Category string `firestore:"category"`
	Content  string `firestore:"content"`
}

type ContentStore struct {
	client     *firestore.Client
	collection string
}

var _ dispatch.ContentStore = (*ContentStore)(nil)

func NewContentStore(client *firestore.Client, collection string) *ContentStore {
	if collection == "" {
		collection = DefaultContentCollection
	}
	return &ContentStore{client: client, collection: collection}
}

func (s *ContentStore) Get(ctx context.Context, id string) (*notification.ContentRecord, error) {
	snap, err := s.client.Collection(s.collection).Doc(id).Get(ctx)
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("content %s: %w", id, dispatch.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to read content %s: %w", id, err)
	}
	return DecodeContent(snap)
}

func DecodeContent(snap *firestore.DocumentSnapshot) (*notification.ContentRecord, error) {
	var rec contentRecord
	if err := snap.DataTo(&rec); err != nil {
		return nil, fmt.Errorf("failed to decode content %s: %w", snap.Ref.ID, err)
	}
	return &notification.ContentRecord{
		ID:       snap.Ref.ID,
		Title:    rec.Title,
		Category: rec.Category,
		Content:  rec.Content,
	}, nil
}
