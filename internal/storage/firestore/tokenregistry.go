package firestore

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"

	"github.com/tinywideclouds/go-push-relay/pkg/dispatch"
	"github.com/tinywideclouds/go-push-relay/pkg/notification"
)

// DefaultTokenCollection is shared with the mobile app, which registers
// itself under fcm_tokens/{token}.
const DefaultTokenCollection = "fcm_tokens"

// deviceRecord is the internal DB representation.
type deviceRecord struct {
	Token     string    `firestore:"token"`
	User      string    `firestore:"user,omitempty"`
	Platform  string    `firestore:"platform,omitempty"`
	UpdatedAt time.Time `firestore:"updated_at"`
}

// TokenRegistry implements dispatch.TokenRegistry. The document ID is the
// raw token so that app and relay agree on the key without coordination.
type TokenRegistry struct {
	client     *firestore.Client
	collection string
}

var _ dispatch.TokenRegistry = (*TokenRegistry)(nil)

func NewTokenRegistry(client *firestore.Client, collection string) *TokenRegistry {
	if collection == "" {
		collection = DefaultTokenCollection
	}
	return &TokenRegistry{client: client, collection: collection}
}

// Register upserts reg inside a transaction so that a token owned by another
// user is never overwritten. Entries without a user can be claimed by anyone.
func (r *TokenRegistry) Register(ctx context.Context, reg notification.DeviceRegistration) error {
	ref := r.tokenRef(reg.Token)
	return r.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		owner, err := r.ownerOf(tx, ref)
		if err != nil {
			return err
		}
		if owner != "" && owner != reg.User {
			return dispatch.ErrTokenOwned
		}
		return tx.Set(ref, deviceRecord{
			Token:     reg.Token,
			User:      reg.User,
			Platform:  reg.Platform,
			UpdatedAt: time.Now(),
		})
	})
}

// Unregister deletes token only when user owns it or nobody does.
func (r *TokenRegistry) Unregister(ctx context.Context, user, token string) error {
	ref := r.tokenRef(token)
	return r.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		owner, err := r.ownerOf(tx, ref)
		if err != nil {
			return err
		}
		if owner != "" && owner != user {
			return dispatch.ErrTokenOwned
		}
		return tx.Delete(ref)
	})
}

// ownerOf returns the user recorded on ref, or "" when the token is new.
func (r *TokenRegistry) ownerOf(tx *firestore.Transaction, ref *firestore.DocumentRef) (string, error) {
	snap, err := tx.Get(ref)
	if isNotFound(err) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	var rec deviceRecord
	if err := snap.DataTo(&rec); err != nil {
		return "", fmt.Errorf("failed to decode token %s: %w", ref.ID, err)
	}
	return rec.User, nil
}

// DeleteAll removes all tokens in one transaction: either every entry goes or none does.
func (r *TokenRegistry) DeleteAll(ctx context.Context, tokens []string) error {
	if len(tokens) == 0 {
		return nil
	}
	err := r.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		for _, t := range tokens {
			if err := tx.Delete(r.tokenRef(t)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to delete %d tokens: %w", len(tokens), err)
	}
	return nil
}

// Exists reports whether token is currently registered.
func (r *TokenRegistry) Exists(ctx context.Context, token string) (bool, error) {
	snap, err := r.tokenRef(token).Get(ctx)
	if isNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return snap.Exists(), nil
}

func (r *TokenRegistry) tokenRef(token string) *firestore.DocumentRef {
	return r.client.Collection(r.collection).Doc(token)
}
