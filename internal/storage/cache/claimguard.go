// --- File: internal/storage/cache/claimguard.go ---

// Package cache holds the Redis-backed claim guard that narrows the window in
// which two invocations can fan out the same notification.
package cache

import (
	"context"
	"fmt"
	"time"
)

// DefaultClaimTTL outlives any realistic redelivery window.
const DefaultClaimTTL = 24 * time.Hour

// CacheClient defines the subset of Redis commands we need.
type CacheClient interface {
	// SetNX creates the key only if it is absent.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	// Del removes the key.
	Del(ctx context.Context, key string) error
}

// ClaimGuard implements dispatch.Guard on top of SET NX.
type ClaimGuard struct {
	cache CacheClient
	owner string
	ttl   time.Duration
}

// NewClaimGuard creates the guard. owner is stored as the key's value so an
// operator can see which instance holds a claim.
func NewClaimGuard(cache CacheClient, owner string, ttl time.Duration) *ClaimGuard {
	if ttl <= 0 {
		ttl = DefaultClaimTTL
	}
	return &ClaimGuard{
		cache: cache,
		owner: owner,
		ttl:   ttl,
	}
}

func (g *ClaimGuard) Claim(ctx context.Context, id string) (bool, error) {
	ok, err := g.cache.SetNX(ctx, claimKey(id), g.owner, g.ttl)
	if err != nil {
		return false, fmt.Errorf("failed to claim notification %s: %w", id, err)
	}
	return ok, nil
}

func (g *ClaimGuard) Release(ctx context.Context, id string) error {
	if err := g.cache.Del(ctx, claimKey(id)); err != nil {
		return fmt.Errorf("failed to release notification %s: %w", id, err)
	}
	return nil
}

func claimKey(id string) string {
	return fmt.Sprintf("notify:claim:%s", id)
}
