package cache

import (
	"context"
	"fmt"
	"time"

	urn "github.com/tinywideclouds/go-platform/pkg/net/v1"

	"github.com/hailwave/go-dispatch-service/pkg/dispatch"
)

// CachedRecipientStore is a decorator that adds read-aside caching to any
// RecipientStore on the single-recipient path.
//
// Only Fetch is cached: FetchAll feeds proximity selection, where
// availability and position must be current, so it always goes to the real
// store. Writes invalidate, which keeps "disable notifications" and token
// removal effective immediately.
type CachedRecipientStore struct {
	realStore dispatch.RecipientStore
	cache     CacheClient
	ttl       time.Duration
}

var _ dispatch.RecipientStore = (*CachedRecipientStore)(nil)

func NewCachedRecipientStore(realStore dispatch.RecipientStore, cache CacheClient, ttl time.Duration) *CachedRecipientStore {
	return &CachedRecipientStore{
		realStore: realStore,
		cache:     cache,
		ttl:       ttl,
	}
}

// --- READ PATHS ---

func (s *CachedRecipientStore) Fetch(ctx context.Context, id urn.URN) (*dispatch.Recipient, error) {
	key := s.cacheKey(id)

	var cached dispatch.Recipient
	found, err := s.cache.Get(ctx, key, &cached)
	if err == nil && found {
		return &cached, nil
	}

	fresh, err := s.realStore.Fetch(ctx, id)
	if err != nil {
		return nil, err
	}

	// Caching is an optimization, not a transaction: if the cache write
	// fails we still serve from the store.
	_ = s.cache.Set(ctx, key, fresh, s.ttl)
	return fresh, nil
}

// FetchAll bypasses the cache; selection needs fresh snapshots.
func (s *CachedRecipientStore) FetchAll(ctx context.Context, ids []urn.URN) ([]*dispatch.Recipient, error) {
	return s.realStore.FetchAll(ctx, ids)
}

// --- WRITE PATHS (Invalidate-on-Write) ---

func (s *CachedRecipientStore) RegisterToken(ctx context.Context, id urn.URN, address string, platform dispatch.Platform) error {
	if err := s.realStore.RegisterToken(ctx, id, address, platform); err != nil {
		return err
	}
	return s.invalidate(ctx, id)
}

// UnregisterToken must clear the cache even though the address-keyed write
// may touch other recipients; the given id is the one the caller will
// re-read next.
func (s *CachedRecipientStore) UnregisterToken(ctx context.Context, id urn.URN, address string) error {
	if err := s.realStore.UnregisterToken(ctx, id, address); err != nil {
		return err
	}
	return s.invalidate(ctx, id)
}

func (s *CachedRecipientStore) SetPreference(ctx context.Context, id urn.URN, category string, allowed bool) error {
	if err := s.realStore.SetPreference(ctx, id, category, allowed); err != nil {
		return err
	}
	return s.invalidate(ctx, id)
}

func (s *CachedRecipientStore) UpdateLocation(ctx context.Context, id urn.URN, pos dispatch.Position, available bool) error {
	if err := s.realStore.UpdateLocation(ctx, id, pos, available); err != nil {
		return err
	}
	return s.invalidate(ctx, id)
}

// --- Helpers ---

func (s *CachedRecipientStore) invalidate(ctx context.Context, id urn.URN) error {
	return s.cache.Del(ctx, s.cacheKey(id))
}

func (s *CachedRecipientStore) cacheKey(id urn.URN) string {
	return fmt.Sprintf("dispatch:recipient:%s", id.String())
}
