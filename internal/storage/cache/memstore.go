package cache

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/hailwave/go-dispatch-service/pkg/dispatch"
)

// MemStore is an in-process dispatch.TTLStore: a keyed map with per-entry
// expiry and explicit sweeping. It backs the pending-ticket ledger when
// Redis is disabled, and its injectable clock makes TTL behaviour testable
// without a real timer.
type MemStore struct {
	mu      sync.Mutex
	entries map[string]memEntry
	now     func() time.Time
}

type memEntry struct {
	data      []byte
	expiresAt time.Time
}

var _ dispatch.TTLStore = (*MemStore)(nil)

func NewMemStore() *MemStore {
	return &MemStore{
		entries: make(map[string]memEntry),
		now:     time.Now,
	}
}

// NewMemStoreWithClock builds a store reading time from the given clock.
func NewMemStoreWithClock(now func() time.Time) *MemStore {
	s := NewMemStore()
	s.now = now
	return s
}

func (s *MemStore) Put(_ context.Context, key string, value any, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = memEntry{data: data, expiresAt: s.now().Add(ttl)}
	return nil
}

// Get reports a present, unexpired key. Expired entries are evicted lazily
// on read.
func (s *MemStore) Get(_ context.Context, key string, dest any) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[key]
	if !ok {
		return false, nil
	}
	if !s.now().Before(entry.expiresAt) {
		delete(s.entries, key)
		return false, nil
	}
	return true, json.Unmarshal(entry.data, dest)
}

func (s *MemStore) Del(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}

// ScanKeys returns the unexpired keys under prefix, in map order.
func (s *MemStore) ScanKeys(_ context.Context, prefix string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var keys []string
	now := s.now()
	for key, entry := range s.entries {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		if !now.Before(entry.expiresAt) {
			continue
		}
		keys = append(keys, key)
	}
	return keys, nil
}

// SweepExpired evicts every expired entry and returns how many went.
func (s *MemStore) SweepExpired(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	swept := 0
	now := s.now()
	for key, entry := range s.entries {
		if !now.Before(entry.expiresAt) {
			delete(s.entries, key)
			swept++
		}
	}
	return swept, nil
}

// Len reports the live entry count, expired entries included until swept.
func (s *MemStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
