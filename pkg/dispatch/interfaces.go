package dispatch

import (
	"context"
	"time"

	urn "github.com/tinywideclouds/go-platform/pkg/net/v1"
)

// RecipientStore is the engine's read/write contract on the external store
// that owns recipient state. The engine reads snapshots during selection and
// writes only through the narrow registration/cleanup operations.
type RecipientStore interface {
	// Fetch returns the current snapshot for one recipient. A recipient
	// with no stored record comes back with an empty push address; that is
	// a valid "no notification destination" result, not an error.
	Fetch(ctx context.Context, id urn.URN) (*Recipient, error)

	// FetchAll returns snapshots for the given ids, preserving input
	// order. Ids with no record are skipped.
	FetchAll(ctx context.Context, ids []urn.URN) ([]*Recipient, error)

	// RegisterToken adds or replaces the push address for a recipient.
	RegisterToken(ctx context.Context, id urn.URN, address string, platform Platform) error

	// UnregisterToken removes a dead push address. Idempotent.
	UnregisterToken(ctx context.Context, id urn.URN, address string) error

	// SetPreference records an explicit allow/deny for one category.
	SetPreference(ctx context.Context, id urn.URN, category string, allowed bool) error

	// UpdateLocation records a fresh position observation and the
	// availability flag that accompanies it.
	UpdateLocation(ctx context.Context, id urn.URN, pos Position, available bool) error
}

// CandidateSelector finds the recipients nearest a reference point that are
// eligible to be notified: available, approved, holding a push address, and
// observed within the freshness window.
type CandidateSelector interface {
	// Nearest returns at most k eligible snapshots ordered nearest-first.
	// An empty slice is a normal outcome, not an error.
	Nearest(ctx context.Context, lat, lng float64, role Role, k int) ([]*Recipient, error)
}

// GeoIndex is the geospatial side of the external store: per-role position
// index supporting nearest-neighbour reads. This is the only interface that
// requires geospatial query support.
type GeoIndex interface {
	// Update upserts a recipient's position in the role's index.
	Update(ctx context.Context, role Role, id urn.URN, lat, lng float64) error
	// Remove drops a recipient from the role's index.
	Remove(ctx context.Context, role Role, id urn.URN) error
	// Nearest returns up to count recipient ids ordered by great-circle
	// distance from the reference point, nearest first. Ties keep the
	// index's stored order.
	Nearest(ctx context.Context, role Role, lat, lng float64, count int) ([]urn.URN, error)
}

// TTLStore is a keyed store with per-entry expiry. The engine parks pending
// submission tickets in one for the reconcile window; gateway adapters that
// confirm synchronously use one as their receipt ledger. Implementations
// with native expiry may make SweepExpired a no-op.
type TTLStore interface {
	Put(ctx context.Context, key string, value any, ttl time.Duration) error
	// Get unmarshals the stored value into dest and reports whether the
	// key was present and unexpired.
	Get(ctx context.Context, key string, dest any) (bool, error)
	Del(ctx context.Context, key string) error
	// ScanKeys returns every unexpired key starting with prefix, in no
	// particular order.
	ScanKeys(ctx context.Context, prefix string) ([]string, error)
	// SweepExpired evicts expired entries and returns how many went.
	SweepExpired(ctx context.Context) (int, error)
}
