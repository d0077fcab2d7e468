// Package selector implements proximity-based candidate selection: the k
// nearest recipients of a role that are available, approved, reachable, and
// recently observed.
package selector

import (
	"context"
	"log/slog"
	"time"

	"github.com/hailwave/go-dispatch-service/pkg/dispatch"
)

const (
	DefaultK               = 5
	DefaultFreshnessWindow = 10 * time.Minute

	// oversample compensates for candidates the eligibility pass drops
	// after the geo query (stale, unavailable, missing token).
	oversample = 4
)

// Config tunes one selector instance.
type Config struct {
	DefaultK        int
	FreshnessWindow time.Duration
}

// Selector joins the geospatial index with recipient snapshots and applies
// the eligibility constraints. Selection is a single blocking pass; it is
// never parallelized internally.
type Selector struct {
	index  dispatch.GeoIndex
	store  dispatch.RecipientStore
	cfg    Config
	now    func() time.Time
	logger *slog.Logger
}

var _ dispatch.CandidateSelector = (*Selector)(nil)

func New(index dispatch.GeoIndex, store dispatch.RecipientStore, cfg Config, logger *slog.Logger) *Selector {
	if cfg.DefaultK <= 0 {
		cfg.DefaultK = DefaultK
	}
	if cfg.FreshnessWindow <= 0 {
		cfg.FreshnessWindow = DefaultFreshnessWindow
	}
	return &Selector{
		index:  index,
		store:  store,
		cfg:    cfg,
		now:    time.Now,
		logger: logger.With("component", "GeoCandidateSelector"),
	}
}

// Nearest returns at most k eligible snapshots ordered nearest-first. The
// geo index supplies the distance ordering; this pass only drops, never
// reorders, so ties keep the index's stable order. An empty result is a
// normal outcome.
func (s *Selector) Nearest(ctx context.Context, lat, lng float64, role dispatch.Role, k int) ([]*dispatch.Recipient, error) {
	if k <= 0 {
		k = s.cfg.DefaultK
	}

	ids, err := s.index.Nearest(ctx, role, lat, lng, k*oversample)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return []*dispatch.Recipient{}, nil
	}

	snapshots, err := s.store.FetchAll(ctx, ids)
	if err != nil {
		return nil, err
	}

	cutoff := s.now().Add(-s.cfg.FreshnessWindow)
	eligible := make([]*dispatch.Recipient, 0, k)
	for _, r := range snapshots {
		if r.Role != role || !r.Available || !r.Approved || r.PushAddress == "" {
			continue
		}
		// Stale or missing positions exclude the recipient rather
		// than erroring.
		if r.LastKnownPosition == nil || r.LastKnownPosition.ObservedAt.Before(cutoff) {
			continue
		}
		eligible = append(eligible, r)
		if len(eligible) == k {
			break
		}
	}

	s.logger.Debug("Candidate selection complete",
		"role", string(role), "indexed", len(ids), "eligible", len(eligible), "k", k)
	return eligible, nil
}
