package selector

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	urn "github.com/tinywideclouds/go-platform/pkg/net/v1"

	"github.com/hailwave/go-dispatch-service/pkg/dispatch"
)

// RedisGeoIndex keeps one geo set per role and answers nearest-neighbour
// queries with Redis GEOSEARCH. Redis returns ascending distance with
// stable ordering for ties, which is exactly the contract the selector
// needs.
type RedisGeoIndex struct {
	rdb      *redis.Client
	radiusKM float64
}

var _ dispatch.GeoIndex = (*RedisGeoIndex)(nil)

// NewRedisGeoIndex builds the index. radiusKM bounds every search; a
// recipient further out than that is never a candidate.
func NewRedisGeoIndex(rdb *redis.Client, radiusKM float64) *RedisGeoIndex {
	if radiusKM <= 0 {
		radiusKM = 10
	}
	return &RedisGeoIndex{rdb: rdb, radiusKM: radiusKM}
}

func (g *RedisGeoIndex) key(role dispatch.Role) string {
	return fmt.Sprintf("dispatch:geo:%s", role)
}

func (g *RedisGeoIndex) Update(ctx context.Context, role dispatch.Role, id urn.URN, lat, lng float64) error {
	return g.rdb.GeoAdd(ctx, g.key(role), &redis.GeoLocation{
		Name:      id.String(),
		Longitude: lng,
		Latitude:  lat,
	}).Err()
}

func (g *RedisGeoIndex) Remove(ctx context.Context, role dispatch.Role, id urn.URN) error {
	return g.rdb.ZRem(ctx, g.key(role), id.String()).Err()
}

func (g *RedisGeoIndex) Nearest(ctx context.Context, role dispatch.Role, lat, lng float64, count int) ([]urn.URN, error) {
	locations, err := g.rdb.GeoSearchLocation(ctx, g.key(role), &redis.GeoSearchLocationQuery{
		GeoSearchQuery: redis.GeoSearchQuery{
			Longitude:  lng,
			Latitude:   lat,
			Radius:     g.radiusKM,
			RadiusUnit: "km",
			Sort:       "ASC",
			Count:      count,
		},
		WithDist: true,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("geo search failed: %w", err)
	}

	ids := make([]urn.URN, 0, len(locations))
	for _, loc := range locations {
		id, err := urn.Parse(loc.Name)
		if err != nil {
			// A malformed member is index corruption; skip it rather
			// than mis-route a notification.
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}
