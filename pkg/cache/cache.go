// Package cache keeps provider search results for a while so repeated
// refreshes around the same spot don't hit the network.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/rubiojr/quietspace/pkg/logger"
	"github.com/rubiojr/quietspace/pkg/provider"
)

// DefaultTTL is how long a cached search stays fresh.
const DefaultTTL = time.Hour

// Backend stores opaque values with an expiry.
type Backend interface {
	// Get returns (nil, false, nil) on a miss or an expired entry.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, val []byte, ttl time.Duration) error
	Close() error
}

// Search wraps a provider.Search, caching successful results. Details
// calls pass through when the wrapped provider implements them.
type Search struct {
	inner   provider.Search
	backend Backend
	ttl     time.Duration
}

// NewSearch returns a caching decorator over inner.
func NewSearch(inner provider.Search, b Backend, ttl time.Duration) *Search {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Search{inner: inner, backend: b, ttl: ttl}
}

// Key builds the cache key for a search. Coordinates are rounded to
// three decimals (about 100 m) so nearby refreshes share an entry.
func Key(lat, lng float64, radius int, category string) string {
	r := func(v float64) float64 { return math.Round(v*1000) / 1000 }
	return fmt.Sprintf("search:%.3f,%.3f:%d:%s", r(lat), r(lng), radius, strings.ToLower(strings.TrimSpace(category)))
}

// Search implements provider.Search.
func (s *Search) Search(ctx context.Context, lat, lng float64, radius int, category string) ([]provider.Place, error) {
	key := Key(lat, lng, radius, category)
	raw, ok, err := s.backend.Get(ctx, key)
	if err != nil {
		logger.Warn("search cache get %s: %v (ignoring)", key, err)
	}
	if ok {
		var places []provider.Place
		if err := json.Unmarshal(raw, &places); err == nil {
			logger.Debug("search cache hit %s (%d places)", key, len(places))
			return places, nil
		}
		logger.Error("search cache unmarshal failed for %s: %v (ignoring)", key, err)
	}

	places, err := s.inner.Search(ctx, lat, lng, radius, category)
	if err != nil {
		return nil, err
	}
	// only successful fetches (even if empty) are cached
	b, err := json.Marshal(places)
	if err == nil {
		err = s.backend.Set(ctx, key, b, s.ttl)
	}
	if err != nil {
		logger.Warn("search cache set %s: %v", key, err)
	}
	return places, nil
}

// Details implements provider.Details when the wrapped search does.
func (s *Search) Details(ctx context.Context, id string) (provider.PlaceDetails, error) {
	if d, ok := s.inner.(provider.Details); ok {
		return d.Details(ctx, id)
	}
	return provider.PlaceDetails{}, fmt.Errorf("details %s: %w", id, provider.ErrUnsupported)
}
