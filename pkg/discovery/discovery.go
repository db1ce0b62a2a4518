// Package discovery keeps the local place store in step with the search
// provider around the current origin.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rubiojr/quietspace/pkg/async"
	"github.com/rubiojr/quietspace/pkg/ingest"
	"github.com/rubiojr/quietspace/pkg/logger"
	"github.com/rubiojr/quietspace/pkg/place"
	"github.com/rubiojr/quietspace/pkg/provider"
	"github.com/rubiojr/quietspace/pkg/store"
)

const (
	// DefaultRadius is the search radius in meters.
	DefaultRadius = 5000
	// DefaultMaxResults caps how many results one refresh stores.
	DefaultMaxResults = 20
	// MovedKm is how far the origin must move before a refresh replaces
	// the stored places instead of merging into them.
	MovedKm = 0.05
)

var (
	// ErrInvalidLocation is returned for coordinates outside the valid range.
	ErrInvalidLocation = errors.New("discovery: invalid location")
	// ErrNoExternalID is returned when an operation needs the provider id
	// of a local-only record.
	ErrNoExternalID = errors.New("discovery: record has no provider id")
)

// Option configures a Manager.
type Option func(*Manager)

// WithRadius sets the search radius in meters.
func WithRadius(m int) Option {
	return func(d *Manager) {
		if m > 0 {
			d.radius = m
		}
	}
}

// WithMaxResults caps how many results a refresh stores.
func WithMaxResults(n int) Option {
	return func(d *Manager) {
		if n > 0 {
			d.maxResults = n
		}
	}
}

// WithDetails sets the details provider. By default the search provider
// is used when it implements provider.Details.
func WithDetails(p provider.Details) Option {
	return func(d *Manager) { d.details = p }
}

// WithNow replaces the clock used for check-in dates.
func WithNow(now func() time.Time) Option {
	return func(d *Manager) { d.now = now }
}

// Manager owns the current origin and refreshes the store from the provider.
type Manager struct {
	search     provider.Search
	details    provider.Details
	store      *store.Store
	radius     int
	maxResults int
	now        func() time.Time

	mu        sync.Mutex
	origin    place.LatLng
	last      place.LatLng
	refreshed bool
}

// New returns a manager starting at origin.
func New(search provider.Search, s *store.Store, origin place.LatLng, opts ...Option) *Manager {
	m := &Manager{
		search:     search,
		store:      s,
		radius:     DefaultRadius,
		maxResults: DefaultMaxResults,
		now:        time.Now,
		origin:     origin,
	}
	if d, ok := search.(provider.Details); ok {
		m.details = d
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Origin is the point searches and distances are relative to.
func (m *Manager) Origin() place.LatLng {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.origin
}

// UpdateLocation moves the origin and refreshes nearby places.
func (m *Manager) UpdateLocation(ctx context.Context, loc place.LatLng) *async.Future[[]place.Record] {
	if !loc.Valid() {
		return async.Failed[[]place.Record](fmt.Errorf("%w: %v", ErrInvalidLocation, loc))
	}
	m.mu.Lock()
	m.origin = loc
	m.mu.Unlock()
	return m.RefreshNearby(ctx)
}

// RefreshNearby searches around the origin and stores the results. When
// the origin moved since the last refresh the stored places are replaced;
// otherwise results are merged. Favorite and check-in state survives both.
// A provider failure is logged and the stored places are returned instead.
func (m *Manager) RefreshNearby(ctx context.Context) *async.Future[[]place.Record] {
	origin := m.Origin()
	return async.Go(ctx, func(ctx context.Context) ([]place.Record, error) {
		results, err := m.search.Search(ctx, origin.Lat, origin.Lng, m.radius, "")
		if err != nil {
			logger.Error("discovery: search around %.5f,%.5f failed, using local data: %v", origin.Lat, origin.Lng, err)
			return m.store.ListAllAsync().Await(ctx)
		}
		recs := ingest.Ingest(results)
		if len(recs) > m.maxResults {
			recs = recs[:m.maxResults]
		}

		m.mu.Lock()
		moved := !m.refreshed || place.Haversine(m.last, origin) > MovedKm
		m.mu.Unlock()

		var apply func(ctx context.Context, o *store.Ops) error
		if moved {
			apply = replaceKeeping(recs)
		} else {
			apply = mergeInto(recs)
		}
		if _, err := m.store.Batch(ctx, apply).Await(ctx); err != nil {
			return nil, fmt.Errorf("discovery: store results: %w", err)
		}

		m.mu.Lock()
		m.last, m.refreshed = origin, true
		m.mu.Unlock()
		logger.Info("discovery: %d place(s) near %.5f,%.5f (replaced=%t)", len(recs), origin.Lat, origin.Lng, moved)
		return m.store.ListAllAsync().Await(ctx)
	})
}

// replaceKeeping clears the store and writes recs, carrying local state
// and local ids over from matching records. Favorites absent from recs are
// kept under their ids.
func replaceKeeping(recs []place.Record) func(context.Context, *store.Ops) error {
	return func(ctx context.Context, o *store.Ops) error {
		prev, err := o.List()
		if err != nil {
			return err
		}
		byExt := make(map[string]place.Record, len(prev))
		for _, p := range prev {
			if p.ExternalID != "" {
				byExt[p.ExternalID] = p
			}
		}
		if _, err := o.ClearAll(); err != nil {
			return err
		}
		written := make(map[string]bool, len(recs))
		for _, r := range recs {
			r.LocalID = 0
			if p, ok := byExt[r.ExternalID]; ok && r.ExternalID != "" {
				r = carry(r, p)
				if !written[r.ExternalID] {
					r.LocalID = p.LocalID
				}
			}
			if err := put(o, r); err != nil {
				return err
			}
			written[r.ExternalID] = true
		}
		for _, p := range prev {
			if !p.IsFavorite || (p.ExternalID != "" && written[p.ExternalID]) {
				continue
			}
			if _, err := o.InsertWithID(p); err != nil {
				return err
			}
		}
		return nil
	}
}

// put restores r under its previous id when it has one and saves it
// otherwise.
func put(o *store.Ops, r place.Record) error {
	if r.LocalID != 0 {
		_, err := o.InsertWithID(r)
		return err
	}
	_, err := o.Save(r)
	return err
}

// mergeInto upserts recs, carrying local state over from stored copies.
func mergeInto(recs []place.Record) func(context.Context, *store.Ops) error {
	return func(ctx context.Context, o *store.Ops) error {
		for _, r := range recs {
			if r.ExternalID != "" {
				p, ok, err := o.FindByExternalID(r.ExternalID)
				if err != nil {
					return err
				}
				if ok {
					r = carry(r, p)
				}
			}
			if _, err := o.Save(r); err != nil {
				return err
			}
		}
		return nil
	}
}

// carry copies user state and fetched details from prev onto a fresh result.
func carry(fresh, prev place.Record) place.Record {
	fresh.IsFavorite = prev.IsFavorite
	fresh.CheckInCount = prev.CheckInCount
	fresh.LastVisited = prev.LastVisited
	if fresh.Website == "" {
		fresh.Website = prev.Website
	}
	if fresh.Phone == "" {
		fresh.Phone = prev.Phone
	}
	if fresh.OpeningHours == "" {
		fresh.OpeningHours = prev.OpeningHours
	}
	if fresh.Reviews == "" {
		fresh.Reviews = prev.Reviews
	}
	if fresh.PhotoRef == "" {
		fresh.PhotoRef = prev.PhotoRef
	}
	return fresh
}

// SearchByType searches around the origin for one category without
// storing anything. Stored favorite state is reflected in the results.
func (m *Manager) SearchByType(ctx context.Context, category string) *async.Future[[]place.Record] {
	origin := m.Origin()
	return async.Go(ctx, func(ctx context.Context) ([]place.Record, error) {
		results, err := m.search.Search(ctx, origin.Lat, origin.Lng, m.radius, category)
		if err != nil {
			return nil, fmt.Errorf("discovery: search %q: %w", category, err)
		}
		recs := ingest.Ingest(results)
		stored, err := m.store.ListAllAsync().Await(ctx)
		if err != nil {
			logger.Warn("discovery: reading stored state: %v", err)
			return recs, nil
		}
		byExt := make(map[string]place.Record, len(stored))
		for _, s := range stored {
			if s.ExternalID != "" {
				byExt[s.ExternalID] = s
			}
		}
		for i, r := range recs {
			if s, ok := byExt[r.ExternalID]; ok {
				recs[i].LocalID = s.LocalID
				recs[i].IsFavorite = s.IsFavorite
				recs[i].CheckInCount = s.CheckInCount
				recs[i].LastVisited = s.LastVisited
			}
		}
		return recs, nil
	})
}

// RefreshDetails fetches the provider details of a stored record and
// saves the merged result.
func (m *Manager) RefreshDetails(ctx context.Context, localID int64) *async.Future[place.Record] {
	if m.details == nil {
		return async.Failed[place.Record](fmt.Errorf("discovery: details: %w", provider.ErrUnsupported))
	}
	return async.Go(ctx, func(ctx context.Context) (place.Record, error) {
		rec, err := m.store.FindByLocalIDAsync(localID).Await(ctx)
		if err != nil {
			return place.Record{}, err
		}
		if rec.ExternalID == "" {
			return place.Record{}, ErrNoExternalID
		}
		d, err := m.details.Details(ctx, rec.ExternalID)
		if err != nil {
			return place.Record{}, fmt.Errorf("discovery: details %s: %w", rec.ExternalID, err)
		}
		return m.update(ctx, localID, func(r place.Record) place.Record {
			return ingest.ApplyDetails(r, d)
		}).Await(ctx)
	})
}

// CheckIn counts a visit to a stored record and stamps today's date.
func (m *Manager) CheckIn(ctx context.Context, localID int64) *async.Future[place.Record] {
	return m.update(ctx, localID, func(r place.Record) place.Record {
		r.CheckInCount++
		r.LastVisited = place.VisitLabel(m.now())
		return r
	})
}

// update applies fn to the stored record in one queued transaction.
func (m *Manager) update(ctx context.Context, localID int64, fn func(place.Record) place.Record) *async.Future[place.Record] {
	var out place.Record
	f := m.store.Batch(ctx, func(ctx context.Context, o *store.Ops) error {
		rec, ok, err := o.FindByLocalID(localID)
		if err != nil {
			return err
		}
		if !ok {
			return store.ErrNotFound
		}
		out, err = o.Save(fn(rec))
		return err
	})
	return async.Map(f, func(struct{}) (place.Record, error) { return out, nil })
}

// Nearby returns up to n stored records ordered by distance from the origin.
func (m *Manager) Nearby(n int) []place.Ranked {
	return place.ByDistance(m.Origin(), m.store.ListAll(), n)
}
