// Package favsync keeps local favorites and the cloud favorites service in
// step.
//
// Local state is authoritative: a toggle is persisted first and resolves
// the caller's future, then the cloud push runs in the background. A failed
// push is only logged; the next pull (on login) is the recovery path.
// Pulls run as one store batch so they never interleave with a toggle.
package favsync

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/rubiojr/quietspace/pkg/async"
	"github.com/rubiojr/quietspace/pkg/logger"
	"github.com/rubiojr/quietspace/pkg/place"
	"github.com/rubiojr/quietspace/pkg/provider"
	"github.com/rubiojr/quietspace/pkg/store"
)

// ErrNotAuthenticated is returned when no cloud session is attached.
var ErrNotAuthenticated = errors.New("favsync: not logged in")

// DefaultPushTimeout bounds a single background push.
const DefaultPushTimeout = 15 * time.Second

const defaultCloudScore = 3.0

// PullResult counts what a pull did to the local store.
type PullResult struct {
	Inserted  int `json:"inserted"`
	Flipped   int `json:"flipped"`
	Unchanged int `json:"unchanged"`
	Skipped   int `json:"skipped"`
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithPushTimeout bounds each background push.
func WithPushTimeout(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.pushTimeout = d
		}
	}
}

// Coordinator reconciles favorite state between the store and the cloud.
type Coordinator struct {
	store       *store.Store
	pushTimeout time.Duration

	mu    sync.RWMutex
	cloud provider.CloudFavorites

	pushes sync.WaitGroup
}

// New returns a coordinator with no cloud session.
func New(s *store.Store, opts ...Option) *Coordinator {
	c := &Coordinator{store: s, pushTimeout: DefaultPushTimeout}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Login attaches a cloud session and pulls its favorites.
func (c *Coordinator) Login(ctx context.Context, cloud provider.CloudFavorites) *async.Future[PullResult] {
	c.mu.Lock()
	c.cloud = cloud
	c.mu.Unlock()
	logger.Info("favsync: session attached, pulling cloud favorites")
	return c.Pull(ctx)
}

// Logout detaches the cloud session. Later pushes are skipped.
func (c *Coordinator) Logout() {
	c.mu.Lock()
	c.cloud = nil
	c.mu.Unlock()
	logger.Info("favsync: session detached")
}

// LoggedIn reports whether a cloud session is attached.
func (c *Coordinator) LoggedIn() bool {
	return c.session() != nil
}

func (c *Coordinator) session() provider.CloudFavorites {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cloud
}

// SetFavorite marks rec as a favorite locally and pushes "add" to the cloud.
// When rec is already stored only its favorite flag changes; other fields
// of rec are ignored and the stored copy is returned.
func (c *Coordinator) SetFavorite(ctx context.Context, rec place.Record) *async.Future[place.Record] {
	return c.persist(ctx, rec, func(place.Record) bool { return true })
}

// UnsetFavorite clears the favorite flag locally and pushes "remove".
// Like SetFavorite it only touches the flag of an already stored record.
func (c *Coordinator) UnsetFavorite(ctx context.Context, rec place.Record) *async.Future[place.Record] {
	return c.persist(ctx, rec, func(place.Record) bool { return false })
}

// Toggle flips the stored favorite flag of rec (or of rec itself when it
// is not stored yet).
func (c *Coordinator) Toggle(ctx context.Context, rec place.Record) *async.Future[place.Record] {
	return c.persist(ctx, rec, func(cur place.Record) bool { return !cur.IsFavorite })
}

// persist applies the flag decided by want against the stored copy of rec
// on the store queue, then schedules the push.
func (c *Coordinator) persist(ctx context.Context, rec place.Record, want func(current place.Record) bool) *async.Future[place.Record] {
	var stored place.Record
	batch := c.store.Batch(ctx, func(ctx context.Context, o *store.Ops) error {
		cur, ok, err := lookup(o, rec)
		if err != nil {
			return err
		}
		if !ok {
			cur = rec
		}
		cur.IsFavorite = want(cur)
		stored, err = o.Save(cur)
		return err
	})

	p := async.NewPromise[place.Record]()
	c.pushes.Add(1)
	batch.Then(func(_ struct{}, err error) {
		defer c.pushes.Done()
		if err != nil {
			logger.Error("favsync: persisting %q failed: %v", rec.Name, err)
			p.Reject(err)
			return
		}
		p.Resolve(stored)
		c.push(stored)
	})
	return p.Future()
}

func lookup(o *store.Ops, rec place.Record) (place.Record, bool, error) {
	if rec.ExternalID != "" {
		cur, ok, err := o.FindByExternalID(rec.ExternalID)
		if err != nil || ok {
			return cur, ok, err
		}
	}
	if rec.LocalID != 0 {
		return o.FindByLocalID(rec.LocalID)
	}
	return place.Record{}, false, nil
}

func (c *Coordinator) push(rec place.Record) {
	if rec.ExternalID == "" {
		logger.Debug("favsync: %q is local-only, not pushed", rec.Name)
		return
	}
	cloud := c.session()
	if cloud == nil {
		logger.Warn("favsync: push of %s skipped: %v", rec.ExternalID, ErrNotAuthenticated)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.pushTimeout)
	defer cancel()
	var err error
	if rec.IsFavorite {
		err = cloud.AddFavorite(ctx, rec)
	} else {
		err = cloud.RemoveFavorite(ctx, rec.ExternalID)
	}
	if err != nil {
		logger.Error("favsync: cloud push for %s (favorite=%v) failed: %v", rec.ExternalID, rec.IsFavorite, err)
		return
	}
	logger.Debug("favsync: pushed %s (favorite=%v)", rec.ExternalID, rec.IsFavorite)
}

// Wait blocks until in-flight toggles and their pushes have finished.
func (c *Coordinator) Wait() {
	c.pushes.Wait()
}

// Pull lists the cloud favorites and merges them into the store.
func (c *Coordinator) Pull(ctx context.Context) *async.Future[PullResult] {
	cloud := c.session()
	if cloud == nil {
		return async.Failed[PullResult](ErrNotAuthenticated)
	}
	p := async.NewPromise[PullResult]()
	go func() {
		favs, err := cloud.ListFavorites(ctx)
		if err != nil {
			logger.Error("favsync: listing cloud favorites failed: %v", err)
			p.Reject(err)
			return
		}
		p.Complete(c.Apply(ctx, favs).Await(ctx))
	}()
	return p.Future()
}

// Apply merges cloud favorites into the store in a single queued batch.
// Applying the same list twice changes nothing the second time.
func (c *Coordinator) Apply(ctx context.Context, favs []provider.CloudFavorite) *async.Future[PullResult] {
	var res PullResult
	batch := c.store.Batch(ctx, func(ctx context.Context, o *store.Ops) error {
		res = PullResult{}
		for _, f := range favs {
			id := strings.TrimSpace(f.ExternalID)
			if id == "" {
				res.Skipped++
				continue
			}
			cur, ok, err := o.FindByExternalID(id)
			if err != nil {
				return err
			}
			switch {
			case !ok:
				f.ExternalID = id
				if _, err := o.Insert(FromCloud(f)); err != nil {
					return err
				}
				res.Inserted++
			case !cur.IsFavorite:
				cur.IsFavorite = true
				if err := o.Update(cur); err != nil {
					return err
				}
				res.Flipped++
			default:
				res.Unchanged++
			}
		}
		return nil
	})
	return async.Map(batch, func(struct{}) (PullResult, error) {
		logger.Info("favsync: pull applied: %d inserted, %d flipped, %d unchanged, %d skipped",
			res.Inserted, res.Flipped, res.Unchanged, res.Skipped)
		return res, nil
	})
}

// FromCloud builds a new favorite record from a cloud payload.
func FromCloud(f provider.CloudFavorite) place.Record {
	category := place.ParseCategory(f.PlaceType)
	score := defaultCloudScore
	if f.QuietScore != nil && *f.QuietScore >= 1 && *f.QuietScore <= 5 {
		score = *f.QuietScore
	}
	name := strings.TrimSpace(f.Name)
	if name == "" {
		name = "Unknown Place"
	}
	rec := place.Record{
		ExternalID:  f.ExternalID,
		Name:        name,
		Category:    category,
		Address:     f.Address,
		Rating:      f.Rating,
		ReviewCount: f.ReviewCount,
		QuietScore:  score,
		IsFavorite:  true,
		IsOpen:      true,
		Description: place.Describe(category, f.Rating, f.ReviewCount),
	}
	if f.Lat != nil && f.Lng != nil {
		rec.Location = place.LatLng{Lat: *f.Lat, Lng: *f.Lng}
	}
	return rec.Decorate()
}
