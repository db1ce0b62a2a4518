// Package markers keeps the map markers in step with the place list.
//
// Large result sets are drawn in batches staggered by a fixed interval so a
// single refresh never floods the surface. Every scheduled batch belongs to
// one refresh generation; a newer refresh or Cleanup drops the rest.
package markers

import (
	"fmt"
	"sync"
	"time"

	"github.com/rubiojr/quietspace/pkg/logger"
	"github.com/rubiojr/quietspace/pkg/place"
	"github.com/rubiojr/quietspace/pkg/surface"
)

const (
	// DefaultBatchSize is how many markers one batch adds.
	DefaultBatchSize = 10
	// DefaultInterval is the delay between consecutive batches.
	DefaultInterval = 100 * time.Millisecond
)

// Timer is the subset of *time.Timer the controller uses.
type Timer interface {
	Stop() bool
}

// Clock schedules batch deliveries.
type Clock interface {
	AfterFunc(d time.Duration, f func()) Timer
}

type realClock struct{}

func (realClock) AfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

// Source is what Observe watches, satisfied by *store.Store.
type Source interface {
	Watch() (<-chan struct{}, func())
	ListAll() []place.Record
}

// Option configures a Controller.
type Option func(*Controller)

// WithBatchSize sets how many markers go out per batch.
func WithBatchSize(n int) Option {
	return func(c *Controller) {
		if n > 0 {
			c.batchSize = n
		}
	}
}

// WithInterval sets the delay step between batches.
func WithInterval(d time.Duration) Option {
	return func(c *Controller) {
		if d >= 0 {
			c.interval = d
		}
	}
}

// WithClock replaces the wall clock, for tests.
func WithClock(clk Clock) Option {
	return func(c *Controller) { c.clock = clk }
}

// Controller owns the markers it places on a surface.
type Controller struct {
	surface   surface.Surface
	batchSize int
	interval  time.Duration
	clock     Clock

	mu     sync.Mutex
	gen    uint64
	timers []Timer
	placed map[string]place.Record

	obsMu   sync.Mutex
	obsStop chan struct{}
	obsDone chan struct{}
}

// New returns a controller drawing on s.
func New(s surface.Surface, opts ...Option) *Controller {
	c := &Controller{
		surface:   s,
		batchSize: DefaultBatchSize,
		interval:  DefaultInterval,
		clock:     realClock{},
		placed:    make(map[string]place.Record),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Refresh replaces the markers with one per record, relative to current.
// Batch i is delivered after i*interval; the first goes out immediately.
// It returns the number of batches scheduled.
func (c *Controller) Refresh(current place.LatLng, records []place.Record) int {
	valid := make([]place.Record, 0, len(records))
	for _, r := range records {
		if r.Location.Valid() {
			valid = append(valid, r)
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.resetLocked()
	gen := c.gen

	batches := 0
	for start := 0; start < len(valid); start += c.batchSize {
		end := start + c.batchSize
		if end > len(valid) {
			end = len(valid)
		}
		batch := valid[start:end]
		delay := time.Duration(batches) * c.interval
		c.timers = append(c.timers, c.clock.AfterFunc(delay, func() {
			c.deliver(gen, current, batch)
		}))
		batches++
	}
	logger.Debug("markers: %d record(s) in %d batch(es), gen %d", len(valid), batches, gen)
	return batches
}

func (c *Controller) deliver(gen uint64, current place.LatLng, batch []place.Record) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen {
		return
	}
	for _, r := range batch {
		id := c.surface.AddMarker(markerFor(current, r))
		c.placed[id] = r
	}
}

// resetLocked starts a new generation, stops pending batches and removes
// placed markers.
func (c *Controller) resetLocked() {
	c.gen++
	for _, t := range c.timers {
		t.Stop()
	}
	c.timers = nil
	for id := range c.placed {
		c.surface.RemoveMarker(id)
	}
	c.placed = make(map[string]place.Record)
}

func markerFor(current place.LatLng, r place.Record) surface.Marker {
	snippet := fmt.Sprintf("%s • %.1f★", r.Category, r.Rating)
	if current.Valid() {
		snippet += " • " + place.FormatDistance(place.Haversine(current, r.Location))
	}
	return surface.Marker{
		Position: r.Location,
		Title:    r.Name,
		Snippet:  snippet,
		Emoji:    place.EmojiFor(r.Category),
		RecordID: r.LocalID,
	}
}

// Observe refreshes on every change of src, using origin for distances.
// A previous observation is replaced.
func (c *Controller) Observe(src Source, origin func() place.LatLng) {
	c.stopObserving()

	ch, cancel := src.Watch()
	stop := make(chan struct{})
	done := make(chan struct{})

	c.obsMu.Lock()
	c.obsStop, c.obsDone = stop, done
	c.obsMu.Unlock()

	go func() {
		defer close(done)
		defer cancel()
		c.Refresh(origin(), src.ListAll())
		for {
			select {
			case <-stop:
				return
			case <-ch:
				recs := src.ListAll()
				select {
				case <-stop:
					return
				default:
				}
				c.Refresh(origin(), recs)
			}
		}
	}()
}

func (c *Controller) stopObserving() {
	c.obsMu.Lock()
	stop, done := c.obsStop, c.obsDone
	c.obsStop, c.obsDone = nil, nil
	c.obsMu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	<-done
}

// Cleanup stops the observation and pending batches, removes the markers
// this controller placed and forgets them. It is safe to call repeatedly.
func (c *Controller) Cleanup() {
	c.stopObserving()
	c.mu.Lock()
	c.resetLocked()
	c.mu.Unlock()
}

// RecordForMarker returns the record behind a placed marker.
func (c *Controller) RecordForMarker(id string) (place.Record, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.placed[id]
	return r, ok
}

// Placed is the number of markers currently on the surface.
func (c *Controller) Placed() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.placed)
}

// Nearest ranks records by distance from current.
func Nearest(current place.LatLng, records []place.Record, n int) []place.Ranked {
	return place.ByDistance(current, records, n)
}
