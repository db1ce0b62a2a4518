package markers

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rubiojr/quietspace/pkg/place"
	"github.com/rubiojr/quietspace/pkg/surface"
)

type fakeTimer struct {
	delay   time.Duration
	f       func()
	stopped bool
	fired   bool
}

func (t *fakeTimer) Stop() bool {
	was := !t.stopped && !t.fired
	t.stopped = true
	return was
}

type fakeClock struct {
	mu     sync.Mutex
	timers []*fakeTimer
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{delay: d, f: f}
	c.timers = append(c.timers, t)
	return t
}

func (c *fakeClock) delays() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []time.Duration
	for _, t := range c.timers {
		if !t.stopped {
			out = append(out, t.delay)
		}
	}
	return out
}

// fire runs every live timer in delay order and returns how many ran.
func (c *fakeClock) fire() int {
	c.mu.Lock()
	live := make([]*fakeTimer, 0, len(c.timers))
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			live = append(live, t)
		}
	}
	c.mu.Unlock()
	sort.SliceStable(live, func(i, j int) bool { return live[i].delay < live[j].delay })
	for _, t := range live {
		t.fired = true
		t.f()
	}
	return len(live)
}

var origin = place.LatLng{Lat: 43.6532, Lng: -79.3832}

func records(n int) []place.Record {
	out := make([]place.Record, n)
	for i := range out {
		out[i] = place.Record{
			LocalID:  int64(i + 1),
			Name:     fmt.Sprintf("P%d", i),
			Category: place.Library,
			Rating:   4.5,
			Location: place.LatLng{Lat: 43.65 + float64(i)*0.001, Lng: -79.38},
		}
	}
	return out
}

func TestRefreshStaggersBatches(t *testing.T) {
	clk := &fakeClock{}
	s := surface.NewMemory()
	c := New(s, WithClock(clk))

	if n := c.Refresh(origin, records(25)); n != 3 {
		t.Fatalf("scheduled %d batches; want 3", n)
	}
	got := clk.delays()
	want := []time.Duration{0, 100 * time.Millisecond, 200 * time.Millisecond}
	if len(got) != len(want) {
		t.Fatalf("delays = %v; want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("delay[%d] = %v; want %v", i, got[i], want[i])
		}
	}
	if len(s.Snapshot().Markers) != 0 {
		t.Error("markers drawn before any batch fired")
	}

	if fired := clk.fire(); fired != 3 {
		t.Errorf("fired %d deliveries; want 3", fired)
	}
	snap := s.Snapshot()
	if len(snap.Markers) != 25 || c.Placed() != 25 {
		t.Fatalf("markers = %d, placed = %d; want 25", len(snap.Markers), c.Placed())
	}
	m := snap.Markers[0]
	if !strings.HasPrefix(m.Snippet, "Library • 4.5★ • ") {
		t.Errorf("snippet = %q", m.Snippet)
	}
	rec, ok := c.RecordForMarker(m.ID)
	if !ok || rec.Name != m.Title {
		t.Errorf("RecordForMarker(%s) = %+v, %v", m.ID, rec, ok)
	}
}

func TestRefreshSupersedesPendingBatches(t *testing.T) {
	clk := &fakeClock{}
	s := surface.NewMemory()
	c := New(s, WithClock(clk))

	c.Refresh(origin, records(25))
	c.Refresh(origin, records(5))
	clk.fire()

	if n := len(s.Snapshot().Markers); n != 5 {
		t.Errorf("markers = %d; want only the 5 from the newest refresh", n)
	}
}

func TestRefreshSkipsInvalidLocations(t *testing.T) {
	clk := &fakeClock{}
	s := surface.NewMemory()
	c := New(s, WithClock(clk), WithBatchSize(2))

	recs := records(3)
	recs[1].Location = place.LatLng{}
	if n := c.Refresh(origin, recs); n != 1 {
		t.Errorf("batches = %d; want 1", n)
	}
	clk.fire()
	if n := len(s.Snapshot().Markers); n != 2 {
		t.Errorf("markers = %d; want 2", n)
	}
}

func TestCleanupIsIdempotentAndFinal(t *testing.T) {
	clk := &fakeClock{}
	s := surface.NewMemory()
	c := New(s, WithClock(clk))

	c.Refresh(origin, records(25))
	clk.fire()
	c.Refresh(origin, records(25))
	// deliver only the first batch of the second refresh
	clk.mu.Lock()
	first := clk.timers[len(clk.timers)-3]
	clk.mu.Unlock()
	first.fired = true
	first.f()

	c.Cleanup()
	c.Cleanup()

	clk.fire()
	for _, tm := range clk.timers {
		if !tm.fired && !tm.stopped {
			t.Error("a pending timer survived Cleanup")
		}
	}
	if n := len(s.Snapshot().Markers); n != 0 {
		t.Errorf("%d markers left after Cleanup", n)
	}
	if c.Placed() != 0 {
		t.Error("marker associations not cleared")
	}
	// stale callbacks captured before Cleanup must not draw
	first.f()
	if n := len(s.Snapshot().Markers); n != 0 {
		t.Errorf("stale batch drew %d markers after Cleanup", n)
	}
}

type fakeSource struct {
	mu      sync.Mutex
	recs    []place.Record
	ch      chan struct{}
	cancels int
}

func (f *fakeSource) Watch() (<-chan struct{}, func()) {
	return f.ch, func() {
		f.mu.Lock()
		f.cancels++
		f.mu.Unlock()
	}
}

func (f *fakeSource) ListAll() []place.Record {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]place.Record(nil), f.recs...)
}

func (f *fakeSource) set(r []place.Record) {
	f.mu.Lock()
	f.recs = r
	f.mu.Unlock()
	f.ch <- struct{}{}
}

func TestObserveFollowsSource(t *testing.T) {
	s := surface.NewMemory()
	c := New(s, WithInterval(0))
	src := &fakeSource{recs: records(3), ch: make(chan struct{})}

	c.Observe(src, func() place.LatLng { return origin })
	waitFor(t, func() bool { return c.Placed() == 3 })

	src.set(records(12))
	waitFor(t, func() bool { return c.Placed() == 12 })

	c.Cleanup()
	if src.cancels != 1 {
		t.Errorf("watch cancelled %d times; want 1", src.cancels)
	}
	if n := len(s.Snapshot().Markers); n != 0 {
		t.Errorf("%d markers after Cleanup", n)
	}
}

func TestNearest(t *testing.T) {
	recs := records(5)
	got := Nearest(place.LatLng{Lat: 43.654, Lng: -79.38}, recs, 2)
	if len(got) != 2 || got[0].Name != "P4" || got[1].Name != "P3" {
		t.Errorf("Nearest = %+v", got)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}
