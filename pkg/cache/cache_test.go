package cache

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rubiojr/quietspace/pkg/logger"
	"github.com/rubiojr/quietspace/pkg/place"
	"github.com/rubiojr/quietspace/pkg/provider"
)

type countingSearch struct {
	calls int
	err   error
}

func (c *countingSearch) Search(ctx context.Context, lat, lng float64, radius int, category string) ([]provider.Place, error) {
	c.calls++
	if c.err != nil {
		return nil, c.err
	}
	return []provider.Place{{ID: "p1", Name: "Library", Location: &place.LatLng{Lat: lat, Lng: lng}, Types: []string{"library"}}}, nil
}

func openSQLite(t *testing.T) *SQLite {
	t.Helper()
	logger.SetOutput(io.Discard)
	c, err := OpenSQLite(filepath.Join(t.TempDir(), "cache.sqlite"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestKeyRounding(t *testing.T) {
	a := Key(43.65321, -79.38321, 5000, "Library")
	b := Key(43.65319, -79.38319, 5000, " library ")
	if a != b {
		t.Errorf("nearby keys differ: %q vs %q", a, b)
	}
	if a == Key(43.66, -79.38, 5000, "library") {
		t.Error("distant points share a key")
	}
	if a == Key(43.65321, -79.38321, 1000, "library") {
		t.Error("radius not part of key")
	}
}

func TestSearchCachesSuccess(t *testing.T) {
	inner := &countingSearch{}
	s := NewSearch(inner, openSQLite(t), time.Minute)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		got, err := s.Search(ctx, 43.6532, -79.3832, 5000, "")
		if err != nil {
			t.Fatal(err)
		}
		if len(got) != 1 || got[0].ID != "p1" || got[0].Location == nil {
			t.Fatalf("got %+v", got)
		}
	}
	if inner.calls != 1 {
		t.Errorf("inner called %d times; want 1", inner.calls)
	}
}

func TestSearchDoesNotCacheErrors(t *testing.T) {
	inner := &countingSearch{err: errors.New("offline")}
	s := NewSearch(inner, openSQLite(t), time.Minute)
	for i := 0; i < 2; i++ {
		if _, err := s.Search(context.Background(), 1, 1, 100, "park"); err == nil {
			t.Fatal("expected error")
		}
	}
	if inner.calls != 2 {
		t.Errorf("inner called %d times; want 2", inner.calls)
	}
}

func TestSQLiteExpiry(t *testing.T) {
	c := openSQLite(t)
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }
	ctx := context.Background()

	if err := c.Set(ctx, "k", []byte(`[]`), time.Minute); err != nil {
		t.Fatal(err)
	}
	if _, ok, err := c.Get(ctx, "k"); !ok || err != nil {
		t.Fatalf("fresh entry missing: %v %v", ok, err)
	}
	now = now.Add(2 * time.Minute)
	if _, ok, _ := c.Get(ctx, "k"); ok {
		t.Error("expired entry returned")
	}
	n, err := c.Prune(ctx)
	if err != nil || n != 1 {
		t.Errorf("Prune = %d, %v", n, err)
	}
}

func TestDetailsPassThrough(t *testing.T) {
	s := NewSearch(&countingSearch{}, openSQLite(t), 0)
	if _, err := s.Details(context.Background(), "x"); !errors.Is(err, provider.ErrUnsupported) {
		t.Errorf("err = %v", err)
	}
}

func TestRedisBackend(t *testing.T) {
	addr := os.Getenv("QUIETSPACE_TEST_REDIS")
	if addr == "" {
		t.Skip("QUIETSPACE_TEST_REDIS not set")
	}
	ctx := context.Background()
	r, err := OpenRedis(ctx, addr, "")
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	if err := r.Set(ctx, "test:k", []byte("v"), time.Minute); err != nil {
		t.Fatal(err)
	}
	if b, ok, err := r.Get(ctx, "test:k"); !ok || err != nil || string(b) != "v" {
		t.Errorf("Get = %q %v %v", b, ok, err)
	}
	if _, ok, err := r.Get(ctx, "test:missing"); ok || err != nil {
		t.Errorf("miss = %v %v", ok, err)
	}
}
