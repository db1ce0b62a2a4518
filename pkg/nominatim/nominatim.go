// Package nominatim searches OpenStreetMap places through a Nominatim
// server. It implements provider.Search; details are not available.
package nominatim

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/muesli/gominatim"

	"github.com/rubiojr/quietspace/pkg/logger"
	"github.com/rubiojr/quietspace/pkg/place"
	"github.com/rubiojr/quietspace/pkg/provider"
)

const (
	DefaultServer = "https://nominatim.openstreetmap.org"
	MinInterval   = 400 * time.Millisecond
	DefaultLimit  = 20
)

// QuietTerms are searched when no category is given.
var QuietTerms = []string{"library", "park", "cafe", "museum", "gallery", "spa"}

// gominatim keeps its server in a package variable.
var serverMu sync.Mutex

// Client is a throttled Nominatim search client.
type Client struct {
	server  string
	retries int
	limit   int

	throttleMu sync.Mutex
	last       time.Time

	// get runs a query; replaced in tests.
	get func(q gominatim.SearchQuery) ([]gominatim.SearchResult, error)
}

// Option configures a Client.
type Option func(*Client)

// WithServer sets the Nominatim base URL.
func WithServer(u string) Option {
	return func(c *Client) {
		if strings.TrimSpace(u) != "" {
			c.server = u
		}
	}
}

// WithRetries sets how many times a transient failure is retried (0-5).
func WithRetries(n int) Option {
	return func(c *Client) {
		if n >= 0 && n <= 5 {
			c.retries = n
		}
	}
}

// WithLimit caps results per query.
func WithLimit(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.limit = n
		}
	}
}

// New returns a client. One transient retry is the default.
func New(opts ...Option) *Client {
	c := &Client{server: DefaultServer, retries: 1, limit: DefaultLimit}
	for _, o := range opts {
		o(c)
	}
	c.get = c.query
	return c
}

func (c *Client) query(q gominatim.SearchQuery) ([]gominatim.SearchResult, error) {
	serverMu.Lock()
	defer serverMu.Unlock()
	gominatim.SetServer(c.server)
	return q.Get()
}

func (c *Client) throttle(ctx context.Context) error {
	c.throttleMu.Lock()
	defer c.throttleMu.Unlock()
	if wait := MinInterval - time.Since(c.last); wait > 0 {
		t := time.NewTimer(wait)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		}
	}
	c.last = time.Now()
	return nil
}

func transient(err error) bool {
	s := err.Error()
	return strings.Contains(s, "unexpected end of JSON") || strings.Contains(s, "EOF")
}

// lookup runs one throttled query, retrying truncated responses.
func (c *Client) lookup(ctx context.Context, q string) ([]gominatim.SearchResult, error) {
	if err := c.throttle(ctx); err != nil {
		return nil, err
	}
	qObj := gominatim.SearchQuery{Q: q, Limit: c.limit}

	attempts := c.retries + 1
	var (
		res []gominatim.SearchResult
		err error
	)
	for attempt := 1; attempt <= attempts; attempt++ {
		res, err = c.get(qObj)
		if err == nil {
			if attempt > 1 {
				logger.Info("nominatim recovered after %d attempt(s) for %q", attempt, q)
			}
			return res, nil
		}
		if !transient(err) || attempt == attempts {
			break
		}
		logger.Warn("transient nominatim error (attempt %d/%d, will retry) query=%q err=%v", attempt, attempts, q, err)
		select {
		case <-time.After(150 * time.Millisecond):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, fmt.Errorf("nominatim %q: %w", q, err)
}

// Search implements provider.Search. Results outside radius are dropped.
func (c *Client) Search(ctx context.Context, lat, lng float64, radius int, category string) ([]provider.Place, error) {
	terms := QuietTerms
	if t := strings.TrimSpace(category); t != "" {
		terms = []string{strings.ToLower(t)}
	}
	origin := place.LatLng{Lat: lat, Lng: lng}

	seen := make(map[string]struct{})
	var (
		out     []provider.Place
		lastErr error
		failed  int
	)
	for _, term := range terms {
		q := fmt.Sprintf("%s near [%.5f,%.5f]", term, lat, lng)
		res, err := c.lookup(ctx, q)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			logger.Error("nominatim search error (query=%q): %v", q, err)
			lastErr = err
			failed++
			continue
		}
		for _, r := range res {
			p, ok := toPlace(r)
			if !ok {
				continue
			}
			if radius > 0 && place.Haversine(origin, *p.Location)*1000 > float64(radius) {
				continue
			}
			if _, dup := seen[p.ID]; dup {
				continue
			}
			seen[p.ID] = struct{}{}
			out = append(out, p)
		}
	}
	if failed == len(terms) {
		return nil, lastErr
	}
	logger.Debug("nominatim: %d place(s) within %dm of %.5f,%.5f", len(out), radius, lat, lng)
	return out, nil
}

// Details is not offered by Nominatim search.
func (c *Client) Details(ctx context.Context, id string) (provider.PlaceDetails, error) {
	return provider.PlaceDetails{}, fmt.Errorf("nominatim details %s: %w", id, provider.ErrUnsupported)
}

func toPlace(r gominatim.SearchResult) (provider.Place, bool) {
	lat, err1 := strconv.ParseFloat(r.Lat, 64)
	lon, err2 := strconv.ParseFloat(r.Lon, 64)
	if err1 != nil || err2 != nil {
		return provider.Place{}, false
	}
	loc := place.LatLng{Lat: lat, Lng: lon}
	name, address := splitDisplayName(r.DisplayName)
	return provider.Place{
		ID:       ExternalID(r.Class, r.Type, loc),
		Name:     name,
		Location: &loc,
		Types:    []string{r.Type, r.Class},
		Address:  address,
	}, true
}

// ExternalID derives a stable id, since search results carry no usable one.
func ExternalID(class, typ string, loc place.LatLng) string {
	round := func(v float64) float64 { return math.Round(v*1e5) / 1e5 }
	return fmt.Sprintf("osm:%s/%s/%.5f,%.5f", class, typ, round(loc.Lat), round(loc.Lng))
}

func splitDisplayName(dn string) (string, string) {
	name, rest, found := strings.Cut(dn, ",")
	if !found {
		return strings.TrimSpace(dn), ""
	}
	return strings.TrimSpace(name), strings.TrimSpace(rest)
}
