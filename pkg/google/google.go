// Package google is a client for the Google Places (Nearby Search, Details)
// and Directions web services.
package google

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rubiojr/quietspace/pkg/logger"
	"github.com/rubiojr/quietspace/pkg/place"
	"github.com/rubiojr/quietspace/pkg/provider"
	"github.com/rubiojr/quietspace/pkg/route"
)

const (
	DefaultBaseURL = "https://maps.googleapis.com/maps/api"
	DefaultTimeout = 30 * time.Second
	detailsFields  = "place_id,name,rating,user_ratings_total,formatted_address,formatted_phone_number,website,opening_hours,photos,geometry,price_level,reviews"
)

// QuietTypes are the place types searched when no category is given.
var QuietTypes = []string{"library", "park", "cafe", "museum", "art_gallery", "spa"}

// Client talks to the Google Maps web services.
type Client struct {
	apiKey  string
	baseURL string
	mode    string
	http    *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL points the client at another host (tests, proxies).
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.http.Timeout = d
		}
	}
}

// WithMode sets the directions travel mode (driving, walking, ...).
func WithMode(mode string) Option {
	return func(c *Client) {
		if mode != "" {
			c.mode = mode
		}
	}
}

// New returns a client using apiKey.
func New(apiKey string, opts ...Option) *Client {
	c := &Client{
		apiKey:  apiKey,
		baseURL: DefaultBaseURL,
		mode:    "driving",
		http:    &http.Client{Timeout: DefaultTimeout},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

type location struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

type photo struct {
	PhotoReference string `json:"photo_reference"`
}

type openingHours struct {
	OpenNow     *bool    `json:"open_now"`
	WeekdayText []string `json:"weekday_text"`
}

type placeResult struct {
	PlaceID  string `json:"place_id"`
	Name     string `json:"name"`
	Geometry *struct {
		Location *location `json:"location"`
	} `json:"geometry"`
	Rating           float64       `json:"rating"`
	UserRatingsTotal int           `json:"user_ratings_total"`
	Types            []string      `json:"types"`
	PriceLevel       *int          `json:"price_level"`
	OpeningHours     *openingHours `json:"opening_hours"`
	Photos           []photo       `json:"photos"`
	Vicinity         string        `json:"vicinity"`
	Phone            string        `json:"formatted_phone_number"`
	FormattedAddress string        `json:"formatted_address"`
	Website          string        `json:"website"`
	Reviews          []struct {
		AuthorName string  `json:"author_name"`
		Rating     float64 `json:"rating"`
		Text       string  `json:"text"`
	} `json:"reviews"`
}

type nearbyResponse struct {
	Status       string        `json:"status"`
	ErrorMessage string        `json:"error_message"`
	Results      []placeResult `json:"results"`
}

type detailsResponse struct {
	Status       string      `json:"status"`
	ErrorMessage string      `json:"error_message"`
	Result       placeResult `json:"result"`
}

type directionsResponse struct {
	Status       string `json:"status"`
	ErrorMessage string `json:"error_message"`
	Routes       []struct {
		Summary string `json:"summary"`
		Legs    []struct {
			Distance struct {
				Text  string `json:"text"`
				Value int    `json:"value"`
			} `json:"distance"`
			Duration struct {
				Text  string `json:"text"`
				Value int    `json:"value"`
			} `json:"duration"`
		} `json:"legs"`
		OverviewPolyline struct {
			Points string `json:"points"`
		} `json:"overview_polyline"`
	} `json:"routes"`
}

func (c *Client) getJSON(ctx context.Context, path string, q url.Values, out any) error {
	q.Set("key", c.apiKey)
	u := c.baseURL + path + "?" + q.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("google %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("google %s: http %d: %s", path, resp.StatusCode, strings.TrimSpace(string(b)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("google %s: decode: %w", path, err)
	}
	return nil
}

func checkStatus(api, status, msg string) error {
	switch status {
	case "OK", "ZERO_RESULTS":
		return nil
	default:
		return provider.StatusError(api, status, msg)
	}
}

// SearchType runs one Nearby Search for a single place type.
func (c *Client) SearchType(ctx context.Context, lat, lng float64, radius int, typ string) ([]provider.Place, error) {
	q := url.Values{}
	q.Set("location", fmt.Sprintf("%f,%f", lat, lng))
	q.Set("radius", strconv.Itoa(radius))
	if typ != "" {
		q.Set("type", typ)
	}
	var resp nearbyResponse
	if err := c.getJSON(ctx, "/place/nearbysearch/json", q, &resp); err != nil {
		return nil, err
	}
	if err := checkStatus("nearbysearch", resp.Status, resp.ErrorMessage); err != nil {
		return nil, err
	}
	out := make([]provider.Place, 0, len(resp.Results))
	for _, r := range resp.Results {
		out = append(out, r.toPlace())
	}
	logger.Debug("google: %d result(s) for type=%q", len(out), typ)
	return out, nil
}

// Search implements provider.Search. An empty category fans out over
// QuietTypes.
func (c *Client) Search(ctx context.Context, lat, lng float64, radius int, category string) ([]provider.Place, error) {
	if strings.TrimSpace(category) == "" {
		return c.SearchQuiet(ctx, lat, lng, radius)
	}
	return c.SearchType(ctx, lat, lng, radius, TypeForCategory(category))
}

// TypeForCategory maps a category label or raw type to a Places type.
func TypeForCategory(category string) string {
	if t := place.TypeFor(place.ParseCategory(category)); t != "" {
		return t
	}
	return strings.ToLower(strings.ReplaceAll(strings.TrimSpace(category), " ", "_"))
}

// SearchQuiet searches every quiet type concurrently and merges the
// results, first occurrence of a place id winning. Failing types are
// logged and skipped; it only fails when every type failed.
func (c *Client) SearchQuiet(ctx context.Context, lat, lng float64, radius int) ([]provider.Place, error) {
	perType := make([][]provider.Place, len(QuietTypes))
	errs := make([]error, len(QuietTypes))

	var g errgroup.Group
	g.SetLimit(3)
	for i, typ := range QuietTypes {
		i, typ := i, typ
		g.Go(func() error {
			res, err := c.SearchType(ctx, lat, lng, radius, typ)
			if err != nil {
				logger.Error("google: search type=%s failed: %v", typ, err)
				errs[i] = err
				return nil
			}
			perType[i] = res
			return nil
		})
	}
	_ = g.Wait()

	failed := 0
	for _, err := range errs {
		if err != nil {
			failed++
		}
	}
	if failed == len(QuietTypes) {
		return nil, fmt.Errorf("google: all %d searches failed: %w", failed, errs[0])
	}
	return Dedupe(perType...), nil
}

// Dedupe merges result lists keeping the first place per id. Places
// without an id are kept as-is.
func Dedupe(lists ...[]provider.Place) []provider.Place {
	seen := make(map[string]struct{})
	var out []provider.Place
	for _, l := range lists {
		for _, p := range l {
			if p.ID != "" {
				if _, dup := seen[p.ID]; dup {
					continue
				}
				seen[p.ID] = struct{}{}
			}
			out = append(out, p)
		}
	}
	return out
}

// Details implements provider.Details.
func (c *Client) Details(ctx context.Context, id string) (provider.PlaceDetails, error) {
	q := url.Values{}
	q.Set("place_id", id)
	q.Set("fields", detailsFields)
	var resp detailsResponse
	if err := c.getJSON(ctx, "/place/details/json", q, &resp); err != nil {
		return provider.PlaceDetails{}, err
	}
	if resp.Status != "OK" {
		return provider.PlaceDetails{}, provider.StatusError("details", resp.Status, resp.ErrorMessage)
	}
	r := resp.Result
	d := provider.PlaceDetails{
		ID:          r.PlaceID,
		Name:        r.Name,
		Address:     r.FormattedAddress,
		Phone:       r.Phone,
		Website:     r.Website,
		Rating:      r.Rating,
		ReviewCount: r.UserRatingsTotal,
		PriceLevel:  r.PriceLevel,
	}
	if d.ID == "" {
		d.ID = id
	}
	if r.OpeningHours != nil {
		d.OpenNow = r.OpeningHours.OpenNow
		d.WeekdayText = r.OpeningHours.WeekdayText
	}
	if len(r.Photos) > 0 {
		d.PhotoRef = r.Photos[0].PhotoReference
	}
	for _, rv := range r.Reviews {
		d.Reviews = append(d.Reviews, provider.Review{Author: rv.AuthorName, Rating: rv.Rating, Text: rv.Text})
	}
	return d, nil
}

// Directions implements route.Directions, requesting alternatives.
// ZERO_RESULTS yields an empty slice.
func (c *Client) Directions(ctx context.Context, origin, dest place.LatLng) ([]route.Route, error) {
	q := url.Values{}
	q.Set("origin", fmt.Sprintf("%f,%f", origin.Lat, origin.Lng))
	q.Set("destination", fmt.Sprintf("%f,%f", dest.Lat, dest.Lng))
	q.Set("alternatives", "true")
	q.Set("mode", c.mode)
	var resp directionsResponse
	if err := c.getJSON(ctx, "/directions/json", q, &resp); err != nil {
		return nil, err
	}
	if err := checkStatus("directions", resp.Status, resp.ErrorMessage); err != nil {
		return nil, err
	}
	out := make([]route.Route, 0, len(resp.Routes))
	for _, r := range resp.Routes {
		rt := route.Route{Summary: r.Summary, Overview: r.OverviewPolyline.Points}
		for _, l := range r.Legs {
			leg := route.Leg{
				DistanceMeters:  l.Distance.Value,
				DurationSeconds: l.Duration.Value,
				DistanceText:    l.Distance.Text,
				DurationText:    l.Duration.Text,
			}
			// the overview of a single-leg route is that leg's path
			if len(r.Legs) == 1 {
				leg.Polyline = rt.Overview
			}
			rt.Legs = append(rt.Legs, leg)
		}
		out = append(out, rt)
	}
	return out, nil
}

func (r placeResult) toPlace() provider.Place {
	p := provider.Place{
		ID:          r.PlaceID,
		Name:        r.Name,
		Rating:      r.Rating,
		ReviewCount: r.UserRatingsTotal,
		Types:       r.Types,
		PriceLevel:  r.PriceLevel,
		Phone:       r.Phone,
		Address:     r.Vicinity,
	}
	if p.Address == "" {
		p.Address = r.FormattedAddress
	}
	if r.Geometry != nil && r.Geometry.Location != nil {
		p.Location = &place.LatLng{Lat: r.Geometry.Location.Lat, Lng: r.Geometry.Location.Lng}
	}
	if r.OpeningHours != nil {
		p.OpenNow = r.OpeningHours.OpenNow
	}
	if len(r.Photos) > 0 {
		p.PhotoRef = r.Photos[0].PhotoReference
	}
	return p
}
