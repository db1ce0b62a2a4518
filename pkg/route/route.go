// Package route plans driving routes to a place and draws them.
package route

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"

	polyline "github.com/twpayne/go-polyline"

	"github.com/rubiojr/quietspace/pkg/place"
)

var (
	// ErrNoRoutes is the non-fatal "no routes found" outcome.
	ErrNoRoutes = errors.New("no routes found")
	// ErrSuperseded is returned to a plan overtaken by a newer one.
	ErrSuperseded = errors.New("route: superseded by a newer request")
	// ErrInvalidPoint rejects origins or destinations without coordinates.
	ErrInvalidPoint = errors.New("route: invalid origin or destination")
)

// Leg is one stretch of a route between waypoints.
type Leg struct {
	DistanceMeters  int    `json:"distance_meters"`
	DurationSeconds int    `json:"duration_seconds"`
	DistanceText    string `json:"distance_text,omitempty"`
	DurationText    string `json:"duration_text,omitempty"`
	Polyline        string `json:"polyline,omitempty"`
}

// Route is one alternative returned by a directions provider.
type Route struct {
	Summary   string         `json:"summary"`
	Legs      []Leg          `json:"legs"`
	Overview  string         `json:"overview_polyline,omitempty"`
	IsFastest bool           `json:"fastest"`
	Points    []place.LatLng `json:"points,omitempty"`
}

// FirstLegDuration is the ranking key. Routes without legs rank as 0.
func (r Route) FirstLegDuration() int {
	if len(r.Legs) == 0 {
		return 0
	}
	return r.Legs[0].DurationSeconds
}

// DurationSeconds sums every leg.
func (r Route) DurationSeconds() int {
	total := 0
	for _, l := range r.Legs {
		total += l.DurationSeconds
	}
	return total
}

// DistanceMeters sums every leg.
func (r Route) DistanceMeters() int {
	total := 0
	for _, l := range r.Legs {
		total += l.DistanceMeters
	}
	return total
}

// DurationText is the provider's label for the first leg, or a computed one.
func (r Route) DurationText() string {
	if len(r.Legs) > 0 && r.Legs[0].DurationText != "" {
		return r.Legs[0].DurationText
	}
	return FormatDuration(r.FirstLegDuration())
}

// FormatDuration renders seconds as "1 hour 5 mins" / "12 mins".
func FormatDuration(seconds int) string {
	mins := int(math.Round(float64(seconds) / 60))
	if mins < 1 {
		mins = 1
	}
	h, m := mins/60, mins%60
	unit := func(n int, s string) string {
		if n == 1 {
			return fmt.Sprintf("%d %s", n, s)
		}
		return fmt.Sprintf("%d %ss", n, s)
	}
	switch {
	case h == 0:
		return unit(m, "min")
	case m == 0:
		return unit(h, "hour")
	default:
		return unit(h, "hour") + " " + unit(m, "min")
	}
}

// Rank returns a copy of routes ordered by first-leg duration, ties in
// provider order, with exactly the first one marked fastest.
func Rank(routes []Route) []Route {
	out := append([]Route(nil), routes...)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].FirstLegDuration() < out[j].FirstLegDuration()
	})
	for i := range out {
		out[i].IsFastest = i == 0
	}
	return out
}

// Decode expands the overview polyline, falling back to the legs' own
// polylines joined end to end.
func Decode(r Route) ([]place.LatLng, error) {
	if r.Overview != "" {
		return decode(r.Overview)
	}
	var pts []place.LatLng
	for i, l := range r.Legs {
		if l.Polyline == "" {
			continue
		}
		leg, err := decode(l.Polyline)
		if err != nil {
			return nil, fmt.Errorf("leg %d: %w", i, err)
		}
		pts = append(pts, leg...)
	}
	return pts, nil
}

func decode(enc string) ([]place.LatLng, error) {
	coords, rest, err := polyline.DecodeCoords([]byte(enc))
	if err != nil {
		return nil, fmt.Errorf("decode polyline: %w", err)
	}
	if len(rest) > 0 {
		return nil, fmt.Errorf("decode polyline: %d trailing bytes", len(rest))
	}
	pts := make([]place.LatLng, 0, len(coords))
	for _, c := range coords {
		pts = append(pts, place.LatLng{Lat: c[0], Lng: c[1]})
	}
	return pts, nil
}

// Bounds is the box used to frame the camera on a plan.
type Bounds struct {
	SouthWest place.LatLng `json:"southwest"`
	NorthEast place.LatLng `json:"northeast"`
	set       bool
}

// NewBounds returns bounds covering pts.
func NewBounds(pts ...place.LatLng) Bounds {
	var b Bounds
	for _, p := range pts {
		b = b.Extend(p)
	}
	return b
}

// Extend grows b to include p.
func (b Bounds) Extend(p place.LatLng) Bounds {
	if !b.set {
		return Bounds{SouthWest: p, NorthEast: p, set: true}
	}
	b.SouthWest.Lat = math.Min(b.SouthWest.Lat, p.Lat)
	b.SouthWest.Lng = math.Min(b.SouthWest.Lng, p.Lng)
	b.NorthEast.Lat = math.Max(b.NorthEast.Lat, p.Lat)
	b.NorthEast.Lng = math.Max(b.NorthEast.Lng, p.Lng)
	return b
}

// Contains reports whether p lies inside b.
func (b Bounds) Contains(p place.LatLng) bool {
	return b.set &&
		p.Lat >= b.SouthWest.Lat && p.Lat <= b.NorthEast.Lat &&
		p.Lng >= b.SouthWest.Lng && p.Lng <= b.NorthEast.Lng
}

// Plan is a ranked, decoded set of routes.
type Plan struct {
	Routes []Route `json:"routes"`
	Bounds Bounds  `json:"bounds"`
}

// Fastest returns the primary route.
func (p Plan) Fastest() Route {
	if len(p.Routes) == 0 {
		return Route{}
	}
	return p.Routes[0]
}

// Summary is the one-line message shown when a plan arrives.
func (p Plan) Summary() string {
	if len(p.Routes) == 0 {
		return ErrNoRoutes.Error()
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Fastest route: %s", p.Fastest().DurationText())
	if n := len(p.Routes) - 1; n > 0 {
		fmt.Fprintf(&b, " (+%d alternative", n)
		if n > 1 {
			b.WriteString("s")
		}
		b.WriteString(")")
	}
	return b.String()
}

// Directions is a directions provider. It should request alternatives.
type Directions interface {
	Directions(ctx context.Context, origin, dest place.LatLng) ([]Route, error)
}
