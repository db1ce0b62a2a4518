// Package provider declares the external collaborators the place subsystem
// consumes: places search, directions and the cloud favorites service.
// Concrete clients live in pkg/google, pkg/nominatim, pkg/geoindex and
// pkg/cloud.
package provider

import (
	"context"
	"errors"
	"fmt"

	"github.com/rubiojr/quietspace/pkg/place"
)

// ErrStatus wraps a non-OK status reported by a remote API.
var ErrStatus = errors.New("provider: bad status")

// ErrUnsupported is returned by providers lacking an optional operation.
var ErrUnsupported = errors.New("provider: operation not supported")

// StatusError builds an ErrStatus carrying the remote status and message.
func StatusError(api, status, msg string) error {
	if msg != "" {
		return fmt.Errorf("%s: %w: %s (%s)", api, ErrStatus, status, msg)
	}
	return fmt.Errorf("%s: %w: %s", api, ErrStatus, status)
}

// Place is a single search result as reported by a places provider.
// Pointer fields are absent when nil.
type Place struct {
	ID          string
	Name        string
	Location    *place.LatLng
	Rating      float64
	ReviewCount int
	Types       []string
	PriceLevel  *int
	OpenNow     *bool
	PhotoRef    string
	Phone       string
	Address     string
}

// Review is one visitor review in a details payload.
type Review struct {
	Author string
	Rating float64
	Text   string
}

// PlaceDetails is the full payload of a details lookup.
type PlaceDetails struct {
	ID          string
	Name        string
	Address     string
	Phone       string
	Website     string
	Rating      float64
	ReviewCount int
	PriceLevel  *int
	OpenNow     *bool
	WeekdayText []string
	Reviews     []Review
	PhotoRef    string
}

// Search finds places around a point. An empty category means any kind.
type Search interface {
	Search(ctx context.Context, lat, lng float64, radiusMeters int, category string) ([]Place, error)
}

// Details resolves the full payload for one place id.
type Details interface {
	Details(ctx context.Context, externalID string) (PlaceDetails, error)
}

// Places is a search provider that can also fetch details.
type Places interface {
	Search
	Details
}

// CloudFavorite is a favorite as stored by the cloud service.
type CloudFavorite struct {
	ExternalID  string
	Name        string
	Address     string
	Rating      float64
	ReviewCount int
	Lat         *float64
	Lng         *float64
	PlaceType   string
	QuietScore  *float64
}

// CloudFavorites is the per-user remote favorites list.
type CloudFavorites interface {
	AddFavorite(ctx context.Context, rec place.Record) error
	RemoveFavorite(ctx context.Context, externalID string) error
	ListFavorites(ctx context.Context) ([]CloudFavorite, error)
}
