// Package ingest turns provider search results into place records.
package ingest

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/rubiojr/quietspace/pkg/logger"
	"github.com/rubiojr/quietspace/pkg/place"
	"github.com/rubiojr/quietspace/pkg/provider"
)

var (
	// ErrNoCoordinates marks a result without usable coordinates.
	ErrNoCoordinates = errors.New("ingest: no usable coordinates")
	// ErrMalformed marks a result with out-of-range values.
	ErrMalformed = errors.New("ingest: malformed result")
)

const (
	unknownName    = "Unknown Place"
	maxReviews     = 3
	maxReviewChars = 100
)

// Ingest converts every result, dropping (and logging) the ones that fail.
func Ingest(results []provider.Place) []place.Record {
	out := make([]place.Record, 0, len(results))
	for _, r := range results {
		rec, err := Convert(r)
		if err != nil {
			logger.Warn("ingest: dropping %q (%s): %v", r.Name, r.ID, err)
			continue
		}
		out = append(out, rec)
	}
	logger.Debug("ingest: %d/%d results converted", len(out), len(results))
	return out
}

// Convert maps one provider result to a record. The record has no local id.
func Convert(p provider.Place) (place.Record, error) {
	if p.Location == nil || !p.Location.Valid() {
		return place.Record{}, ErrNoCoordinates
	}
	if math.IsNaN(p.Rating) || p.Rating < 0 || p.Rating > 5 {
		return place.Record{}, fmt.Errorf("%w: rating %v", ErrMalformed, p.Rating)
	}
	if p.ReviewCount < 0 {
		return place.Record{}, fmt.Errorf("%w: review count %d", ErrMalformed, p.ReviewCount)
	}

	name := strings.TrimSpace(p.Name)
	if name == "" {
		name = unknownName
	}
	category := place.ResolveCategory(p.Types)
	rec := place.Record{
		ExternalID:  strings.TrimSpace(p.ID),
		Name:        name,
		Category:    category,
		Address:     p.Address,
		Location:    *p.Location,
		Rating:      p.Rating,
		ReviewCount: p.ReviewCount,
		QuietScore:  place.QuietScore(category, p.Rating),
		Description: place.Describe(category, p.Rating, p.ReviewCount),
		PriceLevel:  PriceLabel(p.PriceLevel),
		IsOpen:      true,
		PhotoRef:    p.PhotoRef,
		Phone:       p.Phone,
	}
	if p.OpenNow != nil {
		rec.IsOpen = *p.OpenNow
	}
	return rec.Decorate(), nil
}

// PriceLabel renders a 0-4 price level; anything else is empty.
func PriceLabel(level *int) string {
	if level == nil {
		return ""
	}
	switch *level {
	case 0:
		return "Free"
	case 1, 2, 3, 4:
		return strings.Repeat("$", *level)
	default:
		return ""
	}
}

// ApplyDetails merges a details payload into rec. Empty fields in d leave
// the record untouched.
func ApplyDetails(rec place.Record, d provider.PlaceDetails) place.Record {
	if d.Address != "" {
		rec.Address = d.Address
	}
	if d.Phone != "" {
		rec.Phone = d.Phone
	}
	if d.Website != "" {
		rec.Website = d.Website
	}
	if d.OpenNow != nil {
		rec.IsOpen = *d.OpenNow
	}
	if len(d.WeekdayText) > 0 {
		rec.OpeningHours = strings.Join(d.WeekdayText, "\n")
	}
	if d.PriceLevel != nil {
		rec.PriceLevel = PriceLabel(d.PriceLevel)
	}
	if rec.PhotoRef == "" {
		rec.PhotoRef = d.PhotoRef
	}
	if len(d.Reviews) > 0 {
		rec.Reviews = ReviewExcerpt(d.Reviews)
	}
	return rec
}

// ReviewExcerpt formats the first reviews as "★★★★ Author: text",
// separated by blank lines.
func ReviewExcerpt(reviews []provider.Review) string {
	n := len(reviews)
	if n > maxReviews {
		n = maxReviews
	}
	parts := make([]string, 0, n)
	for _, r := range reviews[:n] {
		stars := int(math.Max(0, math.Min(5, r.Rating)))
		text := r.Text
		if rs := []rune(text); len(rs) > maxReviewChars {
			text = string(rs[:maxReviewChars]) + "..."
		}
		parts = append(parts, fmt.Sprintf("%s %s: %s", strings.Repeat("★", stars), r.Author, text))
	}
	return strings.TrimSpace(strings.Join(parts, "\n\n"))
}
