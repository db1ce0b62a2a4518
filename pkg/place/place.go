package place

import (
	"math"
	"time"
)

// LatLng is a WGS84 coordinate pair.
type LatLng struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Valid reports whether the pair is finite, in range and not the (0,0)
// placeholder some providers emit for missing geometry.
func (p LatLng) Valid() bool {
	if math.IsNaN(p.Lat) || math.IsNaN(p.Lng) || math.IsInf(p.Lat, 0) || math.IsInf(p.Lng, 0) {
		return false
	}
	if p.Lat < -90 || p.Lat > 90 || p.Lng < -180 || p.Lng > 180 {
		return false
	}
	return !(p.Lat == 0 && p.Lng == 0)
}

// Record is a quiet place as held by the local store.
//
// LocalID is assigned by the store on first insert and never reused.
// ExternalID is the search provider's place id; empty means a local-only
// record. QuietScore is always derived, see QuietScore.
type Record struct {
	LocalID      int64    `json:"id"`
	ExternalID   string   `json:"external_id,omitempty"`
	Name         string   `json:"name"`
	Category     Category `json:"category"`
	Address      string   `json:"address,omitempty"`
	Description  string   `json:"description,omitempty"`
	Location     LatLng   `json:"location"`
	Rating       float64  `json:"rating"`
	ReviewCount  int      `json:"review_count"`
	QuietScore   float64  `json:"quiet_score"`
	IsFavorite   bool     `json:"favorite"`
	CheckInCount int      `json:"checkins"`
	LastVisited  string   `json:"last_visited,omitempty"`

	PriceLevel   string `json:"price_level,omitempty"`
	IsOpen       bool   `json:"open"`
	PhotoRef     string `json:"photo_ref,omitempty"`
	Phone        string `json:"phone,omitempty"`
	Website      string `json:"website,omitempty"`
	OpeningHours string `json:"opening_hours,omitempty"`
	Reviews      string `json:"reviews,omitempty"`

	// Display-only, regenerated from Category by Decorate.
	Tags  []string `json:"tags,omitempty"`
	Emoji string   `json:"emoji,omitempty"`
}

// Decorate fills the category-derived display fields.
func (r Record) Decorate() Record {
	r.Tags = TagsFor(r.Category)
	r.Emoji = EmojiFor(r.Category)
	return r
}

// VisitLabel is the LastVisited label written by a check-in.
func VisitLabel(t time.Time) string {
	return t.Format("Jan 2, 2006")
}
