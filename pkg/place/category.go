package place

import (
	"fmt"
	"math"
	"strings"
)

// Category is the closed set of quiet space kinds.
type Category string

const (
	Library    Category = "Library"
	Park       Category = "Park"
	Cafe       Category = "Cafe"
	Museum     Category = "Museum"
	Gallery    Category = "Gallery"
	Wellness   Category = "Wellness"
	Spiritual  Category = "Spiritual"
	StudySpace Category = "Study Space"
	Bookstore  Category = "Bookstore"
	QuietSpace Category = "Quiet Space"
	Other      Category = "Other"
)

// Categories lists every known category.
var Categories = []Category{
	Library, Park, Cafe, Museum, Gallery, Wellness, Spiritual, StudySpace, Bookstore, QuietSpace, Other,
}

// exactTypes maps provider type strings to a category (first stage).
var exactTypes = map[string]Category{
	"library":     Library,
	"park":        Park,
	"cafe":        Cafe,
	"museum":      Museum,
	"art_gallery": Gallery,
	"spa":         Wellness,
	"church":      Spiritual,
	"university":  StudySpace,
	"book_store":  Bookstore,
}

// TypeFor returns the provider type string searched for c, or "" for
// categories without one.
func TypeFor(c Category) string {
	for t, cat := range exactTypes {
		if cat == c {
			return t
		}
	}
	return ""
}

// substringRules is the second stage. Order matters: the first rule whose
// needle occurs in a type wins.
var substringRules = []struct {
	needles  []string
	category Category
}{
	{[]string{"library"}, Library},
	{[]string{"park", "garden"}, Park},
	{[]string{"cafe", "coffee"}, Cafe},
	{[]string{"museum"}, Museum},
	{[]string{"gallery"}, Gallery},
	{[]string{"spa", "wellness"}, Wellness},
	{[]string{"church", "temple"}, Spiritual},
	{[]string{"university", "school"}, StudySpace},
	{[]string{"book"}, Bookstore},
}

// ResolveCategory maps provider type strings to a Category: exact table
// first, then ordered substring heuristics, else Other.
func ResolveCategory(types []string) Category {
	for _, t := range types {
		if c, ok := exactTypes[t]; ok {
			return c
		}
	}
	for _, t := range types {
		for _, rule := range substringRules {
			for _, n := range rule.needles {
				if strings.Contains(t, n) {
					return rule.category
				}
			}
		}
	}
	return Other
}

// ParseCategory turns a free-form label (e.g. a cloud place_type) into a
// Category. Empty labels become QuietSpace.
func ParseCategory(label string) Category {
	label = strings.TrimSpace(label)
	if label == "" {
		return QuietSpace
	}
	for _, c := range Categories {
		if strings.EqualFold(label, string(c)) {
			return c
		}
	}
	return ResolveCategory([]string{strings.ToLower(label)})
}

// BaseScore is the category's quiet score before rating adjustment.
func BaseScore(c Category) float64 {
	switch c {
	case Library:
		return 4.8
	case Spiritual:
		return 4.5
	case Wellness:
		return 4.3
	case Park:
		return 4.2
	case Museum, Gallery:
		return 4.0
	case StudySpace:
		return 3.8
	case Bookstore:
		return 3.5
	default:
		return 3.0
	}
}

// QuietScore derives the score in [1,5] from category and rating, rounded
// to one decimal. A zero rating leaves the base unadjusted.
func QuietScore(c Category, rating float64) float64 {
	score := BaseScore(c)
	if rating > 0 {
		score = clamp(score+(rating-2.5)*0.2, 1.0, 5.0)
	}
	return math.Round(score*10) / 10
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

var descriptions = map[Category]string{
	Library:    "Quiet study space with books and peaceful atmosphere",
	Park:       "Natural outdoor space perfect for relaxation and quiet activities",
	Cafe:       "Cozy spot for coffee and quiet conversation",
	Museum:     "Cultural space with quiet galleries and exhibitions",
	Gallery:    "Artistic environment perfect for contemplation",
	Wellness:   "Relaxing space focused on health and tranquility",
	Spiritual:  "Peaceful place for reflection and meditation",
	StudySpace: "Dedicated area for learning and concentration",
	Bookstore:  "Quiet browsing among books and literature",
}

// Describe builds the generated description for a place.
func Describe(c Category, rating float64, reviewCount int) string {
	d, ok := descriptions[c]
	if !ok {
		d = "A quiet space for relaxation and peace"
	}
	if rating > 0 && reviewCount > 0 {
		d += fmt.Sprintf(" • Rated %.1f stars by %d visitors", rating, reviewCount)
	}
	return d
}

var tags = map[Category][]string{
	Library:    {"Quiet", "WiFi", "Study"},
	Park:       {"Outdoors", "Nature", "Fresh Air"},
	Cafe:       {"Coffee", "WiFi", "Cozy"},
	Museum:     {"Culture", "Exhibits", "Quiet"},
	Gallery:    {"Art", "Contemplation"},
	Wellness:   {"Relaxation", "Health"},
	Spiritual:  {"Meditation", "Reflection"},
	StudySpace: {"Study", "WiFi", "Focus"},
	Bookstore:  {"Books", "Browsing"},
	QuietSpace: {"Quiet"},
}

// TagsFor returns a fresh copy of the category's display tags.
func TagsFor(c Category) []string {
	t, ok := tags[c]
	if !ok {
		return []string{"Quiet"}
	}
	return append([]string(nil), t...)
}

var emojis = map[Category]string{
	Library:    "📚",
	Park:       "🌳",
	Cafe:       "☕",
	Museum:     "🏛️",
	Gallery:    "🎨",
	Wellness:   "🧘",
	Spiritual:  "⛪",
	StudySpace: "🎓",
	Bookstore:  "📖",
}

// EmojiFor returns the category's marker emoji.
func EmojiFor(c Category) string {
	if e, ok := emojis[c]; ok {
		return e
	}
	return "🤫"
}
