package place

import (
	"math"
	"strings"
	"testing"
)

func TestResolveCategory(t *testing.T) {
	tests := []struct {
		types []string
		want  Category
	}{
		{nil, Other},
		{[]string{}, Other},
		{[]string{"point_of_interest", "library"}, Library},
		{[]string{"art_gallery"}, Gallery},
		{[]string{"book_store", "cafe"}, Bookstore},
		{[]string{"establishment", "cafe"}, Cafe},
		{[]string{"botanical_garden"}, Park},
		{[]string{"coffee_shop"}, Cafe},
		{[]string{"hindu_temple"}, Spiritual},
		{[]string{"primary_school"}, StudySpace},
		{[]string{"day_spa"}, Wellness},
		{[]string{"used_books"}, Bookstore},
		{[]string{"gas_station", "store"}, Other},
	}
	for _, tt := range tests {
		if got := ResolveCategory(tt.types); got != tt.want {
			t.Errorf("ResolveCategory(%v) = %q; want %q", tt.types, got, tt.want)
		}
	}
}

func TestResolveCategoryExactBeforeSubstring(t *testing.T) {
	// "public_library_garden" would hit the substring stage, but the exact
	// "museum" later in the list must win.
	got := ResolveCategory([]string{"public_library_garden", "museum"})
	if got != Museum {
		t.Errorf("got %q, want Museum", got)
	}
}

func TestParseCategory(t *testing.T) {
	tests := []struct {
		label string
		want  Category
	}{
		{"", QuietSpace},
		{"  ", QuietSpace},
		{"library", Library},
		{"Study Space", StudySpace},
		{"QUIET SPACE", QuietSpace},
		{"Coffee House", Cafe},
		{"Warehouse", Other},
	}
	for _, tt := range tests {
		if got := ParseCategory(tt.label); got != tt.want {
			t.Errorf("ParseCategory(%q) = %q; want %q", tt.label, got, tt.want)
		}
	}
}

func TestQuietScore(t *testing.T) {
	tests := []struct {
		c      Category
		rating float64
		want   float64
	}{
		{Library, 0, 4.8},
		{Library, 5, 5.0},
		{Cafe, 0, 3.0},
		{Cafe, 1, 2.7},
		{Park, 4.0, 4.5},
		{Other, 2.5, 3.0},
		{Bookstore, 4.6, 3.9},
		{QuietSpace, 0, 3.0},
	}
	for _, tt := range tests {
		if got := QuietScore(tt.c, tt.rating); math.Abs(got-tt.want) > 1e-9 {
			t.Errorf("QuietScore(%q, %.1f) = %v; want %v", tt.c, tt.rating, got, tt.want)
		}
	}
}

func TestQuietScoreBounds(t *testing.T) {
	for _, c := range Categories {
		for r := 0.0; r <= 5.0; r += 0.05 {
			s := QuietScore(c, r)
			if s < 1.0 || s > 5.0 {
				t.Fatalf("QuietScore(%q, %.2f) = %v out of [1,5]", c, r, s)
			}
			if math.Abs(s*10-math.Round(s*10)) > 1e-9 {
				t.Fatalf("QuietScore(%q, %.2f) = %v not rounded to one decimal", c, r, s)
			}
		}
	}
}

func TestDescribe(t *testing.T) {
	d := Describe(Library, 4.5, 120)
	if !strings.HasPrefix(d, "Quiet study space") {
		t.Errorf("unexpected template: %q", d)
	}
	if !strings.HasSuffix(d, " • Rated 4.5 stars by 120 visitors") {
		t.Errorf("missing rating suffix: %q", d)
	}
	if d := Describe(Park, 4.5, 0); strings.Contains(d, "Rated") {
		t.Errorf("suffix without reviews: %q", d)
	}
	if d := Describe(Park, 0, 10); strings.Contains(d, "Rated") {
		t.Errorf("suffix without rating: %q", d)
	}
	if d := Describe(Other, 0, 0); d != "A quiet space for relaxation and peace" {
		t.Errorf("default template = %q", d)
	}
}

func TestTagsForReturnsCopy(t *testing.T) {
	a := TagsFor(Library)
	a[0] = "mutated"
	if b := TagsFor(Library); b[0] != "Quiet" {
		t.Errorf("TagsFor shares backing array: %v", b)
	}
}

func TestHaversine(t *testing.T) {
	toronto := LatLng{Lat: 43.6532, Lng: -79.3832}
	if d := Haversine(toronto, toronto); d != 0 {
		t.Errorf("distance to self = %v; want 0", d)
	}
	north := LatLng{Lat: toronto.Lat + 1, Lng: toronto.Lng}
	d := Haversine(toronto, north)
	if math.Abs(d-111.0)/111.0 > 0.01 {
		t.Errorf("1 degree latitude = %.3f km; want ~111 km", d)
	}
	if back := Haversine(north, toronto); math.Abs(back-d) > 1e-9 {
		t.Errorf("asymmetric distance %v vs %v", d, back)
	}
}

func TestLatLngValid(t *testing.T) {
	tests := []struct {
		p    LatLng
		want bool
	}{
		{LatLng{43.65, -79.38}, true},
		{LatLng{0, 0}, false},
		{LatLng{91, 0}, false},
		{LatLng{10, -181}, false},
		{LatLng{math.NaN(), 1}, false},
		{LatLng{1, math.Inf(1)}, false},
	}
	for _, tt := range tests {
		if got := tt.p.Valid(); got != tt.want {
			t.Errorf("%v.Valid() = %v; want %v", tt.p, got, tt.want)
		}
	}
}

func TestByDistance(t *testing.T) {
	origin := LatLng{Lat: 43.6532, Lng: -79.3832}
	recs := []Record{
		{Name: "far", Location: LatLng{Lat: 43.75, Lng: -79.38}},
		{Name: "nowhere"},
		{Name: "near", Location: LatLng{Lat: 43.654, Lng: -79.383}},
		{Name: "mid", Location: LatLng{Lat: 43.67, Lng: -79.39}},
	}
	got := ByDistance(origin, recs, 2)
	if len(got) != 2 {
		t.Fatalf("got %d results, want 2", len(got))
	}
	if got[0].Name != "near" || got[1].Name != "mid" {
		t.Errorf("order = %s, %s; want near, mid", got[0].Name, got[1].Name)
	}
	if !strings.HasSuffix(got[0].Distance, " m") {
		t.Errorf("near label = %q; want metres", got[0].Distance)
	}
}

func TestFormatDistance(t *testing.T) {
	if got := FormatDistance(0.25); got != "250 m" {
		t.Errorf("FormatDistance(0.25) = %q", got)
	}
	if got := FormatDistance(3.46); got != "3.5 km" {
		t.Errorf("FormatDistance(3.46) = %q", got)
	}
}

func TestTypeFor(t *testing.T) {
	for typ, c := range exactTypes {
		if got := TypeFor(c); got != typ {
			t.Errorf("TypeFor(%q) = %q; want %q", c, got, typ)
		}
	}
	if got := TypeFor(QuietSpace); got != "" {
		t.Errorf("TypeFor(QuietSpace) = %q", got)
	}
}
