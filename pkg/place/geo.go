package place

import (
	"fmt"
	"math"
	"sort"
)

// EarthRadiusKm is the mean Earth radius used for great-circle distances.
const EarthRadiusKm = 6371.0

func radians(d float64) float64 {
	return d * math.Pi / 180.0
}

// Haversine returns the great-circle distance between a and b in km.
func Haversine(a, b LatLng) float64 {
	lat1 := radians(a.Lat)
	lat2 := radians(b.Lat)
	dLat := lat2 - lat1
	dLng := radians(b.Lng - a.Lng)

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLng/2)*math.Sin(dLng/2)
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
	return EarthRadiusKm * c
}

// FormatDistance renders a km distance as a short label.
func FormatDistance(km float64) string {
	if km < 1 {
		return fmt.Sprintf("%d m", int(math.Round(km*1000)))
	}
	return fmt.Sprintf("%.1f km", km)
}

// Ranked pairs a record with its distance from an origin.
type Ranked struct {
	Record
	DistanceKm float64 `json:"distance_km"`
	Distance   string  `json:"distance"`
}

// ByDistance returns records sorted by distance from origin, nearest first.
// Ties keep input order. n <= 0 returns all.
func ByDistance(origin LatLng, records []Record, n int) []Ranked {
	out := make([]Ranked, 0, len(records))
	for _, r := range records {
		if !r.Location.Valid() {
			continue
		}
		km := Haversine(origin, r.Location)
		out = append(out, Ranked{Record: r, DistanceKm: km, Distance: FormatDistance(km)})
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].DistanceKm < out[j].DistanceKm
	})
	if n > 0 && len(out) > n {
		out = out[:n]
	}
	return out
}
