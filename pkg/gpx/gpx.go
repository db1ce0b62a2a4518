// Package gpx imports and exports favorites as GPX waypoints.
package gpx

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rubiojr/quietspace/pkg/logger"
	"github.com/rubiojr/quietspace/pkg/place"
	"github.com/rubiojr/quietspace/pkg/store"
)

// Favorites exchange in GPX 1.1.
//
// Responsibilities:
//   - Parse GPX documents into Waypoint slices.
//   - Write favorites back to GPX with an atomic temp-file + rename.
//   - Import waypoints into the place store as local-only favorites.
//
// Duplicate detection:
//   - Name equality + lat/lon within 1e-6 is considered a duplicate.
//
// Category round-trips through <type>, the address through <desc>.

// keyPrecision is the number of decimals compared by dedupe keys (1e-6).
const keyPrecision = 6

// Guards concurrent writes of export files.
var writeMu sync.Mutex

// Waypoint is a GPX <wpt>.
type Waypoint struct {
	Name string  `xml:"name" json:"name,omitempty"`
	Lat  float64 `xml:"lat,attr" json:"lat"`
	Lon  float64 `xml:"lon,attr" json:"lon"`
	Time string  `xml:"time" json:"time,omitempty"`
	Desc string  `xml:"desc" json:"desc,omitempty"`
	Type string  `xml:"type" json:"type,omitempty"`
}

type gpxRoot struct {
	Waypoints []Waypoint `xml:"wpt"`
}

// Parse reads a GPX document. Timestamps are normalized to RFC3339 UTC.
func Parse(r io.Reader) ([]Waypoint, error) {
	var root gpxRoot
	if err := xml.NewDecoder(r).Decode(&root); err != nil {
		return nil, fmt.Errorf("gpx: parse: %w", err)
	}
	for i := range root.Waypoints {
		if ts := root.Waypoints[i].Time; ts != "" {
			if t, err := time.Parse(time.RFC3339, ts); err == nil {
				root.Waypoints[i].Time = t.UTC().Format(time.RFC3339)
			}
		}
	}
	return root.Waypoints, nil
}

// ParseFile loads a GPX file.
func ParseFile(path string) ([]Waypoint, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Parse(f)
}

// Write serializes wps as a GPX document.
func Write(w io.Writer, wps []Waypoint) error {
	var b strings.Builder
	b.WriteString(xml.Header)
	b.WriteString(`<gpx version="1.1" creator="quietspace" xmlns="http://www.topografix.com/GPX/1/1">` + "\n")
	for _, e := range wps {
		fmt.Fprintf(&b, "  <wpt lat=\"%f\" lon=\"%f\">\n", e.Lat, e.Lon)
		if e.Time != "" {
			fmt.Fprintf(&b, "    <time>%s</time>\n", e.Time)
		}
		writeElem(&b, "name", e.Name)
		writeElem(&b, "desc", e.Desc)
		writeElem(&b, "type", e.Type)
		b.WriteString("  </wpt>\n")
	}
	b.WriteString("</gpx>\n")
	_, err := io.WriteString(w, b.String())
	return err
}

func writeElem(b *strings.Builder, tag, val string) {
	if val == "" {
		return
	}
	fmt.Fprintf(b, "    <%s>", tag)
	_ = xml.EscapeText(b, []byte(val))
	fmt.Fprintf(b, "</%s>\n", tag)
}

// WriteFile writes wps to path through path.tmp and a rename.
func WriteFile(path string, wps []Waypoint) error {
	writeMu.Lock()
	defer writeMu.Unlock()

	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if err := Write(f, wps); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// key is the dedupe identity: name plus coordinates rounded to keyPrecision.
func key(name string, lat, lon float64) string {
	la := strconv.FormatFloat(roundTo(lat, keyPrecision), 'f', keyPrecision, 64)
	lo := strconv.FormatFloat(roundTo(lon, keyPrecision), 'f', keyPrecision, 64)
	return fmt.Sprintf("%s|%s|%s", name, la, lo)
}

func roundTo(v float64, places int) float64 {
	p := math.Pow10(places)
	return math.Round(v*p) / p
}

// Dedupe drops repeated waypoints keeping the first occurrence. The input
// is not modified.
func Dedupe(in []Waypoint) []Waypoint {
	seen := make(map[string]struct{}, len(in))
	out := make([]Waypoint, 0, len(in))
	for _, w := range in {
		k := key(w.Name, w.Lat, w.Lon)
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, w)
	}
	return out
}

// FromRecords converts records to waypoints.
func FromRecords(recs []place.Record) []Waypoint {
	out := make([]Waypoint, 0, len(recs))
	for _, r := range recs {
		if !r.Location.Valid() {
			continue
		}
		out = append(out, Waypoint{
			Name: r.Name,
			Lat:  r.Location.Lat,
			Lon:  r.Location.Lng,
			Desc: r.Address,
			Type: string(r.Category),
		})
	}
	return out
}

// ToRecord turns a waypoint into a local-only favorite.
func ToRecord(w Waypoint) place.Record {
	c := place.ParseCategory(w.Type)
	return place.Record{
		Name:        strings.TrimSpace(w.Name),
		Category:    c,
		Address:     w.Desc,
		Description: place.Describe(c, 0, 0),
		Location:    place.LatLng{Lat: w.Lat, Lng: w.Lon},
		QuietScore:  place.QuietScore(c, 0),
		IsFavorite:  true,
	}
}

// ImportResult counts what an Import did.
type ImportResult struct {
	Added   int `json:"added"`
	Skipped int `json:"skipped"`
}

// Import stores wps as local-only favorites in one batch. Waypoints that
// are unnamed, have invalid coordinates or duplicate a stored record are
// skipped, so importing the same file twice adds nothing.
func Import(ctx context.Context, s *store.Store, wps []Waypoint) (ImportResult, error) {
	var res ImportResult
	_, err := s.Batch(ctx, func(ctx context.Context, o *store.Ops) error {
		res = ImportResult{}
		stored, err := o.List()
		if err != nil {
			return err
		}
		have := make(map[string]struct{}, len(stored))
		for _, r := range stored {
			have[key(r.Name, r.Location.Lat, r.Location.Lng)] = struct{}{}
		}
		for _, w := range Dedupe(wps) {
			rec := ToRecord(w)
			k := key(rec.Name, w.Lat, w.Lon)
			if _, dup := have[k]; dup || rec.Name == "" || !rec.Location.Valid() {
				res.Skipped++
				continue
			}
			if _, err := o.Insert(rec); err != nil {
				return err
			}
			have[k] = struct{}{}
			res.Added++
		}
		return nil
	}).Await(ctx)
	if err != nil {
		return ImportResult{}, fmt.Errorf("gpx: import: %w", err)
	}
	logger.Info("gpx: imported %d waypoint(s), skipped %d", res.Added, res.Skipped)
	return res, nil
}
