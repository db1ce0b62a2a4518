package geoindex

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/rubiojr/quietspace/pkg/logger"
	"github.com/rubiojr/quietspace/pkg/place"
	"github.com/rubiojr/quietspace/pkg/provider"
)

func newTestStore(t *testing.T, h http.HandlerFunc) *Store {
	t.Helper()
	logger.SetOutput(io.Discard)
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	es, err := New(srv.URL, "quiet")
	if err != nil {
		t.Fatal(err)
	}
	return es
}

func TestSearchSendsGeoQuery(t *testing.T) {
	var body string
	es := newTestStore(t, func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/quiet/_search") {
			t.Errorf("path = %s", r.URL.Path)
		}
		b, _ := io.ReadAll(r.Body)
		body = string(b)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"took":1,"hits":{"total":{"value":2,"relation":"eq"},"hits":[
			{"_index":"quiet","_id":"a","_source":{"id":"a","name":"Reading Room","types":["library"],"rating":4.6,"location":{"lat":43.65,"lon":-79.38}}},
			{"_index":"quiet","_id":"b","_source":{"name":"Pond","location":{"lat":43.66,"lon":-79.39}}}]}}`)
	})

	got, err := es.Search(context.Background(), 43.6532, -79.3832, 2500, "Library")
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{`"geo_distance"`, `"2500m"`, `"types"`, `"library"`, `"_geo_distance"`} {
		if !strings.Contains(body, want) {
			t.Errorf("request body missing %s: %s", want, body)
		}
	}
	if len(got) != 2 {
		t.Fatalf("got %d places", len(got))
	}
	if got[0].Name != "Reading Room" || got[0].Location.Lng != -79.38 || got[0].Rating != 4.6 {
		t.Errorf("first = %+v", got[0])
	}
	if got[1].ID != "b" {
		t.Errorf("hit id not used as fallback: %q", got[1].ID)
	}
}

func TestIndexPlacesCountsFailures(t *testing.T) {
	var lines int
	es := newTestStore(t, func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/_bulk") {
			t.Errorf("path = %s", r.URL.Path)
		}
		b, _ := io.ReadAll(r.Body)
		lines = strings.Count(strings.TrimSpace(string(b)), "\n") + 1
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"took":2,"errors":true,"items":[
			{"index":{"_index":"quiet","_id":"a","status":201}},
			{"index":{"_index":"quiet","_id":"b","status":400,"error":{"type":"mapper_parsing_exception","reason":"bad"}}}]}`)
	})

	loc := &place.LatLng{Lat: 1, Lng: 2}
	n, err := es.IndexPlaces(context.Background(), []provider.Place{
		{ID: "a", Name: "A", Location: loc},
		{ID: "b", Name: "B", Location: loc},
		{ID: "", Name: "no id", Location: loc},
		{ID: "c", Name: "no location"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if lines != 4 {
		t.Errorf("bulk body has %d lines; want 4 (two actions)", lines)
	}
	if n != 1 {
		t.Errorf("accepted = %d; want 1", n)
	}
}

func TestIndexPlacesEmpty(t *testing.T) {
	es := newTestStore(t, func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("unexpected request %s", r.URL.Path)
	})
	if n, err := es.IndexPlaces(context.Background(), nil); n != 0 || err != nil {
		t.Errorf("IndexPlaces(nil) = %d, %v", n, err)
	}
}

func TestTermsFor(t *testing.T) {
	got := termsFor("Gallery")
	if len(got) != 2 || got[0] != "gallery" || got[1] != "art_gallery" {
		t.Errorf("termsFor(Gallery) = %v", got)
	}
	if got := termsFor("library"); len(got) != 1 {
		t.Errorf("termsFor(library) = %v", got)
	}
}

type staticSearch []provider.Place

func (s staticSearch) Search(ctx context.Context, lat, lng float64, radius int, category string) ([]provider.Place, error) {
	return s, nil
}

func TestMirrorIndexesResults(t *testing.T) {
	var mu sync.Mutex
	var bulks int
	es := newTestStore(t, func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		bulks++
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"took":1,"errors":false,"items":[{"index":{"_index":"quiet","_id":"a","status":201}}]}`)
	})

	m := NewMirror(staticSearch{{ID: "a", Name: "A", Location: &place.LatLng{Lat: 1, Lng: 2}}}, es)
	got, err := m.Search(context.Background(), 1, 2, 100, "")
	if err != nil || len(got) != 1 {
		t.Fatalf("Search = %v, %v", got, err)
	}
	m.Wait()
	mu.Lock()
	defer mu.Unlock()
	if bulks != 1 {
		t.Errorf("bulk requests = %d", bulks)
	}
	if _, err := m.Details(context.Background(), "a"); !errors.Is(err, provider.ErrUnsupported) {
		t.Errorf("Details err = %v", err)
	}
}
