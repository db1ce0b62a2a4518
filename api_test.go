package main

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/rubiojr/quietspace/pkg/discovery"
	"github.com/rubiojr/quietspace/pkg/favsync"
	"github.com/rubiojr/quietspace/pkg/location"
	"github.com/rubiojr/quietspace/pkg/logger"
	"github.com/rubiojr/quietspace/pkg/place"
	"github.com/rubiojr/quietspace/pkg/provider"
	"github.com/rubiojr/quietspace/pkg/route"
	"github.com/rubiojr/quietspace/pkg/store"
	"github.com/rubiojr/quietspace/pkg/surface"
)

var toronto = place.LatLng{Lat: 43.6532, Lng: -79.3832}

var testSecret = []byte("test-secret")

type fakeSearch struct{}

func (fakeSearch) Search(ctx context.Context, lat, lng float64, radius int, category string) ([]provider.Place, error) {
	return []provider.Place{
		{ID: "lib", Name: "Reading Room", Location: &place.LatLng{Lat: lat + 0.001, Lng: lng}, Rating: 4.5, ReviewCount: 10, Types: []string{"library"}},
		{ID: "park", Name: "Green Park", Location: &place.LatLng{Lat: lat + 0.002, Lng: lng}, Types: []string{"park"}},
	}, nil
}

type fakeDirections struct {
	routes []route.Route
}

func (f fakeDirections) Directions(ctx context.Context, o, d place.LatLng) ([]route.Route, error) {
	return f.routes, nil
}

type fakeCloud struct {
	mu    sync.Mutex
	favs  []provider.CloudFavorite
	added []string
}

func (f *fakeCloud) AddFavorite(ctx context.Context, rec place.Record) error {
	f.mu.Lock()
	f.added = append(f.added, rec.ExternalID)
	f.mu.Unlock()
	return nil
}

func (f *fakeCloud) RemoveFavorite(ctx context.Context, id string) error { return nil }

func (f *fakeCloud) ListFavorites(ctx context.Context) ([]provider.CloudFavorite, error) {
	return f.favs, nil
}

type testAPI struct {
	*API
	router *gin.Engine
	cloud  *fakeCloud
	users  []string
}

func newTestAPI(t *testing.T, d route.Directions) *testAPI {
	t.Helper()
	logger.SetOutput(io.Discard)
	gin.SetMode(gin.TestMode)

	s, err := store.Open(filepath.Join(t.TempDir(), "places.sqlite"))
	if err != nil {
		t.Fatal(err)
	}
	coord := favsync.New(s)
	t.Cleanup(func() {
		coord.Wait()
		_ = s.Close()
	})

	mem := surface.NewMemory()
	ta := &testAPI{cloud: &fakeCloud{}}
	ta.API = &API{
		Store:     s,
		Discovery: discovery.New(fakeSearch{}, s, toronto),
		Sync:      coord,
		Surface:   mem,
		Tracker:   location.New("test.desktop"),
		JWTSecret: testSecret,
		Timeout:   5 * time.Second,
		Cloud: func(userID string) provider.CloudFavorites {
			ta.users = append(ta.users, userID)
			return ta.cloud
		},
	}
	if d != nil {
		ta.Planner = route.New(d, mem)
	}
	ta.router = gin.New()
	ta.Routes(ta.router)
	return ta
}

func (ta *testAPI) do(method, path, body string, header ...string) *httptest.ResponseRecorder {
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	w := httptest.NewRecorder()
	ta.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
	return v
}

func (ta *testAPI) refresh(t *testing.T) []place.Record {
	t.Helper()
	w := ta.do(http.MethodPost, "/api/places/refresh", "")
	if w.Code != http.StatusOK {
		t.Fatalf("refresh = %d %s", w.Code, w.Body)
	}
	return decode[[]place.Record](t, w)
}

func TestPlacesEndpoints(t *testing.T) {
	ta := newTestAPI(t, nil)
	recs := ta.refresh(t)
	if len(recs) != 2 {
		t.Fatalf("refreshed %d places", len(recs))
	}

	w := ta.do(http.MethodGet, "/api/places", "")
	list := decode[[]place.Record](t, w)
	if len(list) != 2 || len(list[0].Tags) == 0 || list[0].Emoji == "" {
		t.Errorf("list = %+v", list)
	}

	lib, _ := ta.Store.FindByExternalID("lib")
	w = ta.do(http.MethodGet, "/api/places/"+itoa(lib.LocalID), "")
	if got := decode[place.Record](t, w); got.Name != "Reading Room" || got.Category != place.Library {
		t.Errorf("get = %+v", got)
	}
	if w := ta.do(http.MethodGet, "/api/places/abc", ""); w.Code != http.StatusBadRequest {
		t.Errorf("bad id = %d", w.Code)
	}
	if w := ta.do(http.MethodGet, "/api/places/999", ""); w.Code != http.StatusNotFound {
		t.Errorf("missing id = %d", w.Code)
	}

	w = ta.do(http.MethodGet, "/api/nearby?n=1", "")
	near := decode[[]place.Ranked](t, w)
	if len(near) != 1 || near[0].Name != "Reading Room" || near[0].Distance == "" {
		t.Errorf("nearby = %+v", near)
	}
}

func TestRefreshMovesOrigin(t *testing.T) {
	ta := newTestAPI(t, nil)
	w := ta.do(http.MethodPost, "/api/places/refresh", `{"lat":45.5,"lng":-73.56}`)
	if w.Code != http.StatusOK {
		t.Fatalf("refresh = %d %s", w.Code, w.Body)
	}
	if o := ta.Discovery.Origin(); o.Lat != 45.5 {
		t.Errorf("origin = %v", o)
	}
	if w := ta.do(http.MethodPost, "/api/places/refresh", `{"lat":120,"lng":0}`); w.Code != http.StatusBadRequest {
		t.Errorf("invalid location = %d", w.Code)
	}
}

func TestFavoriteAndCheckIn(t *testing.T) {
	ta := newTestAPI(t, nil)
	ta.refresh(t)
	lib, _ := ta.Store.FindByExternalID("lib")
	id := itoa(lib.LocalID)

	w := ta.do(http.MethodPost, "/api/places/"+id+"/favorite", "")
	if got := decode[place.Record](t, w); !got.IsFavorite {
		t.Errorf("favorite = %+v", got)
	}
	w = ta.do(http.MethodGet, "/api/favorites", "")
	if favs := decode[[]place.Record](t, w); len(favs) != 1 {
		t.Errorf("favorites = %+v", favs)
	}
	w = ta.do(http.MethodDelete, "/api/places/"+id+"/favorite", "")
	if got := decode[place.Record](t, w); got.IsFavorite {
		t.Errorf("unfavorite = %+v", got)
	}

	w = ta.do(http.MethodPost, "/api/places/"+id+"/checkin", "")
	if got := decode[place.Record](t, w); got.CheckInCount != 1 || got.LastVisited == "" {
		t.Errorf("checkin = %+v", got)
	}
	if w := ta.do(http.MethodPost, "/api/places/999/checkin", ""); w.Code != http.StatusNotFound {
		t.Errorf("checkin missing = %d", w.Code)
	}
	if w := ta.do(http.MethodPost, "/api/places/"+id+"/details", ""); w.Code != http.StatusNotImplemented {
		t.Errorf("details without provider = %d", w.Code)
	}
}

func TestRoute(t *testing.T) {
	ta := newTestAPI(t, nil)
	if w := ta.do(http.MethodPost, "/api/route", `{"place_id":1}`); w.Code != http.StatusNotImplemented {
		t.Errorf("no planner = %d", w.Code)
	}

	d := fakeDirections{routes: []route.Route{
		{Summary: "slow", Legs: []route.Leg{{DurationSeconds: 900}}, Overview: "_p~iF~ps|U_ulLnnqC"},
		{Summary: "fast", Legs: []route.Leg{{DurationSeconds: 300}}, Overview: "_p~iF~ps|U_ulLnnqC"},
	}}
	ta = newTestAPI(t, d)
	ta.refresh(t)
	lib, _ := ta.Store.FindByExternalID("lib")

	w := ta.do(http.MethodPost, "/api/route", `{"place_id":`+itoa(lib.LocalID)+`}`)
	if w.Code != http.StatusOK {
		t.Fatalf("route = %d %s", w.Code, w.Body)
	}
	res := decode[struct {
		Routes  []route.Route `json:"routes"`
		Summary string        `json:"summary"`
	}](t, w)
	if len(res.Routes) != 2 || res.Routes[0].Summary != "fast" || !strings.HasPrefix(res.Summary, "Fastest route:") {
		t.Errorf("route = %+v", res)
	}
	if n := len(ta.Surface.Snapshot().Polylines); n != 2 {
		t.Errorf("drew %d polylines", n)
	}

	if w := ta.do(http.MethodDelete, "/api/route", ""); w.Code != http.StatusNoContent {
		t.Errorf("clear = %d", w.Code)
	}
	if n := len(ta.Surface.Snapshot().Polylines); n != 0 {
		t.Errorf("%d polylines after clear", n)
	}

	if w := ta.do(http.MethodPost, "/api/route", `{}`); w.Code != http.StatusBadRequest {
		t.Errorf("missing place_id = %d", w.Code)
	}
}

func TestRouteNoRoutes(t *testing.T) {
	ta := newTestAPI(t, fakeDirections{})
	ta.refresh(t)
	lib, _ := ta.Store.FindByExternalID("lib")
	w := ta.do(http.MethodPost, "/api/route", `{"place_id":`+itoa(lib.LocalID)+`}`)
	if w.Code != http.StatusNotFound || !strings.Contains(w.Body.String(), "no routes found") {
		t.Errorf("no routes = %d %s", w.Code, w.Body)
	}
}

func token(t *testing.T, secret []byte, claims Claims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		t.Fatal(err)
	}
	return "Bearer " + s
}

func TestSession(t *testing.T) {
	ta := newTestAPI(t, nil)
	lat, lng := 43.66, -79.39
	ta.cloud.favs = []provider.CloudFavorite{{ExternalID: "g1", Name: "Cloud Cafe", Lat: &lat, Lng: &lng, PlaceType: "Cafe"}}

	if w := ta.do(http.MethodPost, "/api/sync/pull", ""); w.Code != http.StatusUnauthorized {
		t.Errorf("pull without session = %d", w.Code)
	}
	if w := ta.do(http.MethodPost, "/api/session", ""); w.Code != http.StatusUnauthorized {
		t.Errorf("no token = %d", w.Code)
	}
	bad := token(t, []byte("other"), Claims{UserID: "u1"})
	if w := ta.do(http.MethodPost, "/api/session", "", "Authorization", bad); w.Code != http.StatusUnauthorized {
		t.Errorf("wrong secret = %d", w.Code)
	}

	good := token(t, testSecret, Claims{UserID: "u1", RegisteredClaims: jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}})
	w := ta.do(http.MethodPost, "/api/session", "", "Authorization", good)
	if w.Code != http.StatusOK {
		t.Fatalf("login = %d %s", w.Code, w.Body)
	}
	if res := decode[favsync.PullResult](t, w); res.Inserted != 1 {
		t.Errorf("pull result = %+v", res)
	}
	if len(ta.users) != 1 || ta.users[0] != "u1" {
		t.Errorf("cloud opened for %v", ta.users)
	}
	if r, ok := ta.Store.FindByExternalID("g1"); !ok || !r.IsFavorite {
		t.Errorf("cloud favorite not stored: %+v", r)
	}

	w = ta.do(http.MethodPost, "/api/sync/pull", "")
	if res := decode[favsync.PullResult](t, w); res.Inserted != 0 || res.Unchanged != 1 {
		t.Errorf("second pull = %+v", res)
	}

	if w := ta.do(http.MethodDelete, "/api/session", ""); w.Code != http.StatusNoContent {
		t.Errorf("logout = %d", w.Code)
	}
	if ta.Sync.LoggedIn() {
		t.Error("still logged in")
	}
}

func TestSessionSubjectClaim(t *testing.T) {
	ta := newTestAPI(t, nil)
	tok := token(t, testSecret, Claims{RegisteredClaims: jwt.RegisteredClaims{Subject: "sub-7"}})
	if w := ta.do(http.MethodPost, "/api/session", "", "Authorization", tok); w.Code != http.StatusOK {
		t.Fatalf("login = %d %s", w.Code, w.Body)
	}
	if len(ta.users) != 1 || ta.users[0] != "sub-7" {
		t.Errorf("cloud opened for %v", ta.users)
	}
}

func TestLocation(t *testing.T) {
	ta := newTestAPI(t, nil)
	if w := ta.do(http.MethodGet, "/api/location", ""); w.Code != http.StatusNoContent {
		t.Errorf("unknown location = %d", w.Code)
	}
	if w := ta.do(http.MethodPut, "/api/location", `{"lat":0,"lng":0}`); w.Code != http.StatusBadRequest {
		t.Errorf("null island = %d", w.Code)
	}
	if w := ta.do(http.MethodPut, "/api/location", `{"lat":45.5,"lng":-73.56,"accuracy_m":8}`); w.Code != http.StatusOK {
		t.Errorf("put = %d %s", w.Code, w.Body)
	}
	w := ta.do(http.MethodGet, "/api/location", "")
	if fix := decode[location.Fix](t, w); fix.Latitude != 45.5 || fix.Accuracy != 8 {
		t.Errorf("fix = %+v", fix)
	}
}

func TestGPXExchange(t *testing.T) {
	ta := newTestAPI(t, nil)
	doc := `<gpx><wpt lat="43.66" lon="-79.39"><name>Quiet Bench</name><type>Park</type></wpt></gpx>`
	w := ta.do(http.MethodPost, "/api/import", doc)
	if !strings.Contains(w.Body.String(), `"added":1`) {
		t.Fatalf("import = %d %s", w.Code, w.Body)
	}
	w = ta.do(http.MethodGet, "/api/favorites.gpx", "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "<name>Quiet Bench</name>") {
		t.Errorf("export = %d %s", w.Code, w.Body)
	}
	if w := ta.do(http.MethodPost, "/api/import", "not xml"); w.Code != http.StatusBadRequest {
		t.Errorf("bad document = %d", w.Code)
	}
}

func TestSurfaceCORSAndVersion(t *testing.T) {
	ta := newTestAPI(t, nil)
	w := ta.do(http.MethodOptions, "/api/places", "")
	if w.Code != http.StatusNoContent || w.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Errorf("preflight = %d %v", w.Code, w.Header())
	}
	w = ta.do(http.MethodGet, "/api/surface", "")
	if snap := decode[surface.Snapshot](t, w); len(snap.Markers) != 0 {
		t.Errorf("snapshot = %+v", snap)
	}
	w = ta.do(http.MethodGet, "/api/version", "")
	if v := decode[map[string]any](t, w); v["go_version"] == "" {
		t.Errorf("version = %v", v)
	}
}

func itoa(id int64) string {
	b, _ := json.Marshal(id)
	return string(b)
}
