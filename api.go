package main

import (
	"context"
	"errors"
	"net/http"
	"runtime"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/rubiojr/quietspace/pkg/async"
	"github.com/rubiojr/quietspace/pkg/discovery"
	"github.com/rubiojr/quietspace/pkg/favsync"
	"github.com/rubiojr/quietspace/pkg/gpx"
	"github.com/rubiojr/quietspace/pkg/location"
	"github.com/rubiojr/quietspace/pkg/logger"
	"github.com/rubiojr/quietspace/pkg/place"
	"github.com/rubiojr/quietspace/pkg/provider"
	"github.com/rubiojr/quietspace/pkg/route"
	"github.com/rubiojr/quietspace/pkg/store"
	"github.com/rubiojr/quietspace/pkg/surface"
)

// HTTP surface of the place subsystem.
//
// Layout:
//   - /api/places*      stored places, refresh, favorites, check-ins, details
//   - /api/route        route planning towards a stored place
//   - /api/session      cloud session from a Bearer JWT, /api/sync/pull
//   - /api/surface      drawn markers and polylines for map front-ends
//   - /api/location     last device fix (GET) or a pushed fix (PUT)
//   - /api/favorites.gpx, /api/import   GPX exchange
//
// Errors are returned as {"error": "..."} with a status derived from the
// sentinel they wrap, see statusFor.

// CloudOpener returns the cloud favorites of one user.
type CloudOpener func(userID string) provider.CloudFavorites

// API holds the collaborators the handlers use. Planner, Cloud and
// Tracker may be nil when the matching backend is not configured.
type API struct {
	Store     *store.Store
	Discovery *discovery.Manager
	Sync      *favsync.Coordinator
	Planner   *route.Planner
	Surface   *surface.Memory
	Tracker   *location.Tracker
	Cloud     CloudOpener
	JWTSecret []byte
	Timeout   time.Duration
}

// Claims is the session token payload. The user id is taken from user_id,
// falling back to the registered subject.
type Claims struct {
	UserID string `json:"user_id"`
	jwt.RegisteredClaims
}

// Routes registers every handler on r.
func (a *API) Routes(r *gin.Engine) {
	r.Use(cors())

	api := r.Group("/api")
	{
		api.GET("/places", a.handleListPlaces)
		api.GET("/places/:id", a.handleGetPlace)
		api.POST("/places/refresh", a.handleRefresh)
		api.POST("/places/:id/favorite", a.handleFavorite(true))
		api.DELETE("/places/:id/favorite", a.handleFavorite(false))
		api.POST("/places/:id/checkin", a.handleCheckIn)
		api.POST("/places/:id/details", a.handleDetails)
		api.GET("/favorites", a.handleListFavorites)
		api.GET("/favorites.gpx", a.handleExportGPX)
		api.POST("/import", a.handleImportGPX)
		api.GET("/nearby", a.handleNearby)
		api.GET("/search", a.handleSearch)

		api.POST("/route", a.handleRoute)
		api.DELETE("/route", a.handleClearRoute)

		api.POST("/session", a.handleLogin)
		api.DELETE("/session", a.handleLogout)
		api.POST("/sync/pull", a.handlePull)

		api.GET("/surface", a.handleSurface)
		api.GET("/location", a.handleGetLocation)
		api.PUT("/location", a.handlePutLocation)
		api.GET("/version", handleGetVersion)
	}
}

func cors() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS, PUT, DELETE")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// ctx bounds a handler's work by the request and the API timeout.
func (a *API) ctx(c *gin.Context) (context.Context, context.CancelFunc) {
	d := a.Timeout
	if d <= 0 {
		d = 30 * time.Second
	}
	return context.WithTimeout(c.Request.Context(), d)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, route.ErrNoRoutes):
		return http.StatusNotFound
	case errors.Is(err, discovery.ErrInvalidLocation), errors.Is(err, route.ErrInvalidPoint),
		errors.Is(err, discovery.ErrNoExternalID):
		return http.StatusBadRequest
	case errors.Is(err, favsync.ErrNotAuthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, route.ErrSuperseded):
		return http.StatusConflict
	case errors.Is(err, provider.ErrUnsupported):
		return http.StatusNotImplemented
	case errors.Is(err, provider.ErrStatus):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func fail(c *gin.Context, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		logger.Error("api: %s %s: %v", c.Request.Method, c.Request.URL.Path, err)
	}
	c.JSON(code, gin.H{"error": err.Error()})
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": msg})
}

func decorate(recs []place.Record) []place.Record {
	out := make([]place.Record, len(recs))
	for i, r := range recs {
		out[i] = r.Decorate()
	}
	return out
}

// ---------------- Places ----------------

func (a *API) handleListPlaces(c *gin.Context) {
	c.JSON(http.StatusOK, decorate(a.Store.ListAll()))
}

func (a *API) handleListFavorites(c *gin.Context) {
	c.JSON(http.StatusOK, decorate(a.Store.ListFavorites()))
}

func localID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		badRequest(c, "invalid place id")
		return 0, false
	}
	return id, true
}

func (a *API) handleGetPlace(c *gin.Context) {
	id, ok := localID(c)
	if !ok {
		return
	}
	rec, found := a.Store.FindByLocalID(id)
	if !found {
		fail(c, store.ErrNotFound)
		return
	}
	c.JSON(http.StatusOK, rec.Decorate())
}

type latLngRequest struct {
	Lat *float64 `json:"lat"`
	Lng *float64 `json:"lng"`
}

func (r latLngRequest) point() (place.LatLng, bool) {
	if r.Lat == nil || r.Lng == nil {
		return place.LatLng{}, false
	}
	return place.LatLng{Lat: *r.Lat, Lng: *r.Lng}, true
}

// handleRefresh moves the origin when a position is posted and refreshes
// nearby places around it.
func (a *API) handleRefresh(c *gin.Context) {
	var req latLngRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "invalid JSON")
			return
		}
	}
	ctx, cancel := a.ctx(c)
	defer cancel()

	var recs []place.Record
	var err error
	if p, ok := req.point(); ok {
		recs, err = a.Discovery.UpdateLocation(ctx, p).Await(ctx)
	} else {
		recs, err = a.Discovery.RefreshNearby(ctx).Await(ctx)
	}
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, decorate(recs))
}

func (a *API) handleFavorite(on bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := localID(c)
		if !ok {
			return
		}
		rec, found := a.Store.FindByLocalID(id)
		if !found {
			fail(c, store.ErrNotFound)
			return
		}
		ctx, cancel := a.ctx(c)
		defer cancel()
		var f *async.Future[place.Record]
		if on {
			f = a.Sync.SetFavorite(ctx, rec)
		} else {
			f = a.Sync.UnsetFavorite(ctx, rec)
		}
		out, err := f.Await(ctx)
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, out.Decorate())
	}
}

func (a *API) handleCheckIn(c *gin.Context) {
	id, ok := localID(c)
	if !ok {
		return
	}
	ctx, cancel := a.ctx(c)
	defer cancel()
	rec, err := a.Discovery.CheckIn(ctx, id).Await(ctx)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, rec.Decorate())
}

func (a *API) handleDetails(c *gin.Context) {
	id, ok := localID(c)
	if !ok {
		return
	}
	ctx, cancel := a.ctx(c)
	defer cancel()
	rec, err := a.Discovery.RefreshDetails(ctx, id).Await(ctx)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, rec.Decorate())
}

func (a *API) handleNearby(c *gin.Context) {
	n := 5
	if v := c.Query("n"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed < 0 {
			badRequest(c, "invalid n")
			return
		}
		n = parsed
	}
	ranked := a.Discovery.Nearby(n)
	for i := range ranked {
		ranked[i].Record = ranked[i].Record.Decorate()
	}
	c.JSON(http.StatusOK, ranked)
}

func (a *API) handleSearch(c *gin.Context) {
	category := strings.TrimSpace(c.Query("category"))
	if category == "" {
		badRequest(c, "missing category")
		return
	}
	ctx, cancel := a.ctx(c)
	defer cancel()
	recs, err := a.Discovery.SearchByType(ctx, category).Await(ctx)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, decorate(recs))
}

// --------------- GPX ---------------

func (a *API) handleExportGPX(c *gin.Context) {
	c.Header("Content-Disposition", `attachment; filename="favorites.gpx"`)
	c.Header("Content-Type", "application/gpx+xml")
	c.Status(http.StatusOK)
	if err := gpx.Write(c.Writer, gpx.FromRecords(a.Store.ListFavorites())); err != nil {
		logger.Error("api: writing favorites GPX: %v", err)
	}
}

func (a *API) handleImportGPX(c *gin.Context) {
	wps, err := gpx.Parse(http.MaxBytesReader(c.Writer, c.Request.Body, 10<<20))
	if err != nil {
		badRequest(c, err.Error())
		return
	}
	ctx, cancel := a.ctx(c)
	defer cancel()
	res, err := gpx.Import(ctx, a.Store, wps)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// --------------- Routes ---------------

type routeRequest struct {
	PlaceID int64         `json:"place_id"`
	Origin  *place.LatLng `json:"origin"`
}

type routeResponse struct {
	route.Plan
	Summary string `json:"summary"`
}

func (a *API) handleRoute(c *gin.Context) {
	if a.Planner == nil {
		fail(c, provider.ErrUnsupported)
		return
	}
	var req routeRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.PlaceID <= 0 {
		badRequest(c, "place_id is required")
		return
	}
	dest, found := a.Store.FindByLocalID(req.PlaceID)
	if !found {
		fail(c, store.ErrNotFound)
		return
	}
	origin := a.Discovery.Origin()
	if req.Origin != nil {
		origin = *req.Origin
	} else if a.Tracker != nil {
		origin = a.Tracker.CurrentOr(origin)
	}

	ctx, cancel := a.ctx(c)
	defer cancel()
	plan, err := a.Planner.Plan(ctx, origin, dest.Location).Await(ctx)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, routeResponse{Plan: plan, Summary: plan.Summary()})
}

func (a *API) handleClearRoute(c *gin.Context) {
	if a.Planner != nil {
		a.Planner.Clear()
	}
	c.Status(http.StatusNoContent)
}

// --------------- Session & sync ---------------

// userFromToken validates a Bearer token and returns its user id.
func (a *API) userFromToken(header string) (string, error) {
	tokenString := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if tokenString == "" {
		return "", errors.New("missing token")
	}
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return a.JWTSecret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !token.Valid {
		return "", errors.New("invalid token")
	}
	if claims.UserID != "" {
		return claims.UserID, nil
	}
	if claims.Subject != "" {
		return claims.Subject, nil
	}
	return "", errors.New("token has no user")
}

func (a *API) handleLogin(c *gin.Context) {
	if a.Cloud == nil || len(a.JWTSecret) == 0 {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "cloud favorites not configured"})
		return
	}
	userID, err := a.userFromToken(c.GetHeader("Authorization"))
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		return
	}
	ctx, cancel := a.ctx(c)
	defer cancel()
	res, err := a.Sync.Login(ctx, a.Cloud(userID)).Await(ctx)
	if err != nil {
		fail(c, err)
		return
	}
	logger.Info("api: session started for %s", userID)
	c.JSON(http.StatusOK, res)
}

func (a *API) handleLogout(c *gin.Context) {
	a.Sync.Logout()
	c.Status(http.StatusNoContent)
}

func (a *API) handlePull(c *gin.Context) {
	ctx, cancel := a.ctx(c)
	defer cancel()
	res, err := a.Sync.Pull(ctx).Await(ctx)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// --------------- Surface & location ---------------

func (a *API) handleSurface(c *gin.Context) {
	c.JSON(http.StatusOK, a.Surface.Snapshot())
}

func (a *API) handleGetLocation(c *gin.Context) {
	if a.Tracker == nil {
		c.Status(http.StatusNoContent)
		return
	}
	fix, ok := a.Tracker.Current()
	if !ok {
		c.Status(http.StatusNoContent)
		return
	}
	c.JSON(http.StatusOK, fix)
}

// handlePutLocation records a fix pushed by a client. Listeners registered
// on the tracker (discovery refresh) run as for GeoClue fixes.
func (a *API) handlePutLocation(c *gin.Context) {
	if a.Tracker == nil {
		fail(c, provider.ErrUnsupported)
		return
	}
	var fix location.Fix
	if err := c.ShouldBindJSON(&fix); err != nil {
		badRequest(c, "invalid JSON")
		return
	}
	if !a.Tracker.Set(fix) {
		fail(c, discovery.ErrInvalidLocation)
		return
	}
	cur, _ := a.Tracker.Current()
	c.JSON(http.StatusOK, cur)
}

// handleGetVersion returns runtime version information
func handleGetVersion(c *gin.Context) {
	versionInfo := gin.H{
		"go_version": runtime.Version(),
		"go_os":      runtime.GOOS,
		"go_arch":    runtime.GOARCH,
	}

	if buildInfo, ok := debug.ReadBuildInfo(); ok {
		versionInfo["go_module"] = buildInfo.Path
		if buildInfo.Main.Version != "" && buildInfo.Main.Version != "(devel)" {
			versionInfo["app_version"] = buildInfo.Main.Version
		}

		settings := make(map[string]string)
		for _, setting := range buildInfo.Settings {
			switch setting.Key {
			case "vcs.revision":
				settings["commit"] = setting.Value
				if len(setting.Value) > 7 {
					settings["commit_short"] = setting.Value[:7]
				}
			case "vcs.time":
				settings["build_time"] = setting.Value
			case "vcs.modified":
				settings["dirty"] = setting.Value
			}
		}
		if len(settings) > 0 {
			versionInfo["build_info"] = settings
		}
	}

	c.JSON(http.StatusOK, versionInfo)
}
