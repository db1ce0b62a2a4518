package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/rubiojr/quietspace/pkg/cache"
	"github.com/rubiojr/quietspace/pkg/cloud"
	"github.com/rubiojr/quietspace/pkg/config"
	"github.com/rubiojr/quietspace/pkg/discovery"
	"github.com/rubiojr/quietspace/pkg/favsync"
	"github.com/rubiojr/quietspace/pkg/geoindex"
	"github.com/rubiojr/quietspace/pkg/google"
	"github.com/rubiojr/quietspace/pkg/gpx"
	"github.com/rubiojr/quietspace/pkg/location"
	"github.com/rubiojr/quietspace/pkg/logger"
	"github.com/rubiojr/quietspace/pkg/markers"
	"github.com/rubiojr/quietspace/pkg/nominatim"
	"github.com/rubiojr/quietspace/pkg/place"
	"github.com/rubiojr/quietspace/pkg/provider"
	"github.com/rubiojr/quietspace/pkg/route"
	"github.com/rubiojr/quietspace/pkg/store"
	"github.com/rubiojr/quietspace/pkg/surface"
)

func main() {
	debugFlag := flag.Bool("debug", false, "enable debug logging")
	dataDirFlag := flag.String("data-dir", "", "custom data directory (overrides XDG_DATA_HOME)")
	configDirFlag := flag.String("config-dir", "", "custom config directory (overrides XDG_CONFIG_HOME)")
	cacheDirFlag := flag.String("cache-dir", "", "custom cache directory (overrides XDG_CACHE_HOME)")
	addrFlag := flag.String("addr", "", "API listen address (overrides QUIETSPACE_API_ADDR)")
	placesFlag := flag.String("places", "", "places backend: nominatim, google or elastic")
	flag.Parse()

	cfg := config.Load(config.EnvFile(), ".env")
	if *debugFlag {
		cfg.Debug = true
	}
	if *dataDirFlag != "" {
		cfg.DataDir = *dataDirFlag
	}
	if *configDirFlag != "" {
		cfg.ConfigDir = *configDirFlag
	}
	if *cacheDirFlag != "" {
		cfg.CacheDir = *cacheDirFlag
	}
	if *addrFlag != "" {
		cfg.APIAddr = *addrFlag
	}
	if *placesFlag != "" {
		cfg.PlacesBackend = *placesFlag
	}
	logger.SetDebug(cfg.Debug)

	if err := cfg.ResolveDirs(); err != nil {
		logger.Fatal("Failed to prepare directories: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg)
	if err != nil {
		logger.Fatal("Startup failed: %v", err)
	}
	if err := a.run(ctx); err != nil {
		logger.Error("API server error on %s: %v", cfg.APIAddr, err)
	}
	a.close()
}

// app owns every long-lived component. Optional ones are nil when their
// backend is not configured.
type app struct {
	cfg *config.Config

	store     *store.Store
	cache     cache.Backend
	mirror    *geoindex.Mirror
	surface   *surface.Memory
	markers   *markers.Controller
	discovery *discovery.Manager
	planner   *route.Planner
	sync      *favsync.Coordinator
	cloud     *cloud.Repository
	tracker   *location.Tracker
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{cfg: cfg}

	st, err := store.Open(cfg.PlacesDB(), store.WithReadTimeout(cfg.ReadTimeout))
	if err != nil {
		return nil, err
	}
	a.store = st
	logger.Info("Place store: %s", cfg.PlacesDB())
	a.restoreBackup(ctx)

	search, err := a.newSearch(ctx)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	a.surface = surface.NewMemory()
	a.markers = markers.New(a.surface,
		markers.WithBatchSize(cfg.BatchSize),
		markers.WithInterval(cfg.BatchInterval))
	a.discovery = discovery.New(search, st, cfg.DefaultLocation,
		discovery.WithRadius(cfg.SearchRadius),
		discovery.WithMaxResults(cfg.MaxResults))
	a.markers.Observe(st, a.discovery.Origin)

	if cfg.GoogleAPIKey != "" {
		a.planner = route.New(a.newGoogle(), a.surface)
	} else {
		logger.Warn("No QUIETSPACE_GOOGLE_API_KEY, route planning disabled")
	}

	a.sync = favsync.New(st, favsync.WithPushTimeout(cfg.HTTPTimeout))
	if cfg.CloudDSN != "" {
		repo, err := cloud.Open(cfg.CloudDSN, cfg.CloudRetries)
		if err != nil {
			logger.Error("Cloud favorites unavailable: %v", err)
		} else {
			a.cloud = repo
		}
	}

	a.tracker = location.New(cfg.DesktopID)
	a.tracker.OnFix(a.onFix)
	if cfg.GeoClue {
		a.tracker.Start()
	}
	return a, nil
}

func (a *app) newGoogle() *google.Client {
	return google.New(a.cfg.GoogleAPIKey,
		google.WithTimeout(a.cfg.HTTPTimeout),
		google.WithMode(a.cfg.GoogleMode))
}

// newSearch builds the configured places backend, optionally mirrored into
// Elasticsearch, behind the search cache.
func (a *app) newSearch(ctx context.Context) (provider.Search, error) {
	cfg := a.cfg
	var search provider.Search
	switch cfg.PlacesBackend {
	case config.BackendGoogle:
		if cfg.GoogleAPIKey == "" {
			return nil, errors.New("google places backend needs QUIETSPACE_GOOGLE_API_KEY")
		}
		search = a.newGoogle()
	case config.BackendElastic:
		es, err := geoindex.New(cfg.ElasticURL, cfg.ElasticIndex)
		if err != nil {
			return nil, err
		}
		if err := es.EnsureIndex(ctx); err != nil {
			logger.Warn("Elasticsearch index %s not ready: %v", cfg.ElasticIndex, err)
		}
		search = es
	case config.BackendNominatim:
		search = nominatim.New(
			nominatim.WithServer(cfg.NominatimServer),
			nominatim.WithRetries(cfg.NominatimRetries),
			nominatim.WithLimit(cfg.MaxResults))
	default:
		return nil, fmt.Errorf("unknown places backend %q", cfg.PlacesBackend)
	}
	logger.Info("Places backend: %s", cfg.PlacesBackend)

	if cfg.ElasticMirror && cfg.PlacesBackend != config.BackendElastic {
		es, err := geoindex.New(cfg.ElasticURL, cfg.ElasticIndex)
		if err != nil {
			logger.Warn("Elasticsearch mirror disabled: %v", err)
		} else {
			if err := es.EnsureIndex(ctx); err != nil {
				logger.Warn("Elasticsearch index %s not ready: %v", cfg.ElasticIndex, err)
			}
			a.mirror = geoindex.NewMirror(search, es)
			search = a.mirror
		}
	}

	backend, err := a.newCacheBackend(ctx)
	if err != nil {
		logger.Warn("Search cache disabled: %v", err)
		return search, nil
	}
	a.cache = backend
	return cache.NewSearch(search, backend, cfg.SearchCacheTTL), nil
}

// newCacheBackend prefers Redis when configured and falls back to the
// local SQLite cache.
func (a *app) newCacheBackend(ctx context.Context) (cache.Backend, error) {
	if a.cfg.RedisAddr != "" {
		r, err := cache.OpenRedis(ctx, a.cfg.RedisAddr, a.cfg.RedisPassword)
		if err == nil {
			logger.Info("Search cache: redis %s", a.cfg.RedisAddr)
			return r, nil
		}
		logger.Warn("Redis unavailable, using local search cache: %v", err)
	}
	c, err := cache.OpenSQLite(a.cfg.SearchCacheDB())
	if err != nil {
		return nil, err
	}
	if n, err := c.Prune(ctx); err != nil {
		logger.Warn("Pruning search cache: %v", err)
	} else if n > 0 {
		logger.Debug("Pruned %d expired search cache entries", n)
	}
	return c, nil
}

// onFix moves the discovery origin when the device moved far enough.
func (a *app) onFix(f location.Fix) {
	loc := f.LatLng()
	if place.Haversine(a.discovery.Origin(), loc) <= discovery.MovedKm {
		return
	}
	a.discovery.UpdateLocation(context.Background(), loc).Then(func(recs []place.Record, err error) {
		if err != nil {
			logger.Error("Refresh after location change failed: %v", err)
			return
		}
		logger.Debug("Location %.5f,%.5f: %d place(s)", loc.Lat, loc.Lng, len(recs))
	})
}

func (a *app) backupPath() string {
	return filepath.Join(a.cfg.DataDir, "favorites.gpx")
}

// restoreBackup imports the favorites backup into an empty store.
func (a *app) restoreBackup(ctx context.Context) {
	path := a.backupPath()
	if !config.FileExists(path) || len(a.store.ListAll()) > 0 {
		return
	}
	wps, err := gpx.ParseFile(path)
	if err != nil {
		logger.Error("Reading favorites backup %s: %v", path, err)
		return
	}
	if _, err := gpx.Import(ctx, a.store, wps); err != nil {
		logger.Error("Restoring favorites backup: %v", err)
	}
}

func (a *app) router() *gin.Engine {
	if !a.cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())
	if a.cfg.Debug {
		r.Use(gin.Logger())
	}

	api := &API{
		Store:     a.store,
		Discovery: a.discovery,
		Sync:      a.sync,
		Planner:   a.planner,
		Surface:   a.surface,
		Tracker:   a.tracker,
		JWTSecret: []byte(a.cfg.JWTSecret),
		Timeout:   a.cfg.HTTPTimeout,
	}
	if a.cloud != nil {
		repo := a.cloud
		api.Cloud = func(userID string) provider.CloudFavorites { return repo.ForUser(userID) }
	}
	api.Routes(r)
	return r
}

// run serves the API until ctx is cancelled.
func (a *app) run(ctx context.Context) error {
	a.discovery.RefreshNearby(ctx).Then(func(recs []place.Record, err error) {
		if err != nil {
			logger.Error("Initial refresh failed: %v", err)
			return
		}
		logger.Info("Initial refresh: %d place(s)", len(recs))
	})

	srv := &http.Server{Addr: a.cfg.APIAddr, Handler: a.router()}
	errc := make(chan error, 1)
	go func() {
		logger.Info("API listening on http://%s/api", a.cfg.APIAddr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}

// close stops background work, writes the favorites backup and releases
// every resource.
func (a *app) close() {
	a.tracker.Stop()
	a.markers.Cleanup()
	if a.planner != nil {
		a.planner.Clear()
	}
	a.sync.Wait()
	if a.mirror != nil {
		a.mirror.Wait()
	}

	if favs := a.store.ListFavorites(); len(favs) > 0 {
		if err := gpx.WriteFile(a.backupPath(), gpx.FromRecords(favs)); err != nil {
			logger.Error("Writing favorites backup: %v", err)
		}
	}

	if a.cache != nil {
		if err := a.cache.Close(); err != nil {
			logger.Warn("Closing search cache: %v", err)
		}
	}
	if a.cloud != nil {
		if err := a.cloud.Close(); err != nil {
			logger.Warn("Closing cloud database: %v", err)
		}
	}
	if err := a.store.Close(); err != nil {
		logger.Error("Closing place store: %v", err)
	}
}
