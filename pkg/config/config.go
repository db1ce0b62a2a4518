// Package config loads settings from an optional .env file and
// QUIETSPACE_* environment variables.
package config

import (
	"errors"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/rubiojr/quietspace/pkg/logger"
	"github.com/rubiojr/quietspace/pkg/place"
)

const (
	AppName = "quietspace"
	prefix  = "QUIETSPACE_"
)

// Backends accepted for PlacesBackend.
const (
	BackendNominatim = "nominatim"
	BackendGoogle    = "google"
	BackendElastic   = "elastic"
)

// Config holds the application settings.
type Config struct {
	Debug   bool
	APIAddr string

	DefaultLocation place.LatLng
	SearchRadius    int
	MaxResults      int

	PlacesBackend    string
	GoogleAPIKey     string
	GoogleMode       string
	NominatimServer  string
	NominatimRetries int
	ElasticURL       string
	ElasticIndex     string
	ElasticMirror    bool

	RedisAddr      string
	RedisPassword  string
	SearchCacheTTL time.Duration

	CloudDSN     string
	CloudRetries int
	JWTSecret    string

	ReadTimeout   time.Duration
	BatchSize     int
	BatchInterval time.Duration
	HTTPTimeout   time.Duration

	GeoClue   bool
	DesktopID string

	DataDir   string
	ConfigDir string
	CacheDir  string
}

// Load reads the given .env files (missing ones are ignored; ".env" when
// none are given) and returns the resulting configuration. Variables
// already set in the environment win over the files.
func Load(envFiles ...string) *Config {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				logger.Debug("config: no %s, using environment", f)
				continue
			}
			logger.Warn("config: reading %s: %v", f, err)
		}
	}

	return &Config{
		Debug:   getEnvBool("DEBUG", false),
		APIAddr: getEnv("API_ADDR", "127.0.0.1:43098"),

		DefaultLocation: place.LatLng{
			Lat: getEnvFloat("DEFAULT_LAT", 43.6532),
			Lng: getEnvFloat("DEFAULT_LNG", -79.3832),
		},
		SearchRadius: getEnvInt("SEARCH_RADIUS", 5000),
		MaxResults:   getEnvInt("MAX_RESULTS", 20),

		PlacesBackend:    strings.ToLower(getEnv("PLACES_BACKEND", BackendNominatim)),
		GoogleAPIKey:     getEnv("GOOGLE_API_KEY", ""),
		GoogleMode:       getEnv("GOOGLE_MODE", "driving"),
		NominatimServer:  getEnv("NOMINATIM_SERVER", "https://nominatim.openstreetmap.org"),
		NominatimRetries: getEnvInt("NOMINATIM_RETRIES", 1),
		ElasticURL:       getEnv("ELASTIC_URL", "http://localhost:9200"),
		ElasticIndex:     getEnv("ELASTIC_INDEX", "places"),
		ElasticMirror:    getEnvBool("ELASTIC_MIRROR", false),

		RedisAddr:      getEnv("REDIS_ADDR", ""),
		RedisPassword:  getEnv("REDIS_PASSWORD", ""),
		SearchCacheTTL: getEnvDuration("SEARCH_CACHE_TTL", time.Hour),

		CloudDSN:     getEnv("CLOUD_DSN", ""),
		CloudRetries: getEnvInt("CLOUD_RETRIES", 5),
		JWTSecret:    getEnv("JWT_SECRET", ""),

		ReadTimeout:   getEnvDuration("READ_TIMEOUT", 3*time.Second),
		BatchSize:     getEnvInt("BATCH_SIZE", 10),
		BatchInterval: getEnvDuration("BATCH_INTERVAL", 100*time.Millisecond),
		HTTPTimeout:   getEnvDuration("HTTP_TIMEOUT", 30*time.Second),

		GeoClue:   getEnvBool("GEOCLUE", true),
		DesktopID: getEnv("DESKTOP_ID", "io.github.rubiojr.quietspace.desktop"),

		DataDir:   getEnv("DATA_DIR", ""),
		ConfigDir: getEnv("CONFIG_DIR", ""),
		CacheDir:  getEnv("CACHE_DIR", ""),
	}
}

func getEnv(key, fallback string) string {
	if val := strings.TrimSpace(os.Getenv(prefix + key)); val != "" {
		return val
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if val := getEnv(key, ""); val != "" {
		n, err := strconv.Atoi(val)
		if err == nil {
			return n
		}
		logger.Warn("config: %s%s=%q is not an integer, using %d", prefix, key, val, fallback)
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if val := getEnv(key, ""); val != "" {
		f, err := strconv.ParseFloat(val, 64)
		if err == nil {
			return f
		}
		logger.Warn("config: %s%s=%q is not a number, using %g", prefix, key, val, fallback)
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if val := getEnv(key, ""); val != "" {
		b, err := strconv.ParseBool(val)
		if err == nil {
			return b
		}
		logger.Warn("config: %s%s=%q is not a boolean, using %t", prefix, key, val, fallback)
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if val := getEnv(key, ""); val != "" {
		d, err := time.ParseDuration(val)
		if err == nil {
			return d
		}
		logger.Warn("config: %s%s=%q is not a duration, using %s", prefix, key, val, fallback)
	}
	return fallback
}
