package config

import (
	"os"
	"path/filepath"
)

// xdgDir returns $<env> or falls back to $HOME/<rel>.
func xdgDir(env string, rel ...string) string {
	if d := os.Getenv(env); d != "" {
		return d
	}
	home := os.Getenv("HOME")
	if home == "" {
		// Last resort: current working directory
		cwd, _ := os.Getwd()
		home = cwd
	}
	return filepath.Join(append([]string{home}, rel...)...)
}

// ResolveDirs fills empty DataDir, ConfigDir and CacheDir from the XDG
// base directories and creates them.
func (c *Config) ResolveDirs() error {
	if c.DataDir == "" {
		c.DataDir = filepath.Join(xdgDir("XDG_DATA_HOME", ".local", "share"), AppName)
	}
	if c.ConfigDir == "" {
		c.ConfigDir = filepath.Join(xdgDir("XDG_CONFIG_HOME", ".config"), AppName)
	}
	if c.CacheDir == "" {
		c.CacheDir = filepath.Join(xdgDir("XDG_CACHE_HOME", ".cache"), AppName)
	}
	for _, d := range []string{c.DataDir, c.ConfigDir, c.CacheDir} {
		if err := ensureDir(d); err != nil {
			return err
		}
	}
	return nil
}

// PlacesDB is the local place store.
func (c *Config) PlacesDB() string { return filepath.Join(c.DataDir, "places.sqlite") }

// SearchCacheDB is the SQLite search cache.
func (c *Config) SearchCacheDB() string { return filepath.Join(c.CacheDir, "search.sqlite") }

// EnvFile is the .env read from the config directory.
func EnvFile() string {
	return filepath.Join(xdgDir("XDG_CONFIG_HOME", ".config"), AppName, ".env")
}

// FileExists reports whether the given path exists and is a file (not a directory).
func FileExists(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return !info.IsDir()
}

// ensureDir creates the directory and any necessary parents if it doesn't exist.
func ensureDir(dir string) error {
	return os.MkdirAll(dir, 0o755)
}
