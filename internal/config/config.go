// Package config loads petrel configuration from a TOML file in the
// XDG config directory.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config holds all petrel configuration.
type Config struct {
	LogLevel string          `toml:"log_level"`
	Sync     SyncConfig      `toml:"sync"`
	Cache    CacheConfig     `toml:"cache"`
	Accounts []AccountConfig `toml:"accounts"`
}

// SyncConfig tunes the synchronization coordinator.
type SyncConfig struct {
	// Interval is the periodic re-sync cadence while idle.
	Interval string `toml:"interval"`

	// Workers bounds per-account job concurrency.
	Workers int `toml:"workers"`

	BackoffMin string `toml:"backoff_min"`
	BackoffMax string `toml:"backoff_max"`
	Retries    int    `toml:"retries"`

	// ReconnectInterval is how long an offline account waits before
	// trying again.
	ReconnectInterval string `toml:"reconnect_interval"`
}

// CacheConfig locates the local envelope cache.
type CacheConfig struct {
	// Path of the SQLite database. Empty uses the XDG data directory.
	Path string `toml:"path"`

	// BodyCacheSize bounds the in-memory LRU of fetched bodies.
	BodyCacheSize int `toml:"body_cache_size"`
}

// AccountConfig declares one account. Backend selects the variant;
// each variant reads its own subset of the connection fields.
type AccountConfig struct {
	Name    string `toml:"name"`
	Backend string `toml:"backend"` // imap, maildir, notmuch, jmap

	// IMAP.
	Host     string `toml:"host"`
	Port     int    `toml:"port"`
	Username string `toml:"username"`
	// Password may be left empty to read it from the OS keyring.
	Password string `toml:"password"`
	TLS      bool   `toml:"tls"`

	// Maildir.
	Root string `toml:"root"`

	// Notmuch.
	Command    string `toml:"command"`
	ConfigPath string `toml:"config_path"`

	// JMAP.
	Endpoint string `toml:"endpoint"`
	Token    string `toml:"token"`
}

func defaults() Config {
	return Config{
		LogLevel: "info",
		Sync: SyncConfig{
			Interval:          "5m",
			Workers:           4,
			BackoffMin:        "1s",
			BackoffMax:        "2m",
			Retries:           5,
			ReconnectInterval: "1m",
		},
		Cache: CacheConfig{
			BodyCacheSize: 128,
		},
	}
}

// Load reads config from path. If path is empty or the file does not
// exist, defaults are returned.
func Load(path string) (*Config, error) {
	cfg := defaults()
	if path == "" {
		return &cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	seen := make(map[string]bool)
	for i, a := range c.Accounts {
		if a.Name == "" {
			return fmt.Errorf("account %d has no name", i)
		}
		if seen[a.Name] {
			return fmt.Errorf("duplicate account name %q", a.Name)
		}
		seen[a.Name] = true

		switch a.Backend {
		case "imap":
			if a.Host == "" {
				return fmt.Errorf("account %q: imap backend needs a host", a.Name)
			}
		case "maildir":
			if a.Root == "" {
				return fmt.Errorf("account %q: maildir backend needs a root", a.Name)
			}
		case "notmuch":
			// The notmuch defaults are usable as-is.
		case "jmap":
			if a.Endpoint == "" {
				return fmt.Errorf("account %q: jmap backend needs an endpoint", a.Name)
			}
		default:
			return fmt.Errorf("account %q: unknown backend %q", a.Name, a.Backend)
		}
	}
	return nil
}

// Duration parses one of the duration-valued settings, falling back
// when the value is empty or malformed.
func Duration(value string, fallback time.Duration) time.Duration {
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// CachePath resolves the cache database location.
func (c *Config) CachePath() string {
	if c.Cache.Path != "" {
		return c.Cache.Path
	}
	return filepath.Join(DataDir(), "cache.db")
}

// ConfigDir returns the petrel config directory path.
func ConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "petrel")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "petrel")
}

// DataDir returns the petrel data directory path.
func DataDir() string {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "petrel")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".local", "share", "petrel")
}
