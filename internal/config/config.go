package config

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// BasicAuthConfig holds HTTP Basic Auth credentials for the API.
type BasicAuthConfig struct {
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
}

// FriendConfig registers one friend feed for sync and periodic refresh.
type FriendConfig struct {
	// ID is the friend's (owner's) user id.
	ID string `yaml:"id" json:"id"`
	// ViewerID is the local user on whose behalf the feed is read.
	ViewerID string `yaml:"viewer_id" json:"viewer_id"`
	// Name is a human-friendly label.
	Name string `yaml:"name" json:"name"`
	// FeedID / FeedName identify the friend's feed at the calendar source.
	FeedID   string `yaml:"feed_id" json:"feed_id"`
	FeedName string `yaml:"feed_name" json:"feed_name"`
}

// Config is the top-level application configuration.
type Config struct {
	// Listen is the HTTP listen address for the API.
	Listen string `yaml:"listen" json:"listen"`

	// Timezone is the IANA timezone used as the default display zone.
	Timezone string `yaml:"timezone" json:"timezone"`

	// FeedBaseURL is the remote calendar feed endpoint.
	FeedBaseURL string `yaml:"feed_base_url" json:"feed_base_url"`

	// PermissionBaseURL is the friend/permission service endpoint.
	PermissionBaseURL string `yaml:"permission_base_url" json:"permission_base_url"`

	// CredentialFile holds the bearer token presented to the feed.
	CredentialFile string `yaml:"credential_file" json:"credential_file"`

	// CacheTTLMinutes is the freshness window of the in-memory cache.
	CacheTTLMinutes int `yaml:"cache_ttl_minutes" json:"cache_ttl_minutes"`

	// StorePath is the SQLite file backing the durable fallback cache.
	StorePath string `yaml:"store_path" json:"store_path"`

	// RefreshCron is a cron-style schedule string (e.g. "*/15 * * * *")
	// driving periodic background refresh of registered friend feeds.
	RefreshCron string `yaml:"refresh" json:"refresh"`

	// HorizonDays is the window size used by forced refreshes: one day
	// of backfill plus this many future days.
	HorizonDays int `yaml:"horizon_days" json:"horizon_days"`

	// LogLevel controls logging verbosity ("debug", "info", "warn", "error").
	LogLevel string `yaml:"log_level" json:"log_level"`

	// Friends is the list of registered friend feeds.
	Friends []FriendConfig `yaml:"friends" json:"friends"`

	// BasicAuth, if non-nil, enables HTTP Basic Authentication on all
	// endpoints except /health.
	BasicAuth *BasicAuthConfig `yaml:"basic_auth,omitempty" json:"basic_auth,omitempty"`
}

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	return &Config{
		Listen:          "127.0.0.1:8080",
		Timezone:        "UTC",
		CacheTTLMinutes: 15,
		StorePath:       "/var/lib/friendcal/cache.db",
		RefreshCron:     "*/15 * * * *",
		HorizonDays:     30,
		LogLevel:        "info",
		Friends:         []FriendConfig{},
		BasicAuth:       nil,
	}
}

// Normalize fills in missing/zero values with defaults so that
// partially-filled configs still behave correctly.
func (c *Config) Normalize() {
	if c.Listen == "" {
		c.Listen = "127.0.0.1:8080"
	}
	if c.Timezone == "" {
		c.Timezone = "UTC"
	}
	if c.CacheTTLMinutes <= 0 {
		c.CacheTTLMinutes = 15
	}
	if c.StorePath == "" {
		c.StorePath = "/var/lib/friendcal/cache.db"
	}
	if c.RefreshCron == "" {
		c.RefreshCron = "*/15 * * * *"
	}
	if c.HorizonDays <= 0 {
		c.HorizonDays = 30
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Friends == nil {
		c.Friends = []FriendConfig{}
	}
}

// Load loads configuration from the given YAML path.
//
// Behavior:
//   - If the file does not exist:
//   - create parent directory if needed
//   - write a default config with 0600 perms
//   - return the default config
//   - If the file exists:
//   - read YAML and unmarshal into Config
//   - normalize defaults
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			// First run: create default config file.
			cfg := DefaultConfig()
			if err := Save(path, cfg); err != nil {
				// Even if save fails, return cfg with error so caller can decide.
				return cfg, err
			}
			return cfg, nil
		}
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	cfg.Normalize()

	return &cfg, nil
}

// Save writes the given configuration to the specified path.
//
// Implementation details:
//   - Ensures parent directory exists (0700).
//   - Marshals cfg to YAML.
//   - Writes atomically via a temp file + rename.
//   - Ensures final file permissions are 0600.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}

	cfg.Normalize()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	// Atomic write: write to temp file in same directory then rename.
	tmp, err := os.CreateTemp(dir, ".friendcal-config-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	// Ensure we clean up temp file on error.
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}

	// Flush and close before chmod/rename.
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	// Set permissions to 0600 on temp file before rename.
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}

	// Rename over the target path.
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}

	return nil
}
