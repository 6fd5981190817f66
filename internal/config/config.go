package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// CalendarConfig seeds one calendar at startup.
type CalendarConfig struct {
	Name string `yaml:"name" json:"name"`
	// Timezone is an IANA zone id. Empty means the top-level Timezone.
	Timezone string `yaml:"timezone,omitempty" json:"timezone,omitempty"`
	// Active marks the calendar copies read from. At most one may be set.
	Active bool `yaml:"active,omitempty" json:"active,omitempty"`
}

// SubscriptionConfig imports an iCalendar source into a calendar. Exactly
// one of URL and Path is set.
type SubscriptionConfig struct {
	// ID is an internal identifier used for cache file names and logging.
	ID string `yaml:"id" json:"id"`
	// Calendar names the target calendar; it must be declared in Calendars.
	Calendar string `yaml:"calendar" json:"calendar"`
	URL      string `yaml:"url,omitempty" json:"url,omitempty"`
	// Path is a local .ics file, re-imported when it changes on disk.
	Path string `yaml:"path,omitempty" json:"path,omitempty"`
}

// BasicAuthConfig holds HTTP Basic Auth credentials for the API.
type BasicAuthConfig struct {
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
}

// Config is the top-level application configuration.
type Config struct {
	// Listen is the HTTP listen address for the API.
	Listen string `yaml:"listen" json:"listen"`

	// Timezone is the default IANA zone for calendars that do not name one.
	Timezone string `yaml:"timezone" json:"timezone"`

	Calendars []CalendarConfig `yaml:"calendars" json:"calendars"`

	Subscriptions []SubscriptionConfig `yaml:"subscriptions" json:"subscriptions"`

	// RefreshCron is a standard 5-field cron schedule (e.g. "*/15 * * * *")
	// for re-fetching subscriptions.
	RefreshCron string `yaml:"refresh" json:"refresh"`

	// CacheDir stores fetched subscription bodies and their validators.
	CacheDir string `yaml:"cache_dir" json:"cache_dir"`

	// LogLevel is one of debug, info, error.
	LogLevel string `yaml:"log_level" json:"log_level"`

	// BasicAuth, if non-nil, enables HTTP Basic Authentication on all endpoints
	// except /health.
	BasicAuth *BasicAuthConfig `yaml:"basic_auth,omitempty" json:"basic_auth,omitempty"`
}

const (
	defaultListen   = "127.0.0.1:8080"
	defaultTimezone = "UTC"
	defaultRefresh  = "*/15 * * * *"
	defaultCacheDir = "./cache"
	defaultLogLevel = "info"
)

// DefaultConfig returns an in-memory default configuration with a single
// active calendar.
func DefaultConfig() *Config {
	return &Config{
		Listen:        defaultListen,
		Timezone:      defaultTimezone,
		Calendars:     []CalendarConfig{{Name: "default", Active: true}},
		Subscriptions: []SubscriptionConfig{},
		RefreshCron:   defaultRefresh,
		CacheDir:      defaultCacheDir,
		LogLevel:      defaultLogLevel,
		BasicAuth:     nil,
	}
}

// Normalize fills in missing/zero values with sensible defaults so that
// partially-filled configs still behave correctly.
func (c *Config) Normalize() {
	if c.Listen == "" {
		c.Listen = defaultListen
	}
	if c.Timezone == "" {
		c.Timezone = defaultTimezone
	}
	if c.RefreshCron == "" {
		c.RefreshCron = defaultRefresh
	}
	if c.CacheDir == "" {
		c.CacheDir = defaultCacheDir
	}
	c.LogLevel = strings.ToLower(strings.TrimSpace(c.LogLevel))
	if c.LogLevel == "" {
		c.LogLevel = defaultLogLevel
	}
	if c.Calendars == nil {
		c.Calendars = []CalendarConfig{}
	}
	for i := range c.Calendars {
		c.Calendars[i].Name = strings.TrimSpace(c.Calendars[i].Name)
		if c.Calendars[i].Timezone == "" {
			c.Calendars[i].Timezone = c.Timezone
		}
	}
	if c.Subscriptions == nil {
		c.Subscriptions = []SubscriptionConfig{}
	}
	for i := range c.Subscriptions {
		if c.Subscriptions[i].ID == "" {
			c.Subscriptions[i].ID = fmt.Sprintf("sub-%d", i+1)
		}
	}
}

// Validate reports the first inconsistency in a normalized config.
func (c *Config) Validate() error {
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("timezone %q: %w", c.Timezone, err)
	}
	if _, err := cron.ParseStandard(c.RefreshCron); err != nil {
		return fmt.Errorf("refresh %q: %w", c.RefreshCron, err)
	}

	names := make(map[string]struct{}, len(c.Calendars))
	active := 0
	for _, cal := range c.Calendars {
		if cal.Name == "" {
			return errors.New("calendar with empty name")
		}
		if _, dup := names[cal.Name]; dup {
			return fmt.Errorf("calendar %q declared twice", cal.Name)
		}
		names[cal.Name] = struct{}{}
		if _, err := time.LoadLocation(cal.Timezone); err != nil {
			return fmt.Errorf("calendar %q timezone %q: %w", cal.Name, cal.Timezone, err)
		}
		if cal.Active {
			active++
		}
	}
	if active > 1 {
		return fmt.Errorf("%d calendars marked active, at most one allowed", active)
	}

	ids := make(map[string]struct{}, len(c.Subscriptions))
	for _, sub := range c.Subscriptions {
		if _, dup := ids[sub.ID]; dup {
			return fmt.Errorf("subscription id %q used twice", sub.ID)
		}
		ids[sub.ID] = struct{}{}
		if _, ok := names[sub.Calendar]; !ok {
			return fmt.Errorf("subscription %q targets undeclared calendar %q", sub.ID, sub.Calendar)
		}
		if (sub.URL == "") == (sub.Path == "") {
			return fmt.Errorf("subscription %q needs exactly one of url and path", sub.ID)
		}
	}
	return nil
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
//   - normalize defaults and validate
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			cfg := DefaultConfig()
			cfg.Normalize()
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
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}

	return &cfg, nil
}

// Save writes cfg atomically (temp file + rename) with 0600 permissions,
// creating the parent directory (0700) if needed.
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

	tmp, err := os.CreateTemp(dir, ".tzcal-config-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

func (c *Config) Save(path string) error {
	return Save(path, c)
}

// ActiveCalendar returns the name of the calendar marked active, or "".
func (c *Config) ActiveCalendar() string {
	for _, cal := range c.Calendars {
		if cal.Active {
			return cal.Name
		}
	}
	return ""
}
