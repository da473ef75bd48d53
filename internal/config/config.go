package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

var (
	ErrMissingConfig = errors.New("missing required configuration")
	ErrInvalidConfig = errors.New("invalid configuration value")
)

// SourceConfig holds CalDAV source connection settings.
type SourceConfig struct {
	URL      string `yaml:"url"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`

	// Calendars restricts which source calendars are fetched when a mapping
	// does not name its own. Empty means all calendars on the account.
	Calendars []string `yaml:"calendars"`

	PastDays   int `yaml:"past_days"`
	FutureDays int `yaml:"future_days"`

	// FetchRetries bounds retries for transient fetch errors.
	FetchRetries int `yaml:"fetch_retries"`
}

// TargetConfig holds target calendar settings for the degenerate
// single-pairing configuration.
type TargetConfig struct {
	CalendarName string `yaml:"calendar_name"`
}

// SyncConfig holds the reconciliation policy knobs.
type SyncConfig struct {
	IntervalMinutes int  `yaml:"interval_minutes"`
	ExpandRecurring bool `yaml:"expand_recurring"`

	// SafetyThreshold is the maximum fraction of known entries that may
	// appear deleted before the cycle is treated as a bad read and aborted.
	SafetyThreshold float64 `yaml:"safety_threshold"`

	// DisableSafetyGate turns the mass-deletion check off entirely.
	DisableSafetyGate bool `yaml:"disable_safety_gate"`

	// VerifyThreshold is the minimum live-target coverage below which a
	// cycle result is reported as degraded.
	VerifyThreshold float64 `yaml:"verify_threshold"`

	// OverrideTargetDeletions re-creates events that were deleted directly
	// in the target while still present in the source.
	OverrideTargetDeletions bool `yaml:"override_target_deletions"`

	// MutationsPerSecond throttles calls into the target automation channel.
	MutationsPerSecond float64 `yaml:"mutations_per_second"`
}

// MappingConfig pairs a source calendar selection with a target calendar.
type MappingConfig struct {
	ID              string   `yaml:"id"`
	SourceCalendars []string `yaml:"source_calendars"`
	TargetCalendar  string   `yaml:"target_calendar"`
}

// BackupConfig controls snapshot export.
type BackupConfig struct {
	Dir           string `yaml:"dir"`
	IntervalHours int    `yaml:"interval_hours"`
	Retention     int    `yaml:"retention"`
}

// BasicAuthConfig guards the status API.
type BasicAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// WebConfig holds the supervisory HTTP surface settings.
type WebConfig struct {
	Listen    string           `yaml:"listen"`
	BasicAuth *BasicAuthConfig `yaml:"basic_auth,omitempty"`
}

// NotifyConfig holds webhook alert settings.
type NotifyConfig struct {
	WebhookURL      string `yaml:"webhook_url"`
	CooldownMinutes int    `yaml:"cooldown_minutes"`
}

// Config is the top-level application configuration.
type Config struct {
	StateDir     string `yaml:"state_dir"`
	DatabasePath string `yaml:"database_path"`

	Source   SourceConfig    `yaml:"source"`
	Target   TargetConfig    `yaml:"target"`
	Sync     SyncConfig      `yaml:"sync"`
	Mappings []MappingConfig `yaml:"mappings"`
	Backup   BackupConfig    `yaml:"backup"`
	Web      WebConfig       `yaml:"web"`
	Notify   NotifyConfig    `yaml:"notify"`
}

// Default returns the configuration written on first run.
func Default() *Config {
	return &Config{
		StateDir:     "./data/state",
		DatabasePath: "./data/calmirror.db",
		Source: SourceConfig{
			PastDays:     30,
			FutureDays:   365,
			FetchRetries: 3,
		},
		Target: TargetConfig{CalendarName: "Mirrored"},
		Sync: SyncConfig{
			IntervalMinutes:         30,
			ExpandRecurring:         true,
			SafetyThreshold:         0.5,
			VerifyThreshold:         0.9,
			OverrideTargetDeletions: true,
			MutationsPerSecond:      0.5,
		},
		Backup: BackupConfig{
			Dir:           "./data/backups",
			IntervalHours: 24,
			Retention:     10,
		},
		Web: WebConfig{Listen: "127.0.0.1:8321"},
	}
}

// Load reads configuration from a YAML file, creating a default file on
// first run. A .env file, if present, overlays credentials and paths so
// secrets can stay out of the config file.
func Load(path string) (*Config, error) {
	// .env file is optional.
	_ = godotenv.Load() //nolint:errcheck

	cfg := Default()

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		if werr := writeDefault(path, cfg); werr != nil {
			return nil, werr
		}
		return nil, fmt.Errorf("%w: created %s, fill in source credentials before running", ErrMissingConfig, path)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrInvalidConfig, path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrInvalidConfig, path, err)
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func writeDefault(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to encode default config: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write default config: %w", err)
	}
	return nil
}

// applyEnv overlays environment variables over file-based values.
func applyEnv(cfg *Config) {
	if v := os.Getenv("CALMIRROR_SOURCE_URL"); v != "" {
		cfg.Source.URL = v
	}
	if v := os.Getenv("CALMIRROR_SOURCE_USERNAME"); v != "" {
		cfg.Source.Username = v
	}
	if v := os.Getenv("CALMIRROR_SOURCE_PASSWORD"); v != "" {
		cfg.Source.Password = v
	}
	if v := os.Getenv("CALMIRROR_STATE_DIR"); v != "" {
		cfg.StateDir = v
	}
	if v := os.Getenv("CALMIRROR_DATABASE_PATH"); v != "" {
		cfg.DatabasePath = v
	}
	if v := os.Getenv("CALMIRROR_LISTEN"); v != "" {
		cfg.Web.Listen = v
	}
	if v := os.Getenv("CALMIRROR_WEBHOOK_URL"); v != "" {
		cfg.Notify.WebhookURL = v
	}
	if v := os.Getenv("CALMIRROR_INTERVAL_MINUTES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Sync.IntervalMinutes = n
		}
	}
}

// Validate checks values the rest of the system depends on.
func (c *Config) Validate() error {
	if c.Source.URL == "" {
		return fmt.Errorf("%w: source.url", ErrMissingConfig)
	}
	if c.Source.Username == "" {
		return fmt.Errorf("%w: source.username", ErrMissingConfig)
	}
	if len(c.Mappings) == 0 && c.Target.CalendarName == "" {
		return fmt.Errorf("%w: target.calendar_name or mappings", ErrMissingConfig)
	}
	if c.Sync.IntervalMinutes <= 0 {
		return fmt.Errorf("%w: sync.interval_minutes must be positive", ErrInvalidConfig)
	}
	if c.Sync.SafetyThreshold <= 0 || c.Sync.SafetyThreshold > 1 {
		return fmt.Errorf("%w: sync.safety_threshold must be in (0, 1]", ErrInvalidConfig)
	}
	if c.Sync.VerifyThreshold < 0 || c.Sync.VerifyThreshold > 1 {
		return fmt.Errorf("%w: sync.verify_threshold must be in [0, 1]", ErrInvalidConfig)
	}
	if c.Backup.Retention <= 0 {
		return fmt.Errorf("%w: backup.retention must be positive", ErrInvalidConfig)
	}
	for i, m := range c.Mappings {
		if m.TargetCalendar == "" {
			return fmt.Errorf("%w: mappings[%d].target_calendar", ErrMissingConfig, i)
		}
	}
	return nil
}

// Mapping is one resolved (source selection, target calendar) pairing. The
// list is fixed for the lifetime of a run; nothing below this point branches
// on single-versus-many mode.
type Mapping struct {
	ID              string
	SourceCalendars []string
	TargetCalendar  string
}

// ResolveMappings flattens the configuration into a uniform mapping list. A
// single-pairing configuration resolves to a one-element list.
func (c *Config) ResolveMappings() []Mapping {
	if len(c.Mappings) == 0 {
		return []Mapping{{
			ID:              "default",
			SourceCalendars: c.Source.Calendars,
			TargetCalendar:  c.Target.CalendarName,
		}}
	}

	out := make([]Mapping, 0, len(c.Mappings))
	for i, m := range c.Mappings {
		id := m.ID
		if id == "" {
			id = fmt.Sprintf("mapping-%d", i+1)
		}
		out = append(out, Mapping{
			ID:              id,
			SourceCalendars: m.SourceCalendars,
			TargetCalendar:  m.TargetCalendar,
		})
	}
	return out
}

// SyncInterval returns the cycle interval as a duration.
func (c *Config) SyncInterval() time.Duration {
	return time.Duration(c.Sync.IntervalMinutes) * time.Minute
}

// BackupInterval returns the snapshot interval as a duration.
func (c *Config) BackupInterval() time.Duration {
	return time.Duration(c.Backup.IntervalHours) * time.Hour
}

// NotifyCooldown returns the per-mapping alert cooldown.
func (c *Config) NotifyCooldown() time.Duration {
	if c.Notify.CooldownMinutes <= 0 {
		return 30 * time.Minute
	}
	return time.Duration(c.Notify.CooldownMinutes) * time.Minute
}
