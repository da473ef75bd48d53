package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

const minimalConfig = `
source:
  url: https://caldav.example.com/
  username: alice
  password: secret
target:
  calendar_name: Mirrored
`

func TestLoadMinimal(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Source.URL != "https://caldav.example.com/" {
		t.Errorf("unexpected source url %q", cfg.Source.URL)
	}
	// Defaults survive partial files.
	if cfg.Sync.SafetyThreshold != 0.5 {
		t.Errorf("expected default safety threshold 0.5, got %v", cfg.Sync.SafetyThreshold)
	}
	if !cfg.Sync.ExpandRecurring {
		t.Error("expected recurrence expansion on by default")
	}
	if cfg.Backup.Retention != 10 {
		t.Errorf("expected default retention 10, got %d", cfg.Backup.Retention)
	}
	if cfg.SyncInterval() != 30*time.Minute {
		t.Errorf("expected 30m interval, got %v", cfg.SyncInterval())
	}
}

func TestFirstRunCreatesDefaultFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")

	_, err := Load(path)
	if !errors.Is(err, ErrMissingConfig) {
		t.Fatalf("expected ErrMissingConfig, got %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected default config written: %v", err)
	}
}

func TestValidation(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"missing source url", "source:\n  username: alice\n"},
		{"missing target", "source:\n  url: https://x/\n  username: a\ntarget:\n  calendar_name: \"\"\n"},
		{"bad safety threshold", minimalConfig + "sync:\n  interval_minutes: 30\n  safety_threshold: 1.5\n"},
		{"zero interval", minimalConfig + "sync:\n  interval_minutes: 0\n"},
		{"mapping without target", minimalConfig + "mappings:\n  - id: m1\n"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tc.body))
			if err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestResolveMappingsSinglePairing(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	mappings := cfg.ResolveMappings()
	if len(mappings) != 1 {
		t.Fatalf("expected one mapping, got %d", len(mappings))
	}
	if mappings[0].ID != "default" || mappings[0].TargetCalendar != "Mirrored" {
		t.Errorf("unexpected mapping %+v", mappings[0])
	}
}

func TestResolveMappingsList(t *testing.T) {
	body := minimalConfig + `
mappings:
  - id: work
    source_calendars: [Work]
    target_calendar: Work Mirror
  - source_calendars: [Home]
    target_calendar: Home Mirror
`
	cfg, err := Load(writeConfig(t, body))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	mappings := cfg.ResolveMappings()
	if len(mappings) != 2 {
		t.Fatalf("expected two mappings, got %d", len(mappings))
	}
	if mappings[0].ID != "work" {
		t.Errorf("expected explicit id kept, got %q", mappings[0].ID)
	}
	if mappings[1].ID != "mapping-2" {
		t.Errorf("expected generated id, got %q", mappings[1].ID)
	}
	if mappings[1].TargetCalendar != "Home Mirror" {
		t.Errorf("unexpected target %q", mappings[1].TargetCalendar)
	}
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("CALMIRROR_SOURCE_PASSWORD", "from-env")
	t.Setenv("CALMIRROR_INTERVAL_MINUTES", "5")

	cfg, err := Load(writeConfig(t, minimalConfig))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Source.Password != "from-env" {
		t.Errorf("expected env password override, got %q", cfg.Source.Password)
	}
	if cfg.Sync.IntervalMinutes != 5 {
		t.Errorf("expected env interval override, got %d", cfg.Sync.IntervalMinutes)
	}
}
