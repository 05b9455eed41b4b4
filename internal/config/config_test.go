package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"logship/internal/config"
)

func validConfig(t *testing.T) config.Config {
	t.Helper()
	base := t.TempDir()
	cfg := config.Default()
	cfg.VehicleID = "veh-test"
	cfg.Paths.StateDir = filepath.Join(base, "state")
	cfg.Paths.LogDir = filepath.Join(base, "logs")
	cfg.Store.Endpoint = "https://storage.example.com"
	cfg.Store.Bucket = "vehicle-logs"
	cfg.Watches = []config.WatchRule{{
		Root:      filepath.Join(base, "watched"),
		Label:     "engine",
		Recursive: true,
	}}
	return cfg
}

func TestValidateAcceptsDefaults(t *testing.T) {
	cfg := validConfig(t)
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestValidateRejections(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*config.Config)
		message string
	}{
		{"missing vehicle", func(c *config.Config) { c.VehicleID = "" }, "vehicle_id"},
		{"vehicle with slash", func(c *config.Config) { c.VehicleID = "a/b" }, "vehicle_id"},
		{"missing bucket", func(c *config.Config) { c.Store.Bucket = "" }, "store.bucket"},
		{"bad endpoint", func(c *config.Config) { c.Store.Endpoint = "storage.example.com" }, "store.endpoint"},
		{"no watches", func(c *config.Config) { c.Watches = nil }, "watch"},
		{"relative root", func(c *config.Config) { c.Watches[0].Root = "relative/path" }, "absolute"},
		{"bad pattern", func(c *config.Config) { c.Watches[0].Pattern = "[" }, "pattern"},
		{"bad mode", func(c *config.Config) { c.Schedule.Mode = "hourly" }, "schedule.mode"},
		{"bad daily time", func(c *config.Config) {
			c.Schedule.Mode = config.ScheduleDaily
			c.Schedule.DailyTime = "25:99"
		}, "daily_time"},
		{"hours equal", func(c *config.Config) {
			c.Schedule.OperationalHours = config.OperationalHours{Enabled: true, Start: "08:00", End: "08:00"}
		}, "must differ"},
		{"zero workers", func(c *config.Config) { c.Upload.Workers = 0 }, "upload.workers"},
		{"warning above critical", func(c *config.Config) {
			c.Deletion.Emergency.Enabled = true
			c.Deletion.Emergency.WarningPercent = 95
		}, "warning_percent"},
		{"bad log level", func(c *config.Config) { c.Logging.Level = "verbose" }, "logging.level"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig(t)
			tc.mutate(&cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tc.message) {
				t.Fatalf("error %q does not mention %q", err, tc.message)
			}
		})
	}
}

func TestLoadParsesFile(t *testing.T) {
	base := t.TempDir()
	watched := filepath.Join(base, "engine")
	configBody := `
vehicle_id = "veh-42"

[paths]
state_dir = "` + filepath.Join(base, "state") + `"
log_dir = "` + filepath.Join(base, "logs") + `"

[store]
endpoint = "https://storage.example.com/"
bucket = "vehicle-logs"

[[watch]]
root = "` + watched + `"
recursive = true
allow_deletion = true

[schedule]
mode = "interval"
interval_minutes = 5

[schedule.operational_hours]
enabled = true
start = "22:00"
end = "06:00"
`
	path := filepath.Join(base, "config.toml")
	if err := os.WriteFile(path, []byte(configBody), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, resolved, exists, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !exists || resolved != path {
		t.Fatalf("expected resolved existing path, got %q exists=%v", resolved, exists)
	}
	if cfg.VehicleID != "veh-42" {
		t.Fatalf("unexpected vehicle id %q", cfg.VehicleID)
	}
	if cfg.Store.Endpoint != "https://storage.example.com" {
		t.Fatalf("endpoint not trimmed: %q", cfg.Store.Endpoint)
	}
	// Label defaults to the root basename.
	if cfg.Watches[0].Label != "engine" {
		t.Fatalf("label not defaulted: %q", cfg.Watches[0].Label)
	}
	if !cfg.Schedule.OperationalHours.Enabled {
		t.Fatal("operational hours should be enabled")
	}
}

func TestLoadEnforcesIntervalFloor(t *testing.T) {
	base := t.TempDir()
	configBody := `
vehicle_id = "veh-1"

[store]
endpoint = "https://s.example.com"
bucket = "b"

[[watch]]
root = "` + filepath.Join(base, "logs") + `"

[schedule]
mode = "interval"
interval_minutes = 0
`
	path := filepath.Join(base, "config.toml")
	if err := os.WriteFile(path, []byte(configBody), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, _, _, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Schedule.IntervalMinutes < config.MinIntervalMinutes {
		t.Fatalf("interval floor not applied: %d", cfg.Schedule.IntervalMinutes)
	}
}

func TestRuleForPath(t *testing.T) {
	cfg := validConfig(t)
	root := cfg.Watches[0].Root
	nested := config.WatchRule{Root: filepath.Join(root, "deep"), Label: "deep"}
	cfg.Watches = append(cfg.Watches, nested)

	rule, ok := cfg.RuleForPath(filepath.Join(root, "deep", "a.log"))
	if !ok || rule.Label != "deep" {
		t.Fatalf("expected most specific rule, got %#v ok=%v", rule, ok)
	}
	rule, ok = cfg.RuleForPath(filepath.Join(root, "a.log"))
	if !ok || rule.Label != "engine" {
		t.Fatalf("expected engine rule, got %#v ok=%v", rule, ok)
	}
	if _, ok := cfg.RuleForPath("/elsewhere/a.log"); ok {
		t.Fatal("unwatched path should not match")
	}
}

func TestParseClockTime(t *testing.T) {
	minutes, err := config.ParseClockTime("14:30")
	if err != nil {
		t.Fatalf("ParseClockTime: %v", err)
	}
	if minutes != 14*60+30 {
		t.Fatalf("unexpected minutes %d", minutes)
	}
	if _, err := config.ParseClockTime("24:00"); err == nil {
		t.Fatal("expected error for 24:00")
	}
}
