package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains directory locations for daemon state.
type Paths struct {
	StateDir string `toml:"state_dir"`
	LogDir   string `toml:"log_dir"`
}

// RemoteStore contains object store coordinates. Credential plumbing lives
// outside the daemon; the endpoint is expected to authorize requests on its
// own terms (gateway, instance role, or anonymous bucket).
type RemoteStore struct {
	Bucket            string  `toml:"bucket"`
	Region            string  `toml:"region"`
	Endpoint          string  `toml:"endpoint"`
	RequestTimeout    int     `toml:"request_timeout"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
}

// WatchRule describes one watched log directory.
type WatchRule struct {
	Root          string `toml:"root"`
	Label         string `toml:"label"`
	Pattern       string `toml:"pattern"`
	Recursive     bool   `toml:"recursive"`
	AllowDeletion bool   `toml:"allow_deletion"`
}

// Upload contains stability, retry, and worker settings for the upload
// pipeline.
type Upload struct {
	StableSeconds int `toml:"stable_seconds"`
	MaxAgeDays    int `toml:"max_age_days"`
	RetentionDays int `toml:"retention_days"`
	Workers       int `toml:"workers"`
	MaxAttempts   int `toml:"max_attempts"`
}

// OperationalHours gates queue draining to a local time-of-day window.
// Start and End are "HH:MM"; Start > End means the window crosses midnight.
type OperationalHours struct {
	Enabled bool   `toml:"enabled"`
	Start   string `toml:"start"`
	End     string `toml:"end"`
}

// Schedule controls when the upload engine drains the queue.
type Schedule struct {
	Mode             string           `toml:"mode"`
	IntervalMinutes  int              `toml:"interval_minutes"`
	DailyTime        string           `toml:"daily_time"`
	UploadOnStart    bool             `toml:"upload_on_start"`
	OperationalHours OperationalHours `toml:"operational_hours"`
}

// AfterUpload defers local deletion for a keep window after confirmed upload.
type AfterUpload struct {
	Enabled  bool `toml:"enabled"`
	KeepDays int  `toml:"keep_days"`
}

// AgeBased sweeps files older than a ceiling once a day, uploaded or not.
type AgeBased struct {
	Enabled      bool   `toml:"enabled"`
	MaxAgeDays   int    `toml:"max_age_days"`
	ScheduleTime string `toml:"schedule_time"`
}

// Emergency deletes the oldest already-uploaded files under disk pressure.
type Emergency struct {
	Enabled              bool    `toml:"enabled"`
	CriticalPercent      float64 `toml:"critical_percent"`
	WarningPercent       float64 `toml:"warning_percent"`
	CheckIntervalMinutes int     `toml:"check_interval_minutes"`
}

// Deletion groups the three independent deletion policies.
type Deletion struct {
	AfterUpload AfterUpload `toml:"after_upload"`
	AgeBased    AgeBased    `toml:"age_based"`
	Emergency   Emergency   `toml:"emergency"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format string `toml:"format"`
	Level  string `toml:"level"`
}

// Config encapsulates all configuration values for logship. It is built
// once at startup and treated as immutable for the process lifetime; a
// reload is a restart of the daemon with the new value.
type Config struct {
	VehicleID string      `toml:"vehicle_id"`
	Paths     Paths       `toml:"paths"`
	Store     RemoteStore `toml:"store"`
	Watches   []WatchRule `toml:"watch"`
	Upload    Upload      `toml:"upload"`
	Schedule  Schedule    `toml:"schedule"`
	Deletion  Deletion    `toml:"deletion"`
	Logging   Logging     `toml:"logging"`
}

// Matches reports whether a file's base name satisfies the rule's glob
// pattern. An empty pattern matches every name.
func (r WatchRule) Matches(name string) bool {
	if r.Pattern == "" {
		return true
	}
	ok, err := filepath.Match(r.Pattern, name)
	return err == nil && ok
}

// Schedule modes.
const (
	ScheduleInterval = "interval"
	ScheduleDaily    = "daily"
)

// DefaultConfigPath returns the absolute path to the default configuration
// file location.
func DefaultConfigPath() (string, error) {
	return expandPath("~/.config/logship/config.toml")
}

// Load locates, parses, and validates a configuration file. The returned
// config has all path fields expanded and normalized.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		_, err = os.Stat(expanded)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := DefaultConfigPath()
	if err != nil {
		return "", false, err
	}

	projectPath, err := filepath.Abs("logship.toml")
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}

	return defaultPath, false, nil
}

// EnsureDirectories creates directories required for daemon operation.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.Paths.StateDir, c.Paths.LogDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	return nil
}

// SampleConfig returns the embedded annotated sample configuration.
func SampleConfig() string {
	return sampleConfig
}

// StableWindow returns the quiet period a file must survive unchanged
// before it is considered stable.
func (c *Config) StableWindow() time.Duration {
	return time.Duration(c.Upload.StableSeconds) * time.Second
}

// BacklogWindow returns how far back the startup scan reaches. Files with
// age exactly equal to the window are still included.
func (c *Config) BacklogWindow() time.Duration {
	return time.Duration(c.Upload.MaxAgeDays) * 24 * time.Hour
}

// RegistryRetention returns how long processed-file records stay valid.
func (c *Config) RegistryRetention() time.Duration {
	return time.Duration(c.Upload.RetentionDays) * 24 * time.Hour
}

// RuleForPath returns the watch rule whose root contains path, preferring
// the most specific (longest) root when rules nest.
func (c *Config) RuleForPath(path string) (WatchRule, bool) {
	var best WatchRule
	found := false
	for _, rule := range c.Watches {
		if !pathWithin(rule.Root, path) {
			continue
		}
		if !found || len(rule.Root) > len(best.Root) {
			best = rule
			found = true
		}
	}
	return best, found
}

func pathWithin(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	cleaned := filepath.Clean(pathValue)
	absolute, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", cleaned, err)
	}
	return absolute, nil
}

// ExpandPath exposes the repository path expansion rules for other packages.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}
