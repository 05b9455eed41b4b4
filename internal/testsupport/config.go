// Package testsupport provides shared factories for package tests.
package testsupport

import (
	"os"
	"path/filepath"
	"testing"

	"logship/internal/config"
)

// ConfigOption allows callers to customize the generated test configuration.
type ConfigOption func(*config.Config)

// NewConfig produces a config seeded with unique temp directories per test.
// It defaults common fields and applies any provided options.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfg := config.Default()
	cfg.VehicleID = "veh-test"
	cfg.Paths.StateDir = filepath.Join(base, "state")
	cfg.Paths.LogDir = filepath.Join(base, "logs")
	cfg.Store.Endpoint = "https://storage.invalid"
	cfg.Store.Bucket = "vehicle-logs"
	cfg.Upload.StableSeconds = 1
	cfg.Watches = []config.WatchRule{{
		Root:          filepath.Join(base, "watched"),
		Label:         "engine",
		Recursive:     true,
		AllowDeletion: true,
	}}

	for _, opt := range opts {
		opt(&cfg)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("ensure directories: %v", err)
	}
	for _, rule := range cfg.Watches {
		if err := os.MkdirAll(rule.Root, 0o755); err != nil {
			t.Fatalf("create watch root %s: %v", rule.Root, err)
		}
	}
	return &cfg
}

// WithWatches replaces the watch rules on the test config.
func WithWatches(rules ...config.WatchRule) ConfigOption {
	return func(c *config.Config) {
		c.Watches = rules
	}
}

// WithDeletion replaces the deletion policy on the test config.
func WithDeletion(policy config.Deletion) ConfigOption {
	return func(c *config.Config) {
		c.Deletion = policy
	}
}

// WatchedDir returns the root of the first watch rule.
func WatchedDir(cfg *config.Config) string {
	return cfg.Watches[0].Root
}
