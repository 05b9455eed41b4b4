// Package config loads, normalizes, and validates the logship TOML
// configuration. The daemon treats the loaded value as immutable; applying
// new configuration means restarting the daemon with the new value.
package config
