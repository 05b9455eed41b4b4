package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validateVehicle(); err != nil {
		return err
	}
	if err := c.validateStore(); err != nil {
		return err
	}
	if err := c.validateWatches(); err != nil {
		return err
	}
	if err := c.validateUpload(); err != nil {
		return err
	}
	if err := c.validateSchedule(); err != nil {
		return err
	}
	if err := c.validateDeletion(); err != nil {
		return err
	}
	return c.validateLogging()
}

func (c *Config) validateVehicle() error {
	if strings.TrimSpace(c.VehicleID) == "" {
		return errors.New("vehicle_id must be set; it namespaces every remote key")
	}
	if strings.ContainsAny(c.VehicleID, "/\\ ") {
		return fmt.Errorf("vehicle_id %q must not contain path separators or spaces", c.VehicleID)
	}
	return nil
}

func (c *Config) validateStore() error {
	if c.Store.Bucket == "" {
		return errors.New("store.bucket must be set")
	}
	if c.Store.Endpoint == "" {
		return errors.New("store.endpoint must be set")
	}
	if !strings.HasPrefix(c.Store.Endpoint, "http://") && !strings.HasPrefix(c.Store.Endpoint, "https://") {
		return fmt.Errorf("store.endpoint %q must be an http(s) URL", c.Store.Endpoint)
	}
	return nil
}

func (c *Config) validateWatches() error {
	if len(c.Watches) == 0 {
		return errors.New("at least one [[watch]] rule must be configured")
	}
	labels := make(map[string]struct{}, len(c.Watches))
	for i, rule := range c.Watches {
		if rule.Root == "" {
			return fmt.Errorf("watch[%d].root must be set", i)
		}
		if !filepath.IsAbs(rule.Root) {
			return fmt.Errorf("watch[%d].root %q must be absolute", i, rule.Root)
		}
		if strings.ContainsAny(rule.Label, "/\\") {
			return fmt.Errorf("watch[%d].label %q must not contain path separators", i, rule.Label)
		}
		if _, dup := labels[rule.Label]; dup {
			return fmt.Errorf("watch[%d].label %q is used by another rule", i, rule.Label)
		}
		labels[rule.Label] = struct{}{}
		if rule.Pattern != "" {
			if _, err := filepath.Match(rule.Pattern, "probe"); err != nil {
				return fmt.Errorf("watch[%d].pattern %q: %w", i, rule.Pattern, err)
			}
		}
	}
	return nil
}

func (c *Config) validateUpload() error {
	return ensurePositiveMap(map[string]int{
		"upload.stable_seconds": c.Upload.StableSeconds,
		"upload.max_age_days":   c.Upload.MaxAgeDays,
		"upload.retention_days": c.Upload.RetentionDays,
		"upload.workers":        c.Upload.Workers,
		"upload.max_attempts":   c.Upload.MaxAttempts,
	})
}

func (c *Config) validateSchedule() error {
	switch c.Schedule.Mode {
	case ScheduleInterval:
		if c.Schedule.IntervalMinutes < MinIntervalMinutes {
			return fmt.Errorf("schedule.interval_minutes must be at least %d", MinIntervalMinutes)
		}
	case ScheduleDaily:
		if _, err := ParseClockTime(c.Schedule.DailyTime); err != nil {
			return fmt.Errorf("schedule.daily_time: %w", err)
		}
	default:
		return fmt.Errorf("schedule.mode must be %q or %q", ScheduleInterval, ScheduleDaily)
	}

	if c.Schedule.OperationalHours.Enabled {
		if _, err := ParseClockTime(c.Schedule.OperationalHours.Start); err != nil {
			return fmt.Errorf("schedule.operational_hours.start: %w", err)
		}
		if _, err := ParseClockTime(c.Schedule.OperationalHours.End); err != nil {
			return fmt.Errorf("schedule.operational_hours.end: %w", err)
		}
		if c.Schedule.OperationalHours.Start == c.Schedule.OperationalHours.End {
			return errors.New("schedule.operational_hours start and end must differ")
		}
	}
	return nil
}

func (c *Config) validateDeletion() error {
	if c.Deletion.AfterUpload.Enabled && c.Deletion.AfterUpload.KeepDays < 0 {
		return errors.New("deletion.after_upload.keep_days must not be negative")
	}
	if c.Deletion.AgeBased.Enabled {
		if c.Deletion.AgeBased.MaxAgeDays <= 0 {
			return errors.New("deletion.age_based.max_age_days must be positive")
		}
		if _, err := ParseClockTime(c.Deletion.AgeBased.ScheduleTime); err != nil {
			return fmt.Errorf("deletion.age_based.schedule_time: %w", err)
		}
	}
	if c.Deletion.Emergency.Enabled {
		e := c.Deletion.Emergency
		if e.CriticalPercent <= 0 || e.CriticalPercent > 100 {
			return errors.New("deletion.emergency.critical_percent must be in (0, 100]")
		}
		if e.WarningPercent <= 0 || e.WarningPercent >= e.CriticalPercent {
			return errors.New("deletion.emergency.warning_percent must be positive and below critical_percent")
		}
		if e.CheckIntervalMinutes <= 0 {
			return errors.New("deletion.emergency.check_interval_minutes must be positive")
		}
	}
	return nil
}

func (c *Config) validateLogging() error {
	switch c.Logging.Format {
	case "console", "json":
	default:
		return fmt.Errorf("logging.format must be console or json, got %q", c.Logging.Format)
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be debug, info, warn, or error, got %q", c.Logging.Level)
	}
	return nil
}

// ParseClockTime parses an "HH:MM" wall-clock value into minutes from
// midnight.
func ParseClockTime(value string) (int, error) {
	parsed, err := time.Parse("15:04", strings.TrimSpace(value))
	if err != nil {
		return 0, fmt.Errorf("expected HH:MM, got %q", value)
	}
	return parsed.Hour()*60 + parsed.Minute(), nil
}

func ensurePositiveMap(values map[string]int) error {
	for key, value := range values {
		if value <= 0 {
			return fmt.Errorf("%s must be positive", key)
		}
	}
	return nil
}
