package config

import (
	"fmt"
	"path/filepath"
	"strings"
)

func (c *Config) normalize() error {
	if err := c.normalizePaths(); err != nil {
		return err
	}
	if err := c.normalizeWatches(); err != nil {
		return err
	}
	c.normalizeStore()
	c.normalizeSchedule()
	c.normalizeLogging()
	return nil
}

func (c *Config) normalizePaths() error {
	var err error
	if c.Paths.StateDir, err = expandPath(c.Paths.StateDir); err != nil {
		return fmt.Errorf("paths.state_dir: %w", err)
	}
	if c.Paths.LogDir, err = expandPath(c.Paths.LogDir); err != nil {
		return fmt.Errorf("paths.log_dir: %w", err)
	}
	return nil
}

func (c *Config) normalizeWatches() error {
	for i := range c.Watches {
		rule := &c.Watches[i]
		expanded, err := expandPath(rule.Root)
		if err != nil {
			return fmt.Errorf("watch[%d].root: %w", i, err)
		}
		rule.Root = expanded
		rule.Label = strings.TrimSpace(rule.Label)
		if rule.Label == "" {
			rule.Label = filepath.Base(rule.Root)
		}
		rule.Pattern = strings.TrimSpace(rule.Pattern)
	}
	return nil
}

func (c *Config) normalizeStore() {
	c.Store.Bucket = strings.TrimSpace(c.Store.Bucket)
	c.Store.Region = strings.TrimSpace(c.Store.Region)
	c.Store.Endpoint = strings.TrimRight(strings.TrimSpace(c.Store.Endpoint), "/")
	if c.Store.RequestTimeout <= 0 {
		c.Store.RequestTimeout = defaultRequestTimeout
	}
	if c.Store.RequestsPerSecond <= 0 {
		c.Store.RequestsPerSecond = defaultRequestsPerSecond
	}
}

func (c *Config) normalizeSchedule() {
	c.Schedule.Mode = strings.ToLower(strings.TrimSpace(c.Schedule.Mode))
	if c.Schedule.Mode == "" {
		c.Schedule.Mode = defaultScheduleMode
	}
	if c.Schedule.IntervalMinutes < MinIntervalMinutes {
		c.Schedule.IntervalMinutes = MinIntervalMinutes
	}
	c.Schedule.DailyTime = strings.TrimSpace(c.Schedule.DailyTime)
	c.Schedule.OperationalHours.Start = strings.TrimSpace(c.Schedule.OperationalHours.Start)
	c.Schedule.OperationalHours.End = strings.TrimSpace(c.Schedule.OperationalHours.End)
	c.Deletion.AgeBased.ScheduleTime = strings.TrimSpace(c.Deletion.AgeBased.ScheduleTime)
}

func (c *Config) normalizeLogging() {
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	if c.Logging.Format == "" {
		c.Logging.Format = defaultLogFormat
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
}
