package main

import (
	"fmt"

	"logship/internal/config"
)

// commandContext carries lazily-loaded configuration across subcommands.
type commandContext struct {
	configFlag *string

	cfg     *config.Config
	cfgPath string
	loaded  bool
}

func newCommandContext(configFlag *string) *commandContext {
	return &commandContext{configFlag: configFlag}
}

// ensureConfig loads and validates the configuration once. Commands that
// need an existing file check cfgExists themselves.
func (c *commandContext) ensureConfig() (*config.Config, error) {
	if c.loaded {
		return c.cfg, nil
	}
	flag := ""
	if c.configFlag != nil {
		flag = *c.configFlag
	}
	cfg, path, _, err := config.Load(flag)
	if err != nil {
		return nil, fmt.Errorf("load configuration: %w", err)
	}
	c.cfg = cfg
	c.cfgPath = path
	c.loaded = true
	return cfg, nil
}
