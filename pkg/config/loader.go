package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Load reads and parses a tagscan configuration file.
// Files ending in .properties use the legacy key=value format; anything else
// is parsed as YAML with ${VAR} environment expansion.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config.Load: read %s: %w", path, err)
	}

	cfg := Default()
	if strings.EqualFold(filepath.Ext(path), ".properties") {
		if err := applyProperties(&cfg, string(data)); err != nil {
			return nil, fmt.Errorf("config.Load: parse %s: %w", path, err)
		}
	} else {
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("config.Load: parse %s: %w", path, err)
		}
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}
	return &cfg, nil
}

// LoadOptional behaves like Load, but returns the built-in defaults when path
// does not exist.
func LoadOptional(path string) (*Config, bool, error) {
	cfg, err := Load(path)
	if err == nil {
		return cfg, true, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, false, err
	}
	def := Default()
	def.ApplyDefaults()
	return &def, false, nil
}

// Marshal renders the configuration as YAML.
func (c *Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}

// ApplyDefaults fills values derived from other fields and restores empty
// addresses. Call it again after overriding DataDir.
func (c *Config) ApplyDefaults() {
	if c.DataDir == "" {
		c.DataDir = "data"
	}
	if c.TimeZone == "" {
		c.TimeZone = "Local"
	}
	if c.Sources.TCP.Addr == "" {
		c.Sources.TCP.Addr = ":4000"
	}
	if c.Metrics.Addr == "" {
		c.Metrics.Addr = ":9090"
	}
	if c.Control.RESTAddr == "" {
		c.Control.RESTAddr = ":8080"
	}
	if c.Ledger.Path == "" {
		c.Ledger.Path = filepath.Join(c.DataDir, ".ledger")
	}
	if c.Ledger.GCSchedule == "" {
		c.Ledger.GCSchedule = "@every 1h"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
}
