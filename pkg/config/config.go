package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Config is the top-level tagscan configuration.
type Config struct {
	DataDir  string         `yaml:"data_dir"`
	TimeZone string         `yaml:"time_zone"` // "Local", "UTC" or an IANA zone name
	Rotation RotationConfig `yaml:"rotation"`
	Reader   ReaderConfig   `yaml:"reader"`
	Sources  SourcesConfig  `yaml:"sources"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Control  ControlConfig  `yaml:"control"`
	Ledger   LedgerConfig   `yaml:"ledger"`
	Log      LogConfig      `yaml:"log"`
}

// RotationConfig controls when the active data file is moved to the
// transfer directory. Zero or negative values rotate after every record.
type RotationConfig struct {
	MaxTagsPerFile int           `yaml:"max_tags_per_file"`
	MaxTimePerFile time.Duration `yaml:"max_time_per_file"`
}

// ReaderConfig is passed through to the reader layer. None of it is used by
// the writer.
type ReaderConfig struct {
	Host     string        `yaml:"host"`
	Antennas []int         `yaml:"antennas"`
	Session  int           `yaml:"session"`  // Gen2 session S0..S3
	Duration time.Duration `yaml:"duration"` // 0 runs until signalled
}

// SourcesConfig selects which read sources feed the queue.
type SourcesConfig struct {
	TCP      TCPSourceConfig      `yaml:"tcp"`
	Simulate SimulateSourceConfig `yaml:"simulate"`
}

// TCPSourceConfig configures the line-protocol listener.
type TCPSourceConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// SimulateSourceConfig configures the synthetic reader.
type SimulateSourceConfig struct {
	Enabled bool    `yaml:"enabled"`
	Rate    float64 `yaml:"rate"` // reads per second
	Tags    int     `yaml:"tags"` // distinct EPCs in the simulated population
}

// MetricsConfig configures the Prometheus metrics and health endpoint.
type MetricsConfig struct {
	Enabled *bool  `yaml:"enabled"` // pointer to distinguish unset from false; default true
	Addr    string `yaml:"addr"`    // listen address; default ":9090"
}

// MetricsEnabled returns whether the metrics server should run.
func (m MetricsConfig) MetricsEnabled() bool {
	if m.Enabled == nil {
		return true // default: enabled
	}
	return *m.Enabled
}

// ControlConfig configures the control API server.
type ControlConfig struct {
	Enabled  bool   `yaml:"enabled"`
	RESTAddr string `yaml:"rest_addr"`
}

// LedgerConfig configures the transfer ledger.
type LedgerConfig struct {
	Enabled    bool          `yaml:"enabled"`
	Path       string        `yaml:"path"`        // default <data_dir>/.ledger
	GCSchedule string        `yaml:"gc_schedule"` // cron spec, default "@every 1h"
	Retention  time.Duration `yaml:"retention"`   // 0 keeps entries forever
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// Default returns the built-in configuration. Values loaded from a file are
// layered on top of it.
func Default() Config {
	return Config{
		DataDir:  "data",
		TimeZone: "Local",
		Rotation: RotationConfig{
			MaxTagsPerFile: 5000,
			MaxTimePerFile: 900000 * time.Millisecond,
		},
		Reader: ReaderConfig{
			Host:     "localhost",
			Antennas: []int{1},
			Session:  0,
		},
		Sources: SourcesConfig{
			TCP:      TCPSourceConfig{Addr: ":4000"},
			Simulate: SimulateSourceConfig{Rate: 100, Tags: 50},
		},
		Metrics: MetricsConfig{Addr: ":9090"},
		Control: ControlConfig{Enabled: true, RESTAddr: ":8080"},
		Ledger: LedgerConfig{
			Enabled:    true,
			GCSchedule: "@every 1h",
			Retention:  30 * 24 * time.Hour,
		},
		Log: LogConfig{Level: "info", Format: "text"},
	}
}

// Location resolves TimeZone.
func (c *Config) Location() (*time.Location, error) {
	switch c.TimeZone {
	case "", "Local":
		return time.Local, nil
	case "UTC":
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(c.TimeZone)
	if err != nil {
		return nil, fmt.Errorf("config: invalid time_zone %q: %w", c.TimeZone, err)
	}
	return loc, nil
}

// SlogLevel maps Log.Level to a slog level.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.Log.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Validate checks the configuration for logical errors.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.DataDir) == "" {
		return fmt.Errorf("config: data_dir cannot be empty")
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	for _, a := range c.Reader.Antennas {
		if a <= 0 {
			return fmt.Errorf("config: reader.antennas must be positive, got %d", a)
		}
	}
	if c.Reader.Session < 0 || c.Reader.Session > 3 {
		return fmt.Errorf("config: reader.session must be 0..3, got %d", c.Reader.Session)
	}
	if c.Reader.Duration < 0 {
		return fmt.Errorf("config: reader.duration cannot be negative")
	}
	if c.Sources.Simulate.Enabled {
		if c.Sources.Simulate.Rate <= 0 {
			return fmt.Errorf("config: sources.simulate.rate must be positive, got %v", c.Sources.Simulate.Rate)
		}
		if c.Sources.Simulate.Tags <= 0 {
			return fmt.Errorf("config: sources.simulate.tags must be positive, got %d", c.Sources.Simulate.Tags)
		}
		if len(c.Reader.Antennas) == 0 {
			return fmt.Errorf("config: sources.simulate requires at least one reader antenna")
		}
	}
	if c.Sources.TCP.Enabled && c.Sources.TCP.Addr == "" {
		return fmt.Errorf("config: sources.tcp.addr is required when the tcp source is enabled")
	}
	if c.Ledger.Retention < 0 {
		return fmt.Errorf("config: ledger.retention cannot be negative")
	}
	if c.Ledger.GCSchedule != "" {
		if _, err := cron.ParseStandard(c.Ledger.GCSchedule); err != nil {
			return fmt.Errorf("config: invalid ledger.gc_schedule %q: %w", c.Ledger.GCSchedule, err)
		}
	}
	switch strings.ToLower(c.Log.Level) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("config: unknown log.level %q", c.Log.Level)
	}
	switch c.Log.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("config: unknown log.format %q", c.Log.Format)
	}
	return nil
}
