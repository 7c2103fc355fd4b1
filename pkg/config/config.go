// Package config holds the gattq configuration: defaults from struct tags, an optional
// YAML file on top, and CLI flags on top of that.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Config holds application configuration
type Config struct {
	LogLevel string `yaml:"log_level" json:"log_level" default:"info"`
	// ConnectTimeout bounds link establishment inside the radio adapter (0 = no bound).
	ConnectTimeout time.Duration `yaml:"connect_timeout" json:"connect_timeout" default:"30s"`
	// BroadcastBuffer is the per-subscriber buffer of the broadcast channels.
	BroadcastBuffer int `yaml:"broadcast_buffer" json:"broadcast_buffer" default:"64"`
	// InitializerScript is a Lua script run after every successful connect.
	InitializerScript string `yaml:"initializer_script" json:"initializer_script"`
	// LogHistory is how many log entries are kept for post-mortem dumps.
	LogHistory   int    `yaml:"log_history" json:"log_history" default:"256"`
	OutputFormat string `yaml:"output_format" json:"output_format" default:"text"` // text, json
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	return cfg
}

// Load reads a YAML file over the defaults. Keys absent from the file keep their default.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks value ranges and the log level name.
func (c *Config) Validate() error {
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("log_level: %w", err)
	}
	if c.ConnectTimeout < 0 {
		return fmt.Errorf("connect_timeout must not be negative: %s", c.ConnectTimeout)
	}
	if c.BroadcastBuffer <= 0 {
		return fmt.Errorf("broadcast_buffer must be > 0: %d", c.BroadcastBuffer)
	}
	if c.LogHistory < 0 {
		return fmt.Errorf("log_history must not be negative: %d", c.LogHistory)
	}
	switch c.OutputFormat {
	case "text", "json":
	default:
		return fmt.Errorf("output_format must be text or json: %q", c.OutputFormat)
	}
	return nil
}

// Level returns the parsed log level, falling back to info for an invalid name.
func (c *Config) Level() logrus.Level {
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return logrus.InfoLevel
	}
	return level
}

// NewLogger creates a configured logger instance
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(c.Level())

	// Use structured logging format
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	return logger
}
