package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// ServiceLookup policies for ServiceExists
const (
	// ServiceLookupCached answers from a prior full service enumeration when one exists
	ServiceLookupCached = "cached"
	// ServiceLookupFresh asks the device every time
	ServiceLookupFresh = "fresh"
)

// Config holds application configuration
type Config struct {
	LogLevel           string        `yaml:"log_level" default:"info"`
	DiscoveryWindow    time.Duration `yaml:"discovery_window" default:"10s"`
	ConnectTimeout     time.Duration `yaml:"connect_timeout" default:"30s"`
	RequestTimeout     time.Duration `yaml:"request_timeout" default:"30s"`
	MTU                int           `yaml:"mtu" default:"247"`
	NotificationBuffer int           `yaml:"notification_buffer" default:"128"`
	ServiceLookup      string        `yaml:"service_lookup" default:"cached"`
	AddressType        string        `yaml:"address_type" default:"public"`
	Adapter            string        `yaml:"adapter"`
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	return cfg
}

// Load reads a YAML file over the defaults. Keys missing from the file keep
// their default values.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks value ranges and enumerations
func (c *Config) Validate() error {
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("invalid log_level %q: %w", c.LogLevel, err)
	}
	for name, d := range map[string]time.Duration{
		"discovery_window": c.DiscoveryWindow,
		"connect_timeout":  c.ConnectTimeout,
		"request_timeout":  c.RequestTimeout,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, d)
		}
	}
	if c.MTU < 23 || c.MTU > 517 {
		return fmt.Errorf("mtu must be within [23, 517], got %d", c.MTU)
	}
	if c.NotificationBuffer < 1 {
		return fmt.Errorf("notification_buffer must be at least 1, got %d", c.NotificationBuffer)
	}
	switch strings.ToLower(c.ServiceLookup) {
	case ServiceLookupCached, ServiceLookupFresh:
	default:
		return fmt.Errorf("service_lookup must be %q or %q, got %q", ServiceLookupCached, ServiceLookupFresh, c.ServiceLookup)
	}
	return nil
}

// Level returns the parsed log level, falling back to info
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
