// Package config holds the engine's file and environment configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all browserctl configuration.
type Config struct {
	// Browser endpoint and protocol timings
	Browser BrowserConfig `yaml:"browser"`

	// Navigation defaults
	Navigation NavigationConfig `yaml:"navigation"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// BrowserConfig configures the connection to the remote browser.
type BrowserConfig struct {
	// Endpoint is the debugging websocket url, e.g. ws://127.0.0.1:9222.
	Endpoint string `yaml:"endpoint"`

	DialTimeout    string `yaml:"dial_timeout"`
	CommandTimeout string `yaml:"command_timeout"`
}

// NavigationConfig configures how navigations resolve by default.
type NavigationConfig struct {
	// Timeout bounds a navigation wait. "0" disables the limit.
	Timeout string `yaml:"timeout"`

	// WaitUntil lists the lifecycle milestones a navigation waits for.
	WaitUntil []string `yaml:"wait_until"`
}

// LoggingConfig configures logging output.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, console
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Browser: BrowserConfig{
			Endpoint:       "ws://127.0.0.1:9222",
			DialTimeout:    "30s",
			CommandTimeout: "30s",
		},
		Navigation: NavigationConfig{
			Timeout:   "30s",
			WaitUntil: []string{"load"},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Load reads configuration from a YAML file, falling back to defaults if
// the file does not exist.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()

	return cfg, nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if url := os.Getenv("BROWSERCTL_ENDPOINT"); url != "" {
		c.Browser.Endpoint = url
	}
	if lvl := os.Getenv("BROWSERCTL_LOG_LEVEL"); lvl != "" {
		c.Logging.Level = lvl
	}
}

// DialTimeout returns the websocket dial timeout as a duration.
func (c *Config) DialTimeout() time.Duration {
	d, err := time.ParseDuration(c.Browser.DialTimeout)
	if err != nil {
		return 30 * time.Second
	}
	return d
}

// CommandTimeout returns the per-command timeout as a duration.
func (c *Config) CommandTimeout() time.Duration {
	d, err := time.ParseDuration(c.Browser.CommandTimeout)
	if err != nil {
		return 30 * time.Second
	}
	return d
}

// NavigationTimeout returns the navigation wait limit as a duration.
// Zero means no limit.
func (c *Config) NavigationTimeout() time.Duration {
	d, err := time.ParseDuration(c.Navigation.Timeout)
	if err != nil {
		return 30 * time.Second
	}
	return d
}

// Validate checks the configuration for obvious mistakes.
func (c *Config) Validate() error {
	if c.Browser.Endpoint == "" {
		return fmt.Errorf("browser.endpoint is required")
	}
	switch c.Logging.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid logging.level: %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "", "json", "console":
	default:
		return fmt.Errorf("invalid logging.format: %q", c.Logging.Format)
	}
	for _, w := range c.Navigation.WaitUntil {
		switch w {
		case "load", "domcontentloaded", "networkidle", "networkalmostidle":
		default:
			return fmt.Errorf("invalid navigation.wait_until entry: %q", w)
		}
	}
	return nil
}
