// Package config loads the spine configuration from YAML.
package config

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/toolink/spine/message"
	"github.com/toolink/spine/router"
	"github.com/toolink/spine/spine"
)

// Config is the top-level configuration.
type Config struct {
	Log    LogConfig   `yaml:"log"`
	Inbox  InboxConfig `yaml:"inbox"`
	Routes []Route     `yaml:"routes"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `yaml:"level"`  // trace, debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// InboxConfig holds the default subscriber inbox.
type InboxConfig struct {
	Capacity int    `yaml:"capacity"` // 0 is unbounded
	Policy   string `yaml:"policy"`   // block, drop
}

// Route is a static routing entry installed at startup. Subscribers receive
// envelopes for ID in list order.
type Route struct {
	ID          string   `yaml:"id"`
	Subscribers []string `yaml:"subscribers"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Inbox: InboxConfig{
			Capacity: 0,
			Policy:   spine.PolicyBlock.String(),
		},
	}
}

// Load loads configuration from a YAML file.
// An empty filename or a missing file yields the default configuration.
func Load(filename string) (*Config, error) {
	if filename == "" {
		return Default(), nil
	}

	data, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML over the defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if _, err := zerolog.ParseLevel(strings.ToLower(c.Log.Level)); err != nil || c.Log.Level == "" {
		return fmt.Errorf("log.level %q is not a valid level", c.Log.Level)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format must be text or json, got %q", c.Log.Format)
	}

	if c.Inbox.Capacity < 0 {
		return fmt.Errorf("inbox.capacity cannot be negative")
	}
	if _, err := spine.ParsePolicy(c.Inbox.Policy); err != nil {
		return fmt.Errorf("inbox.policy: %w", err)
	}

	seen := make(map[string]struct{}, len(c.Routes))
	for i, r := range c.Routes {
		if r.ID == "" {
			return fmt.Errorf("routes[%d].id cannot be empty", i)
		}
		if _, dup := seen[r.ID]; dup {
			return fmt.Errorf("routes[%d]: duplicate id %q", i, r.ID)
		}
		seen[r.ID] = struct{}{}
		for j, name := range r.Subscribers {
			if name == "" {
				return fmt.Errorf("routes[%d].subscribers[%d] cannot be empty", i, j)
			}
		}
	}
	return nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(filename, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Apply sets the zerolog global level and replaces the global logger
// writing to w. Text format uses the console writer.
func (l LogConfig) Apply(w io.Writer) error {
	level, err := zerolog.ParseLevel(strings.ToLower(l.Level))
	if err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	zerolog.SetGlobalLevel(level)

	if l.Format == "text" {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	log.Logger = zerolog.New(w).With().Timestamp().Logger()
	return nil
}

// SpineConfig converts the inbox section.
func (i InboxConfig) SpineConfig() (spine.InboxConfig, error) {
	p, err := spine.ParsePolicy(i.Policy)
	if err != nil {
		return spine.InboxConfig{}, err
	}
	return spine.InboxConfig{Capacity: i.Capacity, Policy: p}, nil
}

// SpineOptions returns the options New needs to honor this configuration.
func (c *Config) SpineOptions() ([]spine.Option, error) {
	inbox, err := c.Inbox.SpineConfig()
	if err != nil {
		return nil, err
	}
	return []spine.Option{spine.WithInbox(inbox)}, nil
}

// Table builds the static routing table, or nil when no routes are configured.
func (c *Config) Table() *router.Table {
	if len(c.Routes) == 0 {
		return nil
	}
	b := router.NewBuilder()
	for _, r := range c.Routes {
		b.Route(message.Intern(r.ID), r.Subscribers...)
	}
	return b.Build()
}
