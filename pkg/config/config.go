// Package config provides configuration structures and loading logic for the proxy.
package config

import (
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/polisai/polis-anon/pkg/classify"
	"github.com/polisai/polis-anon/pkg/domain"
	"github.com/polisai/polis-anon/pkg/policy"
	"github.com/polisai/polis-anon/pkg/telemetry"
)

// Config holds the global configuration for the proxy.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Policy    PolicyConfig    `yaml:"policy"`
	Trackers  TrackersConfig  `yaml:"trackers"`
	Logging   LoggingConfig   `yaml:"logging"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ServerConfig holds configuration for the proxy and admin listeners.
type ServerConfig struct {
	Listen       string        `yaml:"listen"`
	AdminListen  string        `yaml:"admin_listen"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	DenyStatus   int           `yaml:"deny_status"`
}

// PolicyConfig configures the request policy.
type PolicyConfig struct {
	UserAgent   string     `yaml:"user_agent"`
	DenyTags    []string   `yaml:"deny_tags"`
	HeaderMatch string     `yaml:"header_match"` // "exact" or "fold"
	Rego        RegoConfig `yaml:"rego"`
}

// RegoConfig points at optional Rego modules evaluated after the builtin policy.
type RegoConfig struct {
	Entrypoint string   `yaml:"entrypoint"`
	Modules    []string `yaml:"modules"`
}

// TrackersConfig lists the tracker list files used for classification.
type TrackersConfig struct {
	Lists []TrackerListConfig `yaml:"lists"`
}

// TrackerListConfig describes one tracker list file.
type TrackerListConfig struct {
	Path     string `yaml:"path"`
	Format   string `yaml:"format"`   // "yaml" or "easylist"
	Category string `yaml:"category"` // required for easylist
}

// LoggingConfig holds configuration for logging.
type LoggingConfig struct {
	Level       string `yaml:"level"`
	Format      string `yaml:"format"`
	Diagnostics bool   `yaml:"diagnostics"` // per-request policy diagnostics at debug level
}

// TelemetryConfig holds configuration for OpenTelemetry.
type TelemetryConfig struct {
	ServiceName string            `yaml:"service_name"`
	Endpoint    string            `yaml:"endpoint"`
	Insecure    bool              `yaml:"insecure"`
	Environment string            `yaml:"environment"`
	Headers     map[string]string `yaml:"headers"`
	// Redaction maps span attribute keys to a strategy (keep, drop, mask,
	// hash, replace). Entries merge over the defaults.
	Redaction map[string]string `yaml:"redaction"`
}

// Default returns the configuration used when no file is supplied.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Listen:       ":8080",
			AdminListen:  ":9090",
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
			DenyStatus:   403,
		},
		Policy: PolicyConfig{
			UserAgent:   policy.DefaultUserAgent,
			DenyTags:    policy.DefaultDenyTags(),
			HeaderMatch: string(policy.MatchExact),
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Telemetry: TelemetryConfig{
			ServiceName: "polis-anon",
			Insecure:    true,
			Redaction:   telemetry.DefaultRedaction(),
		},
	}
}

// Load reads configuration from a file, expands environment variables and
// applies overrides. An empty path yields the defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		cfg := Default()
		applyEnvOverrides(cfg)
		return cfg, cfg.Validate()
	}

	//nolint:gosec // Config file path is controlled by admin/operator
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("config file %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML configuration on top of the defaults.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	expanded := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if val := os.Getenv("POLIS_ANON_LISTEN"); val != "" {
		cfg.Server.Listen = val
	}
	if val := os.Getenv("POLIS_ANON_ADMIN_LISTEN"); val != "" {
		cfg.Server.AdminListen = val
	}
	if val := os.Getenv("POLIS_ANON_USER_AGENT"); val != "" {
		cfg.Policy.UserAgent = val
	}
	if val := os.Getenv("POLIS_ANON_LOG_LEVEL"); val != "" {
		cfg.Logging.Level = val
	}
	if val := os.Getenv("POLIS_ANON_OTLP_ENDPOINT"); val != "" {
		cfg.Telemetry.Endpoint = val
	}
}

// Validate performs validation of the entire configuration.
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return invalid("server", err)
	}
	if err := c.Policy.Validate(); err != nil {
		return invalid("policy", err)
	}
	if err := c.Trackers.Validate(); err != nil {
		return invalid("trackers", err)
	}
	if err := c.Logging.Validate(); err != nil {
		return invalid("logging", err)
	}
	if err := c.Telemetry.Validate(); err != nil {
		return invalid("telemetry", err)
	}
	return nil
}

// Validate performs validation of server configuration.
func (c *ServerConfig) Validate() error {
	if _, _, err := net.SplitHostPort(c.Listen); err != nil {
		return fmt.Errorf("listen %q: %w", c.Listen, err)
	}
	if c.AdminListen != "" {
		if _, _, err := net.SplitHostPort(c.AdminListen); err != nil {
			return fmt.Errorf("admin_listen %q: %w", c.AdminListen, err)
		}
		if c.AdminListen == c.Listen {
			return fmt.Errorf("admin_listen must differ from listen")
		}
	}
	if c.ReadTimeout < 0 || c.WriteTimeout < 0 {
		return fmt.Errorf("timeouts must not be negative")
	}
	if c.DenyStatus < 400 || c.DenyStatus > 599 {
		return fmt.Errorf("deny_status %d is not an HTTP error status", c.DenyStatus)
	}
	return nil
}

// Validate performs validation of policy configuration.
func (c *PolicyConfig) Validate() error {
	if strings.TrimSpace(c.UserAgent) == "" {
		return fmt.Errorf("user_agent must not be empty")
	}
	if strings.ContainsAny(c.UserAgent, "\r\n") {
		return fmt.Errorf("user_agent must be a single line")
	}
	if len(c.DenyTags) == 0 {
		return fmt.Errorf("deny_tags must list at least one tag")
	}
	for _, tag := range c.DenyTags {
		if strings.TrimSpace(tag) == "" {
			return fmt.Errorf("deny_tags must not contain empty tags")
		}
	}
	if _, ok := policy.ParseHeaderMatch(c.HeaderMatch); !ok {
		return fmt.Errorf("header_match %q must be exact or fold", c.HeaderMatch)
	}
	return nil
}

// Validate performs validation of tracker list configuration.
func (c *TrackersConfig) Validate() error {
	for i, list := range c.Lists {
		if list.Path == "" {
			return fmt.Errorf("lists[%d]: path is required", i)
		}
		switch strings.ToLower(list.Format) {
		case "", classify.FormatYAML:
		case classify.FormatEasyList:
			if list.Category == "" {
				return fmt.Errorf("lists[%d]: easylist requires a category", i)
			}
		default:
			return fmt.Errorf("lists[%d]: unknown format %q", i, list.Format)
		}
	}
	return nil
}

// Validate performs validation of logging configuration.
func (c *LoggingConfig) Validate() error {
	switch strings.ToLower(c.Level) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("unknown level %q", c.Level)
	}
	switch strings.ToLower(c.Format) {
	case "", "json", "text":
	default:
		return fmt.Errorf("unknown format %q", c.Format)
	}
	return nil
}

// Validate performs validation of telemetry configuration.
func (c *TelemetryConfig) Validate() error {
	for key, strategy := range c.Redaction {
		if !telemetry.ValidRedactionStrategy(strategy) {
			return fmt.Errorf("redaction %q: unknown strategy %q", key, strategy)
		}
	}
	return nil
}

func invalid(section string, err error) error {
	return &domain.DomainError{
		Err:     fmt.Errorf("%w: %s: %w", domain.ErrConfigInvalid, section, err),
		Code:    "CONFIG_INVALID",
		Details: map[string]any{"section": section},
	}
}
