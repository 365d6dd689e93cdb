// ABOUTME: Configuration loading and parsing for fleet-hub
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete fleet-hub configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Auth     AuthConfig     `yaml:"auth"`
	Agents   AgentsConfig   `yaml:"agents"`
	Alerts   AlertsConfig   `yaml:"alerts"`
	Insights InsightsConfig `yaml:"insights"`
	Logging  LoggingConfig  `yaml:"logging"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// AuthConfig holds the shared agent token configuration.
// Agents present this token in their register frame; there is no further
// authentication layer.
type AuthConfig struct {
	AgentToken string `yaml:"agent_token"`
}

// AgentsConfig holds session timing configuration
type AgentsConfig struct {
	ScanInterval       time.Duration `yaml:"-"`
	HeartbeatTimeout   time.Duration `yaml:"-"`
	CommandTimeout     time.Duration `yaml:"-"`
	CheckpointInterval time.Duration `yaml:"-"`
	ProcessCheckpoint  time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	ScanIntervalRaw       string `yaml:"scan_interval"`
	HeartbeatTimeoutRaw   string `yaml:"heartbeat_timeout"`
	CommandTimeoutRaw     string `yaml:"command_timeout"`
	CheckpointIntervalRaw string `yaml:"checkpoint_interval"`
	ProcessCheckpointRaw  string `yaml:"process_checkpoint_interval"`
}

// AlertsConfig holds resource thresholds and the outbound mail settings
type AlertsConfig struct {
	Enabled      bool    `yaml:"enabled"`
	CPUPercent   float64 `yaml:"cpu_percent"`
	MemPercent   float64 `yaml:"memory_percent"`
	DiskPercent  float64 `yaml:"disk_percent"`
	SMTPAddr     string  `yaml:"smtp_addr"`
	SMTPUsername string  `yaml:"smtp_username"`
	SMTPPassword string  `yaml:"smtp_password"`
	From         string  `yaml:"from"`
}

// InsightsConfig holds the text-completion backend settings
type InsightsConfig struct {
	Enabled bool   `yaml:"enabled"`
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
	Model   string `yaml:"model"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Defaults applied when the corresponding config values are absent.
const (
	DefaultScanInterval       = 5 * time.Second
	DefaultHeartbeatTimeout   = 10 * time.Second
	DefaultCommandTimeout     = 30 * time.Second
	DefaultCheckpointInterval = 2 * time.Hour
	DefaultProcessCheckpoint  = 2 * time.Minute
)

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	// Parse duration fields
	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	// Match ${VAR_NAME} pattern
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		// Extract variable name from ${VAR_NAME}
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// applyDefaults fills in defaults for unset timing and threshold values.
func (c *Config) applyDefaults() {
	if c.Agents.ScanInterval == 0 {
		c.Agents.ScanInterval = DefaultScanInterval
	}
	if c.Agents.HeartbeatTimeout == 0 {
		c.Agents.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
	if c.Agents.CommandTimeout == 0 {
		c.Agents.CommandTimeout = DefaultCommandTimeout
	}
	if c.Agents.CheckpointInterval == 0 {
		c.Agents.CheckpointInterval = DefaultCheckpointInterval
	}
	if c.Agents.ProcessCheckpoint == 0 {
		c.Agents.ProcessCheckpoint = DefaultProcessCheckpoint
	}
	if c.Alerts.CPUPercent == 0 {
		c.Alerts.CPUPercent = 90
	}
	if c.Alerts.MemPercent == 0 {
		c.Alerts.MemPercent = 90
	}
	if c.Alerts.DiskPercent == 0 {
		c.Alerts.DiskPercent = 85
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	if c.Auth.AgentToken == "" {
		return fmt.Errorf("auth.agent_token is required")
	}

	// A timeout below twice the scan interval produces false offline
	// transitions from scheduling jitter.
	if c.Agents.HeartbeatTimeout < 2*c.Agents.ScanInterval {
		return fmt.Errorf("agents.heartbeat_timeout (%s) must be at least twice agents.scan_interval (%s)",
			c.Agents.HeartbeatTimeout, c.Agents.ScanInterval)
	}

	if c.Alerts.Enabled {
		if c.Alerts.SMTPAddr == "" {
			return fmt.Errorf("alerts.smtp_addr is required when alerts are enabled")
		}
		if c.Alerts.From == "" {
			return fmt.Errorf("alerts.from is required when alerts are enabled")
		}
	}

	if c.Insights.Enabled && c.Insights.APIKey == "" {
		return fmt.Errorf("insights.api_key is required when insights are enabled")
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		raw  string
		dst  *time.Duration
		name string
	}{
		{cfg.Agents.ScanIntervalRaw, &cfg.Agents.ScanInterval, "scan_interval"},
		{cfg.Agents.HeartbeatTimeoutRaw, &cfg.Agents.HeartbeatTimeout, "heartbeat_timeout"},
		{cfg.Agents.CommandTimeoutRaw, &cfg.Agents.CommandTimeout, "command_timeout"},
		{cfg.Agents.CheckpointIntervalRaw, &cfg.Agents.CheckpointInterval, "checkpoint_interval"},
		{cfg.Agents.ProcessCheckpointRaw, &cfg.Agents.ProcessCheckpoint, "process_checkpoint_interval"},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}

	return nil
}
