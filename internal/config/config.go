package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the complete agent configuration.
// Loaded once at startup and treated as immutable afterwards.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Credentials CredentialsConfig `mapstructure:"credentials"`
	Tasks       TasksConfig       `mapstructure:"tasks"`
	Telemetry   TelemetryConfig   `mapstructure:"telemetry"`
	Retry       RetryConfig       `mapstructure:"retry"`
	Logging     LoggingConfig     `mapstructure:"logging"`
}

// ServerConfig describes the management backend
type ServerConfig struct {
	URL     string        `mapstructure:"url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// CredentialsConfig describes where the credential bundle is persisted
type CredentialsConfig struct {
	ServiceName string `mapstructure:"service_name"`
	Directory   string `mapstructure:"directory"`
}

// TasksConfig controls the task poll loop and command execution
type TasksConfig struct {
	PollInterval     time.Duration `mapstructure:"poll_interval"`
	CommandTimeout   time.Duration `mapstructure:"command_timeout"`
	ScriptsDirectory string        `mapstructure:"scripts_directory"`
	AllowedCommands  []string      `mapstructure:"allowed_commands"`
}

// TelemetryConfig controls the telemetry report loop
type TelemetryConfig struct {
	Interval    time.Duration `mapstructure:"interval"`
	Source      string        `mapstructure:"source"` // "builtin" or "exporter"
	ExporterURL string        `mapstructure:"exporter_url"`
}

// RetryConfig bounds request retries in the dispatcher
type RetryConfig struct {
	MaxRetries int `mapstructure:"max_retries"`
}

// LoggingConfig configures structured logging with rotation
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
}

// Load reads configuration from the given path (or the platform default
// when path is empty), applies defaults and environment overrides, and
// validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if path == "" {
		path = GetDefaultConfigPath()
	}
	v.SetConfigFile(path)

	// Environment variables override file values: AGENT_SERVER_URL etc.
	v.SetEnvPrefix("AGENT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		// A missing config file is acceptable; defaults plus environment
		// variables may be a complete configuration.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// setDefaults registers default values for all configuration keys
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.timeout", 30*time.Second)

	v.SetDefault("credentials.service_name", "opsdeck-agent")

	v.SetDefault("tasks.poll_interval", 1*time.Minute)
	v.SetDefault("tasks.command_timeout", 30*time.Second)
	v.SetDefault("tasks.allowed_commands", []string{})

	v.SetDefault("telemetry.interval", 5*time.Minute)
	v.SetDefault("telemetry.source", "builtin")

	v.SetDefault("retry.max_retries", 3)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.max_size_mb", 100)
	v.SetDefault("logging.max_backups", 3)

	// Platform-specific defaults (log file, scripts dir, exporter URL,
	// credentials dir)
	UpdateConfigDefaults(v)
}

// validate checks the configuration for correctness
func validate(cfg *Config) error {
	if err := validateServerURL(cfg.Server.URL); err != nil {
		return err
	}

	if err := validateServiceName(cfg.Credentials.ServiceName); err != nil {
		return err
	}

	if cfg.Tasks.PollInterval < 10*time.Second {
		return fmt.Errorf("tasks.poll_interval must be at least 10 seconds, got %v", cfg.Tasks.PollInterval)
	}

	if cfg.Telemetry.Interval < 30*time.Second {
		return fmt.Errorf("telemetry.interval must be at least 30 seconds, got %v", cfg.Telemetry.Interval)
	}

	if cfg.Tasks.PollInterval > cfg.Telemetry.Interval {
		return fmt.Errorf("tasks.poll_interval (%v) must not exceed telemetry.interval (%v)",
			cfg.Tasks.PollInterval, cfg.Telemetry.Interval)
	}

	if cfg.Tasks.CommandTimeout < 5*time.Second {
		return fmt.Errorf("tasks.command_timeout must be at least 5 seconds, got %v", cfg.Tasks.CommandTimeout)
	}
	if cfg.Tasks.CommandTimeout > 5*time.Minute {
		return fmt.Errorf("tasks.command_timeout must not exceed 5 minutes, got %v", cfg.Tasks.CommandTimeout)
	}

	if cfg.Retry.MaxRetries < 0 || cfg.Retry.MaxRetries > 10 {
		return fmt.Errorf("retry.max_retries must be between 0 and 10, got %d", cfg.Retry.MaxRetries)
	}

	switch strings.ToLower(cfg.Telemetry.Source) {
	case "", "builtin":
	case "exporter":
		if cfg.Telemetry.ExporterURL == "" {
			return fmt.Errorf("telemetry.exporter_url is required when telemetry.source is 'exporter'")
		}
	default:
		return fmt.Errorf("invalid telemetry source: %s", cfg.Telemetry.Source)
	}

	if cfg.Logging.Level != "" {
		switch strings.ToLower(cfg.Logging.Level) {
		case "debug", "info", "warn", "error":
		default:
			return fmt.Errorf("invalid log level: %s", cfg.Logging.Level)
		}
	}

	return nil
}

// validateServerURL ensures the backend base URL is a usable http(s) URL
func validateServerURL(raw string) error {
	if raw == "" {
		return fmt.Errorf("server.url is required")
	}

	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("server.url is not a valid URL: %w", err)
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("server.url must use http or https, got %q", u.Scheme)
	}

	if u.Host == "" {
		return fmt.Errorf("server.url must include a host")
	}

	return nil
}

// validateServiceName ensures the credential store key is safe to use as
// a file name on every platform
func validateServiceName(name string) error {
	if name == "" {
		return fmt.Errorf("credentials.service_name is required")
	}

	if len(name) > 64 {
		return fmt.Errorf("credentials.service_name must not exceed 64 characters")
	}

	for _, r := range name {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') ||
			(r >= '0' && r <= '9') || r == '-' || r == '_' {
			continue
		}
		return fmt.Errorf("credentials.service_name must contain only alphanumeric characters, dashes, and underscores")
	}

	return nil
}
