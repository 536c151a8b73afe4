// ABOUTME: Configuration loading and parsing for applockd
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Config represents the complete applockd configuration
type Config struct {
	Server   ServerConfig   `yaml:"server" toml:"server"`
	Database DatabaseConfig `yaml:"database" toml:"database"`
	Auth     AuthConfig     `yaml:"auth" toml:"auth"`
	Engine   EngineConfig   `yaml:"engine" toml:"engine"`
	Noise    NoiseConfig    `yaml:"noise" toml:"noise"`
	Logging  LoggingConfig  `yaml:"logging" toml:"logging"`
	Metrics  MetricsConfig  `yaml:"metrics" toml:"metrics"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	GRPCAddr string `yaml:"grpc_addr" toml:"grpc_addr"`
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path" toml:"path"`

	// TransitionRetention is how long transition log entries are kept.
	// Zero keeps them forever.
	TransitionRetention    time.Duration `yaml:"-" toml:"-"`
	TransitionRetentionRaw string        `yaml:"transition_retention" toml:"transition_retention"`
}

// AuthConfig holds authentication configuration. An empty secret disables
// bearer-token checks on the gRPC and HTTP APIs.
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret" toml:"jwt_secret"`
}

// EngineConfig holds the lock engine's timing and identity settings
type EngineConfig struct {
	// SelfAppID is the locking application's own identifier.
	SelfAppID string `yaml:"self_app_id" toml:"self_app_id"`

	// CredentialMethod is used until one is stored in the database.
	CredentialMethod string `yaml:"credential_method" toml:"credential_method"`

	// IngestBuffer is the focus event queue capacity.
	IngestBuffer int `yaml:"ingest_buffer" toml:"ingest_buffer"`

	SettlementDelay time.Duration `yaml:"-" toml:"-"`
	ExitDelay       time.Duration `yaml:"-" toml:"-"`
	IdleTimeout     time.Duration `yaml:"-" toml:"-"`
	PromptTimeout   time.Duration `yaml:"-" toml:"-"`
	RecentExitTTL   time.Duration `yaml:"-" toml:"-"`
	SettingsTTL     time.Duration `yaml:"-" toml:"-"`

	// Raw string values for unmarshaling
	SettlementDelayRaw string `yaml:"settlement_delay" toml:"settlement_delay"`
	ExitDelayRaw       string `yaml:"exit_delay" toml:"exit_delay"`
	IdleTimeoutRaw     string `yaml:"idle_timeout" toml:"idle_timeout"`
	PromptTimeoutRaw   string `yaml:"prompt_timeout" toml:"prompt_timeout"`
	RecentExitTTLRaw   string `yaml:"recent_exit_ttl" toml:"recent_exit_ttl"`
	SettingsTTLRaw     string `yaml:"settings_ttl" toml:"settings_ttl"`
}

// NoiseConfig extends the built-in noise heuristics
type NoiseConfig struct {
	ExtraIDs      []string `yaml:"extra_ids" toml:"extra_ids"`
	ExtraPrefixes []string `yaml:"extra_prefixes" toml:"extra_prefixes"`
	ExtraKeywords []string `yaml:"extra_keywords" toml:"extra_keywords"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Path    string `yaml:"path" toml:"path"`
}

// Default returns a configuration with every optional field filled in.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			GRPCAddr: "127.0.0.1:50061",
			HTTPAddr: "127.0.0.1:8061",
		},
		Database: DatabaseConfig{
			Path:                "applockd.db",
			TransitionRetention: 7 * 24 * time.Hour,
		},
		Engine: EngineConfig{
			SelfAppID:        "com.applockd.app",
			CredentialMethod: "pin",
			IngestBuffer:     256,
			SettlementDelay:  500 * time.Millisecond,
			ExitDelay:        1500 * time.Millisecond,
			IdleTimeout:      30 * time.Second,
			PromptTimeout:    2 * time.Minute,
			RecentExitTTL:    30 * time.Second,
			SettingsTTL:      5 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
	}
}

// Load reads a configuration file from the given path and returns a parsed
// Config. Files ending in .toml are parsed as TOML, everything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
// Values missing from the file keep their defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw content
	expanded := expandEnvVars(string(data))

	cfg := Default()
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expanded, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else {
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := parseDurations(cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

var validLevels = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}

var validCredentialMethods = map[string]bool{"biometric": true, "pin": true, "pattern": true, "password": true}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.GRPCAddr == "" {
		return fmt.Errorf("server.grpc_addr is required")
	}
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.Auth.JWTSecret != "" && len(c.Auth.JWTSecret) < 32 {
		return fmt.Errorf("auth.jwt_secret must be at least 32 bytes")
	}
	if c.Engine.SelfAppID == "" {
		return fmt.Errorf("engine.self_app_id is required")
	}
	if !validCredentialMethods[c.Engine.CredentialMethod] {
		return fmt.Errorf("engine.credential_method %q is not one of biometric, pin, pattern, password", c.Engine.CredentialMethod)
	}
	if c.Engine.IngestBuffer <= 0 {
		return fmt.Errorf("engine.ingest_buffer must be positive")
	}

	for _, d := range []struct {
		name  string
		value time.Duration
	}{
		{"engine.settlement_delay", c.Engine.SettlementDelay},
		{"engine.exit_delay", c.Engine.ExitDelay},
		{"engine.prompt_timeout", c.Engine.PromptTimeout},
		{"engine.recent_exit_ttl", c.Engine.RecentExitTTL},
		{"engine.settings_ttl", c.Engine.SettingsTTL},
	} {
		if d.value <= 0 {
			return fmt.Errorf("%s must be positive", d.name)
		}
	}
	if c.Engine.IdleTimeout < 0 {
		return fmt.Errorf("engine.idle_timeout must not be negative")
	}
	if c.Database.TransitionRetention < 0 {
		return fmt.Errorf("database.transition_retention must not be negative")
	}

	if !validLevels[strings.ToLower(c.Logging.Level)] {
		return fmt.Errorf("logging.level %q is not one of debug, info, warn, error", c.Logging.Level)
	}
	if f := strings.ToLower(c.Logging.Format); f != "text" && f != "json" {
		return fmt.Errorf("logging.format %q is not one of text, json", c.Logging.Format)
	}
	if c.Metrics.Enabled && !strings.HasPrefix(c.Metrics.Path, "/") {
		return fmt.Errorf("metrics.path must start with /")
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"settlement_delay", cfg.Engine.SettlementDelayRaw, &cfg.Engine.SettlementDelay},
		{"exit_delay", cfg.Engine.ExitDelayRaw, &cfg.Engine.ExitDelay},
		{"idle_timeout", cfg.Engine.IdleTimeoutRaw, &cfg.Engine.IdleTimeout},
		{"prompt_timeout", cfg.Engine.PromptTimeoutRaw, &cfg.Engine.PromptTimeout},
		{"recent_exit_ttl", cfg.Engine.RecentExitTTLRaw, &cfg.Engine.RecentExitTTL},
		{"settings_ttl", cfg.Engine.SettingsTTLRaw, &cfg.Engine.SettingsTTL},
		{"transition_retention", cfg.Database.TransitionRetentionRaw, &cfg.Database.TransitionRetention},
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
