// ABOUTME: Tests for configuration loading and parsing
// ABOUTME: Covers YAML and TOML loading, defaults, env var expansion, and validation

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoad_YAML(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
server:
  grpc_addr: "0.0.0.0:50061"
  http_addr: "0.0.0.0:8061"

database:
  path: "./test.db"
  transition_retention: "24h"

engine:
  self_app_id: "com.example.applock"
  credential_method: "password"
  settlement_delay: "750ms"
  exit_delay: "2s"
  idle_timeout: "1m"
  prompt_timeout: "90s"

noise:
  extra_ids:
    - "org.custom.home"
  extra_keywords: ["dock"]

logging:
  level: "debug"
  format: "json"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:50061", cfg.Server.GRPCAddr)
	assert.Equal(t, "./test.db", cfg.Database.Path)
	assert.Equal(t, 24*time.Hour, cfg.Database.TransitionRetention)
	assert.Equal(t, "com.example.applock", cfg.Engine.SelfAppID)
	assert.Equal(t, "password", cfg.Engine.CredentialMethod)
	assert.Equal(t, 750*time.Millisecond, cfg.Engine.SettlementDelay)
	assert.Equal(t, 2*time.Second, cfg.Engine.ExitDelay)
	assert.Equal(t, time.Minute, cfg.Engine.IdleTimeout)
	assert.Equal(t, 90*time.Second, cfg.Engine.PromptTimeout)
	assert.Equal(t, []string{"org.custom.home"}, cfg.Noise.ExtraIDs)
	assert.Equal(t, []string{"dock"}, cfg.Noise.ExtraKeywords)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)

	// Untouched values keep their defaults
	assert.Equal(t, 30*time.Second, cfg.Engine.RecentExitTTL)
	assert.Equal(t, 256, cfg.Engine.IngestBuffer)
	assert.True(t, cfg.Metrics.Enabled)
}

func TestLoad_TOML(t *testing.T) {
	path := writeConfig(t, "config.toml", `
[server]
grpc_addr = "127.0.0.1:6000"

[engine]
self_app_id = "com.example.applock"
idle_timeout = "0s"
ingest_buffer = 16

[noise]
extra_prefixes = ["org.oem."]

[metrics]
enabled = false
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:6000", cfg.Server.GRPCAddr)
	assert.Equal(t, "127.0.0.1:8061", cfg.Server.HTTPAddr)
	assert.Equal(t, time.Duration(0), cfg.Engine.IdleTimeout)
	assert.Equal(t, 16, cfg.Engine.IngestBuffer)
	assert.Equal(t, []string{"org.oem."}, cfg.Noise.ExtraPrefixes)
	assert.False(t, cfg.Metrics.Enabled)
}

func TestLoad_EnvExpansion(t *testing.T) {
	t.Setenv("APPLOCKD_TEST_SECRET", "0123456789abcdef0123456789abcdef")
	t.Setenv("APPLOCKD_TEST_DB", "/tmp/applockd-test.db")

	path := writeConfig(t, "config.yaml", `
database:
  path: "${APPLOCKD_TEST_DB}"
auth:
  jwt_secret: "${APPLOCKD_TEST_SECRET}"
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/applockd-test.db", cfg.Database.Path)
	assert.Equal(t, "0123456789abcdef0123456789abcdef", cfg.Auth.JWTSecret)
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
		wantErr string
	}{
		{"bad yaml", "c.yaml", "server: [", "parsing config file"},
		{"bad toml", "c.toml", "[server", "parsing config file"},
		{"bad duration", "c.yaml", "engine:\n  exit_delay: \"soon\"\n", "parsing exit_delay"},
		{"short secret", "c.yaml", "auth:\n  jwt_secret: \"short\"\n", "jwt_secret"},
		{"unknown method", "c.yaml", "engine:\n  credential_method: \"retina\"\n", "credential_method"},
		{"zero settlement", "c.yaml", "engine:\n  settlement_delay: \"0s\"\n", "settlement_delay must be positive"},
		{"negative idle", "c.yaml", "engine:\n  idle_timeout: \"-1s\"\n", "idle_timeout must not be negative"},
		{"empty self", "c.yaml", "engine:\n  self_app_id: \"\"\n", "self_app_id is required"},
		{"bad level", "c.yaml", "logging:\n  level: \"loud\"\n", "logging.level"},
		{"bad metrics path", "c.yaml", "metrics:\n  path: \"metrics\"\n", "metrics.path"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.file, tt.content))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reading config file")
}

func TestDefault_IsValid(t *testing.T) {
	assert.NoError(t, Default().Validate())
}

func TestExpandEnvVars_Unset(t *testing.T) {
	assert.Equal(t, "a--b", expandEnvVars("a-${APPLOCKD_DEFINITELY_UNSET}-b"))
}
