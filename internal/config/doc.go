// Package config handles configuration loading for applockd.
//
// # Overview
//
// Configuration is loaded from a YAML or TOML file (chosen by extension)
// with environment variable expansion. Values the file leaves out keep the
// defaults from Default().
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from APPLOCKD_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/applockd/config.yaml
//  3. ~/.config/applockd/config.yaml
//
// # Environment Variable Expansion
//
//	auth:
//	  jwt_secret: "${APPLOCKD_JWT_SECRET}"
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	engine:
//	  settlement_delay: "500ms"
//	  exit_delay: "1.5s"
//	  idle_timeout: "30s"
//	  prompt_timeout: "2m"
//
// # Configuration Sections
//
//	server:
//	  grpc_addr: "127.0.0.1:50061"  # focus observer and prompt UI
//	  http_addr: "127.0.0.1:8061"   # health, metrics, status API
//
//	database:
//	  path: "/var/lib/applockd/applockd.db"
//	  transition_retention: "168h"
//
//	engine:
//	  self_app_id: "com.applockd.app"
//	  credential_method: "pin"      # biometric, pin, pattern, password
//	  ingest_buffer: 256
//	  recent_exit_ttl: "30s"
//	  settings_ttl: "5s"
//
//	noise:
//	  extra_ids: ["org.custom.home"]
//	  extra_prefixes: ["org.oem."]
//	  extra_keywords: ["dock"]
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//
//	metrics:
//	  enabled: true
//	  path: "/metrics"
//
// The same keys work in TOML:
//
//	[engine]
//	idle_timeout = "1m"
package config
