// Package config handles configuration loading for arena-bridge.
//
// # Overview
//
// Configuration is loaded from YAML files with environment variable expansion.
// The package provides validation and sensible defaults; the model and session
// tables referenced by the config live in their own JSONC files handled by
// the mapper package.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from ARENA_BRIDGE_CONFIG environment variable
//  2. ./config.yaml (current directory)
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	tailscale:
//	  auth_key: "${TS_AUTHKEY}"
//
// Syntax: ${VAR_NAME}
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	timeouts:
//	  first_fragment: "60s"
//	  stream_idle: "180s"
//
// Supported units: ns, us, ms, s, m, h
//
// # Configuration Sections
//
// Server settings:
//
//	server:
//	  http_addr: ":5102"      # OpenAI-compatible API + tunnel endpoint
//	  api_key: ""             # optional bearer key for /v1 endpoints
//
// Browser tunnel:
//
//	tunnel:
//	  path: "/ws"
//	  allowed_origins: []     # empty allows any origin
//	  channel_buffer: 64
//	  admission_wait: "0s"
//
// Tables:
//
//	tables:
//	  models_file: "models.jsonc"
//	  pools_file: "session_pools.jsonc"
//	  catalog_file: "available_models.json"
//	  fallback_to_default: true
//
// Request shaping:
//
//	chat:
//	  tavern_mode: false
//	  bypass_mode: false
//	  max_image_fanout: 10
//
// Tailscale:
//
//	tailscale:
//	  enabled: false
//	  hostname: "arena-bridge"
//	  auth_key: "${TS_AUTHKEY}"
//	  funnel: false
//
// Logging:
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//
// # Usage
//
// Load configuration:
//
//	cfg, err := config.Load("config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
package config
