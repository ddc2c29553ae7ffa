// Package config handles configuration loading for coven-desk.
//
// # Overview
//
// Configuration is loaded from YAML files with environment variable expansion.
// The package provides validation and sensible defaults.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from COVEN_DESK_CONFIG environment variable
//  2. ./config.yaml (current directory)
//  3. ~/.config/coven-desk/config.yaml
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	database:
//	  path: "${COVEN_DESK_DB}"
//
// Syntax: ${VAR_NAME}
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	channels:
//	  read_timeout: "10s"
//	  configure_timeout: "30s"
//	  consent_timeout: "5m"
//
// Supported units: ns, us, ms, s, m, h
//
// # Configuration Sections
//
// Client identity sent to gateways on connect:
//
//	client:
//	  id: "desk-1"
//	  name: "Ops Desk"
//	  version: "1.2.0"
//
// Persistence paths:
//
//	database:
//	  path: "~/.local/share/coven-desk/desk.db"
//	vault:
//	  path: "~/.local/share/coven-desk/vault.json"
//
// Channel timing and reconnect policy:
//
//	channels:
//	  read_timeout: "10s"
//	  configure_timeout: "30s"
//	  consent_timeout: "5m"
//	  reconnect_delay: "1s"
//	  max_reconnect_delay: "5s"
//	  max_reconnect_attempts: 5
//
// Notifications and logging:
//
//	notify:
//	  desktop: true
//	logging:
//	  level: "info"
//	  format: "text"
package config
