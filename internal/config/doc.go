// Package config handles configuration loading for tenantline-gateway.
//
// # Overview
//
// Configuration is loaded from YAML or TOML files with environment variable
// expansion. The package fills defaults and validates the result.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from TENANTLINE_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/tenantline/gateway.yaml
//  3. ~/.config/tenantline/gateway.yaml
//
// A file ending in .toml is decoded as TOML, anything else as YAML. Both
// formats use the same keys.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	auth:
//	  jwt_secret: "${TENANTLINE_JWT_SECRET}"
//
// Syntax: ${VAR_NAME}. A .env file next to the config file is loaded first;
// variables already present in the environment are not overwritten.
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	fanout:
//	  initial_backoff: "250ms"
//	  max_backoff: "10s"
//	api:
//	  idempotency_ttl: "10m"
//
// # Configuration Sections
//
//	server:
//	  http_addr: "localhost:8080"
//
//	tailscale:
//	  enabled: true
//	  hostname: "tenantline"
//	  auth_key: "${TS_AUTHKEY}"
//	  https: true
//
//	database:
//	  driver: "sqlite"          # sqlite, postgres, mongo or memory
//	  path: "~/.local/share/tenantline/gateway.db"
//	  dsn: ""                   # postgres:// or mongodb:// URL
//
//	notify:
//	  driver: "local"           # local, redis or nats
//	  url: ""
//
//	attachments:
//	  dir: "~/.local/share/tenantline/uploads"
//	  max_bytes: 10485760
//	  allowed_types: ["image/*", "application/pdf"]
//
//	messaging:
//	  max_body_bytes: 16384
//	  list_limit: 200
//	  history_limit: 500
//
//	api:
//	  send_rate: 5
//	  send_burst: 10
//
//	logging:
//	  level: "info"             # debug, info, warn, error
//	  format: "text"            # text or json
//
// Postgres and Mongo deployments may run several gateway instances, so they
// require the redis or nats notify driver.
//
// # Usage
//
//	cfg, err := config.Load(config.DefaultPath())
//	if err != nil {
//	    log.Fatal(err)
//	}
package config
