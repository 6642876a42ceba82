// Package config handles configuration loading for coven-messaging.
//
// # Overview
//
// Configuration is loaded from a YAML file (or TOML when the file name ends
// in .toml) with environment variable expansion, defaults and validation.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from COVEN_MESSAGING_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/coven/messaging.yaml
//  3. ~/.config/coven/messaging.yaml
//
// A .env file in the working directory is loaded first, so ${VAR} references
// can be satisfied from it.
//
// # Environment Variable Expansion
//
//	auth:
//	  jwt_secret: "${COVEN_JWT_SECRET}"
//
// Unset variables expand to the empty string.
//
// # Durations and Sizes
//
// Durations use time.ParseDuration syntax ("250ms", "10s", "8760h").
// attachments.max_size accepts human sizes such as "25MB" or "10 MiB".
//
// # Configuration Sections
//
//	server:
//	  http_addr: "0.0.0.0:8080"
//	  grpc_addr: "0.0.0.0:50051"   # gRPC health service, optional
//	  request_timeout: "10s"
//	  shutdown_timeout: "15s"
//
//	database:
//	  path: "/var/lib/coven/messaging.db"
//
//	auth:
//	  jwt_secret: "${COVEN_JWT_SECRET}"   # at least 32 bytes
//	  moderators: ["user-id"]
//
//	presence:
//	  backend: "memory"   # memory, redis
//	  ttl: "8s"
//	  redis: {addr: "localhost:6379", password: "", db: 0}
//
//	attachments:
//	  workers: 4
//	  queue_size: 256
//	  max_scan_attempts: 3
//	  max_ingest_attempts: 3
//	  initial_backoff: "500ms"
//	  max_backoff: "30s"
//	  max_size: "25MB"
//	  cdn_base_url: "https://cdn.example.com"
//	  blocked_mime_types: []
//	  allowed_mime_types: []
//
//	moderation:
//	  auto_flag_threshold: 3   # 0 disables
//
//	retention:
//	  enabled: true
//	  cron: "*/15 * * * *"
//	  grace_multiplier: 2
//	  default_policy: "permanent"
//	  audit_retention: "8760h"   # empty keeps audit entries forever
//
//	export:
//	  enabled: true
//	  dir: "/var/lib/coven/exports"
//	  base_url: "https://exports.example.com"
//	  workers: 1
//
//	notify:
//	  nats_url: "nats://localhost:4222"   # empty disables
//	  subject_prefix: "coven.messaging"
//
//	rate_limit:
//	  requests_per_second: 20
//	  burst: 40
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//
//	metrics:
//	  enabled: true
//	  path: "/metrics"
package config
