// Package config provides configuration management for PumpWatch.
// This file centralizes all port constants to avoid duplication and ensure consistency.
package config

// API and Web Service Ports
const (
	// APIServerPort is the port for the main REST API server. SSE and
	// WebSocket streams share it.
	APIServerPort = 8080

	// MetricsPort is the port for the Prometheus metrics server.
	MetricsPort = 9100
)

// Infrastructure Service Ports
const (
	// VaultPort is the default port for HashiCorp Vault.
	VaultPort = 8200

	// PostgresPort is the default port for PostgreSQL.
	PostgresPort = 5432

	// RedisPort is the default port for Redis.
	RedisPort = 6379

	// NATSPort is the default port for NATS messaging.
	NATSPort = 4222
)

// Monitoring Service Ports
const (
	// PrometheusPort is the default port for Prometheus.
	PrometheusPort = 9090

	// GrafanaPort is the default port for Grafana.
	GrafanaPort = 3000
)
