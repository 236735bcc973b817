// Package config reads the environment-variable driven configuration for
// the replicant server and client processes, following the 12-factor style
// the example corpus's services use.
package config

import "os"

// ServerConfig holds the server process's runtime configuration.
type ServerConfig struct {
	// DatabaseURL is the postgres connection string for the server store.
	DatabaseURL string
	// BindAddress is the host:port the WebSocket/HTTP listener binds to.
	BindAddress string
	// Monitoring enables the human-readable console log encoder.
	Monitoring bool
	// RunIntegrationTests gates integration-only behavior such as the
	// /test/reset endpoint.
	RunIntegrationTests bool
	// ConflictStrategy names the internal/conflict.Strategy the server
	// sync handler applies to a detected concurrent write: "Manual"
	// (default), "LastWriteWins", "FirstWriteWins", or "MergeJson".
	ConflictStrategy string
}

// FromEnv reads ServerConfig from the process environment, applying the
// documented defaults.
func FromEnv() ServerConfig {
	return ServerConfig{
		DatabaseURL:         os.Getenv("DATABASE_URL"),
		BindAddress:         envOr("BIND_ADDRESS", "0.0.0.0:8080"),
		Monitoring:          os.Getenv("MONITORING") == "true",
		RunIntegrationTests: os.Getenv("RUN_INTEGRATION_TESTS") == "1",
		ConflictStrategy:    envOr("CONFLICT_STRATEGY", "Manual"),
	}
}

// ClientConfig holds the replicant client process's runtime configuration:
// where its local SQLite store lives and how it authenticates to a server.
type ClientConfig struct {
	// DBPath is the path to the client's embedded SQLite store.
	DBPath string
	// ServerURL is the ws(s):// endpoint of the sync server.
	ServerURL string
	// Email, APIKey, and APISecret identify this client in the
	// Authenticate handshake.
	Email     string
	APIKey    string
	APISecret string
	// Monitoring enables the human-readable console log encoder.
	Monitoring bool
}

// ClientFromEnv reads ClientConfig from the process environment, applying
// the documented defaults.
func ClientFromEnv() ClientConfig {
	return ClientConfig{
		DBPath:     envOr("REPLICANT_DB_PATH", "replicant.db"),
		ServerURL:  os.Getenv("REPLICANT_SERVER_URL"),
		Email:      os.Getenv("REPLICANT_EMAIL"),
		APIKey:     os.Getenv("REPLICANT_API_KEY"),
		APISecret:  os.Getenv("REPLICANT_API_SECRET"),
		Monitoring: os.Getenv("MONITORING") == "true",
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
