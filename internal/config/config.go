// Package config loads the gateway's configuration from environment
// variables, with sensible fallback defaults for every setting.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds all configuration for the gateway.
type Config struct {
	Port      int
	Version   string
	Database  DatabaseConfig
	Telemetry TelemetryConfig
	Auth      AuthConfig
	Headers   HeaderConfig
	Cache     CacheConfig
	Fanout    FanoutConfig
	Secrets   SecretsConfig
	Dispatch  DispatchConfig
}

// DatabaseConfig configures the Postgres-backed record store. When URL is
// empty the gateway falls back to the in-memory store (tests, local dev).
type DatabaseConfig struct {
	URL            string
	MaxConnections int
}

type TelemetryConfig struct {
	Enabled        bool
	OTLPEndpoint   string
	ServiceName    string
	ServiceVersion string
}

// AuthConfig carries the JWT secrets and validation parameters for the
// dual-mode auth middleware.
type AuthConfig struct {
	JWTSecret           string
	BuildableSecret     string
	EventAccessPassword string
	Audiences           []string
	Issuers             []string
}

// HeaderConfig names the headers the passthrough/test-connection paths read.
type HeaderConfig struct {
	ConnectionHeader    string
	SecretHeader        string
	IdPassthroughHeader string
}

// CacheConfig sizes the bounded connection-resolver LRU cache.
type CacheConfig struct {
	ConnectionCacheSize int
}

// FanoutConfig sizes the bounded event/metric channels.
type FanoutConfig struct {
	EventChannelSize  int
	MetricChannelSize int
}

// DispatchConfig controls the outbound HTTP client and its retry policy.
type DispatchConfig struct {
	Timeout         time.Duration
	RetryMaxElapsed time.Duration
}

// SecretsConfig points at the external secrets service.
type SecretsConfig struct {
	ServiceURL string
}

const defaultAudience = "default"
const fallbackAudience = "fallback"
const defaultIssuer = "default"
const fallbackIssuer = "fallback"

// Load reads configuration from environment variables with sensible defaults.
func Load() *Config {
	return &Config{
		Port:    envInt("GATEWAY_PORT", 8080),
		Version: envStr("GATEWAY_VERSION", "0.1.0"),
		Database: DatabaseConfig{
			URL:            envStr("DATABASE_URL", ""),
			MaxConnections: envInt("DATABASE_MAX_CONNECTIONS", 25),
		},
		Telemetry: TelemetryConfig{
			Enabled:        envBool("OTEL_ENABLED", false),
			OTLPEndpoint:   envStr("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			ServiceName:    envStr("OTEL_SERVICE_NAME", "conduit-gateway"),
			ServiceVersion: envStr("GATEWAY_VERSION", "0.1.0"),
		},
		Auth: AuthConfig{
			JWTSecret:           envStr("JWT_SECRET", ""),
			BuildableSecret:     envStr("BUILDABLE_SECRET", ""),
			EventAccessPassword: envStr("EVENT_ACCESS_PASSWORD", ""),
			Audiences:           []string{defaultAudience, fallbackAudience},
			Issuers:             []string{defaultIssuer, fallbackIssuer},
		},
		Headers: HeaderConfig{
			ConnectionHeader:    envStr("GATEWAY_CONNECTION_HEADER", "x-pica-connection-key"),
			SecretHeader:        envStr("GATEWAY_SECRET_HEADER", "x-pica-secret-key"),
			IdPassthroughHeader: envStr("GATEWAY_ID_PASSTHROUGH_HEADER", "x-pica-id-passthrough"),
		},
		Cache: CacheConfig{
			ConnectionCacheSize: envInt("GATEWAY_CONNECTION_CACHE_SIZE", 2048),
		},
		Fanout: FanoutConfig{
			EventChannelSize:  envInt("GATEWAY_EVENT_CHANNEL_SIZE", 1024),
			MetricChannelSize: envInt("GATEWAY_METRIC_CHANNEL_SIZE", 1024),
		},
		Secrets: SecretsConfig{
			ServiceURL: envStr("SECRETS_SERVICE_URL", ""),
		},
		Dispatch: DispatchConfig{
			Timeout:         time.Duration(envInt("GATEWAY_DISPATCH_TIMEOUT_SECONDS", 30)) * time.Second,
			RetryMaxElapsed: time.Duration(envInt("GATEWAY_DISPATCH_RETRY_MAX_ELAPSED_SECONDS", 10)) * time.Second,
		},
	}
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}
