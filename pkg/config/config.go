// Package config loads the core's runtime configuration from environment
// variables, with optional YAML tenant profiles layered on top.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds server configuration.
type Config struct {
	Port     string
	LogLevel string

	// DatabaseURL selects postgres when set; otherwise the embedded sqlite
	// file at SQLitePath backs the WAL and execution state.
	DatabaseURL string
	SQLitePath  string

	// RedisAddr enables the shared session space and the distributed call
	// budget. Empty means in-process fallbacks.
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	SessionTTL time.Duration

	// AllowSynthesizedContracts lets the boundary evaluator mint
	// least-privilege grants when no authored rule covers a resource class.
	// Off means strict fail-closed.
	AllowSynthesizedContracts bool

	// Artifact blob backend: "memory", "file", "s3" or "gcs".
	ArtifactBackend string
	ArtifactDir     string
	S3Bucket        string
	S3Prefix        string
	GCSBucket       string
	GCSPrefix       string

	// JWTSecret verifies session upgrade tokens (HS256).
	JWTSecret string

	ProfilesDir string

	OTLPEndpoint     string
	TelemetryEnabled bool

	RateLimitRPS   float64
	RateLimitBurst int
}

// Load loads configuration from environment variables.
func Load() *Config {
	cfg := &Config{
		Port:                      envOr("PORT", "8080"),
		LogLevel:                  envOr("LOG_LEVEL", "INFO"),
		DatabaseURL:               os.Getenv("DATABASE_URL"),
		SQLitePath:                envOr("SQLITE_PATH", "meridian.db"),
		RedisAddr:                 os.Getenv("REDIS_ADDR"),
		RedisPassword:             os.Getenv("REDIS_PASSWORD"),
		RedisDB:                   envInt("REDIS_DB", 0),
		SessionTTL:                envDuration("SESSION_TTL", 30*time.Minute),
		AllowSynthesizedContracts: os.Getenv("ALLOW_SYNTHESIZED_CONTRACTS") == "true",
		ArtifactBackend:           envOr("ARTIFACT_BACKEND", "file"),
		ArtifactDir:               envOr("ARTIFACT_DIR", "artifacts"),
		S3Bucket:                  os.Getenv("S3_BUCKET"),
		S3Prefix:                  envOr("S3_PREFIX", "meridian/artifacts"),
		GCSBucket:                 os.Getenv("GCS_BUCKET"),
		GCSPrefix:                 envOr("GCS_PREFIX", "meridian/artifacts"),
		JWTSecret:                 os.Getenv("JWT_SECRET"),
		ProfilesDir:               envOr("PROFILES_DIR", "profiles"),
		OTLPEndpoint:              envOr("OTLP_ENDPOINT", "localhost:4317"),
		TelemetryEnabled:          os.Getenv("TELEMETRY_ENABLED") == "true",
		RateLimitRPS:              envFloat("RATE_LIMIT_RPS", 20),
		RateLimitBurst:            envInt("RATE_LIMIT_BURST", 40),
	}
	return cfg
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
