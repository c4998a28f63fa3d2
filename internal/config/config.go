// Package config validates and loads the sync server's environment
// configuration up front, the way the teacher's internal/v1/config does:
// fail fast with every missing/invalid variable listed at once, rather
// than one panic per misconfigured field.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds validated environment configuration for cmd/server.
type Config struct {
	// Required variables
	JWTSecret string
	Port      string

	// Optional variables with defaults
	GoEnv    string
	LogLevel string

	// Redis / bus (optional — nil bus means single-instance mode)
	RedisEnabled  bool
	RedisAddr     string
	RedisPassword string

	// Auth
	JWKSURL         string
	TokenAudience   string
	SkipAuth        bool
	DevelopmentMode bool
	AllowedOrigins  string

	// Room lifecycle
	RoomEvictionGracePeriod time.Duration

	// Rate limits (Defaults: M = Minute, H = Hour)
	RateLimitWsIP string

	// Tracing
	OTLPEndpoint   string
	TracingEnabled bool
}

// ValidateEnv validates all required environment variables and returns a
// Config object. Returns an aggregated error describing every problem
// found, not just the first.
func ValidateEnv() (*Config, error) {
	cfg := &Config{}
	var errs []string

	cfg.JWTSecret = os.Getenv("JWT_SECRET")
	if cfg.JWTSecret == "" {
		errs = append(errs, "JWT_SECRET is required")
	} else if len(cfg.JWTSecret) < 32 {
		errs = append(errs, fmt.Sprintf("JWT_SECRET must be at least 32 characters (got %d)", len(cfg.JWTSecret)))
	}

	cfg.Port = getEnvOrDefault("PORT", "3913")
	if port, err := strconv.Atoi(cfg.Port); err != nil || port < 1 || port > 65535 {
		errs = append(errs, fmt.Sprintf("PORT must be a valid port number between 1 and 65535 (got '%s')", cfg.Port))
	}

	cfg.RedisEnabled = os.Getenv("REDIS_ENABLED") == "true"
	if cfg.RedisEnabled {
		cfg.RedisAddr = os.Getenv("REDIS_ADDR")
		if cfg.RedisAddr == "" {
			cfg.RedisAddr = "localhost:6379"
			slog.Warn("REDIS_ADDR not set, using default", "addr", cfg.RedisAddr)
		} else if !isValidHostPort(cfg.RedisAddr) {
			errs = append(errs, fmt.Sprintf("REDIS_ADDR must be in format 'host:port' (got '%s')", cfg.RedisAddr))
		}
		cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	}

	cfg.GoEnv = getEnvOrDefault("GO_ENV", "production")
	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", "info")
	cfg.JWKSURL = os.Getenv("JWKS_URL")
	cfg.TokenAudience = os.Getenv("TOKEN_AUDIENCE")
	cfg.SkipAuth = os.Getenv("SKIP_AUTH") == "true"
	cfg.DevelopmentMode = os.Getenv("DEVELOPMENT_MODE") == "true"
	cfg.AllowedOrigins = getEnvOrDefault("ALLOWED_ORIGINS", "http://localhost:3000")

	if !cfg.SkipAuth && (cfg.JWKSURL == "") != (cfg.TokenAudience == "") {
		errs = append(errs, "JWKS_URL and TOKEN_AUDIENCE must be set together")
	}

	gracePeriodStr := getEnvOrDefault("ROOM_EVICTION_GRACE_PERIOD", "5s")
	gracePeriod, err := time.ParseDuration(gracePeriodStr)
	if err != nil {
		errs = append(errs, fmt.Sprintf("ROOM_EVICTION_GRACE_PERIOD must be a valid duration (got '%s')", gracePeriodStr))
	}
	cfg.RoomEvictionGracePeriod = gracePeriod

	cfg.RateLimitWsIP = getEnvOrDefault("RATE_LIMIT_WS_IP", "100-M")

	cfg.OTLPEndpoint = os.Getenv("OTLP_ENDPOINT")
	cfg.TracingEnabled = cfg.OTLPEndpoint != ""

	if len(errs) > 0 {
		return nil, fmt.Errorf("environment validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}

	logValidatedConfig(cfg)
	return cfg, nil
}

func isValidHostPort(addr string) bool {
	parts := strings.Split(addr, ":")
	if len(parts) != 2 {
		return false
	}
	port, err := strconv.Atoi(parts[1])
	if err != nil || port < 1 || port > 65535 {
		return false
	}
	return parts[0] != ""
}

func logValidatedConfig(cfg *Config) {
	slog.Info("environment configuration validated successfully")
	slog.Info("configuration",
		"jwt_secret", redactSecret(cfg.JWTSecret),
		"port", cfg.Port,
		"redis_enabled", cfg.RedisEnabled,
		"redis_addr", cfg.RedisAddr,
		"go_env", cfg.GoEnv,
		"log_level", cfg.LogLevel,
		"room_eviction_grace_period", cfg.RoomEvictionGracePeriod,
		"tracing_enabled", cfg.TracingEnabled,
	)
}

func getEnvOrDefault(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func redactSecret(secret string) string {
	if len(secret) <= 8 {
		return "***"
	}
	return secret[:8] + "***"
}
