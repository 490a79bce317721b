// Package config handles application configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration.
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Trade engine settings
	AdminIDs   []string // Actor IDs holding admin capability for every trade
	Timezone   string   // Fixed zone for all trade timestamps
	FeeBps     int64    // Escrow fee in basis points (250 = 2.5%)
	LockWait   time.Duration
	ForceReleaseFromVerified bool // Allow admin force-release straight from payment_verified
	SweepInterval            time.Duration

	// Security
	AdminSecret  string // Shared secret for the admin API surface
	RateLimitRPM int

	// Observability
	OTLPEndpoint string
}

// Defaults
const (
	DefaultPort          = "8080"
	DefaultEnv           = "development"
	DefaultLogLevel      = "info"
	DefaultTimezone      = "Africa/Lagos"
	DefaultFeeBps        = 250
	DefaultLockWait      = 2 * time.Second
	DefaultSweepInterval = 30 * time.Second
	DefaultRateLimit     = 60
)

// Load reads configuration from environment variables.
// It loads .env file if present (for local development).
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:                     getEnv("PORT", DefaultPort),
		Env:                      getEnv("ENV", DefaultEnv),
		LogLevel:                 getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:              os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		AdminIDs:                 splitList(os.Getenv("ADMIN_IDS")),
		Timezone:                 getEnv("TIMEZONE", DefaultTimezone),
		FeeBps:                   getEnvInt64("FEE_BPS", DefaultFeeBps),
		LockWait:                 getEnvDuration("LOCK_WAIT", DefaultLockWait),
		ForceReleaseFromVerified: getEnvBool("FORCE_RELEASE_FROM_VERIFIED", false),
		SweepInterval:            getEnvDuration("SWEEP_INTERVAL", DefaultSweepInterval),
		AdminSecret:              os.Getenv("ADMIN_SECRET"),
		RateLimitRPM:             int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimit)),
		OTLPEndpoint:             os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present and sane.
func (c *Config) Validate() error {
	if len(c.AdminIDs) == 0 {
		return fmt.Errorf("ADMIN_IDS is required (comma-separated actor IDs)")
	}
	if c.FeeBps < 0 || c.FeeBps > 10000 {
		return fmt.Errorf("FEE_BPS must be between 0 and 10000, got %d", c.FeeBps)
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("TIMEZONE %q is not a valid IANA zone: %w", c.Timezone, err)
	}
	if c.LockWait <= 0 {
		return fmt.Errorf("LOCK_WAIT must be positive")
	}
	return nil
}

// Location returns the fixed time zone all trade timestamps are recorded in.
// Validate guarantees the zone loads; the fallback is for zero-value configs in tests.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// IsAdmin reports whether the given actor ID is in the configured admin set.
func (c *Config) IsAdmin(actorID string) bool {
	for _, id := range c.AdminIDs {
		if id == actorID {
			return true
		}
	}
	return false
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil && d > 0 {
			return d
		}
	}
	return defaultValue
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	var out []string
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
