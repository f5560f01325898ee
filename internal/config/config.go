// Package config handles application configuration from environment variables
package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "json" or "text"

	// Storage
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)
	RedisURL    string // Optional; enables cross-instance offer locks

	// Security
	JWTSecret    string // HS256 key used to verify bearer tokens
	VaultKey     string // 32-byte hex key sealing escrow account credentials
	RateLimitRPM int
	CORSOrigins  []string // empty or "*" allows any origin

	// Ledger service
	LedgerMode       string // "simulated" or "gateway"
	LedgerGatewayURL string
	LedgerAPIKey     string
	PlatformAccount  string // settlement account receiving platform commission
	PlatformAdminID  string // user whose balance is credited with platform commission

	// Commission rates in basis points (800 = 8%)
	ResaleAdminRateBps     int64
	EvaluationAdminRateBps int64

	// Reconciliation
	ReconcileInterval time.Duration
	StuckAfter        time.Duration

	// Observability
	OTLPEndpoint string
}

const (
	DefaultPort              = "8080"
	DefaultEnv               = "development"
	DefaultLogLevel          = "info"
	DefaultLogFormat         = "json"
	DefaultRateLimit         = 120
	DefaultLedgerMode        = LedgerModeSimulated
	DefaultResaleAdminRate   = 800  // 8%
	DefaultEvaluationRate    = 3000 // 30% admin, 70% store
	DefaultReconcileInterval = 5 * time.Minute
	DefaultStuckAfter        = 15 * time.Minute
)

// Ledger modes
const (
	LedgerModeSimulated = "simulated"
	LedgerModeGateway   = "gateway"
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:                   getEnv("PORT", DefaultPort),
		Env:                    getEnv("ENV", DefaultEnv),
		LogLevel:               getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:              getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:            os.Getenv("DATABASE_URL"),
		RedisURL:               os.Getenv("REDIS_URL"),
		JWTSecret:              os.Getenv("JWT_SECRET"),
		VaultKey:               os.Getenv("VAULT_KEY"),
		RateLimitRPM:           int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimit)),
		CORSOrigins:            getEnvList("CORS_ALLOWED_ORIGINS"),
		LedgerMode:             getEnv("LEDGER_MODE", DefaultLedgerMode),
		LedgerGatewayURL:       os.Getenv("LEDGER_GATEWAY_URL"),
		LedgerAPIKey:           os.Getenv("LEDGER_API_KEY"),
		PlatformAccount:        os.Getenv("PLATFORM_ACCOUNT"),
		PlatformAdminID:        os.Getenv("PLATFORM_ADMIN_ID"),
		ResaleAdminRateBps:     getEnvInt64("RESALE_ADMIN_RATE_BPS", DefaultResaleAdminRate),
		EvaluationAdminRateBps: getEnvInt64("EVALUATION_ADMIN_RATE_BPS", DefaultEvaluationRate),
		ReconcileInterval:      getEnvDuration("RECONCILE_INTERVAL", DefaultReconcileInterval),
		StuckAfter:             getEnvDuration("RECONCILE_STUCK_AFTER", DefaultStuckAfter),
		OTLPEndpoint:           os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	if len(c.JWTSecret) < 32 && c.IsProduction() {
		return fmt.Errorf("JWT_SECRET must be at least 32 characters in production")
	}

	// The vault key may be omitted in development; the server then seals
	// credentials with an ephemeral key.
	if c.VaultKey != "" || !c.IsDevelopment() {
		key, err := hex.DecodeString(c.VaultKey)
		if err != nil || len(key) != 32 {
			return fmt.Errorf("VAULT_KEY must be 64 hex characters")
		}
	}

	switch c.LedgerMode {
	case LedgerModeSimulated:
		if c.IsProduction() {
			return fmt.Errorf("LEDGER_MODE=simulated is not allowed in production")
		}
	case LedgerModeGateway:
		if c.LedgerGatewayURL == "" {
			return fmt.Errorf("LEDGER_GATEWAY_URL is required when LEDGER_MODE=gateway")
		}
	default:
		return fmt.Errorf("LEDGER_MODE must be %q or %q", LedgerModeSimulated, LedgerModeGateway)
	}

	if c.ResaleAdminRateBps < 0 || c.ResaleAdminRateBps > 10000 {
		return fmt.Errorf("RESALE_ADMIN_RATE_BPS must be between 0 and 10000")
	}
	if c.EvaluationAdminRateBps < 0 || c.EvaluationAdminRateBps > 10000 {
		return fmt.Errorf("EVALUATION_ADMIN_RATE_BPS must be between 0 and 10000")
	}

	if c.ReconcileInterval <= 0 {
		return fmt.Errorf("RECONCILE_INTERVAL must be positive")
	}

	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
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

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// getEnvList splits a comma-separated variable, dropping blank entries.
func getEnvList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
