package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Test helper to set env vars and clean up after
func setEnv(t *testing.T, key, value string) {
	t.Helper()
	old := os.Getenv(key)
	os.Setenv(key, value)
	t.Cleanup(func() {
		if old == "" {
			os.Unsetenv(key)
		} else {
			os.Setenv(key, old)
		}
	})
}

const testVaultKey = "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"

func validConfig() Config {
	return Config{
		Env:                    "development",
		JWTSecret:              "test-secret",
		LedgerMode:             LedgerModeSimulated,
		ResaleAdminRateBps:     DefaultResaleAdminRate,
		EvaluationAdminRateBps: DefaultEvaluationRate,
		ReconcileInterval:      time.Minute,
	}
}

func TestLoad_WithValidConfig(t *testing.T) {
	setEnv(t, "ENV", "development")
	setEnv(t, "JWT_SECRET", "local-dev-secret")
	setEnv(t, "VAULT_KEY", testVaultKey)
	setEnv(t, "PORT", "9090")
	setEnv(t, "LEDGER_MODE", "")
	setEnv(t, "RESALE_ADMIN_RATE_BPS", "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, LedgerModeSimulated, cfg.LedgerMode)
	assert.Equal(t, int64(DefaultResaleAdminRate), cfg.ResaleAdminRateBps)
	assert.Equal(t, int64(DefaultEvaluationRate), cfg.EvaluationAdminRateBps)
	assert.Equal(t, DefaultReconcileInterval, cfg.ReconcileInterval)
}

func TestLoad_CustomRates(t *testing.T) {
	setEnv(t, "ENV", "development")
	setEnv(t, "JWT_SECRET", "local-dev-secret")
	setEnv(t, "RESALE_ADMIN_RATE_BPS", "300")
	setEnv(t, "RECONCILE_INTERVAL", "30s")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, int64(300), cfg.ResaleAdminRateBps)
	assert.Equal(t, 30*time.Second, cfg.ReconcileInterval)
}

func TestLoad_MissingJWTSecret(t *testing.T) {
	setEnv(t, "JWT_SECRET", "")

	_, err := Load()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "JWT_SECRET is required")
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{
			name:    "valid development config without vault key",
			mutate:  func(c *Config) {},
			wantErr: "",
		},
		{
			name: "vault key required outside development",
			mutate: func(c *Config) {
				c.Env = "staging"
			},
			wantErr: "VAULT_KEY must be 64 hex characters",
		},
		{
			name: "malformed vault key",
			mutate: func(c *Config) {
				c.VaultKey = "zz"
			},
			wantErr: "VAULT_KEY must be 64 hex characters",
		},
		{
			name: "short secret in production",
			mutate: func(c *Config) {
				c.Env = "production"
				c.VaultKey = testVaultKey
			},
			wantErr: "at least 32 characters",
		},
		{
			name: "simulated ledger in production",
			mutate: func(c *Config) {
				c.Env = "production"
				c.JWTSecret = "0123456789abcdef0123456789abcdef"
				c.VaultKey = testVaultKey
			},
			wantErr: "not allowed in production",
		},
		{
			name: "gateway without url",
			mutate: func(c *Config) {
				c.LedgerMode = LedgerModeGateway
			},
			wantErr: "LEDGER_GATEWAY_URL is required",
		},
		{
			name: "unknown ledger mode",
			mutate: func(c *Config) {
				c.LedgerMode = "mainnet"
			},
			wantErr: "LEDGER_MODE must be",
		},
		{
			name: "rate above 100%",
			mutate: func(c *Config) {
				c.ResaleAdminRateBps = 10001
			},
			wantErr: "RESALE_ADMIN_RATE_BPS",
		},
		{
			name: "negative evaluation rate",
			mutate: func(c *Config) {
				c.EvaluationAdminRateBps = -1
			},
			wantErr: "EVALUATION_ADMIN_RATE_BPS",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestConfig_IsDevelopment(t *testing.T) {
	cfg := &Config{Env: "development"}
	assert.True(t, cfg.IsDevelopment())
	assert.False(t, cfg.IsProduction())

	cfg.Env = "production"
	assert.False(t, cfg.IsDevelopment())
	assert.True(t, cfg.IsProduction())
}

func TestGetEnv(t *testing.T) {
	setEnv(t, "TEST_VAR", "custom_value")

	assert.Equal(t, "custom_value", getEnv("TEST_VAR", "default"))
	assert.Equal(t, "default", getEnv("NONEXISTENT_VAR", "default"))
}

func TestGetEnvInt64(t *testing.T) {
	setEnv(t, "TEST_INT", "42")
	setEnv(t, "TEST_INVALID", "not_a_number")

	assert.Equal(t, int64(42), getEnvInt64("TEST_INT", 0))
	assert.Equal(t, int64(99), getEnvInt64("NONEXISTENT_VAR", 99))
	assert.Equal(t, int64(99), getEnvInt64("TEST_INVALID", 99))
}

func TestGetEnvDuration(t *testing.T) {
	setEnv(t, "TEST_DURATION", "90s")
	setEnv(t, "TEST_BAD_DURATION", "soon")

	assert.Equal(t, 90*time.Second, getEnvDuration("TEST_DURATION", time.Second))
	assert.Equal(t, time.Second, getEnvDuration("TEST_BAD_DURATION", time.Second))
}

func TestGetEnvList(t *testing.T) {
	setEnv(t, "TEST_ORIGINS", " https://a.example , ,https://b.example")

	assert.Equal(t, []string{"https://a.example", "https://b.example"}, getEnvList("TEST_ORIGINS"))
	assert.Empty(t, getEnvList("NONEXISTENT_VAR"))
}
