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

func TestLoad_WithValidConfig(t *testing.T) {
	setEnv(t, "ADMIN_IDS", "admin, ops ")
	setEnv(t, "PORT", "9090")
	setEnv(t, "FEE_BPS", "")
	setEnv(t, "TIMEZONE", "")
	setEnv(t, "LOCK_WAIT", "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, []string{"admin", "ops"}, cfg.AdminIDs)
	assert.Equal(t, int64(DefaultFeeBps), cfg.FeeBps)
	assert.Equal(t, DefaultTimezone, cfg.Timezone)
	assert.Equal(t, DefaultLockWait, cfg.LockWait)
	assert.Equal(t, DefaultSweepInterval, cfg.SweepInterval)
}

func TestLoad_MissingAdminIDs(t *testing.T) {
	setEnv(t, "ADMIN_IDS", "")

	_, err := Load()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "ADMIN_IDS is required")
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr string
	}{
		{
			name: "valid config",
			config: Config{
				AdminIDs: []string{"admin"},
				FeeBps:   250,
				Timezone: "Africa/Lagos",
				LockWait: time.Second,
			},
			wantErr: "",
		},
		{
			name: "missing admin ids",
			config: Config{
				FeeBps:   250,
				Timezone: "UTC",
				LockWait: time.Second,
			},
			wantErr: "ADMIN_IDS is required",
		},
		{
			name: "fee out of range",
			config: Config{
				AdminIDs: []string{"admin"},
				FeeBps:   10001,
				Timezone: "UTC",
				LockWait: time.Second,
			},
			wantErr: "FEE_BPS must be between",
		},
		{
			name: "bad timezone",
			config: Config{
				AdminIDs: []string{"admin"},
				FeeBps:   250,
				Timezone: "Mars/Olympus",
				LockWait: time.Second,
			},
			wantErr: "not a valid IANA zone",
		},
		{
			name: "non-positive lock wait",
			config: Config{
				AdminIDs: []string{"admin"},
				FeeBps:   250,
				Timezone: "UTC",
			},
			wantErr: "LOCK_WAIT must be positive",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestConfig_IsAdmin(t *testing.T) {
	cfg := &Config{AdminIDs: []string{"admin", "ops"}}
	assert.True(t, cfg.IsAdmin("admin"))
	assert.True(t, cfg.IsAdmin("ops"))
	assert.False(t, cfg.IsAdmin("alice"))
	assert.False(t, cfg.IsAdmin(""))
}

func TestConfig_Location(t *testing.T) {
	cfg := &Config{Timezone: "Africa/Lagos"}
	loc := cfg.Location()
	require.NotNil(t, loc)
	assert.Equal(t, "Africa/Lagos", loc.String())

	// Zero-value config falls back to UTC
	assert.Equal(t, time.UTC, (&Config{}).Location())
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
	assert.Equal(t, int64(99), getEnvInt64("TEST_INVALID", 99)) // Falls back on parse error
}

func TestGetEnvDuration(t *testing.T) {
	setEnv(t, "TEST_DUR", "45s")
	setEnv(t, "TEST_NEGATIVE", "-1s")

	assert.Equal(t, 45*time.Second, getEnvDuration("TEST_DUR", time.Second))
	assert.Equal(t, time.Second, getEnvDuration("NONEXISTENT_VAR", time.Second))
	assert.Equal(t, time.Second, getEnvDuration("TEST_NEGATIVE", time.Second))
}

func TestSplitList(t *testing.T) {
	assert.Nil(t, splitList(""))
	assert.Equal(t, []string{"a"}, splitList("a"))
	assert.Equal(t, []string{"a", "b"}, splitList(" a , b ,, "))
}
