package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequired(t *testing.T) {
	t.Helper()
	for k, v := range map[string]string{
		"APP_ENV":                "test",
		"APP_PORT":               "8080",
		"DB_USER":                "app",
		"DB_HOST":                "localhost",
		"DB_PORT":                "3306",
		"DB_NAME":                "debtflow",
		"JWT_SECRET":             "secret",
		"ACCESS_TOKEN_TTL_MIN":   "15",
		"REFRESH_TOKEN_TTL_DAYS": "30",
		"BCRYPT_COST":            "4",
	} {
		t.Setenv(k, v)
	}
}

func TestLoad_Defaults(t *testing.T) {
	setRequired(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, 15, cfg.AccessTTLMin)
	assert.Equal(t, 1500*time.Millisecond, cfg.Reconcile.CompanyRetryDelay)
	assert.Equal(t, 3, cfg.Reconcile.CompanyRetryAttempts)
	assert.Equal(t, 500*time.Millisecond, cfg.Reconcile.SettleDelay)
	assert.Equal(t, 5*time.Minute, cfg.Reconcile.PendingTTL)
	assert.Equal(t, 5*time.Second, cfg.RepositoryTimeout)
	assert.Equal(t, []string{"openid", "email", "profile"}, cfg.OAuth.Scopes)
}

func TestLoad_Overrides(t *testing.T) {
	setRequired(t)
	t.Setenv("COMPANY_RETRY_DELAY", "250ms")
	t.Setenv("COMPANY_RETRY_ATTEMPTS", "5")
	t.Setenv("REPOSITORY_TIMEOUT", "2s")
	t.Setenv("RABBITMQ_URL", "amqp://u:p@mq:5672/")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 250*time.Millisecond, cfg.Reconcile.CompanyRetryDelay)
	assert.Equal(t, 5, cfg.Reconcile.CompanyRetryAttempts)
	assert.Equal(t, 2*time.Second, cfg.RepositoryTimeout)
	assert.Equal(t, "amqp://u:p@mq:5672/", cfg.AMQPURL)
}

func TestLoad_MissingRequired(t *testing.T) {
	setRequired(t)
	t.Setenv("JWT_SECRET", "")
	t.Setenv("BCRYPT_COST", "cheap")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "JWT_SECRET")
	assert.Contains(t, err.Error(), `BCRYPT_COST="cheap"`)
}

func TestValidate_RejectsZeroAttempts(t *testing.T) {
	setRequired(t)
	t.Setenv("COMPANY_RETRY_ATTEMPTS", "0")

	_, err := Load()
	assert.ErrorContains(t, err, "COMPANY_RETRY_ATTEMPTS")
}

func TestLoadRateLimitConfig_Clamps(t *testing.T) {
	t.Setenv("RATE_LIMIT_CAPACITY", "0")
	t.Setenv("RATE_LIMIT_REFILL_INTERVAL", "2s")
	t.Setenv("RATE_LIMIT_TTL", "1s")

	cfg := LoadRateLimitConfig()
	assert.Equal(t, 1, cfg.Capacity)
	assert.Equal(t, 10*time.Second, cfg.TTL)
}
