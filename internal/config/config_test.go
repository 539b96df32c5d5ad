package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// allConfigKeys lists every CGMLINK_ env var that Load() reads.
var allConfigKeys = []string{
	"CGMLINK_DEXCOM_CLIENT_ID",
	"CGMLINK_DEXCOM_CLIENT_SECRET",
	"CGMLINK_DEXCOM_REDIRECT_URI",
	"CGMLINK_DEXCOM_ENVIRONMENT",
	"CGMLINK_DEXCOM_BASE_URL",
	"CGMLINK_DEXCOM_AUTH_BASE_URL",
	"CGMLINK_SECRET_KEY",
	"CGMLINK_JWT_SECRET",
	"CGMLINK_JWT_ISSUER",
	"CGMLINK_RATE_LIMIT",
	"CGMLINK_RATE_WINDOW",
	"CGMLINK_REFRESH_THRESHOLD",
	"CGMLINK_STATE_TTL",
	"CGMLINK_UPSTREAM_TIMEOUT",
	"CGMLINK_LISTEN_ADDR",
	"CGMLINK_DB_PATH",
	"CGMLINK_METRICS_ENABLED",
}

// isolateConfigEnv saves and unsets all CGMLINK_ env vars so tests don't
// inherit values from the host environment (e.g. a running dev server).
// t.Cleanup restores original values after the test.
func isolateConfigEnv(t *testing.T) {
	t.Helper()
	for _, key := range allConfigKeys {
		if orig, ok := os.LookupEnv(key); ok {
			t.Cleanup(func() { os.Setenv(key, orig) })
		} else {
			t.Cleanup(func() { os.Unsetenv(key) })
		}
		os.Unsetenv(key)
	}
}

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("CGMLINK_DEXCOM_CLIENT_ID", "client-id")
	t.Setenv("CGMLINK_DEXCOM_CLIENT_SECRET", "client-secret")
	t.Setenv("CGMLINK_DEXCOM_REDIRECT_URI", "http://localhost:8080/callback")
	t.Setenv("CGMLINK_SECRET_KEY", "QkJCQkJCQkJCQkJCQkJCQkJCQkJCQkJCQkJCQkJCQkI=")
	t.Setenv("CGMLINK_JWT_SECRET", "0123456789abcdef0123456789abcdef")
}

func TestLoad_Success(t *testing.T) {
	isolateConfigEnv(t)
	setRequired(t)
	t.Setenv("CGMLINK_DEXCOM_ENVIRONMENT", "EU")
	t.Setenv("CGMLINK_RATE_LIMIT", "1000")
	t.Setenv("CGMLINK_RATE_WINDOW", "30m")
	t.Setenv("CGMLINK_REFRESH_THRESHOLD", "10m")
	t.Setenv("CGMLINK_UPSTREAM_TIMEOUT", "5s")
	t.Setenv("CGMLINK_LISTEN_ADDR", "0.0.0.0:9090")
	t.Setenv("CGMLINK_DB_PATH", "/tmp/test.db")
	t.Setenv("CGMLINK_METRICS_ENABLED", "false")

	cfg, err := Load()

	require.NoError(t, err)
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "client-id", cfg.DexcomClientID)
	assert.Equal(t, "eu", cfg.DexcomEnvironment)
	assert.Equal(t, 1000, cfg.RateLimit)
	assert.Equal(t, 30*time.Minute, cfg.RateWindow)
	assert.Equal(t, 10*time.Minute, cfg.RefreshThreshold)
	assert.Equal(t, 5*time.Second, cfg.UpstreamTimeout)
	assert.Equal(t, "0.0.0.0:9090", cfg.ListenAddr)
	assert.Equal(t, "/tmp/test.db", cfg.DBPath)
	assert.False(t, cfg.MetricsEnabled)
}

func TestLoad_Defaults(t *testing.T) {
	isolateConfigEnv(t)

	cfg, err := Load()

	require.NoError(t, err)
	assert.Equal(t, "sandbox", cfg.DexcomEnvironment)
	assert.Equal(t, 60000, cfg.RateLimit)
	assert.Equal(t, time.Hour, cfg.RateWindow)
	assert.Equal(t, 5*time.Minute, cfg.RefreshThreshold)
	assert.Equal(t, 10*time.Minute, cfg.StateTTL)
	assert.Equal(t, 30*time.Second, cfg.UpstreamTimeout)
	assert.Equal(t, "127.0.0.1:8080", cfg.ListenAddr)
	assert.Equal(t, "cgmlink.db", cfg.DBPath)
	assert.Equal(t, "cgmlink", cfg.JWTIssuer)
	assert.True(t, cfg.MetricsEnabled)
}

// TestLoad_MissingCredentials verifies that Load tolerates missing secrets so
// migrate and keygen work without them, while Validate reports each one.
func TestLoad_MissingCredentials(t *testing.T) {
	isolateConfigEnv(t)

	cfg, err := Load()
	require.NoError(t, err)

	err = cfg.Validate()
	require.Error(t, err)
	for _, key := range []string{
		"CGMLINK_DEXCOM_CLIENT_ID",
		"CGMLINK_DEXCOM_CLIENT_SECRET",
		"CGMLINK_DEXCOM_REDIRECT_URI",
		"CGMLINK_SECRET_KEY",
		"CGMLINK_JWT_SECRET",
	} {
		assert.Contains(t, err.Error(), key)
	}
}

func TestLoad_InvalidValues(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value string
	}{
		{name: "unknown environment", key: "CGMLINK_DEXCOM_ENVIRONMENT", value: "mars"},
		{name: "non-numeric rate limit", key: "CGMLINK_RATE_LIMIT", value: "lots"},
		{name: "zero rate limit", key: "CGMLINK_RATE_LIMIT", value: "0"},
		{name: "bad window", key: "CGMLINK_RATE_WINDOW", value: "hourly"},
		{name: "negative window", key: "CGMLINK_RATE_WINDOW", value: "-1h"},
		{name: "negative threshold", key: "CGMLINK_REFRESH_THRESHOLD", value: "-5m"},
		{name: "bad timeout", key: "CGMLINK_UPSTREAM_TIMEOUT", value: "soon"},
		{name: "bad bool", key: "CGMLINK_METRICS_ENABLED", value: "maybe"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			isolateConfigEnv(t)
			t.Setenv(tc.key, tc.value)

			cfg, err := Load()
			assert.Error(t, err)
			assert.Nil(t, cfg)
			assert.Contains(t, err.Error(), tc.key)
		})
	}
}
