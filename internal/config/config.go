// Package config loads application configuration from environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const envPrefix = "CGMLINK_"

// Environments accepted by CGMLINK_DEXCOM_ENVIRONMENT.
var validEnvironments = []string{"sandbox", "us", "eu", "jp"}

// Config holds the application configuration loaded from environment variables.
type Config struct {
	DexcomClientID     string
	DexcomClientSecret string
	DexcomRedirectURI  string
	DexcomEnvironment  string
	// DexcomBaseURL overrides the environment's API host when set.
	DexcomBaseURL     string
	DexcomAuthBaseURL string

	SecretKey string
	JWTSecret string
	JWTIssuer string

	RateLimit        int
	RateWindow       time.Duration
	RefreshThreshold time.Duration
	StateTTL         time.Duration
	UpstreamTimeout  time.Duration

	ListenAddr     string
	DBPath         string
	MetricsEnabled bool
}

// Load reads configuration from environment variables and returns a Config
// with defaults applied. Malformed values are errors; missing credentials are
// not, since only serve needs them. Call Validate before serving.
//
// Optional variables with defaults: CGMLINK_DEXCOM_ENVIRONMENT (sandbox),
// CGMLINK_RATE_LIMIT (60000), CGMLINK_RATE_WINDOW (1h),
// CGMLINK_REFRESH_THRESHOLD (5m), CGMLINK_STATE_TTL (10m),
// CGMLINK_UPSTREAM_TIMEOUT (30s), CGMLINK_LISTEN_ADDR (127.0.0.1:8080),
// CGMLINK_DB_PATH (cgmlink.db), CGMLINK_METRICS_ENABLED (true),
// CGMLINK_JWT_ISSUER (cgmlink).
func Load() (*Config, error) {
	cfg := &Config{
		DexcomClientID:     os.Getenv(envPrefix + "DEXCOM_CLIENT_ID"),
		DexcomClientSecret: os.Getenv(envPrefix + "DEXCOM_CLIENT_SECRET"),
		DexcomRedirectURI:  os.Getenv(envPrefix + "DEXCOM_REDIRECT_URI"),
		DexcomBaseURL:      os.Getenv(envPrefix + "DEXCOM_BASE_URL"),
		DexcomAuthBaseURL:  os.Getenv(envPrefix + "DEXCOM_AUTH_BASE_URL"),
		SecretKey:          os.Getenv(envPrefix + "SECRET_KEY"),
		JWTSecret:          os.Getenv(envPrefix + "JWT_SECRET"),
		DexcomEnvironment:  stringEnv("DEXCOM_ENVIRONMENT", "sandbox"),
		JWTIssuer:          stringEnv("JWT_ISSUER", "cgmlink"),
		ListenAddr:         stringEnv("LISTEN_ADDR", "127.0.0.1:8080"),
		DBPath:             stringEnv("DB_PATH", "cgmlink.db"),
	}

	cfg.DexcomEnvironment = strings.ToLower(strings.TrimSpace(cfg.DexcomEnvironment))
	if !contains(validEnvironments, cfg.DexcomEnvironment) {
		return nil, fmt.Errorf("%sDEXCOM_ENVIRONMENT must be one of %s, got %q",
			envPrefix, strings.Join(validEnvironments, ", "), cfg.DexcomEnvironment)
	}

	var err error
	if cfg.RateLimit, err = intEnv("RATE_LIMIT", 60000); err != nil {
		return nil, err
	}
	if cfg.RateWindow, err = durationEnv("RATE_WINDOW", time.Hour); err != nil {
		return nil, err
	}
	if cfg.RefreshThreshold, err = durationEnv("REFRESH_THRESHOLD", 5*time.Minute); err != nil {
		return nil, err
	}
	if cfg.StateTTL, err = durationEnv("STATE_TTL", 10*time.Minute); err != nil {
		return nil, err
	}
	if cfg.UpstreamTimeout, err = durationEnv("UPSTREAM_TIMEOUT", 30*time.Second); err != nil {
		return nil, err
	}
	if cfg.MetricsEnabled, err = boolEnv("METRICS_ENABLED", true); err != nil {
		return nil, err
	}

	if cfg.RateLimit <= 0 {
		return nil, fmt.Errorf("%sRATE_LIMIT must be positive, got %d", envPrefix, cfg.RateLimit)
	}
	if cfg.RateWindow <= 0 || cfg.StateTTL <= 0 || cfg.UpstreamTimeout <= 0 {
		return nil, fmt.Errorf("%sRATE_WINDOW, %sSTATE_TTL and %sUPSTREAM_TIMEOUT must be positive",
			envPrefix, envPrefix, envPrefix)
	}
	if cfg.RefreshThreshold < 0 {
		return nil, fmt.Errorf("%sREFRESH_THRESHOLD must not be negative, got %s", envPrefix, cfg.RefreshThreshold)
	}

	return cfg, nil
}

// Validate reports every missing setting the server needs.
func (c *Config) Validate() error {
	var errs []error
	required := []struct {
		key   string
		value string
	}{
		{"DEXCOM_CLIENT_ID", c.DexcomClientID},
		{"DEXCOM_CLIENT_SECRET", c.DexcomClientSecret},
		{"DEXCOM_REDIRECT_URI", c.DexcomRedirectURI},
		{"SECRET_KEY", c.SecretKey},
		{"JWT_SECRET", c.JWTSecret},
	}
	for _, r := range required {
		if strings.TrimSpace(r.value) == "" {
			errs = append(errs, fmt.Errorf("%s%s is required", envPrefix, r.key))
		}
	}
	return errors.Join(errs...)
}

func stringEnv(key, def string) string {
	if v, ok := os.LookupEnv(envPrefix + key); ok && v != "" {
		return v
	}
	return def
}

func intEnv(key string, def int) (int, error) {
	v, ok := os.LookupEnv(envPrefix + key)
	if !ok || v == "" {
		return def, nil
	}
	parsed, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return 0, fmt.Errorf("%s%s has invalid integer %q: %w", envPrefix, key, v, err)
	}
	return parsed, nil
}

func durationEnv(key string, def time.Duration) (time.Duration, error) {
	v, ok := os.LookupEnv(envPrefix + key)
	if !ok || v == "" {
		return def, nil
	}
	parsed, err := time.ParseDuration(strings.TrimSpace(v))
	if err != nil {
		return 0, fmt.Errorf("%s%s has invalid duration %q: %w", envPrefix, key, v, err)
	}
	return parsed, nil
}

func boolEnv(key string, def bool) (bool, error) {
	v, ok := os.LookupEnv(envPrefix + key)
	if !ok || v == "" {
		return def, nil
	}
	parsed, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		return false, fmt.Errorf("%s%s has invalid boolean %q: %w", envPrefix, key, v, err)
	}
	return parsed, nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
