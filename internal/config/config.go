// Package config loads and validates app config from env and an optional .env file using Viper.
package config

import (
	"errors"
	"time"

	"github.com/spf13/viper"
)

// Config holds application configuration loaded from the environment.
type Config struct {
	// APIBaseURL is the auth service base URL (e.g. http://localhost:8000).
	APIBaseURL string `mapstructure:"API_BASE_URL"`
	// HTTPTimeout is the per-request HTTP timeout (e.g. "10s").
	HTTPTimeout string `mapstructure:"HTTP_TIMEOUT"`
	// RetryMaxAttempts is how many times a retryable request is attempted.
	RetryMaxAttempts int `mapstructure:"RETRY_MAX_ATTEMPTS"`
	// RetryBaseDelay is the first retry backoff interval (e.g. "250ms").
	RetryBaseDelay string `mapstructure:"RETRY_BASE_DELAY"`
	// RetryMaxDelay caps the exponential backoff interval (e.g. "2s").
	RetryMaxDelay string `mapstructure:"RETRY_MAX_DELAY"`
	// TokenExpiryLeeway is how long before expiry an access token is treated as stale (e.g. "5m").
	TokenExpiryLeeway string `mapstructure:"TOKEN_EXPIRY_LEEWAY"`
	// RefreshMaxAttempts is the refresh budget before the session is invalidated.
	RefreshMaxAttempts int `mapstructure:"REFRESH_MAX_ATTEMPTS"`
	// FallbackTTL is the lifetime of an offline session (e.g. "24h").
	FallbackTTL string `mapstructure:"FALLBACK_TTL"`
	// FallbackGuestEnabled allows guest sessions for identifiers with no cached credential.
	FallbackGuestEnabled bool `mapstructure:"FALLBACK_GUEST_ENABLED"`
	// BcryptCost is the bcrypt cost factor (4-31) for the local credential cache; default 12.
	BcryptCost int `mapstructure:"BCRYPT_COST"`
	// StorePath is the directory for the persistent session store. Empty means in-memory only.
	StorePath string `mapstructure:"STORE_PATH"`
	// OTLPEndpoint is the OTLP collector endpoint (e.g. localhost:4317). Empty disables export.
	OTLPEndpoint string `mapstructure:"OTLP_ENDPOINT"`
	// Env is the application environment (e.g. "development", "production").
	Env string `mapstructure:"APP_ENV"`
}

// Load reads .env (if present), then builds and validates Config from the environment via Viper.
// Missing .env is ignored (e.g. in CI). Env vars override .env. Returns an error if required fields are invalid.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigFile(".env")
	v.SetConfigType("env")
	_ = v.ReadInConfig() // ignore ErrConfigFileNotFound

	v.AutomaticEnv()

	v.SetDefault("API_BASE_URL", "http://localhost:8000")
	v.SetDefault("HTTP_TIMEOUT", "10s")
	v.SetDefault("RETRY_MAX_ATTEMPTS", 3)
	v.SetDefault("RETRY_BASE_DELAY", "250ms")
	v.SetDefault("RETRY_MAX_DELAY", "2s")
	v.SetDefault("TOKEN_EXPIRY_LEEWAY", "5m")
	v.SetDefault("REFRESH_MAX_ATTEMPTS", 3)
	v.SetDefault("FALLBACK_TTL", "24h")
	v.SetDefault("FALLBACK_GUEST_ENABLED", true)
	v.SetDefault("BCRYPT_COST", 12)
	v.SetDefault("STORE_PATH", "")
	v.SetDefault("OTLP_ENDPOINT", "")
	v.SetDefault("APP_ENV", "")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if cfg.APIBaseURL == "" {
		return nil, errors.New("config: API_BASE_URL must be set")
	}

	if cfg.RetryMaxAttempts < 1 {
		return nil, errors.New("config: RETRY_MAX_ATTEMPTS must be at least 1")
	}
	if cfg.RefreshMaxAttempts < 1 {
		return nil, errors.New("config: REFRESH_MAX_ATTEMPTS must be at least 1")
	}

	if cfg.BcryptCost == 0 {
		cfg.BcryptCost = 12
	}
	if cfg.BcryptCost < 4 || cfg.BcryptCost > 31 {
		return nil, errors.New("config: BCRYPT_COST must be between 4 and 31")
	}

	return &cfg, nil
}

// Timeout parses HTTPTimeout as a time.Duration. Returns 10s if unset or invalid.
func (c *Config) Timeout() time.Duration {
	return c.duration(c.HTTPTimeout, 10*time.Second)
}

// BaseDelay parses RetryBaseDelay. Returns 250ms if unset or invalid.
func (c *Config) BaseDelay() time.Duration {
	return c.duration(c.RetryBaseDelay, 250*time.Millisecond)
}

// MaxDelay parses RetryMaxDelay. Returns 2s if unset or invalid.
func (c *Config) MaxDelay() time.Duration {
	return c.duration(c.RetryMaxDelay, 2*time.Second)
}

// ExpiryLeeway parses TokenExpiryLeeway. Returns 5m if unset or invalid.
func (c *Config) ExpiryLeeway() time.Duration {
	return c.duration(c.TokenExpiryLeeway, 5*time.Minute)
}

// SessionTTL parses FallbackTTL. Returns 24h if unset or invalid.
func (c *Config) SessionTTL() time.Duration {
	return c.duration(c.FallbackTTL, 24*time.Hour)
}

func (c *Config) duration(raw string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
