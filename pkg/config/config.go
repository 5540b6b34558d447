// Package config loads the service configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Config is the complete service configuration.
type Config struct {
	Port            int           `env:"PORT"             envDefault:"8080"`
	LogLevel        string        `env:"LOG_LEVEL"        envDefault:"info"`
	LogPretty       bool          `env:"LOG_PRETTY"       envDefault:"false"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"15s"`

	// RedisAddr enables the Redis cache tier, the shared penalty tracker and
	// pub/sub alerts. Empty runs in single-process mode.
	RedisAddr string `env:"REDIS_ADDR"`
	RedisDB   int    `env:"REDIS_DB" envDefault:"0"`

	DBPath    string `env:"DB_PATH"    envDefault:"market-watch.db"`
	UserAgent string `env:"USER_AGENT" envDefault:"market-watch/0.1.0"`

	Market MarketConfig `envPrefix:"MARKET_"`
	Alert  AlertConfig  `envPrefix:"ALERT_"`
}

// MarketConfig configures the throttled marketplace provider.
type MarketConfig struct {
	BaseURL  string `env:"BASE_URL" envDefault:"https://steamcommunity.com"`
	AppID    string `env:"APP_ID"   envDefault:"730"`
	Currency int    `env:"CURRENCY" envDefault:"1"`

	// Timeout bounds each HTTP attempt; MaxRetries is the per-request retry budget.
	Timeout    time.Duration `env:"TIMEOUT"     envDefault:"15s"`
	MaxRetries int           `env:"MAX_RETRIES" envDefault:"3"`

	MinDelay     time.Duration `env:"MIN_DELAY"     envDefault:"3s"`
	MaxDelay     time.Duration `env:"MAX_DELAY"     envDefault:"60s"`
	Concurrency  int           `env:"CONCURRENCY"   envDefault:"1"`
	QueueRetries int           `env:"QUEUE_RETRIES" envDefault:"3"`
	PenaltyMin   time.Duration `env:"PENALTY_MIN"   envDefault:"10s"`
	PenaltyMax   time.Duration `env:"PENALTY_MAX"   envDefault:"30s"`

	// CacheTTL overrides the market region TTL. Zero keeps the region default.
	CacheTTL time.Duration `env:"CACHE_TTL" envDefault:"0s"`
}

// AlertConfig configures the alert scheduler.
type AlertConfig struct {
	Enabled        bool            `env:"ENABLED"          envDefault:"true"`
	Interval       time.Duration   `env:"INTERVAL"         envDefault:"15m"`
	BatchSize      int             `env:"BATCH_SIZE"       envDefault:"5"`
	BatchDelay     time.Duration   `env:"BATCH_DELAY"      envDefault:"2s"`
	MinDropPercent decimal.Decimal `env:"MIN_DROP_PERCENT" envDefault:"5"`
	MinDropAmount  decimal.Decimal `env:"MIN_DROP_AMOUNT"  envDefault:"0.50"`
	Cooldown       time.Duration   `env:"COOLDOWN"         envDefault:"24h"`
	HistoryLimit   int             `env:"HISTORY_LIMIT"    envDefault:"100"`
	Channel        string          `env:"CHANNEL"          envDefault:"mw:alerts"`
}

// Load parses the environment and validates the result.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	var errs []error

	if c.Port < 1 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("PORT must be 1-65535 (got %d)", c.Port))
	}
	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("LOG_LEVEL: %w", err))
	}
	if c.ShutdownTimeout <= 0 {
		errs = append(errs, fmt.Errorf("SHUTDOWN_TIMEOUT must be positive"))
	}
	if c.DBPath == "" {
		errs = append(errs, fmt.Errorf("DB_PATH is required"))
	}
	if c.UserAgent == "" {
		errs = append(errs, fmt.Errorf("USER_AGENT is required"))
	}

	m := c.Market
	if u, err := url.Parse(m.BaseURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		errs = append(errs, fmt.Errorf("MARKET_BASE_URL must be an http(s) url (got %q)", m.BaseURL))
	}
	if m.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("MARKET_TIMEOUT must be positive"))
	}
	if m.MaxRetries < 0 || m.QueueRetries < 0 {
		errs = append(errs, fmt.Errorf("MARKET_MAX_RETRIES and MARKET_QUEUE_RETRIES must not be negative"))
	}
	if m.MinDelay < 0 || m.MaxDelay < m.MinDelay {
		errs = append(errs, fmt.Errorf("MARKET_MAX_DELAY (%s) must be >= MARKET_MIN_DELAY (%s) >= 0", m.MaxDelay, m.MinDelay))
	}
	if m.Concurrency < 1 {
		errs = append(errs, fmt.Errorf("MARKET_CONCURRENCY must be >= 1 (got %d)", m.Concurrency))
	}
	if m.PenaltyMin < 0 || m.PenaltyMax < m.PenaltyMin {
		errs = append(errs, fmt.Errorf("MARKET_PENALTY_MAX (%s) must be >= MARKET_PENALTY_MIN (%s) >= 0", m.PenaltyMax, m.PenaltyMin))
	}
	if m.CacheTTL < 0 {
		errs = append(errs, fmt.Errorf("MARKET_CACHE_TTL must not be negative"))
	}

	a := c.Alert
	if a.Interval <= 0 {
		errs = append(errs, fmt.Errorf("ALERT_INTERVAL must be positive"))
	}
	if a.BatchSize < 1 {
		errs = append(errs, fmt.Errorf("ALERT_BATCH_SIZE must be >= 1 (got %d)", a.BatchSize))
	}
	if a.BatchDelay < 0 || a.Cooldown < 0 {
		errs = append(errs, fmt.Errorf("ALERT_BATCH_DELAY and ALERT_COOLDOWN must not be negative"))
	}
	if a.MinDropPercent.IsNegative() || a.MinDropAmount.IsNegative() {
		errs = append(errs, fmt.Errorf("ALERT_MIN_DROP_PERCENT and ALERT_MIN_DROP_AMOUNT must not be negative"))
	}
	if a.HistoryLimit < 1 {
		errs = append(errs, fmt.Errorf("ALERT_HISTORY_LIMIT must be >= 1 (got %d)", a.HistoryLimit))
	}

	return errors.Join(errs...)
}

// RedisEnabled reports whether a Redis address is configured.
func (c Config) RedisEnabled() bool {
	return c.RedisAddr != ""
}
