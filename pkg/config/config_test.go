package config

import (
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Port != 8080 || cfg.LogLevel != "info" || cfg.LogPretty {
		t.Errorf("server defaults = %d/%s/%v", cfg.Port, cfg.LogLevel, cfg.LogPretty)
	}
	if cfg.RedisEnabled() {
		t.Error("RedisEnabled() = true without REDIS_ADDR")
	}
	if cfg.Market.MinDelay != 3*time.Second || cfg.Market.MaxDelay != time.Minute {
		t.Errorf("market delays = %s/%s", cfg.Market.MinDelay, cfg.Market.MaxDelay)
	}
	if cfg.Market.PenaltyMin != 10*time.Second || cfg.Market.PenaltyMax != 30*time.Second {
		t.Errorf("market penalty = %s-%s", cfg.Market.PenaltyMin, cfg.Market.PenaltyMax)
	}
	if cfg.Market.Concurrency != 1 || cfg.Market.QueueRetries != 3 {
		t.Errorf("market queue = %d/%d", cfg.Market.Concurrency, cfg.Market.QueueRetries)
	}
	if cfg.Alert.Interval != 15*time.Minute || cfg.Alert.BatchSize != 5 || cfg.Alert.BatchDelay != 2*time.Second {
		t.Errorf("alert schedule = %s/%d/%s", cfg.Alert.Interval, cfg.Alert.BatchSize, cfg.Alert.BatchDelay)
	}
	if !cfg.Alert.MinDropPercent.Equal(decimal.NewFromInt(5)) || !cfg.Alert.MinDropAmount.Equal(decimal.RequireFromString("0.5")) {
		t.Errorf("alert thresholds = %s/%s", cfg.Alert.MinDropPercent, cfg.Alert.MinDropAmount)
	}
	if cfg.Alert.Cooldown != 24*time.Hour || cfg.Alert.HistoryLimit != 100 {
		t.Errorf("alert cooldown/history = %s/%d", cfg.Alert.Cooldown, cfg.Alert.HistoryLimit)
	}
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("REDIS_ADDR", "redis:6379")
	t.Setenv("REDIS_DB", "2")
	t.Setenv("MARKET_MIN_DELAY", "500ms")
	t.Setenv("MARKET_CONCURRENCY", "2")
	t.Setenv("ALERT_MIN_DROP_AMOUNT", "1.25")
	t.Setenv("ALERT_ENABLED", "false")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Port != 9090 || !cfg.RedisEnabled() || cfg.RedisDB != 2 {
		t.Errorf("server = %d/%s/%d", cfg.Port, cfg.RedisAddr, cfg.RedisDB)
	}
	if cfg.Market.MinDelay != 500*time.Millisecond || cfg.Market.Concurrency != 2 {
		t.Errorf("market = %s/%d", cfg.Market.MinDelay, cfg.Market.Concurrency)
	}
	if !cfg.Alert.MinDropAmount.Equal(decimal.RequireFromString("1.25")) || cfg.Alert.Enabled {
		t.Errorf("alert = %s/%v", cfg.Alert.MinDropAmount, cfg.Alert.Enabled)
	}
}

func TestLoad_ParseError(t *testing.T) {
	t.Setenv("PORT", "not-an-int")

	_, err := Load()
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "parse env:") {
		t.Fatalf("expected parse env prefix, got %v", err)
	}
}

func TestLoad_InvalidDecimal(t *testing.T) {
	t.Setenv("ALERT_MIN_DROP_PERCENT", "five")

	if _, err := Load(); err == nil {
		t.Fatal("expected error")
	}
}

func TestValidate(t *testing.T) {
	valid, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "valid"},
		{name: "port", mutate: func(c *Config) { c.Port = 0 }, wantErr: "PORT"},
		{name: "log level", mutate: func(c *Config) { c.LogLevel = "loud" }, wantErr: "LOG_LEVEL"},
		{name: "base url", mutate: func(c *Config) { c.Market.BaseURL = "steamcommunity.com" }, wantErr: "MARKET_BASE_URL"},
		{name: "delays", mutate: func(c *Config) { c.Market.MaxDelay = time.Second }, wantErr: "MARKET_MAX_DELAY"},
		{name: "penalty", mutate: func(c *Config) { c.Market.PenaltyMax = time.Second }, wantErr: "MARKET_PENALTY_MAX"},
		{name: "concurrency", mutate: func(c *Config) { c.Market.Concurrency = 0 }, wantErr: "MARKET_CONCURRENCY"},
		{name: "batch size", mutate: func(c *Config) { c.Alert.BatchSize = 0 }, wantErr: "ALERT_BATCH_SIZE"},
		{name: "negative drop", mutate: func(c *Config) { c.Alert.MinDropAmount = decimal.NewFromInt(-1) }, wantErr: "ALERT_MIN_DROP"},
		{name: "history", mutate: func(c *Config) { c.Alert.HistoryLimit = 0 }, wantErr: "ALERT_HISTORY_LIMIT"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid
			if tt.mutate != nil {
				tt.mutate(&cfg)
			}
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() error = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want mention of %s", err, tt.wantErr)
			}
		})
	}
}

func TestValidate_JoinsErrors(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	cfg.Port = -1
	cfg.Alert.BatchSize = 0

	err = cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "PORT") || !strings.Contains(err.Error(), "ALERT_BATCH_SIZE") {
		t.Errorf("Validate() error = %v, want both problems", err)
	}
}
