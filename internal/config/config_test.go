package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "coinpilot", cfg.App.Name)
	assert.Equal(t, "production", cfg.Exchange.Mode)
	assert.Equal(t, 10*time.Second, cfg.Exchange.TickerTTL)
	assert.Equal(t, 60*time.Second, cfg.Exchange.MaxStaleness)
	assert.Equal(t, 30*time.Second, cfg.Market.CandleTTL)
	assert.Equal(t, 500, cfg.Market.MaxEntries)
	assert.Equal(t, 300, cfg.Engine.ConfirmationSeconds)
	assert.Equal(t, 900, cfg.Engine.CooldownSeconds)
	assert.Equal(t, -0.05, cfg.Engine.BuyThreshold)
	assert.Equal(t, 0.05, cfg.Engine.SellThreshold)
	assert.Equal(t, 30*time.Second, cfg.Engine.LockTTL)
	assert.Equal(t, 64, cfg.Engine.MaxWatchers)
	assert.Equal(t, 256, cfg.Bus.SubscriberLimit)
	assert.Equal(t, 30*24*time.Hour, cfg.Engine.HistoryRetention)
	assert.Equal(t, time.Hour, cfg.Engine.HistoryPruneEvery)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("STORE_URL", "postgres://db.example/coinpilot")
	t.Setenv("MUTEX_URL", "redis://mutex.example:6379/1")
	t.Setenv("EXCHANGE_KEY", "key-from-env")
	t.Setenv("EXCHANGE_SECRET", "secret-from-env")
	t.Setenv("TRADING_MODE", "test")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "postgres://db.example/coinpilot", cfg.Store.URL)
	assert.Equal(t, "redis://mutex.example:6379/1", cfg.Redis.URL)
	assert.Equal(t, "key-from-env", cfg.Exchange.Key)
	assert.Equal(t, "secret-from-env", cfg.Exchange.Secret)
	assert.Equal(t, "test", cfg.Exchange.Mode)
	assert.Equal(t, "debug", cfg.App.LogLevel)
}

func TestValidate_Rejections(t *testing.T) {
	base := func() *Config {
		cfg, err := Load("")
		require.NoError(t, err)
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad trading mode", func(c *Config) { c.Exchange.Mode = "dry-run" }},
		{"positive buy threshold", func(c *Config) { c.Engine.BuyThreshold = 0.05 }},
		{"negative sell threshold", func(c *Config) { c.Engine.SellThreshold = -0.05 }},
		{"unordered temperatures", func(c *Config) { c.Engine.TempWarm = c.Engine.TempHot * 2 }},
		{"zero rate limit", func(c *Config) { c.Exchange.RateLimitRPS = 0 }},
		{"zero cache entries", func(c *Config) { c.Market.MaxEntries = 0 }},
		{"lock ttl below probe budget", func(c *Config) { c.Engine.LockTTL = time.Second }},
		{"zero history retention", func(c *Config) { c.Engine.HistoryRetention = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
