package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	App        AppConfig        `mapstructure:"app"`
	Store      StoreConfig      `mapstructure:"store"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Bus        BusConfig        `mapstructure:"bus"`
	Exchange   ExchangeConfig   `mapstructure:"exchange"`
	Market     MarketConfig     `mapstructure:"market"`
	Engine     EngineConfig     `mapstructure:"engine"`
	Safety     SafetyConfig     `mapstructure:"safety"`
	API        APIConfig        `mapstructure:"api"`
	Alerts     AlertsConfig     `mapstructure:"alerts"`
	Monitoring MonitoringConfig `mapstructure:"monitoring"`
}

// AppConfig contains application-level settings
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"` // development, staging, production
	LogLevel    string `mapstructure:"log_level"`
	LogFormat   string `mapstructure:"log_format"` // "json" or "console"
}

// StoreConfig contains PostgreSQL settings
type StoreConfig struct {
	URL      string `mapstructure:"url"`
	PoolSize int    `mapstructure:"pool_size"`
}

// RedisConfig contains Redis settings (distributed mutex, safety counters)
type RedisConfig struct {
	URL      string `mapstructure:"url"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// BusConfig contains event bus settings
type BusConfig struct {
	URL             string `mapstructure:"url"`
	Embedded        bool   `mapstructure:"embedded"`         // run an in-process NATS server
	SubscriberLimit int    `mapstructure:"subscriber_limit"` // pending messages before a slow subscriber is dropped
}

// ExchangeConfig contains exchange gateway settings
type ExchangeConfig struct {
	Name          string        `mapstructure:"name"`
	RESTURL       string        `mapstructure:"rest_url"`
	WebsocketURL  string        `mapstructure:"websocket_url"`
	Key           string        `mapstructure:"key"`
	Secret        string        `mapstructure:"secret"`
	Mode          string        `mapstructure:"mode"` // "test" or "production"
	TestFillDelay time.Duration `mapstructure:"test_fill_delay"`
	TickerTTL     time.Duration `mapstructure:"ticker_ttl"`
	MaxStaleness  time.Duration `mapstructure:"max_staleness"`
	AccountsTTL   time.Duration `mapstructure:"accounts_ttl"`
	RateLimitRPS  float64       `mapstructure:"rate_limit_rps"`
	RateBurst     int           `mapstructure:"rate_burst"`
}

// MarketConfig contains market data cache settings
type MarketConfig struct {
	CandleTTL  time.Duration `mapstructure:"candle_ttl"`
	MaxEntries int           `mapstructure:"max_entries"`
	StaleGrace time.Duration `mapstructure:"stale_grace"`
}

// EngineConfig contains evaluator and trade lifecycle settings
type EngineConfig struct {
	EvaluateInterval    time.Duration `mapstructure:"evaluate_interval"`
	ConfirmationSeconds int           `mapstructure:"confirmation_seconds"`
	CooldownSeconds     int           `mapstructure:"cooldown_seconds"`
	BuyThreshold        float64       `mapstructure:"buy_threshold"`
	SellThreshold       float64       `mapstructure:"sell_threshold"`
	TempHot             float64       `mapstructure:"temp_hot"`
	TempWarm            float64       `mapstructure:"temp_warm"`
	TempCool            float64       `mapstructure:"temp_cool"`
	LockTTL             time.Duration `mapstructure:"lock_ttl"`
	FillProbeAttempts   int           `mapstructure:"fill_probe_attempts"`
	FillProbeInterval   time.Duration `mapstructure:"fill_probe_interval"`
	MonitorPollInterval time.Duration `mapstructure:"monitor_poll_interval"`
	MaxMonitorDuration  time.Duration `mapstructure:"max_monitor_duration"`
	MaxWatchers         int           `mapstructure:"max_watchers"`
	SweepInterval       time.Duration `mapstructure:"sweep_interval"`
	SweepGrace          time.Duration `mapstructure:"sweep_grace"`
	StaleAlertThreshold time.Duration `mapstructure:"stale_alert_threshold"`
	HistoryRetention    time.Duration `mapstructure:"history_retention"`
	HistoryPruneEvery   time.Duration `mapstructure:"history_prune_every"`
	ShutdownGrace       time.Duration `mapstructure:"shutdown_grace"`
}

// SafetyConfig contains global safety limits (across all bots)
type SafetyConfig struct {
	MaxDailyLossUSD float64 `mapstructure:"max_daily_loss_usd"`
	MaxDailyTrades  int     `mapstructure:"max_daily_trades"`
}

// APIConfig contains control API settings
type APIConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// AlertsConfig contains operator alerting settings
type AlertsConfig struct {
	TelegramToken  string `mapstructure:"telegram_token"`
	TelegramChatID int64  `mapstructure:"telegram_chat_id"`
}

// MonitoringConfig contains metrics settings
type MonitoringConfig struct {
	EnableMetrics bool `mapstructure:"enable_metrics"`
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	v.AutomaticEnv()
	v.SetEnvPrefix("COINPILOT")

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found; using defaults and environment variables
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// applyEnvOverrides maps the well-known operational env vars onto config
// fields. These names predate the viper prefix and are honored verbatim.
func applyEnvOverrides(cfg *Config) {
	if u := os.Getenv("STORE_URL"); u != "" {
		cfg.Store.URL = u
	}
	if u := os.Getenv("MUTEX_URL"); u != "" {
		cfg.Redis.URL = u
	}
	if k := os.Getenv("EXCHANGE_KEY"); k != "" {
		cfg.Exchange.Key = k
	}
	if s := os.Getenv("EXCHANGE_SECRET"); s != "" {
		cfg.Exchange.Secret = s
	}
	if m := os.Getenv("TRADING_MODE"); m != "" {
		cfg.Exchange.Mode = m
	}
	if l := os.Getenv("LOG_LEVEL"); l != "" {
		cfg.App.LogLevel = l
	}
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// App defaults
	v.SetDefault("app.name", "coinpilot")
	v.SetDefault("app.environment", "development")
	v.SetDefault("app.log_level", "info")
	v.SetDefault("app.log_format", "json")

	// Store defaults
	v.SetDefault("store.url", "postgres://postgres@localhost:5432/coinpilot?sslmode=disable")
	v.SetDefault("store.pool_size", 10)

	// Redis defaults
	v.SetDefault("redis.url", "redis://localhost:6379/0")
	v.SetDefault("redis.db", 0)

	// Bus defaults
	v.SetDefault("bus.url", "nats://localhost:4222")
	v.SetDefault("bus.embedded", true)
	v.SetDefault("bus.subscriber_limit", 256)

	// Exchange defaults
	v.SetDefault("exchange.name", "coinbase")
	v.SetDefault("exchange.rest_url", "https://api.coinbase.com")
	v.SetDefault("exchange.websocket_url", "wss://advanced-trade-ws.coinbase.com")
	v.SetDefault("exchange.mode", "production")
	v.SetDefault("exchange.test_fill_delay", 2*time.Second)
	v.SetDefault("exchange.ticker_ttl", 10*time.Second)
	v.SetDefault("exchange.max_staleness", 60*time.Second)
	v.SetDefault("exchange.accounts_ttl", 60*time.Second)
	v.SetDefault("exchange.rate_limit_rps", 50.0)
	v.SetDefault("exchange.rate_burst", 10)

	// Market data cache defaults
	v.SetDefault("market.candle_ttl", 30*time.Second)
	v.SetDefault("market.max_entries", 500)
	v.SetDefault("market.stale_grace", 5*time.Minute)

	// Engine defaults
	v.SetDefault("engine.evaluate_interval", 5*time.Second)
	v.SetDefault("engine.confirmation_seconds", 300)
	v.SetDefault("engine.cooldown_seconds", 900)
	v.SetDefault("engine.buy_threshold", -0.05)
	v.SetDefault("engine.sell_threshold", 0.05)
	v.SetDefault("engine.temp_hot", 0.08)
	v.SetDefault("engine.temp_warm", 0.03)
	v.SetDefault("engine.temp_cool", 0.005)
	v.SetDefault("engine.lock_ttl", 30*time.Second)
	v.SetDefault("engine.fill_probe_attempts", 10)
	v.SetDefault("engine.fill_probe_interval", 500*time.Millisecond)
	v.SetDefault("engine.monitor_poll_interval", 2*time.Second)
	v.SetDefault("engine.max_monitor_duration", 5*time.Minute)
	v.SetDefault("engine.max_watchers", 64)
	v.SetDefault("engine.sweep_interval", 30*time.Second)
	v.SetDefault("engine.sweep_grace", 10*time.Second)
	v.SetDefault("engine.stale_alert_threshold", 10*time.Minute)
	v.SetDefault("engine.history_retention", 30*24*time.Hour)
	v.SetDefault("engine.history_prune_every", time.Hour)
	v.SetDefault("engine.shutdown_grace", 10*time.Second)

	// Safety defaults
	v.SetDefault("safety.max_daily_loss_usd", 250.0)
	v.SetDefault("safety.max_daily_trades", 50)

	// API defaults
	v.SetDefault("api.host", "0.0.0.0")
	v.SetDefault("api.port", 8081)

	// Monitoring defaults
	v.SetDefault("monitoring.enable_metrics", true)
}

// Validate checks configuration consistency
func (c *Config) Validate() error {
	if c.Exchange.Mode != "test" && c.Exchange.Mode != "production" {
		return fmt.Errorf("exchange.mode must be \"test\" or \"production\", got %q", c.Exchange.Mode)
	}
	if c.Engine.BuyThreshold >= 0 {
		return fmt.Errorf("engine.buy_threshold must be negative, got %f", c.Engine.BuyThreshold)
	}
	if c.Engine.SellThreshold <= 0 {
		return fmt.Errorf("engine.sell_threshold must be positive, got %f", c.Engine.SellThreshold)
	}
	if !(c.Engine.TempHot > c.Engine.TempWarm && c.Engine.TempWarm > c.Engine.TempCool && c.Engine.TempCool > 0) {
		return fmt.Errorf("temperature thresholds must satisfy hot > warm > cool > 0")
	}
	if c.Engine.ConfirmationSeconds < 0 || c.Engine.CooldownSeconds < 0 {
		return fmt.Errorf("confirmation and cooldown seconds must be non-negative")
	}
	if c.Exchange.RateLimitRPS <= 0 || c.Exchange.RateBurst <= 0 {
		return fmt.Errorf("exchange rate limit must be positive")
	}
	if c.Market.MaxEntries <= 0 {
		return fmt.Errorf("market.max_entries must be positive")
	}
	if c.Engine.LockTTL < time.Duration(c.Engine.FillProbeAttempts)*c.Engine.FillProbeInterval {
		return fmt.Errorf("engine.lock_ttl must cover the fill probe budget")
	}
	if c.Bus.SubscriberLimit <= 0 {
		return fmt.Errorf("bus.subscriber_limit must be positive")
	}
	if c.Engine.HistoryRetention <= 0 || c.Engine.HistoryPruneEvery <= 0 {
		return fmt.Errorf("signal history retention and prune interval must be positive")
	}
	return nil
}
