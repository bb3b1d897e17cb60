// Command coinpilotd runs the autonomous trading engine: streaming
// ingestion, per-bot evaluation, trade execution and reconciliation,
// plus the control API.
package main

import (
	"context"
	"errors"
	"flag"
	"os"
	ossignal "os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/coinpilot/coinpilot/internal/alerts"
	"github.com/coinpilot/coinpilot/internal/api"
	"github.com/coinpilot/coinpilot/internal/bus"
	"github.com/coinpilot/coinpilot/internal/config"
	"github.com/coinpilot/coinpilot/internal/db"
	"github.com/coinpilot/coinpilot/internal/exchange"
	"github.com/coinpilot/coinpilot/internal/lock"
	"github.com/coinpilot/coinpilot/internal/market"
	"github.com/coinpilot/coinpilot/internal/portfolio"
	"github.com/coinpilot/coinpilot/internal/risk"
	"github.com/coinpilot/coinpilot/internal/signal"
	"github.com/coinpilot/coinpilot/internal/trading"
)

// Exit codes
const (
	exitOK     = 0
	exitConfig = 1
	exitAuth   = 2
	exitStore  = 3
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Error().Err(err).Msg("Configuration error")
		return exitConfig
	}

	config.InitLogger(cfg.App.LogLevel, cfg.App.LogFormat)

	ctx, stop := ossignal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := config.ResolveSecrets(ctx, cfg); err != nil {
		log.Error().Err(err).Msg("Exchange credentials unavailable")
		return exitAuth
	}

	// Store.
	store, err := db.New(ctx, cfg.Store.URL, cfg.Store.PoolSize)
	if err != nil {
		log.Error().Err(err).Msg("Store unavailable")
		return exitStore
	}
	defer store.Close()

	// Redis: distributed mutex and safety counters.
	redisOpts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		log.Error().Err(err).Msg("Invalid redis URL")
		return exitConfig
	}
	if cfg.Redis.Password != "" {
		redisOpts.Password = cfg.Redis.Password
	}
	rdb := redis.NewClient(redisOpts)
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Error().Err(err).Msg("Mutex backend unavailable")
		return exitConfig
	}

	// Event bus, embedded broker by default.
	busURL := cfg.Bus.URL
	if cfg.Bus.Embedded {
		ns, url, err := bus.StartEmbedded()
		if err != nil {
			log.Error().Err(err).Msg("Embedded broker failed")
			return exitConfig
		}
		defer ns.Shutdown()
		busURL = url
	}
	events, err := bus.New(busURL, cfg.Bus.SubscriberLimit)
	if err != nil {
		log.Error().Err(err).Msg("Event bus unavailable")
		return exitConfig
	}
	defer events.Close()

	// Exchange gateway: paper client in test mode, wire client otherwise.
	var client exchange.Client
	if cfg.Exchange.Mode == "test" {
		client = exchange.NewPaperClient(cfg.Exchange.TestFillDelay)
	} else {
		client = exchange.NewCoinbaseClient(cfg.Exchange.RESTURL, cfg.Exchange.WebsocketURL,
			cfg.Exchange.Key, cfg.Exchange.Secret)
	}

	breakers := risk.NewCircuitBreakerManager()
	gateway := exchange.NewGateway(client, events, breakers, exchange.GatewayConfig{
		TickerTTL:    cfg.Exchange.TickerTTL,
		MaxStaleness: cfg.Exchange.MaxStaleness,
		AccountsTTL:  cfg.Exchange.AccountsTTL,
		RateLimitRPS: cfg.Exchange.RateLimitRPS,
		RateBurst:    cfg.Exchange.RateBurst,
	})

	// Credentials are proven before any bot evaluates.
	if err := gateway.Health(ctx); err != nil {
		if errors.Is(err, exchange.ErrAuth) {
			log.Error().Err(err).Msg("Exchange rejected credentials")
			return exitAuth
		}
		log.Warn().Err(err).Msg("Exchange unreachable at startup, continuing")
	}

	cache := market.NewCache(gateway, market.Config{
		TTL:        cfg.Market.CandleTTL,
		MaxEntries: cfg.Market.MaxEntries,
		StaleGrace: cfg.Market.StaleGrace,
	})

	safety := risk.NewSafetyState(rdb, risk.SafetyLimits{
		MaxDailyLossUSD: cfg.Safety.MaxDailyLossUSD,
		MaxDailyTrades:  cfg.Safety.MaxDailyTrades,
	})

	// Alerting: structured log always, telegram when configured.
	alerters := []alerts.Alerter{&alerts.LogAlerter{}}
	if cfg.Alerts.TelegramToken != "" {
		telegram, err := alerts.NewTelegramAlerter(cfg.Alerts.TelegramToken, cfg.Alerts.TelegramChatID)
		if err != nil {
			log.Warn().Err(err).Msg("Telegram alerter unavailable")
		} else {
			alerters = append(alerters, telegram)
		}
	}
	alerter := alerts.NewManager(alerters...)

	// Trading pipeline.
	mutex := lock.NewMutex(rdb, cfg.Engine.LockTTL)
	monitor := trading.NewMonitor(store, gateway, events, safety, trading.MonitorConfig{
		PollInterval: cfg.Engine.MonitorPollInterval,
		MaxDuration:  cfg.Engine.MaxMonitorDuration,
		MaxWatchers:  cfg.Engine.MaxWatchers,
	})
	decider := trading.NewDecider(store, gateway, safety)
	executor := trading.NewExecutor(store, gateway, decider, mutex, events, monitor, safety, trading.ExecutorConfig{
		FillProbeAttempts: cfg.Engine.FillProbeAttempts,
		FillProbeInterval: cfg.Engine.FillProbeInterval,
	})
	sweeper := trading.NewSweeper(store, gateway, events, safety, alerter, trading.SweeperConfig{
		Interval:            cfg.Engine.SweepInterval,
		Grace:               cfg.Engine.SweepGrace,
		StaleAlertThreshold: cfg.Engine.StaleAlertThreshold,
	})

	evaluator := signal.NewEvaluator(store, gateway, cache, events, executor, signal.EvaluatorConfig{
		Interval: cfg.Engine.EvaluateInterval,
		Thresholds: signal.Thresholds{
			Buy:  cfg.Engine.BuyThreshold,
			Sell: cfg.Engine.SellThreshold,
			Hot:  cfg.Engine.TempHot,
			Warm: cfg.Engine.TempWarm,
			Cool: cfg.Engine.TempCool,
		},
	})

	ledger := portfolio.NewLedger(store, gateway)

	server := api.NewServer(api.Config{
		Host:          cfg.API.Host,
		Port:          cfg.API.Port,
		Store:         store,
		Gateway:       gateway,
		Cache:         cache,
		Evaluator:     evaluator,
		Ledger:        ledger,
		Safety:        safety,
		Monitor:       monitor,
		Events:        events,
		EnableMetrics: cfg.Monitoring.EnableMetrics,
	})

	// Streaming covers every configured bot's pair.
	bots, err := store.ListBots(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Failed to list bots")
		return exitStore
	}
	pairs := make([]string, 0, len(bots))
	for _, bot := range bots {
		pairs = append(pairs, bot.Pair)
	}
	if len(pairs) > 0 {
		if err := gateway.StartStreaming(ctx, pairs); err != nil {
			log.Warn().Err(err).Msg("Streaming start failed; REST fallback in effect")
		}
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error { return evaluator.Run(groupCtx) })
	group.Go(func() error { return sweeper.Run(groupCtx) })
	group.Go(func() error { return server.Start() })
	group.Go(func() error {
		// Signal history retention: prune evaluations past the window.
		ticker := time.NewTicker(cfg.Engine.HistoryPruneEvery)
		defer ticker.Stop()
		for {
			select {
			case <-groupCtx.Done():
				return groupCtx.Err()
			case <-ticker.C:
				cutoff := time.Now().Add(-cfg.Engine.HistoryRetention)
				if _, err := store.PruneEvaluations(groupCtx, cutoff); err != nil {
					log.Warn().Err(err).Msg("Signal history prune failed")
				}
			}
		}
	})
	group.Go(func() error {
		<-groupCtx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Engine.ShutdownGrace)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("API shutdown incomplete")
		}
		monitor.Stop(cfg.Engine.ShutdownGrace)
		gateway.StopStreaming()
		return nil
	})

	log.Info().
		Str("mode", cfg.Exchange.Mode).
		Int("bots", len(bots)).
		Msg("coinpilot started")

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("Engine terminated")
		return exitConfig
	}

	log.Info().Msg("coinpilot stopped")
	return exitOK
}
