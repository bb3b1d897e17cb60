package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/coinpilot/coinpilot/internal/bus"
	"github.com/coinpilot/coinpilot/internal/config"
	"github.com/coinpilot/coinpilot/internal/db"
	"github.com/coinpilot/coinpilot/internal/exchange"
	"github.com/coinpilot/coinpilot/internal/market"
	"github.com/coinpilot/coinpilot/internal/metrics"
)

// Trader consumes a confirmed action. Implemented by the trading
// pipeline; the evaluator never holds a back-reference into it beyond
// this one-way call.
type Trader interface {
	ExecuteConfirmed(ctx context.Context, bot *db.Bot, action string, signalContext map[string]interface{}) error
}

// EvaluatorConfig tunes the evaluation schedule and market data window
type EvaluatorConfig struct {
	Interval    time.Duration
	Granularity exchange.Granularity
	CandleLimit int
	Thresholds  Thresholds
}

// Evaluator runs one evaluation pipeline per bot: ticker-triggered with
// a periodic safety net, at most one pass in flight per bot.
type Evaluator struct {
	store   *db.DB
	gateway *exchange.Gateway
	cache   *market.MarketDataCache
	events  *bus.Bus
	trader  Trader
	cfg     EvaluatorConfig
	logger  zerolog.Logger

	mu       sync.Mutex
	inflight map[uuid.UUID]bool
	byPair   map[string]uuid.UUID
}

// NewEvaluator creates the evaluator
func NewEvaluator(store *db.DB, gateway *exchange.Gateway, cache *market.MarketDataCache, events *bus.Bus, trader Trader, cfg EvaluatorConfig) *Evaluator {
	if cfg.Granularity == "" {
		cfg.Granularity = exchange.GranularityFiveMinute
	}
	if cfg.CandleLimit == 0 {
		cfg.CandleLimit = 60
	}
	return &Evaluator{
		store:    store,
		gateway:  gateway,
		cache:    cache,
		events:   events,
		trader:   trader,
		cfg:      cfg,
		logger:   config.NewLogger("evaluator"),
		inflight: make(map[uuid.UUID]bool),
		byPair:   make(map[string]uuid.UUID),
	}
}

// Run drives the evaluator until ctx is cancelled. Evaluations trigger
// on every ticker event for a bot's pair and on the periodic tick as a
// safety net.
func (e *Evaluator) Run(ctx context.Context) error {
	tickerSub, err := e.events.Subscribe("ticker.*", func(topic string, data []byte) {
		var t exchange.Ticker
		if err := json.Unmarshal(data, &t); err != nil {
			return
		}
		e.mu.Lock()
		botID, ok := e.byPair[t.ProductID]
		e.mu.Unlock()
		if ok {
			go e.evaluateGuarded(ctx, botID)
		}
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to tickers: %w", err)
	}
	defer tickerSub.Unsubscribe()

	// Trades placed by other workers (or manually) also end this bot's
	// confirmation window; the executor publishes, the evaluator owns
	// its own reset.
	tradeSub, err := e.events.Subscribe(bus.TopicTradeStatus, func(topic string, data []byte) {
		var event bus.TradeStatusEvent
		if err := json.Unmarshal(data, &event); err != nil {
			return
		}
		e.resetConfirmationFor(ctx, event.TriggeredBy)
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to trade status: %w", err)
	}
	defer tradeSub.Unsubscribe()

	ticker := time.NewTicker(e.cfg.Interval)
	defer ticker.Stop()

	e.refreshBots(ctx)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			e.refreshBots(ctx)
			e.mu.Lock()
			ids := make([]uuid.UUID, 0, len(e.byPair))
			for _, id := range e.byPair {
				ids = append(ids, id)
			}
			e.mu.Unlock()
			for _, id := range ids {
				go e.evaluateGuarded(ctx, id)
			}
		}
	}
}

// refreshBots rebuilds the pair -> bot index of running bots
func (e *Evaluator) refreshBots(ctx context.Context) {
	bots, err := e.store.ListBotsByState(ctx, db.BotStateRunning)
	if err != nil {
		e.logger.Error().Err(err).Msg("Failed to list running bots")
		return
	}

	byPair := make(map[string]uuid.UUID, len(bots))
	for _, bot := range bots {
		byPair[bot.Pair] = bot.ID
	}

	e.mu.Lock()
	e.byPair = byPair
	e.mu.Unlock()
}

// evaluateGuarded runs one pass with the drop-if-busy policy: a tick
// arriving while a pass is in flight is dropped, not queued.
func (e *Evaluator) evaluateGuarded(ctx context.Context, botID uuid.UUID) {
	e.mu.Lock()
	if e.inflight[botID] {
		e.mu.Unlock()
		metrics.EvaluationsDropped.Inc()
		return
	}
	e.inflight[botID] = true
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		delete(e.inflight, botID)
		e.mu.Unlock()
	}()

	if err := e.EvaluateBot(ctx, botID); err != nil {
		e.logger.Debug().Err(err).Str("bot_id", botID.String()).Msg("Evaluation pass skipped")
	}
}

// EvaluateBot runs one full evaluation pass for a bot
func (e *Evaluator) EvaluateBot(ctx context.Context, botID uuid.UUID) error {
	start := time.Now()
	defer func() {
		metrics.EvaluationDuration.Observe(time.Since(start).Seconds())
	}()

	bot, err := e.store.GetBot(ctx, botID)
	if err != nil {
		return err
	}
	if bot.State != db.BotStateRunning {
		return nil
	}

	logger := config.NewBotLogger(bot.ID.String(), bot.Pair)

	// A stale market is not actionable; the periodic tick retries.
	if _, err := e.gateway.GetTicker(ctx, bot.Pair); err != nil {
		return fmt.Errorf("ticker unavailable: %w", err)
	}

	candles, wasStale, err := e.cache.Get(ctx, bot.Pair, e.cfg.Granularity, e.cfg.CandleLimit)
	if err != nil {
		return fmt.Errorf("candles unavailable: %w", err)
	}
	if wasStale {
		logger.Debug().Msg("Evaluating on stale candles")
	}

	thresholds := e.cfg.Thresholds.ForBot(bot)

	scores, combined, anyValid := Aggregate(bot.SignalConfig, candles)

	// With zero enabled-and-valid signals the bot holds and never
	// enters a confirmation window.
	action := ActionHold
	if anyValid {
		action = DetermineAction(combined, thresholds)
	}
	temperature := ClassifyTemperature(combined, thresholds)

	now := time.Now()
	result := AdvanceConfirmation(
		Confirmation{StartAt: bot.ConfirmationStartAt, Action: bot.ConfirmingAction},
		action, now, bot.ConfirmationSeconds,
	)

	if err := e.store.UpdateEvaluationState(ctx, bot.ID, combined, now, result.State.StartAt, result.State.Action); err != nil {
		return fmt.Errorf("failed to persist evaluation state: %w", err)
	}

	e.recordHistory(ctx, bot, scores, combined, action, temperature, result)

	logger.Debug().
		Float64("combined", combined).
		Str("action", string(action)).
		Str("temperature", string(temperature)).
		Bool("confirmed", result.Confirmed).
		Float64("progress", result.Progress).
		Msg("Evaluation pass")

	if !result.Confirmed {
		return nil
	}

	// Consume the confirmed action. Whatever the outcome, the window
	// resets: a failed placement must earn a fresh confirmation.
	execErr := e.trader.ExecuteConfirmed(ctx, bot, string(action), e.signalContext(scores, combined))
	if resetErr := e.store.UpdateEvaluationState(ctx, bot.ID, combined, now, nil, nil); resetErr != nil {
		logger.Error().Err(resetErr).Msg("Failed to reset confirmation after execution")
	}
	if execErr != nil {
		logger.Info().Err(execErr).Str("action", string(action)).Msg("Confirmed action not executed")
	}
	return nil
}

// resetConfirmationFor clears the confirmation window of the bot behind
// a triggered_by attribution, if any
func (e *Evaluator) resetConfirmationFor(ctx context.Context, triggeredBy string) {
	const prefix = "bot:"
	if len(triggeredBy) <= len(prefix) || triggeredBy[:len(prefix)] != prefix {
		return
	}
	botID, err := uuid.Parse(triggeredBy[len(prefix):])
	if err != nil {
		return
	}

	bot, err := e.store.GetBot(ctx, botID)
	if err != nil || bot.ConfirmationStartAt == nil {
		return
	}

	score := 0.0
	if bot.LastCombinedScore != nil {
		score = *bot.LastCombinedScore
	}
	if err := e.store.UpdateEvaluationState(ctx, botID, score, time.Now(), nil, nil); err != nil {
		e.logger.Error().Err(err).Str("bot_id", botID.String()).Msg("Failed to reset confirmation on trade event")
	}
}

// recordHistory persists one signal history row
func (e *Evaluator) recordHistory(ctx context.Context, bot *db.Bot, scores map[db.SignalKind]Score, combined float64, action Action, temperature Temperature, result ConfirmationResult) {
	scoreMap := make(map[string]float64, len(scores))
	weightMap := make(map[string]float64, len(scores))
	for kind, s := range scores {
		scoreMap[string(kind)] = s.Value
		weightMap[string(kind)] = bot.SignalConfig[kind].Weight
	}

	eval := &db.SignalEvaluation{
		BotID:              bot.ID,
		Scores:             scoreMap,
		Weights:            weightMap,
		CombinedScore:      combined,
		Action:             string(action),
		Temperature:        string(temperature),
		ConfirmationActive: !result.State.Idle(),
		Progress:           result.Progress,
	}
	if err := e.store.InsertEvaluation(ctx, eval); err != nil {
		e.logger.Error().Err(err).Str("bot_id", bot.ID.String()).Msg("Failed to record signal history")
	}
}

// signalContext builds the JSON snapshot stored on trades
func (e *Evaluator) signalContext(scores map[db.SignalKind]Score, combined float64) map[string]interface{} {
	ctx := map[string]interface{}{"combined": combined}
	for kind, s := range scores {
		ctx[string(kind)] = s.Value
	}
	return ctx
}

// Preview computes a fresh evaluation snapshot for a bot without
// mutating any state. Backs the control API's bot status endpoint.
func (e *Evaluator) Preview(ctx context.Context, bot *db.Bot) (*db.SignalEvaluation, error) {
	candles, _, err := e.cache.Get(ctx, bot.Pair, e.cfg.Granularity, e.cfg.CandleLimit)
	if err != nil {
		return nil, err
	}

	thresholds := e.cfg.Thresholds.ForBot(bot)
	scores, combined, anyValid := Aggregate(bot.SignalConfig, candles)

	action := ActionHold
	if anyValid {
		action = DetermineAction(combined, thresholds)
	}

	scoreMap := make(map[string]float64, len(scores))
	weightMap := make(map[string]float64, len(scores))
	for kind, s := range scores {
		scoreMap[string(kind)] = s.Value
		weightMap[string(kind)] = bot.SignalConfig[kind].Weight
	}

	progress := 0.0
	if bot.ConfirmationStartAt != nil && bot.ConfirmationSeconds > 0 {
		elapsed := time.Since(*bot.ConfirmationStartAt)
		progress = clip(0, 1, float64(elapsed)/float64(time.Duration(bot.ConfirmationSeconds)*time.Second))
	}

	return &db.SignalEvaluation{
		BotID:              bot.ID,
		EvaluatedAt:        time.Now(),
		Scores:             scoreMap,
		Weights:            weightMap,
		CombinedScore:      combined,
		Action:             string(action),
		Temperature:        string(ClassifyTemperature(combined, thresholds)),
		ConfirmationActive: bot.ConfirmationStartAt != nil,
		Progress:           progress,
	}, nil
}
