package trading

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/coinpilot/coinpilot/internal/bus"
	"github.com/coinpilot/coinpilot/internal/config"
	"github.com/coinpilot/coinpilot/internal/db"
	"github.com/coinpilot/coinpilot/internal/exchange"
	"github.com/coinpilot/coinpilot/internal/lock"
	"github.com/coinpilot/coinpilot/internal/metrics"
	"github.com/coinpilot/coinpilot/internal/risk"
	"github.com/coinpilot/coinpilot/internal/signal"
)

// ErrExecution means order placement failed after validation. No trade
// record exists; the confirmation window resets.
var ErrExecution = errors.New("order placement failed")

// ErrRejected means a decision gate rejected the confirmed action
var ErrRejected = errors.New("trade rejected")

// ExecutorConfig tunes the immediate-fill probe
type ExecutorConfig struct {
	FillProbeAttempts int
	FillProbeInterval time.Duration
}

// Executor executes an approved intent exactly once under the
// distributed trade mutex, records it and hands off monitoring.
type Executor struct {
	store   *db.DB
	gateway *exchange.Gateway
	decider *Decider
	mutex   *lock.Mutex
	events  *bus.Bus
	monitor *Monitor
	safety  *risk.SafetyState
	cfg     ExecutorConfig
	logger  zerolog.Logger
}

// NewExecutor creates the trade executor
func NewExecutor(store *db.DB, gateway *exchange.Gateway, decider *Decider, mutex *lock.Mutex, events *bus.Bus, monitor *Monitor, safety *risk.SafetyState, cfg ExecutorConfig) *Executor {
	return &Executor{
		store:   store,
		gateway: gateway,
		decider: decider,
		mutex:   mutex,
		events:  events,
		monitor: monitor,
		safety:  safety,
		cfg:     cfg,
		logger:  config.NewLogger("executor"),
	}
}

// ExecuteConfirmed consumes a confirmed action: decide, then execute
// under the distributed mutex. Implements the evaluator's Trader.
func (ex *Executor) ExecuteConfirmed(ctx context.Context, bot *db.Bot, action string, signalContext map[string]interface{}) error {
	decision, err := ex.decider.Decide(ctx, bot, signal.Action(action))
	if err != nil {
		return fmt.Errorf("decision failed: %w", err)
	}
	if !decision.Approved {
		ex.logger.Info().
			Str("bot_id", bot.ID.String()).
			Str("action", action).
			Str("reason", decision.Reason).
			Msg("Confirmed action rejected by gates")
		return fmt.Errorf("%w: %s", ErrRejected, decision.Reason)
	}

	return ex.Execute(ctx, bot.ID, signal.Action(action), decision.SizeUSD, signalContext)
}

// Execute places one order for a bot under the trade mutex. The mutex
// is process-external so concurrent workers serialize here; a held lock
// returns lock.ErrBusy and the decision is discarded.
func (ex *Executor) Execute(ctx context.Context, botID uuid.UUID, action signal.Action, sizeUSD float64, signalContext map[string]interface{}) error {
	key := "trade:" + botID.String()

	return ex.mutex.WithLock(ctx, key, func(ctx context.Context) error {
		// Re-load the bot: state may have changed since the decision.
		bot, err := ex.store.GetBot(ctx, botID)
		if err != nil {
			return fmt.Errorf("failed to reload bot: %w", err)
		}
		if bot.State != db.BotStateRunning {
			return fmt.Errorf("%w: %s", ErrRejected, ReasonBotNotRunning)
		}

		// Defense in depth: re-run the racy gates under the lock.
		pending, err := ex.store.PendingTradeCount(ctx, bot.TriggeredBy())
		if err != nil {
			return err
		}
		if pending > 0 {
			return fmt.Errorf("%w: %s", ErrRejected, ReasonPendingOrderExists)
		}
		cooled, err := ex.decider.cooldownElapsed(ctx, bot, time.Now())
		if err != nil {
			return err
		}
		if !cooled {
			return fmt.Errorf("%w: %s", ErrRejected, ReasonCooldownActive)
		}

		side := exchange.SideBuy
		if action == signal.ActionSell {
			side = exchange.SideSell
		}

		ack, err := ex.gateway.PlaceMarketOrder(ctx, bot.Pair, side, sizeUSD)
		if err != nil {
			// No order id means nothing to record; publish the failure
			// and let the confirmation reset upstream.
			ex.publishSyncIssue("execution_failed", "", "", bot.Pair, err.Error())
			return fmt.Errorf("%w: %v", ErrExecution, err)
		}

		trade := ex.buildTrade(bot, side, sizeUSD, ack, signalContext)

		// Immediate-fill probe: a market order usually fills within the
		// first few polls; catching it here avoids a monitor round trip.
		state := ex.probeFill(ctx, ack.OrderID)
		if state != nil && state.Status == exchange.OrderStatusFilled {
			fill := exchange.NormalizeFill(state)
			now := time.Now()
			trade.Status = db.TradeStatusCompleted
			trade.SizeUSD = fill.SizeUSD
			trade.SizeCrypto = fill.SizeCrypto
			trade.Price = fill.Price
			trade.CommissionUSD = fill.CommissionUSD
			trade.FilledAt = &now
		}

		// A placed order is never left unrecorded, whatever the probe saw.
		if err := ex.store.InsertTrade(ctx, trade); err != nil {
			ex.publishSyncIssue("record_failed", trade.ID.String(), ack.OrderID, bot.Pair, err.Error())
			return fmt.Errorf("order %s placed but record failed: %w", ack.OrderID, err)
		}

		ex.safety.RecordTrade(ctx)
		metrics.TradesPlaced.WithLabelValues(string(side)).Inc()

		ex.publishTradeStatus(trade)

		if trade.Status == db.TradeStatusPending {
			ex.monitor.Register(ack.OrderID, trade.ID)
		} else {
			metrics.TradesResolved.WithLabelValues(string(trade.Status)).Inc()
			if trade.Side == db.TradeSideSell {
				recordSellLoss(ctx, ex.store, ex.safety, trade)
			}
		}

		ex.logger.Info().
			Str("bot_id", bot.ID.String()).
			Str("trade_id", trade.ID.String()).
			Str("order_id", ack.OrderID).
			Str("side", string(side)).
			Str("status", string(trade.Status)).
			Float64("size_usd", trade.SizeUSD).
			Msg("Trade executed")

		return nil
	})
}

// buildTrade assembles the pending trade record from the acknowledgment
func (ex *Executor) buildTrade(bot *db.Bot, side exchange.Side, sizeUSD float64, ack *exchange.OrderAck, signalContext map[string]interface{}) *db.Trade {
	orderID := ack.OrderID
	price := ack.ExchangePrice

	var sizeCrypto float64
	if price > 0 {
		sizeCrypto = sizeUSD / price
	}

	return &db.Trade{
		OrderID:       &orderID,
		TriggeredBy:   bot.TriggeredBy(),
		ProductID:     bot.Pair,
		Side:          db.TradeSide(side),
		SizeUSD:       sizeUSD,
		SizeCrypto:    sizeCrypto,
		Price:         price,
		Status:        db.TradeStatusPending,
		SignalContext: signalContext,
	}
}

// probeFill polls order status for the immediate-fill window. Errors
// and non-terminal statuses leave the trade pending for the monitor.
func (ex *Executor) probeFill(ctx context.Context, orderID string) *exchange.OrderState {
	for attempt := 0; attempt < ex.cfg.FillProbeAttempts; attempt++ {
		state, err := ex.gateway.GetOrderStatus(ctx, orderID)
		if err == nil && state.Status.Terminal() {
			return state
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(ex.cfg.FillProbeInterval):
		}
	}
	return nil
}

// publishTradeStatus fans the trade's current status out on the bus
func (ex *Executor) publishTradeStatus(trade *db.Trade) {
	orderID := ""
	if trade.OrderID != nil {
		orderID = *trade.OrderID
	}
	event := bus.TradeStatusEvent{
		TradeID:     trade.ID.String(),
		OrderID:     orderID,
		TriggeredBy: trade.TriggeredBy,
		ProductID:   trade.ProductID,
		Side:        string(trade.Side),
		Status:      string(trade.Status),
		SizeUSD:     trade.SizeUSD,
		Timestamp:   time.Now(),
	}
	if err := ex.events.Publish(bus.TopicTradeStatus, event); err != nil {
		ex.logger.Warn().Err(err).Str("trade_id", trade.ID.String()).Msg("Trade status publish failed")
	}
}

// publishSyncIssue reports an execution-path inconsistency
func (ex *Executor) publishSyncIssue(kind, tradeID, orderID, productID, detail string) {
	report := bus.SyncIssueReport{
		Kind:      kind,
		TradeID:   tradeID,
		OrderID:   orderID,
		ProductID: productID,
		Detail:    detail,
		Timestamp: time.Now(),
	}
	if err := ex.events.Publish(bus.TopicSyncIssue, report); err != nil {
		ex.logger.Warn().Err(err).Msg("Sync issue publish failed")
	}
}
