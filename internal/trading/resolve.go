package trading

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/coinpilot/coinpilot/internal/bus"
	"github.com/coinpilot/coinpilot/internal/db"
	"github.com/coinpilot/coinpilot/internal/exchange"
	"github.com/coinpilot/coinpilot/internal/metrics"
	"github.com/coinpilot/coinpilot/internal/portfolio"
	"github.com/coinpilot/coinpilot/internal/risk"
)

// resolveTerminal applies a terminal exchange status to a pending trade
// record and publishes the status event. Shared by the monitor and the
// sweeper; idempotent — a trade already resolved by the other path is a
// clean no-op (the store rejects the second transition). A sell that
// completes here feeds its realized loss into the daily-loss counter.
func resolveTerminal(ctx context.Context, store *db.DB, events *bus.Bus, safety *risk.SafetyState, trade *db.Trade, state *exchange.OrderState) (bool, error) {
	var target db.TradeStatus
	var fill *db.TradeFill

	switch state.Status {
	case exchange.OrderStatusFilled:
		normalized := exchange.NormalizeFill(state)
		target = db.TradeStatusCompleted
		fill = &db.TradeFill{
			SizeUSD:       normalized.SizeUSD,
			SizeCrypto:    normalized.SizeCrypto,
			Price:         normalized.Price,
			CommissionUSD: normalized.CommissionUSD,
			FilledAt:      time.Now(),
		}
	case exchange.OrderStatusCancelled:
		target = db.TradeStatusCancelled
	case exchange.OrderStatusRejected:
		target = db.TradeStatusFailed
	default:
		return false, nil
	}

	err := store.TransitionTradeStatus(ctx, trade.ID, target, fill)
	if err != nil {
		if errors.Is(err, db.ErrStatusConflict) {
			// Another resolver won the race; same terminal outcome.
			return true, nil
		}
		return false, fmt.Errorf("failed to resolve trade %s: %w", trade.ID, err)
	}

	metrics.TradesResolved.WithLabelValues(string(target)).Inc()

	if target == db.TradeStatusCompleted && trade.Side == db.TradeSideSell {
		settled := *trade
		settled.Status = db.TradeStatusCompleted
		settled.SizeUSD = fill.SizeUSD
		settled.SizeCrypto = fill.SizeCrypto
		settled.Price = fill.Price
		settled.FilledAt = &fill.FilledAt
		recordSellLoss(ctx, store, safety, &settled)
	}

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
		Status:      string(target),
		SizeUSD:     trade.SizeUSD,
		Timestamp:   time.Now(),
	}
	if fill != nil {
		event.SizeUSD = fill.SizeUSD
	}
	if err := events.Publish(bus.TopicTradeStatus, event); err != nil {
		log.Warn().Err(err).Str("trade_id", trade.ID.String()).Msg("Trade status publish failed")
	}

	log.Info().
		Str("trade_id", trade.ID.String()).
		Str("order_id", orderID).
		Str("status", string(target)).
		Msg("Pending trade resolved")

	return true, nil
}

// recordSellLoss FIFO-matches a completed sell against the pair's trade
// log and feeds a realized loss into the shared daily-loss counter, the
// input of the global safety gate.
func recordSellLoss(ctx context.Context, store *db.DB, safety *risk.SafetyState, sell *db.Trade) {
	if safety == nil {
		return
	}

	history, err := store.CompletedTradesByPair(ctx, sell.ProductID)
	if err != nil {
		log.Warn().
			Err(err).
			Str("trade_id", sell.ID.String()).
			Msg("Trade log unavailable, realized loss not counted")
		return
	}

	pnl := portfolio.SellRealizedPnL(history, sell)
	if pnl >= 0 {
		return
	}

	safety.RecordLoss(ctx, -pnl)
	log.Info().
		Str("trade_id", sell.ID.String()).
		Str("product_id", sell.ProductID).
		Float64("realized_pnl", pnl).
		Msg("Realized loss counted against daily cap")
}
