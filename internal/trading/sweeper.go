package trading

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/coinpilot/coinpilot/internal/alerts"
	"github.com/coinpilot/coinpilot/internal/bus"
	"github.com/coinpilot/coinpilot/internal/config"
	"github.com/coinpilot/coinpilot/internal/db"
	"github.com/coinpilot/coinpilot/internal/exchange"
	"github.com/coinpilot/coinpilot/internal/metrics"
	"github.com/coinpilot/coinpilot/internal/risk"
)

// SweeperConfig tunes the reconciliation schedule
type SweeperConfig struct {
	Interval            time.Duration
	Grace               time.Duration
	StaleAlertThreshold time.Duration
}

// Sweeper periodically reconciles pending trade records with exchange
// reality, catching anything the monitor missed. Idempotent over
// already-terminal trades: they never enter its query.
type Sweeper struct {
	store   *db.DB
	gateway *exchange.Gateway
	events  *bus.Bus
	safety  *risk.SafetyState
	alerter *alerts.Manager
	cfg     SweeperConfig
	logger  zerolog.Logger
}

// NewSweeper creates the reconciliation sweeper
func NewSweeper(store *db.DB, gateway *exchange.Gateway, events *bus.Bus, safety *risk.SafetyState, alerter *alerts.Manager, cfg SweeperConfig) *Sweeper {
	return &Sweeper{
		store:   store,
		gateway: gateway,
		events:  events,
		safety:  safety,
		alerter: alerter,
		cfg:     cfg,
		logger:  config.NewLogger("sweeper"),
	}
}

// Run sweeps on the configured interval until ctx is cancelled
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep runs one reconciliation pass
func (s *Sweeper) Sweep(ctx context.Context) {
	cutoff := time.Now().Add(-s.cfg.Grace)
	pending, err := s.store.ListPendingTradesOlderThan(ctx, cutoff)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to list pending trades")
		return
	}
	if len(pending) == 0 {
		return
	}

	s.logger.Debug().Int("pending", len(pending)).Msg("Sweeping pending trades")

	for _, trade := range pending {
		select {
		case <-ctx.Done():
			return
		default:
		}
		s.sweepOne(ctx, trade)
	}
}

// sweepOne reconciles a single pending trade
func (s *Sweeper) sweepOne(ctx context.Context, trade *db.Trade) {
	age := time.Since(trade.CreatedAt)

	if age >= s.cfg.StaleAlertThreshold {
		s.alertStale(ctx, trade, age)
	}

	if trade.OrderID == nil {
		// A pending trade with no order id cannot be reconciled against
		// the exchange; flag it and move on.
		s.reportSyncIssue(trade, "pending trade has no order id")
		return
	}

	state, err := s.gateway.GetOrderStatus(ctx, *trade.OrderID)
	if err != nil {
		s.logger.Debug().Err(err).Str("order_id", *trade.OrderID).Msg("Status fetch failed during sweep")
		return
	}
	if !state.Status.Terminal() {
		return
	}

	resolved, err := resolveTerminal(ctx, s.store, s.events, s.safety, trade, state)
	if err != nil {
		s.logger.Error().Err(err).Str("trade_id", trade.ID.String()).Msg("Sweep resolution failed")
		return
	}
	if resolved {
		metrics.SweeperResolved.Inc()
		// The monitor should have caught this; count the miss.
		s.reportSyncIssue(trade, "closed by sweeper after monitor window")
	}
}

// alertStale emits a StaleOrderAlert for a long-pending trade
func (s *Sweeper) alertStale(ctx context.Context, trade *db.Trade, age time.Duration) {
	metrics.StaleOrderAlerts.Inc()

	orderID := ""
	if trade.OrderID != nil {
		orderID = *trade.OrderID
	}
	alert := bus.StaleOrderAlert{
		TradeID:   trade.ID.String(),
		OrderID:   orderID,
		ProductID: trade.ProductID,
		Age:       age,
		Timestamp: time.Now(),
	}
	if err := s.events.Publish(bus.TopicSyncIssue, alert); err != nil {
		s.logger.Warn().Err(err).Msg("Stale order alert publish failed")
	}

	if s.alerter != nil {
		s.alerter.SendWarning(ctx, "Stale pending order",
			"Trade has been pending beyond the stale threshold",
			map[string]interface{}{
				"trade_id":   trade.ID.String(),
				"order_id":   orderID,
				"product_id": trade.ProductID,
				"age":        age.String(),
			})
	}
}

// reportSyncIssue publishes a SyncIssueReport for observability
func (s *Sweeper) reportSyncIssue(trade *db.Trade, detail string) {
	metrics.SweeperSyncIssues.Inc()

	orderID := ""
	if trade.OrderID != nil {
		orderID = *trade.OrderID
	}
	report := bus.SyncIssueReport{
		Kind:      "sweeper_closed",
		TradeID:   trade.ID.String(),
		OrderID:   orderID,
		ProductID: trade.ProductID,
		Detail:    detail,
		Timestamp: time.Now(),
	}
	if err := s.events.Publish(bus.TopicSyncIssue, report); err != nil {
		s.logger.Warn().Err(err).Msg("Sync issue publish failed")
	}
}
