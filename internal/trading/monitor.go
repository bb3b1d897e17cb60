package trading

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/coinpilot/coinpilot/internal/bus"
	"github.com/coinpilot/coinpilot/internal/config"
	"github.com/coinpilot/coinpilot/internal/db"
	"github.com/coinpilot/coinpilot/internal/exchange"
	"github.com/coinpilot/coinpilot/internal/metrics"
	"github.com/coinpilot/coinpilot/internal/risk"
)

// MonitorConfig tunes the per-order watchers
type MonitorConfig struct {
	PollInterval time.Duration
	MaxDuration  time.Duration
	MaxWatchers  int
}

// Monitor resolves individual pending orders quickly: one bounded
// watcher per order id polling status until terminal or timeout. Orders
// beyond the concurrency cap are left to the sweeper.
type Monitor struct {
	store   *db.DB
	gateway *exchange.Gateway
	events  *bus.Bus
	safety  *risk.SafetyState
	cfg     MonitorConfig
	logger  zerolog.Logger

	mu       sync.Mutex
	watchers map[string]context.CancelFunc
	baseCtx  context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewMonitor creates the order monitor
func NewMonitor(store *db.DB, gateway *exchange.Gateway, events *bus.Bus, safety *risk.SafetyState, cfg MonitorConfig) *Monitor {
	ctx, cancel := context.WithCancel(context.Background())
	return &Monitor{
		store:    store,
		gateway:  gateway,
		events:   events,
		safety:   safety,
		cfg:      cfg,
		logger:   config.NewLogger("monitor"),
		watchers: make(map[string]context.CancelFunc),
		baseCtx:  ctx,
		cancel:   cancel,
	}
}

// Register starts a watcher for an order. Re-registering a live order
// id is a no-op; past the watcher cap the order is left to the sweeper.
func (m *Monitor) Register(orderID string, tradeID uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.watchers[orderID]; exists {
		return
	}
	if len(m.watchers) >= m.cfg.MaxWatchers {
		m.logger.Warn().
			Str("order_id", orderID).
			Int("watchers", len(m.watchers)).
			Msg("Watcher cap reached, leaving order to the sweeper")
		return
	}

	watchCtx, cancel := context.WithTimeout(m.baseCtx, m.cfg.MaxDuration)
	m.watchers[orderID] = cancel
	metrics.MonitorWatchers.Set(float64(len(m.watchers)))

	m.wg.Add(1)
	go m.watch(watchCtx, orderID, tradeID)
}

// watch polls one order until terminal status or timeout
func (m *Monitor) watch(ctx context.Context, orderID string, tradeID uuid.UUID) {
	defer m.wg.Done()
	defer func() {
		m.mu.Lock()
		if cancel, ok := m.watchers[orderID]; ok {
			cancel()
			delete(m.watchers, orderID)
		}
		metrics.MonitorWatchers.Set(float64(len(m.watchers)))
		m.mu.Unlock()
	}()

	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// Timeout or shutdown: the trade stays pending and the
			// sweeper takes over.
			m.logger.Debug().Str("order_id", orderID).Msg("Watcher finished without resolution")
			return
		case <-ticker.C:
			state, err := m.gateway.GetOrderStatus(ctx, orderID)
			if err != nil {
				m.logger.Debug().Err(err).Str("order_id", orderID).Msg("Status poll failed")
				continue
			}
			if !state.Status.Terminal() {
				continue
			}

			trade, err := m.store.GetTrade(ctx, tradeID)
			if err != nil {
				m.logger.Error().Err(err).Str("trade_id", tradeID.String()).Msg("Trade lookup failed")
				return
			}
			if trade.Status.Terminal() {
				return
			}

			if _, err := resolveTerminal(ctx, m.store, m.events, m.safety, trade, state); err != nil {
				m.logger.Error().Err(err).Str("order_id", orderID).Msg("Resolution failed")
				continue
			}
			return
		}
	}
}

// AbortAll cancels every in-flight watcher without stopping the
// monitor; their trades stay pending for the sweeper. Used by the
// emergency stop.
func (m *Monitor) AbortAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, cancel := range m.watchers {
		cancel()
	}
}

// ActiveWatchers returns the current watcher count
func (m *Monitor) ActiveWatchers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.watchers)
}

// Stop aborts all watchers and waits for them to drain within the grace
func (m *Monitor) Stop(grace time.Duration) {
	m.cancel()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(grace):
		m.logger.Warn().Msg("Monitor shutdown grace exceeded, abandoning watchers")
	}
}
