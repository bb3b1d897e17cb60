package trading

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/pashagolub/pgxmock/v3"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/coinpilot/coinpilot/internal/bus"
	"github.com/coinpilot/coinpilot/internal/db"
	"github.com/coinpilot/coinpilot/internal/exchange"
	"github.com/coinpilot/coinpilot/internal/risk"
)

// testBot returns a runnable bot fixture
func testBot() *db.Bot {
	return &db.Bot{
		ID:                  uuid.New(),
		Name:                "b1",
		Pair:                "BTC-USD",
		State:               db.BotStateRunning,
		SignalConfig:        db.SignalConfig{},
		ConfirmationSeconds: 300,
		CooldownSeconds:     900,
		PositionSizeUSD:     10,
		SkipOnLowBalance:    true,
	}
}

// newMockStore wraps a pgxmock pool as the store
func newMockStore(t *testing.T) (*db.DB, pgxmock.PgxPoolIface) {
	t.Helper()

	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	return db.NewWithPool(mock), mock
}

// anyArgs matches n arguments of any value; pgxmock checks the argument
// count of every expectation
func anyArgs(n int) []interface{} {
	args := make([]interface{}, n)
	for i := range args {
		args[i] = pgxmock.AnyArg()
	}
	return args
}

// newTestRedis returns a client backed by miniredis
func newTestRedis(t *testing.T) *redis.Client {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return rdb
}

// newTestGateway builds a gateway over the paper exchange
func newTestGateway(paper *exchange.PaperClient) *exchange.Gateway {
	return exchange.NewGateway(paper, nil, risk.NewCircuitBreakerManager(), exchange.GatewayConfig{
		TickerTTL:    10 * time.Second,
		MaxStaleness: time.Minute,
		AccountsTTL:  time.Minute,
		RateLimitRPS: 1000,
		RateBurst:    100,
	})
}

// newTestBus connects to an embedded broker
func newTestBus(t *testing.T) *bus.Bus {
	t.Helper()

	ns, url, err := bus.StartEmbedded()
	require.NoError(t, err)
	t.Cleanup(ns.Shutdown)

	b, err := bus.New(url, 256)
	require.NoError(t, err)
	t.Cleanup(b.Close)
	return b
}

// expectGetBot queues the bot row for a GetBot call
func expectGetBot(mock pgxmock.PgxPoolIface, bot *db.Bot) {
	configJSON, _ := json.Marshal(bot.SignalConfig)
	rows := pgxmock.NewRows([]string{
		"id", "name", "pair", "state", "signal_config", "confirmation_seconds",
		"cooldown_seconds", "position_size_usd", "buy_threshold", "sell_threshold",
		"skip_on_low_balance", "confirmation_start_at", "confirming_action",
		"last_combined_score", "last_evaluated_at", "created_at", "updated_at",
	}).AddRow(
		bot.ID, bot.Name, bot.Pair, bot.State, configJSON, bot.ConfirmationSeconds,
		bot.CooldownSeconds, bot.PositionSizeUSD, bot.BuyThreshold, bot.SellThreshold,
		bot.SkipOnLowBalance, bot.ConfirmationStartAt, bot.ConfirmingAction,
		bot.LastCombinedScore, bot.LastEvaluatedAt, time.Now(), time.Now(),
	)
	mock.ExpectQuery("SELECT id, name, pair, state, signal_config").WithArgs(bot.ID).WillReturnRows(rows)
}

// expectPendingCount queues a pending-trade count result
func expectPendingCount(mock pgxmock.PgxPoolIface, count int) {
	mock.ExpectQuery("SELECT COUNT\\(\\*\\) FROM trades WHERE triggered_by").
		WithArgs(pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(count))
}

// expectLastCompleted queues the last completed trade, or none
func expectLastCompleted(mock pgxmock.PgxPoolIface, trade *db.Trade) {
	query := mock.ExpectQuery("SELECT id, order_id, triggered_by, product_id").WithArgs(pgxmock.AnyArg())
	if trade == nil {
		query.WillReturnError(noRowsErr())
		return
	}
	var contextJSON []byte
	query.WillReturnRows(pgxmock.NewRows([]string{
		"id", "order_id", "triggered_by", "product_id", "side", "size_usd",
		"size_crypto", "price", "commission_usd", "status", "created_at",
		"filled_at", "signal_context",
	}).AddRow(
		trade.ID, trade.OrderID, trade.TriggeredBy, trade.ProductID, trade.Side,
		trade.SizeUSD, trade.SizeCrypto, trade.Price, trade.CommissionUSD,
		trade.Status, trade.CreatedAt, trade.FilledAt, contextJSON,
	))
}
