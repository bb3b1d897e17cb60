package trading

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coinpilot/coinpilot/internal/db"
	"github.com/coinpilot/coinpilot/internal/exchange"
	"github.com/coinpilot/coinpilot/internal/risk"
)

func pendingTrade() *db.Trade {
	orderID := "order-1"
	return &db.Trade{
		ID:          uuid.New(),
		OrderID:     &orderID,
		TriggeredBy: "bot:b1",
		ProductID:   "BTC-USD",
		Side:        db.TradeSideBuy,
		SizeUSD:     10,
		Status:      db.TradeStatusPending,
		CreatedAt:   time.Now().Add(-time.Minute),
	}
}

func TestResolveTerminal_FilledCompletesTrade(t *testing.T) {
	store, mock := newMockStore(t)
	events := newTestBus(t)
	trade := pendingTrade()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT status FROM trades WHERE id = .+ FOR UPDATE").
		WithArgs(pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows([]string{"status"}).AddRow(db.TradeStatusPending))
	mock.ExpectExec("UPDATE trades SET").WithArgs(anyArgs(7)...).WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	resolved, err := resolveTerminal(context.Background(), store, events, nil, trade, &exchange.OrderState{
		OrderID:     "order-1",
		Status:      exchange.OrderStatusFilled,
		FilledSize:  10,
		FilledPrice: 42000,
		SizeInQuote: true,
	})

	require.NoError(t, err)
	assert.True(t, resolved)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestResolveTerminal_IdempotentOnSecondResolution(t *testing.T) {
	// A trade the monitor already completed: the transition conflicts
	// and the resolver treats it as done. Same terminal state both times.
	store, mock := newMockStore(t)
	events := newTestBus(t)
	trade := pendingTrade()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT status FROM trades WHERE id = .+ FOR UPDATE").
		WithArgs(pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows([]string{"status"}).AddRow(db.TradeStatusCompleted))
	mock.ExpectRollback()

	resolved, err := resolveTerminal(context.Background(), store, events, nil, trade, &exchange.OrderState{
		Status:      exchange.OrderStatusFilled,
		FilledSize:  10,
		FilledPrice: 42000,
		SizeInQuote: true,
	})

	require.NoError(t, err)
	assert.True(t, resolved)
}

func TestResolveTerminal_CancelledAndRejected(t *testing.T) {
	tests := []struct {
		exchangeStatus exchange.OrderStatus
	}{
		{exchange.OrderStatusCancelled},
		{exchange.OrderStatusRejected},
	}

	for _, tt := range tests {
		t.Run(string(tt.exchangeStatus), func(t *testing.T) {
			store, mock := newMockStore(t)
			events := newTestBus(t)
			trade := pendingTrade()

			mock.ExpectBegin()
			mock.ExpectQuery("SELECT status FROM trades WHERE id = .+ FOR UPDATE").
				WithArgs(pgxmock.AnyArg()).
				WillReturnRows(pgxmock.NewRows([]string{"status"}).AddRow(db.TradeStatusPending))
			mock.ExpectExec("UPDATE trades SET status").WithArgs(anyArgs(2)...).WillReturnResult(pgxmock.NewResult("UPDATE", 1))
			mock.ExpectCommit()

			resolved, err := resolveTerminal(context.Background(), store, events, nil, trade, &exchange.OrderState{
				Status: tt.exchangeStatus,
			})

			require.NoError(t, err)
			assert.True(t, resolved)
		})
	}
}

func TestResolveTerminal_LosingSellFeedsDailyLossCap(t *testing.T) {
	store, mock := newMockStore(t)
	events := newTestBus(t)
	safety := risk.NewSafetyState(newTestRedis(t), risk.SafetyLimits{MaxDailyLossUSD: 50})
	ctx := context.Background()

	sell := pendingTrade()
	sell.Side = db.TradeSideSell

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT status FROM trades WHERE id = .+ FOR UPDATE").
		WithArgs(pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows([]string{"status"}).AddRow(db.TradeStatusPending))
	mock.ExpectExec("UPDATE trades SET").WithArgs(anyArgs(7)...).WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	// FIFO history: one buy lot at 50000/unit; the sell fills 0.01 BTC
	// for 400 USD (40000/unit) -> realized loss 100, past the 50 cap.
	buyID := uuid.New()
	buyFilled := sell.CreatedAt.Add(-time.Hour)
	buyOrderID := "order-0"
	mock.ExpectQuery("SELECT id, order_id, triggered_by, product_id").
		WithArgs("BTC-USD").
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "order_id", "triggered_by", "product_id", "side", "size_usd",
			"size_crypto", "price", "commission_usd", "status", "created_at",
			"filled_at", "signal_context",
		}).AddRow(
			buyID, &buyOrderID, "bot:b1", "BTC-USD", db.TradeSideBuy, 500.0,
			0.01, 50000.0, 0.0, db.TradeStatusCompleted, buyFilled.Add(-time.Second),
			&buyFilled, []byte(nil),
		))

	resolved, err := resolveTerminal(ctx, store, events, safety, sell, &exchange.OrderState{
		Status:      exchange.OrderStatusFilled,
		FilledSize:  400,
		FilledPrice: 40000,
		SizeInQuote: true,
	})

	require.NoError(t, err)
	assert.True(t, resolved)
	assert.NoError(t, mock.ExpectationsWereMet())

	ok, reason := safety.Check(ctx)
	assert.False(t, ok)
	assert.Equal(t, risk.ReasonDailyLossCap, reason)
}

func TestResolveTerminal_WinningSellLeavesCapUntouched(t *testing.T) {
	store, mock := newMockStore(t)
	events := newTestBus(t)
	safety := risk.NewSafetyState(newTestRedis(t), risk.SafetyLimits{MaxDailyLossUSD: 50})
	ctx := context.Background()

	sell := pendingTrade()
	sell.Side = db.TradeSideSell

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT status FROM trades WHERE id = .+ FOR UPDATE").
		WithArgs(pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows([]string{"status"}).AddRow(db.TradeStatusPending))
	mock.ExpectExec("UPDATE trades SET").WithArgs(anyArgs(7)...).WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	buyID := uuid.New()
	buyFilled := sell.CreatedAt.Add(-time.Hour)
	buyOrderID := "order-0"
	mock.ExpectQuery("SELECT id, order_id, triggered_by, product_id").
		WithArgs("BTC-USD").
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "order_id", "triggered_by", "product_id", "side", "size_usd",
			"size_crypto", "price", "commission_usd", "status", "created_at",
			"filled_at", "signal_context",
		}).AddRow(
			buyID, &buyOrderID, "bot:b1", "BTC-USD", db.TradeSideBuy, 400.0,
			0.01, 40000.0, 0.0, db.TradeStatusCompleted, buyFilled.Add(-time.Second),
			&buyFilled, []byte(nil),
		))

	resolved, err := resolveTerminal(ctx, store, events, safety, sell, &exchange.OrderState{
		Status:      exchange.OrderStatusFilled,
		FilledSize:  600,
		FilledPrice: 60000,
		SizeInQuote: true,
	})

	require.NoError(t, err)
	assert.True(t, resolved)

	ok, _ := safety.Check(ctx)
	assert.True(t, ok)
}

func TestResolveTerminal_OpenIsNoOp(t *testing.T) {
	store, _ := newMockStore(t)
	events := newTestBus(t)

	resolved, err := resolveTerminal(context.Background(), store, events, nil, pendingTrade(), &exchange.OrderState{
		Status: exchange.OrderStatusOpen,
	})

	require.NoError(t, err)
	assert.False(t, resolved)
}
