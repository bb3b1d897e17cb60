package trading

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coinpilot/coinpilot/internal/db"
	"github.com/coinpilot/coinpilot/internal/exchange"
	"github.com/coinpilot/coinpilot/internal/risk"
	"github.com/coinpilot/coinpilot/internal/signal"
)

func noRowsErr() error {
	return pgx.ErrNoRows
}

func newTestDecider(t *testing.T, paper *exchange.PaperClient) (*Decider, pgxmock.PgxPoolIface, *risk.SafetyState) {
	t.Helper()

	store, mock := newMockStore(t)
	gateway := newTestGateway(paper)
	safety := risk.NewSafetyState(newTestRedis(t), risk.SafetyLimits{})

	return NewDecider(store, gateway, safety), mock, safety
}

func TestDecide_BotNotRunning(t *testing.T) {
	decider, _, _ := newTestDecider(t, exchange.NewPaperClient(0))

	bot := testBot()
	bot.State = db.BotStateStopped

	decision, err := decider.Decide(context.Background(), bot, signal.ActionBuy)
	require.NoError(t, err)
	assert.False(t, decision.Approved)
	assert.Equal(t, ReasonBotNotRunning, decision.Reason)
}

func TestDecide_PendingOrderBlocks(t *testing.T) {
	paper := exchange.NewPaperClient(0)
	decider, mock, _ := newTestDecider(t, paper)

	bot := testBot()
	expectPendingCount(mock, 1)

	decision, err := decider.Decide(context.Background(), bot, signal.ActionBuy)
	require.NoError(t, err)
	assert.Equal(t, ReasonPendingOrderExists, decision.Reason)
}

func TestDecide_CooldownRespected(t *testing.T) {
	paper := exchange.NewPaperClient(0)

	tests := []struct {
		name         string
		sinceFill    time.Duration
		wantApproved bool
		wantReason   string
	}{
		{"rejected 600s after fill", 600 * time.Second, false, ReasonCooldownActive},
		{"approved 901s after fill", 901 * time.Second, true, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			decider, mock, _ := newTestDecider(t, paper)
			bot := testBot() // cooldown 900s

			filledAt := time.Now().Add(-tt.sinceFill)
			last := &db.Trade{
				ID:          uuid.New(),
				TriggeredBy: bot.TriggeredBy(),
				ProductID:   bot.Pair,
				Side:        db.TradeSideBuy,
				SizeUSD:     10,
				Status:      db.TradeStatusCompleted,
				CreatedAt:   filledAt.Add(-time.Second),
				FilledAt:    &filledAt,
			}

			expectPendingCount(mock, 0)
			expectLastCompleted(mock, last)

			decision, err := decider.Decide(context.Background(), bot, signal.ActionBuy)
			require.NoError(t, err)
			assert.Equal(t, tt.wantApproved, decision.Approved)
			assert.Equal(t, tt.wantReason, decision.Reason)
		})
	}
}

func TestDecide_NeverTradedPassesCooldown(t *testing.T) {
	paper := exchange.NewPaperClient(0)
	decider, mock, _ := newTestDecider(t, paper)
	bot := testBot()

	expectPendingCount(mock, 0)
	expectLastCompleted(mock, nil)

	decision, err := decider.Decide(context.Background(), bot, signal.ActionBuy)
	require.NoError(t, err)
	assert.True(t, decision.Approved)
	assert.Equal(t, 10.0, decision.SizeUSD)
}

func TestDecide_BuyInsufficientBalance(t *testing.T) {
	paper := exchange.NewPaperClient(0)
	paper.SetBalance("USD", 1) // below max($5, 10% of size)
	decider, mock, _ := newTestDecider(t, paper)
	bot := testBot()

	expectPendingCount(mock, 0)
	expectLastCompleted(mock, nil)

	decision, err := decider.Decide(context.Background(), bot, signal.ActionBuy)
	require.NoError(t, err)
	assert.Equal(t, ReasonInsufficientBalance, decision.Reason)
}

func TestDecide_SellWithZeroCryptoRejected(t *testing.T) {
	paper := exchange.NewPaperClient(0)
	decider, mock, _ := newTestDecider(t, paper)
	bot := testBot()

	expectPendingCount(mock, 0)
	expectLastCompleted(mock, nil)

	decision, err := decider.Decide(context.Background(), bot, signal.ActionSell)
	require.NoError(t, err)
	assert.False(t, decision.Approved)
	assert.Equal(t, ReasonInsufficientBalance, decision.Reason)
}

func TestDecide_SellSizedToAvailableCrypto(t *testing.T) {
	paper := exchange.NewPaperClient(0)
	paper.SetPrice("BTC-USD", 40000)
	paper.SetBalance("BTC", 0.0001) // less than position_size_usd/price
	decider, mock, _ := newTestDecider(t, paper)
	bot := testBot()

	expectPendingCount(mock, 0)
	expectLastCompleted(mock, nil)

	decision, err := decider.Decide(context.Background(), bot, signal.ActionSell)
	require.NoError(t, err)
	require.True(t, decision.Approved)
	assert.InDelta(t, 0.0001*40000, decision.SizeUSD, 1e-6)
}

func TestDecide_SellBelowExchangeMinimum(t *testing.T) {
	paper := exchange.NewPaperClient(0)
	paper.SetPrice("BTC-USD", 40000)
	paper.SetBalance("BTC", 0.00002) // sizeUSD 0.8 < min quote size 1
	decider, mock, _ := newTestDecider(t, paper)
	bot := testBot()

	expectPendingCount(mock, 0)
	expectLastCompleted(mock, nil)

	decision, err := decider.Decide(context.Background(), bot, signal.ActionSell)
	require.NoError(t, err)
	assert.Equal(t, ReasonBelowMinSell, decision.Reason)
}

func TestDecide_EmergencyStopBlocks(t *testing.T) {
	paper := exchange.NewPaperClient(0)
	decider, mock, safety := newTestDecider(t, paper)
	bot := testBot()

	require.NoError(t, safety.EmergencyStop(context.Background()))

	expectPendingCount(mock, 0)
	expectLastCompleted(mock, nil)

	decision, err := decider.Decide(context.Background(), bot, signal.ActionBuy)
	require.NoError(t, err)
	assert.Equal(t, risk.ReasonEmergencyStop, decision.Reason)
}
