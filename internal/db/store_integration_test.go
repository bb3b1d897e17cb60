package db

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// setupIntegrationStore starts a disposable postgres container, applies
// the schema and returns a live store. Skipped in -short runs.
func setupIntegrationStore(t *testing.T) *DB {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping store integration test in short mode")
	}

	ctx := context.Background()

	container, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("coinpilot_test"),
		postgres.WithUsername("postgres"),
		postgres.WithPassword("postgres"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() { container.Terminate(ctx) })

	url, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	store, err := New(ctx, url, 5)
	require.NoError(t, err)
	t.Cleanup(store.Close)

	schema, err := os.ReadFile(filepath.Join("..", "..", "migrations", "001_init.sql"))
	require.NoError(t, err)
	_, err = store.Pool().Exec(ctx, string(schema))
	require.NoError(t, err)

	return store
}

func TestStoreIntegration_BotLifecycle(t *testing.T) {
	store := setupIntegrationStore(t)
	ctx := context.Background()

	bot := &Bot{
		Name: "btc-swing",
		Pair: "BTC-USD",
		SignalConfig: SignalConfig{
			SignalKindRSI: {Enabled: true, Weight: 0.5, Params: map[string]float64{"period": 14}},
		},
		ConfirmationSeconds: 300,
		CooldownSeconds:     900,
		PositionSizeUSD:     25,
		SkipOnLowBalance:    true,
	}
	require.NoError(t, store.CreateBot(ctx, bot))

	// Unique name and pair are enforced.
	dup := *bot
	dup.ID = [16]byte{}
	err := store.CreateBot(ctx, &dup)
	assert.ErrorIs(t, err, ErrDuplicateBot)

	loaded, err := store.GetBot(ctx, bot.ID)
	require.NoError(t, err)
	assert.Equal(t, BotStateStopped, loaded.State)
	assert.Equal(t, 0.5, loaded.SignalConfig[SignalKindRSI].Weight)

	require.NoError(t, store.SetBotState(ctx, bot.ID, BotStateRunning))

	// A confirmation window survives transient updates but not strategy
	// changes.
	now := time.Now().UTC().Truncate(time.Millisecond)
	action := "buy"
	require.NoError(t, store.UpdateEvaluationState(ctx, bot.ID, -0.12, now, &now, &action))

	loaded, err = store.GetBot(ctx, bot.ID)
	require.NoError(t, err)
	require.NotNil(t, loaded.ConfirmationStartAt)
	assert.Equal(t, "buy", *loaded.ConfirmingAction)

	size := 50.0
	_, err = store.UpdateBot(ctx, bot.ID, &BotPatch{PositionSizeUSD: &size})
	require.NoError(t, err)
	loaded, _ = store.GetBot(ctx, bot.ID)
	assert.NotNil(t, loaded.ConfirmationStartAt, "sizing change keeps confirmation")

	newConfig := SignalConfig{SignalKindMA: {Enabled: true, Weight: 0.4}}
	_, err = store.UpdateBot(ctx, bot.ID, &BotPatch{SignalConfig: &newConfig})
	require.NoError(t, err)
	loaded, _ = store.GetBot(ctx, bot.ID)
	assert.Nil(t, loaded.ConfirmationStartAt, "strategy change resets confirmation")
	assert.Nil(t, loaded.ConfirmingAction)
}

func TestStoreIntegration_TradeLifecycle(t *testing.T) {
	store := setupIntegrationStore(t)
	ctx := context.Background()

	orderID := "order-abc"
	trade := &Trade{
		OrderID:     &orderID,
		TriggeredBy: "bot:b1",
		ProductID:   "BTC-USD",
		Side:        TradeSideBuy,
		SizeUSD:     10,
		SizeCrypto:  0.00024,
		Price:       41666.67,
		Status:      TradeStatusPending,
	}
	require.NoError(t, store.InsertTrade(ctx, trade))

	// order_id uniqueness fails loudly.
	dup := *trade
	dup.ID = [16]byte{}
	err := store.InsertTrade(ctx, &dup)
	assert.ErrorIs(t, err, ErrDuplicateOrderID)

	count, err := store.PendingTradeCount(ctx, "bot:b1")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	// pending -> completed applies the exchange-confirmed economics.
	filledAt := time.Now().UTC().Truncate(time.Millisecond)
	require.NoError(t, store.TransitionTradeStatus(ctx, trade.ID, TradeStatusCompleted, &TradeFill{
		SizeUSD:       10.02,
		SizeCrypto:    0.0002381,
		Price:         42084.0,
		CommissionUSD: 0.06,
		FilledAt:      filledAt,
	}))

	// A second transition conflicts instead of double-applying.
	err = store.TransitionTradeStatus(ctx, trade.ID, TradeStatusCancelled, nil)
	assert.ErrorIs(t, err, ErrStatusConflict)

	completed, err := store.CompletedTradesByPair(ctx, "BTC-USD")
	require.NoError(t, err)
	require.Len(t, completed, 1)
	assert.Equal(t, 10.02, completed[0].SizeUSD)
	require.NotNil(t, completed[0].FilledAt)
	assert.False(t, completed[0].FilledAt.Before(completed[0].CreatedAt))

	last, err := store.LastCompletedTrade(ctx, "bot:b1")
	require.NoError(t, err)
	assert.Equal(t, trade.ID, last.ID)

	count, err = store.PendingTradeCount(ctx, "bot:b1")
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}
