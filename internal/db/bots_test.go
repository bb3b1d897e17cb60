package db

import (
	"context"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignalConfig_EnabledWeightSum(t *testing.T) {
	cfg := SignalConfig{
		SignalKindRSI:  {Enabled: true, Weight: 0.4},
		SignalKindMA:   {Enabled: true, Weight: 0.3},
		SignalKindMACD: {Enabled: false, Weight: 0.9},
	}

	assert.InDelta(t, 0.7, cfg.EnabledWeightSum(), 1e-9)
}

func TestCreateBot_DuplicatePairFailsLoudly(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec("INSERT INTO bots").
		WithArgs(anyArgs(13)...).
		WillReturnError(&pgconn.PgError{Code: "23505", ConstraintName: "bots_pair_key"})

	err := store.CreateBot(context.Background(), &Bot{
		Name:            "b1",
		Pair:            "BTC-USD",
		PositionSizeUSD: 10,
		SignalConfig:    SignalConfig{},
	})

	assert.ErrorIs(t, err, ErrDuplicateBot)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateBot_DefaultsState(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec("INSERT INTO bots").
		WithArgs(anyArgs(13)...).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	bot := &Bot{Name: "b1", Pair: "BTC-USD", PositionSizeUSD: 10, SignalConfig: SignalConfig{}}
	require.NoError(t, store.CreateBot(context.Background(), bot))

	assert.Equal(t, BotStateStopped, bot.State)
	assert.NotZero(t, bot.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBotPatch_ResetsConfirmation(t *testing.T) {
	cfg := SignalConfig{}
	buy := -0.1

	assert.True(t, (&BotPatch{SignalConfig: &cfg}).resetsConfirmation())
	assert.True(t, (&BotPatch{BuyThreshold: &buy}).resetsConfirmation())
	assert.True(t, (&BotPatch{SellThreshold: &buy}).resetsConfirmation())

	size := 25.0
	cooldown := 600
	assert.False(t, (&BotPatch{PositionSizeUSD: &size}).resetsConfirmation())
	assert.False(t, (&BotPatch{CooldownSeconds: &cooldown}).resetsConfirmation())
}

func TestBot_TriggeredBy(t *testing.T) {
	bot := &Bot{}
	bot.ID = [16]byte{1}

	assert.Contains(t, bot.TriggeredBy(), "bot:")
}
