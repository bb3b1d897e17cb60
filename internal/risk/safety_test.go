package risk

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSafety(t *testing.T, limits SafetyLimits) *SafetyState {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	return NewSafetyState(rdb, limits)
}

func TestSafety_EmergencyStopGates(t *testing.T) {
	safety := newTestSafety(t, SafetyLimits{})
	ctx := context.Background()

	ok, _ := safety.Check(ctx)
	assert.True(t, ok)

	require.NoError(t, safety.EmergencyStop(ctx))
	assert.True(t, safety.Stopped(ctx))

	ok, reason := safety.Check(ctx)
	assert.False(t, ok)
	assert.Equal(t, ReasonEmergencyStop, reason)

	require.NoError(t, safety.Resume(ctx))
	ok, _ = safety.Check(ctx)
	assert.True(t, ok)
}

func TestSafety_DailyTradeCap(t *testing.T) {
	safety := newTestSafety(t, SafetyLimits{MaxDailyTrades: 2})
	ctx := context.Background()

	safety.RecordTrade(ctx)
	ok, _ := safety.Check(ctx)
	assert.True(t, ok)

	safety.RecordTrade(ctx)
	ok, reason := safety.Check(ctx)
	assert.False(t, ok)
	assert.Equal(t, ReasonDailyTradeCap, reason)
}

func TestSafety_DailyLossCap(t *testing.T) {
	safety := newTestSafety(t, SafetyLimits{MaxDailyLossUSD: 100})
	ctx := context.Background()

	safety.RecordLoss(ctx, 60)
	ok, _ := safety.Check(ctx)
	assert.True(t, ok)

	// Gains never count against the loss cap.
	safety.RecordLoss(ctx, -50)
	ok, _ = safety.Check(ctx)
	assert.True(t, ok)

	safety.RecordLoss(ctx, 45)
	ok, reason := safety.Check(ctx)
	assert.False(t, ok)
	assert.Equal(t, ReasonDailyLossCap, reason)
}

func TestSafety_CapsDisabledWhenZero(t *testing.T) {
	safety := newTestSafety(t, SafetyLimits{})
	ctx := context.Background()

	for i := 0; i < 100; i++ {
		safety.RecordTrade(ctx)
	}
	safety.RecordLoss(ctx, 1e6)

	ok, _ := safety.Check(ctx)
	assert.True(t, ok)
}

func TestSafety_FailsClosedWhenRedisDown(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	safety := NewSafetyState(rdb, SafetyLimits{})

	mr.Close()

	ok, reason := safety.Check(context.Background())
	assert.False(t, ok)
	assert.Equal(t, ReasonEmergencyStop, reason)
}
