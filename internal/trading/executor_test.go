package trading

import (
	"context"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coinpilot/coinpilot/internal/db"
	"github.com/coinpilot/coinpilot/internal/exchange"
	"github.com/coinpilot/coinpilot/internal/lock"
	"github.com/coinpilot/coinpilot/internal/risk"
	"github.com/coinpilot/coinpilot/internal/signal"
)

func newTestExecutor(t *testing.T, paper *exchange.PaperClient) (*Executor, pgxmock.PgxPoolIface, *lock.Mutex) {
	t.Helper()

	store, mock := newMockStore(t)
	gateway := newTestGateway(paper)
	rdb := newTestRedis(t)
	safety := risk.NewSafetyState(rdb, risk.SafetyLimits{})
	mutex := lock.NewMutex(rdb, 30*time.Second)
	events := newTestBus(t)
	monitor := NewMonitor(store, gateway, events, safety, MonitorConfig{
		PollInterval: 10 * time.Millisecond,
		MaxDuration:  time.Second,
		MaxWatchers:  64,
	})
	t.Cleanup(func() { monitor.Stop(time.Second) })
	decider := NewDecider(store, gateway, safety)

	executor := NewExecutor(store, gateway, decider, mutex, events, monitor, safety, ExecutorConfig{
		FillProbeAttempts: 3,
		FillProbeInterval: 5 * time.Millisecond,
	})
	return executor, mock, mutex
}

func TestExecute_ImmediateFillRecordsCompleted(t *testing.T) {
	paper := exchange.NewPaperClient(0) // fills on first probe
	paper.SetPrice("BTC-USD", 42000)
	executor, mock, _ := newTestExecutor(t, paper)

	bot := testBot()
	expectGetBot(mock, bot)
	expectPendingCount(mock, 0)
	expectLastCompleted(mock, nil)
	mock.ExpectExec("INSERT INTO trades").WithArgs(anyArgs(13)...).WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err := executor.Execute(context.Background(), bot.ID, signal.ActionBuy, 10, nil)

	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestExecute_DeferredFillRecordsPendingAndRegistersWatcher(t *testing.T) {
	paper := exchange.NewPaperClient(time.Hour) // never fills in this test
	paper.SetPrice("BTC-USD", 42000)
	executor, mock, _ := newTestExecutor(t, paper)

	bot := testBot()
	expectGetBot(mock, bot)
	expectPendingCount(mock, 0)
	expectLastCompleted(mock, nil)
	mock.ExpectExec("INSERT INTO trades").WithArgs(anyArgs(13)...).WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err := executor.Execute(context.Background(), bot.ID, signal.ActionBuy, 10, nil)

	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
	assert.Equal(t, 1, executor.monitor.ActiveWatchers())
}

func TestExecute_HeldMutexReturnsBusy(t *testing.T) {
	paper := exchange.NewPaperClient(0)
	executor, _, mutex := newTestExecutor(t, paper)

	bot := testBot()
	key := "trade:" + bot.ID.String()

	inside := make(chan struct{})
	release := make(chan struct{})
	go mutex.WithLock(context.Background(), key, func(ctx context.Context) error {
		close(inside)
		<-release
		return nil
	})
	<-inside
	defer close(release)

	// The other worker holds the mutex: exactly zero orders are placed
	// from here and the decision is discarded.
	err := executor.Execute(context.Background(), bot.ID, signal.ActionBuy, 10, nil)
	assert.ErrorIs(t, err, lock.ErrBusy)
}

func TestExecute_PendingGateRecheckedUnderLock(t *testing.T) {
	paper := exchange.NewPaperClient(0)
	executor, mock, _ := newTestExecutor(t, paper)

	bot := testBot()
	expectGetBot(mock, bot)
	expectPendingCount(mock, 1) // raced in between decision and lock

	err := executor.Execute(context.Background(), bot.ID, signal.ActionBuy, 10, nil)

	assert.ErrorIs(t, err, ErrRejected)
	assert.ErrorContains(t, err, ReasonPendingOrderExists)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestExecute_StoppedBotRejectedUnderLock(t *testing.T) {
	paper := exchange.NewPaperClient(0)
	executor, mock, _ := newTestExecutor(t, paper)

	bot := testBot()
	bot.State = db.BotStateStopped
	expectGetBot(mock, bot)

	err := executor.Execute(context.Background(), bot.ID, signal.ActionBuy, 10, nil)

	assert.ErrorIs(t, err, ErrRejected)
}

func TestExecuteConfirmed_GateRejectionSurfacesReason(t *testing.T) {
	paper := exchange.NewPaperClient(0)
	executor, _, _ := newTestExecutor(t, paper)

	bot := testBot()
	bot.State = db.BotStateStopped

	err := executor.ExecuteConfirmed(context.Background(), bot, "buy", nil)

	assert.ErrorIs(t, err, ErrRejected)
	assert.ErrorContains(t, err, ReasonBotNotRunning)
}
