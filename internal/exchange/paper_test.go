package exchange

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPaperClient_OrderFillsAfterDelay(t *testing.T) {
	client := NewPaperClient(30 * time.Millisecond)
	client.SetPrice("BTC-USD", 42000)
	ctx := context.Background()

	ack, err := client.PlaceMarketOrder(ctx, "BTC-USD", SideBuy, 10)
	require.NoError(t, err)
	require.NotEmpty(t, ack.OrderID)
	assert.True(t, ack.SizeInQuote)

	state, err := client.GetOrderStatus(ctx, ack.OrderID)
	require.NoError(t, err)
	assert.Equal(t, OrderStatusOpen, state.Status)

	time.Sleep(50 * time.Millisecond)

	state, err = client.GetOrderStatus(ctx, ack.OrderID)
	require.NoError(t, err)
	assert.Equal(t, OrderStatusFilled, state.Status)
	assert.Equal(t, 10.0, state.FilledSize)
	assert.True(t, state.SizeInQuote)
	assert.Greater(t, state.CommissionUSD, 0.0)
}

func TestPaperClient_FillMovesBalances(t *testing.T) {
	client := NewPaperClient(0)
	client.SetPrice("BTC-USD", 40000)
	client.SetBalance("USD", 1000)
	ctx := context.Background()

	ack, err := client.PlaceMarketOrder(ctx, "BTC-USD", SideBuy, 100)
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	_, err = client.GetOrderStatus(ctx, ack.OrderID)
	require.NoError(t, err)

	balances, err := client.ListBalances(ctx)
	require.NoError(t, err)

	byCurrency := make(map[string]Balance)
	for _, b := range balances {
		byCurrency[b.Currency] = b
	}

	assert.Less(t, byCurrency["USD"].Available, 900.01)
	assert.True(t, byCurrency["USD"].IsCash)
	assert.Greater(t, byCurrency["BTC"].Available, 0.0)
	assert.False(t, byCurrency["BTC"].IsCash)
}

func TestPaperClient_UnknownProduct(t *testing.T) {
	client := NewPaperClient(0)

	_, err := client.PlaceMarketOrder(context.Background(), "DOGE-EUR", SideBuy, 10)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = client.GetOrderStatus(context.Background(), "no-such-order")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPaperClient_CandlesAnchoredOnPrice(t *testing.T) {
	client := NewPaperClient(0)
	client.SetPrice("BTC-USD", 42000)

	candles, err := client.GetCandles(context.Background(), "BTC-USD", GranularityFiveMinute, 50)
	require.NoError(t, err)
	require.Len(t, candles, 50)
	assert.Equal(t, 42000.0, candles[49].Close)
	assert.True(t, candles[0].Start.Before(candles[49].Start))
}
