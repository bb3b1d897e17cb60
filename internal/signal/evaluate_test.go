package signal

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/coinpilot/coinpilot/internal/db"
	"github.com/coinpilot/coinpilot/internal/exchange"
)

func defaultThresholds() Thresholds {
	return Thresholds{Buy: -0.05, Sell: 0.05, Hot: 0.08, Warm: 0.03, Cool: 0.005}
}

// risingCandles produces a steady uptrend, fallingCandles a downtrend.
func risingCandles(n int) []exchange.Candle {
	return trendCandles(n, 1.0)
}

func fallingCandles(n int) []exchange.Candle {
	return trendCandles(n, -1.0)
}

func trendCandles(n int, step float64) []exchange.Candle {
	candles := make([]exchange.Candle, n)
	price := 1000.0
	start := time.Now().Add(-time.Duration(n) * time.Minute)
	for i := 0; i < n; i++ {
		price += step
		candles[i] = exchange.Candle{
			Start:  start.Add(time.Duration(i) * time.Minute),
			Open:   price - step,
			High:   price + 0.5,
			Low:    price - 0.5,
			Close:  price,
			Volume: 10,
		}
	}
	return candles
}

func TestDetermineAction(t *testing.T) {
	tests := []struct {
		name     string
		combined float64
		expected Action
	}{
		{"strong buy", -0.20, ActionBuy},
		{"at buy threshold", -0.05, ActionBuy},
		{"neutral", 0.0, ActionHold},
		{"just under sell threshold", 0.049, ActionHold},
		{"at sell threshold", 0.05, ActionSell},
		{"strong sell", 0.30, ActionSell},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, DetermineAction(tt.combined, defaultThresholds()))
		})
	}
}

func TestClassifyTemperature(t *testing.T) {
	tests := []struct {
		combined float64
		expected Temperature
	}{
		{0.10, TemperatureHot},
		{-0.10, TemperatureHot},
		{0.05, TemperatureWarm},
		{0.01, TemperatureCool},
		{0.001, TemperatureFrozen},
		{0, TemperatureFrozen},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.expected, ClassifyTemperature(tt.combined, defaultThresholds()))
	}
}

func TestAggregate_WeightsNotRenormalized(t *testing.T) {
	// MACD needs 35 candles; give only 20 so it drops out while RSI and
	// MA stay valid. The combined score must use the original weights of
	// the surviving signals only.
	cfg := db.SignalConfig{
		db.SignalKindRSI:  {Enabled: true, Weight: 0.4, Params: map[string]float64{"period": 14}},
		db.SignalKindMA:   {Enabled: true, Weight: 0.3, Params: map[string]float64{"fast_period": 5, "slow_period": 10}},
		db.SignalKindMACD: {Enabled: true, Weight: 0.3},
	}
	candles := risingCandles(20)

	scores, combined, anyValid := Aggregate(cfg, candles)

	assert.True(t, anyValid)
	assert.False(t, scores[db.SignalKindMACD].Valid())

	expected := 0.4*scores[db.SignalKindRSI].Value + 0.3*scores[db.SignalKindMA].Value
	assert.InDelta(t, expected, combined, 1e-9)
}

func TestAggregate_ZeroEnabledSignals(t *testing.T) {
	cfg := db.SignalConfig{
		db.SignalKindRSI: {Enabled: false, Weight: 0.5},
	}

	_, combined, anyValid := Aggregate(cfg, risingCandles(60))

	assert.False(t, anyValid)
	assert.Equal(t, 0.0, combined)
}

func TestAggregate_Deterministic(t *testing.T) {
	cfg := db.SignalConfig{
		db.SignalKindRSI: {Enabled: true, Weight: 0.5, Params: map[string]float64{"period": 14}},
		db.SignalKindMA:  {Enabled: true, Weight: 0.5, Params: map[string]float64{"fast_period": 5, "slow_period": 10}},
	}
	candles := fallingCandles(60)

	_, first, _ := Aggregate(cfg, candles)
	_, second, _ := Aggregate(cfg, candles)

	assert.Equal(t, first, second)
}

func TestThresholds_ForBotOverrides(t *testing.T) {
	buy := -0.1
	bot := &db.Bot{BuyThreshold: &buy}

	resolved := defaultThresholds().ForBot(bot)

	assert.Equal(t, -0.1, resolved.Buy)
	assert.Equal(t, 0.05, resolved.Sell)
}
