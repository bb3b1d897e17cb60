package signal

import (
	"github.com/coinpilot/coinpilot/internal/db"
	"github.com/coinpilot/coinpilot/internal/exchange"
)

// Action is the evaluator's recommendation for one pass
type Action string

const (
	ActionBuy  Action = "buy"
	ActionSell Action = "sell"
	ActionHold Action = "hold"
)

// Temperature buckets |combined| for display. It never authorizes a
// trade by itself.
type Temperature string

const (
	TemperatureHot    Temperature = "HOT"
	TemperatureWarm   Temperature = "WARM"
	TemperatureCool   Temperature = "COOL"
	TemperatureFrozen Temperature = "FROZEN"
)

// Thresholds are the config-driven decision bounds. Buy is negative,
// sell positive; concrete values come from deployment config or the
// bot's overrides, never from constants in this package.
type Thresholds struct {
	Buy  float64
	Sell float64
	Hot  float64
	Warm float64
	Cool float64
}

// ForBot resolves per-bot threshold overrides against the defaults
func (t Thresholds) ForBot(bot *db.Bot) Thresholds {
	out := t
	if bot.BuyThreshold != nil {
		out.Buy = *bot.BuyThreshold
	}
	if bot.SellThreshold != nil {
		out.Sell = *bot.SellThreshold
	}
	return out
}

// Aggregate scores every enabled signal and combines them as
// Σ weight·score over enabled signals with valid data. Weights are not
// renormalized when a signal lacks data: low-data passes are
// under-weighted rather than inflated.
func Aggregate(cfg db.SignalConfig, candles []exchange.Candle) (scores map[db.SignalKind]Score, combined float64, anyValid bool) {
	scores = make(map[db.SignalKind]Score)

	for kind, settings := range cfg {
		if !settings.Enabled {
			continue
		}
		s := ScoreSignal(kind, candles, settings.Params)
		scores[kind] = s
		if s.Valid() {
			combined += settings.Weight * s.Value
			anyValid = true
		}
	}
	return scores, combined, anyValid
}

// DetermineAction maps a combined score onto buy/sell/hold
func DetermineAction(combined float64, t Thresholds) Action {
	switch {
	case combined <= t.Buy:
		return ActionBuy
	case combined >= t.Sell:
		return ActionSell
	default:
		return ActionHold
	}
}

// ClassifyTemperature buckets |combined| against the display thresholds
func ClassifyTemperature(combined float64, t Thresholds) Temperature {
	abs := combined
	if abs < 0 {
		abs = -abs
	}
	switch {
	case abs >= t.Hot:
		return TemperatureHot
	case abs >= t.Warm:
		return TemperatureWarm
	case abs >= t.Cool:
		return TemperatureCool
	default:
		return TemperatureFrozen
	}
}
