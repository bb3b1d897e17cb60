package signal

import (
	"math"

	"github.com/cinar/indicator/v2/trend"
)

// scoreMA scores fast/slow moving average separation. The separation
// percentage is squashed through tanh onto [-1, 1]; fast above slow is
// bullish, so the sign is flipped to express buy pressure as negative.
func scoreMA(closings []float64, params map[string]float64) Score {
	fastPeriod := intParam(params, "fast_period", 10)
	slowPeriod := intParam(params, "slow_period", 20)
	if fastPeriod >= slowPeriod {
		return invalid()
	}

	fastValues := drain(trend.NewSmaWithPeriod[float64](fastPeriod).Compute(toChan(closings)))
	slowValues := drain(trend.NewSmaWithPeriod[float64](slowPeriod).Compute(toChan(closings)))
	if len(fastValues) == 0 || len(slowValues) == 0 {
		return invalid()
	}

	fast := fastValues[len(fastValues)-1]
	slow := slowValues[len(slowValues)-1]
	if slow == 0 {
		return invalid()
	}

	sepPct := (fast - slow) / slow * 100

	// 2/(1+e^-2x)-1 is tanh(x); bullish separation becomes a negative
	// (buy) score.
	score := clip(-1, 1, -math.Tanh(sepPct))

	return Score{
		Value:      score,
		Confidence: 1,
		Diagnostics: map[string]float64{
			"fast":    fast,
			"slow":    slow,
			"sep_pct": sepPct,
		},
	}
}
