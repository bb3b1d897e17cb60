package signal

import (
	"github.com/cinar/indicator/v2/momentum"
)

// scoreRSI scores Wilder RSI. Below oversold the score is negative
// (buy pressure) scaled by how deep below the band the RSI sits; above
// overbought it is positive by symmetry; the neutral band scores 0.
func scoreRSI(closings []float64, params map[string]float64) Score {
	period := intParam(params, "period", 14)
	oversold := floatParam(params, "oversold", 30)
	overbought := floatParam(params, "overbought", 70)

	rsiIndicator := momentum.NewRsiWithPeriod[float64](period)
	values := drain(rsiIndicator.Compute(toChan(closings)))
	if len(values) == 0 {
		return invalid()
	}

	rsi := values[len(values)-1]

	var score float64
	switch {
	case rsi < oversold:
		score = clip(-1, -0.1, -(oversold-rsi)/30)
	case rsi > overbought:
		score = clip(0.1, 1, (rsi-overbought)/30)
	default:
		score = 0
	}

	return Score{
		Value:      score,
		Confidence: 1,
		Diagnostics: map[string]float64{
			"rsi":        rsi,
			"oversold":   oversold,
			"overbought": overbought,
		},
	}
}
