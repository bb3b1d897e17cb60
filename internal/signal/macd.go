package signal

import (
	"math"

	"github.com/cinar/indicator/v2/trend"
)

// scoreMACD scores the MACD histogram: magnitude normalized by the
// rolling absolute mean of recent histogram values, direction from the
// histogram sign. Positive histogram is bullish, so the sign is flipped
// to keep buy pressure negative.
func scoreMACD(closings []float64, params map[string]float64) Score {
	fastPeriod := intParam(params, "fast_period", 12)
	slowPeriod := intParam(params, "slow_period", 26)
	signalPeriod := intParam(params, "signal_period", 9)
	if fastPeriod >= slowPeriod {
		return invalid()
	}

	macdIndicator := trend.NewMacdWithPeriod[float64](fastPeriod, slowPeriod, signalPeriod)
	macdChan, signalChan := macdIndicator.Compute(toChan(closings))

	var histogram []float64
	for {
		m, mok := <-macdChan
		s, sok := <-signalChan
		if !mok || !sok {
			break
		}
		histogram = append(histogram, m-s)
	}
	if len(histogram) == 0 {
		return invalid()
	}

	current := histogram[len(histogram)-1]

	// Normalize against the rolling absolute mean of the recent window
	// so the score is scale-free across pairs.
	window := histogram
	if len(window) > signalPeriod {
		window = window[len(window)-signalPeriod:]
	}
	var absSum float64
	for _, h := range window {
		absSum += math.Abs(h)
	}
	absMean := absSum / float64(len(window))
	if absMean == 0 {
		return Score{Value: 0, Confidence: 1, Diagnostics: map[string]float64{"histogram": current}}
	}

	magnitude := clip(-1, 1, current/absMean)

	// A fresh sign crossing strengthens the reading.
	if len(histogram) >= 2 && histogram[len(histogram)-2]*current < 0 {
		magnitude = clip(-1, 1, magnitude*1.5)
	}

	return Score{
		Value:      -magnitude,
		Confidence: 1,
		Diagnostics: map[string]float64{
			"histogram": current,
			"abs_mean":  absMean,
		},
	}
}
