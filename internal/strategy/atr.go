package strategy

import "math"

const (
	atrPeriod = 14

	// Static fallbacks when there is not enough history for an ATR.
	staticLowerBoundPercent = 5.0
	staticUpperBoundPercent = 3.0

	// Ceilings keep a volatility spike from producing absurd bands.
	maxLowerBoundPercent = 10.0
	maxUpperBoundPercent = 5.0
)

// ATR computes the Average True Range over the trailing atrPeriod candles:
// mean of max(high-low, |high-prevClose|, |low-prevClose|).
func ATR(candles []Candle) float64 {
	if len(candles) < 2 {
		return 0
	}
	start := len(candles) - atrPeriod
	if start < 1 {
		start = 1
	}
	var sum float64
	n := 0
	for i := start; i < len(candles); i++ {
		prevClose := candles[i-1].Close
		tr := candles[i].High - candles[i].Low
		if hc := math.Abs(candles[i].High - prevClose); hc > tr {
			tr = hc
		}
		if lc := math.Abs(candles[i].Low - prevClose); lc > tr {
			tr = lc
		}
		sum += tr
		n++
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

// DynamicBounds derives the averaging-down tolerance band from volatility.
// The lower bound (how far below the last fill a price must drop) is twice
// the ATR percentage, the upper bound once, each scaled by multiplier and
// clamped. With fewer than atrPeriod candles the static bounds apply.
func DynamicBounds(candles []Candle, multiplier float64) (lower, upper float64) {
	if len(candles) < atrPeriod || multiplier <= 0 {
		return staticLowerBoundPercent, staticUpperBoundPercent
	}
	lastClose := candles[len(candles)-1].Close
	if lastClose <= 0 {
		return staticLowerBoundPercent, staticUpperBoundPercent
	}

	atrPct := ATR(candles) / lastClose * 100
	if atrPct <= 0 {
		return staticLowerBoundPercent, staticUpperBoundPercent
	}

	lower = math.Min(2*atrPct*multiplier, maxLowerBoundPercent)
	upper = math.Min(atrPct*multiplier, maxUpperBoundPercent)
	return lower, upper
}
