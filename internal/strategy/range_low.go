package strategy

// RangeLowAnalyzer is the baseline strategy: the lowest low over the
// lookback window is the single support candidate.
type RangeLowAnalyzer struct{}

func (a *RangeLowAnalyzer) Name() string {
	return "range_low"
}

func (a *RangeLowAnalyzer) Analyze(candles []Candle, window int) []SupportLevel {
	candles = lastWindow(candles, window)
	if len(candles) == 0 {
		return nil
	}

	low := candles[0].Low
	for _, c := range candles[1:] {
		if c.Low < low {
			low = c.Low
		}
	}
	if low <= 0 {
		return nil
	}

	return []SupportLevel{{
		Price:    low,
		Strength: 0.5,
		Touches:  countTouches(candles, low),
	}}
}
