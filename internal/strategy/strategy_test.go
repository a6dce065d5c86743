package strategy

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// flatCandles builds n identical candles around a price.
func flatCandles(n int, price float64) []Candle {
	candles := make([]Candle, n)
	for i := range candles {
		candles[i] = Candle{
			StartTime: int64(i) * 3600_000,
			Open:      price, High: price * 1.001, Low: price * 0.999,
			Close: price, Volume: 10,
		}
	}
	return candles
}

func TestRangeLowAnalyzer(t *testing.T) {
	t.Run("FindsLowestLow", func(t *testing.T) {
		candles := flatCandles(20, 100)
		candles[7].Low = 92.5 // the dip

		levels := (&RangeLowAnalyzer{}).Analyze(candles, 20)

		assert.Len(t, levels, 1)
		assert.Equal(t, 92.5, levels[0].Price)
		assert.GreaterOrEqual(t, levels[0].Touches, 1)
	})

	t.Run("RespectsWindow", func(t *testing.T) {
		candles := flatCandles(50, 100)
		candles[5].Low = 80 // outside the 20-candle window

		levels := (&RangeLowAnalyzer{}).Analyze(candles, 20)

		assert.Len(t, levels, 1)
		assert.NotEqual(t, 80.0, levels[0].Price)
	})

	t.Run("EmptyInput", func(t *testing.T) {
		levels := (&RangeLowAnalyzer{}).Analyze(nil, 20)
		assert.Empty(t, levels)
	})
}

func TestCompositeAnalyzer_SwingLows(t *testing.T) {
	// A clear V-shape: lows descend into candle 10, then recover. Candle 10
	// is a strict local minimum within the swing window.
	candles := flatCandles(21, 100)
	for i, low := range map[int]float64{8: 97, 9: 96, 10: 95, 11: 96.5, 12: 97.5} {
		candles[i].Low = low
	}
	// Keep the close above the swing low so the level is "below current price".
	candles[20].Close = 100

	levels := (&CompositeAnalyzer{}).Analyze(candles, 21)

	assert.NotEmpty(t, levels)
	found := false
	for _, l := range levels {
		if l.Price == 95.0 {
			found = true
			assert.Greater(t, l.Strength, 0.0)
		}
	}
	assert.True(t, found, "swing low at 95 should be a support level, got %v", levels)
}

func TestCompositeAnalyzer_OnlyLevelsBelowPrice(t *testing.T) {
	candles := flatCandles(30, 100)
	candles[10].Low = 90
	candles[29].Close = 89 // price has broken below the old swing low

	levels := (&CompositeAnalyzer{}).Analyze(candles, 30)

	for _, l := range levels {
		assert.Less(t, l.Price, 89.0)
	}
}

func TestCompositeAnalyzer_OrderedStrongestFirst(t *testing.T) {
	candles := flatCandles(40, 100)
	candles[10].Low = 94
	candles[20].Low = 92
	candles[30].Low = 90

	levels := (&CompositeAnalyzer{}).Analyze(candles, 40)

	for i := 1; i < len(levels); i++ {
		assert.GreaterOrEqual(t, levels[i-1].Strength, levels[i].Strength)
	}
	assert.LessOrEqual(t, len(levels), 5)
}

func TestCompositeAnalyzer_TooFewCandles(t *testing.T) {
	levels := (&CompositeAnalyzer{}).Analyze(flatCandles(3, 100), 50)
	assert.Empty(t, levels)
}

func TestATR(t *testing.T) {
	t.Run("ConstantRange", func(t *testing.T) {
		// Every candle has high-low = 2 and no gaps, so ATR is exactly 2.
		candles := make([]Candle, 20)
		for i := range candles {
			candles[i] = Candle{Open: 100, High: 101, Low: 99, Close: 100, Volume: 1}
		}
		assert.InDelta(t, 2.0, ATR(candles), 1e-9)
	})

	t.Run("GapDominates", func(t *testing.T) {
		// A gap down makes |low - prevClose| the true range.
		candles := []Candle{
			{Open: 100, High: 101, Low: 99, Close: 100},
			{Open: 90, High: 91, Low: 89, Close: 90},
		}
		// TR = max(91-89, |91-100|, |89-100|) = 11
		assert.InDelta(t, 11.0, ATR(candles), 1e-9)
	})

	t.Run("TooFewCandles", func(t *testing.T) {
		assert.Equal(t, 0.0, ATR([]Candle{{High: 1, Low: 0}}))
	})
}

func TestDynamicBounds(t *testing.T) {
	t.Run("StaticFallbackOnShortHistory", func(t *testing.T) {
		lower, upper := DynamicBounds(flatCandles(5, 100), 1.0)
		assert.Equal(t, staticLowerBoundPercent, lower)
		assert.Equal(t, staticUpperBoundPercent, upper)
	})

	t.Run("DerivedFromATR", func(t *testing.T) {
		// ATR = 2 on a 100 close -> atrPct = 2. lower = 4, upper = 2.
		candles := make([]Candle, 20)
		for i := range candles {
			candles[i] = Candle{Open: 100, High: 101, Low: 99, Close: 100}
		}
		lower, upper := DynamicBounds(candles, 1.0)
		assert.InDelta(t, 4.0, lower, 1e-9)
		assert.InDelta(t, 2.0, upper, 1e-9)
	})

	t.Run("Clamped", func(t *testing.T) {
		// Huge ranges push both bounds past their ceilings.
		candles := make([]Candle, 20)
		for i := range candles {
			candles[i] = Candle{Open: 100, High: 140, Low: 60, Close: 100}
		}
		lower, upper := DynamicBounds(candles, 1.0)
		assert.Equal(t, maxLowerBoundPercent, lower)
		assert.Equal(t, maxUpperBoundPercent, upper)
	})
}

func TestForName(t *testing.T) {
	assert.Equal(t, "range_low", ForName("range_low").Name())
	assert.Equal(t, "composite", ForName("composite").Name())
	assert.Equal(t, "composite", ForName("unknown").Name())
}
