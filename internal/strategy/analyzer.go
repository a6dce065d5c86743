package strategy

// SupportLevel is a candidate entry price proposed by an analyzer.
type SupportLevel struct {
	Price    float64
	Strength float64 // 0..1, higher is stronger
	Touches  int     // historical touches within the tolerance band
}

// Analyzer proposes support levels from recent price history, ordered
// strongest first. Implementations must be pure functions of their inputs
// so they can be swapped per configuration and unit-tested in isolation.
type Analyzer interface {
	// Name returns the unique name of the analyzer.
	Name() string

	// Analyze returns candidate support levels over the last window
	// candles, strongest first. An empty slice means no viable entry.
	Analyze(candles []Candle, window int) []SupportLevel
}

// ForName selects an analyzer by its configured name, falling back to the
// composite analyzer for unknown names.
func ForName(name string) Analyzer {
	switch name {
	case "range_low":
		return &RangeLowAnalyzer{}
	case "composite":
		return &CompositeAnalyzer{}
	default:
		return &CompositeAnalyzer{}
	}
}

// touchTolerancePercent is the band (as a % of the level price) within
// which a candle low counts as a touch of that level.
const touchTolerancePercent = 0.5

// countTouches counts candles whose low lands within the tolerance band
// around price.
func countTouches(candles []Candle, price float64) int {
	if price <= 0 {
		return 0
	}
	band := price * touchTolerancePercent / 100
	touches := 0
	for _, c := range candles {
		if c.Low >= price-band && c.Low <= price+band {
			touches++
		}
	}
	return touches
}

// lastWindow returns at most window trailing candles.
func lastWindow(candles []Candle, window int) []Candle {
	if window <= 0 || window >= len(candles) {
		return candles
	}
	return candles[len(candles)-window:]
}
