package strategy

import (
	"math"
	"sort"
)

const (
	swingWindow       = 2   // candles on each side of a swing low
	volumeBuckets     = 20  // price buckets for the volume profile
	volumeZoneFactor  = 1.5 // bucket counts as a zone above this multiple of the mean
	maxLevels         = 5
	minFibTouches     = 2
	maxScoredTouches  = 5 // touch count that saturates the touch score
)

// fibRatios are the retracement levels of the most recent swing range.
var fibRatios = []float64{0.236, 0.382, 0.5, 0.618, 0.786}

// CompositeAnalyzer combines swing-low detection, volume-profile zones and
// Fibonacci retracement alignment into weighted support levels.
// Weights: 40% volume, 30% touch count, 30% Fibonacci alignment.
type CompositeAnalyzer struct{}

func (a *CompositeAnalyzer) Name() string {
	return "composite"
}

// candidate is an internal scoring record for one price level.
type candidate struct {
	price      float64
	touches    int
	volumeHit  bool
	fibAligned bool
	lastIndex  int // most recent candle index near the level, for tie-breaks
}

func (a *CompositeAnalyzer) Analyze(candles []Candle, window int) []SupportLevel {
	candles = lastWindow(candles, window)
	if len(candles) < swingWindow*2+1 {
		return nil
	}

	currentPrice := candles[len(candles)-1].Close
	if currentPrice <= 0 {
		return nil
	}

	candidates := a.swingLows(candles)
	zones := a.volumeZones(candles)
	fibs := a.fibLevels(candles)

	// Fold volume zones and fib levels into the swing-low candidates when
	// they coincide; otherwise they stand as candidates of their own.
	for _, zone := range zones {
		candidates = mergeCandidate(candidates, candidate{price: zone, volumeHit: true,
			touches: countTouches(candles, zone), lastIndex: lastTouchIndex(candles, zone)})
	}
	for _, fib := range fibs {
		candidates = mergeCandidate(candidates, candidate{price: fib, fibAligned: true,
			touches: countTouches(candles, fib), lastIndex: lastTouchIndex(candles, fib)})
	}

	levels := make([]SupportLevel, 0, len(candidates))
	for _, c := range candidates {
		if c.price >= currentPrice {
			continue // only levels below current price are entries
		}
		levels = append(levels, SupportLevel{
			Price:    c.price,
			Strength: score(c),
			Touches:  c.touches,
		})
	}

	// Strongest first; ties broken by recency of the last touch.
	byRecency := make(map[float64]int, len(candidates))
	for _, c := range candidates {
		byRecency[c.price] = c.lastIndex
	}
	sort.SliceStable(levels, func(i, j int) bool {
		if levels[i].Strength != levels[j].Strength {
			return levels[i].Strength > levels[j].Strength
		}
		return byRecency[levels[i].Price] > byRecency[levels[j].Price]
	})

	if len(levels) > maxLevels {
		levels = levels[:maxLevels]
	}
	return levels
}

// score combines the three signals with fixed weights.
func score(c candidate) float64 {
	touchScore := math.Min(float64(c.touches)/maxScoredTouches, 1)
	volScore := 0.0
	if c.volumeHit {
		volScore = 1
	}
	fibScore := 0.0
	if c.fibAligned {
		fibScore = 1
	}
	return 0.4*volScore + 0.3*touchScore + 0.3*fibScore
}

// swingLows finds candles whose low is strictly lower than every candle in
// a symmetric window around them.
func (a *CompositeAnalyzer) swingLows(candles []Candle) []candidate {
	var out []candidate
	for i := swingWindow; i < len(candles)-swingWindow; i++ {
		low := candles[i].Low
		isSwing := true
		for j := i - swingWindow; j <= i+swingWindow; j++ {
			if j == i {
				continue
			}
			if candles[j].Low <= low {
				isSwing = false
				break
			}
		}
		if isSwing {
			out = mergeCandidate(out, candidate{
				price:     low,
				touches:   countTouches(candles, low),
				lastIndex: lastTouchIndex(candles, low),
			})
		}
	}
	return out
}

// volumeZones buckets the candle price range and returns midpoints of
// buckets whose aggregate volume exceeds volumeZoneFactor times the mean.
func (a *CompositeAnalyzer) volumeZones(candles []Candle) []float64 {
	minLow := candles[0].Low
	maxHigh := candles[0].High
	for _, c := range candles {
		if c.Low < minLow {
			minLow = c.Low
		}
		if c.High > maxHigh {
			maxHigh = c.High
		}
	}
	span := maxHigh - minLow
	if span <= 0 {
		return nil
	}

	bucketVol := make([]float64, volumeBuckets)
	var total float64
	for _, c := range candles {
		idx := int((c.Close - minLow) / span * volumeBuckets)
		if idx >= volumeBuckets {
			idx = volumeBuckets - 1
		}
		if idx < 0 {
			idx = 0
		}
		bucketVol[idx] += c.Volume
		total += c.Volume
	}
	if total == 0 {
		return nil
	}
	mean := total / volumeBuckets

	var zones []float64
	bucketSize := span / volumeBuckets
	for i, vol := range bucketVol {
		if vol > volumeZoneFactor*mean {
			zones = append(zones, minLow+(float64(i)+0.5)*bucketSize)
		}
	}
	return zones
}

// fibLevels returns retracement levels of the most recent swing range that
// have at least minFibTouches historical touches.
func (a *CompositeAnalyzer) fibLevels(candles []Candle) []float64 {
	minLow := candles[0].Low
	maxHigh := candles[0].High
	for _, c := range candles {
		if c.Low < minLow {
			minLow = c.Low
		}
		if c.High > maxHigh {
			maxHigh = c.High
		}
	}
	span := maxHigh - minLow
	if span <= 0 {
		return nil
	}

	var out []float64
	for _, ratio := range fibRatios {
		level := maxHigh - ratio*span
		if countTouches(candles, level) >= minFibTouches {
			out = append(out, level)
		}
	}
	return out
}

// mergeCandidate folds a new candidate into the list, combining it with an
// existing one if their prices fall within the touch tolerance band.
func mergeCandidate(list []candidate, c candidate) []candidate {
	band := c.price * touchTolerancePercent / 100
	for i := range list {
		if math.Abs(list[i].price-c.price) <= band {
			list[i].volumeHit = list[i].volumeHit || c.volumeHit
			list[i].fibAligned = list[i].fibAligned || c.fibAligned
			if c.touches > list[i].touches {
				list[i].touches = c.touches
			}
			if c.lastIndex > list[i].lastIndex {
				list[i].lastIndex = c.lastIndex
			}
			return list
		}
	}
	return append(list, c)
}

// lastTouchIndex returns the index of the most recent candle whose low is
// within the tolerance band of price, or -1.
func lastTouchIndex(candles []Candle, price float64) int {
	band := price * touchTolerancePercent / 100
	for i := len(candles) - 1; i >= 0; i-- {
		if candles[i].Low >= price-band && candles[i].Low <= price+band {
			return i
		}
	}
	return -1
}
