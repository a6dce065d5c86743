package strategy

import "bybit-spot-bot-go/internal/bybit"

// Candle is one OHLCV bar in chronological order.
type Candle struct {
	StartTime int64
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
}

// FromKlines converts exchange klines into strategy candles.
func FromKlines(klines []bybit.Kline) []Candle {
	candles := make([]Candle, len(klines))
	for i, k := range klines {
		candles[i] = Candle{
			StartTime: k.StartTime,
			Open:      k.Open,
			High:      k.High,
			Low:       k.Low,
			Close:     k.Close,
			Volume:    k.Volume,
		}
	}
	return candles
}
