package market

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Rounder converts raw prices and quantities into strings that respect the
// exchange's tick and lot rules for a symbol. Everything downstream of the
// strategy layer goes through it; an order that skips rounding will be
// rejected by the exchange or, worse, filled at the wrong size.
type Rounder struct {
	cache *InstrumentCache
}

// NewRounder wraps an instrument cache.
func NewRounder(cache *InstrumentCache) *Rounder {
	return &Rounder{cache: cache}
}

// RoundPrice rounds a raw price to the nearest multiple of the symbol's
// tick size (half away from zero) and formats it with exactly the decimals
// the tick size implies.
func (r *Rounder) RoundPrice(symbol string, rawPrice float64) (string, error) {
	info, err := r.cache.Get(symbol)
	if err != nil {
		return "", err
	}
	tick, err := decimal.NewFromString(info.TickSize)
	if err != nil || tick.IsZero() {
		return "", fmt.Errorf("invalid tick size %q for %s", info.TickSize, symbol)
	}

	price := decimal.NewFromFloat(rawPrice)
	rounded := price.Div(tick).Round(0).Mul(tick)
	return rounded.StringFixed(decimalsOf(tick)), nil
}

// RoundQuantity floors a raw quantity to the nearest multiple of the
// symbol's lot size. Flooring, not rounding: rounding up could exceed the
// notional the caller allocated.
func (r *Rounder) RoundQuantity(symbol string, rawQty float64) (string, error) {
	info, err := r.cache.Get(symbol)
	if err != nil {
		return "", err
	}
	lot, err := decimal.NewFromString(info.LotSize)
	if err != nil || lot.IsZero() {
		return "", fmt.Errorf("invalid lot size %q for %s", info.LotSize, symbol)
	}

	qty := decimal.NewFromFloat(rawQty)
	floored := qty.Div(lot).Floor().Mul(lot)
	return floored.StringFixed(decimalsOf(lot)), nil
}

// ValidateOrder checks an already-rounded order against the symbol's
// minimum quantity and minimum notional. Missing metadata is a hard error,
// never a pass.
func (r *Rounder) ValidateOrder(symbol string, price, qty float64) (bool, error) {
	info, err := r.cache.Get(symbol)
	if err != nil {
		return false, err
	}
	minQty, err := decimal.NewFromString(info.MinOrderQty)
	if err != nil {
		return false, fmt.Errorf("invalid min order qty %q for %s", info.MinOrderQty, symbol)
	}
	minNotional, err := decimal.NewFromString(info.MinNotional)
	if err != nil {
		return false, fmt.Errorf("invalid min notional %q for %s", info.MinNotional, symbol)
	}

	p := decimal.NewFromFloat(price)
	q := decimal.NewFromFloat(qty)

	if q.LessThan(minQty) {
		return false, nil
	}
	if p.Mul(q).LessThan(minNotional) {
		return false, nil
	}
	return true, nil
}

// PriceDecimals returns the display precision implied by the symbol's tick
// size.
func (r *Rounder) PriceDecimals(symbol string) (int32, error) {
	info, err := r.cache.Get(symbol)
	if err != nil {
		return 0, err
	}
	tick, err := decimal.NewFromString(info.TickSize)
	if err != nil {
		return 0, fmt.Errorf("invalid tick size %q for %s", info.TickSize, symbol)
	}
	return decimalsOf(tick), nil
}

// decimalsOf returns the number of significant decimal places of an
// increment, ignoring trailing zeros ("0.0100" -> 2).
func decimalsOf(d decimal.Decimal) int32 {
	// Decimal.String strips trailing zeros, so the exponent of a re-parsed
	// value is the canonical precision.
	canonical, _ := decimal.NewFromString(d.String())
	if exp := canonical.Exponent(); exp < 0 {
		return -exp
	}
	return 0
}
