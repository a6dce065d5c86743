package trader

import (
	"fmt"
	"strconv"

	"bybit-spot-bot-go/internal/config"
	"bybit-spot-bot-go/internal/market"
	"github.com/shopspring/decimal"
)

// OrderValidator is the last gate before money moves. It re-derives the
// rounded price and quantity itself and re-checks every bound, trusting
// nothing computed upstream.
type OrderValidator struct {
	rounder *market.Rounder
}

// NewOrderValidator wraps the precision layer.
func NewOrderValidator(rounder *market.Rounder) *OrderValidator {
	return &OrderValidator{rounder: rounder}
}

// ValidatedOrder carries the exchange-ready strings produced by Validate.
type ValidatedOrder struct {
	Symbol   string
	Price    string
	Qty      string
	PriceVal float64
	QtyVal   float64
}

// Validate rounds and checks an order against exchange minimums and the
// configured maximum order notional. Precision failures come back as
// *PrecisionError, everything else as a plain rejection error.
func (v *OrderValidator) Validate(symbol string, rawQty, rawPrice float64, cfg *config.Trading) (*ValidatedOrder, error) {
	priceStr, err := v.rounder.RoundPrice(symbol, rawPrice)
	if err != nil {
		return nil, &PrecisionError{Symbol: symbol, Err: err}
	}
	qtyStr, err := v.rounder.RoundQuantity(symbol, rawQty)
	if err != nil {
		return nil, &PrecisionError{Symbol: symbol, Err: err}
	}

	price, err := strconv.ParseFloat(priceStr, 64)
	if err != nil || price <= 0 {
		return nil, &PrecisionError{Symbol: symbol, Err: fmt.Errorf("rounded price %q unusable", priceStr)}
	}
	qty, err := strconv.ParseFloat(qtyStr, 64)
	if err != nil || qty <= 0 {
		return nil, &PrecisionError{Symbol: symbol, Err: fmt.Errorf("rounded quantity %q unusable", qtyStr)}
	}

	ok, err := v.rounder.ValidateOrder(symbol, price, qty)
	if err != nil {
		return nil, &PrecisionError{Symbol: symbol, Err: err}
	}
	if !ok {
		return nil, fmt.Errorf("order for %s below exchange minimums (price %s, qty %s)", symbol, priceStr, qtyStr)
	}

	notional := decimal.NewFromFloat(price).Mul(decimal.NewFromFloat(qty))
	if notional.GreaterThan(decimal.NewFromFloat(cfg.MaxOrderNotional)) {
		return nil, fmt.Errorf("order notional %s for %s exceeds configured cap %.2f",
			notional.StringFixed(2), symbol, cfg.MaxOrderNotional)
	}

	return &ValidatedOrder{
		Symbol:   symbol,
		Price:    priceStr,
		Qty:      qtyStr,
		PriceVal: price,
		QtyVal:   qty,
	}, nil
}
