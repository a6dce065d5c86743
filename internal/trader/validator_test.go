package trader

import (
	"testing"

	"bybit-spot-bot-go/internal/market"
	"github.com/stretchr/testify/assert"
)

func newTestValidator(client *MockRestClient) *OrderValidator {
	return NewOrderValidator(market.NewRounder(seededCache(client)))
}

func TestValidate_WorkedExample(t *testing.T) {
	// BTCUSDT, tick 0.5, lot 0.0001: raw price 64317.37 rounds to the
	// nearest half, raw quantity 0.0155 is already lot-aligned.
	_, client := setupTest(t)
	v := newTestValidator(client)
	cfg := testTradingConfig()

	order, err := v.Validate("BTCUSDT", 0.0155, 64317.37, cfg)

	assert.NoError(t, err)
	assert.Equal(t, "64317.5", order.Price)
	assert.Equal(t, "0.0155", order.Qty)
	assert.InDelta(t, 64317.5, order.PriceVal, 1e-9)
	assert.InDelta(t, 0.0155, order.QtyVal, 1e-9)
}

func TestValidate_QuantityFlooredNotRounded(t *testing.T) {
	_, client := setupTest(t)
	v := newTestValidator(client)
	cfg := testTradingConfig()

	order, err := v.Validate("BTCUSDT", 0.01559, 64317.37, cfg)

	assert.NoError(t, err)
	assert.Equal(t, "0.0155", order.Qty)
}

func TestValidate_BelowMinimums(t *testing.T) {
	_, client := setupTest(t)
	v := newTestValidator(client)
	cfg := testTradingConfig()

	// 0.00005 floors to 0.0000, which is not tradable.
	_, err := v.Validate("BTCUSDT", 0.00005, 64317.37, cfg)
	assert.Error(t, err)

	var precisionErr *PrecisionError
	assert.ErrorAs(t, err, &precisionErr)
}

func TestValidate_NotionalCap(t *testing.T) {
	_, client := setupTest(t)
	v := newTestValidator(client)
	cfg := testTradingConfig()
	cfg.MaxOrderNotional = 500

	// 0.0155 BTC at ~64k is ~997 USDT, over the 500 cap.
	_, err := v.Validate("BTCUSDT", 0.0155, 64317.37, cfg)

	assert.Error(t, err)
	assert.Contains(t, err.Error(), "exceeds configured cap")
}

func TestValidate_MissingMetadataIsPrecisionError(t *testing.T) {
	_, client := setupTest(t)
	v := newTestValidator(client)
	cfg := testTradingConfig()

	client.On("GetInstrumentInfo", "UNKNOWNUSDT").Return(nil, assert.AnError)

	_, err := v.Validate("UNKNOWNUSDT", 1, 100, cfg)

	assert.Error(t, err)
	var precisionErr *PrecisionError
	assert.ErrorAs(t, err, &precisionErr)
}
