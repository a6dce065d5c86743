package market

import (
	"errors"
	"testing"
	"time"

	"bybit-spot-bot-go/internal/bybit"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

// fakeClient implements just enough of the client interface for cache tests.
type fakeClient struct {
	bybit.RestClientInterface
	info  *bybit.InstrumentInfo
	err   error
	calls int
}

func (f *fakeClient) GetInstrumentInfo(symbol string) (*bybit.InstrumentInfo, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.info, nil
}

func btcInfo() *bybit.InstrumentInfo {
	return &bybit.InstrumentInfo{
		Symbol:      "BTCUSDT",
		TickSize:    "0.5",
		LotSize:     "0.0001",
		MinOrderQty: "0.0001",
		MinNotional: "5",
	}
}

func newTestRounder(info *bybit.InstrumentInfo) *Rounder {
	cache := NewInstrumentCache(&fakeClient{info: info}, zap.NewNop(), DefaultTTL)
	cache.Seed(info)
	return NewRounder(cache)
}

func TestRoundPrice(t *testing.T) {
	r := newTestRounder(btcInfo())

	testCases := []struct {
		name     string
		raw      float64
		expected string
	}{
		{"NearestBelow", 64317.37, "64317.5"},
		{"NearestAbove", 64317.6, "64317.5"},
		{"AlreadyAligned", 64317.5, "64317.5"},
		{"HalfwayRoundsUp", 64317.25, "64317.5"},
		{"WholeNumber", 64318.0, "64318.0"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := r.RoundPrice("BTCUSDT", tc.raw)
			assert.NoError(t, err)
			assert.Equal(t, tc.expected, got)
		})
	}
}

func TestRoundPrice_SmallTick(t *testing.T) {
	r := newTestRounder(&bybit.InstrumentInfo{
		Symbol: "XRPUSDT", TickSize: "0.0001", LotSize: "0.01",
		MinOrderQty: "0.01", MinNotional: "1",
	})

	got, err := r.RoundPrice("XRPUSDT", 0.52337)
	assert.NoError(t, err)
	assert.Equal(t, "0.5234", got)
}

func TestRoundQuantity(t *testing.T) {
	r := newTestRounder(btcInfo())

	testCases := []struct {
		name     string
		raw      float64
		expected string
	}{
		{"AlreadyAligned", 0.0155, "0.0155"},
		{"FlooredNotRounded", 0.01559, "0.0155"},
		{"NeverRoundsUp", 0.01551, "0.0155"},
		{"BelowOneLot", 0.00009, "0.0000"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := r.RoundQuantity("BTCUSDT", tc.raw)
			assert.NoError(t, err)
			assert.Equal(t, tc.expected, got)
		})
	}
}

func TestRoundQuantity_WholeLot(t *testing.T) {
	r := newTestRounder(&bybit.InstrumentInfo{
		Symbol: "DOGEUSDT", TickSize: "0.00001", LotSize: "1",
		MinOrderQty: "1", MinNotional: "1",
	})

	got, err := r.RoundQuantity("DOGEUSDT", 1234.87)
	assert.NoError(t, err)
	assert.Equal(t, "1234", got)
}

func TestValidateOrder(t *testing.T) {
	r := newTestRounder(btcInfo())

	testCases := []struct {
		name  string
		price float64
		qty   float64
		ok    bool
	}{
		{"Valid", 64317.5, 0.0155, true},
		{"BelowMinQty", 64317.5, 0.00005, false},
		{"BelowMinNotional", 10.0, 0.0002, false}, // 2 USDT < 5 USDT floor
		{"ExactlyMinNotional", 50000.0, 0.0001, true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			ok, err := r.ValidateOrder("BTCUSDT", tc.price, tc.qty)
			assert.NoError(t, err)
			assert.Equal(t, tc.ok, ok)
		})
	}
}

func TestMissingMetadataIsHardFailure(t *testing.T) {
	cache := NewInstrumentCache(&fakeClient{err: errors.New("exchange down")}, zap.NewNop(), DefaultTTL)
	r := NewRounder(cache)

	_, err := r.RoundPrice("BTCUSDT", 100)
	assert.Error(t, err)

	_, err = r.RoundQuantity("BTCUSDT", 1)
	assert.Error(t, err)

	_, err = r.ValidateOrder("BTCUSDT", 100, 1)
	assert.Error(t, err)
}

func TestInstrumentCache_TTL(t *testing.T) {
	client := &fakeClient{info: btcInfo()}
	cache := NewInstrumentCache(client, zap.NewNop(), time.Hour)

	now := time.Unix(1700000000, 0)
	cache.now = func() time.Time { return now }

	_, err := cache.Get("BTCUSDT")
	assert.NoError(t, err)
	assert.Equal(t, 1, client.calls)

	// Within TTL: served from cache.
	now = now.Add(30 * time.Minute)
	_, err = cache.Get("BTCUSDT")
	assert.NoError(t, err)
	assert.Equal(t, 1, client.calls)

	// Past TTL: refreshed.
	now = now.Add(31 * time.Minute)
	_, err = cache.Get("BTCUSDT")
	assert.NoError(t, err)
	assert.Equal(t, 2, client.calls)
}

func TestInstrumentCache_ServesStaleOnRefreshFailure(t *testing.T) {
	client := &fakeClient{info: btcInfo()}
	cache := NewInstrumentCache(client, zap.NewNop(), time.Hour)

	now := time.Unix(1700000000, 0)
	cache.now = func() time.Time { return now }

	info, err := cache.Get("BTCUSDT")
	assert.NoError(t, err)
	assert.Equal(t, "0.5", info.TickSize)

	// Expire and make the refresh fail: the stale entry is still served.
	now = now.Add(2 * time.Hour)
	client.err = errors.New("exchange down")

	info, err = cache.Get("BTCUSDT")
	assert.NoError(t, err)
	assert.Equal(t, "0.5", info.TickSize)
}
