package trader

import (
	"testing"
	"time"

	"bybit-spot-bot-go/internal/bybit"
	"bybit-spot-bot-go/internal/market"
	"bybit-spot-bot-go/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// MockRestClient is a mock implementation of the Bybit client interface.
type MockRestClient struct {
	mock.Mock
}

func (m *MockRestClient) GetServerTime() (int64, error) {
	args := m.Called()
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockRestClient) GetTicker(symbol string) (string, error) {
	args := m.Called(symbol)
	return args.String(0), args.Error(1)
}

func (m *MockRestClient) GetInstrumentInfo(symbol string) (*bybit.InstrumentInfo, error) {
	args := m.Called(symbol)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*bybit.InstrumentInfo), args.Error(1)
}

func (m *MockRestClient) GetKlines(symbol, interval string, limit int) ([]bybit.Kline, error) {
	args := m.Called(symbol, interval, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]bybit.Kline), args.Error(1)
}

func (m *MockRestClient) PlaceOrder(req *bybit.PlaceOrderRequest) (*bybit.OrderResult, error) {
	args := m.Called(req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*bybit.OrderResult), args.Error(1)
}

func (m *MockRestClient) GetOrderStatus(symbol, orderID string) (*bybit.OrderStatus, error) {
	args := m.Called(symbol, orderID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*bybit.OrderStatus), args.Error(1)
}

func (m *MockRestClient) GetOrderHistory(symbol string, limit int) ([]bybit.OrderStatus, error) {
	args := m.Called(symbol, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]bybit.OrderStatus), args.Error(1)
}

func (m *MockRestClient) GetExecutionHistory(startTime time.Time, limit int) ([]bybit.Execution, error) {
	args := m.Called(startTime, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]bybit.Execution), args.Error(1)
}

func (m *MockRestClient) GetWalletBalance() (map[string]float64, error) {
	args := m.Called()
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(map[string]float64), args.Error(1)
}

var _ bybit.RestClientInterface = (*MockRestClient)(nil)

const testUserID uint = 1

// setupTest creates a full test environment with a mock client and in-memory DB.
func setupTest(t *testing.T) (*gorm.DB, *MockRestClient) {
	// Use a new, non-shared in-memory database for each test to ensure isolation.
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	assert.NoError(t, err)

	err = db.AutoMigrate(&models.Signal{}, &models.Trade{})
	assert.NoError(t, err)

	mockClient := new(MockRestClient)

	return db, mockClient
}

// seededCache returns an instrument cache pre-loaded with BTCUSDT rules so
// precision checks never hit the mock.
func seededCache(client bybit.RestClientInterface) *market.InstrumentCache {
	cache := market.NewInstrumentCache(client, zap.NewNop(), market.DefaultTTL)
	cache.Seed(&bybit.InstrumentInfo{
		Symbol:      "BTCUSDT",
		TickSize:    "0.5",
		LotSize:     "0.0001",
		MinOrderQty: "0.0001",
		MinNotional: "5",
	})
	cache.Seed(&bybit.InstrumentInfo{
		Symbol:      "ETHUSDT",
		TickSize:    "0.01",
		LotSize:     "0.0001",
		MinOrderQty: "0.0001",
		MinNotional: "5",
	})
	return cache
}

// openBuyTrade inserts a filled buy position.
func openBuyTrade(t *testing.T, db *gorm.DB, symbol string, fillPrice, qty float64) *models.Trade {
	trade := &models.Trade{
		UserID:    testUserID,
		Symbol:    symbol,
		Side:      models.TradeSideBuy,
		OrderType: models.OrderTypeLimit,
		Price:     fillPrice,
		FillPrice: fillPrice,
		Quantity:  qty,
		Status:    models.TradeStatusFilled,
		OrderID:   "order-" + symbol,
	}
	assert.NoError(t, db.Create(trade).Error)
	return trade
}
