package trader

import (
	"testing"

	"bybit-spot-bot-go/internal/bybit"
	"bybit-spot-bot-go/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func newTestReconciler(db *gorm.DB, client *MockRestClient) *Reconciler {
	return NewReconciler(zap.NewNop(), db, client, testUserID)
}

func buyExec(orderID string, price, qty string) bybit.Execution {
	return bybit.Execution{
		ExecID: "exec-" + orderID, OrderID: orderID, Symbol: "BTCUSDT",
		Side: "Buy", ExecPrice: price, ExecQty: qty, ExecTime: "1700000000000",
	}
}

func TestReconcile_CorrectsDrift(t *testing.T) {
	db, client := setupTest(t)
	r := newTestReconciler(db, client)

	// Local record drifted: wrong price and quantity, still pending.
	trade := &models.Trade{
		UserID: testUserID, Symbol: "BTCUSDT", Side: models.TradeSideBuy,
		Status: models.TradeStatusPending, Price: 64000, Quantity: 0.016,
		OrderID: "o-1",
	}
	assert.NoError(t, db.Create(trade).Error)

	client.On("GetExecutionHistory", mock.Anything, mock.Anything).
		Return([]bybit.Execution{buyExec("o-1", "64317.5", "0.0155")}, nil)
	client.On("GetWalletBalance").Return(map[string]float64{"BTC": 1.0}, nil)

	summary, err := r.Reconcile(72)

	assert.NoError(t, err)
	assert.Equal(t, 1, summary.DriftCorrected)

	var reloaded models.Trade
	db.First(&reloaded, trade.ID)
	assert.Equal(t, models.TradeStatusFilled, reloaded.Status)
	assert.InDelta(t, 64317.5, reloaded.Price, 1e-9)
	assert.InDelta(t, 64317.5, reloaded.FillPrice, 1e-9)
	assert.InDelta(t, 0.0155, reloaded.Quantity, 1e-9)
	assert.Equal(t, "exec-o-1", reloaded.ExecID)
}

func TestReconcile_SynthesizesMissedFill(t *testing.T) {
	// A fill exists on the exchange with no local record: the ledger must
	// never under-count exposure, so a trade row is synthesized.
	db, client := setupTest(t)
	r := newTestReconciler(db, client)

	client.On("GetExecutionHistory", mock.Anything, mock.Anything).
		Return([]bybit.Execution{buyExec("lost-1", "64317.5", "0.0155")}, nil)
	client.On("GetWalletBalance").Return(map[string]float64{"BTC": 1.0}, nil)

	summary, err := r.Reconcile(72)

	assert.NoError(t, err)
	assert.Equal(t, 1, summary.Synthesized)

	var trade models.Trade
	assert.NoError(t, db.Where("order_id = ?", "lost-1").First(&trade).Error)
	assert.Equal(t, models.TradeStatusFilled, trade.Status)
	assert.Equal(t, models.TradeSideBuy, trade.Side)
	assert.Equal(t, testUserID, trade.UserID)
	assert.InDelta(t, 0.0155, trade.Quantity, 1e-9)
}

func TestReconcile_ClosesPositionWithProfitLoss(t *testing.T) {
	// A sell execution with no local sell trade, quantity matching a local
	// filled buy: the buy transitions to closed with computed P/L.
	db, client := setupTest(t)
	r := newTestReconciler(db, client)

	buy := openBuyTrade(t, db, "BTCUSDT", 64000, 0.0155)

	sell := bybit.Execution{
		ExecID: "exec-s1", OrderID: "s-1", Symbol: "BTCUSDT",
		Side: "Sell", ExecPrice: "66000", ExecQty: "0.0155", ExecTime: "1700000000000",
	}
	client.On("GetExecutionHistory", mock.Anything, mock.Anything).
		Return([]bybit.Execution{sell}, nil)

	summary, err := r.Reconcile(72)

	assert.NoError(t, err)
	assert.Equal(t, 1, summary.Closed)

	var reloaded models.Trade
	db.First(&reloaded, buy.ID)
	assert.Equal(t, models.TradeStatusClosed, reloaded.Status)
	assert.InDelta(t, (66000.0-64000.0)*0.0155, reloaded.ProfitLoss, 1e-9)
}

func TestReconcile_ClosesOnDustBalance(t *testing.T) {
	db, client := setupTest(t)
	r := newTestReconciler(db, client)

	buy := openBuyTrade(t, db, "BTCUSDT", 64000, 0.0155)

	client.On("GetExecutionHistory", mock.Anything, mock.Anything).
		Return([]bybit.Execution{}, nil)
	client.On("GetWalletBalance").Return(map[string]float64{}, nil)

	summary, err := r.Reconcile(72)

	assert.NoError(t, err)
	assert.Equal(t, 1, summary.Closed)

	var reloaded models.Trade
	db.First(&reloaded, buy.ID)
	assert.Equal(t, models.TradeStatusClosed, reloaded.Status)
}

func TestReconcile_SyncsPendingOrderStatus(t *testing.T) {
	db, client := setupTest(t)
	r := newTestReconciler(db, client)

	trade := &models.Trade{
		UserID: testUserID, Symbol: "BTCUSDT", Side: models.TradeSideSell,
		Status: models.TradeStatusPending, Price: 66000, Quantity: 0.0155,
		OrderID: "tp-1",
	}
	assert.NoError(t, db.Create(trade).Error)

	client.On("GetExecutionHistory", mock.Anything, mock.Anything).
		Return([]bybit.Execution{}, nil)
	client.On("GetOrderStatus", "BTCUSDT", "tp-1").Return(&bybit.OrderStatus{
		OrderID: "tp-1", Symbol: "BTCUSDT", Side: "Sell",
		Status: "Cancelled", AvgPrice: "", CumExecQty: "0",
	}, nil)

	summary, err := r.Reconcile(1)

	assert.NoError(t, err)
	assert.Equal(t, 1, summary.StatusUpdates)

	var reloaded models.Trade
	db.First(&reloaded, trade.ID)
	assert.Equal(t, models.TradeStatusCancelled, reloaded.Status)
}

func TestReconcile_Idempotent(t *testing.T) {
	// Two passes with no new exchange activity: the second writes nothing.
	db, client := setupTest(t)
	r := newTestReconciler(db, client)

	client.On("GetExecutionHistory", mock.Anything, mock.Anything).
		Return([]bybit.Execution{buyExec("o-1", "64317.5", "0.0155")}, nil)
	client.On("GetWalletBalance").Return(map[string]float64{"BTC": 1.0}, nil)

	first, err := r.Reconcile(72)
	assert.NoError(t, err)
	assert.Equal(t, 1, first.Synthesized)

	second, err := r.Reconcile(72)
	assert.NoError(t, err)
	assert.Equal(t, ReconcileSummary{}, second)

	var count int64
	db.Model(&models.Trade{}).Count(&count)
	assert.Equal(t, int64(1), count)
}
