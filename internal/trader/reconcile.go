package trader

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"bybit-spot-bot-go/internal/bybit"
	"bybit-spot-bot-go/internal/models"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	// priceEpsilon is the drift below which local and remote values are
	// considered equal and no correction is written.
	priceEpsilon = 1e-6

	// qtyMatchTolerance is the relative quantity difference under which a
	// remote execution can fall back to matching a local trade without an
	// order id.
	qtyMatchTolerance = 0.05

	// timeMatchTolerance bounds the fallback match in time.
	timeMatchTolerance = 10 * time.Minute

	// dustBalance is the wallet balance below which a position is
	// considered gone from the exchange account.
	dustBalance = 1e-9

	executionFetchLimit = 100
)

// ReconcileSummary counts the writes one reconciliation pass performed.
// A pass over an unchanged world reports all zeros.
type ReconcileSummary struct {
	DriftCorrected int
	StatusUpdates  int
	Synthesized    int
	Closed         int
}

func (s ReconcileSummary) total() int {
	return s.DriftCorrected + s.StatusUpdates + s.Synthesized + s.Closed
}

// Reconciler aligns the local trade ledger with the exchange's
// authoritative execution and order history. The exchange always wins:
// drift is corrected, never ignored.
type Reconciler struct {
	logger *zap.Logger
	db     *gorm.DB
	client bybit.RestClientInterface
	userID uint
}

// NewReconciler wires the reconciler to the ledger and the exchange.
func NewReconciler(logger *zap.Logger, db *gorm.DB, client bybit.RestClientInterface, userID uint) *Reconciler {
	return &Reconciler{
		logger: logger.Named("reconcile"),
		db:     db,
		client: client,
		userID: userID,
	}
}

// Reconcile runs one full pass over the lookback window.
func (r *Reconciler) Reconcile(lookbackHours int) (ReconcileSummary, error) {
	var summary ReconcileSummary
	since := time.Now().Add(-time.Duration(lookbackHours) * time.Hour)

	executions, err := r.client.GetExecutionHistory(since, executionFetchLimit)
	if err != nil {
		return summary, fmt.Errorf("could not fetch execution history: %w", err)
	}

	for _, exec := range executions {
		if err := r.applyExecution(&exec, &summary); err != nil {
			r.logger.Warn("Failed to apply remote execution",
				zap.String("exec_id", exec.ExecID), zap.Error(err))
		}
	}

	if err := r.syncPendingOrders(&summary); err != nil {
		r.logger.Warn("Pending-order sync failed", zap.Error(err))
	}

	if err := r.detectClosedPositions(executions, &summary); err != nil {
		r.logger.Warn("Closed-position detection failed", zap.Error(err))
	}

	if summary.total() > 0 {
		r.logger.Info("Reconciliation corrected ledger drift",
			zap.Int("drift_corrected", summary.DriftCorrected),
			zap.Int("status_updates", summary.StatusUpdates),
			zap.Int("synthesized", summary.Synthesized),
			zap.Int("closed", summary.Closed),
		)
	} else {
		r.logger.Debug("Reconciliation found no drift")
	}
	return summary, nil
}

// applyExecution matches one remote fill against the ledger, correcting or
// synthesizing as needed.
func (r *Reconciler) applyExecution(exec *bybit.Execution, summary *ReconcileSummary) error {
	execPrice, err := strconv.ParseFloat(exec.ExecPrice, 64)
	if err != nil {
		return fmt.Errorf("unparseable exec price %q: %w", exec.ExecPrice, err)
	}
	execQty, err := strconv.ParseFloat(exec.ExecQty, 64)
	if err != nil {
		return fmt.Errorf("unparseable exec qty %q: %w", exec.ExecQty, err)
	}
	side := strings.ToLower(exec.Side)

	local, err := r.matchLocal(exec, side, execQty)
	if err != nil {
		return err
	}

	if local == nil {
		// No local record for a real fill: the ledger is under-counting
		// exposure. Synthesize the row so the position tracker sees it.
		trade := &models.Trade{
			UserID:    r.userID,
			Symbol:    exec.Symbol,
			Side:      side,
			OrderType: models.OrderTypeLimit,
			Price:     execPrice,
			Quantity:  execQty,
			Status:    models.TradeStatusFilled,
			OrderID:   exec.OrderID,
			ExecID:    exec.ExecID,
			FillPrice: execPrice,
		}
		if err := r.db.Create(trade).Error; err != nil {
			return fmt.Errorf("could not synthesize trade for exec %s: %w", exec.ExecID, err)
		}
		summary.Synthesized++
		mtxReconCorrections.WithLabelValues("synthesized").Inc()
		r.logger.Warn("Synthesized missing local trade from exchange execution",
			zap.String("exec_id", exec.ExecID),
			zap.String("symbol", exec.Symbol),
			zap.String("side", side),
			zap.Float64("price", execPrice),
			zap.Float64("qty", execQty),
		)
		return nil
	}

	updates := map[string]interface{}{}
	if math.Abs(local.Price-execPrice) > priceEpsilon {
		updates["price"] = execPrice
	}
	if math.Abs(local.FillPrice-execPrice) > priceEpsilon {
		updates["fill_price"] = execPrice
	}
	if math.Abs(local.Quantity-execQty) > priceEpsilon {
		updates["quantity"] = execQty
	}
	if local.Status == models.TradeStatusPending || local.Status == models.TradeStatusPartialFilled {
		updates["status"] = models.TradeStatusFilled
	}
	if local.ExecID == "" {
		updates["exec_id"] = exec.ExecID
	}
	if local.OrderID == "" {
		updates["order_id"] = exec.OrderID
	}

	if len(updates) == 0 {
		return nil
	}
	if err := r.db.Model(local).Updates(updates).Error; err != nil {
		return fmt.Errorf("could not correct trade %d: %w", local.ID, err)
	}
	summary.DriftCorrected++
	mtxReconCorrections.WithLabelValues("drift").Inc()
	r.logger.Info("Corrected local trade from exchange execution",
		zap.Uint("trade_id", local.ID),
		zap.String("exec_id", exec.ExecID),
		zap.Any("updates", updates),
	)
	return nil
}

// matchLocal finds the local trade for a remote execution: exchange order
// id first, then order link id, then (symbol, side, quantity, time)
// proximity.
func (r *Reconciler) matchLocal(exec *bybit.Execution, side string, execQty float64) (*models.Trade, error) {
	var trade models.Trade

	if exec.OrderID != "" {
		err := r.db.Where("user_id = ? AND order_id = ?", r.userID, exec.OrderID).First(&trade).Error
		if err == nil {
			return &trade, nil
		}
		if err != gorm.ErrRecordNotFound {
			return nil, err
		}
	}
	if exec.OrderLinkID != "" {
		err := r.db.Where("user_id = ? AND order_link_id = ?", r.userID, exec.OrderLinkID).First(&trade).Error
		if err == nil {
			return &trade, nil
		}
		if err != gorm.ErrRecordNotFound {
			return nil, err
		}
	}

	execTime := parseExecTime(exec.ExecTime)
	var candidates []models.Trade
	if err := r.db.
		Where("user_id = ? AND symbol = ? AND side = ?", r.userID, exec.Symbol, side).
		Find(&candidates).Error; err != nil {
		return nil, err
	}
	for i := range candidates {
		c := &candidates[i]
		if c.Quantity <= 0 {
			continue
		}
		if math.Abs(c.Quantity-execQty)/c.Quantity > qtyMatchTolerance {
			continue
		}
		if !execTime.IsZero() {
			delta := execTime.Sub(c.CreatedAt)
			if delta < -timeMatchTolerance || delta > timeMatchTolerance {
				continue
			}
		}
		return c, nil
	}
	return nil, nil
}

// syncPendingOrders asks the exchange for the state of every local pending
// order and applies status transitions.
func (r *Reconciler) syncPendingOrders(summary *ReconcileSummary) error {
	var pending []models.Trade
	if err := r.db.
		Where("user_id = ? AND status IN ?", r.userID,
			[]string{models.TradeStatusPending, models.TradeStatusPartialFilled}).
		Find(&pending).Error; err != nil {
		return err
	}

	for i := range pending {
		trade := &pending[i]
		if trade.OrderID == "" {
			continue
		}
		status, err := r.client.GetOrderStatus(trade.Symbol, trade.OrderID)
		if err != nil {
			r.logger.Warn("Could not fetch order status",
				zap.String("order_id", trade.OrderID), zap.Error(err))
			continue
		}

		newStatus := mapOrderStatus(status.Status)
		if newStatus == "" || newStatus == trade.Status {
			continue
		}

		updates := map[string]interface{}{"status": newStatus}
		if avg, err := strconv.ParseFloat(status.AvgPrice, 64); err == nil && avg > 0 &&
			math.Abs(trade.FillPrice-avg) > priceEpsilon {
			updates["fill_price"] = avg
		}
		if execQty, err := strconv.ParseFloat(status.CumExecQty, 64); err == nil && execQty > 0 &&
			newStatus == models.TradeStatusFilled &&
			math.Abs(trade.Quantity-execQty) > priceEpsilon {
			updates["quantity"] = execQty
		}

		if err := r.db.Model(trade).Updates(updates).Error; err != nil {
			r.logger.Warn("Could not update trade status",
				zap.Uint("trade_id", trade.ID), zap.Error(err))
			continue
		}
		summary.StatusUpdates++
		r.logger.Info("Synced order status from exchange",
			zap.Uint("trade_id", trade.ID),
			zap.String("order_id", trade.OrderID),
			zap.String("status", newStatus),
		)
	}
	return nil
}

// detectClosedPositions closes filled buy trades whose exit the system
// missed: a matching sell execution in history, or a base balance that has
// fallen to dust.
func (r *Reconciler) detectClosedPositions(executions []bybit.Execution, summary *ReconcileSummary) error {
	var openBuys []models.Trade
	if err := r.db.
		Where("user_id = ? AND side = ? AND status = ?",
			r.userID, models.TradeSideBuy, models.TradeStatusFilled).
		Find(&openBuys).Error; err != nil {
		return err
	}
	if len(openBuys) == 0 {
		return nil
	}

	var balances map[string]float64
	balancesFetched := false

	for i := range openBuys {
		buy := &openBuys[i]

		if sellPrice, ok := matchingSell(executions, buy); ok {
			r.closeTrade(buy, sellPrice, summary)
			continue
		}

		if !balancesFetched {
			var err error
			balances, err = r.client.GetWalletBalance()
			if err != nil {
				r.logger.Warn("Could not fetch wallet balance for close detection", zap.Error(err))
				return nil
			}
			balancesFetched = true
		}
		coin := baseCoin(buy.Symbol)
		// A coin absent from the wallet response counts as zero.
		if bal := balances[coin]; bal < dustBalance {
			// The coins are gone but no sell execution was found in the
			// window; close at entry so exposure stops counting, P/L
			// unknown.
			r.logger.Warn("Position balance gone from exchange with no matching sell in window",
				zap.Uint("trade_id", buy.ID), zap.String("symbol", buy.Symbol))
			r.closeTrade(buy, fillOrPrice(buy), summary)
		}
	}
	return nil
}

func (r *Reconciler) closeTrade(buy *models.Trade, sellPrice float64, summary *ReconcileSummary) {
	entry := fillOrPrice(buy)
	pl, _ := decimal.NewFromFloat(sellPrice).
		Sub(decimal.NewFromFloat(entry)).
		Mul(decimal.NewFromFloat(buy.Quantity)).
		Float64()

	updates := map[string]interface{}{
		"status":      models.TradeStatusClosed,
		"profit_loss": pl,
	}
	if err := r.db.Model(buy).Updates(updates).Error; err != nil {
		r.logger.Warn("Could not close trade", zap.Uint("trade_id", buy.ID), zap.Error(err))
		return
	}
	summary.Closed++
	mtxReconCorrections.WithLabelValues("closed").Inc()

	log := r.logger.Info
	if pl < 0 {
		// A previously-unknown closed position with a loss deserves more
		// attention than an informational line.
		log = r.logger.Warn
	}
	log("Closed position from exchange history",
		zap.Uint("trade_id", buy.ID),
		zap.String("symbol", buy.Symbol),
		zap.Float64("entry_price", entry),
		zap.Float64("exit_price", sellPrice),
		zap.Float64("profit_loss", pl),
	)
}

// matchingSell finds a sell execution for the buy's symbol with a quantity
// within tolerance and returns its price.
func matchingSell(executions []bybit.Execution, buy *models.Trade) (float64, bool) {
	for _, exec := range executions {
		if exec.Symbol != buy.Symbol || strings.ToLower(exec.Side) != models.TradeSideSell {
			continue
		}
		qty, err := strconv.ParseFloat(exec.ExecQty, 64)
		if err != nil || buy.Quantity <= 0 {
			continue
		}
		if math.Abs(qty-buy.Quantity)/buy.Quantity > qtyMatchTolerance {
			continue
		}
		price, err := strconv.ParseFloat(exec.ExecPrice, 64)
		if err != nil {
			continue
		}
		return price, true
	}
	return 0, false
}

func fillOrPrice(t *models.Trade) float64 {
	if t.FillPrice > 0 {
		return t.FillPrice
	}
	return t.Price
}

// mapOrderStatus translates Bybit order states into ledger statuses. An
// empty return means "leave it alone".
func mapOrderStatus(s string) string {
	switch s {
	case "Filled":
		return models.TradeStatusFilled
	case "PartiallyFilled":
		return models.TradeStatusPartialFilled
	case "Cancelled", "Deactivated":
		return models.TradeStatusCancelled
	case "Rejected":
		return models.TradeStatusRejected
	default:
		return ""
	}
}

// quoteCoins are the quote suffixes we trade against, longest first so
// USDT matches before USD would.
var quoteCoins = []string{"USDT", "USDC", "BTC", "ETH", "EUR", "USD"}

// baseCoin strips the quote suffix from a symbol ("BTCUSDT" -> "BTC").
func baseCoin(symbol string) string {
	for _, quote := range quoteCoins {
		if strings.HasSuffix(symbol, quote) && len(symbol) > len(quote) {
			return strings.TrimSuffix(symbol, quote)
		}
	}
	return symbol
}

func parseExecTime(ms string) time.Time {
	v, err := strconv.ParseInt(ms, 10, 64)
	if err != nil || v <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(v)
}
