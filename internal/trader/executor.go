package trader

import (
	"fmt"
	"strconv"
	"time"

	"bybit-spot-bot-go/internal/bybit"
	"bybit-spot-bot-go/internal/config"
	"bybit-spot-bot-go/internal/market"
	"bybit-spot-bot-go/internal/models"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Executor turns unprocessed signals into exchange orders: a limit buy
// entry and, on acceptance, a paired take-profit limit sell. Local trade
// rows are created only after the exchange accepts an order.
type Executor struct {
	logger    *zap.Logger
	db        *gorm.DB
	client    bybit.RestClientInterface
	validator *OrderValidator
	rounder   *market.Rounder
	tracker   *PositionTracker
	userID    uint
}

// NewExecutor wires the executor to its collaborators.
func NewExecutor(logger *zap.Logger, db *gorm.DB, client bybit.RestClientInterface,
	validator *OrderValidator, rounder *market.Rounder, tracker *PositionTracker, userID uint) *Executor {
	return &Executor{
		logger:    logger.Named("executor"),
		db:        db,
		client:    client,
		validator: validator,
		rounder:   rounder,
		tracker:   tracker,
		userID:    userID,
	}
}

// ProcessUnprocessed runs every pending signal through execution, oldest
// first. Per-signal errors are returned for the caller to log; the loop
// never stops early.
func (e *Executor) ProcessUnprocessed(cfg *config.Trading) []error {
	var signals []models.Signal
	if err := e.db.
		Where("user_id = ? AND processed = ?", e.userID, false).
		Order("created_at ASC").
		Find(&signals).Error; err != nil {
		return []error{fmt.Errorf("could not load unprocessed signals: %w", err)}
	}

	var errs []error
	for i := range signals {
		if err := e.ProcessSignal(&signals[i], cfg); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

// ProcessSignal executes one signal. Whatever the outcome - placed,
// rejected, or errored - the signal is marked processed so a permanently
// invalid signal can never loop forever.
func (e *Executor) ProcessSignal(signal *models.Signal, cfg *config.Trading) (err error) {
	l := e.logger.With(
		zap.Uint("signal_id", signal.ID),
		zap.String("symbol", signal.Symbol),
		zap.String("side", signal.Side),
	)

	defer func() {
		now := time.Now()
		if dbErr := e.db.Model(signal).
			Updates(map[string]interface{}{"processed": true, "processed_at": now}).Error; dbErr != nil {
			l.Error("Failed to mark signal processed", zap.Error(dbErr))
			if err == nil {
				err = fmt.Errorf("could not mark signal %d processed: %w", signal.ID, dbErr)
			}
		}
	}()

	if signal.Side != models.SignalSideBuy {
		l.Warn("Only buy signals are actionable, skipping")
		return nil
	}

	// Re-check exposure right before placement: the counts read at signal
	// time may be stale by now.
	check, limitErr := e.tracker.CheckLimits(signal.Symbol, cfg)
	if limitErr != nil {
		return fmt.Errorf("exposure re-check failed for %s: %w", signal.Symbol, limitErr)
	}
	if !check.OK {
		mtxRejections.WithLabelValues("exposure").Inc()
		l.Info("Exposure limit reached between signal and execution, skipping",
			zap.String("reason", check.Reason))
		return nil
	}

	rawQty := cfg.MaxOrderNotional / signal.Price
	order, valErr := e.validator.Validate(signal.Symbol, rawQty, signal.Price, cfg)
	if valErr != nil {
		mtxRejections.WithLabelValues("validation").Inc()
		l.Warn("Order failed final validation, abandoning signal", zap.Error(valErr))
		return nil
	}

	entry, execErr := e.placeEntry(order)
	if execErr != nil {
		mtxRejections.WithLabelValues("exchange").Inc()
		l.Error("Entry order rejected by exchange",
			zap.String("price", order.Price),
			zap.String("qty", order.Qty),
			zap.Error(execErr))
		return execErr
	}

	l.Info("Entry order placed",
		zap.String("order_id", entry.OrderID),
		zap.String("price", order.Price),
		zap.String("qty", order.Qty))

	if gapErr := e.placeTakeProfit(entry, order, cfg); gapErr != nil {
		return gapErr
	}
	return nil
}

// placeEntry submits the limit buy and records it locally only once the
// exchange has accepted it.
func (e *Executor) placeEntry(order *ValidatedOrder) (*models.Trade, error) {
	linkID := uuid.NewString()
	result, err := e.client.PlaceOrder(&bybit.PlaceOrderRequest{
		Symbol:      order.Symbol,
		Side:        bybit.OrderSideBuy,
		OrderType:   bybit.OrderTypeLimit,
		Qty:         order.Qty,
		Price:       order.Price,
		TimeInForce: bybit.TimeInForceGTC,
		OrderLinkID: linkID,
	})
	if err != nil {
		return nil, &ExchangeRejection{Symbol: order.Symbol, Side: models.TradeSideBuy, Err: err}
	}

	trade := &models.Trade{
		UserID:      e.userID,
		Symbol:      order.Symbol,
		Side:        models.TradeSideBuy,
		OrderType:   models.OrderTypeLimit,
		Price:       order.PriceVal,
		Quantity:    order.QtyVal,
		Status:      models.TradeStatusPending,
		OrderID:     result.OrderID,
		OrderLinkID: linkID,
	}
	if err := e.db.Create(trade).Error; err != nil {
		// The order is live but the ledger write failed; reconciliation
		// will synthesize the row from the exchange's history.
		e.logger.Error("Entry accepted but ledger write failed, reconciliation will backfill",
			zap.String("order_id", result.OrderID), zap.Error(err))
		return nil, fmt.Errorf("entry %s placed but not recorded: %w", result.OrderID, err)
	}

	mtxOrders.WithLabelValues(models.TradeSideBuy, "entry").Inc()
	return trade, nil
}

// placeTakeProfit pairs the entry with a limit sell at the configured
// profit offset. A failure here leaves an open position with no exit, the
// one condition this system treats as critical.
func (e *Executor) placeTakeProfit(entry *models.Trade, order *ValidatedOrder, cfg *config.Trading) error {
	rawTP := order.PriceVal * (1 + cfg.TakeProfitPercent/100)

	// The exit leg re-uses the precision layer but not the notional cap:
	// it sells exactly what the entry bought, so its notional is already
	// decided.
	tpPrice, err := e.rounder.RoundPrice(order.Symbol, rawTP)
	if err != nil {
		return e.criticalGap(entry, err)
	}
	ok, err := e.rounder.ValidateOrder(order.Symbol, rawTP, order.QtyVal)
	if err != nil {
		return e.criticalGap(entry, err)
	}
	if !ok {
		return e.criticalGap(entry, fmt.Errorf("take-profit order below exchange minimums"))
	}

	linkID := uuid.NewString()
	result, err := e.client.PlaceOrder(&bybit.PlaceOrderRequest{
		Symbol:      order.Symbol,
		Side:        bybit.OrderSideSell,
		OrderType:   bybit.OrderTypeLimit,
		Qty:         order.Qty,
		Price:       tpPrice,
		TimeInForce: bybit.TimeInForceGTC,
		OrderLinkID: linkID,
	})
	if err != nil {
		return e.criticalGap(entry, err)
	}

	tpPriceVal, parseErr := strconv.ParseFloat(tpPrice, 64)
	if parseErr != nil {
		tpPriceVal = rawTP
	}
	tp := &models.Trade{
		UserID:         e.userID,
		Symbol:         order.Symbol,
		Side:           models.TradeSideSell,
		OrderType:      models.OrderTypeLimit,
		Price:          tpPriceVal,
		Quantity:       order.QtyVal,
		Status:         models.TradeStatusPending,
		OrderID:        result.OrderID,
		OrderLinkID:    linkID,
		RelatedTradeID: entry.ID,
	}
	if err := e.db.Create(tp).Error; err != nil {
		e.logger.Error("Take-profit accepted but ledger write failed, reconciliation will backfill",
			zap.String("order_id", result.OrderID), zap.Error(err))
		return fmt.Errorf("take-profit %s placed but not recorded: %w", result.OrderID, err)
	}

	mtxOrders.WithLabelValues(models.TradeSideSell, "take_profit").Inc()
	e.logger.Info("Take-profit order placed",
		zap.String("symbol", order.Symbol),
		zap.String("order_id", result.OrderID),
		zap.String("price", tpPrice))
	return nil
}

func (e *Executor) criticalGap(entry *models.Trade, cause error) error {
	gap := &CriticalExecutionGap{
		Symbol:       entry.Symbol,
		EntryOrderID: entry.OrderID,
		Err:          cause,
	}
	mtxCriticalGaps.Inc()
	e.logger.Error("Open position has no take-profit order",
		zap.String("symbol", entry.Symbol),
		zap.String("entry_order_id", entry.OrderID),
		zap.Float64("quantity", entry.Quantity),
		zap.Error(cause),
	)
	return gap
}
