package trader

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"bybit-spot-bot-go/internal/bybit"
	"bybit-spot-bot-go/internal/config"
	"bybit-spot-bot-go/internal/market"
	"bybit-spot-bot-go/internal/models"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// staleSignalAge is how long an unprocessed signal stays actionable. The
// market has moved on from anything older; cleanup retires it.
const staleSignalAge = time.Hour

// TradingSource fetches the current per-user trading configuration. It is
// called at the start of every cycle so edits take effect within one tick
// and are never cached longer.
type TradingSource func() (*config.Trading, error)

// Engine drives the whole pipeline - cleanup, signal generation, execution
// - on a fixed interval, one cycle at a time. Reconciliation runs on its
// own cron schedule against the same ledger.
type Engine struct {
	logger     *zap.Logger
	db         *gorm.DB
	client     bybit.RestClientInterface
	cache      *market.InstrumentCache
	tracker    *PositionTracker
	generator  *SignalGenerator
	executor   *Executor
	reconciler *Reconciler
	trading    TradingSource
	userID     uint

	cron   *cron.Cron
	cancel context.CancelFunc

	// cycleMu enforces at-most-one-cycle-in-flight; RunOneCycle and the
	// ticker share it.
	cycleMu sync.Mutex

	mu          sync.Mutex
	issues      []string
	lastCycle   time.Time
	lastErr     error
	lastEODDate string

	StartTime time.Time
}

// NewEngine wires the full pipeline around one user's ledger and exchange
// account.
func NewEngine(logger *zap.Logger, db *gorm.DB, client bybit.RestClientInterface,
	cache *market.InstrumentCache, trading TradingSource, userID uint) *Engine {

	rounder := market.NewRounder(cache)
	tracker := NewPositionTracker(db, userID)
	validator := NewOrderValidator(rounder)

	return &Engine{
		logger:     logger.Named("engine"),
		db:         db,
		client:     client,
		cache:      cache,
		tracker:    tracker,
		generator:  NewSignalGenerator(logger, db, client, rounder, tracker, userID),
		executor:   NewExecutor(logger, db, client, validator, rounder, tracker, userID),
		reconciler: NewReconciler(logger, db, client, userID),
		trading:    trading,
		userID:     userID,
		StartTime:  time.Now(),
	}
}

// Start launches the cycle loop and the reconciliation schedule. It returns
// immediately; Stop shuts both down. Stopping never cancels an in-flight
// cycle, it only prevents the next one.
func (e *Engine) Start() error {
	cfg, err := e.trading()
	if err != nil {
		return fmt.Errorf("could not load trading config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return &ConfigurationError{Err: err}
	}

	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel

	// Startup reconciliation with the long lookback closes any gap that
	// opened while the bot was down, before the first cycle trades on
	// stale counts.
	if _, err := e.ReconcileNow(cfg.StartupLookbackHours); err != nil {
		e.logger.Error("Startup reconciliation failed", zap.Error(err))
	}

	e.cron = cron.New()
	if _, err := e.cron.AddFunc(cfg.ReconcileInterval, func() {
		if _, err := e.ReconcileNow(1); err != nil {
			e.logger.Error("Periodic reconciliation failed", zap.Error(err))
		}
	}); err != nil {
		return fmt.Errorf("invalid reconcile_interval %q: %w", cfg.ReconcileInterval, err)
	}
	e.cron.Start()

	go e.run(ctx, cfg.LoopInterval())
	return nil
}

// Stop prevents further cycles and stops the reconciliation schedule.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	if e.cron != nil {
		e.cron.Stop()
	}
	e.logger.Info("Engine stopped")
}

// run ticks at the configured interval. A failed cycle is logged and the
// loop simply waits for the next tick; it never halts itself.
func (e *Engine) run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	e.logger.Info("Starting trade loop", zap.Duration("interval", interval))

	for {
		select {
		case <-ctx.Done():
			e.logger.Info("Trade loop stopping")
			return
		case <-ticker.C:
			if err := e.RunOneCycle(); err != nil {
				e.logger.Error("Cycle failed", zap.Error(err))
			}
		}
	}
}

// RunOneCycle executes one full pass: cleanup, signal generation for every
// configured symbol, then execution of every unprocessed signal. Per-symbol
// and per-signal failures are logged and recorded but never abort the rest
// of the cycle.
func (e *Engine) RunOneCycle() error {
	e.cycleMu.Lock()
	defer e.cycleMu.Unlock()

	cfg, err := e.trading()
	if err != nil {
		cfgErr := &ConfigurationError{Err: err}
		e.recordCycle(cfgErr)
		return cfgErr
	}
	if err := cfg.Validate(); err != nil {
		cfgErr := &ConfigurationError{Err: err}
		e.recordCycle(cfgErr)
		return cfgErr
	}
	if !cfg.Active {
		e.logger.Debug("Trading disabled by configuration, skipping cycle")
		e.recordCycle(nil)
		return nil
	}

	e.cleanupStaleSignals()
	e.markEndOfDayLosses()

	for _, symbol := range cfg.TradePairs {
		e.generator.GenerateForSymbol(symbol, cfg)
	}

	for _, execErr := range e.executor.ProcessUnprocessed(cfg) {
		e.logger.Error("Signal execution failed", zap.Error(execErr))

		var gap *CriticalExecutionGap
		if errors.As(execErr, &gap) {
			e.addIssue(gap.Error())
		}
	}

	e.updatePositionGauge()
	e.recordCycle(nil)
	return nil
}

// cleanupStaleSignals retires unprocessed signals the market has outlived.
func (e *Engine) cleanupStaleSignals() {
	cutoff := time.Now().Add(-staleSignalAge)
	res := e.db.Model(&models.Signal{}).
		Where("user_id = ? AND processed = ? AND created_at < ?", e.userID, false, cutoff).
		Updates(map[string]interface{}{"processed": true, "processed_at": time.Now()})
	if res.Error != nil {
		e.logger.Warn("Stale signal cleanup failed", zap.Error(res.Error))
		return
	}
	if res.RowsAffected > 0 {
		e.logger.Info("Retired stale unprocessed signals", zap.Int64("count", res.RowsAffected))
	}
}

// markEndOfDayLosses records, once per day, whether each open position is
// under water. The flag is the precondition for a second averaging-down
// order on the symbol.
func (e *Engine) markEndOfDayLosses() {
	today := time.Now().Format("2006-01-02")

	e.mu.Lock()
	done := e.lastEODDate == today
	if !done {
		e.lastEODDate = today
	}
	e.mu.Unlock()
	if done {
		return
	}

	var openBuys []models.Trade
	if err := e.db.
		Where("user_id = ? AND side = ? AND status IN ?",
			e.userID, models.TradeSideBuy, openStatuses).
		Find(&openBuys).Error; err != nil {
		e.logger.Warn("End-of-day loss check could not load positions", zap.Error(err))
		return
	}

	for i := range openBuys {
		trade := &openBuys[i]
		priceStr, err := e.client.GetTicker(trade.Symbol)
		if err != nil {
			e.logger.Warn("End-of-day loss check could not fetch ticker",
				zap.String("symbol", trade.Symbol), zap.Error(err))
			continue
		}
		current, err := strconv.ParseFloat(priceStr, 64)
		if err != nil || current <= 0 {
			continue
		}

		entry := trade.FillPrice
		if entry <= 0 {
			entry = trade.Price
		}
		inLoss := current < entry
		if inLoss == trade.EODLoss {
			continue
		}
		if err := e.db.Model(trade).Update("eod_loss", inLoss).Error; err != nil {
			e.logger.Warn("Could not record end-of-day loss flag",
				zap.Uint("trade_id", trade.ID), zap.Error(err))
		}
	}
}

// ReconcileNow runs one reconciliation pass immediately.
func (e *Engine) ReconcileNow(lookbackHours int) (ReconcileSummary, error) {
	summary, err := e.reconciler.Reconcile(lookbackHours)
	if err != nil {
		e.addIssue(fmt.Sprintf("reconciliation failed: %v", err))
	}
	return summary, err
}

// Health reports whether the engine is healthy and the accumulated issues
// an operator should look at. Critical execution gaps stay listed until the
// process restarts; they require a human.
func (e *Engine) Health() (bool, []string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	issues := make([]string, len(e.issues))
	copy(issues, e.issues)
	if e.lastErr != nil {
		issues = append(issues, fmt.Sprintf("last cycle failed: %v", e.lastErr))
	}
	return len(issues) == 0, issues
}

// Strategy returns the currently configured analyzer name, for the status
// surface.
func (e *Engine) Strategy() string {
	cfg, err := e.trading()
	if err != nil {
		return ""
	}
	return cfg.Strategy
}

// LastCycle returns when the previous cycle finished.
func (e *Engine) LastCycle() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastCycle
}

func (e *Engine) addIssue(issue string) {
	e.mu.Lock()
	e.issues = append(e.issues, issue)
	e.mu.Unlock()
}

func (e *Engine) recordCycle(err error) {
	e.mu.Lock()
	e.lastCycle = time.Now()
	e.lastErr = err
	e.mu.Unlock()

	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	mtxCycles.WithLabelValues(outcome).Inc()
}

func (e *Engine) updatePositionGauge() {
	var count int64
	if err := e.db.Model(&models.Trade{}).
		Where("user_id = ? AND side = ? AND status IN ?",
			e.userID, models.TradeSideBuy, openStatuses).
		Count(&count).Error; err == nil {
		mtxOpenPositions.Set(float64(count))
	}
}
