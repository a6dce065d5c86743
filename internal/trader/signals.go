package trader

import (
	"fmt"
	"strconv"

	"bybit-spot-bot-go/internal/bybit"
	"bybit-spot-bot-go/internal/config"
	"bybit-spot-bot-go/internal/market"
	"bybit-spot-bot-go/internal/models"
	"bybit-spot-bot-go/internal/strategy"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	// klineInterval is the candle size fed to the analyzers (1 hour).
	klineInterval = "60"

	// maxOrdersPerSymbol caps the averaging ladder: a third order on the
	// same symbol is never placed, whatever the configured cap says.
	maxOrdersPerSymbol = 2
)

// Decision is the definite per-symbol outcome of one signal pass. Callers
// always get one, whatever went wrong inside.
type Decision struct {
	Symbol string
	Action string // "entry", "averaging" or "none"
	Reason string
	Signal *models.Signal
}

const (
	ActionEntry     = "entry"
	ActionAveraging = "averaging"
	ActionNone      = "none"
)

// SignalGenerator decides, per symbol per cycle, whether to propose a new
// entry or an averaging-down add, and persists the resulting signal.
type SignalGenerator struct {
	logger  *zap.Logger
	db      *gorm.DB
	client  bybit.RestClientInterface
	rounder *market.Rounder
	tracker *PositionTracker
	userID  uint
}

// NewSignalGenerator wires the generator to its collaborators.
func NewSignalGenerator(logger *zap.Logger, db *gorm.DB, client bybit.RestClientInterface,
	rounder *market.Rounder, tracker *PositionTracker, userID uint) *SignalGenerator {
	return &SignalGenerator{
		logger:  logger.Named("signals"),
		db:      db,
		client:  client,
		rounder: rounder,
		tracker: tracker,
		userID:  userID,
	}
}

// GenerateForSymbol runs the per-symbol state machine. Errors never escape:
// they become a Decision with the reason recorded.
func (g *SignalGenerator) GenerateForSymbol(symbol string, cfg *config.Trading) Decision {
	decision := g.generate(symbol, cfg)
	mtxSignals.WithLabelValues(decision.Action).Inc()

	l := g.logger.With(zap.String("symbol", symbol), zap.String("action", decision.Action))
	if decision.Action == ActionNone {
		l.Debug("No signal", zap.String("reason", decision.Reason))
	} else {
		l.Info("Signal emitted",
			zap.Float64("price", decision.Signal.Price),
			zap.String("reason", decision.Reason))
	}
	return decision
}

func (g *SignalGenerator) generate(symbol string, cfg *config.Trading) Decision {
	none := func(format string, args ...interface{}) Decision {
		return Decision{Symbol: symbol, Action: ActionNone, Reason: fmt.Sprintf(format, args...)}
	}

	open, err := g.tracker.OpenPositions(symbol)
	if err != nil {
		return none("ledger unavailable: %v", err)
	}

	if len(open) == 0 {
		return g.newEntry(symbol, cfg, none)
	}
	return g.averagingDown(symbol, cfg, open, none)
}

// newEntry runs the support strategy for a symbol with no open position.
func (g *SignalGenerator) newEntry(symbol string, cfg *config.Trading,
	none func(string, ...interface{}) Decision) Decision {

	check, err := g.tracker.CheckLimits(symbol, cfg)
	if err != nil {
		return none("exposure check failed: %v", err)
	}
	if !check.OK {
		return none("%v", &ExposureLimitError{Symbol: symbol, Reason: check.Reason})
	}

	lookback := cfg.SupportWindow
	if lookback < 2*14 {
		lookback = 2 * 14 // enough history for the ATR fallback
	}
	klines, err := g.client.GetKlines(symbol, klineInterval, lookback)
	if err != nil {
		return none("could not fetch klines: %v", err)
	}
	candles := strategy.FromKlines(klines)

	analyzer := strategy.ForName(cfg.Strategy)
	levels := analyzer.Analyze(candles, cfg.SupportWindow)
	if len(levels) == 0 {
		return none("no support levels found by %s", analyzer.Name())
	}

	best := levels[0]
	entryPrice := best.Price * (1 + cfg.EntryOffsetPercent/100)

	if ok, reason := g.validateProvisional(symbol, entryPrice, cfg); !ok {
		return none("entry validation failed: %s", reason)
	}

	reasoning := fmt.Sprintf("%s support at %.8g (strength %.2f, %d touches), entry offset %.2f%%",
		analyzer.Name(), best.Price, best.Strength, best.Touches, cfg.EntryOffsetPercent)

	signal, err := g.persist(symbol, entryPrice, best.Strength, reasoning)
	if err != nil {
		return none("could not persist signal: %v", err)
	}
	return Decision{Symbol: symbol, Action: ActionEntry, Reason: reasoning, Signal: signal}
}

// averagingDown decides whether to add to an existing losing position.
func (g *SignalGenerator) averagingDown(symbol string, cfg *config.Trading,
	open []models.Trade, none func(string, ...interface{}) Decision) Decision {

	// The ladder never grows past two orders, whatever the config allows.
	if len(open) >= maxOrdersPerSymbol {
		return none("already %d orders on symbol, averaging ladder is full", len(open))
	}

	check, err := g.tracker.CheckLimits(symbol, cfg)
	if err != nil {
		return none("exposure check failed: %v", err)
	}
	if !check.OK {
		return none("%v", &ExposureLimitError{Symbol: symbol, Reason: check.Reason})
	}

	// A second order additionally requires the position to have been in
	// loss at the last end-of-day check; it keeps a sideways chop from
	// pyramiding the symbol.
	last := open[0] // newest first
	if !last.EODLoss {
		return none("averaging requires a recorded end-of-day loss on the open position")
	}

	lastFill := last.FillPrice
	if lastFill <= 0 {
		lastFill = last.Price
	}
	if lastFill <= 0 {
		return none("open position has no usable fill price")
	}

	priceStr, err := g.client.GetTicker(symbol)
	if err != nil {
		return none("could not fetch ticker: %v", err)
	}
	currentPrice, err := strconv.ParseFloat(priceStr, 64)
	if err != nil || currentPrice <= 0 {
		return none("unusable ticker price %q", priceStr)
	}

	lower, upper := cfg.SupportLowerBoundPercent, cfg.SupportUpperBoundPercent
	if cfg.UseDynamicBounds {
		klines, err := g.client.GetKlines(symbol, klineInterval, cfg.SupportWindow)
		if err != nil {
			return none("could not fetch klines for dynamic bounds: %v", err)
		}
		lower, upper = strategy.DynamicBounds(strategy.FromKlines(klines), cfg.ATRMultiplier)
	}

	// Decimal arithmetic: the band check must hold exactly at the boundary,
	// and float division does not.
	change := decimal.NewFromFloat(currentPrice).
		Sub(decimal.NewFromFloat(lastFill)).
		Div(decimal.NewFromFloat(lastFill)).
		Mul(decimal.NewFromInt(100))
	changePct, _ := change.Float64()
	if change.LessThan(decimal.NewFromFloat(-lower)) || change.GreaterThan(decimal.NewFromFloat(upper)) {
		return none("price change %.2f%% from last fill outside [-%.2f%%, +%.2f%%]",
			changePct, lower, upper)
	}

	entryPrice := currentPrice * (1 - cfg.EntryOffsetPercent/100)
	if ok, reason := g.validateProvisional(symbol, entryPrice, cfg); !ok {
		return none("averaging validation failed: %s", reason)
	}

	reasoning := fmt.Sprintf("averaging down: last fill %.8g, current %.8g (%.2f%%), band [-%.2f%%, +%.2f%%]",
		lastFill, currentPrice, changePct, lower, upper)

	signal, err := g.persist(symbol, entryPrice, 0.6, reasoning)
	if err != nil {
		return none("could not persist signal: %v", err)
	}
	return Decision{Symbol: symbol, Action: ActionAveraging, Reason: reasoning, Signal: signal}
}

// validateProvisional sizes the order at the configured notional and checks
// it against the exchange's precision rules.
func (g *SignalGenerator) validateProvisional(symbol string, entryPrice float64, cfg *config.Trading) (bool, string) {
	if entryPrice <= 0 {
		return false, "entry price is not positive"
	}
	rawQty := cfg.MaxOrderNotional / entryPrice

	qtyStr, err := g.rounder.RoundQuantity(symbol, rawQty)
	if err != nil {
		return false, err.Error()
	}
	qty, err := strconv.ParseFloat(qtyStr, 64)
	if err != nil || qty <= 0 {
		return false, fmt.Sprintf("rounded quantity %q is not tradable", qtyStr)
	}

	ok, err := g.rounder.ValidateOrder(symbol, entryPrice, qty)
	if err != nil {
		return false, err.Error()
	}
	if !ok {
		return false, "order below exchange minimums"
	}
	return true, ""
}

func (g *SignalGenerator) persist(symbol string, price, confidence float64, reasoning string) (*models.Signal, error) {
	signal := &models.Signal{
		UserID:     g.userID,
		Symbol:     symbol,
		Side:       models.SignalSideBuy,
		Price:      price,
		Confidence: confidence,
		Reasoning:  reasoning,
	}
	if err := g.db.Create(signal).Error; err != nil {
		return nil, err
	}
	return signal, nil
}
