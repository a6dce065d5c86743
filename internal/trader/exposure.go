package trader

import (
	"fmt"

	"bybit-spot-bot-go/internal/config"
	"bybit-spot-bot-go/internal/models"
	"gorm.io/gorm"
)

// openStatuses are the trade states that count toward exposure. Pending
// orders are excluded on purpose: an unconfirmed order must not block a
// slot, and a stale pending row must not hold one.
var openStatuses = []string{models.TradeStatusFilled, models.TradeStatusPartialFilled}

// PositionTracker counts open positions from the local trade ledger and
// enforces the per-symbol and per-account exposure caps.
type PositionTracker struct {
	db     *gorm.DB
	userID uint
}

// NewPositionTracker creates a tracker scoped to one user's ledger.
func NewPositionTracker(db *gorm.DB, userID uint) *PositionTracker {
	return &PositionTracker{db: db, userID: userID}
}

// CountOpenPositions returns the number of open buy trades for a symbol.
func (p *PositionTracker) CountOpenPositions(symbol string) (int, error) {
	var count int64
	err := p.db.Model(&models.Trade{}).
		Where("user_id = ? AND symbol = ? AND side = ? AND status IN ?",
			p.userID, symbol, models.TradeSideBuy, openStatuses).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("could not count open positions for %s: %w", symbol, err)
	}
	return int(count), nil
}

// CountActiveSymbols returns how many distinct symbols currently have at
// least one open buy trade.
func (p *PositionTracker) CountActiveSymbols() (int, error) {
	var count int64
	err := p.db.Model(&models.Trade{}).
		Where("user_id = ? AND side = ? AND status IN ?",
			p.userID, models.TradeSideBuy, openStatuses).
		Distinct("symbol").
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("could not count active symbols: %w", err)
	}
	return int(count), nil
}

// OpenPositions returns the open buy trades for a symbol, newest first.
func (p *PositionTracker) OpenPositions(symbol string) ([]models.Trade, error) {
	var trades []models.Trade
	err := p.db.
		Where("user_id = ? AND symbol = ? AND side = ? AND status IN ?",
			p.userID, symbol, models.TradeSideBuy, openStatuses).
		Order("created_at DESC").
		Find(&trades).Error
	if err != nil {
		return nil, fmt.Errorf("could not load open positions for %s: %w", symbol, err)
	}
	return trades, nil
}

// LimitCheck is the outcome of an exposure check.
type LimitCheck struct {
	OK     bool
	Reason string
}

// CheckLimits verifies the exposure caps for opening (or adding to) a
// position on symbol. It is run during signal generation and again
// immediately before order placement, closing the race between the two.
func (p *PositionTracker) CheckLimits(symbol string, cfg *config.Trading) (LimitCheck, error) {
	openForSymbol, err := p.CountOpenPositions(symbol)
	if err != nil {
		return LimitCheck{}, err
	}
	if openForSymbol >= cfg.MaxPositionsPerSymbol {
		return LimitCheck{OK: false, Reason: fmt.Sprintf(
			"symbol has %d open positions, cap is %d", openForSymbol, cfg.MaxPositionsPerSymbol)}, nil
	}

	// A symbol that is already active does not consume a new slot.
	if openForSymbol == 0 {
		activeSymbols, err := p.CountActiveSymbols()
		if err != nil {
			return LimitCheck{}, err
		}
		if activeSymbols >= cfg.MaxActiveSymbols {
			return LimitCheck{OK: false, Reason: fmt.Sprintf(
				"%d symbols already active, cap is %d", activeSymbols, cfg.MaxActiveSymbols)}, nil
		}
	}

	return LimitCheck{OK: true}, nil
}
