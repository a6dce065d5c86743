package models

import "gorm.io/gorm"

const (
	TradeStatusPending       = "pending"
	TradeStatusPartialFilled = "partial_filled"
	TradeStatusFilled        = "filled"
	TradeStatusClosed        = "closed"
	TradeStatusCancelled     = "cancelled"
	TradeStatusRejected      = "rejected"

	TradeSideBuy  = "buy"
	TradeSideSell = "sell"

	OrderTypeMarket = "market"
	OrderTypeLimit  = "limit"
)

// Trade is one leg of a position in the local ledger. A row is only ever
// created after the exchange has accepted the order (or synthesized by
// reconciliation from the exchange's own history).
type Trade struct {
	gorm.Model
	UserID         uint    `gorm:"index;not null" json:"user_id"`
	Symbol         string  `gorm:"index;not null" json:"symbol"`
	Side           string  `gorm:"not null" json:"side"`
	OrderType      string  `json:"order_type"`
	Price          float64 `json:"price"`
	Quantity       float64 `json:"quantity"`
	Status         string  `gorm:"index;not null" json:"status"`
	OrderID        string  `gorm:"index" json:"order_id"`
	OrderLinkID    string  `gorm:"index" json:"order_link_id"`
	ExecID         string  `json:"exec_id,omitempty"`
	FillPrice      float64 `json:"fill_price,omitempty"`
	ProfitLoss     float64 `json:"profit_loss,omitempty"`
	EODLoss        bool    `json:"eod_loss"` // position was in loss at the last end-of-day check
	RelatedTradeID uint    `gorm:"index" json:"related_trade_id,omitempty"`
}

// Open reports whether the trade counts toward exposure limits. Pending
// orders are deliberately excluded so an unconfirmed order cannot block a
// slot, and a stale pending row cannot hold one either.
func (t *Trade) Open() bool {
	return t.Side == TradeSideBuy &&
		(t.Status == TradeStatusFilled || t.Status == TradeStatusPartialFilled)
}

// Terminal reports whether the trade has reached a final status.
func (t *Trade) Terminal() bool {
	switch t.Status {
	case TradeStatusClosed, TradeStatusCancelled, TradeStatusRejected:
		return true
	}
	return false
}
