package models

import (
	"time"

	"gorm.io/gorm"
)

const (
	SignalSideBuy  = "buy"
	SignalSideSell = "sell"
)

// Signal is a proposed trade emitted by the signal generator and consumed
// exactly once by the executor. Apart from the processed flag it is never
// mutated after creation.
type Signal struct {
	gorm.Model
	UserID      uint    `gorm:"index;not null" json:"user_id"`
	Symbol      string  `gorm:"index;not null" json:"symbol"`
	Side        string  `gorm:"not null" json:"side"`
	Price       float64 `json:"price"`
	Confidence  float64 `json:"confidence"` // 0..1
	Reasoning   string  `json:"reasoning"`
	Processed   bool    `gorm:"index;default:false" json:"processed"`
	ProcessedAt *time.Time `json:"processed_at,omitempty"`
}
