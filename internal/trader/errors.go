package trader

import "fmt"

// The error taxonomy below is how component failures cross boundaries.
// Validation and limit failures become "no action taken" outcomes locally;
// everything else is classified here before it reaches the scheduler, which
// always moves on to the next symbol or signal.

// ConfigurationError means the risk parameters are missing or out of range.
// The whole cycle is skipped: trading on a broken config is never safe.
type ConfigurationError struct {
	Err error
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error: %v", e.Err)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// PrecisionError means instrument metadata was unavailable or an order
// failed tick/lot alignment. The order is abandoned, not retried blindly.
type PrecisionError struct {
	Symbol string
	Err    error
}

func (e *PrecisionError) Error() string {
	return fmt.Sprintf("precision error for %s: %v", e.Symbol, e.Err)
}

func (e *PrecisionError) Unwrap() error { return e.Err }

// ExposureLimitError means a position or symbol cap was reached. Expected
// and non-alarming: the signal simply is not created.
type ExposureLimitError struct {
	Symbol string
	Reason string
}

func (e *ExposureLimitError) Error() string {
	return fmt.Sprintf("exposure limit for %s: %s", e.Symbol, e.Reason)
}

// ExchangeRejection means the exchange refused an order (non-zero return
// code). No local trade is created for it.
type ExchangeRejection struct {
	Symbol string
	Side   string
	Err    error
}

func (e *ExchangeRejection) Error() string {
	return fmt.Sprintf("exchange rejected %s %s order: %v", e.Symbol, e.Side, e.Err)
}

func (e *ExchangeRejection) Unwrap() error { return e.Err }

// CriticalExecutionGap means the entry leg is live but the take-profit leg
// could not be placed: an open position with no exit order. Surfaced to the
// operator via health issues; never auto-retried, since a blind retry can
// double the exposure.
type CriticalExecutionGap struct {
	Symbol       string
	EntryOrderID string
	Err          error
}

func (e *CriticalExecutionGap) Error() string {
	return fmt.Sprintf("CRITICAL: entry order %s for %s has no take-profit leg: %v",
		e.EntryOrderID, e.Symbol, e.Err)
}

func (e *CriticalExecutionGap) Unwrap() error { return e.Err }
