package core

import "errors"

// Standardized error kinds. Callers classify with errors.Is; broker and
// engine adapters wrap transport errors into these.
var (
	ErrBrokerUnavailable    = errors.New("broker unavailable")
	ErrBrokerRejected       = errors.New("order rejected by broker")
	ErrValidationFailed     = errors.New("validation failed")
	ErrStaleData            = errors.New("stale market data")
	ErrEngineInvalidOutput  = errors.New("invalid engine output")
	ErrEngineUnavailable    = errors.New("reasoning engine unavailable")
	ErrTradingHalted        = errors.New("trading halted")
	ErrOrderNotFound        = errors.New("order not found")
	ErrTradeNotFound        = errors.New("trade not found")
	ErrRateLimited          = errors.New("rate limited")
	ErrCostCapReached       = errors.New("daily reasoning cost cap reached")
	ErrNoCandidate          = errors.New("no candidate passed floors")
	ErrPersistenceUnhealthy = errors.New("persistence unavailable")
)
