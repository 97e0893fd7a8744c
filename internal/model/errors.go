package model

import "errors"

// Error taxonomy. Validation errors are rejected before any transaction
// opens; state and funds errors roll the transaction back; ErrConflict
// signals a serialization failure the caller should retry; anything else
// is a storage failure and propagates wrapped.
var (
	// Validation errors.
	ErrInvalidQuantity  = errors.New("core: quantity must be positive")
	ErrInvalidPrice     = errors.New("core: price must be between 0.01 and 0.99")
	ErrInvalidSide      = errors.New("core: side must be yes or no")
	ErrInvalidOrderType = errors.New("core: type must be limit or market")

	// State errors.
	ErrMarketNotFound    = errors.New("core: market not found")
	ErrMarketNotOpen     = errors.New("core: market is not open for trading")
	ErrMarketSettled     = errors.New("core: market already resolved or cancelled")
	ErrInvalidTransition = errors.New("core: invalid market status transition")
	ErrOrderNotFound     = errors.New("core: order not found")
	ErrOrderNotOpen      = errors.New("core: order already filled or cancelled")

	// Funds.
	ErrInsufficientFunds = errors.New("core: insufficient available balance")

	// Concurrency: the storage transaction failed to serialize and the
	// whole operation should be retried.
	ErrConflict = errors.New("core: transaction conflict, retry")
)

// IsValidation reports whether err is a pre-transaction validation error.
func IsValidation(err error) bool {
	return errors.Is(err, ErrInvalidQuantity) ||
		errors.Is(err, ErrInvalidPrice) ||
		errors.Is(err, ErrInvalidSide) ||
		errors.Is(err, ErrInvalidOrderType)
}

// IsState reports whether err is a state rejection (market/order in the
// wrong lifecycle state, or funds short).
func IsState(err error) bool {
	return errors.Is(err, ErrMarketNotOpen) ||
		errors.Is(err, ErrMarketSettled) ||
		errors.Is(err, ErrInvalidTransition) ||
		errors.Is(err, ErrOrderNotOpen) ||
		errors.Is(err, ErrInsufficientFunds)
}

// IsNotFound reports whether err identifies a missing row.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrMarketNotFound) || errors.Is(err, ErrOrderNotFound)
}
