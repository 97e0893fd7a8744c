// Package store defines the persistence interface for the trading core.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
//
// Every mutating core operation — one placement, one cancellation, one
// settlement — runs inside a single Tx obtained from WithinTx: all of its
// writes commit together or none do. Matching reads the book and writes
// based on that read, so implementations must provide serializable
// semantics (or equivalent mutual exclusion per operation).
package store

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/predyx/trading-core/internal/model"
)

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache for hot read paths.
type Store interface {
	Reader

	// WithinTx runs fn inside one atomic transaction. If fn returns an
	// error the transaction is rolled back and the error returned.
	// A serialization failure surfaces as model.ErrConflict.
	WithinTx(ctx context.Context, fn func(tx Tx) error) error
}

// Reader is the read-only query surface, served outside any transaction.
type Reader interface {
	GetMarket(ctx context.Context, id string) (*model.Market, error)
	ListMarkets(ctx context.Context) ([]model.Market, error)
	GetOrder(ctx context.Context, id string) (*model.Order, error)

	// RestingOrders returns all open/partial orders for a market in
	// insertion order.
	RestingOrders(ctx context.Context, marketID string) ([]model.Order, error)

	GetBalance(ctx context.Context, userID string) (*model.Balance, error)
	PositionsByUser(ctx context.Context, userID string) ([]model.Position, error)
	LedgerEntriesByUser(ctx context.Context, userID string) ([]model.LedgerEntry, error)
	TradesByMarket(ctx context.Context, marketID string) ([]model.Trade, error)
	PriceHistory(ctx context.Context, marketID string) ([]model.PricePoint, error)
}

// Tx is one atomic unit of work. It is passed explicitly through the
// matching, ledger, and settlement code so that everything within one
// operation genuinely commits or rolls back together.
type Tx interface {
	// --- Markets ---

	GetMarket(ctx context.Context, id string) (*model.Market, error)
	InsertMarket(ctx context.Context, m *model.Market) error

	// ApplyTradingResult moves the market's last price and accumulates
	// volume and shares outstanding after a placement that executed.
	ApplyTradingResult(ctx context.Context, id string, yesPrice, volumeDelta, yesSharesDelta, noSharesDelta decimal.Decimal) error

	// UpdateMarketStatus persists the status/resolution fields of m.
	UpdateMarketStatus(ctx context.Context, m *model.Market) error

	// --- Orders ---

	GetOrder(ctx context.Context, id string) (*model.Order, error)
	InsertOrder(ctx context.Context, o *model.Order) error

	// UpdateOrder persists filled/remaining/status of an existing order.
	UpdateOrder(ctx context.Context, o *model.Order) error

	// EligibleOrders returns resting orders of the given side priced at or
	// below priceCeiling, excluding excludeUserID's own orders, sorted by
	// ascending price then insertion order (price-time priority).
	EligibleOrders(ctx context.Context, marketID string, side model.Side, priceCeiling decimal.Decimal, excludeUserID string) ([]model.Order, error)

	RestingOrders(ctx context.Context, marketID string) ([]model.Order, error)

	// --- Trades ---

	InsertTrade(ctx context.Context, t *model.Trade) error

	// --- Positions ---

	GetPosition(ctx context.Context, userID, marketID string) (*model.Position, error)
	SavePosition(ctx context.Context, p *model.Position) error
	PositionsByMarket(ctx context.Context, marketID string) ([]model.Position, error)

	// --- Balances ---

	GetBalance(ctx context.Context, userID string) (*model.Balance, error)

	// AdjustBalance applies atomic increments to a user's total and frozen
	// balance in one operation and returns the resulting balance. Deltas
	// may be negative.
	AdjustBalance(ctx context.Context, userID string, totalDelta, frozenDelta decimal.Decimal) (*model.Balance, error)

	// --- Audit trail ---

	AppendLedgerEntry(ctx context.Context, e *model.LedgerEntry) error
	AppendPricePoint(ctx context.Context, p *model.PricePoint) error
}
