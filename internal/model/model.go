// Package model defines the core domain types shared across the trading core.
// All monetary values use shopspring/decimal — never float64 for money.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is the outcome a trader buys exposure to. Every order is a buy of
// its own side; "selling YES" is expressed as buying NO.
type Side string

const (
	SideYes Side = "yes"
	SideNo  Side = "no"
)

// Valid reports whether s is a known side.
func (s Side) Valid() bool { return s == SideYes || s == SideNo }

// Opposite returns the complementary side.
func (s Side) Opposite() Side {
	if s == SideYes {
		return SideNo
	}
	return SideYes
}

// OrderType distinguishes resting limit orders from sweeping market orders.
type OrderType string

const (
	OrderTypeLimit  OrderType = "limit"
	OrderTypeMarket OrderType = "market"
)

// Valid reports whether t is a known order type.
func (t OrderType) Valid() bool { return t == OrderTypeLimit || t == OrderTypeMarket }

// OrderStatus is the order lifecycle state. filled and cancelled are
// terminal.
type OrderStatus string

const (
	OrderOpen      OrderStatus = "open"
	OrderPartial   OrderStatus = "partial"
	OrderFilled    OrderStatus = "filled"
	OrderCancelled OrderStatus = "cancelled"
)

// MarketStatus is the market lifecycle state. Transitions only move
// forward; resolved and cancelled are terminal.
type MarketStatus string

const (
	MarketDraft     MarketStatus = "draft"
	MarketOpen      MarketStatus = "open"
	MarketClosed    MarketStatus = "closed"
	MarketResolved  MarketStatus = "resolved"
	MarketCancelled MarketStatus = "cancelled"
)

var marketTransitions = map[MarketStatus][]MarketStatus{
	MarketDraft:  {MarketOpen, MarketCancelled},
	MarketOpen:   {MarketClosed, MarketResolved, MarketCancelled},
	MarketClosed: {MarketResolved, MarketCancelled},
}

// ValidTransition reports whether a market may move from one status to
// another. Terminal statuses have no outgoing transitions.
func ValidTransition(from, to MarketStatus) bool {
	for _, next := range marketTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether a market status admits no further transitions.
func (s MarketStatus) Terminal() bool { return s == MarketResolved || s == MarketCancelled }

// Ledger entry kinds. trade_buy/trade_sell are written on every match,
// payout on resolution, refund on void.
const (
	EntryTradeBuy   = "trade_buy"
	EntryTradeSell  = "trade_sell"
	EntryPayout     = "payout"
	EntryRefund     = "refund"
	EntryDeposit    = "deposit"
	EntryWithdrawal = "withdrawal"
)

// Price bounds for stored order prices. A market order sweeps the book
// with MaxPrice (buying YES) or MinPrice (buying NO); that sweep price is
// stored on the order but is never a quoted price.
var (
	MinPrice = decimal.NewFromFloat(0.01)
	MaxPrice = decimal.NewFromFloat(0.99)
	One      = decimal.NewFromInt(1)
)

// MoneyScale is the number of fractional digits for money, shares, and
// prices.
const MoneyScale int32 = 2

// RoundMoney applies the single rounding rule used everywhere an average
// price or a payout is recomputed: half away from zero at two decimal
// places (decimal.Round is half-away-from-zero).
func RoundMoney(d decimal.Decimal) decimal.Decimal { return d.Round(MoneyScale) }

// SweepPrice returns the most aggressive legal price for a market order
// on the given side.
func SweepPrice(side Side) decimal.Decimal {
	if side == SideYes {
		return MaxPrice
	}
	return MinPrice
}

// Market is one binary-outcome market. The NO price is never stored: it
// is always 1 - YesPrice.
type Market struct {
	ID             string          `json:"id" db:"id"`
	Slug           string          `json:"slug" db:"slug"`
	Title          string          `json:"title" db:"title"`
	Status         MarketStatus    `json:"status" db:"status"`
	Resolution     Side            `json:"resolution,omitempty" db:"resolution"`
	YesPrice       decimal.Decimal `json:"yes_price" db:"yes_price"`
	TotalVolume    decimal.Decimal `json:"total_volume" db:"total_volume"`
	TotalYesShares decimal.Decimal `json:"total_yes_shares" db:"total_yes_shares"`
	TotalNoShares  decimal.Decimal `json:"total_no_shares" db:"total_no_shares"`
	ResolvedBy     string          `json:"resolved_by,omitempty" db:"resolved_by"`
	ResolvedAt     *time.Time      `json:"resolved_at,omitempty" db:"resolved_at"`
	ResolutionNote string          `json:"resolution_note,omitempty" db:"resolution_note"`
	CreatedAt      time.Time       `json:"created_at" db:"created_at"`
}

// NoPrice returns the derived complement price.
func (m *Market) NoPrice() decimal.Decimal { return One.Sub(m.YesPrice) }

// Order is a buy of exposure on one side of one market.
type Order struct {
	ID                string          `json:"id" db:"id"`
	UserID            string          `json:"user_id" db:"user_id"`
	MarketID          string          `json:"market_id" db:"market_id"`
	Side              Side            `json:"side" db:"side"`
	Type              OrderType       `json:"type" db:"type"`
	Price             decimal.Decimal `json:"price" db:"price"`
	Quantity          decimal.Decimal `json:"quantity" db:"quantity"`
	FilledQuantity    decimal.Decimal `json:"filled_quantity" db:"filled_quantity"`
	RemainingQuantity decimal.Decimal `json:"remaining_quantity" db:"remaining_quantity"`
	Status            OrderStatus     `json:"status" db:"status"`
	CreatedAt         time.Time       `json:"created_at" db:"created_at"`
}

// Resting reports whether the order still sits on the book.
func (o *Order) Resting() bool { return o.Status == OrderOpen || o.Status == OrderPartial }

// Trade is the immutable record of one match. Price is always the maker's
// (resting order's) price; Side is the taker's side.
type Trade struct {
	ID           string          `json:"id" db:"id"`
	MarketID     string          `json:"market_id" db:"market_id"`
	TakerOrderID string          `json:"taker_order_id" db:"taker_order_id"`
	MakerOrderID string          `json:"maker_order_id" db:"maker_order_id"`
	BuyerID      string          `json:"buyer_id" db:"buyer_id"`
	SellerID     string          `json:"seller_id" db:"seller_id"`
	Side         Side            `json:"side" db:"side"`
	Price        decimal.Decimal `json:"price" db:"price"`
	Quantity     decimal.Decimal `json:"quantity" db:"quantity"`
	CreatedAt    time.Time       `json:"created_at" db:"created_at"`
}

// Value returns the cash exchanged: price × quantity.
func (t *Trade) Value() decimal.Decimal { return t.Price.Mul(t.Quantity) }

// Position is a trader's aggregate holdings in one market, keyed by
// (user, market). Shares never go negative. Created lazily on first
// trade; the row survives settlement as a historical artifact.
type Position struct {
	ID          string          `json:"id" db:"id"`
	UserID      string          `json:"user_id" db:"user_id"`
	MarketID    string          `json:"market_id" db:"market_id"`
	YesShares   decimal.Decimal `json:"yes_shares" db:"yes_shares"`
	NoShares    decimal.Decimal `json:"no_shares" db:"no_shares"`
	AvgYesPrice decimal.Decimal `json:"avg_yes_price" db:"avg_yes_price"`
	AvgNoPrice  decimal.Decimal `json:"avg_no_price" db:"avg_no_price"`
	RealizedPnL decimal.Decimal `json:"realized_pnl" db:"realized_pnl"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at" db:"updated_at"`
}

// Shares returns the held quantity for one side.
func (p *Position) Shares(side Side) decimal.Decimal {
	if side == SideYes {
		return p.YesShares
	}
	return p.NoShares
}

// AvgPrice returns the volume-weighted entry price for one side, zero
// when the side has never been bought.
func (p *Position) AvgPrice(side Side) decimal.Decimal {
	if side == SideYes {
		return p.AvgYesPrice
	}
	return p.AvgNoPrice
}

// Balance is a user's cash. Frozen is reserved against the user's own
// resting limit orders; Available = Total - Frozen.
type Balance struct {
	UserID string          `json:"user_id" db:"user_id"`
	Total  decimal.Decimal `json:"total" db:"total"`
	Frozen decimal.Decimal `json:"frozen" db:"frozen"`
}

// Available returns the spendable portion of the balance.
func (b *Balance) Available() decimal.Decimal { return b.Total.Sub(b.Frozen) }

// LedgerEntry is an immutable record of one balance mutation, carrying
// the resulting balance for point-in-time reconstruction. Once created
// these are never modified or deleted.
type LedgerEntry struct {
	ID           string          `json:"id" db:"id"`
	UserID       string          `json:"user_id" db:"user_id"`
	Kind         string          `json:"kind" db:"kind"`
	Amount       decimal.Decimal `json:"amount" db:"amount"` // signed: +credit, -debit
	BalanceAfter decimal.Decimal `json:"balance_after" db:"balance_after"`
	RefType      string          `json:"ref_type,omitempty" db:"ref_type"`
	RefID        string          `json:"ref_id,omitempty" db:"ref_id"`
	CreatedAt    time.Time       `json:"created_at" db:"created_at"`
}

// PricePoint is one sample of the price history, appended after every
// placement that executed at least one trade.
type PricePoint struct {
	MarketID string          `json:"market_id" db:"market_id"`
	YesPrice decimal.Decimal `json:"yes_price" db:"yes_price"`
	Volume   decimal.Decimal `json:"volume" db:"volume"`
	At       time.Time       `json:"at" db:"at"`
}

// BookLevel is one aggregated price level of the order book snapshot.
type BookLevel struct {
	Price      decimal.Decimal `json:"price"`
	Quantity   decimal.Decimal `json:"quantity"`
	OrderCount int             `json:"order_count"`
}

// OrderBook is the public snapshot: YES orders are bids at their own
// price, NO orders are re-expressed as asks at 1 - price.
type OrderBook struct {
	MarketID string      `json:"market_id"`
	Bids     []BookLevel `json:"bids"`
	Asks     []BookLevel `json:"asks"`
}
