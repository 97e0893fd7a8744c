// Package ledger applies the economic effect of trades and settlement to
// positions and balances.
//
// Every balance mutation goes through the owning transaction as an atomic
// adjustment and leaves an immutable audit entry carrying the resulting
// balance, so the cash history of any user can be reconstructed from the
// entries alone.
package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/predyx/trading-core/internal/model"
	"github.com/predyx/trading-core/internal/store"
)

// Ledger updates positions and balances inside a caller-owned
// transaction. NewID and Now are injectable for deterministic tests.
type Ledger struct {
	NewID func() string
	Now   func() time.Time
}

// New creates a ledger with uuid ids and UTC wall-clock time.
func New() *Ledger {
	return &Ledger{
		NewID: uuid.NewString,
		Now:   func() time.Time { return time.Now().UTC() },
	}
}

// ApplyTrade applies one trade's full economic effect to both parties.
//
// Both legs are acquisitions: the taker gains shares of the trade's side,
// the maker gains shares of the opposite side, each at the execution
// price (the maker's own price). Cash flows are asymmetric: the taker
// pays from total balance, the maker is credited and has the reservation
// made at placement released.
func (l *Ledger) ApplyTrade(ctx context.Context, tx store.Tx, t *model.Trade) error {
	cost := t.Value()

	// Taker leg: acquire shares, debit cash.
	if err := l.Acquire(ctx, tx, t.BuyerID, t.MarketID, t.Side, t.Quantity, t.Price); err != nil {
		return fmt.Errorf("taker position: %w", err)
	}
	buyerBal, err := tx.AdjustBalance(ctx, t.BuyerID, cost.Neg(), decimal.Zero)
	if err != nil {
		return fmt.Errorf("debit taker: %w", err)
	}
	if err := l.append(ctx, tx, t.BuyerID, model.EntryTradeBuy, cost.Neg(), buyerBal.Total, t.ID); err != nil {
		return err
	}

	// Maker leg: acquire shares of the resting side, credit cash and
	// release the reservation frozen when the resting order was placed.
	if err := l.Acquire(ctx, tx, t.SellerID, t.MarketID, t.Side.Opposite(), t.Quantity, t.Price); err != nil {
		return fmt.Errorf("maker position: %w", err)
	}
	sellerBal, err := tx.AdjustBalance(ctx, t.SellerID, cost, cost.Neg())
	if err != nil {
		return fmt.Errorf("credit maker: %w", err)
	}
	return l.append(ctx, tx, t.SellerID, model.EntryTradeSell, cost, sellerBal.Total, t.ID)
}

// Acquire adds quantity shares of one side to a (user, market) position,
// recomputing the volume-weighted average entry price. The position is
// created lazily on first trade.
func (l *Ledger) Acquire(ctx context.Context, tx store.Tx, userID, marketID string, side model.Side, quantity, price decimal.Decimal) error {
	p, err := tx.GetPosition(ctx, userID, marketID)
	if err != nil {
		return err
	}
	now := l.Now()
	if p == nil {
		p = &model.Position{
			ID:        l.NewID(),
			UserID:    userID,
			MarketID:  marketID,
			CreatedAt: now,
		}
	}

	oldShares := p.Shares(side)
	oldAvg := p.AvgPrice(side)
	newShares := oldShares.Add(quantity)

	// Weighted average, rounded half away from zero at two places. When
	// the side was flat the average is simply the trade price.
	newAvg := price
	if oldShares.IsPositive() {
		newAvg = model.RoundMoney(
			oldAvg.Mul(oldShares).Add(price.Mul(quantity)).Div(newShares))
	}

	setSide(p, side, newShares, newAvg)
	p.UpdatedAt = now
	return tx.SavePosition(ctx, p)
}

// Reduce removes up to quantity shares of one side, clamping at zero, and
// accrues realized P&L of (price - avg) per share actually removed. In
// this model share reductions happen only at settlement; ordinary
// matching is acquisitions on both legs.
func (l *Ledger) Reduce(ctx context.Context, tx store.Tx, p *model.Position, side model.Side, quantity, price decimal.Decimal) error {
	held := p.Shares(side)
	if !held.IsPositive() {
		return nil
	}
	reduced := decimal.Min(held, quantity)

	avg := p.AvgPrice(side)
	if avg.IsPositive() {
		pnl := model.RoundMoney(price.Sub(avg).Mul(reduced))
		p.RealizedPnL = p.RealizedPnL.Add(pnl)
	}

	setSide(p, side, held.Sub(reduced), avg)
	p.UpdatedAt = l.Now()
	return tx.SavePosition(ctx, p)
}

// Credit adds amount to a user's total balance and records an audit entry
// of the given kind. Used by settlement for payouts and refunds.
func (l *Ledger) Credit(ctx context.Context, tx store.Tx, userID string, amount decimal.Decimal, kind, refType, refID string) error {
	bal, err := tx.AdjustBalance(ctx, userID, amount, decimal.Zero)
	if err != nil {
		return fmt.Errorf("credit %s: %w", userID, err)
	}
	e := &model.LedgerEntry{
		ID:           l.NewID(),
		UserID:       userID,
		Kind:         kind,
		Amount:       amount,
		BalanceAfter: bal.Total,
		RefType:      refType,
		RefID:        refID,
		CreatedAt:    l.Now(),
	}
	return tx.AppendLedgerEntry(ctx, e)
}

func (l *Ledger) append(ctx context.Context, tx store.Tx, userID, kind string, amount, balanceAfter decimal.Decimal, tradeID string) error {
	e := &model.LedgerEntry{
		ID:           l.NewID(),
		UserID:       userID,
		Kind:         kind,
		Amount:       amount,
		BalanceAfter: balanceAfter,
		RefType:      "trade",
		RefID:        tradeID,
		CreatedAt:    l.Now(),
	}
	return tx.AppendLedgerEntry(ctx, e)
}

func setSide(p *model.Position, side model.Side, shares, avg decimal.Decimal) {
	if side == model.SideYes {
		p.YesShares = shares
		p.AvgYesPrice = avg
	} else {
		p.NoShares = shares
		p.AvgNoPrice = avg
	}
}
