// Package settle owns the market lifecycle: creation, closing, and the
// two terminal settlements. Resolution pays the winning side $1 per
// share; voiding refunds every holder their average entry cost. Both run
// inside one transaction and are idempotent: a second attempt finds the
// market already terminal and changes nothing.
package settle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/predyx/trading-core/internal/ledger"
	"github.com/predyx/trading-core/internal/model"
	"github.com/predyx/trading-core/internal/store"
)

// Service performs market lifecycle transitions against the store.
type Service struct {
	store      store.Store
	ledger     *ledger.Ledger
	maxRetries int

	// Injectable for deterministic tests.
	NewID func() string
	Now   func() time.Time
}

// New creates a settlement service on top of st.
func New(st store.Store, l *ledger.Ledger) *Service {
	return &Service{
		store:      st,
		ledger:     l,
		maxRetries: 3,
		NewID:      uuid.NewString,
		Now:        func() time.Time { return time.Now().UTC() },
	}
}

// ResolveResult summarizes one resolution.
type ResolveResult struct {
	MarketID        string          `json:"market_id"`
	Outcome         model.Side      `json:"outcome"`
	TotalPaid       decimal.Decimal `json:"total_paid"`
	PositionsPaid   int             `json:"positions_paid"`
	OrdersCancelled int             `json:"orders_cancelled"`
}

// VoidResult summarizes one void.
type VoidResult struct {
	MarketID          string          `json:"market_id"`
	TotalRefunded     decimal.Decimal `json:"total_refunded"`
	PositionsRefunded int             `json:"positions_refunded"`
	OrdersCancelled   int             `json:"orders_cancelled"`
}

// CreateMarket creates a new market, immediately open for trading.
// yesPrice is the initial quote; zero means an even 0.50.
func (s *Service) CreateMarket(ctx context.Context, slug, title string, yesPrice decimal.Decimal) (*model.Market, error) {
	if yesPrice.IsZero() {
		yesPrice = decimal.NewFromFloat(0.5)
	}
	if yesPrice.LessThan(model.MinPrice) || yesPrice.GreaterThan(model.MaxPrice) {
		return nil, model.ErrInvalidPrice
	}

	m := &model.Market{
		ID:        s.NewID(),
		Slug:      slug,
		Title:     title,
		Status:    model.MarketOpen,
		YesPrice:  yesPrice,
		CreatedAt: s.Now(),
	}
	err := s.withRetry(ctx, func(tx store.Tx) error {
		return tx.InsertMarket(ctx, m)
	})
	if err != nil {
		return nil, err
	}
	slog.Info("market created", "market", m.ID, "slug", m.Slug, "yes_price", m.YesPrice)
	return m, nil
}

// CloseMarket stops trading without settling. Resting orders stay on the
// book until resolution or void releases them.
func (s *Service) CloseMarket(ctx context.Context, marketID string) error {
	err := s.withRetry(ctx, func(tx store.Tx) error {
		m, err := tx.GetMarket(ctx, marketID)
		if err != nil {
			return err
		}
		if m.Status.Terminal() {
			return model.ErrMarketSettled
		}
		if !model.ValidTransition(m.Status, model.MarketClosed) {
			return model.ErrInvalidTransition
		}
		m.Status = model.MarketClosed
		return tx.UpdateMarketStatus(ctx, m)
	})
	if err != nil {
		return err
	}
	slog.Info("market closed", "market", marketID)
	return nil
}

// Resolve declares the winning side. Every resting order is cancelled
// with its reservation released, every position holding winning shares is
// paid $1 per share, and the market becomes resolved. The status guard
// runs inside the same transaction as the payouts, so concurrent resolve
// attempts settle each user exactly once.
func (s *Service) Resolve(ctx context.Context, marketID string, outcome model.Side, resolvedBy, note string) (*ResolveResult, error) {
	if !outcome.Valid() {
		return nil, model.ErrInvalidSide
	}

	res := &ResolveResult{MarketID: marketID, Outcome: outcome, TotalPaid: decimal.Zero}
	err := s.withRetry(ctx, func(tx store.Tx) error {
		res.TotalPaid = decimal.Zero
		res.PositionsPaid = 0

		m, err := tx.GetMarket(ctx, marketID)
		if err != nil {
			return err
		}
		if m.Status.Terminal() {
			return model.ErrMarketSettled
		}
		if !model.ValidTransition(m.Status, model.MarketResolved) {
			return model.ErrInvalidTransition
		}

		res.OrdersCancelled, err = s.cancelResting(ctx, tx, marketID)
		if err != nil {
			return err
		}

		positions, err := tx.PositionsByMarket(ctx, marketID)
		if err != nil {
			return err
		}
		for i := range positions {
			p := &positions[i]
			shares := p.Shares(outcome)
			if !shares.IsPositive() {
				continue
			}
			payout := model.RoundMoney(shares.Mul(model.One))
			if err := s.ledger.Reduce(ctx, tx, p, outcome, shares, model.One); err != nil {
				return fmt.Errorf("reduce position %s: %w", p.ID, err)
			}
			if err := s.ledger.Credit(ctx, tx, p.UserID, payout, model.EntryPayout, "market", marketID); err != nil {
				return err
			}
			res.TotalPaid = res.TotalPaid.Add(payout)
			res.PositionsPaid++
		}

		now := s.Now()
		m.Status = model.MarketResolved
		m.Resolution = outcome
		m.ResolvedBy = resolvedBy
		m.ResolvedAt = &now
		m.ResolutionNote = note
		return tx.UpdateMarketStatus(ctx, m)
	})
	if err != nil {
		return nil, err
	}

	slog.Info("market resolved",
		"market", marketID,
		"outcome", outcome,
		"total_paid", res.TotalPaid,
		"positions_paid", res.PositionsPaid,
		"orders_cancelled", res.OrdersCancelled,
	)
	return res, nil
}

// Void cancels the market and unwinds it: resting orders are cancelled,
// and every holder is refunded their average entry cost per share on both
// sides. A side whose average price was never set refunds nothing.
func (s *Service) Void(ctx context.Context, marketID, reason string) (*VoidResult, error) {
	res := &VoidResult{MarketID: marketID, TotalRefunded: decimal.Zero}
	err := s.withRetry(ctx, func(tx store.Tx) error {
		res.TotalRefunded = decimal.Zero
		res.PositionsRefunded = 0

		m, err := tx.GetMarket(ctx, marketID)
		if err != nil {
			return err
		}
		if m.Status.Terminal() {
			return model.ErrMarketSettled
		}

		res.OrdersCancelled, err = s.cancelResting(ctx, tx, marketID)
		if err != nil {
			return err
		}

		positions, err := tx.PositionsByMarket(ctx, marketID)
		if err != nil {
			return err
		}
		for i := range positions {
			p := &positions[i]
			refund := decimal.Zero
			if p.YesShares.IsPositive() && p.AvgYesPrice.IsPositive() {
				refund = refund.Add(model.RoundMoney(p.YesShares.Mul(p.AvgYesPrice)))
			}
			if p.NoShares.IsPositive() && p.AvgNoPrice.IsPositive() {
				refund = refund.Add(model.RoundMoney(p.NoShares.Mul(p.AvgNoPrice)))
			}
			if !p.YesShares.IsPositive() && !p.NoShares.IsPositive() {
				continue
			}

			// Reducing at the average price realizes zero P&L: a void
			// returns everyone to where they started.
			if err := s.ledger.Reduce(ctx, tx, p, model.SideYes, p.YesShares, p.AvgYesPrice); err != nil {
				return fmt.Errorf("reduce position %s: %w", p.ID, err)
			}
			if err := s.ledger.Reduce(ctx, tx, p, model.SideNo, p.NoShares, p.AvgNoPrice); err != nil {
				return fmt.Errorf("reduce position %s: %w", p.ID, err)
			}
			if refund.IsPositive() {
				if err := s.ledger.Credit(ctx, tx, p.UserID, refund, model.EntryRefund, "market", marketID); err != nil {
					return err
				}
			}
			res.TotalRefunded = res.TotalRefunded.Add(refund)
			res.PositionsRefunded++
		}

		now := s.Now()
		m.Status = model.MarketCancelled
		m.ResolvedAt = &now
		m.ResolutionNote = reason
		return tx.UpdateMarketStatus(ctx, m)
	})
	if err != nil {
		return nil, err
	}

	slog.Info("market voided",
		"market", marketID,
		"total_refunded", res.TotalRefunded,
		"positions_refunded", res.PositionsRefunded,
		"orders_cancelled", res.OrdersCancelled,
	)
	return res, nil
}

// cancelResting cancels every open/partial order on the market and
// releases the cash reserved against it.
func (s *Service) cancelResting(ctx context.Context, tx store.Tx, marketID string) (int, error) {
	orders, err := tx.RestingOrders(ctx, marketID)
	if err != nil {
		return 0, err
	}
	for i := range orders {
		o := &orders[i]
		unfreeze := o.Price.Mul(o.RemainingQuantity)
		if unfreeze.IsPositive() {
			if _, err := tx.AdjustBalance(ctx, o.UserID, decimal.Zero, unfreeze.Neg()); err != nil {
				return 0, fmt.Errorf("unfreeze order %s: %w", o.ID, err)
			}
		}
		o.Status = model.OrderCancelled
		o.RemainingQuantity = decimal.Zero
		if err := tx.UpdateOrder(ctx, o); err != nil {
			return 0, err
		}
	}
	return len(orders), nil
}

func (s *Service) withRetry(ctx context.Context, fn func(tx store.Tx) error) error {
	var err error
	for attempt := 0; attempt <= s.maxRetries; attempt++ {
		err = s.store.WithinTx(ctx, fn)
		if !errors.Is(err, model.ErrConflict) {
			return err
		}
		slog.Warn("transaction conflict, retrying", "attempt", attempt+1)
	}
	return err
}
