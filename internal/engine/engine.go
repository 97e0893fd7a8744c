// Package engine is the matching engine: it accepts incoming orders,
// matches them against the book by price-time priority, and applies every
// match through the position and balance ledger — all inside one atomic
// transaction per operation.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/predyx/trading-core/internal/book"
	"github.com/predyx/trading-core/internal/ledger"
	"github.com/predyx/trading-core/internal/model"
	"github.com/predyx/trading-core/internal/store"
)

// DefaultMaxRetries bounds transparent retries of serialization
// conflicts before the failure surfaces to the caller.
const DefaultMaxRetries = 3

// Engine matches incoming orders against resting liquidity. Correctness
// under concurrency comes from the store's serializable transactions, not
// from in-process locks: any number of callers may place, cancel, and
// settle concurrently.
type Engine struct {
	store      store.Store
	ledger     *ledger.Ledger
	maxRetries int

	// Injectable for deterministic tests.
	NewID func() string
	Now   func() time.Time
}

// New creates a matching engine on top of st.
func New(st store.Store, l *ledger.Ledger) *Engine {
	return &Engine{
		store:      st,
		ledger:     l,
		maxRetries: DefaultMaxRetries,
		NewID:      uuid.NewString,
		Now:        func() time.Time { return time.Now().UTC() },
	}
}

// PlaceRequest is one order placement.
type PlaceRequest struct {
	UserID   string
	MarketID string
	Side     model.Side
	Type     model.OrderType
	Price    decimal.Decimal // required for limit orders, ignored for market orders
	Quantity decimal.Decimal
}

// PlaceResult reports the outcome of a placement. RemainingQuantity is
// always zero for market orders: their unfilled remainder is discarded,
// never left resting.
type PlaceResult struct {
	OrderID           string            `json:"order_id"`
	Status            model.OrderStatus `json:"status"`
	Trades            []model.Trade     `json:"trades"`
	RemainingQuantity decimal.Decimal   `json:"remaining_quantity"`
}

// PlaceOrder validates, matches, and persists one incoming order inside
// one atomic transaction. A rejected order leaves zero trace.
func (e *Engine) PlaceOrder(ctx context.Context, req PlaceRequest) (*PlaceResult, error) {
	if err := validate(req); err != nil {
		return nil, err
	}

	// Market orders carry an internal sweep price on the order record.
	// It is never quoted back as a real price; matching sweeps the whole
	// opposite side of the book regardless of it.
	effectivePrice := req.Price
	if req.Type == model.OrderTypeMarket {
		effectivePrice = model.SweepPrice(req.Side)
	}

	var result *PlaceResult
	err := e.withRetry(ctx, func(tx store.Tx) error {
		var err error
		result, err = e.place(ctx, tx, req, effectivePrice)
		return err
	})
	if err != nil {
		return nil, err
	}

	slog.Info("order placed",
		"order_id", result.OrderID,
		"user", req.UserID,
		"market", req.MarketID,
		"side", req.Side,
		"type", req.Type,
		"status", result.Status,
		"trades", len(result.Trades),
	)
	return result, nil
}

func validate(req PlaceRequest) error {
	if !req.Quantity.IsPositive() {
		return model.ErrInvalidQuantity
	}
	if !req.Side.Valid() {
		return model.ErrInvalidSide
	}
	if !req.Type.Valid() {
		return model.ErrInvalidOrderType
	}
	if req.Type == model.OrderTypeLimit {
		if req.Price.LessThan(model.MinPrice) || req.Price.GreaterThan(model.MaxPrice) {
			return model.ErrInvalidPrice
		}
	}
	return nil
}

func (e *Engine) place(ctx context.Context, tx store.Tx, req PlaceRequest, effectivePrice decimal.Decimal) (*PlaceResult, error) {
	market, err := tx.GetMarket(ctx, req.MarketID)
	if err != nil {
		return nil, err
	}
	if market.Status != model.MarketOpen {
		return nil, model.ErrMarketNotOpen
	}

	// Worst-case cost gate: a match debits the maker's resting price,
	// which the crossing ceiling allows up to 1-P, while a resting
	// remainder freezes P per share. Gating at the larger of the two
	// keeps the balance non-negative for any fill/rest split. For market
	// orders this works out to MaxPrice.
	gatePrice := decimal.Max(effectivePrice, model.One.Sub(effectivePrice))
	bal, err := tx.GetBalance(ctx, req.UserID)
	if err != nil {
		return nil, err
	}
	if bal.Available().LessThan(gatePrice.Mul(req.Quantity)) {
		return nil, model.ErrInsufficientFunds
	}

	var makers []model.Order
	if req.Type == model.OrderTypeMarket {
		makers, err = book.SweepEligible(ctx, tx, req.MarketID, req.Side, req.UserID)
	} else {
		makers, err = book.Eligible(ctx, tx, req.MarketID, req.Side, effectivePrice, req.UserID)
	}
	if err != nil {
		return nil, fmt.Errorf("query book: %w", err)
	}

	orderID := e.NewID()
	now := e.Now()
	remaining := req.Quantity
	trades := make([]model.Trade, 0, len(makers))

	for i := range makers {
		if !remaining.IsPositive() {
			break
		}
		maker := &makers[i]

		matchQty := decimal.Min(remaining, maker.RemainingQuantity)
		trade := model.Trade{
			ID:           e.NewID(),
			MarketID:     req.MarketID,
			TakerOrderID: orderID,
			MakerOrderID: maker.ID,
			BuyerID:      req.UserID,
			SellerID:     maker.UserID,
			Side:         req.Side,
			Price:        maker.Price, // maker pricing: the resting price is the execution price
			Quantity:     matchQty,
			CreatedAt:    now,
		}
		if err := tx.InsertTrade(ctx, &trade); err != nil {
			return nil, fmt.Errorf("insert trade: %w", err)
		}

		maker.FilledQuantity = maker.FilledQuantity.Add(matchQty)
		maker.RemainingQuantity = maker.RemainingQuantity.Sub(matchQty)
		if maker.RemainingQuantity.IsPositive() {
			maker.Status = model.OrderPartial
		} else {
			maker.Status = model.OrderFilled
		}
		if err := tx.UpdateOrder(ctx, maker); err != nil {
			return nil, fmt.Errorf("update maker order: %w", err)
		}

		if err := e.ledger.ApplyTrade(ctx, tx, &trade); err != nil {
			return nil, fmt.Errorf("apply trade %s: %w", trade.ID, err)
		}

		trades = append(trades, trade)
		remaining = remaining.Sub(matchQty)
	}

	filled := req.Quantity.Sub(remaining)
	order := model.Order{
		ID:             orderID,
		UserID:         req.UserID,
		MarketID:       req.MarketID,
		Side:           req.Side,
		Type:           req.Type,
		Price:          effectivePrice,
		Quantity:       req.Quantity,
		FilledQuantity: filled,
		CreatedAt:      now,
	}

	switch {
	case !remaining.IsPositive():
		order.RemainingQuantity = decimal.Zero
		order.Status = model.OrderFilled
	case req.Type == model.OrderTypeMarket:
		// A market order never rests: the unfilled remainder is
		// discarded.
		order.RemainingQuantity = decimal.Zero
		if filled.IsPositive() {
			order.Status = model.OrderPartial
		} else {
			order.Status = model.OrderCancelled
		}
	default:
		order.RemainingQuantity = remaining
		if filled.IsPositive() {
			order.Status = model.OrderPartial
		} else {
			order.Status = model.OrderOpen
		}
		// Reserve cash against the resting remainder so a later match
		// never has to re-check the maker's balance.
		freeze := effectivePrice.Mul(remaining)
		if _, err := tx.AdjustBalance(ctx, req.UserID, decimal.Zero, freeze); err != nil {
			return nil, fmt.Errorf("freeze balance: %w", err)
		}
	}

	if err := tx.InsertOrder(ctx, &order); err != nil {
		return nil, fmt.Errorf("insert order: %w", err)
	}

	if len(trades) > 0 {
		if err := e.applyMarketEffect(ctx, tx, req, trades, now); err != nil {
			return nil, err
		}
	}

	return &PlaceResult{
		OrderID:           orderID,
		Status:            order.Status,
		Trades:            trades,
		RemainingQuantity: order.RemainingQuantity,
	}, nil
}

// applyMarketEffect moves the market price to the last execution,
// accumulates volume and shares outstanding, and appends one price
// history sample.
func (e *Engine) applyMarketEffect(ctx context.Context, tx store.Tx, req PlaceRequest, trades []model.Trade, now time.Time) error {
	last := trades[len(trades)-1].Price
	yesPrice := last
	if req.Side == model.SideNo {
		yesPrice = model.One.Sub(last)
	}

	volume := decimal.Zero
	shares := decimal.Zero
	for i := range trades {
		volume = volume.Add(trades[i].Value())
		shares = shares.Add(trades[i].Quantity)
	}

	// Each trade mints shares on both sides: the taker's side and the
	// maker's complementary side.
	if err := tx.ApplyTradingResult(ctx, req.MarketID, yesPrice, volume, shares, shares); err != nil {
		return fmt.Errorf("update market: %w", err)
	}
	return tx.AppendPricePoint(ctx, &model.PricePoint{
		MarketID: req.MarketID,
		YesPrice: yesPrice,
		Volume:   volume,
		At:       now,
	})
}

// CancelOrder cancels a user's own resting order and releases its
// reservation. Losing the race against an in-flight match is reported as
// ErrOrderNotOpen, with no side effects.
func (e *Engine) CancelOrder(ctx context.Context, orderID, userID string) error {
	err := e.withRetry(ctx, func(tx store.Tx) error {
		o, err := tx.GetOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if o.UserID != userID {
			return model.ErrOrderNotFound
		}
		if !o.Resting() {
			return model.ErrOrderNotOpen
		}

		unfreeze := o.Price.Mul(o.RemainingQuantity)
		if unfreeze.IsPositive() {
			if _, err := tx.AdjustBalance(ctx, userID, decimal.Zero, unfreeze.Neg()); err != nil {
				return fmt.Errorf("unfreeze balance: %w", err)
			}
		}

		o.Status = model.OrderCancelled
		o.RemainingQuantity = decimal.Zero
		return tx.UpdateOrder(ctx, o)
	})
	if err != nil {
		return err
	}

	slog.Info("order cancelled", "order_id", orderID, "user", userID)
	return nil
}

// withRetry runs one transaction, transparently retrying a bounded
// number of serialization conflicts. Each attempt starts from a clean
// transaction so no partial work leaks between attempts.
func (e *Engine) withRetry(ctx context.Context, fn func(tx store.Tx) error) error {
	var err error
	for attempt := 0; attempt <= e.maxRetries; attempt++ {
		err = e.store.WithinTx(ctx, fn)
		if !errors.Is(err, model.ErrConflict) {
			return err
		}
		slog.Warn("transaction conflict, retrying", "attempt", attempt+1)
	}
	return err
}
