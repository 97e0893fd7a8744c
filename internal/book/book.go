// Package book is the in-transaction view of the resting orders for one
// market, matched by price-time priority.
//
// There is no buy/sell flag anywhere in the system: every order is a buy
// of its own side, and yesPrice + noPrice = 1 makes a resting NO buy the
// economic mirror of a YES sell. The cross-side arithmetic lives in
// CrossCeiling and nowhere else.
package book

import (
	"context"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/predyx/trading-core/internal/model"
)

// CrossCeiling is the matching predicate of the whole engine: an incoming
// buy of `side` at price P is satisfiable by resting orders of the
// opposite side priced at or below 1 - P.
//
// Example: a YES buy at 0.60 crosses any resting NO buy at <= 0.40,
// since holding NO at 0.40 is identical to selling YES at 0.60. Matching two
// same-side buys would be wrong and never executes.
func CrossCeiling(price decimal.Decimal) decimal.Decimal {
	return model.One.Sub(price)
}

// Querier is the slice of the store transaction the book reads from.
type Querier interface {
	EligibleOrders(ctx context.Context, marketID string, side model.Side, priceCeiling decimal.Decimal, excludeUserID string) ([]model.Order, error)
}

// Eligible returns the resting counterparties able to satisfy an incoming
// buy of `side` at effectivePrice, best price first, FIFO within a price
// level. The taker's own orders are never eligible (self-trade
// prevention).
func Eligible(ctx context.Context, tx Querier, marketID string, side model.Side, effectivePrice decimal.Decimal, takerUserID string) ([]model.Order, error) {
	return tx.EligibleOrders(ctx, marketID, side.Opposite(), CrossCeiling(effectivePrice), takerUserID)
}

// SweepEligible is the market-order path: a market order accepts any
// resting opposite-side price, so the ceiling is the top of the legal
// price range rather than the complement of a limit price.
func SweepEligible(ctx context.Context, tx Querier, marketID string, side model.Side, takerUserID string) ([]model.Order, error) {
	return tx.EligibleOrders(ctx, marketID, side.Opposite(), model.MaxPrice, takerUserID)
}

// restingLister is any source of open/partial orders for one market.
type restingLister interface {
	RestingOrders(ctx context.Context, marketID string) ([]model.Order, error)
}

// Snapshot aggregates the resting orders of a market into the public book
// view: YES orders are bids at their own price (best bid first), NO
// orders become asks quoted as the implied YES sell price 1 - price
// (best ask first).
func Snapshot(ctx context.Context, src restingLister, marketID string) (*model.OrderBook, error) {
	orders, err := src.RestingOrders(ctx, marketID)
	if err != nil {
		return nil, err
	}

	type level struct {
		qty   decimal.Decimal
		count int
	}
	yesLevels := make(map[string]*level)
	noLevels := make(map[string]*level)

	for i := range orders {
		o := &orders[i]
		levels := yesLevels
		price := o.Price
		if o.Side == model.SideNo {
			levels = noLevels
			price = model.One.Sub(o.Price)
		}
		key := price.StringFixed(model.MoneyScale)
		lv, ok := levels[key]
		if !ok {
			lv = &level{}
			levels[key] = lv
		}
		lv.qty = lv.qty.Add(o.RemainingQuantity)
		lv.count++
	}

	build := func(levels map[string]*level) []model.BookLevel {
		out := make([]model.BookLevel, 0, len(levels))
		for key, lv := range levels {
			price, _ := decimal.NewFromString(key)
			out = append(out, model.BookLevel{
				Price:      price,
				Quantity:   lv.qty,
				OrderCount: lv.count,
			})
		}
		return out
	}

	bids := build(yesLevels)
	asks := build(noLevels)

	sort.Slice(bids, func(i, j int) bool { return bids[i].Price.GreaterThan(bids[j].Price) })
	sort.Slice(asks, func(i, j int) bool { return asks[i].Price.LessThan(asks[j].Price) })

	return &model.OrderBook{MarketID: marketID, Bids: bids, Asks: asks}, nil
}
