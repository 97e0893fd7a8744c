package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/predyx/trading-core/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for the hot read paths: market snapshots, resting orders, and user
// positions. Transactions run against the primary; keys touched by the
// transaction are invalidated after commit, so a cache read can lag but
// never observes an uncommitted write.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{primary: primary, rdb: rdb, ttl: ttl}
}

// WithinTx delegates to the primary and invalidates every market and user
// the transaction touched.
func (s *CachedStore) WithinTx(ctx context.Context, fn func(tx Tx) error) error {
	touched := &touchSet{markets: map[string]struct{}{}, users: map[string]struct{}{}}

	err := s.primary.WithinTx(ctx, func(tx Tx) error {
		return fn(&trackingTx{Tx: tx, touched: touched})
	})
	if err != nil {
		return err
	}

	for id := range touched.markets {
		s.rdb.Del(ctx, marketKey(id), bookKey(id))
	}
	for id := range touched.users {
		s.rdb.Del(ctx, positionsKey(id))
	}
	return nil
}

// --- Read-through ---

func (s *CachedStore) GetMarket(ctx context.Context, id string) (*model.Market, error) {
	if data, err := s.rdb.Get(ctx, marketKey(id)).Bytes(); err == nil {
		var m model.Market
		if json.Unmarshal(data, &m) == nil {
			return &m, nil
		}
	}

	m, err := s.primary.GetMarket(ctx, id)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(m); err == nil {
		s.rdb.Set(ctx, marketKey(id), data, s.ttl)
	}
	return m, nil
}

func (s *CachedStore) RestingOrders(ctx context.Context, marketID string) ([]model.Order, error) {
	if data, err := s.rdb.Get(ctx, bookKey(marketID)).Bytes(); err == nil {
		var orders []model.Order
		if json.Unmarshal(data, &orders) == nil {
			return orders, nil
		}
	}

	orders, err := s.primary.RestingOrders(ctx, marketID)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(orders); err == nil {
		s.rdb.Set(ctx, bookKey(marketID), data, s.ttl)
	}
	return orders, nil
}

func (s *CachedStore) PositionsByUser(ctx context.Context, userID string) ([]model.Position, error) {
	if data, err := s.rdb.Get(ctx, positionsKey(userID)).Bytes(); err == nil {
		var positions []model.Position
		if json.Unmarshal(data, &positions) == nil {
			return positions, nil
		}
	}

	positions, err := s.primary.PositionsByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(positions); err == nil {
		s.rdb.Set(ctx, positionsKey(userID), data, s.ttl)
	}
	return positions, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListMarkets(ctx context.Context) ([]model.Market, error) {
	return s.primary.ListMarkets(ctx)
}

func (s *CachedStore) GetOrder(ctx context.Context, id string) (*model.Order, error) {
	return s.primary.GetOrder(ctx, id)
}

func (s *CachedStore) GetBalance(ctx context.Context, userID string) (*model.Balance, error) {
	return s.primary.GetBalance(ctx, userID)
}

func (s *CachedStore) LedgerEntriesByUser(ctx context.Context, userID string) ([]model.LedgerEntry, error) {
	return s.primary.LedgerEntriesByUser(ctx, userID)
}

func (s *CachedStore) TradesByMarket(ctx context.Context, marketID string) ([]model.Trade, error) {
	return s.primary.TradesByMarket(ctx, marketID)
}

func (s *CachedStore) PriceHistory(ctx context.Context, marketID string) ([]model.PricePoint, error) {
	return s.primary.PriceHistory(ctx, marketID)
}

// --- invalidation tracking ---

type touchSet struct {
	markets map[string]struct{}
	users   map[string]struct{}
}

// trackingTx records which markets and users a transaction writes so the
// wrapper can invalidate exactly those keys after commit.
type trackingTx struct {
	Tx
	touched *touchSet
}

func (t *trackingTx) InsertMarket(ctx context.Context, m *model.Market) error {
	t.touched.markets[m.ID] = struct{}{}
	return t.Tx.InsertMarket(ctx, m)
}

func (t *trackingTx) ApplyTradingResult(ctx context.Context, id string, yesPrice, volumeDelta, yesSharesDelta, noSharesDelta decimal.Decimal) error {
	t.touched.markets[id] = struct{}{}
	return t.Tx.ApplyTradingResult(ctx, id, yesPrice, volumeDelta, yesSharesDelta, noSharesDelta)
}

func (t *trackingTx) UpdateMarketStatus(ctx context.Context, m *model.Market) error {
	t.touched.markets[m.ID] = struct{}{}
	return t.Tx.UpdateMarketStatus(ctx, m)
}

func (t *trackingTx) InsertOrder(ctx context.Context, o *model.Order) error {
	t.touched.markets[o.MarketID] = struct{}{}
	return t.Tx.InsertOrder(ctx, o)
}

func (t *trackingTx) UpdateOrder(ctx context.Context, o *model.Order) error {
	t.touched.markets[o.MarketID] = struct{}{}
	return t.Tx.UpdateOrder(ctx, o)
}

func (t *trackingTx) SavePosition(ctx context.Context, p *model.Position) error {
	t.touched.users[p.UserID] = struct{}{}
	return t.Tx.SavePosition(ctx, p)
}

func (t *trackingTx) AdjustBalance(ctx context.Context, userID string, totalDelta, frozenDelta decimal.Decimal) (*model.Balance, error) {
	t.touched.users[userID] = struct{}{}
	return t.Tx.AdjustBalance(ctx, userID, totalDelta, frozenDelta)
}

// --- Cache keys ---

func marketKey(id string) string     { return fmt.Sprintf("market:%s", id) }
func bookKey(id string) string       { return fmt.Sprintf("book:%s", id) }
func positionsKey(uid string) string { return fmt.Sprintf("positions:%s", uid) }
