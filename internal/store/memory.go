package store

import (
	"context"
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/predyx/trading-core/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing and
// development. Transactions are serialized by a single mutex; rollback is
// implemented by snapshotting state at transaction start, which gives the
// same all-or-nothing behavior the Postgres store gets from real
// transactions.
type MemoryStore struct {
	mu    sync.RWMutex
	state memState
}

type memState struct {
	markets   map[string]model.Market
	orders    map[string]model.Order
	orderSeq  map[string]int64 // insertion order for FIFO ties
	nextSeq   int64
	trades    []model.Trade
	positions map[string]model.Position // userID|marketID
	balances  map[string]model.Balance
	ledger    []model.LedgerEntry
	prices    []model.PricePoint
}

func newMemState() memState {
	return memState{
		markets:   make(map[string]model.Market),
		orders:    make(map[string]model.Order),
		orderSeq:  make(map[string]int64),
		positions: make(map[string]model.Position),
		balances:  make(map[string]model.Balance),
	}
}

func (st *memState) clone() memState {
	c := memState{
		markets:   make(map[string]model.Market, len(st.markets)),
		orders:    make(map[string]model.Order, len(st.orders)),
		orderSeq:  make(map[string]int64, len(st.orderSeq)),
		nextSeq:   st.nextSeq,
		trades:    append([]model.Trade(nil), st.trades...),
		positions: make(map[string]model.Position, len(st.positions)),
		balances:  make(map[string]model.Balance, len(st.balances)),
		ledger:    append([]model.LedgerEntry(nil), st.ledger...),
		prices:    append([]model.PricePoint(nil), st.prices...),
	}
	for k, v := range st.markets {
		c.markets[k] = v
	}
	for k, v := range st.orders {
		c.orders[k] = v
	}
	for k, v := range st.orderSeq {
		c.orderSeq[k] = v
	}
	for k, v := range st.positions {
		c.positions[k] = v
	}
	for k, v := range st.balances {
		c.balances[k] = v
	}
	return c
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{state: newMemState()}
}

func posKey(userID, marketID string) string { return userID + "|" + marketID }

// WithinTx serializes the whole operation under the store mutex and rolls
// back by restoring the pre-transaction snapshot on error.
func (s *MemoryStore) WithinTx(_ context.Context, fn func(tx Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	saved := s.state.clone()
	if err := fn(&memTx{st: &s.state}); err != nil {
		s.state = saved
		return err
	}
	return nil
}

// Credit adds funds to a user's balance outside any trading flow and
// records a deposit ledger entry. Deposits are pre-validated by the
// caller; this exists for seeding and tests.
func (s *MemoryStore) Credit(_ context.Context, userID, entryID string, amount decimal.Decimal) (*model.Balance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b := s.state.balances[userID]
	b.UserID = userID
	b.Total = b.Total.Add(amount)
	s.state.balances[userID] = b

	s.state.ledger = append(s.state.ledger, model.LedgerEntry{
		ID:           entryID,
		UserID:       userID,
		Kind:         model.EntryDeposit,
		Amount:       amount,
		BalanceAfter: b.Total,
	})
	out := b
	return &out, nil
}

// --- Reader ---

func (s *MemoryStore) GetMarket(_ context.Context, id string) (*model.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.getMarket(id)
}

func (s *MemoryStore) ListMarkets(_ context.Context) ([]model.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	markets := make([]model.Market, 0, len(s.state.markets))
	for _, m := range s.state.markets {
		markets = append(markets, m)
	}
	sort.Slice(markets, func(i, j int) bool {
		return markets[i].CreatedAt.Before(markets[j].CreatedAt)
	})
	return markets, nil
}

func (s *MemoryStore) GetOrder(_ context.Context, id string) (*model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.getOrder(id)
}

func (s *MemoryStore) RestingOrders(_ context.Context, marketID string) ([]model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.restingOrders(marketID), nil
}

func (s *MemoryStore) GetBalance(_ context.Context, userID string) (*model.Balance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b := s.state.balances[userID]
	b.UserID = userID
	return &b, nil
}

func (s *MemoryStore) PositionsByUser(_ context.Context, userID string) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Position
	for _, p := range s.state.positions {
		if p.UserID == userID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MarketID < out[j].MarketID })
	return out, nil
}

func (s *MemoryStore) LedgerEntriesByUser(_ context.Context, userID string) ([]model.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.LedgerEntry
	for _, e := range s.state.ledger {
		if e.UserID == userID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *MemoryStore) TradesByMarket(_ context.Context, marketID string) ([]model.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Trade
	for _, t := range s.state.trades {
		if t.MarketID == marketID {
			out = append(out, t)
		}
	}
	return out, nil
}

func (s *MemoryStore) PriceHistory(_ context.Context, marketID string) ([]model.PricePoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.PricePoint
	for _, p := range s.state.prices {
		if p.MarketID == marketID {
			out = append(out, p)
		}
	}
	return out, nil
}

// --- shared state helpers (callers hold the lock) ---

func (st *memState) getMarket(id string) (*model.Market, error) {
	m, ok := st.markets[id]
	if !ok {
		return nil, model.ErrMarketNotFound
	}
	out := m
	return &out, nil
}

func (st *memState) getOrder(id string) (*model.Order, error) {
	o, ok := st.orders[id]
	if !ok {
		return nil, model.ErrOrderNotFound
	}
	out := o
	return &out, nil
}

func (st *memState) restingOrders(marketID string) []model.Order {
	var out []model.Order
	for _, o := range st.orders {
		if o.MarketID == marketID && o.Resting() {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return st.orderSeq[out[i].ID] < st.orderSeq[out[j].ID]
	})
	return out
}

// --- Tx ---

// memTx mutates state directly; MemoryStore.WithinTx restores the
// snapshot if the transaction fails.
type memTx struct {
	st *memState
}

func (tx *memTx) GetMarket(_ context.Context, id string) (*model.Market, error) {
	return tx.st.getMarket(id)
}

func (tx *memTx) InsertMarket(_ context.Context, m *model.Market) error {
	tx.st.markets[m.ID] = *m
	return nil
}

func (tx *memTx) ApplyTradingResult(_ context.Context, id string, yesPrice, volumeDelta, yesSharesDelta, noSharesDelta decimal.Decimal) error {
	m, ok := tx.st.markets[id]
	if !ok {
		return model.ErrMarketNotFound
	}
	m.YesPrice = yesPrice
	m.TotalVolume = m.TotalVolume.Add(volumeDelta)
	m.TotalYesShares = m.TotalYesShares.Add(yesSharesDelta)
	m.TotalNoShares = m.TotalNoShares.Add(noSharesDelta)
	tx.st.markets[id] = m
	return nil
}

func (tx *memTx) UpdateMarketStatus(_ context.Context, m *model.Market) error {
	cur, ok := tx.st.markets[m.ID]
	if !ok {
		return model.ErrMarketNotFound
	}
	cur.Status = m.Status
	cur.Resolution = m.Resolution
	cur.ResolvedBy = m.ResolvedBy
	cur.ResolvedAt = m.ResolvedAt
	cur.ResolutionNote = m.ResolutionNote
	tx.st.markets[m.ID] = cur
	return nil
}

func (tx *memTx) GetOrder(_ context.Context, id string) (*model.Order, error) {
	return tx.st.getOrder(id)
}

func (tx *memTx) InsertOrder(_ context.Context, o *model.Order) error {
	tx.st.nextSeq++
	tx.st.orderSeq[o.ID] = tx.st.nextSeq
	tx.st.orders[o.ID] = *o
	return nil
}

func (tx *memTx) UpdateOrder(_ context.Context, o *model.Order) error {
	cur, ok := tx.st.orders[o.ID]
	if !ok {
		return model.ErrOrderNotFound
	}
	cur.FilledQuantity = o.FilledQuantity
	cur.RemainingQuantity = o.RemainingQuantity
	cur.Status = o.Status
	tx.st.orders[o.ID] = cur
	return nil
}

func (tx *memTx) EligibleOrders(_ context.Context, marketID string, side model.Side, priceCeiling decimal.Decimal, excludeUserID string) ([]model.Order, error) {
	var out []model.Order
	for _, o := range tx.st.orders {
		if o.MarketID != marketID || o.Side != side || !o.Resting() {
			continue
		}
		if o.UserID == excludeUserID {
			continue
		}
		if o.Price.GreaterThan(priceCeiling) {
			continue
		}
		out = append(out, o)
	}
	// Price-time priority: best (lowest) resting price first, insertion
	// order within a level. Never id order.
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Price.Equal(out[j].Price) {
			return out[i].Price.LessThan(out[j].Price)
		}
		return tx.st.orderSeq[out[i].ID] < tx.st.orderSeq[out[j].ID]
	})
	return out, nil
}

func (tx *memTx) RestingOrders(_ context.Context, marketID string) ([]model.Order, error) {
	return tx.st.restingOrders(marketID), nil
}

func (tx *memTx) InsertTrade(_ context.Context, t *model.Trade) error {
	tx.st.trades = append(tx.st.trades, *t)
	return nil
}

func (tx *memTx) GetPosition(_ context.Context, userID, marketID string) (*model.Position, error) {
	p, ok := tx.st.positions[posKey(userID, marketID)]
	if !ok {
		return nil, nil // created lazily by the ledger
	}
	out := p
	return &out, nil
}

func (tx *memTx) SavePosition(_ context.Context, p *model.Position) error {
	tx.st.positions[posKey(p.UserID, p.MarketID)] = *p
	return nil
}

func (tx *memTx) PositionsByMarket(_ context.Context, marketID string) ([]model.Position, error) {
	var out []model.Position
	for _, p := range tx.st.positions {
		if p.MarketID == marketID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func (tx *memTx) GetBalance(_ context.Context, userID string) (*model.Balance, error) {
	b := tx.st.balances[userID]
	b.UserID = userID
	return &b, nil
}

func (tx *memTx) AdjustBalance(_ context.Context, userID string, totalDelta, frozenDelta decimal.Decimal) (*model.Balance, error) {
	b := tx.st.balances[userID]
	b.UserID = userID
	b.Total = b.Total.Add(totalDelta)
	b.Frozen = b.Frozen.Add(frozenDelta)
	tx.st.balances[userID] = b
	out := b
	return &out, nil
}

func (tx *memTx) AppendLedgerEntry(_ context.Context, e *model.LedgerEntry) error {
	tx.st.ledger = append(tx.st.ledger, *e)
	return nil
}

func (tx *memTx) AppendPricePoint(_ context.Context, p *model.PricePoint) error {
	tx.st.prices = append(tx.st.prices, *p)
	return nil
}
