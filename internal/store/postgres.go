package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/predyx/trading-core/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision
// and scanned through TEXT. Transactions run SERIALIZABLE; serialization
// failures surface as model.ErrConflict so the engine layer can retry.
//
// The orders table carries a BIGSERIAL seq column used only for FIFO
// tie-breaking within a price level.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx, so the same
// query helpers serve reads inside and outside transactions.
type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// WithinTx runs fn in one SERIALIZABLE transaction.
func (s *PostgresStore) WithinTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&pgTx{q: tx}); err != nil {
		return mapPgErr(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return mapPgErr(err)
	}
	return nil
}

// mapPgErr converts serialization and deadlock SQLSTATEs to ErrConflict.
func mapPgErr(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if pgErr.Code == "40001" || pgErr.Code == "40P01" {
			return fmt.Errorf("%w: %s", model.ErrConflict, pgErr.Code)
		}
	}
	return err
}

// --- Reader ---

func (s *PostgresStore) GetMarket(ctx context.Context, id string) (*model.Market, error) {
	return getMarket(ctx, s.pool, id)
}

func (s *PostgresStore) ListMarkets(ctx context.Context) ([]model.Market, error) {
	rows, err := s.pool.Query(ctx, marketColumns+` FROM markets ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var markets []model.Market
	for rows.Next() {
		m, err := scanMarket(rows)
		if err != nil {
			return nil, err
		}
		markets = append(markets, *m)
	}
	return markets, rows.Err()
}

func (s *PostgresStore) GetOrder(ctx context.Context, id string) (*model.Order, error) {
	return getOrder(ctx, s.pool, id)
}

func (s *PostgresStore) RestingOrders(ctx context.Context, marketID string) ([]model.Order, error) {
	return restingOrders(ctx, s.pool, marketID)
}

func (s *PostgresStore) GetBalance(ctx context.Context, userID string) (*model.Balance, error) {
	return getBalance(ctx, s.pool, userID)
}

func (s *PostgresStore) PositionsByUser(ctx context.Context, userID string) ([]model.Position, error) {
	rows, err := s.pool.Query(ctx,
		positionColumns+` FROM positions WHERE user_id = $1 ORDER BY market_id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanPositions(rows)
}

func (s *PostgresStore) LedgerEntriesByUser(ctx context.Context, userID string) ([]model.LedgerEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, kind, amount::TEXT, balance_after::TEXT,
		        COALESCE(ref_type, ''), COALESCE(ref_id, ''), created_at
		 FROM ledger_entries WHERE user_id = $1 ORDER BY created_at, id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []model.LedgerEntry
	for rows.Next() {
		var e model.LedgerEntry
		var amountS, afterS string
		if err := rows.Scan(&e.ID, &e.UserID, &e.Kind, &amountS, &afterS,
			&e.RefType, &e.RefID, &e.CreatedAt); err != nil {
			return nil, err
		}
		if err := parseDecs([]*decimal.Decimal{&e.Amount, &e.BalanceAfter}, []string{amountS, afterS}); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *PostgresStore) TradesByMarket(ctx context.Context, marketID string) ([]model.Trade, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, market_id, taker_order_id, maker_order_id, buyer_id, seller_id,
		        side, price::TEXT, quantity::TEXT, created_at
		 FROM trades WHERE market_id = $1 ORDER BY created_at, id`, marketID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var trades []model.Trade
	for rows.Next() {
		var t model.Trade
		var priceS, qtyS string
		if err := rows.Scan(&t.ID, &t.MarketID, &t.TakerOrderID, &t.MakerOrderID,
			&t.BuyerID, &t.SellerID, &t.Side, &priceS, &qtyS, &t.CreatedAt); err != nil {
			return nil, err
		}
		if err := parseDecs([]*decimal.Decimal{&t.Price, &t.Quantity}, []string{priceS, qtyS}); err != nil {
			return nil, err
		}
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

func (s *PostgresStore) PriceHistory(ctx context.Context, marketID string) ([]model.PricePoint, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT market_id, yes_price::TEXT, volume::TEXT, at
		 FROM price_history WHERE market_id = $1 ORDER BY at`, marketID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var points []model.PricePoint
	for rows.Next() {
		var p model.PricePoint
		var priceS, volS string
		if err := rows.Scan(&p.MarketID, &priceS, &volS, &p.At); err != nil {
			return nil, err
		}
		if err := parseDecs([]*decimal.Decimal{&p.YesPrice, &p.Volume}, []string{priceS, volS}); err != nil {
			return nil, err
		}
		points = append(points, p)
	}
	return points, rows.Err()
}

// --- Tx ---

type pgTx struct {
	q querier
}

func (t *pgTx) GetMarket(ctx context.Context, id string) (*model.Market, error) {
	return getMarket(ctx, t.q, id)
}

func (t *pgTx) InsertMarket(ctx context.Context, m *model.Market) error {
	_, err := t.q.Exec(ctx,
		`INSERT INTO markets (id, slug, title, status, resolution, yes_price,
		                      total_volume, total_yes_shares, total_no_shares,
		                      resolved_by, resolved_at, resolution_note, created_at)
		 VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6::NUMERIC,
		         $7::NUMERIC, $8::NUMERIC, $9::NUMERIC, $10, $11, $12, $13)`,
		m.ID, m.Slug, m.Title, m.Status, string(m.Resolution), m.YesPrice.String(),
		m.TotalVolume.String(), m.TotalYesShares.String(), m.TotalNoShares.String(),
		m.ResolvedBy, m.ResolvedAt, m.ResolutionNote, m.CreatedAt,
	)
	return err
}

func (t *pgTx) ApplyTradingResult(ctx context.Context, id string, yesPrice, volumeDelta, yesSharesDelta, noSharesDelta decimal.Decimal) error {
	tag, err := t.q.Exec(ctx,
		`UPDATE markets
		 SET yes_price = $2::NUMERIC,
		     total_volume = total_volume + $3::NUMERIC,
		     total_yes_shares = total_yes_shares + $4::NUMERIC,
		     total_no_shares = total_no_shares + $5::NUMERIC
		 WHERE id = $1`,
		id, yesPrice.String(), volumeDelta.String(),
		yesSharesDelta.String(), noSharesDelta.String(),
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return model.ErrMarketNotFound
	}
	return nil
}

func (t *pgTx) UpdateMarketStatus(ctx context.Context, m *model.Market) error {
	tag, err := t.q.Exec(ctx,
		`UPDATE markets
		 SET status = $2, resolution = NULLIF($3, ''),
		     resolved_by = $4, resolved_at = $5, resolution_note = $6
		 WHERE id = $1`,
		m.ID, m.Status, string(m.Resolution), m.ResolvedBy, m.ResolvedAt, m.ResolutionNote,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return model.ErrMarketNotFound
	}
	return nil
}

func (t *pgTx) GetOrder(ctx context.Context, id string) (*model.Order, error) {
	return getOrder(ctx, t.q, id)
}

func (t *pgTx) InsertOrder(ctx context.Context, o *model.Order) error {
	_, err := t.q.Exec(ctx,
		`INSERT INTO orders (id, user_id, market_id, side, type, price,
		                     quantity, filled_quantity, remaining_quantity, status, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9::NUMERIC, $10, $11)`,
		o.ID, o.UserID, o.MarketID, o.Side, o.Type, o.Price.String(),
		o.Quantity.String(), o.FilledQuantity.String(), o.RemainingQuantity.String(),
		o.Status, o.CreatedAt,
	)
	return err
}

func (t *pgTx) UpdateOrder(ctx context.Context, o *model.Order) error {
	tag, err := t.q.Exec(ctx,
		`UPDATE orders
		 SET filled_quantity = $2::NUMERIC, remaining_quantity = $3::NUMERIC, status = $4
		 WHERE id = $1`,
		o.ID, o.FilledQuantity.String(), o.RemainingQuantity.String(), o.Status,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return model.ErrOrderNotFound
	}
	return nil
}

func (t *pgTx) EligibleOrders(ctx context.Context, marketID string, side model.Side, priceCeiling decimal.Decimal, excludeUserID string) ([]model.Order, error) {
	rows, err := t.q.Query(ctx,
		orderColumns+` FROM orders
		 WHERE market_id = $1 AND side = $2
		   AND status IN ('open', 'partial')
		   AND user_id <> $3
		   AND price <= $4::NUMERIC
		 ORDER BY price ASC, seq ASC`,
		marketID, side, excludeUserID, priceCeiling.String(),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanOrders(rows)
}

func (t *pgTx) RestingOrders(ctx context.Context, marketID string) ([]model.Order, error) {
	return restingOrders(ctx, t.q, marketID)
}

func (t *pgTx) InsertTrade(ctx context.Context, tr *model.Trade) error {
	_, err := t.q.Exec(ctx,
		`INSERT INTO trades (id, market_id, taker_order_id, maker_order_id,
		                     buyer_id, seller_id, side, price, quantity, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8::NUMERIC, $9::NUMERIC, $10)`,
		tr.ID, tr.MarketID, tr.TakerOrderID, tr.MakerOrderID,
		tr.BuyerID, tr.SellerID, tr.Side, tr.Price.String(), tr.Quantity.String(),
		tr.CreatedAt,
	)
	return err
}

func (t *pgTx) GetPosition(ctx context.Context, userID, marketID string) (*model.Position, error) {
	row := t.q.QueryRow(ctx,
		positionColumns+` FROM positions WHERE user_id = $1 AND market_id = $2`,
		userID, marketID)
	p, err := scanPosition(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil // created lazily by the ledger
	}
	return p, err
}

func (t *pgTx) SavePosition(ctx context.Context, p *model.Position) error {
	_, err := t.q.Exec(ctx,
		`INSERT INTO positions (id, user_id, market_id, yes_shares, no_shares,
		                        avg_yes_price, avg_no_price, realized_pnl, created_at, updated_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9, $10)
		 ON CONFLICT (user_id, market_id) DO UPDATE
		 SET yes_shares = EXCLUDED.yes_shares,
		     no_shares = EXCLUDED.no_shares,
		     avg_yes_price = EXCLUDED.avg_yes_price,
		     avg_no_price = EXCLUDED.avg_no_price,
		     realized_pnl = EXCLUDED.realized_pnl,
		     updated_at = EXCLUDED.updated_at`,
		p.ID, p.UserID, p.MarketID, p.YesShares.String(), p.NoShares.String(),
		p.AvgYesPrice.String(), p.AvgNoPrice.String(), p.RealizedPnL.String(),
		p.CreatedAt, p.UpdatedAt,
	)
	return err
}

func (t *pgTx) PositionsByMarket(ctx context.Context, marketID string) ([]model.Position, error) {
	rows, err := t.q.Query(ctx,
		positionColumns+` FROM positions WHERE market_id = $1 ORDER BY user_id`, marketID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanPositions(rows)
}

func (t *pgTx) GetBalance(ctx context.Context, userID string) (*model.Balance, error) {
	return getBalance(ctx, t.q, userID)
}

func (t *pgTx) AdjustBalance(ctx context.Context, userID string, totalDelta, frozenDelta decimal.Decimal) (*model.Balance, error) {
	// Atomic increment inside the owning transaction; never
	// read-modify-write at the application layer.
	var totalS, frozenS string
	err := t.q.QueryRow(ctx,
		`INSERT INTO balances (user_id, total, frozen)
		 VALUES ($1, $2::NUMERIC, $3::NUMERIC)
		 ON CONFLICT (user_id) DO UPDATE
		 SET total = balances.total + EXCLUDED.total,
		     frozen = balances.frozen + EXCLUDED.frozen
		 RETURNING total::TEXT, frozen::TEXT`,
		userID, totalDelta.String(), frozenDelta.String(),
	).Scan(&totalS, &frozenS)
	if err != nil {
		return nil, err
	}

	b := &model.Balance{UserID: userID}
	if err := parseDecs([]*decimal.Decimal{&b.Total, &b.Frozen}, []string{totalS, frozenS}); err != nil {
		return nil, err
	}
	return b, nil
}

func (t *pgTx) AppendLedgerEntry(ctx context.Context, e *model.LedgerEntry) error {
	_, err := t.q.Exec(ctx,
		`INSERT INTO ledger_entries (id, user_id, kind, amount, balance_after,
		                             ref_type, ref_id, created_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, NULLIF($6, ''), NULLIF($7, ''), $8)`,
		e.ID, e.UserID, e.Kind, e.Amount.String(), e.BalanceAfter.String(),
		e.RefType, e.RefID, e.CreatedAt,
	)
	return err
}

func (t *pgTx) AppendPricePoint(ctx context.Context, p *model.PricePoint) error {
	_, err := t.q.Exec(ctx,
		`INSERT INTO price_history (market_id, yes_price, volume, at)
		 VALUES ($1, $2::NUMERIC, $3::NUMERIC, $4)`,
		p.MarketID, p.YesPrice.String(), p.Volume.String(), p.At,
	)
	return err
}

// --- shared query helpers ---

// parseDecs fills dst from the NUMERIC::TEXT column values in src. A
// value Postgres produced should always parse; an error here means the
// row is corrupt and must not be silently zeroed.
func parseDecs(dst []*decimal.Decimal, src []string) error {
	for i, s := range src {
		d, err := decimal.NewFromString(s)
		if err != nil {
			return fmt.Errorf("parse numeric %q: %w", s, err)
		}
		*dst[i] = d
	}
	return nil
}

const marketColumns = `SELECT id, slug, title, status, COALESCE(resolution, ''),
	yes_price::TEXT, total_volume::TEXT, total_yes_shares::TEXT, total_no_shares::TEXT,
	COALESCE(resolved_by, ''), resolved_at, COALESCE(resolution_note, ''), created_at`

func getMarket(ctx context.Context, q querier, id string) (*model.Market, error) {
	row := q.QueryRow(ctx, marketColumns+` FROM markets WHERE id = $1`, id)
	m, err := scanMarket(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", model.ErrMarketNotFound, id)
	}
	return m, err
}

func scanMarket(row pgx.Row) (*model.Market, error) {
	var m model.Market
	var resolution, yesPriceS, volS, yesSharesS, noSharesS string
	if err := row.Scan(&m.ID, &m.Slug, &m.Title, &m.Status, &resolution,
		&yesPriceS, &volS, &yesSharesS, &noSharesS,
		&m.ResolvedBy, &m.ResolvedAt, &m.ResolutionNote, &m.CreatedAt); err != nil {
		return nil, err
	}
	m.Resolution = model.Side(resolution)
	if err := parseDecs(
		[]*decimal.Decimal{&m.YesPrice, &m.TotalVolume, &m.TotalYesShares, &m.TotalNoShares},
		[]string{yesPriceS, volS, yesSharesS, noSharesS},
	); err != nil {
		return nil, err
	}
	return &m, nil
}

const orderColumns = `SELECT id, user_id, market_id, side, type, price::TEXT,
	quantity::TEXT, filled_quantity::TEXT, remaining_quantity::TEXT, status, created_at`

func getOrder(ctx context.Context, q querier, id string) (*model.Order, error) {
	row := q.QueryRow(ctx, orderColumns+` FROM orders WHERE id = $1`, id)
	o, err := scanOrder(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", model.ErrOrderNotFound, id)
	}
	return o, err
}

func scanOrder(row pgx.Row) (*model.Order, error) {
	var o model.Order
	var priceS, qtyS, filledS, remS string
	if err := row.Scan(&o.ID, &o.UserID, &o.MarketID, &o.Side, &o.Type,
		&priceS, &qtyS, &filledS, &remS, &o.Status, &o.CreatedAt); err != nil {
		return nil, err
	}
	if err := parseDecs(
		[]*decimal.Decimal{&o.Price, &o.Quantity, &o.FilledQuantity, &o.RemainingQuantity},
		[]string{priceS, qtyS, filledS, remS},
	); err != nil {
		return nil, err
	}
	return &o, nil
}

func scanOrders(rows pgx.Rows) ([]model.Order, error) {
	var orders []model.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, *o)
	}
	return orders, rows.Err()
}

func restingOrders(ctx context.Context, q querier, marketID string) ([]model.Order, error) {
	rows, err := q.Query(ctx,
		orderColumns+` FROM orders
		 WHERE market_id = $1 AND status IN ('open', 'partial')
		 ORDER BY seq ASC`, marketID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanOrders(rows)
}

const positionColumns = `SELECT id, user_id, market_id, yes_shares::TEXT, no_shares::TEXT,
	COALESCE(avg_yes_price, 0)::TEXT, COALESCE(avg_no_price, 0)::TEXT,
	realized_pnl::TEXT, created_at, updated_at`

func scanPosition(row pgx.Row) (*model.Position, error) {
	var p model.Position
	var yesS, noS, avgYesS, avgNoS, pnlS string
	if err := row.Scan(&p.ID, &p.UserID, &p.MarketID, &yesS, &noS,
		&avgYesS, &avgNoS, &pnlS, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	if err := parseDecs(
		[]*decimal.Decimal{&p.YesShares, &p.NoShares, &p.AvgYesPrice, &p.AvgNoPrice, &p.RealizedPnL},
		[]string{yesS, noS, avgYesS, avgNoS, pnlS},
	); err != nil {
		return nil, err
	}
	return &p, nil
}

func scanPositions(rows pgx.Rows) ([]model.Position, error) {
	var positions []model.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, *p)
	}
	return positions, rows.Err()
}

func getBalance(ctx context.Context, q querier, userID string) (*model.Balance, error) {
	var totalS, frozenS string
	err := q.QueryRow(ctx,
		`SELECT total::TEXT, frozen::TEXT FROM balances WHERE user_id = $1`,
		userID).Scan(&totalS, &frozenS)
	if errors.Is(err, pgx.ErrNoRows) {
		return &model.Balance{UserID: userID, Total: decimal.Zero, Frozen: decimal.Zero}, nil
	}
	if err != nil {
		return nil, err
	}

	b := &model.Balance{UserID: userID}
	if err := parseDecs([]*decimal.Decimal{&b.Total, &b.Frozen}, []string{totalS, frozenS}); err != nil {
		return nil, err
	}
	return b, nil
}
