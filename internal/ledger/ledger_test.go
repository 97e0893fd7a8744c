package ledger_test

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/predyx/trading-core/internal/ledger"
	"github.com/predyx/trading-core/internal/model"
	"github.com/predyx/trading-core/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func eq(t *testing.T, got, want decimal.Decimal, what string) {
	t.Helper()
	if !got.Equal(want) {
		t.Errorf("%s: got %s, want %s", what, got, want)
	}
}

func inTx(t *testing.T, ms *store.MemoryStore, fn func(tx store.Tx) error) {
	t.Helper()
	if err := ms.WithinTx(context.Background(), fn); err != nil {
		t.Fatalf("transaction failed: %v", err)
	}
}

func TestApplyTrade_BothLegsAcquire(t *testing.T) {
	ms := store.NewMemoryStore()
	l := ledger.New()
	ctx := context.Background()

	ms.Credit(ctx, "taker", "seed-t", d(100))
	ms.Credit(ctx, "maker", "seed-m", d(100))

	inTx(t, ms, func(tx store.Tx) error {
		// The maker's reservation from placement.
		if _, err := tx.AdjustBalance(ctx, "maker", decimal.Zero, d(3)); err != nil {
			return err
		}
		return l.ApplyTrade(ctx, tx, &model.Trade{
			ID: "t1", MarketID: "m1",
			BuyerID: "taker", SellerID: "maker",
			Side: model.SideYes, Price: d(0.30), Quantity: d(10),
		})
	})

	tb, _ := ms.GetBalance(ctx, "taker")
	eq(t, tb.Total, d(97), "taker debited cost")
	eq(t, tb.Frozen, d(0), "taker frozen")

	mb, _ := ms.GetBalance(ctx, "maker")
	eq(t, mb.Total, d(103), "maker credited cost")
	eq(t, mb.Frozen, d(0), "maker reservation released")

	tp, _ := ms.PositionsByUser(ctx, "taker")
	if len(tp) != 1 {
		t.Fatalf("expected taker position, got %d", len(tp))
	}
	eq(t, tp[0].YesShares, d(10), "taker yes shares")
	eq(t, tp[0].AvgYesPrice, d(0.30), "taker avg yes")

	mp, _ := ms.PositionsByUser(ctx, "maker")
	if len(mp) != 1 {
		t.Fatalf("expected maker position, got %d", len(mp))
	}
	eq(t, mp[0].NoShares, d(10), "maker acquires the opposite side")
	eq(t, mp[0].AvgNoPrice, d(0.30), "maker avg no")

	// One audit entry per leg, with the resulting balance.
	te, _ := ms.LedgerEntriesByUser(ctx, "taker")
	if len(te) != 2 || te[1].Kind != model.EntryTradeBuy {
		t.Fatalf("expected trade_buy entry for taker, got %+v", te)
	}
	eq(t, te[1].Amount, d(-3), "taker entry amount")
	eq(t, te[1].BalanceAfter, d(97), "taker entry balance")

	me, _ := ms.LedgerEntriesByUser(ctx, "maker")
	if len(me) != 2 || me[1].Kind != model.EntryTradeSell {
		t.Fatalf("expected trade_sell entry for maker, got %+v", me)
	}
	eq(t, me[1].Amount, d(3), "maker entry amount")
}

func TestAcquire_WeightedAverage(t *testing.T) {
	ms := store.NewMemoryStore()
	l := ledger.New()
	ctx := context.Background()

	inTx(t, ms, func(tx store.Tx) error {
		if err := l.Acquire(ctx, tx, "u1", "m1", model.SideYes, d(10), d(0.50)); err != nil {
			return err
		}
		return l.Acquire(ctx, tx, "u1", "m1", model.SideYes, d(10), d(0.30))
	})

	ps, _ := ms.PositionsByUser(ctx, "u1")
	eq(t, ps[0].YesShares, d(20), "shares")
	eq(t, ps[0].AvgYesPrice, d(0.40), "weighted average")
}

func TestAcquire_AverageRounds(t *testing.T) {
	ms := store.NewMemoryStore()
	l := ledger.New()
	ctx := context.Background()

	// (1×0.50 + 2×0.30) / 3 = 0.3666… rounds to 0.37.
	inTx(t, ms, func(tx store.Tx) error {
		if err := l.Acquire(ctx, tx, "u1", "m1", model.SideNo, d(1), d(0.50)); err != nil {
			return err
		}
		return l.Acquire(ctx, tx, "u1", "m1", model.SideNo, d(2), d(0.30))
	})

	ps, _ := ms.PositionsByUser(ctx, "u1")
	eq(t, ps[0].AvgNoPrice, d(0.37), "rounded half away from zero at 2dp")
}

func TestReduce_RealizesPnL(t *testing.T) {
	ms := store.NewMemoryStore()
	l := ledger.New()
	ctx := context.Background()

	inTx(t, ms, func(tx store.Tx) error {
		if err := l.Acquire(ctx, tx, "u1", "m1", model.SideYes, d(10), d(0.30)); err != nil {
			return err
		}
		p, err := tx.GetPosition(ctx, "u1", "m1")
		if err != nil {
			return err
		}
		return l.Reduce(ctx, tx, p, model.SideYes, d(10), model.One)
	})

	ps, _ := ms.PositionsByUser(ctx, "u1")
	eq(t, ps[0].YesShares, d(0), "shares reduced")
	eq(t, ps[0].RealizedPnL, d(7), "(1.00-0.30)×10")
	eq(t, ps[0].AvgYesPrice, d(0.30), "average survives the reduction")
}

func TestReduce_ClampsAtZero(t *testing.T) {
	ms := store.NewMemoryStore()
	l := ledger.New()
	ctx := context.Background()

	inTx(t, ms, func(tx store.Tx) error {
		if err := l.Acquire(ctx, tx, "u1", "m1", model.SideNo, d(4), d(0.50)); err != nil {
			return err
		}
		p, err := tx.GetPosition(ctx, "u1", "m1")
		if err != nil {
			return err
		}
		// Asking for more than held reduces only what is there.
		return l.Reduce(ctx, tx, p, model.SideNo, d(100), d(0.50))
	})

	ps, _ := ms.PositionsByUser(ctx, "u1")
	eq(t, ps[0].NoShares, d(0), "clamped at zero")
	eq(t, ps[0].RealizedPnL, d(0), "reduced at cost, no P&L")
}

func TestCredit_AppendsEntry(t *testing.T) {
	ms := store.NewMemoryStore()
	l := ledger.New()
	ctx := context.Background()

	inTx(t, ms, func(tx store.Tx) error {
		return l.Credit(ctx, tx, "u1", d(10), model.EntryPayout, "market", "m1")
	})

	b, _ := ms.GetBalance(ctx, "u1")
	eq(t, b.Total, d(10), "credited")

	es, _ := ms.LedgerEntriesByUser(ctx, "u1")
	if len(es) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(es))
	}
	if es[0].Kind != model.EntryPayout || es[0].RefType != "market" || es[0].RefID != "m1" {
		t.Errorf("unexpected entry: %+v", es[0])
	}
	eq(t, es[0].BalanceAfter, d(10), "balance after")
}
