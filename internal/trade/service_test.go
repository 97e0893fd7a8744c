package trade_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/predyx/trading-core/internal/engine"
	"github.com/predyx/trading-core/internal/ledger"
	"github.com/predyx/trading-core/internal/model"
	"github.com/predyx/trading-core/internal/settle"
	"github.com/predyx/trading-core/internal/store"
	"github.com/predyx/trading-core/internal/trade"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

// newTestEnv creates a test Service with in-memory store and chi router.
func newTestEnv(t *testing.T) (*store.MemoryStore, chi.Router) {
	t.Helper()
	ms := store.NewMemoryStore()
	led := ledger.New()
	svc := trade.NewService(ms, engine.New(ms, led), settle.New(ms, led), nil)

	r := chi.NewRouter()
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/markets", svc.ListMarkets)
		r.Post("/markets", svc.CreateMarket)
		r.Get("/markets/{marketID}", svc.GetMarket)
		r.Get("/markets/{marketID}/orderbook", svc.GetOrderBook)
		r.Get("/markets/{marketID}/history", svc.GetMarketHistory)
		r.Post("/markets/{marketID}/close", svc.CloseMarket)
		r.Post("/markets/{marketID}/resolve", svc.ResolveMarket)
		r.Post("/markets/{marketID}/void", svc.VoidMarket)
		r.Post("/orders", svc.PlaceOrder)
		r.Delete("/orders/{orderID}", svc.CancelOrder)
		r.Get("/users/{userID}/balance", svc.GetBalance)
		r.Get("/users/{userID}/ledger", svc.GetLedger)
		r.Get("/portfolio/{userID}", svc.GetPortfolio)
	})

	return ms, r
}

// seedMarket creates an open test market directly in the store.
func seedMarket(t *testing.T, ms *store.MemoryStore, id string) {
	t.Helper()
	err := ms.WithinTx(context.Background(), func(tx store.Tx) error {
		return tx.InsertMarket(context.Background(), &model.Market{
			ID: id, Slug: id, Title: "test " + id,
			Status: model.MarketOpen, YesPrice: d(0.5), CreatedAt: time.Now().UTC(),
		})
	})
	if err != nil {
		t.Fatalf("failed to seed market: %v", err)
	}
}

func fund(t *testing.T, ms *store.MemoryStore, userID string, amount float64) {
	t.Helper()
	if _, err := ms.Credit(context.Background(), userID, "seed-"+userID, d(amount)); err != nil {
		t.Fatalf("failed to fund %s: %v", userID, err)
	}
}

func doJSON(t *testing.T, router chi.Router, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func placeOrder(t *testing.T, router chi.Router, req trade.PlaceOrderRequest) *httptest.ResponseRecorder {
	t.Helper()
	return doJSON(t, router, "POST", "/api/v1/orders", req)
}

// --- Orders ---

func TestPlaceOrder_MatchedViaHTTP(t *testing.T) {
	ms, router := newTestEnv(t)
	seedMarket(t, ms, "m1")
	fund(t, ms, "alice", 100)
	fund(t, ms, "bob", 100)

	w := placeOrder(t, router, trade.PlaceOrderRequest{
		UserID: "bob", MarketID: "m1",
		Side: model.SideNo, Type: model.OrderTypeLimit,
		Price: d(0.30), Quantity: d(10),
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}

	w = placeOrder(t, router, trade.PlaceOrderRequest{
		UserID: "alice", MarketID: "m1",
		Side: model.SideYes, Type: model.OrderTypeLimit,
		Price: d(0.60), Quantity: d(10),
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}

	var res engine.PlaceResult
	json.Unmarshal(w.Body.Bytes(), &res)
	if res.Status != model.OrderFilled {
		t.Errorf("expected filled, got %s", res.Status)
	}
	if len(res.Trades) != 1 {
		t.Fatalf("expected 1 trade, got %d", len(res.Trades))
	}
	if !res.Trades[0].Price.Equal(d(0.30)) {
		t.Errorf("expected execution at 0.30, got %s", res.Trades[0].Price)
	}
}

func TestPlaceOrder_ValidationErrors(t *testing.T) {
	ms, router := newTestEnv(t)
	seedMarket(t, ms, "m1")
	fund(t, ms, "alice", 100)

	cases := []struct {
		name string
		req  trade.PlaceOrderRequest
		want int
	}{
		{"missing user", trade.PlaceOrderRequest{MarketID: "m1", Side: model.SideYes, Type: model.OrderTypeLimit, Price: d(0.5), Quantity: d(1)}, http.StatusBadRequest},
		{"bad side", trade.PlaceOrderRequest{UserID: "alice", MarketID: "m1", Side: "maybe", Type: model.OrderTypeLimit, Price: d(0.5), Quantity: d(1)}, http.StatusBadRequest},
		{"bad price", trade.PlaceOrderRequest{UserID: "alice", MarketID: "m1", Side: model.SideYes, Type: model.OrderTypeLimit, Price: d(2), Quantity: d(1)}, http.StatusBadRequest},
		{"zero quantity", trade.PlaceOrderRequest{UserID: "alice", MarketID: "m1", Side: model.SideYes, Type: model.OrderTypeLimit, Price: d(0.5)}, http.StatusBadRequest},
		{"unknown market", trade.PlaceOrderRequest{UserID: "alice", MarketID: "nope", Side: model.SideYes, Type: model.OrderTypeLimit, Price: d(0.5), Quantity: d(1)}, http.StatusNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := placeOrder(t, router, tc.req)
			if w.Code != tc.want {
				t.Errorf("got %d, want %d: %s", w.Code, tc.want, w.Body.String())
			}
		})
	}
}

func TestPlaceOrder_InsufficientFunds409(t *testing.T) {
	ms, router := newTestEnv(t)
	seedMarket(t, ms, "m1")
	fund(t, ms, "poor", 1)

	w := placeOrder(t, router, trade.PlaceOrderRequest{
		UserID: "poor", MarketID: "m1",
		Side: model.SideYes, Type: model.OrderTypeLimit,
		Price: d(0.60), Quantity: d(10),
	})
	if w.Code != http.StatusConflict {
		t.Errorf("expected 409, got %d: %s", w.Code, w.Body.String())
	}
}

func TestCancelOrder_HTTP(t *testing.T) {
	ms, router := newTestEnv(t)
	seedMarket(t, ms, "m1")
	fund(t, ms, "alice", 100)

	w := placeOrder(t, router, trade.PlaceOrderRequest{
		UserID: "alice", MarketID: "m1",
		Side: model.SideYes, Type: model.OrderTypeLimit,
		Price: d(0.60), Quantity: d(10),
	})
	var res engine.PlaceResult
	json.Unmarshal(w.Body.Bytes(), &res)

	// Wrong owner looks like a missing order.
	w = doJSON(t, router, "DELETE", "/api/v1/orders/"+res.OrderID+"?user_id=mallory", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404 for wrong owner, got %d", w.Code)
	}

	w = doJSON(t, router, "DELETE", "/api/v1/orders/"+res.OrderID+"?user_id=alice", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	// Second cancel: already terminal.
	w = doJSON(t, router, "DELETE", "/api/v1/orders/"+res.OrderID+"?user_id=alice", nil)
	if w.Code != http.StatusConflict {
		t.Errorf("expected 409, got %d", w.Code)
	}
}

func TestGetOrderBook(t *testing.T) {
	ms, router := newTestEnv(t)
	seedMarket(t, ms, "m1")
	fund(t, ms, "alice", 100)
	fund(t, ms, "bob", 100)

	// 0.40 + 0.65 > 1, so the two rest without crossing.
	placeOrder(t, router, trade.PlaceOrderRequest{
		UserID: "alice", MarketID: "m1",
		Side: model.SideYes, Type: model.OrderTypeLimit,
		Price: d(0.40), Quantity: d(10),
	})
	placeOrder(t, router, trade.PlaceOrderRequest{
		UserID: "bob", MarketID: "m1",
		Side: model.SideNo, Type: model.OrderTypeLimit,
		Price: d(0.65), Quantity: d(5),
	})

	w := doJSON(t, router, "GET", "/api/v1/markets/m1/orderbook", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var ob model.OrderBook
	json.Unmarshal(w.Body.Bytes(), &ob)
	if len(ob.Bids) != 1 || !ob.Bids[0].Price.Equal(d(0.40)) {
		t.Errorf("bids: %+v", ob.Bids)
	}
	// Bob's NO at 0.65 shows as an ask at 0.35.
	if len(ob.Asks) != 1 || !ob.Asks[0].Price.Equal(d(0.35)) {
		t.Errorf("asks: %+v", ob.Asks)
	}

	w = doJSON(t, router, "GET", "/api/v1/markets/nope/orderbook", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown market, got %d", w.Code)
	}
}

// --- Markets ---

func TestMarketLifecycleViaHTTP(t *testing.T) {
	_, router := newTestEnv(t)

	w := doJSON(t, router, "POST", "/api/v1/markets", trade.CreateMarketRequest{
		Slug: "rain-friday", Title: "Will it rain on Friday?",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var m model.Market
	json.Unmarshal(w.Body.Bytes(), &m)
	if m.Status != model.MarketOpen {
		t.Errorf("expected open, got %s", m.Status)
	}

	w = doJSON(t, router, "POST", "/api/v1/markets/"+m.ID+"/close", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("close: expected 200, got %d: %s", w.Code, w.Body.String())
	}

	w = doJSON(t, router, "POST", "/api/v1/markets/"+m.ID+"/resolve", trade.ResolveRequest{
		Outcome: model.SideYes, ResolvedBy: "admin",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("resolve: expected 200, got %d: %s", w.Code, w.Body.String())
	}

	// Settling twice is a state conflict.
	w = doJSON(t, router, "POST", "/api/v1/markets/"+m.ID+"/resolve", trade.ResolveRequest{
		Outcome: model.SideYes, ResolvedBy: "admin",
	})
	if w.Code != http.StatusConflict {
		t.Errorf("second resolve: expected 409, got %d", w.Code)
	}
}

func TestCreateMarket_MissingTitle(t *testing.T) {
	_, router := newTestEnv(t)

	w := doJSON(t, router, "POST", "/api/v1/markets", trade.CreateMarketRequest{Slug: "x"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}

func TestListMarkets_StatusFilter(t *testing.T) {
	ms, router := newTestEnv(t)
	seedMarket(t, ms, "m1")
	seedMarket(t, ms, "m2")
	doJSON(t, router, "POST", "/api/v1/markets/m2/void", trade.VoidRequest{Reason: "test"})

	w := doJSON(t, router, "GET", "/api/v1/markets?status=open", nil)
	var markets []model.Market
	json.Unmarshal(w.Body.Bytes(), &markets)
	if len(markets) != 1 || markets[0].ID != "m1" {
		t.Errorf("expected only m1 open, got %+v", markets)
	}
}

// --- Users ---

func TestBalanceAndLedgerEndpoints(t *testing.T) {
	ms, router := newTestEnv(t)
	seedMarket(t, ms, "m1")
	fund(t, ms, "alice", 100)

	placeOrder(t, router, trade.PlaceOrderRequest{
		UserID: "alice", MarketID: "m1",
		Side: model.SideYes, Type: model.OrderTypeLimit,
		Price: d(0.60), Quantity: d(10),
	})

	w := doJSON(t, router, "GET", "/api/v1/users/alice/balance", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var b model.Balance
	json.Unmarshal(w.Body.Bytes(), &b)
	if !b.Total.Equal(d(100)) || !b.Frozen.Equal(d(6)) {
		t.Errorf("balance: %+v", b)
	}

	w = doJSON(t, router, "GET", "/api/v1/users/alice/ledger", nil)
	var entries []model.LedgerEntry
	json.Unmarshal(w.Body.Bytes(), &entries)
	if len(entries) != 1 || entries[0].Kind != model.EntryDeposit {
		t.Errorf("ledger: %+v", entries)
	}
}

func TestGetPortfolio(t *testing.T) {
	ms, router := newTestEnv(t)
	seedMarket(t, ms, "m1")
	fund(t, ms, "alice", 100)
	fund(t, ms, "bob", 100)

	placeOrder(t, router, trade.PlaceOrderRequest{
		UserID: "bob", MarketID: "m1",
		Side: model.SideNo, Type: model.OrderTypeLimit,
		Price: d(0.30), Quantity: d(10),
	})
	placeOrder(t, router, trade.PlaceOrderRequest{
		UserID: "alice", MarketID: "m1",
		Side: model.SideYes, Type: model.OrderTypeLimit,
		Price: d(0.60), Quantity: d(10),
	})

	w := doJSON(t, router, "GET", "/api/v1/portfolio/alice", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var pf trade.Portfolio
	json.Unmarshal(w.Body.Bytes(), &pf)
	if len(pf.Entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(pf.Entries))
	}
	// 10 YES marked at the last price 0.30, bought at 0.30.
	if !pf.Entries[0].MarketValue.Equal(d(3)) {
		t.Errorf("market value: %s", pf.Entries[0].MarketValue)
	}
	if !pf.UnrealizedPnL.Equal(d(0)) {
		t.Errorf("unrealized: %s", pf.UnrealizedPnL)
	}
	if !pf.Balance.Total.Equal(d(97)) {
		t.Errorf("balance: %s", pf.Balance.Total)
	}
}

func TestGetPortfolio_Empty(t *testing.T) {
	_, router := newTestEnv(t)

	w := doJSON(t, router, "GET", "/api/v1/portfolio/nobody", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var pf trade.Portfolio
	json.Unmarshal(w.Body.Bytes(), &pf)
	if len(pf.Entries) != 0 {
		t.Errorf("expected 0 entries, got %d", len(pf.Entries))
	}
}
