// Package trade provides the HTTP handlers for order placement, market
// lifecycle, and portfolio queries.
//
// All monetary values use shopspring/decimal — never float64 for money.
package trade

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/predyx/trading-core/internal/book"
	"github.com/predyx/trading-core/internal/engine"
	"github.com/predyx/trading-core/internal/metrics"
	"github.com/predyx/trading-core/internal/model"
	"github.com/predyx/trading-core/internal/settle"
	"github.com/predyx/trading-core/internal/store"
)

// Service wires the matching engine and settlement service to HTTP.
// Concurrency control lives in the store's transactions; handlers hold no
// locks of their own.
type Service struct {
	store  store.Store
	engine *engine.Engine
	settle *settle.Service
	wsHub  *WSHub // optional WebSocket hub for real-time broadcasts
}

// NewService creates a new trade service.
// Pass nil for hub if WebSocket broadcasting is not needed.
func NewService(st store.Store, eng *engine.Engine, stl *settle.Service, hub *WSHub) *Service {
	return &Service{store: st, engine: eng, settle: stl, wsHub: hub}
}

// --- Request types ---

// PlaceOrderRequest is the JSON body for POST /api/v1/orders.
type PlaceOrderRequest struct {
	UserID   string          `json:"user_id"`
	MarketID string          `json:"market_id"`
	Side     model.Side      `json:"side"`
	Type     model.OrderType `json:"type"`
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
}

// CreateMarketRequest is the JSON body for market creation.
type CreateMarketRequest struct {
	Slug     string          `json:"slug"`
	Title    string          `json:"title"`
	YesPrice decimal.Decimal `json:"yes_price"` // 0 → 0.50
}

// ResolveRequest is the JSON body for POST /markets/{marketID}/resolve.
type ResolveRequest struct {
	Outcome    model.Side `json:"outcome"`
	ResolvedBy string     `json:"resolved_by"`
	Note       string     `json:"note"`
}

// VoidRequest is the JSON body for POST /markets/{marketID}/void.
type VoidRequest struct {
	Reason string `json:"reason"`
}

// PortfolioEntry is one market's holdings within a portfolio response.
type PortfolioEntry struct {
	Position      model.Position     `json:"position"`
	MarketStatus  model.MarketStatus `json:"market_status"`
	MarketValue   decimal.Decimal    `json:"market_value"`
	UnrealizedPnL decimal.Decimal    `json:"unrealized_pnl"`
}

// Portfolio is the response for GET /api/v1/portfolio/{userID}.
type Portfolio struct {
	UserID        string           `json:"user_id"`
	Balance       *model.Balance   `json:"balance"`
	Entries       []PortfolioEntry `json:"entries"`
	TotalValue    decimal.Decimal  `json:"total_value"`
	RealizedPnL   decimal.Decimal  `json:"realized_pnl"`
	UnrealizedPnL decimal.Decimal  `json:"unrealized_pnl"`
}

// --- Order handlers ---

// PlaceOrder handles POST /api/v1/orders.
func (s *Service) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	var req PlaceOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.UserID == "" {
		writeError(w, "user_id is required", http.StatusBadRequest)
		return
	}
	if req.MarketID == "" {
		writeError(w, "market_id is required", http.StatusBadRequest)
		return
	}

	start := time.Now()
	result, err := s.engine.PlaceOrder(r.Context(), engine.PlaceRequest{
		UserID:   req.UserID,
		MarketID: req.MarketID,
		Side:     req.Side,
		Type:     req.Type,
		Price:    req.Price,
		Quantity: req.Quantity,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}

	metrics.OrderLatency.WithLabelValues(string(req.Type)).Observe(time.Since(start).Seconds())
	metrics.OrdersTotal.WithLabelValues(string(req.Side), string(req.Type), string(result.Status)).Inc()
	for i := range result.Trades {
		t := &result.Trades[i]
		metrics.TradesTotal.WithLabelValues(string(t.Side)).Inc()
		metrics.MarketVolume.WithLabelValues(t.MarketID).Add(t.Value().InexactFloat64())
		s.broadcastTrade(t)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(result)
}

// CancelOrder handles DELETE /api/v1/orders/{orderID}.
// The caller identifies itself with the user_id query parameter; an order
// belonging to someone else is indistinguishable from a missing one.
func (s *Service) CancelOrder(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderID")
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		writeError(w, "user_id is required", http.StatusBadRequest)
		return
	}

	if err := s.engine.CancelOrder(r.Context(), orderID, userID); err != nil {
		writeDomainError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"order_id": orderID, "status": string(model.OrderCancelled)})
}

// GetOrderBook handles GET /api/v1/markets/{marketID}/orderbook.
func (s *Service) GetOrderBook(w http.ResponseWriter, r *http.Request) {
	marketID := chi.URLParam(r, "marketID")

	if _, err := s.store.GetMarket(r.Context(), marketID); err != nil {
		writeDomainError(w, err)
		return
	}
	ob, err := book.Snapshot(r.Context(), s.store, marketID)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(ob)
}

// --- Market handlers ---

// CreateMarket handles POST /api/v1/markets.
func (s *Service) CreateMarket(w http.ResponseWriter, r *http.Request) {
	var req CreateMarketRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Title == "" {
		writeError(w, "title is required", http.StatusBadRequest)
		return
	}

	m, err := s.settle.CreateMarket(r.Context(), req.Slug, req.Title, req.YesPrice)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(m)
}

// ListMarkets handles GET /api/v1/markets.
// Optionally filtered by ?status=<status>.
func (s *Service) ListMarkets(w http.ResponseWriter, r *http.Request) {
	markets, err := s.store.ListMarkets(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if markets == nil {
		markets = []model.Market{}
	}

	if status := r.URL.Query().Get("status"); status != "" {
		filtered := []model.Market{}
		for _, m := range markets {
			if m.Status == model.MarketStatus(status) {
				filtered = append(filtered, m)
			}
		}
		markets = filtered
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(markets)
}

// GetMarket handles GET /api/v1/markets/{marketID}.
func (s *Service) GetMarket(w http.ResponseWriter, r *http.Request) {
	marketID := chi.URLParam(r, "marketID")

	m, err := s.store.GetMarket(r.Context(), marketID)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(m)
}

// GetMarketHistory handles GET /api/v1/markets/{marketID}/history.
// Returns the price history sampled at each executing placement.
func (s *Service) GetMarketHistory(w http.ResponseWriter, r *http.Request) {
	marketID := chi.URLParam(r, "marketID")

	points, err := s.store.PriceHistory(r.Context(), marketID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if points == nil {
		points = []model.PricePoint{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(points)
}

// CloseMarket handles POST /api/v1/markets/{marketID}/close.
func (s *Service) CloseMarket(w http.ResponseWriter, r *http.Request) {
	marketID := chi.URLParam(r, "marketID")

	if err := s.settle.CloseMarket(r.Context(), marketID); err != nil {
		writeDomainError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"market_id": marketID, "status": string(model.MarketClosed)})
}

// ResolveMarket handles POST /api/v1/markets/{marketID}/resolve.
func (s *Service) ResolveMarket(w http.ResponseWriter, r *http.Request) {
	marketID := chi.URLParam(r, "marketID")

	var req ResolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	res, err := s.settle.Resolve(r.Context(), marketID, req.Outcome, req.ResolvedBy, req.Note)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	metrics.SettlementsTotal.WithLabelValues("resolve").Inc()
	if s.wsHub != nil {
		s.wsHub.Broadcast(WSMessage{
			Type:     "market_resolved",
			MarketID: marketID,
			Outcome:  string(res.Outcome),
		})
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(res)
}

// VoidMarket handles POST /api/v1/markets/{marketID}/void.
func (s *Service) VoidMarket(w http.ResponseWriter, r *http.Request) {
	marketID := chi.URLParam(r, "marketID")

	var req VoidRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	res, err := s.settle.Void(r.Context(), marketID, req.Reason)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	metrics.SettlementsTotal.WithLabelValues("void").Inc()
	if s.wsHub != nil {
		s.wsHub.Broadcast(WSMessage{
			Type:     "market_voided",
			MarketID: marketID,
		})
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(res)
}

// --- User handlers ---

// GetBalance handles GET /api/v1/users/{userID}/balance.
func (s *Service) GetBalance(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	bal, err := s.store.GetBalance(r.Context(), userID)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(bal)
}

// GetLedger handles GET /api/v1/users/{userID}/ledger.
func (s *Service) GetLedger(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	entries, err := s.store.LedgerEntriesByUser(r.Context(), userID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if entries == nil {
		entries = []model.LedgerEntry{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(entries)
}

// GetPortfolio handles GET /api/v1/portfolio/{userID}.
// Marks every open position to the current market price.
func (s *Service) GetPortfolio(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	ctx := r.Context()

	bal, err := s.store.GetBalance(ctx, userID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	positions, err := s.store.PositionsByUser(ctx, userID)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	pf := Portfolio{
		UserID:        userID,
		Balance:       bal,
		Entries:       []PortfolioEntry{},
		TotalValue:    decimal.Zero,
		RealizedPnL:   decimal.Zero,
		UnrealizedPnL: decimal.Zero,
	}

	for i := range positions {
		p := positions[i]
		pf.RealizedPnL = pf.RealizedPnL.Add(p.RealizedPnL)

		m, err := s.store.GetMarket(ctx, p.MarketID)
		if err != nil {
			writeDomainError(w, err)
			return
		}

		value := p.YesShares.Mul(m.YesPrice).Add(p.NoShares.Mul(m.NoPrice()))
		cost := p.YesShares.Mul(p.AvgYesPrice).Add(p.NoShares.Mul(p.AvgNoPrice))
		unrealized := model.RoundMoney(value.Sub(cost))

		pf.Entries = append(pf.Entries, PortfolioEntry{
			Position:      p,
			MarketStatus:  m.Status,
			MarketValue:   model.RoundMoney(value),
			UnrealizedPnL: unrealized,
		})
		pf.TotalValue = pf.TotalValue.Add(model.RoundMoney(value))
		pf.UnrealizedPnL = pf.UnrealizedPnL.Add(unrealized)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(pf)
}

// --- Helpers ---

func (s *Service) broadcastTrade(t *model.Trade) {
	if s.wsHub == nil {
		return
	}
	yesPrice := t.Price
	if t.Side == model.SideNo {
		yesPrice = model.One.Sub(t.Price)
	}
	s.wsHub.Broadcast(WSMessage{
		Type:     "trade_executed",
		MarketID: t.MarketID,
		Side:     string(t.Side),
		Price:    t.Price.String(),
		YesPrice: yesPrice.String(),
		Quantity: t.Quantity.String(),
	})
}

// writeDomainError maps the error taxonomy onto HTTP statuses:
// validation 400, missing rows 404, state/funds rejections 409, a
// conflict that survived its retries 503, anything else 500.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case model.IsValidation(err):
		writeError(w, err.Error(), http.StatusBadRequest)
	case model.IsNotFound(err):
		writeError(w, err.Error(), http.StatusNotFound)
	case model.IsState(err):
		writeError(w, err.Error(), http.StatusConflict)
	case errors.Is(err, model.ErrConflict):
		writeError(w, "temporarily unable to execute, retry", http.StatusServiceUnavailable)
	default:
		slog.Error("internal error", "err", err)
		writeError(w, "internal error", http.StatusInternalServerError)
	}
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
