package trade

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/papertrade/sim-engine/internal/execution"
	"github.com/papertrade/sim-engine/internal/model"
	"github.com/papertrade/sim-engine/internal/store"
)

// --- Request/Response types ---

// Proposal is one entry of a simulate payload. ref_price falls back to
// max_price then min_price.
type Proposal struct {
	Ticker   string          `json:"ticker"`
	Action   string          `json:"action"` // BUY or SELL
	Quantity decimal.Decimal `json:"quantity"`
	RefPrice decimal.Decimal `json:"ref_price"`
	MaxPrice decimal.Decimal `json:"max_price"`
	MinPrice decimal.Decimal `json:"min_price"`
	Reason   string          `json:"reason"`
}

// SimulateRequest is the JSON body for POST /api/v1/simulate.
type SimulateRequest struct {
	DecisionTime *time.Time `json:"decision_time,omitempty"`
	Proposals    []Proposal `json:"proposals"`
}

// MarketOrderRequest is the JSON body for POST /api/v1/orders/market.
type MarketOrderRequest struct {
	Ticker   string          `json:"ticker"`
	Side     string          `json:"side"`
	Quantity decimal.Decimal `json:"quantity"`
	RefPrice decimal.Decimal `json:"ref_price"`
	Reason   string          `json:"reason"`
	Time     *time.Time      `json:"ts,omitempty"`
}

// EquityPointJSON renders an equity point with a calendar date.
type EquityPointJSON struct {
	Date   string          `json:"date"`
	Equity decimal.Decimal `json:"equity"`
}

// EquityRangeResponse is returned from GET /api/v1/equity/range.
type EquityRangeResponse struct {
	Start  string            `json:"start"`
	End    string            `json:"end"`
	Series []EquityPointJSON `json:"series"`
}

// Intent converts the proposal, resolving the reference price.
func (p Proposal) Intent() (model.TradeIntent, error) {
	side, err := model.ParseSide(p.Action)
	if err != nil {
		return model.TradeIntent{}, err
	}
	ref := p.RefPrice
	if ref.IsZero() {
		ref = p.MaxPrice
	}
	if ref.IsZero() {
		ref = p.MinPrice
	}
	return model.TradeIntent{
		Ticker:         p.Ticker,
		Side:           side,
		Quantity:       p.Quantity,
		ReferencePrice: ref,
		Reason:         p.Reason,
	}, nil
}

// --- HTTP Handlers ---

// Health handles GET /health.
func (s *Service) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "sim-engine"})
}

// GetConfig handles GET /api/v1/config.
func (s *Service) GetConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.settings)
}

// GetPortfolio handles GET /api/v1/portfolio.
func (s *Service) GetPortfolio(w http.ResponseWriter, r *http.Request) {
	p, err := s.Portfolio(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// Simulate handles POST /api/v1/simulate.
// Each proposal is gated and, if accepted, executed in order.
func (s *Service) Simulate(w http.ResponseWriter, r *http.Request) {
	var req SimulateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, &model.ValidationError{Field: "body", Message: "invalid request body"})
		return
	}

	intents := make([]model.TradeIntent, len(req.Proposals))
	for i, p := range req.Proposals {
		in, err := p.Intent()
		if err != nil {
			writeError(w, err)
			return
		}
		intents[i] = in
	}

	now := s.now().UTC()
	if req.DecisionTime != nil {
		now = *req.DecisionTime
	}

	res, err := s.Submit(r.Context(), now, intents)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// PlaceMarketOrder handles POST /api/v1/orders/market.
func (s *Service) PlaceMarketOrder(w http.ResponseWriter, r *http.Request) {
	var req MarketOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, &model.ValidationError{Field: "body", Message: "invalid request body"})
		return
	}
	side, err := model.ParseSide(req.Side)
	if err != nil {
		writeError(w, err)
		return
	}

	now := s.now().UTC()
	if req.Time != nil {
		now = *req.Time
	}

	order, err := s.MarketOrder(r.Context(), now, model.TradeIntent{
		Ticker:         req.Ticker,
		Side:           side,
		Quantity:       req.Quantity,
		ReferencePrice: req.RefPrice,
		Reason:         req.Reason,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, order)
}

// GetEquityRange handles GET /api/v1/equity/range?start=YYYY-MM-DD&end=YYYY-MM-DD.
// A reversed range is swapped rather than rejected.
func (s *Service) GetEquityRange(w http.ResponseWriter, r *http.Request) {
	loc := s.settings.Location()
	q := r.URL.Query()
	start, err1 := time.ParseInLocation(time.DateOnly, q.Get("start"), loc)
	end, err2 := time.ParseInLocation(time.DateOnly, q.Get("end"), loc)
	if err1 != nil || err2 != nil {
		writeError(w, &model.ValidationError{Field: "range", Message: "start and end must be YYYY-MM-DD"})
		return
	}
	if end.Before(start) {
		start, end = end, start
	}

	series, err := s.EquityRange(r.Context(), start, end)
	if err != nil {
		writeError(w, err)
		return
	}

	resp := EquityRangeResponse{
		Start:  start.Format(time.DateOnly),
		End:    end.Format(time.DateOnly),
		Series: make([]EquityPointJSON, len(series)),
	}
	for i, p := range series {
		resp.Series[i] = EquityPointJSON{Date: p.DateString(), Equity: p.Equity}
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps err to a status and writes a JSON error response.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	message := "internal error"

	var ve *model.ValidationError
	switch {
	case errors.As(err, &ve):
		status, message = http.StatusBadRequest, err.Error()
	case errors.Is(err, store.ErrNotInitialized):
		status, message = http.StatusConflict, "ledger not initialized"
	case errors.Is(err, execution.ErrPersistence):
		message = "failed to record order"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		status, message = http.StatusServiceUnavailable, "request cancelled"
	}
	if status >= http.StatusInternalServerError {
		slog.Error("request failed", "status", status, "err", err)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
