// Package model defines the core domain types shared across the simulation
// engine. All monetary values and share quantities use shopspring/decimal.
package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of an order. The ledger is long-only: SELL reduces
// an existing holding and never opens a short.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// ParseSide normalises s and rejects anything other than BUY or SELL.
func ParseSide(s string) (Side, error) {
	switch side := Side(strings.ToUpper(strings.TrimSpace(s))); side {
	case SideBuy, SideSell:
		return side, nil
	default:
		return "", &ValidationError{Field: "side", Message: fmt.Sprintf("side must be BUY or SELL, got %q", s)}
	}
}

// Valid reports whether s is one of the two known sides.
func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

// Order is an immutable record of an execution. Once created it is never
// modified or deleted; the ordered sequence of orders together with the
// initial cash is the source of truth for the ledger.
type Order struct {
	ID            string          `json:"id" db:"id"`
	Timestamp     time.Time       `json:"ts" db:"ts"`
	Ticker        string          `json:"ticker" db:"ticker"`
	Side          Side            `json:"side" db:"side"`
	Quantity      decimal.Decimal `json:"quantity" db:"quantity"`     // executed, post-clamp
	FillPrice     decimal.Decimal `json:"fill_price" db:"fill_price"` // slippage included
	SlippageBps   decimal.Decimal `json:"slippage_bps" db:"slippage_bps"`
	CommissionUSD decimal.Decimal `json:"commission_usd" db:"commission_usd"`
	Reason        string          `json:"reason" db:"reason"` // llm|manual|stop|target|event
}

// Notional is quantity × fill price, before commission.
func (o Order) Notional() decimal.Decimal {
	return o.Quantity.Mul(o.FillPrice)
}

// Position is the materialised holding for one ticker. Quantity is never
// negative and AvgCost is zero whenever Quantity is zero.
type Position struct {
	Ticker   string          `json:"ticker" db:"ticker"`
	Quantity decimal.Decimal `json:"quantity" db:"quantity"`
	AvgCost  decimal.Decimal `json:"avg_cost" db:"avg_cost"`
}

// Open reports whether the position currently holds shares.
func (p Position) Open() bool {
	return p.Quantity.IsPositive()
}

// Portfolio is a point-in-time view of the ledger.
type Portfolio struct {
	Cash          decimal.Decimal `json:"cash"`
	Positions     []Position      `json:"positions"`
	OpenPositions int             `json:"open_positions"`
	CostBasis     decimal.Decimal `json:"cost_basis"`     // Σ quantity × avg_cost
	EquityAtCost  decimal.Decimal `json:"equity_at_cost"` // cash + cost basis
}

// EquityPoint is one day of a reconstructed equity curve. Output only.
type EquityPoint struct {
	Date   time.Time       `json:"-"`
	Equity decimal.Decimal `json:"equity"`
}

// DateString renders the point's date as YYYY-MM-DD.
func (p EquityPoint) DateString() string {
	return p.Date.Format(time.DateOnly)
}

// TradeIntent is a proposed trade supplied by an upstream proposal layer.
type TradeIntent struct {
	Ticker         string          `json:"ticker"`
	Side           Side            `json:"side"`
	Quantity       decimal.Decimal `json:"quantity"`
	ReferencePrice decimal.Decimal `json:"ref_price"`
	Reason         string          `json:"reason,omitempty"`
}

// Validate rejects malformed intents before they reach any engine.
func (i TradeIntent) Validate() error {
	if i.Ticker == "" {
		return &ValidationError{Field: "ticker", Message: "ticker is required"}
	}
	if !i.Side.Valid() {
		return &ValidationError{Field: "side", Message: fmt.Sprintf("side must be BUY or SELL, got %q", i.Side)}
	}
	if !i.Quantity.IsPositive() {
		return &ValidationError{Field: "quantity", Message: "quantity must be positive"}
	}
	if i.ReferencePrice.IsNegative() {
		return &ValidationError{Field: "ref_price", Message: "reference price must not be negative"}
	}
	return nil
}
