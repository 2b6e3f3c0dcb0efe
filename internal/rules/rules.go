// Package rules implements the admission gate every trade intent passes
// before execution.
//
// Two checks are structural and fail fast with a single reason:
//   - max_orders_per_day_exceeded
//   - min_order_breach (BUY only)
//
// The remaining checks are advisory and accumulate, so one evaluation
// reports every violated constraint:
//   - cooldown_active
//   - min_cash_buffer_breach (BUY only)
//   - max_positions_reached (BUY opening a new name only)
//
// The gate never resizes an intent: it accepts the requested quantity or
// rejects it. Expected-return gating is the caller's job.
package rules

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/papertrade/sim-engine/internal/model"
)

// Reason is a rejection code. The set is closed; codes are emitted in the
// order of Reasons.
type Reason string

const (
	ReasonMaxOrdersPerDay Reason = "max_orders_per_day_exceeded"
	ReasonCooldown        Reason = "cooldown_active"
	ReasonMinOrder        Reason = "min_order_breach"
	ReasonMinCashBuffer   Reason = "min_cash_buffer_breach"
	ReasonMaxPositions    Reason = "max_positions_reached"
)

// Reasons lists every code in evaluation order.
var Reasons = []Reason{
	ReasonMaxOrdersPerDay,
	ReasonCooldown,
	ReasonMinOrder,
	ReasonMinCashBuffer,
	ReasonMaxPositions,
}

// ErrInvalidLimits is returned by Limits.Validate.
var ErrInvalidLimits = errors.New("rules: invalid limits")

// Limits is the risk/compliance configuration the gate enforces.
type Limits struct {
	// MaxOrdersPerDay caps executed orders per trading day. Zero halts
	// trading.
	MaxOrdersPerDay int

	// CooldownAfterExit is the minimum time after a SELL in a ticker
	// before another order in that ticker is admitted.
	CooldownAfterExit time.Duration

	// MinOrderUSD is the smallest BUY notional accepted.
	MinOrderUSD decimal.Decimal

	// MinCashPct is the fraction of current cash that must remain after a
	// BUY and its commission (0.05 = 5%).
	MinCashPct decimal.Decimal

	// MaxPositions caps the number of names held at once.
	MaxPositions int

	// CommissionUSD is the per-order commission used in the cash buffer
	// check.
	CommissionUSD decimal.Decimal
}

// DefaultLimits mirrors the shipped simulation settings.
func DefaultLimits() Limits {
	return Limits{
		MaxOrdersPerDay:   10,
		CooldownAfterExit: 60 * time.Minute,
		MinOrderUSD:       decimal.NewFromInt(1000),
		MinCashPct:        decimal.NewFromFloat(0.05),
		MaxPositions:      15,
		CommissionUSD:     decimal.NewFromInt(10),
	}
}

// Validate rejects negative limits and a cash fraction outside [0, 1].
func (l Limits) Validate() error {
	switch {
	case l.MaxOrdersPerDay < 0:
		return fmt.Errorf("%w: max_orders_per_day %d < 0", ErrInvalidLimits, l.MaxOrdersPerDay)
	case l.CooldownAfterExit < 0:
		return fmt.Errorf("%w: cooldown %s < 0", ErrInvalidLimits, l.CooldownAfterExit)
	case l.MinOrderUSD.IsNegative():
		return fmt.Errorf("%w: min_order_usd %s < 0", ErrInvalidLimits, l.MinOrderUSD)
	case l.MinCashPct.IsNegative() || l.MinCashPct.GreaterThan(decimal.NewFromInt(1)):
		return fmt.Errorf("%w: min_cash_pct %s outside [0, 1]", ErrInvalidLimits, l.MinCashPct)
	case l.MaxPositions < 0:
		return fmt.Errorf("%w: max_positions %d < 0", ErrInvalidLimits, l.MaxPositions)
	case l.CommissionUSD.IsNegative():
		return fmt.Errorf("%w: commission_usd %s < 0", ErrInvalidLimits, l.CommissionUSD)
	}
	return nil
}

// Snapshot is the caller-supplied ledger state the gate reads. The caller
// must take it consistently with the state the subsequent apply will see;
// the gate does no locking.
type Snapshot struct {
	Cash             decimal.Decimal
	DayOrdersCount   int
	LastExitByTicker map[string]time.Time
	Held             map[string]decimal.Decimal // ticker → quantity held
}

// HeldFrom builds the Held map from a position list.
func HeldFrom(positions []model.Position) map[string]decimal.Decimal {
	held := make(map[string]decimal.Decimal, len(positions))
	for _, p := range positions {
		held[p.Ticker] = p.Quantity
	}
	return held
}

func (s Snapshot) openNames() int {
	n := 0
	for _, q := range s.Held {
		if q.IsPositive() {
			n++
		}
	}
	return n
}

// Decision is the gate's verdict. Not persisted.
type Decision struct {
	Accepted         bool            `json:"accepted"`
	AdjustedQuantity decimal.Decimal `json:"adjusted_quantity"`
	Reasons          []Reason        `json:"reasons"`
}

// has reports whether r is among the decision's reasons.
func (d Decision) has(r Reason) bool {
	for _, got := range d.Reasons {
		if got == r {
			return true
		}
	}
	return false
}

func reject(r Reason) Decision {
	return Decision{AdjustedQuantity: decimal.Zero, Reasons: []Reason{r}}
}

// Gate evaluates intents against a fixed set of limits.
type Gate struct {
	Limits Limits
}

// NewGate creates a gate enforcing limits.
func NewGate(limits Limits) *Gate {
	return &Gate{Limits: limits}
}

// Evaluate runs the checks in fixed order. It is a pure function of its
// arguments: identical inputs give identical decisions.
func (g *Gate) Evaluate(now time.Time, in model.TradeIntent, snap Snapshot) Decision {
	return Evaluate(now, in, snap, g.Limits)
}

// Evaluate is the gate as a free function.
func Evaluate(now time.Time, in model.TradeIntent, snap Snapshot, limits Limits) Decision {
	// 1. Daily order cap (hard).
	if snap.DayOrdersCount >= limits.MaxOrdersPerDay {
		return reject(ReasonMaxOrdersPerDay)
	}

	reasons := []Reason{}

	// 2. Cooldown after exit (soft).
	if exitAt, ok := snap.LastExitByTicker[in.Ticker]; ok {
		if now.Sub(exitAt) < limits.CooldownAfterExit {
			reasons = append(reasons, ReasonCooldown)
		}
	}

	if in.Side == model.SideBuy {
		notional := in.Quantity.Mul(in.ReferencePrice)

		// 3. Minimum order size (hard).
		if notional.LessThan(limits.MinOrderUSD) {
			return reject(ReasonMinOrder)
		}

		// 4. Cash buffer (soft).
		remaining := snap.Cash.Sub(notional).Sub(limits.CommissionUSD)
		if remaining.LessThan(limits.MinCashPct.Mul(snap.Cash)) {
			reasons = append(reasons, ReasonMinCashBuffer)
		}

		// 5. Position count when opening a new name (soft).
		held := snap.Held[in.Ticker]
		if held.IsZero() && snap.openNames() >= limits.MaxPositions {
			reasons = append(reasons, ReasonMaxPositions)
		}
	}

	if len(reasons) > 0 {
		return Decision{AdjustedQuantity: decimal.Zero, Reasons: reasons}
	}
	return Decision{Accepted: true, AdjustedQuantity: in.Quantity, Reasons: reasons}
}
