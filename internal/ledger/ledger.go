// Package ledger is the portfolio ledger handle: a cash scalar plus a
// per-ticker position map over a store.Store. Callers construct one handle
// per ledger and pass it explicitly; there is no package-level state.
package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/papertrade/sim-engine/internal/model"
	"github.com/papertrade/sim-engine/internal/store"
)

// ErrInvalidPosition is returned by UpsertPosition for a position that
// breaks the long-only invariants.
var ErrInvalidPosition = errors.New("ledger: invalid position")

// Ledger wraps a store with the bootstrap and accessor operations.
type Ledger struct {
	store store.Store
}

// New creates a ledger handle over st.
func New(st store.Store) *Ledger {
	return &Ledger{store: st}
}

// Store returns the underlying store, for the execution engine's unit of
// work and for order history reads.
func (l *Ledger) Store() store.Store {
	return l.store
}

// Cash returns the current cash balance. It fails with
// store.ErrNotInitialized before EnsureInitialized.
func (l *Ledger) Cash(ctx context.Context) (decimal.Decimal, error) {
	return l.store.GetCash(ctx)
}

// SetCash overwrites the cash balance.
func (l *Ledger) SetCash(ctx context.Context, amount decimal.Decimal) error {
	return l.store.SetCash(ctx, amount)
}

// EnsureInitialized sets cash to initial only if no balance exists yet. It
// reports whether this call performed the bootstrap. An existing balance
// is never overwritten, even by a concurrent bootstrap from another
// process.
func (l *Ledger) EnsureInitialized(ctx context.Context, initial decimal.Decimal) (bool, error) {
	created, err := l.store.InitCash(ctx, initial)
	if err != nil {
		return false, fmt.Errorf("ensure initialized: %w", err)
	}
	return created, nil
}

// Position returns the holding for ticker, or a zero position if the
// ticker has never been traded.
func (l *Ledger) Position(ctx context.Context, ticker string) (model.Position, error) {
	p, found, err := l.store.GetPosition(ctx, ticker)
	if err != nil {
		return model.Position{}, err
	}
	if !found {
		return model.Position{Ticker: ticker}, nil
	}
	return p, nil
}

// UpsertPosition validates p and writes it.
func (l *Ledger) UpsertPosition(ctx context.Context, p model.Position) error {
	if err := CheckPosition(p); err != nil {
		return err
	}
	return l.store.UpsertPosition(ctx, p)
}

// Positions returns every position, including those at zero quantity.
func (l *Ledger) Positions(ctx context.Context) ([]model.Position, error) {
	return l.store.ListPositions(ctx)
}

// Snapshot returns cash, positions and cost-basis equity in one view.
func (l *Ledger) Snapshot(ctx context.Context) (model.Portfolio, error) {
	cash, err := l.store.GetCash(ctx)
	if err != nil {
		return model.Portfolio{}, err
	}
	positions, err := l.store.ListPositions(ctx)
	if err != nil {
		return model.Portfolio{}, err
	}
	if positions == nil {
		positions = []model.Position{}
	}

	costBasis := decimal.Zero
	for _, p := range positions {
		costBasis = costBasis.Add(p.Quantity.Mul(p.AvgCost))
	}
	return model.Portfolio{
		Cash:          cash,
		Positions:     positions,
		OpenPositions: openCount(positions),
		CostBasis:     costBasis,
		EquityAtCost:  cash.Add(costBasis),
	}, nil
}

// CheckPosition enforces quantity >= 0, avg_cost >= 0 and avg_cost == 0
// whenever quantity == 0.
func CheckPosition(p model.Position) error {
	switch {
	case p.Ticker == "":
		return fmt.Errorf("%w: empty ticker", ErrInvalidPosition)
	case p.Quantity.IsNegative():
		return fmt.Errorf("%w: %s quantity %s < 0", ErrInvalidPosition, p.Ticker, p.Quantity)
	case p.AvgCost.IsNegative():
		return fmt.Errorf("%w: %s avg_cost %s < 0", ErrInvalidPosition, p.Ticker, p.AvgCost)
	case p.Quantity.IsZero() && !p.AvgCost.IsZero():
		return fmt.Errorf("%w: %s flat with avg_cost %s", ErrInvalidPosition, p.Ticker, p.AvgCost)
	}
	return nil
}

func openCount(positions []model.Position) int {
	n := 0
	for _, p := range positions {
		if p.Open() {
			n++
		}
	}
	return n
}
