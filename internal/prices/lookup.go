// Package prices provides daily closing-price lookups for mark-to-market.
//
// A lookup answers "what did ticker close at on day?" and may answer
// "no data": a missing close is a normal outcome, not an error. Errors are
// reserved for failures of the backing source.
package prices

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// Lookup returns the closing price of ticker on day. ok is false when the
// source has no close for that day.
type Lookup interface {
	DailyClose(ctx context.Context, ticker string, day time.Time) (price decimal.Decimal, ok bool, err error)
}

// dayKey is the calendar date of day in its own location.
func dayKey(day time.Time) string {
	return day.Format(time.DateOnly)
}

// MemoryLookup is an in-memory close table, used by tests and the CLI's
// fixture mode.
type MemoryLookup struct {
	mu     sync.RWMutex
	closes map[string]map[string]decimal.Decimal
}

// NewMemoryLookup creates an empty lookup.
func NewMemoryLookup() *MemoryLookup {
	return &MemoryLookup{closes: make(map[string]map[string]decimal.Decimal)}
}

// Set records the close of ticker on day.
func (m *MemoryLookup) Set(ticker string, day time.Time, px decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	byDay, ok := m.closes[ticker]
	if !ok {
		byDay = make(map[string]decimal.Decimal)
		m.closes[ticker] = byDay
	}
	byDay[dayKey(day)] = px
}

func (m *MemoryLookup) DailyClose(_ context.Context, ticker string, day time.Time) (decimal.Decimal, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	px, ok := m.closes[ticker][dayKey(day)]
	return px, ok, nil
}
