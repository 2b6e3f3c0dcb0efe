package prices

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

type cacheKey struct {
	ticker string
	day    string
}

// CachedLookup memoises closes once they are seen. A recorded close for a
// past day does not change, so entries never expire. Gaps and errors are
// always asked again: a gap may be data that has not been ingested yet.
type CachedLookup struct {
	next Lookup

	mu      sync.RWMutex
	entries map[cacheKey]decimal.Decimal
}

// NewCachedLookup wraps next.
func NewCachedLookup(next Lookup) *CachedLookup {
	return &CachedLookup{next: next, entries: make(map[cacheKey]decimal.Decimal)}
}

func (c *CachedLookup) DailyClose(ctx context.Context, ticker string, day time.Time) (decimal.Decimal, bool, error) {
	key := cacheKey{ticker: ticker, day: dayKey(day)}

	c.mu.RLock()
	px, hit := c.entries[key]
	c.mu.RUnlock()
	if hit {
		return px, true, nil
	}

	px, ok, err := c.next.DailyClose(ctx, ticker, day)
	if err != nil || !ok {
		return decimal.Zero, false, err
	}
	c.mu.Lock()
	c.entries[key] = px
	c.mu.Unlock()
	return px, true, nil
}
