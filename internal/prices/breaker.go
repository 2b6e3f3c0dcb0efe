package prices

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"
)

// closeResult carries a lookup through the breaker's interface{} result.
type closeResult struct {
	close decimal.Decimal
	ok    bool
}

// Breaker trips after consecutive source failures and fails fast with
// gobreaker.ErrOpenState until Timeout elapses. Gaps count as successes.
type Breaker struct {
	next Lookup
	cb   *gobreaker.CircuitBreaker
}

// NewBreaker wraps next. failures is the consecutive-failure threshold.
func NewBreaker(name string, next Lookup, failures uint32, timeout time.Duration) *Breaker {
	st := gobreaker.Settings{Name: name}
	st.ReadyToTrip = func(counts gobreaker.Counts) bool { return counts.ConsecutiveFailures >= failures }
	st.Timeout = timeout
	// A cancelled caller says nothing about the source's health.
	st.IsSuccessful = func(err error) bool {
		return err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
	}
	st.OnStateChange = func(name string, from, to gobreaker.State) {
		slog.Warn("price lookup breaker state change", "breaker", name, "from", from.String(), "to", to.String())
	}
	return &Breaker{next: next, cb: gobreaker.NewCircuitBreaker(st)}
}

// State reports the breaker state.
func (b *Breaker) State() gobreaker.State {
	return b.cb.State()
}

func (b *Breaker) DailyClose(ctx context.Context, ticker string, day time.Time) (decimal.Decimal, bool, error) {
	res, err := b.cb.Execute(func() (interface{}, error) {
		c, ok, err := b.next.DailyClose(ctx, ticker, day)
		if err != nil {
			return nil, err
		}
		return closeResult{close: c, ok: ok}, nil
	})
	if err != nil {
		return decimal.Zero, false, err
	}
	r := res.(closeResult)
	return r.close, r.ok, nil
}
