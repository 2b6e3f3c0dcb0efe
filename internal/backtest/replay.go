// Package backtest reconstructs ledger state and daily equity from the
// append-only order history.
//
// Replay re-derives cash and positions with execution.Settle, the same
// arithmetic the live engine uses, so a full replay reproduces the live
// ledger exactly. Equity is marked to market against daily closes with a
// carry-forward of the last observed close; a missing close is a data gap,
// never a failure.
package backtest

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/papertrade/sim-engine/internal/execution"
	"github.com/papertrade/sim-engine/internal/metrics"
	"github.com/papertrade/sim-engine/internal/model"
	"github.com/papertrade/sim-engine/internal/prices"
)

// State is a materialised ledger: cash plus one position per ticker ever
// traded.
type State struct {
	Cash      decimal.Decimal
	positions map[string]model.Position
}

// NewState starts from initial cash and no positions.
func NewState(initialCash decimal.Decimal) *State {
	return &State{Cash: initialCash, positions: make(map[string]model.Position)}
}

// Apply folds one executed order into the state.
func (s *State) Apply(o model.Order) {
	pos, ok := s.positions[o.Ticker]
	if !ok {
		pos = model.Position{Ticker: o.Ticker}
	}
	settled := execution.Settle(s.Cash, pos, o.Side, o.Quantity, o.FillPrice, o.CommissionUSD)
	s.Cash = settled.Cash
	s.positions[o.Ticker] = settled.Position
}

// Position returns the holding for ticker, zero if never traded.
func (s *State) Position(ticker string) model.Position {
	if p, ok := s.positions[ticker]; ok {
		return p
	}
	return model.Position{Ticker: ticker}
}

// Positions returns every position, flat ones included, sorted by ticker.
func (s *State) Positions() []model.Position {
	out := make([]model.Position, 0, len(s.positions))
	for _, p := range s.positions {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ticker < out[j].Ticker })
	return out
}

// Rebuild replays the full history from initial cash. Orders must be in
// ascending timestamp order.
func Rebuild(orders []model.Order, initialCash decimal.Decimal) *State {
	s := NewState(initialCash)
	for _, o := range orders {
		s.Apply(o)
	}
	return s
}

// Replayer produces equity curves. Calendar days are cut in Location.
type Replayer struct {
	Location *time.Location
	logger   *slog.Logger
}

// NewReplayer creates a replayer for loc; nil means UTC.
func NewReplayer(loc *time.Location) *Replayer {
	if loc == nil {
		loc = time.UTC
	}
	return &Replayer{Location: loc, logger: slog.Default()}
}

// Day truncates t to midnight of its calendar date in the replayer's
// location.
func (r *Replayer) Day(t time.Time) time.Time {
	y, m, d := t.In(r.Location).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, r.Location)
}

// Days lists every calendar day from start to end inclusive. It is empty
// when end precedes start.
func (r *Replayer) Days(start, end time.Time) []time.Time {
	first, last := r.Day(start), r.Day(end)
	var days []time.Time
	for d := first; !d.After(last); d = d.AddDate(0, 0, 1) {
		days = append(days, d)
	}
	return days
}

// EquitySeries replays orders day by day over [start, end] and returns one
// point per day: cash plus each open position valued at its last known
// close, rounded to cents.
//
// Orders dated before start are applied before the first mark. Only context
// cancellation aborts the replay; any other lookup failure is logged and
// treated as a gap.
func (r *Replayer) EquitySeries(ctx context.Context, start, end time.Time, orders []model.Order, lookup prices.Lookup, initialCash decimal.Decimal) ([]model.EquityPoint, error) {
	if start.IsZero() || end.IsZero() {
		return nil, &model.ValidationError{Field: "range", Message: "start and end are required"}
	}
	if r.Day(end).Before(r.Day(start)) {
		return nil, &model.ValidationError{Field: "range", Message: "end precedes start"}
	}
	began := time.Now()
	defer func() { metrics.ReplayDuration.Observe(time.Since(began).Seconds()) }()

	history := orders
	if !sort.SliceIsSorted(history, func(i, j int) bool { return history[i].Timestamp.Before(history[j].Timestamp) }) {
		history = append([]model.Order(nil), orders...)
		sort.SliceStable(history, func(i, j int) bool { return history[i].Timestamp.Before(history[j].Timestamp) })
	}

	state := NewState(initialCash)
	lastClose := make(map[string]decimal.Decimal)
	cursor := 0
	days := r.Days(start, end)
	series := make([]model.EquityPoint, 0, len(days))

	for _, day := range days {
		for cursor < len(history) && !r.Day(history[cursor].Timestamp).After(day) {
			state.Apply(history[cursor])
			cursor++
		}

		equity := state.Cash
		for _, p := range state.Positions() {
			if p.Quantity.IsZero() {
				continue
			}
			px, ok, err := lookup.DailyClose(ctx, p.Ticker, day)
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return nil, err
				}
				r.logger.Warn("close lookup failed, treating as gap",
					"ticker", p.Ticker,
					"date", day.Format(time.DateOnly),
					"error", err,
				)
				ok = false
			}
			if ok {
				lastClose[p.Ticker] = px
			} else {
				metrics.ReplayDataGaps.Inc()
				r.logger.Debug("no close for day",
					"ticker", p.Ticker,
					"date", day.Format(time.DateOnly),
				)
			}
			if c, seen := lastClose[p.Ticker]; seen {
				equity = equity.Add(p.Quantity.Mul(c))
			}
		}
		series = append(series, model.EquityPoint{Date: day, Equity: equity.Round(2)})
	}
	return series, nil
}
