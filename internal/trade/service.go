// Package trade orchestrates the engines: intents pass the admission gate,
// accepted ones are executed against the ledger, and committed history is
// replayed for equity reporting.
//
// All monetary values use shopspring/decimal, never float64 for money.
package trade

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/papertrade/sim-engine/internal/backtest"
	"github.com/papertrade/sim-engine/internal/config"
	"github.com/papertrade/sim-engine/internal/events"
	"github.com/papertrade/sim-engine/internal/execution"
	"github.com/papertrade/sim-engine/internal/ledger"
	"github.com/papertrade/sim-engine/internal/metrics"
	"github.com/papertrade/sim-engine/internal/model"
	"github.com/papertrade/sim-engine/internal/prices"
	"github.com/papertrade/sim-engine/internal/rules"
	"github.com/papertrade/sim-engine/internal/ticker"
)

// Service serializes every ledger mutation behind one mutex
// (single-instance). The admission snapshot is taken under the same lock
// as the apply that follows it, so the check-then-act window is closed
// within one process. Other writers to the same store are not covered.
type Service struct {
	ledger   *ledger.Ledger
	engine   *execution.Engine
	gate     *rules.Gate
	replayer *backtest.Replayer
	lookup   prices.Lookup
	settings config.Settings
	hub      events.Publisher // optional
	now      func() time.Time
	mu       sync.Mutex
}

// NewService wires the engines over l. Pass nil for hub if event
// broadcasting is not needed.
func NewService(l *ledger.Ledger, settings config.Settings, lookup prices.Lookup, hub events.Publisher) *Service {
	return &Service{
		ledger:   l,
		engine:   execution.NewEngine(l),
		gate:     rules.NewGate(settings.RuleLimits()),
		replayer: backtest.NewReplayer(settings.Location()),
		lookup:   lookup,
		settings: settings,
		hub:      hub,
		now:      time.Now,
	}
}

// Settings returns the configuration the service runs with.
func (s *Service) Settings() config.Settings {
	return s.settings
}

// Ledger returns the underlying ledger handle.
func (s *Service) Ledger() *ledger.Ledger {
	return s.ledger
}

// IntentResult is the outcome of one intent in a batch.
type IntentResult struct {
	Ticker   string          `json:"ticker"`
	Side     model.Side      `json:"side"`
	Accepted bool            `json:"accepted"`
	Reasons  []rules.Reason  `json:"reasons,omitempty"`
	OrderID  string          `json:"order_id,omitempty"`
	Quantity decimal.Decimal `json:"quantity"` // executed; zero when rejected
}

// BatchResult is returned by Submit.
type BatchResult struct {
	Results []IntentResult  `json:"results"`
	Cash    decimal.Decimal `json:"cash"`
}

// normalizeIntent validates in and canonicalises its ticker.
func normalizeIntent(in model.TradeIntent) (model.TradeIntent, error) {
	t, err := ticker.Normalize(in.Ticker)
	if err != nil {
		return in, &model.ValidationError{Field: "ticker", Message: err.Error()}
	}
	in.Ticker = t
	if err := in.Validate(); err != nil {
		return in, err
	}
	if !in.ReferencePrice.IsPositive() {
		return in, &model.ValidationError{Field: "ref_price", Message: "reference price must be positive"}
	}
	if in.Reason == "" {
		in.Reason = "llm"
	}
	return in, nil
}

// dayActivity derives the admission inputs that live in order history:
// orders executed on now's trading day, and the latest SELL per ticker
// that could still hold a cooldown open.
func (s *Service) dayActivity(ctx context.Context, now time.Time) (int, map[string]time.Time, error) {
	loc := s.settings.Location()
	y, m, d := now.In(loc).Date()
	dayStart := time.Date(y, m, d, 0, 0, 0, 0, loc)
	dayEnd := dayStart.AddDate(0, 0, 1)

	from := dayStart
	if c := now.Add(-s.gate.Limits.CooldownAfterExit); c.Before(from) {
		from = c
	}
	orders, err := s.ledger.Store().ListOrders(ctx, from, time.Time{})
	if err != nil {
		return 0, nil, fmt.Errorf("load recent orders: %w", err)
	}

	count := 0
	exits := make(map[string]time.Time)
	for _, o := range orders {
		if !o.Timestamp.Before(dayStart) && o.Timestamp.Before(dayEnd) {
			count++
		}
		if o.Side == model.SideSell {
			if prev, ok := exits[o.Ticker]; !ok || o.Timestamp.After(prev) {
				exits[o.Ticker] = o.Timestamp
			}
		}
	}
	return count, exits, nil
}

// Submit evaluates and executes intents in order at time now. Every intent
// is validated before any is applied. The daily order count and the exit
// map advance within the batch. A persistence failure stops the batch and
// is returned together with the results committed so far.
func (s *Service) Submit(ctx context.Context, now time.Time, intents []model.TradeIntent) (*BatchResult, error) {
	normalized := make([]model.TradeIntent, len(intents))
	for i, in := range intents {
		n, err := normalizeIntent(in)
		if err != nil {
			return nil, fmt.Errorf("intent %d: %w", i, err)
		}
		normalized[i] = n
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.ledger.EnsureInitialized(ctx, s.settings.InitialCash()); err != nil {
		return nil, err
	}
	cash, err := s.ledger.Cash(ctx)
	if err != nil {
		return nil, err
	}
	positions, err := s.ledger.Positions(ctx)
	if err != nil {
		return nil, err
	}
	dayCount, exits, err := s.dayActivity(ctx, now)
	if err != nil {
		return nil, err
	}
	snap := rules.Snapshot{
		Cash:             cash,
		DayOrdersCount:   dayCount,
		LastExitByTicker: exits,
		Held:             rules.HeldFrom(positions),
	}

	res := &BatchResult{Results: make([]IntentResult, 0, len(normalized)), Cash: cash}
	for _, in := range normalized {
		dec := s.gate.Evaluate(now, in, snap)
		if !dec.Accepted {
			s.recordRejection(now, in, dec)
			res.Results = append(res.Results, IntentResult{
				Ticker:   in.Ticker,
				Side:     in.Side,
				Reasons:  dec.Reasons,
				Quantity: decimal.Zero,
			})
			continue
		}
		metrics.RuleDecisions.WithLabelValues("accepted").Inc()

		order, err := s.engine.Apply(ctx, s.request(now, in, dec.AdjustedQuantity))
		if err != nil {
			return res, err
		}
		s.publish(events.TradeEvent(order))

		snap.DayOrdersCount++
		if in.Side == model.SideSell {
			snap.LastExitByTicker[in.Ticker] = now
		}
		if snap.Cash, err = s.ledger.Cash(ctx); err != nil {
			return res, err
		}
		pos, err := s.ledger.Position(ctx, in.Ticker)
		if err != nil {
			return res, err
		}
		snap.Held[in.Ticker] = pos.Quantity
		res.Cash = snap.Cash

		res.Results = append(res.Results, IntentResult{
			Ticker:   in.Ticker,
			Side:     in.Side,
			Accepted: true,
			OrderID:  order.ID,
			Quantity: order.Quantity,
		})
	}
	return res, nil
}

// MarketOrder executes in immediately without admission checks.
func (s *Service) MarketOrder(ctx context.Context, now time.Time, in model.TradeIntent) (*model.Order, error) {
	if in.Reason == "" {
		in.Reason = "manual"
	}
	in, err := normalizeIntent(in)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.ledger.EnsureInitialized(ctx, s.settings.InitialCash()); err != nil {
		return nil, err
	}
	order, err := s.engine.Apply(ctx, s.request(now, in, in.Quantity))
	if err != nil {
		return nil, err
	}
	s.publish(events.TradeEvent(order))
	return order, nil
}

// Portfolio returns the current snapshot, bootstrapping cash on first use.
func (s *Service) Portfolio(ctx context.Context) (model.Portfolio, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.ledger.EnsureInitialized(ctx, s.settings.InitialCash()); err != nil {
		return model.Portfolio{}, err
	}
	return s.ledger.Snapshot(ctx)
}

// EquityRange replays committed history through end against daily closes.
// Store reads only ever see whole units of work, so no lock is taken.
func (s *Service) EquityRange(ctx context.Context, start, end time.Time) ([]model.EquityPoint, error) {
	through := s.replayer.Day(end).AddDate(0, 0, 1).Add(-time.Nanosecond)
	orders, err := s.ledger.Store().ListOrders(ctx, time.Time{}, through)
	if err != nil {
		return nil, fmt.Errorf("load order history: %w", err)
	}
	return s.replayer.EquitySeries(ctx, start, end, orders, s.lookup, s.settings.InitialCash())
}

// Reconciliation compares the live ledger with a replay of its history.
type Reconciliation struct {
	Orders      int              `json:"orders"`
	LiveCash    decimal.Decimal  `json:"live_cash"`
	RebuiltCash decimal.Decimal  `json:"rebuilt_cash"`
	Positions   []model.Position `json:"positions"`
	Mismatches  []string         `json:"mismatches"`
}

// OK reports whether the replay matched.
func (r Reconciliation) OK() bool {
	return len(r.Mismatches) == 0
}

// Reconcile rebuilds cash and positions from the full order history and
// reports every difference from the live ledger.
func (s *Service) Reconcile(ctx context.Context) (Reconciliation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	orders, err := s.ledger.Store().ListOrders(ctx, time.Time{}, time.Time{})
	if err != nil {
		return Reconciliation{}, fmt.Errorf("load order history: %w", err)
	}
	cash, err := s.ledger.Cash(ctx)
	if err != nil {
		return Reconciliation{}, err
	}
	live, err := s.ledger.Positions(ctx)
	if err != nil {
		return Reconciliation{}, err
	}

	rebuilt := backtest.Rebuild(orders, s.settings.InitialCash())
	rec := Reconciliation{
		Orders:      len(orders),
		LiveCash:    cash,
		RebuiltCash: rebuilt.Cash,
		Positions:   live,
		Mismatches:  []string{},
	}
	if !cash.Equal(rebuilt.Cash) {
		rec.Mismatches = append(rec.Mismatches, fmt.Sprintf("cash: live %s, rebuilt %s", cash, rebuilt.Cash))
	}
	seen := make(map[string]bool, len(live))
	for _, p := range live {
		seen[p.Ticker] = true
		r := rebuilt.Position(p.Ticker)
		if !p.Quantity.Equal(r.Quantity) || !p.AvgCost.Equal(r.AvgCost) {
			rec.Mismatches = append(rec.Mismatches, fmt.Sprintf("%s: live %s@%s, rebuilt %s@%s",
				p.Ticker, p.Quantity, p.AvgCost, r.Quantity, r.AvgCost))
		}
	}
	for _, r := range rebuilt.Positions() {
		if !seen[r.Ticker] {
			rec.Mismatches = append(rec.Mismatches, fmt.Sprintf("%s: missing from live ledger", r.Ticker))
		}
	}
	return rec, nil
}

func (s *Service) request(now time.Time, in model.TradeIntent, qty decimal.Decimal) execution.Request {
	return execution.Request{
		Timestamp:      now,
		Ticker:         in.Ticker,
		Side:           in.Side,
		Quantity:       qty,
		ReferencePrice: in.ReferencePrice,
		SlippageBps:    s.settings.SlippageBps(),
		CommissionUSD:  s.settings.CommissionUSD(),
		Reason:         in.Reason,
	}
}

func (s *Service) recordRejection(now time.Time, in model.TradeIntent, dec rules.Decision) {
	metrics.RuleDecisions.WithLabelValues("rejected").Inc()
	reasons := make([]string, len(dec.Reasons))
	for i, r := range dec.Reasons {
		metrics.RuleRejections.WithLabelValues(string(r)).Inc()
		reasons[i] = string(r)
	}
	slog.Info("intent rejected",
		"ticker", in.Ticker,
		"side", in.Side,
		"qty", in.Quantity.String(),
		"reasons", reasons,
	)
	s.publish(events.DecisionEvent(now, in, dec))
}

func (s *Service) publish(ev events.Event) {
	if s.hub != nil {
		s.hub.Publish(ev)
	}
}
