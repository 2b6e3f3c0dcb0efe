package rules

import (
	"reflect"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"pgregory.net/rapid"

	"github.com/papertrade/sim-engine/internal/model"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

var now = time.Date(2025, 1, 2, 15, 30, 0, 0, time.UTC)

func buy(ticker string, qty, price float64) model.TradeIntent {
	return model.TradeIntent{Ticker: ticker, Side: model.SideBuy, Quantity: d(qty), ReferencePrice: d(price)}
}

func sell(ticker string, qty, price float64) model.TradeIntent {
	return model.TradeIntent{Ticker: ticker, Side: model.SideSell, Quantity: d(qty), ReferencePrice: d(price)}
}

func cashOnly(cash float64) Snapshot {
	return Snapshot{Cash: d(cash)}
}

func TestEvaluate_Accepts(t *testing.T) {
	dec := Evaluate(now, buy("AAPL", 10, 150), cashOnly(100000), DefaultLimits())

	if !dec.Accepted {
		t.Fatalf("expected accept, got reasons %v", dec.Reasons)
	}
	if !dec.AdjustedQuantity.Equal(d(10)) {
		t.Errorf("expected adjusted qty 10, got %s", dec.AdjustedQuantity)
	}
	if dec.Reasons == nil || len(dec.Reasons) != 0 {
		t.Errorf("expected empty non-nil reasons, got %#v", dec.Reasons)
	}
}

// Scenario C.
func TestEvaluate_MinOrderBreach(t *testing.T) {
	dec := Evaluate(now, buy("AAPL", 5, 100), cashOnly(100000), DefaultLimits())

	if dec.Accepted {
		t.Fatal("expected reject")
	}
	if !reflect.DeepEqual(dec.Reasons, []Reason{ReasonMinOrder}) {
		t.Errorf("expected [min_order_breach], got %v", dec.Reasons)
	}
	if !dec.AdjustedQuantity.IsZero() {
		t.Errorf("expected adjusted qty 0, got %s", dec.AdjustedQuantity)
	}
}

// Scenario D: the daily cap short-circuits before anything else, even when
// every other check would also fail.
func TestEvaluate_MaxOrdersPerDayShortCircuits(t *testing.T) {
	snap := Snapshot{
		Cash:             d(0),
		DayOrdersCount:   10,
		LastExitByTicker: map[string]time.Time{"AAPL": now},
	}
	dec := Evaluate(now, buy("AAPL", 1, 1), snap, DefaultLimits())

	if !reflect.DeepEqual(dec.Reasons, []Reason{ReasonMaxOrdersPerDay}) {
		t.Errorf("expected only max_orders_per_day_exceeded, got %v", dec.Reasons)
	}
	if dec.Accepted || !dec.AdjustedQuantity.IsZero() {
		t.Errorf("expected reject with zero qty, got %+v", dec)
	}
}

func TestEvaluate_MinOrderSkippedForSell(t *testing.T) {
	snap := Snapshot{Cash: d(10), Held: map[string]decimal.Decimal{"AAPL": d(1)}}
	dec := Evaluate(now, sell("AAPL", 1, 5), snap, DefaultLimits())

	if !dec.Accepted {
		t.Errorf("small SELL should pass, got %v", dec.Reasons)
	}
}

func TestEvaluate_Cooldown(t *testing.T) {
	limits := DefaultLimits()

	tests := []struct {
		name   string
		exitAt time.Time
		active bool
	}{
		{"just exited", now.Add(-5 * time.Minute), true},
		{"one second short", now.Add(-60*time.Minute + time.Second), true},
		{"exactly at limit", now.Add(-60 * time.Minute), false},
		{"long ago", now.Add(-3 * time.Hour), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			snap := Snapshot{
				Cash:             d(100000),
				LastExitByTicker: map[string]time.Time{"AAPL": tt.exitAt},
			}
			dec := Evaluate(now, buy("AAPL", 10, 150), snap, limits)
			if dec.has(ReasonCooldown) != tt.active {
				t.Errorf("cooldown active=%v, want %v (reasons %v)", dec.has(ReasonCooldown), tt.active, dec.Reasons)
			}
		})
	}
}

func TestEvaluate_CooldownOtherTickerIgnored(t *testing.T) {
	snap := Snapshot{
		Cash:             d(100000),
		LastExitByTicker: map[string]time.Time{"MSFT": now},
	}
	dec := Evaluate(now, buy("AAPL", 10, 150), snap, DefaultLimits())
	if !dec.Accepted {
		t.Errorf("cooldown on MSFT must not affect AAPL, got %v", dec.Reasons)
	}
}

func TestEvaluate_MinCashBuffer(t *testing.T) {
	limits := DefaultLimits()

	// cash 10000, notional 9500, commission 10 → 490 remaining < 500.
	dec := Evaluate(now, buy("AAPL", 95, 100), cashOnly(10000), limits)
	if !reflect.DeepEqual(dec.Reasons, []Reason{ReasonMinCashBuffer}) {
		t.Errorf("expected [min_cash_buffer_breach], got %v", dec.Reasons)
	}

	// notional 9490 → 500 remaining, exactly the buffer.
	dec = Evaluate(now, buy("AAPL", 94.9, 100), cashOnly(10000), limits)
	if !dec.Accepted {
		t.Errorf("remaining equal to buffer should pass, got %v", dec.Reasons)
	}
}

func TestEvaluate_MaxPositions(t *testing.T) {
	limits := DefaultLimits()
	limits.MaxPositions = 2

	snap := Snapshot{
		Cash: d(100000),
		Held: map[string]decimal.Decimal{
			"MSFT": d(5),
			"NVDA": d(3),
			"QQQ":  decimal.Zero, // flat names don't count
		},
	}

	dec := Evaluate(now, buy("AAPL", 10, 150), snap, limits)
	if !reflect.DeepEqual(dec.Reasons, []Reason{ReasonMaxPositions}) {
		t.Errorf("new name at cap: expected [max_positions_reached], got %v", dec.Reasons)
	}

	dec = Evaluate(now, buy("MSFT", 10, 150), snap, limits)
	if !dec.Accepted {
		t.Errorf("adding to a held name is not opening: got %v", dec.Reasons)
	}

	dec = Evaluate(now, buy("QQQ", 10, 150), snap, limits)
	if !dec.has(ReasonMaxPositions) {
		t.Errorf("re-opening a flat name counts as new: got %v", dec.Reasons)
	}
}

func TestEvaluate_SoftReasonsAccumulateInOrder(t *testing.T) {
	limits := DefaultLimits()
	limits.MaxPositions = 0

	snap := Snapshot{
		Cash:             d(2000),
		LastExitByTicker: map[string]time.Time{"AAPL": now.Add(-time.Minute)},
	}
	dec := Evaluate(now, buy("AAPL", 19, 100), snap, limits)

	want := []Reason{ReasonCooldown, ReasonMinCashBuffer, ReasonMaxPositions}
	if !reflect.DeepEqual(dec.Reasons, want) {
		t.Errorf("expected %v, got %v", want, dec.Reasons)
	}
	if dec.Accepted || !dec.AdjustedQuantity.IsZero() {
		t.Errorf("expected reject with zero qty, got %+v", dec)
	}
}

func TestEvaluate_NeverResizes(t *testing.T) {
	dec := Evaluate(now, buy("AAPL", 12.5, 100), cashOnly(100000), DefaultLimits())
	if !dec.AdjustedQuantity.Equal(d(12.5)) {
		t.Errorf("expected requested qty passed through, got %s", dec.AdjustedQuantity)
	}
}

func TestGate_UsesLimits(t *testing.T) {
	limits := DefaultLimits()
	limits.MinOrderUSD = d(10)
	g := NewGate(limits)

	dec := g.Evaluate(now, buy("AAPL", 1, 50), cashOnly(100000))
	if !dec.Accepted {
		t.Errorf("expected accept under lowered min order, got %v", dec.Reasons)
	}
}

func TestLimits_Validate(t *testing.T) {
	if err := DefaultLimits().Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
	bad := DefaultLimits()
	bad.MinCashPct = d(1.5)
	if err := bad.Validate(); err == nil {
		t.Error("expected error for min_cash_pct > 1")
	}
	bad = DefaultLimits()
	bad.MaxOrdersPerDay = -1
	if err := bad.Validate(); err == nil {
		t.Error("expected error for negative max orders")
	}
}

func TestHeldFrom(t *testing.T) {
	held := HeldFrom([]model.Position{
		{Ticker: "AAPL", Quantity: d(3)},
		{Ticker: "MSFT", Quantity: decimal.Zero},
	})
	if !held["AAPL"].Equal(d(3)) || !held["MSFT"].IsZero() || len(held) != 2 {
		t.Errorf("unexpected held map %v", held)
	}
}

// Property: evaluation is deterministic, reasons follow the canonical
// order, and accepted decisions carry the requested quantity.
func TestProperty_EvaluateDeterministic(t *testing.T) {
	rank := make(map[Reason]int, len(Reasons))
	for i, r := range Reasons {
		rank[r] = i
	}

	rapid.Check(t, func(t *rapid.T) {
		limits := Limits{
			MaxOrdersPerDay:   rapid.IntRange(0, 5).Draw(t, "maxOrders"),
			CooldownAfterExit: time.Duration(rapid.IntRange(0, 120).Draw(t, "cooldown")) * time.Minute,
			MinOrderUSD:       decimal.NewFromInt(int64(rapid.IntRange(0, 2000).Draw(t, "minOrder"))),
			MinCashPct:        decimal.NewFromInt(int64(rapid.IntRange(0, 100).Draw(t, "minCash"))).Div(decimal.NewFromInt(100)),
			MaxPositions:      rapid.IntRange(0, 3).Draw(t, "maxPos"),
			CommissionUSD:     decimal.NewFromInt(int64(rapid.IntRange(0, 20).Draw(t, "comm"))),
		}
		tickers := []string{"AAPL", "MSFT", "NVDA", "QQQ"}
		held := map[string]decimal.Decimal{}
		exits := map[string]time.Time{}
		for _, tk := range tickers {
			held[tk] = decimal.NewFromInt(int64(rapid.IntRange(0, 3).Draw(t, "held-"+tk)))
			if rapid.Bool().Draw(t, "exited-"+tk) {
				exits[tk] = now.Add(-time.Duration(rapid.IntRange(0, 180).Draw(t, "exitAgo-"+tk)) * time.Minute)
			}
		}
		snap := Snapshot{
			Cash:             decimal.NewFromInt(int64(rapid.IntRange(0, 50000).Draw(t, "cash"))),
			DayOrdersCount:   rapid.IntRange(0, 6).Draw(t, "dayOrders"),
			LastExitByTicker: exits,
			Held:             held,
		}
		side := model.SideBuy
		if rapid.Bool().Draw(t, "sell") {
			side = model.SideSell
		}
		in := model.TradeIntent{
			Ticker:         rapid.SampledFrom(tickers).Draw(t, "ticker"),
			Side:           side,
			Quantity:       decimal.NewFromInt(int64(rapid.IntRange(1, 100).Draw(t, "qty"))),
			ReferencePrice: decimal.NewFromInt(int64(rapid.IntRange(1, 500).Draw(t, "px"))),
		}

		a := Evaluate(now, in, snap, limits)
		b := Evaluate(now, in, snap, limits)
		if !reflect.DeepEqual(a, b) {
			t.Fatalf("non-deterministic: %+v vs %+v", a, b)
		}
		if a.Accepted != (len(a.Reasons) == 0) {
			t.Fatalf("accepted=%v inconsistent with reasons %v", a.Accepted, a.Reasons)
		}
		if a.Accepted && !a.AdjustedQuantity.Equal(in.Quantity) {
			t.Fatalf("accepted qty %s != requested %s", a.AdjustedQuantity, in.Quantity)
		}
		if !a.Accepted && !a.AdjustedQuantity.IsZero() {
			t.Fatalf("rejected qty must be zero, got %s", a.AdjustedQuantity)
		}
		for i := 1; i < len(a.Reasons); i++ {
			if rank[a.Reasons[i-1]] >= rank[a.Reasons[i]] {
				t.Fatalf("reasons out of order: %v", a.Reasons)
			}
		}
	})
}
