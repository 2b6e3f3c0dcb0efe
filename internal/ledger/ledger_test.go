package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/papertrade/sim-engine/internal/model"
	"github.com/papertrade/sim-engine/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func TestEnsureInitialized_Idempotent(t *testing.T) {
	ctx := context.Background()
	l := New(store.NewMemoryStore())

	if _, err := l.Cash(ctx); !errors.Is(err, store.ErrNotInitialized) {
		t.Fatalf("expected ErrNotInitialized before bootstrap, got %v", err)
	}

	created, err := l.EnsureInitialized(ctx, d(100000))
	if err != nil || !created {
		t.Fatalf("first bootstrap: created=%v err=%v", created, err)
	}

	l.SetCash(ctx, d(42))
	created, err = l.EnsureInitialized(ctx, d(100000))
	if err != nil || created {
		t.Fatalf("second bootstrap should be a no-op: created=%v err=%v", created, err)
	}

	cash, _ := l.Cash(ctx)
	if !cash.Equal(d(42)) {
		t.Errorf("cash should stay 42, got %s", cash)
	}
}

func TestEnsureInitialized_ConcurrentBootstrapsCreateOnce(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		created int
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			// Separate handles, as the server and CLI would hold.
			ok, err := New(st).EnsureInitialized(ctx, d(float64(100000+i)))
			if err != nil {
				t.Errorf("bootstrap: %v", err)
				return
			}
			if ok {
				mu.Lock()
				created++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	if created != 1 {
		t.Errorf("expected exactly one bootstrap, got %d", created)
	}
}

func TestPosition_ZeroWhenAbsent(t *testing.T) {
	l := New(store.NewMemoryStore())

	p, err := l.Position(context.Background(), "AAPL")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Ticker != "AAPL" || !p.Quantity.IsZero() || !p.AvgCost.IsZero() {
		t.Errorf("expected zero AAPL position, got %+v", p)
	}
}

func TestUpsertPosition_Invariants(t *testing.T) {
	l := New(store.NewMemoryStore())
	ctx := context.Background()

	tests := []struct {
		name string
		p    model.Position
		ok   bool
	}{
		{"open", model.Position{Ticker: "AAPL", Quantity: d(10), AvgCost: d(100)}, true},
		{"flat", model.Position{Ticker: "AAPL", Quantity: decimal.Zero, AvgCost: decimal.Zero}, true},
		{"negative qty", model.Position{Ticker: "AAPL", Quantity: d(-1), AvgCost: d(1)}, false},
		{"negative cost", model.Position{Ticker: "AAPL", Quantity: d(1), AvgCost: d(-1)}, false},
		{"flat with cost", model.Position{Ticker: "AAPL", Quantity: decimal.Zero, AvgCost: d(5)}, false},
		{"no ticker", model.Position{Quantity: d(1), AvgCost: d(1)}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := l.UpsertPosition(ctx, tt.p)
			if tt.ok && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			if !tt.ok && !errors.Is(err, ErrInvalidPosition) {
				t.Errorf("expected ErrInvalidPosition, got %v", err)
			}
		})
	}
}

func TestSnapshot(t *testing.T) {
	ctx := context.Background()
	l := New(store.NewMemoryStore())
	l.EnsureInitialized(ctx, d(1000))
	l.UpsertPosition(ctx, model.Position{Ticker: "AAPL", Quantity: d(2), AvgCost: d(100)})
	l.UpsertPosition(ctx, model.Position{Ticker: "MSFT", Quantity: decimal.Zero, AvgCost: decimal.Zero})

	snap, err := l.Snapshot(ctx)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if len(snap.Positions) != 2 {
		t.Errorf("expected 2 positions (flat ones kept), got %d", len(snap.Positions))
	}
	if !snap.CostBasis.Equal(d(200)) {
		t.Errorf("expected cost basis 200, got %s", snap.CostBasis)
	}
	if !snap.EquityAtCost.Equal(d(1200)) {
		t.Errorf("expected equity at cost 1200, got %s", snap.EquityAtCost)
	}
	if snap.OpenPositions != 1 {
		t.Errorf("expected 1 open position, got %d", snap.OpenPositions)
	}
}
