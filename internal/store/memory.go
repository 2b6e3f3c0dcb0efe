package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/btree"
	"github.com/shopspring/decimal"

	"github.com/papertrade/sim-engine/internal/model"
)

// orderItem is an entry in the order history tree, ordered by timestamp
// then by insertion sequence.
type orderItem struct {
	ts    time.Time
	seq   uint64
	order model.Order
}

func orderLess(a, b orderItem) bool {
	if !a.ts.Equal(b.ts) {
		return a.ts.Before(b.ts)
	}
	return a.seq < b.seq
}

// MemoryStore implements Store with in-memory maps and a B-tree of orders.
// Used for testing and development. Not suitable for production (no
// persistence).
type MemoryStore struct {
	mu        sync.RWMutex
	cash      *decimal.Decimal
	positions map[string]model.Position
	orders    *btree.BTreeG[orderItem]
	orderIDs  map[string]struct{}
	seq       uint64
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		positions: make(map[string]model.Position),
		orders:    btree.NewG[orderItem](32, orderLess),
		orderIDs:  make(map[string]struct{}),
	}
}

func (s *MemoryStore) GetCash(_ context.Context) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.cash == nil {
		return decimal.Zero, ErrNotInitialized
	}
	return *s.cash, nil
}

func (s *MemoryStore) SetCash(_ context.Context, amount decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cash = &amount
	return nil
}

func (s *MemoryStore) InitCash(_ context.Context, amount decimal.Decimal) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cash != nil {
		return false, nil
	}
	s.cash = &amount
	return true, nil
}

func (s *MemoryStore) GetPosition(_ context.Context, ticker string) (model.Position, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.positions[ticker]
	return p, ok, nil
}

func (s *MemoryStore) UpsertPosition(_ context.Context, p model.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.positions[p.Ticker] = p
	return nil
}

func (s *MemoryStore) ListPositions(_ context.Context) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return sortedPositions(s.positions), nil
}

func (s *MemoryStore) InsertOrder(_ context.Context, o *model.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.insertOrderLocked(*o)
}

func (s *MemoryStore) ListOrders(_ context.Context, from, to time.Time) ([]model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Order
	visit := func(it orderItem) bool {
		if !to.IsZero() && it.ts.After(to) {
			return false
		}
		result = append(result, it.order)
		return true
	}
	if from.IsZero() {
		s.orders.Ascend(visit)
	} else {
		s.orders.AscendGreaterOrEqual(orderItem{ts: from}, visit)
	}
	return result, nil
}

// InTx buffers every write made by fn and applies them under the store
// lock only if fn succeeds.
func (s *MemoryStore) InTx(ctx context.Context, fn func(Ledger) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memoryTx{
		store:     s,
		positions: make(map[string]model.Position),
	}
	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	// Validate before mutating so a duplicate cannot leave a partial commit.
	pending := make(map[string]struct{}, len(tx.orders))
	for _, o := range tx.orders {
		_, committed := s.orderIDs[o.ID]
		_, repeated := pending[o.ID]
		if committed || repeated {
			return fmt.Errorf("%w: %s", ErrDuplicateOrder, o.ID)
		}
		pending[o.ID] = struct{}{}
	}
	if tx.cash != nil {
		c := *tx.cash
		s.cash = &c
	}
	for t, p := range tx.positions {
		s.positions[t] = p
	}
	for _, o := range tx.orders {
		if err := s.insertOrderLocked(o); err != nil {
			return err
		}
	}
	return nil
}

func (s *MemoryStore) insertOrderLocked(o model.Order) error {
	if _, dup := s.orderIDs[o.ID]; dup {
		return fmt.Errorf("%w: %s", ErrDuplicateOrder, o.ID)
	}
	s.seq++
	s.orders.ReplaceOrInsert(orderItem{ts: o.Timestamp, seq: s.seq, order: o})
	s.orderIDs[o.ID] = struct{}{}
	return nil
}

// memoryTx is the Ledger handed to InTx callbacks. Reads see the buffered
// writes layered over the committed state; the store lock is already held.
type memoryTx struct {
	store     *MemoryStore
	cash      *decimal.Decimal
	positions map[string]model.Position
	orders    []model.Order
}

func (tx *memoryTx) GetCash(_ context.Context) (decimal.Decimal, error) {
	if tx.cash != nil {
		return *tx.cash, nil
	}
	if tx.store.cash == nil {
		return decimal.Zero, ErrNotInitialized
	}
	return *tx.store.cash, nil
}

func (tx *memoryTx) SetCash(_ context.Context, amount decimal.Decimal) error {
	tx.cash = &amount
	return nil
}

func (tx *memoryTx) InitCash(_ context.Context, amount decimal.Decimal) (bool, error) {
	if tx.cash != nil || tx.store.cash != nil {
		return false, nil
	}
	tx.cash = &amount
	return true, nil
}

func (tx *memoryTx) GetPosition(_ context.Context, ticker string) (model.Position, bool, error) {
	if p, ok := tx.positions[ticker]; ok {
		return p, true, nil
	}
	p, ok := tx.store.positions[ticker]
	return p, ok, nil
}

func (tx *memoryTx) UpsertPosition(_ context.Context, p model.Position) error {
	tx.positions[p.Ticker] = p
	return nil
}

func (tx *memoryTx) ListPositions(_ context.Context) ([]model.Position, error) {
	merged := make(map[string]model.Position, len(tx.store.positions)+len(tx.positions))
	for t, p := range tx.store.positions {
		merged[t] = p
	}
	for t, p := range tx.positions {
		merged[t] = p
	}
	return sortedPositions(merged), nil
}

func (tx *memoryTx) InsertOrder(_ context.Context, o *model.Order) error {
	tx.orders = append(tx.orders, *o)
	return nil
}

func sortedPositions(m map[string]model.Position) []model.Position {
	positions := make([]model.Position, 0, len(m))
	for _, p := range m {
		positions = append(positions, p)
	}
	sort.Slice(positions, func(i, j int) bool {
		return positions[i].Ticker < positions[j].Ticker
	})
	return positions
}
