package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/papertrade/sim-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for cash and positions. Writes go to the primary store and
// invalidate the cache once they have committed; reads check Redis first
// then fall back to the primary. The order log is never cached.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) SetCash(ctx context.Context, amount decimal.Decimal) error {
	if err := s.primary.SetCash(ctx, amount); err != nil {
		return err
	}
	s.rdb.Del(ctx, cashCacheKey)
	return nil
}

func (s *CachedStore) InitCash(ctx context.Context, amount decimal.Decimal) (bool, error) {
	created, err := s.primary.InitCash(ctx, amount)
	if err != nil {
		return false, err
	}
	if created {
		s.rdb.Del(ctx, cashCacheKey)
	}
	return created, nil
}

func (s *CachedStore) UpsertPosition(ctx context.Context, p model.Position) error {
	if err := s.primary.UpsertPosition(ctx, p); err != nil {
		return err
	}
	s.rdb.Del(ctx, positionKey(p.Ticker), positionsCacheKey)
	return nil
}

func (s *CachedStore) InsertOrder(ctx context.Context, o *model.Order) error {
	return s.primary.InsertOrder(ctx, o)
}

// InTx delegates to the primary and invalidates every key the unit of work
// touched after it commits. Reads inside fn bypass the cache.
func (s *CachedStore) InTx(ctx context.Context, fn func(Ledger) error) error {
	rec := &touchRecorder{}
	err := s.primary.InTx(ctx, func(l Ledger) error {
		rec.Ledger = l
		return fn(rec)
	})
	if err != nil {
		return err
	}

	keys := []string{positionsCacheKey}
	if rec.cash {
		keys = append(keys, cashCacheKey)
	}
	for _, t := range rec.tickers {
		keys = append(keys, positionKey(t))
	}
	s.rdb.Del(ctx, keys...)
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetCash(ctx context.Context) (decimal.Decimal, error) {
	if raw, err := s.rdb.Get(ctx, cashCacheKey).Result(); err == nil {
		if cash, err := decimal.NewFromString(raw); err == nil {
			return cash, nil
		}
	}

	cash, err := s.primary.GetCash(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	s.rdb.Set(ctx, cashCacheKey, cash.String(), s.ttl)
	return cash, nil
}

func (s *CachedStore) GetPosition(ctx context.Context, ticker string) (model.Position, bool, error) {
	data, err := s.rdb.Get(ctx, positionKey(ticker)).Bytes()
	if err == nil {
		var p model.Position
		if json.Unmarshal(data, &p) == nil {
			return p, true, nil
		}
	}

	p, found, err := s.primary.GetPosition(ctx, ticker)
	if err != nil || !found {
		return p, found, err
	}
	if data, err := json.Marshal(p); err == nil {
		s.rdb.Set(ctx, positionKey(ticker), data, s.ttl)
	}
	return p, true, nil
}

func (s *CachedStore) ListPositions(ctx context.Context) ([]model.Position, error) {
	data, err := s.rdb.Get(ctx, positionsCacheKey).Bytes()
	if err == nil {
		var positions []model.Position
		if json.Unmarshal(data, &positions) == nil {
			return positions, nil
		}
	}

	positions, err := s.primary.ListPositions(ctx)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(positions); err == nil {
		s.rdb.Set(ctx, positionsCacheKey, data, s.ttl)
	}
	return positions, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListOrders(ctx context.Context, from, to time.Time) ([]model.Order, error) {
	return s.primary.ListOrders(ctx, from, to)
}

// touchRecorder notes which cache keys a unit of work dirtied.
type touchRecorder struct {
	Ledger
	cash    bool
	tickers []string
}

func (r *touchRecorder) SetCash(ctx context.Context, amount decimal.Decimal) error {
	r.cash = true
	return r.Ledger.SetCash(ctx, amount)
}

func (r *touchRecorder) InitCash(ctx context.Context, amount decimal.Decimal) (bool, error) {
	r.cash = true
	return r.Ledger.InitCash(ctx, amount)
}

func (r *touchRecorder) UpsertPosition(ctx context.Context, p model.Position) error {
	r.tickers = append(r.tickers, p.Ticker)
	return r.Ledger.UpsertPosition(ctx, p)
}

// --- Cache keys ---

const (
	cashCacheKey      = "ledger:cash"
	positionsCacheKey = "ledger:positions"
)

func positionKey(ticker string) string { return fmt.Sprintf("ledger:position:%s", ticker) }
