// Package store defines the persistence interface for the portfolio ledger.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache for cash and positions) and in-memory (for tests and development).
package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/papertrade/sim-engine/internal/model"
)

var (
	// ErrNotInitialized is returned by GetCash before the ledger has been
	// bootstrapped with an initial cash balance.
	ErrNotInitialized = errors.New("store: cash balance not initialized")

	// ErrDuplicateOrder is returned when an order ID is inserted twice.
	ErrDuplicateOrder = errors.New("store: duplicate order id")
)

// Ledger is the keyed view of cash, positions and the order log. Inside
// Store.InTx it is scoped to a single unit of work.
type Ledger interface {
	// GetCash returns the cash balance, or ErrNotInitialized if unset.
	GetCash(ctx context.Context) (decimal.Decimal, error)

	// SetCash overwrites the cash balance.
	SetCash(ctx context.Context, amount decimal.Decimal) error

	// InitCash sets the cash balance only if none exists. created is false
	// when a balance was already there; it is never overwritten.
	InitCash(ctx context.Context, amount decimal.Decimal) (created bool, err error)

	// GetPosition returns the position for ticker. found is false when the
	// ticker has never been traded.
	GetPosition(ctx context.Context, ticker string) (pos model.Position, found bool, err error)

	// UpsertPosition creates or replaces the position keyed by p.Ticker.
	UpsertPosition(ctx context.Context, p model.Position) error

	// ListPositions returns every position ever created, including those
	// sitting at zero quantity, sorted by ticker.
	ListPositions(ctx context.Context) ([]model.Position, error)

	// InsertOrder appends an immutable order record.
	InsertOrder(ctx context.Context, o *model.Order) error
}

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	Ledger

	// ListOrders returns orders with from <= timestamp <= to in ascending
	// timestamp order, ties broken by insertion order. A zero from or to
	// leaves that end of the range open.
	ListOrders(ctx context.Context, from, to time.Time) ([]model.Order, error)

	// InTx runs fn against a ledger view whose writes commit together when
	// fn returns nil and are discarded when it returns an error. Concurrent
	// units of work against the same store are serialized.
	InTx(ctx context.Context, fn func(Ledger) error) error
}

