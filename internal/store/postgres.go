package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/papertrade/sim-engine/internal/model"
)

const cashKey = "cash"

// Schema creates the ledger tables. Money and quantities are NUMERIC for
// exact decimal precision; orders carry a BIGSERIAL seq so equal timestamps
// replay in insertion order.
const Schema = `
CREATE TABLE IF NOT EXISTS kv (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS positions (
	ticker   TEXT PRIMARY KEY,
	quantity NUMERIC NOT NULL DEFAULT 0 CHECK (quantity >= 0),
	avg_cost NUMERIC NOT NULL DEFAULT 0 CHECK (avg_cost >= 0)
);
CREATE TABLE IF NOT EXISTS orders (
	id             UUID PRIMARY KEY,
	seq            BIGSERIAL,
	ts             TIMESTAMPTZ NOT NULL,
	ticker         TEXT NOT NULL,
	side           TEXT NOT NULL CHECK (side IN ('BUY', 'SELL')),
	quantity       NUMERIC NOT NULL,
	fill_price     NUMERIC NOT NULL,
	slippage_bps   NUMERIC NOT NULL DEFAULT 0,
	commission_usd NUMERIC NOT NULL DEFAULT 0,
	reason         TEXT NOT NULL DEFAULT 'manual'
);
CREATE INDEX IF NOT EXISTS orders_ts_seq_idx ON orders (ts, seq);
`

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore implements Store using PostgreSQL as the source of truth.
type PostgresStore struct {
	pgLedger
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{
		pgLedger: pgLedger{q: pool},
		pool:     pool,
	}
}

// Migrate applies Schema. It is idempotent.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// InTx runs fn inside a single database transaction. The cash row is read
// FOR UPDATE, which serializes concurrent units of work on the ledger.
func (s *PostgresStore) InTx(ctx context.Context, fn func(Ledger) error) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		return fn(&pgLedger{q: tx, forUpdate: true})
	})
}

func (s *PostgresStore) ListOrders(ctx context.Context, from, to time.Time) ([]model.Order, error) {
	query := `SELECT id::TEXT, ts, ticker, side,
	                 quantity::TEXT, fill_price::TEXT, slippage_bps::TEXT, commission_usd::TEXT, reason
	          FROM orders
	          WHERE ($1::TIMESTAMPTZ IS NULL OR ts >= $1)
	            AND ($2::TIMESTAMPTZ IS NULL OR ts <= $2)
	          ORDER BY ts, seq`

	rows, err := s.pool.Query(ctx, query, nullableTime(from), nullableTime(to))
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	defer rows.Close()

	return scanOrders(rows)
}

// pgLedger implements Ledger over either the pool or an open transaction.
type pgLedger struct {
	q         querier
	forUpdate bool
}

func (l *pgLedger) GetCash(ctx context.Context) (decimal.Decimal, error) {
	query := `SELECT value FROM kv WHERE key = $1`
	if l.forUpdate {
		query += ` FOR UPDATE`
	}

	var raw string
	err := l.q.QueryRow(ctx, query, cashKey).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return decimal.Zero, ErrNotInitialized
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("get cash: %w", err)
	}
	cash, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("get cash: corrupt value %q: %w", raw, err)
	}
	return cash, nil
}

func (l *pgLedger) SetCash(ctx context.Context, amount decimal.Decimal) error {
	_, err := l.q.Exec(ctx,
		`INSERT INTO kv (key, value) VALUES ($1, $2)
		 ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`,
		cashKey, amount.String(),
	)
	if err != nil {
		return fmt.Errorf("set cash: %w", err)
	}
	return nil
}

// InitCash inserts the cash row unless one exists. Concurrent bootstraps
// from different processes race on the primary key, and the loser's
// insert is a no-op.
func (l *pgLedger) InitCash(ctx context.Context, amount decimal.Decimal) (bool, error) {
	tag, err := l.q.Exec(ctx,
		`INSERT INTO kv (key, value) VALUES ($1, $2)
		 ON CONFLICT (key) DO NOTHING`,
		cashKey, amount.String(),
	)
	if err != nil {
		return false, fmt.Errorf("init cash: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (l *pgLedger) GetPosition(ctx context.Context, ticker string) (model.Position, bool, error) {
	query := `SELECT ticker, quantity::TEXT, avg_cost::TEXT FROM positions WHERE ticker = $1`
	if l.forUpdate {
		query += ` FOR UPDATE`
	}

	var p model.Position
	var qtyS, avgS string
	err := l.q.QueryRow(ctx, query, ticker).Scan(&p.Ticker, &qtyS, &avgS)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Position{}, false, nil
	}
	if err != nil {
		return model.Position{}, false, fmt.Errorf("get position %s: %w", ticker, err)
	}
	p.Quantity, _ = decimal.NewFromString(qtyS)
	p.AvgCost, _ = decimal.NewFromString(avgS)
	return p, true, nil
}

func (l *pgLedger) UpsertPosition(ctx context.Context, p model.Position) error {
	_, err := l.q.Exec(ctx,
		`INSERT INTO positions (ticker, quantity, avg_cost)
		 VALUES ($1, $2::NUMERIC, $3::NUMERIC)
		 ON CONFLICT (ticker) DO UPDATE
		 SET quantity = EXCLUDED.quantity, avg_cost = EXCLUDED.avg_cost`,
		p.Ticker, p.Quantity.String(), p.AvgCost.String(),
	)
	if err != nil {
		return fmt.Errorf("upsert position %s: %w", p.Ticker, err)
	}
	return nil
}

func (l *pgLedger) ListPositions(ctx context.Context) ([]model.Position, error) {
	rows, err := l.q.Query(ctx,
		`SELECT ticker, quantity::TEXT, avg_cost::TEXT FROM positions ORDER BY ticker`)
	if err != nil {
		return nil, fmt.Errorf("list positions: %w", err)
	}
	defer rows.Close()

	var positions []model.Position
	for rows.Next() {
		var p model.Position
		var qtyS, avgS string
		if err := rows.Scan(&p.Ticker, &qtyS, &avgS); err != nil {
			return nil, err
		}
		p.Quantity, _ = decimal.NewFromString(qtyS)
		p.AvgCost, _ = decimal.NewFromString(avgS)
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

func (l *pgLedger) InsertOrder(ctx context.Context, o *model.Order) error {
	_, err := l.q.Exec(ctx,
		`INSERT INTO orders (id, ts, ticker, side, quantity, fill_price, slippage_bps, commission_usd, reason)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9)`,
		o.ID, o.Timestamp, o.Ticker, string(o.Side),
		o.Quantity.String(), o.FillPrice.String(), o.SlippageBps.String(), o.CommissionUSD.String(),
		o.Reason,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("%w: %s", ErrDuplicateOrder, o.ID)
	}
	if err != nil {
		return fmt.Errorf("insert order: %w", err)
	}
	return nil
}

// pgxRows is the subset of pgx.Rows used by scanOrders.
type pgxRows interface {
	Next() bool
	Scan(dest ...interface{}) error
	Err() error
}

func scanOrders(rows pgxRows) ([]model.Order, error) {
	var orders []model.Order
	for rows.Next() {
		var o model.Order
		var side, qtyS, fillS, slipS, commS string

		if err := rows.Scan(&o.ID, &o.Timestamp, &o.Ticker, &side,
			&qtyS, &fillS, &slipS, &commS, &o.Reason); err != nil {
			return nil, err
		}

		o.Side = model.Side(side)
		o.Quantity, _ = decimal.NewFromString(qtyS)
		o.FillPrice, _ = decimal.NewFromString(fillS)
		o.SlippageBps, _ = decimal.NewFromString(slipS)
		o.CommissionUSD, _ = decimal.NewFromString(commS)

		orders = append(orders, o)
	}
	return orders, rows.Err()
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
