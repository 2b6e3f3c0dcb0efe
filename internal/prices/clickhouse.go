package prices

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/shopspring/decimal"
)

// ClickHouseLookup derives daily closes from 1m candles stored in a
// ReplacingMergeTree table keyed by (symbol, interval, open_time_ms).
type ClickHouseLookup struct {
	conn     driver.Conn
	database string
	table    string
	location *time.Location
}

// OpenClickHouse connects using dsn and pings the server.
func OpenClickHouse(ctx context.Context, dsn string) (driver.Conn, error) {
	opts, err := clickhouse.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse DSN: %w", err)
	}
	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("clickhouse open: %w", err)
	}
	if err := conn.Ping(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("clickhouse ping: %w", err)
	}
	return conn, nil
}

// NewClickHouseLookup reads candles from database.table. Calendar days are
// cut in loc; nil means UTC.
func NewClickHouseLookup(conn driver.Conn, database, table string, loc *time.Location) *ClickHouseLookup {
	if loc == nil {
		loc = time.UTC
	}
	return &ClickHouseLookup{conn: conn, database: database, table: table, location: loc}
}

func (c *ClickHouseLookup) query() string {
	return fmt.Sprintf(`
		SELECT
			argMax(close, open_time_ms) AS close,
			count()                     AS bars
		FROM %s.%s FINAL
		WHERE symbol = ?
		  AND interval = '1m'
		  AND open_time_ms >= ?
		  AND open_time_ms <  ?
	`, c.database, c.table)
}

func (c *ClickHouseLookup) DailyClose(ctx context.Context, ticker string, day time.Time) (decimal.Decimal, bool, error) {
	y, m, d := day.Date()
	from := time.Date(y, m, d, 0, 0, 0, 0, c.location)
	to := from.AddDate(0, 0, 1)

	var (
		px   float64
		bars uint64
	)
	err := c.conn.QueryRow(ctx, c.query(), ticker, uint64(from.UnixMilli()), uint64(to.UnixMilli())).Scan(&px, &bars)
	if err != nil {
		return decimal.Zero, false, fmt.Errorf("daily close %s %s: %w", ticker, dayKey(from), err)
	}
	if bars == 0 {
		return decimal.Zero, false, nil
	}
	return decimal.NewFromFloat(px), true, nil
}
