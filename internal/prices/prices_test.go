package prices

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var day1 = time.Date(2025, 1, 2, 0, 0, 0, 0, time.UTC)

func writeMinuteFile(t *testing.T, root, tk string, day time.Time, body string) {
	t.Helper()
	dir := filepath.Join(root, tk, "minute")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, dayKey(day)+".csv"), []byte(body), 0o644))
}

func TestMemoryLookup(t *testing.T) {
	m := NewMemoryLookup()
	m.Set("AAPL", day1.Add(15*time.Hour), decimal.NewFromInt(110))

	px, ok, err := m.DailyClose(context.Background(), "AAPL", day1)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, px.Equal(decimal.NewFromInt(110)))

	_, ok, err = m.DailyClose(context.Background(), "AAPL", day1.AddDate(0, 0, 1))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCSVLookup_LastParseableClose(t *testing.T) {
	root := t.TempDir()
	writeMinuteFile(t, root, "AAPL", day1, strings.Join([]string{
		"ts,open,high,low,close,volume",
		"2025-01-02T14:30:00Z,100,101,99,100.5,1000",
		"2025-01-02T14:31:00Z,100.5,102,100,101.25,800",
		"2025-01-02T14:32:00Z,101,101,101,,10",
	}, "\n")+"\n")

	c := NewCSVLookup(root)
	px, ok, err := c.DailyClose(context.Background(), "AAPL", day1)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "101.25", px.String())
}

func TestCSVLookup_Gaps(t *testing.T) {
	root := t.TempDir()
	writeMinuteFile(t, root, "MSFT", day1, "ts,close\n")
	writeMinuteFile(t, root, "NVDA", day1, "")
	c := NewCSVLookup(root)
	ctx := context.Background()

	for _, tk := range []string{"AAPL", "MSFT", "NVDA"} {
		_, ok, err := c.DailyClose(ctx, tk, day1)
		require.NoError(t, err, tk)
		assert.False(t, ok, tk)
	}
}

func TestCSVLookup_NoCloseColumn(t *testing.T) {
	root := t.TempDir()
	writeMinuteFile(t, root, "AAPL", day1, "ts,open\n2025-01-02T14:30:00Z,100\n")

	_, _, err := NewCSVLookup(root).DailyClose(context.Background(), "AAPL", day1)
	assert.ErrorIs(t, err, ErrMalformedFile)
}

func TestCSVLookup_RejectsTraversal(t *testing.T) {
	c := NewCSVLookup(t.TempDir())
	_, err := c.Path("../etc", day1)
	assert.Error(t, err)

	p, err := c.Path("brk.b", day1)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(c.Root, "BRK.B", "minute", "2025-01-02.csv"), p)
}

type countingLookup struct {
	calls int
	err   error
	inner Lookup
}

func (c *countingLookup) DailyClose(ctx context.Context, tk string, day time.Time) (decimal.Decimal, bool, error) {
	c.calls++
	if c.err != nil {
		return decimal.Zero, false, c.err
	}
	return c.inner.DailyClose(ctx, tk, day)
}

func TestCachedLookup_MemoisesCloses(t *testing.T) {
	m := NewMemoryLookup()
	m.Set("AAPL", day1, decimal.NewFromInt(100))
	src := &countingLookup{inner: m}
	c := NewCachedLookup(src)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		px, ok, err := c.DailyClose(ctx, "AAPL", day1)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.True(t, px.Equal(decimal.NewFromInt(100)))

	}
	assert.Equal(t, 1, src.calls)
}

func TestCachedLookup_GapSeesLaterIngest(t *testing.T) {
	m := NewMemoryLookup()
	src := &countingLookup{inner: m}
	c := NewCachedLookup(src)
	ctx := context.Background()

	_, ok, err := c.DailyClose(ctx, "AAPL", day1)
	require.NoError(t, err)
	assert.False(t, ok)

	m.Set("AAPL", day1, decimal.NewFromInt(110))

	px, ok, err := c.DailyClose(ctx, "AAPL", day1)
	require.NoError(t, err)
	assert.True(t, ok, "close ingested after a gap must become visible")
	assert.True(t, px.Equal(decimal.NewFromInt(110)))

	_, _, err = c.DailyClose(ctx, "AAPL", day1)
	require.NoError(t, err)
	assert.Equal(t, 2, src.calls)
}

func TestCachedLookup_DoesNotCacheErrors(t *testing.T) {
	src := &countingLookup{err: errors.New("boom"), inner: NewMemoryLookup()}
	c := NewCachedLookup(src)

	_, _, err := c.DailyClose(context.Background(), "AAPL", day1)
	assert.Error(t, err)
	_, _, err = c.DailyClose(context.Background(), "AAPL", day1)
	assert.Error(t, err)
	assert.Equal(t, 2, src.calls)
}

func TestBreaker_TripsAfterConsecutiveFailures(t *testing.T) {
	src := &countingLookup{err: errors.New("connection refused"), inner: NewMemoryLookup()}
	b := NewBreaker("test", src, 3, time.Minute)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, _, err := b.DailyClose(ctx, "AAPL", day1)
		require.Error(t, err)
	}
	assert.Equal(t, gobreaker.StateOpen, b.State())

	_, _, err := b.DailyClose(ctx, "AAPL", day1)
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Equal(t, 3, src.calls, "open breaker must not reach the source")
}

func TestBreaker_GapsAndCancellationDoNotTrip(t *testing.T) {
	src := &countingLookup{inner: NewMemoryLookup()}
	b := NewBreaker("test", src, 1, time.Minute)

	_, ok, err := b.DailyClose(context.Background(), "AAPL", day1)
	require.NoError(t, err)
	assert.False(t, ok)

	src.err = context.Canceled
	_, _, err = b.DailyClose(context.Background(), "AAPL", day1)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, gobreaker.StateClosed, b.State())
}

func TestClickHouseLookup_Integration(t *testing.T) {
	dsn := os.Getenv("CLICKHOUSE_DSN")
	if dsn == "" {
		t.Skip("CLICKHOUSE_DSN not set")
	}
	ctx := context.Background()
	conn, err := OpenClickHouse(ctx, dsn)
	require.NoError(t, err)
	defer conn.Close()

	const table = "papersim_candles_test"
	require.NoError(t, conn.Exec(ctx, "DROP TABLE IF EXISTS default."+table))
	require.NoError(t, conn.Exec(ctx, `CREATE TABLE default.`+table+` (
		symbol String,
		interval LowCardinality(String),
		open_time_ms UInt64,
		close Float64,
		version UInt64
	) ENGINE = ReplacingMergeTree(version) ORDER BY (symbol, interval, open_time_ms)`))
	defer conn.Exec(ctx, "DROP TABLE IF EXISTS default."+table)

	open := day1.Add(14*time.Hour + 30*time.Minute)
	require.NoError(t, conn.Exec(ctx, `INSERT INTO default.`+table+` VALUES
		(?, '1m', ?, 100.5, 1), (?, '1m', ?, 101.25, 1)`,
		"AAPL", uint64(open.UnixMilli()), "AAPL", uint64(open.Add(time.Minute).UnixMilli())))

	l := NewClickHouseLookup(conn, "default", table, time.UTC)
	px, ok, err := l.DailyClose(ctx, "AAPL", day1)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "101.25", px.String())

	_, ok, err = l.DailyClose(ctx, "AAPL", day1.AddDate(0, 0, 1))
	require.NoError(t, err)
	assert.False(t, ok)
}
