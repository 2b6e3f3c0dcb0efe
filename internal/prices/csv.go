package prices

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/shopspring/decimal"

	"github.com/papertrade/sim-engine/internal/ticker"
)

// ErrMalformedFile is returned when a price file has no close column.
var ErrMalformedFile = errors.New("prices: malformed minute file")

// CSVLookup reads minute bars from <Root>/<TICKER>/minute/<YYYY-MM-DD>.csv.
// The day's close is the close of the last row that parses; a missing file
// or a file with no parseable close is a gap.
type CSVLookup struct {
	Root string
}

// NewCSVLookup creates a lookup rooted at dir.
func NewCSVLookup(dir string) *CSVLookup {
	return &CSVLookup{Root: dir}
}

// Path returns the minute file for ticker on day.
func (c *CSVLookup) Path(tk string, day time.Time) (string, error) {
	t, err := ticker.Normalize(tk)
	if err != nil {
		return "", err
	}
	if !ticker.PathSafe(t) {
		return "", fmt.Errorf("%w: %q is not a path element", ticker.ErrInvalidTicker, tk)
	}
	return filepath.Join(c.Root, t, "minute", dayKey(day)+".csv"), nil
}

func (c *CSVLookup) DailyClose(ctx context.Context, tk string, day time.Time) (decimal.Decimal, bool, error) {
	if err := ctx.Err(); err != nil {
		return decimal.Zero, false, err
	}
	path, err := c.Path(tk, day)
	if err != nil {
		return decimal.Zero, false, err
	}
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return decimal.Zero, false, nil
	}
	if err != nil {
		return decimal.Zero, false, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()
	return lastClose(f)
}

func lastClose(r io.Reader) (decimal.Decimal, bool, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.ReuseRecord = true

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return decimal.Zero, false, nil
	}
	if err != nil {
		return decimal.Zero, false, fmt.Errorf("read header: %w", err)
	}
	col := -1
	for i, name := range header {
		if name == "close" {
			col = i
			break
		}
	}
	if col < 0 {
		return decimal.Zero, false, ErrMalformedFile
	}

	var (
		last  decimal.Decimal
		found bool
	)
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return decimal.Zero, false, fmt.Errorf("read row: %w", err)
		}
		if col >= len(rec) {
			continue
		}
		v, err := decimal.NewFromString(rec[col])
		if err != nil {
			continue
		}
		last, found = v, true
	}
	return last, found, nil
}
