// Package ticker handles equity ticker normalisation and validation for
// trade intents and price lookups.
package ticker

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// tickerRegex matches exchange symbols such as AAPL, BRK.B or RDS-A.
var tickerRegex = regexp.MustCompile(`^[A-Z][A-Z0-9.\-]{0,15}$`)

var ErrInvalidTicker = errors.New("ticker: invalid symbol")

// Normalize upper-cases and trims s, then validates the result.
func Normalize(s string) (string, error) {
	t := strings.ToUpper(strings.TrimSpace(s))
	if !tickerRegex.MatchString(t) {
		return "", fmt.Errorf("%w: %q", ErrInvalidTicker, s)
	}
	return t, nil
}

// PathSafe reports whether t can be used as a single path element. Dots are
// allowed inside a symbol but never as the whole element.
func PathSafe(t string) bool {
	return tickerRegex.MatchString(t) && t != "." && t != ".." && !strings.Contains(t, "..")
}
