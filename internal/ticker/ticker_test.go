package ticker

import (
	"errors"
	"testing"
)

func TestNormalize_Valid(t *testing.T) {
	tests := map[string]string{
		"AAPL":   "AAPL",
		" msft ": "MSFT",
		"brk.b":  "BRK.B",
		"RDS-A":  "RDS-A",
		"QQQ":    "QQQ",
	}
	for in, want := range tests {
		got, err := Normalize(in)
		if err != nil {
			t.Errorf("Normalize(%q) unexpected error: %v", in, err)
			continue
		}
		if got != want {
			t.Errorf("Normalize(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestNormalize_Invalid(t *testing.T) {
	tests := []string{
		"",
		"   ",
		"1ABC",
		"AA PL",
		"../etc",
		"ABCDEFGHIJKLMNOPQ", // too long
	}
	for _, in := range tests {
		_, err := Normalize(in)
		if !errors.Is(err, ErrInvalidTicker) {
			t.Errorf("Normalize(%q) expected ErrInvalidTicker, got %v", in, err)
		}
	}
}

func TestPathSafe(t *testing.T) {
	if !PathSafe("BRK.B") {
		t.Error("BRK.B should be path safe")
	}
	if PathSafe("A..B") {
		t.Error("A..B should not be path safe")
	}
}
