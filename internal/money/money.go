// Package money handles USDC amounts as integer micro-units.
//
// Prices on the wire are decimal strings ("0.01", "1.5"). All internal
// arithmetic (budgets, ledgers, revenue counters) happens in int64
// micro-USDC so there is no float drift between a budget check and the
// matching ledger increment.
package money

import (
	"fmt"
	"strings"
)

// MicroPerUSDC is the scaling factor: 1 USDC = 1_000_000 micro.
const MicroPerUSDC = 1_000_000

// ParseUSDC parses a non-negative decimal string with at most 6
// fractional digits into micro-USDC.
func ParseUSDC(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty amount")
	}
	if strings.HasPrefix(s, "-") {
		return 0, fmt.Errorf("negative amount %q", s)
	}
	whole, frac := s, ""
	if i := strings.IndexByte(s, '.'); i >= 0 {
		whole, frac = s[:i], s[i+1:]
	}
	if whole == "" {
		whole = "0"
	}
	if len(frac) > 6 {
		return 0, fmt.Errorf("amount %q has more than 6 fractional digits", s)
	}
	var micro int64
	for _, c := range whole {
		if c < '0' || c > '9' {
			return 0, fmt.Errorf("invalid amount %q", s)
		}
		micro = micro*10 + int64(c-'0')
		if micro > (1<<62)/MicroPerUSDC {
			return 0, fmt.Errorf("amount %q overflows", s)
		}
	}
	micro *= MicroPerUSDC
	scale := int64(MicroPerUSDC / 10)
	for _, c := range frac {
		if c < '0' || c > '9' {
			return 0, fmt.Errorf("invalid amount %q", s)
		}
		micro += int64(c-'0') * scale
		scale /= 10
	}
	return micro, nil
}

// FormatUSDC renders micro-USDC as a decimal string with at least two
// fractional digits ("0.00", "0.01", "1.234567").
func FormatUSDC(micro int64) string {
	neg := micro < 0
	if neg {
		micro = -micro
	}
	whole := micro / MicroPerUSDC
	frac := micro % MicroPerUSDC
	s := fmt.Sprintf("%d.%06d", whole, frac)
	// Trim trailing zeros but keep two decimals minimum.
	for strings.HasSuffix(s, "0") && len(s)-strings.IndexByte(s, '.') > 3 {
		s = s[:len(s)-1]
	}
	if neg {
		s = "-" + s
	}
	return s
}

// MustParse is a test helper; it panics on invalid input.
func MustParse(s string) int64 {
	m, err := ParseUSDC(s)
	if err != nil {
		panic(err)
	}
	return m
}
