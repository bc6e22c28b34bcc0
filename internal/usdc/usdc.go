// Package usdc provides the micro-unit currency math shared by every package.
//
// Amounts are int64 counts of the smallest unit (1 USD = 1,000,000 micro-units).
// Policy configuration is expressed in decimal dollars and must go through
// USDToMicro before it is compared with anything.
package usdc

import (
	"math"
	"strconv"
	"strings"
)

const (
	Decimals     = 6
	MicroPerUSD  = 1_000_000
	MicroPerCent = 10_000

	// MaxUSD is the largest whole-dollar amount USDToMicro converts without
	// overflowing int64.
	MaxUSD = math.MaxInt64 / MicroPerUSD
)

// USDToMicro converts a decimal dollar amount to micro-units, rounding to
// the nearest integer (half away from zero). Callers must keep usd finite
// and within +-MaxUSD; Validate in guardrail does so for policies.
func USDToMicro(usd float64) int64 {
	return int64(math.Round(usd * MicroPerUSD))
}

// CentsToMicro converts an integer number of cents to micro-units.
func CentsToMicro(cents int64) int64 {
	return cents * MicroPerCent
}

// MicroToUSD converts micro-units to decimal dollars. Use only for display
// and for values leaving the system; never feed the result back into sums.
func MicroToUSD(micro int64) float64 {
	return float64(micro) / MicroPerUSD
}

// Parse converts a decimal string (e.g. "1.50") to micro-units (1500000).
// Returns (0, false) on invalid input.
//
// Rules:
//   - Empty string returns (0, true)
//   - Negative amounts are rejected
//   - Multiple decimal points are rejected
//   - Fractional digits beyond 6 are truncated
func Parse(s string) (int64, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, true
	}
	if strings.HasPrefix(s, "-") || strings.HasPrefix(s, "+") {
		return 0, false
	}

	whole, frac, _ := strings.Cut(s, ".")
	if strings.Contains(frac, ".") {
		return 0, false
	}
	if whole == "" {
		whole = "0"
	}
	for len(frac) < Decimals {
		frac += "0"
	}
	frac = frac[:Decimals]

	if !allDigits(whole) || !allDigits(frac) {
		return 0, false
	}
	v, err := strconv.ParseInt(whole+frac, 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// Format renders micro-units with exactly 6 decimal places (e.g. "1.500000").
func Format(micro int64) string {
	neg := micro < 0
	if neg {
		micro = -micro
	}
	s := strconv.FormatInt(micro, 10)
	for len(s) < Decimals+1 {
		s = "0" + s
	}
	point := len(s) - Decimals
	out := s[:point] + "." + s[point:]
	if neg {
		out = "-" + out
	}
	return out
}

func allDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
