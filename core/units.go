package core

import (
	"fmt"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

var percentUnit = decimal.NewFromInt(int64(OneHundredPercent / 100))

// ParsePercent converts a human percentage such as "2.5" into the 1e5 scale (2_500).
// Values finer than 0.001% or outside [0, 100] are rejected.
func ParsePercent(s string) (uint32, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("failed to parse percent %q: %w", s, err)
	}
	scaled := d.Mul(percentUnit)
	if !scaled.Equal(scaled.Truncate(0)) {
		return 0, fmt.Errorf("percent %q exceeds 0.001%% precision", s)
	}
	if scaled.IsNegative() || scaled.GreaterThan(decimal.NewFromInt(int64(OneHundredPercent))) {
		return 0, fmt.Errorf("percent %q out of range", s)
	}
	return uint32(scaled.IntPart()), nil
}

// FormatPercent renders a 1e5-scale percentage as a human percentage.
func FormatPercent(p uint32) string {
	return decimal.NewFromInt(int64(p)).Div(percentUnit).String()
}

// ParseUnits converts a human amount such as "1.5" into base units of an asset
// with the given decimals.
func ParseUnits(s string, decimals uint8) (uint256.Int, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return uint256.Int{}, fmt.Errorf("failed to parse amount %q: %w", s, err)
	}
	if d.IsNegative() {
		return uint256.Int{}, fmt.Errorf("amount %q is negative", s)
	}
	shifted := d.Shift(int32(decimals))
	if !shifted.Equal(shifted.Truncate(0)) {
		return uint256.Int{}, fmt.Errorf("amount %q has more than %d decimals", s, decimals)
	}
	v, overflow := uint256.FromBig(shifted.BigInt())
	if overflow {
		return uint256.Int{}, fmt.Errorf("amount %q overflows 256 bits", s)
	}
	return *v, nil
}

// FormatUnits renders base units of an asset with the given decimals as a human amount.
func FormatUnits(amount *uint256.Int, decimals uint8) string {
	return decimal.NewFromBigInt(amount.ToBig(), -int32(decimals)).String()
}
