// Package units converts raw token amounts (smallest unit, 256-bit) to
// human-readable decimal strings.
package units

import (
	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

// DisplayPlaces is how many fractional digits readable amounts keep.
// Extra digits are truncated, never rounded up.
const DisplayPlaces = 6

// ToDecimal scales a raw amount by 10^-decimals without losing precision.
func ToDecimal(raw *uint256.Int, decimals uint8) decimal.Decimal {
	if raw == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(raw.ToBig(), -int32(decimals))
}

// Format renders raw as a decimal string with at most DisplayPlaces
// fractional digits and no trailing zeros, e.g. 1500000000000000000 with
// 18 decimals is "1.5".
func Format(raw *uint256.Int, decimals uint8) string {
	return ToDecimal(raw, decimals).Truncate(DisplayPlaces).String()
}
