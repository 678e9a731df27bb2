package math

import (
	"PerpCore/internal/perperr"
	"math/big"

	"github.com/shopspring/decimal"
)

// Parse converts a decimal string such as "100.5" to fixed point at c's scale.
// Negative values, excess precision and values beyond uint64 are rejected.
func (c DecimalConfig) Parse(s string) (uint64, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, perperr.New(perperr.CodeInvalidParameter, "invalid decimal %q", s)
	}
	if d.IsNegative() {
		return 0, perperr.New(perperr.CodeInvalidParameter, "negative amount %q", s)
	}
	scaled := d.Shift(c.DecimalPrecision)
	if !scaled.Equal(scaled.Truncate(0)) {
		return 0, perperr.New(perperr.CodeInvalidParameter, "%q has more than %d decimal places", s, c.DecimalPrecision)
	}
	v := scaled.BigInt()
	if !v.IsUint64() {
		return 0, overflow("parse " + s)
	}
	return v.Uint64(), nil
}

// Format renders a fixed-point value with exactly c.DecimalPrecision places.
func (c DecimalConfig) Format(v uint64) string {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(v), -c.DecimalPrecision).StringFixed(c.DecimalPrecision)
}

// FormatSigned is Format for signed quantities such as PnL.
func (c DecimalConfig) FormatSigned(v int64) string {
	return decimal.New(v, -c.DecimalPrecision).StringFixed(c.DecimalPrecision)
}
