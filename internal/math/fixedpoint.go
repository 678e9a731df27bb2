package math

import (
	"PerpCore/internal/perperr"
	stdmath "math"
	"math/big"
	"sync"
)

// DecimalConfig defines fixed-point precision
type DecimalConfig struct {
	DecimalPrecision int32  // Number of decimal places
	Scale            uint64 // 10^DecimalPrecision
}

const (
	PricePrecision       uint64 = 1_000_000     // prices, collateral, notional, PnL
	SizePrecision        uint64 = 1_000_000_000 // position size
	BPSPrecision         uint64 = 10_000
	FundingRatePrecision int64  = 1_000_000
)

var (
	// Collateral amounts, margin, notional and PnL share the price scale.
	PriceConfig  = DecimalConfig{DecimalPrecision: 6, Scale: PricePrecision}
	SizeConfig   = DecimalConfig{DecimalPrecision: 9, Scale: SizePrecision}
	AmountConfig = PriceConfig
	RateConfig   = DecimalConfig{DecimalPrecision: 6, Scale: uint64(FundingRatePrecision)}
)

var (
	maxUint64 = new(big.Int).SetUint64(stdmath.MaxUint64)
	maxInt64  = big.NewInt(stdmath.MaxInt64)
	minInt64  = big.NewInt(stdmath.MinInt64)
)

// Pooled big.Int for intermediate products
var widePool = &sync.Pool{
	New: func() interface{} {
		return new(big.Int)
	},
}

func getWide() *big.Int {
	return widePool.Get().(*big.Int)
}

func putWide(v *big.Int) {
	v.SetInt64(0)
	widePool.Put(v)
}

func overflow(op string) error {
	return perperr.New(perperr.CodeMathOverflow, "%s out of range", op)
}

// MulDiv computes a * b / c with a widened intermediate, truncating toward zero.
// c == 0 is reported as MathOverflow.
func MulDiv(a, b, c uint64) (uint64, error) {
	if c == 0 {
		return 0, overflow("division by zero")
	}
	prod := getWide()
	defer putWide(prod)
	prod.SetUint64(a)
	prod.Mul(prod, new(big.Int).SetUint64(b))
	prod.Quo(prod, new(big.Int).SetUint64(c))
	if prod.Cmp(maxUint64) > 0 {
		return 0, overflow("mul_div")
	}
	return prod.Uint64(), nil
}

// SignedMulDiv computes a * b / c for a signed a. Quo truncates toward zero,
// so -7 * 1 / 2 == -3.
func SignedMulDiv(a int64, b, c uint64) (int64, error) {
	if c == 0 {
		return 0, overflow("division by zero")
	}
	prod := getWide()
	defer putWide(prod)
	prod.SetInt64(a)
	prod.Mul(prod, new(big.Int).SetUint64(b))
	prod.Quo(prod, new(big.Int).SetUint64(c))
	return toInt64(prod, "signed_mul_div")
}

// DiffMulDiv computes (x - y) * b / c where x and y are unsigned. The difference is
// taken in wide arithmetic so it never wraps.
func DiffMulDiv(x, y, b, c uint64) (int64, error) {
	if c == 0 {
		return 0, overflow("division by zero")
	}
	diff := getWide()
	defer putWide(diff)
	diff.SetUint64(x)
	diff.Sub(diff, new(big.Int).SetUint64(y))
	diff.Mul(diff, new(big.Int).SetUint64(b))
	diff.Quo(diff, new(big.Int).SetUint64(c))
	return toInt64(diff, "diff_mul_div")
}

func toInt64(v *big.Int, op string) (int64, error) {
	if v.Cmp(maxInt64) > 0 || v.Cmp(minInt64) < 0 {
		return 0, overflow(op)
	}
	return v.Int64(), nil
}

// AddU64 returns a + b or MathOverflow.
func AddU64(a, b uint64) (uint64, error) {
	sum := a + b
	if sum < a {
		return 0, overflow("add")
	}
	return sum, nil
}

// SubU64 returns a - b or MathOverflow when b > a.
func SubU64(a, b uint64) (uint64, error) {
	if b > a {
		return 0, overflow("sub")
	}
	return a - b, nil
}

// AddI64 returns a + b or MathOverflow.
func AddI64(a, b int64) (int64, error) {
	sum := a + b
	if (b > 0 && sum < a) || (b < 0 && sum > a) {
		return 0, overflow("signed add")
	}
	return sum, nil
}

// SubI64 returns a - b or MathOverflow.
func SubI64(a, b int64) (int64, error) {
	diff := a - b
	if (b > 0 && diff > a) || (b < 0 && diff < a) {
		return 0, overflow("signed sub")
	}
	return diff, nil
}

// ToInt64 converts an unsigned amount to signed or reports MathOverflow.
func ToInt64(v uint64) (int64, error) {
	if v > stdmath.MaxInt64 {
		return 0, overflow("int64 conversion")
	}
	return int64(v), nil
}

// AddSigned applies a signed delta to an unsigned amount. A result below zero
// or above MaxUint64 is MathOverflow.
func AddSigned(v uint64, delta int64) (uint64, error) {
	if delta >= 0 {
		return AddU64(v, uint64(delta))
	}
	// -MinInt64 does not fit in int64; go through uint64 directly.
	mag := uint64(-(delta + 1)) + 1
	return SubU64(v, mag)
}
