package math

import (
	"errors"
	"math/big"
	"sync"
)

// ErrOverflow is returned when a checked operation exceeds the uint64 range.
// Callers decide how to surface it; settlement paths treat it as fail-closed.
var ErrOverflow = errors.New("arithmetic overflow")

// DecimalConfig defines fixed-point precision
type DecimalConfig struct {
	DecimalPrecision int    // Number of decimal places
	Scale            uint64 // 10^DecimalPrecision
}

var (
	// Standard configs
	PriceConfig = DecimalConfig{DecimalPrecision: 8, Scale: 100_000_000} // oracle and strike prices
	RatioConfig = DecimalConfig{DecimalPrecision: 6, Scale: 1_000_000}   // collateralization ratio (parts-per-million)
)

// FeeDivisor implements the 0.1% protocol fee: fee = amount / FeeDivisor,
// floor division, remainder stays with the payer.
const FeeDivisor = 1000

// Int128 is a pooled big.Int for intermediate calculations
var int128Pool = &sync.Pool{
	New: func() interface{} {
		return new(big.Int)
	},
}

func getInt128() *big.Int {
	return int128Pool.Get().(*big.Int)
}

func putInt128(v *big.Int) {
	v.SetInt64(0) // Clear before returning to pool
	int128Pool.Put(v)
}

// CheckedMul performs a * b, failing on uint64 overflow.
func CheckedMul(a, b uint64) (uint64, error) {
	if a == 0 || b == 0 {
		return 0, nil
	}
	p := a * b
	if p/a != b {
		return 0, ErrOverflow
	}
	return p, nil
}

// CheckedAdd performs a + b, failing on uint64 overflow.
func CheckedAdd(a, b uint64) (uint64, error) {
	s := a + b
	if s < a {
		return 0, ErrOverflow
	}
	return s, nil
}

// CheckedSub performs a - b, failing on underflow.
func CheckedSub(a, b uint64) (uint64, error) {
	if b > a {
		return 0, ErrOverflow
	}
	return a - b, nil
}

// SplitFee splits an amount into (fee, net). The fee is floor(amount/1000);
// amounts below 1000 pay no fee.
func SplitFee(amount uint64) (fee, net uint64) {
	fee = amount / FeeDivisor
	return fee, amount - fee
}

// IsSufficientCollateral reports whether a deposit covers the minted exposure
// at the configured ratio: deposited * 1e6 >= minted * ratio.
// Any intermediate overflow counts as insufficient (fail-closed).
func IsSufficientCollateral(deposited, minted, ratio uint64) bool {
	lhs, err := CheckedMul(deposited, RatioConfig.Scale)
	if err != nil {
		return false
	}
	rhs, err := CheckedMul(minted, ratio)
	if err != nil {
		return false
	}
	return lhs >= rhs
}

// IntrinsicValue computes the settlement value of `amount` option tokens at
// the given price: (price - strike) * amount / 1e8, floor division.
// Returns 0 when the price is at or below strike. The product is computed in
// checked uint64 arithmetic, so very large positions can overflow even when
// the final quotient would fit; that is intentional compatibility behavior.
func IntrinsicValue(price, strike, amount uint64) (uint64, error) {
	if price <= strike {
		return 0, nil
	}
	product, err := CheckedMul(price-strike, amount)
	if err != nil {
		return 0, err
	}
	return product / PriceConfig.Scale, nil
}

// MulUint128 performs a * b using a 128-bit intermediate to prevent overflow
func MulUint128(a, b uint64) *big.Int {
	result := getInt128()
	x := getInt128().SetUint64(a)
	y := getInt128().SetUint64(b)
	result.Mul(x, y)
	putInt128(x)
	putInt128(y)
	return result
}

// DivUint128 performs numerator / denominator with floor division.
// Fails if the quotient does not fit in uint64.
func DivUint128(numerator *big.Int, denominator uint64) (uint64, error) {
	if denominator == 0 {
		return 0, ErrOverflow
	}
	denom := getInt128().SetUint64(denominator)
	quotient := getInt128()
	quotient.Div(numerator, denom)

	if !quotient.IsUint64() {
		putInt128(denom)
		putInt128(quotient)
		return 0, ErrOverflow
	}

	result := quotient.Uint64()
	putInt128(denom)
	putInt128(quotient)
	return result, nil
}

// CoverageRatio returns vault / due scaled to parts-per-million, computed with
// a 128-bit intermediate. Used for observability only; saturates at MaxUint64.
// A value below 1_000_000 means the vault cannot cover what is owed.
func CoverageRatio(vault, due uint64) uint64 {
	if due == 0 {
		return ^uint64(0)
	}
	numerator := MulUint128(vault, RatioConfig.Scale)
	result, err := DivUint128(numerator, due)
	putInt128(numerator)
	if err != nil {
		return ^uint64(0)
	}
	return result
}
