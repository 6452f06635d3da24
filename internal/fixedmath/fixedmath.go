// Package fixedmath implements the overflow-checked integer arithmetic that
// every settlement-path computation in the perpetuals core is built from:
// checked add/sub/mul/div/pow on u64, and decimal multiply/divide against a
// target power-of-ten exponent. Every documented path either returns a
// finite result or fails with perrors.ErrMathOverflow — there is no silent
// truncation beyond the documented round-toward-zero behavior of the
// decimal helpers.
package fixedmath

import (
	"math"
	"math/big"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"

	"github.com/bxkdhc6282/perpetuals/internal/perrors"
)

// Numeric constants shared across the core (spec.md §6).
const (
	USDDecimals           = 6
	PriceDecimals         = 9
	BPSPower              = 10_000
	OracleMaxPrice        = (1 << 28) - 1
	OracleExponentScale   = -9
	DefaultMaxPriceAgeSec = 300

	// maxPow10Exponent bounds checked_pow(10, n): 10^19 is the largest
	// power of ten that still fits in a uint64.
	maxPow10Exponent = 19
)

// CheckedAdd returns a+b, failing on uint64 overflow.
func CheckedAdd(a, b uint64) (uint64, error) {
	sum := a + b
	if sum < a {
		return 0, perrors.ErrMathOverflow
	}
	return sum, nil
}

// CheckedSub returns a-b, failing if b > a.
func CheckedSub(a, b uint64) (uint64, error) {
	if b > a {
		return 0, perrors.ErrMathOverflow
	}
	return a - b, nil
}

// CheckedMul returns a*b, failing on uint64 overflow.
func CheckedMul(a, b uint64) (uint64, error) {
	if a == 0 || b == 0 {
		return 0, nil
	}
	product := a * b
	if product/a != b {
		return 0, perrors.ErrMathOverflow
	}
	return product, nil
}

// CheckedDiv returns a/b, failing on division by zero.
func CheckedDiv(a, b uint64) (uint64, error) {
	if b == 0 {
		return 0, perrors.ErrMathOverflow
	}
	return a / b, nil
}

// CheckedPow computes base^exp for small bounded exponents. Only base 10 is
// exercised on the settlement path; exp must not exceed 19 or the result
// could no longer fit a uint64.
func CheckedPow(base uint64, exp uint64) (uint64, error) {
	if exp > maxPow10Exponent {
		return 0, perrors.ErrMathOverflow
	}
	result := uint64(1)
	for i := uint64(0); i < exp; i++ {
		next, err := CheckedMul(result, base)
		if err != nil {
			return 0, err
		}
		result = next
	}
	return result, nil
}

// Checked128Mul returns a*b as a uint256, which never overflows for two
// uint64 operands; used as the intermediate width for decimal conversions.
func Checked128Mul(a, b uint64) *uint256.Int {
	return new(uint256.Int).Mul(uint256.NewInt(a), uint256.NewInt(b))
}

// CheckedDecimalMul computes round_toward_zero(a * b * 10^(expA + expB - targetExp)),
// i.e. (a*10^expA) * (b*10^expB) expressed at targetExp, using a 256-bit intermediate so that no input combination within the
// documented ranges overflows before the final truncation to u64.
func CheckedDecimalMul(a uint64, expA int32, b uint64, expB int32, targetExp int32) (uint64, error) {
	delta := int64(expA) + int64(expB) - int64(targetExp)
	product := Checked128Mul(a, b)

	if delta >= 0 {
		scale, err := CheckedPow(10, uint64(delta))
		if err != nil {
			return 0, err
		}
		product = product.Mul(product, uint256.NewInt(scale))
	} else {
		scale, err := CheckedPow(10, uint64(-delta))
		if err != nil {
			return 0, err
		}
		product = product.Div(product, uint256.NewInt(scale))
	}

	if !product.IsUint64() {
		return 0, perrors.ErrMathOverflow
	}
	return product.Uint64(), nil
}

// CheckedDecimalDiv computes round_toward_zero((a*10^expA) / (b*10^expB))
// expressed at targetExp, i.e. round_toward_zero(a * 10^(expA-expB-targetExp) / b).
func CheckedDecimalDiv(a uint64, expA int32, b uint64, expB int32, targetExp int32) (uint64, error) {
	if b == 0 {
		return 0, perrors.ErrMathOverflow
	}
	delta := int64(expA) - int64(expB) - int64(targetExp)

	numerator := uint256.NewInt(a)
	denominator := uint256.NewInt(b)

	if delta >= 0 {
		scale, err := CheckedPow(10, uint64(delta))
		if err != nil {
			return 0, err
		}
		numerator = numerator.Mul(numerator, uint256.NewInt(scale))
	} else {
		scale, err := CheckedPow(10, uint64(-delta))
		if err != nil {
			return 0, err
		}
		denominator = denominator.Mul(denominator, uint256.NewInt(scale))
	}

	quotient := new(uint256.Int).Div(numerator, denominator)
	if !quotient.IsUint64() {
		return 0, perrors.ErrMathOverflow
	}
	return quotient.Uint64(), nil
}

// CheckedAddI64 returns a+b, failing on int64 overflow. Used by the handful
// of pricing-surface computations (liquidation price, PnL) that need a
// signed margin buffer rather than a settlement-path amount.
func CheckedAddI64(a, b int64) (int64, error) {
	sum := a + b
	if (b > 0 && sum < a) || (b < 0 && sum > a) {
		return 0, perrors.ErrMathOverflow
	}
	return sum, nil
}

// CheckedSubI64 returns a-b, failing on int64 overflow.
func CheckedSubI64(a, b int64) (int64, error) {
	return CheckedAddI64(a, -b)
}

// CheckedMulI64 returns a*b, failing on int64 overflow.
func CheckedMulI64(a, b int64) (int64, error) {
	if a == 0 || b == 0 {
		return 0, nil
	}
	product := a * b
	if product/a != b {
		return 0, perrors.ErrMathOverflow
	}
	return product, nil
}

// CheckedDivI64 returns a/b, failing on division by zero.
func CheckedDivI64(a, b int64) (int64, error) {
	if b == 0 {
		return 0, perrors.ErrMathOverflow
	}
	return a / b, nil
}

// CheckedSignedScale computes value*mulBy/divBy, preserving value's sign,
// via a 256-bit intermediate so the multiply cannot silently wrap the way a
// raw int64 multiply would for the price*amount magnitudes the liquidation
// price and PnL formulas deal in.
func CheckedSignedScale(value int64, mulBy, divBy uint64) (int64, error) {
	if divBy == 0 {
		return 0, perrors.ErrMathOverflow
	}
	negative := value < 0
	magnitude := uint64(value)
	if negative {
		magnitude = uint64(-value)
	}

	product := Checked128Mul(magnitude, mulBy)
	quotient := product.Div(product, uint256.NewInt(divBy))
	if !quotient.IsUint64() {
		return 0, perrors.ErrMathOverflow
	}
	result := quotient.Uint64()
	if result > uint64(math.MaxInt64) {
		return 0, perrors.ErrMathOverflow
	}
	if negative {
		return -int64(result), nil
	}
	return int64(result), nil
}

// AsDecimal renders a fixed-point amount as a human-readable decimal for
// logs and the simulator CLI only. It is never called on the settlement
// path: every accounting decision is made with the checked integer helpers
// above.
func AsDecimal(mantissa uint64, exponent int32) decimal.Decimal {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(mantissa), exponent)
}

// AsFloat64 is the same observability-only escape hatch, kept for call
// sites that only need a quick approximate value (e.g. a metrics gauge).
func AsFloat64(mantissa uint64, exponent int32) float64 {
	return float64(mantissa) * math.Pow10(int(exponent))
}
