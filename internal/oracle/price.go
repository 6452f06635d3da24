// Package oracle implements OraclePrice (C2) and the OracleGateway (C3):
// a signed-exponent price representation with overflow-checked comparison,
// scaling, and arithmetic, and the feed-resolution logic that validates
// staleness and confidence before a price is allowed onto the settlement
// path.
package oracle

import (
	"fmt"

	"github.com/bxkdhc6282/perpetuals/internal/fixedmath"
)

// Price is mantissa * 10^exponent. mantissa is at most 2^28-1 once
// Normalize has been applied.
type Price struct {
	Mantissa uint64
	Exponent int32
}

// New constructs a Price from a raw mantissa/exponent pair.
func New(mantissa uint64, exponent int32) Price {
	return Price{Mantissa: mantissa, Exponent: exponent}
}

// FromTokenAmount builds a Price representing a token amount at its native
// decimals, used when a quantity (not a market price) needs to pass through
// the same scaling helpers.
func FromTokenAmount(amount uint64, decimals uint8) Price {
	return Price{Mantissa: amount, Exponent: -int32(decimals)}
}

// Normalize repeatedly divides the mantissa by 10 while it exceeds
// OracleMaxPrice, incrementing the exponent to compensate.
func (p Price) Normalize() (Price, error) {
	mantissa, exponent := p.Mantissa, p.Exponent
	for mantissa > fixedmath.OracleMaxPrice {
		next, err := fixedmath.CheckedDiv(mantissa, 10)
		if err != nil {
			return Price{}, err
		}
		mantissa = next
		exponent++
	}
	return Price{Mantissa: mantissa, Exponent: exponent}, nil
}

// ScaleToExponent multiplies or truncates the mantissa by 10^|target-exponent|
// so the price is expressed at the requested exponent. Truncation toward
// zero is the canonical rounding, matching the rest of the core.
func (p Price) ScaleToExponent(target int32) (Price, error) {
	if target == p.Exponent {
		return p, nil
	}
	delta := int64(target) - int64(p.Exponent)
	if delta > 0 {
		scale, err := fixedmath.CheckedPow(10, uint64(delta))
		if err != nil {
			return Price{}, err
		}
		mantissa, err := fixedmath.CheckedDiv(p.Mantissa, scale)
		if err != nil {
			return Price{}, err
		}
		return Price{Mantissa: mantissa, Exponent: target}, nil
	}
	scale, err := fixedmath.CheckedPow(10, uint64(-delta))
	if err != nil {
		return Price{}, err
	}
	mantissa, err := fixedmath.CheckedMul(p.Mantissa, scale)
	if err != nil {
		return Price{}, err
	}
	return Price{Mantissa: mantissa, Exponent: target}, nil
}

// Compare aligns exponents by scaling the smaller-exponent operand up and
// returns -1, 0, or 1. It fails if the required scale overflows, in which
// case the two prices are "incomparable" and the caller must fail the
// action rather than guess an ordering.
func (p Price) Compare(other Price) (int, error) {
	lhs, rhs := p.Mantissa, other.Mantissa
	switch {
	case p.Exponent == other.Exponent:
		// lhs, rhs already set.
	case p.Exponent < other.Exponent:
		scaled, err := other.ScaleToExponent(p.Exponent)
		if err != nil {
			return 0, fmt.Errorf("oracle price incomparable: %w", err)
		}
		rhs = scaled.Mantissa
	default:
		scaled, err := p.ScaleToExponent(other.Exponent)
		if err != nil {
			return 0, fmt.Errorf("oracle price incomparable: %w", err)
		}
		lhs = scaled.Mantissa
	}
	switch {
	case lhs < rhs:
		return -1, nil
	case lhs > rhs:
		return 1, nil
	default:
		return 0, nil
	}
}

// LessThan reports whether p < other, per Compare. A comparison failure is
// treated as not-less-than; callers that need to propagate the error should
// call Compare directly.
func (p Price) LessThan(other Price) bool {
	cmp, err := p.Compare(other)
	return err == nil && cmp < 0
}

// CheckedMul returns p*other. Note this does NOT apply
// fixedmath.OracleExponentScale — only CheckedDiv does. The source this
// spec was distilled from gives no rationale for the asymmetry and none is
// invented here; see DESIGN.md Open Question #3.
func (p Price) CheckedMul(other Price) (Price, error) {
	mantissa, err := fixedmath.CheckedMul(p.Mantissa, other.Mantissa)
	if err != nil {
		return Price{}, err
	}
	exponent := p.Exponent + other.Exponent
	return Price{Mantissa: mantissa, Exponent: exponent}, nil
}

// CheckedDiv returns p/other, normalizing both operands first and stamping
// the result's exponent with fixedmath.OracleExponentScale to preserve
// precision through the division.
func (p Price) CheckedDiv(other Price) (Price, error) {
	base, err := p.Normalize()
	if err != nil {
		return Price{}, err
	}
	divisor, err := other.Normalize()
	if err != nil {
		return Price{}, err
	}

	scaled, err := fixedmath.CheckedMul(base.Mantissa, uint64(1_000_000_000))
	if err != nil {
		return Price{}, err
	}
	mantissa, err := fixedmath.CheckedDiv(scaled, divisor.Mantissa)
	if err != nil {
		return Price{}, err
	}
	exponent := base.Exponent + fixedmath.OracleExponentScale - divisor.Exponent
	return Price{Mantissa: mantissa, Exponent: exponent}, nil
}

// GetAssetAmountUSD returns amount*price expressed with USD_DECIMALS
// fractional digits.
func (p Price) GetAssetAmountUSD(tokenAmount uint64, decimals uint8) (uint64, error) {
	if tokenAmount == 0 || p.Mantissa == 0 {
		return 0, nil
	}
	return fixedmath.CheckedDecimalMul(tokenAmount, -int32(decimals), p.Mantissa, p.Exponent, -fixedmath.USDDecimals)
}

// GetTokenAmount is the inverse of GetAssetAmountUSD.
func (p Price) GetTokenAmount(usdAmount uint64, decimals uint8) (uint64, error) {
	if usdAmount == 0 || p.Mantissa == 0 {
		return 0, nil
	}
	return fixedmath.CheckedDecimalDiv(usdAmount, -fixedmath.USDDecimals, p.Mantissa, p.Exponent, -int32(decimals))
}

// GetMaxPrice returns the larger of p and other, comparing by value
// (Compare), not by raw mantissa. Used where a non-stable asset's adverse
// price is the higher of spot/EMA rather than the lower.
func (p Price) GetMaxPrice(other Price) Price {
	if other.LessThan(p) {
		return p
	}
	return other
}

// GetMinPrice returns the smaller of p and other. When isStable, the result
// is additionally clamped to at most one unit of quote currency so a
// stablecoin can never be priced above par.
func (p Price) GetMinPrice(other Price, isStable bool) (Price, error) {
	minPrice := p
	if other.LessThan(p) {
		minPrice = other
	}
	if !isStable {
		return minPrice, nil
	}

	if minPrice.Exponent > 0 {
		// Malformed feed (positive exponent on a stable asset): clamp
		// straight to the canonical 1.0 USD representation rather than
		// inverting 10^-exponent, matching the original implementation.
		if minPrice.Mantissa == 0 {
			return minPrice, nil
		}
		return Price{Mantissa: 1_000_000, Exponent: -6}, nil
	}

	oneUSD, err := fixedmath.CheckedPow(10, uint64(-minPrice.Exponent))
	if err != nil {
		return Price{}, err
	}
	if minPrice.Mantissa > oneUSD {
		return Price{Mantissa: oneUSD, Exponent: minPrice.Exponent}, nil
	}
	return minPrice, nil
}
