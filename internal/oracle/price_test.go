package oracle

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScaleToExponent(t *testing.T) {
	price := New(12300, -3)

	scaled, err := price.ScaleToExponent(-6)
	require.NoError(t, err)
	assert.Equal(t, uint64(12300000), scaled.Mantissa)
	assert.Equal(t, int32(-6), scaled.Exponent)

	scaled, err = price.ScaleToExponent(-1)
	require.NoError(t, err)
	assert.Equal(t, uint64(123), scaled.Mantissa)
	assert.Equal(t, int32(-1), scaled.Exponent)

	scaled, err = price.ScaleToExponent(1)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), scaled.Mantissa)
	assert.Equal(t, int32(1), scaled.Exponent)
}

func TestNormalize(t *testing.T) {
	price := New((1<<28)+5, 0)
	normalized, err := price.Normalize()
	require.NoError(t, err)
	assert.LessOrEqual(t, normalized.Mantissa, uint64((1<<28)-1))
	assert.Greater(t, normalized.Exponent, int32(0))
}

func TestGetMinPriceStableClamp(t *testing.T) {
	a := New(1_050_000, -6) // 1.05 USD
	b := New(990_000, -6)   // 0.99 USD

	min, err := a.GetMinPrice(b, true)
	require.NoError(t, err)
	assert.Equal(t, b, min)

	// Now make the minimum itself exceed 1 USD.
	c := New(2_000_000, -6)
	d := New(1_500_000, -6)
	min, err = c.GetMinPrice(d, true)
	require.NoError(t, err)
	assert.LessOrEqual(t, min.Mantissa, uint64(1_000_000))
	assert.Equal(t, int32(-6), min.Exponent)
}

func TestGetMinPriceNonStablePassesThrough(t *testing.T) {
	a := New(105, -2)
	b := New(110, -2)
	min, err := a.GetMinPrice(b, false)
	require.NoError(t, err)
	assert.Equal(t, a, min)
}

func TestCompareIncomparableOnOverflow(t *testing.T) {
	huge := New(^uint64(0), 0)
	_, err := huge.Compare(New(1, -30))
	require.Error(t, err)
}

func TestGetAssetAndTokenAmountRoundTrip(t *testing.T) {
	price := New(100_000000, -6) // 100.0 USD
	usd, err := price.GetAssetAmountUSD(10_000000000, 9)
	require.NoError(t, err)
	assert.Equal(t, uint64(1000_000000), usd) // 10 tokens * 100 = 1000 USD

	tokens, err := price.GetTokenAmount(usd, 9)
	require.NoError(t, err)
	assert.Equal(t, uint64(10_000000000), tokens)
}
