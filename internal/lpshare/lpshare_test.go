package lpshare

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMintOnAddLiquidityBootstrap(t *testing.T) {
	out, err := MintOnAddLiquidity(1_000_000_000, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(1_000_000_000), out)
}

func TestMintAndBurnRoundTripNonProfit(t *testing.T) {
	// S1-style bootstrap then a second round trip with nonzero AUM.
	lpSupply := uint64(1_000_000_000)
	aum := uint64(1_000_000_000)

	depositUSD := uint64(500_000_000)
	minted, err := MintOnAddLiquidity(depositUSD, lpSupply, aum)
	require.NoError(t, err)

	newSupply := lpSupply + minted
	newAUM := aum + depositUSD

	redeemed, err := BurnOnRemoveLiquidity(minted, newSupply, newAUM)
	require.NoError(t, err)
	assert.LessOrEqual(t, redeemed, depositUSD)
}

func TestBurnOnRemoveLiquidityEmptySupply(t *testing.T) {
	out, err := BurnOnRemoveLiquidity(100, 0, 1000)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), out)
}
