// Package lpshare implements C7: mint/burn pricing for the pool's single
// fungible LP share against its Assets Under Management.
package lpshare

import (
	"github.com/bxkdhc6282/perpetuals/internal/fixedmath"
)

// MintOnAddLiquidity computes the LP tokens minted for depositing a token
// amount already converted to USD (net of fee), using aumUSDMax — the AUM
// computed under AumModeMax — so that an instantaneous round trip cannot be
// profitable (spec.md §4.7). When the pool is bootstrapping (aumUSDMax==0
// and lpSupply==0), lp_out == tokenAmountUSD.
func MintOnAddLiquidity(tokenAmountUSD, lpSupply, aumUSDMax uint64) (uint64, error) {
	if aumUSDMax == 0 {
		return tokenAmountUSD, nil
	}
	numerator, err := fixedmath.CheckedMul(tokenAmountUSD, lpSupply)
	if err != nil {
		return 0, err
	}
	return fixedmath.CheckedDiv(numerator, aumUSDMax)
}

// BurnOnRemoveLiquidity computes the USD value redeemed for burning lpIn
// LP tokens, using aumUSDMin — the AUM computed under AumModeMin.
func BurnOnRemoveLiquidity(lpIn, lpSupply, aumUSDMin uint64) (uint64, error) {
	if lpSupply == 0 {
		return 0, nil
	}
	numerator, err := fixedmath.CheckedMul(aumUSDMin, lpIn)
	if err != nil {
		return 0, err
	}
	return fixedmath.CheckedDiv(numerator, lpSupply)
}
