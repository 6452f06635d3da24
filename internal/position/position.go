// Package position implements C6: the position record and the invariants
// that keep its absolute (USD) and asset-denominated views consistent.
package position

import (
	"github.com/gagliardetto/solana-go"

	"github.com/bxkdhc6282/perpetuals/internal/custody"
	"github.com/bxkdhc6282/perpetuals/internal/fixedmath"
	"github.com/bxkdhc6282/perpetuals/internal/perrors"
)

// Position holds both the absolute (size_usd, collateral_usd) and
// asset-denominated (collateral_amount, locked_amount) views of an open
// leveraged position. The entry Price is stored at a fixed exponent of
// -PriceDecimals, independent of the oracle's own exponent, so that
// cross-session comparisons are exact (spec.md §4.6).
type Position struct {
	Owner                solana.PublicKey
	PoolID               solana.PublicKey
	CustodyID            solana.PublicKey
	CollateralCustodyID  solana.PublicKey
	Side                 custody.Side

	EntryPriceMantissa uint64 // exponent is always -fixedmath.PriceDecimals

	SizeUSD       uint64
	CollateralUSD uint64

	CollateralAmount uint64
	LockedAmount     uint64

	UnrealizedProfitUSD uint64
	UnrealizedLossUSD   uint64

	CumulativeInterestSnapshot uint64

	OpenTime   int64
	UpdateTime int64
}

// EntryExponent is the fixed exponent every stored entry price is expressed
// at, independent of whatever exponent the oracle happened to report in.
const EntryExponent = -fixedmath.PriceDecimals

// Key identifies a position uniquely: (owner, pool, custody, side).
type Key struct {
	Owner     solana.PublicKey
	PoolID    solana.PublicKey
	CustodyID solana.PublicKey
	Side      custody.Side
}

// KeyOf returns the unique key for p.
func (p *Position) KeyOf() Key {
	return Key{Owner: p.Owner, PoolID: p.PoolID, CustodyID: p.CustodyID, Side: p.Side}
}

// Leverage returns size_usd / collateral_usd in basis points (e.g. 50_000
// == 5x), failing if collateral is zero (invariant 3: collateral_usd > 0
// after any mutation).
func (p *Position) Leverage() (uint64, error) {
	if p.CollateralUSD == 0 {
		return 0, perrors.ErrInsufficientCollateral
	}
	scaled, err := fixedmath.CheckedMul(p.SizeUSD, fixedmath.BPSPower)
	if err != nil {
		return 0, err
	}
	return fixedmath.CheckedDiv(scaled, p.CollateralUSD)
}

// AddCollateral folds additional collateral (in both its USD and native
// token views) into the position.
func (p *Position) AddCollateral(amount, amountUSD uint64) error {
	amt, err := fixedmath.CheckedAdd(p.CollateralAmount, amount)
	if err != nil {
		return err
	}
	usd, err := fixedmath.CheckedAdd(p.CollateralUSD, amountUSD)
	if err != nil {
		return err
	}
	p.CollateralAmount, p.CollateralUSD = amt, usd
	return nil
}

// RemoveCollateral withdraws collateral, failing InsufficientFunds unless
// both views keep a nonzero balance afterwards (withdrawing the whole
// balance is refused).
func (p *Position) RemoveCollateral(amount, amountUSD uint64) error {
	if amount >= p.CollateralAmount || amountUSD >= p.CollateralUSD {
		return perrors.ErrInsufficientFunds
	}
	amt, err := fixedmath.CheckedSub(p.CollateralAmount, amount)
	if err != nil {
		return err
	}
	usd, err := fixedmath.CheckedSub(p.CollateralUSD, amountUSD)
	if err != nil {
		return err
	}
	p.CollateralAmount, p.CollateralUSD = amt, usd
	return nil
}
