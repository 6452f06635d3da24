package pool

import (
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bxkdhc6282/perpetuals/internal/custody"
	"github.com/bxkdhc6282/perpetuals/internal/fixedmath"
	"github.com/bxkdhc6282/perpetuals/internal/oracle"
)

func usd(amount float64) uint64 {
	return uint64(amount * 1_000_000)
}

func price9(amount float64) oracle.Price {
	return oracle.New(uint64(amount*1_000_000_000), -fixedmath.PriceDecimals)
}

func TestAumUSDRejectsOrderMismatch(t *testing.T) {
	idA := solana.NewWallet().PublicKey()
	idB := solana.NewWallet().PublicKey()
	p := &Pool{CustodyIDs: []solana.PublicKey{idA, idB}}

	_, err := p.AumUSD(AumModeMin, []AumInput{
		{CustodyID: idB, Custody: &custody.Custody{}},
		{CustodyID: idA, Custody: &custody.Custody{}},
	})
	require.Error(t, err)
}

func TestAumUSDNonStableUsesModeAndVirtualUsesGuaranteed(t *testing.T) {
	idSOL := solana.NewWallet().PublicKey()
	idPerp := solana.NewWallet().PublicKey()
	p := &Pool{CustodyIDs: []solana.PublicKey{idSOL, idPerp}}

	sol := &custody.Custody{Decimals: 9, Assets: custody.Assets{Owned: 10_000_000_000}} // 10 SOL
	perp := &custody.Custody{IsVirtual: true, Assets: custody.Assets{GuaranteedUSD: usd(500)}}

	inputs := []AumInput{
		{CustodyID: idSOL, Custody: sol, Spot: price9(100), EMA: price9(110)},
		{CustodyID: idPerp, Custody: perp, Spot: price9(1), EMA: price9(1)},
	}

	min, err := p.AumUSD(AumModeMin, inputs)
	require.NoError(t, err)
	assert.Equal(t, usd(1000)+usd(500), min) // 10 SOL @ 100 (the lower) + guaranteed

	max, err := p.AumUSD(AumModeMax, inputs)
	require.NoError(t, err)
	assert.Equal(t, usd(1100)+usd(500), max) // 10 SOL @ 110 (the higher) + guaranteed
}

func TestAumUSDStableAlwaysClampsRegardlessOfMode(t *testing.T) {
	idUSDC := solana.NewWallet().PublicKey()
	p := &Pool{CustodyIDs: []solana.PublicKey{idUSDC}}
	usdc := &custody.Custody{Decimals: 6, IsStable: true, Assets: custody.Assets{Owned: usd(1000)}}

	// EMA reports above par; the stable clamp must still cap at 1.0.
	inputs := []AumInput{{CustodyID: idUSDC, Custody: usdc, Spot: price9(1.02), EMA: price9(1.05)}}

	max, err := p.AumUSD(AumModeMax, inputs)
	require.NoError(t, err)
	assert.Equal(t, usd(1000), max)
}

func TestEntryPriceLongPaysUpward(t *testing.T) {
	p := &Pool{}
	cfg := &custody.Custody{Pricing: custody.Pricing{TradeSpreadLongBps: 10, TradeSpreadShortBps: 10}}

	spot, ema := price9(100), price9(99)
	got, err := p.EntryPrice(spot, ema, custody.SideLong, cfg)
	require.NoError(t, err)
	// worse-of-spot/ema for a long entry is the higher (100), then +10bps.
	assert.Equal(t, price9(100.1).Mantissa, got.Mantissa)
}

func TestEntryPriceShortPaysDownward(t *testing.T) {
	p := &Pool{}
	cfg := &custody.Custody{Pricing: custody.Pricing{TradeSpreadLongBps: 10, TradeSpreadShortBps: 10}}

	spot, ema := price9(100), price9(99)
	got, err := p.EntryPrice(spot, ema, custody.SideShort, cfg)
	require.NoError(t, err)
	// worse-of-spot/ema for a short entry is the lower (99), then -10bps.
	assert.Equal(t, price9(98.901).Mantissa, got.Mantissa)
}

func TestExitPriceIsOppositeDirectionFromEntry(t *testing.T) {
	p := &Pool{}
	cfg := &custody.Custody{Pricing: custody.Pricing{TradeSpreadLongBps: 10, TradeSpreadShortBps: 10}}
	spot, ema := price9(100), price9(99)

	longExit, err := p.ExitPrice(spot, ema, custody.SideLong, cfg)
	require.NoError(t, err)
	assert.Equal(t, price9(99.9).Mantissa, longExit.Mantissa)

	shortExit, err := p.ExitPrice(spot, ema, custody.SideShort, cfg)
	require.NoError(t, err)
	assert.Equal(t, price9(99.099).Mantissa, shortExit.Mantissa)
}

func TestRatioAdjustedFeeDiscountsMoveTowardTarget(t *testing.T) {
	ratio := RatioConfig{TargetBps: 5000, MaxRatioFeeBps: 50}
	// Custody sits under target (30% of a 1000 USD pool); depositing moves it
	// closer to 50% so the fee should be discounted below base.
	fee, err := ratioAdjustedFeeBps(20, usd(300), usd(1000), usd(100), ratio, true)
	require.NoError(t, err)
	assert.Less(t, fee, uint64(20))
}

func TestRatioAdjustedFeeSurchargesMoveAwayFromTarget(t *testing.T) {
	ratio := RatioConfig{TargetBps: 5000, MaxRatioFeeBps: 50}
	// Custody already over target (70%); depositing more pushes further away.
	fee, err := ratioAdjustedFeeBps(20, usd(700), usd(1000), usd(100), ratio, true)
	require.NoError(t, err)
	assert.Greater(t, fee, uint64(20))
}

func TestRatioAdjustedFeeNeverNegative(t *testing.T) {
	ratio := RatioConfig{TargetBps: 5000, MaxRatioFeeBps: 1_000_000}
	fee, err := ratioAdjustedFeeBps(5, usd(300), usd(1000), usd(100), ratio, true)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, fee, uint64(0))
}

func TestSwapAmountRoundTripsThroughUSD(t *testing.T) {
	p := &Pool{}
	in := &custody.Custody{Decimals: 9}
	out := &custody.Custody{Decimals: 6}
	amountOut, err := p.SwapAmount(1_000_000_000, in, out, price9(100), price9(100), price9(50), price9(50)) // 1 SOL@100 -> a non-stable token @50
	require.NoError(t, err)
	assert.Equal(t, uint64(2_000_000), amountOut) // 100 USD worth / 50 per unit = 2 tokens @ 6 decimals
}

// TestSwapAmountValuesInputAtMaxAndOutputAtMin is spec.md's S2 scenario:
// custody A is non-stable with spot 100/ema 101, custody B is stable with
// spot 1/ema 1. 1,000,000,000 units of A (9 decimals) should value the
// input leg at max(100,101)=101 and the output leg at min(1,1)=1, yielding
// 101,000,000,000 units of B (9 decimals).
func TestSwapAmountValuesInputAtMaxAndOutputAtMin(t *testing.T) {
	p := &Pool{}
	custodyA := &custody.Custody{Decimals: 9}
	custodyB := &custody.Custody{Decimals: 9, IsStable: true}

	amountOut, err := p.SwapAmount(1_000_000_000, custodyA, custodyB, price9(100), price9(101), price9(1), price9(1))
	require.NoError(t, err)
	assert.Equal(t, uint64(101_000_000_000), amountOut)
}

func TestEntryFeeShortConvertsInCollateralUnits(t *testing.T) {
	p := &Pool{}
	traded := &custody.Custody{Decimals: 9}
	collateral := &custody.Custody{Decimals: 6}

	feeUSD, feeAmount, err := p.EntryFee(10, usd(1000), custody.SideShort, traded, price9(100), collateral, price9(1))
	require.NoError(t, err)
	assert.Equal(t, usd(1), feeUSD) // 10bps of 1000 USD
	assert.Equal(t, uint64(1_000_000), feeAmount) // 1 USD at $1 collateral, 6 decimals
}

func TestEntryFeeLongOnVirtualConvertsInCollateralUnits(t *testing.T) {
	p := &Pool{}
	traded := &custody.Custody{Decimals: 9, IsVirtual: true}
	collateral := &custody.Custody{Decimals: 6}

	_, feeAmount, err := p.EntryFee(10, usd(1000), custody.SideLong, traded, price9(100), collateral, price9(1))
	require.NoError(t, err)
	assert.Equal(t, uint64(1_000_000), feeAmount)
}

func TestEntryFeeLongOnRealCustodyConvertsInTradedUnits(t *testing.T) {
	p := &Pool{}
	traded := &custody.Custody{Decimals: 9}
	collateral := &custody.Custody{Decimals: 6}

	_, feeAmount, err := p.EntryFee(10, usd(1000), custody.SideLong, traded, price9(100), collateral, price9(1))
	require.NoError(t, err)
	// 1 USD fee at $100/SOL, 9 decimals == 0.01 SOL == 10_000_000 lamports.
	assert.Equal(t, uint64(10_000_000), feeAmount)
}

// TestLiquidationPriceLongMatchesScenario exercises spec.md S4: entry 100,
// size_usd 1000, collateral_usd 200, max_loss_bps 9000 (90%) -> liq price 90.
func TestLiquidationPriceLongMatchesScenario(t *testing.T) {
	p := &Pool{}
	entryMantissa := uint64(100 * 1_000_000_000)
	liq, err := p.LiquidationPrice(entryMantissa, usd(1000), usd(200), 0, 0, 9000, custody.SideLong)
	require.NoError(t, err)
	assert.Equal(t, price9(90).Mantissa, liq.Mantissa)
}

func TestLiquidationPriceShortMirrorsLong(t *testing.T) {
	p := &Pool{}
	entryMantissa := uint64(100 * 1_000_000_000)
	liq, err := p.LiquidationPrice(entryMantissa, usd(1000), usd(200), 0, 0, 9000, custody.SideShort)
	require.NoError(t, err)
	assert.Equal(t, price9(110).Mantissa, liq.Mantissa)
}

func TestPnLUSDLongProfitsWhenMarkAboveEntry(t *testing.T) {
	p := &Pool{}
	entryMantissa := uint64(100 * 1_000_000_000)
	profit, loss, fee, err := p.PnLUSD(entryMantissa, usd(1000), custody.SideLong, price9(110), price9(110), 0, 0, false)
	require.NoError(t, err)
	assert.Equal(t, usd(100), profit)
	assert.Equal(t, uint64(0), loss)
	assert.Equal(t, uint64(0), fee)
}

func TestPnLUSDLongLosesWhenMarkBelowEntry(t *testing.T) {
	p := &Pool{}
	entryMantissa := uint64(100 * 1_000_000_000)
	profit, loss, _, err := p.PnLUSD(entryMantissa, usd(1000), custody.SideLong, price9(90), price9(90), 0, 0, false)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), profit)
	assert.Equal(t, usd(100), loss)
}

func TestPnLUSDExactlyOneSideNonzero(t *testing.T) {
	p := &Pool{}
	entryMantissa := uint64(100 * 1_000_000_000)
	profit, loss, _, err := p.PnLUSD(entryMantissa, usd(1000), custody.SideLong, price9(100), price9(100), usd(1), 0, false)
	require.NoError(t, err)
	assert.True(t, profit == 0 || loss == 0)
}

func TestCheckLeverageInitialIsStrict(t *testing.T) {
	p := &Pool{}
	// size 1000, collateral 100 -> exactly 10x, cap 10x (100_000 bps).
	ok, err := p.CheckLeverage(usd(1000), usd(100), 0, 0, 0, 100_000, true)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCheckLeverageMaintenanceAllowsExactCap(t *testing.T) {
	p := &Pool{}
	ok, err := p.CheckLeverage(usd(1000), usd(100), 0, 0, 0, 100_000, false)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCheckLeverageRejectsOverCap(t *testing.T) {
	p := &Pool{}
	// S3-style scenario: leverage above 10x should be rejected.
	ok, err := p.CheckLeverage(usd(1002), usd(100), 0, 0, 0, 100_000, false)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestGetTokenIDUnknown(t *testing.T) {
	p := &Pool{CustodyIDs: []solana.PublicKey{solana.NewWallet().PublicKey()}}
	_, err := p.GetTokenID(solana.NewWallet().PublicKey())
	require.Error(t, err)
}
