package router

import (
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bxkdhc6282/perpetuals/internal/custody"
	"github.com/bxkdhc6282/perpetuals/internal/fixedmath"
	"github.com/bxkdhc6282/perpetuals/internal/multisig"
	"github.com/bxkdhc6282/perpetuals/internal/oracle"
	"github.com/bxkdhc6282/perpetuals/internal/perrors"
	"github.com/bxkdhc6282/perpetuals/internal/pool"
	"github.com/bxkdhc6282/perpetuals/internal/position"
)

func usd(amount float64) uint64 {
	return uint64(amount * 1_000_000)
}

func price9(amount float64) oracle.Price {
	return oracle.New(uint64(amount*1_000_000_000), -fixedmath.PriceDecimals)
}

func newTestPool() *pool.Pool {
	return &pool.Pool{Name: "test-pool"}
}

func newSOLCustody() *custody.Custody {
	return &custody.Custody{
		Decimals: 9,
		Pricing: custody.Pricing{
			TradeSpreadLongBps:      10,
			TradeSpreadShortBps:     10,
			MaxLeverage:             100_000, // 10x
			LiquidationThresholdBps: 9000,
		},
		Fees: custody.Fees{
			OpenPositionBps:    10,
			ClosePositionBps:   10,
			LiquidationBps:     50,
			SwapInBps:          5,
			SwapOutBps:         5,
			AddLiquidityBps:    10,
			RemoveLiquidityBps: 10,
		},
		Assets: custody.Assets{Owned: 1_000_000_000_000}, // 1000 SOL
	}
}

func newUSDCCustody() *custody.Custody {
	return &custody.Custody{
		Decimals: 6,
		IsStable: true,
		Assets:   custody.Assets{Owned: usd(1_000_000)},
		Fees: custody.Fees{
			SwapInBps:          5,
			SwapOutBps:         5,
			AddLiquidityBps:    10,
			RemoveLiquidityBps: 10,
		},
	}
}

func TestOpenPositionLongPricesEntryAndLocksReserve(t *testing.T) {
	r := New(nil)
	p := newTestPool()
	traded := newSOLCustody()
	collateral := newUSDCCustody()
	pos := &position.Position{}

	req := OpenPositionRequest{
		Now:             1000,
		Side:            custody.SideLong,
		Pool:            p,
		Traded:          traded,
		Collateral:      collateral,
		Position:        pos,
		SizeUSD:         usd(1000),
		CollateralUSD:   usd(200),
		CollateralAmount: 200_000_000,
		Spot:            price9(100),
		EMA:             price9(99),
		CollateralPrice: price9(1),
	}

	result, err := r.OpenPosition(req)
	require.NoError(t, err)
	assert.Equal(t, price9(100.1).Mantissa, result.EntryPrice.Mantissa)
	assert.Greater(t, result.Fee, uint64(0))
	assert.Equal(t, pos.SizeUSD, usd(1000))
	assert.Equal(t, pos.Side, custody.SideLong)
	assert.Greater(t, traded.Assets.Locked, uint64(0))
	assert.Equal(t, usd(1000), traded.LongPositionsUSD)
}

func TestOpenPositionRejectsExcessiveLeverage(t *testing.T) {
	r := New(nil)
	p := newTestPool()
	traded := newSOLCustody()
	collateral := newUSDCCustody()
	pos := &position.Position{}

	req := OpenPositionRequest{
		Now:             1000,
		Side:            custody.SideLong,
		Pool:            p,
		Traded:          traded,
		Collateral:      collateral,
		Position:        pos,
		SizeUSD:         usd(10_000), // 50x against 200 USD collateral
		CollateralUSD:   usd(200),
		CollateralAmount: 200_000_000,
		Spot:            price9(100),
		EMA:             price9(99),
		CollateralPrice: price9(1),
	}

	_, err := r.OpenPosition(req)
	require.Error(t, err)
}

func TestOpenPositionRejectsDuplicateOracleFeedForDistinctCustodies(t *testing.T) {
	r := New(nil)
	p := newTestPool()
	traded := newSOLCustody()
	collateral := newUSDCCustody()
	traded.MintID = solana.NewWallet().PublicKey()
	collateral.MintID = solana.NewWallet().PublicKey()
	sharedFeed := [32]byte{9}
	traded.Oracle.FeedID = sharedFeed
	collateral.Oracle.FeedID = sharedFeed
	pos := &position.Position{}

	req := OpenPositionRequest{
		Now:              1000,
		Side:             custody.SideLong,
		Pool:             p,
		Traded:           traded,
		Collateral:       collateral,
		Position:         pos,
		SizeUSD:          usd(1_000),
		CollateralUSD:    usd(200),
		CollateralAmount: 200_000_000,
		Spot:             price9(100),
		EMA:              price9(99),
		CollateralPrice:  price9(1),
	}

	_, err := r.OpenPosition(req)
	require.ErrorIs(t, err, perrors.ErrDuplicateOracleFeed)
}

func TestAddThenRemoveCollateralRoundTrips(t *testing.T) {
	r := New(nil)
	traded := newSOLCustody()
	pos := &position.Position{SizeUSD: usd(1000), CollateralUSD: usd(200), CollateralAmount: 200_000_000}

	require.NoError(t, r.AddCollateral(1000, traded, pos, 50_000_000, usd(50)))
	assert.Equal(t, usd(250), pos.CollateralUSD)

	p := newTestPool()
	require.NoError(t, r.RemoveCollateral(1001, p, traded, pos, 50_000_000, usd(50)))
	assert.Equal(t, usd(200), pos.CollateralUSD)
}

func TestRemoveCollateralRejectsWhenLeverageWouldExceedCap(t *testing.T) {
	r := New(nil)
	p := newTestPool()
	traded := newSOLCustody()
	pos := &position.Position{SizeUSD: usd(1000), CollateralUSD: usd(101), CollateralAmount: 101_000_000}

	err := r.RemoveCollateral(1000, p, traded, pos, 100_000_000, usd(100))
	require.Error(t, err)
}

func TestClosePositionLongSettlesProfit(t *testing.T) {
	r := New(nil)
	p := newTestPool()
	traded := newSOLCustody()
	collateral := newUSDCCustody()

	openReq := OpenPositionRequest{
		Now:             0,
		Side:            custody.SideLong,
		Pool:            p,
		Traded:          traded,
		Collateral:      collateral,
		Position:        &position.Position{},
		SizeUSD:         usd(1000),
		CollateralUSD:   usd(200),
		CollateralAmount: 200_000_000,
		Spot:            price9(100),
		EMA:             price9(100),
		CollateralPrice: price9(1),
	}
	result, err := r.OpenPosition(openReq)
	require.NoError(t, err)

	pos := openReq.Position
	_ = result

	closeReq := ClosePositionRequest{
		Now:             3600,
		Pool:            p,
		Traded:          traded,
		Collateral:      collateral,
		CollateralPrice: price9(1),
		Position:        pos,
		Spot:            price9(110),
		EMA:             price9(110),
	}
	pnl, fee, err := r.ClosePosition(closeReq)
	require.NoError(t, err)
	assert.Greater(t, pnl.Profit, uint64(0))
	assert.Equal(t, uint64(0), pnl.Loss)
	assert.Greater(t, fee, uint64(0))
	assert.Equal(t, uint64(0), traded.Assets.Locked)
	assert.Equal(t, uint64(0), traded.LongPositionsUSD)
}

func TestLiquidateRejectsWhenPositionIsHealthy(t *testing.T) {
	r := New(nil)
	p := newTestPool()
	traded := newSOLCustody()
	collateral := newUSDCCustody()
	pos := &position.Position{
		Side:               custody.SideLong,
		EntryPriceMantissa: 100 * 1_000_000_000,
		SizeUSD:            usd(1000),
		CollateralUSD:      usd(200),
		LockedAmount:       10_000_000_000,
	}

	_, _, err := r.Liquidate(100, p, traded, collateral, price9(1), pos, price9(100), price9(100))
	require.Error(t, err)
}

func TestLiquidateSucceedsWhenUnderwater(t *testing.T) {
	r := New(nil)
	p := newTestPool()
	traded := newSOLCustody()
	collateral := newUSDCCustody()
	pos := &position.Position{
		Side:               custody.SideLong,
		EntryPriceMantissa: 100 * 1_000_000_000,
		SizeUSD:            usd(1000),
		CollateralUSD:      usd(5),
		LockedAmount:       10_000_000_000,
	}
	traded.Assets.Locked = pos.LockedAmount
	traded.LongPositionsUSD = pos.SizeUSD

	result, fee, err := r.Liquidate(100, p, traded, collateral, price9(1), pos, price9(50), price9(50))
	require.NoError(t, err)
	assert.Greater(t, result.Loss, uint64(0))
	assert.Greater(t, fee, uint64(0))
}

func TestSwapMovesReservesAndChargesBothSideFees(t *testing.T) {
	r := New(nil)
	p := newTestPool()
	sol := newSOLCustody()
	usdc := newUSDCCustody()
	ratio := pool.RatioConfig{TargetBps: 5000, MaxRatioFeeBps: 50}

	totalAUM := usd(1_100_000)
	usdcOwnedBefore := usdc.Assets.Owned
	solOwnedBefore := sol.Assets.Owned

	result, err := r.Swap(1000, p, usdc, sol, ratio, ratio, price9(1), price9(1), price9(100), price9(100), 1_000_000_000, totalAUM)
	require.NoError(t, err)
	assert.Greater(t, result.AmountOut, uint64(0))
	assert.Greater(t, result.FeeIn, uint64(0))
	assert.Greater(t, result.FeeOut, uint64(0))
	assert.Equal(t, usdcOwnedBefore+1_000_000_000, usdc.Assets.Owned)
	assert.Equal(t, solOwnedBefore-result.AmountOut, sol.Assets.Owned)
}

// TestSwapValuesInputAtMaxSpotEmaAndOutputAtMin is spec.md's S2 scenario:
// custody A non-stable at spot 100/ema 101, custody B stable at spot 1/ema 1,
// zero ratio fees. 1,000,000,000 units of A in should yield 101,000,000,000
// units of B out.
func TestSwapValuesInputAtMaxSpotEmaAndOutputAtMin(t *testing.T) {
	r := New(nil)
	p := newTestPool()
	custodyA := &custody.Custody{Decimals: 9, Assets: custody.Assets{Owned: 1_000_000_000_000}}
	custodyB := &custody.Custody{Decimals: 9, IsStable: true, Assets: custody.Assets{Owned: 1_000_000_000_000}}
	noFeeRatio := pool.RatioConfig{TargetBps: 5000, MaxRatioFeeBps: 0}
	totalAUM := usd(2_000_000)

	result, err := r.Swap(1000, p, custodyA, custodyB, noFeeRatio, noFeeRatio, price9(100), price9(101), price9(1), price9(1), 1_000_000_000, totalAUM)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), result.FeeIn)
	assert.Equal(t, uint64(0), result.FeeOut)
	assert.Equal(t, uint64(101_000_000_000), result.AmountOut)
}

func TestAddLiquidityMintsAndChargesFee(t *testing.T) {
	r := New(nil)
	p := newTestPool()
	usdc := newUSDCCustody()
	ratio := pool.RatioConfig{TargetBps: 5000, MaxRatioFeeBps: 50}

	lpOut, fee, err := r.AddLiquidity(1000, p, usdc, ratio, price9(1), usd(100), usd(500_000), usd(1_000_000), usd(900_000))
	require.NoError(t, err)
	assert.Greater(t, lpOut, uint64(0))
	assert.Greater(t, fee, uint64(0))
}

func TestRemoveLiquidityBurnsAndChargesFee(t *testing.T) {
	r := New(nil)
	p := newTestPool()
	usdc := newUSDCCustody()
	ratio := pool.RatioConfig{TargetBps: 5000, MaxRatioFeeBps: 50}

	amountOut, fee, err := r.RemoveLiquidity(1000, p, usdc, ratio, price9(1), usd(100), usd(500_000), usd(1_000_000), usd(900_000))
	require.NoError(t, err)
	assert.Greater(t, amountOut, uint64(0))
	assert.GreaterOrEqual(t, fee, uint64(0))
}

func TestRemoveLiquidityRejectsWhenExceedingAvailableReserve(t *testing.T) {
	r := New(nil)
	p := newTestPool()
	usdc := &custody.Custody{Decimals: 6, IsStable: true, Assets: custody.Assets{Owned: usd(100), Locked: usd(99)}}
	ratio := pool.RatioConfig{TargetBps: 5000, MaxRatioFeeBps: 50}

	_, _, err := r.RemoveLiquidity(1000, p, usdc, ratio, price9(1), usd(1_000_000), usd(100), usd(100), usd(900_000))
	require.Error(t, err)
}

func TestGetAUMMatchesUpdatePoolAUM(t *testing.T) {
	r := New(nil)
	idSOL := solana.NewWallet().PublicKey()
	p := &pool.Pool{CustodyIDs: []solana.PublicKey{idSOL}}
	sol := newSOLCustody()

	inputs := []pool.AumInput{{CustodyID: idSOL, Custody: sol, Spot: price9(100), EMA: price9(100)}}

	updated, err := r.UpdatePoolAUM(p, pool.AumModeMin, inputs)
	require.NoError(t, err)
	queried, err := r.GetAUM(p, pool.AumModeMin, inputs)
	require.NoError(t, err)
	assert.Equal(t, updated, queried)
}

func TestGetLPTokenPriceHandlesZeroSupply(t *testing.T) {
	r := New(nil)
	idSOL := solana.NewWallet().PublicKey()
	p := &pool.Pool{CustodyIDs: []solana.PublicKey{idSOL}}
	sol := newSOLCustody()
	inputs := []pool.AumInput{{CustodyID: idSOL, Custody: sol, Spot: price9(100), EMA: price9(100)}}

	price, err := r.GetLPTokenPrice(p, pool.AumModeMin, inputs, 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), price)
}

func TestGetEntryAndExitPriceAndFeeMatchMutatingPath(t *testing.T) {
	r := New(nil)
	p := newTestPool()
	traded := newSOLCustody()
	collateral := newUSDCCustody()

	entry, err := r.GetEntryPriceAndFee(p, custody.SideLong, traded, collateral, usd(1000), price9(100), price9(99), price9(1))
	require.NoError(t, err)
	assert.Equal(t, price9(100.1).Mantissa, entry.Price.Mantissa)
	assert.Greater(t, entry.Fee, uint64(0))

	pos := &position.Position{Side: custody.SideLong, SizeUSD: usd(1000)}
	exit, err := r.GetExitPriceAndFee(p, traded, collateral, price9(1), pos, price9(100), price9(99))
	require.NoError(t, err)
	assert.Greater(t, exit.Fee, uint64(0))
}

func TestGetLiquidationStateFlipsWhenUnderwater(t *testing.T) {
	r := New(nil)
	p := newTestPool()
	traded := newSOLCustody()
	pos := &position.Position{
		Side:               custody.SideLong,
		EntryPriceMantissa: 100 * 1_000_000_000,
		SizeUSD:            usd(1000),
		CollateralUSD:      usd(200),
	}

	healthy, err := r.GetLiquidationState(p, traded, pos, 0, price9(100), price9(100))
	require.NoError(t, err)
	assert.False(t, healthy)

	underwater, err := r.GetLiquidationState(p, traded, pos, 0, price9(50), price9(50))
	require.NoError(t, err)
	assert.True(t, underwater)
}

func TestAdminActionRequiresMultisigThreshold(t *testing.T) {
	r := New(nil)
	signers := make([]solana.PublicKey, 3)
	for i := range signers {
		signers[i] = solana.NewWallet().PublicKey()
	}
	guard, err := multisig.New(signers, 2)
	require.NoError(t, err)

	c := &custody.Custody{}
	newPricing := custody.Pricing{MaxLeverage: 50_000}

	instr := multisig.HashInstruction(string(AdminSetCustodyPricing))
	params := multisig.HashParams(instr, multisig.EncodeUint64Param(nil, newPricing.MaxLeverage))

	err = r.SetCustodyPricing(guard, params, c, newPricing)
	require.Error(t, err) // round never proposed, nothing to execute

	ready, err := guard.Propose(signers[0], instr, params)
	require.NoError(t, err)
	assert.False(t, ready)
	_, err = guard.Propose(signers[1], instr, params)
	require.NoError(t, err)

	err = r.SetCustodyPricing(guard, params, c, newPricing)
	require.NoError(t, err)
	assert.Equal(t, uint64(50_000), c.Pricing.MaxLeverage)
}

func TestAdminActionRejectsNilGuard(t *testing.T) {
	r := New(nil)
	c := &custody.Custody{}
	err := r.SetCustodyPricing(nil, multisig.ParamsHash{}, c, custody.Pricing{})
	require.Error(t, err)
}

func TestUpgradeCustodyMigratesV1Layout(t *testing.T) {
	r := New(nil)
	signers := make([]solana.PublicKey, 1)
	signers[0] = solana.NewWallet().PublicKey()
	guard, err := multisig.New(signers, 1)
	require.NoError(t, err)

	v1 := custody.LayoutV1{Decimals: 6, IsStable: true, FlatBorrowRateBps: 200}
	instr := multisig.HashInstruction(string(AdminUpgradeCustody))
	params := multisig.HashParams(instr, multisig.EncodeUint64Param(nil, uint64(v1.FlatBorrowRateBps)))

	_, err = guard.Propose(signers[0], instr, params)
	require.NoError(t, err)

	c := &custody.Custody{}
	require.NoError(t, r.UpgradeCustody(guard, params, c, v1))
	assert.Equal(t, uint64(200), c.BorrowRate.BaseRateBps)
	assert.Equal(t, uint64(fixedmath.BPSPower), c.BorrowRate.OptimalUtilizationBps)
}
