// Package custody implements C4 Custody: the per-asset sub-account of a
// pool that holds reserves, open interest, fee parameters, and the
// borrow-rate curve from which interest accrues.
package custody

import (
	"github.com/gagliardetto/solana-go"

	"github.com/bxkdhc6282/perpetuals/internal/fixedmath"
	"github.com/bxkdhc6282/perpetuals/internal/oracle"
	"github.com/bxkdhc6282/perpetuals/internal/perrors"
)

// Side is Long or Short. KindNone-style closed unions apply here too:
// any value outside {Long, Short} must fail InvalidArgument.
type Side uint8

const (
	SideNone Side = iota
	SideLong
	SideShort
)

// SecondsPerYear anchors the borrow-rate curve's bps-per-second accrual.
const SecondsPerYear = 365 * 24 * 60 * 60

// Pricing mirrors the per-custody pricing configuration.
type Pricing struct {
	UseEMA                 bool
	TradeSpreadLongBps     uint64
	TradeSpreadShortBps    uint64
	MaxLeverage            uint64 // basis points, e.g. 500_000 == 50x
	MaxGlobalLongSizesUSD  uint64
	MaxGlobalShortSizesUSD uint64

	// LiquidationThresholdBps is max_loss_bps: the liquidation price is the
	// price at which the position's remaining equity falls to
	// size_usd * (BPS_POWER - max_loss_bps) / BPS_POWER.
	LiquidationThresholdBps uint64
}

// Fees mirrors the per-custody fee schedule, all in basis points.
type Fees struct {
	OpenPositionBps    uint64
	ClosePositionBps   uint64
	LiquidationBps     uint64
	ProtocolShareBps   uint64
	SwapInBps          uint64
	SwapOutBps         uint64
	AddLiquidityBps    uint64
	RemoveLiquidityBps uint64
}

// BorrowRateParams defines the piecewise-linear utilization curve.
type BorrowRateParams struct {
	BaseRateBps          uint64
	Slope1Bps            uint64
	Slope2Bps            uint64
	OptimalUtilizationBps uint64
}

// Assets tracks the custody's reserves. GuaranteedUSD is only meaningful on
// a virtual custody: the running USD cost-basis the pool has guaranteed
// against that custody's aggregate open interest, since a virtual custody
// holds no spot reserves to reprice directly (spec.md §4.5's AUM traversal
// values virtual custodies through this ledger instead of Owned/Locked).
type Assets struct {
	Owned         uint64
	Locked        uint64
	Collateral    uint64
	GuaranteedUSD uint64
}

// CollectedFees accumulates fees by category, in token units.
type CollectedFees struct {
	OpenPosition    uint64
	ClosePosition   uint64
	Liquidation     uint64
	SwapIn          uint64
	SwapOut         uint64
	AddLiquidity    uint64
	RemoveLiquidity uint64
}

// VolumeStats and TradeStats are observability accumulators; they never
// feed back into settlement math.
type VolumeStats struct {
	SwapUSD          uint64
	AddLiquidityUSD  uint64
	RemoveLiquidityUSD uint64
	OpenPositionUSD  uint64
	ClosePositionUSD uint64
}

type TradeStats struct {
	Profit uint64
	Loss   uint64
	Oi     uint64
}

// BorrowRateState is the mutable accrual state: the instantaneous rate and
// the monotonically increasing index it feeds.
type BorrowRateState struct {
	CurrentRateBps     uint64
	CumulativeInterest uint64 // bps * seconds, accumulated
	LastUpdate         int64
}

// Custody is the per-asset state of a pool (spec.md §3).
type Custody struct {
	MintID     solana.PublicKey
	Decimals   uint8
	IsStable   bool
	IsVirtual  bool

	Pricing    Pricing
	Fees       Fees
	BorrowRate BorrowRateParams
	Oracle     oracle.Params

	Assets        Assets
	CollectedFees CollectedFees
	VolumeStats   VolumeStats
	TradeStats    TradeStats

	LongPositionsUSD  uint64
	ShortPositionsUSD uint64

	BorrowRateState BorrowRateState
}

// LayoutV1 is the deprecated, pre-borrow-curve custody layout (spec.md §9
// "Migrations"). UpgradeFromV1 copies it field-for-field into the current
// Custody shape; the old blob is retired by the host once the caller has
// re-validated invariants 1-3 against the result.
type LayoutV1 struct {
	MintID    solana.PublicKey
	Decimals  uint8
	IsStable  bool
	Assets    Assets
	Fees      Fees
	Oracle    oracle.Params
	// V1 carried a single flat borrow rate instead of the piecewise curve.
	FlatBorrowRateBps uint64
}

// UpgradeFromV1 migrates a LayoutV1 blob into c, filling the fields V1 never
// had with conservative defaults (the optimal-utilization knee is set to
// 100%, collapsing the curve back to V1's flat rate until an admin sets new
// curve parameters).
func (c *Custody) UpgradeFromV1(v1 LayoutV1) {
	c.MintID = v1.MintID
	c.Decimals = v1.Decimals
	c.IsStable = v1.IsStable
	c.Assets = v1.Assets
	c.Fees = v1.Fees
	c.Oracle = v1.Oracle
	c.BorrowRate = BorrowRateParams{
		BaseRateBps:           v1.FlatBorrowRateBps,
		Slope1Bps:             0,
		Slope2Bps:             0,
		OptimalUtilizationBps: fixedmath.BPSPower,
	}
}

// GetUtilizationBps returns locked/owned expressed in basis points. An
// empty custody (owned == 0) is fully unutilized.
func (c *Custody) GetUtilizationBps() (uint64, error) {
	if c.Assets.Owned == 0 {
		return 0, nil
	}
	if c.Assets.Locked > c.Assets.Owned {
		return 0, perrors.ErrMathOverflow
	}
	scaled, err := fixedmath.CheckedMul(c.Assets.Locked, fixedmath.BPSPower)
	if err != nil {
		return 0, err
	}
	return fixedmath.CheckedDiv(scaled, c.Assets.Owned)
}

// currentRateBps evaluates the piecewise-linear borrow curve at the given
// utilization: rate = base + slope1*min(u,u*)/u* + slope2*max(u-u*,0)/(1-u*).
func (c *Custody) currentRateBps(utilizationBps uint64) (uint64, error) {
	optimal := c.BorrowRate.OptimalUtilizationBps
	rate := c.BorrowRate.BaseRateBps

	if optimal > 0 {
		belowOptimal := utilizationBps
		if belowOptimal > optimal {
			belowOptimal = optimal
		}
		term1Num, err := fixedmath.CheckedMul(c.BorrowRate.Slope1Bps, belowOptimal)
		if err != nil {
			return 0, err
		}
		term1, err := fixedmath.CheckedDiv(term1Num, optimal)
		if err != nil {
			return 0, err
		}
		rate, err = fixedmath.CheckedAdd(rate, term1)
		if err != nil {
			return 0, err
		}
	}

	if utilizationBps > optimal && optimal < fixedmath.BPSPower {
		aboveOptimal := utilizationBps - optimal
		term2Num, err := fixedmath.CheckedMul(c.BorrowRate.Slope2Bps, aboveOptimal)
		if err != nil {
			return 0, err
		}
		term2, err := fixedmath.CheckedDiv(term2Num, fixedmath.BPSPower-optimal)
		if err != nil {
			return 0, err
		}
		rate, err = fixedmath.CheckedAdd(rate, term2)
		if err != nil {
			return 0, err
		}
	}

	return rate, nil
}

// GetCumulativeInterest advances the borrow index from LastUpdate to now
// using the current rate curve and returns the value the index would hold
// at `now`, without mutating the receiver. Callers that intend to persist
// the advance must call UpdateInterest instead.
func (c *Custody) GetCumulativeInterest(now int64) (uint64, error) {
	if now < c.BorrowRateState.LastUpdate {
		return 0, perrors.ErrMathOverflow
	}
	dt := uint64(now - c.BorrowRateState.LastUpdate)
	if dt == 0 {
		return c.BorrowRateState.CumulativeInterest, nil
	}

	utilizationBps, err := c.GetUtilizationBps()
	if err != nil {
		return 0, err
	}
	rateBps, err := c.currentRateBps(utilizationBps)
	if err != nil {
		return 0, err
	}
	delta, err := fixedmath.CheckedMul(rateBps, dt)
	if err != nil {
		return 0, err
	}
	return fixedmath.CheckedAdd(c.BorrowRateState.CumulativeInterest, delta)
}

// UpdateInterest advances and persists the borrow index. Per spec.md §4.4,
// every mutation must call update_interest(now), then apply its delta,
// then persist — this is the update_interest(now) step. CurrentRateBps is
// recomputed from the utilization the custody holds at the time of the
// call, before the caller applies its own delta.
func (c *Custody) UpdateInterest(now int64) error {
	utilizationBps, err := c.GetUtilizationBps()
	if err != nil {
		return err
	}
	cumulative, err := c.GetCumulativeInterest(now)
	if err != nil {
		return err
	}
	rateBps, err := c.currentRateBps(utilizationBps)
	if err != nil {
		return err
	}
	c.BorrowRateState.CumulativeInterest = cumulative
	c.BorrowRateState.CurrentRateBps = rateBps
	c.BorrowRateState.LastUpdate = now
	return nil
}

// GetLockedAmount returns the underlying token amount that must be reserved
// against a position of the given size/collateral and side. Longs lock the
// traded asset itself; shorts and virtual custodies lock against the
// position's own size (settled in the collateral custody by the pool
// layer), since a virtual custody holds no spot reserves of its own.
func (c *Custody) GetLockedAmount(sizeAmount uint64, side Side) (uint64, error) {
	switch side {
	case SideLong, SideShort:
		return sizeAmount, nil
	default:
		return 0, perrors.ErrInvalidArgument
	}
}

// InterestOwed converts an index delta into token units owed for a
// position locking `lockedAmount`, using bps-seconds per annum accrual.
func InterestOwed(lockedAmount, indexDelta uint64) (uint64, error) {
	if lockedAmount == 0 || indexDelta == 0 {
		return 0, nil
	}
	numerator, err := fixedmath.CheckedMul(lockedAmount, indexDelta)
	if err != nil {
		return 0, err
	}
	denom, err := fixedmath.CheckedMul(fixedmath.BPSPower, uint64(SecondsPerYear))
	if err != nil {
		return 0, err
	}
	return fixedmath.CheckedDiv(numerator, denom)
}
