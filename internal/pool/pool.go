// Package pool implements C5 Pool: the multi-asset liquidity pool that
// aggregates its custodies into an Assets Under Management figure and prices
// every trader-facing action (entry/exit, swap, add/remove liquidity,
// liquidation) off that aggregate and the spot/EMA prices of the custody in
// play.
package pool

import (
	"github.com/gagliardetto/solana-go"

	"github.com/bxkdhc6282/perpetuals/internal/custody"
	"github.com/bxkdhc6282/perpetuals/internal/fixedmath"
	"github.com/bxkdhc6282/perpetuals/internal/oracle"
	"github.com/bxkdhc6282/perpetuals/internal/perrors"
)

// AumMode selects which price values each non-stable custody's reserves:
// the lower of spot/EMA (Min), the higher (Max), or the EMA alone (EMA).
type AumMode uint8

const (
	AumModeMin AumMode = iota
	AumModeMax
	AumModeEMA
)

// RatioConfig bounds one custody's target share of total pool AUM and the
// maximum basis-point adjustment add/remove-liquidity fees may apply as a
// trade pushes the custody's weight toward or away from TargetBps.
type RatioConfig struct {
	TargetBps      uint64
	MinBps         uint64
	MaxBps         uint64
	MaxRatioFeeBps uint64
}

// Pool is the top-level liquidity aggregate (spec.md §4.5).
type Pool struct {
	Name          string
	CustodyIDs    []solana.PublicKey
	Ratios        []RatioConfig
	LPTokenBump   uint8
	InceptionTime int64
}

// AumInput pairs a custody with the spot/EMA prices already resolved for it
// by the OracleGateway, in the same order as Pool.CustodyIDs.
type AumInput struct {
	CustodyID solana.PublicKey
	Custody   *custody.Custody
	Spot      oracle.Price
	EMA       oracle.Price
}

// GetTokenID returns the index of custodyID within the pool's custody list.
func (p *Pool) GetTokenID(custodyID solana.PublicKey) (int, error) {
	for i, id := range p.CustodyIDs {
		if id.Equals(custodyID) {
			return i, nil
		}
	}
	return 0, perrors.ErrUnknownToken
}

// AumUSD walks every custody in pool order, values its contribution under
// mode, and sums the result. inputs must be supplied in exactly the pool's
// custody order — a mismatch is rejected rather than silently reordered, so
// an action can never be priced against the wrong custody's state.
//
// Stable custodies always use GetMinPrice with the stable clamp, regardless
// of mode. Non-stable custodies use spot vs EMA per mode: Min takes the
// lower, Max the higher, EMA uses the EMA outright. Virtual custodies hold
// no reserves and contribute only their guaranteed USD ledger (the pool's
// running entry-cost-basis obligation against their open interest), not a
// repriced reserve balance.
func (p *Pool) AumUSD(mode AumMode, inputs []AumInput) (uint64, error) {
	if len(inputs) != len(p.CustodyIDs) {
		return 0, perrors.ErrInvalidArgument
	}
	for i, in := range inputs {
		if !in.CustodyID.Equals(p.CustodyIDs[i]) {
			return 0, perrors.ErrInvalidArgument
		}
	}

	var sum uint64
	for _, in := range inputs {
		c := in.Custody
		if c.IsVirtual {
			next, err := fixedmath.CheckedAdd(sum, c.Assets.GuaranteedUSD)
			if err != nil {
				return 0, err
			}
			sum = next
			continue
		}

		price, err := p.valuationPrice(mode, in.Spot, in.EMA, c.IsStable)
		if err != nil {
			return 0, err
		}
		contribution, err := price.GetAssetAmountUSD(c.Assets.Owned, c.Decimals)
		if err != nil {
			return 0, err
		}
		next, err := fixedmath.CheckedAdd(sum, contribution)
		if err != nil {
			return 0, err
		}
		sum = next
	}
	return sum, nil
}

// valuationPrice picks the price a single custody's reserves are valued at
// under mode.
func (p *Pool) valuationPrice(mode AumMode, spot, ema oracle.Price, isStable bool) (oracle.Price, error) {
	if isStable {
		return spot.GetMinPrice(ema, true)
	}
	switch mode {
	case AumModeMax:
		return spot.GetMaxPrice(ema), nil
	case AumModeEMA:
		return ema, nil
	default:
		return spot.GetMinPrice(ema, false)
	}
}

// adverseReferencePrice returns the price a trade must be valued at so that
// the trader never gets the favorable side of a spot/EMA disagreement: for
// opening exposure, longs pay the higher of spot/EMA and shorts the lower;
// for marking existing exposure (PnL), the sign flips because the adverse
// direction is now whichever price makes the position worth less.
func adverseReferencePrice(spot, ema oracle.Price, side custody.Side, forEntry bool) (oracle.Price, error) {
	longWantsMax := forEntry
	switch side {
	case custody.SideLong:
		if longWantsMax {
			return spot.GetMaxPrice(ema), nil
		}
		return spot.GetMinPrice(ema, false)
	case custody.SideShort:
		if longWantsMax {
			return spot.GetMinPrice(ema, false)
		}
		return spot.GetMaxPrice(ema), nil
	default:
		return oracle.Price{}, perrors.ErrInvalidArgument
	}
}

// spreadAdjust applies spreadBps to price: widen=true adds the spread
// (raises the price), widen=false subtracts it (lowers the price).
func spreadAdjust(price oracle.Price, spreadBps uint64, widen bool) (oracle.Price, error) {
	adj, err := fixedmath.CheckedDecimalMul(price.Mantissa, price.Exponent, spreadBps, -4, price.Exponent)
	if err != nil {
		return oracle.Price{}, err
	}
	if widen {
		mantissa, err := fixedmath.CheckedAdd(price.Mantissa, adj)
		if err != nil {
			return oracle.Price{}, err
		}
		return oracle.Price{Mantissa: mantissa, Exponent: price.Exponent}, nil
	}
	mantissa, err := fixedmath.CheckedSub(price.Mantissa, adj)
	if err != nil {
		return oracle.Price{}, err
	}
	return oracle.Price{Mantissa: mantissa, Exponent: price.Exponent}, nil
}

// EntryPrice is the price a new position of the given side is opened at:
// the worse-for-the-trader of spot/EMA, widened by the custody's
// trade-spread in the direction that costs the trader more. Longs pay
// upward, shorts pay downward.
func (p *Pool) EntryPrice(spot, ema oracle.Price, side custody.Side, cfg *custody.Custody) (oracle.Price, error) {
	ref, err := adverseReferencePrice(spot, ema, side, true)
	if err != nil {
		return oracle.Price{}, err
	}
	switch side {
	case custody.SideLong:
		return spreadAdjust(ref, cfg.Pricing.TradeSpreadLongBps, true)
	case custody.SideShort:
		return spreadAdjust(ref, cfg.Pricing.TradeSpreadShortBps, false)
	default:
		return oracle.Price{}, perrors.ErrInvalidArgument
	}
}

// ExitPrice mirrors EntryPrice for closing a position: the spread still
// costs the trader, but in the opposite direction from entry since closing a
// long is a sale (pushed down) and closing a short is a buy-back (pushed
// up).
func (p *Pool) ExitPrice(spot, ema oracle.Price, side custody.Side, cfg *custody.Custody) (oracle.Price, error) {
	ref, err := adverseReferencePrice(spot, ema, side, true)
	if err != nil {
		return oracle.Price{}, err
	}
	switch side {
	case custody.SideLong:
		return spreadAdjust(ref, cfg.Pricing.TradeSpreadLongBps, false)
	case custody.SideShort:
		return spreadAdjust(ref, cfg.Pricing.TradeSpreadShortBps, true)
	default:
		return oracle.Price{}, perrors.ErrInvalidArgument
	}
}

// weightBps returns a custody's share of total pool AUM in basis points.
func weightBps(custodyValueUSD, totalAUM uint64) (uint64, error) {
	if totalAUM == 0 {
		return 0, nil
	}
	scaled, err := fixedmath.CheckedMul(custodyValueUSD, fixedmath.BPSPower)
	if err != nil {
		return 0, err
	}
	return fixedmath.CheckedDiv(scaled, totalAUM)
}

func absDeltaBps(w, target uint64) int64 {
	if w >= target {
		return int64(w - target)
	}
	return int64(target - w)
}

// ratioAdjustedFeeBps applies a fee adjustment proportional to how far a
// deposit/withdrawal of amountUSD pushes custodyValueUSD's weight in the
// pool toward or away from its target ratio, bounded by
// ratio.MaxRatioFeeBps and floored at zero. The adjustment is continuous and
// monotonic in the displacement: moving a custody's weight closer to target
// discounts the fee, moving it further away surcharges it.
func ratioAdjustedFeeBps(baseBps uint64, custodyValueUSD, totalAUM, amountUSD uint64, ratio RatioConfig, adding bool) (uint64, error) {
	var newValue, newTotal uint64
	var err error
	if adding {
		newValue, err = fixedmath.CheckedAdd(custodyValueUSD, amountUSD)
		if err != nil {
			return 0, err
		}
		newTotal, err = fixedmath.CheckedAdd(totalAUM, amountUSD)
		if err != nil {
			return 0, err
		}
	} else {
		newValue, err = fixedmath.CheckedSub(custodyValueUSD, amountUSD)
		if err != nil {
			return 0, err
		}
		newTotal, err = fixedmath.CheckedSub(totalAUM, amountUSD)
		if err != nil {
			return 0, err
		}
	}

	oldWeight, err := weightBps(custodyValueUSD, totalAUM)
	if err != nil {
		return 0, err
	}
	newWeight, err := weightBps(newValue, newTotal)
	if err != nil {
		return 0, err
	}

	displacement := absDeltaBps(newWeight, ratio.TargetBps) - absDeltaBps(oldWeight, ratio.TargetBps)

	bound := int64(ratio.MaxRatioFeeBps)
	if displacement > bound {
		displacement = bound
	}
	if displacement < -bound {
		displacement = -bound
	}

	adjusted := int64(baseBps) + displacement
	if adjusted < 0 {
		return 0, nil
	}
	return uint64(adjusted), nil
}

// AddLiquidityFee returns the fee (bps) charged for depositing amountUSD
// into the custody currently valued at custodyValueUSD out of totalAUM.
func (p *Pool) AddLiquidityFee(baseBps, custodyValueUSD, totalAUM, amountUSD uint64, ratio RatioConfig) (uint64, error) {
	return ratioAdjustedFeeBps(baseBps, custodyValueUSD, totalAUM, amountUSD, ratio, true)
}

// RemoveLiquidityFee returns the fee (bps) charged for withdrawing amountUSD
// from the custody.
func (p *Pool) RemoveLiquidityFee(baseBps, custodyValueUSD, totalAUM, amountUSD uint64, ratio RatioConfig) (uint64, error) {
	return ratioAdjustedFeeBps(baseBps, custodyValueUSD, totalAUM, amountUSD, ratio, false)
}

// swapLegPrices resolves the valuation price for each leg of a swap: the
// input leg at the max of spot/EMA, the output leg at the min — the
// received token can never be undervalued and the dispensed token can
// never be overvalued, matching get_swap_amount_and_fees's pricing.
func swapLegPrices(inSpot, inEma oracle.Price, outSpot, outEma oracle.Price, outStable bool) (inPrice, outPrice oracle.Price, err error) {
	inPrice = inSpot.GetMaxPrice(inEma)
	outPrice, err = outSpot.GetMinPrice(outEma, outStable)
	if err != nil {
		return oracle.Price{}, oracle.Price{}, err
	}
	return inPrice, outPrice, nil
}

// SwapAmount converts amountIn (in the input custody's tokens) into the
// output custody's tokens via USD. The input leg is valued at max(spot,ema)
// and the output leg at min(spot,ema): the pool never credits a trader more
// than the conservative read of either side.
func (p *Pool) SwapAmount(amountIn uint64, inCfg, outCfg *custody.Custody, inSpot, inEma, outSpot, outEma oracle.Price) (uint64, error) {
	inPrice, outPrice, err := swapLegPrices(inSpot, inEma, outSpot, outEma, outCfg.IsStable)
	if err != nil {
		return 0, err
	}
	usd, err := inPrice.GetAssetAmountUSD(amountIn, inCfg.Decimals)
	if err != nil {
		return 0, err
	}
	return outPrice.GetTokenAmount(usd, outCfg.Decimals)
}

// SwapFees returns the (feeIn, feeOut) bps pair for a swap, applying the
// input custody's SwapInBps and the output custody's SwapOutBps
// independently — an asymmetric pair, since the two custodies' fee
// schedules and ratio pressure differ. Custody reserve values and the
// traded amount are valued at the same max(spot,ema)-in/min(spot,ema)-out
// prices SwapAmount uses, so the ratio-displacement fee sees the same USD
// figures the trade itself settles at.
func (p *Pool) SwapFees(inCfg, outCfg *custody.Custody, inSpot, inEma, outSpot, outEma oracle.Price, amountIn, totalAUM uint64, inRatio, outRatio RatioConfig) (feeInBps, feeOutBps uint64, err error) {
	inPrice, outPrice, err := swapLegPrices(inSpot, inEma, outSpot, outEma, outCfg.IsStable)
	if err != nil {
		return 0, 0, err
	}
	amountUSD, err := inPrice.GetAssetAmountUSD(amountIn, inCfg.Decimals)
	if err != nil {
		return 0, 0, err
	}
	inValueUSD, err := inPrice.GetAssetAmountUSD(inCfg.Assets.Owned, inCfg.Decimals)
	if err != nil {
		return 0, 0, err
	}
	outValueUSD, err := outPrice.GetAssetAmountUSD(outCfg.Assets.Owned, outCfg.Decimals)
	if err != nil {
		return 0, 0, err
	}

	feeInBps, err = ratioAdjustedFeeBps(inCfg.Fees.SwapInBps, inValueUSD, totalAUM, amountUSD, inRatio, true)
	if err != nil {
		return 0, 0, err
	}
	feeOutBps, err = ratioAdjustedFeeBps(outCfg.Fees.SwapOutBps, outValueUSD, totalAUM, amountUSD, outRatio, false)
	if err != nil {
		return 0, 0, err
	}
	return feeInBps, feeOutBps, nil
}

// EntryFee returns the USD fee for opening a position of sizeUSD at
// baseBps, and the token amount it converts to. Shorts and positions on a
// virtual custody charge the fee in the collateral custody's tokens (since
// a virtual custody has none of its own); longs on a real custody charge it
// in the traded asset itself.
func (p *Pool) EntryFee(baseBps, sizeUSD uint64, side custody.Side, tradedCustody *custody.Custody, tradedPrice oracle.Price, collateralCustody *custody.Custody, collateralPrice oracle.Price) (feeUSD, feeAmount uint64, err error) {
	scaled, err := fixedmath.CheckedMul(sizeUSD, baseBps)
	if err != nil {
		return 0, 0, err
	}
	feeUSD, err = fixedmath.CheckedDiv(scaled, fixedmath.BPSPower)
	if err != nil {
		return 0, 0, err
	}

	if side == custody.SideShort || tradedCustody.IsVirtual {
		feeAmount, err = collateralPrice.GetTokenAmount(feeUSD, collateralCustody.Decimals)
	} else {
		feeAmount, err = tradedPrice.GetTokenAmount(feeUSD, tradedCustody.Decimals)
	}
	if err != nil {
		return 0, 0, err
	}
	return feeUSD, feeAmount, nil
}

// PnLUSD computes a position's unrealized profit or loss — exactly one of
// the two return values is nonzero — at the worse-for-the-trader of
// spot/EMA, net of accrued interest and (when closing via liquidation) the
// liquidation fee. feeAmount is the sum of those two deductions, reported
// separately so callers can book it against the custody's collected fees
// regardless of which side of the PnL split it landed on.
func (p *Pool) PnLUSD(entryPriceMantissa uint64, sizeUSD uint64, side custody.Side, spot, ema oracle.Price, interestUSD uint64, liquidationFeeUSD uint64, isLiquidation bool) (profitUSD, lossUSD, feeAmountUSD uint64, err error) {
	mark, err := adverseReferencePrice(spot, ema, side, false)
	if err != nil {
		return 0, 0, 0, err
	}
	entry := oracle.New(entryPriceMantissa, -fixedmath.PriceDecimals)

	entryAligned, err := entry.ScaleToExponent(mark.Exponent)
	if err != nil {
		return 0, 0, 0, err
	}

	deltaMantissa, err := fixedmath.CheckedSubI64(int64(mark.Mantissa), int64(entryAligned.Mantissa))
	if err != nil {
		return 0, 0, 0, err
	}
	if side == custody.SideShort {
		deltaMantissa = -deltaMantissa
	}

	rawPnl, err := fixedmath.CheckedSignedScale(deltaMantissa, sizeUSD, entryAligned.Mantissa)
	if err != nil {
		return 0, 0, 0, err
	}

	fee := interestUSD
	if isLiquidation {
		fee, err = fixedmath.CheckedAdd(fee, liquidationFeeUSD)
		if err != nil {
			return 0, 0, 0, err
		}
	}

	net, err := fixedmath.CheckedSubI64(rawPnl, int64(fee))
	if err != nil {
		return 0, 0, 0, err
	}

	if net >= 0 {
		return uint64(net), 0, fee, nil
	}
	return 0, uint64(-net), fee, nil
}

// LiquidationPrice solves for the asset price at which collateralUSD plus
// unrealized PnL, minus accrued interest and the close fee, equals
// sizeUSD * (BPS_POWER - maxLossBps) / BPS_POWER. For longs this price sits
// below entry by the collateral buffer net of costs; for shorts, above.
func (p *Pool) LiquidationPrice(entryPriceMantissa, sizeUSD, collateralUSD, interestUSD, closeFeeUSD, maxLossBps uint64, side custody.Side) (oracle.Price, error) {
	if sizeUSD == 0 {
		return oracle.Price{}, perrors.ErrInvalidArgument
	}
	allowedLossFraction := fixedmath.BPSPower - maxLossBps
	thresholdScaled, err := fixedmath.CheckedMul(sizeUSD, allowedLossFraction)
	if err != nil {
		return oracle.Price{}, err
	}
	threshold, err := fixedmath.CheckedDiv(thresholdScaled, fixedmath.BPSPower)
	if err != nil {
		return oracle.Price{}, err
	}

	buffer, err := fixedmath.CheckedSubI64(int64(collateralUSD), int64(interestUSD))
	if err != nil {
		return oracle.Price{}, err
	}
	buffer, err = fixedmath.CheckedSubI64(buffer, int64(closeFeeUSD))
	if err != nil {
		return oracle.Price{}, err
	}
	buffer, err = fixedmath.CheckedSubI64(buffer, int64(threshold))
	if err != nil {
		return oracle.Price{}, err
	}

	deltaMantissa, err := fixedmath.CheckedSignedScale(buffer, entryPriceMantissa, sizeUSD)
	if err != nil {
		return oracle.Price{}, err
	}

	var resultMantissa int64
	switch side {
	case custody.SideLong:
		resultMantissa, err = fixedmath.CheckedSubI64(int64(entryPriceMantissa), deltaMantissa)
	case custody.SideShort:
		resultMantissa, err = fixedmath.CheckedAddI64(int64(entryPriceMantissa), deltaMantissa)
	default:
		return oracle.Price{}, perrors.ErrInvalidArgument
	}
	if err != nil {
		return oracle.Price{}, err
	}
	if resultMantissa < 0 {
		resultMantissa = 0
	}
	return oracle.New(uint64(resultMantissa), -fixedmath.PriceDecimals), nil
}

// CheckLeverage reports whether size_usd / effective_collateral_usd stays
// within custody.max_leverage, where effective collateral marks the
// position to market (collateral plus unrealized profit, minus loss and
// accrued interest) before comparing. initial=true applies the stricter
// open-time bound (leverage must stay strictly below the cap); initial=false
// is the maintenance check applied on every subsequent mutation (leverage
// may sit exactly at the cap).
func (p *Pool) CheckLeverage(sizeUSD, collateralUSD, profitUSD, lossUSD, interestUSD, maxLeverageBps uint64, initial bool) (bool, error) {
	effective, err := fixedmath.CheckedAddI64(int64(collateralUSD), int64(profitUSD))
	if err != nil {
		return false, err
	}
	effective, err = fixedmath.CheckedSubI64(effective, int64(lossUSD))
	if err != nil {
		return false, err
	}
	effective, err = fixedmath.CheckedSubI64(effective, int64(interestUSD))
	if err != nil {
		return false, err
	}
	if effective <= 0 {
		return false, nil
	}

	scaled, err := fixedmath.CheckedMul(sizeUSD, fixedmath.BPSPower)
	if err != nil {
		return false, err
	}
	leverageBps, err := fixedmath.CheckedDiv(scaled, uint64(effective))
	if err != nil {
		return false, err
	}

	if initial {
		return leverageBps < maxLeverageBps, nil
	}
	return leverageBps <= maxLeverageBps, nil
}
