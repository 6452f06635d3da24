// Package router implements C9 ActionRouter: the dispatch surface binding
// the public actions, read-only queries, and multisig-gated admin actions
// named in spec.md §4.9 to the Pool/Custody/Position/LPShare components.
//
// Every mutating method here operates on caller-supplied pointers into the
// host's account set rather than owning any persistent store itself — the
// host ledger provides the single-threaded, atomic transition described in
// spec.md §5; the router's job is purely to run the accrual-then-pricing
// sequence each action requires and report a typed result or a sentinel
// error. Records are mutated in place; fields already written when an
// action returns an error are not rolled back.
package router

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/bxkdhc6282/perpetuals/internal/custody"
	"github.com/bxkdhc6282/perpetuals/internal/fixedmath"
	"github.com/bxkdhc6282/perpetuals/internal/lpshare"
	"github.com/bxkdhc6282/perpetuals/internal/multisig"
	"github.com/bxkdhc6282/perpetuals/internal/oracle"
	"github.com/bxkdhc6282/perpetuals/internal/perrors"
	"github.com/bxkdhc6282/perpetuals/internal/pool"
	"github.com/bxkdhc6282/perpetuals/internal/position"
)

// HostClock supplies the monotonically non-decreasing wall-clock time every
// action accrues interest against (spec.md §6).
type HostClock interface {
	Now() int64
}

// TokenLedger mirrors the inbound token-transfer contract. The router never
// calls these methods itself — per spec.md §6 it stays a pure function of
// its inputs and returns the deltas (already folded into AmountAndFee and
// friends) for the host to apply. The interface exists so host-glue code
// has a single contract name to implement and inject.
type TokenLedger interface {
	Transfer(ctx context.Context, from, to [32]byte, amount uint64) error
	Mint(ctx context.Context, to [32]byte, amount uint64) error
	Burn(ctx context.Context, from [32]byte, amount uint64) error
}

// Outbound result types (spec.md §6).
type AmountAndFee struct {
	Amount uint64
	Fee    uint64
}

type NewPositionPricesAndFee struct {
	EntryPrice       oracle.Price
	LiquidationPrice oracle.Price
	Fee              uint64
}

type PriceAndFee struct {
	Price oracle.Price
	Fee   uint64
}

type ProfitAndLoss struct {
	Profit uint64
	Loss   uint64
}

type SwapAmountAndFees struct {
	AmountOut uint64
	FeeIn     uint64
	FeeOut    uint64
}

// ActionName enumerates every named entry point spec.md §4.9 binds.
type ActionName string

const (
	ActionSwap             ActionName = "swap"
	ActionAddLiquidity     ActionName = "add_liquidity"
	ActionRemoveLiquidity  ActionName = "remove_liquidity"
	ActionOpenPosition     ActionName = "open_position"
	ActionAddCollateral    ActionName = "add_collateral"
	ActionRemoveCollateral ActionName = "remove_collateral"
	ActionClosePosition    ActionName = "close_position"
	ActionLiquidate        ActionName = "liquidate"
	ActionUpdatePoolAUM    ActionName = "update_pool_aum"

	QueryGetEntryPriceAndFee           ActionName = "get_entry_price_and_fee"
	QueryGetExitPriceAndFee            ActionName = "get_exit_price_and_fee"
	QueryGetPnL                        ActionName = "get_pnl"
	QueryGetLiquidationPrice           ActionName = "get_liquidation_price"
	QueryGetLiquidationState           ActionName = "get_liquidation_state"
	QueryGetOraclePrice                ActionName = "get_oracle_price"
	QueryGetAddLiquidityAmountAndFee   ActionName = "get_add_liquidity_amount_and_fee"
	QueryGetRemoveLiquidityAmountAndFee ActionName = "get_remove_liquidity_amount_and_fee"
	QueryGetSwapAmountAndFees          ActionName = "get_swap_amount_and_fees"
	QueryGetAUM                        ActionName = "get_aum"
	QueryGetLPTokenPrice               ActionName = "get_lp_token_price"

	AdminSetCustodyPricing ActionName = "set_custody_pricing"
	AdminUpgradeCustody    ActionName = "upgrade_custody"
)

// actionMeta classifies each ActionName as a query or an admin action, as
// read by IsQuery/IsAdmin; neither logging nor the admin gating consults it
// — the concrete handlers below are called directly — but it keeps the full named-entry-point surface
// declared in one place the way the teacher's route tables do.
var actionMeta = map[ActionName]struct {
	isQuery bool
	isAdmin bool
}{
	ActionSwap:             {},
	ActionAddLiquidity:     {},
	ActionRemoveLiquidity:  {},
	ActionOpenPosition:     {},
	ActionAddCollateral:    {},
	ActionRemoveCollateral: {},
	ActionClosePosition:    {},
	ActionLiquidate:        {},
	ActionUpdatePoolAUM:    {},

	QueryGetEntryPriceAndFee:            {isQuery: true},
	QueryGetExitPriceAndFee:             {isQuery: true},
	QueryGetPnL:                         {isQuery: true},
	QueryGetLiquidationPrice:            {isQuery: true},
	QueryGetLiquidationState:            {isQuery: true},
	QueryGetOraclePrice:                 {isQuery: true},
	QueryGetAddLiquidityAmountAndFee:    {isQuery: true},
	QueryGetRemoveLiquidityAmountAndFee: {isQuery: true},
	QueryGetSwapAmountAndFees:           {isQuery: true},
	QueryGetAUM:                         {isQuery: true},
	QueryGetLPTokenPrice:                {isQuery: true},

	AdminSetCustodyPricing: {isAdmin: true},
	AdminUpgradeCustody:    {isAdmin: true},
}

// IsQuery reports whether name is a read-only action.
func (a ActionName) IsQuery() bool { return actionMeta[a].isQuery }

// IsAdmin reports whether name requires the Multisig Guard.
func (a ActionName) IsAdmin() bool { return actionMeta[a].isAdmin }

// Router binds the components together and structured-logs every action,
// the way the teacher's keeper logs every tick with "action", "err", and
// timing fields via log/slog — here with zap, since the action surface's
// throughput (every trade, not just a poll tick) is the domain stack
// concern zap is wired for.
type Router struct {
	Logger  *zap.Logger
	Gateway *oracle.Gateway
}

// New constructs a Router. A nil logger is replaced with zap.NewNop() so
// call sites never need a nil check.
func New(logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{Logger: logger, Gateway: oracle.NewGateway()}
}

func (r *Router) logAction(name ActionName, err *error) func() {
	start := time.Now()
	return func() {
		fields := []zap.Field{
			zap.String("action", string(name)),
			zap.Duration("duration", time.Since(start)),
		}
		if *err != nil {
			r.Logger.Warn("action failed", append(fields, zap.Error(*err))...)
			return
		}
		r.Logger.Debug("action ok", fields...)
	}
}

// requireAdmin executes guard.Execute for an admin action's (instruction,
// params) pair before the mutation is allowed to proceed.
func requireAdmin(guard *multisig.State, instruction multisig.InstructionTag, params multisig.ParamsHash) error {
	if guard == nil {
		return perrors.ErrUnauthorizedSigner
	}
	return guard.Execute(instruction, params)
}

// requireDistinctOracles rejects wiring the same oracle feed to two
// different custodies. The original program passes the same oracle account
// for both the traded and collateral custody on several read-only actions;
// spec.md names this a source bug rather than an intended shortcut, so
// every action that resolves both custodies' prices enforces the feeds
// differ whenever the custodies themselves do.
func requireDistinctOracles(traded, collateral *custody.Custody) error {
	if traded == nil || collateral == nil || traded == collateral {
		return nil
	}
	if traded.MintID.Equals(collateral.MintID) {
		return nil
	}
	if traded.Oracle.FeedID == collateral.Oracle.FeedID {
		return perrors.ErrDuplicateOracleFeed
	}
	return nil
}

// --- Mutating actions -------------------------------------------------

// OpenPositionRequest bundles everything OpenPosition needs from the host's
// account set.
type OpenPositionRequest struct {
	Now               int64
	Side              custody.Side
	Pool              *pool.Pool
	Traded            *custody.Custody
	Collateral        *custody.Custody
	Position          *position.Position
	SizeUSD           uint64
	CollateralAmount  uint64
	CollateralUSD     uint64
	Spot, EMA         oracle.Price
	CollateralPrice   oracle.Price
}

// OpenPosition accrues interest, prices entry, checks the initial leverage
// bound, locks the traded custody's reserve, and fills pos.
func (r *Router) OpenPosition(req OpenPositionRequest) (result NewPositionPricesAndFee, err error) {
	defer r.logAction(ActionOpenPosition, &err)()

	if err = requireDistinctOracles(req.Traded, req.Collateral); err != nil {
		return NewPositionPricesAndFee{}, err
	}

	if err = req.Traded.UpdateInterest(req.Now); err != nil {
		return NewPositionPricesAndFee{}, err
	}
	if err = req.Collateral.UpdateInterest(req.Now); err != nil {
		return NewPositionPricesAndFee{}, err
	}

	entryPrice, err := req.Pool.EntryPrice(req.Spot, req.EMA, req.Side, req.Traded)
	if err != nil {
		return NewPositionPricesAndFee{}, err
	}
	entryAligned, err := entryPrice.ScaleToExponent(-fixedmath.PriceDecimals)
	if err != nil {
		return NewPositionPricesAndFee{}, err
	}

	ok, err := req.Pool.CheckLeverage(req.SizeUSD, req.CollateralUSD, 0, 0, 0, req.Traded.Pricing.MaxLeverage, true)
	if err != nil {
		return NewPositionPricesAndFee{}, err
	}
	if !ok {
		return NewPositionPricesAndFee{}, perrors.ErrMaxLeverageExceeded
	}

	_, feeAmount, err := req.Pool.EntryFee(req.Traded.Fees.OpenPositionBps, req.SizeUSD, req.Side, req.Traded, entryAligned, req.Collateral, req.CollateralPrice)
	if err != nil {
		return NewPositionPricesAndFee{}, err
	}

	sizeAmount, err := entryAligned.GetTokenAmount(req.SizeUSD, req.Traded.Decimals)
	if err != nil {
		return NewPositionPricesAndFee{}, err
	}
	lockedAmount, err := req.Traded.GetLockedAmount(sizeAmount, req.Side)
	if err != nil {
		return NewPositionPricesAndFee{}, err
	}

	liqPrice, err := req.Pool.LiquidationPrice(entryAligned.Mantissa, req.SizeUSD, req.CollateralUSD, 0, 0, req.Traded.Pricing.LiquidationThresholdBps, req.Side)
	if err != nil {
		return NewPositionPricesAndFee{}, err
	}

	if req.Traded.Assets.Locked, err = fixedmath.CheckedAdd(req.Traded.Assets.Locked, lockedAmount); err != nil {
		return NewPositionPricesAndFee{}, err
	}
	switch req.Side {
	case custody.SideLong:
		if req.Traded.LongPositionsUSD, err = fixedmath.CheckedAdd(req.Traded.LongPositionsUSD, req.SizeUSD); err != nil {
			return NewPositionPricesAndFee{}, err
		}
	case custody.SideShort:
		if req.Traded.ShortPositionsUSD, err = fixedmath.CheckedAdd(req.Traded.ShortPositionsUSD, req.SizeUSD); err != nil {
			return NewPositionPricesAndFee{}, err
		}
	default:
		return NewPositionPricesAndFee{}, perrors.ErrInvalidArgument
	}
	if req.Traded.CollectedFees.OpenPosition, err = fixedmath.CheckedAdd(req.Traded.CollectedFees.OpenPosition, feeAmount); err != nil {
		return NewPositionPricesAndFee{}, err
	}

	req.Position.Side = req.Side
	req.Position.EntryPriceMantissa = entryAligned.Mantissa
	req.Position.SizeUSD = req.SizeUSD
	req.Position.CollateralUSD = req.CollateralUSD
	req.Position.CollateralAmount = req.CollateralAmount
	req.Position.LockedAmount = lockedAmount
	req.Position.CumulativeInterestSnapshot = req.Traded.BorrowRateState.CumulativeInterest
	req.Position.OpenTime = req.Now
	req.Position.UpdateTime = req.Now

	return NewPositionPricesAndFee{EntryPrice: entryAligned, LiquidationPrice: liqPrice, Fee: feeAmount}, nil
}

// AddCollateral folds more collateral into an open position, accruing
// interest first so the position's snapshot stays current.
func (r *Router) AddCollateral(now int64, traded *custody.Custody, pos *position.Position, amount, amountUSD uint64) (err error) {
	defer r.logAction(ActionAddCollateral, &err)()
	if err = traded.UpdateInterest(now); err != nil {
		return err
	}
	if err = pos.AddCollateral(amount, amountUSD); err != nil {
		return err
	}
	pos.UpdateTime = now
	return nil
}

// RemoveCollateral withdraws collateral from an open position, re-checking
// the maintenance leverage bound after the withdrawal so a trader cannot
// withdraw into an already-liquidatable state.
func (r *Router) RemoveCollateral(now int64, p *pool.Pool, traded *custody.Custody, pos *position.Position, amount, amountUSD uint64) (err error) {
	defer r.logAction(ActionRemoveCollateral, &err)()
	if err = traded.UpdateInterest(now); err != nil {
		return err
	}
	if err = pos.RemoveCollateral(amount, amountUSD); err != nil {
		return err
	}
	ok, err := p.CheckLeverage(pos.SizeUSD, pos.CollateralUSD, 0, 0, 0, traded.Pricing.MaxLeverage, false)
	if err != nil {
		return err
	}
	if !ok {
		return perrors.ErrMaxLeverageExceeded
	}
	pos.UpdateTime = now
	return nil
}

// ClosePositionRequest bundles ClosePosition's inputs.
type ClosePositionRequest struct {
	Now             int64
	Pool            *pool.Pool
	Traded          *custody.Custody
	Collateral      *custody.Custody
	CollateralPrice oracle.Price
	Position        *position.Position
	Spot, EMA       oracle.Price
}

// ClosePosition accrues interest, prices the exit, computes PnL net of
// interest (the close fee is not deducted from it; it is returned
// separately as closeFee), and releases the custody's locked reserve.
func (r *Router) ClosePosition(req ClosePositionRequest) (result ProfitAndLoss, closeFee uint64, err error) {
	defer r.logAction(ActionClosePosition, &err)()

	if err = requireDistinctOracles(req.Traded, req.Collateral); err != nil {
		return ProfitAndLoss{}, 0, err
	}

	if err = req.Traded.UpdateInterest(req.Now); err != nil {
		return ProfitAndLoss{}, 0, err
	}

	indexDelta, err := fixedmath.CheckedSub(req.Traded.BorrowRateState.CumulativeInterest, req.Position.CumulativeInterestSnapshot)
	if err != nil {
		return ProfitAndLoss{}, 0, err
	}
	interestOwed, err := custody.InterestOwed(req.Position.LockedAmount, indexDelta)
	if err != nil {
		return ProfitAndLoss{}, 0, err
	}

	exitPrice, err := req.Pool.ExitPrice(req.Spot, req.EMA, req.Position.Side, req.Traded)
	if err != nil {
		return ProfitAndLoss{}, 0, err
	}
	interestUSD, err := exitPrice.GetAssetAmountUSD(interestOwed, req.Traded.Decimals)
	if err != nil {
		return ProfitAndLoss{}, 0, err
	}

	closeFeeUSD, closeFeeAmount, err := req.Pool.EntryFee(req.Traded.Fees.ClosePositionBps, req.Position.SizeUSD, req.Position.Side, req.Traded, exitPrice, req.Collateral, req.CollateralPrice)
	if err != nil {
		return ProfitAndLoss{}, 0, err
	}
	_ = closeFeeUSD

	profit, loss, _, err := req.Pool.PnLUSD(req.Position.EntryPriceMantissa, req.Position.SizeUSD, req.Position.Side, req.Spot, req.EMA, interestUSD, 0, false)
	if err != nil {
		return ProfitAndLoss{}, 0, err
	}

	req.Traded.Assets.Locked, err = fixedmath.CheckedSub(req.Traded.Assets.Locked, req.Position.LockedAmount)
	if err != nil {
		return ProfitAndLoss{}, 0, err
	}
	switch req.Position.Side {
	case custody.SideLong:
		req.Traded.LongPositionsUSD, err = fixedmath.CheckedSub(req.Traded.LongPositionsUSD, req.Position.SizeUSD)
	case custody.SideShort:
		req.Traded.ShortPositionsUSD, err = fixedmath.CheckedSub(req.Traded.ShortPositionsUSD, req.Position.SizeUSD)
	}
	if err != nil {
		return ProfitAndLoss{}, 0, err
	}
	req.Traded.CollectedFees.ClosePosition, err = fixedmath.CheckedAdd(req.Traded.CollectedFees.ClosePosition, closeFeeAmount)
	if err != nil {
		return ProfitAndLoss{}, 0, err
	}

	req.Position.UpdateTime = req.Now
	return ProfitAndLoss{Profit: profit, Loss: loss}, closeFeeAmount, nil
}

// Liquidate forcibly closes a position whose maintenance leverage, marked
// to market at the current prices and net of accrued interest, has
// breached the custody's cap, charging the liquidation fee instead of the
// close fee. The whole liquidation fee is credited to the custody's
// collected fees; no protocol share is split off.
func (r *Router) Liquidate(now int64, p *pool.Pool, traded, collateral *custody.Custody, collateralPrice oracle.Price, pos *position.Position, spot, ema oracle.Price) (result ProfitAndLoss, liqFee uint64, err error) {
	defer r.logAction(ActionLiquidate, &err)()

	if err = requireDistinctOracles(traded, collateral); err != nil {
		return ProfitAndLoss{}, 0, err
	}

	if err = traded.UpdateInterest(now); err != nil {
		return ProfitAndLoss{}, 0, err
	}

	indexDelta, err := fixedmath.CheckedSub(traded.BorrowRateState.CumulativeInterest, pos.CumulativeInterestSnapshot)
	if err != nil {
		return ProfitAndLoss{}, 0, err
	}
	interestOwed, err := custody.InterestOwed(pos.LockedAmount, indexDelta)
	if err != nil {
		return ProfitAndLoss{}, 0, err
	}
	markPrice, err := p.ExitPrice(spot, ema, pos.Side, traded)
	if err != nil {
		return ProfitAndLoss{}, 0, err
	}
	interestUSD, err := markPrice.GetAssetAmountUSD(interestOwed, traded.Decimals)
	if err != nil {
		return ProfitAndLoss{}, 0, err
	}

	markProfit, markLoss, _, err := p.PnLUSD(pos.EntryPriceMantissa, pos.SizeUSD, pos.Side, spot, ema, interestUSD, 0, false)
	if err != nil {
		return ProfitAndLoss{}, 0, err
	}
	ok, err := p.CheckLeverage(pos.SizeUSD, pos.CollateralUSD, markProfit, markLoss, 0, traded.Pricing.MaxLeverage, false)
	if err != nil {
		return ProfitAndLoss{}, 0, err
	}
	if ok {
		return ProfitAndLoss{}, 0, perrors.ErrPositionNotLiquidatable
	}

	liqFeeUSD, liqFeeAmount, err := p.EntryFee(traded.Fees.LiquidationBps, pos.SizeUSD, pos.Side, traded, markPrice, collateral, collateralPrice)
	if err != nil {
		return ProfitAndLoss{}, 0, err
	}
	_ = liqFeeUSD

	profit, loss, _, err := p.PnLUSD(pos.EntryPriceMantissa, pos.SizeUSD, pos.Side, spot, ema, interestUSD, liqFeeUSD, true)
	if err != nil {
		return ProfitAndLoss{}, 0, err
	}

	traded.Assets.Locked, err = fixedmath.CheckedSub(traded.Assets.Locked, pos.LockedAmount)
	if err != nil {
		return ProfitAndLoss{}, 0, err
	}
	switch pos.Side {
	case custody.SideLong:
		traded.LongPositionsUSD, err = fixedmath.CheckedSub(traded.LongPositionsUSD, pos.SizeUSD)
	case custody.SideShort:
		traded.ShortPositionsUSD, err = fixedmath.CheckedSub(traded.ShortPositionsUSD, pos.SizeUSD)
	}
	if err != nil {
		return ProfitAndLoss{}, 0, err
	}
	traded.CollectedFees.Liquidation, err = fixedmath.CheckedAdd(traded.CollectedFees.Liquidation, liqFeeAmount)
	if err != nil {
		return ProfitAndLoss{}, 0, err
	}

	pos.UpdateTime = now
	return ProfitAndLoss{Profit: profit, Loss: loss}, liqFeeAmount, nil
}

// Swap exchanges amountIn of the input custody's token for the output
// custody's token, applying both sides' fee schedules.
func (r *Router) Swap(now int64, p *pool.Pool, in, out *custody.Custody, inRatio, outRatio pool.RatioConfig, priceInSpot, priceInEma, priceOutSpot, priceOutEma oracle.Price, amountIn, totalAUM uint64) (result SwapAmountAndFees, err error) {
	defer r.logAction(ActionSwap, &err)()

	if err = in.UpdateInterest(now); err != nil {
		return SwapAmountAndFees{}, err
	}
	if err = out.UpdateInterest(now); err != nil {
		return SwapAmountAndFees{}, err
	}

	feeInBps, feeOutBps, err := p.SwapFees(in, out, priceInSpot, priceInEma, priceOutSpot, priceOutEma, amountIn, totalAUM, inRatio, outRatio)
	if err != nil {
		return SwapAmountAndFees{}, err
	}

	amountOut, err := p.SwapAmount(amountIn, in, out, priceInSpot, priceInEma, priceOutSpot, priceOutEma)
	if err != nil {
		return SwapAmountAndFees{}, err
	}

	feeInAmount, err := applyBps(amountIn, feeInBps)
	if err != nil {
		return SwapAmountAndFees{}, err
	}
	feeOutAmount, err := applyBps(amountOut, feeOutBps)
	if err != nil {
		return SwapAmountAndFees{}, err
	}

	in.Assets.Owned, err = fixedmath.CheckedAdd(in.Assets.Owned, amountIn)
	if err != nil {
		return SwapAmountAndFees{}, err
	}
	out.Assets.Owned, err = fixedmath.CheckedSub(out.Assets.Owned, amountOut)
	if err != nil {
		return SwapAmountAndFees{}, err
	}
	in.CollectedFees.SwapIn, err = fixedmath.CheckedAdd(in.CollectedFees.SwapIn, feeInAmount)
	if err != nil {
		return SwapAmountAndFees{}, err
	}
	out.CollectedFees.SwapOut, err = fixedmath.CheckedAdd(out.CollectedFees.SwapOut, feeOutAmount)
	if err != nil {
		return SwapAmountAndFees{}, err
	}

	return SwapAmountAndFees{AmountOut: amountOut, FeeIn: feeInAmount, FeeOut: feeOutAmount}, nil
}

// applyBps returns amount*bps/BPSPower, propagating any overflow rather than
// silently truncating it — the fee/amount split this feeds must never drift
// from what the checked math actually produced.
func applyBps(amount, bps uint64) (uint64, error) {
	scaled, err := fixedmath.CheckedMul(amount, bps)
	if err != nil {
		return 0, err
	}
	return fixedmath.CheckedDiv(scaled, fixedmath.BPSPower)
}

// AddLiquidity deposits amountIn into custody c, valuing it against the
// pool's max-mode AUM (spec.md §4.7) to mint LP tokens, net of the
// ratio-adjusted add-liquidity fee.
func (r *Router) AddLiquidity(now int64, p *pool.Pool, c *custody.Custody, ratio pool.RatioConfig, price oracle.Price, amountIn, custodyValueUSD, aumUSDMax, lpSupply uint64) (lpOut, feeAmount uint64, err error) {
	defer r.logAction(ActionAddLiquidity, &err)()

	if err = c.UpdateInterest(now); err != nil {
		return 0, 0, err
	}
	amountUSD, err := price.GetAssetAmountUSD(amountIn, c.Decimals)
	if err != nil {
		return 0, 0, err
	}
	feeBps, err := p.AddLiquidityFee(c.Fees.AddLiquidityBps, custodyValueUSD, aumUSDMax, amountUSD, ratio)
	if err != nil {
		return 0, 0, err
	}
	feeAmount, err = applyBps(amountIn, feeBps)
	if err != nil {
		return 0, 0, err
	}
	netIn, err := fixedmath.CheckedSub(amountIn, feeAmount)
	if err != nil {
		return 0, 0, err
	}
	netUSD, err := price.GetAssetAmountUSD(netIn, c.Decimals)
	if err != nil {
		return 0, 0, err
	}
	lpOut, err = lpshare.MintOnAddLiquidity(netUSD, lpSupply, aumUSDMax)
	if err != nil {
		return 0, 0, err
	}
	c.Assets.Owned, err = fixedmath.CheckedAdd(c.Assets.Owned, amountIn)
	if err != nil {
		return 0, 0, err
	}
	c.CollectedFees.AddLiquidity, err = fixedmath.CheckedAdd(c.CollectedFees.AddLiquidity, feeAmount)
	if err != nil {
		return 0, 0, err
	}
	return lpOut, feeAmount, nil
}

// RemoveLiquidity burns lpIn LP tokens, valuing the redemption against the
// pool's min-mode AUM, and returns the custody's token amount owed net of
// the ratio-adjusted remove-liquidity fee.
func (r *Router) RemoveLiquidity(now int64, p *pool.Pool, c *custody.Custody, ratio pool.RatioConfig, price oracle.Price, lpIn, custodyValueUSD, aumUSDMin, lpSupply uint64) (amountOut, feeAmount uint64, err error) {
	defer r.logAction(ActionRemoveLiquidity, &err)()

	if err = c.UpdateInterest(now); err != nil {
		return 0, 0, err
	}
	redeemUSD, err := lpshare.BurnOnRemoveLiquidity(lpIn, lpSupply, aumUSDMin)
	if err != nil {
		return 0, 0, err
	}
	grossAmount, err := price.GetTokenAmount(redeemUSD, c.Decimals)
	if err != nil {
		return 0, 0, err
	}
	feeBps, err := p.RemoveLiquidityFee(c.Fees.RemoveLiquidityBps, custodyValueUSD, aumUSDMin, redeemUSD, ratio)
	if err != nil {
		return 0, 0, err
	}
	feeAmount, err = applyBps(grossAmount, feeBps)
	if err != nil {
		return 0, 0, err
	}
	amountOut, err = fixedmath.CheckedSub(grossAmount, feeAmount)
	if err != nil {
		return 0, 0, err
	}
	if amountOut > c.Assets.Owned-c.Assets.Locked {
		return 0, 0, fmt.Errorf("remove_liquidity: %w", perrors.ErrInsufficientPoolLiquidity)
	}
	c.Assets.Owned, err = fixedmath.CheckedSub(c.Assets.Owned, grossAmount)
	if err != nil {
		return 0, 0, err
	}
	c.CollectedFees.RemoveLiquidity, err = fixedmath.CheckedAdd(c.CollectedFees.RemoveLiquidity, feeAmount)
	if err != nil {
		return 0, 0, err
	}
	return amountOut, feeAmount, nil
}

// UpdatePoolAUM recomputes and returns the pool's AUM under every mode the
// host asks for; the router itself holds no cached AUM, the host persists
// whichever snapshot it needs (spec.md's Pool record carries no derived
// fields that could drift from the custodies it's computed from).
func (r *Router) UpdatePoolAUM(p *pool.Pool, mode pool.AumMode, inputs []pool.AumInput) (aum uint64, err error) {
	defer r.logAction(ActionUpdatePoolAUM, &err)()
	return p.AumUSD(mode, inputs)
}

// --- Query actions ------------------------------------------------------

// GetEntryPriceAndFee is the read-only counterpart of the pricing half of
// OpenPosition.
func (r *Router) GetEntryPriceAndFee(p *pool.Pool, side custody.Side, traded, collateral *custody.Custody, sizeUSD uint64, spot, ema, collateralPrice oracle.Price) (result PriceAndFee, err error) {
	defer r.logAction(QueryGetEntryPriceAndFee, &err)()
	if err = requireDistinctOracles(traded, collateral); err != nil {
		return PriceAndFee{}, err
	}
	price, err := p.EntryPrice(spot, ema, side, traded)
	if err != nil {
		return PriceAndFee{}, err
	}
	_, feeAmount, err := p.EntryFee(traded.Fees.OpenPositionBps, sizeUSD, side, traded, price, collateral, collateralPrice)
	if err != nil {
		return PriceAndFee{}, err
	}
	return PriceAndFee{Price: price, Fee: feeAmount}, nil
}

// GetExitPriceAndFee is the read-only counterpart of ClosePosition's pricing.
func (r *Router) GetExitPriceAndFee(p *pool.Pool, traded, collateral *custody.Custody, collateralPrice oracle.Price, pos *position.Position, spot, ema oracle.Price) (result PriceAndFee, err error) {
	defer r.logAction(QueryGetExitPriceAndFee, &err)()
	if err = requireDistinctOracles(traded, collateral); err != nil {
		return PriceAndFee{}, err
	}
	price, err := p.ExitPrice(spot, ema, pos.Side, traded)
	if err != nil {
		return PriceAndFee{}, err
	}
	_, feeAmount, err := p.EntryFee(traded.Fees.ClosePositionBps, pos.SizeUSD, pos.Side, traded, price, collateral, collateralPrice)
	if err != nil {
		return PriceAndFee{}, err
	}
	return PriceAndFee{Price: price, Fee: feeAmount}, nil
}

// GetPnL is the read-only counterpart of ClosePosition's profit/loss split.
func (r *Router) GetPnL(p *pool.Pool, traded *custody.Custody, pos *position.Position, now int64, spot, ema oracle.Price) (result ProfitAndLoss, err error) {
	defer r.logAction(QueryGetPnL, &err)()
	cumulative, err := traded.GetCumulativeInterest(now)
	if err != nil {
		return ProfitAndLoss{}, err
	}
	indexDelta, err := fixedmath.CheckedSub(cumulative, pos.CumulativeInterestSnapshot)
	if err != nil {
		return ProfitAndLoss{}, err
	}
	interestOwed, err := custody.InterestOwed(pos.LockedAmount, indexDelta)
	if err != nil {
		return ProfitAndLoss{}, err
	}
	interestUSD, err := spot.GetAssetAmountUSD(interestOwed, traded.Decimals)
	if err != nil {
		return ProfitAndLoss{}, err
	}
	profit, loss, _, err := p.PnLUSD(pos.EntryPriceMantissa, pos.SizeUSD, pos.Side, spot, ema, interestUSD, 0, false)
	if err != nil {
		return ProfitAndLoss{}, err
	}
	return ProfitAndLoss{Profit: profit, Loss: loss}, nil
}

// GetLiquidationPrice recomputes the liquidation price OpenPosition reports,
// with interest accrued to now.
func (r *Router) GetLiquidationPrice(p *pool.Pool, traded *custody.Custody, pos *position.Position, now int64) (price oracle.Price, err error) {
	defer r.logAction(QueryGetLiquidationPrice, &err)()
	cumulative, err := traded.GetCumulativeInterest(now)
	if err != nil {
		return oracle.Price{}, err
	}
	indexDelta, err := fixedmath.CheckedSub(cumulative, pos.CumulativeInterestSnapshot)
	if err != nil {
		return oracle.Price{}, err
	}
	interestOwed, err := custody.InterestOwed(pos.LockedAmount, indexDelta)
	if err != nil {
		return oracle.Price{}, err
	}
	entry := oracle.New(pos.EntryPriceMantissa, -fixedmath.PriceDecimals)
	interestUSD, err := entry.GetAssetAmountUSD(interestOwed, traded.Decimals)
	if err != nil {
		return oracle.Price{}, err
	}
	return p.LiquidationPrice(pos.EntryPriceMantissa, pos.SizeUSD, pos.CollateralUSD, interestUSD, 0, traded.Pricing.LiquidationThresholdBps, pos.Side)
}

// GetLiquidationState reports whether a position is currently liquidatable,
// matching the upstream get_liquidation_state's non-initial leverage check
// (DESIGN.md Open Question #2 — initial is hardcoded false here, same as
// the source it was distilled from).
func (r *Router) GetLiquidationState(p *pool.Pool, traded *custody.Custody, pos *position.Position, now int64, spot, ema oracle.Price) (liquidatable bool, err error) {
	defer r.logAction(QueryGetLiquidationState, &err)()
	pnl, qerr := r.GetPnL(p, traded, pos, now, spot, ema)
	if qerr != nil {
		err = qerr
		return false, err
	}
	ok, err := p.CheckLeverage(pos.SizeUSD, pos.CollateralUSD, pnl.Profit, pnl.Loss, 0, traded.Pricing.MaxLeverage, false)
	if err != nil {
		return false, err
	}
	return !ok, nil
}

// GetOraclePrice resolves and returns a single custody's current price
// without pricing any action against it.
func (r *Router) GetOraclePrice(custom oracle.CustomAccount, feed oracle.Feed, params oracle.Params, now int64, useEma bool) (price oracle.Price, err error) {
	defer r.logAction(QueryGetOraclePrice, &err)()
	return r.Gateway.Resolve(custom, feed, params, now, useEma, params.FeedID)
}

// GetAddLiquidityAmountAndFee is the read-only counterpart of AddLiquidity.
func (r *Router) GetAddLiquidityAmountAndFee(p *pool.Pool, c *custody.Custody, ratio pool.RatioConfig, price oracle.Price, amountIn, custodyValueUSD, aumUSDMax, lpSupply uint64) (result AmountAndFee, err error) {
	defer r.logAction(QueryGetAddLiquidityAmountAndFee, &err)()
	amountUSD, err := price.GetAssetAmountUSD(amountIn, c.Decimals)
	if err != nil {
		return AmountAndFee{}, err
	}
	feeBps, err := p.AddLiquidityFee(c.Fees.AddLiquidityBps, custodyValueUSD, aumUSDMax, amountUSD, ratio)
	if err != nil {
		return AmountAndFee{}, err
	}
	feeAmount, err := applyBps(amountIn, feeBps)
	if err != nil {
		return AmountAndFee{}, err
	}
	netIn, err := fixedmath.CheckedSub(amountIn, feeAmount)
	if err != nil {
		return AmountAndFee{}, err
	}
	netUSD, err := price.GetAssetAmountUSD(netIn, c.Decimals)
	if err != nil {
		return AmountAndFee{}, err
	}
	lpOut, err := lpshare.MintOnAddLiquidity(netUSD, lpSupply, aumUSDMax)
	if err != nil {
		return AmountAndFee{}, err
	}
	return AmountAndFee{Amount: lpOut, Fee: feeAmount}, nil
}

// GetRemoveLiquidityAmountAndFee is the read-only counterpart of RemoveLiquidity.
func (r *Router) GetRemoveLiquidityAmountAndFee(p *pool.Pool, c *custody.Custody, ratio pool.RatioConfig, price oracle.Price, lpIn, custodyValueUSD, aumUSDMin, lpSupply uint64) (result AmountAndFee, err error) {
	defer r.logAction(QueryGetRemoveLiquidityAmountAndFee, &err)()
	redeemUSD, err := lpshare.BurnOnRemoveLiquidity(lpIn, lpSupply, aumUSDMin)
	if err != nil {
		return AmountAndFee{}, err
	}
	grossAmount, err := price.GetTokenAmount(redeemUSD, c.Decimals)
	if err != nil {
		return AmountAndFee{}, err
	}
	feeBps, err := p.RemoveLiquidityFee(c.Fees.RemoveLiquidityBps, custodyValueUSD, aumUSDMin, redeemUSD, ratio)
	if err != nil {
		return AmountAndFee{}, err
	}
	feeAmount, err := applyBps(grossAmount, feeBps)
	if err != nil {
		return AmountAndFee{}, err
	}
	amountOut, err := fixedmath.CheckedSub(grossAmount, feeAmount)
	if err != nil {
		return AmountAndFee{}, err
	}
	return AmountAndFee{Amount: amountOut, Fee: feeAmount}, nil
}

// GetSwapAmountAndFees is the read-only counterpart of Swap.
func (r *Router) GetSwapAmountAndFees(p *pool.Pool, in, out *custody.Custody, inRatio, outRatio pool.RatioConfig, priceInSpot, priceInEma, priceOutSpot, priceOutEma oracle.Price, amountIn, totalAUM uint64) (result SwapAmountAndFees, err error) {
	defer r.logAction(QueryGetSwapAmountAndFees, &err)()
	feeInBps, feeOutBps, err := p.SwapFees(in, out, priceInSpot, priceInEma, priceOutSpot, priceOutEma, amountIn, totalAUM, inRatio, outRatio)
	if err != nil {
		return SwapAmountAndFees{}, err
	}
	amountOut, err := p.SwapAmount(amountIn, in, out, priceInSpot, priceInEma, priceOutSpot, priceOutEma)
	if err != nil {
		return SwapAmountAndFees{}, err
	}
	feeInAmount, err := applyBps(amountIn, feeInBps)
	if err != nil {
		return SwapAmountAndFees{}, err
	}
	feeOutAmount, err := applyBps(amountOut, feeOutBps)
	if err != nil {
		return SwapAmountAndFees{}, err
	}
	return SwapAmountAndFees{AmountOut: amountOut, FeeIn: feeInAmount, FeeOut: feeOutAmount}, nil
}

// GetAUM is the read-only counterpart of UpdatePoolAUM.
func (r *Router) GetAUM(p *pool.Pool, mode pool.AumMode, inputs []pool.AumInput) (aum uint64, err error) {
	defer r.logAction(QueryGetAUM, &err)()
	return p.AumUSD(mode, inputs)
}

// GetLPTokenPrice returns aum * BPS_POWER / lpSupply, with the AUM valued
// under the caller-supplied mode (0 when lpSupply is 0).
func (r *Router) GetLPTokenPrice(p *pool.Pool, mode pool.AumMode, inputs []pool.AumInput, lpSupply uint64) (price uint64, err error) {
	defer r.logAction(QueryGetLPTokenPrice, &err)()
	aum, err := p.AumUSD(mode, inputs)
	if err != nil {
		return 0, err
	}
	if lpSupply == 0 {
		return 0, nil
	}
	scaled, err := fixedmath.CheckedMul(aum, fixedmath.BPSPower)
	if err != nil {
		return 0, err
	}
	return fixedmath.CheckedDiv(scaled, lpSupply)
}

// --- Admin actions (Multisig Guard gated) --------------------------------

// SetCustodyPricing applies an admin-approved pricing change, requiring the
// Multisig Guard's round for (AdminSetCustodyPricing, params) to already
// have reached threshold.
func (r *Router) SetCustodyPricing(guard *multisig.State, params multisig.ParamsHash, c *custody.Custody, pricing custody.Pricing) (err error) {
	defer r.logAction(AdminSetCustodyPricing, &err)()
	instr := multisig.HashInstruction(string(AdminSetCustodyPricing))
	if err = requireAdmin(guard, instr, params); err != nil {
		return err
	}
	c.Pricing = pricing
	return nil
}

// UpgradeCustody migrates a deprecated LayoutV1 blob into c, the admin
// action backing spec.md §9's described migration.
func (r *Router) UpgradeCustody(guard *multisig.State, params multisig.ParamsHash, c *custody.Custody, v1 custody.LayoutV1) (err error) {
	defer r.logAction(AdminUpgradeCustody, &err)()
	instr := multisig.HashInstruction(string(AdminUpgradeCustody))
	if err = requireAdmin(guard, instr, params); err != nil {
		return err
	}
	c.UpgradeFromV1(v1)
	return nil
}
