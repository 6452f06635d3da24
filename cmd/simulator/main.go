// Command simulator is a thin host-glue harness: it wires an in-memory
// oracle feed, a freshly seeded pool/custody/position set, and the
// Multisig Guard into an internal/router.Router, then drives one
// open -> add-collateral -> close lifecycle against it. It stands in for
// the teacher's cmd/api-server and cmd/indexer, which wired those same
// ambient pieces (config, logging) to an RPC-backed chain indexer instead
// of an in-memory settlement core.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/gagliardetto/solana-go"
	_ "github.com/joho/godotenv/autoload"

	"github.com/bxkdhc6282/perpetuals/internal/codec"
	"github.com/bxkdhc6282/perpetuals/internal/config"
	"github.com/bxkdhc6282/perpetuals/internal/custody"
	"github.com/bxkdhc6282/perpetuals/internal/logging"
	"github.com/bxkdhc6282/perpetuals/internal/multisig"
	"github.com/bxkdhc6282/perpetuals/internal/oracle"
	"github.com/bxkdhc6282/perpetuals/internal/pool"
	"github.com/bxkdhc6282/perpetuals/internal/position"
	"github.com/bxkdhc6282/perpetuals/internal/router"
)

func main() {
	bootstrapLogger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	cfg, err := config.LoadSimulatorConfig()
	if err != nil {
		bootstrapLogger.Error("failed to load config", "err", err)
		os.Exit(1)
	}

	ambientLogger, closeAmbient, err := logging.New("simulator", cfg.Log)
	if err != nil {
		bootstrapLogger.Error("failed to initialize ambient logger", "err", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := closeAmbient(); closeErr != nil {
			bootstrapLogger.Error("failed to close ambient logger", "err", closeErr)
		}
	}()

	if source, sourceErr := config.CurrentConfigSource(); sourceErr == nil {
		ambientLogger.Info("configuration loaded", "phase", source.Phase, "path", source.Path, "loaded", source.Loaded)
	}

	actionLogger, closeActionLog, err := logging.NewZap("simulator", cfg.Log)
	if err != nil {
		ambientLogger.Error("failed to initialize action logger", "err", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := closeActionLog(); closeErr != nil {
			ambientLogger.Error("failed to close action logger", "err", closeErr)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, ambientLogger, router.New(actionLogger)); err != nil {
		ambientLogger.Error("simulator run failed", "err", err)
		os.Exit(1)
	}
}

// memoryFeed is a fixed in-memory oracle.Feed fake: it always answers the
// single feed id it was seeded with, which is all a local smoke run needs.
// A host wiring a live Pyth account still satisfies the same interface.
type memoryFeed struct {
	feedID [32]byte
	spot   oracle.Quote
	twap   oracle.Quote
}

func (f memoryFeed) GetPriceNoOlderThan(now int64, maxAge int64, feedID [32]byte) (oracle.Quote, bool) {
	if feedID != f.feedID || now-f.spot.PublishTime > maxAge {
		return oracle.Quote{}, false
	}
	return f.spot, true
}

func (f memoryFeed) GetTwapNoOlderThan(now int64, maxAge int64, feedID [32]byte) (oracle.Quote, bool) {
	if feedID != f.feedID || now-f.twap.PublishTime > maxAge {
		return oracle.Quote{}, false
	}
	return f.twap, true
}

func run(ctx context.Context, cfg config.SimulatorConfig, logger *slog.Logger, r *router.Router) error {
	now := int64(1_700_000_000)

	solMint := solana.NewWallet().PublicKey()
	usdcMint := solana.NewWallet().PublicKey()
	solFeedID := [32]byte{1}

	sol := &custody.Custody{
		MintID:   solMint,
		Decimals: 9,
		Pricing: custody.Pricing{
			TradeSpreadLongBps:      cfg.DefaultPricing.TradeSpreadLongBps,
			TradeSpreadShortBps:     cfg.DefaultPricing.TradeSpreadShortBps,
			MaxLeverage:             cfg.DefaultPricing.MaxLeverageBps,
			LiquidationThresholdBps: cfg.DefaultPricing.LiquidationThresholdBps,
		},
		Fees: custody.Fees{
			OpenPositionBps:    cfg.DefaultFees.OpenPositionBps,
			ClosePositionBps:   cfg.DefaultFees.ClosePositionBps,
			LiquidationBps:     cfg.DefaultFees.LiquidationBps,
			SwapInBps:          cfg.DefaultFees.SwapInBps,
			SwapOutBps:         cfg.DefaultFees.SwapOutBps,
			AddLiquidityBps:    cfg.DefaultFees.AddLiquidityBps,
			RemoveLiquidityBps: cfg.DefaultFees.RemoveLiquidityBps,
		},
		BorrowRate: custody.BorrowRateParams{
			BaseRateBps:           cfg.DefaultBorrowRate.BaseRateBps,
			Slope1Bps:             cfg.DefaultBorrowRate.Slope1Bps,
			Slope2Bps:             cfg.DefaultBorrowRate.Slope2Bps,
			OptimalUtilizationBps: cfg.DefaultBorrowRate.OptimalUtilizationBps,
		},
		Oracle: oracle.Params{
			Kind:       oracle.KindExternal,
			MaxConfBps: cfg.Oracle.MaxConfBps,
			MaxAgeSec:  cfg.Oracle.MaxAgeSec,
			FeedID:     solFeedID,
		},
		Assets: custody.Assets{Owned: 1_000_000_000_000}, // 1,000 SOL at 9 decimals
	}

	usdc := &custody.Custody{
		MintID:   usdcMint,
		Decimals: 6,
		IsStable: true,
		Pricing: custody.Pricing{
			MaxLeverage:             cfg.DefaultPricing.MaxLeverageBps,
			LiquidationThresholdBps: cfg.DefaultPricing.LiquidationThresholdBps,
		},
		Fees: custody.Fees{
			OpenPositionBps:  cfg.DefaultFees.OpenPositionBps,
			ClosePositionBps: cfg.DefaultFees.ClosePositionBps,
			LiquidationBps:   cfg.DefaultFees.LiquidationBps,
		},
		Assets: custody.Assets{Owned: 1_000_000_000_000}, // 1,000,000 USDC at 6 decimals
	}

	p := &pool.Pool{
		Name:       "SOL-USDC",
		CustodyIDs: []solana.PublicKey{solMint, usdcMint},
		Ratios: []pool.RatioConfig{
			{TargetBps: cfg.DefaultRatio.TargetBps, MinBps: cfg.DefaultRatio.MinBps, MaxBps: cfg.DefaultRatio.MaxBps, MaxRatioFeeBps: cfg.DefaultRatio.MaxRatioFeeBps},
			{TargetBps: cfg.DefaultRatio.TargetBps, MinBps: cfg.DefaultRatio.MinBps, MaxBps: cfg.DefaultRatio.MaxBps, MaxRatioFeeBps: cfg.DefaultRatio.MaxRatioFeeBps},
		},
		InceptionTime: now,
	}

	guard, err := multisig.New(cfg.Multisig.Signers, cfg.Multisig.Threshold)
	if err != nil {
		return fmt.Errorf("seed multisig guard: %w", err)
	}

	feed := memoryFeed{
		feedID: solFeedID,
		spot:   oracle.Quote{Price: 150_00000000, Conf: 1_00000, Exponent: -8, PublishTime: now},
		twap:   oracle.Quote{Price: 149_50000000, Conf: 1_00000, Exponent: -8, PublishTime: now},
	}

	spot, err := r.GetOraclePrice(oracle.CustomAccount{}, feed, sol.Oracle, now, false)
	if err != nil {
		return fmt.Errorf("resolve spot price: %w", err)
	}
	ema, err := r.GetOraclePrice(oracle.CustomAccount{}, feed, sol.Oracle, now, true)
	if err != nil {
		return fmt.Errorf("resolve ema price: %w", err)
	}
	usdcPrice := oracle.New(1_00000000, -8)

	trader := solana.NewWallet().PublicKey()
	pos := &position.Position{
		Owner:               trader,
		PoolID:              solMint, // placeholder pool identity for this single-pool harness
		CustodyID:           solMint,
		CollateralCustodyID: usdcMint,
		Side:                custody.SideLong,
	}

	sizeUSD := uint64(10_000_000_000)       // $10,000 notional at fixedmath.USDDecimals=6
	collateralAmount := uint64(1_000_000_000) // 1,000 USDC at 6 decimals
	collateralUSD := uint64(1_000_000_000)    // $1,000

	openResult, err := r.OpenPosition(router.OpenPositionRequest{
		Now:              now,
		Side:             custody.SideLong,
		Pool:             p,
		Traded:           sol,
		Collateral:       usdc,
		Position:         pos,
		SizeUSD:          sizeUSD,
		CollateralAmount: collateralAmount,
		CollateralUSD:    collateralUSD,
		Spot:             spot,
		EMA:              ema,
		CollateralPrice:  usdcPrice,
	})
	if err != nil {
		return fmt.Errorf("open position: %w", err)
	}
	logger.Info("opened position",
		"entry_price_mantissa", openResult.EntryPrice.Mantissa,
		"liquidation_price_mantissa", openResult.LiquidationPrice.Mantissa,
		"fee", openResult.Fee,
	)

	extraCollateral := uint64(100_000_000)    // 100 USDC
	extraCollateralUSD := uint64(100_000_000) // $100
	if err := r.AddCollateral(now, usdc, pos, extraCollateral, extraCollateralUSD); err != nil {
		return fmt.Errorf("add collateral: %w", err)
	}
	logger.Info("added collateral", "collateral_usd", pos.CollateralUSD)

	adminInstr := multisig.HashInstruction(string(router.AdminSetCustodyPricing))
	adminParams := multisig.HashParams(adminInstr, multisig.EncodeUint64Param(nil, sol.Pricing.MaxLeverage))
	for _, signer := range cfg.Multisig.Signers[:guard.Threshold] {
		if _, err := guard.Propose(signer, adminInstr, adminParams); err != nil {
			return fmt.Errorf("propose admin action: %w", err)
		}
	}
	if err := r.SetCustodyPricing(guard, adminParams, sol, sol.Pricing); err != nil {
		return fmt.Errorf("apply admin action: %w", err)
	}
	logger.Info("multisig-gated admin action applied", "threshold", guard.Threshold, "signers", len(guard.Signers))

	later := now + 3600
	pnl, err := r.GetPnL(p, sol, pos, later, spot, ema)
	if err != nil {
		return fmt.Errorf("get pnl: %w", err)
	}
	logger.Info("position pnl", "profit", pnl.Profit, "loss", pnl.Loss)

	closeResult, closeFee, err := r.ClosePosition(router.ClosePositionRequest{
		Now:             later,
		Pool:            p,
		Traded:          sol,
		Collateral:      usdc,
		CollateralPrice: usdcPrice,
		Position:        pos,
		Spot:            spot,
		EMA:             ema,
	})
	if err != nil {
		return fmt.Errorf("close position: %w", err)
	}
	logger.Info("closed position", "profit", closeResult.Profit, "loss", closeResult.Loss, "fee", closeFee)

	encodedPool, err := codec.EncodePool(p)
	if err != nil {
		return fmt.Errorf("encode pool for persistence demo: %w", err)
	}
	logger.Info("pool state encoded", "bytes", len(encodedPool))

	if err := ctx.Err(); err != nil {
		return err
	}
	return nil
}
