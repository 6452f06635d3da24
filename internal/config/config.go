package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"unicode"

	"github.com/gagliardetto/solana-go"
	"gopkg.in/yaml.v3"
)

// LogConfig drives both internal/logging.New (slog, ambient) and
// internal/logging.NewZap (the router's structured per-action logger).
type LogConfig struct {
	Level    string
	Format   string
	Output   string
	FilePath string
}

// MultisigConfig seeds the Multisig Guard (C8) a simulator run starts with.
type MultisigConfig struct {
	Signers   []solana.PublicKey
	Threshold uint8
}

// DefaultPricingConfig seeds a newly created custody's Pricing when no
// admin override has been applied yet.
type DefaultPricingConfig struct {
	TradeSpreadLongBps      uint64
	TradeSpreadShortBps     uint64
	MaxLeverageBps          uint64
	LiquidationThresholdBps uint64
}

// DefaultFeesConfig seeds a newly created custody's Fees schedule.
type DefaultFeesConfig struct {
	OpenPositionBps    uint64
	ClosePositionBps   uint64
	LiquidationBps     uint64
	SwapInBps          uint64
	SwapOutBps         uint64
	AddLiquidityBps    uint64
	RemoveLiquidityBps uint64
}

// DefaultBorrowRateConfig seeds a newly created custody's utilization curve.
type DefaultBorrowRateConfig struct {
	BaseRateBps           uint64
	Slope1Bps             uint64
	Slope2Bps             uint64
	OptimalUtilizationBps uint64
}

// DefaultRatioConfig seeds a newly created pool custody's target-weight band.
type DefaultRatioConfig struct {
	TargetBps      uint64
	MinBps         uint64
	MaxBps         uint64
	MaxRatioFeeBps uint64
}

// OracleDefaultsConfig bounds staleness and confidence for every custody
// whose OracleParams doesn't override them.
type OracleDefaultsConfig struct {
	MaxAgeSec  int64
	MaxConfBps uint64
}

// SimulatorConfig is cmd/simulator's full runtime configuration: the
// Multisig Guard's starting signer set plus the default pricing/fees/
// borrow-rate/ratio/oracle parameters newly constructed pools and
// custodies are seeded with.
type SimulatorConfig struct {
	Log               LogConfig
	Multisig          MultisigConfig
	DefaultPricing    DefaultPricingConfig
	DefaultFees       DefaultFeesConfig
	DefaultBorrowRate DefaultBorrowRateConfig
	DefaultRatio      DefaultRatioConfig
	Oracle            OracleDefaultsConfig
}

// LoadSimulatorConfig resolves SimulatorConfig from (in ascending priority)
// config/config-<phase>.yaml and process environment variables, the same
// phase/file/env layering the teacher's service configs use.
func LoadSimulatorConfig() (SimulatorConfig, error) {
	if err := ensureRuntimeConfigLoaded(); err != nil {
		return SimulatorConfig{}, err
	}

	threshold, err := envUint32("SIMULATOR_MULTISIG_THRESHOLD", 1)
	if err != nil {
		return SimulatorConfig{}, err
	}
	if threshold == 0 || threshold > 255 {
		return SimulatorConfig{}, fmt.Errorf("invalid SIMULATOR_MULTISIG_THRESHOLD: must be in [1,255]")
	}

	signers, err := envPubkeyList("SIMULATOR_MULTISIG_SIGNERS")
	if err != nil {
		return SimulatorConfig{}, err
	}
	if len(signers) == 0 {
		signers = []solana.PublicKey{solana.NewWallet().PublicKey()}
	}
	if int(threshold) > len(signers) {
		return SimulatorConfig{}, fmt.Errorf("invalid SIMULATOR_MULTISIG_THRESHOLD: %d exceeds %d configured signers", threshold, len(signers))
	}

	maxLeverageBps, err := envUint64("SIMULATOR_DEFAULT_MAX_LEVERAGE_BPS", 500_000) // 50x
	if err != nil {
		return SimulatorConfig{}, err
	}
	liqThresholdBps, err := envUint64("SIMULATOR_DEFAULT_LIQUIDATION_THRESHOLD_BPS", 9_000)
	if err != nil {
		return SimulatorConfig{}, err
	}
	spreadLongBps, err := envUint64("SIMULATOR_DEFAULT_TRADE_SPREAD_LONG_BPS", 10)
	if err != nil {
		return SimulatorConfig{}, err
	}
	spreadShortBps, err := envUint64("SIMULATOR_DEFAULT_TRADE_SPREAD_SHORT_BPS", 10)
	if err != nil {
		return SimulatorConfig{}, err
	}

	openFeeBps, err := envUint64("SIMULATOR_DEFAULT_OPEN_POSITION_FEE_BPS", 10)
	if err != nil {
		return SimulatorConfig{}, err
	}
	closeFeeBps, err := envUint64("SIMULATOR_DEFAULT_CLOSE_POSITION_FEE_BPS", 10)
	if err != nil {
		return SimulatorConfig{}, err
	}
	liquidationFeeBps, err := envUint64("SIMULATOR_DEFAULT_LIQUIDATION_FEE_BPS", 50)
	if err != nil {
		return SimulatorConfig{}, err
	}
	swapInBps, err := envUint64("SIMULATOR_DEFAULT_SWAP_IN_FEE_BPS", 5)
	if err != nil {
		return SimulatorConfig{}, err
	}
	swapOutBps, err := envUint64("SIMULATOR_DEFAULT_SWAP_OUT_FEE_BPS", 5)
	if err != nil {
		return SimulatorConfig{}, err
	}
	addLiquidityBps, err := envUint64("SIMULATOR_DEFAULT_ADD_LIQUIDITY_FEE_BPS", 10)
	if err != nil {
		return SimulatorConfig{}, err
	}
	removeLiquidityBps, err := envUint64("SIMULATOR_DEFAULT_REMOVE_LIQUIDITY_FEE_BPS", 10)
	if err != nil {
		return SimulatorConfig{}, err
	}

	baseRateBps, err := envUint64("SIMULATOR_DEFAULT_BORROW_BASE_RATE_BPS", 0)
	if err != nil {
		return SimulatorConfig{}, err
	}
	slope1Bps, err := envUint64("SIMULATOR_DEFAULT_BORROW_SLOPE1_BPS", 800)
	if err != nil {
		return SimulatorConfig{}, err
	}
	slope2Bps, err := envUint64("SIMULATOR_DEFAULT_BORROW_SLOPE2_BPS", 10_000)
	if err != nil {
		return SimulatorConfig{}, err
	}
	optimalUtilizationBps, err := envUint64("SIMULATOR_DEFAULT_BORROW_OPTIMAL_UTILIZATION_BPS", 8_000)
	if err != nil {
		return SimulatorConfig{}, err
	}

	targetBps, err := envUint64("SIMULATOR_DEFAULT_RATIO_TARGET_BPS", 5_000)
	if err != nil {
		return SimulatorConfig{}, err
	}
	minBps, err := envUint64("SIMULATOR_DEFAULT_RATIO_MIN_BPS", 1_000)
	if err != nil {
		return SimulatorConfig{}, err
	}
	maxBps, err := envUint64("SIMULATOR_DEFAULT_RATIO_MAX_BPS", 9_000)
	if err != nil {
		return SimulatorConfig{}, err
	}
	maxRatioFeeBps, err := envUint64("SIMULATOR_DEFAULT_RATIO_MAX_FEE_BPS", 50)
	if err != nil {
		return SimulatorConfig{}, err
	}

	oracleMaxAgeSec, err := envInt64("SIMULATOR_ORACLE_MAX_AGE_SEC", 60)
	if err != nil {
		return SimulatorConfig{}, err
	}
	oracleMaxConfBps, err := envUint64("SIMULATOR_ORACLE_MAX_CONF_BPS", 100)
	if err != nil {
		return SimulatorConfig{}, err
	}

	return SimulatorConfig{
		Log: buildLogConfig("SIMULATOR", "simulator"),
		Multisig: MultisigConfig{
			Signers:   signers,
			Threshold: uint8(threshold),
		},
		DefaultPricing: DefaultPricingConfig{
			TradeSpreadLongBps:      spreadLongBps,
			TradeSpreadShortBps:     spreadShortBps,
			MaxLeverageBps:          maxLeverageBps,
			LiquidationThresholdBps: liqThresholdBps,
		},
		DefaultFees: DefaultFeesConfig{
			OpenPositionBps:    openFeeBps,
			ClosePositionBps:   closeFeeBps,
			LiquidationBps:     liquidationFeeBps,
			SwapInBps:          swapInBps,
			SwapOutBps:         swapOutBps,
			AddLiquidityBps:    addLiquidityBps,
			RemoveLiquidityBps: removeLiquidityBps,
		},
		DefaultBorrowRate: DefaultBorrowRateConfig{
			BaseRateBps:           baseRateBps,
			Slope1Bps:             slope1Bps,
			Slope2Bps:             slope2Bps,
			OptimalUtilizationBps: optimalUtilizationBps,
		},
		DefaultRatio: DefaultRatioConfig{
			TargetBps:      targetBps,
			MinBps:         minBps,
			MaxBps:         maxBps,
			MaxRatioFeeBps: maxRatioFeeBps,
		},
		Oracle: OracleDefaultsConfig{
			MaxAgeSec:  oracleMaxAgeSec,
			MaxConfBps: oracleMaxConfBps,
		},
	}, nil
}

// ConfigSource reports which config file (if any) backs the current
// process's configuration, for startup logging.
type ConfigSource struct {
	Phase  string
	Path   string
	Loaded bool
}

func CurrentConfigSource() (ConfigSource, error) {
	if err := ensureRuntimeConfigLoaded(); err != nil {
		return ConfigSource{}, err
	}
	return ConfigSource{
		Phase:  runtimeConfigPhase,
		Path:   runtimeConfigPath,
		Loaded: runtimeConfigLoaded,
	}, nil
}

func buildLogConfig(prefix string, serviceName string) LogConfig {
	level := envOrDefault(prefix+"_LOG_LEVEL", envOrDefault("LOG_LEVEL", "info"))
	format := envOrDefault(prefix+"_LOG_FORMAT", envOrDefault("LOG_FORMAT", "text"))
	output := envOrDefault(prefix+"_LOG_OUTPUT", envOrDefault("LOG_OUTPUT", "console"))
	filePath := envOrDefault(prefix+"_LOG_FILE", envOrDefault("LOG_FILE", filepath.Join(".docker", serviceName, serviceName+".log")))

	return LogConfig{
		Level:    level,
		Format:   format,
		Output:   output,
		FilePath: filePath,
	}
}

func envPubkeyList(key string) ([]solana.PublicKey, error) {
	raw := strings.TrimSpace(valueForKey(key))
	if raw == "" {
		return nil, nil
	}
	parts := parseCSVEnv(raw, nil)
	out := make([]solana.PublicKey, 0, len(parts))
	for _, part := range parts {
		pk, err := solana.PublicKeyFromBase58(part)
		if err != nil {
			return nil, fmt.Errorf("invalid pubkey %q in %s: %w", part, key, err)
		}
		out = append(out, pk)
	}
	return out, nil
}

func envUint64(key string, fallback uint64) (uint64, error) {
	raw := strings.TrimSpace(valueForKey(key))
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return v, nil
}

func envUint32(key string, fallback uint32) (uint32, error) {
	raw := strings.TrimSpace(valueForKey(key))
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.ParseUint(raw, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return uint32(v), nil
}

func envInt64(key string, fallback int64) (int64, error) {
	raw := strings.TrimSpace(valueForKey(key))
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return v, nil
}

func envOrDefault(key, fallback string) string {
	if value := strings.TrimSpace(valueForKey(key)); value != "" {
		return value
	}
	return fallback
}

func parseCSVEnv(raw string, fallback []string) []string {
	if strings.TrimSpace(raw) == "" {
		return fallback
	}

	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		value := strings.TrimSpace(part)
		if value == "" {
			continue
		}
		out = append(out, value)
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}

var (
	runtimeConfigOnce   sync.Once
	runtimeConfigErr    error
	runtimeConfigValues map[string]string
	runtimeConfigLoaded bool
	runtimeConfigPath   string
	runtimeConfigPhase  string
)

func ensureRuntimeConfigLoaded() error {
	runtimeConfigOnce.Do(func() {
		runtimeConfigValues = make(map[string]string)

		phase := strings.TrimSpace(os.Getenv("CONFIG_PHASE"))
		if phase == "" {
			phase = "local"
		}
		runtimeConfigPhase = phase

		configPath := strings.TrimSpace(os.Getenv("CONFIG_FILE"))
		explicitPath := configPath != ""
		if configPath == "" {
			configPath = filepath.Join("config", "config-"+phase+".yaml")
		}

		body, err := os.ReadFile(configPath)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) && !explicitPath {
				return
			}
			runtimeConfigErr = fmt.Errorf("read config file %q: %w", configPath, err)
			return
		}

		raw := make(map[string]any)
		if err := yaml.Unmarshal(body, &raw); err != nil {
			runtimeConfigErr = fmt.Errorf("parse config file %q: %w", configPath, err)
			return
		}

		flattened, err := flattenConfig(raw)
		if err != nil {
			runtimeConfigErr = fmt.Errorf("flatten config file %q: %w", configPath, err)
			return
		}

		runtimeConfigValues = flattened
		runtimeConfigLoaded = true
		if absPath, err := filepath.Abs(configPath); err == nil {
			runtimeConfigPath = absPath
		} else {
			runtimeConfigPath = configPath
		}
	})
	return runtimeConfigErr
}

func flattenConfig(raw map[string]any) (map[string]string, error) {
	out := make(map[string]string)
	for key, value := range raw {
		segment := normalizeKeySegment(key)
		if segment == "" {
			continue
		}
		if err := flattenConfigValue(segment, value, out); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func flattenConfigValue(prefix string, value any, out map[string]string) error {
	switch typed := value.(type) {
	case map[string]any:
		for key, child := range typed {
			segment := normalizeKeySegment(key)
			if segment == "" {
				continue
			}
			if err := flattenConfigValue(prefix+"_"+segment, child, out); err != nil {
				return err
			}
		}
		return nil
	case map[any]any:
		for keyAny, child := range typed {
			keyText, ok := keyAny.(string)
			if !ok {
				return fmt.Errorf("unsupported map key type %T under %q", keyAny, prefix)
			}
			segment := normalizeKeySegment(keyText)
			if segment == "" {
				continue
			}
			if err := flattenConfigValue(prefix+"_"+segment, child, out); err != nil {
				return err
			}
		}
		return nil
	case []any:
		parts := make([]string, 0, len(typed))
		for _, item := range typed {
			switch scalar := item.(type) {
			case string:
				if strings.TrimSpace(scalar) == "" {
					continue
				}
				parts = append(parts, strings.TrimSpace(scalar))
			case bool, int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64:
				parts = append(parts, fmt.Sprint(scalar))
			default:
				return fmt.Errorf("unsupported list item type %T under %q", item, prefix)
			}
		}
		out[prefix] = strings.Join(parts, ",")
		return nil
	case nil:
		return nil
	default:
		out[prefix] = fmt.Sprint(typed)
		return nil
	}
}

func normalizeKeySegment(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}

	var b strings.Builder
	b.Grow(len(raw))
	lastUnderscore := false

	for _, r := range raw {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(unicode.ToUpper(r))
			lastUnderscore = false
			continue
		}
		if !lastUnderscore && b.Len() > 0 {
			b.WriteByte('_')
			lastUnderscore = true
		}
	}

	return strings.Trim(b.String(), "_")
}

func valueForKey(key string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}

	if err := ensureRuntimeConfigLoaded(); err != nil {
		return ""
	}

	if value := strings.TrimSpace(runtimeConfigValues[key]); value != "" {
		return value
	}
	return ""
}
