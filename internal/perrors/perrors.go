// Package perrors defines the fatal error taxonomy shared by every
// component of the perpetuals core. Every action either completes or
// returns one of these sentinels unchanged; none are retried internally.
package perrors

import "errors"

var (
	// Math
	ErrMathOverflow = errors.New("math overflow")

	// Oracle
	ErrInvalidOracleAccount = errors.New("invalid oracle account")
	ErrStaleOraclePrice     = errors.New("stale oracle price")
	ErrInvalidOraclePrice   = errors.New("invalid oracle price")
	ErrUnsupportedOracle    = errors.New("unsupported oracle")
	ErrMissingTwap          = errors.New("missing twap")
	ErrDuplicateOracleFeed  = errors.New("duplicate oracle feed for distinct custodies")

	// Configuration
	ErrInvalidCustodyConfig = errors.New("invalid custody config")
	ErrInvalidPoolConfig    = errors.New("invalid pool config")
	ErrUnknownToken         = errors.New("unknown token")

	// Position
	ErrInsufficientCollateral = errors.New("insufficient collateral")
	ErrMaxLeverageExceeded    = errors.New("max leverage exceeded")
	ErrPositionNotLiquidatable = errors.New("position not liquidatable")
	ErrInsufficientFunds      = errors.New("insufficient funds")

	// Liquidity
	ErrMaxUtilization           = errors.New("max utilization")
	ErrRatioOutOfBounds         = errors.New("ratio out of bounds")
	ErrInsufficientPoolLiquidity = errors.New("insufficient pool liquidity")

	// Access
	ErrUnauthorizedSigner   = errors.New("unauthorized signer")
	ErrInstructionMismatch  = errors.New("instruction mismatch")

	// Argument
	ErrInvalidArgument = errors.New("invalid argument")
)
