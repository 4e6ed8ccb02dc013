package lending

import (
	"errors"

	"lendchain/fixedpoint"
)

// ErrorCode is the small-integer error kind returned to the host when an
// instruction aborts. Human-readable mapping is a client concern.
type ErrorCode uint32

const (
	CodeInvalidMarketAuthority ErrorCode = iota + 1
	CodeInvalidAccountInput
	CodeInvalidAmount
	CodeMathOverflow
	CodeDivisionByZero
	CodeInsufficientLiquidity
	CodeReserveStale
	CodeReserveObsolete
	CodeReserveDepositLimitExceeded
	CodeBorrowLimitExceeded
	CodeUtilizationCapExceeded
	CodeDepositCapExceeded
	CodeObligationStale
	CodeObligationHealthy
	CodeObligationUnhealthy
	CodeObligationDepositsLimit
	CodeObligationBorrowsLimit
	CodeObligationReserveLimit
	CodeElevationGroupViolation
	CodeIsolatedTierViolation
	CodeNotEnoughLiquidityAfterWithdraw
	CodeFlashLoanAlreadyInProgress
	CodeFlashLoanNotRepaid
	CodeLiquidationSlippage
	CodeLiquidationTooSmall
	CodeOracleStale
	CodePriceConfidenceTooWide
	CodePriceDeviationTooLarge
	CodeNoValidPriceSource
	CodeInvalidOracleConfig
	CodeInvalidConfig
	CodeEmergencyMode
)

// Error pairs an ErrorCode with its message. The sentinel values below are
// the only Error instances the package produces, so errors.Is comparisons
// work by identity.
type Error struct {
	Code ErrorCode
	Text string
}

func (e *Error) Error() string { return "lending: " + e.Text }

func newError(code ErrorCode, text string) *Error {
	return &Error{Code: code, Text: text}
}

var (
	ErrInvalidMarketAuthority          = newError(CodeInvalidMarketAuthority, "signer is not the market authority")
	ErrInvalidAccountInput             = newError(CodeInvalidAccountInput, "account input does not match the operation's declaration")
	ErrInvalidAmount                   = newError(CodeInvalidAmount, "amount must be positive")
	ErrMathOverflow                    = newError(CodeMathOverflow, "math overflow")
	ErrDivisionByZero                  = newError(CodeDivisionByZero, "division by zero")
	ErrInsufficientLiquidity           = newError(CodeInsufficientLiquidity, "insufficient reserve liquidity")
	ErrReserveStale                    = newError(CodeReserveStale, "reserve must be refreshed this slot")
	ErrReserveObsolete                 = newError(CodeReserveObsolete, "reserve is obsolete")
	ErrReserveDepositLimitExceeded     = newError(CodeReserveDepositLimitExceeded, "reserve deposit limit exceeded")
	ErrBorrowLimitExceeded             = newError(CodeBorrowLimitExceeded, "reserve borrow limit exceeded")
	ErrUtilizationCapExceeded          = newError(CodeUtilizationCapExceeded, "utilization cap exceeded")
	ErrDepositCapExceeded              = newError(CodeDepositCapExceeded, "deposit cap exceeded")
	ErrObligationStale                 = newError(CodeObligationStale, "obligation must be refreshed this slot")
	ErrObligationHealthy               = newError(CodeObligationHealthy, "obligation is healthy, nothing to liquidate")
	ErrObligationUnhealthy             = newError(CodeObligationUnhealthy, "operation would leave the obligation unhealthy")
	ErrObligationDepositsLimit         = newError(CodeObligationDepositsLimit, "obligation deposit positions exhausted")
	ErrObligationBorrowsLimit          = newError(CodeObligationBorrowsLimit, "obligation borrow positions exhausted")
	ErrObligationReserveLimit          = newError(CodeObligationReserveLimit, "reserve already present in obligation")
	ErrElevationGroupViolation         = newError(CodeElevationGroupViolation, "elevation group constraint violated")
	ErrIsolatedTierViolation           = newError(CodeIsolatedTierViolation, "isolated-tier asset must be the only position of its kind")
	ErrNotEnoughLiquidityAfterWithdraw = newError(CodeNotEnoughLiquidityAfterWithdraw, "withdraw would drain reserve liquidity")
	ErrFlashLoanAlreadyInProgress      = newError(CodeFlashLoanAlreadyInProgress, "flash loan already in progress")
	ErrFlashLoanNotRepaid              = newError(CodeFlashLoanNotRepaid, "flash loan not repaid in transaction")
	ErrLiquidationSlippage             = newError(CodeLiquidationSlippage, "liquidation received less than the acceptable minimum")
	ErrLiquidationTooSmall             = newError(CodeLiquidationTooSmall, "liquidation must fully close a dust position")
	ErrOracleStale                     = newError(CodeOracleStale, "oracle observation too old")
	ErrPriceConfidenceTooWide          = newError(CodePriceConfidenceTooWide, "oracle confidence interval too wide")
	ErrPriceDeviationTooLarge          = newError(CodePriceDeviationTooLarge, "oracle feeds deviate beyond tolerance")
	ErrNoValidPriceSource              = newError(CodeNoValidPriceSource, "no valid price source")
	ErrInvalidOracleConfig             = newError(CodeInvalidOracleConfig, "invalid oracle configuration")
	ErrInvalidConfig                   = newError(CodeInvalidConfig, "invalid configuration value")
	ErrEmergencyMode                   = newError(CodeEmergencyMode, "market is in emergency mode")
)

// CodeOf extracts the ErrorCode from any error produced by this package,
// returning 0 when the error carries no code.
func CodeOf(err error) ErrorCode {
	var coded *Error
	if errors.As(err, &coded) {
		return coded.Code
	}
	return 0
}

// mathErr maps fixedpoint failures onto protocol error codes. Any math
// failure is fatal for the current instruction.
func mathErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, fixedpoint.ErrDivideByZero) {
		return ErrDivisionByZero
	}
	return ErrMathOverflow
}
