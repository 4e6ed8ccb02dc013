package events

import (
	"strconv"

	"lendchain/core/types"
	"lendchain/crypto"
)

const (
	// TypeReserveRefreshed marks a completed reserve accrual and price refresh.
	TypeReserveRefreshed = "lending.reserve.refreshed"
	// TypeLiquidityDeposited marks liquidity entering a reserve.
	TypeLiquidityDeposited = "lending.liquidity.deposited"
	// TypeCollateralRedeemed marks claim tokens leaving a reserve.
	TypeCollateralRedeemed = "lending.collateral.redeemed"
	// TypeLiquidityBorrowed marks a borrow drawn against an obligation.
	TypeLiquidityBorrowed = "lending.liquidity.borrowed"
	// TypeLiquidityRepaid marks a repayment against an obligation.
	TypeLiquidityRepaid = "lending.liquidity.repaid"
	// TypeObligationLiquidated marks a completed partial liquidation.
	TypeObligationLiquidated = "lending.obligation.liquidated"
	// TypeFlashLoanTaken marks the borrow half of a flash loan.
	TypeFlashLoanTaken = "lending.flash.taken"
	// TypeFlashLoanRepaid marks the repay half of a flash loan.
	TypeFlashLoanRepaid = "lending.flash.repaid"
	// TypeLossSocialized marks risk-council bad-debt distribution.
	TypeLossSocialized = "lending.loss.socialized"
	// TypeConfigUpdated marks a mode-tagged market or reserve update.
	TypeConfigUpdated = "lending.config.updated"
	// TypeDeleverageMarked marks an obligation flagged for auto-deleveraging.
	TypeDeleverageMarked = "lending.deleverage.marked"
)

// ReserveRefreshed records the post-accrual reserve figures.
type ReserveRefreshed struct {
	Reserve         crypto.Pubkey
	Slot            uint64
	CumulativeIndex string
	MarketPrice     string
	PriceStale      bool
}

// EventType satisfies the events.Event interface.
func (ReserveRefreshed) EventType() string { return TypeReserveRefreshed }

// Event converts the payload into a broadcastable event.
func (e ReserveRefreshed) Event() *types.Event {
	return &types.Event{Type: TypeReserveRefreshed, Attributes: map[string]string{
		"reserve":         e.Reserve.String(),
		"slot":            strconv.FormatUint(e.Slot, 10),
		"cumulativeIndex": e.CumulativeIndex,
		"marketPrice":     e.MarketPrice,
		"priceStale":      strconv.FormatBool(e.PriceStale),
	}}
}

// LiquidityDeposited records a reserve deposit and the claim tokens minted.
type LiquidityDeposited struct {
	Reserve          crypto.Pubkey
	User             crypto.Pubkey
	LiquidityAmount  uint64
	CollateralMinted uint64
}

// EventType satisfies the events.Event interface.
func (LiquidityDeposited) EventType() string { return TypeLiquidityDeposited }

// Event converts the payload into a broadcastable event.
func (e LiquidityDeposited) Event() *types.Event {
	return &types.Event{Type: TypeLiquidityDeposited, Attributes: map[string]string{
		"reserve":    e.Reserve.String(),
		"user":       e.User.String(),
		"liquidity":  strconv.FormatUint(e.LiquidityAmount, 10),
		"collateral": strconv.FormatUint(e.CollateralMinted, 10),
	}}
}

// CollateralRedeemed records claim tokens burned back into liquidity.
type CollateralRedeemed struct {
	Reserve          crypto.Pubkey
	User             crypto.Pubkey
	CollateralBurned uint64
	LiquidityAmount  uint64
}

// EventType satisfies the events.Event interface.
func (CollateralRedeemed) EventType() string { return TypeCollateralRedeemed }

// Event converts the payload into a broadcastable event.
func (e CollateralRedeemed) Event() *types.Event {
	return &types.Event{Type: TypeCollateralRedeemed, Attributes: map[string]string{
		"reserve":    e.Reserve.String(),
		"user":       e.User.String(),
		"collateral": strconv.FormatUint(e.CollateralBurned, 10),
		"liquidity":  strconv.FormatUint(e.LiquidityAmount, 10),
	}}
}

// LiquidityBorrowed records a borrow and its origination fee split.
type LiquidityBorrowed struct {
	Reserve     crypto.Pubkey
	Obligation  crypto.Pubkey
	Amount      uint64
	ProtocolFee uint64
	ReferrerFee uint64
}

// EventType satisfies the events.Event interface.
func (LiquidityBorrowed) EventType() string { return TypeLiquidityBorrowed }

// Event converts the payload into a broadcastable event.
func (e LiquidityBorrowed) Event() *types.Event {
	return &types.Event{Type: TypeLiquidityBorrowed, Attributes: map[string]string{
		"reserve":     e.Reserve.String(),
		"obligation":  e.Obligation.String(),
		"amount":      strconv.FormatUint(e.Amount, 10),
		"protocolFee": strconv.FormatUint(e.ProtocolFee, 10),
		"referrerFee": strconv.FormatUint(e.ReferrerFee, 10),
	}}
}

// LiquidityRepaid records the settled portion of an outstanding borrow.
type LiquidityRepaid struct {
	Reserve    crypto.Pubkey
	Obligation crypto.Pubkey
	Amount     uint64
	Closed     bool
}

// EventType satisfies the events.Event interface.
func (LiquidityRepaid) EventType() string { return TypeLiquidityRepaid }

// Event converts the payload into a broadcastable event.
func (e LiquidityRepaid) Event() *types.Event {
	return &types.Event{Type: TypeLiquidityRepaid, Attributes: map[string]string{
		"reserve":    e.Reserve.String(),
		"obligation": e.Obligation.String(),
		"amount":     strconv.FormatUint(e.Amount, 10),
		"closed":     strconv.FormatBool(e.Closed),
	}}
}

// ObligationLiquidated records a partial liquidation outcome.
type ObligationLiquidated struct {
	Obligation        crypto.Pubkey
	Liquidator        crypto.Pubkey
	RepayReserve      crypto.Pubkey
	WithdrawReserve   crypto.Pubkey
	RepaidAmount      uint64
	SeizedCollateral  uint64
	RedeemedLiquidity uint64
}

// EventType satisfies the events.Event interface.
func (ObligationLiquidated) EventType() string { return TypeObligationLiquidated }

// Event converts the payload into a broadcastable event.
func (e ObligationLiquidated) Event() *types.Event {
	return &types.Event{Type: TypeObligationLiquidated, Attributes: map[string]string{
		"obligation":      e.Obligation.String(),
		"liquidator":      e.Liquidator.String(),
		"repayReserve":    e.RepayReserve.String(),
		"withdrawReserve": e.WithdrawReserve.String(),
		"repaid":          strconv.FormatUint(e.RepaidAmount, 10),
		"seized":          strconv.FormatUint(e.SeizedCollateral, 10),
		"redeemed":        strconv.FormatUint(e.RedeemedLiquidity, 10),
	}}
}

// FlashLoanTaken records the borrow half of an in-transaction flash loan.
type FlashLoanTaken struct {
	Reserve          crypto.Pubkey
	Amount           uint64
	Fee              uint64
	InstructionIndex uint8
}

// EventType satisfies the events.Event interface.
func (FlashLoanTaken) EventType() string { return TypeFlashLoanTaken }

// Event converts the payload into a broadcastable event.
func (e FlashLoanTaken) Event() *types.Event {
	return &types.Event{Type: TypeFlashLoanTaken, Attributes: map[string]string{
		"reserve": e.Reserve.String(),
		"amount":  strconv.FormatUint(e.Amount, 10),
		"fee":     strconv.FormatUint(e.Fee, 10),
		"index":   strconv.FormatUint(uint64(e.InstructionIndex), 10),
	}}
}

// FlashLoanRepaid records the repay half of an in-transaction flash loan.
type FlashLoanRepaid struct {
	Reserve     crypto.Pubkey
	Amount      uint64
	ProtocolFee uint64
	ReferrerFee uint64
}

// EventType satisfies the events.Event interface.
func (FlashLoanRepaid) EventType() string { return TypeFlashLoanRepaid }

// Event converts the payload into a broadcastable event.
func (e FlashLoanRepaid) Event() *types.Event {
	return &types.Event{Type: TypeFlashLoanRepaid, Attributes: map[string]string{
		"reserve":     e.Reserve.String(),
		"amount":      strconv.FormatUint(e.Amount, 10),
		"protocolFee": strconv.FormatUint(e.ProtocolFee, 10),
		"referrerFee": strconv.FormatUint(e.ReferrerFee, 10),
	}}
}

// LossSocialized records bad debt written down across depositors.
type LossSocialized struct {
	Reserve    crypto.Pubkey
	Obligation crypto.Pubkey
	Amount     uint64
}

// EventType satisfies the events.Event interface.
func (LossSocialized) EventType() string { return TypeLossSocialized }

// Event converts the payload into a broadcastable event.
func (e LossSocialized) Event() *types.Event {
	return &types.Event{Type: TypeLossSocialized, Attributes: map[string]string{
		"reserve":    e.Reserve.String(),
		"obligation": e.Obligation.String(),
		"amount":     strconv.FormatUint(e.Amount, 10),
	}}
}

// ConfigUpdated records a mode-tagged configuration change.
type ConfigUpdated struct {
	Target crypto.Pubkey
	Scope  string
	Mode   uint64
}

// EventType satisfies the events.Event interface.
func (ConfigUpdated) EventType() string { return TypeConfigUpdated }

// Event converts the payload into a broadcastable event.
func (e ConfigUpdated) Event() *types.Event {
	return &types.Event{Type: TypeConfigUpdated, Attributes: map[string]string{
		"target": e.Target.String(),
		"scope":  e.Scope,
		"mode":   strconv.FormatUint(e.Mode, 10),
	}}
}

// DeleverageMarked records a risk-council auto-deleveraging mark.
type DeleverageMarked struct {
	Obligation   crypto.Pubkey
	TargetLtvBps uint16
	MarkSlot     uint64
}

// EventType satisfies the events.Event interface.
func (DeleverageMarked) EventType() string { return TypeDeleverageMarked }

// Event converts the payload into a broadcastable event.
func (e DeleverageMarked) Event() *types.Event {
	return &types.Event{Type: TypeDeleverageMarked, Attributes: map[string]string{
		"obligation": e.Obligation.String(),
		"targetLtv":  strconv.FormatUint(uint64(e.TargetLtvBps), 10),
		"markSlot":   strconv.FormatUint(e.MarkSlot, 10),
	}}
}
