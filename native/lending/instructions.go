package lending

import (
	"lukechampine.com/blake3"
)

// Discriminator tags the operation an instruction invokes: the first eight
// bytes of a domain-separated blake3 hash of the operation name.
type Discriminator [8]byte

// DiscriminatorFor derives the tag for an operation name.
func DiscriminatorFor(name string) Discriminator {
	h := blake3.New(32, nil)
	h.Write([]byte("lendchain/instruction:"))
	h.Write([]byte(name))
	var d Discriminator
	copy(d[:], h.Sum(nil)[:8])
	return d
}

// Operation names. Wire discriminators derive from these, so they are part
// of the protocol surface and never change.
const (
	OpInitLendingMarket     = "init_lending_market"
	OpUpdateLendingMarket   = "update_lending_market"
	OpSetPendingMarketOwner = "set_pending_market_owner"
	OpAcceptMarketOwnership = "accept_market_ownership"
	OpInitReserve           = "init_reserve"
	OpUpdateReserveConfig   = "update_reserve_config"
	OpRefreshReserve        = "refresh_reserve"
	OpDepositLiquidity      = "deposit_reserve_liquidity"
	OpRedeemCollateral      = "redeem_reserve_collateral"
	OpInitObligation        = "init_obligation"
	OpRefreshObligation     = "refresh_obligation"
	OpDepositCollateral     = "deposit_obligation_collateral"
	OpWithdrawCollateral    = "withdraw_obligation_collateral"
	OpDepositAndCollateral  = "deposit_liquidity_and_obligation_collateral"
	OpWithdrawAndRedeem     = "withdraw_obligation_collateral_and_redeem"
	OpBorrowLiquidity       = "borrow_obligation_liquidity"
	OpRepayLiquidity        = "repay_obligation_liquidity"
	OpRepayAndWithdraw      = "repay_and_withdraw"
	OpDepositAndWithdraw    = "deposit_and_withdraw"
	OpLiquidateObligation   = "liquidate_obligation_and_redeem"
	OpFlashBorrowLiquidity  = "flash_borrow_reserve_liquidity"
	OpFlashRepayLiquidity   = "flash_repay_reserve_liquidity"
	OpRequestElevationGroup = "request_elevation_group"
	OpWithdrawProtocolFees  = "withdraw_protocol_fees"
	OpWithdrawReferrerFees  = "withdraw_referrer_fees"
	OpSocializeLoss         = "socialize_loss"
	OpMarkForDeleveraging   = "mark_obligation_for_deleveraging"
)

// Borsh argument payloads, one struct per operation that takes data.

type InitLendingMarketArgs struct {
	QuoteCurrency [32]byte
}

type UpdateLendingMarketArgs struct {
	Mode  uint64
	Value []byte
}

type UpdateReserveConfigArgs struct {
	Mode  uint64
	Value []byte
}

type DepositLiquidityArgs struct {
	Amount uint64
}

type RedeemCollateralArgs struct {
	Claims uint64
}

type InitObligationArgs struct {
	Tag      uint64
	Referrer [32]byte
}

type DepositCollateralArgs struct {
	Claims uint64
}

type WithdrawCollateralArgs struct {
	Claims uint64
}

type BorrowLiquidityArgs struct {
	Amount uint64
}

type RepayLiquidityArgs struct {
	Amount uint64
}

type RepayAndWithdrawArgs struct {
	RepayAmount    uint64
	WithdrawClaims uint64
}

type DepositAndWithdrawArgs struct {
	DepositAmount  uint64
	WithdrawClaims uint64
}

type LiquidateObligationArgs struct {
	Amount      uint64
	MinReceived uint64
}

type FlashBorrowArgs struct {
	Amount   uint64
	Referrer [32]byte
}

type FlashRepayArgs struct {
	Amount      uint64
	BorrowIndex uint8
}

type RequestElevationGroupArgs struct {
	ID uint8
}

type WithdrawFeesArgs struct {
	Amount uint64
}

type SocializeLossArgs struct {
	Amount uint64
}

type MarkForDeleveragingArgs struct {
	TargetLtvBps uint16
}

// accountRole declares one slot of an operation's account table.
type accountRole struct {
	name     string
	signer   bool
	writable bool
}

func ro(name string) accountRole       { return accountRole{name: name} }
func wr(name string) accountRole       { return accountRole{name: name, writable: true} }
func signer(name string) accountRole   { return accountRole{name: name, signer: true} }
func wrSigner(name string) accountRole { return accountRole{name: name, signer: true, writable: true} }

// instructionSpec pairs an operation with its required account table. The
// processor rejects any call whose accounts do not line up slot for slot:
// missing signers, missing writability, or writability the table does not
// grant.
type instructionSpec struct {
	op       string
	accounts []accountRole
}

var instructionSpecs = map[Discriminator]instructionSpec{
	DiscriminatorFor(OpInitLendingMarket): {OpInitLendingMarket, []accountRole{
		signer("owner"), wr("market"),
	}},
	DiscriminatorFor(OpUpdateLendingMarket): {OpUpdateLendingMarket, []accountRole{
		signer("owner"), wr("market"),
	}},
	DiscriminatorFor(OpSetPendingMarketOwner): {OpSetPendingMarketOwner, []accountRole{
		signer("owner"), wr("market"), ro("new_owner"),
	}},
	DiscriminatorFor(OpAcceptMarketOwnership): {OpAcceptMarketOwnership, []accountRole{
		signer("pending_owner"), wr("market"),
	}},
	DiscriminatorFor(OpInitReserve): {OpInitReserve, []accountRole{
		signer("owner"), ro("market"), wr("reserve"), ro("liquidity_mint"),
	}},
	DiscriminatorFor(OpUpdateReserveConfig): {OpUpdateReserveConfig, []accountRole{
		signer("owner"), wr("reserve"),
	}},
	DiscriminatorFor(OpRefreshReserve): {OpRefreshReserve, []accountRole{
		wr("reserve"),
	}},
	DiscriminatorFor(OpDepositLiquidity): {OpDepositLiquidity, []accountRole{
		signer("user"), wr("reserve"), wr("user_liquidity"), wr("user_collateral"),
	}},
	DiscriminatorFor(OpRedeemCollateral): {OpRedeemCollateral, []accountRole{
		signer("user"), wr("reserve"), wr("user_collateral"), wr("user_liquidity"),
	}},
	DiscriminatorFor(OpInitObligation): {OpInitObligation, []accountRole{
		signer("owner"), ro("market"), wr("obligation"),
	}},
	DiscriminatorFor(OpRefreshObligation): {OpRefreshObligation, []accountRole{
		wr("obligation"),
	}},
	DiscriminatorFor(OpDepositCollateral): {OpDepositCollateral, []accountRole{
		signer("owner"), wr("reserve"), wr("obligation"), wr("user_collateral"),
	}},
	DiscriminatorFor(OpWithdrawCollateral): {OpWithdrawCollateral, []accountRole{
		signer("owner"), wr("reserve"), wr("obligation"), wr("dest_collateral"),
	}},
	DiscriminatorFor(OpDepositAndCollateral): {OpDepositAndCollateral, []accountRole{
		signer("user"), wr("reserve"), wr("obligation"), wr("user_liquidity"), wr("user_collateral"),
	}},
	DiscriminatorFor(OpWithdrawAndRedeem): {OpWithdrawAndRedeem, []accountRole{
		signer("owner"), wr("reserve"), wr("obligation"), wr("user_collateral"), wr("user_liquidity"),
	}},
	DiscriminatorFor(OpBorrowLiquidity): {OpBorrowLiquidity, []accountRole{
		signer("owner"), wr("reserve"), wr("obligation"), wr("dest_liquidity"),
	}},
	DiscriminatorFor(OpRepayLiquidity): {OpRepayLiquidity, []accountRole{
		signer("payer"), wr("reserve"), wr("obligation"), wr("source_liquidity"),
	}},
	DiscriminatorFor(OpRepayAndWithdraw): {OpRepayAndWithdraw, []accountRole{
		signer("owner"), wr("repay_reserve"), wr("withdraw_reserve"), wr("obligation"),
		wr("source_liquidity"), wr("dest_collateral"), wr("dest_liquidity"),
	}},
	DiscriminatorFor(OpDepositAndWithdraw): {OpDepositAndWithdraw, []accountRole{
		signer("user"), wr("deposit_reserve"), wr("withdraw_reserve"), wr("obligation"),
		wr("user_liquidity"), wr("user_collateral"), wr("dest_collateral"), wr("dest_liquidity"),
	}},
	DiscriminatorFor(OpLiquidateObligation): {OpLiquidateObligation, []accountRole{
		signer("liquidator"), wr("repay_reserve"), wr("withdraw_reserve"), wr("obligation"),
		wr("source_liquidity"), wr("dest_liquidity"),
	}},
	DiscriminatorFor(OpFlashBorrowLiquidity): {OpFlashBorrowLiquidity, []accountRole{
		signer("borrower"), wr("reserve"), wr("dest_liquidity"),
	}},
	DiscriminatorFor(OpFlashRepayLiquidity): {OpFlashRepayLiquidity, []accountRole{
		signer("payer"), wr("reserve"), wr("source_liquidity"),
	}},
	DiscriminatorFor(OpRequestElevationGroup): {OpRequestElevationGroup, []accountRole{
		signer("owner"), wr("obligation"),
	}},
	DiscriminatorFor(OpWithdrawProtocolFees): {OpWithdrawProtocolFees, []accountRole{
		signer("owner"), wr("reserve"), wr("destination"),
	}},
	DiscriminatorFor(OpWithdrawReferrerFees): {OpWithdrawReferrerFees, []accountRole{
		signer("referrer"), wr("reserve"), wr("destination"),
	}},
	DiscriminatorFor(OpSocializeLoss): {OpSocializeLoss, []accountRole{
		signer("risk_council"), wr("reserve"), wr("obligation"),
	}},
	DiscriminatorFor(OpMarkForDeleveraging): {OpMarkForDeleveraging, []accountRole{
		signer("risk_council"), wr("obligation"),
	}},
}
