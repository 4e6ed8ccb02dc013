package lending

import (
	"lendchain/core/events"
	"lendchain/crypto"
	"lendchain/fixedpoint"
	"lendchain/native/common"
)

// FlashBorrowReserveLiquidity lends the full amount with no collateral for
// the duration of one transaction. The pending marker forces the matching
// repay before the transaction ends and blocks a second flash borrow or a
// regular borrow on the same reserve in between.
func (e *Engine) FlashBorrowReserveLiquidity(reserveKey, destLiquidity, referrer crypto.Pubkey, amount uint64, instructionIndex uint8) (uint64, error) {
	if amount == 0 {
		return 0, ErrInvalidAmount
	}
	reserve, err := e.loadReserve(reserveKey)
	if err != nil {
		return 0, err
	}
	market, err := e.market(reserve.Market)
	if err != nil {
		return 0, err
	}
	if err := market.guard(common.ActionFlashLoan); err != nil {
		return 0, err
	}
	if err := reserve.RequireFresh(e.slot); err != nil {
		return 0, err
	}
	if err := statusAllowsInflow(reserve); err != nil {
		return 0, err
	}
	if reserve.FlashLoan.Pending {
		return 0, ErrFlashLoanAlreadyInProgress
	}
	if amount > reserve.Liquidity.Available {
		return 0, ErrInsufficientLiquidity
	}

	fee, referrerFee, err := originationFee(amount, reserve.Config.Fees.FlashLoanFeeBps, market.ReferralFeeBps, !referrer.IsZero())
	if err != nil {
		return 0, err
	}

	program, err := e.program(reserve)
	if err != nil {
		return 0, err
	}
	if err := program.Transfer(amount, reserve.Liquidity.SupplyVault, destLiquidity, market.Authority()); err != nil {
		return 0, ErrInvalidAccountInput
	}

	reserve.Liquidity.Available -= amount
	reserve.FlashLoan = FlashLoanState{
		Pending:                true,
		Amount:                 amount,
		Fee:                    fee,
		ReferrerFee:            referrerFee,
		Referrer:               referrer,
		BorrowInstructionIndex: instructionIndex,
	}
	if err := e.state.PutReserve(reserve); err != nil {
		return 0, err
	}
	e.emit(&events.FlashLoanTaken{
		Reserve:          reserveKey,
		Amount:           amount,
		Fee:              fee,
		InstructionIndex: instructionIndex,
	})
	return fee, nil
}

// FlashRepayReserveLiquidity returns the flash-borrowed amount plus fee and
// clears the pending marker. borrowIndex must name the instruction that
// took the loan, binding the pair inside one transaction.
func (e *Engine) FlashRepayReserveLiquidity(reserveKey, payer, sourceLiquidity crypto.Pubkey, amount uint64, borrowIndex uint8) error {
	reserve, err := e.loadReserve(reserveKey)
	if err != nil {
		return err
	}
	if !reserve.FlashLoan.Pending {
		return ErrFlashLoanNotRepaid
	}
	pending := reserve.FlashLoan
	if pending.Amount != amount || pending.BorrowInstructionIndex != borrowIndex {
		return ErrInvalidAccountInput
	}

	program, err := e.program(reserve)
	if err != nil {
		return err
	}
	due := amount + pending.Fee
	if err := program.Transfer(due, sourceLiquidity, reserve.Liquidity.SupplyVault, payer); err != nil {
		return ErrInvalidAccountInput
	}

	protocolFee := pending.Fee - pending.ReferrerFee
	reserve.Liquidity.Available += due
	if reserve.Liquidity.AccumulatedProtocolFees, err = reserve.Liquidity.AccumulatedProtocolFees.Add(fixedpoint.BigFromInt(protocolFee)); err != nil {
		return mathErr(err)
	}
	if reserve.Liquidity.AccumulatedReferrerFees, err = reserve.Liquidity.AccumulatedReferrerFees.Add(fixedpoint.BigFromInt(pending.ReferrerFee)); err != nil {
		return mathErr(err)
	}
	if _, err := e.creditReferrer(reserve, pending.Referrer, pending.ReferrerFee); err != nil {
		return err
	}
	reserve.FlashLoan = FlashLoanState{}

	if err := e.state.PutReserve(reserve); err != nil {
		return err
	}
	e.emit(&events.FlashLoanRepaid{
		Reserve:     reserveKey,
		Amount:      amount,
		ProtocolFee: protocolFee,
		ReferrerFee: pending.ReferrerFee,
	})
	return nil
}
