package lending

import (
	"lendchain/core/events"
	"lendchain/crypto"
	"lendchain/fixedpoint"
	"lendchain/native/common"
	"lendchain/native/referral"
)

// originationFee splits the borrow fee into protocol and referrer parts.
// The fee rounds up so the protocol never undercharges; the referrer share
// rounds down inside it.
func originationFee(amount uint64, feeBps, referralBps uint16, hasReferrer bool) (total, referrerPart uint64, err error) {
	if feeBps == 0 {
		return 0, 0, nil
	}
	fee, err := fixedpoint.FromInt(amount).Mul(fixedpoint.FromBps(uint64(feeBps)))
	if err != nil {
		return 0, 0, mathErr(err)
	}
	total, err = fee.Ceil()
	if err != nil {
		return 0, 0, mathErr(err)
	}
	if hasReferrer && referralBps != 0 {
		share, err := fixedpoint.FromInt(total).Mul(fixedpoint.FromBps(uint64(referralBps)))
		if err != nil {
			return 0, 0, mathErr(err)
		}
		referrerPart, err = share.Floor()
		if err != nil {
			return 0, 0, mathErr(err)
		}
	}
	return total, referrerPart, nil
}

// BorrowObligationLiquidity draws liquidity against the obligation's
// collateral. The origination fee stays in the vault as a protocol and
// referrer claim: the borrower receives amount minus fee but owes the full
// amount. MaxClose borrows up to the remaining allowance.
func (e *Engine) BorrowObligationLiquidity(reserveKey, obligationKey, owner, destLiquidity crypto.Pubkey, amount uint64) (uint64, error) {
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
	if err := market.guard(common.ActionBorrow); err != nil {
		return 0, err
	}
	if err := reserve.RequirePriceFresh(e.slot); err != nil {
		return 0, err
	}
	if err := statusAllowsInflow(reserve); err != nil {
		return 0, err
	}
	if reserve.FlashLoan.Pending {
		return 0, ErrFlashLoanAlreadyInProgress
	}

	ob, err := e.loadObligation(obligationKey)
	if err != nil {
		return 0, err
	}
	if ob.Owner != owner || ob.Market != market.Key {
		return 0, ErrInvalidAccountInput
	}
	if err := ob.RequireFresh(e.slot, market.ConfigEpoch); err != nil {
		return 0, err
	}
	if ob.ElevationGroup != 0 {
		group := market.ElevationGroupByID(ob.ElevationGroup)
		if group == nil || group.DebtReserve != reserveKey {
			return 0, ErrElevationGroupViolation
		}
	}

	inGroup := ob.ElevationGroup != 0
	if amount == MaxClose {
		amount, err = e.maxBorrowable(reserve, ob, inGroup)
		if err != nil {
			return 0, err
		}
		if amount == 0 {
			return 0, ErrObligationUnhealthy
		}
	}
	if err := reserve.checkBorrowLimits(amount, e.slot, ob.ElevationGroup); err != nil {
		return 0, err
	}

	value, err := liquidityValue(reserve, amount)
	if err != nil {
		return 0, err
	}
	if !inGroup && reserve.Config.BorrowFactorBps > FullBps {
		if value, err = value.Mul(fixedpoint.FromBps(uint64(reserve.Config.BorrowFactorBps))); err != nil {
			return 0, mathErr(err)
		}
	}
	if value.GT(ob.BorrowableValue()) {
		return 0, ErrObligationUnhealthy
	}

	fee, referrerFee, err := originationFee(amount, reserve.Config.Fees.OriginationFeeBps, market.ReferralFeeBps, !ob.Referrer.IsZero())
	if err != nil {
		return 0, err
	}
	if fee >= amount {
		return 0, ErrInvalidAmount
	}
	protocolFee := fee - referrerFee

	if _, err := ob.AddBorrow(reserveKey, fixedpoint.BigFromInt(amount), reserve.Liquidity.CumulativeBorrowRate); err != nil {
		return 0, err
	}
	if err := ob.checkAssetTiers(e.tierOf); err != nil {
		return 0, err
	}

	program, err := e.program(reserve)
	if err != nil {
		return 0, err
	}
	payout := amount - fee
	if err := program.Transfer(payout, reserve.Liquidity.SupplyVault, destLiquidity, market.Authority()); err != nil {
		return 0, ErrInvalidAccountInput
	}

	reserve.Liquidity.Available -= payout
	if reserve.Liquidity.Borrowed, err = reserve.Liquidity.Borrowed.Add(fixedpoint.BigFromInt(amount)); err != nil {
		return 0, mathErr(err)
	}
	if reserve.Liquidity.AccumulatedProtocolFees, err = reserve.Liquidity.AccumulatedProtocolFees.Add(fixedpoint.BigFromInt(protocolFee)); err != nil {
		return 0, mathErr(err)
	}
	if reserve.Liquidity.AccumulatedReferrerFees, err = reserve.Liquidity.AccumulatedReferrerFees.Add(fixedpoint.BigFromInt(referrerFee)); err != nil {
		return 0, mathErr(err)
	}
	if _, err := e.creditReferrer(reserve, ob.Referrer, referrerFee); err != nil {
		return 0, err
	}
	if reserve.BorrowSlot != e.slot {
		reserve.BorrowSlot = e.slot
		reserve.BorrowedThisSlot = 0
	}
	reserve.BorrowedThisSlot += amount
	reserve.recordGroupDebt(ob.ElevationGroup, int64(amount))

	ob.MarkStale()
	if err := e.state.PutReserve(reserve); err != nil {
		return 0, err
	}
	if err := e.state.PutObligation(ob); err != nil {
		return 0, err
	}
	e.emit(&events.LiquidityBorrowed{
		Reserve:     reserveKey,
		Obligation:  obligationKey,
		Amount:      amount,
		ProtocolFee: protocolFee,
		ReferrerFee: referrerFee,
	})
	if err := e.updateDebtStake(reserve, ob); err != nil {
		return 0, err
	}
	return payout, nil
}

// maxBorrowable converts the remaining allowance into raw tokens of the
// borrow reserve, rounding down.
func (e *Engine) maxBorrowable(reserve *Reserve, ob *Obligation, inGroup bool) (uint64, error) {
	headroom := ob.BorrowableValue()
	if headroom.IsZero() {
		return 0, nil
	}
	unitValue, err := liquidityValue(reserve, 1)
	if err != nil {
		return 0, err
	}
	if !inGroup && reserve.Config.BorrowFactorBps > FullBps {
		if unitValue, err = unitValue.Mul(fixedpoint.FromBps(uint64(reserve.Config.BorrowFactorBps))); err != nil {
			return 0, mathErr(err)
		}
	}
	if unitValue.IsZero() {
		return 0, ErrNoValidPriceSource
	}
	units, err := headroom.Div(unitValue)
	if err != nil {
		return 0, mathErr(err)
	}
	out, err := units.Floor()
	if err != nil {
		return 0, mathErr(err)
	}
	if out > reserve.Liquidity.Available {
		out = reserve.Liquidity.Available
	}
	return out, nil
}

// RepayObligationLiquidity settles debt from the payer's account. The
// position is first rolled forward to the reserve's current index, so the
// reserve must be refreshed; a stale price is tolerated because repays only
// shrink risk. Requested amounts above the outstanding debt are capped.
func (e *Engine) RepayObligationLiquidity(reserveKey, obligationKey, payer, sourceLiquidity crypto.Pubkey, amount uint64) (uint64, error) {
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
	if err := market.guard(common.ActionRepay); err != nil {
		return 0, err
	}
	if err := reserve.RequireFresh(e.slot); err != nil {
		return 0, err
	}
	if err := statusAllowsOutflow(reserve); err != nil {
		return 0, err
	}

	ob, err := e.loadObligation(obligationKey)
	if err != nil {
		return 0, err
	}
	if ob.Market != market.Key {
		return 0, ErrInvalidAccountInput
	}
	pos := ob.Borrow(reserveKey)
	if pos == nil || pos.BorrowedAmount.IsZero() {
		return 0, ErrInvalidAccountInput
	}
	if err := pos.AccrueInterest(reserve.Liquidity.CumulativeBorrowRate); err != nil {
		return 0, err
	}

	outstanding, err := pos.BorrowedAmount.Ceil()
	if err != nil {
		return 0, mathErr(err)
	}
	if amount > outstanding {
		amount = outstanding
	}
	if amount == 0 {
		return 0, ErrInvalidAmount
	}

	program, err := e.program(reserve)
	if err != nil {
		return 0, err
	}
	if err := program.Transfer(amount, sourceLiquidity, reserve.Liquidity.SupplyVault, payer); err != nil {
		return 0, ErrInvalidAccountInput
	}

	settled := fixedpoint.BigFromInt(amount)
	closed := amount == outstanding
	if closed {
		// The rounding remainder between the precise debt and the integer
		// repay settles with it.
		settled = pos.BorrowedAmount
	}
	pos.BorrowedAmount = pos.BorrowedAmount.SubSat(settled)
	reserve.Liquidity.Borrowed = reserve.Liquidity.Borrowed.SubSat(settled)
	reserve.Liquidity.Available += amount
	reserve.recordGroupDebt(ob.ElevationGroup, -int64(amount))

	if closed {
		ob.RemoveBorrowIfEmpty(reserveKey)
	}
	ob.MarkStale()
	if err := e.state.PutReserve(reserve); err != nil {
		return 0, err
	}
	if err := e.state.PutObligation(ob); err != nil {
		return 0, err
	}
	e.emit(&events.LiquidityRepaid{
		Reserve:    reserveKey,
		Obligation: obligationKey,
		Amount:     amount,
		Closed:     closed,
	})
	if err := e.updateDebtStake(reserve, ob); err != nil {
		return 0, err
	}
	return amount, nil
}

// RequestElevationGroup moves the obligation into (or out of, with id 0) an
// elevation group. Every pledged reserve must be eligible, debt may only be
// drawn from the group's single debt reserve, and the switch must leave the
// allowance covering the adjusted debt under the new parameters.
func (e *Engine) RequestElevationGroup(obligationKey, owner crypto.Pubkey, id uint8) error {
	ob, err := e.loadObligation(obligationKey)
	if err != nil {
		return err
	}
	if ob.Owner != owner {
		return ErrInvalidAccountInput
	}
	market, err := e.market(ob.Market)
	if err != nil {
		return err
	}
	if err := ob.RequireFresh(e.slot, market.ConfigEpoch); err != nil {
		return err
	}
	if id == ob.ElevationGroup {
		return nil
	}

	var group *ElevationGroup
	if id != 0 {
		group = market.ElevationGroupByID(id)
		if group == nil {
			return ErrElevationGroupViolation
		}
		for i := range ob.Deposits {
			reserve, err := e.marketReserve(market, ob.Deposits[i].DepositReserve)
			if err != nil {
				return err
			}
			if !reserve.EligibleForElevationGroup(id) {
				return ErrElevationGroupViolation
			}
		}
		if group.MaxReservesAsCollateral != 0 && uint8(len(ob.Deposits)) > group.MaxReservesAsCollateral {
			return ErrElevationGroupViolation
		}
		for i := range ob.Borrows {
			if ob.Borrows[i].BorrowReserve != group.DebtReserve {
				return ErrElevationGroupViolation
			}
		}
	}

	// Move the per-group debt attribution before revaluing.
	oldGroup := ob.ElevationGroup
	for i := range ob.Borrows {
		reserve, err := e.marketReserve(market, ob.Borrows[i].BorrowReserve)
		if err != nil {
			return err
		}
		owed, err := ob.Borrows[i].BorrowedAmount.Ceil()
		if err != nil {
			return mathErr(err)
		}
		if id != 0 && reserve.Config.BorrowLimitPerElevationGroup != 0 &&
			reserve.GroupDebt[id]+owed > reserve.Config.BorrowLimitPerElevationGroup {
			return ErrBorrowLimitExceeded
		}
		reserve.recordGroupDebt(oldGroup, -int64(owed))
		reserve.recordGroupDebt(id, int64(owed))
		if err := e.state.PutReserve(reserve); err != nil {
			return err
		}
	}

	ob.ElevationGroup = id
	if err := e.refreshObligation(market, ob); err != nil {
		return err
	}
	if ob.HasDebt() && ob.AdjustedDebtValue.GT(ob.AllowedBorrowValue) {
		return ErrObligationUnhealthy
	}
	return e.state.PutObligation(ob)
}

// WithdrawProtocolFees releases accumulated protocol fees to the market
// owner, bounded by both the accumulator and the vault's available
// liquidity.
func (e *Engine) WithdrawProtocolFees(reserveKey, signer, destination crypto.Pubkey, amount uint64) (uint64, error) {
	reserve, err := e.loadReserve(reserveKey)
	if err != nil {
		return 0, err
	}
	market, err := e.market(reserve.Market)
	if err != nil {
		return 0, err
	}
	if market.Owner != signer {
		return 0, ErrInvalidMarketAuthority
	}

	claim, err := reserve.Liquidity.AccumulatedProtocolFees.Floor()
	if err != nil {
		return 0, mathErr(err)
	}
	if amount > claim {
		amount = claim
	}
	if amount > reserve.Liquidity.Available {
		amount = reserve.Liquidity.Available
	}
	if amount == 0 {
		return 0, ErrInvalidAmount
	}

	program, err := e.program(reserve)
	if err != nil {
		return 0, err
	}
	if err := program.Transfer(amount, reserve.Liquidity.SupplyVault, destination, market.Authority()); err != nil {
		return 0, ErrInvalidAccountInput
	}
	reserve.Liquidity.Available -= amount
	reserve.Liquidity.AccumulatedProtocolFees = reserve.Liquidity.AccumulatedProtocolFees.SubSat(fixedpoint.BigFromInt(amount))
	return amount, e.state.PutReserve(reserve)
}

// WithdrawReferrerFees releases a referrer's accumulated share, bounded by
// their tracked entitlement, the reserve accumulator and the vault.
func (e *Engine) WithdrawReferrerFees(reserveKey, referrer, destination crypto.Pubkey, amount uint64) (uint64, error) {
	reserve, err := e.loadReserve(reserveKey)
	if err != nil {
		return 0, err
	}
	market, err := e.market(reserve.Market)
	if err != nil {
		return 0, err
	}

	state, err := e.state.ReferralTokenState(referral.Key(referrer, reserve.Liquidity.Mint))
	if err != nil {
		return 0, err
	}
	if state == nil || state.AmountUnclaimed == 0 {
		return 0, ErrInvalidAmount
	}
	if amount > state.AmountUnclaimed {
		amount = state.AmountUnclaimed
	}
	pooled, err := reserve.Liquidity.AccumulatedReferrerFees.Floor()
	if err != nil {
		return 0, mathErr(err)
	}
	if amount > pooled {
		amount = pooled
	}
	if amount > reserve.Liquidity.Available {
		amount = reserve.Liquidity.Available
	}
	if amount == 0 {
		return 0, ErrInvalidAmount
	}

	program, err := e.program(reserve)
	if err != nil {
		return 0, err
	}
	if err := program.Transfer(amount, reserve.Liquidity.SupplyVault, destination, market.Authority()); err != nil {
		return 0, ErrInvalidAccountInput
	}
	state.Claim(amount)
	reserve.Liquidity.Available -= amount
	reserve.Liquidity.AccumulatedReferrerFees = reserve.Liquidity.AccumulatedReferrerFees.SubSat(fixedpoint.BigFromInt(amount))
	if err := e.state.PutReferralTokenState(state); err != nil {
		return 0, err
	}
	return amount, e.state.PutReserve(reserve)
}
