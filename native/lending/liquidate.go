package lending

import (
	"lendchain/core/events"
	"lendchain/crypto"
	"lendchain/fixedpoint"
	"lendchain/native/common"
)

// liquidationBonus resolves the bonus applied to seized collateral, in bps.
// Unhealthy positions pay the configured minimum; deleverage-marked
// positions ramp linearly from the minimum toward the maximum as slots
// elapse since the mark.
func liquidationBonus(reserve *Reserve, group *ElevationGroup, ob *Obligation, currentSlot uint64) uint64 {
	minBonus := uint64(reserve.Config.MinLiquidationBonusBps)
	maxBonus := uint64(reserve.Config.MaxLiquidationBonusBps)
	if group != nil {
		minBonus = uint64(group.MinLiquidationBonusBps)
		maxBonus = uint64(group.MaxLiquidationBonusBps)
	}
	bonus := minBonus
	if ob.DeleverageMarkedSlot != 0 && currentSlot > ob.DeleverageMarkedSlot {
		elapsed := currentSlot - ob.DeleverageMarkedSlot
		bonus = minBonus + elapsed*uint64(reserve.Config.DeleverageBonusPerSlotBps)
	}
	if bonus > maxBonus {
		bonus = maxBonus
	}
	return bonus
}

// deleverageRepayCap sizes the repay, in repay-reserve tokens, that brings a
// marked obligation's loan-to-value down to its deleveraging target. Each
// repaid unit of value removes premium times that value in collateral, so
// the cap solves excess = repay * (1 - target*premium), rounded up so the
// target is actually crossed. Reports false when the premium makes the
// target unreachable by liquidating.
func deleverageRepayCap(repayReserve *Reserve, excess, target, premium fixedpoint.Dec) (uint64, bool, error) {
	discount, err := target.Mul(premium)
	if err != nil {
		return 0, false, mathErr(err)
	}
	if discount.GTE(fixedpoint.One()) {
		return 0, false, nil
	}
	capValue, err := excess.Div(fixedpoint.One().SubSat(discount))
	if err != nil {
		return 0, false, mathErr(err)
	}
	tokens, err := capValue.Div(repayReserve.Liquidity.MarketPrice)
	if err != nil {
		return 0, false, mathErr(err)
	}
	out, err := tokens.ToScaledCeil(repayReserve.Liquidity.MintDecimals)
	if err != nil {
		return 0, false, mathErr(err)
	}
	return out, true, nil
}

// LiquidateObligation repays part of an unhealthy obligation's debt and
// seizes claim tokens at a bonus, immediately redeeming them into withdraw
// reserve liquidity for the liquidator. The repay is capped at the close
// factor unless the obligation's total debt value is below the market's
// dust threshold, in which case it must be closed entirely. The liquidator
// aborts with a slippage error when the redeemed liquidity falls short of
// minReceived.
func (e *Engine) LiquidateObligation(repayReserveKey, withdrawReserveKey, obligationKey, liquidator, sourceLiquidity, destLiquidity crypto.Pubkey, amount, minReceived uint64) (repaid, redeemed uint64, err error) {
	if amount == 0 {
		return 0, 0, ErrInvalidAmount
	}
	repayReserve, err := e.loadReserve(repayReserveKey)
	if err != nil {
		return 0, 0, err
	}
	market, err := e.market(repayReserve.Market)
	if err != nil {
		return 0, 0, err
	}
	if err := market.guard(common.ActionLiquidate); err != nil {
		return 0, 0, err
	}
	withdrawReserve, err := e.marketReserve(market, withdrawReserveKey)
	if err != nil {
		return 0, 0, err
	}
	if err := repayReserve.RequirePriceFresh(e.slot); err != nil {
		return 0, 0, err
	}
	if err := withdrawReserve.RequirePriceFresh(e.slot); err != nil {
		return 0, 0, err
	}

	ob, err := e.loadObligation(obligationKey)
	if err != nil {
		return 0, 0, err
	}
	if ob.Market != market.Key {
		return 0, 0, ErrInvalidAccountInput
	}
	if err := ob.RequireFresh(e.slot, market.ConfigEpoch); err != nil {
		return 0, 0, err
	}

	marked := ob.DeleverageMarkedSlot != 0 && market.AutodeleverageEnabled
	if ob.Healthy() && !marked {
		return 0, 0, ErrObligationHealthy
	}

	debtPos := ob.Borrow(repayReserveKey)
	if debtPos == nil || debtPos.BorrowedAmount.IsZero() {
		return 0, 0, ErrInvalidAccountInput
	}
	collPos := ob.Collateral(withdrawReserveKey)
	if collPos == nil || collPos.DepositedAmount == 0 {
		return 0, 0, ErrInvalidAccountInput
	}
	if err := debtPos.AccrueInterest(repayReserve.Liquidity.CumulativeBorrowRate); err != nil {
		return 0, 0, err
	}

	outstanding, err := debtPos.BorrowedAmount.Ceil()
	if err != nil {
		return 0, 0, mathErr(err)
	}
	group := market.ElevationGroupByID(ob.ElevationGroup)
	bonus := liquidationBonus(withdrawReserve, group, ob, e.slot)
	premium, err := fixedpoint.One().Add(fixedpoint.FromBps(bonus))
	if err != nil {
		return 0, 0, mathErr(err)
	}

	dust := ob.BorrowedValue.LT(market.MinFullLiquidationValue)
	maxRepay := outstanding
	if !dust {
		capped, err := fixedpoint.FromInt(outstanding).Mul(fixedpoint.FromBps(CloseFactorBps))
		if err != nil {
			return 0, 0, mathErr(err)
		}
		if maxRepay, err = capped.Floor(); err != nil {
			return 0, 0, mathErr(err)
		}
		if maxRepay == 0 {
			maxRepay = outstanding
		}
	}
	if marked && ob.DeleverageTargetLtvBps != 0 {
		target := fixedpoint.FromBps(uint64(ob.DeleverageTargetLtvBps))
		targetDebt, err := target.Mul(ob.DepositedValue)
		if err != nil {
			return 0, 0, mathErr(err)
		}
		if !ob.BorrowedValue.GT(targetDebt) {
			if ob.Healthy() {
				return 0, 0, ErrObligationHealthy
			}
		} else if capRepay, ok, err := deleverageRepayCap(repayReserve, ob.BorrowedValue.SubSat(targetDebt), target, premium); err != nil {
			return 0, 0, err
		} else if ok && capRepay < maxRepay {
			maxRepay = capRepay
		}
	}
	if amount > maxRepay {
		amount = maxRepay
	}
	if dust && amount < outstanding {
		return 0, 0, ErrLiquidationTooSmall
	}
	if amount == 0 {
		return 0, 0, ErrLiquidationTooSmall
	}

	repayValue, err := liquidityValue(repayReserve, amount)
	if err != nil {
		return 0, 0, err
	}
	seizeValue, err := repayValue.Mul(premium)
	if err != nil {
		return 0, 0, mathErr(err)
	}
	unitValue, err := claimUnitValue(withdrawReserve)
	if err != nil {
		return 0, 0, err
	}
	if unitValue.IsZero() {
		return 0, 0, ErrNoValidPriceSource
	}
	seizeDec, err := seizeValue.Div(unitValue)
	if err != nil {
		return 0, 0, mathErr(err)
	}
	seize, err := seizeDec.Floor()
	if err != nil {
		return 0, 0, mathErr(err)
	}
	if seize > collPos.DepositedAmount {
		seize = collPos.DepositedAmount
	}
	if seize == 0 {
		return 0, 0, ErrLiquidationTooSmall
	}

	liquidity, err := withdrawReserve.LiquidityFromCollateral(seize)
	if err != nil {
		return 0, 0, err
	}
	if liquidity < minReceived {
		return 0, 0, ErrLiquidationSlippage
	}
	if liquidity > withdrawReserve.Liquidity.Available {
		return 0, 0, ErrInsufficientLiquidity
	}

	repayProgram, err := e.program(repayReserve)
	if err != nil {
		return 0, 0, err
	}
	withdrawProgram, err := e.program(withdrawReserve)
	if err != nil {
		return 0, 0, err
	}
	authority := market.Authority()

	if err := repayProgram.Transfer(amount, sourceLiquidity, repayReserve.Liquidity.SupplyVault, liquidator); err != nil {
		return 0, 0, ErrInvalidAccountInput
	}

	settled := fixedpoint.BigFromInt(amount)
	if amount == outstanding {
		settled = debtPos.BorrowedAmount
	}
	debtPos.BorrowedAmount = debtPos.BorrowedAmount.SubSat(settled)
	repayReserve.Liquidity.Borrowed = repayReserve.Liquidity.Borrowed.SubSat(settled)
	repayReserve.Liquidity.Available += amount
	repayReserve.recordGroupDebt(ob.ElevationGroup, -int64(amount))

	if err := withdrawProgram.Burn(seize, withdrawReserve.Collateral.Mint, withdrawReserve.Collateral.SupplyVault, authority); err != nil {
		return 0, 0, ErrInvalidAccountInput
	}
	if err := withdrawProgram.Transfer(liquidity, withdrawReserve.Liquidity.SupplyVault, destLiquidity, authority); err != nil {
		return 0, 0, ErrInvalidAccountInput
	}
	withdrawReserve.Collateral.TotalSupply -= seize
	withdrawReserve.Liquidity.Available -= liquidity
	collPos.DepositedAmount -= seize

	ob.RemoveBorrowIfEmpty(repayReserveKey)
	ob.RemoveCollateralIfEmpty(withdrawReserveKey)
	if ob.DeleverageMarkedSlot != 0 {
		reached := !ob.HasDebt()
		if !reached && ob.DeleverageTargetLtvBps != 0 {
			seizedValue, err := unitValue.MulInt(seize)
			if err != nil {
				return 0, 0, mathErr(err)
			}
			target := fixedpoint.FromBps(uint64(ob.DeleverageTargetLtvBps))
			targetDebt, err := target.Mul(ob.DepositedValue.SubSat(seizedValue))
			if err != nil {
				return 0, 0, mathErr(err)
			}
			reached = !ob.BorrowedValue.SubSat(repayValue).GT(targetDebt)
		}
		if reached {
			ob.DeleverageMarkedSlot = 0
			ob.DeleverageTargetLtvBps = 0
		}
	}
	ob.MarkStale()

	if err := e.state.PutReserve(repayReserve); err != nil {
		return 0, 0, err
	}
	if err := e.state.PutReserve(withdrawReserve); err != nil {
		return 0, 0, err
	}
	if err := e.state.PutObligation(ob); err != nil {
		return 0, 0, err
	}
	e.emit(&events.ObligationLiquidated{
		Obligation:        obligationKey,
		Liquidator:        liquidator,
		RepayReserve:      repayReserveKey,
		WithdrawReserve:   withdrawReserveKey,
		RepaidAmount:      amount,
		SeizedCollateral:  seize,
		RedeemedLiquidity: liquidity,
	})
	if err := e.updateDebtStake(repayReserve, ob); err != nil {
		return 0, 0, err
	}
	if err := e.updateCollateralStake(withdrawReserve, ob); err != nil {
		return 0, 0, err
	}
	return amount, liquidity, nil
}

// SocializeLoss writes bad debt off a collateral-exhausted obligation,
// spreading the loss across depositors through a lower exchange rate. Only
// the risk council may invoke it, and never while collateral remains.
func (e *Engine) SocializeLoss(reserveKey, obligationKey, signer crypto.Pubkey, amount uint64) (uint64, error) {
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
	if market.RiskCouncil != signer && market.Owner != signer {
		return 0, ErrInvalidMarketAuthority
	}
	if err := reserve.RequireFresh(e.slot); err != nil {
		return 0, err
	}

	ob, err := e.loadObligation(obligationKey)
	if err != nil {
		return 0, err
	}
	if ob.Market != market.Key {
		return 0, ErrInvalidAccountInput
	}
	if ob.HasDeposits() {
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
	forgiven := fixedpoint.BigFromInt(amount)
	if amount == outstanding {
		forgiven = pos.BorrowedAmount
	}
	pos.BorrowedAmount = pos.BorrowedAmount.SubSat(forgiven)
	reserve.Liquidity.Borrowed = reserve.Liquidity.Borrowed.SubSat(forgiven)
	reserve.recordGroupDebt(ob.ElevationGroup, -int64(amount))
	ob.RemoveBorrowIfEmpty(reserveKey)
	ob.MarkStale()

	if err := e.state.PutReserve(reserve); err != nil {
		return 0, err
	}
	if err := e.state.PutObligation(ob); err != nil {
		return 0, err
	}
	e.emit(&events.LossSocialized{
		Reserve:    reserveKey,
		Obligation: obligationKey,
		Amount:     amount,
	})
	e.logger.Warn("loss socialized",
		"reserve", reserveKey.String(), "obligation", obligationKey.String(), "amount", amount)
	return amount, nil
}

// MarkObligationForDeleveraging flags a healthy-but-risky obligation so
// liquidators may unwind it toward the target loan-to-value with a bonus
// that grows per elapsed slot. Risk-council only, and only on markets with
// autodeleveraging switched on.
func (e *Engine) MarkObligationForDeleveraging(obligationKey, signer crypto.Pubkey, targetLtvBps uint16) error {
	ob, err := e.loadObligation(obligationKey)
	if err != nil {
		return err
	}
	market, err := e.market(ob.Market)
	if err != nil {
		return err
	}
	if market.RiskCouncil != signer && market.Owner != signer {
		return ErrInvalidMarketAuthority
	}
	if !market.AutodeleverageEnabled {
		return ErrInvalidConfig
	}
	if targetLtvBps > FullBps {
		return ErrInvalidConfig
	}

	ob.DeleverageMarkedSlot = e.slot
	ob.DeleverageTargetLtvBps = targetLtvBps
	if err := e.state.PutObligation(ob); err != nil {
		return err
	}
	e.emit(&events.DeleverageMarked{
		Obligation:   obligationKey,
		TargetLtvBps: targetLtvBps,
		MarkSlot:     e.slot,
	})
	return nil
}
