package lending

import (
	"lendchain/core/events"
	"lendchain/crypto"
	"lendchain/farms"
	"lendchain/fixedpoint"
	"lendchain/native/common"
)

// statusAllowsInflow gates deposits and new borrows.
func statusAllowsInflow(r *Reserve) error {
	if r.Config.Status != StatusActive {
		return ErrReserveObsolete
	}
	return nil
}

// statusAllowsOutflow gates withdrawals, redeems and repays. Obsolete
// reserves wind down; hidden reserves only liquidate.
func statusAllowsOutflow(r *Reserve) error {
	if r.Config.Status == StatusHidden {
		return ErrReserveObsolete
	}
	return nil
}

// DepositReserveLiquidity moves liquidity from the user into the reserve
// vault and mints claim tokens at the current exchange rate, rounding the
// claim amount down.
func (e *Engine) DepositReserveLiquidity(reserveKey, user, userLiquidity, userCollateral crypto.Pubkey, amount uint64) (uint64, error) {
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
	if err := market.guard(common.ActionSupply); err != nil {
		return 0, err
	}
	if err := reserve.RequireFresh(e.slot); err != nil {
		return 0, err
	}
	if err := statusAllowsInflow(reserve); err != nil {
		return 0, err
	}
	if err := reserve.checkDepositLimit(amount); err != nil {
		return 0, err
	}

	claims, err := reserve.CollateralFromLiquidity(amount)
	if err != nil {
		return 0, err
	}
	if claims == 0 {
		return 0, ErrInvalidAmount
	}

	program, err := e.program(reserve)
	if err != nil {
		return 0, err
	}
	if err := program.Transfer(amount, userLiquidity, reserve.Liquidity.SupplyVault, user); err != nil {
		return 0, ErrInvalidAccountInput
	}
	if err := program.MintTo(claims, reserve.Collateral.Mint, userCollateral, market.Authority()); err != nil {
		return 0, ErrInvalidAccountInput
	}

	reserve.Liquidity.Available += amount
	reserve.Collateral.TotalSupply += claims
	if err := e.state.PutReserve(reserve); err != nil {
		return 0, err
	}
	e.emit(&events.LiquidityDeposited{
		Reserve:          reserveKey,
		User:             user,
		LiquidityAmount:  amount,
		CollateralMinted: claims,
	})
	return claims, nil
}

// RedeemReserveCollateral burns claim tokens and pays out liquidity at the
// current exchange rate, rounding the payout down. MaxClose redeems the
// user's whole claim balance.
func (e *Engine) RedeemReserveCollateral(reserveKey, user, userCollateral, userLiquidity crypto.Pubkey, claims uint64) (uint64, error) {
	if claims == 0 {
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
	if err := market.guard(common.ActionWithdraw); err != nil {
		return 0, err
	}
	if err := reserve.RequireFresh(e.slot); err != nil {
		return 0, err
	}
	if err := statusAllowsOutflow(reserve); err != nil {
		return 0, err
	}

	program, err := e.program(reserve)
	if err != nil {
		return 0, err
	}
	if claims == MaxClose {
		balance, err := program.Balance(userCollateral)
		if err != nil {
			return 0, ErrInvalidAccountInput
		}
		claims = balance
		if claims == 0 {
			return 0, ErrInvalidAmount
		}
	}

	liquidity, err := reserve.LiquidityFromCollateral(claims)
	if err != nil {
		return 0, err
	}
	if liquidity == 0 {
		return 0, ErrInvalidAmount
	}
	if liquidity > reserve.Liquidity.Available {
		return 0, ErrInsufficientLiquidity
	}

	if err := program.Burn(claims, reserve.Collateral.Mint, userCollateral, user); err != nil {
		return 0, ErrInvalidAccountInput
	}
	if err := program.Transfer(liquidity, reserve.Liquidity.SupplyVault, userLiquidity, market.Authority()); err != nil {
		return 0, ErrInvalidAccountInput
	}

	reserve.Liquidity.Available -= liquidity
	reserve.Collateral.TotalSupply -= claims
	if err := e.state.PutReserve(reserve); err != nil {
		return 0, err
	}
	e.emit(&events.CollateralRedeemed{
		Reserve:          reserveKey,
		User:             user,
		CollateralBurned: claims,
		LiquidityAmount:  liquidity,
	})
	return liquidity, nil
}

// DepositObligationCollateral pledges claim tokens into the obligation. The
// reserve must be refreshed; with a debt-free obligation a stale price is
// tolerated because no value judgement is made on the way in.
func (e *Engine) DepositObligationCollateral(reserveKey, obligationKey, owner, userCollateral crypto.Pubkey, claims uint64) error {
	if claims == 0 {
		return ErrInvalidAmount
	}
	reserve, err := e.loadReserve(reserveKey)
	if err != nil {
		return err
	}
	market, err := e.market(reserve.Market)
	if err != nil {
		return err
	}
	if err := market.guard(common.ActionSupply); err != nil {
		return err
	}
	if err := reserve.RequireFresh(e.slot); err != nil {
		return err
	}
	if err := statusAllowsInflow(reserve); err != nil {
		return err
	}

	ob, err := e.loadObligation(obligationKey)
	if err != nil {
		return err
	}
	if ob.Owner != owner || ob.Market != market.Key {
		return ErrInvalidAccountInput
	}
	if err := e.checkGroupMembership(market, ob, reserve, claims); err != nil {
		return err
	}

	if _, err := ob.AddCollateral(reserveKey, claims); err != nil {
		return err
	}
	if err := ob.checkAssetTiers(e.tierOf); err != nil {
		return err
	}

	program, err := e.program(reserve)
	if err != nil {
		return err
	}
	if err := program.Transfer(claims, userCollateral, reserve.Collateral.SupplyVault, owner); err != nil {
		return ErrInvalidAccountInput
	}

	ob.MarkStale()
	if err := e.state.PutObligation(ob); err != nil {
		return err
	}
	return e.updateCollateralStake(reserve, ob)
}

// WithdrawObligationCollateral releases pledged claim tokens. A debt-free
// obligation may withdraw everything even against a stale price; with debt
// outstanding the obligation must be freshly valued and the withdraw must
// keep the borrow allowance covering the adjusted debt.
func (e *Engine) WithdrawObligationCollateral(reserveKey, obligationKey, owner, destCollateral crypto.Pubkey, claims uint64) (uint64, error) {
	if claims == 0 {
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
	if err := market.guard(common.ActionWithdraw); err != nil {
		return 0, err
	}
	if err := statusAllowsOutflow(reserve); err != nil {
		return 0, err
	}

	ob, err := e.loadObligation(obligationKey)
	if err != nil {
		return 0, err
	}
	if ob.Owner != owner || ob.Market != market.Key {
		return 0, ErrInvalidAccountInput
	}
	pos := ob.Collateral(reserveKey)
	if pos == nil || pos.DepositedAmount == 0 {
		return 0, ErrInvalidAccountInput
	}

	hasDebt := ob.HasDebt()
	if hasDebt {
		if err := reserve.RequirePriceFresh(e.slot); err != nil {
			return 0, err
		}
		if err := ob.RequireFresh(e.slot, market.ConfigEpoch); err != nil {
			return 0, err
		}
	} else if err := reserve.RequireFresh(e.slot); err != nil {
		return 0, err
	}

	if claims == MaxClose || claims > pos.DepositedAmount {
		claims = pos.DepositedAmount
	}
	if hasDebt {
		max, err := e.maxWithdrawableClaims(market, ob, reserve, pos)
		if err != nil {
			return 0, err
		}
		if claims > max {
			if claims == pos.DepositedAmount {
				claims = max
			} else {
				return 0, ErrObligationUnhealthy
			}
		}
		if claims == 0 {
			return 0, ErrObligationUnhealthy
		}
	}

	program, err := e.program(reserve)
	if err != nil {
		return 0, err
	}
	if err := program.Transfer(claims, reserve.Collateral.SupplyVault, destCollateral, market.Authority()); err != nil {
		return 0, ErrInvalidAccountInput
	}

	pos.DepositedAmount -= claims
	ob.RemoveCollateralIfEmpty(reserveKey)
	ob.MarkStale()
	if err := e.state.PutObligation(ob); err != nil {
		return 0, err
	}
	if err := e.updateCollateralStake(reserve, ob); err != nil {
		return 0, err
	}
	return claims, nil
}

// maxWithdrawableClaims bounds a withdraw so the remaining allowance still
// covers the adjusted debt, rounding the claim count down.
func (e *Engine) maxWithdrawableClaims(market *LendingMarket, ob *Obligation, reserve *Reserve, pos *ObligationCollateral) (uint64, error) {
	headroom := ob.AllowedBorrowValue.SubSat(ob.AdjustedDebtValue)
	if headroom.IsZero() {
		return 0, nil
	}

	ltvBps := uint64(reserve.Config.LoanToValueBps)
	if group := market.ElevationGroupByID(ob.ElevationGroup); group != nil {
		ltvBps = uint64(group.LtvBps)
	}
	if ltvBps == 0 {
		// Collateral that contributes no borrow power is always free.
		return pos.DepositedAmount, nil
	}

	maxValue, err := headroom.Div(fixedpoint.FromBps(ltvBps))
	if err != nil {
		return 0, mathErr(err)
	}
	unitValue, err := claimUnitValue(reserve)
	if err != nil {
		return 0, err
	}
	if unitValue.IsZero() {
		return pos.DepositedAmount, nil
	}
	maxClaims, err := maxValue.Div(unitValue)
	if err != nil {
		return 0, mathErr(err)
	}
	out, err := maxClaims.Floor()
	if err != nil {
		return 0, mathErr(err)
	}
	if out > pos.DepositedAmount {
		out = pos.DepositedAmount
	}
	return out, nil
}

// checkGroupMembership enforces the elevation-group collateral rules when
// the obligation is elevated.
func (e *Engine) checkGroupMembership(market *LendingMarket, ob *Obligation, reserve *Reserve, addedClaims uint64) error {
	if ob.ElevationGroup == 0 {
		return nil
	}
	group := market.ElevationGroupByID(ob.ElevationGroup)
	if group == nil {
		return ErrElevationGroupViolation
	}
	if !reserve.EligibleForElevationGroup(ob.ElevationGroup) {
		return ErrElevationGroupViolation
	}
	if ob.Collateral(reserve.Key) == nil && addedClaims > 0 {
		if group.MaxReservesAsCollateral != 0 && uint8(len(ob.Deposits)) >= group.MaxReservesAsCollateral {
			return ErrElevationGroupViolation
		}
	}
	return nil
}

// updateCollateralStake mirrors the obligation's pledged amount into the
// reserve's collateral farm, when one is bound.
func (e *Engine) updateCollateralStake(reserve *Reserve, ob *Obligation) error {
	if reserve.Config.CollateralFarm.IsZero() {
		return nil
	}
	stake := uint64(0)
	if pos := ob.Collateral(reserve.Key); pos != nil {
		stake = pos.DepositedAmount
	}
	if err := e.farms.RefreshUserState(reserve.Config.CollateralFarm, ob.Owner); err != nil {
		return err
	}
	return e.farms.SetStake(reserve.Config.CollateralFarm, ob.Owner, farms.SideCollateral, stake)
}

// updateDebtStake mirrors the obligation's outstanding borrow into the
// reserve's debt farm, when one is bound.
func (e *Engine) updateDebtStake(reserve *Reserve, ob *Obligation) error {
	if reserve.Config.DebtFarm.IsZero() {
		return nil
	}
	stake := uint64(0)
	if pos := ob.Borrow(reserve.Key); pos != nil {
		owed, err := pos.BorrowedAmount.Ceil()
		if err != nil {
			return mathErr(err)
		}
		stake = owed
	}
	if err := e.farms.RefreshUserState(reserve.Config.DebtFarm, ob.Owner); err != nil {
		return err
	}
	return e.farms.SetStake(reserve.Config.DebtFarm, ob.Owner, farms.SideDebt, stake)
}
