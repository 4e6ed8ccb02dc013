package lending

import "lendchain/crypto"

// DepositLiquidityAndCollateralize supplies liquidity and pledges the
// minted claims into the obligation in one step. The claim tokens pass
// through the user's collateral account.
func (e *Engine) DepositLiquidityAndCollateralize(reserveKey, obligationKey, user, userLiquidity, userCollateral crypto.Pubkey, amount uint64) (uint64, error) {
	claims, err := e.DepositReserveLiquidity(reserveKey, user, userLiquidity, userCollateral, amount)
	if err != nil {
		return 0, err
	}
	if err := e.DepositObligationCollateral(reserveKey, obligationKey, user, userCollateral, claims); err != nil {
		return 0, err
	}
	return claims, nil
}

// WithdrawCollateralAndRedeem releases pledged claims and immediately
// redeems them into liquidity.
func (e *Engine) WithdrawCollateralAndRedeem(reserveKey, obligationKey, owner, userCollateral, userLiquidity crypto.Pubkey, claims uint64) (uint64, error) {
	released, err := e.WithdrawObligationCollateral(reserveKey, obligationKey, owner, userCollateral, claims)
	if err != nil {
		return 0, err
	}
	return e.RedeemReserveCollateral(reserveKey, owner, userCollateral, userLiquidity, released)
}

// RepayAndWithdraw settles debt and then pulls collateral out in the same
// transaction. The obligation is revalued between the two legs so the
// withdraw sees the reduced debt.
func (e *Engine) RepayAndWithdraw(repayReserveKey, withdrawReserveKey, obligationKey, owner, sourceLiquidity, destCollateral, destLiquidity crypto.Pubkey, repayAmount, withdrawClaims uint64) (repaid, redeemed uint64, err error) {
	repaid, err = e.RepayObligationLiquidity(repayReserveKey, obligationKey, owner, sourceLiquidity, repayAmount)
	if err != nil {
		return 0, 0, err
	}
	if _, err = e.RefreshObligation(obligationKey); err != nil {
		return 0, 0, err
	}
	redeemed, err = e.WithdrawCollateralAndRedeem(withdrawReserveKey, obligationKey, owner, destCollateral, destLiquidity, withdrawClaims)
	if err != nil {
		return 0, 0, err
	}
	return repaid, redeemed, nil
}

// DepositAndWithdraw swaps collateral: new liquidity goes in, a different
// reserve's collateral comes out, with a revaluation in between so the
// withdraw leg is judged against the updated allowance.
func (e *Engine) DepositAndWithdraw(depositReserveKey, withdrawReserveKey, obligationKey, user, userLiquidity, userCollateral, destCollateral, destLiquidity crypto.Pubkey, depositAmount, withdrawClaims uint64) (uint64, error) {
	if _, err := e.DepositLiquidityAndCollateralize(depositReserveKey, obligationKey, user, userLiquidity, userCollateral, depositAmount); err != nil {
		return 0, err
	}
	if _, err := e.RefreshObligation(obligationKey); err != nil {
		return 0, err
	}
	return e.WithdrawCollateralAndRedeem(withdrawReserveKey, obligationKey, user, destCollateral, destLiquidity, withdrawClaims)
}
