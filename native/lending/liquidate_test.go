package lending

import (
	"testing"

	"lendchain/crypto"
	"lendchain/fixedpoint"
)

// underwater borrows the full $30 allowance and then drops the collateral
// price so the debt breaches the liquidation threshold.
func underwater(t *testing.T, f *borrowFixture) {
	t.Helper()
	env := f.env
	if _, err := env.engine.BorrowObligationLiquidity(f.usdcReserve, f.obKey, f.borrower, f.borrowerUsdc, 30_000_000); err != nil {
		t.Fatalf("borrow: %v", err)
	}
	// $15 SOL puts the threshold-weighted collateral at $24 against $30 debt.
	env.setPrice(f.solMint, "15.0")
	f.refreshAll(t)
	if env.obligation(f.obKey).Healthy() {
		t.Fatal("fixture should be unhealthy")
	}
}

func newLiquidator(t *testing.T, f *borrowFixture) (who, usdc, sol crypto.Pubkey) {
	t.Helper()
	who = crypto.RandomPubkey()
	usdc = f.env.fund(who, f.usdcMint, 100_000_000)
	sol = f.env.fund(who, f.solMint, 0)
	return who, usdc, sol
}

func TestLiquidationCappedAtCloseFactor(t *testing.T) {
	f := newBorrowFixture(t, nil, crypto.ZeroPubkey)
	env := f.env
	underwater(t, f)
	liquidator, usdc, sol := newLiquidator(t, f)

	// Requesting the whole debt clamps to half of it.
	repaid, redeemed, err := env.engine.LiquidateObligation(
		f.usdcReserve, f.solReserve, f.obKey, liquidator, usdc, sol, 30_000_000, 0)
	if err != nil {
		t.Fatalf("liquidate: %v", err)
	}
	if repaid != 15_000_000 {
		t.Fatalf("repaid = %d, want 15_000_000", repaid)
	}
	// $15 repaid at a 2% bonus buys $15.30 of SOL at $15: 1.02 SOL.
	if redeemed != 1_020_000_000 {
		t.Fatalf("redeemed = %d, want 1_020_000_000", redeemed)
	}
	if got := env.balance(sol); got != redeemed {
		t.Fatalf("liquidator sol = %d", got)
	}

	ob := env.obligation(f.obKey)
	pos := ob.Borrow(f.usdcReserve)
	if pos == nil || pos.BorrowedAmount.Cmp(fixedpoint.BigFromInt(15_000_000)) != 0 {
		t.Fatalf("remaining debt = %+v", pos)
	}
	coll := ob.Collateral(f.solReserve)
	if coll == nil || coll.DepositedAmount != 2_000_000_000-1_020_000_000 {
		t.Fatalf("remaining collateral = %+v", coll)
	}
}

func TestLiquidationRejectsHealthyObligation(t *testing.T) {
	f := newBorrowFixture(t, nil, crypto.ZeroPubkey)
	env := f.env
	if _, err := env.engine.BorrowObligationLiquidity(f.usdcReserve, f.obKey, f.borrower, f.borrowerUsdc, 10_000_000); err != nil {
		t.Fatalf("borrow: %v", err)
	}
	f.refreshAll(t)
	liquidator, usdc, sol := newLiquidator(t, f)

	_, _, err := env.engine.LiquidateObligation(
		f.usdcReserve, f.solReserve, f.obKey, liquidator, usdc, sol, 10_000_000, 0)
	codeIs(t, err, CodeObligationHealthy)
}

func TestLiquidationSlippageGuard(t *testing.T) {
	f := newBorrowFixture(t, nil, crypto.ZeroPubkey)
	env := f.env
	underwater(t, f)
	liquidator, usdc, sol := newLiquidator(t, f)

	_, _, err := env.engine.LiquidateObligation(
		f.usdcReserve, f.solReserve, f.obKey, liquidator, usdc, sol, 30_000_000, 1_020_000_001)
	codeIs(t, err, CodeLiquidationSlippage)
}

func TestLiquidationDustMustCloseFully(t *testing.T) {
	f := newBorrowFixture(t, nil, crypto.ZeroPubkey)
	env := f.env
	underwater(t, f)
	liquidator, usdc, sol := newLiquidator(t, f)

	// $50 dust floor makes the whole $30 debt a dust position.
	if err := env.engine.UpdateLendingMarket(env.marketKey, env.owner, MarketUpdateMinFullLiquidationValue, leU64Bytes(50)); err != nil {
		t.Fatalf("set dust floor: %v", err)
	}
	f.refreshAll(t)

	// A partial close is refused outright.
	_, _, err := env.engine.LiquidateObligation(
		f.usdcReserve, f.solReserve, f.obKey, liquidator, usdc, sol, 10_000_000, 0)
	codeIs(t, err, CodeLiquidationTooSmall)

	// The full close goes through unclamped.
	repaid, _, err := env.engine.LiquidateObligation(
		f.usdcReserve, f.solReserve, f.obKey, liquidator, usdc, sol, 30_000_000, 0)
	if err != nil {
		t.Fatalf("full liquidation: %v", err)
	}
	if repaid != 30_000_000 {
		t.Fatalf("repaid = %d, want full 30_000_000", repaid)
	}
	if env.obligation(f.obKey).HasDebt() {
		t.Fatal("debt should be gone")
	}
}

func TestDeleverageMarkRampsBonus(t *testing.T) {
	f := newBorrowFixture(t, nil, crypto.ZeroPubkey)
	env := f.env

	if _, err := env.engine.BorrowObligationLiquidity(f.usdcReserve, f.obKey, f.borrower, f.borrowerUsdc, 20_000_000); err != nil {
		t.Fatalf("borrow: %v", err)
	}
	f.refreshAll(t)

	// Marking requires the market switch.
	err := env.engine.MarkObligationForDeleveraging(f.obKey, env.owner, 4_000)
	codeIs(t, err, CodeInvalidConfig)
	if err := env.engine.UpdateLendingMarket(env.marketKey, env.owner, MarketUpdateAutodeleverageEnabled, []byte{1}); err != nil {
		t.Fatalf("enable autodeleverage: %v", err)
	}
	if err := env.engine.MarkObligationForDeleveraging(f.obKey, env.owner, 4_000); err != nil {
		t.Fatalf("mark: %v", err)
	}

	// 100 slots later the bonus has ramped from 200 to 300 bps.
	env.advance(100)
	f.refreshAll(t)
	liquidator, usdc, sol := newLiquidator(t, f)

	// The obligation is still healthy; the mark alone authorizes unwinding.
	if !env.obligation(f.obKey).Healthy() {
		t.Fatal("fixture should be healthy")
	}
	repaid, redeemed, err := env.engine.LiquidateObligation(
		f.usdcReserve, f.solReserve, f.obKey, liquidator, usdc, sol, 1_000_000, 0)
	if err != nil {
		t.Fatalf("deleverage liquidation: %v", err)
	}
	if repaid != 1_000_000 {
		t.Fatalf("repaid = %d", repaid)
	}
	// $1 at a 3% bonus buys $1.03 of SOL at $20: 51_500_000 lamports.
	if redeemed != 51_500_000 {
		t.Fatalf("redeemed = %d, want 51_500_000", redeemed)
	}
}

func TestDeleverageMarkClearsOnFullRepay(t *testing.T) {
	f := newBorrowFixture(t, nil, crypto.ZeroPubkey)
	env := f.env
	underwater(t, f)

	if err := env.engine.UpdateLendingMarket(env.marketKey, env.owner, MarketUpdateAutodeleverageEnabled, []byte{1}); err != nil {
		t.Fatalf("enable autodeleverage: %v", err)
	}
	if err := env.engine.MarkObligationForDeleveraging(f.obKey, env.owner, 0); err != nil {
		t.Fatalf("mark: %v", err)
	}
	if err := env.engine.UpdateLendingMarket(env.marketKey, env.owner, MarketUpdateMinFullLiquidationValue, leU64Bytes(50)); err != nil {
		t.Fatalf("set dust floor: %v", err)
	}
	f.refreshAll(t)

	liquidator, usdc, sol := newLiquidator(t, f)
	if _, _, err := env.engine.LiquidateObligation(
		f.usdcReserve, f.solReserve, f.obKey, liquidator, usdc, sol, 30_000_000, 0); err != nil {
		t.Fatalf("liquidate: %v", err)
	}

	ob := env.obligation(f.obKey)
	if ob.DeleverageMarkedSlot != 0 || ob.DeleverageTargetLtvBps != 0 {
		t.Fatalf("mark not cleared: slot=%d target=%d", ob.DeleverageMarkedSlot, ob.DeleverageTargetLtvBps)
	}
}

func TestLiquidationSeizeAtFractionalExchangeRate(t *testing.T) {
	f := newBorrowFixture(t, nil, crypto.ZeroPubkey)
	env := f.env

	if _, err := env.engine.BorrowObligationLiquidity(f.usdcReserve, f.obKey, f.borrower, f.borrowerUsdc, 30_000_000); err != nil {
		t.Fatalf("borrow: %v", err)
	}

	// The claims appreciate to 1.5 lamports each while SOL halves: the
	// pledge is worth $30 against $30 debt, past the $24 threshold bound.
	env.reserve(f.solReserve).Liquidity.Available = 3_000_000_000
	env.setPrice(f.solMint, "10.0")
	f.refreshAll(t)
	if env.obligation(f.obKey).Healthy() {
		t.Fatal("fixture should be unhealthy")
	}

	liquidator, usdc, sol := newLiquidator(t, f)
	repaid, redeemed, err := env.engine.LiquidateObligation(
		f.usdcReserve, f.solReserve, f.obKey, liquidator, usdc, sol, 30_000_000, 0)
	if err != nil {
		t.Fatalf("liquidate: %v", err)
	}
	if repaid != 15_000_000 {
		t.Fatalf("repaid = %d, want 15_000_000", repaid)
	}
	// $15.30 buys claims worth $0.000000015 each: 1_020_000_000 claims
	// backed by 1_530_000_000 lamports. Pricing the claim off a floored
	// single lamport would hand over half again as much.
	if redeemed != 1_530_000_000 {
		t.Fatalf("redeemed = %d, want 1_530_000_000", redeemed)
	}
	if got := env.balance(sol); got != 1_530_000_000 {
		t.Fatalf("liquidator lamports = %d, want 1_530_000_000", got)
	}
	pos := env.obligation(f.obKey).Collateral(f.solReserve)
	if pos == nil || pos.DepositedAmount != 980_000_000 {
		t.Fatalf("remaining collateral = %+v, want 980_000_000 claims", pos)
	}
}

func TestDeleverageLiquidationStopsAtTargetLtv(t *testing.T) {
	f := newBorrowFixture(t, nil, crypto.ZeroPubkey)
	env := f.env

	// Borrow the full $30 allowance against the $40 pledge: 75% LTV,
	// healthy, but above the 65% deleveraging target set below.
	if _, err := env.engine.BorrowObligationLiquidity(f.usdcReserve, f.obKey, f.borrower, f.borrowerUsdc, 30_000_000); err != nil {
		t.Fatalf("borrow: %v", err)
	}
	if err := env.engine.UpdateLendingMarket(env.marketKey, env.owner, MarketUpdateAutodeleverageEnabled, []byte{1}); err != nil {
		t.Fatalf("enable autodeleverage: %v", err)
	}
	if err := env.engine.MarkObligationForDeleveraging(f.obKey, env.owner, 6_500); err != nil {
		t.Fatalf("mark: %v", err)
	}
	f.refreshAll(t)

	// Reaching 65% needs (30 - 26) / (1 - 0.65*1.02) = $11.8694362...
	// of repay at the 2% bonus, rounded up to 11_869_437 tokens. The
	// close factor alone would let $15 through.
	liquidator, usdc, sol := newLiquidator(t, f)
	repaid, _, err := env.engine.LiquidateObligation(
		f.usdcReserve, f.solReserve, f.obKey, liquidator, usdc, sol, 15_000_000, 0)
	if err != nil {
		t.Fatalf("deleverage liquidation: %v", err)
	}
	if repaid != 11_869_437 {
		t.Fatalf("repaid = %d, want 11_869_437", repaid)
	}

	// The target is reached, so the mark clears and the obligation stops
	// being liquidatable while healthy.
	ob := env.obligation(f.obKey)
	if ob.DeleverageMarkedSlot != 0 || ob.DeleverageTargetLtvBps != 0 {
		t.Fatalf("mark not cleared: slot=%d target=%d", ob.DeleverageMarkedSlot, ob.DeleverageTargetLtvBps)
	}
	f.refreshAll(t)
	_, _, err = env.engine.LiquidateObligation(
		f.usdcReserve, f.solReserve, f.obKey, liquidator, usdc, sol, 1_000_000, 0)
	codeIs(t, err, CodeObligationHealthy)
}

func TestDeleverageLiquidationAtTargetRefused(t *testing.T) {
	f := newBorrowFixture(t, nil, crypto.ZeroPubkey)
	env := f.env

	// $10 of debt sits well under the 65% target on $40 of collateral.
	if _, err := env.engine.BorrowObligationLiquidity(f.usdcReserve, f.obKey, f.borrower, f.borrowerUsdc, 10_000_000); err != nil {
		t.Fatalf("borrow: %v", err)
	}
	if err := env.engine.UpdateLendingMarket(env.marketKey, env.owner, MarketUpdateAutodeleverageEnabled, []byte{1}); err != nil {
		t.Fatalf("enable autodeleverage: %v", err)
	}
	if err := env.engine.MarkObligationForDeleveraging(f.obKey, env.owner, 6_500); err != nil {
		t.Fatalf("mark: %v", err)
	}
	f.refreshAll(t)

	liquidator, usdc, sol := newLiquidator(t, f)
	_, _, err := env.engine.LiquidateObligation(
		f.usdcReserve, f.solReserve, f.obKey, liquidator, usdc, sol, 5_000_000, 0)
	codeIs(t, err, CodeObligationHealthy)
}

func TestSocializeLossSpreadsBadDebt(t *testing.T) {
	f := newBorrowFixture(t, nil, crypto.ZeroPubkey)
	env := f.env
	underwater(t, f)

	// Collateral collapses so far that seizing all of it cannot cover the
	// close-factor repay.
	env.setPrice(f.solMint, "0.01")
	f.refreshAll(t)
	liquidator, usdc, sol := newLiquidator(t, f)
	repaid, _, err := env.engine.LiquidateObligation(
		f.usdcReserve, f.solReserve, f.obKey, liquidator, usdc, sol, 30_000_000, 0)
	if err != nil {
		t.Fatalf("liquidate: %v", err)
	}
	if repaid != 15_000_000 {
		t.Fatalf("repaid = %d", repaid)
	}
	ob := env.obligation(f.obKey)
	if ob.HasDeposits() || !ob.HasDebt() {
		t.Fatalf("want bad debt with no collateral, got deposits=%v debt=%v", ob.HasDeposits(), ob.HasDebt())
	}

	// Only the risk council or the owner may write the remainder off.
	_, err = env.engine.SocializeLoss(f.usdcReserve, f.obKey, f.borrower, 20_000_000)
	codeIs(t, err, CodeInvalidMarketAuthority)

	forgiven, err := env.engine.SocializeLoss(f.usdcReserve, f.obKey, env.owner, 20_000_000)
	if err != nil {
		t.Fatalf("socialize: %v", err)
	}
	if forgiven != 15_000_000 {
		t.Fatalf("forgiven = %d, want the outstanding 15_000_000", forgiven)
	}

	reserve := env.reserve(f.usdcReserve)
	if !reserve.Liquidity.Borrowed.IsZero() {
		t.Fatalf("reserve debt left: %s", reserve.Liquidity.Borrowed)
	}
	// Depositors absorb the loss through the exchange rate.
	rate, err := reserve.ExchangeRate()
	if err != nil {
		t.Fatalf("rate: %v", err)
	}
	if rate.Cmp(fixedpoint.One()) >= 0 {
		t.Fatalf("exchange rate did not drop: %s", rate)
	}
	if env.obligation(f.obKey).HasDebt() {
		t.Fatal("obligation should be clean")
	}
}

func TestSocializeLossRefusesWhileCollateralRemains(t *testing.T) {
	f := newBorrowFixture(t, nil, crypto.ZeroPubkey)
	env := f.env
	underwater(t, f)

	_, err := env.engine.SocializeLoss(f.usdcReserve, f.obKey, env.owner, 1_000_000)
	codeIs(t, err, CodeInvalidAccountInput)
}
