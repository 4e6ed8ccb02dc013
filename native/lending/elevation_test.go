package lending

import (
	"testing"

	"github.com/near/borsh-go"

	"lendchain/crypto"
)

// groupFixture layers an elevation group over the standard borrow fixture:
// group 1 admits SOL collateral at 90% LTV with USDC as its sole debt
// reserve.
func groupFixture(t *testing.T, modUsdc func(*ReserveConfig)) *borrowFixture {
	t.Helper()
	f := newBorrowFixture(t, modUsdc, crypto.ZeroPubkey)
	env := f.env

	payload, err := borsh.Serialize(elevationGroupWire{
		ID:                      1,
		MaxReservesAsCollateral: 2,
		LtvBps:                  9_000,
		LiquidationThresholdBps: 9_500,
		MinLiquidationBonusBps:  100,
		MaxLiquidationBonusBps:  300,
		DebtReserve:             [32]byte(f.usdcReserve),
	})
	if err != nil {
		t.Fatalf("serialize group: %v", err)
	}
	if err := env.engine.UpdateLendingMarket(env.marketKey, env.owner, MarketUpdateElevationGroup, payload); err != nil {
		t.Fatalf("set group: %v", err)
	}
	if err := env.engine.UpdateReserveConfig(f.solReserve, env.owner, ReserveUpdateElevationGroupMembership, []byte{1}); err != nil {
		t.Fatalf("set membership: %v", err)
	}
	// Config updates invalidate the reserve and the obligation's valuation.
	f.refreshAll(t)
	return f
}

func TestElevationGroupRaisesAllowance(t *testing.T) {
	f := groupFixture(t, nil)
	env := f.env

	if err := env.engine.RequestElevationGroup(f.obKey, f.borrower, 1); err != nil {
		t.Fatalf("join group: %v", err)
	}
	ob := env.obligation(f.obKey)
	if ob.ElevationGroup != 1 {
		t.Fatalf("group = %d", ob.ElevationGroup)
	}

	// Cross-margin allowed $30; the group allows $36 on the same collateral.
	_, err := env.engine.BorrowObligationLiquidity(f.usdcReserve, f.obKey, f.borrower, f.borrowerUsdc, 36_000_001)
	codeIs(t, err, CodeObligationUnhealthy)
	if _, err := env.engine.BorrowObligationLiquidity(f.usdcReserve, f.obKey, f.borrower, f.borrowerUsdc, 36_000_000); err != nil {
		t.Fatalf("borrow at group allowance: %v", err)
	}

	// The group debt is attributed on the reserve.
	if got := env.reserve(f.usdcReserve).GroupDebt[1]; got != 36_000_000 {
		t.Fatalf("group debt = %d", got)
	}
}

func TestElevationGroupSingleDebtReserve(t *testing.T) {
	f := groupFixture(t, nil)
	env := f.env

	if err := env.engine.RequestElevationGroup(f.obKey, f.borrower, 1); err != nil {
		t.Fatalf("join group: %v", err)
	}
	borrowerSol := env.fund(f.borrower, f.solMint, 0)
	_, err := env.engine.BorrowObligationLiquidity(f.solReserve, f.obKey, f.borrower, borrowerSol, 1_000_000)
	codeIs(t, err, CodeElevationGroupViolation)
}

func TestElevationGroupRejectsForeignCollateral(t *testing.T) {
	f := groupFixture(t, nil)
	env := f.env

	if err := env.engine.RequestElevationGroup(f.obKey, f.borrower, 1); err != nil {
		t.Fatalf("join group: %v", err)
	}

	// An asset outside the group cannot be pledged while elevated.
	ethReserve, ethMint := env.addReserve("eth", 8, "2500.0", nil)
	liquidity := env.fund(f.borrower, ethMint, 100_000_000)
	claims := env.collateralAccount(f.borrower, ethReserve)
	if _, err := env.engine.DepositReserveLiquidity(ethReserve, f.borrower, liquidity, claims, 100_000_000); err != nil {
		t.Fatalf("supply eth: %v", err)
	}
	err := env.engine.DepositObligationCollateral(ethReserve, f.obKey, f.borrower, claims, 100_000_000)
	codeIs(t, err, CodeElevationGroupViolation)
}

func TestElevationGroupJoinRejectedWithIneligibleCollateral(t *testing.T) {
	f := newBorrowFixture(t, nil, crypto.ZeroPubkey)
	env := f.env

	payload, err := borsh.Serialize(elevationGroupWire{
		ID:                      1,
		LtvBps:                  9_000,
		LiquidationThresholdBps: 9_500,
		DebtReserve:             [32]byte(f.usdcReserve),
	})
	if err != nil {
		t.Fatalf("serialize group: %v", err)
	}
	if err := env.engine.UpdateLendingMarket(env.marketKey, env.owner, MarketUpdateElevationGroup, payload); err != nil {
		t.Fatalf("set group: %v", err)
	}
	f.refreshAll(t)

	// SOL was never made a member, so the pledged collateral blocks the move.
	err = env.engine.RequestElevationGroup(f.obKey, f.borrower, 1)
	codeIs(t, err, CodeElevationGroupViolation)
}

func TestLeaveGroupRequiresCrossMarginHealth(t *testing.T) {
	f := groupFixture(t, nil)
	env := f.env

	if err := env.engine.RequestElevationGroup(f.obKey, f.borrower, 1); err != nil {
		t.Fatalf("join group: %v", err)
	}
	if _, err := env.engine.BorrowObligationLiquidity(f.usdcReserve, f.obKey, f.borrower, f.borrowerUsdc, 36_000_000); err != nil {
		t.Fatalf("borrow: %v", err)
	}
	f.refreshAll(t)

	// $36 of debt fits the group but breaches the $30 cross-margin allowance.
	err := env.engine.RequestElevationGroup(f.obKey, f.borrower, 0)
	codeIs(t, err, CodeObligationUnhealthy)

	// After repaying down to the cross-margin allowance the exit works, and
	// the group debt attribution moves with it.
	if err := env.ledger.SetBalance(f.borrowerUsdc, 36_000_000); err != nil {
		t.Fatalf("top up: %v", err)
	}
	if _, err := env.engine.RepayObligationLiquidity(f.usdcReserve, f.obKey, f.borrower, f.borrowerUsdc, 6_000_000); err != nil {
		t.Fatalf("repay: %v", err)
	}
	f.refreshAll(t)
	if err := env.engine.RequestElevationGroup(f.obKey, f.borrower, 0); err != nil {
		t.Fatalf("leave group: %v", err)
	}
	if got := env.reserve(f.usdcReserve).GroupDebt[1]; got != 0 {
		t.Fatalf("group debt left behind: %d", got)
	}
}

func TestGroupScopedBorrowCap(t *testing.T) {
	f := groupFixture(t, func(cfg *ReserveConfig) {
		cfg.BorrowLimitPerElevationGroup = 10_000_000
	})
	env := f.env

	if err := env.engine.RequestElevationGroup(f.obKey, f.borrower, 1); err != nil {
		t.Fatalf("join group: %v", err)
	}
	if _, err := env.engine.BorrowObligationLiquidity(f.usdcReserve, f.obKey, f.borrower, f.borrowerUsdc, 10_000_000); err != nil {
		t.Fatalf("borrow at group cap: %v", err)
	}
	f.refreshAll(t)
	_, err := env.engine.BorrowObligationLiquidity(f.usdcReserve, f.obKey, f.borrower, f.borrowerUsdc, 1)
	codeIs(t, err, CodeBorrowLimitExceeded)
}
