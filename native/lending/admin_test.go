package lending

import (
	"errors"
	"testing"

	"github.com/near/borsh-go"

	"lendchain/crypto"
	"lendchain/native/common"
)

func TestReserveUpdateRequiresMarketOwner(t *testing.T) {
	env := newTestEnv(t)
	reserveKey, _ := env.addReserve("usdc", 6, "1.0", nil)
	stranger := crypto.RandomPubkey()

	err := env.engine.UpdateReserveConfig(reserveKey, stranger, ReserveUpdateDepositLimit, leU64Bytes(1_000))
	codeIs(t, err, CodeInvalidMarketAuthority)
}

func TestReserveUpdateAppliesAndInvalidates(t *testing.T) {
	env := newTestEnv(t)
	reserveKey, mint := env.addReserve("usdc", 6, "1.0", nil)

	value := append(leU16Bytes(6_000), leU16Bytes(7_000)...)
	if err := env.engine.UpdateReserveConfig(reserveKey, env.owner, ReserveUpdateLoanToValue, value); err != nil {
		t.Fatalf("update: %v", err)
	}

	reserve := env.reserve(reserveKey)
	if reserve.Config.LoanToValueBps != 6_000 || reserve.Config.LiquidationThresholdBps != 7_000 {
		t.Fatalf("config = %d/%d", reserve.Config.LoanToValueBps, reserve.Config.LiquidationThresholdBps)
	}
	if !reserve.Stale {
		t.Fatal("config update must invalidate the reserve")
	}

	// Stale reserves refuse traffic until refreshed.
	user := crypto.RandomPubkey()
	liquidity := env.fund(user, mint, 1_000)
	claims := env.collateralAccount(user, reserveKey)
	_, err := env.engine.DepositReserveLiquidity(reserveKey, user, liquidity, claims, 1_000)
	codeIs(t, err, CodeReserveStale)

	env.refresh(reserveKey)
	if _, err := env.engine.DepositReserveLiquidity(reserveKey, user, liquidity, claims, 1_000); err != nil {
		t.Fatalf("deposit after refresh: %v", err)
	}
}

func TestReserveUpdateRejectsMalformedValues(t *testing.T) {
	env := newTestEnv(t)
	reserveKey, _ := env.addReserve("usdc", 6, "1.0", nil)

	cases := []struct {
		name  string
		mode  uint64
		value []byte
	}{
		{"status out of range", ReserveUpdateStatus, []byte{3}},
		{"status wrong length", ReserveUpdateStatus, []byte{0, 0}},
		{"tier out of range", ReserveUpdateAssetTier, []byte{9}},
		{"ltv short", ReserveUpdateLoanToValue, []byte{0, 0, 0}},
		{"factor short", ReserveUpdateBorrowFactor, []byte{0}},
		{"limit long", ReserveUpdateDepositLimit, make([]byte, 9)},
		{"fees short", ReserveUpdateFees, make([]byte, 5)},
		{"oracle short", ReserveUpdateOracleConfig, make([]byte, 11)},
		{"membership zero id", ReserveUpdateElevationGroupMembership, []byte{1, 0}},
		{"membership duplicate", ReserveUpdateElevationGroupMembership, []byte{2, 2}},
		{"deleverage short", ReserveUpdateDeleverageParams, make([]byte, 9)},
		{"farms short", ReserveUpdateFarms, make([]byte, 63)},
		{"curve garbage", ReserveUpdateCurve, []byte{0xff}},
		{"unknown mode", 1_000, nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := env.engine.UpdateReserveConfig(reserveKey, env.owner, tc.mode, tc.value)
			codeIs(t, err, CodeInvalidConfig)
		})
	}
}

func TestReserveUpdateRevalidatesWholeConfig(t *testing.T) {
	env := newTestEnv(t)
	reserveKey, _ := env.addReserve("usdc", 6, "1.0", nil)

	// LTV above the liquidation threshold is internally inconsistent even
	// though both halves decode fine.
	value := append(leU16Bytes(9_000), leU16Bytes(8_000)...)
	err := env.engine.UpdateReserveConfig(reserveKey, env.owner, ReserveUpdateLoanToValue, value)
	codeIs(t, err, CodeInvalidConfig)

	// The reserve keeps its previous config untouched.
	if got := env.reserve(reserveKey).Config.LoanToValueBps; got != 7_500 {
		t.Fatalf("config mutated on failed update: ltv = %d", got)
	}
}

func TestReserveUpdateCurveRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	reserveKey, _ := env.addReserve("usdc", 6, "1.0", nil)

	bad, err := borsh.Serialize(rateCurveWire{Points: []struct {
		UtilizationBps uint32
		RateBps        uint32
	}{{0, 100}, {5_000, 400}}})
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}
	// Decodes fine but the curve does not end at full utilization.
	codeIs(t, env.engine.UpdateReserveConfig(reserveKey, env.owner, ReserveUpdateCurve, bad), CodeInvalidConfig)

	good, err := borsh.Serialize(rateCurveWire{Points: []struct {
		UtilizationBps uint32
		RateBps        uint32
	}{{0, 100}, {5_000, 400}, {10_000, 5_000}}})
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}
	if err := env.engine.UpdateReserveConfig(reserveKey, env.owner, ReserveUpdateCurve, good); err != nil {
		t.Fatalf("update curve: %v", err)
	}
	points := env.reserve(reserveKey).Config.Curve.Points
	if len(points) != 3 || points[1].UtilizationBps != 5_000 || points[1].RateBps != 400 {
		t.Fatalf("curve = %+v", points)
	}
}

func TestMarketUpdateRejectsMalformedValues(t *testing.T) {
	env := newTestEnv(t)

	cases := []struct {
		name  string
		mode  uint64
		value []byte
	}{
		{"bool wrong length", MarketUpdateEmergencyMode, []byte{1, 0}},
		{"bool out of range", MarketUpdateAutodeleverageEnabled, []byte{2}},
		{"referral fee above full", MarketUpdateReferralFeeBps, leU16Bytes(10_001)},
		{"council short", MarketUpdateRiskCouncil, make([]byte, 31)},
		{"pauses short", MarketUpdatePauses, make([]byte, 5)},
		{"unknown mode", 1_000, nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := env.engine.UpdateLendingMarket(env.marketKey, env.owner, tc.mode, tc.value)
			codeIs(t, err, CodeInvalidConfig)
		})
	}
}

func TestMarketPausesBlockSingleAction(t *testing.T) {
	env := newTestEnv(t)
	reserveKey, mint := env.addReserve("usdc", 6, "1.0", nil)
	user := crypto.RandomPubkey()
	liquidity := env.fund(user, mint, 2_000)
	claims := env.collateralAccount(user, reserveKey)

	// Pause only the supply flow.
	if err := env.engine.UpdateLendingMarket(env.marketKey, env.owner, MarketUpdatePauses, []byte{1, 0, 0, 0, 0, 0}); err != nil {
		t.Fatalf("pause: %v", err)
	}
	_, err := env.engine.DepositReserveLiquidity(reserveKey, user, liquidity, claims, 1_000)
	if !errors.Is(err, common.ErrActionPaused) {
		t.Fatalf("want ErrActionPaused, got %v", err)
	}

	// Unpause and the same deposit clears.
	if err := env.engine.UpdateLendingMarket(env.marketKey, env.owner, MarketUpdatePauses, make([]byte, 6)); err != nil {
		t.Fatalf("unpause: %v", err)
	}
	if _, err := env.engine.DepositReserveLiquidity(reserveKey, user, liquidity, claims, 1_000); err != nil {
		t.Fatalf("deposit: %v", err)
	}
}

func TestMarketUpdateInvalidatesObligationValuation(t *testing.T) {
	f := newBorrowFixture(t, nil, crypto.ZeroPubkey)
	env := f.env

	if _, err := env.engine.BorrowObligationLiquidity(f.usdcReserve, f.obKey, f.borrower, f.borrowerUsdc, 10_000_000); err != nil {
		t.Fatalf("borrow: %v", err)
	}
	f.refreshAll(t)

	// A market-level change lands in the same slot as the refresh above.
	// The cached allowance was computed under the old parameters, so it
	// may not be spent until the obligation is revalued.
	if err := env.engine.UpdateLendingMarket(env.marketKey, env.owner, MarketUpdateReferralFeeBps, leU16Bytes(1_000)); err != nil {
		t.Fatalf("update market: %v", err)
	}
	_, err := env.engine.BorrowObligationLiquidity(f.usdcReserve, f.obKey, f.borrower, f.borrowerUsdc, 1_000_000)
	codeIs(t, err, CodeObligationStale)

	f.refreshAll(t)
	if _, err := env.engine.BorrowObligationLiquidity(f.usdcReserve, f.obKey, f.borrower, f.borrowerUsdc, 1_000_000); err != nil {
		t.Fatalf("borrow after revaluation: %v", err)
	}
}

func TestMarketOwnershipHandover(t *testing.T) {
	env := newTestEnv(t)
	next := crypto.RandomPubkey()
	stranger := crypto.RandomPubkey()

	codeIs(t, env.engine.SetPendingMarketOwner(env.marketKey, stranger, next), CodeInvalidMarketAuthority)
	if err := env.engine.SetPendingMarketOwner(env.marketKey, env.owner, next); err != nil {
		t.Fatalf("stage: %v", err)
	}

	// Only the staged key may accept; the incumbent stays in charge until
	// then.
	codeIs(t, env.engine.AcceptMarketOwnership(env.marketKey, stranger), CodeInvalidMarketAuthority)
	if err := env.engine.AcceptMarketOwnership(env.marketKey, next); err != nil {
		t.Fatalf("accept: %v", err)
	}

	market := env.market()
	if market.Owner != next || !market.PendingOwner.IsZero() {
		t.Fatalf("handover incomplete: %+v", market)
	}

	// The old owner lost admin rights.
	codeIs(t, env.engine.UpdateLendingMarket(env.marketKey, env.owner, MarketUpdateEmergencyMode, []byte{1}), CodeInvalidMarketAuthority)
}
