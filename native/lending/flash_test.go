package lending

import (
	"testing"

	"lendchain/crypto"
	"lendchain/fixedpoint"
)

func flashFixture(t *testing.T) (*testEnv, crypto.Pubkey, crypto.Pubkey) {
	t.Helper()
	env := newTestEnv(t)
	reserveKey, mint := env.addReserve("usdc", 6, "1.0", func(cfg *ReserveConfig) {
		cfg.Fees.FlashLoanFeeBps = 100 // 1%
	})
	supplier := crypto.RandomPubkey()
	liquidity := env.fund(supplier, mint, 1_000_000_000)
	claims := env.collateralAccount(supplier, reserveKey)
	if _, err := env.engine.DepositReserveLiquidity(reserveKey, supplier, liquidity, claims, 1_000_000_000); err != nil {
		t.Fatalf("supply: %v", err)
	}
	return env, reserveKey, mint
}

func TestFlashLoanRoundTripCollectsFee(t *testing.T) {
	env, reserveKey, mint := flashFixture(t)
	taker := crypto.RandomPubkey()
	// The taker needs the fee on top of the borrowed amount.
	account := env.fund(taker, mint, 1_000_000)

	fee, err := env.engine.FlashBorrowReserveLiquidity(reserveKey, account, crypto.ZeroPubkey, 100_000_000, 0)
	if err != nil {
		t.Fatalf("flash borrow: %v", err)
	}
	if fee != 1_000_000 {
		t.Fatalf("fee = %d, want 1_000_000", fee)
	}
	reserve := env.reserve(reserveKey)
	if !reserve.FlashLoan.Pending {
		t.Fatal("pending marker not set")
	}
	if reserve.Liquidity.Available != 900_000_000 {
		t.Fatalf("available during loan = %d", reserve.Liquidity.Available)
	}
	if got := env.balance(account); got != 101_000_000 {
		t.Fatalf("taker balance = %d", got)
	}

	if err := env.engine.FlashRepayReserveLiquidity(reserveKey, taker, account, 100_000_000, 0); err != nil {
		t.Fatalf("flash repay: %v", err)
	}
	reserve = env.reserve(reserveKey)
	if reserve.FlashLoan.Pending {
		t.Fatal("pending marker not cleared")
	}
	if reserve.Liquidity.Available != 1_001_000_000 {
		t.Fatalf("available after repay = %d", reserve.Liquidity.Available)
	}
	if reserve.Liquidity.AccumulatedProtocolFees.Cmp(fixedpoint.BigFromInt(1_000_000)) != 0 {
		t.Fatalf("protocol fees = %s", reserve.Liquidity.AccumulatedProtocolFees)
	}
	if got := env.balance(account); got != 0 {
		t.Fatalf("taker kept %d", got)
	}

	// Fees are a protocol claim, not supplier yield: the rate holds at 1.
	rate, err := reserve.ExchangeRate()
	if err != nil {
		t.Fatalf("rate: %v", err)
	}
	if rate.Cmp(fixedpoint.One()) != 0 {
		t.Fatalf("exchange rate moved: %s", rate)
	}
}

func TestFlashRepayMustMatchBorrow(t *testing.T) {
	env, reserveKey, mint := flashFixture(t)
	taker := crypto.RandomPubkey()
	account := env.fund(taker, mint, 10_000_000)

	if _, err := env.engine.FlashBorrowReserveLiquidity(reserveKey, account, crypto.ZeroPubkey, 50_000_000, 3); err != nil {
		t.Fatalf("flash borrow: %v", err)
	}

	// Wrong amount, then wrong instruction index.
	err := env.engine.FlashRepayReserveLiquidity(reserveKey, taker, account, 49_000_000, 3)
	codeIs(t, err, CodeInvalidAccountInput)
	err = env.engine.FlashRepayReserveLiquidity(reserveKey, taker, account, 50_000_000, 4)
	codeIs(t, err, CodeInvalidAccountInput)

	if err := env.engine.FlashRepayReserveLiquidity(reserveKey, taker, account, 50_000_000, 3); err != nil {
		t.Fatalf("matching repay: %v", err)
	}
}

func TestFlashRepayWithoutBorrow(t *testing.T) {
	env, reserveKey, mint := flashFixture(t)
	taker := crypto.RandomPubkey()
	account := env.fund(taker, mint, 10_000_000)

	err := env.engine.FlashRepayReserveLiquidity(reserveKey, taker, account, 10_000_000, 0)
	codeIs(t, err, CodeFlashLoanNotRepaid)
}

func TestSecondFlashBorrowBlockedWhilePending(t *testing.T) {
	env, reserveKey, mint := flashFixture(t)
	taker := crypto.RandomPubkey()
	account := env.fund(taker, mint, 0)

	if _, err := env.engine.FlashBorrowReserveLiquidity(reserveKey, account, crypto.ZeroPubkey, 10_000_000, 0); err != nil {
		t.Fatalf("flash borrow: %v", err)
	}
	_, err := env.engine.FlashBorrowReserveLiquidity(reserveKey, account, crypto.ZeroPubkey, 10_000_000, 1)
	codeIs(t, err, CodeFlashLoanAlreadyInProgress)
}

func TestFlashBorrowBoundedByVault(t *testing.T) {
	env, reserveKey, mint := flashFixture(t)
	taker := crypto.RandomPubkey()
	account := env.fund(taker, mint, 0)

	_, err := env.engine.FlashBorrowReserveLiquidity(reserveKey, account, crypto.ZeroPubkey, 1_000_000_001, 0)
	codeIs(t, err, CodeInsufficientLiquidity)
}

func TestFlashLoanReferrerShare(t *testing.T) {
	env, reserveKey, mint := flashFixture(t)
	if err := env.engine.UpdateLendingMarket(env.marketKey, env.owner, MarketUpdateReferralFeeBps, leU16Bytes(5_000)); err != nil {
		t.Fatalf("set referral fee: %v", err)
	}

	referrer := crypto.RandomPubkey()
	taker := crypto.RandomPubkey()
	account := env.fund(taker, mint, 1_000_000)

	if _, err := env.engine.FlashBorrowReserveLiquidity(reserveKey, account, referrer, 100_000_000, 0); err != nil {
		t.Fatalf("flash borrow: %v", err)
	}
	if err := env.engine.FlashRepayReserveLiquidity(reserveKey, taker, account, 100_000_000, 0); err != nil {
		t.Fatalf("flash repay: %v", err)
	}

	reserve := env.reserve(reserveKey)
	// 1_000_000 fee split evenly with the referrer.
	if reserve.Liquidity.AccumulatedReferrerFees.Cmp(fixedpoint.BigFromInt(500_000)) != 0 {
		t.Fatalf("referrer accumulator = %s", reserve.Liquidity.AccumulatedReferrerFees)
	}
	if reserve.Liquidity.AccumulatedProtocolFees.Cmp(fixedpoint.BigFromInt(500_000)) != 0 {
		t.Fatalf("protocol accumulator = %s", reserve.Liquidity.AccumulatedProtocolFees)
	}

	dest := env.fund(referrer, mint, 0)
	claimed, err := env.engine.WithdrawReferrerFees(reserveKey, referrer, dest, MaxClose)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claimed != 500_000 {
		t.Fatalf("claimed = %d", claimed)
	}
}
