package lending

import (
	"encoding/binary"
	"errors"
	"testing"

	"lendchain/crypto"
	"lendchain/fixedpoint"
	"lendchain/native/referral"
	"lendchain/token"
)

// mockState is the in-memory State used across the package tests. It also
// satisfies TxState so processor tests can run against it directly.
type mockState struct {
	markets     map[crypto.Pubkey]*LendingMarket
	reserves    map[crypto.Pubkey]*Reserve
	obligations map[crypto.Pubkey]*Obligation
	referrals   map[crypto.Pubkey]*referral.TokenState
	commits     int
}

func newMockState() *mockState {
	return &mockState{
		markets:     make(map[crypto.Pubkey]*LendingMarket),
		reserves:    make(map[crypto.Pubkey]*Reserve),
		obligations: make(map[crypto.Pubkey]*Obligation),
		referrals:   make(map[crypto.Pubkey]*referral.TokenState),
	}
}

func (m *mockState) LendingMarket(key crypto.Pubkey) (*LendingMarket, error) {
	return m.markets[key], nil
}

func (m *mockState) PutLendingMarket(market *LendingMarket) error {
	m.markets[market.Key] = market
	return nil
}

func (m *mockState) Reserve(key crypto.Pubkey) (*Reserve, error) {
	return m.reserves[key], nil
}

func (m *mockState) PutReserve(reserve *Reserve) error {
	m.reserves[reserve.Key] = reserve
	return nil
}

func (m *mockState) Obligation(key crypto.Pubkey) (*Obligation, error) {
	return m.obligations[key], nil
}

func (m *mockState) PutObligation(ob *Obligation) error {
	m.obligations[ob.Key] = ob
	return nil
}

func (m *mockState) ReferralTokenState(key crypto.Pubkey) (*referral.TokenState, error) {
	return m.referrals[key], nil
}

func (m *mockState) PutReferralTokenState(st *referral.TokenState) error {
	m.referrals[referral.Key(st.Referrer, st.Mint)] = st
	return nil
}

func (m *mockState) PendingReserves() []*Reserve {
	out := make([]*Reserve, 0, len(m.reserves))
	for _, r := range m.reserves {
		out = append(out, r)
	}
	return out
}

func (m *mockState) Commit() error {
	m.commits++
	return nil
}

// testEnv wires an engine over the mock state and an in-memory token
// ledger, with one market owned by env.owner.
type testEnv struct {
	t      *testing.T
	st     *mockState
	ledger *token.Ledger
	feeds  *FeedDirectory
	engine *Engine

	marketKey crypto.Pubkey
	owner     crypto.Pubkey

	priceFeeds map[crypto.Pubkey]*PushFeed

	slot uint64
	now  int64
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		t:          t,
		st:         newMockState(),
		ledger:     token.NewLedger(),
		feeds:      NewFeedDirectory(),
		priceFeeds: make(map[crypto.Pubkey]*PushFeed),
		slot:       1,
		now:        1_000,
	}
	env.engine = NewEngine(env.st, token.NewRegistry(env.ledger, env.ledger), env.feeds)
	env.engine.SetClock(env.slot, env.now)

	env.marketKey = crypto.RandomPubkey()
	env.owner = crypto.RandomPubkey()
	var quote [32]byte
	copy(quote[:], "USD")
	if _, err := env.engine.InitLendingMarket(env.marketKey, env.owner, quote); err != nil {
		t.Fatalf("init market: %v", err)
	}
	return env
}

func (env *testEnv) market() *LendingMarket {
	return env.st.markets[env.marketKey]
}

// addReserve creates a liquidity mint, a reserve for it and a working price
// feed, then refreshes the reserve so it is usable in the current slot.
func (env *testEnv) addReserve(name string, decimals uint8, price string, mod func(*ReserveConfig)) (crypto.Pubkey, crypto.Pubkey) {
	env.t.Helper()
	mint := crypto.RandomPubkey()
	mintAuthority := crypto.RandomPubkey()
	if err := env.ledger.CreateMint(mint, mintAuthority, decimals); err != nil {
		env.t.Fatalf("create mint: %v", err)
	}

	cfg := DefaultReserveConfig()
	cfg.LoanToValueBps = 7_500
	cfg.LiquidationThresholdBps = 8_000
	if mod != nil {
		mod(&cfg)
	}
	reserveKey := crypto.RandomPubkey()
	if _, err := env.engine.InitReserve(env.marketKey, reserveKey, env.owner, mint, cfg); err != nil {
		env.t.Fatalf("init reserve %s: %v", name, err)
	}

	feed := NewPushFeed(name)
	feed.Publish(env.dec(price), fixedpoint.Zero(), env.now)
	env.feeds.Register(mint, feed)
	env.priceFeeds[mint] = feed

	if _, err := env.engine.RefreshReserve(reserveKey); err != nil {
		env.t.Fatalf("refresh reserve %s: %v", name, err)
	}
	return reserveKey, mint
}

func (env *testEnv) dec(s string) fixedpoint.Dec {
	env.t.Helper()
	var d fixedpoint.Dec
	if err := d.UnmarshalText([]byte(s)); err != nil {
		env.t.Fatalf("parse decimal %q: %v", s, err)
	}
	return d
}

func (env *testEnv) reserve(key crypto.Pubkey) *Reserve {
	return env.st.reserves[key]
}

func (env *testEnv) obligation(key crypto.Pubkey) *Obligation {
	return env.st.obligations[key]
}

// setPrice republishes a mint's price at the current wall time.
func (env *testEnv) setPrice(mint crypto.Pubkey, price string) {
	env.priceFeeds[mint].Publish(env.dec(price), fixedpoint.Zero(), env.now)
}

// advance moves the clock forward and republishes every price so refreshes
// keep succeeding.
func (env *testEnv) advance(slots uint64) {
	env.slot += slots
	env.now += int64(slots)
	env.engine.SetClock(env.slot, env.now)
	for mint, feed := range env.priceFeeds {
		last, err := feed.Observe()
		if err != nil {
			continue
		}
		_ = mint
		feed.Publish(last.Price, last.Confidence, env.now)
	}
}

func (env *testEnv) refresh(reserves ...crypto.Pubkey) {
	env.t.Helper()
	for _, key := range reserves {
		if _, err := env.engine.RefreshReserve(key); err != nil {
			env.t.Fatalf("refresh: %v", err)
		}
	}
}

// ata derives a deterministic token-account key per user and mint.
func ata(user, mint crypto.Pubkey) crypto.Pubkey {
	return crypto.DeriveAddress([]byte("ata"), user[:], mint[:])
}

// fund opens a token account for user and credits it.
func (env *testEnv) fund(user, mint crypto.Pubkey, amount uint64) crypto.Pubkey {
	env.t.Helper()
	account := ata(user, mint)
	if err := env.ledger.CreateAccount(account, mint, user); err != nil && !errors.Is(err, token.ErrAlreadyExists) {
		env.t.Fatalf("create account: %v", err)
	}
	if amount > 0 {
		if err := env.ledger.SetBalance(account, amount); err != nil {
			env.t.Fatalf("fund: %v", err)
		}
	}
	return account
}

// collateralAccount opens a claim-token account for user on the reserve.
func (env *testEnv) collateralAccount(user crypto.Pubkey, reserveKey crypto.Pubkey) crypto.Pubkey {
	env.t.Helper()
	reserve := env.reserve(reserveKey)
	account := ata(user, reserve.Collateral.Mint)
	if err := env.ledger.CreateAccount(account, reserve.Collateral.Mint, user); err != nil {
		env.t.Fatalf("create collateral account: %v", err)
	}
	return account
}

func (env *testEnv) balance(account crypto.Pubkey) uint64 {
	env.t.Helper()
	bal, err := env.ledger.Balance(account)
	if err != nil {
		env.t.Fatalf("balance: %v", err)
	}
	return bal
}

func (env *testEnv) newObligation(owner crypto.Pubkey) crypto.Pubkey {
	env.t.Helper()
	key := crypto.RandomPubkey()
	if _, err := env.engine.InitObligation(env.marketKey, key, owner, 0, crypto.ZeroPubkey); err != nil {
		env.t.Fatalf("init obligation: %v", err)
	}
	return key
}

func leU16Bytes(v uint16) []byte {
	out := make([]byte, 2)
	binary.LittleEndian.PutUint16(out, v)
	return out
}

func leU64Bytes(v uint64) []byte {
	out := make([]byte, 8)
	binary.LittleEndian.PutUint64(out, v)
	return out
}

func codeIs(t *testing.T, err error, want ErrorCode) {
	t.Helper()
	if err == nil {
		t.Fatalf("want error code %d, got nil", want)
	}
	if got := CodeOf(err); got != want {
		t.Fatalf("want error code %d, got %d (%v)", want, got, err)
	}
}

func TestDepositMintsClaimsAtParRate(t *testing.T) {
	env := newTestEnv(t)
	reserveKey, mint := env.addReserve("usdc", 6, "1.0", nil)
	user := crypto.RandomPubkey()
	liquidity := env.fund(user, mint, 2_000_000)
	collateral := env.collateralAccount(user, reserveKey)

	claims, err := env.engine.DepositReserveLiquidity(reserveKey, user, liquidity, collateral, 1_000_000)
	if err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if claims != 1_000_000 {
		t.Fatalf("claims = %d, want 1_000_000", claims)
	}
	if got := env.balance(collateral); got != 1_000_000 {
		t.Fatalf("collateral balance = %d", got)
	}
	reserve := env.reserve(reserveKey)
	if reserve.Liquidity.Available != 1_000_000 {
		t.Fatalf("available = %d", reserve.Liquidity.Available)
	}
	if reserve.Collateral.TotalSupply != 1_000_000 {
		t.Fatalf("claim supply = %d", reserve.Collateral.TotalSupply)
	}
}

func TestRedeemRoundTripReturnsDeposit(t *testing.T) {
	env := newTestEnv(t)
	reserveKey, mint := env.addReserve("usdc", 6, "1.0", nil)
	user := crypto.RandomPubkey()
	liquidity := env.fund(user, mint, 1_000_000)
	collateral := env.collateralAccount(user, reserveKey)

	if _, err := env.engine.DepositReserveLiquidity(reserveKey, user, liquidity, collateral, 1_000_000); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	out, err := env.engine.RedeemReserveCollateral(reserveKey, user, collateral, liquidity, MaxClose)
	if err != nil {
		t.Fatalf("redeem: %v", err)
	}
	if out != 1_000_000 {
		t.Fatalf("redeemed = %d", out)
	}
	if got := env.balance(liquidity); got != 1_000_000 {
		t.Fatalf("liquidity back = %d", got)
	}
	reserve := env.reserve(reserveKey)
	if reserve.Liquidity.Available != 0 || reserve.Collateral.TotalSupply != 0 {
		t.Fatalf("reserve not emptied: available=%d supply=%d",
			reserve.Liquidity.Available, reserve.Collateral.TotalSupply)
	}
}

func TestDepositRejectsStaleReserve(t *testing.T) {
	env := newTestEnv(t)
	reserveKey, mint := env.addReserve("usdc", 6, "1.0", nil)
	user := crypto.RandomPubkey()
	liquidity := env.fund(user, mint, 500)
	collateral := env.collateralAccount(user, reserveKey)

	env.advance(1) // reserve now one slot behind
	_, err := env.engine.DepositReserveLiquidity(reserveKey, user, liquidity, collateral, 500)
	codeIs(t, err, CodeReserveStale)
}

func TestDepositLimitBoundsGrossLiquidity(t *testing.T) {
	env := newTestEnv(t)
	reserveKey, mint := env.addReserve("usdc", 6, "1.0", func(cfg *ReserveConfig) {
		cfg.DepositLimit = 1_000
	})
	user := crypto.RandomPubkey()
	liquidity := env.fund(user, mint, 2_000)
	collateral := env.collateralAccount(user, reserveKey)

	// Exactly at the limit passes, one over fails.
	if _, err := env.engine.DepositReserveLiquidity(reserveKey, user, liquidity, collateral, 1_000); err != nil {
		t.Fatalf("deposit at limit: %v", err)
	}
	_, err := env.engine.DepositReserveLiquidity(reserveKey, user, liquidity, collateral, 1)
	codeIs(t, err, CodeReserveDepositLimitExceeded)
}

func TestEmergencyModeBlocksDeposits(t *testing.T) {
	env := newTestEnv(t)
	reserveKey, mint := env.addReserve("usdc", 6, "1.0", nil)
	user := crypto.RandomPubkey()
	liquidity := env.fund(user, mint, 10_000)
	collateral := env.collateralAccount(user, reserveKey)
	if _, err := env.engine.DepositReserveLiquidity(reserveKey, user, liquidity, collateral, 5_000); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	if err := env.engine.UpdateLendingMarket(env.marketKey, env.owner, MarketUpdateEmergencyMode, []byte{1}); err != nil {
		t.Fatalf("set emergency: %v", err)
	}
	_, err := env.engine.DepositReserveLiquidity(reserveKey, user, liquidity, collateral, 1_000)
	codeIs(t, err, CodeEmergencyMode)
}

func TestRedeemAgainstBorrowedLiquidityFails(t *testing.T) {
	env := newTestEnv(t)
	reserveKey, mint := env.addReserve("usdc", 6, "1.0", nil)
	supplier := crypto.RandomPubkey()
	liquidity := env.fund(supplier, mint, 1_000)
	collateral := env.collateralAccount(supplier, reserveKey)
	if _, err := env.engine.DepositReserveLiquidity(reserveKey, supplier, liquidity, collateral, 1_000); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	// Simulate most liquidity being lent out.
	reserve := env.reserve(reserveKey)
	reserve.Liquidity.Available = 100
	reserve.Liquidity.Borrowed = fixedpoint.BigFromInt(900)

	_, err := env.engine.RedeemReserveCollateral(reserveKey, supplier, collateral, liquidity, 1_000)
	codeIs(t, err, CodeInsufficientLiquidity)
}

func TestObligationCollateralPledgeAndRelease(t *testing.T) {
	env := newTestEnv(t)
	reserveKey, mint := env.addReserve("usdc", 6, "1.0", nil)
	user := crypto.RandomPubkey()
	liquidity := env.fund(user, mint, 1_000_000)
	collateral := env.collateralAccount(user, reserveKey)
	if _, err := env.engine.DepositReserveLiquidity(reserveKey, user, liquidity, collateral, 1_000_000); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	obKey := env.newObligation(user)
	if err := env.engine.DepositObligationCollateral(reserveKey, obKey, user, collateral, 600_000); err != nil {
		t.Fatalf("pledge: %v", err)
	}
	if got := env.balance(collateral); got != 400_000 {
		t.Fatalf("user claims after pledge = %d", got)
	}
	ob := env.obligation(obKey)
	if pos := ob.Collateral(reserveKey); pos == nil || pos.DepositedAmount != 600_000 {
		t.Fatalf("obligation position missing or wrong: %+v", pos)
	}

	// Debt-free withdraw releases everything, even without revaluation.
	released, err := env.engine.WithdrawObligationCollateral(reserveKey, obKey, user, collateral, MaxClose)
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if released != 600_000 {
		t.Fatalf("released = %d", released)
	}
	if env.obligation(obKey).HasDeposits() {
		t.Fatal("obligation should be empty")
	}
}

func TestObligationPositionTableBounded(t *testing.T) {
	env := newTestEnv(t)
	user := crypto.RandomPubkey()
	obKey := env.newObligation(user)

	for i := 0; i < MaxObligationDeposits; i++ {
		reserveKey, mint := env.addReserve("asset", 6, "1.0", nil)
		liquidity := env.fund(user, mint, 1_000)
		collateral := env.collateralAccount(user, reserveKey)
		if _, err := env.engine.DepositReserveLiquidity(reserveKey, user, liquidity, collateral, 1_000); err != nil {
			t.Fatalf("deposit %d: %v", i, err)
		}
		if err := env.engine.DepositObligationCollateral(reserveKey, obKey, user, collateral, 1_000); err != nil {
			t.Fatalf("pledge %d: %v", i, err)
		}
	}

	reserveKey, mint := env.addReserve("overflow", 6, "1.0", nil)
	liquidity := env.fund(user, mint, 1_000)
	collateral := env.collateralAccount(user, reserveKey)
	if _, err := env.engine.DepositReserveLiquidity(reserveKey, user, liquidity, collateral, 1_000); err != nil {
		t.Fatalf("deposit overflow: %v", err)
	}
	err := env.engine.DepositObligationCollateral(reserveKey, obKey, user, collateral, 1_000)
	codeIs(t, err, CodeObligationDepositsLimit)
}

func TestIsolatedCollateralMustStandAlone(t *testing.T) {
	env := newTestEnv(t)
	user := crypto.RandomPubkey()
	obKey := env.newObligation(user)

	regularKey, regularMint := env.addReserve("regular", 6, "1.0", nil)
	isolatedKey, isolatedMint := env.addReserve("isolated", 6, "1.0", func(cfg *ReserveConfig) {
		cfg.AssetTier = TierIsolatedCollateral
	})

	liquidity := env.fund(user, regularMint, 1_000)
	collateral := env.collateralAccount(user, regularKey)
	if _, err := env.engine.DepositReserveLiquidity(regularKey, user, liquidity, collateral, 1_000); err != nil {
		t.Fatalf("deposit regular: %v", err)
	}
	if err := env.engine.DepositObligationCollateral(regularKey, obKey, user, collateral, 1_000); err != nil {
		t.Fatalf("pledge regular: %v", err)
	}

	isoLiquidity := env.fund(user, isolatedMint, 1_000)
	isoCollateral := env.collateralAccount(user, isolatedKey)
	if _, err := env.engine.DepositReserveLiquidity(isolatedKey, user, isoLiquidity, isoCollateral, 1_000); err != nil {
		t.Fatalf("deposit isolated: %v", err)
	}
	err := env.engine.DepositObligationCollateral(isolatedKey, obKey, user, isoCollateral, 1_000)
	codeIs(t, err, CodeIsolatedTierViolation)
}

func TestExchangeRateStartsAtOne(t *testing.T) {
	env := newTestEnv(t)
	reserveKey, _ := env.addReserve("usdc", 6, "1.0", nil)
	rate, err := env.reserve(reserveKey).ExchangeRate()
	if err != nil {
		t.Fatalf("rate: %v", err)
	}
	if rate.Cmp(fixedpoint.One()) != 0 {
		t.Fatalf("initial exchange rate = %s", rate)
	}
}

func TestRefreshKeepsLastPriceWhenOracleDies(t *testing.T) {
	env := newTestEnv(t)
	reserveKey, mint := env.addReserve("usdc", 6, "2.5", nil)

	// Let the feed go stale past the 60s bound.
	env.slot += 10
	env.now += 3_600
	env.engine.SetClock(env.slot, env.now)
	delete(env.priceFeeds, mint) // advance() must not republish

	reserve, err := env.engine.RefreshReserve(reserveKey)
	if err != nil {
		t.Fatalf("refresh with dead oracle: %v", err)
	}
	if !reserve.PriceStale {
		t.Fatal("reserve should be price-stale")
	}
	if reserve.Liquidity.MarketPrice.Cmp(env.dec("2.5")) != 0 {
		t.Fatalf("last price lost: %s", reserve.Liquidity.MarketPrice)
	}
	if errors.Is(reserve.RequirePriceFresh(env.slot), ErrReserveStale) != true {
		t.Fatal("price-stale reserve must fail the price-fresh gate")
	}
	if err := reserve.RequireFresh(env.slot); err != nil {
		t.Fatalf("accrual freshness should hold: %v", err)
	}
}

func TestRefreshTwiceInSlotIsIdempotent(t *testing.T) {
	f := newBorrowFixture(t, func(cfg *ReserveConfig) {
		cfg.Fees.OriginationFeeBps = 100
	}, crypto.ZeroPubkey)
	env := f.env

	if _, err := env.engine.BorrowObligationLiquidity(f.usdcReserve, f.obKey, f.borrower, f.borrowerUsdc, 10_000_000); err != nil {
		t.Fatalf("borrow: %v", err)
	}

	// A day of accrual gives the second refresh something to disturb.
	env.advance(86_400)
	f.refreshAll(t)
	reserve := env.reserve(f.usdcReserve).Clone()
	ob := env.obligation(f.obKey).Clone()

	f.refreshAll(t)

	after := env.reserve(f.usdcReserve)
	if after.Liquidity.CumulativeBorrowRate.Cmp(reserve.Liquidity.CumulativeBorrowRate) != 0 {
		t.Fatalf("index moved within a slot: %s -> %s",
			reserve.Liquidity.CumulativeBorrowRate, after.Liquidity.CumulativeBorrowRate)
	}
	if after.Liquidity.AccumulatedProtocolFees.Cmp(reserve.Liquidity.AccumulatedProtocolFees) != 0 {
		t.Fatalf("protocol fees moved within a slot: %s -> %s",
			reserve.Liquidity.AccumulatedProtocolFees, after.Liquidity.AccumulatedProtocolFees)
	}
	if after.Liquidity.Available != reserve.Liquidity.Available ||
		after.Liquidity.Borrowed.Cmp(reserve.Liquidity.Borrowed) != 0 {
		t.Fatalf("pool moved within a slot: available %d -> %d, borrowed %s -> %s",
			reserve.Liquidity.Available, after.Liquidity.Available,
			reserve.Liquidity.Borrowed, after.Liquidity.Borrowed)
	}

	obAfter := env.obligation(f.obKey)
	if obAfter.Borrows[0].BorrowedAmount.Cmp(ob.Borrows[0].BorrowedAmount) != 0 {
		t.Fatalf("debt moved within a slot: %s -> %s",
			ob.Borrows[0].BorrowedAmount, obAfter.Borrows[0].BorrowedAmount)
	}
	if obAfter.BorrowedValue.Cmp(ob.BorrowedValue) != 0 ||
		obAfter.AllowedBorrowValue.Cmp(ob.AllowedBorrowValue) != 0 ||
		obAfter.DepositedValue.Cmp(ob.DepositedValue) != 0 {
		t.Fatalf("aggregates moved within a slot: debt %s -> %s, allowed %s -> %s",
			ob.BorrowedValue, obAfter.BorrowedValue,
			ob.AllowedBorrowValue, obAfter.AllowedBorrowValue)
	}
}
