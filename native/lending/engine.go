package lending

import (
	"io"
	"log/slog"
	"math"

	"lendchain/core/events"
	"lendchain/crypto"
	"lendchain/farms"
	"lendchain/fixedpoint"
	"lendchain/native/referral"
	"lendchain/token"
)

// State is the persistence surface the engine runs against. Lookups return
// (nil, nil) for missing records; Put replaces whole records.
type State interface {
	LendingMarket(key crypto.Pubkey) (*LendingMarket, error)
	PutLendingMarket(market *LendingMarket) error
	Reserve(key crypto.Pubkey) (*Reserve, error)
	PutReserve(reserve *Reserve) error
	Obligation(key crypto.Pubkey) (*Obligation, error)
	PutObligation(obligation *Obligation) error
	ReferralTokenState(key crypto.Pubkey) (*referral.TokenState, error)
	PutReferralTokenState(state *referral.TokenState) error
}

// OracleDirectory resolves the price adapters registered for a liquidity
// mint.
type OracleDirectory interface {
	AdaptersFor(mint crypto.Pubkey) []OracleAdapter
}

// FeedDirectory is a static OracleDirectory backed by a map.
type FeedDirectory struct {
	feeds map[crypto.Pubkey][]OracleAdapter
}

// NewFeedDirectory returns an empty directory.
func NewFeedDirectory() *FeedDirectory {
	return &FeedDirectory{feeds: make(map[crypto.Pubkey][]OracleAdapter)}
}

// Register appends adapters for a mint. Aggregation considers at most three.
func (d *FeedDirectory) Register(mint crypto.Pubkey, adapters ...OracleAdapter) {
	d.feeds[mint] = append(d.feeds[mint], adapters...)
}

// AdaptersFor implements OracleDirectory.
func (d *FeedDirectory) AdaptersFor(mint crypto.Pubkey) []OracleAdapter {
	return d.feeds[mint]
}

// MaxClose requests the full position size in withdraw, repay and redeem
// flows.
const MaxClose = math.MaxUint64

// Engine executes lending operations against a State. It is not safe for
// concurrent use; the host serializes transactions.
type Engine struct {
	state   State
	tokens  *token.Registry
	oracles OracleDirectory

	emitter events.Emitter
	farms   farms.Farm
	logger  *slog.Logger

	slot uint64
	now  int64
}

// NewEngine wires the engine to its state, token programs and oracles.
// Emitter, farms and logger default to no-ops.
func NewEngine(state State, tokens *token.Registry, oracles OracleDirectory) *Engine {
	return &Engine{
		state:   state,
		tokens:  tokens,
		oracles: oracles,
		emitter: events.NoopEmitter{},
		farms:   farms.Noop{},
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

// SetEmitter replaces the event sink.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter != nil {
		e.emitter = emitter
	}
}

// SetFarms binds an incentive-farm integration.
func (e *Engine) SetFarms(f farms.Farm) {
	if f != nil {
		e.farms = f
	}
}

// SetLogger replaces the structured logger.
func (e *Engine) SetLogger(logger *slog.Logger) {
	if logger != nil {
		e.logger = logger
	}
}

// SetClock positions the engine at the host's current slot and wall time.
// The host calls it once per transaction, before any instruction.
func (e *Engine) SetClock(slot uint64, unixTime int64) {
	e.slot = slot
	e.now = unixTime
}

// Slot returns the engine's current slot.
func (e *Engine) Slot() uint64 { return e.slot }

func (e *Engine) emit(ev events.Event) { e.emitter.Emit(ev) }

func (e *Engine) market(key crypto.Pubkey) (*LendingMarket, error) {
	m, err := e.state.LendingMarket(key)
	if err != nil {
		return nil, err
	}
	if m == nil {
		return nil, ErrInvalidAccountInput
	}
	return m, nil
}

func (e *Engine) loadReserve(key crypto.Pubkey) (*Reserve, error) {
	r, err := e.state.Reserve(key)
	if err != nil {
		return nil, err
	}
	if r == nil {
		return nil, ErrInvalidAccountInput
	}
	return r, nil
}

func (e *Engine) loadObligation(key crypto.Pubkey) (*Obligation, error) {
	o, err := e.state.Obligation(key)
	if err != nil {
		return nil, err
	}
	if o == nil {
		return nil, ErrInvalidAccountInput
	}
	return o, nil
}

// marketReserve loads a reserve and checks it belongs to the given market.
func (e *Engine) marketReserve(market *LendingMarket, key crypto.Pubkey) (*Reserve, error) {
	r, err := e.loadReserve(key)
	if err != nil {
		return nil, err
	}
	if r.Market != market.Key {
		return nil, ErrInvalidAccountInput
	}
	return r, nil
}

func (e *Engine) program(r *Reserve) (token.Program, error) {
	p, err := e.tokens.Get(r.Config.TokenProgram)
	if err != nil {
		return nil, ErrInvalidAccountInput
	}
	return p, nil
}

// liquidityValue prices a raw liquidity amount in quote currency.
func liquidityValue(r *Reserve, amount uint64) (fixedpoint.Dec, error) {
	units, err := fixedpoint.FromScaled(amount, r.Liquidity.MintDecimals)
	if err != nil {
		return fixedpoint.Dec{}, mathErr(err)
	}
	value, err := units.Mul(r.Liquidity.MarketPrice)
	if err != nil {
		return fixedpoint.Dec{}, mathErr(err)
	}
	return value, nil
}

// collateralValue prices pledged claim tokens through the exchange rate.
func collateralValue(r *Reserve, claims uint64) (fixedpoint.Dec, error) {
	liquidity, err := r.LiquidityFromCollateral(claims)
	if err != nil {
		return fixedpoint.Dec{}, err
	}
	return liquidityValue(r, liquidity)
}

// claimUnitValue prices a single claim token without flooring the exchange
// rate to whole liquidity units first. Callers converting a quote-currency
// amount into a claim count divide by this and floor the result once.
func claimUnitValue(r *Reserve) (fixedpoint.Dec, error) {
	rate, err := r.ExchangeRate()
	if err != nil {
		return fixedpoint.Dec{}, err
	}
	unit, err := fixedpoint.FromScaled(1, r.Liquidity.MintDecimals)
	if err != nil {
		return fixedpoint.Dec{}, mathErr(err)
	}
	value, err := rate.Mul(unit)
	if err != nil {
		return fixedpoint.Dec{}, mathErr(err)
	}
	if value, err = value.Mul(r.Liquidity.MarketPrice); err != nil {
		return fixedpoint.Dec{}, mathErr(err)
	}
	return value, nil
}

// InitLendingMarket creates a market governed by owner. The quote currency
// is a label; all prices must already be quoted in it.
func (e *Engine) InitLendingMarket(key, owner crypto.Pubkey, quoteCurrency [32]byte) (*LendingMarket, error) {
	existing, err := e.state.LendingMarket(key)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, ErrInvalidAccountInput
	}
	market := NewLendingMarket(key, owner, quoteCurrency)
	if err := e.state.PutLendingMarket(market); err != nil {
		return nil, err
	}
	e.logger.Info("lending market initialised", "market", key.String(), "owner", owner.String())
	return market, nil
}

// InitReserve adds a reserve for liquidityMint to the market. Only the
// market owner may call it. The claim mint and both vaults are created
// under the market authority.
func (e *Engine) InitReserve(marketKey, reserveKey, signer, liquidityMint crypto.Pubkey, cfg ReserveConfig) (*Reserve, error) {
	market, err := e.market(marketKey)
	if err != nil {
		return nil, err
	}
	if market.Owner != signer {
		return nil, ErrInvalidMarketAuthority
	}
	existing, err := e.state.Reserve(reserveKey)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, ErrInvalidAccountInput
	}

	program, err := e.tokens.Get(cfg.TokenProgram)
	if err != nil {
		return nil, ErrInvalidConfig
	}
	decimals, err := program.MintDecimals(liquidityMint)
	if err != nil {
		return nil, ErrInvalidAccountInput
	}
	reserve, err := NewReserve(reserveKey, market, liquidityMint, decimals, cfg)
	if err != nil {
		return nil, err
	}

	authority := market.Authority()
	if err := program.CreateMint(reserve.Collateral.Mint, authority, decimals); err != nil {
		return nil, ErrInvalidAccountInput
	}
	if err := program.CreateAccount(reserve.Liquidity.SupplyVault, liquidityMint, authority); err != nil {
		return nil, ErrInvalidAccountInput
	}
	if err := program.CreateAccount(reserve.Collateral.SupplyVault, reserve.Collateral.Mint, authority); err != nil {
		return nil, ErrInvalidAccountInput
	}

	if err := e.state.PutReserve(reserve); err != nil {
		return nil, err
	}
	e.logger.Info("reserve initialised",
		"market", marketKey.String(), "reserve", reserveKey.String(), "mint", liquidityMint.String())
	return reserve, nil
}

// InitObligation opens an empty cross-margin account under the market.
func (e *Engine) InitObligation(marketKey, obligationKey, owner crypto.Pubkey, tag uint64, referrer crypto.Pubkey) (*Obligation, error) {
	if _, err := e.market(marketKey); err != nil {
		return nil, err
	}
	existing, err := e.state.Obligation(obligationKey)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, ErrInvalidAccountInput
	}
	ob := NewObligation(obligationKey, marketKey, owner, tag)
	ob.Referrer = referrer
	if err := e.state.PutObligation(ob); err != nil {
		return nil, err
	}
	return ob, nil
}

// RefreshReserve accrues interest and re-reads the oracle. Accrual never
// fails for oracle reasons: when every feed is rejected the reserve keeps
// its last price and is marked price-stale, blocking value-dependent flows
// until a later refresh succeeds. A reserve that has never priced cannot be
// marked stale and the refresh fails outright.
func (e *Engine) RefreshReserve(reserveKey crypto.Pubkey) (*Reserve, error) {
	reserve, err := e.loadReserve(reserveKey)
	if err != nil {
		return nil, err
	}
	market, err := e.market(reserve.Market)
	if err != nil {
		return nil, err
	}

	if err := reserve.Accrue(e.slot, market.ReferralFeeBps); err != nil {
		return nil, err
	}

	adapters := e.oracles.AdaptersFor(reserve.Liquidity.Mint)
	price, publishedAt, oracleErr := AggregatePrice(reserve.Config.Oracle, e.now, adapters...)
	switch {
	case oracleErr == nil:
		reserve.Liquidity.MarketPrice = price
		reserve.Liquidity.PriceLastUpdated = publishedAt
		reserve.PriceStale = false
	case reserve.Liquidity.PriceLastUpdated == 0:
		return nil, oracleErr
	default:
		reserve.PriceStale = true
		e.logger.Warn("reserve price refresh failed, keeping last price",
			"reserve", reserveKey.String(), "err", oracleErr)
	}

	reserve.LastUpdateSlot = e.slot
	reserve.Stale = false
	if err := e.state.PutReserve(reserve); err != nil {
		return nil, err
	}
	e.emit(&events.ReserveRefreshed{
		Reserve:         reserveKey,
		Slot:            e.slot,
		CumulativeIndex: reserve.Liquidity.CumulativeBorrowRate.String(),
		MarketPrice:     reserve.Liquidity.MarketPrice.String(),
		PriceStale:      reserve.PriceStale,
	})
	return reserve, nil
}

// RefreshObligation rolls every borrow position forward to its reserve's
// index and recomputes the value aggregates. All referenced reserves must
// be refreshed this slot; their prices must additionally be fresh whenever
// the obligation carries debt.
func (e *Engine) RefreshObligation(obligationKey crypto.Pubkey) (*Obligation, error) {
	ob, err := e.loadObligation(obligationKey)
	if err != nil {
		return nil, err
	}
	market, err := e.market(ob.Market)
	if err != nil {
		return nil, err
	}
	if err := e.refreshObligation(market, ob); err != nil {
		return nil, err
	}
	if err := e.state.PutObligation(ob); err != nil {
		return nil, err
	}
	return ob, nil
}

// refreshObligation recomputes the aggregates in place without persisting.
func (e *Engine) refreshObligation(market *LendingMarket, ob *Obligation) error {
	requirePrices := ob.HasDebt()
	group := market.ElevationGroupByID(ob.ElevationGroup)
	if ob.ElevationGroup != 0 && group == nil {
		return ErrElevationGroupViolation
	}

	depositedValue := fixedpoint.Zero()
	allowedBorrowValue := fixedpoint.Zero()
	unhealthyBorrowValue := fixedpoint.Zero()
	for i := range ob.Deposits {
		pos := &ob.Deposits[i]
		reserve, err := e.marketReserve(market, pos.DepositReserve)
		if err != nil {
			return err
		}
		if requirePrices {
			if err := reserve.RequirePriceFresh(e.slot); err != nil {
				return err
			}
		} else if err := reserve.RequireFresh(e.slot); err != nil {
			return err
		}

		value, err := collateralValue(reserve, pos.DepositedAmount)
		if err != nil {
			return err
		}
		pos.MarketValue = value

		ltvBps := uint64(reserve.Config.LoanToValueBps)
		thresholdBps := uint64(reserve.Config.LiquidationThresholdBps)
		if group != nil {
			ltvBps = uint64(group.LtvBps)
			thresholdBps = uint64(group.LiquidationThresholdBps)
		}
		if depositedValue, err = depositedValue.Add(value); err != nil {
			return mathErr(err)
		}
		ltvPart, err := value.Mul(fixedpoint.FromBps(ltvBps))
		if err != nil {
			return mathErr(err)
		}
		if allowedBorrowValue, err = allowedBorrowValue.Add(ltvPart); err != nil {
			return mathErr(err)
		}
		thresholdPart, err := value.Mul(fixedpoint.FromBps(thresholdBps))
		if err != nil {
			return mathErr(err)
		}
		if unhealthyBorrowValue, err = unhealthyBorrowValue.Add(thresholdPart); err != nil {
			return mathErr(err)
		}
	}

	borrowedValue := fixedpoint.Zero()
	adjustedDebtValue := fixedpoint.Zero()
	for i := range ob.Borrows {
		pos := &ob.Borrows[i]
		reserve, err := e.marketReserve(market, pos.BorrowReserve)
		if err != nil {
			return err
		}
		if err := reserve.RequirePriceFresh(e.slot); err != nil {
			return err
		}
		if err := pos.AccrueInterest(reserve.Liquidity.CumulativeBorrowRate); err != nil {
			return err
		}

		owed, err := pos.BorrowedAmount.Ceil()
		if err != nil {
			return mathErr(err)
		}
		value, err := liquidityValue(reserve, owed)
		if err != nil {
			return err
		}
		pos.MarketValue = value

		adjusted := value
		if group == nil && reserve.Config.BorrowFactorBps > FullBps {
			if adjusted, err = value.Mul(fixedpoint.FromBps(uint64(reserve.Config.BorrowFactorBps))); err != nil {
				return mathErr(err)
			}
		}
		pos.AdjustedMarketValue = adjusted

		if borrowedValue, err = borrowedValue.Add(value); err != nil {
			return mathErr(err)
		}
		if adjustedDebtValue, err = adjustedDebtValue.Add(adjusted); err != nil {
			return mathErr(err)
		}
	}

	ob.DepositedValue = depositedValue
	ob.BorrowedValue = borrowedValue
	ob.AdjustedDebtValue = adjustedDebtValue
	ob.AllowedBorrowValue = allowedBorrowValue
	ob.UnhealthyBorrowValue = unhealthyBorrowValue
	ob.LastUpdateSlot = e.slot
	ob.MarketEpoch = market.ConfigEpoch
	ob.Stale = false
	return nil
}

// tierOf resolves a reserve's asset tier for obligation isolation checks.
func (e *Engine) tierOf(reserveKey crypto.Pubkey) (AssetTier, error) {
	reserve, err := e.loadReserve(reserveKey)
	if err != nil {
		return TierRegular, err
	}
	return reserve.Config.AssetTier, nil
}

// creditReferrer books a referrer's fee share, falling back to the protocol
// accumulator when the obligation has no referrer bound.
func (e *Engine) creditReferrer(reserve *Reserve, referrer crypto.Pubkey, amount uint64) (uint64, error) {
	if amount == 0 || referrer.IsZero() {
		return 0, nil
	}
	key := referral.Key(referrer, reserve.Liquidity.Mint)
	state, err := e.state.ReferralTokenState(key)
	if err != nil {
		return 0, err
	}
	if state == nil {
		state = &referral.TokenState{Referrer: referrer, Mint: reserve.Liquidity.Mint}
	}
	state.Accrue(amount)
	if err := e.state.PutReferralTokenState(state); err != nil {
		return 0, err
	}
	return amount, nil
}
