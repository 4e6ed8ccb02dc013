package lending

import (
	"lendchain/crypto"
	"lendchain/fixedpoint"
	"lendchain/token"
)

// ReserveStatus gates which flows a reserve accepts.
type ReserveStatus uint8

const (
	// StatusActive accepts every flow.
	StatusActive ReserveStatus = iota
	// StatusObsolete accepts only outflows (withdraw, repay, liquidate).
	StatusObsolete
	// StatusHidden rejects everything; existing positions can only be
	// liquidated.
	StatusHidden
)

// AssetTier constrains how a reserve may appear inside obligations.
type AssetTier uint8

const (
	// TierRegular assets mix freely.
	TierRegular AssetTier = iota
	// TierIsolatedCollateral assets must be the only collateral when pledged.
	TierIsolatedCollateral
	// TierIsolatedDebt assets must be the only borrow when drawn.
	TierIsolatedDebt
)

// ReserveFees groups the fee rates charged on reserve outflows, in bps.
type ReserveFees struct {
	OriginationFeeBps uint16 `json:"originationFeeBps"`
	FlashLoanFeeBps   uint16 `json:"flashLoanFeeBps"`
	// HostFeeBps is the host's share of each origination fee, carved out of
	// the protocol portion.
	HostFeeBps uint16 `json:"hostFeeBps"`
}

// ReserveConfig is the governance-owned parameter block of a reserve. Only
// mode-tagged updates signed by the market owner mutate it.
type ReserveConfig struct {
	Status    ReserveStatus `json:"status"`
	AssetTier AssetTier     `json:"assetTier"`

	LoanToValueBps          uint16 `json:"loanToValueBps"`
	LiquidationThresholdBps uint16 `json:"liquidationThresholdBps"`
	MinLiquidationBonusBps  uint16 `json:"minLiquidationBonusBps"`
	MaxLiquidationBonusBps  uint16 `json:"maxLiquidationBonusBps"`
	// BorrowFactorBps inflates this reserve's debt value in cross-margin
	// health math (10_000 = neutral). Ignored inside elevation groups.
	BorrowFactorBps uint16 `json:"borrowFactorBps"`

	DepositLimit uint64 `json:"depositLimit"`
	BorrowLimit  uint64 `json:"borrowLimit"`
	// BorrowLimitPerSlot throttles borrow outflow inside a single slot.
	// Zero disables the throttle.
	BorrowLimitPerSlot uint64 `json:"borrowLimitPerSlot"`
	// BorrowLimitPerElevationGroup caps the debt drawn against this reserve
	// by obligations inside any single elevation group. Zero disables.
	BorrowLimitPerElevationGroup uint64 `json:"borrowLimitPerElevationGroup"`
	UtilizationCapBps            uint16 `json:"utilizationCapBps"`

	ProtocolTakeRateBps uint16 `json:"protocolTakeRateBps"`

	Fees  ReserveFees `json:"fees"`
	Curve RateCurve   `json:"curve"`

	Oracle OracleConfig `json:"oracle"`

	// ElevationGroups lists the group IDs this reserve is eligible
	// collateral for.
	ElevationGroups []uint8 `json:"elevationGroups"`

	// DeleverageMarginCallSlots is the ramp length after a deleveraging
	// mark before the bonus reaches its ceiling; DeleverageBonusPerSlotBps
	// is the ramp's slope.
	DeleverageMarginCallSlots uint64 `json:"deleverageMarginCallSlots"`
	DeleverageBonusPerSlotBps uint16 `json:"deleverageBonusPerSlotBps"`

	TokenProgram token.ProgramKind `json:"tokenProgram"`

	// Optional farm bindings; zero keys mean unbound.
	CollateralFarm crypto.Pubkey `json:"collateralFarm"`
	DebtFarm       crypto.Pubkey `json:"debtFarm"`
}

// Validate rejects inconsistent parameter blocks. Admin updates may skip it
// only when explicitly requested.
func (c ReserveConfig) Validate() error {
	if c.LoanToValueBps > c.LiquidationThresholdBps || c.LiquidationThresholdBps > FullBps {
		return ErrInvalidConfig
	}
	if c.MinLiquidationBonusBps > c.MaxLiquidationBonusBps {
		return ErrInvalidConfig
	}
	if c.BorrowFactorBps != 0 && c.BorrowFactorBps < FullBps {
		return ErrInvalidConfig
	}
	if c.UtilizationCapBps > FullBps {
		return ErrInvalidConfig
	}
	if c.ProtocolTakeRateBps > FullBps || c.Fees.HostFeeBps > FullBps {
		return ErrInvalidConfig
	}
	if !c.TokenProgram.Valid() {
		return ErrInvalidConfig
	}
	if err := c.Curve.Validate(); err != nil {
		return err
	}
	return c.Oracle.Validate()
}

// DefaultReserveConfig is the conservative starting point a fresh reserve
// is initialised with: nothing may be borrowed against it until governance
// raises the loan-to-value, but deposits work immediately.
func DefaultReserveConfig() ReserveConfig {
	return ReserveConfig{
		Status:                  StatusActive,
		AssetTier:               TierRegular,
		LoanToValueBps:          0,
		LiquidationThresholdBps: 0,
		MinLiquidationBonusBps:  200,
		MaxLiquidationBonusBps:  1_000,
		BorrowFactorBps:         FullBps,
		ProtocolTakeRateBps:     1_000,
		Curve:                   DefaultRateCurve(),
		Oracle: OracleConfig{
			MaxAgeSeconds:    60,
			MaxConfidenceBps: 200,
			MaxDeviationBps:  300,
		},
		DeleverageMarginCallSlots: 14_400,
		DeleverageBonusPerSlotBps: 1,
		TokenProgram:              token.KindClassic,
	}
}

// ReserveLiquidity is the liquidity-side state of a reserve.
type ReserveLiquidity struct {
	Mint         crypto.Pubkey `json:"mint"`
	MintDecimals uint8         `json:"mintDecimals"`
	SupplyVault  crypto.Pubkey `json:"supplyVault"`

	Available uint64            `json:"available"`
	Borrowed  fixedpoint.BigDec `json:"borrowed"`
	// CumulativeBorrowRate only ever grows; borrow positions snapshot it to
	// measure their own accrual.
	CumulativeBorrowRate fixedpoint.BigDec `json:"cumulativeBorrowRate"`

	AccumulatedProtocolFees fixedpoint.BigDec `json:"accumulatedProtocolFees"`
	AccumulatedReferrerFees fixedpoint.BigDec `json:"accumulatedReferrerFees"`

	MarketPrice      fixedpoint.Dec `json:"marketPrice"`
	PriceLastUpdated int64          `json:"priceLastUpdated"`
}

// ReserveCollateral is the claim-token side of a reserve.
type ReserveCollateral struct {
	Mint        crypto.Pubkey `json:"mint"`
	TotalSupply uint64        `json:"totalSupply"`
	// SupplyVault holds claim tokens pledged into obligations.
	SupplyVault crypto.Pubkey `json:"supplyVault"`
}

// FlashLoanState is the in-progress marker forcing flash borrow/repay pairs
// into one transaction.
type FlashLoanState struct {
	Pending                bool          `json:"pending"`
	Amount                 uint64        `json:"amount"`
	Fee                    uint64        `json:"fee"`
	ReferrerFee            uint64        `json:"referrerFee"`
	Referrer               crypto.Pubkey `json:"referrer"`
	BorrowInstructionIndex uint8         `json:"borrowInstructionIndex"`
}

// Reserve is the per-asset liquidity pool.
type Reserve struct {
	Key    crypto.Pubkey `json:"key"`
	Market crypto.Pubkey `json:"market"`

	Liquidity  ReserveLiquidity  `json:"liquidity"`
	Collateral ReserveCollateral `json:"collateral"`
	Config     ReserveConfig     `json:"config"`

	LastUpdateSlot uint64 `json:"lastUpdateSlot"`
	Stale          bool   `json:"stale"`
	// PriceStale is raised when accrual succeeded but the oracle refresh
	// failed; value-dependent flows reject the reserve until it clears.
	PriceStale bool `json:"priceStale"`

	FlashLoan FlashLoanState `json:"flashLoan"`

	// BorrowedThisSlot backs the per-slot borrow throttle.
	BorrowSlot       uint64 `json:"borrowSlot"`
	BorrowedThisSlot uint64 `json:"borrowedThisSlot"`

	// GroupDebt tracks outstanding borrow principal attributed to each
	// elevation group for the group-scoped borrow cap.
	GroupDebt map[uint8]uint64 `json:"groupDebt,omitempty"`
}

// NewReserve initialises a reserve for the given market and liquidity mint.
func NewReserve(key crypto.Pubkey, market *LendingMarket, liquidityMint crypto.Pubkey, decimals uint8, cfg ReserveConfig) (*Reserve, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	r := &Reserve{
		Key:    key,
		Market: market.Key,
		Config: cfg,
		Liquidity: ReserveLiquidity{
			Mint:                 liquidityMint,
			MintDecimals:         decimals,
			SupplyVault:          crypto.DeriveAddress([]byte("liquidity-vault"), key[:]),
			CumulativeBorrowRate: fixedpoint.BigOne(),
		},
		Collateral: ReserveCollateral{
			Mint:        crypto.DeriveAddress([]byte("collateral-mint"), key[:]),
			SupplyVault: crypto.DeriveAddress([]byte("collateral-vault"), key[:]),
		},
		Stale: true,
	}
	return r, nil
}

// GrossLiquidity is the depositor-owned liquidity: available plus borrowed
// minus the protocol's and referrers' carved-out fee claims.
func (r *Reserve) GrossLiquidity() (fixedpoint.BigDec, error) {
	gross, err := fixedpoint.BigFromInt(r.Liquidity.Available).Add(r.Liquidity.Borrowed)
	if err != nil {
		return fixedpoint.BigDec{}, mathErr(err)
	}
	gross = gross.SubSat(r.Liquidity.AccumulatedProtocolFees)
	gross = gross.SubSat(r.Liquidity.AccumulatedReferrerFees)
	return gross, nil
}

// ExchangeRate returns the liquidity per claim token. A fresh or emptied
// reserve holds the initial 1:1 rate.
func (r *Reserve) ExchangeRate() (fixedpoint.Dec, error) {
	if r.Collateral.TotalSupply == 0 {
		return fixedpoint.One(), nil
	}
	gross, err := r.GrossLiquidity()
	if err != nil {
		return fixedpoint.Dec{}, err
	}
	if gross.IsZero() {
		return fixedpoint.One(), nil
	}
	rate, err := gross.DivInt(r.Collateral.TotalSupply)
	if err != nil {
		return fixedpoint.Dec{}, mathErr(err)
	}
	out, err := rate.ToDec()
	if err != nil {
		return fixedpoint.Dec{}, mathErr(err)
	}
	return out, nil
}

// Utilization returns borrowed / gross in [0, 1].
func (r *Reserve) Utilization() (fixedpoint.Dec, error) {
	if r.Liquidity.Borrowed.IsZero() {
		return fixedpoint.Zero(), nil
	}
	gross, err := fixedpoint.BigFromInt(r.Liquidity.Available).Add(r.Liquidity.Borrowed)
	if err != nil {
		return fixedpoint.Dec{}, mathErr(err)
	}
	util, err := r.Liquidity.Borrowed.Div(gross)
	if err != nil {
		return fixedpoint.Dec{}, mathErr(err)
	}
	out, err := util.ToDec()
	if err != nil {
		return fixedpoint.Dec{}, mathErr(err)
	}
	return out, nil
}

// Accrue advances the cumulative borrow index by the elapsed slots and
// carves the protocol and referrer cuts out of the fresh interest. Price
// refresh happens separately; callers must still clear the staleness flags.
func (r *Reserve) Accrue(currentSlot uint64, referralFeeBps uint16) error {
	if currentSlot <= r.LastUpdateSlot {
		return nil
	}
	elapsed := currentSlot - r.LastUpdateSlot
	if r.Liquidity.Borrowed.IsZero() {
		return nil
	}

	utilization, err := r.Utilization()
	if err != nil {
		return err
	}
	apr, err := r.Config.Curve.BorrowRate(utilization)
	if err != nil {
		return err
	}
	factor, err := SlotAccrualFactor(apr, elapsed)
	if err != nil {
		return err
	}

	newIndex, err := r.Liquidity.CumulativeBorrowRate.Mul(factor)
	if err != nil {
		return mathErr(err)
	}
	newBorrowed, err := r.Liquidity.Borrowed.Mul(factor)
	if err != nil {
		return mathErr(err)
	}
	accrued := newBorrowed.SubSat(r.Liquidity.Borrowed)

	protocolCut, err := accrued.Mul(fixedpoint.BigFromDec(fixedpoint.FromBps(uint64(r.Config.ProtocolTakeRateBps))))
	if err != nil {
		return mathErr(err)
	}
	referrerCut, err := accrued.Mul(fixedpoint.BigFromDec(fixedpoint.FromBps(uint64(referralFeeBps))))
	if err != nil {
		return mathErr(err)
	}

	r.Liquidity.CumulativeBorrowRate = newIndex
	r.Liquidity.Borrowed = newBorrowed
	if r.Liquidity.AccumulatedProtocolFees, err = r.Liquidity.AccumulatedProtocolFees.Add(protocolCut); err != nil {
		return mathErr(err)
	}
	if r.Liquidity.AccumulatedReferrerFees, err = r.Liquidity.AccumulatedReferrerFees.Add(referrerCut); err != nil {
		return mathErr(err)
	}
	return nil
}

// CollateralFromLiquidity converts a liquidity deposit into claim tokens,
// rounding down in the user's collateral direction.
func (r *Reserve) CollateralFromLiquidity(liquidity uint64) (uint64, error) {
	rate, err := r.ExchangeRate()
	if err != nil {
		return 0, err
	}
	claims, err := fixedpoint.FromInt(liquidity).Div(rate)
	if err != nil {
		return 0, mathErr(err)
	}
	out, err := claims.Floor()
	if err != nil {
		return 0, mathErr(err)
	}
	return out, nil
}

// LiquidityFromCollateral converts claim tokens back into liquidity,
// rounding down.
func (r *Reserve) LiquidityFromCollateral(collateral uint64) (uint64, error) {
	rate, err := r.ExchangeRate()
	if err != nil {
		return 0, err
	}
	liquidity, err := rate.MulInt(collateral)
	if err != nil {
		return 0, mathErr(err)
	}
	out, err := liquidity.Floor()
	if err != nil {
		return 0, mathErr(err)
	}
	return out, nil
}

// RequireFresh rejects any mutating use of a reserve that was not refreshed
// in the current slot.
func (r *Reserve) RequireFresh(currentSlot uint64) error {
	if r.Stale || r.LastUpdateSlot != currentSlot {
		return ErrReserveStale
	}
	return nil
}

// RequirePriceFresh additionally rejects reserves whose accrual succeeded
// but whose oracle refresh failed.
func (r *Reserve) RequirePriceFresh(currentSlot uint64) error {
	if err := r.RequireFresh(currentSlot); err != nil {
		return err
	}
	if r.PriceStale {
		return ErrReserveStale
	}
	return nil
}

// MarkStale invalidates derived state after a config update.
func (r *Reserve) MarkStale() { r.Stale = true }

// checkDepositLimit enforces the absolute deposit cap against the
// post-deposit gross liquidity.
func (r *Reserve) checkDepositLimit(amount uint64) error {
	if r.Config.DepositLimit == 0 {
		return nil
	}
	gross, err := fixedpoint.BigFromInt(r.Liquidity.Available).Add(r.Liquidity.Borrowed)
	if err != nil {
		return mathErr(err)
	}
	after, err := gross.Add(fixedpoint.BigFromInt(amount))
	if err != nil {
		return mathErr(err)
	}
	if after.GT(fixedpoint.BigFromInt(r.Config.DepositLimit)) {
		return ErrReserveDepositLimitExceeded
	}
	return nil
}

// checkBorrowLimits enforces the absolute cap, the per-slot throttle, the
// utilization cap and the group-scoped cap for a prospective borrow.
func (r *Reserve) checkBorrowLimits(amount uint64, currentSlot uint64, elevationGroup uint8) error {
	if amount > r.Liquidity.Available {
		return ErrInsufficientLiquidity
	}

	after, err := r.Liquidity.Borrowed.Add(fixedpoint.BigFromInt(amount))
	if err != nil {
		return mathErr(err)
	}
	if r.Config.BorrowLimit != 0 && after.GT(fixedpoint.BigFromInt(r.Config.BorrowLimit)) {
		return ErrBorrowLimitExceeded
	}

	if r.Config.BorrowLimitPerSlot != 0 {
		borrowed := amount
		if r.BorrowSlot == currentSlot {
			borrowed += r.BorrowedThisSlot
		}
		if borrowed > r.Config.BorrowLimitPerSlot {
			return ErrBorrowLimitExceeded
		}
	}

	if r.Config.UtilizationCapBps != 0 && r.Config.UtilizationCapBps < FullBps {
		gross, err := fixedpoint.BigFromInt(r.Liquidity.Available).Add(r.Liquidity.Borrowed)
		if err != nil {
			return mathErr(err)
		}
		utilAfter, err := after.Div(gross)
		if err != nil {
			return mathErr(err)
		}
		cap := fixedpoint.BigFromDec(fixedpoint.FromBps(uint64(r.Config.UtilizationCapBps)))
		if utilAfter.GT(cap) {
			return ErrUtilizationCapExceeded
		}
	}

	if elevationGroup != 0 && r.Config.BorrowLimitPerElevationGroup != 0 {
		if r.GroupDebt[elevationGroup]+amount > r.Config.BorrowLimitPerElevationGroup {
			return ErrBorrowLimitExceeded
		}
	}
	return nil
}

// recordGroupDebt adjusts the per-group borrow attribution.
func (r *Reserve) recordGroupDebt(group uint8, delta int64) {
	if group == 0 {
		return
	}
	if r.GroupDebt == nil {
		r.GroupDebt = make(map[uint8]uint64)
	}
	current := r.GroupDebt[group]
	if delta >= 0 {
		r.GroupDebt[group] = current + uint64(delta)
		return
	}
	dec := uint64(-delta)
	if dec >= current {
		delete(r.GroupDebt, group)
		return
	}
	r.GroupDebt[group] = current - dec
}

// EligibleForElevationGroup reports whether this reserve may serve as
// collateral inside the given group.
func (r *Reserve) EligibleForElevationGroup(id uint8) bool {
	for _, g := range r.Config.ElevationGroups {
		if g == id {
			return true
		}
	}
	return false
}

// Clone returns a deep copy of the reserve record.
func (r *Reserve) Clone() *Reserve {
	if r == nil {
		return nil
	}
	clone := *r
	clone.Config.ElevationGroups = append([]uint8(nil), r.Config.ElevationGroups...)
	clone.Config.Curve.Points = append([]CurvePoint(nil), r.Config.Curve.Points...)
	if r.GroupDebt != nil {
		clone.GroupDebt = make(map[uint8]uint64, len(r.GroupDebt))
		for k, v := range r.GroupDebt {
			clone.GroupDebt[k] = v
		}
	}
	return &clone
}
