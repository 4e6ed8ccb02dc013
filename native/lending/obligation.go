package lending

import (
	"lendchain/crypto"
	"lendchain/fixedpoint"
)

// ObligationCollateral is one pledged claim-token position.
type ObligationCollateral struct {
	DepositReserve crypto.Pubkey `json:"depositReserve"`
	// DepositedAmount is denominated in claim tokens, not liquidity.
	DepositedAmount uint64 `json:"depositedAmount"`
	// MarketValue is the quote-currency value captured by the last refresh.
	MarketValue fixedpoint.Dec `json:"marketValue"`
}

// ObligationLiquidity is one borrow position. BorrowedAmount carries
// interest at full precision; the snapshot measures accrual since the last
// refresh against the reserve's cumulative index.
type ObligationLiquidity struct {
	BorrowReserve          crypto.Pubkey     `json:"borrowReserve"`
	CumulativeRateSnapshot fixedpoint.BigDec `json:"cumulativeRateSnapshot"`
	BorrowedAmount         fixedpoint.BigDec `json:"borrowedAmount"`
	MarketValue            fixedpoint.Dec    `json:"marketValue"`
	// AdjustedMarketValue is MarketValue inflated by the reserve's borrow
	// factor, used on the health side of the ledger.
	AdjustedMarketValue fixedpoint.Dec `json:"adjustedMarketValue"`
}

// Obligation is a user's cross-margin account within one market.
type Obligation struct {
	Key    crypto.Pubkey `json:"key"`
	Market crypto.Pubkey `json:"market"`
	Owner  crypto.Pubkey `json:"owner"`
	// Tag distinguishes multiple obligations per owner (vault strategies
	// keep one per leverage profile).
	Tag uint64 `json:"tag"`

	Deposits []ObligationCollateral `json:"deposits"`
	Borrows  []ObligationLiquidity  `json:"borrows"`

	// Refresh-derived aggregates, all in quote currency.
	DepositedValue       fixedpoint.Dec `json:"depositedValue"`
	BorrowedValue        fixedpoint.Dec `json:"borrowedValue"`
	AdjustedDebtValue    fixedpoint.Dec `json:"adjustedDebtValue"`
	AllowedBorrowValue   fixedpoint.Dec `json:"allowedBorrowValue"`
	UnhealthyBorrowValue fixedpoint.Dec `json:"unhealthyBorrowValue"`

	ElevationGroup uint8 `json:"elevationGroup"`

	LastUpdateSlot uint64 `json:"lastUpdateSlot"`
	// MarketEpoch is the market's ConfigEpoch at the last refresh; a
	// market-level update after the refresh makes the aggregates stale
	// even within the same slot.
	MarketEpoch uint64 `json:"marketEpoch"`
	Stale       bool   `json:"stale"`

	// DeleverageMarkedSlot is nonzero while the risk council has flagged
	// the obligation for forced deleveraging; DeleverageTargetLtvBps is the
	// loan-to-value the deleveraging should bring it back under.
	DeleverageMarkedSlot   uint64 `json:"deleverageMarkedSlot"`
	DeleverageTargetLtvBps uint16 `json:"deleverageTargetLtvBps"`

	Referrer crypto.Pubkey `json:"referrer"`
}

// NewObligation opens an empty obligation for owner under market.
func NewObligation(key crypto.Pubkey, market, owner crypto.Pubkey, tag uint64) *Obligation {
	return &Obligation{
		Key:    key,
		Market: market,
		Owner:  owner,
		Tag:    tag,
		Stale:  true,
	}
}

// HasDeposits reports whether any collateral is pledged.
func (o *Obligation) HasDeposits() bool {
	for i := range o.Deposits {
		if o.Deposits[i].DepositedAmount != 0 {
			return true
		}
	}
	return false
}

// HasDebt reports whether any borrow is outstanding.
func (o *Obligation) HasDebt() bool {
	for i := range o.Borrows {
		if !o.Borrows[i].BorrowedAmount.IsZero() {
			return true
		}
	}
	return false
}

// Collateral returns the position for the given reserve, or nil.
func (o *Obligation) Collateral(reserve crypto.Pubkey) *ObligationCollateral {
	for i := range o.Deposits {
		if o.Deposits[i].DepositReserve == reserve {
			return &o.Deposits[i]
		}
	}
	return nil
}

// Borrow returns the borrow position for the given reserve, or nil.
func (o *Obligation) Borrow(reserve crypto.Pubkey) *ObligationLiquidity {
	for i := range o.Borrows {
		if o.Borrows[i].BorrowReserve == reserve {
			return &o.Borrows[i]
		}
	}
	return nil
}

// AddCollateral grows the position for reserve, opening a new slot when
// needed. The position table is bounded; a duplicate reserve always reuses
// its slot.
func (o *Obligation) AddCollateral(reserve crypto.Pubkey, claims uint64) (*ObligationCollateral, error) {
	if pos := o.Collateral(reserve); pos != nil {
		pos.DepositedAmount += claims
		return pos, nil
	}
	if len(o.Deposits) >= MaxObligationDeposits {
		return nil, ErrObligationDepositsLimit
	}
	o.Deposits = append(o.Deposits, ObligationCollateral{
		DepositReserve:  reserve,
		DepositedAmount: claims,
	})
	return &o.Deposits[len(o.Deposits)-1], nil
}

// AddBorrow grows the borrow position for reserve, snapshotting the
// reserve's index for a fresh slot.
func (o *Obligation) AddBorrow(reserve crypto.Pubkey, amount fixedpoint.BigDec, index fixedpoint.BigDec) (*ObligationLiquidity, error) {
	if pos := o.Borrow(reserve); pos != nil {
		grown, err := pos.BorrowedAmount.Add(amount)
		if err != nil {
			return nil, mathErr(err)
		}
		pos.BorrowedAmount = grown
		return pos, nil
	}
	if len(o.Borrows) >= MaxObligationBorrows {
		return nil, ErrObligationBorrowsLimit
	}
	o.Borrows = append(o.Borrows, ObligationLiquidity{
		BorrowReserve:          reserve,
		CumulativeRateSnapshot: index,
		BorrowedAmount:         amount,
	})
	return &o.Borrows[len(o.Borrows)-1], nil
}

// RemoveCollateralIfEmpty drops an emptied collateral slot.
func (o *Obligation) RemoveCollateralIfEmpty(reserve crypto.Pubkey) {
	for i := range o.Deposits {
		if o.Deposits[i].DepositReserve == reserve && o.Deposits[i].DepositedAmount == 0 {
			o.Deposits = append(o.Deposits[:i], o.Deposits[i+1:]...)
			return
		}
	}
}

// RemoveBorrowIfEmpty drops an emptied borrow slot.
func (o *Obligation) RemoveBorrowIfEmpty(reserve crypto.Pubkey) {
	for i := range o.Borrows {
		if o.Borrows[i].BorrowReserve == reserve && o.Borrows[i].BorrowedAmount.IsZero() {
			o.Borrows = append(o.Borrows[:i], o.Borrows[i+1:]...)
			return
		}
	}
}

// AccrueInterest rolls the position's debt forward to the reserve's current
// cumulative index. The index never decreases, so a snapshot above the
// reserve index means corrupted state.
func (p *ObligationLiquidity) AccrueInterest(reserveIndex fixedpoint.BigDec) error {
	if reserveIndex.LT(p.CumulativeRateSnapshot) {
		return ErrInvalidAccountInput
	}
	if reserveIndex.Cmp(p.CumulativeRateSnapshot) == 0 {
		return nil
	}
	factor, err := reserveIndex.Div(p.CumulativeRateSnapshot)
	if err != nil {
		return mathErr(err)
	}
	grown, err := p.BorrowedAmount.Mul(factor)
	if err != nil {
		return mathErr(err)
	}
	p.BorrowedAmount = grown
	p.CumulativeRateSnapshot = reserveIndex
	return nil
}

// RequireFresh rejects use of an obligation not refreshed in the current
// slot under the market's current config epoch.
func (o *Obligation) RequireFresh(currentSlot, marketEpoch uint64) error {
	if o.Stale || o.LastUpdateSlot != currentSlot || o.MarketEpoch != marketEpoch {
		return ErrObligationStale
	}
	return nil
}

// MarkStale invalidates the refresh-derived aggregates.
func (o *Obligation) MarkStale() { o.Stale = true }

// Healthy reports whether the adjusted debt value stays at or below the
// liquidation threshold bound.
func (o *Obligation) Healthy() bool {
	return o.AdjustedDebtValue.LTE(o.UnhealthyBorrowValue)
}

// BorrowableValue returns the remaining quote-currency borrow headroom.
func (o *Obligation) BorrowableValue() fixedpoint.Dec {
	return o.AllowedBorrowValue.SubSat(o.AdjustedDebtValue)
}

// checkAssetTiers enforces the isolation rules after a position change:
// isolated collateral must be the only deposit, isolated debt the only
// borrow.
func (o *Obligation) checkAssetTiers(tierOf func(crypto.Pubkey) (AssetTier, error)) error {
	for i := range o.Deposits {
		tier, err := tierOf(o.Deposits[i].DepositReserve)
		if err != nil {
			return err
		}
		if tier == TierIsolatedCollateral && len(o.Deposits) > 1 {
			return ErrIsolatedTierViolation
		}
	}
	for i := range o.Borrows {
		tier, err := tierOf(o.Borrows[i].BorrowReserve)
		if err != nil {
			return err
		}
		if tier == TierIsolatedDebt && len(o.Borrows) > 1 {
			return ErrIsolatedTierViolation
		}
	}
	return nil
}

// Clone returns a deep copy of the obligation record.
func (o *Obligation) Clone() *Obligation {
	if o == nil {
		return nil
	}
	clone := *o
	clone.Deposits = append([]ObligationCollateral(nil), o.Deposits...)
	clone.Borrows = append([]ObligationLiquidity(nil), o.Borrows...)
	return &clone
}
