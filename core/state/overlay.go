package state

import (
	"lendchain/crypto"
	"lendchain/native/lending"
	"lendchain/native/referral"
)

// Overlay buffers writes on top of a base lending.State so a whole
// transaction can be committed or discarded as one unit. Reads hit the
// buffer first and fall through to the base; records read from the base are
// cached as deep copies, so nothing leaks into the base until Commit.
type Overlay struct {
	base lending.State

	markets     map[crypto.Pubkey]*lending.LendingMarket
	reserves    map[crypto.Pubkey]*lending.Reserve
	obligations map[crypto.Pubkey]*lending.Obligation
	referrals   map[crypto.Pubkey]*referral.TokenState

	dirtyMarkets     map[crypto.Pubkey]bool
	dirtyReserves    map[crypto.Pubkey]bool
	dirtyObligations map[crypto.Pubkey]bool
	dirtyReferrals   map[crypto.Pubkey]bool
}

// NewOverlay starts an empty buffer over base.
func NewOverlay(base lending.State) *Overlay {
	return &Overlay{
		base:             base,
		markets:          make(map[crypto.Pubkey]*lending.LendingMarket),
		reserves:         make(map[crypto.Pubkey]*lending.Reserve),
		obligations:      make(map[crypto.Pubkey]*lending.Obligation),
		referrals:        make(map[crypto.Pubkey]*referral.TokenState),
		dirtyMarkets:     make(map[crypto.Pubkey]bool),
		dirtyReserves:    make(map[crypto.Pubkey]bool),
		dirtyObligations: make(map[crypto.Pubkey]bool),
		dirtyReferrals:   make(map[crypto.Pubkey]bool),
	}
}

// LendingMarket implements lending.State.
func (o *Overlay) LendingMarket(key crypto.Pubkey) (*lending.LendingMarket, error) {
	if cached, ok := o.markets[key]; ok {
		return cached.Clone(), nil
	}
	market, err := o.base.LendingMarket(key)
	if err != nil {
		return nil, err
	}
	o.markets[key] = market.Clone()
	return market.Clone(), nil
}

// PutLendingMarket implements lending.State.
func (o *Overlay) PutLendingMarket(market *lending.LendingMarket) error {
	o.markets[market.Key] = market.Clone()
	o.dirtyMarkets[market.Key] = true
	return nil
}

// Reserve implements lending.State.
func (o *Overlay) Reserve(key crypto.Pubkey) (*lending.Reserve, error) {
	if cached, ok := o.reserves[key]; ok {
		return cached.Clone(), nil
	}
	reserve, err := o.base.Reserve(key)
	if err != nil {
		return nil, err
	}
	o.reserves[key] = reserve.Clone()
	return reserve.Clone(), nil
}

// PutReserve implements lending.State.
func (o *Overlay) PutReserve(reserve *lending.Reserve) error {
	o.reserves[reserve.Key] = reserve.Clone()
	o.dirtyReserves[reserve.Key] = true
	return nil
}

// Obligation implements lending.State.
func (o *Overlay) Obligation(key crypto.Pubkey) (*lending.Obligation, error) {
	if cached, ok := o.obligations[key]; ok {
		return cached.Clone(), nil
	}
	ob, err := o.base.Obligation(key)
	if err != nil {
		return nil, err
	}
	o.obligations[key] = ob.Clone()
	return ob.Clone(), nil
}

// PutObligation implements lending.State.
func (o *Overlay) PutObligation(ob *lending.Obligation) error {
	o.obligations[ob.Key] = ob.Clone()
	o.dirtyObligations[ob.Key] = true
	return nil
}

// ReferralTokenState implements lending.State.
func (o *Overlay) ReferralTokenState(key crypto.Pubkey) (*referral.TokenState, error) {
	if cached, ok := o.referrals[key]; ok {
		return cached.Clone(), nil
	}
	st, err := o.base.ReferralTokenState(key)
	if err != nil {
		return nil, err
	}
	o.referrals[key] = st.Clone()
	return st.Clone(), nil
}

// PutReferralTokenState implements lending.State.
func (o *Overlay) PutReferralTokenState(st *referral.TokenState) error {
	key := referral.Key(st.Referrer, st.Mint)
	o.referrals[key] = st.Clone()
	o.dirtyReferrals[key] = true
	return nil
}

// PendingReserves returns the buffered reserves, dirty or not. The
// transaction processor walks them for end-of-transaction checks.
func (o *Overlay) PendingReserves() []*lending.Reserve {
	out := make([]*lending.Reserve, 0, len(o.reserves))
	for _, r := range o.reserves {
		if r != nil {
			out = append(out, r)
		}
	}
	return out
}

// Commit flushes every dirty record to the base state.
func (o *Overlay) Commit() error {
	for key := range o.dirtyMarkets {
		if err := o.base.PutLendingMarket(o.markets[key]); err != nil {
			return err
		}
	}
	for key := range o.dirtyReserves {
		if err := o.base.PutReserve(o.reserves[key]); err != nil {
			return err
		}
	}
	for key := range o.dirtyObligations {
		if err := o.base.PutObligation(o.obligations[key]); err != nil {
			return err
		}
	}
	for key := range o.dirtyReferrals {
		if err := o.base.PutReferralTokenState(o.referrals[key]); err != nil {
			return err
		}
	}
	return nil
}
