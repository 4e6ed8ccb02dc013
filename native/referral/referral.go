// Package referral tracks per-referrer fee entitlements. The lending core
// carves a referrer share out of origination and flash-loan fees; this
// package records who may withdraw it, per liquidity mint.
package referral

import "lendchain/crypto"

// TokenState accumulates one referrer's fee claim in one liquidity mint.
type TokenState struct {
	Referrer crypto.Pubkey `json:"referrer"`
	Mint     crypto.Pubkey `json:"mint"`
	// AmountUnclaimed is withdrawable now; AmountCumulative never
	// decreases and exists for reporting.
	AmountUnclaimed  uint64 `json:"amountUnclaimed"`
	AmountCumulative uint64 `json:"amountCumulative"`
}

// Key derives the deterministic state address for a referrer/mint pair.
func Key(referrer, mint crypto.Pubkey) crypto.Pubkey {
	return crypto.DeriveAddress([]byte("referrer-token-state"), referrer[:], mint[:])
}

// Accrue credits freshly earned fees.
func (s *TokenState) Accrue(amount uint64) {
	s.AmountUnclaimed += amount
	s.AmountCumulative += amount
}

// Claim withdraws up to amount, returning what was actually released.
func (s *TokenState) Claim(amount uint64) uint64 {
	if amount > s.AmountUnclaimed {
		amount = s.AmountUnclaimed
	}
	s.AmountUnclaimed -= amount
	return amount
}

// Clone returns a copy of the state record.
func (s *TokenState) Clone() *TokenState {
	if s == nil {
		return nil
	}
	clone := *s
	return &clone
}

// UserMetadata binds a user to the referrer recorded at first contact. The
// binding is immutable once set.
type UserMetadata struct {
	User     crypto.Pubkey `json:"user"`
	Referrer crypto.Pubkey `json:"referrer"`
}

// MetadataKey derives the deterministic address of a user's metadata record.
func MetadataKey(user crypto.Pubkey) crypto.Pubkey {
	return crypto.DeriveAddress([]byte("user-metadata"), user[:])
}
