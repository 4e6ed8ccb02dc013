// Package farms declares the interface to the external staking-rewards
// subsystem. Reserves may bind a farm per side; the core reports position
// size changes so reward clocks stay accurate.
package farms

import "lendchain/crypto"

// Side distinguishes the collateral farm from the debt farm of a reserve.
type Side uint8

const (
	// SideCollateral tracks claim-token deposits.
	SideCollateral Side = iota
	// SideDebt tracks outstanding borrows.
	SideDebt
)

func (s Side) String() string {
	if s == SideDebt {
		return "debt"
	}
	return "collateral"
}

// Farm is the staking-rewards surface the core invokes. RefreshUserState is
// called before any operation that needs an accurate reward clock; SetStake
// after every position-size change.
type Farm interface {
	RefreshUserState(farm, user crypto.Pubkey) error
	SetStake(farm, user crypto.Pubkey, side Side, newStake uint64) error
}

// Noop satisfies Farm while doing nothing. Engines treat a nil Farm as Noop.
type Noop struct{}

// RefreshUserState implements Farm.
func (Noop) RefreshUserState(crypto.Pubkey, crypto.Pubkey) error { return nil }

// SetStake implements Farm.
func (Noop) SetStake(crypto.Pubkey, crypto.Pubkey, Side, uint64) error { return nil }

// Recorder captures stake updates for tests.
type Recorder struct {
	Stakes map[string]uint64
}

// NewRecorder returns an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{Stakes: make(map[string]uint64)}
}

// RefreshUserState implements Farm.
func (*Recorder) RefreshUserState(crypto.Pubkey, crypto.Pubkey) error { return nil }

// SetStake implements Farm.
func (r *Recorder) SetStake(farm, user crypto.Pubkey, side Side, newStake uint64) error {
	r.Stakes[farm.String()+"/"+user.String()+"/"+side.String()] = newStake
	return nil
}
