// Package token bridges the core to the host's fungible-token subsystem.
// The core never touches balances directly; every movement of liquidity or
// claim tokens goes through a Program implementation selected by the
// reserve's configured variant.
package token

import (
	"errors"
	"fmt"

	"lendchain/crypto"
)

var (
	// ErrUnknownAccount is returned when a referenced token account does
	// not exist on the ledger.
	ErrUnknownAccount = errors.New("token: unknown account")
	// ErrUnknownMint is returned when a referenced mint does not exist.
	ErrUnknownMint = errors.New("token: unknown mint")
	// ErrInsufficientFunds is returned when a transfer or burn exceeds the
	// source balance.
	ErrInsufficientFunds = errors.New("token: insufficient funds")
	// ErrAuthorityMismatch is returned when the supplied authority does not
	// control the source account or mint.
	ErrAuthorityMismatch = errors.New("token: authority mismatch")
	// ErrMintMismatch is returned when source and destination accounts hold
	// different mints.
	ErrMintMismatch = errors.New("token: mint mismatch")
	// ErrAlreadyExists is returned when creating a mint or account whose key
	// is already registered.
	ErrAlreadyExists = errors.New("token: key already in use")
)

// ProgramKind selects the token-program variant a reserve settles through.
type ProgramKind uint8

const (
	// KindClassic is the original token program.
	KindClassic ProgramKind = iota
	// KindExtended is the extensions-capable token program.
	KindExtended
)

func (k ProgramKind) String() string {
	if k == KindExtended {
		return "extended"
	}
	return "classic"
}

// Valid reports whether the tag names a known variant.
func (k ProgramKind) Valid() bool {
	return k == KindClassic || k == KindExtended
}

// Program is the operation surface the core requires from either token
// variant. Implementations are cross-program invocations on a real host and
// an in-memory ledger in tests.
type Program interface {
	CreateMint(mint, authority crypto.Pubkey, decimals uint8) error
	CreateAccount(account, mint, owner crypto.Pubkey) error

	Transfer(amount uint64, from, to, authority crypto.Pubkey) error
	MintTo(amount uint64, mint, destination, authority crypto.Pubkey) error
	Burn(amount uint64, mint, source, authority crypto.Pubkey) error

	Balance(account crypto.Pubkey) (uint64, error)
	MintSupply(mint crypto.Pubkey) (uint64, error)
	MintDecimals(mint crypto.Pubkey) (uint8, error)
}

// Snapshotter is implemented by programs that can roll their state back when
// a transaction aborts. The returned restore function undoes every mutation
// made after the snapshot.
type Snapshotter interface {
	Snapshot() (restore func())
}

// Registry dispatches on a reserve's program variant tag.
type Registry struct {
	classic  Program
	extended Program
}

// NewRegistry wires both variants. Passing the same Program twice is valid
// for hosts that route the variants through one ledger.
func NewRegistry(classic, extended Program) *Registry {
	return &Registry{classic: classic, extended: extended}
}

// Get returns the Program for the given variant tag.
func (r *Registry) Get(kind ProgramKind) (Program, error) {
	if r == nil {
		return nil, fmt.Errorf("token: registry not configured")
	}
	switch kind {
	case KindClassic:
		if r.classic == nil {
			return nil, fmt.Errorf("token: classic program not configured")
		}
		return r.classic, nil
	case KindExtended:
		if r.extended == nil {
			return nil, fmt.Errorf("token: extended program not configured")
		}
		return r.extended, nil
	}
	return nil, fmt.Errorf("token: unknown program kind %d", kind)
}
