package token

import (
	"fmt"
	"sync"

	"lendchain/crypto"
)

type ledgerAccount struct {
	mint    crypto.Pubkey
	owner   crypto.Pubkey
	balance uint64
}

type ledgerMint struct {
	authority crypto.Pubkey
	supply    uint64
	decimals  uint8
}

// Ledger is an in-memory Program implementation standing in for the host's
// token subsystem. The orchestrator and tests run against it; a production
// embedding replaces it with cross-program invocations.
type Ledger struct {
	mu       sync.Mutex
	accounts map[crypto.Pubkey]*ledgerAccount
	mints    map[crypto.Pubkey]*ledgerMint
}

// NewLedger returns an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{
		accounts: make(map[crypto.Pubkey]*ledgerAccount),
		mints:    make(map[crypto.Pubkey]*ledgerMint),
	}
}

// CreateMint registers a mint controlled by the given authority.
func (l *Ledger) CreateMint(mint, authority crypto.Pubkey, decimals uint8) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.mints[mint]; ok {
		return fmt.Errorf("%w: mint %s", ErrAlreadyExists, mint)
	}
	l.mints[mint] = &ledgerMint{authority: authority, decimals: decimals}
	return nil
}

// CreateAccount registers an empty token account for the given mint.
func (l *Ledger) CreateAccount(account, mint, owner crypto.Pubkey) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.accounts[account]; ok {
		return fmt.Errorf("%w: account %s", ErrAlreadyExists, account)
	}
	if _, ok := l.mints[mint]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownMint, mint)
	}
	l.accounts[account] = &ledgerAccount{mint: mint, owner: owner}
	return nil
}

// Snapshot implements Snapshotter. The restore closure rewinds the ledger
// to the captured state; calling it more than once is harmless.
func (l *Ledger) Snapshot() func() {
	l.mu.Lock()
	defer l.mu.Unlock()
	accounts := make(map[crypto.Pubkey]ledgerAccount, len(l.accounts))
	for k, v := range l.accounts {
		accounts[k] = *v
	}
	mints := make(map[crypto.Pubkey]ledgerMint, len(l.mints))
	for k, v := range l.mints {
		mints[k] = *v
	}
	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		l.accounts = make(map[crypto.Pubkey]*ledgerAccount, len(accounts))
		for k, v := range accounts {
			acc := v
			l.accounts[k] = &acc
		}
		l.mints = make(map[crypto.Pubkey]*ledgerMint, len(mints))
		for k, v := range mints {
			m := v
			l.mints[k] = &m
		}
	}
}

// SetBalance force-sets a balance, adjusting the mint supply to match. Test
// setup helper.
func (l *Ledger) SetBalance(account crypto.Pubkey, amount uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	acc, ok := l.accounts[account]
	if !ok {
		return ErrUnknownAccount
	}
	mint, ok := l.mints[acc.mint]
	if !ok {
		return ErrUnknownMint
	}
	mint.supply = mint.supply - acc.balance + amount
	acc.balance = amount
	return nil
}

// Transfer implements Program.
func (l *Ledger) Transfer(amount uint64, from, to, authority crypto.Pubkey) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	src, ok := l.accounts[from]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAccount, from)
	}
	dst, ok := l.accounts[to]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAccount, to)
	}
	if src.owner != authority {
		return ErrAuthorityMismatch
	}
	if src.mint != dst.mint {
		return ErrMintMismatch
	}
	if src.balance < amount {
		return ErrInsufficientFunds
	}
	src.balance -= amount
	dst.balance += amount
	return nil
}

// MintTo implements Program.
func (l *Ledger) MintTo(amount uint64, mint, destination, authority crypto.Pubkey) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.mints[mint]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownMint, mint)
	}
	if m.authority != authority {
		return ErrAuthorityMismatch
	}
	dst, ok := l.accounts[destination]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAccount, destination)
	}
	if dst.mint != mint {
		return ErrMintMismatch
	}
	m.supply += amount
	dst.balance += amount
	return nil
}

// Burn implements Program.
func (l *Ledger) Burn(amount uint64, mint, source, authority crypto.Pubkey) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.mints[mint]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownMint, mint)
	}
	src, ok := l.accounts[source]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAccount, source)
	}
	if src.mint != mint {
		return ErrMintMismatch
	}
	if src.owner != authority {
		return ErrAuthorityMismatch
	}
	if src.balance < amount || m.supply < amount {
		return ErrInsufficientFunds
	}
	src.balance -= amount
	m.supply -= amount
	return nil
}

// Balance implements Program.
func (l *Ledger) Balance(account crypto.Pubkey) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	acc, ok := l.accounts[account]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownAccount, account)
	}
	return acc.balance, nil
}

// MintSupply implements Program.
func (l *Ledger) MintSupply(mint crypto.Pubkey) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.mints[mint]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownMint, mint)
	}
	return m.supply, nil
}

// MintDecimals implements Program.
func (l *Ledger) MintDecimals(mint crypto.Pubkey) (uint8, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.mints[mint]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownMint, mint)
	}
	return m.decimals, nil
}
