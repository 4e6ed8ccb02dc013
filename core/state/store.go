// Package state persists the lending core's records on a key-value
// database. Records are JSON-encoded; big numbers and keys marshal as
// decimal and base58 strings, so the stored form is inspectable with plain
// tooling.
package state

import (
	"encoding/json"
	"errors"
	"fmt"

	"lendchain/crypto"
	"lendchain/native/lending"
	"lendchain/native/referral"
	"lendchain/storage"
)

// Key prefixes. One byte of namespace ahead of the 32-byte account key.
var (
	prefixMarket     = []byte("m/")
	prefixReserve    = []byte("r/")
	prefixObligation = []byte("o/")
	prefixReferral   = []byte("f/")
)

// Store implements lending.State over a storage.Database.
type Store struct {
	db storage.Database
}

// NewStore wraps the given database.
func NewStore(db storage.Database) *Store {
	return &Store{db: db}
}

func storeKey(prefix []byte, key crypto.Pubkey) []byte {
	out := make([]byte, 0, len(prefix)+crypto.PubkeyLen)
	out = append(out, prefix...)
	return append(out, key[:]...)
}

func (s *Store) get(prefix []byte, key crypto.Pubkey, out any) (bool, error) {
	raw, err := s.db.Get(storeKey(prefix, key))
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return false, fmt.Errorf("state: decode %s%s: %w", prefix, key, err)
	}
	return true, nil
}

func (s *Store) put(prefix []byte, key crypto.Pubkey, record any) error {
	raw, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("state: encode %s%s: %w", prefix, key, err)
	}
	return s.db.Put(storeKey(prefix, key), raw)
}

// LendingMarket implements lending.State.
func (s *Store) LendingMarket(key crypto.Pubkey) (*lending.LendingMarket, error) {
	var market lending.LendingMarket
	ok, err := s.get(prefixMarket, key, &market)
	if err != nil || !ok {
		return nil, err
	}
	return &market, nil
}

// PutLendingMarket implements lending.State.
func (s *Store) PutLendingMarket(market *lending.LendingMarket) error {
	return s.put(prefixMarket, market.Key, market)
}

// Reserve implements lending.State.
func (s *Store) Reserve(key crypto.Pubkey) (*lending.Reserve, error) {
	var reserve lending.Reserve
	ok, err := s.get(prefixReserve, key, &reserve)
	if err != nil || !ok {
		return nil, err
	}
	return &reserve, nil
}

// PutReserve implements lending.State.
func (s *Store) PutReserve(reserve *lending.Reserve) error {
	return s.put(prefixReserve, reserve.Key, reserve)
}

// Obligation implements lending.State.
func (s *Store) Obligation(key crypto.Pubkey) (*lending.Obligation, error) {
	var ob lending.Obligation
	ok, err := s.get(prefixObligation, key, &ob)
	if err != nil || !ok {
		return nil, err
	}
	return &ob, nil
}

// PutObligation implements lending.State.
func (s *Store) PutObligation(ob *lending.Obligation) error {
	return s.put(prefixObligation, ob.Key, ob)
}

// ReferralTokenState implements lending.State.
func (s *Store) ReferralTokenState(key crypto.Pubkey) (*referral.TokenState, error) {
	var st referral.TokenState
	ok, err := s.get(prefixReferral, key, &st)
	if err != nil || !ok {
		return nil, err
	}
	return &st, nil
}

// PutReferralTokenState implements lending.State.
func (s *Store) PutReferralTokenState(st *referral.TokenState) error {
	return s.put(prefixReferral, referral.Key(st.Referrer, st.Mint), st)
}
