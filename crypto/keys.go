package crypto

import (
	"crypto/rand"
	"fmt"

	"github.com/btcsuite/btcutil/base58"
	"lukechampine.com/blake3"
)

// PubkeyLen is the byte length of every on-chain account key.
const PubkeyLen = 32

// Pubkey identifies an account inside the sandbox. Keys are opaque to the
// protocol core; the host hands them in with each instruction.
type Pubkey [PubkeyLen]byte

// ZeroPubkey is the all-zero key used as the "unset" sentinel throughout the
// account model.
var ZeroPubkey Pubkey

// NewPubkey copies b into a Pubkey. It panics when b is not exactly 32 bytes
// long, mirroring the host's account key contract.
func NewPubkey(b []byte) Pubkey {
	if len(b) != PubkeyLen {
		panic("pubkey must be 32 bytes long")
	}
	var p Pubkey
	copy(p[:], b)
	return p
}

// RandomPubkey returns a fresh random key. Only used by tests and the local
// simulator; production keys always arrive from the host.
func RandomPubkey() Pubkey {
	var p Pubkey
	if _, err := rand.Read(p[:]); err != nil {
		panic(err)
	}
	return p
}

func (p Pubkey) String() string {
	return base58.Encode(p[:])
}

// MarshalText renders the key in base58 for JSON and config files.
func (p Pubkey) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText parses a base58-rendered key.
func (p *Pubkey) UnmarshalText(text []byte) error {
	parsed, err := ParsePubkey(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// Bytes returns a copy of the raw key material.
func (p Pubkey) Bytes() []byte {
	out := make([]byte, PubkeyLen)
	copy(out, p[:])
	return out
}

// IsZero reports whether the key is the unset sentinel.
func (p Pubkey) IsZero() bool {
	return p == ZeroPubkey
}

// ParsePubkey decodes a base58-rendered key.
func ParsePubkey(s string) (Pubkey, error) {
	decoded := base58.Decode(s)
	if len(decoded) != PubkeyLen {
		return Pubkey{}, fmt.Errorf("invalid pubkey %q: want %d bytes, got %d", s, PubkeyLen, len(decoded))
	}
	return NewPubkey(decoded), nil
}

// DeriveAddress produces a deterministic program-derived key from the given
// seeds. The derivation is a domain-separated blake3 hash so distinct seed
// lists can never collide.
func DeriveAddress(seeds ...[]byte) Pubkey {
	h := blake3.New(PubkeyLen, nil)
	h.Write([]byte("lendchain/derived"))
	for _, seed := range seeds {
		var lenBuf [1]byte
		lenBuf[0] = byte(len(seed))
		h.Write(lenBuf[:])
		h.Write(seed)
	}
	return NewPubkey(h.Sum(nil))
}

// DeriveMarketAuthority returns the signing authority controlling every
// reserve-owned token account of the given lending market.
func DeriveMarketAuthority(market Pubkey) Pubkey {
	return DeriveAddress([]byte("authority"), market[:])
}
