package types

import "lendchain/crypto"

// AccountMeta describes one account handed to an instruction along with the
// role bits the transaction declared for it. The host guarantees exclusive
// access to every writable account for the duration of the transaction.
type AccountMeta struct {
	Key        crypto.Pubkey `json:"key"`
	IsSigner   bool          `json:"isSigner"`
	IsWritable bool          `json:"isWritable"`
}

// Meta builds a read-only, non-signing account reference.
func Meta(key crypto.Pubkey) AccountMeta {
	return AccountMeta{Key: key}
}

// WritableMeta builds a writable, non-signing account reference.
func WritableMeta(key crypto.Pubkey) AccountMeta {
	return AccountMeta{Key: key, IsWritable: true}
}

// SignerMeta builds a read-only signing account reference.
func SignerMeta(key crypto.Pubkey) AccountMeta {
	return AccountMeta{Key: key, IsSigner: true}
}

// WritableSignerMeta builds a writable signing account reference.
func WritableSignerMeta(key crypto.Pubkey) AccountMeta {
	return AccountMeta{Key: key, IsSigner: true, IsWritable: true}
}

// TokenAccount mirrors the token subsystem's account layout as read by the
// core: a balance of one mint owned by one authority.
type TokenAccount struct {
	Key    crypto.Pubkey `json:"key"`
	Mint   crypto.Pubkey `json:"mint"`
	Owner  crypto.Pubkey `json:"owner"`
	Amount uint64        `json:"amount"`
}

// Mint mirrors the token subsystem's mint layout. Supply and decimals are the
// only fields the core reads.
type Mint struct {
	Key      crypto.Pubkey `json:"key"`
	Supply   uint64        `json:"supply"`
	Decimals uint8         `json:"decimals"`
}
