package types

// Instruction is one dispatchable unit inside a transaction: an 8-byte
// discriminator naming the operation, a Borsh-serialized argument payload and
// the ordered account list the operation executes against.
type Instruction struct {
	Discriminator [8]byte       `json:"discriminator"`
	Data          []byte        `json:"data"`
	Accounts      []AccountMeta `json:"accounts"`
}

// Transaction is an ordered instruction list executed atomically at one slot.
// Either every instruction commits or none of them do.
type Transaction struct {
	Slot         uint64        `json:"slot"`
	UnixTime     int64         `json:"unixTime"`
	Instructions []Instruction `json:"instructions"`
}

// Event represents a typed event emitted during state transitions.
type Event struct {
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
}
