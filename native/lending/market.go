package lending

import (
	"lendchain/crypto"
	"lendchain/fixedpoint"
	"lendchain/native/common"
)

// ElevationGroup is one entry of the market's correlated-asset table. Member
// reserves enjoy the group's relaxed ratios when an obligation opts in, at
// the price of a single permitted debt reserve.
type ElevationGroup struct {
	ID                      uint8         `json:"id"`
	MaxReservesAsCollateral uint8         `json:"maxReservesAsCollateral"`
	LtvBps                  uint16        `json:"ltvBps"`
	LiquidationThresholdBps uint16        `json:"liquidationThresholdBps"`
	MinLiquidationBonusBps  uint16        `json:"minLiquidationBonusBps"`
	MaxLiquidationBonusBps  uint16        `json:"maxLiquidationBonusBps"`
	DebtReserve             crypto.Pubkey `json:"debtReserve"`
}

// Configured reports whether the entry is populated (ID 0 means cross-margin
// and never appears in the table).
func (g ElevationGroup) Configured() bool { return g.ID != 0 }

// ActionPauses exposes fine-grained switches for disabling individual flows
// without raising the emergency flag.
type ActionPauses struct {
	Supply    bool `json:"supply"`
	Withdraw  bool `json:"withdraw"`
	Borrow    bool `json:"borrow"`
	Repay     bool `json:"repay"`
	Liquidate bool `json:"liquidate"`
	FlashLoan bool `json:"flashLoan"`
}

// LendingMarket is the top-level domain record. Reserves and obligations are
// its children, linked by key.
type LendingMarket struct {
	Key crypto.Pubkey `json:"key"`

	Owner        crypto.Pubkey `json:"owner"`
	PendingOwner crypto.Pubkey `json:"pendingOwner"`
	RiskCouncil  crypto.Pubkey `json:"riskCouncil"`

	QuoteCurrency [32]byte `json:"quoteCurrency"`

	EmergencyMode  bool         `json:"emergencyMode"`
	Pauses         ActionPauses `json:"pauses"`
	ReferralFeeBps uint16       `json:"referralFeeBps"`

	// MinFullLiquidationValue is the quote-value dust threshold below which
	// liquidations switch to full-close semantics.
	MinFullLiquidationValue fixedpoint.Dec `json:"minFullLiquidationValue"`

	AutodeleverageEnabled bool `json:"autodeleverageEnabled"`

	ElevationGroups []ElevationGroup `json:"elevationGroups"`

	// ConfigEpoch counts market-level parameter updates. Obligations record
	// the epoch they were valued under, so an update invalidates every
	// refresh done earlier in the same slot.
	ConfigEpoch uint64 `json:"configEpoch"`
}

// NewLendingMarket initialises a market owned by the given key. The dust
// threshold defaults to one unit of the quote currency.
func NewLendingMarket(key, owner crypto.Pubkey, quoteCurrency [32]byte) *LendingMarket {
	return &LendingMarket{
		Key:                     key,
		Owner:                   owner,
		QuoteCurrency:           quoteCurrency,
		MinFullLiquidationValue: fixedpoint.FromInt(1),
	}
}

// Authority returns the derived key controlling the market's token vaults.
func (m *LendingMarket) Authority() crypto.Pubkey {
	return crypto.DeriveMarketAuthority(m.Key)
}

// ElevationGroupByID looks up a configured table entry. ID 0 and unknown IDs
// return nil.
func (m *LendingMarket) ElevationGroupByID(id uint8) *ElevationGroup {
	if m == nil || id == 0 {
		return nil
	}
	for i := range m.ElevationGroups {
		if m.ElevationGroups[i].ID == id {
			return &m.ElevationGroups[i]
		}
	}
	return nil
}

// SetElevationGroup inserts or replaces a table entry.
func (m *LendingMarket) SetElevationGroup(group ElevationGroup) error {
	if group.ID == 0 {
		return ErrInvalidConfig
	}
	if group.LtvBps > group.LiquidationThresholdBps || group.LiquidationThresholdBps > FullBps {
		return ErrInvalidConfig
	}
	if group.MinLiquidationBonusBps > group.MaxLiquidationBonusBps {
		return ErrInvalidConfig
	}
	for i := range m.ElevationGroups {
		if m.ElevationGroups[i].ID == group.ID {
			m.ElevationGroups[i] = group
			return nil
		}
	}
	if len(m.ElevationGroups) >= MaxElevationGroups {
		return ErrInvalidConfig
	}
	m.ElevationGroups = append(m.ElevationGroups, group)
	return nil
}

// InEmergencyMode implements common.PauseView.
func (m *LendingMarket) InEmergencyMode() bool {
	return m != nil && m.EmergencyMode
}

// IsPaused implements common.PauseView.
func (m *LendingMarket) IsPaused(action common.Action) bool {
	if m == nil {
		return false
	}
	switch action {
	case common.ActionSupply:
		return m.Pauses.Supply
	case common.ActionWithdraw:
		return m.Pauses.Withdraw
	case common.ActionBorrow:
		return m.Pauses.Borrow
	case common.ActionRepay:
		return m.Pauses.Repay
	case common.ActionLiquidate:
		return m.Pauses.Liquidate
	case common.ActionFlashLoan:
		return m.Pauses.FlashLoan
	}
	return false
}

// guard maps the shared pause guard onto this package's error kinds.
func (m *LendingMarket) guard(action common.Action) error {
	err := common.Guard(m, action)
	if err == common.ErrEmergencyMode {
		return ErrEmergencyMode
	}
	return err
}

// Clone returns a deep copy of the market record.
func (m *LendingMarket) Clone() *LendingMarket {
	if m == nil {
		return nil
	}
	clone := *m
	clone.ElevationGroups = append([]ElevationGroup(nil), m.ElevationGroups...)
	return &clone
}
