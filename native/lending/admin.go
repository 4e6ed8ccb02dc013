package lending

import (
	"encoding/binary"

	"github.com/near/borsh-go"

	"lendchain/core/events"
	"lendchain/crypto"
	"lendchain/fixedpoint"
)

// Market update modes. Each mode owns a fixed wire encoding; a value of the
// wrong length is rejected before anything is touched.
const (
	MarketUpdateEmergencyMode uint64 = iota + 1
	MarketUpdateReferralFeeBps
	MarketUpdateRiskCouncil
	MarketUpdateMinFullLiquidationValue
	MarketUpdateAutodeleverageEnabled
	MarketUpdatePauses
	MarketUpdateElevationGroup
)

// Reserve update modes.
const (
	ReserveUpdateStatus uint64 = iota + 1
	ReserveUpdateAssetTier
	ReserveUpdateLoanToValue
	ReserveUpdateLiquidationBonus
	ReserveUpdateBorrowFactor
	ReserveUpdateDepositLimit
	ReserveUpdateBorrowLimit
	ReserveUpdateBorrowLimitPerSlot
	ReserveUpdateBorrowLimitPerElevationGroup
	ReserveUpdateUtilizationCap
	ReserveUpdateProtocolTakeRate
	ReserveUpdateFees
	ReserveUpdateCurve
	ReserveUpdateOracleConfig
	ReserveUpdateElevationGroupMembership
	ReserveUpdateDeleverageParams
	ReserveUpdateFarms
)

func decodeBool(value []byte) (bool, error) {
	if len(value) != 1 || value[0] > 1 {
		return false, ErrInvalidConfig
	}
	return value[0] == 1, nil
}

func decodeU16(value []byte) (uint16, error) {
	if len(value) != 2 {
		return 0, ErrInvalidConfig
	}
	return binary.LittleEndian.Uint16(value), nil
}

func decodeU64(value []byte) (uint64, error) {
	if len(value) != 8 {
		return 0, ErrInvalidConfig
	}
	return binary.LittleEndian.Uint64(value), nil
}

func decodePubkey(value []byte) (crypto.Pubkey, error) {
	if len(value) != 32 {
		return crypto.Pubkey{}, ErrInvalidConfig
	}
	var key crypto.Pubkey
	copy(key[:], value)
	return key, nil
}

// elevationGroupWire is the borsh encoding of one elevation-group entry.
type elevationGroupWire struct {
	ID                      uint8
	MaxReservesAsCollateral uint8
	LtvBps                  uint16
	LiquidationThresholdBps uint16
	MinLiquidationBonusBps  uint16
	MaxLiquidationBonusBps  uint16
	DebtReserve             [32]byte
}

// UpdateLendingMarket applies one owner-signed, mode-tagged market update.
func (e *Engine) UpdateLendingMarket(marketKey, signer crypto.Pubkey, mode uint64, value []byte) error {
	market, err := e.market(marketKey)
	if err != nil {
		return err
	}
	if market.Owner != signer {
		return ErrInvalidMarketAuthority
	}

	switch mode {
	case MarketUpdateEmergencyMode:
		v, err := decodeBool(value)
		if err != nil {
			return err
		}
		market.EmergencyMode = v
	case MarketUpdateReferralFeeBps:
		v, err := decodeU16(value)
		if err != nil {
			return err
		}
		if v > FullBps {
			return ErrInvalidConfig
		}
		market.ReferralFeeBps = v
	case MarketUpdateRiskCouncil:
		key, err := decodePubkey(value)
		if err != nil {
			return err
		}
		market.RiskCouncil = key
	case MarketUpdateMinFullLiquidationValue:
		v, err := decodeU64(value)
		if err != nil {
			return err
		}
		market.MinFullLiquidationValue = fixedpoint.FromInt(v)
	case MarketUpdateAutodeleverageEnabled:
		v, err := decodeBool(value)
		if err != nil {
			return err
		}
		market.AutodeleverageEnabled = v
	case MarketUpdatePauses:
		if len(value) != 6 {
			return ErrInvalidConfig
		}
		var pauses ActionPauses
		for i, field := range []*bool{
			&pauses.Supply, &pauses.Withdraw, &pauses.Borrow,
			&pauses.Repay, &pauses.Liquidate, &pauses.FlashLoan,
		} {
			if value[i] > 1 {
				return ErrInvalidConfig
			}
			*field = value[i] == 1
		}
		market.Pauses = pauses
	case MarketUpdateElevationGroup:
		var wire elevationGroupWire
		if err := borsh.Deserialize(&wire, value); err != nil {
			return ErrInvalidConfig
		}
		group := ElevationGroup{
			ID:                      wire.ID,
			MaxReservesAsCollateral: wire.MaxReservesAsCollateral,
			LtvBps:                  wire.LtvBps,
			LiquidationThresholdBps: wire.LiquidationThresholdBps,
			MinLiquidationBonusBps:  wire.MinLiquidationBonusBps,
			MaxLiquidationBonusBps:  wire.MaxLiquidationBonusBps,
			DebtReserve:             crypto.Pubkey(wire.DebtReserve),
		}
		if err := market.SetElevationGroup(group); err != nil {
			return err
		}
	default:
		return ErrInvalidConfig
	}

	market.ConfigEpoch++
	if err := e.state.PutLendingMarket(market); err != nil {
		return err
	}
	e.emit(&events.ConfigUpdated{Target: marketKey, Scope: "market", Mode: mode})
	e.logger.Info("lending market updated", "market", marketKey.String(), "mode", mode)
	return nil
}

// rateCurveWire is the borsh encoding of a rate-curve update.
type rateCurveWire struct {
	Points []struct {
		UtilizationBps uint32
		RateBps        uint32
	}
}

// UpdateReserveConfig applies one owner-signed, mode-tagged reserve update.
// The full config is revalidated afterwards, so a single-field update can
// never leave the reserve internally inconsistent. Derived state is marked
// stale and must be refreshed before the reserve is used again.
func (e *Engine) UpdateReserveConfig(reserveKey, signer crypto.Pubkey, mode uint64, value []byte) error {
	reserve, err := e.loadReserve(reserveKey)
	if err != nil {
		return err
	}
	market, err := e.market(reserve.Market)
	if err != nil {
		return err
	}
	if market.Owner != signer {
		return ErrInvalidMarketAuthority
	}

	cfg := reserve.Config
	switch mode {
	case ReserveUpdateStatus:
		if len(value) != 1 || value[0] > uint8(StatusHidden) {
			return ErrInvalidConfig
		}
		cfg.Status = ReserveStatus(value[0])
	case ReserveUpdateAssetTier:
		if len(value) != 1 || value[0] > uint8(TierIsolatedDebt) {
			return ErrInvalidConfig
		}
		cfg.AssetTier = AssetTier(value[0])
	case ReserveUpdateLoanToValue:
		if len(value) != 4 {
			return ErrInvalidConfig
		}
		cfg.LoanToValueBps = binary.LittleEndian.Uint16(value[:2])
		cfg.LiquidationThresholdBps = binary.LittleEndian.Uint16(value[2:])
	case ReserveUpdateLiquidationBonus:
		if len(value) != 4 {
			return ErrInvalidConfig
		}
		cfg.MinLiquidationBonusBps = binary.LittleEndian.Uint16(value[:2])
		cfg.MaxLiquidationBonusBps = binary.LittleEndian.Uint16(value[2:])
	case ReserveUpdateBorrowFactor:
		v, err := decodeU16(value)
		if err != nil {
			return err
		}
		cfg.BorrowFactorBps = v
	case ReserveUpdateDepositLimit:
		v, err := decodeU64(value)
		if err != nil {
			return err
		}
		cfg.DepositLimit = v
	case ReserveUpdateBorrowLimit:
		v, err := decodeU64(value)
		if err != nil {
			return err
		}
		cfg.BorrowLimit = v
	case ReserveUpdateBorrowLimitPerSlot:
		v, err := decodeU64(value)
		if err != nil {
			return err
		}
		cfg.BorrowLimitPerSlot = v
	case ReserveUpdateBorrowLimitPerElevationGroup:
		v, err := decodeU64(value)
		if err != nil {
			return err
		}
		cfg.BorrowLimitPerElevationGroup = v
	case ReserveUpdateUtilizationCap:
		v, err := decodeU16(value)
		if err != nil {
			return err
		}
		cfg.UtilizationCapBps = v
	case ReserveUpdateProtocolTakeRate:
		v, err := decodeU16(value)
		if err != nil {
			return err
		}
		cfg.ProtocolTakeRateBps = v
	case ReserveUpdateFees:
		if len(value) != 6 {
			return ErrInvalidConfig
		}
		cfg.Fees.OriginationFeeBps = binary.LittleEndian.Uint16(value[:2])
		cfg.Fees.FlashLoanFeeBps = binary.LittleEndian.Uint16(value[2:4])
		cfg.Fees.HostFeeBps = binary.LittleEndian.Uint16(value[4:])
	case ReserveUpdateCurve:
		var wire rateCurveWire
		if err := borsh.Deserialize(&wire, value); err != nil {
			return ErrInvalidConfig
		}
		curve := RateCurve{Points: make([]CurvePoint, len(wire.Points))}
		for i, p := range wire.Points {
			curve.Points[i] = CurvePoint{UtilizationBps: p.UtilizationBps, RateBps: p.RateBps}
		}
		cfg.Curve = curve
	case ReserveUpdateOracleConfig:
		if len(value) != 12 {
			return ErrInvalidConfig
		}
		cfg.Oracle.MaxAgeSeconds = int64(binary.LittleEndian.Uint64(value[:8]))
		cfg.Oracle.MaxConfidenceBps = binary.LittleEndian.Uint16(value[8:10])
		cfg.Oracle.MaxDeviationBps = binary.LittleEndian.Uint16(value[10:])
	case ReserveUpdateElevationGroupMembership:
		if len(value) > MaxElevationGroups {
			return ErrInvalidConfig
		}
		groups := make([]uint8, 0, len(value))
		seen := make(map[uint8]bool, len(value))
		for _, id := range value {
			if id == 0 || seen[id] {
				return ErrInvalidConfig
			}
			seen[id] = true
			groups = append(groups, id)
		}
		cfg.ElevationGroups = groups
	case ReserveUpdateDeleverageParams:
		if len(value) != 10 {
			return ErrInvalidConfig
		}
		cfg.DeleverageMarginCallSlots = binary.LittleEndian.Uint64(value[:8])
		cfg.DeleverageBonusPerSlotBps = binary.LittleEndian.Uint16(value[8:])
	case ReserveUpdateFarms:
		if len(value) != 64 {
			return ErrInvalidConfig
		}
		copy(cfg.CollateralFarm[:], value[:32])
		copy(cfg.DebtFarm[:], value[32:])
	default:
		return ErrInvalidConfig
	}

	if err := cfg.Validate(); err != nil {
		return err
	}
	reserve.Config = cfg
	reserve.MarkStale()
	if err := e.state.PutReserve(reserve); err != nil {
		return err
	}
	e.emit(&events.ConfigUpdated{Target: reserveKey, Scope: "reserve", Mode: mode})
	e.logger.Info("reserve updated", "reserve", reserveKey.String(), "mode", mode)
	return nil
}

// SetPendingMarketOwner stages an ownership transfer. The new owner takes
// over only after accepting, keeping a typo from bricking the market.
func (e *Engine) SetPendingMarketOwner(marketKey, signer, newOwner crypto.Pubkey) error {
	market, err := e.market(marketKey)
	if err != nil {
		return err
	}
	if market.Owner != signer {
		return ErrInvalidMarketAuthority
	}
	market.PendingOwner = newOwner
	return e.state.PutLendingMarket(market)
}

// AcceptMarketOwnership completes a staged ownership transfer.
func (e *Engine) AcceptMarketOwnership(marketKey, signer crypto.Pubkey) error {
	market, err := e.market(marketKey)
	if err != nil {
		return err
	}
	if market.PendingOwner.IsZero() || market.PendingOwner != signer {
		return ErrInvalidMarketAuthority
	}
	market.Owner = market.PendingOwner
	market.PendingOwner = crypto.ZeroPubkey
	if err := e.state.PutLendingMarket(market); err != nil {
		return err
	}
	e.emit(&events.ConfigUpdated{Target: marketKey, Scope: "market-owner", Mode: 0})
	return nil
}
