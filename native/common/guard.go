package common

import "errors"

var (
	// ErrEmergencyMode rejects every mutating flow while the market-wide
	// emergency flag is raised.
	ErrEmergencyMode = errors.New("market in emergency mode")
	// ErrActionPaused rejects a single flow that governance switched off.
	ErrActionPaused = errors.New("action paused")
)

// Action names a pausable protocol flow.
type Action uint8

const (
	ActionSupply Action = iota
	ActionWithdraw
	ActionBorrow
	ActionRepay
	ActionLiquidate
	ActionFlashLoan
)

func (a Action) String() string {
	switch a {
	case ActionSupply:
		return "supply"
	case ActionWithdraw:
		return "withdraw"
	case ActionBorrow:
		return "borrow"
	case ActionRepay:
		return "repay"
	case ActionLiquidate:
		return "liquidate"
	case ActionFlashLoan:
		return "flashloan"
	}
	return "unknown"
}

// PauseView exposes the pause switches an engine consults before mutating
// state. The lending market is the canonical implementation.
type PauseView interface {
	InEmergencyMode() bool
	IsPaused(action Action) bool
}

// Guard returns an error when the given action is currently disallowed.
// Repay and liquidate stay live in emergency mode so positions can still be
// unwound.
func Guard(p PauseView, action Action) error {
	if p == nil {
		return nil
	}
	if p.InEmergencyMode() && action != ActionRepay && action != ActionLiquidate {
		return ErrEmergencyMode
	}
	if p.IsPaused(action) {
		return ErrActionPaused
	}
	return nil
}
