package lending

import (
	"fmt"
	"log/slog"

	"github.com/near/borsh-go"

	"lendchain/core/events"
	"lendchain/core/types"
	"lendchain/crypto"
	"lendchain/farms"
	"lendchain/token"
)

// TxState is a transaction-scoped view of the protocol state. The processor
// commits it only when every instruction succeeded; dropping it discards
// all buffered writes.
type TxState interface {
	State
	PendingReserves() []*Reserve
	Commit() error
}

// StateFactory opens a fresh TxState over the durable store.
type StateFactory func() TxState

// Metrics is the counter surface the processor reports into. The
// observability package provides the production implementation.
type Metrics interface {
	ObserveInstruction(op string, code ErrorCode)
	ObserveTransaction(ok bool)
}

type noopMetrics struct{}

func (noopMetrics) ObserveInstruction(string, ErrorCode) {}
func (noopMetrics) ObserveTransaction(bool)              {}

// Processor validates and executes transactions against the lending state.
// Transactions are atomic: any failing instruction rolls back every state
// write and token movement the transaction made, and no events are
// published for it.
type Processor struct {
	factory StateFactory
	tokens  *token.Registry
	oracles OracleDirectory
	emitter events.Emitter
	farms   farms.Farm
	metrics Metrics
	logger  *slog.Logger
}

// NewProcessor wires a processor. Emitter, farms, metrics and logger are
// optional.
func NewProcessor(factory StateFactory, tokens *token.Registry, oracles OracleDirectory) *Processor {
	return &Processor{
		factory: factory,
		tokens:  tokens,
		oracles: oracles,
		emitter: events.NoopEmitter{},
		farms:   farms.Noop{},
		metrics: noopMetrics{},
	}
}

// SetEmitter replaces the event sink.
func (p *Processor) SetEmitter(emitter events.Emitter) {
	if emitter != nil {
		p.emitter = emitter
	}
}

// SetFarms binds the incentive-farm integration.
func (p *Processor) SetFarms(f farms.Farm) {
	if f != nil {
		p.farms = f
	}
}

// SetMetrics binds the metrics sink.
func (p *Processor) SetMetrics(m Metrics) {
	if m != nil {
		p.metrics = m
	}
}

// SetLogger binds the structured logger.
func (p *Processor) SetLogger(logger *slog.Logger) {
	if logger != nil {
		p.logger = logger
	}
}

// checkAccounts lines the provided accounts up against the operation's
// table: same count, every declared signer signed, every declared writable
// marked writable, and no extra writability smuggled in.
func checkAccounts(spec instructionSpec, accounts []types.AccountMeta) error {
	if len(accounts) != len(spec.accounts) {
		return ErrInvalidAccountInput
	}
	for i, role := range spec.accounts {
		meta := accounts[i]
		if role.signer && !meta.IsSigner {
			return ErrInvalidAccountInput
		}
		if role.writable != meta.IsWritable {
			return ErrInvalidAccountInput
		}
	}
	return nil
}

// ExecuteTransaction runs all instructions of tx atomically, committing
// state and publishing events only on full success.
func (p *Processor) ExecuteTransaction(tx *types.Transaction) error {
	if tx == nil || len(tx.Instructions) == 0 {
		return ErrInvalidAccountInput
	}

	st := p.factory()
	engine := NewEngine(st, p.tokens, p.oracles)
	engine.SetFarms(p.farms)
	if p.logger != nil {
		engine.SetLogger(p.logger)
	}
	recorder := &events.Recorder{}
	engine.SetEmitter(recorder)
	engine.SetClock(tx.Slot, tx.UnixTime)

	var restores []func()
	rollback := func() {
		for i := len(restores) - 1; i >= 0; i-- {
			restores[i]()
		}
	}
	for _, kind := range []token.ProgramKind{token.KindClassic, token.KindExtended} {
		program, err := p.tokens.Get(kind)
		if err != nil {
			continue
		}
		if snap, ok := program.(token.Snapshotter); ok {
			restores = append(restores, snap.Snapshot())
		}
	}

	flashTaken := false
	regularBorrowTaken := false
	for i := range tx.Instructions {
		ins := &tx.Instructions[i]
		spec, ok := instructionSpecs[Discriminator(ins.Discriminator)]
		if !ok {
			rollback()
			p.metrics.ObserveTransaction(false)
			return ErrInvalidAccountInput
		}
		if err := checkAccounts(spec, ins.Accounts); err != nil {
			rollback()
			p.metrics.ObserveInstruction(spec.op, CodeOf(err))
			p.metrics.ObserveTransaction(false)
			return err
		}

		switch spec.op {
		case OpFlashBorrowLiquidity:
			// A transaction mixes flash and regular borrows in neither
			// order.
			if regularBorrowTaken {
				rollback()
				p.metrics.ObserveTransaction(false)
				return ErrFlashLoanAlreadyInProgress
			}
			flashTaken = true
		case OpBorrowLiquidity:
			if flashTaken {
				rollback()
				p.metrics.ObserveTransaction(false)
				return ErrFlashLoanAlreadyInProgress
			}
			regularBorrowTaken = true
		}

		if err := p.dispatch(engine, spec, ins, uint8(i)); err != nil {
			rollback()
			p.metrics.ObserveInstruction(spec.op, CodeOf(err))
			p.metrics.ObserveTransaction(false)
			return fmt.Errorf("instruction %d (%s): %w", i, spec.op, err)
		}
		p.metrics.ObserveInstruction(spec.op, 0)
	}

	for _, reserve := range st.PendingReserves() {
		if reserve.FlashLoan.Pending {
			rollback()
			p.metrics.ObserveTransaction(false)
			return ErrFlashLoanNotRepaid
		}
	}

	if err := st.Commit(); err != nil {
		rollback()
		p.metrics.ObserveTransaction(false)
		return err
	}
	for _, ev := range recorder.Events {
		p.emitter.Emit(ev)
	}
	p.metrics.ObserveTransaction(true)
	return nil
}

// dispatch decodes the borsh payload and calls the engine operation with
// the instruction's account keys.
func (p *Processor) dispatch(engine *Engine, spec instructionSpec, ins *types.Instruction, index uint8) error {
	key := func(i int) crypto.Pubkey { return ins.Accounts[i].Key }

	switch spec.op {
	case OpInitLendingMarket:
		var args InitLendingMarketArgs
		if err := borsh.Deserialize(&args, ins.Data); err != nil {
			return ErrInvalidAccountInput
		}
		_, err := engine.InitLendingMarket(key(1), key(0), args.QuoteCurrency)
		return err

	case OpUpdateLendingMarket:
		var args UpdateLendingMarketArgs
		if err := borsh.Deserialize(&args, ins.Data); err != nil {
			return ErrInvalidAccountInput
		}
		return engine.UpdateLendingMarket(key(1), key(0), args.Mode, args.Value)

	case OpSetPendingMarketOwner:
		return engine.SetPendingMarketOwner(key(1), key(0), key(2))

	case OpAcceptMarketOwnership:
		return engine.AcceptMarketOwnership(key(1), key(0))

	case OpInitReserve:
		_, err := engine.InitReserve(key(1), key(2), key(0), key(3), DefaultReserveConfig())
		return err

	case OpUpdateReserveConfig:
		var args UpdateReserveConfigArgs
		if err := borsh.Deserialize(&args, ins.Data); err != nil {
			return ErrInvalidAccountInput
		}
		return engine.UpdateReserveConfig(key(1), key(0), args.Mode, args.Value)

	case OpRefreshReserve:
		_, err := engine.RefreshReserve(key(0))
		return err

	case OpDepositLiquidity:
		var args DepositLiquidityArgs
		if err := borsh.Deserialize(&args, ins.Data); err != nil {
			return ErrInvalidAccountInput
		}
		_, err := engine.DepositReserveLiquidity(key(1), key(0), key(2), key(3), args.Amount)
		return err

	case OpRedeemCollateral:
		var args RedeemCollateralArgs
		if err := borsh.Deserialize(&args, ins.Data); err != nil {
			return ErrInvalidAccountInput
		}
		_, err := engine.RedeemReserveCollateral(key(1), key(0), key(2), key(3), args.Claims)
		return err

	case OpInitObligation:
		var args InitObligationArgs
		if err := borsh.Deserialize(&args, ins.Data); err != nil {
			return ErrInvalidAccountInput
		}
		_, err := engine.InitObligation(key(1), key(2), key(0), args.Tag, crypto.Pubkey(args.Referrer))
		return err

	case OpRefreshObligation:
		_, err := engine.RefreshObligation(key(0))
		return err

	case OpDepositCollateral:
		var args DepositCollateralArgs
		if err := borsh.Deserialize(&args, ins.Data); err != nil {
			return ErrInvalidAccountInput
		}
		return engine.DepositObligationCollateral(key(1), key(2), key(0), key(3), args.Claims)

	case OpWithdrawCollateral:
		var args WithdrawCollateralArgs
		if err := borsh.Deserialize(&args, ins.Data); err != nil {
			return ErrInvalidAccountInput
		}
		_, err := engine.WithdrawObligationCollateral(key(1), key(2), key(0), key(3), args.Claims)
		return err

	case OpDepositAndCollateral:
		var args DepositLiquidityArgs
		if err := borsh.Deserialize(&args, ins.Data); err != nil {
			return ErrInvalidAccountInput
		}
		_, err := engine.DepositLiquidityAndCollateralize(key(1), key(2), key(0), key(3), key(4), args.Amount)
		return err

	case OpWithdrawAndRedeem:
		var args WithdrawCollateralArgs
		if err := borsh.Deserialize(&args, ins.Data); err != nil {
			return ErrInvalidAccountInput
		}
		_, err := engine.WithdrawCollateralAndRedeem(key(1), key(2), key(0), key(3), key(4), args.Claims)
		return err

	case OpBorrowLiquidity:
		var args BorrowLiquidityArgs
		if err := borsh.Deserialize(&args, ins.Data); err != nil {
			return ErrInvalidAccountInput
		}
		_, err := engine.BorrowObligationLiquidity(key(1), key(2), key(0), key(3), args.Amount)
		return err

	case OpRepayLiquidity:
		var args RepayLiquidityArgs
		if err := borsh.Deserialize(&args, ins.Data); err != nil {
			return ErrInvalidAccountInput
		}
		_, err := engine.RepayObligationLiquidity(key(1), key(2), key(0), key(3), args.Amount)
		return err

	case OpRepayAndWithdraw:
		var args RepayAndWithdrawArgs
		if err := borsh.Deserialize(&args, ins.Data); err != nil {
			return ErrInvalidAccountInput
		}
		_, _, err := engine.RepayAndWithdraw(key(1), key(2), key(3), key(0), key(4), key(5), key(6), args.RepayAmount, args.WithdrawClaims)
		return err

	case OpDepositAndWithdraw:
		var args DepositAndWithdrawArgs
		if err := borsh.Deserialize(&args, ins.Data); err != nil {
			return ErrInvalidAccountInput
		}
		_, err := engine.DepositAndWithdraw(key(1), key(2), key(3), key(0), key(4), key(5), key(6), key(7), args.DepositAmount, args.WithdrawClaims)
		return err

	case OpLiquidateObligation:
		var args LiquidateObligationArgs
		if err := borsh.Deserialize(&args, ins.Data); err != nil {
			return ErrInvalidAccountInput
		}
		_, _, err := engine.LiquidateObligation(key(1), key(2), key(3), key(0), key(4), key(5), args.Amount, args.MinReceived)
		return err

	case OpFlashBorrowLiquidity:
		var args FlashBorrowArgs
		if err := borsh.Deserialize(&args, ins.Data); err != nil {
			return ErrInvalidAccountInput
		}
		_, err := engine.FlashBorrowReserveLiquidity(key(1), key(2), crypto.Pubkey(args.Referrer), args.Amount, index)
		return err

	case OpFlashRepayLiquidity:
		var args FlashRepayArgs
		if err := borsh.Deserialize(&args, ins.Data); err != nil {
			return ErrInvalidAccountInput
		}
		return engine.FlashRepayReserveLiquidity(key(1), key(0), key(2), args.Amount, args.BorrowIndex)

	case OpRequestElevationGroup:
		var args RequestElevationGroupArgs
		if err := borsh.Deserialize(&args, ins.Data); err != nil {
			return ErrInvalidAccountInput
		}
		return engine.RequestElevationGroup(key(1), key(0), args.ID)

	case OpWithdrawProtocolFees:
		var args WithdrawFeesArgs
		if err := borsh.Deserialize(&args, ins.Data); err != nil {
			return ErrInvalidAccountInput
		}
		_, err := engine.WithdrawProtocolFees(key(1), key(0), key(2), args.Amount)
		return err

	case OpWithdrawReferrerFees:
		var args WithdrawFeesArgs
		if err := borsh.Deserialize(&args, ins.Data); err != nil {
			return ErrInvalidAccountInput
		}
		_, err := engine.WithdrawReferrerFees(key(1), key(0), key(2), args.Amount)
		return err

	case OpSocializeLoss:
		var args SocializeLossArgs
		if err := borsh.Deserialize(&args, ins.Data); err != nil {
			return ErrInvalidAccountInput
		}
		_, err := engine.SocializeLoss(key(1), key(2), key(0), args.Amount)
		return err

	case OpMarkForDeleveraging:
		var args MarkForDeleveragingArgs
		if err := borsh.Deserialize(&args, ins.Data); err != nil {
			return ErrInvalidAccountInput
		}
		return engine.MarkObligationForDeleveraging(key(1), key(0), args.TargetLtvBps)
	}
	return ErrInvalidAccountInput
}
