// Package vm applies messages: it resolves the sender, runs the call stack
// through the engine, meters gas, and folds actor failures into receipts.
package vm

import (
	"context"
	"time"

	"github.com/filecoin-project/go-state-types/abi"
	"github.com/filecoin-project/go-state-types/exitcode"
	"github.com/ipfs/go-cid"
	cbor "github.com/ipfs/go-ipld-cbor"
	logging "github.com/ipfs/go-log/v2"
	"go.opencensus.io/stats"
	"go.opencensus.io/trace"
	"golang.org/x/xerrors"

	"github.com/filecoin-project/go-fvm/aerrors"
	"github.com/filecoin-project/go-fvm/blockstore"
	"github.com/filecoin-project/go-fvm/engine"
	"github.com/filecoin-project/go-fvm/gas"
	"github.com/filecoin-project/go-fvm/metrics"
	"github.com/filecoin-project/go-fvm/state"
	"github.com/filecoin-project/go-fvm/types"
)

var log = logging.Logger("vm")

const DefaultMaxCallDepth = 1024

type Config struct {
	// StateRoot to load; cid.Undef starts from an empty tree.
	StateRoot cid.Cid

	// Blockstore is the backing store. The VM buffers writes in front of
	// it until Flush.
	Blockstore blockstore.Blockstore

	// EnginePool provides execution slots; may be shared between VMs.
	EnginePool *engine.EnginePool

	PriceList    gas.PriceList
	MaxCallDepth int

	// AccountActorCode is the module installed when an account actor is
	// created on first send to a key address.
	AccountActorCode cid.Cid
}

type VM struct {
	cstate *state.StateTree
	cst    cbor.IpldStore
	buf    *blockstore.BufferedBS

	pool         *engine.EnginePool
	pricelist    gas.PriceList
	maxCallDepth int
	accountCode  cid.Cid

	// emptyObject is the head new actors get until their constructor
	// writes state.
	emptyObject cid.Cid
}

func NewVM(ctx context.Context, cfg Config) (*VM, error) {
	if cfg.Blockstore == nil {
		return nil, xerrors.New("vm requires a blockstore")
	}
	if cfg.EnginePool == nil {
		return nil, xerrors.New("vm requires an engine pool")
	}

	buf := blockstore.NewBufferedBstore(cfg.Blockstore)
	cst := cbor.NewCborStore(buf)

	var st *state.StateTree
	var err error
	if cfg.StateRoot == cid.Undef {
		st, err = state.NewStateTree(cst)
	} else {
		st, err = state.LoadStateTree(cst, cfg.StateRoot)
	}
	if err != nil {
		return nil, xerrors.Errorf("loading state tree: %w", err)
	}

	empty, err := cst.Put(ctx, &types.StateInfo{})
	if err != nil {
		return nil, xerrors.Errorf("storing empty object: %w", err)
	}

	maxDepth := cfg.MaxCallDepth
	if maxDepth <= 0 {
		maxDepth = DefaultMaxCallDepth
	}

	return &VM{
		cstate:       st,
		cst:          cst,
		buf:          buf,
		pool:         cfg.EnginePool,
		pricelist:    cfg.PriceList,
		maxCallDepth: maxDepth,
		accountCode:  cfg.AccountActorCode,
		emptyObject:  empty,
	}, nil
}

// StateTree exposes the VM's live state, mainly for setup and inspection.
func (v *VM) StateTree() *state.StateTree {
	return v.cstate
}

// ApplyRet is the outcome of one message: the receipt, diagnostics for
// failures, and detailed gas traces when tracing is enabled.
type ApplyRet struct {
	types.MessageReceipt

	ActorErr  aerrors.ActorError
	Backtrace types.Backtrace
	GasTraces []*types.GasTrace
	Duration  time.Duration
}

func (v *VM) Execute(ctx context.Context, msg *types.Message) (*ApplyRet, error) {
	start := time.Now()
	ctx, span := trace.StartSpan(ctx, "vm.Execute")
	defer span.End()
	if span.IsRecordingEvents() {
		span.AddAttributes(
			trace.StringAttribute("to", msg.To.String()),
			trace.Int64Attribute("method", int64(msg.Method)),
			trace.StringAttribute("value", msg.Value.String()),
		)
	}

	if err := msg.ValidForExecution(); err != nil {
		return nil, xerrors.Errorf("message not valid for execution: %w", err)
	}

	tok := v.pool.Acquire(ctx)
	cm := newCallManager(v, tok, msg)
	defer cm.release()

	msgLen, err := msg.ChainLength()
	if err != nil {
		return nil, xerrors.Errorf("serializing message: %w", err)
	}
	if !cm.gasTank.TryCharge(v.pricelist.OnChainMessage(msgLen)) {
		return cm.failedApply(start, aerrors.Newf(exitcode.SysErrOutOfGas, "gas limit below message inclusion cost")), nil
	}

	senderID, aerr, err := v.checkSender(msg)
	if err != nil {
		return nil, err
	}
	if aerr != nil {
		return cm.failedApply(start, aerr), nil
	}
	cm.origin = senderID

	// the nonce advances whatever the call stack does afterwards
	if err := v.cstate.MutateActor(msg.From, func(a *types.Actor) error {
		a.Nonce++
		return nil
	}); err != nil {
		return nil, xerrors.Errorf("incrementing sender nonce: %w", err)
	}

	// bracket the whole call stack so a failing exit code reverts it
	// wholesale, leaving only the nonce bump behind
	v.cstate.BeginTransaction(false)

	ret, aerr := cm.Send(ctx, senderID, msg.To, msg.Method, msg.Params, msg.Value)
	if aerrors.IsFatal(aerr) {
		// unwind the message transaction so the tree stays usable
		if err := v.cstate.EndTransaction(true); err != nil {
			log.Warnw("reverting transaction after fatal error", "error", err)
		}
		return nil, xerrors.Errorf("fatal error applying message: %w", aerr)
	}

	code := aerrors.RetCode(aerr)
	if code == exitcode.Ok {
		if !cm.gasTank.TryCharge(v.pricelist.OnChainReturnValue(len(ret))) {
			aerr = aerrors.Newf(exitcode.SysErrOutOfGas, "gas exhausted storing return value")
			code = exitcode.SysErrOutOfGas
			ret = nil
		}
	}

	if err := v.cstate.EndTransaction(code != exitcode.Ok); err != nil {
		return nil, xerrors.Errorf("ending message transaction: %w", err)
	}

	gasUsed, backtrace := cm.Finish()
	stats.Record(ctx, metrics.MessagesApplied.M(1))

	if aerr != nil {
		log.Debugw("message failed", "to", msg.To, "method", msg.Method, "exitcode", code, "error", aerr)
	}

	return &ApplyRet{
		MessageReceipt: types.MessageReceipt{
			ExitCode: code,
			Return:   ret,
			GasUsed:  gasUsed,
		},
		ActorErr:  aerr,
		Backtrace: backtrace,
		GasTraces: cm.gasTank.Traces,
		Duration:  time.Since(start),
	}, nil
}

// checkSender validates the sender account. The returned ActorError is a
// pre-execution rejection; the plain error is fatal.
func (v *VM) checkSender(msg *types.Message) (abi.ActorID, aerrors.ActorError, error) {
	senderID, err := v.cstate.LookupID(msg.From)
	if err != nil {
		if xerrors.Is(err, types.ErrActorNotFound) {
			return 0, aerrors.Newf(exitcode.SysErrSenderInvalid, "sender %s not found", msg.From), nil
		}
		return 0, nil, xerrors.Errorf("resolving sender: %w", err)
	}

	sender, err := v.cstate.GetActorByID(senderID)
	if err != nil {
		if xerrors.Is(err, types.ErrActorNotFound) {
			return 0, aerrors.Newf(exitcode.SysErrSenderInvalid, "sender %s not found", msg.From), nil
		}
		return 0, nil, xerrors.Errorf("getting sender actor: %w", err)
	}

	if sender.Code != v.accountCode {
		return 0, aerrors.Newf(exitcode.SysErrSenderInvalid, "sender %s is not an account actor", msg.From), nil
	}
	if sender.Nonce != msg.Nonce {
		return 0, aerrors.Newf(exitcode.SysErrSenderStateInvalid, "message nonce %d, expected %d", msg.Nonce, sender.Nonce), nil
	}
	if sender.Balance.LessThan(msg.Value) {
		return 0, aerrors.Newf(exitcode.SysErrSenderStateInvalid, "sender balance %s below message value %s", sender.Balance, msg.Value), nil
	}

	return senderID, nil, nil
}

// transfer moves value between actors, atomically on success and not at all
// otherwise.
func (v *VM) transfer(from, to abi.ActorID, amt types.BigInt) aerrors.ActorError {
	if amt.LessThan(types.NewInt(0)) {
		return aerrors.Newf(exitcode.SysErrForbidden, "attempted to transfer negative value")
	}
	if from == to {
		return nil
	}

	f, err := v.cstate.GetActorByID(from)
	if err != nil {
		return aerrors.Escalate(err, "getting transfer sender")
	}
	if f.Balance.LessThan(amt) {
		return aerrors.Newf(exitcode.SysErrInsufficientFunds, "transfer failed, insufficient balance (%s < %s)", f.Balance, amt)
	}

	t, err := v.cstate.GetActorByID(to)
	if err != nil {
		return aerrors.Escalate(err, "getting transfer receiver")
	}

	f.Balance = types.BigSub(f.Balance, amt)
	t.Balance = types.BigAdd(t.Balance, amt)

	if err := v.cstate.SetActorByID(from, f); err != nil {
		return absorbStateErr(err, "debiting sender")
	}
	if err := v.cstate.SetActorByID(to, t); err != nil {
		return absorbStateErr(err, "crediting receiver")
	}

	return nil
}

// absorbStateErr maps a state mutation failure to an actor error: hitting
// the read-only guard is the caller's fault, anything else is fatal.
func absorbStateErr(err error, msg string) aerrors.ActorError {
	if xerrors.Is(err, state.ErrReadOnly) {
		return aerrors.Absorb(err, exitcode.SysErrForbidden, msg)
	}
	return aerrors.Escalate(err, msg)
}

func (v *VM) Flush(ctx context.Context) (cid.Cid, error) {
	ctx, span := trace.StartSpan(ctx, "vm.Flush")
	defer span.End()

	root, err := v.cstate.Flush(ctx)
	if err != nil {
		return cid.Undef, xerrors.Errorf("flushing state tree: %w", err)
	}

	if err := blockstore.Copy(ctx, v.buf, v.buf.Read(), root); err != nil {
		return cid.Undef, xerrors.Errorf("copying vm buffer: %w", err)
	}

	return root, nil
}
