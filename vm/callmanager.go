package vm

import (
	"bytes"
	"context"
	"encoding/binary"
	"time"

	"github.com/filecoin-project/go-address"
	"github.com/filecoin-project/go-state-types/abi"
	"github.com/filecoin-project/go-state-types/exitcode"
	"github.com/ipfs/go-cid"
	"golang.org/x/xerrors"

	"github.com/filecoin-project/go-fvm/actors"
	"github.com/filecoin-project/go-fvm/aerrors"
	"github.com/filecoin-project/go-fvm/engine"
	"github.com/filecoin-project/go-fvm/gas"
	"github.com/filecoin-project/go-fvm/types"
)

// CallManager runs one message's call stack: it owns the gas tracker, the
// engine token, the call depth, and the backtrace. It lives exactly as long
// as the message.
type CallManager struct {
	vm      *VM
	engine  *engine.EngineToken
	owner   int64
	gasTank *gas.GasTracker

	// blocks is the gas-charging view of the VM's buffered store that
	// actor state reads and writes go through.
	blocks *gas.ChargingBlockstore

	// origin and originNonce seed new actor address derivation; they pin
	// addresses to the message that created them.
	origin      abi.ActorID
	originNonce uint64

	depth            int
	backtrace        types.Backtrace
	numActorsCreated uint64
	finished         bool
}

func newCallManager(v *VM, tok *engine.EngineToken, msg *types.Message) *CallManager {
	tank := gas.NewGasTracker(msg.GasLimit)
	return &CallManager{
		vm:          v,
		engine:      tok,
		owner:       tok.NewOwner(),
		gasTank:     tank,
		blocks:      gas.NewChargingBlockstore(v.pricelist, tank, v.buf),
		originNonce: msg.Nonce,
	}
}

// Finish settles the message: it returns the gas used and the backtrace and
// releases the engine slot. Idempotent.
func (cm *CallManager) Finish() (int64, types.Backtrace) {
	if !cm.finished {
		cm.finished = true
		cm.engine.Done()
	}

	gasUsed := cm.gasTank.GasUsed
	if gasUsed < 0 {
		gasUsed = 0
	}
	return gasUsed, cm.backtrace
}

func (cm *CallManager) release() {
	if !cm.finished {
		cm.finished = true
		cm.engine.Done()
	}
}

// failedApply builds the receipt for a message rejected before the call
// stack ran.
func (cm *CallManager) failedApply(start time.Time, aerr aerrors.ActorError) *ApplyRet {
	gasUsed, backtrace := cm.Finish()
	return &ApplyRet{
		MessageReceipt: types.MessageReceipt{
			ExitCode: aerr.RetCode(),
			GasUsed:  gasUsed,
		},
		ActorErr:  aerr,
		Backtrace: backtrace,
		GasTraces: cm.gasTank.Traces,
		Duration:  time.Since(start),
	}
}

// Send runs one call, nested or top-level. Each call executes in its own
// state transaction: a failure reverts everything the callee and its callees
// did, but gas stays spent.
func (cm *CallManager) Send(ctx context.Context, from abi.ActorID, to address.Address, method abi.MethodNum, params []byte, value types.BigInt) ([]byte, aerrors.ActorError) {
	if cm.depth >= cm.vm.maxCallDepth {
		aerr := aerrors.Newf(exitcode.SysErrForbidden, "message execution exceeds call depth limit (%d)", cm.vm.maxCallDepth)
		cm.pushFrame(0, method, aerr)
		return nil, aerr
	}
	cm.depth++
	defer func() { cm.depth-- }()

	st := cm.vm.cstate
	st.BeginTransaction(false)

	ret, toID, aerr := cm.sendInner(ctx, from, to, method, params, value)

	if err := st.EndTransaction(aerr != nil); err != nil {
		return nil, aerrors.Escalate(err, "ending call transaction")
	}

	if aerr != nil && !aerr.IsFatal() {
		cm.pushFrame(toID, method, aerr)
	}
	return ret, aerr
}

func (cm *CallManager) sendInner(ctx context.Context, from abi.ActorID, to address.Address, method abi.MethodNum, params []byte, value types.BigInt) ([]byte, abi.ActorID, aerrors.ActorError) {
	pl := cm.vm.pricelist

	toID, toActor, aerr := cm.resolveTarget(ctx, to)
	if aerr != nil {
		return nil, toID, aerr
	}

	if aerr := cm.gasTank.Charge(pl.OnMethodInvocation(value, method)); aerr != nil {
		return nil, toID, aerr
	}

	if !value.Nil() && types.BigCmp(value, types.NewInt(0)) != 0 {
		if aerr := cm.vm.transfer(from, toID, value); aerr != nil {
			return nil, toID, aerr
		}
	}

	// a bare value transfer stops here
	if method == actors.MethodSend {
		return nil, toID, nil
	}

	rec, err := cm.engine.Load(ctx, toActor.Code, cm.codeFetcher(ctx))
	if err != nil {
		return nil, toID, aerrors.Escalate(err, "loading actor module")
	}

	inst, err := cm.engine.Instantiate(ctx, rec, cm.owner)
	if err != nil {
		return nil, toID, aerrors.Escalate(err, "instantiating actor module")
	}
	defer inst.Close(ctx)

	ic := newInvocationContext(ctx, cm, from, toID, method, params, value)
	ret, aerr := inst.Invoke(ctx, ic, method, cm.gasTank, pl)
	return ret, toID, aerr
}

// resolveTarget finds the receiver, creating an account actor on the fly
// when a key address has never been seen before.
func (cm *CallManager) resolveTarget(ctx context.Context, to address.Address) (abi.ActorID, *types.Actor, aerrors.ActorError) {
	st := cm.vm.cstate

	toID, err := st.LookupID(to)
	if err == nil {
		act, err := st.GetActorByID(toID)
		if err == nil {
			return toID, act, nil
		}
		if xerrors.Is(err, types.ErrActorNotFound) {
			return toID, nil, aerrors.Newf(exitcode.SysErrInvalidReceiver, "receiver %s does not exist", to)
		}
		return toID, nil, aerrors.Escalate(err, "getting receiver actor")
	}
	if !xerrors.Is(err, types.ErrActorNotFound) {
		return 0, nil, aerrors.Escalate(err, "resolving receiver address")
	}

	switch to.Protocol() {
	case address.SECP256K1, address.BLS:
		return cm.createAccountActor(ctx, to)
	default:
		return 0, nil, aerrors.Newf(exitcode.SysErrInvalidReceiver, "receiver %s does not exist", to)
	}
}

func (cm *CallManager) pushFrame(to abi.ActorID, method abi.MethodNum, aerr aerrors.ActorError) {
	cm.backtrace = append(cm.backtrace, types.Frame{
		Actor:  to,
		Method: method,
		Code:   aerr.RetCode(),
		Msg:    aerr.Error(),
	})
}

// NextActorAddress derives a reorg-stable address for an actor created
// during this message. The counter never resets, so repeated creations in
// one message get distinct addresses.
func (cm *CallManager) NextActorAddress() (address.Address, error) {
	originAddr, err := address.NewIDAddress(uint64(cm.origin))
	if err != nil {
		return address.Undef, xerrors.Errorf("origin id address: %w", err)
	}

	var b bytes.Buffer
	if _, err := b.Write(originAddr.Bytes()); err != nil {
		return address.Undef, err
	}
	if err := binary.Write(&b, binary.BigEndian, cm.originNonce); err != nil {
		return address.Undef, err
	}
	if err := binary.Write(&b, binary.BigEndian, cm.numActorsCreated); err != nil {
		return address.Undef, err
	}
	cm.numActorsCreated++

	return address.NewActorAddress(b.Bytes())
}

// codeFetcher reads raw module bytes for the engine's compile path. Reads
// go to the buffered store directly; compilation is cached across messages
// so it is not metered here.
func (cm *CallManager) codeFetcher(ctx context.Context) func(cid.Cid) ([]byte, error) {
	return func(c cid.Cid) ([]byte, error) {
		blk, err := cm.vm.buf.Get(ctx, c)
		if err != nil {
			return nil, xerrors.Errorf("fetching module %s: %w", c, err)
		}
		return blk.RawData(), nil
	}
}
