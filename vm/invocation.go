package vm

import (
	"context"

	"github.com/filecoin-project/go-address"
	"github.com/filecoin-project/go-state-types/abi"
	"github.com/filecoin-project/go-state-types/exitcode"
	block "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
	mh "github.com/multiformats/go-multihash"
	"golang.org/x/xerrors"

	"github.com/filecoin-project/go-fvm/aerrors"
	"github.com/filecoin-project/go-fvm/engine"
	"github.com/filecoin-project/go-fvm/gas"
	"github.com/filecoin-project/go-fvm/types"
)

// exit codes below this are reserved for the system
const firstActorExitCode = exitcode.ExitCode(16)

// invocationContext is the kernel for one actor invocation. It gives the
// engine's host functions a view of exactly one call frame.
type invocationContext struct {
	ctx context.Context
	cm  *CallManager

	from   abi.ActorID
	to     abi.ActorID
	method abi.MethodNum
	params []byte
	value  types.BigInt

	output []byte
}

var _ engine.Kernel = (*invocationContext)(nil)

func newInvocationContext(ctx context.Context, cm *CallManager, from, to abi.ActorID, method abi.MethodNum, params []byte, value types.BigInt) *invocationContext {
	return &invocationContext{
		ctx:    ctx,
		cm:     cm,
		from:   from,
		to:     to,
		method: method,
		params: params,
		value:  value,
	}
}

func (ic *invocationContext) Input() []byte      { return ic.params }
func (ic *invocationContext) SetOutput(b []byte) { ic.output = b }
func (ic *invocationContext) Output() []byte     { return ic.output }

func (ic *invocationContext) ChargeGas(name string, amount int64) error {
	if aerr := ic.cm.gasTank.Charge(gas.NewGasCharge(name, amount, 0)); aerr != nil {
		return aerr
	}
	return nil
}

func (ic *invocationContext) Send(paramsBlob []byte) ([]byte, exitcode.ExitCode, error) {
	sp, err := types.DecodeSendParams(paramsBlob)
	if err != nil {
		return nil, 0, aerrors.Newf(exitcode.SysErrorIllegalArgument, "malformed send parameters: %s", err)
	}

	ret, aerr := ic.cm.Send(ic.ctx, ic.to, sp.To, sp.Method, sp.Params, sp.Value)
	if aerr != nil {
		if aerr.IsFatal() {
			return nil, 0, aerr
		}
		// callee failure is data to the caller, not a trap
		return nil, aerr.RetCode(), nil
	}
	return ret, exitcode.Ok, nil
}

func (ic *invocationContext) CreateActor(code cid.Cid, addr address.Address) error {
	st := ic.cm.vm.cstate

	if aerr := ic.cm.gasTank.Charge(ic.cm.vm.pricelist.OnCreateActor()); aerr != nil {
		return aerr
	}

	if addr == address.Undef {
		derived, err := ic.cm.NextActorAddress()
		if err != nil {
			return aerrors.Escalate(err, "deriving actor address")
		}
		addr = derived
	}

	if _, err := st.LookupID(addr); err == nil {
		return aerrors.Newf(exitcode.SysErrorIllegalArgument, "address %s is already taken", addr)
	} else if !xerrors.Is(err, types.ErrActorNotFound) {
		return aerrors.Escalate(err, "checking address availability")
	}

	id, err := st.RegisterNewAddress(addr)
	if err != nil {
		return absorbStateErr(err, "registering new actor address")
	}

	act := &types.Actor{
		Code:    code,
		Head:    ic.cm.vm.emptyObject,
		Balance: types.NewInt(0),
	}
	switch addr.Protocol() {
	case address.SECP256K1, address.BLS, address.Delegated:
		a := addr
		act.DelegatedAddress = &a
	}

	if err := st.SetActorByID(id, act); err != nil {
		return absorbStateErr(err, "writing new actor")
	}
	return nil
}

func (ic *invocationContext) DeleteActor(beneficiary address.Address) error {
	st := ic.cm.vm.cstate

	if aerr := ic.cm.gasTank.Charge(ic.cm.vm.pricelist.OnDeleteActor()); aerr != nil {
		return aerr
	}

	benID, err := st.LookupID(beneficiary)
	if err != nil {
		if xerrors.Is(err, types.ErrActorNotFound) {
			return aerrors.Newf(exitcode.SysErrorIllegalArgument, "beneficiary %s does not exist", beneficiary)
		}
		return aerrors.Escalate(err, "resolving beneficiary")
	}
	if benID == ic.to {
		return aerrors.Newf(exitcode.SysErrorIllegalArgument, "cannot delete actor with itself as beneficiary")
	}

	self, err := st.GetActorByID(ic.to)
	if err != nil {
		return aerrors.Escalate(err, "getting self actor")
	}

	if self.Balance.GreaterThan(types.NewInt(0)) {
		if aerr := ic.cm.vm.transfer(ic.to, benID, self.Balance); aerr != nil {
			return aerr
		}
	}

	if err := st.DeleteActor(ic.to); err != nil {
		return absorbStateErr(err, "deleting actor")
	}
	return nil
}

func (ic *invocationContext) StateRead() ([]byte, error) {
	act, err := ic.cm.vm.cstate.GetActorByID(ic.to)
	if err != nil {
		return nil, aerrors.Escalate(err, "getting self actor")
	}

	// nothing written yet
	if act.Head == ic.cm.vm.emptyObject {
		return nil, nil
	}

	blk, err := ic.cm.blocks.Get(ic.ctx, act.Head)
	if err != nil {
		if aerr, ok := aerrors.Unwrap(err); ok {
			return nil, aerr
		}
		return nil, aerrors.Escalate(err, "reading actor state")
	}
	return blk.RawData(), nil
}

func (ic *invocationContext) StateWrite(data []byte) error {
	pref := cid.NewPrefixV1(cid.Raw, mh.BLAKE2B_MIN+31)
	c, err := pref.Sum(data)
	if err != nil {
		return aerrors.Escalate(err, "hashing actor state")
	}
	blk, err := block.NewBlockWithCid(data, c)
	if err != nil {
		return aerrors.Escalate(err, "building state block")
	}

	if err := ic.cm.blocks.Put(ic.ctx, blk); err != nil {
		if aerr, ok := aerrors.Unwrap(err); ok {
			return aerr
		}
		return aerrors.Escalate(err, "writing actor state")
	}

	st := ic.cm.vm.cstate
	act, err := st.GetActorByID(ic.to)
	if err != nil {
		return aerrors.Escalate(err, "getting self actor")
	}
	act.Head = c
	if err := st.SetActorByID(ic.to, act); err != nil {
		return absorbStateErr(err, "updating actor head")
	}
	return nil
}

func (ic *invocationContext) Abort(code exitcode.ExitCode, msg string) error {
	if code < firstActorExitCode {
		return aerrors.Newf(exitcode.SysErrorIllegalActor, "actor aborted with reserved exit code %d", code)
	}
	return aerrors.New(code, msg)
}
