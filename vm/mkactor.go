package vm

import (
	"context"

	"github.com/filecoin-project/go-address"
	"github.com/filecoin-project/go-state-types/abi"
	"github.com/filecoin-project/go-state-types/exitcode"
	"github.com/ipfs/go-cid"
	"golang.org/x/xerrors"

	"github.com/filecoin-project/go-fvm/actors"
	"github.com/filecoin-project/go-fvm/aerrors"
	"github.com/filecoin-project/go-fvm/types"
)

// createAccountActor brings an account actor into existence for a key
// address seen for the first time. The constructor runs as a fresh nested
// call, so the caller's transaction covers it: if anything fails, the new
// actor is reverted away with the rest.
func (cm *CallManager) createAccountActor(ctx context.Context, addr address.Address) (abi.ActorID, *types.Actor, aerrors.ActorError) {
	st := cm.vm.cstate

	if cm.vm.accountCode == cid.Undef {
		return 0, nil, aerrors.Newf(exitcode.SysErrInvalidReceiver, "no account actor code configured, cannot create %s", addr)
	}

	if aerr := cm.gasTank.Charge(cm.vm.pricelist.OnCreateActor()); aerr != nil {
		return 0, nil, aerr
	}

	id, err := st.RegisterNewAddress(addr)
	if err != nil {
		return 0, nil, absorbStateErr(err, "registering account address")
	}

	delegated := addr
	act := &types.Actor{
		Code:             cm.vm.accountCode,
		Head:             cm.vm.emptyObject,
		Balance:          types.NewInt(0),
		DelegatedAddress: &delegated,
	}
	if err := st.SetActorByID(id, act); err != nil {
		return 0, nil, absorbStateErr(err, "writing account actor")
	}

	idAddr, err := address.NewIDAddress(uint64(id))
	if err != nil {
		return 0, nil, aerrors.Escalate(err, "building id address")
	}

	initID, err := address.IDFromAddress(actors.InitActorAddr)
	if err != nil {
		return 0, nil, aerrors.Escalate(err, "resolving init actor id")
	}

	if _, aerr := cm.Send(ctx, abi.ActorID(initID), idAddr, actors.MethodConstructor, addr.Bytes(), types.NewInt(0)); aerr != nil {
		if aerr.IsFatal() {
			return 0, nil, aerr
		}
		return 0, nil, aerrors.Wrapf(aerr, "account constructor for %s failed", addr)
	}

	created, err := st.GetActorByID(id)
	if err != nil {
		return 0, nil, aerrors.Escalate(xerrors.Errorf("actor missing after constructor: %w", err), "creating account actor")
	}
	return id, created, nil
}
