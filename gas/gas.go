// Package gas implements gas accounting for message execution: named
// charges, a configurable price list, and the per-message tracker.
package gas

import (
	"github.com/filecoin-project/go-state-types/abi"

	"github.com/filecoin-project/go-fvm/types"
)

// GasCharge is one named gas event. Compute and storage components are
// tracked separately for tracing but summed when charged.
type GasCharge struct {
	Name string

	ComputeGas int64
	StorageGas int64
}

func (g GasCharge) Total() int64 {
	return g.ComputeGas + g.StorageGas
}

func NewGasCharge(name string, computeGas int64, storageGas int64) GasCharge {
	return GasCharge{
		Name:       name,
		ComputeGas: computeGas,
		StorageGas: storageGas,
	}
}

// PriceList provides the costs of operations. It is injected configuration;
// execution never consults anything else for pricing.
type PriceList struct {
	OnChainMessageComputeBase    int64
	OnChainMessageStoragePerByte int64

	OnChainReturnValuePerByte int64

	SendBase          int64
	SendTransferFunds int64
	SendInvokeMethod  int64

	IpldGetBase    int64
	IpldPutBase    int64
	IpldPutPerByte int64

	CreateActorCompute int64
	CreateActorStorage int64
	DeleteActor        int64

	// WasmInstruction is the cost of one metered instruction unit; the
	// instrumentation pass charges block-lengths in this unit.
	WasmInstruction int64
}

// DefaultPriceList returns the standard pricing schedule.
func DefaultPriceList() PriceList {
	return PriceList{
		OnChainMessageComputeBase:    38863,
		OnChainMessageStoragePerByte: 36,

		OnChainReturnValuePerByte: 36,

		SendBase:          29233,
		SendTransferFunds: 27500,
		SendInvokeMethod:  -5377,

		IpldGetBase:    75000,
		IpldPutBase:    84000,
		IpldPutPerByte: 1,

		CreateActorCompute: 1108454,
		CreateActorStorage: 36 * 100,
		DeleteActor:        -(36 * 100),

		WasmInstruction: 4,
	}
}

// OnChainMessage returns the gas used for storing a message of a given size
// in the chain.
func (pl PriceList) OnChainMessage(msgSize int) GasCharge {
	return NewGasCharge("OnChainMessage", pl.OnChainMessageComputeBase,
		pl.OnChainMessageStoragePerByte*int64(msgSize))
}

// OnChainReturnValue returns the gas used for storing the response of a
// message in the chain.
func (pl PriceList) OnChainReturnValue(dataSize int) GasCharge {
	return NewGasCharge("OnChainReturnValue", 0, int64(dataSize)*pl.OnChainReturnValuePerByte)
}

// OnMethodInvocation returns the gas used when invoking a method.
func (pl PriceList) OnMethodInvocation(value types.BigInt, methodNum abi.MethodNum) GasCharge {
	ret := pl.SendBase
	extra := ""

	if !value.Nil() && types.BigCmp(value, types.NewInt(0)) != 0 {
		ret += pl.SendTransferFunds
		extra += "t"
	}
	if methodNum != 0 {
		ret += pl.SendInvokeMethod
		extra += "i"
	}

	return NewGasCharge("OnMethodInvocation", ret, 0).withExtra(extra)
}

// OnIpldGet returns the gas used for fetching an object from the state store.
func (pl PriceList) OnIpldGet() GasCharge {
	return NewGasCharge("OnIpldGet", pl.IpldGetBase, 0)
}

// OnIpldPut returns the gas used for storing an object of a given size.
func (pl PriceList) OnIpldPut(dataSize int) GasCharge {
	return NewGasCharge("OnIpldPut", pl.IpldPutBase, int64(dataSize)*pl.IpldPutPerByte)
}

// OnCreateActor returns the gas used for creating an actor.
func (pl PriceList) OnCreateActor() GasCharge {
	return NewGasCharge("OnCreateActor", pl.CreateActorCompute, pl.CreateActorStorage)
}

// OnDeleteActor returns the gas used for deleting an actor.
func (pl PriceList) OnDeleteActor() GasCharge {
	return NewGasCharge("OnDeleteActor", 0, pl.DeleteActor)
}

// OnWasmExec converts metered instruction units spent inside a WASM
// invocation into a gas charge.
func (pl PriceList) OnWasmExec(units int64) GasCharge {
	return NewGasCharge("OnWasmExec", units*pl.WasmInstruction, 0)
}

func (g GasCharge) withExtra(extra string) GasCharge {
	if extra != "" {
		g.Name = g.Name + "-" + extra
	}
	return g
}
