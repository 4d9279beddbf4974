package gas

import (
	"os"

	"github.com/filecoin-project/go-state-types/exitcode"
	logging "github.com/ipfs/go-log/v2"

	"github.com/filecoin-project/go-fvm/aerrors"
	"github.com/filecoin-project/go-fvm/types"
)

var log = logging.Logger("gas")

// EnableDetailedTracing records a GasTrace per charge when true. Set by the
// FVM_GAS_TRACING env var; has a performance cost.
var EnableDetailedTracing = os.Getenv("FVM_GAS_TRACING") == "1"

// GasTracker maintains the stateview of gas consumption throughout the
// execution of a message. GasUsed never decreases and never exceeds
// GasAvailable.
type GasTracker struct {
	GasAvailable int64
	GasUsed      int64

	Traces []*types.GasTrace
}

func NewGasTracker(limit int64) *GasTracker {
	return &GasTracker{
		GasAvailable: limit,
		GasUsed:      0,
	}
}

// TryCharge charges gas, returning false and saturating GasUsed at the
// limit when the budget is insufficient.
func (t *GasTracker) TryCharge(gas GasCharge) bool {
	toUse := gas.Total()
	if toUse < 0 {
		toUse = 0
	}

	if EnableDetailedTracing {
		t.Traces = append(t.Traces, &types.GasTrace{
			Name:       gas.Name,
			TotalGas:   toUse,
			ComputeGas: gas.ComputeGas,
			StorageGas: gas.StorageGas,
		})
	}

	// overflow safe
	if t.GasUsed > t.GasAvailable-toUse {
		log.Debugw("out of gas", "charge", gas.Name, "used", t.GasUsed, "available", t.GasAvailable)
		t.GasUsed = t.GasAvailable
		return false
	}
	t.GasUsed += toUse
	return true
}

// Charge is TryCharge returning SysErrOutOfGas on exhaustion.
func (t *GasTracker) Charge(gas GasCharge) aerrors.ActorError {
	if ok := t.TryCharge(gas); !ok {
		return aerrors.Newf(exitcode.SysErrOutOfGas, "not enough gas: used=%d, available=%d, charge=%s",
			t.GasUsed, t.GasAvailable, gas.Name)
	}
	return nil
}

// Remaining returns the gas still available to execution.
func (t *GasTracker) Remaining() int64 {
	r := t.GasAvailable - t.GasUsed
	if r < 0 {
		return 0
	}
	return r
}
