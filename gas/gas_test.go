package gas

import (
	"math"
	"testing"

	"github.com/filecoin-project/go-state-types/exitcode"
	"github.com/stretchr/testify/require"

	"github.com/filecoin-project/go-fvm/aerrors"
	"github.com/filecoin-project/go-fvm/types"
)

func TestChargeMonotonic(t *testing.T) {
	tr := NewGasTracker(1000)

	require.True(t, tr.TryCharge(NewGasCharge("a", 100, 0)))
	require.Equal(t, int64(100), tr.GasUsed)

	require.True(t, tr.TryCharge(NewGasCharge("b", 0, 400)))
	require.Equal(t, int64(500), tr.GasUsed)

	// negative charges must not refund
	require.True(t, tr.TryCharge(NewGasCharge("c", -50, 0)))
	require.Equal(t, int64(500), tr.GasUsed)
}

func TestChargeSaturates(t *testing.T) {
	tr := NewGasTracker(1000)

	require.True(t, tr.TryCharge(NewGasCharge("a", 900, 0)))
	require.False(t, tr.TryCharge(NewGasCharge("b", 200, 0)))
	require.Equal(t, int64(1000), tr.GasUsed)
	require.Equal(t, int64(0), tr.Remaining())

	// once exhausted, stays exhausted
	require.False(t, tr.TryCharge(NewGasCharge("c", 1, 0)))
	require.Equal(t, int64(1000), tr.GasUsed)
}

func TestChargeOverflow(t *testing.T) {
	tr := NewGasTracker(math.MaxInt64)
	require.True(t, tr.TryCharge(NewGasCharge("a", math.MaxInt64-10, 0)))
	require.False(t, tr.TryCharge(NewGasCharge("b", math.MaxInt64-10, 0)))
	require.Equal(t, int64(math.MaxInt64), tr.GasUsed)
}

func TestChargeErrorCode(t *testing.T) {
	tr := NewGasTracker(10)
	err := tr.Charge(NewGasCharge("big", 100, 0))
	require.NotNil(t, err)
	require.False(t, aerrors.IsFatal(err))
	require.Equal(t, exitcode.SysErrOutOfGas, err.RetCode())
}

func TestMethodInvocationPricing(t *testing.T) {
	pl := DefaultPriceList()

	bare := pl.OnMethodInvocation(types.NewInt(0), 0)
	require.Equal(t, pl.SendBase, bare.Total())

	transfer := pl.OnMethodInvocation(types.NewInt(1), 0)
	require.Equal(t, pl.SendBase+pl.SendTransferFunds, transfer.Total())

	invoke := pl.OnMethodInvocation(types.NewInt(0), 2)
	require.Equal(t, pl.SendBase+pl.SendInvokeMethod, invoke.Total())
}
