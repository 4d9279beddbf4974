package engine

import (
	"context"
	"testing"

	"github.com/filecoin-project/go-address"
	"github.com/filecoin-project/go-state-types/exitcode"
	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
	"github.com/stretchr/testify/require"
	"github.com/wippyai/wasm-runtime/wasm"
	"github.com/wippyai/wasm-runtime/wat"

	"github.com/filecoin-project/go-fvm/aerrors"
	"github.com/filecoin-project/go-fvm/gas"
)

type testKernel struct {
	input  []byte
	output []byte
	state  []byte

	tracker        *gas.GasTracker
	chargeAccepted bool
}

func (k *testKernel) Input() []byte      { return k.input }
func (k *testKernel) SetOutput(b []byte) { k.output = b }
func (k *testKernel) Output() []byte     { return k.output }

func (k *testKernel) ChargeGas(name string, amount int64) error {
	if k.tracker == nil {
		return nil
	}
	if aerr := k.tracker.Charge(gas.NewGasCharge(name, amount, 0)); aerr != nil {
		return aerr
	}
	k.chargeAccepted = true
	return nil
}

func (k *testKernel) Send(params []byte) ([]byte, exitcode.ExitCode, error) {
	return nil, 0, aerrors.Fatal("send is not wired in this test")
}

func (k *testKernel) CreateActor(code cid.Cid, addr address.Address) error {
	return aerrors.Fatal("create_actor is not wired in this test")
}

func (k *testKernel) DeleteActor(beneficiary address.Address) error {
	return aerrors.Fatal("delete_actor is not wired in this test")
}

func (k *testKernel) StateRead() ([]byte, error) { return k.state, nil }
func (k *testKernel) StateWrite(d []byte) error  { k.state = d; return nil }

func (k *testKernel) Abort(code exitcode.ExitCode, msg string) error {
	return aerrors.New(code, msg)
}

func testEngine(t *testing.T, cfg Config) *Engine {
	t.Helper()
	pool, err := NewEnginePool(context.Background(), cfg)
	require.NoError(t, err)
	tok := pool.Acquire(context.Background())
	t.Cleanup(tok.Done)
	return tok.Engine
}

func loadWat(t *testing.T, e *Engine, src string) *ModuleRecord {
	t.Helper()
	code, err := wat.Compile(src)
	require.NoError(t, err)

	key := blocks.NewBlock(code).Cid()
	rec, err := e.Load(context.Background(), key, func(cid.Cid) ([]byte, error) {
		return code, nil
	})
	require.NoError(t, err)
	return rec
}

func invokeWat(t *testing.T, e *Engine, src string, k Kernel, gasLimit int64) ([]byte, *gas.GasTracker, aerrors.ActorError) {
	t.Helper()
	ctx := context.Background()

	rec := loadWat(t, e, src)
	inst, err := e.Instantiate(ctx, rec, e.NewOwner())
	require.NoError(t, err)
	defer inst.Close(ctx)

	tracker := gas.NewGasTracker(gasLimit)
	ret, aerr := inst.Invoke(ctx, k, 2, tracker, gas.DefaultPriceList())
	return ret, tracker, aerr
}

const watReturnOk = `(module
	(func (export "invoke") (param i32) (result i32)
		i32.const 1
		i32.const 2
		i32.add
		drop
		i32.const 0
	)
)`

func TestInstrumentInjectsGlobals(t *testing.T) {
	code, err := wat.Compile(watReturnOk)
	require.NoError(t, err)

	out, err := instrument(code, 128)
	require.NoError(t, err)

	m, err := wasm.ParseModuleValidate(out)
	require.NoError(t, err)

	exported := map[string]bool{}
	for _, e := range m.Exports {
		if e.Kind == wasm.KindGlobal {
			exported[e.Name] = true
		}
	}
	require.True(t, exported[GasGlobalName])
	require.True(t, exported[TrapGlobalName])
	require.True(t, exported[DepthGlobalName])

	// the rewritten body must have grown
	orig, err := wasm.ParseModuleValidate(code)
	require.NoError(t, err)
	require.Greater(t, len(m.Code[0].Code), len(orig.Code[0].Code))
}

func TestInvokeSuccessChargesGas(t *testing.T) {
	e := testEngine(t, DefaultConfig())

	k := &testKernel{}
	ret, tracker, aerr := invokeWat(t, e, watReturnOk, k, 1_000_000)
	require.Nil(t, aerr)
	require.Empty(t, ret)
	require.Greater(t, tracker.GasUsed, int64(0))
	require.LessOrEqual(t, tracker.GasUsed, tracker.GasAvailable)
}

func TestInvokeOutOfGas(t *testing.T) {
	e := testEngine(t, DefaultConfig())

	src := `(module
		(func (export "invoke") (param i32) (result i32)
			loop $spin
				br $spin
			end
			i32.const 0
		)
	)`

	_, tracker, aerr := invokeWat(t, e, src, &testKernel{}, 10_000)
	require.NotNil(t, aerr)
	require.False(t, aerrors.IsFatal(aerr))
	require.Equal(t, exitcode.SysErrOutOfGas, aerr.RetCode())
	require.Equal(t, tracker.GasAvailable, tracker.GasUsed)
}

func TestInvokeActorExitCode(t *testing.T) {
	e := testEngine(t, DefaultConfig())

	src := `(module
		(func (export "invoke") (param i32) (result i32)
			i32.const 42
		)
	)`

	_, _, aerr := invokeWat(t, e, src, &testKernel{}, 1_000_000)
	require.NotNil(t, aerr)
	require.False(t, aerrors.IsFatal(aerr))
	require.Equal(t, exitcode.ExitCode(42), aerr.RetCode())
}

func TestInvokeReservedExitCode(t *testing.T) {
	e := testEngine(t, DefaultConfig())

	src := `(module
		(func (export "invoke") (param i32) (result i32)
			i32.const 5
		)
	)`

	_, _, aerr := invokeWat(t, e, src, &testKernel{}, 1_000_000)
	require.NotNil(t, aerr)
	require.Equal(t, exitcode.SysErrorIllegalActor, aerr.RetCode())
}

func TestInvokeAbort(t *testing.T) {
	e := testEngine(t, DefaultConfig())

	src := `(module
		(import "fvm" "abort" (func $abort (param i32 i32 i32)))
		(func (export "invoke") (param i32) (result i32)
			i32.const 18
			i32.const 0
			i32.const 0
			call $abort
			i32.const 0
		)
	)`

	_, _, aerr := invokeWat(t, e, src, &testKernel{}, 1_000_000)
	require.NotNil(t, aerr)
	require.False(t, aerrors.IsFatal(aerr))
	require.Equal(t, exitcode.ExitCode(18), aerr.RetCode())
}

func TestInvokeGuestRecursionTrap(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxWasmStack = 64
	e := testEngine(t, cfg)

	src := `(module
		(func $r (export "invoke") (param i32) (result i32)
			local.get 0
			call $r
		)
	)`

	_, _, aerr := invokeWat(t, e, src, &testKernel{}, 100_000_000)
	require.NotNil(t, aerr)
	require.False(t, aerrors.IsFatal(aerr))
	require.Equal(t, exitcode.SysErrIllegalInstruction, aerr.RetCode())
}

func TestInvokeInputOutputRoundtrip(t *testing.T) {
	e := testEngine(t, DefaultConfig())

	src := `(module
		(import "fvm" "input_size" (func $isz (result i32)))
		(import "fvm" "input_read" (func $ird (param i32)))
		(import "fvm" "output_set" (func $oset (param i32 i32)))
		(memory (export "memory") 1)
		(func (export "invoke") (param i32) (result i32)
			i32.const 0
			call $ird
			i32.const 0
			call $isz
			call $oset
			i32.const 0
		)
	)`

	k := &testKernel{input: []byte("call parameters")}
	ret, _, aerr := invokeWat(t, e, src, k, 1_000_000)
	require.Nil(t, aerr)
	require.Equal(t, []byte("call parameters"), ret)
}

func TestSyscallWithoutMemory(t *testing.T) {
	e := testEngine(t, DefaultConfig())

	// no memory section: a syscall asking for a non-empty range must fail
	// cleanly instead of trapping the host
	src := `(module
		(import "fvm" "output_set" (func $oset (param i32 i32)))
		(func (export "invoke") (param i32) (result i32)
			i32.const 0
			i32.const 4
			call $oset
			i32.const 0
		)
	)`

	_, _, aerr := invokeWat(t, e, src, &testKernel{}, 1_000_000)
	require.NotNil(t, aerr)
	require.False(t, aerrors.IsFatal(aerr))
	require.Equal(t, exitcode.SysErrorIllegalArgument, aerr.RetCode())
}

func TestSyscallSettlesMeteredGas(t *testing.T) {
	e := testEngine(t, DefaultConfig())
	ctx := context.Background()

	// burn well over half the budget in metered instructions, then ask for
	// a charge that only fits if the burned instructions were ignored
	src := `(module
		(import "fvm" "charge_gas" (func $cg (param i64)))
		(func (export "invoke") (param i32) (result i32)
			(local i32)
			i32.const 15000
			local.set 1
			loop $burn
				local.get 1
				i32.const 1
				i32.sub
				local.tee 1
				br_if $burn
			end
			i64.const 90000
			call $cg
			i32.const 0
		)
	)`

	rec := loadWat(t, e, src)
	inst, err := e.Instantiate(ctx, rec, e.NewOwner())
	require.NoError(t, err)
	defer inst.Close(ctx)

	tracker := gas.NewGasTracker(330_000)
	k := &testKernel{tracker: tracker}
	_, aerr := inst.Invoke(ctx, k, 2, tracker, gas.DefaultPriceList())
	require.NotNil(t, aerr)
	require.Equal(t, exitcode.SysErrOutOfGas, aerr.RetCode())

	// the loop's instructions were settled before the syscall ran, so the
	// charge had to be refused
	require.False(t, k.chargeAccepted)
	require.Equal(t, tracker.GasAvailable, tracker.GasUsed)
}

func TestModuleCacheCompilesOnce(t *testing.T) {
	e := testEngine(t, DefaultConfig())
	ctx := context.Background()

	code, err := wat.Compile(watReturnOk)
	require.NoError(t, err)
	key := blocks.NewBlock(code).Cid()

	fetches := 0
	fetch := func(cid.Cid) ([]byte, error) {
		fetches++
		return code, nil
	}

	rec1, err := e.Load(ctx, key, fetch)
	require.NoError(t, err)
	rec2, err := e.Load(ctx, key, fetch)
	require.NoError(t, err)

	require.Same(t, rec1, rec2)
	require.Equal(t, 1, fetches)
	require.Equal(t, len(code), rec1.Size)
	require.Equal(t, 1, e.Cache().Len())
}

func TestModuleCacheRedirect(t *testing.T) {
	codeA, err := wat.Compile(watReturnOk)
	require.NoError(t, err)
	keyA := blocks.NewBlock(codeA).Cid()
	keyB := blocks.NewBlock([]byte("patched")).Cid()

	cfg := DefaultConfig()
	cfg.Redirects = map[cid.Cid]cid.Cid{keyB: keyA}
	e := testEngine(t, cfg)

	rec, err := e.Load(context.Background(), keyB, func(c cid.Cid) ([]byte, error) {
		require.Equal(t, keyA, c)
		return codeA, nil
	})
	require.NoError(t, err)
	require.Equal(t, keyA, rec.Code)
}

func TestEnginePoolTryAcquire(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Concurrency = 1
	pool, err := NewEnginePool(context.Background(), cfg)
	require.NoError(t, err)

	ctx := context.Background()
	tok := pool.TryAcquire(ctx)
	require.NotNil(t, tok)

	require.Nil(t, pool.TryAcquire(ctx))

	tok.Done()
	tok2 := pool.TryAcquire(ctx)
	require.NotNil(t, tok2)
	tok2.Done()
}
