package engine

import (
	"context"

	"github.com/filecoin-project/go-address"
	"github.com/filecoin-project/go-state-types/exitcode"
	"github.com/ipfs/go-cid"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"github.com/filecoin-project/go-fvm/aerrors"
)

// hostModuleName is the import namespace actor modules use for syscalls.
const hostModuleName = "fvm"

var (
	i32 = api.ValueTypeI32
	i64 = api.ValueTypeI64
)

// instantiateHostModule registers the syscall surface once per engine.
// Host functions resolve the current invocation from the call context; a
// failing syscall records its error there and traps the instance.
func instantiateHostModule(ctx context.Context, rt wazero.Runtime) error {
	b := rt.NewHostModuleBuilder(hostModuleName)

	fns := []struct {
		name    string
		fn      api.GoModuleFunction
		params  []api.ValueType
		results []api.ValueType
	}{
		{"input_size", api.GoModuleFunc(sysInputSize), nil, []api.ValueType{i32}},
		{"input_read", api.GoModuleFunc(sysInputRead), []api.ValueType{i32}, nil},
		{"output_set", api.GoModuleFunc(sysOutputSet), []api.ValueType{i32, i32}, nil},
		{"charge_gas", api.GoModuleFunc(sysChargeGas), []api.ValueType{i64}, nil},
		{"abort", api.GoModuleFunc(sysAbort), []api.ValueType{i32, i32, i32}, nil},
		{"send", api.GoModuleFunc(sysSend), []api.ValueType{i32, i32}, []api.ValueType{i64}},
		{"send_return_read", api.GoModuleFunc(sysSendReturnRead), []api.ValueType{i32}, nil},
		{"state_read", api.GoModuleFunc(sysStateRead), []api.ValueType{i32, i32}, []api.ValueType{i32}},
		{"state_write", api.GoModuleFunc(sysStateWrite), []api.ValueType{i32, i32}, nil},
		{"create_actor", api.GoModuleFunc(sysCreateActor), []api.ValueType{i32, i32, i32, i32}, nil},
		{"delete_actor", api.GoModuleFunc(sysDeleteActor), []api.ValueType{i32, i32}, nil},
	}

	for _, f := range fns {
		b = b.NewFunctionBuilder().WithGoModuleFunction(metered(f.fn), f.params, f.results).Export(f.name)
	}

	_, err := b.Instantiate(ctx)
	return err
}

// metered brackets a host function with gas settlement: instruction units
// burned since the last checkpoint are charged before the syscall runs, and
// the gas global is reseeded from what the tracker has left afterwards.
func metered(fn api.GoModuleFunction) api.GoModuleFunction {
	return api.GoModuleFunc(func(ctx context.Context, mod api.Module, stack []uint64) {
		inv := mustInvocation(ctx)
		inv.settleGas()
		fn.Call(ctx, mod, stack)
		inv.refillGas()
	})
}

func mustInvocation(ctx context.Context) *invocation {
	inv := invocationFrom(ctx)
	if inv == nil {
		// host function called outside Invoke; nothing to record on
		panic(aerrors.Fatal("syscall without invocation context"))
	}
	return inv
}

// readMem copies a guest memory range out; the raw view aliases memory the
// guest can keep mutating. Modules without a memory section can still make
// zero-length reads (an abort with no message, for one).
func readMem(inv *invocation, mod api.Module, ptr, ln uint32, what string) []byte {
	if ln == 0 {
		return nil
	}
	mem := mod.Memory()
	if mem == nil {
		inv.fail(aerrors.Newf(exitcode.SysErrorIllegalArgument, "%s: module has no memory", what))
	}
	view, ok := mem.Read(ptr, ln)
	if !ok {
		inv.fail(aerrors.Newf(exitcode.SysErrorIllegalArgument, "%s: memory range [%d, %d) out of bounds", what, ptr, ptr+ln))
	}
	out := make([]byte, len(view))
	copy(out, view)
	return out
}

func writeMem(inv *invocation, mod api.Module, ptr uint32, data []byte, what string) {
	if len(data) == 0 {
		return
	}
	mem := mod.Memory()
	if mem == nil {
		inv.fail(aerrors.Newf(exitcode.SysErrorIllegalArgument, "%s: module has no memory", what))
	}
	if !mem.Write(ptr, data) {
		inv.fail(aerrors.Newf(exitcode.SysErrorIllegalArgument, "%s: memory range [%d, %d) out of bounds", what, ptr, ptr+uint32(len(data))))
	}
}

func sysInputSize(ctx context.Context, mod api.Module, stack []uint64) {
	inv := mustInvocation(ctx)
	stack[0] = uint64(uint32(len(inv.kernel.Input())))
}

func sysInputRead(ctx context.Context, mod api.Module, stack []uint64) {
	inv := mustInvocation(ctx)
	writeMem(inv, mod, uint32(stack[0]), inv.kernel.Input(), "input_read")
}

func sysOutputSet(ctx context.Context, mod api.Module, stack []uint64) {
	inv := mustInvocation(ctx)
	data := readMem(inv, mod, uint32(stack[0]), uint32(stack[1]), "output_set")
	inv.kernel.SetOutput(data)
}

func sysChargeGas(ctx context.Context, mod api.Module, stack []uint64) {
	inv := mustInvocation(ctx)
	inv.failOn(inv.kernel.ChargeGas("OnSyscallChargeGas", int64(stack[0])), "charge_gas")
}

func sysAbort(ctx context.Context, mod api.Module, stack []uint64) {
	inv := mustInvocation(ctx)
	code := exitcode.ExitCode(api.DecodeI32(stack[0]))
	msg := readMem(inv, mod, uint32(stack[1]), uint32(stack[2]), "abort")
	inv.failOn(inv.kernel.Abort(code, string(msg)), "abort")
	// Abort always returns an error; if an implementation doesn't, trap
	// anyway.
	inv.fail(aerrors.Newf(exitcode.SysErrorIllegalActor, "abort returned"))
}

// sysSend runs a nested call. The result packs the callee exit code in the
// high 32 bits and the return blob length in the low 32; the blob itself is
// fetched with send_return_read.
func sysSend(ctx context.Context, mod api.Module, stack []uint64) {
	inv := mustInvocation(ctx)
	params := readMem(inv, mod, uint32(stack[0]), uint32(stack[1]), "send")

	ret, code, err := inv.kernel.Send(params)
	inv.failOn(err, "send")

	inv.lastSendReturn = ret
	stack[0] = uint64(uint32(code))<<32 | uint64(uint32(len(ret)))
}

func sysSendReturnRead(ctx context.Context, mod api.Module, stack []uint64) {
	inv := mustInvocation(ctx)
	writeMem(inv, mod, uint32(stack[0]), inv.lastSendReturn, "send_return_read")
}

// sysStateRead copies up to cap bytes of the actor's state blob to ptr and
// returns the blob's full length.
func sysStateRead(ctx context.Context, mod api.Module, stack []uint64) {
	inv := mustInvocation(ctx)
	ptr, capacity := uint32(stack[0]), uint32(stack[1])

	data, err := inv.kernel.StateRead()
	inv.failOn(err, "state_read")

	n := uint32(len(data))
	if n > capacity {
		n = capacity
	}
	writeMem(inv, mod, ptr, data[:n], "state_read")
	stack[0] = uint64(uint32(len(data)))
}

func sysStateWrite(ctx context.Context, mod api.Module, stack []uint64) {
	inv := mustInvocation(ctx)
	data := readMem(inv, mod, uint32(stack[0]), uint32(stack[1]), "state_write")
	inv.failOn(inv.kernel.StateWrite(data), "state_write")
}

func sysCreateActor(ctx context.Context, mod api.Module, stack []uint64) {
	inv := mustInvocation(ctx)

	codeBytes := readMem(inv, mod, uint32(stack[0]), uint32(stack[1]), "create_actor")
	codeCid, err := cid.Cast(codeBytes)
	if err != nil {
		inv.fail(aerrors.Newf(exitcode.SysErrorIllegalArgument, "create_actor: bad code cid: %s", err))
	}

	// a zero-length address asks the kernel to derive one
	addr := address.Undef
	if stack[3] != 0 {
		addrBytes := readMem(inv, mod, uint32(stack[2]), uint32(stack[3]), "create_actor")
		var err error
		addr, err = address.NewFromBytes(addrBytes)
		if err != nil {
			inv.fail(aerrors.Newf(exitcode.SysErrorIllegalArgument, "create_actor: bad address: %s", err))
		}
	}

	inv.failOn(inv.kernel.CreateActor(codeCid, addr), "create_actor")
}

func sysDeleteActor(ctx context.Context, mod api.Module, stack []uint64) {
	inv := mustInvocation(ctx)

	addrBytes := readMem(inv, mod, uint32(stack[0]), uint32(stack[1]), "delete_actor")
	addr, err := address.NewFromBytes(addrBytes)
	if err != nil {
		inv.fail(aerrors.Newf(exitcode.SysErrorIllegalArgument, "delete_actor: bad beneficiary address: %s", err))
	}

	inv.failOn(inv.kernel.DeleteActor(addr), "delete_actor")
}
