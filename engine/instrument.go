package engine

import (
	"github.com/wippyai/wasm-runtime/wasm"
	"golang.org/x/xerrors"
)

// Exported names of the globals injected by instrumentation. The host seeds
// and reads them around every invocation.
const (
	GasGlobalName   = "fvm_gas_available"
	TrapGlobalName  = "fvm_trap_code"
	DepthGlobalName = "fvm_call_depth"
)

// Trap codes written to the trap global before an instrumented unreachable.
const (
	trapNone      = 0
	trapOutOfGas  = 1
	trapCallDepth = 2
)

// instrument rewrites a validated module so execution is metered and guest
// recursion is bounded:
//
//   - three mutable globals are appended (gas counter, trap code, call
//     depth) and exported; appending keeps existing global indices stable
//     so no instruction needs remapping.
//   - every metered basic block is prefixed with a deduct-or-trap sequence
//     charging one unit per original instruction in the block.
//   - every call and call_indirect is bracketed with a depth
//     increment/check/decrement.
//
// The output is deterministic for identical input.
func instrument(code []byte, maxWasmStack uint32) ([]byte, error) {
	m, err := wasm.ParseModuleValidate(code)
	if err != nil {
		return nil, xerrors.Errorf("parsing module: %w", err)
	}

	base := uint32(m.NumImportedGlobals() + len(m.Globals))
	gasIdx, trapIdx, depthIdx := base, base+1, base+2

	m.Globals = append(m.Globals,
		wasm.Global{
			Type: wasm.GlobalType{ValType: wasm.ValI64, Mutable: true},
			Init: []byte{wasm.OpI64Const, 0x00, wasm.OpEnd},
		},
		wasm.Global{
			Type: wasm.GlobalType{ValType: wasm.ValI32, Mutable: true},
			Init: []byte{wasm.OpI32Const, 0x00, wasm.OpEnd},
		},
		wasm.Global{
			Type: wasm.GlobalType{ValType: wasm.ValI32, Mutable: true},
			Init: []byte{wasm.OpI32Const, 0x00, wasm.OpEnd},
		},
	)
	m.Exports = append(m.Exports,
		wasm.Export{Name: GasGlobalName, Kind: wasm.KindGlobal, Idx: gasIdx},
		wasm.Export{Name: TrapGlobalName, Kind: wasm.KindGlobal, Idx: trapIdx},
		wasm.Export{Name: DepthGlobalName, Kind: wasm.KindGlobal, Idx: depthIdx},
	)

	rw := rewriter{
		gasIdx:   gasIdx,
		trapIdx:  trapIdx,
		depthIdx: depthIdx,
		maxDepth: maxWasmStack,
	}

	for i := range m.Code {
		instrs, err := wasm.DecodeInstructions(m.Code[i].Code)
		if err != nil {
			return nil, xerrors.Errorf("decoding function %d: %w", i, err)
		}
		m.Code[i].Code = wasm.EncodeInstructions(rw.rewriteBody(instrs))
	}

	if err := m.Validate(); err != nil {
		return nil, xerrors.Errorf("instrumented module failed validation: %w", err)
	}

	return m.Encode(), nil
}

type rewriter struct {
	gasIdx   uint32
	trapIdx  uint32
	depthIdx uint32
	maxDepth uint32
}

// rewriteBody splits the body into basic blocks and prefixes each with a
// gas check covering the block's original instruction count. A block ends
// at every control instruction, so loop bodies are charged per iteration
// and nothing is charged for code a branch skips.
func (rw *rewriter) rewriteBody(instrs []wasm.Instruction) []wasm.Instruction {
	out := make([]wasm.Instruction, 0, len(instrs)*2)
	var run []wasm.Instruction

	flush := func() {
		if len(run) == 0 {
			return
		}
		out = append(out, rw.chargeSeq(int64(len(run)))...)
		out = append(out, run...)
		run = nil
	}

	for _, ins := range instrs {
		switch ins.Opcode {
		case wasm.OpCall, wasm.OpCallIndirect:
			// the call terminates the block; charge for it, then guard
			// the guest stack around it
			run = append(run, ins)
			out = append(out, rw.chargeSeq(int64(len(run)))...)
			out = append(out, run[:len(run)-1]...)
			out = append(out, rw.depthEnter()...)
			out = append(out, ins)
			out = append(out, rw.depthExit()...)
			run = nil

		case wasm.OpBlock, wasm.OpLoop, wasm.OpIf, wasm.OpElse, wasm.OpEnd,
			wasm.OpBr, wasm.OpBrIf, wasm.OpBrTable, wasm.OpReturn, wasm.OpUnreachable:
			run = append(run, ins)
			flush()

		default:
			run = append(run, ins)
		}
	}
	flush()

	return out
}

// chargeSeq is the deduct-or-trap preamble: trap with trapOutOfGas when the
// gas global is below cost, otherwise subtract cost. Stack-neutral, so it
// is valid at any block position.
func (rw *rewriter) chargeSeq(cost int64) []wasm.Instruction {
	return []wasm.Instruction{
		{Opcode: wasm.OpGlobalGet, Imm: wasm.GlobalImm{GlobalIdx: rw.gasIdx}},
		{Opcode: wasm.OpI64Const, Imm: wasm.I64Imm{Value: cost}},
		{Opcode: wasm.OpI64LtU},
		{Opcode: wasm.OpIf, Imm: wasm.BlockImm{Type: -64}},
		{Opcode: wasm.OpI32Const, Imm: wasm.I32Imm{Value: trapOutOfGas}},
		{Opcode: wasm.OpGlobalSet, Imm: wasm.GlobalImm{GlobalIdx: rw.trapIdx}},
		{Opcode: wasm.OpUnreachable},
		{Opcode: wasm.OpEnd},
		{Opcode: wasm.OpGlobalGet, Imm: wasm.GlobalImm{GlobalIdx: rw.gasIdx}},
		{Opcode: wasm.OpI64Const, Imm: wasm.I64Imm{Value: cost}},
		{Opcode: wasm.OpI64Sub},
		{Opcode: wasm.OpGlobalSet, Imm: wasm.GlobalImm{GlobalIdx: rw.gasIdx}},
	}
}

func (rw *rewriter) depthEnter() []wasm.Instruction {
	return []wasm.Instruction{
		{Opcode: wasm.OpGlobalGet, Imm: wasm.GlobalImm{GlobalIdx: rw.depthIdx}},
		{Opcode: wasm.OpI32Const, Imm: wasm.I32Imm{Value: 1}},
		{Opcode: wasm.OpI32Add},
		{Opcode: wasm.OpGlobalSet, Imm: wasm.GlobalImm{GlobalIdx: rw.depthIdx}},
		{Opcode: wasm.OpGlobalGet, Imm: wasm.GlobalImm{GlobalIdx: rw.depthIdx}},
		{Opcode: wasm.OpI32Const, Imm: wasm.I32Imm{Value: int32(rw.maxDepth)}},
		{Opcode: wasm.OpI32GtU},
		{Opcode: wasm.OpIf, Imm: wasm.BlockImm{Type: -64}},
		{Opcode: wasm.OpI32Const, Imm: wasm.I32Imm{Value: trapCallDepth}},
		{Opcode: wasm.OpGlobalSet, Imm: wasm.GlobalImm{GlobalIdx: rw.trapIdx}},
		{Opcode: wasm.OpUnreachable},
		{Opcode: wasm.OpEnd},
	}
}

func (rw *rewriter) depthExit() []wasm.Instruction {
	return []wasm.Instruction{
		{Opcode: wasm.OpGlobalGet, Imm: wasm.GlobalImm{GlobalIdx: rw.depthIdx}},
		{Opcode: wasm.OpI32Const, Imm: wasm.I32Imm{Value: 1}},
		{Opcode: wasm.OpI32Sub},
		{Opcode: wasm.OpGlobalSet, Imm: wasm.GlobalImm{GlobalIdx: rw.depthIdx}},
	}
}
