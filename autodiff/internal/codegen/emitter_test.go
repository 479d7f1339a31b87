package codegen

import (
	"testing"

	"github.com/wippyai/floretta/wasm"
)

func TestEmitterNewAndBytes(t *testing.T) {
	e := NewEmitter()
	if e.Len() != 0 {
		t.Errorf("new emitter should be empty, got len %d", e.Len())
	}

	e.I32Const(42)
	if e.Len() == 0 {
		t.Error("emitter should have content after I32Const")
	}
	if len(e.Bytes()) == 0 {
		t.Error("Bytes() should return non-empty slice")
	}
}

func TestEmitterCopyIndependent(t *testing.T) {
	e := NewEmitter()
	e.I32Const(42)
	snapshot := e.Copy()
	e.I32Const(100)
	if len(snapshot) == len(e.Bytes()) {
		t.Error("Copy should be independent of further emission")
	}
}

func TestEmitterControlFlowDecodes(t *testing.T) {
	e := NewEmitter()
	e.Block(BlockVoid).
		Loop(BlockI32).
		I32Const(1).
		BrIf(0).
		I32Const(7).
		End().
		Drop().
		End().
		End()

	instrs, err := wasm.DecodeInstructions(e.Bytes())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if instrs[0].Opcode != wasm.OpBlock {
		t.Errorf("first opcode %#x, want block", instrs[0].Opcode)
	}
	if imm := instrs[1].Imm.(wasm.BlockImm); imm.Type != BlockI32 {
		t.Errorf("loop block type %d, want %d", imm.Type, BlockI32)
	}
}

func TestEmitterDispatchShape(t *testing.T) {
	// The backward emitter's shape: typed loop and blocks carrying the
	// state parameter down to a br_table.
	e := NewEmitter()
	e.Loop(5). // type index 5
			Block(5).
			Block(5).
			BrTable([]uint32{1}, 0).
			End().
			Unreachable().
			End().
			Br(0).
			End()

	instrs, err := wasm.DecodeInstructions(e.Bytes())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if imm := instrs[0].Imm.(wasm.BlockImm); imm.Type != 5 {
		t.Errorf("typed loop immediate %d, want 5", imm.Type)
	}
	if imm := instrs[3].Imm.(wasm.BrTableImm); len(imm.Labels) != 1 || imm.Default != 0 {
		t.Errorf("br_table immediate %+v", imm)
	}
}

func TestEmitterMemoryAccess(t *testing.T) {
	e := NewEmitter()
	e.I32Const(8).F64Load(3, 16, 4)

	instrs, err := wasm.DecodeInstructions(e.Bytes())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	imm := instrs[1].Imm.(wasm.MemoryImm)
	if imm.Align != 3 || imm.Offset != 16 || imm.MemIdx != 4 {
		t.Errorf("memarg %+v", imm)
	}
}

func TestBlockType(t *testing.T) {
	cases := map[wasm.ValType]int32{
		wasm.ValI32: BlockI32,
		wasm.ValI64: BlockI64,
		wasm.ValF32: BlockF32,
		wasm.ValF64: BlockF64,
	}
	for vt, want := range cases {
		if got := BlockType(vt); got != want {
			t.Errorf("BlockType(%s) = %d, want %d", vt, got, want)
		}
	}
}

func TestFloatOpSelectsVariant(t *testing.T) {
	e := NewEmitter()
	e.FMul(wasm.ValF32).FMul(wasm.ValF64)
	data := e.Bytes()
	if data[0] != wasm.OpF32Mul || data[1] != wasm.OpF64Mul {
		t.Errorf("FloatOp bytes: %#x %#x", data[0], data[1])
	}
}
