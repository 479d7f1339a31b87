package plan

import (
	"testing"

	"github.com/wippyai/floretta/wasm"
)

func baseModule() *wasm.Module {
	return &wasm.Module{
		Types:    []wasm.FuncType{{Params: []wasm.ValType{wasm.ValF64}, Results: []wasm.ValType{wasm.ValF64}}},
		Funcs:    []uint32{0},
		Memories: []wasm.MemoryType{{Limits: wasm.Limits{Min: 2}}},
		Globals: []wasm.Global{
			{Type: wasm.GlobalType{ValType: wasm.ValF64, Mutable: true}, Init: constExpr(wasm.ValF64)},
			{Type: wasm.GlobalType{ValType: wasm.ValI32, Mutable: true}, Init: constExpr(wasm.ValI32)},
		},
		Code: []wasm.FuncBody{{Code: []byte{wasm.OpLocalGet, 0, wasm.OpEnd}}},
	}
}

func TestBuildIndexLayout(t *testing.T) {
	m := baseModule()
	p, err := Build(m)
	if err != nil {
		t.Fatal(err)
	}

	// Tapes follow the single user memory; the shadow follows the tapes.
	if p.Tape1 != 1 || p.Tape4 != 2 || p.Tape8 != 3 {
		t.Errorf("tape memories: %d %d %d", p.Tape1, p.Tape4, p.Tape8)
	}
	if p.ShadowMem[0] != 4 {
		t.Errorf("shadow memory: %d, want 4", p.ShadowMem[0])
	}
	if len(m.Memories) != 5 {
		t.Errorf("memory count: %d, want 5", len(m.Memories))
	}
	if m.Memories[4].Limits.Min != 2 {
		t.Errorf("shadow limits do not mirror user memory: %+v", m.Memories[4].Limits)
	}

	// Pointer globals follow the two user globals; only the float global
	// gets a shadow.
	if p.Ptr1 != 2 || p.Ptr4 != 3 || p.Ptr8 != 4 {
		t.Errorf("tape pointers: %d %d %d", p.Ptr1, p.Ptr4, p.Ptr8)
	}
	if shadow, ok := p.ShadowGlobal[0]; !ok || shadow != 5 {
		t.Errorf("float global shadow: %v %d", ok, shadow)
	}
	if _, ok := p.ShadowGlobal[1]; ok {
		t.Error("integer global must not get a shadow")
	}

	// Dispatch type registered as (i32) -> ().
	dt := m.Types[p.DispatchType]
	if len(dt.Params) != 1 || dt.Params[0] != wasm.ValI32 || len(dt.Results) != 0 {
		t.Errorf("dispatch type: %+v", dt)
	}
}

func TestBuildHelperSet(t *testing.T) {
	m := baseModule()
	p, err := Build(m)
	if err != nil {
		t.Fatal(err)
	}

	// mul, div, sqrt, min, max, copysign, abs, select: fwd and bwd for
	// both float types.
	if len(p.Helpers) != 32 {
		t.Errorf("helper count: %d, want 32", len(p.Helpers))
	}

	for _, tv := range []wasm.ValType{wasm.ValF32, wasm.ValF64} {
		mulOp := wasm.OpF64Mul
		if tv == wasm.ValF32 {
			mulOp = wasm.OpF32Mul
		}
		fwd := p.Helper(mulOp, tv, true)
		bwd := p.Helper(mulOp, tv, false)
		if fwd == 0 || bwd == 0 {
			t.Errorf("%s mul helpers missing", tv)
		}
		bwdType := m.Types[m.Funcs[bwd]]
		if len(bwdType.Params) != 1 || len(bwdType.Results) != 2 {
			t.Errorf("%s mul bwd type: %+v", tv, bwdType)
		}
	}

	// Every synthesized body decodes.
	for i, body := range m.Code[1:] {
		if _, err := wasm.DecodeInstructions(body.Code); err != nil {
			t.Errorf("helper %d body does not decode: %v", i, err)
		}
	}
}

func TestBuildRejectsImportedMemory(t *testing.T) {
	m := baseModule()
	m.Memories = nil
	m.Imports = []wasm.Import{{
		Module: "env", Name: "memory",
		Desc: wasm.ImportDesc{Kind: wasm.KindMemory, Memory: &wasm.MemoryType{Limits: wasm.Limits{Min: 1}}},
	}}
	if _, err := Build(m); err == nil {
		t.Error("imported memories must be rejected")
	}
}

func TestTapeHelperSelectors(t *testing.T) {
	m := baseModule()
	p, err := Build(m)
	if err != nil {
		t.Fatal(err)
	}
	if p.TapePushFloat(wasm.ValF32) != p.TapeF32 || p.TapePushFloat(wasm.ValF64) != p.TapeF64 {
		t.Error("TapePushFloat selects the wrong helper")
	}
	if p.TapePopFloat(wasm.ValF32) != p.TapeF32Bwd || p.TapePopFloat(wasm.ValF64) != p.TapeF64Bwd {
		t.Error("TapePopFloat selects the wrong helper")
	}
}
