package autodiff

import (
	"testing"

	ferrors "github.com/wippyai/floretta/errors"
	"github.com/wippyai/floretta/wasm"
)

func squareInput() []byte {
	return singleFunc(
		wasm.FuncType{Params: []wasm.ValType{wasm.ValF64}, Results: []wasm.ValType{wasm.ValF64}},
		nil, "square",
		lget(0), lget(0), op(wasm.OpF64Mul),
	)
}

func TestReverseOutputLayout(t *testing.T) {
	out, err := Reverse(squareInput(), Config{Exports: []Export{{Primal: "square", Adjoint: "backprop"}}})
	if err != nil {
		t.Fatalf("Reverse: %v", err)
	}
	m, err := wasm.ParseModuleValidate(out)
	if err != nil {
		t.Fatalf("re-parse: %v", err)
	}

	// No user memory: three tape memories only.
	if len(m.Memories) != 3 {
		t.Errorf("memories: got %d, want 3 tapes", len(m.Memories))
	}
	// Three tape pointer globals, i32 mutable.
	if len(m.Globals) != 3 {
		t.Errorf("globals: got %d, want 3 tape pointers", len(m.Globals))
	}
	for i, g := range m.Globals {
		if g.Type.ValType != wasm.ValI32 || !g.Type.Mutable {
			t.Errorf("global %d: %+v, want mutable i32", i, g.Type)
		}
	}

	names := make(map[string]wasm.Export)
	for _, exp := range m.Exports {
		names[exp.Name] = exp
	}
	if _, ok := names["square"]; !ok {
		t.Error("original export lost")
	}
	if exp, ok := names["backprop"]; !ok || exp.Kind != wasm.KindFunc {
		t.Error("adjoint export missing")
	}
	for _, g := range []string{TapePointerAlign1, TapePointerAlign4, TapePointerAlign8} {
		if exp, ok := names[g]; !ok || exp.Kind != wasm.KindGlobal {
			t.Errorf("tape pointer export %s missing", g)
		}
	}

	// The adjoint signature is the reverse of the primal's.
	bwd := m.GetFuncType(names["backprop"].Idx)
	if bwd == nil || len(bwd.Params) != 1 || len(bwd.Results) != 1 ||
		bwd.Params[0] != wasm.ValF64 || bwd.Results[0] != wasm.ValF64 {
		t.Errorf("backward signature: %+v", bwd)
	}
}

func TestReverseShadowMemoryLayout(t *testing.T) {
	m := &wasm.Module{
		Types: []wasm.FuncType{{}},
		Funcs: []uint32{0},
		Memories: []wasm.MemoryType{
			{Limits: wasm.Limits{Min: 2, Max: u32ptr(10)}},
			{Limits: wasm.Limits{Min: 1}},
		},
		Exports: []wasm.Export{{Name: "noop", Kind: wasm.KindFunc, Idx: 0}},
		Code:    []wasm.FuncBody{{Code: body()}},
	}
	out, err := Reverse(m.Encode(), Config{})
	if err != nil {
		t.Fatalf("Reverse: %v", err)
	}
	parsed, err := wasm.ParseModuleValidate(out)
	if err != nil {
		t.Fatalf("re-parse: %v", err)
	}

	// Layout: user0, user1, tape1, tape4, tape8, shadow0, shadow1.
	if len(parsed.Memories) != 7 {
		t.Fatalf("memories: got %d, want 7", len(parsed.Memories))
	}
	shadow0 := parsed.Memories[5]
	if shadow0.Limits.Min != 2 || shadow0.Limits.Max == nil || *shadow0.Limits.Max != 10 {
		t.Errorf("shadow memory limits %+v do not mirror user memory", shadow0.Limits)
	}
}

func u32ptr(v uint32) *uint32 { return &v }

func TestReverseUnknownPrimal(t *testing.T) {
	_, err := Reverse(squareInput(), Config{Exports: []Export{{Primal: "cube", Adjoint: "x"}}})
	if err == nil {
		t.Fatal("expected error for unknown primal export")
	}
	if !ferrors.IsKind(err, ferrors.KindInvalidModule) {
		t.Errorf("kind: %v", err)
	}
}

func TestReverseRejectsSIMD(t *testing.T) {
	m := &wasm.Module{
		Types:   []wasm.FuncType{{}},
		Funcs:   []uint32{0},
		Exports: []wasm.Export{{Name: "f", Kind: wasm.KindFunc, Idx: 0}},
		Code: []wasm.FuncBody{
			{Code: []byte{wasm.OpPrefixSIMD, 0x00, wasm.OpEnd}},
		},
	}
	_, err := Reverse(m.Encode(), Config{})
	if err == nil {
		t.Fatal("expected unsupported error")
	}
	if !ferrors.IsKind(err, ferrors.KindUnsupported) {
		t.Errorf("kind: %v", err)
	}
}

func TestReverseRejectsCallIndirect(t *testing.T) {
	m := &wasm.Module{
		Types:  []wasm.FuncType{{}},
		Funcs:  []uint32{0},
		Tables: []wasm.TableType{{ElemType: byte(wasm.ValFuncRef), Limits: wasm.Limits{Min: 1}}},
		Code: []wasm.FuncBody{
			{Code: []byte{wasm.OpI32Const, 0x00, wasm.OpCallIndirect, 0x00, 0x00, wasm.OpEnd}},
		},
	}
	_, err := Reverse(m.Encode(), Config{})
	if !ferrors.IsKind(err, ferrors.KindUnsupported) {
		t.Errorf("expected unsupported, got %v", err)
	}
}

func TestReverseRejectsCallToImport(t *testing.T) {
	m := &wasm.Module{
		Types: []wasm.FuncType{{}},
		Imports: []wasm.Import{
			{Module: "env", Name: "host", Desc: wasm.ImportDesc{Kind: wasm.KindFunc, TypeIdx: 0}},
		},
		Funcs: []uint32{0},
		Code: []wasm.FuncBody{
			{Code: body(call(0))},
		},
	}
	_, err := Reverse(m.Encode(), Config{})
	if !ferrors.IsKind(err, ferrors.KindUnsupported) {
		t.Errorf("expected unsupported, got %v", err)
	}
}

func TestReverseTypeMismatchOffset(t *testing.T) {
	m := &wasm.Module{
		Types: []wasm.FuncType{{Results: []wasm.ValType{wasm.ValF64}}},
		Funcs: []uint32{0},
		Code: []wasm.FuncBody{
			// i32.const 1; f64.sqrt -- operand type mismatch
			{Code: body(i32c(1), op(wasm.OpF64Sqrt))},
		},
	}
	_, err := Reverse(m.Encode(), Config{})
	if !ferrors.IsKind(err, ferrors.KindTypeMismatch) {
		t.Fatalf("expected type mismatch, got %v", err)
	}
	var fe *ferrors.Error
	if !asError(err, &fe) || fe.Offset < 0 {
		t.Errorf("type mismatch should carry an offset: %v", err)
	}
}

func asError(err error, target **ferrors.Error) bool {
	for err != nil {
		if e, ok := err.(*ferrors.Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

func TestReverseInvalidInput(t *testing.T) {
	_, err := Reverse([]byte{1, 2, 3}, Config{})
	if err == nil {
		t.Fatal("expected decode error")
	}
	if !ferrors.IsKind(err, ferrors.KindInvalidModule) {
		t.Errorf("kind: %v", err)
	}
}

func TestNameSectionExtended(t *testing.T) {
	names := &wasm.Names{
		Funcs: map[uint32]string{0: "square"},
	}
	m := &wasm.Module{
		Types:   []wasm.FuncType{{Params: []wasm.ValType{wasm.ValF64}, Results: []wasm.ValType{wasm.ValF64}}},
		Funcs:   []uint32{0},
		Exports: []wasm.Export{{Name: "square", Kind: wasm.KindFunc, Idx: 0}},
		Code: []wasm.FuncBody{
			{Code: body(lget(0), lget(0), op(wasm.OpF64Mul))},
		},
		CustomSections: []wasm.CustomSection{{Name: "name", Data: names.Encode()}},
	}
	out, err := Reverse(m.Encode(), Config{})
	if err != nil {
		t.Fatalf("Reverse: %v", err)
	}
	parsed, err := wasm.ParseModule(out)
	if err != nil {
		t.Fatalf("re-parse: %v", err)
	}

	var decoded *wasm.Names
	for _, cs := range parsed.CustomSections {
		if cs.Name == "name" {
			decoded = wasm.DecodeNames(cs.Data)
		}
	}
	if decoded == nil {
		t.Fatal("name section lost")
	}
	if decoded.Funcs[0] != "square" {
		t.Error("original function name lost")
	}
	found := false
	for _, n := range decoded.Funcs {
		if n == "square_bwd" {
			found = true
		}
	}
	if !found {
		t.Errorf("backward pass not named: %v", decoded.Funcs)
	}
	// No user memories: the tapes start at index 0.
	if decoded.Memories[0] != "tape_align_1" {
		t.Errorf("tape memory names missing: %v", decoded.Memories)
	}
}

func TestForwardSignatureWidening(t *testing.T) {
	out, err := Forward(squareInput(), Config{})
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	m, err := wasm.ParseModuleValidate(out)
	if err != nil {
		t.Fatalf("re-parse: %v", err)
	}
	ft := m.GetFuncType(0)
	if len(ft.Params) != 2 || len(ft.Results) != 2 {
		t.Errorf("dual signature: %+v", ft)
	}
	// Exports keep their names in forward mode.
	if len(m.Exports) != 1 || m.Exports[0].Name != "square" {
		t.Errorf("exports: %v", m.Exports)
	}
}

func TestConfigAddExport(t *testing.T) {
	var cfg Config
	cfg.AddExport("a", "b")
	cfg.AddExport("a", "c")
	if len(cfg.Exports) != 2 || cfg.Exports[1].Adjoint != "c" {
		t.Errorf("exports: %+v", cfg.Exports)
	}
}
