package autodiff

import (
	"context"
	"math"
	"testing"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"github.com/wippyai/floretta/wasm"
)

// Instruction shorthands shared by the transformation tests.

func op(opcode byte) wasm.Instruction { return wasm.Instruction{Opcode: opcode} }

func lget(n uint32) wasm.Instruction {
	return wasm.Instruction{Opcode: wasm.OpLocalGet, Imm: wasm.LocalImm{LocalIdx: n}}
}

func lset(n uint32) wasm.Instruction {
	return wasm.Instruction{Opcode: wasm.OpLocalSet, Imm: wasm.LocalImm{LocalIdx: n}}
}

func f64c(v float64) wasm.Instruction {
	return wasm.Instruction{Opcode: wasm.OpF64Const, Imm: wasm.F64Imm{Value: v}}
}

func i32c(v int32) wasm.Instruction {
	return wasm.Instruction{Opcode: wasm.OpI32Const, Imm: wasm.I32Imm{Value: v}}
}

func blk(bt int32) wasm.Instruction {
	return wasm.Instruction{Opcode: wasm.OpBlock, Imm: wasm.BlockImm{Type: bt}}
}

func loop(bt int32) wasm.Instruction {
	return wasm.Instruction{Opcode: wasm.OpLoop, Imm: wasm.BlockImm{Type: bt}}
}

func ifOp(bt int32) wasm.Instruction {
	return wasm.Instruction{Opcode: wasm.OpIf, Imm: wasm.BlockImm{Type: bt}}
}

func br(l uint32) wasm.Instruction {
	return wasm.Instruction{Opcode: wasm.OpBr, Imm: wasm.BranchImm{LabelIdx: l}}
}

func brIf(l uint32) wasm.Instruction {
	return wasm.Instruction{Opcode: wasm.OpBrIf, Imm: wasm.BranchImm{LabelIdx: l}}
}

func call(f uint32) wasm.Instruction {
	return wasm.Instruction{Opcode: wasm.OpCall, Imm: wasm.CallImm{FuncIdx: f}}
}

func body(instrs ...wasm.Instruction) []byte {
	return wasm.EncodeInstructions(append(instrs, wasm.Instruction{Opcode: wasm.OpEnd}))
}

func localEntries(types ...wasm.ValType) []wasm.LocalEntry {
	var out []wasm.LocalEntry
	for _, t := range types {
		if n := len(out); n > 0 && out[n-1].ValType == t {
			out[n-1].Count++
			continue
		}
		out = append(out, wasm.LocalEntry{Count: 1, ValType: t})
	}
	return out
}

// singleFunc builds a module exporting one function under name.
func singleFunc(sig wasm.FuncType, locals []wasm.LocalEntry, name string, instrs ...wasm.Instruction) []byte {
	m := &wasm.Module{
		Types:   []wasm.FuncType{sig},
		Funcs:   []uint32{0},
		Exports: []wasm.Export{{Name: name, Kind: wasm.KindFunc, Idx: 0}},
		Code:    []wasm.FuncBody{{Locals: locals, Code: body(instrs...)}},
	}
	return m.Encode()
}

func newRuntime(t *testing.T, ctx context.Context) wazero.Runtime {
	t.Helper()
	cfg := wazero.NewRuntimeConfig().
		WithCoreFeatures(api.CoreFeaturesV2)
	return wazero.NewRuntimeWithConfig(ctx, cfg)
}

func instantiate(t *testing.T, ctx context.Context, rt wazero.Runtime, moduleBytes []byte) api.Module {
	t.Helper()
	mod, err := rt.Instantiate(ctx, moduleBytes)
	if err != nil {
		t.Fatalf("instantiate: %v", err)
	}
	return mod
}

func call1(t *testing.T, ctx context.Context, fn api.Function, args ...float64) []float64 {
	t.Helper()
	raw := make([]uint64, len(args))
	for i, a := range args {
		raw[i] = api.EncodeF64(a)
	}
	res, err := fn.Call(ctx, raw...)
	if err != nil {
		t.Fatalf("call %s: %v", fn.Definition().Name(), err)
	}
	out := make([]float64, len(res))
	for i, r := range res {
		out[i] = api.DecodeF64(r)
	}
	return out
}

func checkTapeBalance(t *testing.T, mod api.Module) {
	t.Helper()
	for _, name := range []string{TapePointerAlign1, TapePointerAlign4, TapePointerAlign8} {
		g := mod.ExportedGlobal(name)
		if g == nil {
			t.Fatalf("missing exported tape pointer %s", name)
		}
		if got := g.Get(); got != 0 {
			t.Errorf("%s = %d after paired primal+backward, want 0", name, got)
		}
	}
}

func f64bits(v float64) uint64 { return api.EncodeF64(v) }

func f64val(raw uint64) float64 { return api.DecodeF64(raw) }

func near(t *testing.T, got, want, tol float64, what string) {
	t.Helper()
	scale := math.Max(1, math.Abs(want))
	if math.Abs(got-want) > tol*scale {
		t.Errorf("%s = %g, want %g", what, got, want)
	}
}

func reverseModule(t *testing.T, input []byte, exports ...Export) []byte {
	t.Helper()
	cfg := Config{Exports: exports}
	out, err := Reverse(input, cfg)
	if err != nil {
		t.Fatalf("Reverse: %v", err)
	}
	if _, err := wasm.ParseModuleValidate(out); err != nil {
		t.Fatalf("transformed module does not re-parse: %v", err)
	}
	return out
}

func TestReverseSquare(t *testing.T) {
	ctx := context.Background()
	input := singleFunc(
		wasm.FuncType{Params: []wasm.ValType{wasm.ValF64}, Results: []wasm.ValType{wasm.ValF64}},
		nil, "square",
		lget(0), lget(0), op(wasm.OpF64Mul),
	)
	out := reverseModule(t, input, Export{Primal: "square", Adjoint: "backprop"})

	rt := newRuntime(t, ctx)
	defer rt.Close(ctx)
	mod := instantiate(t, ctx, rt, out)

	primal := call1(t, ctx, mod.ExportedFunction("square"), 3.0)
	near(t, primal[0], 9.0, 1e-12, "square(3)")

	grad := call1(t, ctx, mod.ExportedFunction("backprop"), 1.0)
	near(t, grad[0], 6.0, 1e-12, "backprop(1)")

	checkTapeBalance(t, mod)
}

func TestReverseIdentity(t *testing.T) {
	ctx := context.Background()
	input := singleFunc(
		wasm.FuncType{Params: []wasm.ValType{wasm.ValF64}, Results: []wasm.ValType{wasm.ValF64}},
		nil, "id",
		lget(0),
	)
	out := reverseModule(t, input, Export{Primal: "id", Adjoint: "backprop"})

	rt := newRuntime(t, ctx)
	defer rt.Close(ctx)
	mod := instantiate(t, ctx, rt, out)

	call1(t, ctx, mod.ExportedFunction("id"), 7.0)
	grad := call1(t, ctx, mod.ExportedFunction("backprop"), 1.0)
	near(t, grad[0], 1.0, 1e-12, "backprop(1)")
	checkTapeBalance(t, mod)
}

func TestReverseDiv(t *testing.T) {
	ctx := context.Background()
	input := singleFunc(
		wasm.FuncType{Params: []wasm.ValType{wasm.ValF64, wasm.ValF64}, Results: []wasm.ValType{wasm.ValF64}},
		nil, "divby",
		lget(0), lget(1), op(wasm.OpF64Div),
	)
	out := reverseModule(t, input, Export{Primal: "divby", Adjoint: "backprop"})

	rt := newRuntime(t, ctx)
	defer rt.Close(ctx)
	mod := instantiate(t, ctx, rt, out)

	primal := call1(t, ctx, mod.ExportedFunction("divby"), 6.0, 2.0)
	near(t, primal[0], 3.0, 1e-12, "divby(6,2)")

	grad := call1(t, ctx, mod.ExportedFunction("backprop"), 1.0)
	near(t, grad[0], 0.5, 1e-12, "d/da")
	near(t, grad[1], -1.5, 1e-12, "d/db")
	checkTapeBalance(t, mod)
}

func TestReverseSqrt(t *testing.T) {
	ctx := context.Background()
	input := singleFunc(
		wasm.FuncType{Params: []wasm.ValType{wasm.ValF64}, Results: []wasm.ValType{wasm.ValF64}},
		nil, "sqrt",
		lget(0), op(wasm.OpF64Sqrt),
	)
	out := reverseModule(t, input, Export{Primal: "sqrt", Adjoint: "backprop"})

	rt := newRuntime(t, ctx)
	defer rt.Close(ctx)
	mod := instantiate(t, ctx, rt, out)

	primal := call1(t, ctx, mod.ExportedFunction("sqrt"), 4.0)
	near(t, primal[0], 2.0, 1e-12, "sqrt(4)")
	grad := call1(t, ctx, mod.ExportedFunction("backprop"), 1.0)
	near(t, grad[0], 0.25, 1e-12, "d sqrt at 4")
	checkTapeBalance(t, mod)
}

func TestReverseMulByConstant(t *testing.T) {
	ctx := context.Background()
	input := singleFunc(
		wasm.FuncType{Params: []wasm.ValType{wasm.ValF64}, Results: []wasm.ValType{wasm.ValF64}},
		nil, "twice",
		lget(0), f64c(2), op(wasm.OpF64Mul),
	)
	out := reverseModule(t, input, Export{Primal: "twice", Adjoint: "backprop"})

	rt := newRuntime(t, ctx)
	defer rt.Close(ctx)
	mod := instantiate(t, ctx, rt, out)

	primal := call1(t, ctx, mod.ExportedFunction("twice"), 5.0)
	near(t, primal[0], 10.0, 1e-12, "twice(5)")
	grad := call1(t, ctx, mod.ExportedFunction("backprop"), 1.0)
	near(t, grad[0], 2.0, 1e-12, "d twice")
	checkTapeBalance(t, mod)
}

func TestReverseAddSubNeg(t *testing.T) {
	ctx := context.Background()
	// f(a,b) = a - (-b + a*b)
	input := singleFunc(
		wasm.FuncType{Params: []wasm.ValType{wasm.ValF64, wasm.ValF64}, Results: []wasm.ValType{wasm.ValF64}},
		nil, "f",
		lget(0),
		lget(1), op(wasm.OpF64Neg),
		lget(0), lget(1), op(wasm.OpF64Mul),
		op(wasm.OpF64Add),
		op(wasm.OpF64Sub),
	)
	out := reverseModule(t, input, Export{Primal: "f", Adjoint: "backprop"})

	rt := newRuntime(t, ctx)
	defer rt.Close(ctx)
	mod := instantiate(t, ctx, rt, out)

	a, b := 2.0, 3.0
	primal := call1(t, ctx, mod.ExportedFunction("f"), a, b)
	near(t, primal[0], a-(-b+a*b), 1e-12, "f(2,3)")

	grad := call1(t, ctx, mod.ExportedFunction("backprop"), 1.0)
	near(t, grad[0], 1-b, 1e-12, "df/da") // 1 - b
	near(t, grad[1], 1-a, 1e-12, "df/db") // 1 - a
	checkTapeBalance(t, mod)
}

func TestReverseMin(t *testing.T) {
	ctx := context.Background()
	input := singleFunc(
		wasm.FuncType{Params: []wasm.ValType{wasm.ValF64, wasm.ValF64}, Results: []wasm.ValType{wasm.ValF64}},
		nil, "least",
		lget(0), lget(1), op(wasm.OpF64Min),
	)
	out := reverseModule(t, input, Export{Primal: "least", Adjoint: "backprop"})

	rt := newRuntime(t, ctx)
	defer rt.Close(ctx)
	mod := instantiate(t, ctx, rt, out)

	call1(t, ctx, mod.ExportedFunction("least"), 2.0, 3.0)
	grad := call1(t, ctx, mod.ExportedFunction("backprop"), 1.0)
	near(t, grad[0], 1.0, 1e-12, "min picks a")
	near(t, grad[1], 0.0, 1e-12, "min ignores b")

	// Ties route the cotangent to the first operand.
	call1(t, ctx, mod.ExportedFunction("least"), 2.0, 2.0)
	grad = call1(t, ctx, mod.ExportedFunction("backprop"), 1.0)
	near(t, grad[0], 1.0, 1e-12, "tie picks a")
	near(t, grad[1], 0.0, 1e-12, "tie ignores b")
	checkTapeBalance(t, mod)
}

func TestReverseCopysignAbs(t *testing.T) {
	ctx := context.Background()
	input := singleFunc(
		wasm.FuncType{Params: []wasm.ValType{wasm.ValF64, wasm.ValF64}, Results: []wasm.ValType{wasm.ValF64}},
		nil, "f",
		lget(0), lget(1), op(wasm.OpF64Copysign),
	)
	out := reverseModule(t, input, Export{Primal: "f", Adjoint: "backprop"})

	rt := newRuntime(t, ctx)
	defer rt.Close(ctx)
	mod := instantiate(t, ctx, rt, out)

	primal := call1(t, ctx, mod.ExportedFunction("f"), 3.0, -1.0)
	near(t, primal[0], -3.0, 1e-12, "copysign(3,-1)")
	grad := call1(t, ctx, mod.ExportedFunction("backprop"), 1.0)
	near(t, grad[0], -1.0, 1e-12, "sign flipped")
	near(t, grad[1], 0.0, 1e-12, "sign source")
	checkTapeBalance(t, mod)

	absIn := singleFunc(
		wasm.FuncType{Params: []wasm.ValType{wasm.ValF64}, Results: []wasm.ValType{wasm.ValF64}},
		nil, "mag",
		lget(0), op(wasm.OpF64Abs),
	)
	absOut := reverseModule(t, absIn, Export{Primal: "mag", Adjoint: "backprop"})
	rt2 := newRuntime(t, ctx)
	defer rt2.Close(ctx)
	mod2 := instantiate(t, ctx, rt2, absOut)
	call1(t, ctx, mod2.ExportedFunction("mag"), -2.0)
	grad = call1(t, ctx, mod2.ExportedFunction("backprop"), 1.0)
	near(t, grad[0], -1.0, 1e-12, "d|x| at -2")
}

func TestReverseCallChain(t *testing.T) {
	ctx := context.Background()
	sig := wasm.FuncType{Params: []wasm.ValType{wasm.ValF64}, Results: []wasm.ValType{wasm.ValF64}}
	m := &wasm.Module{
		Types: []wasm.FuncType{sig},
		Funcs: []uint32{0, 0},
		Exports: []wasm.Export{
			{Name: "g", Kind: wasm.KindFunc, Idx: 1},
		},
		Code: []wasm.FuncBody{
			// func 0: square
			{Code: body(lget(0), lget(0), op(wasm.OpF64Mul))},
			// func 1: g(x) = square(x) + x
			{Code: body(lget(0), call(0), lget(0), op(wasm.OpF64Add))},
		},
	}
	out := reverseModule(t, m.Encode(), Export{Primal: "g", Adjoint: "backprop"})

	rt := newRuntime(t, ctx)
	defer rt.Close(ctx)
	mod := instantiate(t, ctx, rt, out)

	primal := call1(t, ctx, mod.ExportedFunction("g"), 3.0)
	near(t, primal[0], 12.0, 1e-12, "g(3)")
	grad := call1(t, ctx, mod.ExportedFunction("backprop"), 1.0)
	near(t, grad[0], 7.0, 1e-12, "g'(3)")
	checkTapeBalance(t, mod)
}

// piecewise builds f(x) = x > 0 ? x*x : 3*x.
func piecewiseModule() []byte {
	return singleFunc(
		wasm.FuncType{Params: []wasm.ValType{wasm.ValF64}, Results: []wasm.ValType{wasm.ValF64}},
		nil, "f",
		lget(0), f64c(0), op(wasm.OpF64Gt),
		ifOp(-4), // result f64
		lget(0), lget(0), op(wasm.OpF64Mul),
		op(wasm.OpElse),
		lget(0), f64c(3), op(wasm.OpF64Mul),
		op(wasm.OpEnd),
	)
}

func TestReverseIfElse(t *testing.T) {
	ctx := context.Background()
	out := reverseModule(t, piecewiseModule(), Export{Primal: "f", Adjoint: "backprop"})

	rt := newRuntime(t, ctx)
	defer rt.Close(ctx)
	mod := instantiate(t, ctx, rt, out)

	call1(t, ctx, mod.ExportedFunction("f"), 2.0)
	grad := call1(t, ctx, mod.ExportedFunction("backprop"), 1.0)
	near(t, grad[0], 4.0, 1e-12, "then branch gradient")

	call1(t, ctx, mod.ExportedFunction("f"), -1.0)
	grad = call1(t, ctx, mod.ExportedFunction("backprop"), 1.0)
	near(t, grad[0], 3.0, 1e-12, "else branch gradient")
	checkTapeBalance(t, mod)
}

// loopModule builds f(x) = sum of x*x over 4 iterations = 4x².
func loopModule() []byte {
	return singleFunc(
		wasm.FuncType{Params: []wasm.ValType{wasm.ValF64}, Results: []wasm.ValType{wasm.ValF64}},
		localEntries(wasm.ValI32, wasm.ValF64),
		"f",
		blk(-64),
		loop(-64),
		lget(1), i32c(4), op(wasm.OpI32GeU),
		brIf(1),
		lget(2), lget(0), lget(0), op(wasm.OpF64Mul), op(wasm.OpF64Add), lset(2),
		lget(1), i32c(1), op(wasm.OpI32Add), lset(1),
		br(0),
		op(wasm.OpEnd),
		op(wasm.OpEnd),
		lget(2),
	)
}

func TestReverseLoop(t *testing.T) {
	ctx := context.Background()
	out := reverseModule(t, loopModule(), Export{Primal: "f", Adjoint: "backprop"})

	rt := newRuntime(t, ctx)
	defer rt.Close(ctx)
	mod := instantiate(t, ctx, rt, out)

	primal := call1(t, ctx, mod.ExportedFunction("f"), 1.5)
	near(t, primal[0], 9.0, 1e-12, "4x² at 1.5")
	grad := call1(t, ctx, mod.ExportedFunction("backprop"), 1.0)
	near(t, grad[0], 12.0, 1e-12, "8x at 1.5")
	checkTapeBalance(t, mod)
}

func TestReverseLoadShadowMemory(t *testing.T) {
	ctx := context.Background()
	m := &wasm.Module{
		Types:    []wasm.FuncType{{Params: []wasm.ValType{wasm.ValI32}, Results: []wasm.ValType{wasm.ValF64}}},
		Funcs:    []uint32{0},
		Memories: []wasm.MemoryType{{Limits: wasm.Limits{Min: 1}}, {Limits: wasm.Limits{Min: 1}}},
		Exports: []wasm.Export{
			{Name: "get", Kind: wasm.KindFunc, Idx: 0},
			{Name: "memory", Kind: wasm.KindMemory, Idx: 0},
		},
		Code: []wasm.FuncBody{
			{Code: body(
				lget(0),
				wasm.Instruction{Opcode: wasm.OpF64Load, Imm: wasm.MemoryImm{Align: 3}},
			)},
		},
	}
	cfg := Config{
		Exports:            []Export{{Primal: "get", Adjoint: "backprop"}},
		ShadowMemoryExport: "grad_memory",
	}
	out, err := Reverse(m.Encode(), cfg)
	if err != nil {
		t.Fatalf("Reverse: %v", err)
	}

	rt := newRuntime(t, ctx)
	defer rt.Close(ctx)
	mod := instantiate(t, ctx, rt, out)

	const addr = 24
	mem := mod.ExportedMemory("memory")
	if mem == nil {
		t.Fatal("user memory not re-exported")
	}
	if !mem.WriteFloat64Le(addr, 2.5) {
		t.Fatal("write primal memory")
	}

	res, err := mod.ExportedFunction("get").Call(ctx, addr)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	near(t, api.DecodeF64(res[0]), 2.5, 1e-12, "get(addr)")

	// The backward pass returns the i32 address cotangent, which is zero
	// by construction; the interesting effect is in shadow memory.
	if _, err := mod.ExportedFunction("backprop").Call(ctx, api.EncodeF64(1.5)); err != nil {
		t.Fatalf("backprop: %v", err)
	}

	shadow := mod.ExportedMemory("grad_memory")
	if shadow == nil {
		t.Fatal("shadow memory not exported")
	}
	got, ok := shadow.ReadFloat64Le(addr)
	if !ok {
		t.Fatal("read shadow memory")
	}
	near(t, got, 1.5, 1e-12, "shadow cotangent at stored address")
	checkTapeBalance(t, mod)
}

func TestReverseStoreShadowMemory(t *testing.T) {
	ctx := context.Background()
	m := &wasm.Module{
		Types:    []wasm.FuncType{{Params: []wasm.ValType{wasm.ValI32, wasm.ValF64}}},
		Funcs:    []uint32{0},
		Memories: []wasm.MemoryType{{Limits: wasm.Limits{Min: 1}}},
		Exports: []wasm.Export{
			{Name: "put", Kind: wasm.KindFunc, Idx: 0},
			{Name: "memory", Kind: wasm.KindMemory, Idx: 0},
		},
		Code: []wasm.FuncBody{
			{Code: body(
				lget(0), lget(1),
				wasm.Instruction{Opcode: wasm.OpF64Store, Imm: wasm.MemoryImm{Align: 3}},
			)},
		},
	}
	cfg := Config{
		Exports:            []Export{{Primal: "put", Adjoint: "backprop"}},
		ShadowMemoryExport: "grad_memory",
	}
	out, err := Reverse(m.Encode(), cfg)
	if err != nil {
		t.Fatalf("Reverse: %v", err)
	}

	rt := newRuntime(t, ctx)
	defer rt.Close(ctx)
	mod := instantiate(t, ctx, rt, out)

	const addr = 8
	if _, err := mod.ExportedFunction("put").Call(ctx, addr, api.EncodeF64(4.25)); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, _ := mod.ExportedMemory("memory").ReadFloat64Le(addr)
	near(t, got, 4.25, 1e-12, "stored value")

	// Seed the stored slot's cotangent, then run the backward pass: the
	// sensitivity flows to the stored parameter and the slot is cleared.
	shadow := mod.ExportedMemory("grad_memory")
	if !shadow.WriteFloat64Le(addr, 2.5) {
		t.Fatal("seed shadow memory")
	}
	res, err := mod.ExportedFunction("backprop").Call(ctx)
	if err != nil {
		t.Fatalf("backprop: %v", err)
	}
	near(t, api.DecodeF64(res[1]), 2.5, 1e-12, "stored value cotangent")

	cleared, _ := shadow.ReadFloat64Le(addr)
	near(t, cleared, 0.0, 1e-12, "shadow slot zeroed at store site")
	checkTapeBalance(t, mod)
}

func TestReverseRoundTripIntOnly(t *testing.T) {
	ctx := context.Background()
	input := singleFunc(
		wasm.FuncType{Params: []wasm.ValType{wasm.ValI32, wasm.ValI32}, Results: []wasm.ValType{wasm.ValI32}},
		nil, "add",
		lget(0), lget(1), op(wasm.OpI32Add),
	)
	out := reverseModule(t, input, Export{Primal: "add", Adjoint: "backprop"})

	rt := newRuntime(t, ctx)
	defer rt.Close(ctx)
	mod := instantiate(t, ctx, rt, out)

	res, err := mod.ExportedFunction("add").Call(ctx, 2, 3)
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if res[0] != 5 {
		t.Errorf("add(2,3) = %d, want 5", res[0])
	}
	// The backward pass of an integer function exists and returns zeros.
	res, err = mod.ExportedFunction("backprop").Call(ctx, 0)
	if err != nil {
		t.Fatalf("backprop: %v", err)
	}
	if res[0] != 0 || res[1] != 0 {
		t.Errorf("integer cotangents: %v, want zeros", res)
	}
	checkTapeBalance(t, mod)
}

func TestReverseIdempotentReExport(t *testing.T) {
	ctx := context.Background()
	input := singleFunc(
		wasm.FuncType{Params: []wasm.ValType{wasm.ValF64}, Results: []wasm.ValType{wasm.ValF64}},
		nil, "square",
		lget(0), lget(0), op(wasm.OpF64Mul),
	)
	out := reverseModule(t, input,
		Export{Primal: "square", Adjoint: "backprop"},
		Export{Primal: "square", Adjoint: "grad"},
	)

	rt := newRuntime(t, ctx)
	defer rt.Close(ctx)
	mod := instantiate(t, ctx, rt, out)

	for _, name := range []string{"backprop", "grad"} {
		call1(t, ctx, mod.ExportedFunction("square"), 4.0)
		grad := call1(t, ctx, mod.ExportedFunction(name), 1.0)
		near(t, grad[0], 8.0, 1e-12, name)
	}
	checkTapeBalance(t, mod)
}

// TestGradientFiniteDifference checks the adjoint of a composite function
// against a central difference approximation on a battery of points.
func TestGradientFiniteDifference(t *testing.T) {
	ctx := context.Background()
	// f(x,y) = sqrt(x*x + y*y) * (x / y)
	input := singleFunc(
		wasm.FuncType{Params: []wasm.ValType{wasm.ValF64, wasm.ValF64}, Results: []wasm.ValType{wasm.ValF64}},
		nil, "f",
		lget(0), lget(0), op(wasm.OpF64Mul),
		lget(1), lget(1), op(wasm.OpF64Mul),
		op(wasm.OpF64Add),
		op(wasm.OpF64Sqrt),
		lget(0), lget(1), op(wasm.OpF64Div),
		op(wasm.OpF64Mul),
	)
	out := reverseModule(t, input, Export{Primal: "f", Adjoint: "backprop"})

	rt := newRuntime(t, ctx)
	defer rt.Close(ctx)
	mod := instantiate(t, ctx, rt, out)

	f := func(x, y float64) float64 {
		return call1(t, ctx, mod.ExportedFunction("f"), x, y)[0]
	}

	points := [][2]float64{{1.5, 2.25}, {0.7, -1.3}, {-2.0, 0.5}, {3.0, 3.0}}
	const h = 1e-6
	for _, pt := range points {
		x, y := pt[0], pt[1]
		f(x, y)
		grad := call1(t, ctx, mod.ExportedFunction("backprop"), 1.0)

		dx := (f(x+h, y) - f(x-h, y)) / (2 * h)
		dy := (f(x, y+h) - f(x, y-h)) / (2 * h)

		near(t, grad[0], dx, 1e-5, "df/dx")
		near(t, grad[1], dy, 1e-5, "df/dy")
	}
}
