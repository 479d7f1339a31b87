package autodiff

import (
	"context"
	"testing"

	"github.com/wippyai/floretta/wasm"
)

func forwardModule(t *testing.T, input []byte) []byte {
	t.Helper()
	out, err := Forward(input, Config{})
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	if _, err := wasm.ParseModuleValidate(out); err != nil {
		t.Fatalf("transformed module does not re-parse: %v", err)
	}
	return out
}

func TestForwardSquare(t *testing.T) {
	ctx := context.Background()
	input := singleFunc(
		wasm.FuncType{Params: []wasm.ValType{wasm.ValF64}, Results: []wasm.ValType{wasm.ValF64}},
		nil, "square",
		lget(0), lget(0), op(wasm.OpF64Mul),
	)
	out := forwardModule(t, input)

	rt := newRuntime(t, ctx)
	defer rt.Close(ctx)
	mod := instantiate(t, ctx, rt, out)

	res := call1(t, ctx, mod.ExportedFunction("square"), 3.0, 1.0)
	near(t, res[0], 9.0, 1e-12, "primal")
	near(t, res[1], 6.0, 1e-12, "dual")
}

func TestForwardJacobianColumns(t *testing.T) {
	ctx := context.Background()
	// f(x,y) = (x*y, x+y); dual seeds select Jacobian columns.
	input := singleFunc(
		wasm.FuncType{
			Params:  []wasm.ValType{wasm.ValF64, wasm.ValF64},
			Results: []wasm.ValType{wasm.ValF64, wasm.ValF64},
		},
		nil, "f",
		lget(0), lget(1), op(wasm.OpF64Mul),
		lget(0), lget(1), op(wasm.OpF64Add),
	)
	out := forwardModule(t, input)

	rt := newRuntime(t, ctx)
	defer rt.Close(ctx)
	mod := instantiate(t, ctx, rt, out)

	x, y := 3.0, 5.0
	// Column 0: seed dx=1, dy=0.
	res := call1(t, ctx, mod.ExportedFunction("f"), x, 1, y, 0)
	near(t, res[0], 15.0, 1e-12, "x*y")
	near(t, res[1], y, 1e-12, "d(x*y)/dx")
	near(t, res[2], 8.0, 1e-12, "x+y")
	near(t, res[3], 1.0, 1e-12, "d(x+y)/dx")

	// Column 1: seed dx=0, dy=1.
	res = call1(t, ctx, mod.ExportedFunction("f"), x, 0, y, 1)
	near(t, res[1], x, 1e-12, "d(x*y)/dy")
	near(t, res[3], 1.0, 1e-12, "d(x+y)/dy")
}

func TestForwardDivSqrt(t *testing.T) {
	ctx := context.Background()
	// h(x) = sqrt(x) / x = x^(-1/2); h'(x) = -x^(-3/2)/2.
	input := singleFunc(
		wasm.FuncType{Params: []wasm.ValType{wasm.ValF64}, Results: []wasm.ValType{wasm.ValF64}},
		nil, "h",
		lget(0), op(wasm.OpF64Sqrt),
		lget(0), op(wasm.OpF64Div),
	)
	out := forwardModule(t, input)

	rt := newRuntime(t, ctx)
	defer rt.Close(ctx)
	mod := instantiate(t, ctx, rt, out)

	res := call1(t, ctx, mod.ExportedFunction("h"), 4.0, 1.0)
	near(t, res[0], 0.5, 1e-12, "h(4)")
	near(t, res[1], -0.0625, 1e-12, "h'(4)")
}

func TestForwardIfElse(t *testing.T) {
	ctx := context.Background()
	out := forwardModule(t, piecewiseModule())

	rt := newRuntime(t, ctx)
	defer rt.Close(ctx)
	mod := instantiate(t, ctx, rt, out)

	res := call1(t, ctx, mod.ExportedFunction("f"), 2.0, 1.0)
	near(t, res[0], 4.0, 1e-12, "then primal")
	near(t, res[1], 4.0, 1e-12, "then dual")

	res = call1(t, ctx, mod.ExportedFunction("f"), -1.0, 1.0)
	near(t, res[0], -3.0, 1e-12, "else primal")
	near(t, res[1], 3.0, 1e-12, "else dual")
}

func TestForwardLoop(t *testing.T) {
	ctx := context.Background()
	out := forwardModule(t, loopModule())

	rt := newRuntime(t, ctx)
	defer rt.Close(ctx)
	mod := instantiate(t, ctx, rt, out)

	res := call1(t, ctx, mod.ExportedFunction("f"), 1.5, 1.0)
	near(t, res[0], 9.0, 1e-12, "4x² at 1.5")
	near(t, res[1], 12.0, 1e-12, "8x at 1.5")
}

func TestForwardCall(t *testing.T) {
	ctx := context.Background()
	sig := wasm.FuncType{Params: []wasm.ValType{wasm.ValF64}, Results: []wasm.ValType{wasm.ValF64}}
	m := &wasm.Module{
		Types: []wasm.FuncType{sig},
		Funcs: []uint32{0, 0},
		Exports: []wasm.Export{
			{Name: "g", Kind: wasm.KindFunc, Idx: 1},
		},
		Code: []wasm.FuncBody{
			{Code: body(lget(0), lget(0), op(wasm.OpF64Mul))},
			{Code: body(lget(0), call(0), lget(0), op(wasm.OpF64Add))},
		},
	}
	out := forwardModule(t, m.Encode())

	rt := newRuntime(t, ctx)
	defer rt.Close(ctx)
	mod := instantiate(t, ctx, rt, out)

	res := call1(t, ctx, mod.ExportedFunction("g"), 3.0, 1.0)
	near(t, res[0], 12.0, 1e-12, "g(3)")
	near(t, res[1], 7.0, 1e-12, "g'(3)")
}

func TestForwardMemory(t *testing.T) {
	ctx := context.Background()
	// f(addr, x): mem[addr] = x*x; returns mem[addr]. Dual of the stored
	// value flows through shadow memory.
	m := &wasm.Module{
		Types: []wasm.FuncType{{
			Params:  []wasm.ValType{wasm.ValI32, wasm.ValF64},
			Results: []wasm.ValType{wasm.ValF64},
		}},
		Funcs:    []uint32{0},
		Memories: []wasm.MemoryType{{Limits: wasm.Limits{Min: 1}}},
		Exports:  []wasm.Export{{Name: "f", Kind: wasm.KindFunc, Idx: 0}},
		Code: []wasm.FuncBody{
			{Code: body(
				lget(0),
				lget(1), lget(1), op(wasm.OpF64Mul),
				wasm.Instruction{Opcode: wasm.OpF64Store, Imm: wasm.MemoryImm{Align: 3}},
				lget(0),
				wasm.Instruction{Opcode: wasm.OpF64Load, Imm: wasm.MemoryImm{Align: 3}},
			)},
		},
	}
	out := forwardModule(t, m.Encode())

	rt := newRuntime(t, ctx)
	defer rt.Close(ctx)
	mod := instantiate(t, ctx, rt, out)

	res, err := mod.ExportedFunction("f").Call(ctx, 16, f64bits(2.5), f64bits(1.0))
	if err != nil {
		t.Fatalf("f: %v", err)
	}
	near(t, f64val(res[0]), 6.25, 1e-12, "x² through memory")
	near(t, f64val(res[1]), 5.0, 1e-12, "2x through shadow memory")
}
