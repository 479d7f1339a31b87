package plan

import (
	"github.com/wippyai/floretta/autodiff/internal/codegen"
	"github.com/wippyai/floretta/wasm"
)

// Page size of a WebAssembly linear memory, as a shift amount.
const pageShift = 16

// buildHelpers synthesizes the tape push/pop primitives and the fwd/bwd
// helper pair for every differentiable operation, appending them to m.
func (p *Plan) buildHelpers(m *wasm.Module) {
	i32, f32, f64 := wasm.ValI32, wasm.ValF32, wasm.ValF64

	// Tape primitives. The i32 push returns its argument so address saves
	// compose inline with the original load/store.
	p.TapeI32 = p.AddFunction(m,
		m.AddType(wasm.FuncType{Params: []wasm.ValType{i32}, Results: []wasm.ValType{i32}}),
		locals(i32), p.tapePush(i32, 4, 2, p.Tape4, p.Ptr4, true))
	p.TapeI32Bwd = p.AddFunction(m,
		m.AddType(wasm.FuncType{Results: []wasm.ValType{i32}}),
		locals(i32), p.tapePop(i32, 4, 2, p.Tape4, p.Ptr4))
	p.TapeF32 = p.AddFunction(m,
		m.AddType(wasm.FuncType{Params: []wasm.ValType{f32}}),
		locals(i32), p.tapePush(f32, 4, 2, p.Tape4, p.Ptr4, false))
	p.TapeF32Bwd = p.AddFunction(m,
		m.AddType(wasm.FuncType{Results: []wasm.ValType{f32}}),
		locals(i32), p.tapePop(f32, 4, 2, p.Tape4, p.Ptr4))
	p.TapeF64 = p.AddFunction(m,
		m.AddType(wasm.FuncType{Params: []wasm.ValType{f64}}),
		locals(i32), p.tapePush(f64, 8, 3, p.Tape8, p.Ptr8, false))
	p.TapeF64Bwd = p.AddFunction(m,
		m.AddType(wasm.FuncType{Results: []wasm.ValType{f64}}),
		locals(i32), p.tapePop(f64, 8, 3, p.Tape8, p.Ptr8))
	p.TapeU8 = p.AddFunction(m,
		m.AddType(wasm.FuncType{Params: []wasm.ValType{i32}}),
		locals(i32), p.tapePush(wasm.ValType(0), 1, 0, p.Tape1, p.Ptr1, false))
	p.TapeU8Bwd = p.AddFunction(m,
		m.AddType(wasm.FuncType{Results: []wasm.ValType{i32}}),
		locals(i32), p.tapePop(wasm.ValType(0), 1, 0, p.Tape1, p.Ptr1))

	for _, t := range []wasm.ValType{f32, f64} {
		unary := m.AddType(wasm.FuncType{Params: []wasm.ValType{t}, Results: []wasm.ValType{t}})
		binary := m.AddType(wasm.FuncType{Params: []wasm.ValType{t, t}, Results: []wasm.ValType{t}})
		unaryPair := m.AddType(wasm.FuncType{Params: []wasm.ValType{t}, Results: []wasm.ValType{t, t}})
		selTy := m.AddType(wasm.FuncType{Params: []wasm.ValType{t, t, i32}, Results: []wasm.ValType{t}})

		mulOp := pick(t, wasm.OpF32Mul, wasm.OpF64Mul)
		divOp := pick(t, wasm.OpF32Div, wasm.OpF64Div)
		sqrtOp := pick(t, wasm.OpF32Sqrt, wasm.OpF64Sqrt)
		minOp := pick(t, wasm.OpF32Min, wasm.OpF64Min)
		maxOp := pick(t, wasm.OpF32Max, wasm.OpF64Max)
		copysignOp := pick(t, wasm.OpF32Copysign, wasm.OpF64Copysign)
		absOp := pick(t, wasm.OpF32Abs, wasm.OpF64Abs)

		p.add(m, mulOp, t, true, binary, locals(), p.mulFwd(t))
		p.add(m, mulOp, t, false, unaryPair, locals(t, t), p.mulBwd(t))
		p.add(m, divOp, t, true, binary, locals(t), p.divFwd(t))
		p.add(m, divOp, t, false, unaryPair, locals(t, t, t), p.divBwd(t))
		p.add(m, sqrtOp, t, true, unary, locals(t), p.sqrtFwd(t))
		p.add(m, sqrtOp, t, false, unary, locals(t), p.sqrtBwd(t))
		p.add(m, minOp, t, true, binary, locals(), p.minMaxFwd(t, true))
		p.add(m, minOp, t, false, unaryPair, locals(i32), p.pickBwd(t))
		p.add(m, maxOp, t, true, binary, locals(), p.minMaxFwd(t, false))
		p.add(m, maxOp, t, false, unaryPair, locals(i32), p.pickBwd(t))
		p.add(m, copysignOp, t, true, binary, locals(), p.copysignFwd(t))
		p.add(m, copysignOp, t, false, unaryPair, locals(i32), p.copysignBwd(t))
		p.add(m, absOp, t, true, unary, locals(), p.absFwd(t))
		p.add(m, absOp, t, false, unary, locals(i32), p.absBwd(t))
		p.add(m, wasm.OpSelect, t, true, selTy, locals(), p.selectFwd(t))
		p.add(m, wasm.OpSelect, t, false, unaryPair, locals(i32), p.pickBwd(t))
	}
}

func (p *Plan) add(m *wasm.Module, op byte, t wasm.ValType, fwd bool, typeIdx uint32, loc []wasm.LocalEntry, code []byte) {
	p.Helpers[HelperKey{Op: op, Type: t, Fwd: fwd}] = p.AddFunction(m, typeIdx, loc, code)
}

func pick(t wasm.ValType, f32Op, f64Op byte) byte {
	if t == wasm.ValF32 {
		return f32Op
	}
	return f64Op
}

// tapePush emits the bump-allocating push: read the pointer, grow the tape
// memory by one page when the store would cross the current boundary,
// store the payload, advance the pointer. Payloads never exceed 8 bytes,
// so a single page always covers the crossing. t==0 selects the byte tape
// (i32 payload stored with store8).
func (p *Plan) tapePush(t wasm.ValType, size int32, alignLog2 uint32, mem, ptr uint32, returns bool) []byte {
	em := codegen.NewEmitter()
	scratch := uint32(1) // local after the single parameter

	em.GlobalGet(ptr).LocalSet(scratch)
	em.LocalGet(scratch).I32Const(size).I32Add()
	em.MemorySize(mem).I32Const(pageShift).Op(wasm.OpI32Shl)
	em.I32GtU()
	em.If(codegen.BlockVoid).I32Const(1).MemoryGrow(mem).Drop().End()

	em.LocalGet(scratch).LocalGet(0)
	switch t {
	case wasm.ValI32:
		em.I32Store(alignLog2, 0, mem)
	case wasm.ValF32:
		em.F32Store(alignLog2, 0, mem)
	case wasm.ValF64:
		em.F64Store(alignLog2, 0, mem)
	default:
		em.I32Store8(0, 0, mem)
	}

	em.LocalGet(scratch).I32Const(size).I32Add().GlobalSet(ptr)
	if returns {
		em.LocalGet(0)
	}
	em.End()
	return em.Bytes()
}

// tapePop is the symmetric pop: retreat the pointer, load from the new
// position. The pointer stays aligned to the tape's alignment class.
func (p *Plan) tapePop(t wasm.ValType, size int32, alignLog2 uint32, mem, ptr uint32) []byte {
	em := codegen.NewEmitter()
	scratch := uint32(0) // no parameters

	em.GlobalGet(ptr).I32Const(size).I32Sub().LocalTee(scratch).GlobalSet(ptr)
	em.LocalGet(scratch)
	switch t {
	case wasm.ValI32:
		em.I32Load(alignLog2, 0, mem)
	case wasm.ValF32:
		em.F32Load(alignLog2, 0, mem)
	case wasm.ValF64:
		em.F64Load(alignLog2, 0, mem)
	default:
		em.I32Load8U(0, 0, mem)
	}
	em.End()
	return em.Bytes()
}

// mulFwd saves both operands and multiplies: the backward pass needs each
// operand to weight the other's cotangent.
func (p *Plan) mulFwd(t wasm.ValType) []byte {
	em := codegen.NewEmitter()
	em.LocalGet(0).Call(p.TapePushFloat(t))
	em.LocalGet(1).Call(p.TapePushFloat(t))
	em.LocalGet(0).LocalGet(1).FMul(t)
	em.End()
	return em.Bytes()
}

// mulBwd pops (b, a) and returns (dy*b, dy*a).
func (p *Plan) mulBwd(t wasm.ValType) []byte {
	em := codegen.NewEmitter()
	b, a := uint32(1), uint32(2)
	em.Call(p.TapePopFloat(t)).LocalSet(b)
	em.Call(p.TapePopFloat(t)).LocalSet(a)
	em.LocalGet(0).LocalGet(b).FMul(t)
	em.LocalGet(0).LocalGet(a).FMul(t)
	em.End()
	return em.Bytes()
}

// divFwd saves the divisor and the quotient: the backward pass computes
// dy/b and -q*(dy/b) from them.
func (p *Plan) divFwd(t wasm.ValType) []byte {
	em := codegen.NewEmitter()
	q := uint32(2)
	em.LocalGet(1).Call(p.TapePushFloat(t))
	em.LocalGet(0).LocalGet(1).FDiv(t).LocalTee(q).Call(p.TapePushFloat(t))
	em.LocalGet(q)
	em.End()
	return em.Bytes()
}

func (p *Plan) divBwd(t wasm.ValType) []byte {
	em := codegen.NewEmitter()
	q, b, abar := uint32(1), uint32(2), uint32(3)
	em.Call(p.TapePopFloat(t)).LocalSet(q)
	em.Call(p.TapePopFloat(t)).LocalSet(b)
	em.LocalGet(0).LocalGet(b).FDiv(t).LocalTee(abar)
	em.LocalGet(q).LocalGet(abar).FMul(t).FNeg(t)
	em.End()
	return em.Bytes()
}

// sqrtFwd saves the result; the derivative is dy/(r+r).
func (p *Plan) sqrtFwd(t wasm.ValType) []byte {
	em := codegen.NewEmitter()
	r := uint32(1)
	em.LocalGet(0).FloatOp(t, wasm.OpF32Sqrt, wasm.OpF64Sqrt).LocalTee(r).Call(p.TapePushFloat(t))
	em.LocalGet(r)
	em.End()
	return em.Bytes()
}

func (p *Plan) sqrtBwd(t wasm.ValType) []byte {
	em := codegen.NewEmitter()
	r := uint32(1)
	em.Call(p.TapePopFloat(t)).LocalSet(r)
	em.LocalGet(0)
	em.LocalGet(r).LocalGet(r).FAdd(t)
	em.FDiv(t)
	em.End()
	return em.Bytes()
}

// minMaxFwd saves one byte telling which operand was selected. The first
// operand wins ties, matching the reverse-mode policy for forward mode.
func (p *Plan) minMaxFwd(t wasm.ValType, isMin bool) []byte {
	em := codegen.NewEmitter()
	em.LocalGet(0).LocalGet(1)
	if isMin {
		em.FLe(t)
	} else {
		em.FGe(t)
	}
	em.Call(p.TapeU8)
	em.LocalGet(0).LocalGet(1)
	if isMin {
		em.FloatOp(t, wasm.OpF32Min, wasm.OpF64Min)
	} else {
		em.FloatOp(t, wasm.OpF32Max, wasm.OpF64Max)
	}
	em.End()
	return em.Bytes()
}

// pickBwd pops the selection byte and routes the cotangent to the chosen
// side, zero to the other. Shared by min, max, and float select.
func (p *Plan) pickBwd(t wasm.ValType) []byte {
	em := codegen.NewEmitter()
	bit := uint32(1)
	em.Call(p.TapeU8Bwd).LocalSet(bit)
	em.LocalGet(0).FloatConst(t, 0).LocalGet(bit).Select()
	em.FloatConst(t, 0).LocalGet(0).LocalGet(bit).Select()
	em.End()
	return em.Bytes()
}

// copysignFwd saves a byte telling whether the first operand's sign was
// preserved (sign bits equal).
func (p *Plan) copysignFwd(t wasm.ValType) []byte {
	em := codegen.NewEmitter()
	p.emitSignsEqual(em, t)
	em.Call(p.TapeU8)
	em.LocalGet(0).LocalGet(1).FloatOp(t, wasm.OpF32Copysign, wasm.OpF64Copysign)
	em.End()
	return em.Bytes()
}

func (p *Plan) emitSignsEqual(em *codegen.Emitter, t wasm.ValType) {
	if t == wasm.ValF32 {
		em.LocalGet(0).Op(wasm.OpI32ReinterpretF32)
		em.LocalGet(1).Op(wasm.OpI32ReinterpretF32)
		em.I32Xor().I32Const(0).Op(wasm.OpI32GeS)
	} else {
		em.LocalGet(0).Op(wasm.OpI64ReinterpretF64)
		em.LocalGet(1).Op(wasm.OpI64ReinterpretF64)
		em.I64Xor().I64Const(0).Op(wasm.OpI64GeS)
	}
}

// copysignBwd: cotangent keeps or flips its sign with the first operand,
// and the sign source receives zero.
func (p *Plan) copysignBwd(t wasm.ValType) []byte {
	em := codegen.NewEmitter()
	bit := uint32(1)
	em.Call(p.TapeU8Bwd).LocalSet(bit)
	em.LocalGet(0)
	em.LocalGet(0).FNeg(t)
	em.LocalGet(bit).Select()
	em.FloatConst(t, 0)
	em.End()
	return em.Bytes()
}

// absFwd saves a byte telling whether the operand was non-negative.
func (p *Plan) absFwd(t wasm.ValType) []byte {
	em := codegen.NewEmitter()
	if t == wasm.ValF32 {
		em.LocalGet(0).Op(wasm.OpI32ReinterpretF32).I32Const(0).Op(wasm.OpI32GeS)
	} else {
		em.LocalGet(0).Op(wasm.OpI64ReinterpretF64).I64Const(0).Op(wasm.OpI64GeS)
	}
	em.Call(p.TapeU8)
	em.LocalGet(0).FloatOp(t, wasm.OpF32Abs, wasm.OpF64Abs)
	em.End()
	return em.Bytes()
}

func (p *Plan) absBwd(t wasm.ValType) []byte {
	em := codegen.NewEmitter()
	bit := uint32(1)
	em.Call(p.TapeU8Bwd).LocalSet(bit)
	em.LocalGet(0)
	em.LocalGet(0).FNeg(t)
	em.LocalGet(bit).Select()
	em.End()
	return em.Bytes()
}

// selectFwd records the normalized condition so the backward pass can
// route the cotangent to the operand that was picked.
func (p *Plan) selectFwd(t wasm.ValType) []byte {
	em := codegen.NewEmitter()
	em.LocalGet(2).I32Eqz().I32Eqz().Call(p.TapeU8)
	em.LocalGet(0).LocalGet(1).LocalGet(2).Select()
	em.End()
	return em.Bytes()
}
