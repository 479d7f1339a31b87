package planner

import "github.com/wippyai/floretta/wasm"

// simpleEffect returns the stack effect for instructions whose pops and
// pushes are fixed by the opcode alone: constants, unary and binary
// numerics, comparisons, and conversions. Control flow, variable access,
// memory access, and parametric instructions are handled by the walk.
func simpleEffect(op byte) (pops []wasm.ValType, push wasm.ValType, hasPush, ok bool) {
	i32, i64, f32, f64 := wasm.ValI32, wasm.ValI64, wasm.ValF32, wasm.ValF64

	switch op {
	case wasm.OpI32Const:
		return nil, i32, true, true
	case wasm.OpI64Const:
		return nil, i64, true, true
	case wasm.OpF32Const:
		return nil, f32, true, true
	case wasm.OpF64Const:
		return nil, f64, true, true

	case wasm.OpI32Eqz:
		return []wasm.ValType{i32}, i32, true, true
	case wasm.OpI64Eqz:
		return []wasm.ValType{i64}, i32, true, true

	case wasm.OpI32Eq, wasm.OpI32Ne, wasm.OpI32LtS, wasm.OpI32LtU, wasm.OpI32GtS,
		wasm.OpI32GtU, wasm.OpI32LeS, wasm.OpI32LeU, wasm.OpI32GeS, wasm.OpI32GeU:
		return []wasm.ValType{i32, i32}, i32, true, true
	case wasm.OpI64Eq, wasm.OpI64Ne, wasm.OpI64LtS, wasm.OpI64LtU, wasm.OpI64GtS,
		wasm.OpI64GtU, wasm.OpI64LeS, wasm.OpI64LeU, wasm.OpI64GeS, wasm.OpI64GeU:
		return []wasm.ValType{i64, i64}, i32, true, true
	case wasm.OpF32Eq, wasm.OpF32Ne, wasm.OpF32Lt, wasm.OpF32Gt, wasm.OpF32Le, wasm.OpF32Ge:
		return []wasm.ValType{f32, f32}, i32, true, true
	case wasm.OpF64Eq, wasm.OpF64Ne, wasm.OpF64Lt, wasm.OpF64Gt, wasm.OpF64Le, wasm.OpF64Ge:
		return []wasm.ValType{f64, f64}, i32, true, true

	case wasm.OpI32Clz, wasm.OpI32Ctz, wasm.OpI32Popcnt,
		wasm.OpI32Extend8S, wasm.OpI32Extend16S:
		return []wasm.ValType{i32}, i32, true, true
	case wasm.OpI32Add, wasm.OpI32Sub, wasm.OpI32Mul, wasm.OpI32DivS, wasm.OpI32DivU,
		wasm.OpI32RemS, wasm.OpI32RemU, wasm.OpI32And, wasm.OpI32Or, wasm.OpI32Xor,
		wasm.OpI32Shl, wasm.OpI32ShrS, wasm.OpI32ShrU, wasm.OpI32Rotl, wasm.OpI32Rotr:
		return []wasm.ValType{i32, i32}, i32, true, true

	case wasm.OpI64Clz, wasm.OpI64Ctz, wasm.OpI64Popcnt,
		wasm.OpI64Extend8S, wasm.OpI64Extend16S, wasm.OpI64Extend32S:
		return []wasm.ValType{i64}, i64, true, true
	case wasm.OpI64Add, wasm.OpI64Sub, wasm.OpI64Mul, wasm.OpI64DivS, wasm.OpI64DivU,
		wasm.OpI64RemS, wasm.OpI64RemU, wasm.OpI64And, wasm.OpI64Or, wasm.OpI64Xor,
		wasm.OpI64Shl, wasm.OpI64ShrS, wasm.OpI64ShrU, wasm.OpI64Rotl, wasm.OpI64Rotr:
		return []wasm.ValType{i64, i64}, i64, true, true

	case wasm.OpF32Abs, wasm.OpF32Neg, wasm.OpF32Ceil, wasm.OpF32Floor,
		wasm.OpF32Trunc, wasm.OpF32Nearest, wasm.OpF32Sqrt:
		return []wasm.ValType{f32}, f32, true, true
	case wasm.OpF32Add, wasm.OpF32Sub, wasm.OpF32Mul, wasm.OpF32Div,
		wasm.OpF32Min, wasm.OpF32Max, wasm.OpF32Copysign:
		return []wasm.ValType{f32, f32}, f32, true, true

	case wasm.OpF64Abs, wasm.OpF64Neg, wasm.OpF64Ceil, wasm.OpF64Floor,
		wasm.OpF64Trunc, wasm.OpF64Nearest, wasm.OpF64Sqrt:
		return []wasm.ValType{f64}, f64, true, true
	case wasm.OpF64Add, wasm.OpF64Sub, wasm.OpF64Mul, wasm.OpF64Div,
		wasm.OpF64Min, wasm.OpF64Max, wasm.OpF64Copysign:
		return []wasm.ValType{f64, f64}, f64, true, true

	case wasm.OpI32WrapI64:
		return []wasm.ValType{i64}, i32, true, true
	case wasm.OpI32TruncF32S, wasm.OpI32TruncF32U, wasm.OpI32ReinterpretF32:
		return []wasm.ValType{f32}, i32, true, true
	case wasm.OpI32TruncF64S, wasm.OpI32TruncF64U:
		return []wasm.ValType{f64}, i32, true, true
	case wasm.OpI64ExtendI32S, wasm.OpI64ExtendI32U:
		return []wasm.ValType{i32}, i64, true, true
	case wasm.OpI64TruncF32S, wasm.OpI64TruncF32U:
		return []wasm.ValType{f32}, i64, true, true
	case wasm.OpI64TruncF64S, wasm.OpI64TruncF64U, wasm.OpI64ReinterpretF64:
		return []wasm.ValType{f64}, i64, true, true
	case wasm.OpF32ConvertI32S, wasm.OpF32ConvertI32U, wasm.OpF32ReinterpretI32:
		return []wasm.ValType{i32}, f32, true, true
	case wasm.OpF32ConvertI64S, wasm.OpF32ConvertI64U:
		return []wasm.ValType{i64}, f32, true, true
	case wasm.OpF32DemoteF64:
		return []wasm.ValType{f64}, f32, true, true
	case wasm.OpF64ConvertI32S, wasm.OpF64ConvertI32U:
		return []wasm.ValType{i32}, f64, true, true
	case wasm.OpF64ConvertI64S, wasm.OpF64ConvertI64U, wasm.OpF64ReinterpretI64:
		return []wasm.ValType{i64}, f64, true, true
	case wasm.OpF64PromoteF32:
		return []wasm.ValType{f32}, f64, true, true
	}

	return nil, 0, false, false
}

// LoadType returns the result type of a load opcode, or false.
func LoadType(op byte) (wasm.ValType, bool) {
	switch op {
	case wasm.OpI32Load, wasm.OpI32Load8S, wasm.OpI32Load8U, wasm.OpI32Load16S, wasm.OpI32Load16U:
		return wasm.ValI32, true
	case wasm.OpI64Load, wasm.OpI64Load8S, wasm.OpI64Load8U, wasm.OpI64Load16S,
		wasm.OpI64Load16U, wasm.OpI64Load32S, wasm.OpI64Load32U:
		return wasm.ValI64, true
	case wasm.OpF32Load:
		return wasm.ValF32, true
	case wasm.OpF64Load:
		return wasm.ValF64, true
	}
	return 0, false
}

// StoreType returns the operand type of a store opcode, or false.
func StoreType(op byte) (wasm.ValType, bool) {
	switch op {
	case wasm.OpI32Store, wasm.OpI32Store8, wasm.OpI32Store16:
		return wasm.ValI32, true
	case wasm.OpI64Store, wasm.OpI64Store8, wasm.OpI64Store16, wasm.OpI64Store32:
		return wasm.ValI64, true
	case wasm.OpF32Store:
		return wasm.ValF32, true
	case wasm.OpF64Store:
		return wasm.ValF64, true
	}
	return 0, false
}

// IsFloatLoad reports whether op is f32.load or f64.load.
func IsFloatLoad(op byte) bool {
	return op == wasm.OpF32Load || op == wasm.OpF64Load
}

// IsFloatStore reports whether op is f32.store or f64.store.
func IsFloatStore(op byte) bool {
	return op == wasm.OpF32Store || op == wasm.OpF64Store
}
