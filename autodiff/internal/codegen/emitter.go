package codegen

import (
	"bytes"

	"github.com/wippyai/floretta/wasm"
)

// Block type constants for Block/Loop/If.
const (
	BlockVoid int32 = -64
	BlockI32  int32 = -1
	BlockI64  int32 = -2
	BlockF32  int32 = -3
	BlockF64  int32 = -4
)

// BlockType returns the s33 block type for a single result of type t.
func BlockType(t wasm.ValType) int32 {
	switch t {
	case wasm.ValI32:
		return BlockI32
	case wasm.ValI64:
		return BlockI64
	case wasm.ValF32:
		return BlockF32
	case wasm.ValF64:
		return BlockF64
	}
	return BlockVoid
}

// Emitter builds WebAssembly bytecode with a fluent interface. All methods
// return the receiver so emission sequences read like instruction listings.
type Emitter struct {
	buf bytes.Buffer
}

// NewEmitter creates an empty emitter.
func NewEmitter() *Emitter {
	return &Emitter{}
}

// Bytes returns the emitted bytecode. The slice aliases the internal
// buffer; use Copy for an independent snapshot.
func (e *Emitter) Bytes() []byte {
	return e.buf.Bytes()
}

// Copy returns an independent copy of the emitted bytecode.
func (e *Emitter) Copy() []byte {
	out := make([]byte, e.buf.Len())
	copy(out, e.buf.Bytes())
	return out
}

// Len returns the number of emitted bytes.
func (e *Emitter) Len() int {
	return e.buf.Len()
}

// Reset discards all emitted bytes.
func (e *Emitter) Reset() {
	e.buf.Reset()
}

// Op emits a bare opcode with no immediate.
func (e *Emitter) Op(op byte) *Emitter {
	e.buf.WriteByte(op)
	return e
}

// Instr re-emits a decoded instruction verbatim.
func (e *Emitter) Instr(instr wasm.Instruction) *Emitter {
	wasm.EncodeInstructionTo(&e.buf, &instr)
	return e
}

// Append emits raw pre-encoded bytecode.
func (e *Emitter) Append(code []byte) *Emitter {
	e.buf.Write(code)
	return e
}

// Control flow.

func (e *Emitter) Block(blockType int32) *Emitter {
	e.buf.WriteByte(wasm.OpBlock)
	wasm.WriteLEB128s(&e.buf, blockType)
	return e
}

func (e *Emitter) Loop(blockType int32) *Emitter {
	e.buf.WriteByte(wasm.OpLoop)
	wasm.WriteLEB128s(&e.buf, blockType)
	return e
}

func (e *Emitter) If(blockType int32) *Emitter {
	e.buf.WriteByte(wasm.OpIf)
	wasm.WriteLEB128s(&e.buf, blockType)
	return e
}

func (e *Emitter) Else() *Emitter {
	e.buf.WriteByte(wasm.OpElse)
	return e
}

func (e *Emitter) End() *Emitter {
	e.buf.WriteByte(wasm.OpEnd)
	return e
}

func (e *Emitter) Br(label uint32) *Emitter {
	e.buf.WriteByte(wasm.OpBr)
	wasm.WriteLEB128u(&e.buf, label)
	return e
}

func (e *Emitter) BrIf(label uint32) *Emitter {
	e.buf.WriteByte(wasm.OpBrIf)
	wasm.WriteLEB128u(&e.buf, label)
	return e
}

func (e *Emitter) BrTable(labels []uint32, def uint32) *Emitter {
	e.buf.WriteByte(wasm.OpBrTable)
	wasm.WriteLEB128u(&e.buf, uint32(len(labels)))
	for _, l := range labels {
		wasm.WriteLEB128u(&e.buf, l)
	}
	wasm.WriteLEB128u(&e.buf, def)
	return e
}

func (e *Emitter) Return() *Emitter {
	e.buf.WriteByte(wasm.OpReturn)
	return e
}

func (e *Emitter) Call(funcIdx uint32) *Emitter {
	e.buf.WriteByte(wasm.OpCall)
	wasm.WriteLEB128u(&e.buf, funcIdx)
	return e
}

func (e *Emitter) Unreachable() *Emitter {
	e.buf.WriteByte(wasm.OpUnreachable)
	return e
}

// Parametric.

func (e *Emitter) Drop() *Emitter {
	e.buf.WriteByte(wasm.OpDrop)
	return e
}

func (e *Emitter) Select() *Emitter {
	e.buf.WriteByte(wasm.OpSelect)
	return e
}

// Variables.

func (e *Emitter) LocalGet(idx uint32) *Emitter {
	e.buf.WriteByte(wasm.OpLocalGet)
	wasm.WriteLEB128u(&e.buf, idx)
	return e
}

func (e *Emitter) LocalSet(idx uint32) *Emitter {
	e.buf.WriteByte(wasm.OpLocalSet)
	wasm.WriteLEB128u(&e.buf, idx)
	return e
}

func (e *Emitter) LocalTee(idx uint32) *Emitter {
	e.buf.WriteByte(wasm.OpLocalTee)
	wasm.WriteLEB128u(&e.buf, idx)
	return e
}

func (e *Emitter) GlobalGet(idx uint32) *Emitter {
	e.buf.WriteByte(wasm.OpGlobalGet)
	wasm.WriteLEB128u(&e.buf, idx)
	return e
}

func (e *Emitter) GlobalSet(idx uint32) *Emitter {
	e.buf.WriteByte(wasm.OpGlobalSet)
	wasm.WriteLEB128u(&e.buf, idx)
	return e
}

// Constants.

func (e *Emitter) I32Const(v int32) *Emitter {
	e.buf.WriteByte(wasm.OpI32Const)
	wasm.WriteLEB128s(&e.buf, v)
	return e
}

func (e *Emitter) I64Const(v int64) *Emitter {
	e.buf.WriteByte(wasm.OpI64Const)
	wasm.WriteLEB128s64(&e.buf, v)
	return e
}

func (e *Emitter) F32Const(v float32) *Emitter {
	e.buf.WriteByte(wasm.OpF32Const)
	wasm.WriteFloat32(&e.buf, v)
	return e
}

func (e *Emitter) F64Const(v float64) *Emitter {
	e.buf.WriteByte(wasm.OpF64Const)
	wasm.WriteFloat64(&e.buf, v)
	return e
}

// FloatConst emits a zero-or-value constant of float type t.
func (e *Emitter) FloatConst(t wasm.ValType, v float64) *Emitter {
	if t == wasm.ValF32 {
		return e.F32Const(float32(v))
	}
	return e.F64Const(v)
}

// Memory access. align is the log2 alignment hint, offset the static
// offset, memIdx the target memory.

func (e *Emitter) load(op byte, align uint32, offset uint64, memIdx uint32) *Emitter {
	instr := wasm.Instruction{Opcode: op, Imm: wasm.MemoryImm{Align: align, Offset: offset, MemIdx: memIdx}}
	wasm.EncodeInstructionTo(&e.buf, &instr)
	return e
}

func (e *Emitter) I32Load(align uint32, offset uint64, memIdx uint32) *Emitter {
	return e.load(wasm.OpI32Load, align, offset, memIdx)
}

func (e *Emitter) I32Load8U(align uint32, offset uint64, memIdx uint32) *Emitter {
	return e.load(wasm.OpI32Load8U, align, offset, memIdx)
}

func (e *Emitter) F32Load(align uint32, offset uint64, memIdx uint32) *Emitter {
	return e.load(wasm.OpF32Load, align, offset, memIdx)
}

func (e *Emitter) F64Load(align uint32, offset uint64, memIdx uint32) *Emitter {
	return e.load(wasm.OpF64Load, align, offset, memIdx)
}

func (e *Emitter) I32Store(align uint32, offset uint64, memIdx uint32) *Emitter {
	return e.load(wasm.OpI32Store, align, offset, memIdx)
}

func (e *Emitter) I32Store8(align uint32, offset uint64, memIdx uint32) *Emitter {
	return e.load(wasm.OpI32Store8, align, offset, memIdx)
}

func (e *Emitter) F32Store(align uint32, offset uint64, memIdx uint32) *Emitter {
	return e.load(wasm.OpF32Store, align, offset, memIdx)
}

func (e *Emitter) F64Store(align uint32, offset uint64, memIdx uint32) *Emitter {
	return e.load(wasm.OpF64Store, align, offset, memIdx)
}

// LoadFloat emits a float load of type t from memIdx.
func (e *Emitter) LoadFloat(t wasm.ValType, align uint32, offset uint64, memIdx uint32) *Emitter {
	if t == wasm.ValF32 {
		return e.F32Load(align, offset, memIdx)
	}
	return e.F64Load(align, offset, memIdx)
}

// StoreFloat emits a float store of type t to memIdx.
func (e *Emitter) StoreFloat(t wasm.ValType, align uint32, offset uint64, memIdx uint32) *Emitter {
	if t == wasm.ValF32 {
		return e.F32Store(align, offset, memIdx)
	}
	return e.F64Store(align, offset, memIdx)
}

func (e *Emitter) MemorySize(memIdx uint32) *Emitter {
	e.buf.WriteByte(wasm.OpMemorySize)
	wasm.WriteLEB128u(&e.buf, memIdx)
	return e
}

func (e *Emitter) MemoryGrow(memIdx uint32) *Emitter {
	e.buf.WriteByte(wasm.OpMemoryGrow)
	wasm.WriteLEB128u(&e.buf, memIdx)
	return e
}

// Numeric ops used by helper synthesis and adjoint emission.

func (e *Emitter) I32Add() *Emitter  { return e.Op(wasm.OpI32Add) }
func (e *Emitter) I32Sub() *Emitter  { return e.Op(wasm.OpI32Sub) }
func (e *Emitter) I32Ne() *Emitter   { return e.Op(wasm.OpI32Ne) }
func (e *Emitter) I32Eqz() *Emitter  { return e.Op(wasm.OpI32Eqz) }
func (e *Emitter) I32GtU() *Emitter  { return e.Op(wasm.OpI32GtU) }
func (e *Emitter) I32ShrU() *Emitter { return e.Op(wasm.OpI32ShrU) }
func (e *Emitter) I32Xor() *Emitter  { return e.Op(wasm.OpI32Xor) }
func (e *Emitter) I64Xor() *Emitter  { return e.Op(wasm.OpI64Xor) }

// FloatOp emits the f32 or f64 variant of a paired opcode, selected by t.
// f32Op and f64Op must be the matching pair from the numeric opcode space.
func (e *Emitter) FloatOp(t wasm.ValType, f32Op, f64Op byte) *Emitter {
	if t == wasm.ValF32 {
		return e.Op(f32Op)
	}
	return e.Op(f64Op)
}

func (e *Emitter) FAdd(t wasm.ValType) *Emitter { return e.FloatOp(t, wasm.OpF32Add, wasm.OpF64Add) }
func (e *Emitter) FSub(t wasm.ValType) *Emitter { return e.FloatOp(t, wasm.OpF32Sub, wasm.OpF64Sub) }
func (e *Emitter) FMul(t wasm.ValType) *Emitter { return e.FloatOp(t, wasm.OpF32Mul, wasm.OpF64Mul) }
func (e *Emitter) FDiv(t wasm.ValType) *Emitter { return e.FloatOp(t, wasm.OpF32Div, wasm.OpF64Div) }
func (e *Emitter) FNeg(t wasm.ValType) *Emitter { return e.FloatOp(t, wasm.OpF32Neg, wasm.OpF64Neg) }
func (e *Emitter) FLe(t wasm.ValType) *Emitter  { return e.FloatOp(t, wasm.OpF32Le, wasm.OpF64Le) }
func (e *Emitter) FGe(t wasm.ValType) *Emitter  { return e.FloatOp(t, wasm.OpF32Ge, wasm.OpF64Ge) }
