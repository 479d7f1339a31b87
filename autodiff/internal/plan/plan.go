package plan

import (
	ferrors "github.com/wippyai/floretta/errors"
	"github.com/wippyai/floretta/wasm"
)

// Tape alignment classes. Byte-sized tags (branch bits, sign selects) use
// align 1, i32/f32 payloads align 4, f64 payloads align 8.
const (
	Align1 = 1
	Align4 = 4
	Align8 = 8
)

// HelperKey identifies a synthesized helper pair member for one
// differentiable operation. Op is the f32 or f64 opcode of the operation
// (OpSelect for float select, with Type disambiguating).
type HelperKey struct {
	Op   byte
	Type wasm.ValType
	Fwd  bool
}

// Plan holds the index layout of the transformed module: tape memories and
// their pointer globals, shadow memories and globals, and the synthesized
// helper function set.
type Plan struct {
	ShadowMem    map[uint32]uint32 // user memory index -> shadow memory index
	ShadowGlobal map[uint32]uint32 // float global index -> shadow global index
	Helpers      map[HelperKey]uint32
	Backward     map[uint32]uint32 // original function index -> backward function index

	Tape1, Tape4, Tape8 uint32 // tape memory indices
	Ptr1, Ptr4, Ptr8    uint32 // tape pointer global indices

	TapeI32, TapeI32Bwd uint32 // align-4 i32 push/pop
	TapeF32, TapeF32Bwd uint32 // align-4 f32 push/pop
	TapeF64, TapeF64Bwd uint32 // align-8 f64 push/pop
	TapeU8, TapeU8Bwd   uint32 // align-1 byte push/pop

	DispatchType     uint32 // type index of (i32) -> (), the dispatch signature
	NumImportedFuncs uint32
}

// Build allocates the transformed module's identifier space and appends
// the tape memories, shadow memories, pointer globals, shadow globals,
// and helper functions to m. Original indices are left untouched.
func Build(m *wasm.Module) (*Plan, error) {
	if m.NumImportedMemories() > 0 {
		return nil, ferrors.Unsupported(ferrors.PhasePlan, -1, "imported memories")
	}

	p := &Plan{
		ShadowMem:        make(map[uint32]uint32),
		ShadowGlobal:     make(map[uint32]uint32),
		Helpers:          make(map[HelperKey]uint32),
		Backward:         make(map[uint32]uint32),
		NumImportedFuncs: uint32(m.NumImportedFuncs()),
	}

	// Tape memories come after all original memories in index order,
	// shadow memories after the tapes.
	numMem := uint32(len(m.Memories))
	p.Tape1, p.Tape4, p.Tape8 = numMem, numMem+1, numMem+2
	for i := 0; i < 3; i++ {
		m.Memories = append(m.Memories, wasm.MemoryType{Limits: wasm.Limits{Min: 1}})
	}
	for i := uint32(0); i < numMem; i++ {
		p.ShadowMem[i] = uint32(len(m.Memories))
		m.Memories = append(m.Memories, wasm.MemoryType{Limits: m.Memories[i].Limits})
	}

	// Tape pointer globals follow the user globals, shadow globals follow
	// the pointers.
	numGlobals := uint32(m.NumImportedGlobals() + len(m.Globals))
	p.Ptr1, p.Ptr4, p.Ptr8 = numGlobals, numGlobals+1, numGlobals+2
	for i := 0; i < 3; i++ {
		m.Globals = append(m.Globals, wasm.Global{
			Type: wasm.GlobalType{ValType: wasm.ValI32, Mutable: true},
			Init: constExpr(wasm.ValI32),
		})
	}
	for g := uint32(0); g < numGlobals; g++ {
		gt := m.GlobalTypeAt(g)
		if gt == nil || !gt.ValType.IsFloat() {
			continue
		}
		shadowIdx := uint32(m.NumImportedGlobals() + len(m.Globals))
		p.ShadowGlobal[g] = shadowIdx
		m.Globals = append(m.Globals, wasm.Global{
			Type: wasm.GlobalType{ValType: gt.ValType, Mutable: true},
			Init: constExpr(gt.ValType),
		})
	}

	p.DispatchType = m.AddType(wasm.FuncType{Params: []wasm.ValType{wasm.ValI32}})

	p.buildHelpers(m)
	return p, nil
}

// Helper returns the function index of the fwd or bwd helper for op.
func (p *Plan) Helper(op byte, t wasm.ValType, fwd bool) uint32 {
	return p.Helpers[HelperKey{Op: op, Type: t, Fwd: fwd}]
}

// TapePushFloat returns the tape push helper for float type t.
func (p *Plan) TapePushFloat(t wasm.ValType) uint32 {
	if t == wasm.ValF32 {
		return p.TapeF32
	}
	return p.TapeF64
}

// TapePopFloat returns the tape pop helper for float type t.
func (p *Plan) TapePopFloat(t wasm.ValType) uint32 {
	if t == wasm.ValF32 {
		return p.TapeF32Bwd
	}
	return p.TapeF64Bwd
}

// AddFunction appends a synthesized function and returns its absolute
// index in the function index space.
func (p *Plan) AddFunction(m *wasm.Module, typeIdx uint32, locals []wasm.LocalEntry, code []byte) uint32 {
	m.Funcs = append(m.Funcs, typeIdx)
	m.Code = append(m.Code, wasm.FuncBody{Locals: locals, Code: code})
	return p.NumImportedFuncs + uint32(len(m.Code)) - 1
}

// constExpr builds a zero constant init expression for a numeric type.
func constExpr(t wasm.ValType) []byte {
	var instrs []wasm.Instruction
	switch t {
	case wasm.ValI32:
		instrs = []wasm.Instruction{{Opcode: wasm.OpI32Const, Imm: wasm.I32Imm{}}}
	case wasm.ValI64:
		instrs = []wasm.Instruction{{Opcode: wasm.OpI64Const, Imm: wasm.I64Imm{}}}
	case wasm.ValF32:
		instrs = []wasm.Instruction{{Opcode: wasm.OpF32Const, Imm: wasm.F32Imm{}}}
	case wasm.ValF64:
		instrs = []wasm.Instruction{{Opcode: wasm.OpF64Const, Imm: wasm.F64Imm{}}}
	}
	instrs = append(instrs, wasm.Instruction{Opcode: wasm.OpEnd})
	return wasm.EncodeInstructions(instrs)
}

func locals(types ...wasm.ValType) []wasm.LocalEntry {
	var entries []wasm.LocalEntry
	for _, t := range types {
		if n := len(entries); n > 0 && entries[n-1].ValType == t {
			entries[n-1].Count++
			continue
		}
		entries = append(entries, wasm.LocalEntry{Count: 1, ValType: t})
	}
	return entries
}
