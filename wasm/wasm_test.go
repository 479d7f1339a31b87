package wasm

import (
	"errors"
	"testing"
)

func body(instrs ...Instruction) []byte {
	return EncodeInstructions(append(instrs, Instruction{Opcode: OpEnd}))
}

func testModule() *Module {
	return &Module{
		Types: []FuncType{
			{Params: []ValType{ValF64}, Results: []ValType{ValF64}},
		},
		Funcs: []uint32{0},
		Memories: []MemoryType{
			{Limits: Limits{Min: 1}},
		},
		Globals: []Global{
			{
				Type: GlobalType{ValType: ValI32, Mutable: true},
				Init: EncodeInstructions([]Instruction{
					{Opcode: OpI32Const, Imm: I32Imm{Value: 0}},
					{Opcode: OpEnd},
				}),
			},
		},
		Exports: []Export{
			{Name: "square", Kind: KindFunc, Idx: 0},
			{Name: "memory", Kind: KindMemory, Idx: 0},
		},
		Code: []FuncBody{
			{Code: body(
				Instruction{Opcode: OpLocalGet, Imm: LocalImm{LocalIdx: 0}},
				Instruction{Opcode: OpLocalGet, Imm: LocalImm{LocalIdx: 0}},
				Instruction{Opcode: OpF64Mul},
			)},
		},
	}
}

func TestEncodeParseRoundTrip(t *testing.T) {
	m := testModule()
	data := m.Encode()

	parsed, err := ParseModule(data)
	if err != nil {
		t.Fatalf("ParseModule: %v", err)
	}

	if len(parsed.Types) != 1 {
		t.Fatalf("types: got %d, want 1", len(parsed.Types))
	}
	if !parsed.Types[0].Equal(m.Types[0]) {
		t.Errorf("type mismatch: %v vs %v", parsed.Types[0], m.Types[0])
	}
	if len(parsed.Funcs) != 1 || parsed.Funcs[0] != 0 {
		t.Errorf("funcs: got %v", parsed.Funcs)
	}
	if len(parsed.Memories) != 1 || parsed.Memories[0].Limits.Min != 1 {
		t.Errorf("memories: got %v", parsed.Memories)
	}
	if len(parsed.Exports) != 2 || parsed.Exports[0].Name != "square" {
		t.Errorf("exports: got %v", parsed.Exports)
	}

	// Re-encoding the parsed module is byte-identical.
	data2 := parsed.Encode()
	if len(data) != len(data2) {
		t.Fatalf("re-encode length: %d vs %d", len(data), len(data2))
	}
	for i := range data {
		if data[i] != data2[i] {
			t.Fatalf("re-encode differs at byte %d", i)
		}
	}
}

func TestParseRejectsBadMagic(t *testing.T) {
	if _, err := ParseModule([]byte{1, 2, 3, 4, 1, 0, 0, 0}); !errors.Is(err, ErrInvalidMagic) {
		t.Errorf("expected ErrInvalidMagic, got %v", err)
	}
}

func TestParseRejectsBadVersion(t *testing.T) {
	if _, err := ParseModule([]byte{0x00, 0x61, 0x73, 0x6D, 2, 0, 0, 0}); !errors.Is(err, ErrInvalidVersion) {
		t.Errorf("expected ErrInvalidVersion, got %v", err)
	}
}

func TestParseRejectsOutOfOrderSections(t *testing.T) {
	m := testModule()
	data := m.Encode()
	// Append a duplicate (out of order) type section.
	extra := []byte{SectionType, 1, 0}
	if _, err := ParseModule(append(data, extra...)); err == nil {
		t.Error("expected section ordering error")
	}
}

func TestDecodeInstructionsUnsupported(t *testing.T) {
	cases := []struct {
		name string
		code []byte
	}{
		{"simd", []byte{OpPrefixSIMD, 0x00, OpEnd}},
		{"atomics", []byte{OpPrefixAtomic, 0x00, OpEnd}},
		{"gc", []byte{OpPrefixGC, 0x00, OpEnd}},
		{"call_indirect", []byte{OpCallIndirect, 0x00, 0x00, OpEnd}},
		{"tail_call", []byte{OpReturnCall, 0x00, OpEnd}},
		{"exceptions", []byte{OpThrow, 0x00, OpEnd}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := DecodeInstructions(tc.code)
			var ue *UnsupportedError
			if !errors.As(err, &ue) {
				t.Fatalf("expected UnsupportedError, got %v", err)
			}
			if ue.Offset != 0 {
				t.Errorf("offset: got %d, want 0", ue.Offset)
			}
		})
	}
}

func TestDecodeInstructionsOffsets(t *testing.T) {
	code := body(
		Instruction{Opcode: OpLocalGet, Imm: LocalImm{LocalIdx: 0}},
		Instruction{Opcode: OpF64Const, Imm: F64Imm{Value: 2}},
		Instruction{Opcode: OpF64Mul},
	)
	instrs, err := DecodeInstructions(code)
	if err != nil {
		t.Fatal(err)
	}
	if len(instrs) != 4 {
		t.Fatalf("got %d instructions", len(instrs))
	}
	if instrs[0].Offset != 0 || instrs[1].Offset != 2 || instrs[2].Offset != 11 {
		t.Errorf("offsets: %d %d %d", instrs[0].Offset, instrs[1].Offset, instrs[2].Offset)
	}
}

func TestInstructionCodecRoundTrip(t *testing.T) {
	instrs := []Instruction{
		{Opcode: OpBlock, Imm: BlockImm{Type: -64}},
		{Opcode: OpI32Const, Imm: I32Imm{Value: -5}},
		{Opcode: OpBrIf, Imm: BranchImm{LabelIdx: 0}},
		{Opcode: OpBrTable, Imm: BrTableImm{Labels: []uint32{0, 1}, Default: 0}},
		{Opcode: OpEnd},
		{Opcode: OpF32Const, Imm: F32Imm{Value: 1.5}},
		{Opcode: OpF64Load, Imm: MemoryImm{Align: 3, Offset: 16}},
		{Opcode: OpF64Store, Imm: MemoryImm{Align: 3, Offset: 8, MemIdx: 2}},
		{Opcode: OpMemoryGrow, Imm: MemoryIdxImm{MemIdx: 1}},
		{Opcode: OpCall, Imm: CallImm{FuncIdx: 3}},
		{Opcode: OpEnd},
	}
	decoded, err := DecodeInstructions(EncodeInstructions(instrs))
	if err != nil {
		t.Fatal(err)
	}
	if len(decoded) != len(instrs) {
		t.Fatalf("got %d instructions, want %d", len(decoded), len(instrs))
	}
	for i := range instrs {
		if decoded[i].Opcode != instrs[i].Opcode {
			t.Errorf("instr %d: opcode %#x, want %#x", i, decoded[i].Opcode, instrs[i].Opcode)
		}
	}
	mem := decoded[7].Imm.(MemoryImm)
	if mem.MemIdx != 2 || mem.Offset != 8 || mem.Align != 3 {
		t.Errorf("multi-memory memarg: %+v", mem)
	}
}

func TestValidateCatchesBadIndices(t *testing.T) {
	m := testModule()
	m.Exports = append(m.Exports, Export{Name: "nope", Kind: KindFunc, Idx: 9})
	if err := m.Validate(); err == nil {
		t.Error("expected export index error")
	}

	m = testModule()
	m.Funcs = append(m.Funcs, 7)
	m.Code = append(m.Code, FuncBody{Code: body()})
	if err := m.Validate(); err == nil {
		t.Error("expected type index error")
	}

	m = testModule()
	m.Code = nil
	if err := m.Validate(); err == nil {
		t.Error("expected code count error")
	}
}

func TestValidateDuplicateExports(t *testing.T) {
	m := testModule()
	m.Exports = append(m.Exports, Export{Name: "square", Kind: KindFunc, Idx: 0})
	if err := m.Validate(); err == nil {
		t.Error("expected duplicate export error")
	}
}

func TestGetFuncTypeWithImports(t *testing.T) {
	m := testModule()
	m.Types = append(m.Types, FuncType{Params: []ValType{ValI32}})
	m.Imports = []Import{
		{Module: "env", Name: "host", Desc: ImportDesc{Kind: KindFunc, TypeIdx: 1}},
	}
	if ft := m.GetFuncType(0); ft == nil || len(ft.Params) != 1 || ft.Params[0] != ValI32 {
		t.Errorf("imported func type: %v", ft)
	}
	if ft := m.GetFuncType(1); ft == nil || ft.Params[0] != ValF64 {
		t.Errorf("local func type: %v", ft)
	}
	if ft := m.GetFuncType(2); ft != nil {
		t.Errorf("out of range should be nil, got %v", ft)
	}
}

func TestAddTypeReuses(t *testing.T) {
	m := testModule()
	idx := m.AddType(FuncType{Params: []ValType{ValF64}, Results: []ValType{ValF64}})
	if idx != 0 {
		t.Errorf("expected reuse of type 0, got %d", idx)
	}
	idx = m.AddType(FuncType{Params: []ValType{ValI64}})
	if idx != 1 {
		t.Errorf("expected new type 1, got %d", idx)
	}
}
