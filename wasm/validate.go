package wasm

import "fmt"

// Validate checks the module's index spaces and structural constraints.
// Function bodies are type-checked separately by the transformer's
// abstract-interpretation pass.
func (m *Module) Validate() error {
	if err := m.validateTypeIndices(); err != nil {
		return err
	}
	if err := m.validateFunctionIndices(); err != nil {
		return err
	}
	if err := m.validateMemoryIndices(); err != nil {
		return err
	}
	if err := m.validateGlobalIndices(); err != nil {
		return err
	}
	if err := m.validateExports(); err != nil {
		return err
	}
	if err := m.validateStart(); err != nil {
		return err
	}
	if err := m.validateCodeCount(); err != nil {
		return err
	}
	return nil
}

// ParseModuleValidate parses a WebAssembly binary and validates it.
func ParseModuleValidate(data []byte) (*Module, error) {
	m, err := ParseModule(data)
	if err != nil {
		return nil, err
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Module) validateTypeIndices() error {
	numTypes := uint32(len(m.Types))
	for i, typeIdx := range m.Funcs {
		if typeIdx >= numTypes {
			return fmt.Errorf("function %d references type %d, module has %d types", i, typeIdx, numTypes)
		}
	}
	for i, imp := range m.Imports {
		if imp.Desc.Kind == KindFunc && imp.Desc.TypeIdx >= numTypes {
			return fmt.Errorf("import %d references type %d, module has %d types", i, imp.Desc.TypeIdx, numTypes)
		}
	}
	return nil
}

func (m *Module) validateFunctionIndices() error {
	numFuncs := uint32(m.NumImportedFuncs() + len(m.Funcs))
	for i, elem := range m.Elements {
		for _, funcIdx := range elem.FuncIdxs {
			if funcIdx >= numFuncs {
				return fmt.Errorf("element %d references function %d, module has %d functions", i, funcIdx, numFuncs)
			}
		}
	}
	return nil
}

func (m *Module) validateMemoryIndices() error {
	numMemories := uint32(m.NumMemories())
	for i, d := range m.Data {
		if d.Flags != 1 && d.MemIdx >= numMemories {
			return fmt.Errorf("data segment %d references memory %d, module has %d memories", i, d.MemIdx, numMemories)
		}
	}
	return nil
}

func (m *Module) validateGlobalIndices() error {
	numImported := uint32(m.NumImportedGlobals())
	for i := range m.Globals {
		instrs, err := DecodeInstructions(m.Globals[i].Init)
		if err != nil {
			return fmt.Errorf("global %d init: %w", i, err)
		}
		for _, instr := range instrs {
			if instr.Opcode == OpGlobalGet {
				imm := instr.Imm.(GlobalImm)
				if imm.GlobalIdx >= numImported {
					return fmt.Errorf("global %d init references non-imported global %d", i, imm.GlobalIdx)
				}
			}
		}
	}
	return nil
}

func (m *Module) validateExports() error {
	numFuncs := uint32(m.NumImportedFuncs() + len(m.Funcs))
	numMemories := uint32(m.NumMemories())
	numGlobals := uint32(m.NumImportedGlobals() + len(m.Globals))
	numTables := uint32(len(m.Tables))
	for _, imp := range m.Imports {
		if imp.Desc.Kind == KindTable {
			numTables++
		}
	}

	seen := make(map[string]bool, len(m.Exports))
	for _, exp := range m.Exports {
		if seen[exp.Name] {
			return fmt.Errorf("duplicate export name %q", exp.Name)
		}
		seen[exp.Name] = true

		switch exp.Kind {
		case KindFunc:
			if exp.Idx >= numFuncs {
				return fmt.Errorf("export %q references function %d, module has %d functions", exp.Name, exp.Idx, numFuncs)
			}
		case KindTable:
			if exp.Idx >= numTables {
				return fmt.Errorf("export %q references table %d, module has %d tables", exp.Name, exp.Idx, numTables)
			}
		case KindMemory:
			if exp.Idx >= numMemories {
				return fmt.Errorf("export %q references memory %d, module has %d memories", exp.Name, exp.Idx, numMemories)
			}
		case KindGlobal:
			if exp.Idx >= numGlobals {
				return fmt.Errorf("export %q references global %d, module has %d globals", exp.Name, exp.Idx, numGlobals)
			}
		}
	}
	return nil
}

func (m *Module) validateStart() error {
	if m.Start == nil {
		return nil
	}
	ft := m.GetFuncType(*m.Start)
	if ft == nil {
		return fmt.Errorf("start function %d out of range", *m.Start)
	}
	if len(ft.Params) != 0 || len(ft.Results) != 0 {
		return fmt.Errorf("start function %d must have empty signature, has %d params and %d results",
			*m.Start, len(ft.Params), len(ft.Results))
	}
	return nil
}

func (m *Module) validateCodeCount() error {
	if len(m.Funcs) != len(m.Code) {
		return fmt.Errorf("function section declares %d functions, code section has %d bodies", len(m.Funcs), len(m.Code))
	}
	return nil
}
