package reverse

import (
	"github.com/wippyai/floretta/autodiff/internal/codegen"
	"github.com/wippyai/floretta/autodiff/internal/plan"
	"github.com/wippyai/floretta/autodiff/internal/planner"
	"github.com/wippyai/floretta/wasm"
)

// Scratch local roles used by the forward rewriter.
const (
	roleA   byte = iota // first operand stash
	roleB               // second operand stash
	roleV               // store value stash
	roleD               // memory.grow delta
	roleR               // memory.grow result
	roleSel             // br_table selector
)

// scratchAlloc hands out scratch locals appended after a function's
// original locals, one per (role, type) pair.
type scratchAlloc struct {
	cache map[scratchKey]uint32
	types []wasm.ValType
	base  uint32
}

type scratchKey struct {
	t    wasm.ValType
	role byte
}

func newScratchAlloc(numLocals int) *scratchAlloc {
	return &scratchAlloc{cache: make(map[scratchKey]uint32), base: uint32(numLocals)}
}

func (s *scratchAlloc) get(role byte, t wasm.ValType) uint32 {
	key := scratchKey{role: role, t: t}
	if idx, ok := s.cache[key]; ok {
		return idx
	}
	idx := s.base + uint32(len(s.types))
	s.types = append(s.types, t)
	s.cache[key] = idx
	return idx
}

// EmitForward rewrites one function body in place: the original
// computation interleaved with the tape pushes the backward pass consumes,
// edge tags at every control transfer, and shadow-memory growth paired
// with user memory growth.
func EmitForward(m *wasm.Module, p *plan.Plan, fp *planner.FuncPlan, body *wasm.FuncBody) error {
	em := codegen.NewEmitter()
	scratch := newScratchAlloc(len(fp.Locals))

	pushTag := func(edge int) {
		em.I32Const(int32(edge)).Call(p.TapeI32).Drop()
	}

	for idx, instr := range fp.Instrs {
		if fp.Dead[idx] {
			continue
		}
		act := fp.Actions[idx]
		if act.Pre >= 0 {
			pushTag(act.Pre)
		}

		switch instr.Opcode {
		case wasm.OpBlock, wasm.OpLoop, wasm.OpIf, wasm.OpElse:
			em.Instr(instr)
			if act.Post >= 0 {
				pushTag(act.Post)
			}

		case wasm.OpEnd:
			if act.SynthElse >= 0 {
				// if without else: the false path still records its edge
				// through a synthesized empty else arm.
				em.Else()
				pushTag(act.SynthElse)
			}
			em.Instr(instr)

		case wasm.OpBrIf:
			// Only the taken path may record the branch edge, so the
			// conditional branch becomes an if around a plain br. Carried
			// values thread through the if as block parameters.
			imm := instr.Imm.(wasm.BranchImm)
			em.If(edgeBlockType(m, fp, act.Taken))
			pushTag(act.Taken)
			em.Br(imm.LabelIdx + 1)
			em.End()
			pushTag(act.Fall)

		case wasm.OpBrTable:
			emitBrTableTrampolines(em, m, fp, scratch, instr.Imm.(wasm.BrTableImm), act.Table, pushTag)

		case wasm.OpF32Mul, wasm.OpF64Mul:
			emitMulForward(em, p, fp, scratch, idx, instr.Opcode)

		case wasm.OpF32Div, wasm.OpF64Div, wasm.OpF32Sqrt, wasm.OpF64Sqrt,
			wasm.OpF32Min, wasm.OpF64Min, wasm.OpF32Max, wasm.OpF64Max,
			wasm.OpF32Copysign, wasm.OpF64Copysign, wasm.OpF32Abs, wasm.OpF64Abs:
			t := opFloatType(instr.Opcode)
			em.Call(p.Helper(instr.Opcode, t, true))

		case wasm.OpSelect, wasm.OpSelectType:
			before := fp.Before[idx]
			t := before[len(before)-3].Type
			if t.IsFloat() {
				em.Call(p.Helper(wasm.OpSelect, t, true))
			} else {
				em.Instr(instr)
			}

		case wasm.OpF32Load, wasm.OpF64Load:
			// The backward pass re-derives the effective address from the
			// taped base plus the same static offset.
			em.Call(p.TapeI32)
			em.Instr(instr)

		case wasm.OpF32Store, wasm.OpF64Store:
			t := wasm.ValF32
			if instr.Opcode == wasm.OpF64Store {
				t = wasm.ValF64
			}
			tv := scratch.get(roleV, t)
			em.LocalSet(tv)
			em.Call(p.TapeI32)
			em.LocalGet(tv)
			em.Instr(instr)

		case wasm.OpMemoryGrow:
			imm := instr.Imm.(wasm.MemoryIdxImm)
			shadow, ok := p.ShadowMem[imm.MemIdx]
			if !ok {
				em.Instr(instr)
				break
			}
			// Shadow memory tracks the user memory page for page.
			d := scratch.get(roleD, wasm.ValI32)
			r := scratch.get(roleR, wasm.ValI32)
			em.LocalTee(d)
			em.MemoryGrow(imm.MemIdx)
			em.LocalSet(r)
			em.LocalGet(d)
			em.MemoryGrow(shadow)
			em.Drop()
			em.LocalGet(r)

		default:
			em.Instr(instr)
		}
	}

	body.Code = em.Copy()
	if len(scratch.types) > 0 {
		body.Locals = appendLocals(body.Locals, scratch.types)
	}
	return nil
}

// emitMulForward saves exactly the operands the backward pass cannot
// re-derive. Sites with two variable operands go through the helper pair;
// a constant operand leaves its partner taped inline.
func emitMulForward(em *codegen.Emitter, p *plan.Plan, fp *planner.FuncPlan, scratch *scratchAlloc, idx int, op byte) {
	t := opFloatType(op)
	need := fp.Needs[idx]
	aTaped := need.AConst == nil
	bTaped := need.BConst == nil

	switch {
	case aTaped && bTaped:
		em.Call(p.Helper(op, t, true))
	case !aTaped && !bTaped:
		em.Op(op)
	case bTaped: // a is constant: only b feeds the tape
		tb := scratch.get(roleB, t)
		em.LocalSet(tb)
		em.LocalGet(tb).Call(p.TapePushFloat(t))
		em.LocalGet(tb)
		em.Op(op)
	default: // b is constant: only a feeds the tape
		ta := scratch.get(roleA, t)
		tb := scratch.get(roleB, t)
		em.LocalSet(tb)
		em.LocalTee(ta).Call(p.TapePushFloat(t))
		em.LocalGet(ta)
		em.LocalGet(tb)
		em.Op(op)
	}
}

// edgeBlockType returns the block type threading an edge's carried
// values: void when nothing is carried, otherwise a (t*) -> (t*) type.
func edgeBlockType(m *wasm.Module, fp *planner.FuncPlan, edgeID int) int32 {
	return carriedBlockType(m, &fp.Edges[edgeID])
}

func carriedBlockType(m *wasm.Module, e *planner.Edge) int32 {
	if e.Arity == 0 {
		return codegen.BlockVoid
	}
	types := make([]wasm.ValType, e.Arity)
	for j := range types {
		types[j] = e.SrcStack[len(e.SrcStack)-e.Arity+j].Type
	}
	return int32(m.AddType(wasm.FuncType{Params: types, Results: types}))
}

// emitBrTableTrampolines rewrites a br_table so each selected target
// records its own edge: the selector moves to a scratch local, the table
// dispatches into per-target trampoline blocks threading the carried
// values, and each trampoline pushes its edge tag before branching to
// the original label.
func emitBrTableTrampolines(em *codegen.Emitter, m *wasm.Module, fp *planner.FuncPlan, scratch *scratchAlloc, imm wasm.BrTableImm, edges []int, pushTag func(int)) {
	targets := append(append([]uint32(nil), imm.Labels...), imm.Default)
	k := len(targets)
	bt := edgeBlockType(m, fp, edges[0])

	sel := scratch.get(roleSel, wasm.ValI32)
	em.LocalSet(sel)
	for i := 0; i < k; i++ {
		em.Block(bt)
	}
	em.LocalGet(sel)
	labels := make([]uint32, k-1)
	for i := range labels {
		labels[i] = uint32(i)
	}
	em.BrTable(labels, uint32(k-1))
	for i := 0; i < k; i++ {
		em.End()
		pushTag(edges[i])
		em.Br(targets[i] + uint32(k-1-i))
	}
}

func opFloatType(op byte) wasm.ValType {
	if op >= wasm.OpF32Abs && op <= wasm.OpF32Copysign || op == wasm.OpF32Load || op == wasm.OpF32Store {
		return wasm.ValF32
	}
	return wasm.ValF64
}

// appendLocals extends a body's local declarations with scratch types,
// compressed into runs.
func appendLocals(entries []wasm.LocalEntry, types []wasm.ValType) []wasm.LocalEntry {
	out := append([]wasm.LocalEntry(nil), entries...)
	for _, t := range types {
		if n := len(out); n > 0 && out[n-1].ValType == t {
			out[n-1].Count++
			continue
		}
		out = append(out, wasm.LocalEntry{Count: 1, ValType: t})
	}
	return out
}
