package dual

import (
	"github.com/wippyai/floretta/autodiff/internal/codegen"
	"github.com/wippyai/floretta/autodiff/internal/planner"
	ferrors "github.com/wippyai/floretta/errors"
	"github.com/wippyai/floretta/wasm"
)

// Plan holds the forward-mode identifier layout: shadow memories carrying
// derivative bytes for every user memory, and dual globals for every
// floating-point global. Forward mode records no tape.
type Plan struct {
	ShadowMem  map[uint32]uint32
	DualGlobal map[uint32]uint32
}

// Build appends shadow memories and dual globals to m.
func Build(m *wasm.Module) (*Plan, error) {
	if m.NumImportedMemories() > 0 {
		return nil, ferrors.Unsupported(ferrors.PhasePlan, -1, "imported memories")
	}
	p := &Plan{
		ShadowMem:  make(map[uint32]uint32),
		DualGlobal: make(map[uint32]uint32),
	}
	numMem := uint32(len(m.Memories))
	for i := uint32(0); i < numMem; i++ {
		p.ShadowMem[i] = uint32(len(m.Memories))
		m.Memories = append(m.Memories, wasm.MemoryType{Limits: m.Memories[i].Limits})
	}
	numGlobals := uint32(m.NumImportedGlobals() + len(m.Globals))
	for g := uint32(0); g < numGlobals; g++ {
		gt := m.GlobalTypeAt(g)
		if gt == nil || !gt.ValType.IsFloat() {
			continue
		}
		p.DualGlobal[g] = uint32(m.NumImportedGlobals() + len(m.Globals))
		m.Globals = append(m.Globals, wasm.Global{
			Type: wasm.GlobalType{ValType: gt.ValType, Mutable: true},
			Init: zeroInit(gt.ValType),
		})
	}
	return p, nil
}

func zeroInit(t wasm.ValType) []byte {
	var instrs []wasm.Instruction
	if t == wasm.ValF32 {
		instrs = []wasm.Instruction{{Opcode: wasm.OpF32Const, Imm: wasm.F32Imm{}}}
	} else {
		instrs = []wasm.Instruction{{Opcode: wasm.OpF64Const, Imm: wasm.F64Imm{}}}
	}
	instrs = append(instrs, wasm.Instruction{Opcode: wasm.OpEnd})
	return wasm.EncodeInstructions(instrs)
}

// DualType widens a signature to its dual form: every floating-point
// position is followed by its derivative twin.
func DualType(ft wasm.FuncType) wasm.FuncType {
	widen := func(ts []wasm.ValType) []wasm.ValType {
		var out []wasm.ValType
		for _, t := range ts {
			out = append(out, t)
			if t.IsFloat() {
				out = append(out, t)
			}
		}
		return out
	}
	return wasm.FuncType{Params: widen(ft.Params), Results: widen(ft.Results)}
}

// Rewrite transforms every local function in place to propagate dual
// numbers alongside primals. Exports keep their names; signatures widen.
func Rewrite(m *wasm.Module, p *Plan, plans []*planner.FuncPlan) error {
	// Original signatures, by absolute function index. Call sites need
	// them after the type table is rewritten to dual form.
	origTypes := make(map[uint32]wasm.FuncType, len(plans))
	for _, fp := range plans {
		origTypes[fp.FuncIdx] = fp.Type
	}
	for i, fp := range plans {
		m.Funcs[i] = m.AddType(DualType(fp.Type))
	}
	for i, fp := range plans {
		r := &rewriter{m: m, p: p, fp: fp, origTypes: origTypes, em: codegen.NewEmitter()}
		body, err := r.rewrite(&m.Code[i])
		if err != nil {
			return err
		}
		m.Code[i] = body
	}
	return nil
}

type rewriter struct {
	m         *wasm.Module
	p         *Plan
	fp        *planner.FuncPlan
	origTypes map[uint32]wasm.FuncType
	em        *codegen.Emitter

	localMap  []uint32          // original local index -> rewritten index
	dualLocal map[uint32]uint32 // original float local -> dual local
	dualSlots map[planner.SlotKey]uint32

	newParams int
	declared  []wasm.ValType // declared local types, original order
	extra     []wasm.ValType // appended locals (dual + slots + scratch)

	pool     map[wasm.ValType][]uint32
	poolUsed map[wasm.ValType]int

	scratch map[scratchKey]uint32
}

type scratchKey struct {
	t    wasm.ValType
	role byte
}

const (
	roleA byte = iota
	roleB
	roleC
	roleAddr
	roleVal
	roleQ
	roleDelta
	roleGrow
	roleSel
)

func (r *rewriter) alloc(t wasm.ValType) uint32 {
	idx := uint32(r.newParams + len(r.declared) + len(r.extra))
	r.extra = append(r.extra, t)
	return idx
}

func (r *rewriter) slot(key planner.SlotKey) uint32 {
	if idx, ok := r.dualSlots[key]; ok {
		return idx
	}
	idx := r.alloc(key.Type)
	r.dualSlots[key] = idx
	return idx
}

func (r *rewriter) temp(role byte, t wasm.ValType) uint32 {
	key := scratchKey{role: role, t: t}
	if idx, ok := r.scratch[key]; ok {
		return idx
	}
	idx := r.alloc(t)
	r.scratch[key] = idx
	return idx
}

func (r *rewriter) poolReset() {
	for t := range r.poolUsed {
		r.poolUsed[t] = 0
	}
}

func (r *rewriter) poolTake(t wasm.ValType) uint32 {
	n := r.poolUsed[t]
	r.poolUsed[t] = n + 1
	if n < len(r.pool[t]) {
		return r.pool[t][n]
	}
	idx := r.alloc(t)
	r.pool[t] = append(r.pool[t], idx)
	return idx
}

func (r *rewriter) rewrite(body *wasm.FuncBody) (wasm.FuncBody, error) {
	fp := r.fp
	r.dualLocal = make(map[uint32]uint32)
	r.dualSlots = make(map[planner.SlotKey]uint32)
	r.pool = make(map[wasm.ValType][]uint32)
	r.poolUsed = make(map[wasm.ValType]int)
	r.scratch = make(map[scratchKey]uint32)

	// Interleave the parameters; declared locals keep their order after
	// the widened parameter block.
	r.localMap = make([]uint32, len(fp.Locals))
	next := uint32(0)
	for i := 0; i < fp.NumParams; i++ {
		r.localMap[i] = next
		next++
		if fp.Locals[i].IsFloat() {
			r.dualLocal[uint32(i)] = next
			next++
		}
	}
	r.newParams = int(next)
	for i := fp.NumParams; i < len(fp.Locals); i++ {
		r.localMap[i] = next
		r.declared = append(r.declared, fp.Locals[i])
		next++
	}
	for i := fp.NumParams; i < len(fp.Locals); i++ {
		if fp.Locals[i].IsFloat() {
			r.dualLocal[uint32(i)] = r.alloc(fp.Locals[i])
		}
	}

	for idx, instr := range fp.Instrs {
		if fp.Dead[idx] {
			continue
		}
		if err := r.step(idx, instr); err != nil {
			return wasm.FuncBody{}, err
		}
	}

	var locals []wasm.LocalEntry
	for _, t := range append(append([]wasm.ValType(nil), r.declared...), r.extra...) {
		if n := len(locals); n > 0 && locals[n-1].ValType == t {
			locals[n-1].Count++
			continue
		}
		locals = append(locals, wasm.LocalEntry{Count: 1, ValType: t})
	}
	return wasm.FuncBody{Locals: locals, Code: r.em.Copy()}, nil
}

func (r *rewriter) step(idx int, instr wasm.Instruction) error {
	em := r.em
	fp := r.fp
	before := fp.Before[idx]
	n := len(before)
	act := fp.Actions[idx]

	switch instr.Opcode {
	case wasm.OpBlock, wasm.OpLoop, wasm.OpIf, wasm.OpElse, wasm.OpNop, wasm.OpUnreachable:
		em.Instr(instr)
		return nil

	case wasm.OpEnd:
		if act.Pre >= 0 && fp.Edges[act.Pre].Exit {
			// Final end: falling off the body returns interleaved results.
			r.emitReturnInterleave(before)
		}
		em.Instr(instr)
		return nil

	case wasm.OpReturn:
		r.emitReturnInterleave(before)
		em.Return()
		return nil

	case wasm.OpBr:
		e := &fp.Edges[act.Pre]
		if e.Exit {
			// A branch to the outermost label is a return.
			r.emitReturnInterleave(before)
			em.Return()
			return nil
		}
		r.emitBranchMoves(e)
		em.Instr(instr)
		return nil

	case wasm.OpBrIf:
		e := &fp.Edges[act.Taken]
		if !e.Exit && movesNeeded(e) == 0 {
			em.Instr(instr)
			return nil
		}
		// The dual fixup runs only when the branch is taken; carried
		// values thread through the if as block parameters.
		imm := instr.Imm.(wasm.BranchImm)
		em.If(r.carriedBlockType(e))
		if e.Exit {
			r.emitReturnInterleaveEdge(e)
			em.Return()
		} else {
			r.emitBranchMoves(e)
			em.Br(imm.LabelIdx + 1)
		}
		em.End()
		return nil

	case wasm.OpBrTable:
		imm := instr.Imm.(wasm.BrTableImm)
		needs := false
		for _, eid := range act.Table {
			if e := &fp.Edges[eid]; e.Exit || movesNeeded(e) > 0 {
				needs = true
				break
			}
		}
		if !needs {
			em.Instr(instr)
			return nil
		}
		r.emitBrTableMoves(imm, act.Table)
		return nil

	case wasm.OpCall:
		return r.emitCall(instr, before)

	case wasm.OpLocalGet:
		imm := instr.Imm.(wasm.LocalImm)
		em.LocalGet(r.localMap[imm.LocalIdx])
		if t := fp.Locals[imm.LocalIdx]; t.IsFloat() {
			res := planner.SlotKey{FloatIdx: countFloats(before), Type: t}
			em.LocalGet(r.dualLocal[imm.LocalIdx])
			em.LocalSet(r.slot(res))
		}
		return nil

	case wasm.OpLocalSet:
		imm := instr.Imm.(wasm.LocalImm)
		em.LocalSet(r.localMap[imm.LocalIdx])
		if t := fp.Locals[imm.LocalIdx]; t.IsFloat() {
			em.LocalGet(r.slot(before[n-1].Key()))
			em.LocalSet(r.dualLocal[imm.LocalIdx])
		}
		return nil

	case wasm.OpLocalTee:
		imm := instr.Imm.(wasm.LocalImm)
		em.LocalTee(r.localMap[imm.LocalIdx])
		if t := fp.Locals[imm.LocalIdx]; t.IsFloat() {
			em.LocalGet(r.slot(before[n-1].Key()))
			em.LocalSet(r.dualLocal[imm.LocalIdx])
		}
		return nil

	case wasm.OpGlobalGet:
		imm := instr.Imm.(wasm.GlobalImm)
		em.Instr(instr)
		if dg, ok := r.p.DualGlobal[imm.GlobalIdx]; ok {
			gt := r.m.GlobalTypeAt(imm.GlobalIdx)
			res := planner.SlotKey{FloatIdx: countFloats(before), Type: gt.ValType}
			em.GlobalGet(dg)
			em.LocalSet(r.slot(res))
		}
		return nil

	case wasm.OpGlobalSet:
		imm := instr.Imm.(wasm.GlobalImm)
		em.Instr(instr)
		if dg, ok := r.p.DualGlobal[imm.GlobalIdx]; ok {
			em.LocalGet(r.slot(before[n-1].Key()))
			em.GlobalSet(dg)
		}
		return nil

	case wasm.OpF32Const, wasm.OpF64Const:
		em.Instr(instr)
		t := wasm.ValF32
		if instr.Opcode == wasm.OpF64Const {
			t = wasm.ValF64
		}
		res := planner.SlotKey{FloatIdx: countFloats(before), Type: t}
		em.FloatConst(t, 0)
		em.LocalSet(r.slot(res))
		return nil

	case wasm.OpDrop:
		em.Instr(instr)
		return nil

	case wasm.OpSelect, wasm.OpSelectType:
		a := before[n-3]
		if !a.Type.IsFloat() {
			em.Instr(instr)
			return nil
		}
		t := a.Type
		tc := r.temp(roleC, wasm.ValI32)
		tb := r.temp(roleB, t)
		ta := r.temp(roleA, t)
		em.LocalSet(tc)
		em.LocalSet(tb)
		em.LocalTee(ta)
		em.LocalGet(tb)
		em.LocalGet(tc)
		em.Select()
		sa, sb := r.slot(a.Key()), r.slot(before[n-2].Key())
		em.LocalGet(sa)
		em.LocalGet(sb)
		em.LocalGet(tc)
		em.Select()
		em.LocalSet(sa)
		return nil

	case wasm.OpMemoryGrow:
		imm := instr.Imm.(wasm.MemoryIdxImm)
		shadow, ok := r.p.ShadowMem[imm.MemIdx]
		if !ok {
			em.Instr(instr)
			return nil
		}
		d := r.temp(roleDelta, wasm.ValI32)
		g := r.temp(roleGrow, wasm.ValI32)
		em.LocalTee(d)
		em.MemoryGrow(imm.MemIdx)
		em.LocalSet(g)
		em.LocalGet(d)
		em.MemoryGrow(shadow)
		em.Drop()
		em.LocalGet(g)
		return nil

	case wasm.OpF32Load, wasm.OpF64Load:
		imm := instr.Imm.(wasm.MemoryImm)
		t, _ := planner.LoadType(instr.Opcode)
		sa := r.temp(roleAddr, wasm.ValI32)
		res := planner.SlotKey{FloatIdx: floatsBelow(before, n-1), Type: t}
		em.LocalTee(sa)
		em.Instr(instr)
		em.LocalGet(sa)
		em.LoadFloat(t, imm.Align, imm.Offset, r.p.ShadowMem[imm.MemIdx])
		em.LocalSet(r.slot(res))
		return nil

	case wasm.OpF32Store, wasm.OpF64Store:
		imm := instr.Imm.(wasm.MemoryImm)
		t, _ := planner.StoreType(instr.Opcode)
		val := before[n-1]
		sa := r.temp(roleAddr, wasm.ValI32)
		tv := r.temp(roleVal, t)
		em.LocalSet(tv)
		em.LocalTee(sa)
		em.LocalGet(tv)
		em.Instr(instr)
		em.LocalGet(sa)
		em.LocalGet(r.slot(val.Key()))
		em.StoreFloat(t, imm.Align, imm.Offset, r.p.ShadowMem[imm.MemIdx])
		return nil
	}

	if t := floatBinaryType(instr.Opcode); t != 0 {
		return r.stepFloatBinary(instr.Opcode, t, before)
	}
	if t := floatUnaryType(instr.Opcode); t != 0 {
		return r.stepFloatUnary(instr.Opcode, t, before)
	}

	// Conversions crossing the float boundary.
	switch instr.Opcode {
	case wasm.OpF64PromoteF32:
		a := before[n-1]
		em.Instr(instr)
		em.LocalGet(r.slot(a.Key()))
		em.Op(wasm.OpF64PromoteF32)
		em.LocalSet(r.slot(planner.SlotKey{FloatIdx: a.FloatIdx, Type: wasm.ValF64}))
		return nil
	case wasm.OpF32DemoteF64:
		a := before[n-1]
		em.Instr(instr)
		em.LocalGet(r.slot(a.Key()))
		em.Op(wasm.OpF32DemoteF64)
		em.LocalSet(r.slot(planner.SlotKey{FloatIdx: a.FloatIdx, Type: wasm.ValF32}))
		return nil
	case wasm.OpF32ConvertI32S, wasm.OpF32ConvertI32U, wasm.OpF32ConvertI64S,
		wasm.OpF32ConvertI64U, wasm.OpF32ReinterpretI32:
		em.Instr(instr)
		em.F32Const(0)
		em.LocalSet(r.slot(planner.SlotKey{FloatIdx: countFloats(before), Type: wasm.ValF32}))
		return nil
	case wasm.OpF64ConvertI32S, wasm.OpF64ConvertI32U, wasm.OpF64ConvertI64S,
		wasm.OpF64ConvertI64U, wasm.OpF64ReinterpretI64:
		em.Instr(instr)
		em.F64Const(0)
		em.LocalSet(r.slot(planner.SlotKey{FloatIdx: countFloats(before), Type: wasm.ValF64}))
		return nil
	}

	// Integer and comparison instructions pass through untouched.
	em.Instr(instr)
	return nil
}

// stepFloatBinary stashes the operands, runs the primal, and updates the
// result's dual slot from the operands' duals.
func (r *rewriter) stepFloatBinary(op byte, t wasm.ValType, before []planner.Slot) error {
	em := r.em
	n := len(before)
	a, bb := before[n-2], before[n-1]
	sa, sb := r.slot(a.Key()), r.slot(bb.Key())
	ta := r.temp(roleA, t)
	tb := r.temp(roleB, t)

	em.LocalSet(tb)
	em.LocalTee(ta)
	em.LocalGet(tb)
	em.Op(op)

	switch op {
	case wasm.OpF32Add, wasm.OpF64Add:
		em.LocalGet(sa).LocalGet(sb).FAdd(t).LocalSet(sa)
	case wasm.OpF32Sub, wasm.OpF64Sub:
		em.LocalGet(sa).LocalGet(sb).FSub(t).LocalSet(sa)
	case wasm.OpF32Mul, wasm.OpF64Mul:
		em.LocalGet(sa).LocalGet(tb).FMul(t)
		em.LocalGet(ta).LocalGet(sb).FMul(t)
		em.FAdd(t).LocalSet(sa)
	case wasm.OpF32Div, wasm.OpF64Div:
		q := r.temp(roleQ, t)
		em.LocalTee(q)
		em.LocalGet(sa)
		em.LocalGet(q).LocalGet(sb).FMul(t)
		em.FSub(t)
		em.LocalGet(tb)
		em.FDiv(t)
		em.LocalSet(sa)
	case wasm.OpF32Min, wasm.OpF64Min:
		em.LocalGet(sa).LocalGet(sb)
		em.LocalGet(ta).LocalGet(tb).FLe(t)
		em.Select().LocalSet(sa)
	case wasm.OpF32Max, wasm.OpF64Max:
		em.LocalGet(sa).LocalGet(sb)
		em.LocalGet(ta).LocalGet(tb).FGe(t)
		em.Select().LocalSet(sa)
	case wasm.OpF32Copysign, wasm.OpF64Copysign:
		em.LocalGet(sa)
		em.LocalGet(sa).FNeg(t)
		r.emitSignsEqual(t, ta, tb)
		em.Select().LocalSet(sa)
	}
	return nil
}

func (r *rewriter) stepFloatUnary(op byte, t wasm.ValType, before []planner.Slot) error {
	em := r.em
	n := len(before)
	a := before[n-1]
	sa := r.slot(a.Key())

	switch op {
	case wasm.OpF32Neg, wasm.OpF64Neg:
		em.Op(op)
		em.LocalGet(sa).FNeg(t).LocalSet(sa)
	case wasm.OpF32Sqrt, wasm.OpF64Sqrt:
		tr := r.temp(roleQ, t)
		em.Op(op)
		em.LocalTee(tr)
		em.LocalGet(sa)
		em.LocalGet(tr).LocalGet(tr).FAdd(t)
		em.FDiv(t)
		em.LocalSet(sa)
	case wasm.OpF32Abs, wasm.OpF64Abs:
		ta := r.temp(roleA, t)
		em.LocalTee(ta)
		em.Op(op)
		em.LocalGet(sa)
		em.LocalGet(sa).FNeg(t)
		r.emitNonNegative(t, ta)
		em.Select().LocalSet(sa)
	case wasm.OpF32Ceil, wasm.OpF64Ceil, wasm.OpF32Floor, wasm.OpF64Floor,
		wasm.OpF32Trunc, wasm.OpF64Trunc, wasm.OpF32Nearest, wasm.OpF64Nearest:
		em.Op(op)
		em.FloatConst(t, 0).LocalSet(sa)
	}
	return nil
}

func (r *rewriter) emitSignsEqual(t wasm.ValType, a, b uint32) {
	em := r.em
	if t == wasm.ValF32 {
		em.LocalGet(a).Op(wasm.OpI32ReinterpretF32)
		em.LocalGet(b).Op(wasm.OpI32ReinterpretF32)
		em.I32Xor().I32Const(0).Op(wasm.OpI32GeS)
	} else {
		em.LocalGet(a).Op(wasm.OpI64ReinterpretF64)
		em.LocalGet(b).Op(wasm.OpI64ReinterpretF64)
		em.I64Xor().I64Const(0).Op(wasm.OpI64GeS)
	}
}

func (r *rewriter) emitNonNegative(t wasm.ValType, a uint32) {
	em := r.em
	if t == wasm.ValF32 {
		em.LocalGet(a).Op(wasm.OpI32ReinterpretF32).I32Const(0).Op(wasm.OpI32GeS)
	} else {
		em.LocalGet(a).Op(wasm.OpI64ReinterpretF64).I64Const(0).Op(wasm.OpI64GeS)
	}
}

// emitReturnInterleave reshapes the stack top from primal results to
// interleaved primal/dual pairs.
func (r *rewriter) emitReturnInterleave(before []planner.Slot) {
	em := r.em
	results := r.fp.Type.Results
	m := len(results)
	if m == 0 {
		return
	}
	n := len(before)
	r.poolReset()
	stash := make([]uint32, m)
	for i := m - 1; i >= 0; i-- {
		stash[i] = r.poolTake(results[i])
		em.LocalSet(stash[i])
	}
	for i := 0; i < m; i++ {
		em.LocalGet(stash[i])
		if results[i].IsFloat() {
			em.LocalGet(r.slot(before[n-m+i].Key()))
		}
	}
}

// emitReturnInterleaveEdge interleaves the results for an exit edge,
// using the transfer site's stack snapshot for the dual slot keys.
func (r *rewriter) emitReturnInterleaveEdge(e *planner.Edge) {
	r.emitReturnInterleave(e.SrcStack)
}

// emitCall interleaves the arguments, calls the dualized callee, and
// unpacks the interleaved results back onto the primal stack and the
// dual slots.
func (r *rewriter) emitCall(instr wasm.Instruction, before []planner.Slot) error {
	em := r.em
	imm := instr.Imm.(wasm.CallImm)
	ft, ok := r.origTypes[imm.FuncIdx]
	if !ok {
		return ferrors.Internal(ferrors.PhaseDual, "call target has no recorded signature")
	}
	k := len(ft.Params)
	n := len(before)
	base := n - k

	r.poolReset()
	argStash := make([]uint32, k)
	for j := k - 1; j >= 0; j-- {
		argStash[j] = r.poolTake(ft.Params[j])
		em.LocalSet(argStash[j])
	}
	for j := 0; j < k; j++ {
		em.LocalGet(argStash[j])
		if ft.Params[j].IsFloat() {
			em.LocalGet(r.slot(before[base+j].Key()))
		}
	}

	em.Call(imm.FuncIdx)

	mR := len(ft.Results)
	primal := make([]uint32, mR)
	dualStash := make([]uint32, mR)
	for i := mR - 1; i >= 0; i-- {
		if ft.Results[i].IsFloat() {
			dualStash[i] = r.poolTake(ft.Results[i])
			em.LocalSet(dualStash[i])
		}
		primal[i] = r.poolTake(ft.Results[i])
		em.LocalSet(primal[i])
	}
	resFloat := floatsBelow(before, base)
	f := resFloat
	for i := 0; i < mR; i++ {
		em.LocalGet(primal[i])
		if ft.Results[i].IsFloat() {
			em.LocalGet(dualStash[i])
			em.LocalSet(r.slot(planner.SlotKey{FloatIdx: f, Type: ft.Results[i]}))
			f++
		}
	}
	return nil
}

// emitBranchMoves relocates dual slots when a branch unwinds stack
// values: the carried values' duals move down to the target's positions.
func (r *rewriter) emitBranchMoves(e *planner.Edge) {
	em := r.em
	srcTop := len(e.SrcStack)
	f := floatsBelow(e.SrcStack, e.DstBase)
	for j := 0; j < e.Arity; j++ {
		s := e.SrcStack[srcTop-e.Arity+j]
		if !s.Type.IsFloat() {
			continue
		}
		dst := planner.SlotKey{FloatIdx: f, Type: s.Type}
		f++
		if dst == s.Key() {
			continue
		}
		em.LocalGet(r.slot(s.Key()))
		em.LocalSet(r.slot(dst))
	}
}

func movesNeeded(e *planner.Edge) int {
	srcTop := len(e.SrcStack)
	f := floatsBelow(e.SrcStack, e.DstBase)
	count := 0
	for j := 0; j < e.Arity; j++ {
		s := e.SrcStack[srcTop-e.Arity+j]
		if !s.Type.IsFloat() {
			continue
		}
		if (planner.SlotKey{FloatIdx: f, Type: s.Type}) != s.Key() {
			count++
		}
		f++
	}
	return count
}

// carriedBlockType returns the block type threading an edge's carried
// values through a synthesized wrapper.
func (r *rewriter) carriedBlockType(e *planner.Edge) int32 {
	if e.Arity == 0 {
		return codegen.BlockVoid
	}
	types := make([]wasm.ValType, e.Arity)
	for j := range types {
		types[j] = e.SrcStack[len(e.SrcStack)-e.Arity+j].Type
	}
	return int32(r.m.AddType(wasm.FuncType{Params: types, Results: types}))
}

// emitBrTableMoves rewrites a br_table whose targets need dual moves into
// per-target trampolines threading the carried values.
func (r *rewriter) emitBrTableMoves(imm wasm.BrTableImm, table []int) {
	em := r.em
	targets := append(append([]uint32(nil), imm.Labels...), imm.Default)
	k := len(targets)
	bt := r.carriedBlockType(&r.fp.Edges[table[0]])

	sel := r.temp(roleSel, wasm.ValI32)
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
		e := &r.fp.Edges[table[i]]
		if e.Exit {
			r.emitReturnInterleaveEdge(e)
			em.Return()
			continue
		}
		r.emitBranchMoves(e)
		em.Br(targets[i] + uint32(k-1-i))
	}
}

func floatBinaryType(op byte) wasm.ValType {
	switch op {
	case wasm.OpF32Add, wasm.OpF32Sub, wasm.OpF32Mul, wasm.OpF32Div,
		wasm.OpF32Min, wasm.OpF32Max, wasm.OpF32Copysign:
		return wasm.ValF32
	case wasm.OpF64Add, wasm.OpF64Sub, wasm.OpF64Mul, wasm.OpF64Div,
		wasm.OpF64Min, wasm.OpF64Max, wasm.OpF64Copysign:
		return wasm.ValF64
	}
	return 0
}

func floatUnaryType(op byte) wasm.ValType {
	switch op {
	case wasm.OpF32Abs, wasm.OpF32Neg, wasm.OpF32Ceil, wasm.OpF32Floor,
		wasm.OpF32Trunc, wasm.OpF32Nearest, wasm.OpF32Sqrt:
		return wasm.ValF32
	case wasm.OpF64Abs, wasm.OpF64Neg, wasm.OpF64Ceil, wasm.OpF64Floor,
		wasm.OpF64Trunc, wasm.OpF64Nearest, wasm.OpF64Sqrt:
		return wasm.ValF64
	}
	return 0
}

func countFloats(stack []planner.Slot) int {
	return floatsBelow(stack, len(stack))
}

func floatsBelow(stack []planner.Slot, n int) int {
	c := 0
	for _, s := range stack[:n] {
		if s.Type.IsFloat() {
			c++
		}
	}
	return c
}
