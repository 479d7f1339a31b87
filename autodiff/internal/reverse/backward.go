package reverse

import (
	"github.com/wippyai/floretta/autodiff/internal/codegen"
	"github.com/wippyai/floretta/autodiff/internal/plan"
	"github.com/wippyai/floretta/autodiff/internal/planner"
	ferrors "github.com/wippyai/floretta/errors"
	"github.com/wippyai/floretta/wasm"
)

// EmitBackwardAll synthesizes the backward pass for every planned
// function. Indices are reserved up front so call adjoints can reference
// the backward pass of their callees.
func EmitBackwardAll(m *wasm.Module, p *plan.Plan, plans []*planner.FuncPlan) error {
	localBase := make(map[uint32]int) // original func idx -> code slot of its backward

	for _, fp := range plans {
		typeIdx := m.AddType(wasm.FuncType{
			Params:  fp.Type.Results,
			Results: fp.Type.Params,
		})
		bwdIdx := p.AddFunction(m, typeIdx, nil, nil)
		p.Backward[fp.FuncIdx] = bwdIdx
		localBase[fp.FuncIdx] = len(m.Code) - 1
	}

	for _, fp := range plans {
		b := &bwdEmitter{m: m, p: p, fp: fp, em: codegen.NewEmitter()}
		body, err := b.emit()
		if err != nil {
			return err
		}
		m.Code[localBase[fp.FuncIdx]] = body
	}
	return nil
}

// bwdEmitter builds one backward-pass function: a reverse dispatch state
// machine over the function's control-flow edges, accumulating cotangents
// into slot locals, shadow locals, shadow globals, and shadow memories.
type bwdEmitter struct {
	m  *wasm.Module
	p  *plan.Plan
	fp *planner.FuncPlan
	em *codegen.Emitter

	localTypes []wasm.ValType // declared locals of the backward function
	slotLocals map[planner.SlotKey]uint32
	shadow     map[uint32]uint32 // original local index -> shadow local
	scratchI32 uint32
	hasScratch bool
	scratchFlt map[scratchKey]uint32
}

func (b *bwdEmitter) alloc(t wasm.ValType) uint32 {
	idx := uint32(len(b.fp.Type.Results) + len(b.localTypes))
	b.localTypes = append(b.localTypes, t)
	return idx
}

func (b *bwdEmitter) slot(key planner.SlotKey) uint32 {
	if idx, ok := b.slotLocals[key]; ok {
		return idx
	}
	idx := b.alloc(key.Type)
	b.slotLocals[key] = idx
	return idx
}

func (b *bwdEmitter) addr() uint32 {
	if !b.hasScratch {
		b.scratchI32 = b.alloc(wasm.ValI32)
		b.hasScratch = true
	}
	return b.scratchI32
}

func (b *bwdEmitter) scratchFloat(role byte, t wasm.ValType) uint32 {
	key := scratchKey{role: role, t: t}
	if idx, ok := b.scratchFlt[key]; ok {
		return idx
	}
	idx := b.alloc(t)
	b.scratchFlt[key] = idx
	return idx
}

func (b *bwdEmitter) emit() (wasm.FuncBody, error) {
	b.slotLocals = make(map[planner.SlotKey]uint32)
	b.shadow = make(map[uint32]uint32)
	b.scratchFlt = make(map[scratchKey]uint32)

	// Every floating-point local of the original function gets a shadow
	// local, zero at entry.
	for i, t := range b.fp.Locals {
		if t.IsFloat() {
			b.shadow[uint32(i)] = b.alloc(t)
		}
	}

	em := b.em

	// Prologue: the parameters are the output cotangents; seed the slot
	// locals at the canonical exit positions.
	floatIdx := 0
	for j, t := range b.fp.Type.Results {
		if t.IsFloat() {
			em.LocalGet(uint32(j))
			em.LocalSet(b.slot(planner.SlotKey{FloatIdx: floatIdx, Type: t}))
			floatIdx++
		}
	}

	// Initial state: the exit tag recorded by the forward pass.
	em.Call(b.p.TapeI32Bwd)

	edges := b.fp.Edges
	segs := b.fp.Segments
	numEdges := len(edges)
	numSegs := len(segs)
	dispatch := int32(b.p.DispatchType)

	// Nesting, outermost first: loop, segment blocks, edge blocks, trap
	// block. Every level carries the state through its i32 parameter.
	em.Loop(dispatch)
	for i := numSegs - 1; i >= 0; i-- {
		em.Block(dispatch)
	}
	for i := numEdges - 1; i >= 0; i-- {
		em.Block(dispatch)
	}
	em.Block(dispatch)

	// Edge IDs index the dispatch table; anything else traps.
	labels := make([]uint32, numEdges)
	for e := range labels {
		labels[e] = uint32(e + 1)
	}
	em.BrTable(labels, 0)
	em.End()
	em.Unreachable()

	// Edge regions: move cotangents from the target's entry positions to
	// the source's exit positions, then enter the source segment.
	for e := 0; e < numEdges; e++ {
		em.End()
		b.emitEdgeFixup(&edges[e])
		em.Br(uint32(numEdges - 1 - e + edges[e].Src))
	}

	// Segment regions: reverse the segment, then either finish at the
	// function entry or pop the next edge tag and dispatch again.
	for s := 0; s < numSegs; s++ {
		em.End()
		if err := b.emitSegmentReverse(segs[s]); err != nil {
			return wasm.FuncBody{}, err
		}
		if s == 0 {
			b.emitEpilogue()
		} else {
			em.Call(b.p.TapeI32Bwd)
			em.Br(uint32(numSegs - 1 - s))
		}
	}

	em.End() // loop
	em.Unreachable()
	em.End() // function

	return wasm.FuncBody{
		Locals: appendLocals(nil, b.localTypes),
		Code:   em.Copy(),
	}, nil
}

// emitEpilogue returns the input cotangents: shadow locals of the
// original parameters, zero for integer positions.
func (b *bwdEmitter) emitEpilogue() {
	em := b.em
	for i, t := range b.fp.Type.Params {
		switch t {
		case wasm.ValF32, wasm.ValF64:
			em.LocalGet(b.shadow[uint32(i)])
		case wasm.ValI64:
			em.I64Const(0)
		default:
			em.I32Const(0)
		}
	}
	em.Return()
}

// emitEdgeFixup relocates carried cotangents when the forward transfer
// unwound stack values: the target's entry positions map onto the
// source's exit positions, and discarded values get zero cotangents.
func (b *bwdEmitter) emitEdgeFixup(e *planner.Edge) {
	if e.Identity() {
		return
	}
	em := b.em
	srcTop := len(e.SrcStack)
	dstF := floatsBelow(e.SrcStack, e.DstBase)

	type move struct{ dst, src planner.SlotKey }
	var moves []move
	f := dstF
	for j := 0; j < e.Arity; j++ {
		s := e.SrcStack[srcTop-e.Arity+j]
		if s.Type.IsFloat() {
			moves = append(moves, move{dst: planner.SlotKey{FloatIdx: f, Type: s.Type}, src: s.Key()})
			f++
		}
	}
	// Source positions sit at or above their targets; writing from the
	// top down never clobbers an unread slot.
	for j := len(moves) - 1; j >= 0; j-- {
		if moves[j].dst == moves[j].src {
			continue
		}
		em.LocalGet(b.slot(moves[j].dst))
		em.LocalSet(b.slot(moves[j].src))
	}
	for _, s := range e.SrcStack[e.DstBase : srcTop-e.Arity] {
		if s.Type.IsFloat() {
			em.FloatConst(s.Type, 0)
			em.LocalSet(b.slot(s.Key()))
		}
	}
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

// emitSegmentReverse emits the adjoint of each instruction in the
// segment, in reverse execution order.
func (b *bwdEmitter) emitSegmentReverse(seg []int) error {
	for i := len(seg) - 1; i >= 0; i-- {
		if err := b.emitAdjoint(seg[i]); err != nil {
			return err
		}
	}
	return nil
}

func (b *bwdEmitter) emitAdjoint(idx int) error {
	instr := b.fp.Instrs[idx]
	before := b.fp.Before[idx]
	em := b.em
	n := len(before)

	operand := func(k int) planner.Slot { return before[n-k] }

	switch instr.Opcode {
	case wasm.OpF32Add, wasm.OpF64Add:
		a, bb := operand(2), operand(1)
		em.LocalGet(b.slot(a.Key()))
		em.LocalSet(b.slot(bb.Key()))
		return nil

	case wasm.OpF32Sub, wasm.OpF64Sub:
		a, bb := operand(2), operand(1)
		em.LocalGet(b.slot(a.Key()))
		em.FNeg(a.Type)
		em.LocalSet(b.slot(bb.Key()))
		return nil

	case wasm.OpF32Mul, wasm.OpF64Mul:
		return b.emitMulAdjoint(idx, instr.Opcode, before)

	case wasm.OpF32Div, wasm.OpF64Div,
		wasm.OpF32Min, wasm.OpF64Min,
		wasm.OpF32Max, wasm.OpF64Max,
		wasm.OpF32Copysign, wasm.OpF64Copysign:
		a, bb := operand(2), operand(1)
		em.LocalGet(b.slot(a.Key()))
		em.Call(b.p.Helper(instr.Opcode, a.Type, false))
		em.LocalSet(b.slot(bb.Key()))
		em.LocalSet(b.slot(a.Key()))
		return nil

	case wasm.OpF32Sqrt, wasm.OpF64Sqrt, wasm.OpF32Abs, wasm.OpF64Abs:
		a := operand(1)
		em.LocalGet(b.slot(a.Key()))
		em.Call(b.p.Helper(instr.Opcode, a.Type, false))
		em.LocalSet(b.slot(a.Key()))
		return nil

	case wasm.OpF32Neg, wasm.OpF64Neg:
		a := operand(1)
		em.LocalGet(b.slot(a.Key()))
		em.FNeg(a.Type)
		em.LocalSet(b.slot(a.Key()))
		return nil

	case wasm.OpF32Ceil, wasm.OpF64Ceil, wasm.OpF32Floor, wasm.OpF64Floor,
		wasm.OpF32Trunc, wasm.OpF64Trunc, wasm.OpF32Nearest, wasm.OpF64Nearest:
		// Piecewise constant: the operand's sensitivity vanishes.
		a := operand(1)
		em.FloatConst(a.Type, 0)
		em.LocalSet(b.slot(a.Key()))
		return nil

	case wasm.OpF32Eq, wasm.OpF32Ne, wasm.OpF32Lt, wasm.OpF32Gt, wasm.OpF32Le, wasm.OpF32Ge,
		wasm.OpF64Eq, wasm.OpF64Ne, wasm.OpF64Lt, wasm.OpF64Gt, wasm.OpF64Le, wasm.OpF64Ge:
		a, bb := operand(2), operand(1)
		em.FloatConst(a.Type, 0)
		em.LocalSet(b.slot(a.Key()))
		em.FloatConst(bb.Type, 0)
		em.LocalSet(b.slot(bb.Key()))
		return nil

	case wasm.OpI32TruncF32S, wasm.OpI32TruncF32U, wasm.OpI64TruncF32S, wasm.OpI64TruncF32U,
		wasm.OpI32TruncF64S, wasm.OpI32TruncF64U, wasm.OpI64TruncF64S, wasm.OpI64TruncF64U,
		wasm.OpI32ReinterpretF32, wasm.OpI64ReinterpretF64:
		a := operand(1)
		em.FloatConst(a.Type, 0)
		em.LocalSet(b.slot(a.Key()))
		return nil

	case wasm.OpF64PromoteF32:
		a := operand(1)
		res := planner.SlotKey{FloatIdx: a.FloatIdx, Type: wasm.ValF64}
		em.LocalGet(b.slot(res))
		em.Op(wasm.OpF32DemoteF64)
		em.LocalSet(b.slot(a.Key()))
		return nil

	case wasm.OpF32DemoteF64:
		a := operand(1)
		res := planner.SlotKey{FloatIdx: a.FloatIdx, Type: wasm.ValF32}
		em.LocalGet(b.slot(res))
		em.Op(wasm.OpF64PromoteF32)
		em.LocalSet(b.slot(a.Key()))
		return nil

	case wasm.OpDrop:
		a := operand(1)
		if a.Type.IsFloat() {
			em.FloatConst(a.Type, 0)
			em.LocalSet(b.slot(a.Key()))
		}
		return nil

	case wasm.OpSelect, wasm.OpSelectType:
		a, bb := operand(3), operand(2)
		if !a.Type.IsFloat() {
			return nil
		}
		em.LocalGet(b.slot(a.Key()))
		em.Call(b.p.Helper(wasm.OpSelect, a.Type, false))
		em.LocalSet(b.slot(bb.Key()))
		em.LocalSet(b.slot(a.Key()))
		return nil

	case wasm.OpLocalGet:
		imm := instr.Imm.(wasm.LocalImm)
		t := b.fp.Locals[imm.LocalIdx]
		if !t.IsFloat() {
			return nil
		}
		res := planner.SlotKey{FloatIdx: countFloatSlots(before), Type: t}
		sh := b.shadow[imm.LocalIdx]
		em.LocalGet(sh)
		em.LocalGet(b.slot(res))
		em.FAdd(t)
		em.LocalSet(sh)
		return nil

	case wasm.OpLocalSet:
		imm := instr.Imm.(wasm.LocalImm)
		t := b.fp.Locals[imm.LocalIdx]
		if !t.IsFloat() {
			return nil
		}
		a := operand(1)
		sh := b.shadow[imm.LocalIdx]
		em.LocalGet(sh)
		em.LocalSet(b.slot(a.Key()))
		em.FloatConst(t, 0)
		em.LocalSet(sh)
		return nil

	case wasm.OpLocalTee:
		imm := instr.Imm.(wasm.LocalImm)
		t := b.fp.Locals[imm.LocalIdx]
		if !t.IsFloat() {
			return nil
		}
		a := operand(1)
		sh := b.shadow[imm.LocalIdx]
		em.LocalGet(b.slot(a.Key()))
		em.LocalGet(sh)
		em.FAdd(t)
		em.LocalSet(b.slot(a.Key()))
		em.FloatConst(t, 0)
		em.LocalSet(sh)
		return nil

	case wasm.OpGlobalGet:
		imm := instr.Imm.(wasm.GlobalImm)
		sg, ok := b.p.ShadowGlobal[imm.GlobalIdx]
		if !ok {
			return nil
		}
		gt := b.m.GlobalTypeAt(imm.GlobalIdx)
		res := planner.SlotKey{FloatIdx: countFloatSlots(before), Type: gt.ValType}
		em.GlobalGet(sg)
		em.LocalGet(b.slot(res))
		em.FAdd(gt.ValType)
		em.GlobalSet(sg)
		return nil

	case wasm.OpGlobalSet:
		imm := instr.Imm.(wasm.GlobalImm)
		sg, ok := b.p.ShadowGlobal[imm.GlobalIdx]
		if !ok {
			return nil
		}
		a := operand(1)
		em.GlobalGet(sg)
		em.LocalSet(b.slot(a.Key()))
		em.FloatConst(a.Type, 0)
		em.GlobalSet(sg)
		return nil

	case wasm.OpF32Load, wasm.OpF64Load:
		imm := instr.Imm.(wasm.MemoryImm)
		t := wasm.ValF32
		if instr.Opcode == wasm.OpF64Load {
			t = wasm.ValF64
		}
		shadowMem := b.p.ShadowMem[imm.MemIdx]
		res := planner.SlotKey{FloatIdx: floatsBelow(before, n-1), Type: t}
		sa := b.addr()
		em.Call(b.p.TapeI32Bwd)
		em.LocalSet(sa)
		em.LocalGet(sa)
		em.LocalGet(sa)
		em.LoadFloat(t, imm.Align, imm.Offset, shadowMem)
		em.LocalGet(b.slot(res))
		em.FAdd(t)
		em.StoreFloat(t, imm.Align, imm.Offset, shadowMem)
		return nil

	case wasm.OpF32Store, wasm.OpF64Store:
		imm := instr.Imm.(wasm.MemoryImm)
		val := operand(1)
		shadowMem := b.p.ShadowMem[imm.MemIdx]
		sa := b.addr()
		em.Call(b.p.TapeI32Bwd)
		em.LocalSet(sa)
		// The stored slot's cotangent moves to the stored value; the
		// shadow slot is zeroed so it cannot be counted twice.
		em.LocalGet(sa)
		em.LoadFloat(val.Type, imm.Align, imm.Offset, shadowMem)
		em.LocalSet(b.slot(val.Key()))
		em.LocalGet(sa)
		em.FloatConst(val.Type, 0)
		em.StoreFloat(val.Type, imm.Align, imm.Offset, shadowMem)
		return nil

	case wasm.OpCall:
		return b.emitCallAdjoint(instr, before)
	}

	// Integer arithmetic, integer memory traffic, constants, and size
	// queries carry no cotangents.
	return nil
}

func (b *bwdEmitter) emitMulAdjoint(idx int, op byte, before []planner.Slot) error {
	em := b.em
	n := len(before)
	a, bb := before[n-2], before[n-1]
	t := a.Type
	need := b.fp.Needs[idx]
	aTaped := need.AConst == nil
	bTaped := need.BConst == nil

	if aTaped && bTaped {
		em.LocalGet(b.slot(a.Key()))
		em.Call(b.p.Helper(op, t, false))
		em.LocalSet(b.slot(bb.Key()))
		em.LocalSet(b.slot(a.Key()))
		return nil
	}

	// Inline form: pops mirror the forward pushes (a before b), constants
	// re-derive in place.
	var ta, tb uint32
	if bTaped {
		tb = b.scratchFloat(roleB, t)
		em.Call(b.p.TapePopFloat(t))
		em.LocalSet(tb)
	}
	if aTaped {
		ta = b.scratchFloat(roleA, t)
		em.Call(b.p.TapePopFloat(t))
		em.LocalSet(ta)
	}

	em.LocalGet(b.slot(a.Key()))
	if bTaped {
		em.LocalGet(tb)
	} else {
		em.FloatConst(t, *need.BConst)
	}
	em.FMul(t)

	em.LocalGet(b.slot(a.Key()))
	if aTaped {
		em.LocalGet(ta)
	} else {
		em.FloatConst(t, *need.AConst)
	}
	em.FMul(t)

	em.LocalSet(b.slot(bb.Key()))
	em.LocalSet(b.slot(a.Key()))
	return nil
}

func (b *bwdEmitter) emitCallAdjoint(instr wasm.Instruction, before []planner.Slot) error {
	em := b.em
	imm := instr.Imm.(wasm.CallImm)
	ft := b.m.GetFuncType(imm.FuncIdx)
	bwdIdx, ok := b.p.Backward[imm.FuncIdx]
	if !ok {
		return ferrors.Internal(ferrors.PhaseBackward, "call adjoint: callee has no backward pass")
	}

	n := len(before)
	k := len(ft.Params)
	base := n - k
	resFloat := floatsBelow(before, base)

	// Seed the callee's output cotangents, zero for integer results.
	f := resFloat
	for _, rt := range ft.Results {
		switch rt {
		case wasm.ValF32, wasm.ValF64:
			em.LocalGet(b.slot(planner.SlotKey{FloatIdx: f, Type: rt}))
			f++
		case wasm.ValI64:
			em.I64Const(0)
		default:
			em.I32Const(0)
		}
	}

	// The callee's backward pass pops its own tape contribution.
	em.Call(bwdIdx)

	// Returned input cotangents land on the argument slots, top first.
	for j := k - 1; j >= 0; j-- {
		arg := before[base+j]
		if arg.Type.IsFloat() {
			em.LocalSet(b.slot(arg.Key()))
		} else {
			em.Drop()
		}
	}
	return nil
}

func countFloatSlots(stack []planner.Slot) int {
	c := 0
	for _, s := range stack {
		if s.Type.IsFloat() {
			c++
		}
	}
	return c
}
