package planner

import (
	stderrors "errors"
	"fmt"

	ferrors "github.com/wippyai/floretta/errors"
	"github.com/wippyai/floretta/wasm"
)

// MulNeed records the planner's decision for one multiply site: a non-nil
// constant means the operand is re-derived inline in the backward pass,
// nil means the forward pass saves it on the tape.
type MulNeed struct {
	AConst *float64
	BConst *float64
}

// Action carries the control-flow recording decisions for one instruction.
// Fields hold edge IDs, -1 when absent.
type Action struct {
	Table     []int // br_table: one edge per label vector entry, then default
	Pre       int   // tag pushed before the instruction executes
	Post      int   // tag pushed immediately after (then-arm / else-arm entry)
	Taken     int   // br_if: tag on the taken path
	Fall      int   // br_if: tag on the fallthrough path
	SynthElse int   // end of if-without-else: tag of the synthesized empty else arm
}

func noAction() Action {
	return Action{Pre: -1, Post: -1, Taken: -1, Fall: -1, SynthElse: -1}
}

// Edge is one control-flow transfer recorded on the i32 tape. The backward
// pass dispatches on edge IDs: each edge moves cotangents from the target's
// entry positions to the source's exit positions, then reverses the source
// segment.
type Edge struct {
	SrcStack []Slot // abstract stack at the transfer site
	ID       int
	Src      int  // segment whose reversal follows this edge
	DstBase  int  // stack height of the target frame's base
	Arity    int  // values carried across the edge
	Exit     bool // transfer out of the function (return or final end)
}

// Identity reports whether the edge discards no values, so target and
// source slot positions coincide and no cotangent moves are needed.
func (e *Edge) Identity() bool {
	return len(e.SrcStack) == e.DstBase+e.Arity
}

// FuncPlan is the planner's complete output for one function: the decoded
// body, per-instruction abstract stacks, liveness, tape-recording actions,
// the basic-block segmentation, and the control-flow edge set.
type FuncPlan struct {
	Needs      map[int]MulNeed
	Instrs     []wasm.Instruction
	Dead       []bool
	Before     [][]Slot
	Actions    []Action
	Segments   [][]int // reversible instruction indices per segment
	Edges      []Edge
	Locals     []wasm.ValType // params followed by declared locals
	Type       wasm.FuncType
	FuncIdx    uint32 // absolute index in the function index space
	NumParams  int
	CodeOffset int
}

// Analyze plans every local function of the module. The returned slice is
// indexed by local function order (module code section order).
func Analyze(m *wasm.Module) ([]*FuncPlan, error) {
	numImported := uint32(m.NumImportedFuncs())
	plans := make([]*FuncPlan, len(m.Code))
	for i := range m.Code {
		funcIdx := numImported + uint32(i)
		ft := m.GetFuncType(funcIdx)
		if ft == nil {
			return nil, ferrors.InvalidModule(ferrors.PhasePlan, -1,
				fmt.Sprintf("function %d has no type", funcIdx))
		}
		p, err := analyzeFunc(m, funcIdx, *ft, &m.Code[i])
		if err != nil {
			return nil, err
		}
		plans[i] = p
	}
	return plans, nil
}

type frame struct {
	entryStack []Slot // stack at frame entry, params included
	params     []wasm.ValType
	results    []wasm.ValType
	opcode     byte // OpBlock, OpLoop, OpIf, or 0 for the function frame
	base       int  // entry stack height below params
	headerSeg  int  // loop: dispatch segment of the header
	elseSeg    int  // if: segment of the else arm
	elseEdge   int  // if: edge from the head into the else arm
	elseSeen   bool
	branched   bool // some live branch targets this frame
}

type walker struct {
	m     *wasm.Module
	plan  *FuncPlan
	stack []Slot
	// locals holds the symbolic Value per local slot.
	locals []Value
	frames []frame

	segments [][]int
	cur      int // current segment

	dead      bool
	deadDepth int
}

func analyzeFunc(m *wasm.Module, funcIdx uint32, ft wasm.FuncType, body *wasm.FuncBody) (*FuncPlan, error) {
	instrs, err := wasm.DecodeInstructions(body.Code)
	if err != nil {
		var ue *wasm.UnsupportedError
		if stderrors.As(err, &ue) {
			return nil, ferrors.Unsupported(ferrors.PhasePlan, body.CodeOffset+ue.Offset, ue.Feature)
		}
		return nil, ferrors.New(ferrors.PhasePlan, ferrors.KindInvalidModule).
			Offset(body.CodeOffset).Cause(err).Detail("decode function %d", funcIdx).Build()
	}

	locals := append([]wasm.ValType(nil), ft.Params...)
	for _, entry := range body.Locals {
		for c := uint32(0); c < entry.Count; c++ {
			locals = append(locals, entry.ValType)
		}
	}

	p := &FuncPlan{
		Needs:      make(map[int]MulNeed),
		Instrs:     instrs,
		Dead:       make([]bool, len(instrs)),
		Before:     make([][]Slot, len(instrs)),
		Actions:    make([]Action, len(instrs)),
		Locals:     locals,
		Type:       ft,
		FuncIdx:    funcIdx,
		NumParams:  len(ft.Params),
		CodeOffset: body.CodeOffset,
	}
	for i := range p.Actions {
		p.Actions[i] = noAction()
	}

	w := &walker{m: m, plan: p}
	w.locals = make([]Value, len(locals))
	for i := range w.locals {
		if i < len(ft.Params) {
			w.locals[i] = Value{Kind: ValueParam}
		} else {
			w.locals[i] = Value{Kind: ValueDefault}
		}
	}
	w.segments = [][]int{nil}
	w.cur = 0
	w.frames = []frame{{opcode: 0, results: ft.Results, base: 0}}

	if err := w.run(); err != nil {
		return nil, err
	}

	p.Segments = w.segments
	return p, nil
}

func (w *walker) offset(idx int) int {
	return w.plan.CodeOffset + w.plan.Instrs[idx].Offset
}

func (w *walker) typeErr(idx int, format string, args ...any) error {
	return ferrors.TypeMismatch(ferrors.PhasePlan, w.offset(idx), fmt.Sprintf(format, args...))
}

func (w *walker) push(t wasm.ValType, v Value) {
	fidx := -1
	if t.IsFloat() {
		fidx = countFloats(w.stack)
	}
	w.stack = append(w.stack, Slot{Type: t, FloatIdx: fidx, Val: v})
}

func (w *walker) pop(idx int) (Slot, error) {
	if len(w.stack) == 0 {
		return Slot{}, w.typeErr(idx, "operand stack underflow")
	}
	s := w.stack[len(w.stack)-1]
	w.stack = w.stack[:len(w.stack)-1]
	return s, nil
}

func (w *walker) popExpect(idx int, t wasm.ValType) (Slot, error) {
	s, err := w.pop(idx)
	if err != nil {
		return Slot{}, err
	}
	if s.Type != t {
		return Slot{}, w.typeErr(idx, "expected %s, found %s", t, s.Type)
	}
	return s, nil
}

func (w *walker) newSegment() int {
	w.segments = append(w.segments, nil)
	return len(w.segments) - 1
}

func (w *walker) addToSegment(idx int) {
	w.segments[w.cur] = append(w.segments[w.cur], idx)
}

func (w *walker) newEdge(srcStack []Slot, dstBase, arity int, exit bool) int {
	e := Edge{
		ID:       len(w.plan.Edges),
		Src:      w.cur,
		SrcStack: copyStack(srcStack),
		DstBase:  dstBase,
		Arity:    arity,
		Exit:     exit,
	}
	w.plan.Edges = append(w.plan.Edges, e)
	return e.ID
}

// blockSig resolves a block type immediate to its parameter and result types.
func (w *walker) blockSig(idx int, bt int32) ([]wasm.ValType, []wasm.ValType, error) {
	if bt == wasm.BlockTypeVoid {
		return nil, nil, nil
	}
	if bt < 0 {
		t := wasm.ValType(bt & 0x7F) // -1 => 0x7F (i32), -2 => 0x7E (i64), ...
		if !t.IsNumeric() {
			return nil, nil, ferrors.Unsupported(ferrors.PhasePlan, w.offset(idx),
				fmt.Sprintf("block type %d", bt))
		}
		return nil, []wasm.ValType{t}, nil
	}
	if int(bt) >= len(w.m.Types) {
		return nil, nil, w.typeErr(idx, "block type index %d out of range", bt)
	}
	ft := w.m.Types[bt]
	return ft.Params, ft.Results, nil
}

// branchTarget resolves a label index to its frame, returning the frame
// pointer, the base height, the branch arity, and whether the target is
// the function frame (a branch there is a return).
func (w *walker) branchTarget(idx int, label uint32) (*frame, int, int, bool, error) {
	if int(label) >= len(w.frames) {
		return nil, 0, 0, false, w.typeErr(idx, "branch label %d out of range", label)
	}
	pos := len(w.frames) - 1 - int(label)
	f := &w.frames[pos]
	if f.opcode == wasm.OpLoop {
		return f, f.base, len(f.params), false, nil
	}
	return f, f.base, len(f.results), pos == 0, nil
}

// checkBranchOperands verifies the top of stack matches the branch arity
// types of the target frame.
func (w *walker) checkBranchOperands(idx int, f *frame, arity int) error {
	var want []wasm.ValType
	if f.opcode == wasm.OpLoop {
		want = f.params
	} else {
		want = f.results
	}
	if len(w.stack) < f.base+arity {
		return w.typeErr(idx, "branch operand stack underflow")
	}
	top := w.stack[len(w.stack)-arity:]
	for i := range want {
		if top[i].Type != want[i] {
			return w.typeErr(idx, "branch value %d: expected %s, found %s", i, want[i], top[i].Type)
		}
	}
	return nil
}

func (w *walker) run() error {
	instrs := w.plan.Instrs
	for idx := 0; idx < len(instrs); idx++ {
		instr := instrs[idx]

		if w.dead {
			switch instr.Opcode {
			case wasm.OpBlock, wasm.OpLoop, wasm.OpIf:
				w.deadDepth++
				w.plan.Dead[idx] = true
				continue
			case wasm.OpElse:
				if w.deadDepth == 0 {
					// Falls through to live else handling below.
					break
				}
				w.plan.Dead[idx] = true
				continue
			case wasm.OpEnd:
				if w.deadDepth == 0 {
					// Falls through to live end handling below.
					break
				}
				w.deadDepth--
				w.plan.Dead[idx] = true
				continue
			default:
				w.plan.Dead[idx] = true
				continue
			}
		}

		w.plan.Before[idx] = copyStack(w.stack)

		if err := w.step(idx, instr); err != nil {
			return err
		}
	}

	if len(w.frames) != 0 {
		return ferrors.InvalidModule(ferrors.PhasePlan, w.plan.CodeOffset,
			fmt.Sprintf("function %d: unbalanced control flow", w.plan.FuncIdx))
	}
	return nil
}

func (w *walker) step(idx int, instr wasm.Instruction) error {
	switch instr.Opcode {
	case wasm.OpNop:
		return nil

	case wasm.OpUnreachable:
		w.dead = true
		return nil

	case wasm.OpBlock:
		imm := instr.Imm.(wasm.BlockImm)
		params, results, err := w.blockSig(idx, imm.Type)
		if err != nil {
			return err
		}
		if err := w.checkFrameParams(idx, params); err != nil {
			return err
		}
		w.frames = append(w.frames, frame{
			opcode:     wasm.OpBlock,
			params:     params,
			results:    results,
			base:       len(w.stack) - len(params),
			entryStack: copyStack(w.stack),
			headerSeg:  -1,
			elseSeg:    -1,
			elseEdge:   -1,
		})
		return nil

	case wasm.OpLoop:
		imm := instr.Imm.(wasm.BlockImm)
		params, results, err := w.blockSig(idx, imm.Type)
		if err != nil {
			return err
		}
		if err := w.checkFrameParams(idx, params); err != nil {
			return err
		}
		// A later iteration invalidates any parameter or known-zero fact
		// about locals written in the body.
		w.demoteLocals()
		// Loop headers merge the entry edge with every backedge, so the
		// header starts a new segment; the entry edge is recorded before
		// the loop instruction runs.
		eID := w.newEdge(w.stack, len(w.stack)-len(params), len(params), false)
		w.plan.Actions[idx].Pre = eID
		header := w.newSegment()
		w.frames = append(w.frames, frame{
			opcode:     wasm.OpLoop,
			params:     params,
			results:    results,
			base:       len(w.stack) - len(params),
			entryStack: copyStack(w.stack),
			headerSeg:  header,
			elseSeg:    -1,
			elseEdge:   -1,
		})
		w.cur = header
		return nil

	case wasm.OpIf:
		if _, err := w.popExpect(idx, wasm.ValI32); err != nil {
			return err
		}
		imm := instr.Imm.(wasm.BlockImm)
		params, results, err := w.blockSig(idx, imm.Type)
		if err != nil {
			return err
		}
		if err := w.checkFrameParams(idx, params); err != nil {
			return err
		}
		thenEdge := w.newEdge(w.stack, len(w.stack)-len(params), len(params), false)
		elseEdge := w.newEdge(w.stack, len(w.stack)-len(params), len(params), false)
		thenSeg := w.newSegment()
		elseSeg := w.newSegment()
		w.plan.Actions[idx].Post = thenEdge
		w.frames = append(w.frames, frame{
			opcode:     wasm.OpIf,
			params:     params,
			results:    results,
			base:       len(w.stack) - len(params),
			entryStack: copyStack(w.stack),
			headerSeg:  -1,
			elseSeg:    elseSeg,
			elseEdge:   elseEdge,
		})
		w.cur = thenSeg
		return nil

	case wasm.OpElse:
		f := &w.frames[len(w.frames)-1]
		if f.opcode != wasm.OpIf || f.elseSeen {
			return w.typeErr(idx, "else without matching if")
		}
		if !w.dead {
			if err := w.checkFrameResultsOf(idx, f); err != nil {
				return err
			}
			eID := w.newEdge(w.stack, f.base, len(f.results), false)
			w.plan.Actions[idx].Pre = eID
		}
		w.dead = false
		f.elseSeen = true
		w.stack = copyStack(f.entryStack)
		w.demoteLocals() // the then arm's local facts do not hold here
		w.plan.Actions[idx].Post = f.elseEdge
		w.cur = f.elseSeg
		return nil

	case wasm.OpEnd:
		return w.stepEnd(idx)

	case wasm.OpBr:
		imm := instr.Imm.(wasm.BranchImm)
		f, base, arity, exit, err := w.branchTarget(idx, imm.LabelIdx)
		if err != nil {
			return err
		}
		if err := w.checkBranchOperands(idx, f, arity); err != nil {
			return err
		}
		f.branched = true
		eID := w.newEdge(w.stack, base, arity, exit)
		w.plan.Actions[idx].Pre = eID
		w.dead = true
		return nil

	case wasm.OpBrIf:
		imm := instr.Imm.(wasm.BranchImm)
		if _, err := w.popExpect(idx, wasm.ValI32); err != nil {
			return err
		}
		f, base, arity, exit, err := w.branchTarget(idx, imm.LabelIdx)
		if err != nil {
			return err
		}
		if err := w.checkBranchOperands(idx, f, arity); err != nil {
			return err
		}
		f.branched = true
		taken := w.newEdge(w.stack, base, arity, exit)
		fall := w.newEdge(w.stack, len(w.stack), 0, false)
		w.plan.Actions[idx].Taken = taken
		w.plan.Actions[idx].Fall = fall
		w.cur = w.newSegment()
		return nil

	case wasm.OpBrTable:
		imm := instr.Imm.(wasm.BrTableImm)
		if _, err := w.popExpect(idx, wasm.ValI32); err != nil {
			return err
		}
		table := make([]int, 0, len(imm.Labels)+1)
		for _, label := range append(append([]uint32(nil), imm.Labels...), imm.Default) {
			f, base, arity, exit, err := w.branchTarget(idx, label)
			if err != nil {
				return err
			}
			if err := w.checkBranchOperands(idx, f, arity); err != nil {
				return err
			}
			f.branched = true
			table = append(table, w.newEdge(w.stack, base, arity, exit))
		}
		w.plan.Actions[idx].Table = table
		w.dead = true
		return nil

	case wasm.OpReturn:
		if err := w.checkReturnOperands(idx); err != nil {
			return err
		}
		eID := w.newEdge(w.stack, 0, len(w.plan.Type.Results), true)
		w.plan.Actions[idx].Pre = eID
		w.dead = true
		return nil

	case wasm.OpCall:
		imm := instr.Imm.(wasm.CallImm)
		numImported := uint32(w.m.NumImportedFuncs())
		if imm.FuncIdx < numImported {
			return ferrors.Unsupported(ferrors.PhasePlan, w.offset(idx), "call to imported function")
		}
		ft := w.m.GetFuncType(imm.FuncIdx)
		if ft == nil {
			return w.typeErr(idx, "call target %d out of range", imm.FuncIdx)
		}
		for i := len(ft.Params) - 1; i >= 0; i-- {
			if _, err := w.popExpect(idx, ft.Params[i]); err != nil {
				return err
			}
		}
		for _, rt := range ft.Results {
			w.push(rt, Value{Kind: ValueExpr, Instr: idx})
		}
		w.addToSegment(idx)
		return nil

	case wasm.OpDrop:
		if _, err := w.pop(idx); err != nil {
			return err
		}
		w.addToSegment(idx)
		return nil

	case wasm.OpSelect, wasm.OpSelectType:
		if _, err := w.popExpect(idx, wasm.ValI32); err != nil {
			return err
		}
		b, err := w.pop(idx)
		if err != nil {
			return err
		}
		a, err := w.popExpect(idx, b.Type)
		if err != nil {
			return err
		}
		if imm, ok := instr.Imm.(wasm.SelectTypeImm); ok && len(imm.Types) == 1 && imm.Types[0] != a.Type {
			return w.typeErr(idx, "select annotation %s does not match operand %s", imm.Types[0], a.Type)
		}
		w.push(a.Type, Value{Kind: ValueExpr, Instr: idx})
		w.addToSegment(idx)
		return nil

	case wasm.OpLocalGet:
		imm := instr.Imm.(wasm.LocalImm)
		t, err := w.localType(idx, imm.LocalIdx)
		if err != nil {
			return err
		}
		v := w.locals[imm.LocalIdx]
		if v.Kind == ValueParam {
			// The slot still holds the unmodified parameter; the value is
			// now also flowing as an expression.
			w.locals[imm.LocalIdx] = Value{Kind: ValueExpr, Instr: idx}
		}
		w.push(t, v)
		w.addToSegment(idx)
		return nil

	case wasm.OpLocalSet:
		imm := instr.Imm.(wasm.LocalImm)
		t, err := w.localType(idx, imm.LocalIdx)
		if err != nil {
			return err
		}
		s, err := w.popExpect(idx, t)
		if err != nil {
			return err
		}
		w.locals[imm.LocalIdx] = s.Val
		w.addToSegment(idx)
		return nil

	case wasm.OpLocalTee:
		imm := instr.Imm.(wasm.LocalImm)
		t, err := w.localType(idx, imm.LocalIdx)
		if err != nil {
			return err
		}
		s, err := w.popExpect(idx, t)
		if err != nil {
			return err
		}
		w.locals[imm.LocalIdx] = s.Val
		w.push(t, s.Val)
		w.addToSegment(idx)
		return nil

	case wasm.OpGlobalGet:
		imm := instr.Imm.(wasm.GlobalImm)
		gt := w.m.GlobalTypeAt(imm.GlobalIdx)
		if gt == nil {
			return w.typeErr(idx, "global %d out of range", imm.GlobalIdx)
		}
		w.push(gt.ValType, Value{Kind: ValueExpr, Instr: idx})
		w.addToSegment(idx)
		return nil

	case wasm.OpGlobalSet:
		imm := instr.Imm.(wasm.GlobalImm)
		gt := w.m.GlobalTypeAt(imm.GlobalIdx)
		if gt == nil {
			return w.typeErr(idx, "global %d out of range", imm.GlobalIdx)
		}
		if !gt.Mutable {
			return w.typeErr(idx, "global %d is immutable", imm.GlobalIdx)
		}
		if _, err := w.popExpect(idx, gt.ValType); err != nil {
			return err
		}
		w.addToSegment(idx)
		return nil

	case wasm.OpMemorySize:
		if err := w.checkMemIdx(idx, instr.Imm.(wasm.MemoryIdxImm).MemIdx); err != nil {
			return err
		}
		w.push(wasm.ValI32, Value{Kind: ValueExpr, Instr: idx})
		w.addToSegment(idx)
		return nil

	case wasm.OpMemoryGrow:
		if err := w.checkMemIdx(idx, instr.Imm.(wasm.MemoryIdxImm).MemIdx); err != nil {
			return err
		}
		if _, err := w.popExpect(idx, wasm.ValI32); err != nil {
			return err
		}
		w.push(wasm.ValI32, Value{Kind: ValueExpr, Instr: idx})
		w.addToSegment(idx)
		return nil
	}

	if t, ok := LoadType(instr.Opcode); ok {
		imm := instr.Imm.(wasm.MemoryImm)
		if err := w.checkMemIdx(idx, imm.MemIdx); err != nil {
			return err
		}
		if _, err := w.popExpect(idx, wasm.ValI32); err != nil {
			return err
		}
		w.push(t, Value{Kind: ValueExpr, Instr: idx})
		w.addToSegment(idx)
		return nil
	}
	if t, ok := StoreType(instr.Opcode); ok {
		imm := instr.Imm.(wasm.MemoryImm)
		if err := w.checkMemIdx(idx, imm.MemIdx); err != nil {
			return err
		}
		if _, err := w.popExpect(idx, t); err != nil {
			return err
		}
		if _, err := w.popExpect(idx, wasm.ValI32); err != nil {
			return err
		}
		w.addToSegment(idx)
		return nil
	}

	if pops, push, hasPush, ok := simpleEffect(instr.Opcode); ok {
		var operands []Slot
		for i := len(pops) - 1; i >= 0; i-- {
			s, err := w.popExpect(idx, pops[i])
			if err != nil {
				return err
			}
			operands = append([]Slot{s}, operands...)
		}

		v := Value{Kind: ValueExpr, Instr: idx}
		switch instr.Opcode {
		case wasm.OpF32Const:
			c := float64(instr.Imm.(wasm.F32Imm).Value)
			v.Const = &c
		case wasm.OpF64Const:
			c := instr.Imm.(wasm.F64Imm).Value
			v.Const = &c
		case wasm.OpF32Mul, wasm.OpF64Mul:
			// Constant operands are re-derived in the backward pass
			// instead of occupying tape slots.
			w.plan.Needs[idx] = MulNeed{
				AConst: operands[0].Val.ConstOrZero(),
				BConst: operands[1].Val.ConstOrZero(),
			}
		}
		if hasPush {
			w.push(push, v)
		}
		w.addToSegment(idx)
		return nil
	}

	return ferrors.Unsupported(ferrors.PhasePlan, w.offset(idx),
		fmt.Sprintf("opcode 0x%02x", instr.Opcode))
}

func (w *walker) stepEnd(idx int) error {
	f := w.frames[len(w.frames)-1]
	w.frames = w.frames[:len(w.frames)-1]

	switch f.opcode {
	case 0:
		// Function frame: the final end. Fallthrough is a function exit.
		if !w.dead {
			if err := w.checkReturnOperands(idx); err != nil {
				return err
			}
			eID := w.newEdge(w.stack, 0, len(w.plan.Type.Results), true)
			w.plan.Actions[idx].Pre = eID
		}
		w.dead = false
		return nil

	case wasm.OpLoop:
		if !w.dead {
			if err := w.checkFrameResultsOf(idx, &f); err != nil {
				return err
			}
		}
		// Falling out of a loop has a single predecessor, so the current
		// segment continues. Branches target the loop header, not its end:
		// a body that never falls through leaves the code after it dead.
		w.restoreStack(&f)
		return nil

	case wasm.OpBlock:
		reachable := f.branched || !w.dead
		if !w.dead {
			if err := w.checkFrameResultsOf(idx, &f); err != nil {
				return err
			}
			eID := w.newEdge(w.stack, f.base, len(f.results), false)
			w.plan.Actions[idx].Pre = eID
		}
		w.restoreStack(&f)
		w.dead = !reachable
		if reachable {
			w.cur = w.newSegment()
		}
		return nil

	case wasm.OpIf:
		if !f.elseSeen {
			// No else arm: the false path flows straight from the head to
			// the join through a synthesized empty else.
			if len(f.params) != len(f.results) {
				return w.typeErr(idx, "if without else must have matching parameter and result types")
			}
			if !w.dead {
				if err := w.checkFrameResultsOf(idx, &f); err != nil {
					return err
				}
				eID := w.newEdge(w.stack, f.base, len(f.results), false)
				w.plan.Actions[idx].Pre = eID
			}
			w.plan.Actions[idx].SynthElse = f.elseEdge
			w.restoreStack(&f)
			w.dead = false // the empty else always reaches the join
			w.cur = w.newSegment()
			return nil
		}

		if !w.dead {
			if err := w.checkFrameResultsOf(idx, &f); err != nil {
				return err
			}
			eID := w.newEdge(w.stack, f.base, len(f.results), false)
			w.plan.Actions[idx].Pre = eID
		}
		// The then arm's exit edge was recorded at the else instruction.
		// The join is treated as reachable; an unreachable join only costs
		// dispatch edges that never fire.
		w.restoreStack(&f)
		w.dead = false
		w.cur = w.newSegment()
		return nil
	}

	return w.typeErr(idx, "unbalanced end")
}

// restoreStack resets the abstract stack to the frame's base plus its
// results, recomputing float indices. Joins merge paths with different
// local histories, so symbolic local facts are demoted as well.
func (w *walker) restoreStack(f *frame) {
	w.stack = copyStack(f.entryStack[:f.base])
	for _, rt := range f.results {
		w.push(rt, Value{Kind: ValueExpr, Instr: -1})
	}
	w.demoteLocals()
}

// demoteLocals forgets parameter and known-zero facts about locals.
// Called at control-flow merge points, where a fact established on one
// path need not hold on another.
func (w *walker) demoteLocals() {
	for i := range w.locals {
		w.locals[i] = Value{Kind: ValueExpr, Instr: -1}
	}
}

func (w *walker) checkFrameParams(idx int, params []wasm.ValType) error {
	if len(w.stack) < len(params) {
		return w.typeErr(idx, "block parameter stack underflow")
	}
	top := w.stack[len(w.stack)-len(params):]
	for i := range params {
		if top[i].Type != params[i] {
			return w.typeErr(idx, "block parameter %d: expected %s, found %s", i, params[i], top[i].Type)
		}
	}
	return nil
}

func (w *walker) checkFrameResultsOf(idx int, f *frame) error {
	if len(w.stack) != f.base+len(f.results) {
		return w.typeErr(idx, "block leaves %d values, expected %d", len(w.stack)-f.base, len(f.results))
	}
	for i, rt := range f.results {
		if w.stack[f.base+i].Type != rt {
			return w.typeErr(idx, "block result %d: expected %s, found %s", i, rt, w.stack[f.base+i].Type)
		}
	}
	return nil
}

func (w *walker) checkReturnOperands(idx int) error {
	results := w.plan.Type.Results
	if len(w.stack) < len(results) {
		return w.typeErr(idx, "return with %d values, expected %d", len(w.stack), len(results))
	}
	top := w.stack[len(w.stack)-len(results):]
	for i, rt := range results {
		if top[i].Type != rt {
			return w.typeErr(idx, "return value %d: expected %s, found %s", i, rt, top[i].Type)
		}
	}
	return nil
}

func (w *walker) localType(idx int, localIdx uint32) (wasm.ValType, error) {
	if int(localIdx) >= len(w.plan.Locals) {
		return 0, w.typeErr(idx, "local %d out of range", localIdx)
	}
	return w.plan.Locals[localIdx], nil
}

func (w *walker) checkMemIdx(idx int, memIdx uint32) error {
	if int(memIdx) >= w.m.NumMemories() {
		return w.typeErr(idx, "memory %d out of range", memIdx)
	}
	return nil
}
