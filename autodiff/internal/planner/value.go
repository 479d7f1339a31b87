package planner

import "github.com/wippyai/floretta/wasm"

// ValueKind tags the symbolic origin of an abstract stack value.
type ValueKind byte

const (
	// ValueParam marks a parameter that has been neither read nor
	// overwritten; its first local.get retags the local as ValueExpr.
	ValueParam ValueKind = iota
	// ValueVoid marks a non-value (empty block result).
	ValueVoid
	// ValueDefault marks a zero-initialized local that has never been
	// written; its value is known to be zero.
	ValueDefault
	// ValueExpr marks a value produced by an instruction.
	ValueExpr
)

// Value is the planner's symbolic tag for a stack or local slot.
type Value struct {
	Const *float64 // re-derivable constant, set for const instructions
	Instr int      // producing instruction index for ValueExpr
	Kind  ValueKind
}

// ConstOrZero returns the constant this value re-derives to, or nil.
// Default-valued locals are known zeros.
func (v Value) ConstOrZero() *float64 {
	if v.Kind == ValueDefault {
		zero := 0.0
		return &zero
	}
	return v.Const
}

// Slot is one abstract operand-stack entry: its type, its index among the
// float-typed slots below it (-1 for integer slots), and its symbolic value.
type Slot struct {
	Val      Value
	FloatIdx int
	Type     wasm.ValType
}

// SlotKey identifies the cotangent (or dual) storage local for a stack
// position. Slots at the same float position with different numeric types
// get distinct storage.
type SlotKey struct {
	FloatIdx int
	Type     wasm.ValType
}

// Key returns the storage key for a float slot.
func (s Slot) Key() SlotKey {
	return SlotKey{FloatIdx: s.FloatIdx, Type: s.Type}
}

func copyStack(stack []Slot) []Slot {
	out := make([]Slot, len(stack))
	copy(out, stack)
	return out
}

func countFloats(stack []Slot) int {
	n := 0
	for _, s := range stack {
		if s.Type.IsFloat() {
			n++
		}
	}
	return n
}
