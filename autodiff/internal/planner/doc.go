// Package planner performs the per-function analysis that drives both
// emission passes: an abstract interpretation of the operand stack with
// symbolic value tags, full body type checking, the decomposition of
// structured control flow into straight-line segments, and the edge set
// the backward pass replays from the i32 tape.
//
// This package is internal to the autodiff transformer.
package planner
