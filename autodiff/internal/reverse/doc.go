// Package reverse emits the two halves of the reverse-mode transform:
// the forward pass, which interleaves the original computation with tape
// pushes and control-flow edge tags, and the backward pass, a dispatch
// state machine that replays the recorded edges in reverse and
// accumulates cotangents into shadow storage.
//
// This package is internal to the autodiff transformer.
package reverse
