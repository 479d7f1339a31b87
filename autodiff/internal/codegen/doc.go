// Package codegen provides WASM bytecode emission for the differentiation
// transformer.
//
// The Emitter is the single bytecode construction primitive shared by the
// module plan (helper synthesis), the forward-pass emitter, the backward
// dispatch machine, and the forward-mode rewriter.
//
// This package is internal to the autodiff transformer.
package codegen
