// Package wasm decodes, validates, and encodes WebAssembly binary modules
// for the subset the differentiation transformer accepts: MVP core plus
// multi-value results and multi-memory.
//
// The decoder produces a Module whose function bodies keep instructions in
// original order as raw bytes; DecodeInstructions turns a body into a slice
// of Instruction values with typed immediates and byte offsets for
// diagnostics. Constructs from unsupported proposals (SIMD, atomics, GC,
// exception handling, tail calls, reference types) decode far enough to be
// named in an UnsupportedError and no further.
package wasm
