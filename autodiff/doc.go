// Package autodiff transforms WebAssembly binary modules for automatic
// differentiation.
//
// Reverse mode augments each function's forward pass with a tape — three
// bump-allocated memories holding saved operands, selection bits, and
// control-flow edges — and synthesizes a backward pass per function that
// consumes the tape strictly last-in first-out, mapping output cotangents
// to input cotangents. Every floating-point local, global, and memory
// byte gets a shadow counterpart accumulating its cotangent.
//
// Forward mode rewrites each function in place to the dual signature,
// propagating directional derivatives alongside primals with no tape.
//
// The transformation is module bytes in, module bytes out:
//
//	var cfg autodiff.Config
//	cfg.AddExport("square", "backprop")
//	out, err := autodiff.Reverse(moduleBytes, cfg)
//
// The input subset is MVP core plus multi-value results and multi-memory;
// SIMD, reference types, GC, exception handling, atomics, tail calls, and
// call_indirect are rejected with an unsupported-feature error carrying
// the byte offset of the offending construct.
package autodiff
