// Package dual implements the forward-mode transform: every function is
// rewritten in place to propagate a directional derivative alongside each
// floating-point primal, with dual parameters and results interleaved
// into the signature, dual twins for float locals and globals, and shadow
// memories carrying the derivative of every stored float.
//
// This package is internal to the autodiff transformer.
package dual
