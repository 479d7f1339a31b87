// Package plan allocates the transformed module's identifier space: the
// three tape memories and their bump-pointer globals, one shadow memory
// per user memory, shadow globals for floating-point globals, the reverse
// dispatch type, and the synthesized tape and operation helper functions.
//
// This package is internal to the autodiff transformer.
package plan
