// Package errors defines the structured error taxonomy for the
// differentiation transformer: invalid modules, unsupported features,
// type mismatches, and internal invariant violations, each tagged with
// the pipeline phase and the byte offset where detection occurred.
package errors
