package errors

import (
	"fmt"
	"strings"
)

// Phase indicates where in the transformation pipeline the error occurred.
type Phase string

const (
	PhaseDecode   Phase = "decode"   // binary parsing
	PhaseValidate Phase = "validate" // module validation
	PhasePlan     Phase = "plan"     // module plan / tape planner
	PhaseForward  Phase = "forward"  // forward-pass emission (reverse mode)
	PhaseBackward Phase = "backward" // backward-pass emission
	PhaseDual     Phase = "dual"     // forward-mode rewriting
	PhaseEncode   Phase = "encode"   // binary assembly
	PhaseCLI      Phase = "cli"      // command-line front end
)

// Kind categorizes the error.
type Kind string

const (
	KindInvalidModule Kind = "invalid_module"
	KindUnsupported   Kind = "unsupported"
	KindTypeMismatch  Kind = "type_mismatch"
	KindInternal      Kind = "internal"
	KindIO            Kind = "io"
	KindUsage         Kind = "usage"
)

// Error is the structured error type used throughout the transformer.
// Offset, when non-negative, is the byte offset into the input module
// where detection occurred.
type Error struct {
	Cause  error
	Phase  Phase
	Kind   Kind
	Detail string
	Path   []string
	Offset int
}

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder

	b.WriteByte('[')
	b.WriteString(string(e.Phase))
	b.WriteString("] ")
	b.WriteString(string(e.Kind))

	if len(e.Path) > 0 {
		b.WriteString(" at ")
		b.WriteString(strings.Join(e.Path, "."))
	}
	if e.Offset >= 0 {
		fmt.Fprintf(&b, " (offset %d)", e.Offset)
	}
	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}
	if e.Cause != nil {
		b.WriteString(" (caused by: ")
		b.WriteString(e.Cause.Error())
		b.WriteByte(')')
	}

	return b.String()
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target matches this error by phase and kind.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Phase == t.Phase && e.Kind == t.Kind
	}
	return false
}

// Builder provides structured error construction.
type Builder struct {
	err Error
}

// New creates a new error builder.
func New(phase Phase, kind Kind) *Builder {
	return &Builder{err: Error{Phase: phase, Kind: kind, Offset: -1}}
}

// Path sets the location path (function name or index, instruction site).
func (b *Builder) Path(path ...string) *Builder {
	b.err.Path = path
	return b
}

// Offset sets the byte offset in the input module.
func (b *Builder) Offset(off int) *Builder {
	b.err.Offset = off
	return b
}

// Cause sets the underlying error.
func (b *Builder) Cause(err error) *Builder {
	b.err.Cause = err
	return b
}

// Detail sets the human-readable detail message.
func (b *Builder) Detail(msg string, args ...any) *Builder {
	if len(args) > 0 {
		b.err.Detail = fmt.Sprintf(msg, args...)
	} else {
		b.err.Detail = msg
	}
	return b
}

// Build returns the constructed error.
func (b *Builder) Build() *Error {
	return &b.err
}

// Convenience constructors for common patterns.

// InvalidModule creates an invalid-module error at the given offset.
func InvalidModule(phase Phase, offset int, detail string) *Error {
	return &Error{Phase: phase, Kind: KindInvalidModule, Offset: offset, Detail: detail}
}

// Unsupported creates an unsupported-feature error at the given offset.
func Unsupported(phase Phase, offset int, feature string) *Error {
	return &Error{Phase: phase, Kind: KindUnsupported, Offset: offset, Detail: feature}
}

// TypeMismatch creates a body type-check failure at the given offset.
func TypeMismatch(phase Phase, offset int, detail string) *Error {
	return &Error{Phase: phase, Kind: KindTypeMismatch, Offset: offset, Detail: detail}
}

// Internal creates an internal invariant violation. Surfaced to callers
// with invalid-module semantics: the emitted module would not validate.
func Internal(phase Phase, detail string) *Error {
	return &Error{Phase: phase, Kind: KindInternal, Offset: -1, Detail: detail}
}

// IsKind reports whether err is a *Error of the given kind.
func IsKind(err error, kind Kind) bool {
	for err != nil {
		if e, ok := err.(*Error); ok && e.Kind == kind {
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
