package errors

import (
	stderrors "errors"
	"strings"
	"testing"
)

func TestErrorFormatting(t *testing.T) {
	err := New(PhasePlan, KindUnsupported).
		Offset(42).
		Path("func 3").
		Detail("SIMD").
		Build()

	msg := err.Error()
	for _, want := range []string{"[plan]", "unsupported", "func 3", "offset 42", "SIMD"} {
		if !strings.Contains(msg, want) {
			t.Errorf("message %q missing %q", msg, want)
		}
	}
}

func TestErrorOmitsNegativeOffset(t *testing.T) {
	err := Internal(PhaseBackward, "stack imbalance")
	if strings.Contains(err.Error(), "offset") {
		t.Errorf("internal error should not mention an offset: %q", err.Error())
	}
}

func TestErrorIs(t *testing.T) {
	err := Unsupported(PhaseDecode, 7, "atomics")
	if !stderrors.Is(err, &Error{Phase: PhaseDecode, Kind: KindUnsupported}) {
		t.Error("Is should match on phase and kind")
	}
	if stderrors.Is(err, &Error{Phase: PhasePlan, Kind: KindUnsupported}) {
		t.Error("Is should not match a different phase")
	}
}

func TestUnwrap(t *testing.T) {
	cause := stderrors.New("root cause")
	err := New(PhaseEncode, KindInvalidModule).Cause(cause).Build()
	if !stderrors.Is(err, cause) {
		t.Error("wrapped cause should be reachable")
	}
	if !strings.Contains(err.Error(), "root cause") {
		t.Errorf("message should include cause: %q", err.Error())
	}
}

func TestIsKind(t *testing.T) {
	err := TypeMismatch(PhasePlan, 12, "expected f64")
	if !IsKind(err, KindTypeMismatch) {
		t.Error("IsKind should match direct errors")
	}
	if IsKind(err, KindUnsupported) {
		t.Error("IsKind should not match a different kind")
	}
	if IsKind(nil, KindUnsupported) {
		t.Error("IsKind(nil) should be false")
	}
}
