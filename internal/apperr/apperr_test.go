package apperr

import (
	"errors"
	"fmt"
	"testing"
)

func TestNewAndError(t *testing.T) {
	err := New(UnknownIdentity, "identity %q not found", "alice")
	if err.Kind != UnknownIdentity {
		t.Errorf("Kind = %v, want %v", err.Kind, UnknownIdentity)
	}
	want := `UnknownIdentity: identity "alice" not found`
	if got := err.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestWrapIncludesCause(t *testing.T) {
	cause := errors.New("disk full")
	err := Wrap(CorruptedData, cause, "save snapshot")
	if err.Unwrap() != cause {
		t.Error("Unwrap() did not return the wrapped cause")
	}
	if got := err.Error(); got == "" {
		t.Error("Error() returned empty string")
	}
}

func TestKindOfAppError(t *testing.T) {
	err := New(Duplicate, "already present")
	if got := KindOf(err); got != Duplicate {
		t.Errorf("KindOf() = %v, want %v", got, Duplicate)
	}
}

func TestKindOfWrappedAppError(t *testing.T) {
	inner := New(NotTrusted, "no positive score")
	wrapped := fmt.Errorf("operation failed: %w", inner)
	if got := KindOf(wrapped); got != NotTrusted {
		t.Errorf("KindOf() through fmt.Errorf wrap = %v, want %v", got, NotTrusted)
	}
}

func TestKindOfForeignError(t *testing.T) {
	if got := KindOf(errors.New("boom")); got != Fatal {
		t.Errorf("KindOf() of foreign error = %v, want %v", got, Fatal)
	}
}

func TestKindOfNil(t *testing.T) {
	if got := KindOf(nil); got != Fatal {
		t.Errorf("KindOf(nil) = %v, want %v", got, Fatal)
	}
}

func TestAsFindsWrappedError(t *testing.T) {
	inner := New(TrustGraphTooLarge, "too many identities")
	wrapped := fmt.Errorf("recompute: %w", inner)

	var target *Error
	if !As(wrapped, &target) {
		t.Fatal("As() failed to find wrapped *Error")
	}
	if target.Kind != TrustGraphTooLarge {
		t.Errorf("As() target.Kind = %v, want %v", target.Kind, TrustGraphTooLarge)
	}
}

func TestLoggableAtError(t *testing.T) {
	loggable := []Kind{Duplicate, CorruptedData, Fatal}
	for _, k := range loggable {
		if !k.LoggableAtError() {
			t.Errorf("%v.LoggableAtError() = false, want true", k)
		}
	}
	quiet := []Kind{InvalidParameter, UnknownIdentity, UnknownPuzzle, UnknownSubscription,
		NoSuchContext, NotTrusted, NotInTrustTree, SubscriptionExists, Transient, TrustGraphTooLarge}
	for _, k := range quiet {
		if k.LoggableAtError() {
			t.Errorf("%v.LoggableAtError() = true, want false", k)
		}
	}
}
