package errorutil

import (
	"errors"
	"fmt"
	"testing"
)

func TestWrapKeepsTypedError(t *testing.T) {
	orig := NonRetriable("bad field")
	wrapped := fmt.Errorf("handler: %w", orig)

	got := Wrap(wrapped)
	if got != orig {
		t.Fatalf("expected the original *Error back, got %+v", got)
	}
	if got.Retryable {
		t.Fatalf("expected non-retryable")
	}
}

func TestWrapPlainErrorIsNonRetryable(t *testing.T) {
	got := Wrap(errors.New("boom"))
	if got.Retryable {
		t.Fatalf("plain errors must default to non-retryable")
	}
	if got.Code != 500 {
		t.Fatalf("expected code 500, got %d", got.Code)
	}
	if Wrap(nil) != nil {
		t.Fatalf("expected nil for nil error")
	}
}

func TestSystemIssueUnwrapsCause(t *testing.T) {
	cause := errors.New("store timeout")
	err := fmt.Errorf("persist: %w", SystemIssue("retries exhausted", cause))

	if !errors.Is(err, cause) {
		t.Fatalf("expected errors.Is to reach the cause")
	}
	if !IsRetryable(err) {
		t.Fatalf("expected system issue to be retryable")
	}
	if !IsSystemIssue(err) {
		t.Fatalf("expected system issue category")
	}
	if IsSystemIssue(NonRetriable("x")) {
		t.Fatalf("input errors are not system issues")
	}
}
