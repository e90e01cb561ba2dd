package model

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestError_Is(t *testing.T) {
	err := NewError(KindTimeout, "call_a", "no completion after %s", "1h")
	wrapped := fmt.Errorf("run: %w", err)

	if !errors.Is(wrapped, ErrTimeout) {
		t.Error("expected errors.Is(wrapped, ErrTimeout)")
	}
	if errors.Is(wrapped, ErrJobFailed) {
		t.Error("timeout must not match ErrJobFailed")
	}
	if got := KindOf(wrapped); got != KindTimeout {
		t.Errorf("KindOf = %q, want %q", got, KindTimeout)
	}
	if got := KindOf(errors.New("plain")); got != "" {
		t.Errorf("KindOf(plain) = %q, want empty", got)
	}
}

func TestError_Message(t *testing.T) {
	cause := errors.New("sbatch: command not found")
	err := WrapError(KindSubmissionError, "copy_1", cause)

	msg := err.Error()
	for _, want := range []string{"SUBMISSION_ERROR", "copy_1", "command not found"} {
		if !strings.Contains(msg, want) {
			t.Errorf("Error() = %q, missing %q", msg, want)
		}
	}
	if !errors.Is(err, cause) {
		t.Error("expected cause to be reachable through Unwrap")
	}
	if got := ErrInvalidSampleCount.Error(); got != "INVALID_SAMPLE_COUNT" {
		t.Errorf("bare kind message = %q", got)
	}
}

func TestInvalidTransitionError(t *testing.T) {
	err := &InvalidTransitionError{Entity: "unit", ID: "u1", From: "PENDING", To: "SUCCEEDED"}
	msg := err.Error()
	if !strings.Contains(msg, "PENDING") || !strings.Contains(msg, "SUCCEEDED") {
		t.Errorf("unexpected message: %s", msg)
	}
}
