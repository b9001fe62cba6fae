package domain

import (
	"errors"
	"testing"
)

func TestPriorityRoundTrip(t *testing.T) {
	for _, p := range AllPriorities {
		parsed, err := ParsePriority(p.String())
		if err != nil {
			t.Fatalf("ParsePriority(%s): %v", p, err)
		}
		if parsed != p {
			t.Errorf("ParsePriority(%s) = %d, want %d", p, parsed, p)
		}
	}

	if _, err := ParsePriority("URGENT"); !errors.Is(err, ErrInvalidSpec) {
		t.Errorf("expected ErrInvalidSpec for unknown priority, got %v", err)
	}
}

func TestTerminalStates(t *testing.T) {
	terminal := map[Status]bool{
		StatusCompleted: true,
		StatusFailed:    true,
		StatusDead:      true,
		StatusCancelled: true,
	}
	for _, st := range []Status{StatusPending, StatusReserved, StatusRunning, StatusRetrying,
		StatusCompleted, StatusFailed, StatusDead, StatusCancelled} {
		if st.Terminal() != terminal[st] {
			t.Errorf("%s.Terminal() = %v", st, st.Terminal())
		}
	}
}

func TestCanTransition(t *testing.T) {
	allowed := []struct{ from, to Status }{
		{StatusPending, StatusReserved},
		{StatusReserved, StatusRunning},
		{StatusRunning, StatusCompleted},
		{StatusRunning, StatusRetrying},
		{StatusRunning, StatusFailed},
		{StatusRetrying, StatusPending},
		{StatusPending, StatusCancelled},
		{StatusFailed, StatusPending},
		{StatusDead, StatusPending},
	}
	for _, tc := range allowed {
		if !CanTransition(tc.from, tc.to) {
			t.Errorf("expected %s -> %s to be legal", tc.from, tc.to)
		}
	}

	denied := []struct{ from, to Status }{
		{StatusCompleted, StatusPending},
		{StatusCancelled, StatusRunning},
		{StatusPending, StatusRunning},
		{StatusRunning, StatusReserved},
	}
	for _, tc := range denied {
		if CanTransition(tc.from, tc.to) {
			t.Errorf("expected %s -> %s to be illegal", tc.from, tc.to)
		}
	}
}

func TestContentHashJobIDStable(t *testing.T) {
	args := []any{"a", float64(1)}
	kwargs := map[string]any{"user": "42"}

	first := ContentHashJobID("sync_user", args, kwargs, "nonce-1")
	second := ContentHashJobID("sync_user", args, kwargs, "nonce-1")
	if first != second {
		t.Errorf("identical submissions hashed differently: %s vs %s", first, second)
	}

	other := ContentHashJobID("sync_user", args, kwargs, "nonce-2")
	if first == other {
		t.Error("different nonces produced the same id")
	}
}

func TestErrorRecordTruncatesStack(t *testing.T) {
	huge := make([]byte, 64<<10)
	for i := range huge {
		huge[i] = 'x'
	}
	rec := NewErrorRecord(ErrKindTaskExecution, "boom", string(huge))
	if len(rec.Stack) != maxStackBytes {
		t.Errorf("stack length %d, want %d", len(rec.Stack), maxStackBytes)
	}
}

func TestRetryClassificationHelpers(t *testing.T) {
	base := errors.New("net timeout")
	if IsRetryable(base) {
		t.Error("bare error must not be retryable")
	}
	if !IsRetryable(Transient(base)) {
		t.Error("Transient-wrapped error must be retryable")
	}
	if !errors.Is(Transient(base), base) {
		t.Error("Transient must preserve the wrapped error")
	}

	if !IsPanic(PanicError{Value: "boom"}) {
		t.Error("expected IsPanic to detect PanicError")
	}
	if IsPanic(base) {
		t.Error("IsPanic misfired on plain error")
	}
}
