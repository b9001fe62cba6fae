package task

import (
	"context"
	"errors"
	"testing"

	"github.com/relayq/relayq/internal/domain"
)

func noopHandler(ctx context.Context, jc *JobContext) (any, error) {
	return nil, nil
}

func TestRegisterAndLookup(t *testing.T) {
	r := NewRegistry()

	if err := r.Register("emails.send", "", noopHandler, Config{}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	entry, err := r.Lookup("emails.send", "")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if entry.Config.MaxAttempts != domain.DefaultMaxAttempts {
		t.Errorf("MaxAttempts default = %d, want %d", entry.Config.MaxAttempts, domain.DefaultMaxAttempts)
	}
	if entry.Config.Retry.BaseDelay == 0 {
		t.Error("retry policy default not applied")
	}

	if !r.Has("emails.send") {
		t.Error("Has must report registered task")
	}
	if r.Has("emails.bounce") {
		t.Error("Has misfired on unknown task")
	}
}

func TestLookupVersioning(t *testing.T) {
	r := NewRegistry()
	if err := r.Register("resize", "v1", noopHandler, Config{}); err != nil {
		t.Fatal(err)
	}
	if err := r.Register("resize", "v2", noopHandler, Config{}); err != nil {
		t.Fatal(err)
	}

	entry, err := r.Lookup("resize", "v2")
	if err != nil {
		t.Fatalf("Lookup v2: %v", err)
	}
	if entry.Version != "v2" {
		t.Errorf("version = %s, want v2", entry.Version)
	}

	if _, err := r.Lookup("resize", "v3"); !errors.Is(err, ErrVersionMismatch) {
		t.Errorf("expected ErrVersionMismatch, got %v", err)
	}
	// Two versions and no unversioned entry: an explicit version is required.
	if _, err := r.Lookup("resize", ""); !errors.Is(err, ErrVersionMismatch) {
		t.Errorf("expected ErrVersionMismatch for ambiguous lookup, got %v", err)
	}
	if _, err := r.Lookup("ghost", ""); !errors.Is(err, ErrTaskNotFound) {
		t.Errorf("expected ErrTaskNotFound, got %v", err)
	}
}

func TestDuplicateRegistration(t *testing.T) {
	r := NewRegistry()
	if err := r.Register("once", "", noopHandler, Config{}); err != nil {
		t.Fatal(err)
	}
	if err := r.Register("once", "", noopHandler, Config{}); !errors.Is(err, ErrDuplicateTask) {
		t.Errorf("expected ErrDuplicateTask, got %v", err)
	}
}

func TestMiddlewareChainOrder(t *testing.T) {
	r := NewRegistry()
	var trace []string

	wrap := func(name string) Middleware {
		return func(next Handler) Handler {
			return func(ctx context.Context, jc *JobContext) (any, error) {
				trace = append(trace, name+":before")
				res, err := next(ctx, jc)
				trace = append(trace, name+":after")
				return res, err
			}
		}
	}

	err := r.Register("traced", "", func(ctx context.Context, jc *JobContext) (any, error) {
		trace = append(trace, "handler")
		return nil, nil
	}, Config{Middleware: []Middleware{wrap("outer"), wrap("inner")}})
	if err != nil {
		t.Fatal(err)
	}

	entry, err := r.Lookup("traced", "")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := entry.Invoke(context.Background(), &JobContext{}); err != nil {
		t.Fatal(err)
	}

	want := []string{"outer:before", "inner:before", "handler", "inner:after", "outer:after"}
	if len(trace) != len(want) {
		t.Fatalf("trace = %v, want %v", trace, want)
	}
	for i := range want {
		if trace[i] != want[i] {
			t.Fatalf("trace = %v, want %v", trace, want)
		}
	}
}

func TestRetryablePredicate(t *testing.T) {
	r := NewRegistry()
	sentinel := errors.New("permanent")
	err := r.Register("picky", "", noopHandler, Config{
		Retryable: func(err error) bool { return !errors.Is(err, sentinel) },
	})
	if err != nil {
		t.Fatal(err)
	}

	entry, _ := r.Lookup("picky", "")
	if entry.RetryableError(sentinel) {
		t.Error("predicate should classify sentinel as terminal")
	}
	if !entry.RetryableError(errors.New("other")) {
		t.Error("predicate should classify other errors as retryable")
	}

	plain, _ := r.Lookup("picky", "")
	_ = plain
	def := &Entry{Config: Config{}}
	if !def.RetryableError(sentinel) {
		t.Error("default predicate retries everything")
	}
}

func TestListSorted(t *testing.T) {
	r := NewRegistry()
	_ = r.Register("b", "", noopHandler, Config{})
	_ = r.Register("a", "v2", noopHandler, Config{})
	_ = r.Register("a", "v1", noopHandler, Config{})

	entries := r.List()
	if len(entries) != 3 {
		t.Fatalf("len = %d", len(entries))
	}
	if entries[0].Name != "a" || entries[0].Version != "v1" ||
		entries[1].Version != "v2" || entries[2].Name != "b" {
		t.Errorf("unexpected order: %v", entries)
	}
}
