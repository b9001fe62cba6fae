package worker

import (
	"context"
	"log/slog"

	"github.com/relayq/relayq/internal/domain"
)

// ErrorHandler observes job failures and panics for telemetry and alerting
// integrations. Handlers must not alter state transitions; the retry
// decision is data-driven in the queue.
type ErrorHandler interface {
	// HandleError is called when a handler returns an error, before the
	// failure is recorded.
	HandleError(ctx context.Context, job *domain.Job, err error)

	// HandlePanic is called with the recovered value and stack trace when
	// a handler panics.
	HandlePanic(ctx context.Context, jobID string, panicVal any, stackTrace string)
}

// LogErrorHandler is the default: structured logging only.
type LogErrorHandler struct{}

func (h *LogErrorHandler) HandleError(ctx context.Context, job *domain.Job, err error) {
	slog.ErrorContext(ctx, "job execution failed",
		slog.String("job_id", job.ID),
		slog.String("task", job.TaskName),
		slog.Int("attempt", job.Attempt),
		slog.String("error", err.Error()),
	)
}

func (h *LogErrorHandler) HandlePanic(ctx context.Context, jobID string, panicVal any, stackTrace string) {
	slog.ErrorContext(ctx, "job execution panicked",
		slog.String("job_id", jobID),
		slog.Any("panic_value", panicVal),
		slog.String("stack_trace", stackTrace),
	)
}
