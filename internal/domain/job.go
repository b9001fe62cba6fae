package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Priority orders jobs within a queue. Lower rank wins.
type Priority int

const (
	PriorityCritical Priority = 0
	PriorityHigh     Priority = 10
	PriorityNormal   Priority = 20
	PriorityLow      Priority = 30
)

// AllPriorities lists every level in rank order.
var AllPriorities = []Priority{PriorityCritical, PriorityHigh, PriorityNormal, PriorityLow}

func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "CRITICAL"
	case PriorityHigh:
		return "HIGH"
	case PriorityNormal:
		return "NORMAL"
	case PriorityLow:
		return "LOW"
	default:
		return fmt.Sprintf("PRIORITY(%d)", int(p))
	}
}

// ParsePriority maps the stable API strings back to priority ranks.
func ParsePriority(s string) (Priority, error) {
	switch s {
	case "CRITICAL":
		return PriorityCritical, nil
	case "HIGH":
		return PriorityHigh, nil
	case "NORMAL":
		return PriorityNormal, nil
	case "LOW":
		return PriorityLow, nil
	}
	return 0, fmt.Errorf("%w: unknown priority %q", ErrInvalidSpec, s)
}

// Status is the job lifecycle state.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusReserved  Status = "RESERVED"
	StatusRunning   Status = "RUNNING"
	StatusRetrying  Status = "RETRYING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusDead      Status = "DEAD"
	StatusCancelled Status = "CANCELLED"
)

// Terminal reports whether no further transition is possible through queue
// operations other than an admin retry.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusDead, StatusCancelled:
		return true
	}
	return false
}

// validTransitions encodes the job state machine.
var validTransitions = map[Status][]Status{
	StatusPending:  {StatusReserved, StatusCancelled},
	StatusReserved: {StatusRunning, StatusRetrying, StatusFailed, StatusDead, StatusPending},
	StatusRunning:  {StatusCompleted, StatusRetrying, StatusFailed, StatusDead, StatusCancelled},
	StatusRetrying: {StatusPending, StatusCancelled},
	StatusFailed:   {StatusPending},
	StatusDead:     {StatusPending},
}

// CanTransition reports whether from -> to is a legal state machine edge.
func CanTransition(from, to Status) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Job is a single unit of work. All mutation flows through queue operations;
// components hold short-lived copies only.
type Job struct {
	ID          string
	TaskName    string
	TaskVersion string
	Args        []any
	Kwargs      map[string]any

	Queue    string
	Priority Priority
	Status   Status

	CreatedAt   time.Time
	AvailableAt time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time

	Attempt     int
	MaxAttempts int
	Retry       RetryPolicy
	Timeout     time.Duration

	UniqueKey string

	WorkerID       string
	LeaseExpiresAt *time.Time

	Result any
	Error  *ErrorRecord

	Metadata map[string]any
	Tags     []string

	DeadLettered    bool
	CancelRequested bool
	ScheduleID      string

	UpdatedAt time.Time
}

// Clone returns a deep-enough copy for handing across goroutine boundaries.
// Args, Kwargs and Result are treated as immutable once enqueued.
func (j *Job) Clone() *Job {
	c := *j
	if j.StartedAt != nil {
		t := *j.StartedAt
		c.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		c.CompletedAt = &t
	}
	if j.LeaseExpiresAt != nil {
		t := *j.LeaseExpiresAt
		c.LeaseExpiresAt = &t
	}
	if j.Error != nil {
		e := *j.Error
		c.Error = &e
	}
	if j.Metadata != nil {
		c.Metadata = make(map[string]any, len(j.Metadata))
		for k, v := range j.Metadata {
			c.Metadata[k] = v
		}
	}
	c.Tags = append([]string(nil), j.Tags...)
	return &c
}

// Retries returns the attempt count excluding the first execution,
// which is how the admin surface reports it.
func (j *Job) Retries() int {
	if j.Attempt <= 0 {
		return 0
	}
	return j.Attempt - 1
}

// NewJobID returns a random job identity.
func NewJobID() string {
	return uuid.New().String()
}

// ContentHashJobID derives a job identity from the task name, its argument
// bundle and a caller-supplied nonce. Identical submissions collide, which
// gives natural idempotency at the storage layer.
func ContentHashJobID(taskName string, args []any, kwargs map[string]any, nonce string) string {
	h := sha256.New()
	h.Write([]byte(taskName))
	h.Write([]byte{0})
	enc := json.NewEncoder(h)
	_ = enc.Encode(args)
	_ = enc.Encode(kwargs)
	h.Write([]byte(nonce))
	return hex.EncodeToString(h.Sum(nil))[:32]
}
