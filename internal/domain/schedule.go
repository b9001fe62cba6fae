package domain

import (
	"fmt"
	"time"
)

// ScheduleKind is the generator family for fire boundaries.
type ScheduleKind string

const (
	KindCron     ScheduleKind = "CRON"
	KindInterval ScheduleKind = "INTERVAL"
	KindOneShot  ScheduleKind = "ONE_SHOT"
	KindDaily    ScheduleKind = "DAILY"
	KindWeekly   ScheduleKind = "WEEKLY"
	KindMonthly  ScheduleKind = "MONTHLY"
	KindEvent    ScheduleKind = "EVENT"
)

// MissedPolicy decides what happens when a boundary was missed by more than
// the configured threshold.
type MissedPolicy string

const (
	// MissedSkip advances to the next boundary after now.
	MissedSkip MissedPolicy = "SKIP"
	// MissedTriggerOnce fires exactly one catch-up job.
	MissedTriggerOnce MissedPolicy = "TRIGGER_ONCE"
	// MissedTriggerAll fires one job per missed boundary, bounded by MaxMissed.
	MissedTriggerAll MissedPolicy = "TRIGGER_ALL"
)

// TimeOfDay is a wall-clock time within the schedule's zone.
type TimeOfDay struct {
	Hour   int
	Minute int
}

func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d", t.Hour, t.Minute)
}

// ParseTimeOfDay parses "HH:MM".
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	var tod TimeOfDay
	if _, err := fmt.Sscanf(s, "%d:%d", &tod.Hour, &tod.Minute); err != nil {
		return tod, fmt.Errorf("%w: time of day %q", ErrInvalidSpec, s)
	}
	if tod.Hour < 0 || tod.Hour > 23 || tod.Minute < 0 || tod.Minute > 59 {
		return tod, fmt.Errorf("%w: time of day %q out of range", ErrInvalidSpec, s)
	}
	return tod, nil
}

// Schedule materializes jobs at computed boundaries. Fire bookkeeping is
// updated atomically with enqueue under the scheduler lock; Version guards
// concurrent admin updates.
type Schedule struct {
	ID   string
	Name string

	TaskName    string
	TaskVersion string
	Args        []any
	Kwargs      map[string]any
	Queue       string
	Priority    Priority
	Metadata    map[string]any

	Kind ScheduleKind

	// Kind-specific parameters.
	CronExpr    string
	Interval    time.Duration
	Anchor      *time.Time
	TimesOfDay  []TimeOfDay
	DaysOfWeek  []time.Weekday
	DaysOfMonth []int
	EventTopic  string

	Timezone string
	StartAt  *time.Time
	EndAt    *time.Time

	Enabled        bool
	UniqueInstance bool
	MissedPolicy   MissedPolicy
	MaxMissed      int

	LastFireAt *time.Time
	NextFireAt *time.Time

	RunCount     int64
	SuccessCount int64
	ErrorCount   int64
	SkippedCount int64

	LockHolder   string
	LockDeadline *time.Time

	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Location resolves the schedule's time zone, defaulting to UTC.
func (s *Schedule) Location() (*time.Location, error) {
	if s.Timezone == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		return nil, fmt.Errorf("%w: timezone %q: %v", ErrInvalidSpec, s.Timezone, err)
	}
	return loc, nil
}

// Validate checks the kind-specific parameters are present.
func (s *Schedule) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("%w: schedule name is required", ErrInvalidSpec)
	}
	if s.TaskName == "" {
		return fmt.Errorf("%w: schedule task is required", ErrInvalidSpec)
	}
	if _, err := s.Location(); err != nil {
		return err
	}
	switch s.Kind {
	case KindCron:
		if s.CronExpr == "" {
			return fmt.Errorf("%w: cron schedule needs an expression", ErrInvalidSpec)
		}
	case KindInterval:
		if s.Interval <= 0 {
			return fmt.Errorf("%w: interval schedule needs a positive interval", ErrInvalidSpec)
		}
	case KindOneShot:
		if s.Anchor == nil {
			return fmt.Errorf("%w: one-shot schedule needs an anchor time", ErrInvalidSpec)
		}
	case KindDaily:
		if len(s.TimesOfDay) == 0 {
			return fmt.Errorf("%w: daily schedule needs at least one time of day", ErrInvalidSpec)
		}
	case KindWeekly:
		if len(s.TimesOfDay) == 0 || len(s.DaysOfWeek) == 0 {
			return fmt.Errorf("%w: weekly schedule needs days of week and times of day", ErrInvalidSpec)
		}
	case KindMonthly:
		if len(s.TimesOfDay) == 0 || len(s.DaysOfMonth) == 0 {
			return fmt.Errorf("%w: monthly schedule needs days of month and times of day", ErrInvalidSpec)
		}
		for _, d := range s.DaysOfMonth {
			if d < 1 || d > 31 {
				return fmt.Errorf("%w: day of month %d out of range", ErrInvalidSpec, d)
			}
		}
	case KindEvent:
		if s.EventTopic == "" {
			return fmt.Errorf("%w: event schedule needs a topic", ErrInvalidSpec)
		}
	default:
		return fmt.Errorf("%w: unknown schedule kind %q", ErrInvalidSpec, s.Kind)
	}
	return nil
}
