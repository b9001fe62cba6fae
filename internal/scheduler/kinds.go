package scheduler

import (
	"fmt"
	"sort"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/relayq/relayq/internal/domain"
)

// NextFire computes the first boundary strictly after the given instant,
// honoring the schedule's zone and start/end bounds. A nil result means the
// schedule is terminal (or externally triggered).
func NextFire(s *domain.Schedule, after time.Time) (*time.Time, error) {
	loc, err := s.Location()
	if err != nil {
		return nil, err
	}
	if s.StartAt != nil && after.Before(*s.StartAt) {
		// Boundaries never land before the start bound.
		after = s.StartAt.Add(-time.Nanosecond)
	}

	var next *time.Time
	switch s.Kind {
	case domain.KindCron:
		next, err = nextCron(s, after, loc)
	case domain.KindInterval:
		next = nextInterval(s, after)
	case domain.KindOneShot:
		next = nextOneShot(s)
	case domain.KindDaily:
		next = nextTimeOfDay(s, after, loc, nil, nil)
	case domain.KindWeekly:
		next = nextTimeOfDay(s, after, loc, s.DaysOfWeek, nil)
	case domain.KindMonthly:
		next = nextTimeOfDay(s, after, loc, nil, s.DaysOfMonth)
	case domain.KindEvent:
		next = nil
	default:
		return nil, fmt.Errorf("%w: unknown schedule kind %q", domain.ErrInvalidSpec, s.Kind)
	}
	if err != nil {
		return nil, err
	}
	if next != nil && s.EndAt != nil && next.After(*s.EndAt) {
		return nil, nil
	}
	return next, nil
}

func nextCron(s *domain.Schedule, after time.Time, loc *time.Location) (*time.Time, error) {
	// Standard five-field expressions; DST gaps resolve by advancing to
	// the next valid local instant, which cron.Next does natively.
	expr, err := cron.ParseStandard(s.CronExpr)
	if err != nil {
		return nil, fmt.Errorf("%w: cron expression %q: %v", domain.ErrInvalidSpec, s.CronExpr, err)
	}
	next := expr.Next(after.In(loc))
	if next.IsZero() {
		return nil, nil
	}
	utc := next.UTC()
	return &utc, nil
}

func nextInterval(s *domain.Schedule, after time.Time) *time.Time {
	if s.Interval <= 0 {
		return nil
	}
	var next time.Time
	switch {
	case s.LastFireAt != nil:
		next = s.LastFireAt.Add(s.Interval).UTC()
	case s.Anchor != nil:
		next = s.Anchor.UTC()
	default:
		next = after.Add(s.Interval).UTC()
	}
	// Boundaries already behind the cursor collapse to the first one
	// after it; catch-up of individual missed boundaries is the missed
	// policy's business and walks the generator itself.
	for !next.After(after) {
		next = next.Add(s.Interval)
	}
	return &next
}

func nextOneShot(s *domain.Schedule) *time.Time {
	if s.LastFireAt != nil || s.Anchor == nil {
		return nil
	}
	anchor := s.Anchor.UTC()
	return &anchor
}

// nextTimeOfDay finds the earliest configured wall-clock time after the
// instant, optionally restricted to days of week or days of month.
func nextTimeOfDay(s *domain.Schedule, after time.Time, loc *time.Location, daysOfWeek []time.Weekday, daysOfMonth []int) *time.Time {
	if len(s.TimesOfDay) == 0 {
		return nil
	}
	times := append([]domain.TimeOfDay(nil), s.TimesOfDay...)
	sort.Slice(times, func(i, j int) bool {
		if times[i].Hour != times[j].Hour {
			return times[i].Hour < times[j].Hour
		}
		return times[i].Minute < times[j].Minute
	})

	local := after.In(loc)
	day := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)

	// The scan looks at most 500 days ahead; a day-of-week/day-of-month
	// restriction with no matching day in that window yields no next fire.
	for i := 0; i < 500; i++ {
		if dayMatches(day, daysOfWeek, daysOfMonth) {
			for _, tod := range times {
				candidate := time.Date(day.Year(), day.Month(), day.Day(), tod.Hour, tod.Minute, 0, 0, loc)
				if candidate.After(local) {
					utc := candidate.UTC()
					return &utc
				}
			}
		}
		day = day.AddDate(0, 0, 1)
	}
	return nil
}

func dayMatches(day time.Time, daysOfWeek []time.Weekday, daysOfMonth []int) bool {
	if len(daysOfWeek) > 0 {
		ok := false
		for _, d := range daysOfWeek {
			if day.Weekday() == d {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if len(daysOfMonth) > 0 {
		ok := false
		for _, d := range daysOfMonth {
			if day.Day() == d {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return true
}
