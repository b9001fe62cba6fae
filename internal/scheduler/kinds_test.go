package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relayq/relayq/internal/domain"
)

func utc(y int, m time.Month, d, hh, mm int) time.Time {
	return time.Date(y, m, d, hh, mm, 0, 0, time.UTC)
}

func TestNextFireCronFiveMinuteBoundaries(t *testing.T) {
	sched := &domain.Schedule{Kind: domain.KindCron, CronExpr: "*/5 * * * *", Timezone: "UTC"}

	cursor := utc(2026, 3, 1, 12, 0)
	var fires []time.Time
	for range 3 {
		next, err := NextFire(sched, cursor)
		require.NoError(t, err)
		require.NotNil(t, next)
		fires = append(fires, *next)
		cursor = *next
	}

	assert.Equal(t, utc(2026, 3, 1, 12, 5), fires[0])
	assert.Equal(t, utc(2026, 3, 1, 12, 10), fires[1])
	assert.Equal(t, utc(2026, 3, 1, 12, 15), fires[2])
}

func TestNextFireCronInvalidExpression(t *testing.T) {
	sched := &domain.Schedule{Kind: domain.KindCron, CronExpr: "not a cron"}
	_, err := NextFire(sched, time.Now().UTC())
	assert.ErrorIs(t, err, domain.ErrInvalidSpec)
}

func TestNextFireCronRespectsTimezone(t *testing.T) {
	// 03:00 in New York is 08:00 UTC during EST.
	sched := &domain.Schedule{Kind: domain.KindCron, CronExpr: "0 3 * * *", Timezone: "America/New_York"}
	next, err := NextFire(sched, utc(2026, 1, 15, 0, 0))
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, utc(2026, 1, 15, 8, 0), next.UTC())
}

func TestNextFireInterval(t *testing.T) {
	sched := &domain.Schedule{Kind: domain.KindInterval, Interval: 10 * time.Minute}
	now := utc(2026, 3, 1, 12, 0)

	// No anchor, never fired: first boundary is now + interval.
	next, err := NextFire(sched, now)
	require.NoError(t, err)
	assert.Equal(t, now.Add(10*time.Minute), *next)

	// After a fire it advances from last_fire_at.
	last := now
	sched.LastFireAt = &last
	next, err = NextFire(sched, now)
	require.NoError(t, err)
	assert.Equal(t, now.Add(10*time.Minute), *next)

	// A long gap collapses to the first boundary after the cursor.
	next, err = NextFire(sched, now.Add(35*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, now.Add(40*time.Minute), *next)
}

func TestNextFireIntervalAnchor(t *testing.T) {
	anchor := utc(2026, 3, 2, 9, 0)
	sched := &domain.Schedule{Kind: domain.KindInterval, Interval: time.Hour, Anchor: &anchor}

	next, err := NextFire(sched, utc(2026, 3, 1, 12, 0))
	require.NoError(t, err)
	assert.Equal(t, anchor, *next, "future anchor is the first boundary")
}

func TestNextFireOneShot(t *testing.T) {
	anchor := utc(2026, 3, 2, 9, 0)
	sched := &domain.Schedule{Kind: domain.KindOneShot, Anchor: &anchor}

	next, err := NextFire(sched, utc(2026, 3, 1, 0, 0))
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, anchor, *next)

	fired := anchor
	sched.LastFireAt = &fired
	next, err = NextFire(sched, anchor)
	require.NoError(t, err)
	assert.Nil(t, next, "one-shot is terminal after firing")
}

func TestNextFireDaily(t *testing.T) {
	sched := &domain.Schedule{
		Kind:       domain.KindDaily,
		TimesOfDay: []domain.TimeOfDay{{Hour: 9, Minute: 0}, {Hour: 17, Minute: 30}},
		Timezone:   "UTC",
	}

	next, err := NextFire(sched, utc(2026, 3, 1, 10, 0))
	require.NoError(t, err)
	assert.Equal(t, utc(2026, 3, 1, 17, 30), *next, "later slot the same day")

	next, err = NextFire(sched, utc(2026, 3, 1, 18, 0))
	require.NoError(t, err)
	assert.Equal(t, utc(2026, 3, 2, 9, 0), *next, "wraps to the next day")
}

func TestNextFireWeekly(t *testing.T) {
	sched := &domain.Schedule{
		Kind:       domain.KindWeekly,
		DaysOfWeek: []time.Weekday{time.Monday},
		TimesOfDay: []domain.TimeOfDay{{Hour: 8, Minute: 0}},
		Timezone:   "UTC",
	}

	// 2026-03-01 is a Sunday.
	next, err := NextFire(sched, utc(2026, 3, 1, 12, 0))
	require.NoError(t, err)
	assert.Equal(t, utc(2026, 3, 2, 8, 0), *next)
	assert.Equal(t, time.Monday, next.Weekday())
}

func TestNextFireMonthlySkipsShortMonths(t *testing.T) {
	sched := &domain.Schedule{
		Kind:        domain.KindMonthly,
		DaysOfMonth: []int{31},
		TimesOfDay:  []domain.TimeOfDay{{Hour: 0, Minute: 30}},
		Timezone:    "UTC",
	}

	// After Jan 31: February has no 31st, so March 31 is next.
	next, err := NextFire(sched, utc(2026, 1, 31, 1, 0))
	require.NoError(t, err)
	assert.Equal(t, utc(2026, 3, 31, 0, 30), *next)
}

func TestNextFireEventIsExternal(t *testing.T) {
	sched := &domain.Schedule{Kind: domain.KindEvent, EventTopic: "orders.created"}
	next, err := NextFire(sched, time.Now().UTC())
	require.NoError(t, err)
	assert.Nil(t, next)
}

func TestNextFireHonorsBounds(t *testing.T) {
	start := utc(2026, 3, 10, 0, 0)
	end := utc(2026, 3, 11, 0, 0)
	sched := &domain.Schedule{
		Kind:     domain.KindCron,
		CronExpr: "0 12 * * *",
		Timezone: "UTC",
		StartAt:  &start,
		EndAt:    &end,
	}

	next, err := NextFire(sched, utc(2026, 3, 1, 0, 0))
	require.NoError(t, err)
	assert.Equal(t, utc(2026, 3, 10, 12, 0), *next, "no boundary before the start bound")

	next, err = NextFire(sched, utc(2026, 3, 10, 13, 0))
	require.NoError(t, err)
	assert.Nil(t, next, "boundaries beyond the end bound are terminal")
}

func TestScheduleValidate(t *testing.T) {
	valid := &domain.Schedule{
		Name: "s", TaskName: "t", Kind: domain.KindInterval, Interval: time.Minute,
	}
	require.NoError(t, valid.Validate())

	cases := []*domain.Schedule{
		{TaskName: "t", Kind: domain.KindInterval, Interval: time.Minute},       // no name
		{Name: "s", Kind: domain.KindInterval, Interval: time.Minute},           // no task
		{Name: "s", TaskName: "t", Kind: domain.KindCron},                       // no expression
		{Name: "s", TaskName: "t", Kind: domain.KindInterval},                   // no interval
		{Name: "s", TaskName: "t", Kind: domain.KindOneShot},                    // no anchor
		{Name: "s", TaskName: "t", Kind: domain.KindDaily},                      // no times
		{Name: "s", TaskName: "t", Kind: domain.KindEvent},                      // no topic
		{Name: "s", TaskName: "t", Kind: "YEARLY"},                              // unknown kind
		{Name: "s", TaskName: "t", Kind: domain.KindCron, CronExpr: "* * * * *", Timezone: "Mars/Olympus"},
	}
	for i, sched := range cases {
		assert.ErrorIs(t, sched.Validate(), domain.ErrInvalidSpec, "case %d", i)
	}
}
