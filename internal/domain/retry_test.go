package domain

import (
	"testing"
	"time"
)

func TestNextDelayExponentialWithoutJitter(t *testing.T) {
	policy := RetryPolicy{BaseDelay: time.Second, Factor: 2, Jitter: false, MaxDelay: time.Hour}

	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
	}
	for _, tc := range cases {
		if got := policy.NextDelay(tc.attempt); got != tc.want {
			t.Errorf("NextDelay(%d) = %v, want %v", tc.attempt, got, tc.want)
		}
	}
}

func TestNextDelayClampsToCeiling(t *testing.T) {
	policy := RetryPolicy{BaseDelay: time.Minute, Factor: 10, Jitter: false, MaxDelay: 5 * time.Minute}
	if got := policy.NextDelay(4); got != 5*time.Minute {
		t.Errorf("NextDelay(4) = %v, want ceiling %v", got, 5*time.Minute)
	}
}

func TestNextDelayJitterBounds(t *testing.T) {
	policy := RetryPolicy{BaseDelay: 10 * time.Second, Factor: 2, Jitter: true, MaxDelay: time.Hour}

	for range 200 {
		got := policy.NextDelay(1)
		if got < 5*time.Second || got > 15*time.Second {
			t.Fatalf("jittered delay %v outside [5s, 15s]", got)
		}
	}
}

func TestNextDelayDefaultsOnZeroPolicy(t *testing.T) {
	var policy RetryPolicy
	got := policy.NextDelay(1)
	if got <= 0 || got > DefaultMaxRetryDelay {
		t.Errorf("zero policy delay %v out of range", got)
	}
}
