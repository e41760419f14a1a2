package clock

import (
	"testing"
	"time"

	"pgregory.net/rapid"
)

func TestCeilHours(t *testing.T) {
	cases := []struct {
		in   time.Duration
		want int64
	}{
		{0, 0},
		{time.Nanosecond, 1},
		{time.Hour, 1},
		{time.Hour + time.Second, 2},
		{240 * time.Hour, 240},
		{-30 * time.Minute, 0},
		{-90 * time.Minute, -1},
	}
	for _, tc := range cases {
		if got := CeilHours(tc.in); got != tc.want {
			t.Errorf("CeilHours(%v) = %d, want %d", tc.in, got, tc.want)
		}
	}
}

func TestRemainingMinutes(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	if got := RemainingMinutes(now.Add(5*time.Minute), now); got != 5 {
		t.Errorf("expected 5 minutes, got %d", got)
	}
	if got := RemainingMinutes(now.Add(61*time.Second), now); got != 2 {
		t.Errorf("expected partial minute to round up to 2, got %d", got)
	}
	if got := RemainingMinutes(now, now); got != 0 {
		t.Errorf("expected 0 at the deadline, got %d", got)
	}
	if got := RemainingMinutes(now.Add(-time.Minute), now); got != 0 {
		t.Errorf("expected 0 after the deadline, got %d", got)
	}
}

func TestWindowStart(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	if got := WindowStart(now, 10*time.Second); !got.Equal(now.Add(-10 * time.Second)) {
		t.Errorf("unexpected window start %v", got)
	}
}

func TestMock_Advance(t *testing.T) {
	start := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	m := NewMock(start)
	m.Advance(4 * time.Minute)

	if got := Elapsed(start, m.Now()); got != 4*time.Minute {
		t.Errorf("expected 4m elapsed, got %v", got)
	}
	if got := Elapsed(m.Now(), start); got != 0 {
		t.Errorf("expected negative elapsed to clamp to 0, got %v", got)
	}
}

// TestProperty_CeilHoursCoversDuration checks that the rounded hours never undershoot the duration
func TestProperty_CeilHoursCoversDuration(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		d := time.Duration(rapid.Int64Range(1, int64(10000*time.Hour)).Draw(rt, "d"))
		h := CeilHours(d)

		if time.Duration(h)*time.Hour < d {
			rt.Fatalf("PROPERTY VIOLATION: %d hours does not cover %v", h, d)
		}
		if time.Duration(h-1)*time.Hour >= d {
			rt.Fatalf("PROPERTY VIOLATION: %d hours is not the smallest cover of %v", h, d)
		}
	})
}
