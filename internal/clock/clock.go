package clock

import (
	"sync"
	"time"
)

// Clock returns the current time. Components take a Clock so tests can move time explicitly.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Real returns the wall clock
func Real() Clock {
	return realClock{}
}

// Mock is a manually driven clock for tests
type Mock struct {
	mu  sync.Mutex
	now time.Time
}

// NewMock creates a mock clock starting at t
func NewMock(t time.Time) *Mock {
	return &Mock{now: t}
}

func (m *Mock) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Advance moves the clock forward by d
func (m *Mock) Advance(d time.Duration) {
	m.mu.Lock()
	m.now = m.now.Add(d)
	m.mu.Unlock()
}

// Set moves the clock to t
func (m *Mock) Set(t time.Time) {
	m.mu.Lock()
	m.now = t
	m.mu.Unlock()
}

// Elapsed returns the time between from and to, zero if to is before from
func Elapsed(from, to time.Time) time.Duration {
	if to.Before(from) {
		return 0
	}
	return to.Sub(from)
}

// WindowStart returns the exclusive lower bound of the rolling window (now-window, now]
func WindowStart(now time.Time, window time.Duration) time.Time {
	return now.Add(-window)
}

// CeilHours rounds d up to whole hours. Non-positive durations yield 0 or less.
func CeilHours(d time.Duration) int64 {
	return ceilUnits(d, time.Hour)
}

// CeilMinutes rounds d up to whole minutes
func CeilMinutes(d time.Duration) int64 {
	return ceilUnits(d, time.Minute)
}

// RemainingMinutes returns the whole minutes left until the deadline, 0 once it has passed
func RemainingMinutes(until, now time.Time) int64 {
	return CeilMinutes(Elapsed(now, until))
}

func ceilUnits(d, unit time.Duration) int64 {
	q := d / unit
	if d%unit > 0 {
		q++
	}
	return int64(q)
}
