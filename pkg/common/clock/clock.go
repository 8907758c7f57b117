// Package clock provides the time source used by the decay engine, the
// timer service and the in-memory key space.
package clock

import "time"

// Clock provides the current time. Tests inject testutil.MockClock.
type Clock interface {
	Now() time.Time
}

// SystemClock implements Clock using the system time.
type SystemClock struct{}

// Now returns the current system time.
func (SystemClock) Now() time.Time {
	return time.Now()
}

// OrSystem returns c, or SystemClock when c is nil.
func OrSystem(c Clock) Clock {
	if c == nil {
		return SystemClock{}
	}
	return c
}
