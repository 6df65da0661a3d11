package clock

import "time"

// Clock abstracts time operations for testability.
type Clock interface {
	Now() time.Time
	// After waits for the duration to elapse and then sends the current
	// time on the returned channel.
	After(d time.Duration) <-chan time.Time
}

// Real is a Clock backed by the system clock.
type Real struct{}

// Now returns the current time.
func (Real) Now() time.Time { return time.Now() }

// After delegates to time.After.
func (Real) After(d time.Duration) <-chan time.Time { return time.After(d) }

// Mock is a Clock that always returns a fixed time. Its timers fire
// immediately, so countdowns driven by a Mock run to completion without
// waiting.
type Mock struct {
	T time.Time
}

// Now returns the fixed time.
func (m Mock) Now() time.Time { return m.T }

// After returns a channel that already holds the fixed time.
func (m Mock) After(time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	ch <- m.T
	return ch
}
