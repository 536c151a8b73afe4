// ABOUTME: Clock abstraction used by the scheduler and every time-sensitive component
// ABOUTME: Wraps time.Now/time.AfterFunc so tests can substitute a manual clock

package debounce

import "time"

// Timer is the cancellation side of a scheduled callback.
type Timer interface {
	// Stop prevents the callback from firing. Returns false if it already fired
	// or was already stopped.
	Stop() bool
}

// Clock supplies the current time and one-shot timers.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

type systemClock struct{}

// SystemClock returns a Clock backed by the time package.
func SystemClock() Clock {
	return systemClock{}
}

func (systemClock) Now() time.Time {
	return time.Now()
}

func (systemClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}
