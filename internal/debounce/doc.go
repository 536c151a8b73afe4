// Package debounce provides the timer facility behind the lock engine's
// settlement, exit and prompt-timeout delays.
//
// # Scheduler
//
// A Scheduler keys timers by (Kind, key). Scheduling a timer for a key that
// already has a live timer of the same kind cancels the previous one:
//
//	h, err := sched.Schedule(debounce.KindSettlement, appID, 500*time.Millisecond, epoch, fire)
//	...
//	h.Cancel()
//
// A callback only runs if its timer is still the live one when it comes due,
// so a superseded timer that was already in flight is dropped. Each timer
// carries the epoch of the state that issued it; callers compare that epoch at
// fire time to discard stale fires.
//
// # Clocks
//
// SystemClock wraps the time package. ManualClock only moves when Advance is
// called and runs due callbacks on the caller's goroutine, which makes timer
// behaviour deterministic in tests:
//
//	clock := debounce.NewManualClock(time.Unix(0, 0))
//	sched := debounce.New(clock, nil)
//	clock.Advance(600 * time.Millisecond)
package debounce
