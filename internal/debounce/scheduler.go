// ABOUTME: Keyed, cancellable delayed-action scheduler for settlement, exit and prompt timers
// ABOUTME: At most one live timer per (kind, key); scheduling again supersedes the previous one

package debounce

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrClosed is returned when scheduling on a closed scheduler.
var ErrClosed = errors.New("scheduler closed")

// Kind names a family of timers. Timers of different kinds for the same key
// are independent.
type Kind string

const (
	KindSettlement Kind = "settlement"
	KindExit       Kind = "exit"
	KindPrompt     Kind = "prompt"
)

type timerKey struct {
	kind Kind
	key  string
}

type entry struct {
	id       uint64
	epoch    uint64
	deadline time.Time
	timer    Timer
}

// Handle identifies one scheduled timer.
type Handle struct {
	s     *Scheduler
	k     timerKey
	id    uint64
	epoch uint64
}

// Kind returns the timer family.
func (h *Handle) Kind() Kind { return h.k.kind }

// Key returns the key the timer was scheduled for.
func (h *Handle) Key() string { return h.k.key }

// Epoch returns the state epoch the timer was issued for.
func (h *Handle) Epoch() uint64 { return h.epoch }

// Cancel stops this timer if it is still the live one for its key.
// Returns false if it already fired, was cancelled or was superseded.
func (h *Handle) Cancel() bool {
	return h.s.cancelID(h.k, h.id)
}

// Scheduler runs delayed callbacks keyed by (kind, key). Scheduling a timer
// for a key that already has a live timer of the same kind cancels the old
// one, so timers are never additive.
type Scheduler struct {
	clock  Clock
	logger *slog.Logger

	mu     sync.Mutex
	timers map[timerKey]*entry
	nextID uint64
	closed bool
}

// New creates a scheduler. Pass nil clock for the system clock and nil logger
// for the default logger.
func New(clock Clock, logger *slog.Logger) *Scheduler {
	if clock == nil {
		clock = SystemClock()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		clock:  clock,
		logger: logger.With("component", "scheduler"),
		timers: make(map[timerKey]*entry),
	}
}

// Clock returns the scheduler's clock.
func (s *Scheduler) Clock() Clock {
	return s.clock
}

// Now returns the current time according to the scheduler's clock.
func (s *Scheduler) Now() time.Time {
	return s.clock.Now()
}

// Schedule arranges for fn to run after delay, superseding any live timer of
// the same kind for key. epoch is stored with the timer for the caller's
// staleness checks and diagnostics.
func (s *Scheduler) Schedule(kind Kind, key string, delay time.Duration, epoch uint64, fn func()) (*Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrClosed
	}

	k := timerKey{kind: kind, key: key}
	if prev, ok := s.timers[k]; ok {
		prev.timer.Stop()
		delete(s.timers, k)
		s.logger.Debug("timer superseded",
			"kind", kind,
			"key", key,
			"old_epoch", prev.epoch,
			"new_epoch", epoch,
		)
	}

	s.nextID++
	id := s.nextID
	e := &entry{
		id:       id,
		epoch:    epoch,
		deadline: s.clock.Now().Add(delay),
	}
	s.timers[k] = e
	// The timer may fire as soon as AfterFunc returns; fire re-checks the id
	// under the lock so it sees a fully registered entry.
	e.timer = s.clock.AfterFunc(delay, func() { s.fire(k, id, fn) })

	return &Handle{s: s, k: k, id: id, epoch: epoch}, nil
}

// fire runs fn if the timer identified by id is still the live one for k.
func (s *Scheduler) fire(k timerKey, id uint64, fn func()) {
	s.mu.Lock()
	e, ok := s.timers[k]
	if !ok || e.id != id {
		s.mu.Unlock()
		return
	}
	delete(s.timers, k)
	s.mu.Unlock()

	fn()
}

// Cancel stops the live timer of the given kind for key.
// Returns false if there was none.
func (s *Scheduler) Cancel(kind Kind, key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := timerKey{kind: kind, key: key}
	e, ok := s.timers[k]
	if !ok {
		return false
	}
	e.timer.Stop()
	delete(s.timers, k)
	return true
}

func (s *Scheduler) cancelID(k timerKey, id uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.timers[k]
	if !ok || e.id != id {
		return false
	}
	e.timer.Stop()
	delete(s.timers, k)
	return true
}

// Pending reports whether a live timer of the given kind exists for key, and
// the epoch it was issued for.
func (s *Scheduler) Pending(kind Kind, key string) (uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.timers[timerKey{kind: kind, key: key}]
	if !ok {
		return 0, false
	}
	return e.epoch, true
}

// Deadline returns when the live timer of the given kind for key is due.
func (s *Scheduler) Deadline(kind Kind, key string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.timers[timerKey{kind: kind, key: key}]
	if !ok {
		return time.Time{}, false
	}
	return e.deadline, true
}

// Len returns the number of live timers.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// CancelKey stops every live timer for key, whatever its kind.
func (s *Scheduler) CancelKey(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for k, e := range s.timers {
		if k.key != key {
			continue
		}
		e.timer.Stop()
		delete(s.timers, k)
		n++
	}
	return n
}

// Close cancels every live timer and rejects further scheduling.
// It is safe to call multiple times.
func (s *Scheduler) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.closed = true
	for k, e := range s.timers {
		e.timer.Stop()
		delete(s.timers, k)
	}
	s.logger.Debug("scheduler closed")
}
