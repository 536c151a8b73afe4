// ABOUTME: TTL-bounded, size-limited tracker of when applications last left the foreground
// ABOUTME: Feeds IsReturn so the processor can tell a quick return from a fresh open

package gesture

import (
	"container/list"
	"sync"
	"time"

	"github.com/2389/applockd/internal/debounce"
)

type exitEntry struct {
	at      time.Time
	element *list.Element
}

// RecentExits tracks the last time each application left the foreground.
// Entries older than the TTL are invisible and swept periodically; when the
// tracker is full the oldest exit is evicted.
type RecentExits struct {
	mu      sync.RWMutex
	exits   map[string]*exitEntry
	order   *list.List // app IDs, oldest exit at front
	ttl     time.Duration
	maxSize int
	clock   debounce.Clock
	done    chan struct{}
	closed  bool
}

// NewRecentExits creates a tracker. A zero ttl uses ReturnWindow, a
// non-positive maxSize defaults to 256 and a nil clock uses the system clock.
func NewRecentExits(ttl time.Duration, maxSize int, clock debounce.Clock) *RecentExits {
	if ttl <= 0 {
		ttl = ReturnWindow
	}
	if maxSize <= 0 {
		maxSize = 256
	}
	if clock == nil {
		clock = debounce.SystemClock()
	}
	r := &RecentExits{
		exits:   make(map[string]*exitEntry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		clock:   clock,
		done:    make(chan struct{}),
	}
	go r.cleanup()
	return r
}

// Record notes that appID left the foreground now.
func (r *RecentExits) Record(appID string) {
	if appID == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()
	if e, ok := r.exits[appID]; ok {
		e.at = now
		r.order.MoveToBack(e.element)
		return
	}

	if len(r.exits) >= r.maxSize {
		r.evictOldest()
	}

	elem := r.order.PushBack(appID)
	r.exits[appID] = &exitEntry{at: now, element: elem}
}

// LastExit returns when appID last left the foreground, if within the TTL.
func (r *RecentExits) LastExit(appID string) (time.Time, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.exits[appID]
	if !ok || r.clock.Now().Sub(e.at) >= r.ttl {
		return time.Time{}, false
	}
	return e.at, true
}

// Since returns how long ago appID left the foreground, if within the TTL.
func (r *RecentExits) Since(appID string) (time.Duration, bool) {
	at, ok := r.LastExit(appID)
	if !ok {
		return 0, false
	}
	return r.clock.Now().Sub(at), true
}

// Forget drops appID from the tracker.
func (r *RecentExits) Forget(appID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.exits[appID]; ok {
		r.order.Remove(e.element)
		delete(r.exits, appID)
	}
}

// Len returns the number of tracked exits, expired ones included until swept.
func (r *RecentExits) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.exits)
}

// evictOldest must be called with mu held.
func (r *RecentExits) evictOldest() {
	front := r.order.Front()
	if front == nil {
		return
	}
	appID, _ := front.Value.(string)
	r.order.Remove(front)
	delete(r.exits, appID)
}

func (r *RecentExits) cleanup() {
	ticker := time.NewTicker(r.ttl)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.sweep()
		case <-r.done:
			return
		}
	}
}

// sweep removes expired exits.
func (r *RecentExits) sweep() {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()
	for elem := r.order.Front(); elem != nil; {
		next := elem.Next()
		appID, _ := elem.Value.(string)
		if e, ok := r.exits[appID]; ok && now.Sub(e.at) >= r.ttl {
			r.order.Remove(elem)
			delete(r.exits, appID)
		}
		elem = next
	}
}

// Close stops the background sweep. It is safe to call multiple times.
func (r *RecentExits) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.closed {
		close(r.done)
		r.closed = true
	}
}
