// ABOUTME: Test doubles for the lock table: a scripted authenticator and a recording observer
// ABOUTME: Shared by the transition, machine and table tests

package lockstate

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/2389/applockd/internal/debounce"
	"github.com/2389/applockd/internal/telemetry"
)

type fakeAuth struct {
	mu            sync.Mutex
	authenticated map[string]bool
	resumeFails   map[string]bool
	requests      map[string]int
	abandons      map[string]int
	resumes       map[string]int
	arms          map[string]int

	// onRequest overrides RequestVerification when set.
	onRequest func(appID string) bool
}

func newFakeAuth() *fakeAuth {
	return &fakeAuth{
		authenticated: make(map[string]bool),
		resumeFails:   make(map[string]bool),
		requests:      make(map[string]int),
		abandons:      make(map[string]int),
		resumes:       make(map[string]int),
		arms:          make(map[string]int),
	}
}

func (f *fakeAuth) setAuthenticated(appID string, v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.authenticated[appID] = v
}

func (f *fakeAuth) IsAuthenticated(appID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.authenticated[appID]
}

func (f *fakeAuth) RequestVerification(_ context.Context, appID string) bool {
	f.mu.Lock()
	f.requests[appID]++
	hook := f.onRequest
	f.mu.Unlock()
	if hook != nil {
		return hook(appID)
	}
	return true
}

func (f *fakeAuth) AbandonVerification(appID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.abandons[appID]++
}

func (f *fakeAuth) Resume(appID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resumes[appID]++
	return !f.resumeFails[appID]
}

func (f *fakeAuth) ArmIdleTimeout(appID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.arms[appID]++
}

func (f *fakeAuth) count(m map[string]int, appID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return m[appID]
}

type recorder struct {
	mu      sync.Mutex
	records []telemetry.Record
}

func (r *recorder) Record(rec telemetry.Record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, rec)
}

func (r *recorder) ofKind(kind telemetry.Kind) []telemetry.Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []telemetry.Record
	for _, rec := range r.records {
		if rec.Kind == kind {
			out = append(out, rec)
		}
	}
	return out
}

const selfID = "com.example.applock"

type harness struct {
	clock *debounce.ManualClock
	sched *debounce.Scheduler
	auth  *fakeAuth
	rec   *recorder
	table *Table
}

func newHarness(t *testing.T, guard Guard) *harness {
	t.Helper()
	clock := debounce.NewManualClock(time.Unix(1_700_000_000, 0))
	sched := debounce.New(clock, nil)
	auth := newFakeAuth()
	rec := &recorder{}
	table := NewTable(Options{
		SelfAppID:       selfID,
		SettlementDelay: 500 * time.Millisecond,
		Scheduler:       sched,
		Auth:            auth,
		Guard:           guard,
		Observer:        rec,
	})
	t.Cleanup(func() {
		table.Close()
		sched.Close()
	})
	return &harness{clock: clock, sched: sched, auth: auth, rec: rec, table: table}
}

func (h *harness) send(kind EventKind, appID string) bool {
	return h.table.Dispatch(Event{Kind: kind, AppID: appID})
}
