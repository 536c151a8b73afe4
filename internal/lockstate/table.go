// ABOUTME: Keyed store of per-application lock machines with settlement timers
// ABOUTME: Creates machines lazily on leaving IDLE and retires them on return to IDLE

package lockstate

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/2389/applockd/internal/debounce"
	"github.com/2389/applockd/internal/telemetry"
)

// DefaultSettlementDelay is how long an application must stay in the
// foreground before the machine decides whether to prompt.
const DefaultSettlementDelay = 500 * time.Millisecond

// Authenticator is the session side the machines consult and drive.
//
// IsAuthenticated, AbandonVerification, Resume and ArmIdleTimeout are called
// while the machine's lock is held and must not dispatch events back into the
// table. RequestVerification is called without the lock and may.
type Authenticator interface {
	IsAuthenticated(appID string) bool
	RequestVerification(ctx context.Context, appID string) bool
	AbandonVerification(appID string)
	Resume(appID string) bool
	ArmIdleTimeout(appID string)
}

// Guard answers whether a settling application may still be locked: it is
// still in the foreground and still protected.
type Guard interface {
	Eligible(appID string) bool
}

// GuardFunc adapts a function to Guard.
type GuardFunc func(appID string) bool

// Eligible calls f(appID).
func (f GuardFunc) Eligible(appID string) bool { return f(appID) }

// Presence answers whether an application is in front of the user, either
// itself or behind the locker's prompt UI.
type Presence interface {
	Present(appID string) bool
}

// PresenceFunc adapts a function to Presence.
type PresenceFunc func(appID string) bool

// Present calls f(appID).
func (f PresenceFunc) Present(appID string) bool { return f(appID) }

// Options configures a Table.
type Options struct {
	// SelfAppID is the locking application's own identifier. It can never
	// be protected.
	SelfAppID string

	// SettlementDelay defaults to DefaultSettlementDelay.
	SettlementDelay time.Duration

	// Scheduler runs settlement timers. Required.
	Scheduler *debounce.Scheduler

	// Auth may be nil, in which case nothing is ever authenticated and
	// verification requests go nowhere.
	Auth Authenticator

	// Guard may be nil, in which case every settling application is
	// eligible.
	Guard Guard

	// Presence may be nil, in which case every unlocked application is
	// taken to be in front. An application unlocked while absent is
	// departed at once so its idle timeout starts.
	Presence Presence

	Observer telemetry.Observer
	Logger   *slog.Logger
}

// MachineSnapshot is a point-in-time view of one machine.
type MachineSnapshot struct {
	AppID string    `json:"app_id"`
	State State     `json:"state"`
	Epoch uint64    `json:"epoch"`
	Since time.Time `json:"since"`
}

// Table holds one Machine per application that is not IDLE.
type Table struct {
	selfID   string
	delay    time.Duration
	sched    *debounce.Scheduler
	auth     Authenticator
	guard    Guard
	presence Presence
	observer telemetry.Observer
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	epoch atomic.Uint64

	mu       sync.Mutex
	machines map[string]*Machine
	closed   bool
}

// NewTable creates an empty table.
func NewTable(opts Options) *Table {
	if opts.Scheduler == nil {
		opts.Scheduler = debounce.New(nil, opts.Logger)
	}
	if opts.SettlementDelay <= 0 {
		opts.SettlementDelay = DefaultSettlementDelay
	}
	if opts.Observer == nil {
		opts.Observer = telemetry.Nop{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Table{
		selfID:   opts.SelfAppID,
		delay:    opts.SettlementDelay,
		sched:    opts.Scheduler,
		auth:     opts.Auth,
		guard:    opts.Guard,
		presence: opts.Presence,
		observer: opts.Observer,
		logger:   logger.With("component", "lockstate"),
		ctx:      ctx,
		cancel:   cancel,
		machines: make(map[string]*Machine),
	}
}

// SelfAppID returns the locking application's identifier.
func (t *Table) SelfAppID() string {
	return t.selfID
}

// Dispatch routes ev to its application's machine, creating the machine if
// the event moves the application out of IDLE. It returns true iff a
// transition was applied.
func (t *Table) Dispatch(ev Event) bool {
	if ev.AppID == "" {
		t.logger.Debug("dropping event without application", "event", ev.Kind)
		return false
	}

	for {
		t.mu.Lock()
		if t.closed {
			t.mu.Unlock()
			return false
		}
		m, ok := t.machines[ev.AppID]
		if !ok {
			if err := t.precheck(Idle, 0, ev); err != nil {
				t.mu.Unlock()
				t.reject(ev, Idle, err)
				return false
			}
			to, eff, err := Next(Idle, ev.Kind, Cond{})
			if err != nil {
				t.mu.Unlock()
				t.reject(ev, Idle, err)
				return false
			}
			if IsNoop(Idle, to, eff) {
				t.mu.Unlock()
				return false
			}
			m = newMachine(t, ev.AppID)
			t.machines[ev.AppID] = m
		}
		t.mu.Unlock()

		changed, retry := m.process(ev)
		if !retry {
			return changed
		}
	}
}

// Machine returns the live machine for appID, or nil if the application is
// IDLE.
func (t *Table) Machine(appID string) *Machine {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.machines[appID]
}

// State returns appID's state. Unknown applications are IDLE.
func (t *Table) State(appID string) State {
	m := t.Machine(appID)
	if m == nil {
		return Idle
	}
	return m.State()
}

// Has reports whether appID has a live machine.
func (t *Table) Has(appID string) bool {
	return t.Machine(appID) != nil
}

// Len returns the number of live machines.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.machines)
}

// Snapshot returns every live machine, ordered by application.
func (t *Table) Snapshot() []MachineSnapshot {
	t.mu.Lock()
	ms := make([]*Machine, 0, len(t.machines))
	for _, m := range t.machines {
		ms = append(ms, m)
	}
	t.mu.Unlock()

	out := make([]MachineSnapshot, 0, len(ms))
	for _, m := range ms {
		if s, ok := m.snapshot(); ok {
			out = append(out, s)
		}
	}
	slices.SortFunc(out, func(a, b MachineSnapshot) int {
		return strings.Compare(a.AppID, b.AppID)
	})
	return out
}

// ResetAll sends Reset to every live machine and returns how many were
// reset.
func (t *Table) ResetAll() int {
	n := 0
	for _, s := range t.Snapshot() {
		if t.Dispatch(Event{Kind: Reset, AppID: s.AppID}) {
			n++
		}
	}
	return n
}

// Close cancels every settlement timer and drops every machine. Further
// events are ignored. It is safe to call multiple times.
func (t *Table) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	ms := make([]*Machine, 0, len(t.machines))
	for id, m := range t.machines {
		ms = append(ms, m)
		delete(t.machines, id)
	}
	t.mu.Unlock()

	t.cancel()
	for _, m := range ms {
		m.mu.Lock()
		m.removed = true
		m.mu.Unlock()
		t.sched.Cancel(debounce.KindSettlement, m.appID)
	}
	t.logger.Debug("lock table closed", "machines", len(ms))
}

// precheck rejects events that are invalid regardless of the table row.
func (t *Table) precheck(from State, epoch uint64, ev Event) error {
	if ev.Kind == ProtectedAppOpened && t.selfID != "" && ev.AppID == t.selfID {
		return fmt.Errorf("%w: %s", ErrSelfApplication, ev.AppID)
	}
	if ev.Kind == SettlementElapsed && ev.Epoch != 0 && (from != Pending || ev.Epoch != epoch) {
		return fmt.Errorf("%w: epoch %d, current %d in %s", ErrStaleTimer, ev.Epoch, epoch, from)
	}
	return nil
}

func (t *Table) reject(ev Event, from State, err error) {
	if ev.Kind == SettlementElapsed && ev.Epoch != 0 {
		t.record(telemetry.Record{
			Kind:   telemetry.KindTimer,
			AppID:  ev.AppID,
			From:   from.String(),
			Event:  "settlement",
			Reason: telemetry.OutcomeStale,
			Epoch:  ev.Epoch,
		})
		return
	}
	t.record(telemetry.Record{
		Kind:   telemetry.KindRejected,
		AppID:  ev.AppID,
		From:   from.String(),
		Event:  ev.Kind.String(),
		Reason: reasonFor(err),
	})
}

func (t *Table) record(r telemetry.Record) {
	if r.At.IsZero() {
		r.At = t.now()
	}
	t.observer.Record(r)
}

func (t *Table) now() time.Time {
	return t.sched.Now()
}

func (t *Table) nextEpoch() uint64 {
	return t.epoch.Add(1)
}

// retire drops m from the table. Called with m.mu held.
func (t *Table) retire(m *Machine) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.machines[m.appID] == m {
		delete(t.machines, m.appID)
	}
}

func (t *Table) eligible(appID string) bool {
	if t.guard == nil {
		return true
	}
	return t.guard.Eligible(appID)
}

func (t *Table) present(appID string) bool {
	if t.presence == nil {
		return true
	}
	return t.presence.Present(appID)
}

func (t *Table) isAuthenticated(appID string) bool {
	if t.auth == nil {
		return false
	}
	return t.auth.IsAuthenticated(appID)
}

// applyLocked runs the side effects that may execute under the machine lock.
// It returns false if a resume found the grant already expired.
func (t *Table) applyLocked(appID string, eff Effect, epoch uint64) bool {
	if eff.Has(EffectCancelSettlement) {
		t.sched.Cancel(debounce.KindSettlement, appID)
	}
	if eff.Has(EffectScheduleSettlement) {
		t.scheduleSettlement(appID, epoch)
	}
	if t.auth == nil {
		return true
	}
	if eff.Has(EffectAbandonVerification) {
		t.auth.AbandonVerification(appID)
	}
	if eff.Has(EffectArmExit) {
		t.auth.ArmIdleTimeout(appID)
	}
	if eff.Has(EffectResume) {
		return t.auth.Resume(appID)
	}
	return true
}

func (t *Table) scheduleSettlement(appID string, epoch uint64) {
	_, err := t.sched.Schedule(debounce.KindSettlement, appID, t.delay, epoch, func() {
		t.Dispatch(Event{Kind: SettlementElapsed, AppID: appID, Epoch: epoch})
	})
	if err != nil {
		t.logger.Warn("failed to schedule settlement", "app_id", appID, "epoch", epoch, "error", err)
	}
}

// requestVerification starts a prompt. If the machine moved on while the
// request was being set up, the fresh lease is abandoned again.
func (t *Table) requestVerification(appID string) {
	if t.auth == nil {
		return
	}
	started := t.auth.RequestVerification(t.ctx, appID)
	if started && t.State(appID) != Prompting {
		t.logger.Debug("machine left PROMPTING during request, abandoning", "app_id", appID)
		t.auth.AbandonVerification(appID)
	}
}
