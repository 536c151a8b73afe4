// ABOUTME: One application's lock state, updated atomically under its own mutex
// ABOUTME: Applies Next verdicts and runs their timer and session side effects

package lockstate

import (
	"errors"
	"sync"
	"time"

	"github.com/2389/applockd/internal/telemetry"
)

// Machine is the lock state of one application. Machines are created and
// owned by a Table.
type Machine struct {
	t     *Table
	appID string

	mu      sync.Mutex
	state   State
	epoch   uint64
	since   time.Time
	removed bool
}

func newMachine(t *Table, appID string) *Machine {
	return &Machine{t: t, appID: appID, state: Idle, since: t.now()}
}

// AppID returns the application the machine belongs to.
func (m *Machine) AppID() string {
	return m.appID
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Epoch returns the epoch of the last accepted transition.
func (m *Machine) Epoch() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.epoch
}

// ProcessEvent applies ev to the machine. It returns true iff the state
// changed or the PENDING settlement timer was restarted. Rejected events are
// reported to the table's observer and leave the state untouched.
func (m *Machine) ProcessEvent(ev Event) bool {
	changed, _ := m.process(ev)
	return changed
}

// process applies ev. retry is true when the machine was already retired and
// the caller should look the application up again.
func (m *Machine) process(ev Event) (changed, retry bool) {
	t := m.t
	ev.AppID = m.appID

	m.mu.Lock()
	if m.removed {
		m.mu.Unlock()
		return false, true
	}

	from := m.state
	if err := t.precheck(from, m.epoch, ev); err != nil {
		m.retireIfIdleLocked()
		m.mu.Unlock()
		t.reject(ev, from, err)
		return false, false
	}

	kind := ev.Kind
	reason := ""
	var cond Cond
	if kind == SettlementElapsed {
		if ev.Epoch != 0 {
			t.record(telemetry.Record{
				Kind:   telemetry.KindTimer,
				AppID:  m.appID,
				From:   from.String(),
				Event:  "settlement",
				Reason: telemetry.OutcomeFired,
				Epoch:  ev.Epoch,
			})
			if !t.eligible(m.appID) {
				kind = Reset
				reason = "no_longer_eligible"
			}
		}
		if kind == SettlementElapsed {
			cond.Authenticated = t.isAuthenticated(m.appID)
		}
	}

	to, eff, err := Next(from, kind, cond)
	if err != nil {
		m.retireIfIdleLocked()
		m.mu.Unlock()
		t.reject(ev, from, err)
		return false, false
	}
	if IsNoop(from, to, eff) {
		m.retireIfIdleLocked()
		m.mu.Unlock()
		return false, false
	}

	epoch := t.nextEpoch()
	m.state = to
	m.epoch = epoch
	m.since = t.now()

	resumed := t.applyLocked(m.appID, eff, epoch)
	records := []telemetry.Record{{
		Kind:   telemetry.KindTransition,
		AppID:  m.appID,
		From:   from.String(),
		Event:  kind.String(),
		To:     to.String(),
		Reason: reason,
		Epoch:  epoch,
	}}

	// An unlock answered while the application is not in front is a
	// departure, or its grant would never start to expire.
	if kind == AuthenticationSucceeded && to == Authenticated && !t.present(m.appID) {
		left, leftEff, _ := Next(Authenticated, AppLeft, Cond{})
		leftEpoch := t.nextEpoch()
		m.state = left
		m.epoch = leftEpoch
		m.since = t.now()
		t.applyLocked(m.appID, leftEff, leftEpoch)
		records = append(records, telemetry.Record{
			Kind:   telemetry.KindTransition,
			AppID:  m.appID,
			From:   Authenticated.String(),
			Event:  AppLeft.String(),
			To:     left.String(),
			Reason: "unlocked_in_background",
			Epoch:  leftEpoch,
		})
	}

	m.retireIfIdleLocked()
	m.mu.Unlock()

	for _, r := range records {
		t.record(r)
	}

	if eff.Has(EffectRequestVerification) {
		t.requestVerification(m.appID)
	}
	if !resumed {
		t.logger.Info("grant expired before resume, prompting again", "app_id", m.appID)
		t.Dispatch(Event{Kind: ProtectedAppOpened, AppID: m.appID})
	}
	return true, false
}

// retireIfIdleLocked drops an IDLE machine from its table. Called with m.mu
// held.
func (m *Machine) retireIfIdleLocked() {
	if m.state != Idle || m.removed {
		return
	}
	m.removed = true
	m.t.retire(m)
}

func (m *Machine) snapshot() (MachineSnapshot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.removed {
		return MachineSnapshot{}, false
	}
	return MachineSnapshot{
		AppID: m.appID,
		State: m.state,
		Epoch: m.epoch,
		Since: m.since,
	}, true
}

// reasonFor maps a rejection error to its telemetry reason.
func reasonFor(err error) string {
	switch {
	case errors.Is(err, ErrSelfApplication):
		return "self_application"
	case errors.Is(err, ErrStaleTimer):
		return "stale_timer"
	case errors.Is(err, ErrInvalidTransition):
		return "invalid_transition"
	default:
		return "error"
	}
}
