// ABOUTME: Per-application authentication grants, idle-timeout expiry and prompt leases
// ABOUTME: Implements lockstate.Authenticator and feeds verification outcomes back as lock events

package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/2389/applockd/internal/auth"
	"github.com/2389/applockd/internal/debounce"
	"github.com/2389/applockd/internal/lockstate"
	"github.com/2389/applockd/internal/telemetry"
	"github.com/2389/applockd/internal/verifier"
)

const (
	// DefaultExitDelay is how long after leaving an authenticated
	// application its grant is converted into a concrete expiry.
	DefaultExitDelay = 1500 * time.Millisecond

	// DefaultIdleTimeout is the grace period after leaving an application
	// before its grant expires.
	DefaultIdleTimeout = 30 * time.Second

	// DefaultPromptTimeout is how long a prompt may stay unanswered.
	DefaultPromptTimeout = 2 * time.Minute

	// DefaultCredentialMethod is used when no settings are configured.
	DefaultCredentialMethod = verifier.KindPIN
)

var (
	// ErrLeaseHeld is returned by Acquire when a verification is already
	// outstanding for the application.
	ErrLeaseHeld = errors.New("verification already outstanding")

	// ErrAlreadyAuthenticated is returned by Acquire when the application
	// holds a live grant.
	ErrAlreadyAuthenticated = errors.New("already authenticated")
)

// Settings supplies the user-configurable values the manager reads at
// decision time.
type Settings interface {
	IdleTimeout() time.Duration
	CredentialMethod() verifier.Kind
}

// StaticSettings is a fixed Settings value.
type StaticSettings struct {
	Idle   time.Duration
	Method verifier.Kind
}

// IdleTimeout returns s.Idle.
func (s StaticSettings) IdleTimeout() time.Duration { return s.Idle }

// CredentialMethod returns s.Method.
func (s StaticSettings) CredentialMethod() verifier.Kind { return s.Method }

// Sink receives the lock events the manager produces.
type Sink func(ev lockstate.Event) bool

// Options configures a Manager.
type Options struct {
	ExitDelay     time.Duration
	PromptTimeout time.Duration

	// Settings defaults to DefaultIdleTimeout and DefaultCredentialMethod.
	Settings Settings

	// Tokens signs request tokens that bind a verification result to its
	// application and request. Without it tokens are random strings.
	Tokens *auth.TokenIssuer

	Observer telemetry.Observer
	Logger   *slog.Logger
}

type grantKind int

const (
	grantNone grantKind = iota
	grantNever
	grantUntil
)

func (g grantKind) String() string {
	switch g {
	case grantNever:
		return "never"
	case grantUntil:
		return "until"
	default:
		return "none"
	}
}

// Lease is the token proving one verification is outstanding.
type Lease struct {
	AppID     string        `json:"app_id"`
	Kind      verifier.Kind `json:"kind"`
	RequestID string        `json:"request_id"`
	Token     string        `json:"-"`
	Since     time.Time     `json:"since"`

	epoch uint64
}

type entry struct {
	appID string

	mu    sync.Mutex
	grant grantKind
	until time.Time

	// exit tracks a departure whose exit timer has not fired yet.
	exitPending bool
	leftAt      time.Time
	idle        time.Duration
	exitEpoch   uint64

	lease   *Lease
	removed bool
}

// Snapshot is a point-in-time view of one application's session.
type Snapshot struct {
	AppID         string     `json:"app_id"`
	Authenticated bool       `json:"authenticated"`
	Grant         string     `json:"grant"`
	Until         *time.Time `json:"until,omitempty"`
	ExitPending   bool       `json:"exit_pending"`
	Lease         *Lease     `json:"lease,omitempty"`
}

// Manager tracks grants and leases for every application.
type Manager struct {
	sched         *debounce.Scheduler
	verifiers     *verifier.Set
	sink          Sink
	settings      Settings
	tokens        *auth.TokenIssuer
	exitDelay     time.Duration
	promptTimeout time.Duration
	observer      telemetry.Observer
	logger        *slog.Logger

	epoch atomic.Uint64

	mu      sync.Mutex
	entries map[string]*entry
	closed  bool
}

// NewManager creates a manager and registers it as the result callback of
// every verifier in verifiers.
func NewManager(sched *debounce.Scheduler, verifiers *verifier.Set, sink Sink, opts Options) *Manager {
	if sched == nil {
		sched = debounce.New(nil, opts.Logger)
	}
	if verifiers == nil {
		verifiers = verifier.NewSet()
	}
	if sink == nil {
		sink = func(lockstate.Event) bool { return false }
	}
	if opts.ExitDelay <= 0 {
		opts.ExitDelay = DefaultExitDelay
	}
	if opts.PromptTimeout <= 0 {
		opts.PromptTimeout = DefaultPromptTimeout
	}
	if opts.Settings == nil {
		opts.Settings = StaticSettings{Idle: DefaultIdleTimeout, Method: DefaultCredentialMethod}
	}
	if opts.Observer == nil {
		opts.Observer = telemetry.Nop{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	m := &Manager{
		sched:         sched,
		verifiers:     verifiers,
		sink:          sink,
		settings:      opts.Settings,
		tokens:        opts.Tokens,
		exitDelay:     opts.ExitDelay,
		promptTimeout: opts.PromptTimeout,
		observer:      opts.Observer,
		logger:        logger.With("component", "session"),
		entries:       make(map[string]*entry),
	}
	for _, v := range verifiers.All() {
		v.RegisterResultCallback(func(res verifier.Result) { m.OnVerificationResult(res) })
	}
	return m
}

// IsAuthenticated reports whether appID holds a grant that has not expired.
func (m *Manager) IsAuthenticated(appID string) bool {
	e := m.lookup(appID)
	if e == nil {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return m.authenticatedLocked(e, m.sched.Now())
}

// RequestVerification starts a prompt for appID. It returns false without
// prompting if the application is already authenticated, in which case a
// success is fed back immediately, or if a prompt is already outstanding.
// A verifier that fails to start is reported as a failed verification.
func (m *Manager) RequestVerification(ctx context.Context, appID string) bool {
	lease, err := m.Acquire(appID)
	switch {
	case errors.Is(err, ErrAlreadyAuthenticated):
		m.logger.Debug("already authenticated, synthesizing success", "app_id", appID)
		m.sink(lockstate.Event{Kind: lockstate.AuthenticationSucceeded, AppID: appID})
		return false
	case err != nil:
		m.logger.Debug("not starting verification", "app_id", appID, "error", err)
		return false
	}

	v, err := m.verifiers.Get(lease.Kind)
	if err == nil {
		err = invoke(ctx, v, verifier.Request{AppID: appID, RequestID: lease.RequestID, Token: lease.Token})
	}
	if err != nil {
		m.logger.Warn("verifier failed to start", "app_id", appID, "kind", lease.Kind, "error", err)
		m.complete(appID, lease.RequestID, false, telemetry.OutcomeError)
	}
	return true
}

// Acquire takes the prompt lease for appID and arms its prompt timeout.
func (m *Manager) Acquire(appID string) (*Lease, error) {
	var e *entry
	now := m.sched.Now()
	for {
		var err error
		if e, err = m.acquireEntry(appID); err != nil {
			return nil, err
		}
		if m.authenticatedLocked(e, now) {
			e.mu.Unlock()
			return nil, ErrAlreadyAuthenticated
		}
		if !e.removed {
			break
		}
		// The read above expired the grant and retired the entry.
		e.mu.Unlock()
	}
	defer e.mu.Unlock()
	if e.lease != nil {
		return nil, fmt.Errorf("%w for %s", ErrLeaseHeld, appID)
	}

	requestID := uuid.NewString()
	token, err := m.requestToken(appID, requestID)
	if err != nil {
		m.retireIfEmptyLocked(e)
		return nil, err
	}
	lease := &Lease{
		AppID:     appID,
		Kind:      m.settings.CredentialMethod(),
		RequestID: requestID,
		Token:     token,
		Since:     now,
		epoch:     m.epoch.Add(1),
	}
	e.lease = lease

	_, err = m.sched.Schedule(debounce.KindPrompt, appID, m.promptTimeout, lease.epoch, func() {
		m.promptTimedOut(appID, lease.epoch)
	})
	if err != nil {
		m.logger.Warn("failed to arm prompt timeout", "app_id", appID, "error", err)
	}

	m.record(telemetry.Record{Kind: telemetry.KindLease, AppID: appID, Event: telemetry.LeaseAcquired, Epoch: lease.epoch})
	m.record(telemetry.Record{Kind: telemetry.KindVerification, AppID: appID, Event: string(lease.Kind), Reason: telemetry.OutcomeStarted, Epoch: lease.epoch})
	copied := *lease
	return &copied, nil
}

func (m *Manager) requestToken(appID, requestID string) (string, error) {
	if m.tokens == nil {
		return uuid.NewString(), nil
	}
	token, err := m.tokens.IssueRequestToken(appID, requestID, m.promptTimeout+time.Minute)
	if err != nil {
		return "", fmt.Errorf("issuing request token: %w", err)
	}
	return token, nil
}

// invoke calls v.Verify, turning a panic into an error.
func invoke(ctx context.Context, v verifier.Verifier, req verifier.Request) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("verifier panicked: %v", r)
		}
	}()
	return v.Verify(ctx, req)
}

// OnVerificationResult applies a verifier's answer. Results that do not
// match the outstanding lease are ignored and false is returned.
func (m *Manager) OnVerificationResult(res verifier.Result) bool {
	if m.tokens != nil {
		appID, requestID, err := m.tokens.VerifyRequestToken(res.Token)
		if err != nil || appID != res.AppID || requestID != res.RequestID {
			m.logger.Warn("ignoring result with invalid request token", "app_id", res.AppID, "request_id", res.RequestID)
			return false
		}
	}

	e := m.lookup(res.AppID)
	if e == nil {
		m.logger.Debug("ignoring result for unknown application", "app_id", res.AppID)
		return false
	}
	e.mu.Lock()
	l := e.lease
	if l == nil || l.RequestID != res.RequestID || l.Token != res.Token {
		e.mu.Unlock()
		m.logger.Debug("ignoring stale verification result", "app_id", res.AppID, "request_id", res.RequestID)
		return false
	}
	e.mu.Unlock()

	outcome := telemetry.OutcomeFailure
	switch {
	case res.Success:
		outcome = telemetry.OutcomeSuccess
	case res.Err != nil:
		outcome = telemetry.OutcomeError
		m.logger.Warn("verification error", "app_id", res.AppID, "kind", res.Kind, "error", res.Err)
	}
	return m.complete(res.AppID, res.RequestID, res.Success, outcome)
}

// complete releases the lease for requestID, sets the grant and feeds the
// outcome back through the sink.
func (m *Manager) complete(appID, requestID string, success bool, outcome string) bool {
	e := m.lookup(appID)
	if e == nil {
		return false
	}
	e.mu.Lock()
	l := e.lease
	if l == nil || l.RequestID != requestID {
		e.mu.Unlock()
		return false
	}
	m.releaseLocked(e)
	e.exitPending = false
	if success {
		e.grant = grantNever
	} else {
		e.grant = grantNone
	}
	m.retireIfEmptyLocked(e)
	e.mu.Unlock()

	m.record(telemetry.Record{Kind: telemetry.KindVerification, AppID: appID, Event: string(l.Kind), Reason: outcome, Epoch: l.epoch})

	kind := lockstate.AuthenticationFailed
	if success {
		kind = lockstate.AuthenticationSucceeded
	}
	m.sink(lockstate.Event{Kind: kind, AppID: appID})
	return true
}

func (m *Manager) promptTimedOut(appID string, epoch uint64) {
	e := m.lookup(appID)
	if e != nil {
		e.mu.Lock()
		l := e.lease
		live := l != nil && l.epoch == epoch
		e.mu.Unlock()
		if live {
			m.record(telemetry.Record{Kind: telemetry.KindTimer, AppID: appID, Event: string(debounce.KindPrompt), Reason: telemetry.OutcomeFired, Epoch: epoch})
			m.logger.Info("prompt timed out", "app_id", appID, "request_id", l.RequestID)
			m.cancelPrompt(l)
			m.complete(appID, l.RequestID, false, telemetry.OutcomeTimeout)
			return
		}
	}
	m.record(telemetry.Record{Kind: telemetry.KindTimer, AppID: appID, Event: string(debounce.KindPrompt), Reason: telemetry.OutcomeStale, Epoch: epoch})
}

// AbandonVerification drops the outstanding lease for appID without feeding
// an event back, and withdraws the prompt if the verifier supports it.
func (m *Manager) AbandonVerification(appID string) {
	e := m.lookup(appID)
	if e == nil {
		return
	}
	e.mu.Lock()
	l := e.lease
	if l == nil {
		e.mu.Unlock()
		return
	}
	m.releaseLocked(e)
	m.retireIfEmptyLocked(e)
	e.mu.Unlock()

	m.record(telemetry.Record{Kind: telemetry.KindVerification, AppID: appID, Event: string(l.Kind), Reason: telemetry.OutcomeAbandoned, Epoch: l.epoch})
	m.cancelPrompt(l)
}

func (m *Manager) cancelPrompt(l *Lease) {
	v, err := m.verifiers.Get(l.Kind)
	if err != nil {
		return
	}
	if c, ok := v.(verifier.Canceler); ok {
		c.Cancel(l.RequestID)
	}
}

// releaseLocked drops the lease and its prompt timeout. Must be called with
// e.mu held and a lease present.
func (m *Manager) releaseLocked(e *entry) {
	l := e.lease
	e.lease = nil
	if epoch, ok := m.sched.Pending(debounce.KindPrompt, e.appID); ok && epoch == l.epoch {
		m.sched.Cancel(debounce.KindPrompt, e.appID)
	}
	m.record(telemetry.Record{Kind: telemetry.KindLease, AppID: e.appID, Event: telemetry.LeaseReleased, Epoch: l.epoch})
}

// ArmIdleTimeout records that the user left an application holding a Never
// grant and schedules the exit timer. It does nothing for any other grant.
func (m *Manager) ArmIdleTimeout(appID string) {
	e := m.lookup(appID)
	if e == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.grant != grantNever || e.exitPending {
		return
	}

	e.exitPending = true
	e.leftAt = m.sched.Now()
	e.idle = m.settings.IdleTimeout()
	e.exitEpoch = m.epoch.Add(1)
	epoch := e.exitEpoch

	_, err := m.sched.Schedule(debounce.KindExit, appID, m.exitDelay, epoch, func() {
		m.exitElapsed(appID, epoch)
	})
	if err != nil {
		m.logger.Warn("failed to arm exit timer", "app_id", appID, "error", err)
	}
}

// exitElapsed converts a Never grant into a concrete expiry and schedules
// its removal.
func (m *Manager) exitElapsed(appID string, epoch uint64) {
	reason := telemetry.OutcomeStale
	defer func() {
		m.record(telemetry.Record{Kind: telemetry.KindTimer, AppID: appID, Event: string(debounce.KindExit), Reason: reason, Epoch: epoch})
	}()

	e := m.lookup(appID)
	if e == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.exitPending || e.exitEpoch != epoch || e.grant != grantNever {
		return
	}
	reason = telemetry.OutcomeFired

	e.exitPending = false
	e.grant = grantUntil
	e.until = e.leftAt.Add(e.idle)

	now := m.sched.Now()
	if !now.Before(e.until) {
		e.grant = grantNone
		m.retireIfEmptyLocked(e)
		return
	}
	_, err := m.sched.Schedule(debounce.KindExit, appID, e.until.Sub(now), epoch, func() {
		m.expire(appID, epoch)
	})
	if err != nil {
		m.logger.Warn("failed to schedule grant expiry", "app_id", appID, "error", err)
	}
}

func (m *Manager) expire(appID string, epoch uint64) {
	e := m.lookup(appID)
	if e == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.exitEpoch != epoch {
		return
	}
	// A lazy read may already have dropped the grant.
	m.authenticatedLocked(e, m.sched.Now())
	m.record(telemetry.Record{Kind: telemetry.KindTimer, AppID: appID, Event: "expiry", Reason: telemetry.OutcomeFired, Epoch: epoch})
}

// DisarmIdleTimeout handles a return to appID before its exit timer fired:
// the timer is cancelled and the grant kept, unless it has already expired,
// in which case it is cleared. It returns whether appID is still
// authenticated.
func (m *Manager) DisarmIdleTimeout(appID string) bool {
	e := m.lookup(appID)
	if e == nil {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.exitPending {
		m.sched.Cancel(debounce.KindExit, appID)
		now := m.sched.Now()
		if now.Before(e.leftAt.Add(e.idle)) {
			e.exitPending = false
			m.logger.Debug("returned before exit timer, keeping grant", "app_id", appID)
			return true
		}
		e.exitPending = false
		e.grant = grantNone
		m.retireIfEmptyLocked(e)
		return false
	}
	return m.authenticatedLocked(e, m.sched.Now())
}

// Resume restores a Never grant when appID re-enters AUTHENTICATED. It
// returns false if the grant expired in the meantime.
func (m *Manager) Resume(appID string) bool {
	e := m.lookup(appID)
	if e == nil {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if !m.authenticatedLocked(e, m.sched.Now()) {
		return false
	}
	if e.exitPending || e.grant == grantUntil {
		m.sched.Cancel(debounce.KindExit, appID)
	}
	e.exitPending = false
	e.grant = grantNever
	e.until = time.Time{}
	return true
}

// ClearAll drops every grant and lease and cancels every session timer. It
// returns the number of sessions cleared.
func (m *Manager) ClearAll() int {
	m.mu.Lock()
	entries := make([]*entry, 0, len(m.entries))
	for _, e := range m.entries {
		entries = append(entries, e)
	}
	m.mu.Unlock()

	var leases []*Lease
	for _, e := range entries {
		e.mu.Lock()
		if e.lease != nil {
			leases = append(leases, e.lease)
			m.releaseLocked(e)
		}
		if e.exitPending || e.grant == grantUntil {
			m.sched.Cancel(debounce.KindExit, e.appID)
		}
		e.grant = grantNone
		e.exitPending = false
		m.retireIfEmptyLocked(e)
		e.mu.Unlock()
	}

	for _, l := range leases {
		m.record(telemetry.Record{Kind: telemetry.KindVerification, AppID: l.AppID, Event: string(l.Kind), Reason: telemetry.OutcomeAbandoned, Epoch: l.epoch})
		m.cancelPrompt(l)
	}
	if len(entries) > 0 {
		m.logger.Info("cleared all sessions", "count", len(entries))
	}
	return len(entries)
}

// HasLease reports whether a verification is outstanding for appID.
func (m *Manager) HasLease(appID string) bool {
	e := m.lookup(appID)
	if e == nil {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lease != nil
}

// Len returns the number of tracked sessions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// Snapshot returns every tracked session ordered by application.
func (m *Manager) Snapshot() []Snapshot {
	m.mu.Lock()
	entries := make([]*entry, 0, len(m.entries))
	for _, e := range m.entries {
		entries = append(entries, e)
	}
	m.mu.Unlock()

	now := m.sched.Now()
	out := make([]Snapshot, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		if e.removed {
			e.mu.Unlock()
			continue
		}
		s := Snapshot{
			AppID:         e.appID,
			Authenticated: m.authenticatedLocked(e, now),
			Grant:         e.grant.String(),
			ExitPending:   e.exitPending,
		}
		if e.grant == grantUntil {
			until := e.until
			s.Until = &until
		}
		if e.lease != nil {
			l := *e.lease
			s.Lease = &l
		}
		e.mu.Unlock()
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AppID < out[j].AppID })
	return out
}

// Close releases every lease, cancels every session timer and detaches from
// the verifiers. It is safe to call more than once.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.mu.Unlock()

	for _, v := range m.verifiers.All() {
		v.UnregisterResultCallback()
	}
	m.ClearAll()
}

// authenticatedLocked reports whether e's grant is live at now, dropping an
// expired grant. Must be called with e.mu held.
func (m *Manager) authenticatedLocked(e *entry, now time.Time) bool {
	switch e.grant {
	case grantNever:
		if e.exitPending && !now.Before(e.leftAt.Add(e.idle)) {
			return false
		}
		return true
	case grantUntil:
		if now.Before(e.until) {
			return true
		}
		e.grant = grantNone
		e.until = time.Time{}
		m.retireIfEmptyLocked(e)
		return false
	default:
		return false
	}
}

func (m *Manager) lookup(appID string) *entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.entries[appID]
}

// acquireEntry returns the live entry for appID with its lock held, creating
// it if needed.
func (m *Manager) acquireEntry(appID string) (*entry, error) {
	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return nil, errors.New("session manager closed")
		}
		e, ok := m.entries[appID]
		if !ok {
			e = &entry{appID: appID}
			m.entries[appID] = e
		}
		m.mu.Unlock()

		e.mu.Lock()
		if !e.removed {
			return e, nil
		}
		e.mu.Unlock()
	}
}

// retireIfEmptyLocked removes e once it holds nothing worth keeping. Must be
// called with e.mu held.
func (m *Manager) retireIfEmptyLocked(e *entry) {
	if e.removed || e.grant != grantNone || e.lease != nil || e.exitPending {
		return
	}
	e.removed = true
	m.mu.Lock()
	if m.entries[e.appID] == e {
		delete(m.entries, e.appID)
	}
	m.mu.Unlock()
}

func (m *Manager) record(r telemetry.Record) {
	if r.At.IsZero() {
		r.At = m.sched.Now()
	}
	m.observer.Record(r)
}
