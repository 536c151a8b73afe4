// ABOUTME: Serialized focus-event ingestion that drives the per-application lock machines
// ABOUTME: Filters noise, classifies transitions, routes departures and arrivals, and guards settlement

package processor

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/applockd/internal/debounce"
	"github.com/2389/applockd/internal/gesture"
	"github.com/2389/applockd/internal/lockstate"
	"github.com/2389/applockd/internal/metrics"
	"github.com/2389/applockd/internal/noise"
	"github.com/2389/applockd/internal/session"
)

// DefaultQueueSize is the ingestion queue capacity.
const DefaultQueueSize = 256

// ErrClosed is returned when submitting to a closed processor.
var ErrClosed = errors.New("processor closed")

// Focus dispositions, as counted by metrics.
const (
	DispositionNoise       = "noise"
	DispositionSelf        = "self"
	DispositionSame        = "same"
	DispositionProtected   = "protected"
	DispositionUnprotected = "unprotected"
	DispositionDropped     = "dropped"
)

// FocusEvent is one report from the focus observer.
type FocusEvent struct {
	AppID     string
	ClassName string

	// Timestamp is when the observer saw the change. Zero means now.
	Timestamp time.Time
}

// Machines is the lock table as seen by the processor.
type Machines interface {
	Dispatch(ev lockstate.Event) bool
	Has(appID string) bool
	ResetAll() int
	Snapshot() []lockstate.MachineSnapshot
}

// Sessions is the session manager as seen by the processor.
type Sessions interface {
	DisarmIdleTimeout(appID string) bool
	ClearAll() int
	Snapshot() []session.Snapshot
}

// Options configures a Processor.
type Options struct {
	SelfAppID string

	// QueueSize defaults to DefaultQueueSize.
	QueueSize int

	// Filter defaults to noise.Default().
	Filter *noise.Filter

	// RecentExitTTL bounds how long departures are remembered for return
	// detection. Defaults to gesture.ReturnWindow.
	RecentExitTTL time.Duration

	// ClassPatterns extends the classifier's recents/launcher patterns.
	ClassPatterns []string

	Clock   debounce.Clock
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// Status is a point-in-time view of the engine.
type Status struct {
	Foreground       string                      `json:"foreground"`
	ForegroundClass  string                      `json:"foreground_class,omitempty"`
	LastEventAt      *time.Time                  `json:"last_event_at,omitempty"`
	Protected        []string                    `json:"protected"`
	IdleTimeout      string                      `json:"idle_timeout"`
	CredentialMethod string                      `json:"credential_method"`
	QueueDepth       int                         `json:"queue_depth"`
	Machines         []lockstate.MachineSnapshot `json:"machines"`
	Sessions         []session.Snapshot          `json:"sessions"`
}

// Processor serializes focus events into lock events.
type Processor struct {
	selfID     string
	machines   Machines
	sessions   Sessions
	settings   *Settings
	filter     *noise.Filter
	classifier *gesture.Classifier
	recents    *gesture.RecentExits
	clock      debounce.Clock
	metrics    *metrics.Metrics
	logger     *slog.Logger

	queue chan FocusEvent
	done  chan struct{}

	// ingestMu serializes Process.
	ingestMu sync.Mutex
	lastExit string

	// fgMu guards the foreground fields. It is never held while
	// dispatching, so the settlement guard can read them from timer
	// goroutines.
	fgMu          sync.RWMutex
	lastAppID     string
	lastClassName string
	lastEventAt   time.Time

	// serving is the application that was in front when the locker's own
	// prompt UI took the foreground. Set only while the locker is in front.
	serving string

	closeOnce sync.Once
}

// New creates a processor.
func New(machines Machines, sessions Sessions, settings *Settings, opts Options) *Processor {
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	if opts.Filter == nil {
		opts.Filter = noise.Default()
	}
	if opts.Clock == nil {
		opts.Clock = debounce.SystemClock()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Processor{
		selfID:     opts.SelfAppID,
		machines:   machines,
		sessions:   sessions,
		settings:   settings,
		filter:     opts.Filter,
		classifier: gesture.NewClassifier(opts.Filter, opts.ClassPatterns...),
		recents:    gesture.NewRecentExits(opts.RecentExitTTL, 0, opts.Clock),
		clock:      opts.Clock,
		metrics:    opts.Metrics,
		logger:     logger.With("component", "processor"),
		queue:      make(chan FocusEvent, opts.QueueSize),
		done:       make(chan struct{}),
	}
}

// OnFocusEvent queues a focus report. tsMs is milliseconds since the Unix
// epoch; zero means now. It blocks while the queue is full and drops the
// event once the processor is closed.
func (p *Processor) OnFocusEvent(appID, className string, tsMs int64) {
	ev := FocusEvent{AppID: appID, ClassName: className}
	if tsMs > 0 {
		ev.Timestamp = time.UnixMilli(tsMs)
	}
	if err := p.Submit(context.Background(), ev); err != nil {
		p.metrics.RecordFocusEvent(DispositionDropped, 0)
		p.logger.Debug("dropping focus event", "app_id", appID, "error", err)
	}
}

// Submit queues ev, blocking until there is room, ctx is done or the
// processor is closed.
func (p *Processor) Submit(ctx context.Context, ev FocusEvent) error {
	select {
	case <-p.done:
		return ErrClosed
	default:
	}
	select {
	case p.queue <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-p.done:
		return ErrClosed
	}
}

// Run drains the queue until ctx is cancelled or the processor is closed.
func (p *Processor) Run(ctx context.Context) error {
	p.logger.Info("processor started")
	defer p.logger.Info("processor stopped")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.done:
			return nil
		case ev := <-p.queue:
			p.Process(ev)
		}
	}
}

// Process handles one focus event synchronously.
func (p *Processor) Process(ev FocusEvent) {
	start := time.Now()
	p.ingestMu.Lock()
	defer p.ingestMu.Unlock()

	if ev.Timestamp.IsZero() {
		ev.Timestamp = p.clock.Now()
	}
	disposition := p.process(ev)
	p.metrics.RecordFocusEvent(disposition, time.Since(start))
}

// process implements Process. Must be called with ingestMu held.
func (p *Processor) process(ev FocusEvent) string {
	prev := p.foreground()
	appID := ev.AppID

	if p.filter.IsNoise(appID) {
		if prev != "" && p.machines.Has(prev) {
			p.machines.Dispatch(lockstate.Event{Kind: lockstate.NoiseDetected, AppID: prev, ClassName: ev.ClassName})
		}
		p.logger.Debug("noise", "app_id", appID, "class", ev.ClassName, "foreground", prev)
		return DispositionNoise
	}

	if appID == p.selfID {
		if prev != appID {
			p.depart(prev, lockstate.AppLeft)
		}
		p.machines.Dispatch(lockstate.Event{Kind: lockstate.SelfAppOpened, AppID: appID, ClassName: ev.ClassName})
		p.setForeground(ev)
		return DispositionSelf
	}

	class := p.classifier.Classify(prev, appID, gesture.Meta{ClassName: ev.ClassName})
	values := p.settings.Get(context.Background())
	protected := values.IsProtected(appID)

	if appID == prev {
		p.machines.Dispatch(lockstate.Event{Kind: lockstate.SameAppActivityChanged, AppID: appID, ClassName: ev.ClassName})
		p.setForeground(ev)
		return DispositionSame
	}

	returning := false
	if since, ok := p.recents.Since(appID); ok {
		returning = gesture.IsReturn(p.lastExit, appID, since)
	}
	p.logger.Debug("foreground changed",
		"from", prev,
		"to", appID,
		"class", ev.ClassName,
		"classification", class.String(),
		"confidence", class.Confidence,
		"protected", protected,
		"returning", returning)

	// Leaving the locker's prompt UI is leaving the application it served.
	departing := prev
	if prev == p.selfID {
		departing = p.servingApp()
	}
	if departing != appID {
		leave := lockstate.UnprotectedAppOpened
		if protected {
			leave = lockstate.AppLeft
		}
		p.depart(departing, leave)
	}
	p.recents.Forget(appID)

	disposition := DispositionUnprotected
	if protected {
		p.sessions.DisarmIdleTimeout(appID)
		p.machines.Dispatch(lockstate.Event{Kind: lockstate.ProtectedAppOpened, AppID: appID, ClassName: ev.ClassName})
		disposition = DispositionProtected
	} else {
		p.machines.Dispatch(lockstate.Event{Kind: lockstate.UnprotectedAppOpened, AppID: appID, ClassName: ev.ClassName})
	}
	p.setForeground(ev)
	return disposition
}

// depart tells prev it lost the foreground. An unprotected arrival is
// delivered to prev as UnprotectedAppOpened, which also ends an open prompt;
// protected and self arrivals send AppLeft, which a prompt ignores. Must be
// called with ingestMu held.
func (p *Processor) depart(prev string, kind lockstate.EventKind) {
	if prev == "" || prev == p.selfID {
		return
	}
	p.recents.Record(prev)
	p.lastExit = prev
	if p.machines.Has(prev) {
		p.machines.Dispatch(lockstate.Event{Kind: kind, AppID: prev})
	}
}

func (p *Processor) foreground() string {
	p.fgMu.RLock()
	defer p.fgMu.RUnlock()
	return p.lastAppID
}

func (p *Processor) servingApp() string {
	p.fgMu.RLock()
	defer p.fgMu.RUnlock()
	return p.serving
}

func (p *Processor) setForeground(ev FocusEvent) {
	p.fgMu.Lock()
	defer p.fgMu.Unlock()
	switch {
	case ev.AppID != p.selfID:
		p.serving = ""
	case p.lastAppID != p.selfID:
		p.serving = p.lastAppID
	}
	p.lastAppID = ev.AppID
	p.lastClassName = ev.ClassName
	p.lastEventAt = ev.Timestamp
}

// Eligible implements lockstate.Guard: appID may still be locked only while
// it is in the foreground and protected.
func (p *Processor) Eligible(appID string) bool {
	return p.foreground() == appID && p.settings.IsProtected(appID)
}

// Present implements lockstate.Presence: appID is in the foreground, or the
// locker's prompt UI is in front on its behalf.
func (p *Processor) Present(appID string) bool {
	if appID == "" {
		return false
	}
	p.fgMu.RLock()
	defer p.fgMu.RUnlock()
	return p.lastAppID == appID || (p.lastAppID == p.selfID && p.serving == appID)
}

// Logout drops every grant and lease and returns every machine to IDLE.
// The next protected arrival prompts again.
func (p *Processor) Logout() {
	sessions := p.sessions.ClearAll()
	machines := p.machines.ResetAll()
	p.logger.Info("logged out", "sessions", sessions, "machines", machines)
}

// Refresh reloads the cached settings.
func (p *Processor) Refresh(ctx context.Context) error {
	return p.settings.Refresh(ctx)
}

// Status returns a snapshot of the engine.
func (p *Processor) Status() Status {
	values := p.settings.Current()

	p.fgMu.RLock()
	st := Status{
		Foreground:      p.lastAppID,
		ForegroundClass: p.lastClassName,
	}
	if !p.lastEventAt.IsZero() {
		at := p.lastEventAt
		st.LastEventAt = &at
	}
	p.fgMu.RUnlock()

	st.Protected = values.ProtectedList()
	st.IdleTimeout = values.IdleTimeout.String()
	st.CredentialMethod = string(values.CredentialMethod)
	st.QueueDepth = len(p.queue)
	st.Machines = p.machines.Snapshot()
	st.Sessions = p.sessions.Snapshot()
	return st
}

// Close stops Run and rejects further events. Queued events are discarded.
// It is safe to call multiple times.
func (p *Processor) Close() {
	p.closeOnce.Do(func() {
		close(p.done)
		p.recents.Close()
		p.settings.Close()
	})
}
