// ABOUTME: Observability record emitted for transitions, rejections, timers, verifications and leases
// ABOUTME: Defines the Observer interface the engine reports through

package telemetry

import (
	"log/slog"
	"time"
)

// Kind classifies a record.
type Kind string

const (
	KindTransition   Kind = "transition"
	KindRejected     Kind = "rejected"
	KindTimer        Kind = "timer"
	KindVerification Kind = "verification"
	KindLease        Kind = "lease"
)

// Timer outcomes carried in Record.Reason.
const (
	OutcomeFired = "fired"
	OutcomeStale = "stale"
)

// Verification outcomes carried in Record.Reason.
const (
	OutcomeStarted   = "started"
	OutcomeSuccess   = "success"
	OutcomeFailure   = "failure"
	OutcomeAbandoned = "abandoned"
	OutcomeTimeout   = "timeout"
	OutcomeError     = "error"
)

// Lease changes carried in Record.Event.
const (
	LeaseAcquired = "acquired"
	LeaseReleased = "released"
)

// Record describes one observable engine occurrence.
//
// For transitions and rejections From, Event and To are lock state and event
// names. For timer records Event is the timer kind and Reason the outcome.
// For verification records Event is the credential kind and Reason the
// outcome. For lease records Event is LeaseAcquired or LeaseReleased.
type Record struct {
	Kind   Kind      `json:"kind"`
	AppID  string    `json:"app_id"`
	From   string    `json:"from,omitempty"`
	Event  string    `json:"event,omitempty"`
	To     string    `json:"to,omitempty"`
	Reason string    `json:"reason,omitempty"`
	Epoch  uint64    `json:"epoch,omitempty"`
	At     time.Time `json:"at"`
}

// LogValue renders the record as a structured log group.
func (r Record) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.String("kind", string(r.Kind)),
		slog.String("app_id", r.AppID),
	}
	if r.From != "" {
		attrs = append(attrs, slog.String("from", r.From))
	}
	if r.Event != "" {
		attrs = append(attrs, slog.String("event", r.Event))
	}
	if r.To != "" {
		attrs = append(attrs, slog.String("to", r.To))
	}
	if r.Reason != "" {
		attrs = append(attrs, slog.String("reason", r.Reason))
	}
	if r.Epoch != 0 {
		attrs = append(attrs, slog.Uint64("epoch", r.Epoch))
	}
	return slog.GroupValue(attrs...)
}

// Observer receives engine records. Implementations must not block and must
// not call back into the engine.
type Observer interface {
	Record(Record)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Record)

// Record calls f(r).
func (f ObserverFunc) Record(r Record) { f(r) }

// Nop discards every record.
type Nop struct{}

// Record does nothing.
func (Nop) Record(Record) {}

// Multi fans a record out to several observers in order.
type Multi []Observer

// Record forwards r to every observer.
func (m Multi) Record(r Record) {
	for _, o := range m {
		if o != nil {
			o.Record(r)
		}
	}
}
