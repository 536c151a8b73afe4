// ABOUTME: Lock states, lock events and the sentinel errors of the state machine
// ABOUTME: States and event kinds render as the names used in logs and telemetry

package lockstate

import "errors"

var (
	// ErrInvalidTransition is returned for an event the current state does
	// not accept.
	ErrInvalidTransition = errors.New("invalid transition")

	// ErrSelfApplication is returned when the locking application itself is
	// reported as a protected application.
	ErrSelfApplication = errors.New("self application cannot be protected")

	// ErrStaleTimer is returned for a settlement fire whose epoch has been
	// superseded.
	ErrStaleTimer = errors.New("stale timer")
)

// State is the lock state of one application.
type State int

const (
	Idle State = iota
	Pending
	Prompting
	Authenticated
)

func (s State) String() string {
	switch s {
	case Idle:
		return "IDLE"
	case Pending:
		return "PENDING"
	case Prompting:
		return "PROMPTING"
	case Authenticated:
		return "AUTHENTICATED"
	default:
		return "UNKNOWN"
	}
}

// MarshalText renders the state name, so states read well in JSON.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// EventKind enumerates lock events.
type EventKind int

const (
	ProtectedAppOpened EventKind = iota + 1
	UnprotectedAppOpened
	SameAppActivityChanged
	SettlementElapsed
	AuthenticationSucceeded
	AuthenticationFailed
	AppLeft
	NoiseDetected
	SelfAppOpened
	Reset
)

var eventNames = map[EventKind]string{
	ProtectedAppOpened:      "ProtectedAppOpened",
	UnprotectedAppOpened:    "UnprotectedAppOpened",
	SameAppActivityChanged:  "SameAppActivityChanged",
	SettlementElapsed:       "SettlementElapsed",
	AuthenticationSucceeded: "AuthenticationSucceeded",
	AuthenticationFailed:    "AuthenticationFailed",
	AppLeft:                 "AppLeft",
	NoiseDetected:           "NoiseDetected",
	SelfAppOpened:           "SelfAppOpened",
	Reset:                   "Reset",
}

func (k EventKind) String() string {
	if name, ok := eventNames[k]; ok {
		return name
	}
	return "Unknown"
}

// Event is one input to a machine. Every event targets the machine of AppID.
type Event struct {
	Kind  EventKind
	AppID string

	// ClassName is the window class of focus-derived events, for diagnostics.
	ClassName string

	// Epoch is set on SettlementElapsed events produced by the settlement
	// timer; it must match the epoch of the PENDING transition that armed
	// the timer. Externally produced events leave it zero.
	Epoch uint64
}
