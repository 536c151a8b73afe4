// ABOUTME: The lock transition table as a pure function of state, event and authentication
// ABOUTME: Returns the next state, the side effects to run, or ErrInvalidTransition

package lockstate

import (
	"fmt"
	"strings"
)

// Effect is a bit set of side effects a transition requires.
type Effect uint8

const (
	EffectScheduleSettlement Effect = 1 << iota
	EffectCancelSettlement
	EffectRequestVerification
	EffectAbandonVerification
	EffectResume
	EffectArmExit

	EffectNone Effect = 0
)

var effectNames = []struct {
	e    Effect
	name string
}{
	{EffectScheduleSettlement, "schedule_settlement"},
	{EffectCancelSettlement, "cancel_settlement"},
	{EffectRequestVerification, "request_verification"},
	{EffectAbandonVerification, "abandon_verification"},
	{EffectResume, "resume"},
	{EffectArmExit, "arm_exit"},
}

// Has reports whether every bit of o is set in e.
func (e Effect) Has(o Effect) bool {
	return o != 0 && e&o == o
}

func (e Effect) String() string {
	if e == EffectNone {
		return "none"
	}
	var parts []string
	for _, n := range effectNames {
		if e.Has(n.e) {
			parts = append(parts, n.name)
		}
	}
	return strings.Join(parts, "|")
}

// Cond is the environment a transition may depend on.
type Cond struct {
	// Authenticated is the session answer at settlement time.
	Authenticated bool
}

// Next returns the state that follows from on ev, with the side effects the
// transition requires. Pairs the table does not list return
// ErrInvalidTransition. Rows that keep the state and schedule nothing are
// no-ops.
func Next(from State, ev EventKind, cond Cond) (State, Effect, error) {
	if ev == Reset {
		return Idle, leaving(from), nil
	}

	switch from {
	case Idle:
		switch ev {
		case ProtectedAppOpened:
			return Pending, EffectScheduleSettlement, nil
		case UnprotectedAppOpened, SelfAppOpened, NoiseDetected, SameAppActivityChanged, AppLeft:
			return Idle, EffectNone, nil
		}

	case Pending:
		switch ev {
		case SettlementElapsed:
			if cond.Authenticated {
				return Authenticated, EffectCancelSettlement | EffectResume, nil
			}
			return Prompting, EffectCancelSettlement | EffectRequestVerification, nil
		case UnprotectedAppOpened, SelfAppOpened, AppLeft:
			return Idle, EffectCancelSettlement, nil
		case ProtectedAppOpened:
			return Pending, EffectScheduleSettlement, nil
		case NoiseDetected, SameAppActivityChanged:
			return Pending, EffectNone, nil
		}

	case Prompting:
		switch ev {
		case AuthenticationSucceeded:
			return Authenticated, EffectNone, nil
		case AuthenticationFailed:
			return Idle, EffectNone, nil
		case UnprotectedAppOpened, SelfAppOpened:
			return Idle, EffectAbandonVerification, nil
		case ProtectedAppOpened, NoiseDetected, SameAppActivityChanged, AppLeft:
			return Prompting, EffectNone, nil
		}

	case Authenticated:
		switch ev {
		case AppLeft, UnprotectedAppOpened, SelfAppOpened:
			return Idle, EffectArmExit, nil
		case ProtectedAppOpened:
			return Pending, EffectScheduleSettlement, nil
		case SameAppActivityChanged, NoiseDetected:
			return Authenticated, EffectNone, nil
		}
	}

	return from, EffectNone, fmt.Errorf("%w: %s on %s", ErrInvalidTransition, ev, from)
}

// leaving returns the effects of a forced return to IDLE from s.
func leaving(s State) Effect {
	switch s {
	case Pending:
		return EffectCancelSettlement
	case Prompting:
		return EffectAbandonVerification
	case Authenticated:
		return EffectArmExit
	default:
		return EffectNone
	}
}

// IsNoop reports whether a verdict leaves the machine untouched.
func IsNoop(from, to State, eff Effect) bool {
	return from == to && !eff.Has(EffectScheduleSettlement)
}
