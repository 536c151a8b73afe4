// Package lockstate implements the per-application lock state machine.
//
// Each application identifier has its own Machine holding one of four
// states: IDLE, PENDING, PROMPTING and AUTHENTICATED. A Table keys machines by
// application, creates them when an event first moves an application out of
// IDLE and drops them whenever they return to IDLE. The transition table
// itself is the pure function Next; everything else in this package applies
// its verdicts and their side effects.
//
// # Side effects
//
// Entering PENDING schedules a settlement timer tagged with the epoch of the
// transition. When it fires, the machine re-checks that it is still PENDING at
// that epoch, asks its Guard whether the application is still in the
// foreground and still protected, and consults the Authenticator to decide
// between PROMPTING and AUTHENTICATED. Entering PROMPTING asks the
// Authenticator to start a verification, whose result comes back later as an
// AuthenticationSucceeded or AuthenticationFailed event. Leaving
// AUTHENTICATED arms the session's exit timer.
//
// # Locking
//
// Every machine has its own mutex, so applications never block each other.
// Timer bookkeeping and the non-dispatching Authenticator calls run under
// that mutex; RequestVerification runs after it is released because it may
// feed an event straight back into the table.
package lockstate
