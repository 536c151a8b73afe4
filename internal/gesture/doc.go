// Package gesture tags transitions between consecutive foreground identifiers
// as app switches, returns to a recently-left application, or background
// navigation gestures. Its output is advisory diagnostics for the event
// processor; the lock state machine's transition table decides locking.
//
// RecentExits remembers when each application last left the foreground so
// the processor can tell a quick return from a fresh open.
package gesture
