// Package session tracks per-application authentication grants and the
// single verification prompt each application may have outstanding.
//
// A grant is None (unauthenticated), Never (authenticated with no expiry
// yet) or Until(t). Leaving an authenticated application arms an exit timer;
// if the user has not come back when it fires, the grant becomes
// Until(leftAt + idleTimeout). Reads are exact: once leftAt + idleTimeout has
// passed the application is unauthenticated even if the exit timer has not
// fired yet.
//
// The Manager implements lockstate.Authenticator. Verification outcomes are
// fed back to the lock table through the sink passed to NewManager, always
// outside the Manager's own locks.
package session
