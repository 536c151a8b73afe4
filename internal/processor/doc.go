// Package processor turns the raw focus stream into lock events.
//
// # Overview
//
// The Processor is the orchestrator between the focus observer and the lock
// engine. Focus events are queued by OnFocusEvent and drained one at a time
// by Run; Process handles a single event synchronously. For each event:
//
//  1. Noise (launchers, system UI, gesture surfaces) is dropped. If the
//     previously foregrounded application has a live machine it receives
//     NoiseDetected so it stays parked. The foreground is not updated.
//  2. The locking application itself sends AppLeft to the previous
//     application, then SelfAppOpened.
//  3. Everything else is classified by the gesture classifier for
//     diagnostics and checked against the protected set.
//  4. A repeat of the foreground application is SameAppActivityChanged.
//     Otherwise the previous application receives AppLeft and the arrival
//     receives ProtectedAppOpened (after its pending exit timer is disarmed)
//     or UnprotectedAppOpened.
//  5. The foreground application, window class and timestamp are updated.
//
// # Settings
//
// The protected set, idle timeout and credential method come from a
// ConfigSource and are cached for a TTL. Concurrent refreshes are coalesced
// with singleflight. When the source fails the last good values are kept,
// falling back to configured defaults. The locking application's identifier
// is never part of the protected set.
//
// Settings implements session.Settings. Its accessors never block on the
// source; a stale cache triggers a background refresh.
//
// # Guard
//
// Eligible is the lock table's settlement guard: an application may be
// locked only while it is still in the foreground and still protected.
package processor
