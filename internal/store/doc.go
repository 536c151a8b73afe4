// Package store provides persistent storage for applockd using SQLite.
//
// # Data Models
//
//   - ProtectedApp: an application the user asked to lock
//   - settings: key/value pairs (idle_timeout, credential_method)
//   - credentials: bcrypt hashes of the enrolled PIN, pattern and password
//   - TransitionEntry: append-only log of lock engine telemetry records
//
// SQLiteStore implements processor.ConfigSource, verifier.CredentialStore and
// telemetry.AuditSink, so the daemon passes the same value to all three.
//
// # SQLite Configuration
//
// The store uses SQLite with WAL mode for concurrent reads:
//
//	PRAGMA journal_mode=WAL;
//	PRAGMA foreign_keys=ON;
//
// Database file locations:
//
//   - Production: /var/lib/applockd/applockd.db
//   - Development: ~/.local/share/applockd/applockd.db
//   - Testing: :memory: or a file under t.TempDir()
//
// # Error Handling
//
//   - ErrNotFound: requested entity or setting does not exist
//   - ErrInvalidSetting: a stored or submitted setting is malformed
//
// # Testing
//
// Use NewMockStore() for unit tests of consumers. MockStore.Err makes every
// read fail, which exercises fallback paths.
package store
