// Package daemon wires the lock engine together and serves it.
//
// # Components
//
// New opens the SQLite store and builds, in order: Prometheus metrics, the
// telemetry hub (auditing into the store), the timer scheduler, the cached
// settings, the rpc server, one verifier per credential kind, the session
// manager, the lock table and the focus processor. The table, session
// manager and processor refer to each other through closures resolved once
// all three exist.
//
// # Servers
//
// The gRPC server carries applock.v1.LockEngine. With auth.jwt_secret set,
// every call needs a bearer token whose role satisfies rpc.Policy; without
// it, calls run as an anonymous admin.
//
// The HTTP server exposes:
//
//	GET /health             liveness
//	GET /ready              engine running and store reachable
//	GET /metrics            Prometheus exposition (metrics.path)
//	GET /api/status         engine snapshot (admin)
//	GET /api/transitions    persisted records (admin); app_id, kind, since, limit
//
// # Lifecycle
//
// Run starts the processor, the transition log pruner and both servers, and
// blocks until its context is cancelled or a server fails. Shutdown stops
// the servers, ends open streams, closes the processor, lock table, session
// manager and scheduler, flushes the audit queue and closes the store.
package daemon
