// Package metrics exposes the lock engine's Prometheus collectors.
//
// Collectors are registered on a private registry so several engines (and
// tests) can coexist in one process. Every method is safe on a nil *Metrics,
// which lets components treat metrics as optional:
//
//	m := metrics.New()
//	m.RecordTransition("IDLE", "ProtectedAppOpened", "PENDING")
//	http.Handle("/metrics", m.Handler())
package metrics
