// Package telemetry carries the lock engine's observability records.
//
// Every accepted transition, rejected event, timer fire, verification outcome
// and lease change is reported as a Record to an Observer. The Hub is the
// production Observer: it logs each record (rejection warnings are sampled),
// updates Prometheus collectors, appends to an audit sink in the background,
// keeps a bounded history and fans records out to subscribers.
package telemetry
