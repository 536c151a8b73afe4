// Package noise decides whether a foreground-focus identifier belongs to the
// OS shell, a launcher, or a transient gesture surface rather than a real
// application. Focus events for such identifiers are dropped before they reach
// the lock state machine.
package noise
