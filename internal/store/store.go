// ABOUTME: Store interface and data types for applockd persistence
// ABOUTME: Protected applications, settings, enrolled credential hashes and the transition log

package store

import (
	"context"
	"errors"
	"time"

	"github.com/2389/applockd/internal/telemetry"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrInvalidSetting is returned when a stored setting cannot be parsed
var ErrInvalidSetting = errors.New("invalid setting")

// Setting keys
const (
	SettingIdleTimeout      = "idle_timeout"
	SettingCredentialMethod = "credential_method"
)

// ProtectedApp is an application the user asked to lock
type ProtectedApp struct {
	AppID     string
	CreatedAt time.Time
}

// TransitionEntry is one persisted telemetry record
type TransitionEntry struct {
	ID string `json:"id"`
	telemetry.Record
}

// TransitionFilter specifies filtering options for listing transition log entries.
type TransitionFilter struct {
	AppID *string         // filter by application
	Kind  *telemetry.Kind // filter by record kind
	Since *time.Time      // entries at or after this time
	Limit int             // max results (default 100, max 1000)
}

// Store defines the persistence operations the daemon and CLI need
type Store interface {
	// Protected applications
	AddProtectedApp(ctx context.Context, appID string) error
	RemoveProtectedApp(ctx context.Context, appID string) error
	ListProtectedApps(ctx context.Context) ([]ProtectedApp, error)
	ProtectedApplications(ctx context.Context) ([]string, error)

	// Settings
	SetSetting(ctx context.Context, key, value string) error
	GetSetting(ctx context.Context, key string) (string, error)
	IdleTimeout(ctx context.Context) (time.Duration, error)
	SetIdleTimeout(ctx context.Context, d time.Duration) error
	CredentialMethod(ctx context.Context) (string, error)
	SetCredentialMethod(ctx context.Context, method string) error

	// Credentials
	SetCredentialHash(ctx context.Context, kind, hash string) error
	CredentialHash(ctx context.Context, kind string) (string, error)
	DeleteCredential(ctx context.Context, kind string) error

	// Transition log
	AppendRecord(ctx context.Context, rec telemetry.Record) error
	ListTransitions(ctx context.Context, f TransitionFilter) ([]TransitionEntry, error)
	PruneTransitions(ctx context.Context, before time.Time) (int64, error)

	// Close releases any resources held by the store
	Close() error
}

// normalizeLimit applies default (100) and cap (1000) to a list limit.
func normalizeLimit(limit int) int {
	switch {
	case limit <= 0:
		return 100
	case limit > 1000:
		return 1000
	default:
		return limit
	}
}
