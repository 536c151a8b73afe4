// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite

package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/applockd/internal/telemetry"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu          sync.RWMutex
	protected   map[string]time.Time // keyed by app ID
	settings    map[string]string
	credentials map[string]string // keyed by credential kind
	transitions []TransitionEntry

	// Err, when set, is returned by every read. Tests use it to simulate an
	// unavailable database.
	Err error
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		protected:   make(map[string]time.Time),
		settings:    make(map[string]string),
		credentials: make(map[string]string),
	}
}

// SetErr sets Err under the store's lock, for tests that flip it while
// other goroutines read.
func (m *MockStore) SetErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Err = err
}

// AddProtectedApp marks appID as protected.
func (m *MockStore) AddProtectedApp(ctx context.Context, appID string) error {
	if appID == "" {
		return errors.New("application id is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.protected[appID]; !ok {
		m.protected[appID] = time.Now().UTC()
	}
	return nil
}

// RemoveProtectedApp unprotects appID.
func (m *MockStore) RemoveProtectedApp(ctx context.Context, appID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.protected[appID]; !ok {
		return ErrNotFound
	}
	delete(m.protected, appID)
	return nil
}

// ListProtectedApps returns every protected application ordered by id.
func (m *MockStore) ListProtectedApps(ctx context.Context) ([]ProtectedApp, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.Err != nil {
		return nil, m.Err
	}
	apps := make([]ProtectedApp, 0, len(m.protected))
	for id, at := range m.protected {
		apps = append(apps, ProtectedApp{AppID: id, CreatedAt: at})
	}
	sort.Slice(apps, func(i, j int) bool { return apps[i].AppID < apps[j].AppID })
	return apps, nil
}

// ProtectedApplications returns the protected application ids.
func (m *MockStore) ProtectedApplications(ctx context.Context) ([]string, error) {
	apps, err := m.ListProtectedApps(ctx)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(apps))
	for _, app := range apps {
		ids = append(ids, app.AppID)
	}
	return ids, nil
}

// SetSetting stores value under key.
func (m *MockStore) SetSetting(ctx context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settings[key] = value
	return nil
}

// GetSetting returns the value stored under key.
func (m *MockStore) GetSetting(ctx context.Context, key string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.Err != nil {
		return "", m.Err
	}
	v, ok := m.settings[key]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

// IdleTimeout returns the configured idle timeout.
func (m *MockStore) IdleTimeout(ctx context.Context) (time.Duration, error) {
	raw, err := m.GetSetting(ctx, SettingIdleTimeout)
	if err != nil {
		return 0, err
	}
	return parseIdleTimeout(raw)
}

// SetIdleTimeout stores the idle timeout.
func (m *MockStore) SetIdleTimeout(ctx context.Context, d time.Duration) error {
	if d < 0 {
		return fmt.Errorf("%w: idle timeout must not be negative", ErrInvalidSetting)
	}
	return m.SetSetting(ctx, SettingIdleTimeout, d.String())
}

// CredentialMethod returns the configured credential method.
func (m *MockStore) CredentialMethod(ctx context.Context) (string, error) {
	return m.GetSetting(ctx, SettingCredentialMethod)
}

// SetCredentialMethod stores the credential method.
func (m *MockStore) SetCredentialMethod(ctx context.Context, method string) error {
	if method == "" {
		return fmt.Errorf("%w: credential method is required", ErrInvalidSetting)
	}
	return m.SetSetting(ctx, SettingCredentialMethod, method)
}

// SetCredentialHash stores the hash enrolled for kind.
func (m *MockStore) SetCredentialHash(ctx context.Context, kind, hash string) error {
	switch kind {
	case "pin", "pattern", "password":
	default:
		return fmt.Errorf("%w: %q has no stored secret", ErrInvalidSetting, kind)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.credentials[kind] = hash
	return nil
}

// CredentialHash returns the hash enrolled for kind.
func (m *MockStore) CredentialHash(ctx context.Context, kind string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.Err != nil {
		return "", m.Err
	}
	h, ok := m.credentials[kind]
	if !ok {
		return "", ErrNotFound
	}
	return h, nil
}

// DeleteCredential removes the secret enrolled for kind.
func (m *MockStore) DeleteCredential(ctx context.Context, kind string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.credentials[kind]; !ok {
		return ErrNotFound
	}
	delete(m.credentials, kind)
	return nil
}

// AppendRecord appends a telemetry record to the transition log.
func (m *MockStore) AppendRecord(ctx context.Context, rec telemetry.Record) error {
	if rec.At.IsZero() {
		rec.At = time.Now().UTC()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transitions = append(m.transitions, TransitionEntry{ID: uuid.New().String(), Record: rec})
	return nil
}

// ListTransitions returns transition log entries matching the filter,
// newest first.
func (m *MockStore) ListTransitions(ctx context.Context, f TransitionFilter) ([]TransitionEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.Err != nil {
		return nil, m.Err
	}

	limit := normalizeLimit(f.Limit)
	entries := []TransitionEntry{}
	for i := len(m.transitions) - 1; i >= 0 && len(entries) < limit; i-- {
		e := m.transitions[i]
		if f.AppID != nil && e.AppID != *f.AppID {
			continue
		}
		if f.Kind != nil && e.Kind != *f.Kind {
			continue
		}
		if f.Since != nil && e.At.Before(*f.Since) {
			continue
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// PruneTransitions deletes entries older than before.
func (m *MockStore) PruneTransitions(ctx context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.transitions[:0]
	var n int64
	for _, e := range m.transitions {
		if e.At.Before(before) {
			n++
			continue
		}
		kept = append(kept, e)
	}
	m.transitions = kept
	return n, nil
}

// Close is a no-op for MockStore.
func (m *MockStore) Close() error {
	return nil
}

var (
	_ Store = (*SQLiteStore)(nil)
	_ Store = (*MockStore)(nil)
)
