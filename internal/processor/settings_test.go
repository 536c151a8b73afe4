// ABOUTME: Tests for the settings cache over the persistent configuration source
// ABOUTME: Covers TTL caching, forced refresh, self exclusion, error fallback and refresh coalescing

package processor

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/applockd/internal/debounce"
	"github.com/2389/applockd/internal/store"
	"github.com/2389/applockd/internal/verifier"
)

const selfID = "com.example.applock"

func newTestSettings(t *testing.T, src ConfigSource, clock debounce.Clock) *Settings {
	t.Helper()
	s := NewSettings(src, SettingsOptions{
		SelfAppID:          selfID,
		TTL:                5 * time.Second,
		DefaultIdleTimeout: 30 * time.Second,
		DefaultMethod:      verifier.KindPIN,
		Clock:              clock,
	})
	t.Cleanup(s.Close)
	return s
}

func TestSettings_LoadsAndExcludesSelf(t *testing.T) {
	ctx := context.Background()
	st := store.NewMockStore()
	require.NoError(t, st.AddProtectedApp(ctx, "com.example.bank"))
	require.NoError(t, st.AddProtectedApp(ctx, selfID))
	require.NoError(t, st.SetIdleTimeout(ctx, time.Minute))
	require.NoError(t, st.SetCredentialMethod(ctx, "password"))

	s := newTestSettings(t, st, debounce.NewManualClock(time.Unix(1_700_000_000, 0)))
	v := s.Get(ctx)

	assert.Equal(t, []string{"com.example.bank"}, v.ProtectedList())
	assert.Equal(t, time.Minute, v.IdleTimeout)
	assert.Equal(t, verifier.KindPassword, v.CredentialMethod)
	assert.False(t, s.IsProtected(selfID))
	assert.False(t, s.IsProtected(""))
	assert.True(t, s.IsProtected("com.example.bank"))
}

func TestSettings_DefaultsWhenUnset(t *testing.T) {
	s := newTestSettings(t, store.NewMockStore(), debounce.NewManualClock(time.Unix(1_700_000_000, 0)))
	require.NoError(t, s.Refresh(context.Background()))

	assert.Equal(t, 30*time.Second, s.IdleTimeout())
	assert.Equal(t, verifier.KindPIN, s.CredentialMethod())
	assert.Empty(t, s.Get(context.Background()).ProtectedList())
}

func TestSettings_CachesForTTL(t *testing.T) {
	ctx := context.Background()
	clock := debounce.NewManualClock(time.Unix(1_700_000_000, 0))
	st := store.NewMockStore()
	s := newTestSettings(t, st, clock)

	assert.False(t, s.Get(ctx).IsProtected("com.example.bank"))
	require.NoError(t, st.AddProtectedApp(ctx, "com.example.bank"))

	clock.Advance(4 * time.Second)
	assert.False(t, s.Get(ctx).IsProtected("com.example.bank"), "served from cache")

	clock.Advance(time.Second)
	assert.True(t, s.Get(ctx).IsProtected("com.example.bank"))
}

func TestSettings_RefreshIgnoresTTL(t *testing.T) {
	ctx := context.Background()
	st := store.NewMockStore()
	s := newTestSettings(t, st, debounce.NewManualClock(time.Unix(1_700_000_000, 0)))

	s.Get(ctx)
	require.NoError(t, st.SetIdleTimeout(ctx, 0))
	require.NoError(t, s.Refresh(ctx))
	assert.Zero(t, s.IdleTimeout())
}

func TestSettings_KeepsLastGoodValuesOnError(t *testing.T) {
	ctx := context.Background()
	st := store.NewMockStore()
	require.NoError(t, st.AddProtectedApp(ctx, "com.example.bank"))
	require.NoError(t, st.SetIdleTimeout(ctx, time.Minute))
	s := newTestSettings(t, st, debounce.NewManualClock(time.Unix(1_700_000_000, 0)))
	require.NoError(t, s.Refresh(ctx))

	st.SetErr(assert.AnError)
	err := s.Refresh(ctx)
	require.ErrorIs(t, err, assert.AnError)

	assert.True(t, s.IsProtected("com.example.bank"))
	assert.Equal(t, time.Minute, s.IdleTimeout())
}

func TestSettings_FirstLoadErrorServesDefaults(t *testing.T) {
	st := store.NewMockStore()
	st.SetErr(assert.AnError)
	s := newTestSettings(t, st, debounce.NewManualClock(time.Unix(1_700_000_000, 0)))

	v := s.Get(context.Background())
	assert.Empty(t, v.Protected)
	assert.Equal(t, 30*time.Second, v.IdleTimeout)
	assert.Equal(t, verifier.KindPIN, v.CredentialMethod)
}

func TestSettings_FirstLoadErrorRetriesOnNextGet(t *testing.T) {
	ctx := context.Background()
	st := store.NewMockStore()
	require.NoError(t, st.AddProtectedApp(ctx, "com.example.bank"))
	s := newTestSettings(t, st, debounce.NewManualClock(time.Unix(1_700_000_000, 0)))

	st.SetErr(assert.AnError)
	v := s.Get(ctx)
	assert.False(t, v.IsProtected("com.example.bank"))
	assert.True(t, v.LoadedAt.IsZero())

	// Same instant: a fresh cache would be served without reading.
	st.SetErr(nil)
	v = s.Get(ctx)
	assert.True(t, v.IsProtected("com.example.bank"))
	assert.False(t, v.LoadedAt.IsZero())
}

func TestSettings_LaterLoadErrorStaysFresh(t *testing.T) {
	ctx := context.Background()
	st := store.NewMockStore()
	require.NoError(t, st.AddProtectedApp(ctx, "com.example.bank"))
	clock := debounce.NewManualClock(time.Unix(1_700_000_000, 0))
	s := newTestSettings(t, st, clock)
	require.NoError(t, s.Refresh(ctx))

	st.SetErr(assert.AnError)
	clock.Advance(6 * time.Second)
	v := s.Get(ctx)
	assert.True(t, v.IsProtected("com.example.bank"))
	assert.Equal(t, clock.Now(), v.LoadedAt)
}

func TestSettings_UnknownMethodKeepsPrevious(t *testing.T) {
	ctx := context.Background()
	st := store.NewMockStore()
	require.NoError(t, st.SetCredentialMethod(ctx, "pattern"))
	s := newTestSettings(t, st, debounce.NewManualClock(time.Unix(1_700_000_000, 0)))
	require.NoError(t, s.Refresh(ctx))

	require.NoError(t, st.SetCredentialMethod(ctx, "retina"))
	err := s.Refresh(ctx)
	require.ErrorIs(t, err, verifier.ErrUnknownKind)
	assert.Equal(t, verifier.KindPattern, s.CredentialMethod())
}

// countingSource counts protected-set reads and blocks the first one until
// release is closed.
type countingSource struct {
	reads   atomic.Int32
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func (c *countingSource) ProtectedApplications(ctx context.Context) ([]string, error) {
	c.reads.Add(1)
	c.once.Do(func() { close(c.started) })
	<-c.release
	return []string{"com.example.bank"}, nil
}

func (c *countingSource) IdleTimeout(ctx context.Context) (time.Duration, error) {
	return 0, store.ErrNotFound
}

func (c *countingSource) CredentialMethod(ctx context.Context) (string, error) {
	return "", store.ErrNotFound
}

func TestSettings_ConcurrentGetsCoalesce(t *testing.T) {
	src := &countingSource{started: make(chan struct{}), release: make(chan struct{})}
	s := newTestSettings(t, src, debounce.NewManualClock(time.Unix(1_700_000_000, 0)))

	var wg sync.WaitGroup
	results := make([]bool, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = s.Get(context.Background()).IsProtected("com.example.bank")
		}(i)
	}

	<-src.started
	close(src.release)
	wg.Wait()

	assert.Equal(t, int32(1), src.reads.Load())
	for _, ok := range results {
		assert.True(t, ok)
	}
}

func TestSettings_CurrentRefreshesInBackground(t *testing.T) {
	ctx := context.Background()
	st := store.NewMockStore()
	s := newTestSettings(t, st, debounce.NewManualClock(time.Unix(1_700_000_000, 0)))

	require.NoError(t, st.AddProtectedApp(ctx, "com.example.bank"))
	require.Eventually(t, func() bool {
		return s.Current().IsProtected("com.example.bank")
	}, time.Second, 5*time.Millisecond)
}
