// ABOUTME: TTL cache over the persistent protected set, idle timeout and credential method
// ABOUTME: Refreshes coalesce through singleflight and fall back to the last good values on error

package processor

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/2389/applockd/internal/debounce"
	"github.com/2389/applockd/internal/store"
	"github.com/2389/applockd/internal/verifier"
)

// DefaultSettingsTTL is how long loaded settings are served before a refresh.
const DefaultSettingsTTL = 5 * time.Second

const refreshTimeout = 5 * time.Second

// ConfigSource is the persistent configuration the engine reads. It can
// change at any time; the processor picks changes up on refresh.
type ConfigSource interface {
	ProtectedApplications(ctx context.Context) ([]string, error)
	IdleTimeout(ctx context.Context) (time.Duration, error)
	CredentialMethod(ctx context.Context) (string, error)
}

// Values is one loaded set of settings.
type Values struct {
	Protected        map[string]struct{}
	IdleTimeout      time.Duration
	CredentialMethod verifier.Kind
	LoadedAt         time.Time
}

// IsProtected reports whether appID is in the protected set.
func (v *Values) IsProtected(appID string) bool {
	_, ok := v.Protected[appID]
	return ok
}

// ProtectedList returns the protected set sorted.
func (v *Values) ProtectedList() []string {
	out := make([]string, 0, len(v.Protected))
	for id := range v.Protected {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// SettingsOptions configures a Settings cache.
type SettingsOptions struct {
	// SelfAppID is removed from every loaded protected set.
	SelfAppID string

	// TTL defaults to DefaultSettingsTTL.
	TTL time.Duration

	// DefaultIdleTimeout and DefaultMethod are served until the source
	// provides values, and whenever it has none.
	DefaultIdleTimeout time.Duration
	DefaultMethod      verifier.Kind

	Clock  debounce.Clock
	Logger *slog.Logger
}

// Settings caches a ConfigSource. It implements session.Settings.
type Settings struct {
	src         ConfigSource
	selfID      string
	ttl         time.Duration
	defaultIdle time.Duration
	defaultKind verifier.Kind
	clock       debounce.Clock
	logger      *slog.Logger

	group      singleflight.Group
	refreshing atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc

	mu  sync.RWMutex
	cur *Values
}

// NewSettings creates a cache over src. Nothing is loaded until the first
// Get or Refresh; until then the defaults are served with an empty
// protected set.
func NewSettings(src ConfigSource, opts SettingsOptions) *Settings {
	if opts.TTL <= 0 {
		opts.TTL = DefaultSettingsTTL
	}
	if opts.DefaultIdleTimeout < 0 {
		opts.DefaultIdleTimeout = 0
	}
	if opts.DefaultMethod == "" {
		opts.DefaultMethod = verifier.KindPIN
	}
	if opts.Clock == nil {
		opts.Clock = debounce.SystemClock()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Settings{
		src:         src,
		selfID:      opts.SelfAppID,
		ttl:         opts.TTL,
		defaultIdle: opts.DefaultIdleTimeout,
		defaultKind: opts.DefaultMethod,
		clock:       opts.Clock,
		logger:      logger.With("component", "settings"),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Get returns fresh values, loading them from the source if the cache is
// empty or older than the TTL.
func (s *Settings) Get(ctx context.Context) *Values {
	if v := s.fresh(); v != nil {
		return v
	}
	v, _ := s.load(ctx, false)
	return v
}

// Current returns the cached values without touching the source. A stale
// cache schedules a background refresh.
func (s *Settings) Current() *Values {
	if v := s.fresh(); v != nil {
		return v
	}
	s.refreshAsync()

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.cur != nil {
		return s.cur
	}
	return s.defaults()
}

// Refresh reloads every value from the source regardless of age. The
// returned error joins the failures of individual reads; the cache is
// still updated with whatever could be read.
func (s *Settings) Refresh(ctx context.Context) error {
	_, err := s.load(ctx, true)
	return err
}

// IdleTimeout implements session.Settings.
func (s *Settings) IdleTimeout() time.Duration {
	return s.Current().IdleTimeout
}

// CredentialMethod implements session.Settings.
func (s *Settings) CredentialMethod() verifier.Kind {
	return s.Current().CredentialMethod
}

// IsProtected reports whether appID is protected according to the cached
// values.
func (s *Settings) IsProtected(appID string) bool {
	if appID == "" || appID == s.selfID {
		return false
	}
	return s.Current().IsProtected(appID)
}

// Close stops background refreshes.
func (s *Settings) Close() {
	s.cancel()
}

func (s *Settings) fresh() *Values {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.cur != nil && s.clock.Now().Sub(s.cur.LoadedAt) < s.ttl {
		return s.cur
	}
	return nil
}

func (s *Settings) defaults() *Values {
	return &Values{
		Protected:        map[string]struct{}{},
		IdleTimeout:      s.defaultIdle,
		CredentialMethod: s.defaultKind,
	}
}

func (s *Settings) refreshAsync() {
	if s.ctx.Err() != nil || !s.refreshing.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer s.refreshing.Store(false)
		ctx, cancel := context.WithTimeout(s.ctx, refreshTimeout)
		defer cancel()
		_, _ = s.load(ctx, false)
	}()
}

type loadResult struct {
	values *Values
	err    error
}

// load reads the source through singleflight. Unless force is set, a load
// that finds the cache fresh again returns it without reading.
func (s *Settings) load(ctx context.Context, force bool) (*Values, error) {
	key := "settings"
	if force {
		key = "settings-force"
	}
	v, _, _ := s.group.Do(key, func() (any, error) {
		if !force {
			if cur := s.fresh(); cur != nil {
				return loadResult{values: cur}, nil
			}
		}
		values, err := s.read(ctx)
		return loadResult{values: values, err: err}, nil
	})
	res := v.(loadResult)
	return res.values, res.err
}

// read loads every value, keeping the previous (or default) value for any
// read that fails.
func (s *Settings) read(ctx context.Context) (*Values, error) {
	s.mu.RLock()
	prev := s.cur
	s.mu.RUnlock()
	if prev == nil {
		prev = s.defaults()
	}

	next := &Values{
		Protected:        prev.Protected,
		IdleTimeout:      prev.IdleTimeout,
		CredentialMethod: prev.CredentialMethod,
		LoadedAt:         s.clock.Now(),
	}
	var errs []error

	if ids, err := s.src.ProtectedApplications(ctx); err != nil {
		errs = append(errs, err)
		s.logger.Warn("failed to load protected applications, keeping previous set",
			"error", err, "count", len(prev.Protected))
		// Without a protected set ever read, the defaults are never fresh
		// and the next Get reads again.
		if prev.LoadedAt.IsZero() {
			next.LoadedAt = time.Time{}
		}
	} else {
		set := make(map[string]struct{}, len(ids))
		for _, id := range ids {
			if id == "" || id == s.selfID {
				continue
			}
			set[id] = struct{}{}
		}
		next.Protected = set
	}

	switch d, err := s.src.IdleTimeout(ctx); {
	case errors.Is(err, store.ErrNotFound):
		next.IdleTimeout = s.defaultIdle
	case err != nil:
		errs = append(errs, err)
		s.logger.Warn("failed to load idle timeout, keeping previous value",
			"error", err, "idle_timeout", prev.IdleTimeout)
	case d < 0:
		s.logger.Warn("ignoring negative idle timeout", "idle_timeout", d)
	default:
		next.IdleTimeout = d
	}

	switch raw, err := s.src.CredentialMethod(ctx); {
	case errors.Is(err, store.ErrNotFound):
		next.CredentialMethod = s.defaultKind
	case err != nil:
		errs = append(errs, err)
		s.logger.Warn("failed to load credential method, keeping previous value",
			"error", err, "method", prev.CredentialMethod)
	default:
		kind, perr := verifier.ParseKind(raw)
		if perr != nil {
			errs = append(errs, perr)
			s.logger.Warn("ignoring unknown credential method", "method", raw)
		} else {
			next.CredentialMethod = kind
		}
	}

	s.mu.Lock()
	s.cur = next
	s.mu.Unlock()

	s.logger.Debug("settings loaded",
		"protected", len(next.Protected),
		"idle_timeout", next.IdleTimeout,
		"method", next.CredentialMethod)
	return next, errors.Join(errs...)
}
