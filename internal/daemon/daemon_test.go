// ABOUTME: Tests for the daemon's HTTP surface and an end-to-end lock and unlock over gRPC
// ABOUTME: Uses a MockStore for handler tests and a temporary SQLite file for the full run

package daemon

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/applockd/internal/auth"
	"github.com/2389/applockd/internal/config"
	"github.com/2389/applockd/internal/lockstate"
	"github.com/2389/applockd/internal/rpc"
	"github.com/2389/applockd/internal/store"
	"github.com/2389/applockd/internal/telemetry"
	"github.com/2389/applockd/internal/verifier"
)

const (
	bank      = "com.example.bank"
	mail      = "com.example.mail"
	jwtSecret = "0123456789abcdef0123456789abcdef"
)

// testLogger creates a silent logger for tests.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// freeAddr returns a loopback address with an available port.
func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

// testConfig creates a valid config with fast timers and available ports.
func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Server.GRPCAddr = freeAddr(t)
	cfg.Server.HTTPAddr = freeAddr(t)
	cfg.Database.Path = filepath.Join(t.TempDir(), "applockd.db")
	cfg.Auth.JWTSecret = jwtSecret
	cfg.Engine.SettlementDelay = 50 * time.Millisecond
	cfg.Engine.SettingsTTL = 50 * time.Millisecond
	return cfg
}

func token(t *testing.T, role auth.Role) string {
	t.Helper()
	issuer, err := auth.NewTokenIssuer([]byte(jwtSecret))
	require.NoError(t, err)
	tok, err := issuer.Generate("test-"+string(role), role, time.Hour)
	require.NoError(t, err)
	return tok
}

// newTestDaemon builds a daemon over a MockStore with the engine started.
func newTestDaemon(t *testing.T) (*Daemon, *store.MockStore) {
	t.Helper()
	st := store.NewMockStore()
	require.NoError(t, st.AddProtectedApp(context.Background(), bank))

	d, err := newDaemon(testConfig(t), st, testLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	d.startEngine(ctx)
	t.Cleanup(func() {
		_ = d.Shutdown(context.Background())
		cancel()
		d.wg.Wait()
	})
	return d, st
}

func get(t *testing.T, h http.Handler, path, tok string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	d, _ := newTestDaemon(t)
	rec := get(t, d.Handler(), "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())
}

func TestReady(t *testing.T) {
	st := store.NewMockStore()
	d, err := newDaemon(testConfig(t), st, testLogger())
	require.NoError(t, err)
	defer d.Shutdown(context.Background())

	rec := get(t, d.Handler(), "/ready", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d.startEngine(ctx)

	rec = get(t, d.Handler(), "/ready", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "0 protected")

	st.SetErr(assert.AnError)
	rec = get(t, d.Handler(), "/ready", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestStatus_Auth(t *testing.T) {
	d, _ := newTestDaemon(t)

	tests := []struct {
		name string
		tok  string
		want int
	}{
		{"missing token", "", http.StatusUnauthorized},
		{"bad token", "not-a-jwt", http.StatusUnauthorized},
		{"observer", token(t, auth.RoleObserver), http.StatusForbidden},
		{"prompter", token(t, auth.RolePrompter), http.StatusForbidden},
		{"admin", token(t, auth.RoleAdmin), http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := get(t, d.Handler(), "/api/status", tt.tok)
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestStatus_Body(t *testing.T) {
	d, _ := newTestDaemon(t)
	require.NoError(t, d.processor.Refresh(context.Background()))

	rec := get(t, d.Handler(), "/api/status", token(t, auth.RoleAdmin))
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Protected        []string `json:"protected"`
		CredentialMethod string   `json:"credential_method"`
		IdleTimeout      string   `json:"idle_timeout"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, []string{bank}, body.Protected)
	assert.Equal(t, "pin", body.CredentialMethod)
	assert.Equal(t, "30s", body.IdleTimeout)
}

func TestTransitions(t *testing.T) {
	d, st := newTestDaemon(t)
	ctx := context.Background()
	admin := token(t, auth.RoleAdmin)

	old := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	recent := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, st.AppendRecord(ctx, telemetry.Record{Kind: telemetry.KindTransition, AppID: bank, From: "IDLE", Event: "ProtectedAppOpened", To: "PENDING", Epoch: 1, At: old}))
	require.NoError(t, st.AppendRecord(ctx, telemetry.Record{Kind: telemetry.KindTransition, AppID: mail, From: "IDLE", Event: "ProtectedAppOpened", To: "PENDING", Epoch: 2, At: recent}))
	require.NoError(t, st.AppendRecord(ctx, telemetry.Record{Kind: telemetry.KindTimer, AppID: bank, Event: "settlement", Reason: telemetry.OutcomeFired, Epoch: 1, At: recent}))

	decode := func(rec *httptest.ResponseRecorder) []store.TransitionEntry {
		t.Helper()
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		var body TransitionsResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		return body.Entries
	}

	all := decode(get(t, d.Handler(), "/api/transitions", admin))
	assert.Len(t, all, 3)

	byApp := decode(get(t, d.Handler(), "/api/transitions?app_id="+bank, admin))
	require.Len(t, byApp, 2)
	for _, e := range byApp {
		assert.Equal(t, bank, e.AppID)
		assert.NotEmpty(t, e.ID)
	}

	byKind := decode(get(t, d.Handler(), "/api/transitions?kind=timer", admin))
	require.Len(t, byKind, 1)
	assert.Equal(t, telemetry.OutcomeFired, byKind[0].Reason)

	since := decode(get(t, d.Handler(), "/api/transitions?since=2026-02-01T00:00:00Z", admin))
	assert.Len(t, since, 2)

	limited := decode(get(t, d.Handler(), "/api/transitions?limit=1", admin))
	assert.Len(t, limited, 1)

	rec := get(t, d.Handler(), "/api/transitions?since=yesterday", admin)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = get(t, d.Handler(), "/api/transitions?limit=-1", admin)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	d, _ := newTestDaemon(t)
	d.processor.OnFocusEvent(mail, "", 0)

	require.Eventually(t, func() bool {
		rec := get(t, d.Handler(), "/metrics", "")
		return rec.Code == http.StatusOK && strings.Contains(rec.Body.String(), "applockd_focus_events_total")
	}, 2*time.Second, 20*time.Millisecond)
}

func TestMetricsDisabled(t *testing.T) {
	cfg := testConfig(t)
	cfg.Metrics.Enabled = false
	d, err := newDaemon(cfg, store.NewMockStore(), testLogger())
	require.NoError(t, err)
	defer d.Shutdown(context.Background())

	rec := get(t, d.Handler(), "/metrics", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestNoAuth(t *testing.T) {
	cfg := testConfig(t)
	cfg.Auth.JWTSecret = ""
	d, err := newDaemon(cfg, store.NewMockStore(), testLogger())
	require.NoError(t, err)
	defer d.Shutdown(context.Background())

	rec := get(t, d.Handler(), "/api/status", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestShutdownIdempotent(t *testing.T) {
	d, _ := newTestDaemon(t)
	require.NoError(t, d.Shutdown(context.Background()))
	require.NoError(t, d.Shutdown(context.Background()))

	rec := get(t, d.Handler(), "/ready", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestRun_LockAndUnlock(t *testing.T) {
	cfg := testConfig(t)
	ctx := context.Background()

	seed, err := store.NewSQLiteStore(cfg.Database.Path)
	require.NoError(t, err)
	require.NoError(t, seed.AddProtectedApp(ctx, bank))
	hash, err := verifier.HashSecret(verifier.KindPIN, "1234")
	require.NoError(t, err)
	require.NoError(t, seed.SetCredentialHash(ctx, string(verifier.KindPIN), hash))
	require.NoError(t, seed.Close())

	d, err := New(cfg, testLogger())
	require.NoError(t, err)

	runCtx, stop := context.WithCancel(ctx)
	runErr := make(chan error, 1)
	go func() { runErr <- d.Run(runCtx) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + cfg.Server.HTTPAddr + "/ready")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)

	prompter, err := rpc.Dial(cfg.Server.GRPCAddr, token(t, auth.RolePrompter))
	require.NoError(t, err)
	defer prompter.Close()
	observer, err := rpc.Dial(cfg.Server.GRPCAddr, token(t, auth.RoleObserver))
	require.NoError(t, err)
	defer observer.Close()

	watchCtx, cancelWatch := context.WithCancel(ctx)
	defer cancelWatch()
	prompts := make(chan verifier.Prompt, 8)
	go func() {
		_ = prompter.WatchPrompts(watchCtx, func(p verifier.Prompt) error {
			prompts <- p
			return nil
		})
	}()
	require.Eventually(t, func() bool { return d.rpc.WatcherCount() == 1 }, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, observer.ReportFocus(ctx, bank, "com.example.bank.MainActivity", time.Now()))

	var p verifier.Prompt
	select {
	case p = <-prompts:
	case <-time.After(5 * time.Second):
		t.Fatal("no prompt for protected app")
	}
	assert.Equal(t, bank, p.AppID)
	assert.Equal(t, verifier.KindPIN, p.Kind)

	matched, _, err := prompter.SubmitSecret(ctx, p.Kind, p.RequestID, p.Token, "1234")
	require.NoError(t, err)
	assert.True(t, matched)

	require.Eventually(t, func() bool {
		for _, m := range d.processor.Status().Machines {
			if m.AppID == bank && m.State == lockstate.Authenticated {
				return true
			}
		}
		return false
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, prompter.Logout(ctx))
	assert.Empty(t, d.processor.Status().Machines)

	stop()
	select {
	case err := <-runErr:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
