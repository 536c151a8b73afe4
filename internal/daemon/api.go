// ABOUTME: HTTP surface of the daemon: health, readiness, metrics, status and the transition log
// ABOUTME: API routes require an admin bearer token when a JWT secret is configured

package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/2389/applockd/internal/auth"
	"github.com/2389/applockd/internal/store"
	"github.com/2389/applockd/internal/telemetry"
	"github.com/2389/applockd/internal/verifier"
)

// readyTimeout bounds the store ping behind /ready.
const readyTimeout = 2 * time.Second

type pendingLister interface {
	Pending() []verifier.Prompt
}

// routes builds the HTTP mux.
func (d *Daemon) routes() http.Handler {
	mux := http.NewServeMux()

	// Health endpoints - no auth required
	mux.HandleFunc("/health", d.handleHealth)
	mux.HandleFunc("/ready", d.handleReady)

	if d.metrics != nil {
		mux.Handle(d.config.Metrics.Path, d.metrics.Handler())
	}

	protect := auth.NoAuthMiddleware()
	if d.tokens != nil {
		protect = auth.HTTPAuthMiddleware(d.tokens, auth.RoleAdmin)
	}
	mux.Handle("/api/status", protect(http.HandlerFunc(d.handleStatus)))
	mux.Handle("/api/transitions", protect(http.HandlerFunc(d.handleTransitions)))
	return mux
}

// handleHealth returns 200 OK if the server is alive.
func (d *Daemon) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK once the engine runs and the store answers.
func (d *Daemon) handleReady(w http.ResponseWriter, r *http.Request) {
	if !d.running.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("engine not running"))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
	defer cancel()
	protected, err := d.store.ProtectedApplications(ctx)
	if err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = fmt.Fprintf(w, "store unavailable: %v", err)
		return
	}

	pending := 0
	for _, v := range d.verifiers.All() {
		if l, ok := v.(pendingLister); ok {
			pending += len(l.Pending())
		}
	}

	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d protected, %d prompt watchers, %d pending prompts)",
		len(protected), d.rpc.WatcherCount(), pending)
}

// handleStatus returns the engine snapshot.
func (d *Daemon) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		d.sendJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	d.writeJSON(w, http.StatusOK, d.processor.Status())
}

// TransitionsResponse is the body of GET /api/transitions.
type TransitionsResponse struct {
	Entries []store.TransitionEntry `json:"entries"`
}

// handleTransitions lists persisted records. Query parameters: app_id,
// kind, since (RFC 3339) and limit.
func (d *Daemon) handleTransitions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		d.sendJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	q := r.URL.Query()
	var f store.TransitionFilter
	if appID := q.Get("app_id"); appID != "" {
		f.AppID = &appID
	}
	if kind := q.Get("kind"); kind != "" {
		k := telemetry.Kind(kind)
		f.Kind = &k
	}
	if raw := q.Get("since"); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			d.sendJSONError(w, http.StatusBadRequest, "since must be an RFC 3339 timestamp")
			return
		}
		f.Since = &since
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			d.sendJSONError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		f.Limit = limit
	}

	entries, err := d.store.ListTransitions(r.Context(), f)
	if err != nil {
		d.logger.Error("failed to list transitions", "error", err)
		d.sendJSONError(w, http.StatusInternalServerError, "failed to list transitions")
		return
	}
	if entries == nil {
		entries = []store.TransitionEntry{}
	}
	d.writeJSON(w, http.StatusOK, TransitionsResponse{Entries: entries})
}

func (d *Daemon) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		d.logger.Error("failed to encode response", "error", err)
	}
}

// sendJSONError writes a JSON error response.
func (d *Daemon) sendJSONError(w http.ResponseWriter, status int, message string) {
	d.writeJSON(w, status, map[string]string{"error": message})
}
