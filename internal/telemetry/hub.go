// ABOUTME: Production observer that logs, counts, audits, remembers and fans out engine records
// ABOUTME: Subscribers receive records non-blockingly; slow subscribers drop records

package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/2389/applockd/internal/metrics"
)

const (
	// subscriberBufferSize is the channel buffer for each subscriber.
	subscriberBufferSize = 64

	defaultHistorySize = 512
	defaultAuditBuffer = 1024
	auditWriteTimeout  = 5 * time.Second
)

// AuditSink persists records. It is called from the hub's writer goroutine.
type AuditSink interface {
	AppendRecord(ctx context.Context, rec Record) error
}

// HubOptions configures a Hub. All fields are optional.
type HubOptions struct {
	Metrics *metrics.Metrics
	Audit   AuditSink
	Logger  *slog.Logger

	// HistorySize bounds the in-memory history (default 512).
	HistorySize int

	// AuditBuffer bounds records queued for the audit sink (default 1024).
	AuditBuffer int

	// WarnLimit and WarnBurst sample rejection warnings (default 1/s, burst 5).
	WarnLimit rate.Limit
	WarnBurst int
}

type subscriber struct {
	appID string
	ch    chan Record
	// done is closed when the subscription is removed.
	done chan struct{}
}

func (s *subscriber) stop() {
	close(s.ch)
	close(s.done)
}

// Hub is the engine's Observer.
type Hub struct {
	metrics *metrics.Metrics
	audit   AuditSink
	logger  *slog.Logger
	warn    *rate.Limiter

	mu          sync.RWMutex
	subscribers map[string]*subscriber
	closed      bool

	histMu  sync.Mutex
	history []Record
	next    int
	full    bool

	suppressed int

	// watchers counts the goroutines waiting on subscriber contexts.
	watchers sync.WaitGroup
	watching atomic.Int32

	auditCh   chan Record
	auditDone chan struct{}
}

// NewHub creates a hub. When an audit sink is configured a writer goroutine
// runs until Close.
func NewHub(opts HubOptions) *Hub {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.HistorySize <= 0 {
		opts.HistorySize = defaultHistorySize
	}
	if opts.AuditBuffer <= 0 {
		opts.AuditBuffer = defaultAuditBuffer
	}
	if opts.WarnLimit == 0 {
		opts.WarnLimit = rate.Every(time.Second)
	}
	if opts.WarnBurst <= 0 {
		opts.WarnBurst = 5
	}

	h := &Hub{
		metrics:     opts.Metrics,
		audit:       opts.Audit,
		logger:      logger.With("component", "telemetry"),
		warn:        rate.NewLimiter(opts.WarnLimit, opts.WarnBurst),
		subscribers: make(map[string]*subscriber),
		history:     make([]Record, opts.HistorySize),
	}

	if h.audit != nil {
		h.auditCh = make(chan Record, opts.AuditBuffer)
		h.auditDone = make(chan struct{})
		go h.writeAudit()
	}
	return h
}

// Record implements Observer.
func (h *Hub) Record(r Record) {
	if r.At.IsZero() {
		r.At = time.Now()
	}

	h.log(r)
	h.count(r)
	h.remember(r)

	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return
	}

	if h.auditCh != nil {
		select {
		case h.auditCh <- r:
		default:
			h.logger.Warn("audit queue full, dropping record", "app_id", r.AppID, "kind", r.Kind)
		}
	}

	for id, sub := range h.subscribers {
		if sub.appID != "" && sub.appID != r.AppID {
			continue
		}
		select {
		case sub.ch <- r:
		default:
			h.logger.Debug("dropped record for slow subscriber", "sub_id", id, "app_id", r.AppID)
		}
	}
}

func (h *Hub) log(r Record) {
	switch r.Kind {
	case KindRejected:
		if !h.warn.Allow() {
			h.histMu.Lock()
			h.suppressed++
			h.histMu.Unlock()
			h.logger.Debug("event rejected", "record", r)
			return
		}
		h.histMu.Lock()
		suppressed := h.suppressed
		h.suppressed = 0
		h.histMu.Unlock()
		h.logger.Warn("event rejected", "record", r, "suppressed", suppressed)
	case KindTransition:
		h.logger.Info("transition", "record", r)
	case KindVerification:
		if r.Reason == OutcomeError || r.Reason == OutcomeTimeout {
			h.logger.Warn("verification", "record", r)
			return
		}
		h.logger.Info("verification", "record", r)
	default:
		h.logger.Debug(string(r.Kind), "record", r)
	}
}

func (h *Hub) count(r Record) {
	switch r.Kind {
	case KindTransition:
		h.metrics.RecordTransition(r.From, r.Event, r.To)
		switch {
		case r.From == "IDLE" && r.To != "IDLE":
			h.metrics.MachineActivated()
		case r.From != "IDLE" && r.To == "IDLE":
			h.metrics.MachineDeactivated()
		}
	case KindRejected:
		h.metrics.RecordRejection(r.From, r.Event, r.Reason)
	case KindTimer:
		h.metrics.RecordTimerFire(r.Event, r.Reason)
	case KindVerification:
		h.metrics.RecordVerification(r.Event, r.Reason)
	case KindLease:
		if r.Event == LeaseAcquired {
			h.metrics.LeaseAcquired()
		} else {
			h.metrics.LeaseReleased()
		}
	}
}

func (h *Hub) remember(r Record) {
	h.histMu.Lock()
	defer h.histMu.Unlock()

	h.history[h.next] = r
	h.next = (h.next + 1) % len(h.history)
	if h.next == 0 {
		h.full = true
	}
}

// History returns up to limit of the most recent records for appID, oldest
// first. An empty appID matches every application; limit <= 0 means all.
func (h *Hub) History(appID string, limit int) []Record {
	h.histMu.Lock()
	defer h.histMu.Unlock()

	var ordered []Record
	if h.full {
		ordered = append(ordered, h.history[h.next:]...)
	}
	ordered = append(ordered, h.history[:h.next]...)

	out := make([]Record, 0, len(ordered))
	for _, r := range ordered {
		if appID == "" || r.AppID == appID {
			out = append(out, r)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

// Subscribe registers a subscriber for records about appID (empty for all).
// The subscription is removed and its channel closed when ctx is cancelled,
// on Unsubscribe, or on Close.
func (h *Hub) Subscribe(ctx context.Context, appID string) (<-chan Record, string) {
	subID := uuid.New().String()
	ch := make(chan Record, subscriberBufferSize)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		close(ch)
		return ch, subID
	}
	sub := &subscriber{appID: appID, ch: ch, done: make(chan struct{})}
	h.subscribers[subID] = sub
	h.watchers.Add(1)
	h.watching.Add(1)
	h.mu.Unlock()

	h.logger.Debug("subscriber added", "app_id", appID, "sub_id", subID)

	go func() {
		defer h.watchers.Done()
		defer h.watching.Add(-1)
		select {
		case <-ctx.Done():
			h.Unsubscribe(subID)
		case <-sub.done:
		}
	}()

	return ch, subID
}

// Unsubscribe removes a subscription and closes its channel.
func (h *Hub) Unsubscribe(subID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	sub, ok := h.subscribers[subID]
	if !ok {
		return
	}
	delete(h.subscribers, subID)
	sub.stop()

	h.logger.Debug("subscriber removed", "sub_id", subID)
}

// SubscriberCount returns the number of live subscriptions.
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}

func (h *Hub) writeAudit() {
	defer close(h.auditDone)
	for r := range h.auditCh {
		ctx, cancel := context.WithTimeout(context.Background(), auditWriteTimeout)
		if err := h.audit.AppendRecord(ctx, r); err != nil {
			h.logger.Warn("failed to append audit record", "error", err, "app_id", r.AppID)
		}
		cancel()
	}
}

// Close closes every subscriber channel, waits for the subscription
// watchers to exit and flushes the audit queue.
// It is safe to call multiple times.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	for id, sub := range h.subscribers {
		sub.stop()
		delete(h.subscribers, id)
	}
	if h.auditCh != nil {
		close(h.auditCh)
	}
	h.mu.Unlock()

	h.watchers.Wait()
	if h.auditDone != nil {
		<-h.auditDone
	}
	h.logger.Debug("telemetry hub closed")
}
