// ABOUTME: Tests for the telemetry hub
// ABOUTME: Covers metrics wiring, history, subscriptions, audit flushing and close semantics

package telemetry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/applockd/internal/metrics"
)

type memorySink struct {
	mu      sync.Mutex
	records []Record
	err     error
}

func (s *memorySink) AppendRecord(_ context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.records = append(s.records, rec)
	return nil
}

func (s *memorySink) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

func transition(app, from, event, to string) Record {
	return Record{Kind: KindTransition, AppID: app, From: from, Event: event, To: to}
}

func TestHub_UpdatesMetrics(t *testing.T) {
	m := metrics.New()
	h := NewHub(HubOptions{Metrics: m})
	defer h.Close()

	h.Record(transition("a", "IDLE", "ProtectedAppOpened", "PENDING"))
	h.Record(transition("b", "IDLE", "ProtectedAppOpened", "PENDING"))
	h.Record(transition("a", "PENDING", "SettlementElapsed", "PROMPTING"))
	h.Record(transition("b", "PENDING", "UnprotectedAppOpened", "IDLE"))
	h.Record(Record{Kind: KindRejected, AppID: "a", From: "PROMPTING", Event: "SettlementElapsed", Reason: "invalid_transition"})
	h.Record(Record{Kind: KindTimer, AppID: "a", Event: "settlement", Reason: OutcomeStale})
	h.Record(Record{Kind: KindVerification, AppID: "a", Event: "pin", Reason: OutcomeSuccess})
	h.Record(Record{Kind: KindLease, AppID: "a", Event: LeaseAcquired})

	assert.Equal(t, 1.0, testutil.ToFloat64(m.ActiveMachines))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ActiveLeases))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Transitions.WithLabelValues("IDLE", "ProtectedAppOpened", "PENDING")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Rejections.WithLabelValues("PROMPTING", "SettlementElapsed", "invalid_transition")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TimerFires.WithLabelValues("settlement", OutcomeStale)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Verifications.WithLabelValues("pin", OutcomeSuccess)))

	h.Record(Record{Kind: KindLease, AppID: "a", Event: LeaseReleased})
	assert.Equal(t, 0.0, testutil.ToFloat64(m.ActiveLeases))
}

func TestHub_HistoryIsBounded(t *testing.T) {
	h := NewHub(HubOptions{HistorySize: 3})
	defer h.Close()

	assert.Empty(t, h.History("", 0))

	for _, app := range []string{"a", "b", "a", "c", "a"} {
		h.Record(transition(app, "IDLE", "ProtectedAppOpened", "PENDING"))
	}

	all := h.History("", 0)
	require.Len(t, all, 3)
	assert.Equal(t, []string{"a", "c", "a"}, []string{all[0].AppID, all[1].AppID, all[2].AppID})

	assert.Len(t, h.History("a", 0), 2)
	last := h.History("", 1)
	require.Len(t, last, 1)
	assert.Equal(t, "a", last[0].AppID)
	assert.False(t, last[0].At.IsZero(), "hub stamps records without a time")
}

func TestHub_SubscribeFiltersByApp(t *testing.T) {
	h := NewHub(HubOptions{})
	defer h.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	all, _ := h.Subscribe(ctx, "")
	onlyA, _ := h.Subscribe(ctx, "a")
	assert.Equal(t, 2, h.SubscriberCount())

	h.Record(transition("b", "IDLE", "ProtectedAppOpened", "PENDING"))
	h.Record(transition("a", "IDLE", "ProtectedAppOpened", "PENDING"))

	assert.Equal(t, "b", (<-all).AppID)
	assert.Equal(t, "a", (<-all).AppID)
	assert.Equal(t, "a", (<-onlyA).AppID)
	select {
	case r := <-onlyA:
		t.Fatalf("unexpected record %+v", r)
	default:
	}
}

func TestHub_SubscriptionEndsWithContext(t *testing.T) {
	h := NewHub(HubOptions{})
	defer h.Close()

	ctx, cancel := context.WithCancel(context.Background())
	ch, _ := h.Subscribe(ctx, "")
	cancel()

	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("channel not closed after context cancellation")
	}
	assert.Equal(t, 0, h.SubscriberCount())
}

func TestHub_UnsubscribeStopsWatcher(t *testing.T) {
	h := NewHub(HubOptions{})
	defer h.Close()

	ch, subID := h.Subscribe(context.Background(), "")
	assert.Equal(t, int32(1), h.watching.Load())

	h.Unsubscribe(subID)
	_, ok := <-ch
	assert.False(t, ok)
	require.Eventually(t, func() bool {
		return h.watching.Load() == 0
	}, time.Second, 5*time.Millisecond)
}

func TestHub_CloseStopsWatchers(t *testing.T) {
	h := NewHub(HubOptions{})

	for i := 0; i < 3; i++ {
		h.Subscribe(context.Background(), "")
	}
	assert.Equal(t, int32(3), h.watching.Load())

	h.Close()
	assert.Equal(t, int32(0), h.watching.Load())
	assert.Equal(t, 0, h.SubscriberCount())
}

func TestHub_SlowSubscriberDrops(t *testing.T) {
	h := NewHub(HubOptions{})
	defer h.Close()

	ch, subID := h.Subscribe(context.Background(), "")
	for i := 0; i < subscriberBufferSize+10; i++ {
		h.Record(transition("a", "IDLE", "ProtectedAppOpened", "PENDING"))
	}
	assert.Len(t, ch, subscriberBufferSize)

	h.Unsubscribe(subID)
	h.Unsubscribe(subID)
}

func TestHub_AuditFlushOnClose(t *testing.T) {
	sink := &memorySink{}
	h := NewHub(HubOptions{Audit: sink})

	for i := 0; i < 10; i++ {
		h.Record(transition("a", "IDLE", "ProtectedAppOpened", "PENDING"))
	}
	h.Close()
	h.Close()

	assert.Equal(t, 10, sink.len())

	h.Record(transition("a", "IDLE", "ProtectedAppOpened", "PENDING"))
	assert.Equal(t, 10, sink.len(), "records after close are not audited")
}

func TestHub_AuditErrorsDoNotStopWriter(t *testing.T) {
	sink := &memorySink{err: errors.New("disk full")}
	h := NewHub(HubOptions{Audit: sink})

	h.Record(transition("a", "IDLE", "ProtectedAppOpened", "PENDING"))
	h.Close()
	assert.Equal(t, 0, sink.len())
}

func TestHub_SubscribeAfterClose(t *testing.T) {
	h := NewHub(HubOptions{})
	h.Close()

	ch, _ := h.Subscribe(context.Background(), "")
	_, ok := <-ch
	assert.False(t, ok)
}

func TestHub_RejectionSampling(t *testing.T) {
	h := NewHub(HubOptions{WarnLimit: 0.0001, WarnBurst: 1})
	defer h.Close()

	for i := 0; i < 5; i++ {
		h.Record(Record{Kind: KindRejected, AppID: "a", From: "IDLE", Event: "SettlementElapsed", Reason: "invalid_transition"})
	}

	h.histMu.Lock()
	defer h.histMu.Unlock()
	assert.Equal(t, 4, h.suppressed)
}

func TestObserverHelpers(t *testing.T) {
	var got []string
	f := ObserverFunc(func(r Record) { got = append(got, r.AppID) })

	Multi{f, nil, Nop{}, f}.Record(Record{AppID: "x"})
	assert.Equal(t, []string{"x", "x"}, got)
}
