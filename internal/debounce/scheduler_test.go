// ABOUTME: Tests for the keyed debounce scheduler and the manual clock
// ABOUTME: Covers firing, superseding, cancellation, epochs, close, and real-clock behaviour

package debounce

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newManual() (*ManualClock, *Scheduler) {
	clock := NewManualClock(time.Unix(1_700_000_000, 0))
	return clock, New(clock, nil)
}

func TestScheduler_FiresAfterDelay(t *testing.T) {
	clock, s := newManual()
	defer s.Close()

	var fired int
	_, err := s.Schedule(KindSettlement, "app", 500*time.Millisecond, 1, func() { fired++ })
	require.NoError(t, err)

	clock.Advance(499 * time.Millisecond)
	assert.Equal(t, 0, fired)

	clock.Advance(time.Millisecond)
	assert.Equal(t, 1, fired)
	assert.Equal(t, 0, s.Len())
}

func TestScheduler_SupersedesSameKindAndKey(t *testing.T) {
	clock, s := newManual()
	defer s.Close()

	var first, second int
	_, err := s.Schedule(KindSettlement, "app", 500*time.Millisecond, 1, func() { first++ })
	require.NoError(t, err)

	clock.Advance(300 * time.Millisecond)
	_, err = s.Schedule(KindSettlement, "app", 500*time.Millisecond, 2, func() { second++ })
	require.NoError(t, err)

	epoch, ok := s.Pending(KindSettlement, "app")
	require.True(t, ok)
	assert.Equal(t, uint64(2), epoch)

	clock.Advance(time.Second)
	assert.Equal(t, 0, first, "superseded timer must never fire")
	assert.Equal(t, 1, second)
}

func TestScheduler_KindsAreIndependent(t *testing.T) {
	clock, s := newManual()
	defer s.Close()

	var settlement, exit int
	_, err := s.Schedule(KindSettlement, "app", 100*time.Millisecond, 1, func() { settlement++ })
	require.NoError(t, err)
	_, err = s.Schedule(KindExit, "app", 100*time.Millisecond, 1, func() { exit++ })
	require.NoError(t, err)

	assert.Equal(t, 2, s.Len())
	clock.Advance(100 * time.Millisecond)
	assert.Equal(t, 1, settlement)
	assert.Equal(t, 1, exit)
}

func TestScheduler_Cancel(t *testing.T) {
	clock, s := newManual()
	defer s.Close()

	var fired int
	_, err := s.Schedule(KindExit, "app", time.Second, 1, func() { fired++ })
	require.NoError(t, err)

	assert.True(t, s.Cancel(KindExit, "app"))
	assert.False(t, s.Cancel(KindExit, "app"), "second cancel is a no-op")

	clock.Advance(2 * time.Second)
	assert.Equal(t, 0, fired)
}

func TestHandle_CancelOnlyAffectsItsOwnTimer(t *testing.T) {
	clock, s := newManual()
	defer s.Close()

	var second int
	old, err := s.Schedule(KindSettlement, "app", time.Second, 1, func() {})
	require.NoError(t, err)
	_, err = s.Schedule(KindSettlement, "app", time.Second, 2, func() { second++ })
	require.NoError(t, err)

	assert.False(t, old.Cancel(), "superseded handle cannot cancel its replacement")
	clock.Advance(time.Second)
	assert.Equal(t, 1, second)
}

func TestHandle_Accessors(t *testing.T) {
	_, s := newManual()
	defer s.Close()

	h, err := s.Schedule(KindPrompt, "com.example.bank", time.Minute, 42, func() {})
	require.NoError(t, err)
	assert.Equal(t, KindPrompt, h.Kind())
	assert.Equal(t, "com.example.bank", h.Key())
	assert.Equal(t, uint64(42), h.Epoch())

	deadline, ok := s.Deadline(KindPrompt, "com.example.bank")
	require.True(t, ok)
	assert.Equal(t, s.Now().Add(time.Minute), deadline)
}

func TestScheduler_CancelKey(t *testing.T) {
	clock, s := newManual()
	defer s.Close()

	var fired int
	for _, kind := range []Kind{KindSettlement, KindExit, KindPrompt} {
		_, err := s.Schedule(kind, "app", time.Second, 1, func() { fired++ })
		require.NoError(t, err)
	}
	_, err := s.Schedule(KindExit, "other", time.Second, 1, func() { fired++ })
	require.NoError(t, err)

	assert.Equal(t, 3, s.CancelKey("app"))
	clock.Advance(time.Second)
	assert.Equal(t, 1, fired)
}

func TestScheduler_CloseCancelsEverything(t *testing.T) {
	clock, s := newManual()

	var fired int
	_, err := s.Schedule(KindSettlement, "a", time.Second, 1, func() { fired++ })
	require.NoError(t, err)
	_, err = s.Schedule(KindExit, "b", time.Second, 1, func() { fired++ })
	require.NoError(t, err)

	s.Close()
	s.Close()

	clock.Advance(time.Minute)
	assert.Equal(t, 0, fired)
	assert.Equal(t, 0, clock.Pending())

	_, err = s.Schedule(KindSettlement, "a", time.Second, 1, func() {})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestScheduler_CallbackCanReschedule(t *testing.T) {
	clock, s := newManual()
	defer s.Close()

	var fires []time.Time
	var fn func()
	fn = func() {
		fires = append(fires, clock.Now())
		if len(fires) < 3 {
			_, _ = s.Schedule(KindSettlement, "app", 100*time.Millisecond, uint64(len(fires)), fn)
		}
	}
	start := clock.Now()
	_, err := s.Schedule(KindSettlement, "app", 100*time.Millisecond, 0, fn)
	require.NoError(t, err)

	clock.Advance(time.Second)
	require.Len(t, fires, 3)
	assert.Equal(t, start.Add(100*time.Millisecond), fires[0])
	assert.Equal(t, start.Add(300*time.Millisecond), fires[2])
}

func TestManualClock_FiresInDeadlineOrder(t *testing.T) {
	clock := NewManualClock(time.Unix(0, 0))

	var order []string
	clock.AfterFunc(300*time.Millisecond, func() { order = append(order, "c") })
	clock.AfterFunc(100*time.Millisecond, func() { order = append(order, "a") })
	clock.AfterFunc(200*time.Millisecond, func() { order = append(order, "b") })

	clock.Advance(time.Second)
	assert.Equal(t, []string{"a", "b", "c"}, order)
	assert.Equal(t, time.Unix(1, 0), clock.Now())
}

func TestScheduler_SystemClock(t *testing.T) {
	s := New(nil, nil)
	defer s.Close()

	var fired atomic.Int32
	var wg sync.WaitGroup
	wg.Add(1)
	_, err := s.Schedule(KindSettlement, "app", 10*time.Millisecond, 1, func() {
		fired.Add(1)
		wg.Done()
	})
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timer did not fire")
	}
	assert.Equal(t, int32(1), fired.Load())
}

func TestScheduler_ConcurrentScheduling(t *testing.T) {
	s := New(nil, nil)
	defer s.Close()

	var fired atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _ = s.Schedule(KindSettlement, "shared", 200*time.Millisecond, uint64(i), func() { fired.Add(1) })
		}(i)
	}
	wg.Wait()

	time.Sleep(500 * time.Millisecond)
	assert.Equal(t, int32(1), fired.Load(), "only the last scheduled timer may fire")
}
