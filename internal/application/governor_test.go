package application_test

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ericfisherdev/cgmlink/internal/application"
)

type quotaEvent struct {
	granted   bool
	remaining int
}

type recordingQuota struct {
	mu     sync.Mutex
	events []quotaEvent
}

func (r *recordingQuota) RecordQuota(granted bool, remaining int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, quotaEvent{granted: granted, remaining: remaining})
}

func TestRateGovernor_DefaultCeiling(t *testing.T) {
	clock := newFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	g := application.NewRateGovernor(0, 0, application.WithGovernorClock(clock.Now))

	for i := 0; i < application.DefaultQuotaCeiling; i++ {
		require.True(t, g.TryAcquire(), "permit %d", i+1)
	}
	assert.False(t, g.TryAcquire(), "permit past the ceiling must be denied")

	usage := g.Usage()
	assert.Equal(t, application.DefaultQuotaCeiling, usage.Used)
	assert.Equal(t, 0, usage.Remaining)
	assert.Equal(t, time.Hour, usage.Window)
}

func TestRateGovernor_WindowReset(t *testing.T) {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := newFakeClock(start)
	g := application.NewRateGovernor(3, time.Hour, application.WithGovernorClock(clock.Now))

	for i := 0; i < 3; i++ {
		require.True(t, g.TryAcquire())
	}
	assert.False(t, g.TryAcquire())

	clock.Advance(59 * time.Minute)
	assert.False(t, g.TryAcquire(), "window has not elapsed yet")

	clock.Advance(time.Minute)
	assert.True(t, g.TryAcquire(), "new window must grant again")

	usage := g.Usage()
	assert.Equal(t, 1, usage.Used)
	assert.Equal(t, 2, usage.Remaining)
	assert.Equal(t, start.Add(time.Hour), usage.WindowStart)
	assert.Equal(t, start.Add(2*time.Hour), usage.ResetAt)
}

func TestRateGovernor_IdleWindowsStayAligned(t *testing.T) {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := newFakeClock(start)
	g := application.NewRateGovernor(1, time.Hour, application.WithGovernorClock(clock.Now))

	require.True(t, g.TryAcquire())
	clock.Advance(3*time.Hour + 20*time.Minute)

	assert.True(t, g.TryAcquire())
	assert.Equal(t, start.Add(3*time.Hour), g.Usage().WindowStart)
}

func TestRateGovernor_ConcurrentAcquireNeverExceedsCeiling(t *testing.T) {
	g := application.NewRateGovernor(50, time.Hour)

	var granted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if g.TryAcquire() {
				granted.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(50), granted.Load())
	assert.Equal(t, 50, g.Usage().Used)
}

func TestRateGovernor_RecordsDecisions(t *testing.T) {
	rec := &recordingQuota{}
	g := application.NewRateGovernor(1, time.Hour, application.WithQuotaRecorder(rec))

	g.TryAcquire()
	g.TryAcquire()

	require.Len(t, rec.events, 2)
	assert.Equal(t, quotaEvent{granted: true, remaining: 0}, rec.events[0])
	assert.Equal(t, quotaEvent{granted: false, remaining: 0}, rec.events[1])
}
