package application

import (
	"sync"
	"time"

	"github.com/ericfisherdev/cgmlink/internal/domain/model"
	"github.com/ericfisherdev/cgmlink/internal/domain/port/driven"
)

// Vendor defaults: 60,000 requests per rolling hour, counted per application.
const (
	DefaultQuotaCeiling = 60000
	DefaultQuotaWindow  = time.Hour
)

// Compile-time interface satisfaction check.
var _ driven.Quota = (*RateGovernor)(nil)

// QuotaRecorder receives quota grant/denial events. Satisfied by the metrics package.
type QuotaRecorder interface {
	RecordQuota(granted bool, remaining int)
}

// RateGovernor counts outbound vendor requests in fixed windows. The window
// resets lazily on the first TryAcquire after it elapses. It is shared by all
// users because the vendor quota is application-wide.
type RateGovernor struct {
	mu          sync.Mutex
	ceiling     int
	window      time.Duration
	now         func() time.Time
	windowStart time.Time
	used        int
	recorder    QuotaRecorder
}

// GovernorOption configures a RateGovernor.
type GovernorOption func(*RateGovernor)

// WithGovernorClock replaces time.Now, for deterministic window tests.
func WithGovernorClock(now func() time.Time) GovernorOption {
	return func(g *RateGovernor) {
		if now != nil {
			g.now = now
		}
	}
}

// WithQuotaRecorder reports every decision to r.
func WithQuotaRecorder(r QuotaRecorder) GovernorOption {
	return func(g *RateGovernor) {
		g.recorder = r
	}
}

// NewRateGovernor creates a governor allowing ceiling grants per window.
// Non-positive arguments fall back to the vendor defaults.
func NewRateGovernor(ceiling int, window time.Duration, opts ...GovernorOption) *RateGovernor {
	if ceiling <= 0 {
		ceiling = DefaultQuotaCeiling
	}
	if window <= 0 {
		window = DefaultQuotaWindow
	}

	g := &RateGovernor{
		ceiling: ceiling,
		window:  window,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	g.windowStart = g.now()
	return g
}

// TryAcquire grants one permit if the current window has headroom. It never blocks.
func (g *RateGovernor) TryAcquire() bool {
	g.mu.Lock()
	g.rollLocked()

	granted := g.used < g.ceiling
	if granted {
		g.used++
	}
	remaining := g.ceiling - g.used
	g.mu.Unlock()

	if g.recorder != nil {
		g.recorder.RecordQuota(granted, remaining)
	}
	return granted
}

// Usage returns a snapshot of the current window.
func (g *RateGovernor) Usage() model.QuotaUsage {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rollLocked()

	return model.QuotaUsage{
		Used:        g.used,
		Limit:       g.ceiling,
		Remaining:   g.ceiling - g.used,
		Window:      g.window,
		WindowStart: g.windowStart,
		ResetAt:     g.windowStart.Add(g.window),
	}
}

// rollLocked starts a new window when the current one has elapsed. Windows are
// aligned to the first start so idle periods skip whole windows.
func (g *RateGovernor) rollLocked() {
	now := g.now()
	elapsed := now.Sub(g.windowStart)
	if elapsed < g.window {
		return
	}
	g.windowStart = g.windowStart.Add(elapsed.Truncate(g.window))
	g.used = 0
}
