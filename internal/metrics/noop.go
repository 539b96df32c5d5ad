package metrics

import (
	"net/http"
	"time"
)

// NoopMetrics discards everything. Used when metrics are disabled.
type NoopMetrics struct{}

var _ Recorder = (*NoopMetrics)(nil)

// NewNoopMetrics creates a no-operation recorder.
func NewNoopMetrics() *NoopMetrics {
	return &NoopMetrics{}
}

func (n *NoopMetrics) RecordQuota(bool, int)                                {}
func (n *NoopMetrics) RecordAuthorization(string)                           {}
func (n *NoopMetrics) RecordRefresh(string, time.Duration)                  {}
func (n *NoopMetrics) RecordRevocation(string)                              {}
func (n *NoopMetrics) RecordUpstreamCall(string, string, time.Duration)     {}
func (n *NoopMetrics) RecordHTTPRequest(string, string, int, time.Duration) {}

// Handler answers 404 so a stray scrape is visibly misconfigured.
func (n *NoopMetrics) Handler() http.Handler {
	return http.NotFoundHandler()
}
