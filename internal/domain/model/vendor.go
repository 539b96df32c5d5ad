package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// MaxTimeRange is the largest span the vendor accepts between start and end.
const MaxTimeRange = 30 * 24 * time.Hour

// Resource names one of the six vendor read endpoints.
type Resource string

const (
	ResourceEGVs         Resource = "egvs"
	ResourceCalibrations Resource = "calibrations"
	ResourceDataRange    Resource = "dataRange"
	ResourceDevices      Resource = "devices"
	ResourceEvents       Resource = "events"
	ResourceAlerts       Resource = "alerts"
)

// Ranged reports whether the resource requires a start/end window.
func (r Resource) Ranged() bool {
	switch r {
	case ResourceEGVs, ResourceCalibrations, ResourceEvents, ResourceAlerts:
		return true
	default:
		return false
	}
}

// Payload is a vendor response passed through without interpretation.
type Payload = json.RawMessage

// TimeRange is a half-open [Start, End) window in UTC.
type TimeRange struct {
	Start time.Time
	End   time.Time
}

// Validate enforces end after start and a span of at most MaxTimeRange.
func (r TimeRange) Validate() error {
	if r.Start.IsZero() || r.End.IsZero() {
		return fmt.Errorf("start and end are required: %w", ErrInvalidTimeRange)
	}
	if !r.End.After(r.Start) {
		return fmt.Errorf("end %s must be after start %s: %w",
			r.End.UTC().Format(time.RFC3339), r.Start.UTC().Format(time.RFC3339), ErrInvalidTimeRange)
	}
	if r.End.Sub(r.Start) > MaxTimeRange {
		return fmt.Errorf("span %s exceeds 30 days: %w", r.End.Sub(r.Start), ErrInvalidTimeRange)
	}
	return nil
}

// QuotaUsage is a snapshot of the application-wide vendor quota window.
type QuotaUsage struct {
	Used        int
	Limit       int
	Remaining   int
	Window      time.Duration
	WindowStart time.Time
	ResetAt     time.Time
}

// AuthorizationRequest is the result of starting the vendor authorization flow.
type AuthorizationRequest struct {
	URL       string
	State     string
	ExpiresAt time.Time
}
