package httphandler

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/ericfisherdev/cgmlink/internal/domain/model"
)

// naiveLayout accepts timestamps without an offset, read as UTC.
const naiveLayout = "2006-01-02T15:04:05"

type rangedRead func(ctx context.Context, userID string, tr model.TimeRange) (model.Payload, error)

// Values returns estimated glucose values for ?start_date&end_date.
func (h *Handler) Values(w http.ResponseWriter, r *http.Request) {
	h.serveRanged(w, r, h.data.Values)
}

// Calibrations returns calibration entries for ?start_date&end_date.
func (h *Handler) Calibrations(w http.ResponseWriter, r *http.Request) {
	h.serveRanged(w, r, h.data.Calibrations)
}

// Events returns user events for ?start_date&end_date.
func (h *Handler) Events(w http.ResponseWriter, r *http.Request) {
	h.serveRanged(w, r, h.data.Events)
}

// Alerts returns device alerts for ?start_date&end_date.
func (h *Handler) Alerts(w http.ResponseWriter, r *http.Request) {
	h.serveRanged(w, r, h.data.Alerts)
}

// DataRange returns the span of available records.
func (h *Handler) DataRange(w http.ResponseWriter, r *http.Request) {
	id, ok := h.identity(w, r)
	if !ok {
		return
	}
	payload, err := h.data.DataRange(r.Context(), id.UserID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writePayload(w, payload)
}

// Devices returns the caller's devices.
func (h *Handler) Devices(w http.ResponseWriter, r *http.Request) {
	id, ok := h.identity(w, r)
	if !ok {
		return
	}
	payload, err := h.data.Devices(r.Context(), id.UserID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writePayload(w, payload)
}

// Usage returns the application-wide vendor quota window.
func (h *Handler) Usage(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.identity(w, r); !ok {
		return
	}
	writeJSON(w, http.StatusOK, toUsageResponse(h.data.Usage()))
}

func (h *Handler) serveRanged(w http.ResponseWriter, r *http.Request, read rangedRead) {
	id, ok := h.identity(w, r)
	if !ok {
		return
	}

	tr, err := parseTimeRange(r)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	payload, err := read(r.Context(), id.UserID, tr)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writePayload(w, payload)
}

func parseTimeRange(r *http.Request) (model.TimeRange, error) {
	q := r.URL.Query()
	start, err := parseTimestamp(q.Get("start_date"))
	if err != nil {
		return model.TimeRange{}, fmt.Errorf("start_date: %w", err)
	}
	end, err := parseTimestamp(q.Get("end_date"))
	if err != nil {
		return model.TimeRange{}, fmt.Errorf("end_date: %w", err)
	}
	return model.TimeRange{Start: start, End: end}, nil
}

func parseTimestamp(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, fmt.Errorf("required: %w", model.ErrInvalidTimeRange)
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	if t, err := time.Parse(naiveLayout, s); err == nil {
		return t, nil
	}
	return time.Time{}, errors.Join(
		fmt.Errorf("%q is not an RFC 3339 timestamp", s),
		model.ErrInvalidTimeRange,
	)
}
