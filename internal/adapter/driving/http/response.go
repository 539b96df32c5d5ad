package httphandler

import (
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/ericfisherdev/cgmlink/internal/domain/model"
)

// writeJSON marshals v to JSON and writes it to the response with the given
// status code. If marshaling fails, a 500 error is written instead.
func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":"internal server error"}`))
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

// writePayload writes a vendor body through untouched.
func writePayload(w http.ResponseWriter, payload model.Payload) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(payload)
}

// writeError writes a JSON error response with the given status code and message.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

// errorResponse is the standard error response body.
type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// writeServiceError maps a domain error onto a status and a stable code.
// Order matters: a failed refresh carries both the reauthorization sentinel
// and its upstream cause.
func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var upErr *model.UpstreamError
	status, code, msg := http.StatusInternalServerError, "internal", "internal server error"

	switch {
	case errors.Is(err, model.ErrNoAuthorization):
		status, code, msg = http.StatusUnauthorized, "authorization_required", "dexcom authorization required"
	case errors.Is(err, model.ErrAuthorizationRevoked):
		status, code, msg = http.StatusUnauthorized, "authorization_revoked", "dexcom authorization revoked"
	case errors.Is(err, model.ErrReauthorizationRequired):
		status, code, msg = http.StatusUnauthorized, "reauthorization_required", "dexcom reauthorization required"
	case errors.Is(err, model.ErrAuthorizationCodeInvalid):
		status, code, msg = http.StatusBadRequest, "invalid_authorization_code", "authorization code or state invalid"
	case errors.Is(err, model.ErrInvalidTimeRange):
		status, code, msg = http.StatusBadRequest, "invalid_time_range", err.Error()
	case errors.Is(err, model.ErrQuotaExceeded):
		status, code, msg = http.StatusTooManyRequests, "quota_exceeded", "vendor request quota exceeded"
		w.Header().Set("Retry-After", strconv.Itoa(h.retryAfterSeconds()))
	case errors.Is(err, model.ErrUpstreamUnavailable):
		status, code, msg = http.StatusServiceUnavailable, "upstream_unavailable", "dexcom unavailable"
	case errors.As(err, &upErr):
		status, code, msg = http.StatusBadGateway, "upstream_error", upErr.Error()
	case errors.Is(err, model.ErrDecryption):
		h.logger.Error("stored credential cannot be decrypted, check CGMLINK_SECRET_KEY",
			"request_id", RequestIDFrom(r.Context()),
			"path", r.URL.Path,
			"error", err,
		)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: msg, Code: "decryption_failed"})
		return
	}

	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed",
			"request_id", RequestIDFrom(r.Context()),
			"path", r.URL.Path,
			"error", err,
		)
	} else {
		h.logger.Debug("request rejected",
			"request_id", RequestIDFrom(r.Context()),
			"path", r.URL.Path,
			"status", status,
			"error", err,
		)
	}
	writeJSON(w, status, errorResponse{Error: msg, Code: code})
}

// retryAfterSeconds is the wait until the quota window resets, at least one second.
func (h *Handler) retryAfterSeconds() int {
	wait := time.Until(h.data.Usage().ResetAt)
	return int(math.Max(1, math.Ceil(wait.Seconds())))
}

// AuthURLResponse carries the vendor login URL for the caller to open.
type AuthURLResponse struct {
	AuthorizationURL string `json:"authorization_url"`
	State            string `json:"state"`
	ExpiresAt        string `json:"expires_at"`
}

// TokenRequest is the JSON body for the code exchange endpoint.
type TokenRequest struct {
	Code  string `json:"code"`
	State string `json:"state"`
}

// AuthStatusResponse is the non-secret view of a stored credential.
type AuthStatusResponse struct {
	Authorized bool   `json:"authorized"`
	State      string `json:"state"`
	Scope      string `json:"scope,omitempty"`
	ExpiresAt  string `json:"expires_at,omitempty"`
	NearExpiry bool   `json:"near_expiry"`
	Expired    bool   `json:"expired"`
	UpdatedAt  string `json:"updated_at,omitempty"`
}

// UsageResponse is the JSON representation of the vendor quota window.
type UsageResponse struct {
	Used          int    `json:"used"`
	Limit         int    `json:"limit"`
	Remaining     int    `json:"remaining"`
	WindowSeconds int64  `json:"window_seconds"`
	WindowStart   string `json:"window_start"`
	ResetAt       string `json:"reset_at"`
}

// HealthResponse is the JSON representation of the health check endpoint.
type HealthResponse struct {
	Status   string `json:"status"`
	Database string `json:"database"`
	Time     string `json:"time"`
}

// toAuthStatusResponse converts a domain TokenStatus to its JSON representation.
func toAuthStatusResponse(s model.TokenStatus) AuthStatusResponse {
	resp := AuthStatusResponse{
		Authorized: s.Authorized,
		State:      string(s.State),
		Scope:      s.Scope,
		NearExpiry: s.NearExpiry,
		Expired:    s.Expired,
	}
	if !s.ExpiresAt.IsZero() {
		resp.ExpiresAt = s.ExpiresAt.UTC().Format(time.RFC3339)
	}
	if !s.UpdatedAt.IsZero() {
		resp.UpdatedAt = s.UpdatedAt.UTC().Format(time.RFC3339)
	}
	return resp
}

// toUsageResponse converts a domain QuotaUsage to its JSON representation.
func toUsageResponse(u model.QuotaUsage) UsageResponse {
	return UsageResponse{
		Used:          u.Used,
		Limit:         u.Limit,
		Remaining:     u.Remaining,
		WindowSeconds: int64(u.Window / time.Second),
		WindowStart:   u.WindowStart.UTC().Format(time.RFC3339),
		ResetAt:       u.ResetAt.UTC().Format(time.RFC3339),
	}
}
