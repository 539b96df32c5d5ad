package httphandler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/ericfisherdev/cgmlink/internal/domain/model"
)

// TokenManager is the credential lifecycle surface used by the auth routes.
// Satisfied by *application.TokenService.
type TokenManager interface {
	BeginAuthorization(ctx context.Context, userID, state string) (model.AuthorizationRequest, error)
	CompleteAuthorization(ctx context.Context, userID, email, code, state string) (*model.CredentialRecord, error)
	Status(ctx context.Context, userID string) (model.TokenStatus, error)
	Refresh(ctx context.Context, userID string) (model.TokenStatus, error)
	Revoke(ctx context.Context, userID string) error
}

// DataReader serves vendor reads. Satisfied by *application.Gateway.
type DataReader interface {
	Values(ctx context.Context, userID string, tr model.TimeRange) (model.Payload, error)
	Calibrations(ctx context.Context, userID string, tr model.TimeRange) (model.Payload, error)
	Events(ctx context.Context, userID string, tr model.TimeRange) (model.Payload, error)
	Alerts(ctx context.Context, userID string, tr model.TimeRange) (model.Payload, error)
	DataRange(ctx context.Context, userID string) (model.Payload, error)
	Devices(ctx context.Context, userID string) (model.Payload, error)
	Usage() model.QuotaUsage
}

// Pinger reports database reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler is the HTTP driving adapter that serves the REST API.
type Handler struct {
	tokens TokenManager
	data   DataReader
	db     Pinger
	logger *slog.Logger
}

// NewHandler creates a Handler with all required dependencies.
func NewHandler(tokens TokenManager, data DataReader, db Pinger, logger *slog.Logger) *Handler {
	return &Handler{
		tokens: tokens,
		data:   data,
		db:     db,
		logger: logger,
	}
}

// MuxOptions carries the optional pieces of the router.
type MuxOptions struct {
	// Recorder receives per-request metrics. May be nil.
	Recorder HTTPRecorder
	// Metrics is mounted at GET /metrics when non-nil.
	Metrics http.Handler
}

// NewServeMux creates an http.Handler with all routes registered. Dexcom
// routes require a bearer token; health and metrics do not.
func NewServeMux(h *Handler, auth *Authenticator, logger *slog.Logger, opts MuxOptions) http.Handler {
	mux := http.NewServeMux()
	protect := func(f http.HandlerFunc) http.Handler { return auth.Middleware(f) }

	mux.HandleFunc("GET /api/v1/health", h.Health)
	if opts.Metrics != nil {
		mux.Handle("GET /metrics", opts.Metrics)
	}

	mux.Handle("GET /api/v1/dexcom/auth/url", protect(h.AuthURL))
	mux.Handle("POST /api/v1/dexcom/auth/token", protect(h.ExchangeCode))
	mux.Handle("GET /api/v1/dexcom/auth/status", protect(h.AuthStatus))
	mux.Handle("POST /api/v1/dexcom/auth/refresh", protect(h.RefreshToken))
	mux.Handle("POST /api/v1/dexcom/auth/revoke", protect(h.RevokeToken))

	mux.Handle("GET /api/v1/dexcom/egvs", protect(h.Values))
	mux.Handle("GET /api/v1/dexcom/calibrations", protect(h.Calibrations))
	mux.Handle("GET /api/v1/dexcom/events", protect(h.Events))
	mux.Handle("GET /api/v1/dexcom/alerts", protect(h.Alerts))
	mux.Handle("GET /api/v1/dexcom/data-range", protect(h.DataRange))
	mux.Handle("GET /api/v1/dexcom/devices", protect(h.Devices))
	mux.Handle("GET /api/v1/dexcom/usage", protect(h.Usage))

	// Recovery innermost so panics are caught before logging.
	wrapped := recoveryMiddleware(logger, mux)
	wrapped = loggingMiddleware(logger, opts.Recorder, wrapped)
	wrapped = requestIDMiddleware(wrapped)

	return wrapped
}

// Health reports liveness and database reachability.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:   "ok",
		Database: "ok",
		Time:     time.Now().UTC().Format(time.RFC3339),
	}

	if h.db != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.db.Ping(ctx); err != nil {
			h.logger.Error("health check database ping failed", "error", err)
			resp.Status = "degraded"
			resp.Database = "unreachable"
			writeJSON(w, http.StatusServiceUnavailable, resp)
			return
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

// identity extracts the caller or writes 401. Routes are always wrapped by the
// auth middleware, so a miss means the router was misconfigured.
func (h *Handler) identity(w http.ResponseWriter, r *http.Request) (Identity, bool) {
	id, ok := IdentityFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing bearer token")
	}
	return id, ok
}
