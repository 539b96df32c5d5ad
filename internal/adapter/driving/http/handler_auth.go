package httphandler

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"
)

const maxTokenRequestBytes = 4 << 10

// AuthURL starts an authorization and returns the vendor login URL. A caller
// may supply its own state; otherwise one is generated.
func (h *Handler) AuthURL(w http.ResponseWriter, r *http.Request) {
	id, ok := h.identity(w, r)
	if !ok {
		return
	}

	state := strings.TrimSpace(r.URL.Query().Get("state"))
	if len(state) > 256 {
		writeError(w, http.StatusBadRequest, "state is too long")
		return
	}

	req, err := h.tokens.BeginAuthorization(r.Context(), id.UserID, state)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, AuthURLResponse{
		AuthorizationURL: req.URL,
		State:            req.State,
		ExpiresAt:        req.ExpiresAt.UTC().Format(time.RFC3339),
	})
}

// ExchangeCode completes an authorization with the code and state the vendor
// redirected back with.
func (h *Handler) ExchangeCode(w http.ResponseWriter, r *http.Request) {
	id, ok := h.identity(w, r)
	if !ok {
		return
	}

	var req TokenRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxTokenRequestBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	code := strings.TrimSpace(req.Code)
	state := strings.TrimSpace(req.State)
	if code == "" || state == "" {
		writeError(w, http.StatusBadRequest, "code and state are required")
		return
	}

	if _, err := h.tokens.CompleteAuthorization(r.Context(), id.UserID, id.Email, code, state); err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	status, err := h.tokens.Status(r.Context(), id.UserID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toAuthStatusResponse(status))
}

// AuthStatus reports the caller's credential state without touching the vendor.
func (h *Handler) AuthStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := h.identity(w, r)
	if !ok {
		return
	}

	status, err := h.tokens.Status(r.Context(), id.UserID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAuthStatusResponse(status))
}

// RefreshToken forces a refresh of the caller's credential.
func (h *Handler) RefreshToken(w http.ResponseWriter, r *http.Request) {
	id, ok := h.identity(w, r)
	if !ok {
		return
	}

	status, err := h.tokens.Refresh(r.Context(), id.UserID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAuthStatusResponse(status))
}

// RevokeToken revokes the caller's credential.
func (h *Handler) RevokeToken(w http.ResponseWriter, r *http.Request) {
	id, ok := h.identity(w, r)
	if !ok {
		return
	}

	if err := h.tokens.Revoke(r.Context(), id.UserID); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
