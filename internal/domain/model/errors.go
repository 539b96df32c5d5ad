package model

import (
	"errors"
	"fmt"
)

// Sentinel errors shared by the credential lifecycle core. Adapters wrap these
// with fmt.Errorf("...: %w") so callers can match them with errors.Is.
var (
	// ErrNoAuthorization indicates the user never completed the vendor authorization flow.
	ErrNoAuthorization = errors.New("no dexcom authorization for user")

	// ErrAuthorizationRevoked indicates the user's credential was explicitly revoked.
	ErrAuthorizationRevoked = errors.New("dexcom authorization revoked")

	// ErrReauthorizationRequired indicates the vendor refused to refresh the
	// credential and the user must run the authorization flow again.
	ErrReauthorizationRequired = errors.New("dexcom reauthorization required")

	// ErrAuthorizationCodeInvalid indicates the authorization code or its CSRF
	// state was rejected.
	ErrAuthorizationCodeInvalid = errors.New("authorization code invalid")

	// ErrStateMismatch indicates the CSRF state presented on callback is unknown,
	// expired, or belongs to another user.
	ErrStateMismatch = errors.New("authorization state mismatch")

	// ErrQuotaExceeded indicates the application-wide vendor quota is spent for
	// the current window. Callers back off until the window resets.
	ErrQuotaExceeded = errors.New("vendor request quota exceeded")

	// ErrUpstreamUnavailable indicates a network failure, timeout, or vendor 5xx.
	ErrUpstreamUnavailable = errors.New("dexcom upstream unavailable")

	// ErrUpstreamRejected indicates the vendor token endpoint refused a grant
	// (used or expired code, used or revoked refresh secret).
	ErrUpstreamRejected = errors.New("dexcom rejected grant")

	// ErrInvalidTimeRange indicates a start/end pair outside the vendor's constraints.
	ErrInvalidTimeRange = errors.New("invalid time range")

	// ErrDecryption indicates stored ciphertext could not be opened with the
	// configured key. Usually means the key was changed or lost, which affects
	// every stored credential.
	ErrDecryption = errors.New("credential decryption failed")
)

// UpstreamError is returned for vendor data responses that are neither
// successful nor covered by a sentinel (400, 401, 404, ...).
type UpstreamError struct {
	StatusCode int
	Body       string
}

func (e *UpstreamError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("dexcom api returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("dexcom api returned status %d: %s", e.StatusCode, e.Body)
}
