// Package application contains the credential lifecycle and gateway use cases.
package application

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ericfisherdev/cgmlink/internal/domain/model"
	"github.com/ericfisherdev/cgmlink/internal/domain/port/driven"
)

const (
	// DefaultRefreshThreshold is how long before absolute expiry a token is refreshed.
	DefaultRefreshThreshold = 5 * time.Minute

	// DefaultStateTTL bounds how long a pending authorization state is accepted.
	DefaultStateTTL = 10 * time.Minute

	// persistTimeout bounds writes that must outlive a cancelled request, such
	// as saving a pair the vendor has already rotated.
	persistTimeout = 5 * time.Second

	stateBytes = 32
)

// Refresh outcomes reported to the TokenRecorder.
const (
	RefreshSucceeded = "success"
	RefreshRejected  = "reauthorization_required"
	RefreshQuota     = "quota_exceeded"
	RefreshSkipped   = "already_fresh"
)

// TokenRecorder receives lifecycle events. Satisfied by the metrics package.
type TokenRecorder interface {
	RecordAuthorization(result string)
	RecordRefresh(result string, duration time.Duration)
	RecordRevocation(reason string)
}

type noopTokenRecorder struct{}

func (noopTokenRecorder) RecordAuthorization(string)          {}
func (noopTokenRecorder) RecordRefresh(string, time.Duration) {}
func (noopTokenRecorder) RecordRevocation(string)             {}

// TokenService manages the vendor credential lifecycle for every user:
// authorization, expiry checks, single-flight refresh and revocation.
type TokenService struct {
	creds     driven.CredentialStore
	users     driven.UserStore
	states    driven.AuthStateStore
	cipher    driven.Cipher
	client    driven.DexcomClient
	logger    *slog.Logger
	locks     *keyedLock
	threshold time.Duration
	stateTTL  time.Duration
	now       func() time.Time
	recorder  TokenRecorder
}

// TokenServiceOption configures a TokenService.
type TokenServiceOption func(*TokenService)

// WithRefreshThreshold sets the near-expiry lead time. Negative values are ignored.
func WithRefreshThreshold(d time.Duration) TokenServiceOption {
	return func(s *TokenService) {
		if d >= 0 {
			s.threshold = d
		}
	}
}

// WithStateTTL sets how long an authorization state stays valid.
func WithStateTTL(d time.Duration) TokenServiceOption {
	return func(s *TokenService) {
		if d > 0 {
			s.stateTTL = d
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) TokenServiceOption {
	return func(s *TokenService) {
		if now != nil {
			s.now = now
		}
	}
}

// WithTokenRecorder reports lifecycle events to r.
func WithTokenRecorder(r TokenRecorder) TokenServiceOption {
	return func(s *TokenService) {
		if r != nil {
			s.recorder = r
		}
	}
}

// NewTokenService creates a TokenService with all required dependencies.
func NewTokenService(
	creds driven.CredentialStore,
	users driven.UserStore,
	states driven.AuthStateStore,
	cipher driven.Cipher,
	client driven.DexcomClient,
	logger *slog.Logger,
	opts ...TokenServiceOption,
) *TokenService {
	s := &TokenService{
		creds:     creds,
		users:     users,
		states:    states,
		cipher:    cipher,
		client:    client,
		logger:    logger,
		locks:     newKeyedLock(),
		threshold: DefaultRefreshThreshold,
		stateTTL:  DefaultStateTTL,
		now:       time.Now,
		recorder:  noopTokenRecorder{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// BeginAuthorization records a pending CSRF state for userID and returns the
// vendor login URL embedding it. An empty state is replaced by a random one.
func (s *TokenService) BeginAuthorization(ctx context.Context, userID, state string) (model.AuthorizationRequest, error) {
	if userID == "" {
		return model.AuthorizationRequest{}, errors.New("begin authorization: empty user id")
	}

	if state == "" {
		generated, err := generateState()
		if err != nil {
			return model.AuthorizationRequest{}, err
		}
		state = generated
	}

	now := s.now().UTC()
	expiresAt := now.Add(s.stateTTL)
	if err := s.states.Put(ctx, userID, state, expiresAt); err != nil {
		if errors.Is(err, model.ErrStateMismatch) {
			s.logger.Warn("authorization state already issued to another user", "user_id", userID)
			return model.AuthorizationRequest{}, fmt.Errorf("%w: %w", model.ErrAuthorizationCodeInvalid, err)
		}
		return model.AuthorizationRequest{}, fmt.Errorf("begin authorization for %q: %w", userID, err)
	}

	if n, err := s.states.PurgeExpired(ctx, now); err != nil {
		s.logger.Warn("purge expired authorization states failed", "error", err)
	} else if n > 0 {
		s.logger.Debug("purged expired authorization states", "count", n)
	}

	return model.AuthorizationRequest{
		URL:       s.client.AuthorizationURL(state),
		State:     state,
		ExpiresAt: expiresAt,
	}, nil
}

// CompleteAuthorization validates the callback state, exchanges the code and
// stores the issued pair. State mismatch and vendor rejection both surface as
// model.ErrAuthorizationCodeInvalid.
func (s *TokenService) CompleteAuthorization(ctx context.Context, userID, email, code, state string) (*model.CredentialRecord, error) {
	if userID == "" {
		return nil, errors.New("complete authorization: empty user id")
	}
	if code == "" {
		s.recorder.RecordAuthorization("invalid_code")
		return nil, fmt.Errorf("complete authorization for %q: empty code: %w", userID, model.ErrAuthorizationCodeInvalid)
	}

	if err := s.states.Consume(ctx, userID, state, s.now().UTC()); err != nil {
		if errors.Is(err, model.ErrStateMismatch) {
			s.recorder.RecordAuthorization("state_mismatch")
			s.logger.Warn("authorization state rejected", "user_id", userID, "error", err)
			return nil, fmt.Errorf("%w: %w", model.ErrAuthorizationCodeInvalid, err)
		}
		return nil, fmt.Errorf("complete authorization for %q: %w", userID, err)
	}

	unlock, err := s.locks.Lock(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("wait for credential lock for %q: %w", userID, err)
	}
	defer unlock()

	grant, err := s.client.Exchange(ctx, code)
	if err != nil {
		if errors.Is(err, model.ErrUpstreamRejected) {
			s.recorder.RecordAuthorization("invalid_code")
			return nil, fmt.Errorf("%w: %w", model.ErrAuthorizationCodeInvalid, err)
		}
		s.recorder.RecordAuthorization("error")
		return nil, fmt.Errorf("exchange code for %q: %w", userID, err)
	}
	grant.IssuedAt = s.now().UTC()

	// The code is spent; persist even if the caller has gone away.
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()

	if _, err := s.users.EnsureUser(pctx, userID, email); err != nil {
		return nil, fmt.Errorf("complete authorization for %q: %w", userID, err)
	}
	rec, err := s.creds.Save(pctx, userID, grant, state)
	if err != nil {
		return nil, fmt.Errorf("complete authorization for %q: %w", userID, err)
	}

	s.recorder.RecordAuthorization("success")
	s.logger.Info("dexcom authorization completed",
		"user_id", userID,
		"expires_at", rec.ExpiresAt,
		"scope", rec.Scope,
	)
	return rec, nil
}

// GetValidToken returns a plaintext access secret that will stay valid for at
// least the refresh threshold. Valid tokens are returned without locking;
// stale ones are refreshed under the user's lock.
func (s *TokenService) GetValidToken(ctx context.Context, userID string) (string, error) {
	rec, err := s.creds.Find(ctx, userID)
	if err != nil {
		return "", err
	}

	switch rec.StateAt(s.now(), s.threshold) {
	case model.TokenStateRevoked:
		return "", fmt.Errorf("token for %q: %w", userID, model.ErrAuthorizationRevoked)
	case model.TokenStateValid:
		return s.openAccess(rec)
	}

	rec, err = s.refresh(ctx, userID, false)
	if err != nil {
		return "", err
	}
	return s.openAccess(rec)
}

// Refresh forces a refresh even when the token is not near expiry.
func (s *TokenService) Refresh(ctx context.Context, userID string) (model.TokenStatus, error) {
	rec, err := s.refresh(ctx, userID, true)
	if err != nil {
		return model.TokenStatus{}, err
	}
	return s.statusOf(rec), nil
}

// Status reports the non-secret state of the user's credential. A user without
// a record is reported as not authorized rather than as an error.
func (s *TokenService) Status(ctx context.Context, userID string) (model.TokenStatus, error) {
	rec, err := s.creds.Find(ctx, userID)
	if errors.Is(err, model.ErrNoAuthorization) {
		return model.TokenStatus{State: model.TokenStateAbsent}, nil
	}
	if err != nil {
		return model.TokenStatus{}, err
	}
	return s.statusOf(rec), nil
}

// Revoke asks the vendor to invalidate the refresh secret, then marks the
// record revoked locally. The local step runs whatever the vendor outcome.
func (s *TokenService) Revoke(ctx context.Context, userID string) error {
	unlock, err := s.locks.Lock(ctx, userID)
	if err != nil {
		return fmt.Errorf("wait for credential lock for %q: %w", userID, err)
	}
	defer unlock()

	rec, err := s.creds.Find(ctx, userID)
	if err != nil {
		return err
	}

	if !rec.Revoked {
		s.revokeUpstream(ctx, userID, rec)
	}

	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	if err := s.creds.Revoke(pctx, userID, s.now().UTC()); err != nil {
		return err
	}

	s.recorder.RecordRevocation("user")
	s.logger.Info("dexcom authorization revoked", "user_id", userID)
	return nil
}

func (s *TokenService) revokeUpstream(ctx context.Context, userID string, rec *model.CredentialRecord) {
	secret, err := s.cipher.Open(rec.RefreshSecretEnc)
	if err != nil {
		s.logger.Error("cannot open refresh secret for upstream revocation", "user_id", userID, "error", err)
		return
	}
	if err := s.client.Revoke(ctx, string(secret)); err != nil {
		s.logger.Warn("upstream revocation failed, revoking locally", "user_id", userID, "error", err)
	}
}

// refresh runs check, vendor refresh and persist as one critical section per user.
func (s *TokenService) refresh(ctx context.Context, userID string, force bool) (*model.CredentialRecord, error) {
	unlock, err := s.locks.Lock(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("wait for refresh lock for %q: %w", userID, err)
	}
	defer unlock()

	// Another caller may have refreshed while we waited.
	rec, err := s.creds.Find(ctx, userID)
	if err != nil {
		return nil, err
	}
	state := rec.StateAt(s.now(), s.threshold)
	if state == model.TokenStateRevoked {
		return nil, fmt.Errorf("token for %q: %w", userID, model.ErrAuthorizationRevoked)
	}
	if !force && !state.NeedsRefresh() {
		s.recorder.RecordRefresh(RefreshSkipped, 0)
		return rec, nil
	}

	secret, err := s.cipher.Open(rec.RefreshSecretEnc)
	if err != nil {
		s.logger.Error("credential decryption failed", "user_id", userID, "error", err)
		return nil, fmt.Errorf("open refresh secret for %q: %w", userID, err)
	}

	start := time.Now()
	grant, err := s.client.Refresh(ctx, string(secret))
	if err != nil {
		if errors.Is(err, model.ErrQuotaExceeded) {
			s.recorder.RecordRefresh(RefreshQuota, time.Since(start))
			return nil, fmt.Errorf("refresh for %q: %w", userID, err)
		}
		s.recorder.RecordRefresh(RefreshRejected, time.Since(start))
		return nil, s.revokeAfterFailedRefresh(ctx, userID, err)
	}
	grant.IssuedAt = s.now().UTC()
	if grant.Scope == "" {
		grant.Scope = rec.Scope
	}

	// The vendor has already invalidated the old refresh secret; the new pair
	// must be stored even if the caller has gone away.
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	saved, err := s.creds.Save(pctx, userID, grant, "")
	if err != nil {
		s.logger.Error("persist refreshed credential failed", "user_id", userID, "error", err)
		return nil, fmt.Errorf("persist refreshed credential for %q: %w", userID, err)
	}

	s.recorder.RecordRefresh(RefreshSucceeded, time.Since(start))
	s.logger.Info("dexcom token refreshed",
		"user_id", userID,
		"forced", force,
		"previous_state", string(state),
		"expires_at", saved.ExpiresAt,
	)
	return saved, nil
}

// revokeAfterFailedRefresh marks the record revoked. Any failure other than a
// quota denial may have consumed the single-use refresh secret, so the user
// must reauthorize rather than retry with it.
func (s *TokenService) revokeAfterFailedRefresh(ctx context.Context, userID string, cause error) error {
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()

	if err := s.creds.Revoke(pctx, userID, s.now().UTC()); err != nil {
		s.logger.Error("revoke after failed refresh failed", "user_id", userID, "error", err)
	}
	s.recorder.RecordRevocation("refresh_failed")
	s.logger.Warn("dexcom refresh failed, reauthorization required", "user_id", userID, "error", cause)

	return fmt.Errorf("refresh for %q: %w: %w", userID, model.ErrReauthorizationRequired, cause)
}

func (s *TokenService) openAccess(rec *model.CredentialRecord) (string, error) {
	plaintext, err := s.cipher.Open(rec.AccessSecretEnc)
	if err != nil {
		s.logger.Error("credential decryption failed", "user_id", rec.UserID, "error", err)
		return "", fmt.Errorf("open access secret for %q: %w", rec.UserID, err)
	}
	return string(plaintext), nil
}

func (s *TokenService) statusOf(rec *model.CredentialRecord) model.TokenStatus {
	state := rec.StateAt(s.now(), s.threshold)
	return model.TokenStatus{
		Authorized: !rec.Revoked,
		State:      state,
		Scope:      rec.Scope,
		ExpiresAt:  rec.ExpiresAt,
		NearExpiry: state == model.TokenStateNearExpiry,
		Expired:    state == model.TokenStateExpired,
		UpdatedAt:  rec.UpdatedAt,
	}
}

func generateState() (string, error) {
	b := make([]byte, stateBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate authorization state: %w", err)
	}
	return hex.EncodeToString(b), nil
}
