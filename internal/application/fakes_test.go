package application_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ericfisherdev/cgmlink/internal/domain/model"
)

// --- Mock implementations ---

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(t time.Time) *fakeClock { return &fakeClock{now: t} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// fakeCipher marks sealed values with a prefix so tests can tell ciphertext apart.
type fakeCipher struct {
	failOpen bool
}

func (c *fakeCipher) Seal(p []byte) (string, error) { return "sealed:" + string(p), nil }

func (c *fakeCipher) Open(s string) ([]byte, error) {
	if c.failOpen || !strings.HasPrefix(s, "sealed:") {
		return nil, fmt.Errorf("open: %w", model.ErrDecryption)
	}
	return []byte(strings.TrimPrefix(s, "sealed:")), nil
}

type fakeCredentialStore struct {
	mu      sync.Mutex
	cipher  *fakeCipher
	records map[string]model.CredentialRecord
	saves   int
	revokes int
}

func newFakeCredentialStore(c *fakeCipher) *fakeCredentialStore {
	return &fakeCredentialStore{cipher: c, records: make(map[string]model.CredentialRecord)}
}

func (s *fakeCredentialStore) Save(_ context.Context, userID string, grant model.TokenGrant, state string) (*model.CredentialRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	access, _ := s.cipher.Seal([]byte(grant.AccessToken))
	refresh, _ := s.cipher.Seal([]byte(grant.RefreshToken))

	rec, ok := s.records[userID]
	if !ok {
		rec.CreatedAt = grant.IssuedAt
		rec.UserID = userID
	}
	if state != "" {
		rec.State = state
	}
	rec.AccessSecretEnc = access
	rec.RefreshSecretEnc = refresh
	rec.TokenType = grant.TokenType
	rec.Scope = grant.Scope
	rec.ExpiresIn = grant.ExpiresIn
	rec.ExpiresAt = grant.IssuedAt.Add(grant.ExpiresIn)
	rec.UpdatedAt = grant.IssuedAt
	rec.Revoked = false
	rec.RevokedAt = nil

	s.records[userID] = rec
	s.saves++
	out := rec
	return &out, nil
}

func (s *fakeCredentialStore) Find(_ context.Context, userID string) (*model.CredentialRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[userID]
	if !ok {
		return nil, fmt.Errorf("find %q: %w", userID, model.ErrNoAuthorization)
	}
	return &rec, nil
}

func (s *fakeCredentialStore) Revoke(_ context.Context, userID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[userID]
	if !ok {
		return fmt.Errorf("revoke %q: %w", userID, model.ErrNoAuthorization)
	}
	rec.Revoked = true
	if rec.RevokedAt == nil {
		rec.RevokedAt = &at
	}
	s.records[userID] = rec
	s.revokes++
	return nil
}

// seed stores a record directly, bypassing the service.
func (s *fakeCredentialStore) seed(userID, access, refresh string, issuedAt time.Time, lifetime time.Duration) {
	_, _ = s.Save(context.Background(), userID, model.TokenGrant{
		AccessToken:  access,
		RefreshToken: refresh,
		TokenType:    model.DefaultTokenType,
		Scope:        model.DefaultScope,
		ExpiresIn:    lifetime,
		IssuedAt:     issuedAt,
	}, "seed-state")
}

type fakeUserStore struct {
	mu    sync.Mutex
	users map[string]model.User
}

func newFakeUserStore() *fakeUserStore {
	return &fakeUserStore{users: make(map[string]model.User)}
}

func (s *fakeUserStore) EnsureUser(_ context.Context, id, email string) (*model.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		u = model.User{ID: id}
	}
	if email != "" {
		u.Email = email
	}
	s.users[id] = u
	return &u, nil
}

func (s *fakeUserStore) GetUser(_ context.Context, id string) (*model.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return nil, nil
	}
	return &u, nil
}

type pendingState struct {
	userID    string
	expiresAt time.Time
}

type fakeStateStore struct {
	mu     sync.Mutex
	states map[string]pendingState
}

func newFakeStateStore() *fakeStateStore {
	return &fakeStateStore{states: make(map[string]pendingState)}
}

func (s *fakeStateStore) Put(_ context.Context, userID, state string, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.states[state]; ok && p.userID != userID {
		return fmt.Errorf("put %q: %w", state, model.ErrStateMismatch)
	}
	s.states[state] = pendingState{userID: userID, expiresAt: expiresAt}
	return nil
}

func (s *fakeStateStore) Consume(_ context.Context, userID, state string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.states[state]
	delete(s.states, state)
	if !ok || p.userID != userID || !now.Before(p.expiresAt) {
		return fmt.Errorf("consume %q: %w", state, model.ErrStateMismatch)
	}
	return nil
}

func (s *fakeStateStore) PurgeExpired(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for k, p := range s.states {
		if !now.Before(p.expiresAt) {
			delete(s.states, k)
			n++
		}
	}
	return n, nil
}

// fakeDexcomClient issues numbered token pairs and counts calls.
type fakeDexcomClient struct {
	refreshCalls  atomic.Int32
	exchangeCalls atomic.Int32
	revokeCalls   atomic.Int32
	fetchCalls    atomic.Int32

	refreshDelay time.Duration
	// noLifetime makes Exchange omit the lifetime, as a vendor without expires_in would.
	noLifetime  bool
	refreshErr  error
	exchangeErr error
	revokeErr   error

	mu            sync.Mutex
	fetchErrs     []error
	lastResource  model.Resource
	lastRange     *model.TimeRange
	lastToken     string
	refreshedWith []string
}

func (c *fakeDexcomClient) AuthorizationURL(state string) string {
	return "https://sandbox-api.dexcom.com/v2/oauth2/login?state=" + state
}

func (c *fakeDexcomClient) Exchange(_ context.Context, code string) (model.TokenGrant, error) {
	c.exchangeCalls.Add(1)
	if c.exchangeErr != nil {
		return model.TokenGrant{}, c.exchangeErr
	}
	lifetime := 7200 * time.Second
	if c.noLifetime {
		lifetime = 0
	}
	return model.TokenGrant{
		AccessToken:  "access-" + code,
		RefreshToken: "refresh-" + code,
		TokenType:    "Bearer",
		Scope:        "offline_access",
		ExpiresIn:    lifetime,
	}, nil
}

func (c *fakeDexcomClient) Refresh(ctx context.Context, refreshSecret string) (model.TokenGrant, error) {
	n := c.refreshCalls.Add(1)
	c.mu.Lock()
	c.refreshedWith = append(c.refreshedWith, refreshSecret)
	c.mu.Unlock()

	if c.refreshDelay > 0 {
		select {
		case <-time.After(c.refreshDelay):
		case <-ctx.Done():
			return model.TokenGrant{}, fmt.Errorf("refresh: %w", errors.Join(model.ErrUpstreamUnavailable, ctx.Err()))
		}
	}
	if c.refreshErr != nil {
		return model.TokenGrant{}, c.refreshErr
	}
	return model.TokenGrant{
		AccessToken:  fmt.Sprintf("access-r%d", n),
		RefreshToken: fmt.Sprintf("refresh-r%d", n),
		TokenType:    "Bearer",
		ExpiresIn:    7200 * time.Second,
	}, nil
}

func (c *fakeDexcomClient) Revoke(_ context.Context, _ string) error {
	c.revokeCalls.Add(1)
	return c.revokeErr
}

func (c *fakeDexcomClient) Fetch(_ context.Context, accessSecret string, resource model.Resource, tr *model.TimeRange) (model.Payload, error) {
	c.fetchCalls.Add(1)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastResource = resource
	c.lastRange = tr
	c.lastToken = accessSecret
	if len(c.fetchErrs) > 0 {
		err := c.fetchErrs[0]
		c.fetchErrs = c.fetchErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	return model.Payload(`{"recordType":"` + string(resource) + `"}`), nil
}
