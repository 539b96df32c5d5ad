package driven

import (
	"context"
	"time"

	"github.com/ericfisherdev/cgmlink/internal/domain/model"
)

// CredentialStore defines the driven port for per-user vendor credential
// persistence. Implementations seal secrets with a Cipher before writing; the
// records they return carry ciphertext only.
type CredentialStore interface {
	// Save upserts the user's record with the given grant. Both secrets are
	// replaced in a single write, expires_at is computed from the grant's
	// lifetime, and any previous revocation is cleared. An empty state keeps
	// the previously stored state value.
	Save(ctx context.Context, userID string, grant model.TokenGrant, state string) (*model.CredentialRecord, error)

	// Find returns the user's record, revoked or not.
	// Returns model.ErrNoAuthorization if no record exists.
	Find(ctx context.Context, userID string) (*model.CredentialRecord, error)

	// Revoke marks the record revoked at the given time without deleting it.
	// Returns model.ErrNoAuthorization if no record exists.
	Revoke(ctx context.Context, userID string, at time.Time) error
}

// UserStore defines the driven port for the minimal user profile.
type UserStore interface {
	// EnsureUser creates the user if missing and updates a non-empty email.
	EnsureUser(ctx context.Context, id, email string) (*model.User, error)
	// GetUser returns nil, nil if the user does not exist.
	GetUser(ctx context.Context, id string) (*model.User, error)
}

// AuthStateStore persists pending CSRF states issued when an authorization
// flow begins.
type AuthStateStore interface {
	Put(ctx context.Context, userID, state string, expiresAt time.Time) error
	// Consume deletes the state and returns model.ErrStateMismatch if it is
	// unknown, bound to a different user, or expired at now.
	Consume(ctx context.Context, userID, state string, now time.Time) error
	// PurgeExpired removes states that expired before now and reports how many.
	PurgeExpired(ctx context.Context, now time.Time) (int64, error)
}
