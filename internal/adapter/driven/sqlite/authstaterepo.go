package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ericfisherdev/cgmlink/internal/domain/model"
	"github.com/ericfisherdev/cgmlink/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.AuthStateStore = (*AuthStateRepo)(nil)

// AuthStateRepo persists pending OAuth CSRF states.
type AuthStateRepo struct {
	db *DB
}

// NewAuthStateRepo creates a new AuthStateRepo backed by the given DB.
func NewAuthStateRepo(db *DB) *AuthStateRepo {
	return &AuthStateRepo{db: db}
}

// Put records a pending state for userID. Re-issuing a state to its owner
// extends it; a live state held by another user is never taken over and
// yields model.ErrStateMismatch.
func (r *AuthStateRepo) Put(ctx context.Context, userID, state string, expiresAt time.Time) error {
	const query = `INSERT INTO authorization_states (state, user_id, created_at, expires_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(state) DO UPDATE SET
			user_id = excluded.user_id,
			created_at = excluded.created_at,
			expires_at = excluded.expires_at
		WHERE authorization_states.user_id = excluded.user_id
			OR authorization_states.expires_at <= excluded.created_at`

	result, err := r.db.Writer.ExecContext(ctx, query, state, userID, formatTime(time.Now()), formatTime(expiresAt))
	if err != nil {
		return fmt.Errorf("put authorization state for %q: %w", userID, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("put authorization state for %q: held by another user: %w", userID, model.ErrStateMismatch)
	}
	return nil
}

// Consume deletes the state and verifies it belonged to userID and had not expired.
// A state is single-use: it is removed even when the check fails.
func (r *AuthStateRepo) Consume(ctx context.Context, userID, state string, now time.Time) error {
	if state == "" {
		return fmt.Errorf("consume authorization state: empty state: %w", model.ErrStateMismatch)
	}

	const query = `DELETE FROM authorization_states WHERE state = ? RETURNING user_id, expires_at`

	var owner, expiresAt string
	err := r.db.Writer.QueryRowContext(ctx, query, state).Scan(&owner, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("consume authorization state for %q: unknown state: %w", userID, model.ErrStateMismatch)
	}
	if err != nil {
		return fmt.Errorf("consume authorization state for %q: %w", userID, err)
	}

	if owner != userID {
		return fmt.Errorf("consume authorization state for %q: issued to another user: %w", userID, model.ErrStateMismatch)
	}

	exp, err := parseTime(expiresAt)
	if err != nil {
		return fmt.Errorf("parse expires_at: %w", err)
	}
	if !now.Before(exp) {
		return fmt.Errorf("consume authorization state for %q: expired: %w", userID, model.ErrStateMismatch)
	}
	return nil
}

// PurgeExpired removes states whose expiry is at or before now.
func (r *AuthStateRepo) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	const query = `DELETE FROM authorization_states WHERE expires_at <= ?`

	result, err := r.db.Writer.ExecContext(ctx, query, formatTime(now))
	if err != nil {
		return 0, fmt.Errorf("purge authorization states: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("check rows affected: %w", err)
	}
	return n, nil
}
