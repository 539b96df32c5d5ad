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
var _ driven.UserStore = (*UserRepo)(nil)

// UserRepo is the SQLite implementation of the UserStore port interface.
type UserRepo struct {
	db *DB
}

// NewUserRepo creates a new UserRepo backed by the given DB.
func NewUserRepo(db *DB) *UserRepo {
	return &UserRepo{db: db}
}

// EnsureUser inserts the user on first sight. A non-empty email replaces the stored one.
func (r *UserRepo) EnsureUser(ctx context.Context, id, email string) (*model.User, error) {
	if id == "" {
		return nil, errors.New("ensure user: empty id")
	}

	now := formatTime(time.Now())
	const query = `INSERT INTO users (id, email, created_at, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			email      = CASE WHEN excluded.email = '' THEN users.email ELSE excluded.email END,
			updated_at = CASE WHEN excluded.email = '' OR excluded.email = users.email THEN users.updated_at ELSE excluded.updated_at END
		RETURNING id, email, created_at, updated_at`

	user, err := scanUser(r.db.Writer.QueryRowContext(ctx, query, id, email, now, now))
	if err != nil {
		return nil, fmt.Errorf("ensure user %q: %w", id, err)
	}
	return user, nil
}

// GetUser retrieves a user by id. Returns nil, nil if the user does not exist.
func (r *UserRepo) GetUser(ctx context.Context, id string) (*model.User, error) {
	const query = `SELECT id, email, created_at, updated_at FROM users WHERE id = ?`

	user, err := scanUser(r.db.Reader.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get user %q: %w", id, err)
	}
	return user, nil
}

func scanUser(row rowScanner) (*model.User, error) {
	var (
		user      model.User
		createdAt string
		updatedAt string
	)
	if err := row.Scan(&user.ID, &user.Email, &createdAt, &updatedAt); err != nil {
		return nil, err
	}

	var err error
	if user.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if user.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}
	return &user, nil
}
