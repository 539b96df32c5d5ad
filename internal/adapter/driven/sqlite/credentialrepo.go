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
var _ driven.CredentialStore = (*CredentialRepo)(nil)

const credentialColumns = `user_id, access_secret_encrypted, refresh_secret_encrypted, token_type, scope,
	expires_in, expires_at, state, is_revoked, revoked_at, created_at, updated_at`

// CredentialRepo is the SQLite implementation of the CredentialStore port interface.
// Secrets are sealed by the injected Cipher before write; reads return ciphertext.
type CredentialRepo struct {
	db     *DB
	cipher driven.Cipher
}

// NewCredentialRepo creates a new CredentialRepo.
func NewCredentialRepo(db *DB, cipher driven.Cipher) *CredentialRepo {
	return &CredentialRepo{db: db, cipher: cipher}
}

// Save seals both secrets and upserts the user's record in one statement, so a
// refresh replaces the pair atomically and clears any earlier revocation.
func (r *CredentialRepo) Save(ctx context.Context, userID string, grant model.TokenGrant, state string) (*model.CredentialRecord, error) {
	if userID == "" {
		return nil, errors.New("save credential: empty user id")
	}

	accessEnc, err := r.cipher.Seal([]byte(grant.AccessToken))
	if err != nil {
		return nil, fmt.Errorf("seal access secret for %q: %w", userID, err)
	}
	refreshEnc, err := r.cipher.Seal([]byte(grant.RefreshToken))
	if err != nil {
		return nil, fmt.Errorf("seal refresh secret for %q: %w", userID, err)
	}

	issuedAt := grant.IssuedAt
	if issuedAt.IsZero() {
		issuedAt = time.Now()
	}
	issuedAt = issuedAt.UTC()

	tokenType := grant.TokenType
	if tokenType == "" {
		tokenType = model.DefaultTokenType
	}
	scope := grant.Scope
	if scope == "" {
		scope = model.DefaultScope
	}

	const query = `INSERT INTO dexcom_credentials (` + credentialColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, NULL, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			access_secret_encrypted  = excluded.access_secret_encrypted,
			refresh_secret_encrypted = excluded.refresh_secret_encrypted,
			token_type               = excluded.token_type,
			scope                    = excluded.scope,
			expires_in               = excluded.expires_in,
			expires_at               = excluded.expires_at,
			state                    = CASE WHEN excluded.state = '' THEN dexcom_credentials.state ELSE excluded.state END,
			is_revoked               = 0,
			revoked_at               = NULL,
			updated_at               = excluded.updated_at
		RETURNING ` + credentialColumns

	row := r.db.Writer.QueryRowContext(ctx, query,
		userID,
		accessEnc,
		refreshEnc,
		tokenType,
		scope,
		int64(grant.ExpiresIn/time.Second),
		formatTime(issuedAt.Add(grant.ExpiresIn)),
		state,
		formatTime(issuedAt),
		formatTime(issuedAt),
	)

	rec, err := scanCredential(row)
	if err != nil {
		return nil, fmt.Errorf("save credential for %q: %w", userID, err)
	}
	return rec, nil
}

// Find returns the user's record. Returns model.ErrNoAuthorization if absent.
func (r *CredentialRepo) Find(ctx context.Context, userID string) (*model.CredentialRecord, error) {
	const query = `SELECT ` + credentialColumns + ` FROM dexcom_credentials WHERE user_id = ?`

	rec, err := scanCredential(r.db.Reader.QueryRowContext(ctx, query, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("find credential for %q: %w", userID, model.ErrNoAuthorization)
	}
	if err != nil {
		return nil, fmt.Errorf("find credential for %q: %w", userID, err)
	}
	return rec, nil
}

// Revoke flags the record revoked. The row is kept for audit.
func (r *CredentialRepo) Revoke(ctx context.Context, userID string, at time.Time) error {
	const query = `UPDATE dexcom_credentials
		SET is_revoked = 1,
			revoked_at = COALESCE(revoked_at, ?),
			updated_at = ?
		WHERE user_id = ?`

	ts := formatTime(at)
	result, err := r.db.Writer.ExecContext(ctx, query, ts, ts, userID)
	if err != nil {
		return fmt.Errorf("revoke credential for %q: %w", userID, err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("revoke credential for %q: %w", userID, model.ErrNoAuthorization)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCredential(row rowScanner) (*model.CredentialRecord, error) {
	var (
		rec       model.CredentialRecord
		expiresIn int64
		expiresAt string
		revoked   int
		revokedAt sql.NullString
		createdAt string
		updatedAt string
	)

	err := row.Scan(
		&rec.UserID,
		&rec.AccessSecretEnc,
		&rec.RefreshSecretEnc,
		&rec.TokenType,
		&rec.Scope,
		&expiresIn,
		&expiresAt,
		&rec.State,
		&revoked,
		&revokedAt,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	rec.ExpiresIn = time.Duration(expiresIn) * time.Second
	rec.Revoked = revoked != 0

	if rec.ExpiresAt, err = parseTime(expiresAt); err != nil {
		return nil, fmt.Errorf("parse expires_at: %w", err)
	}
	if rec.RevokedAt, err = parseNullTime(revokedAt); err != nil {
		return nil, fmt.Errorf("parse revoked_at: %w", err)
	}
	if rec.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if rec.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}

	return &rec, nil
}
