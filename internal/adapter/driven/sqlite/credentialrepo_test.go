package sqlite

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ericfisherdev/cgmlink/internal/domain/model"
)

func newCredentialFixture(t *testing.T) (*CredentialRepo, *UserRepo) {
	t.Helper()
	db := setupTestDB(t)
	users := NewUserRepo(db)
	_, err := users.EnsureUser(context.Background(), "user-1", "u1@example.com")
	require.NoError(t, err)
	return NewCredentialRepo(db, testCipher(t)), users
}

func testGrant(access, refresh string, issuedAt time.Time) model.TokenGrant {
	return model.TokenGrant{
		AccessToken:  access,
		RefreshToken: refresh,
		TokenType:    "Bearer",
		Scope:        "offline_access",
		ExpiresIn:    7200 * time.Second,
		IssuedAt:     issuedAt,
	}
}

func TestCredentialRepo_SaveAndFind(t *testing.T) {
	repo, _ := newCredentialFixture(t)
	ctx := context.Background()
	issued := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	saved, err := repo.Save(ctx, "user-1", testGrant("access-1", "refresh-1", issued), "state-abc")
	require.NoError(t, err)
	assert.Equal(t, issued.Add(7200*time.Second), saved.ExpiresAt)
	assert.Equal(t, issued, saved.CreatedAt)
	assert.Equal(t, issued, saved.UpdatedAt)
	assert.False(t, saved.Revoked)
	assert.Nil(t, saved.RevokedAt)

	found, err := repo.Find(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, saved, found)
	assert.Equal(t, "state-abc", found.State)
	assert.Equal(t, "Bearer", found.TokenType)
	assert.Equal(t, "offline_access", found.Scope)
	assert.Equal(t, 7200*time.Second, found.ExpiresIn)
}

func TestCredentialRepo_SecretsAreEncryptedAtRest(t *testing.T) {
	repo, _ := newCredentialFixture(t)
	ctx := context.Background()

	_, err := repo.Save(ctx, "user-1", testGrant("plain-access", "plain-refresh", time.Now()), "")
	require.NoError(t, err)

	var access, refresh string
	err = repo.db.Reader.QueryRowContext(ctx,
		`SELECT access_secret_encrypted, refresh_secret_encrypted FROM dexcom_credentials WHERE user_id = ?`, "user-1",
	).Scan(&access, &refresh)
	require.NoError(t, err)

	assert.False(t, strings.Contains(access, "plain-access"))
	assert.False(t, strings.Contains(refresh, "plain-refresh"))

	opened, err := testCipher(t).Open(refresh)
	require.NoError(t, err)
	assert.Equal(t, "plain-refresh", string(opened))
}

func TestCredentialRepo_SaveRotatesBothSecrets(t *testing.T) {
	repo, _ := newCredentialFixture(t)
	ctx := context.Background()
	c := testCipher(t)
	first := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	second := first.Add(2 * time.Hour)

	_, err := repo.Save(ctx, "user-1", testGrant("access-1", "refresh-1", first), "state-abc")
	require.NoError(t, err)

	rec, err := repo.Save(ctx, "user-1", testGrant("access-2", "refresh-2", second), "")
	require.NoError(t, err)

	access, err := c.Open(rec.AccessSecretEnc)
	require.NoError(t, err)
	refresh, err := c.Open(rec.RefreshSecretEnc)
	require.NoError(t, err)

	assert.Equal(t, "access-2", string(access))
	assert.Equal(t, "refresh-2", string(refresh))
	assert.Equal(t, second.Add(7200*time.Second), rec.ExpiresAt)
	assert.Equal(t, first, rec.CreatedAt, "created_at survives updates")
	assert.Equal(t, second, rec.UpdatedAt)
	assert.Equal(t, "state-abc", rec.State, "empty state keeps the authorizing state")
}

func TestCredentialRepo_FindMissing(t *testing.T) {
	repo, _ := newCredentialFixture(t)

	_, err := repo.Find(context.Background(), "nobody")
	assert.ErrorIs(t, err, model.ErrNoAuthorization)
}

func TestCredentialRepo_RevokeKeepsRow(t *testing.T) {
	repo, _ := newCredentialFixture(t)
	ctx := context.Background()
	at := time.Date(2026, 3, 2, 8, 30, 0, 0, time.UTC)

	_, err := repo.Save(ctx, "user-1", testGrant("a", "r", time.Now()), "")
	require.NoError(t, err)

	require.NoError(t, repo.Revoke(ctx, "user-1", at))

	rec, err := repo.Find(ctx, "user-1")
	require.NoError(t, err)
	assert.True(t, rec.Revoked)
	require.NotNil(t, rec.RevokedAt)
	assert.Equal(t, at, *rec.RevokedAt)
	assert.Equal(t, model.TokenStateRevoked, rec.StateAt(time.Now(), 5*time.Minute))
}

func TestCredentialRepo_RevokeMissing(t *testing.T) {
	repo, _ := newCredentialFixture(t)

	err := repo.Revoke(context.Background(), "nobody", time.Now())
	assert.ErrorIs(t, err, model.ErrNoAuthorization)
}

func TestCredentialRepo_SaveAfterRevokeReactivates(t *testing.T) {
	repo, _ := newCredentialFixture(t)
	ctx := context.Background()

	_, err := repo.Save(ctx, "user-1", testGrant("a", "r", time.Now()), "s1")
	require.NoError(t, err)
	require.NoError(t, repo.Revoke(ctx, "user-1", time.Now()))

	rec, err := repo.Save(ctx, "user-1", testGrant("a2", "r2", time.Now()), "s2")
	require.NoError(t, err)
	assert.False(t, rec.Revoked)
	assert.Nil(t, rec.RevokedAt)
	assert.Equal(t, "s2", rec.State)
}

func TestCredentialRepo_SaveRequiresUser(t *testing.T) {
	repo, _ := newCredentialFixture(t)

	_, err := repo.Save(context.Background(), "ghost", testGrant("a", "r", time.Now()), "")
	assert.Error(t, err, "foreign key to users must be enforced")
}

func TestCredentialRepo_ConcurrentSavesDoNotInterleave(t *testing.T) {
	repo, _ := newCredentialFixture(t)
	ctx := context.Background()
	c := testCipher(t)

	const writers = 20
	var wg sync.WaitGroup
	wg.Add(writers)
	for i := range writers {
		go func() {
			defer wg.Done()
			suffix := strings.Repeat("x", i)
			_, err := repo.Save(ctx, "user-1", testGrant("access-"+suffix, "refresh-"+suffix, time.Now()), "")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	rec, err := repo.Find(ctx, "user-1")
	require.NoError(t, err)

	access, err := c.Open(rec.AccessSecretEnc)
	require.NoError(t, err)
	refresh, err := c.Open(rec.RefreshSecretEnc)
	require.NoError(t, err)

	// Whichever writer won, the pair must come from the same write.
	assert.Equal(t,
		strings.TrimPrefix(string(access), "access-"),
		strings.TrimPrefix(string(refresh), "refresh-"),
	)
}

func TestCredentialRepo_UserDeleteCascades(t *testing.T) {
	repo, _ := newCredentialFixture(t)
	ctx := context.Background()

	_, err := repo.Save(ctx, "user-1", testGrant("a", "r", time.Now()), "")
	require.NoError(t, err)

	_, err = repo.db.Writer.ExecContext(ctx, `DELETE FROM users WHERE id = ?`, "user-1")
	require.NoError(t, err)

	_, err = repo.Find(ctx, "user-1")
	assert.ErrorIs(t, err, model.ErrNoAuthorization)
}
