package model

import "time"

// TokenState is the lifecycle state of a user's vendor credential at a point in time.
type TokenState string

const (
	TokenStateAbsent     TokenState = "absent"
	TokenStateValid      TokenState = "valid"
	TokenStateNearExpiry TokenState = "near_expiry"
	TokenStateExpired    TokenState = "expired"
	TokenStateRevoked    TokenState = "revoked"
)

// DefaultTokenType is the only secret kind the vendor issues.
const DefaultTokenType = "Bearer"

// DefaultScope is the scope requested so the vendor issues a refresh secret.
const DefaultScope = "offline_access"

// TokenGrant is a freshly issued access/refresh pair as returned by the vendor
// token endpoint. It holds plaintext and must never be logged or persisted as is.
type TokenGrant struct {
	AccessToken  string
	RefreshToken string
	TokenType    string
	Scope        string
	ExpiresIn    time.Duration
	// IssuedAt anchors the absolute expiry. Set by the caller when the grant
	// is received; stores fall back to the current time when zero.
	IssuedAt time.Time
}

// CredentialRecord is the persisted per-user vendor credential. Access and
// refresh secrets are held only as ciphertext.
type CredentialRecord struct {
	UserID           string
	AccessSecretEnc  string
	RefreshSecretEnc string
	TokenType        string
	Scope            string
	ExpiresIn        time.Duration
	ExpiresAt        time.Time
	State            string
	Revoked          bool
	RevokedAt        *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// StateAt classifies the record at now. A record whose expiry falls within
// threshold of now is NearExpiry; at or past expiry it is Expired.
func (c *CredentialRecord) StateAt(now time.Time, threshold time.Duration) TokenState {
	if c == nil {
		return TokenStateAbsent
	}
	if c.Revoked {
		return TokenStateRevoked
	}

	now = now.UTC()
	expiresAt := c.ExpiresAt.UTC()

	switch {
	case !now.Before(expiresAt):
		return TokenStateExpired
	case !now.Before(expiresAt.Add(-threshold)):
		return TokenStateNearExpiry
	default:
		return TokenStateValid
	}
}

// NeedsRefresh reports whether the record is expired or inside the refresh threshold.
func (s TokenState) NeedsRefresh() bool {
	return s == TokenStateExpired || s == TokenStateNearExpiry
}

// TokenStatus is the non-secret view of a user's credential returned by status queries.
type TokenStatus struct {
	Authorized bool
	State      TokenState
	Scope      string
	ExpiresAt  time.Time
	NearExpiry bool
	Expired    bool
	UpdatedAt  time.Time
}
