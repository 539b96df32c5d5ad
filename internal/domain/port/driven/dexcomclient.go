package driven

import (
	"context"

	"github.com/ericfisherdev/cgmlink/internal/domain/model"
)

// Quota is consulted before every outbound vendor request.
type Quota interface {
	TryAcquire() bool
}

// DexcomClient defines the driven port for the vendor OAuth and data API.
// Every network method consumes one Quota permit first and returns
// model.ErrQuotaExceeded without sending anything when denied. None of them retry.
type DexcomClient interface {
	// AuthorizationURL builds the vendor login URL. No network call.
	AuthorizationURL(state string) string

	// Exchange trades a single-use authorization code for a token pair.
	// Returns model.ErrUpstreamRejected if the vendor refuses the code.
	Exchange(ctx context.Context, code string) (model.TokenGrant, error)

	// Refresh trades a single-use refresh secret for a new pair.
	// Returns model.ErrUpstreamRejected if the vendor refuses the secret.
	Refresh(ctx context.Context, refreshSecret string) (model.TokenGrant, error)

	// Revoke asks the vendor to invalidate a secret. Best effort.
	Revoke(ctx context.Context, secret string) error

	// Fetch reads one of the six vendor resources. tr is nil for resources
	// without a time window.
	Fetch(ctx context.Context, accessSecret string, resource model.Resource, tr *model.TimeRange) (model.Payload, error)
}
