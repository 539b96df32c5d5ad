package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/ericfisherdev/cgmlink/internal/domain/model"
	"github.com/ericfisherdev/cgmlink/internal/domain/port/driven"
)

// TokenProvider yields a valid access secret for a user. Satisfied by *TokenService.
type TokenProvider interface {
	GetValidToken(ctx context.Context, userID string) (string, error)
}

// UsageReporter exposes the quota window. Satisfied by *RateGovernor.
type UsageReporter interface {
	Usage() model.QuotaUsage
}

// Gateway serves the six vendor read operations. It validates input, obtains a
// token and passes the vendor payload through untouched. Reads that fail with
// model.ErrUpstreamUnavailable are retried once with backoff.
type Gateway struct {
	tokens     TokenProvider
	client     driven.DexcomClient
	usage      UsageReporter
	logger     *slog.Logger
	newBackOff func() backoff.BackOff
}

// GatewayOption configures a Gateway.
type GatewayOption func(*Gateway)

// WithRetryBackOff replaces the backoff policy used between the first attempt
// and the single retry.
func WithRetryBackOff(f func() backoff.BackOff) GatewayOption {
	return func(g *Gateway) {
		if f != nil {
			g.newBackOff = f
		}
	}
}

// NewGateway creates a Gateway.
func NewGateway(tokens TokenProvider, client driven.DexcomClient, usage UsageReporter, logger *slog.Logger, opts ...GatewayOption) *Gateway {
	g := &Gateway{
		tokens:     tokens,
		client:     client,
		usage:      usage,
		logger:     logger,
		newBackOff: defaultBackOff,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// MaxRetryWait caps the default wait before the single retry.
const MaxRetryWait = 2 * time.Second

func defaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 250 * time.Millisecond
	b.MaxInterval = MaxRetryWait
	return b
}

// Values returns estimated glucose values in [tr.Start, tr.End).
func (g *Gateway) Values(ctx context.Context, userID string, tr model.TimeRange) (model.Payload, error) {
	return g.fetchRanged(ctx, userID, model.ResourceEGVs, tr)
}

// Calibrations returns calibration entries in [tr.Start, tr.End).
func (g *Gateway) Calibrations(ctx context.Context, userID string, tr model.TimeRange) (model.Payload, error) {
	return g.fetchRanged(ctx, userID, model.ResourceCalibrations, tr)
}

// Events returns user-entered events in [tr.Start, tr.End).
func (g *Gateway) Events(ctx context.Context, userID string, tr model.TimeRange) (model.Payload, error) {
	return g.fetchRanged(ctx, userID, model.ResourceEvents, tr)
}

// Alerts returns device alerts in [tr.Start, tr.End).
func (g *Gateway) Alerts(ctx context.Context, userID string, tr model.TimeRange) (model.Payload, error) {
	return g.fetchRanged(ctx, userID, model.ResourceAlerts, tr)
}

// DataRange returns the earliest and latest available record times.
func (g *Gateway) DataRange(ctx context.Context, userID string) (model.Payload, error) {
	return g.fetch(ctx, userID, model.ResourceDataRange, nil)
}

// Devices returns the user's devices.
func (g *Gateway) Devices(ctx context.Context, userID string) (model.Payload, error) {
	return g.fetch(ctx, userID, model.ResourceDevices, nil)
}

// Usage returns the current vendor quota window.
func (g *Gateway) Usage() model.QuotaUsage {
	return g.usage.Usage()
}

func (g *Gateway) fetchRanged(ctx context.Context, userID string, resource model.Resource, tr model.TimeRange) (model.Payload, error) {
	if err := tr.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", resource, err)
	}
	tr = model.TimeRange{Start: tr.Start.UTC(), End: tr.End.UTC()}
	return g.fetch(ctx, userID, resource, &tr)
}

func (g *Gateway) fetch(ctx context.Context, userID string, resource model.Resource, tr *model.TimeRange) (model.Payload, error) {
	token, err := g.tokens.GetValidToken(ctx, userID)
	if err != nil {
		return nil, err
	}

	attempt := 0
	op := func() (model.Payload, error) {
		attempt++
		payload, err := g.client.Fetch(ctx, token, resource, tr)
		if err == nil {
			return payload, nil
		}
		if !errors.Is(err, model.ErrUpstreamUnavailable) {
			return nil, backoff.Permanent(err)
		}
		return nil, err
	}
	notify := func(err error, wait time.Duration) {
		g.logger.Warn("dexcom read failed, retrying",
			"resource", string(resource),
			"user_id", userID,
			"attempt", attempt,
			"wait", wait,
			"error", err,
		)
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(g.newBackOff(), 1), ctx)
	payload, err := backoff.RetryNotifyWithData(op, policy, notify)
	if err != nil {
		return nil, fmt.Errorf("fetch %s for %q: %w", resource, userID, err)
	}
	return payload, nil
}
