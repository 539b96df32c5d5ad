// Package dexcom implements the DexcomClient port against the Dexcom OAuth2
// and v3 data APIs. Every outbound request first takes a permit from the
// shared quota.
package dexcom

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/ericfisherdev/cgmlink/internal/domain/model"
	"github.com/ericfisherdev/cgmlink/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.DexcomClient = (*Client)(nil)

// Regional API hosts.
const (
	SandboxBaseURL = "https://sandbox-api.dexcom.com"
	USBaseURL      = "https://api.dexcom.com"
	EUBaseURL      = "https://api.dexcom.eu"
	JPBaseURL      = "https://api.dexcom.jp"
)

const (
	loginPath  = "/v2/oauth2/login"
	tokenPath  = "/v2/oauth2/token"
	revokePath = "/v2/oauth2/revoke"
	dataPath   = "/v3/users/self/"

	// dateLayout is the vendor's query format: UTC without an offset.
	dateLayout = "2006-01-02T15:04:05"

	// DefaultTimeout bounds every vendor call alongside context cancellation.
	DefaultTimeout = 30 * time.Second

	maxErrorBody = 4 << 10
)

// BaseURLForEnvironment maps an environment name to its API host.
// Unknown names fall back to the sandbox.
func BaseURLForEnvironment(env string) string {
	switch strings.ToLower(strings.TrimSpace(env)) {
	case "us", "production":
		return USBaseURL
	case "eu":
		return EUBaseURL
	case "jp":
		return JPBaseURL
	default:
		return SandboxBaseURL
	}
}

// Config holds the registered application credentials and endpoints.
type Config struct {
	ClientID     string
	ClientSecret string
	RedirectURI  string
	// BaseURL serves the v3 data endpoints.
	BaseURL string
	// AuthBaseURL serves the OAuth2 endpoints. Defaults to BaseURL.
	AuthBaseURL string
	Timeout     time.Duration
}

// CallRecorder observes each vendor call. Satisfied by the metrics package.
type CallRecorder interface {
	RecordUpstreamCall(operation, outcome string, duration time.Duration)
}

// Client talks to the Dexcom API.
type Client struct {
	oauth      *oauth2.Config
	baseURL    string
	revokeURL  string
	httpClient *http.Client
	quota      driven.Quota
	recorder   CallRecorder
	logger     *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default http.Client. Intended for httptest servers.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithCallRecorder reports the outcome and latency of every vendor call.
func WithCallRecorder(r CallRecorder) Option {
	return func(c *Client) {
		c.recorder = r
	}
}

// NewClient creates a Client. quota is consulted before every request.
func NewClient(cfg Config, quota driven.Quota, logger *slog.Logger, opts ...Option) (*Client, error) {
	if cfg.ClientID == "" {
		return nil, errors.New("dexcom client id is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = SandboxBaseURL
	}
	if cfg.AuthBaseURL == "" {
		cfg.AuthBaseURL = cfg.BaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}

	base, err := normalizeBase(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing base URL: %w", err)
	}
	authBase, err := normalizeBase(cfg.AuthBaseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing auth base URL: %w", err)
	}

	c := &Client{
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURI,
			Scopes:       []string{model.DefaultScope},
			Endpoint: oauth2.Endpoint{
				AuthURL:   authBase + loginPath,
				TokenURL:  authBase + tokenPath,
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		baseURL:    base,
		revokeURL:  authBase + revokePath,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		quota:      quota,
		logger:     logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func normalizeBase(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("%q is not an absolute URL", raw)
	}
	return strings.TrimRight(u.String(), "/"), nil
}

// AuthorizationURL builds the vendor login URL. It makes no request.
func (c *Client) AuthorizationURL(state string) string {
	return c.oauth.AuthCodeURL(state)
}

// Exchange trades an authorization code for a token pair.
func (c *Client) Exchange(ctx context.Context, code string) (model.TokenGrant, error) {
	if !c.quota.TryAcquire() {
		c.record("exchange", "quota_denied", 0)
		return model.TokenGrant{}, fmt.Errorf("exchange code: %w", model.ErrQuotaExceeded)
	}

	start := time.Now()
	tok, err := c.oauth.Exchange(c.oauthContext(ctx), code)
	if err != nil {
		err = classifyTokenError("exchange code", err)
		c.record("exchange", outcomeOf(err), time.Since(start))
		return model.TokenGrant{}, err
	}
	c.record("exchange", "success", time.Since(start))
	return c.grantFromToken("exchange", tok, ""), nil
}

// Refresh redeems a refresh secret. The vendor rotates both secrets, so the
// returned grant must replace the stored pair.
func (c *Client) Refresh(ctx context.Context, refreshSecret string) (model.TokenGrant, error) {
	if !c.quota.TryAcquire() {
		c.record("refresh", "quota_denied", 0)
		return model.TokenGrant{}, fmt.Errorf("refresh token: %w", model.ErrQuotaExceeded)
	}

	start := time.Now()
	src := c.oauth.TokenSource(c.oauthContext(ctx), &oauth2.Token{RefreshToken: refreshSecret})
	tok, err := src.Token()
	if err != nil {
		err = classifyTokenError("refresh token", err)
		c.record("refresh", outcomeOf(err), time.Since(start))
		return model.TokenGrant{}, err
	}
	c.record("refresh", "success", time.Since(start))
	return c.grantFromToken("refresh", tok, refreshSecret), nil
}

// Revoke asks the vendor to invalidate secret.
func (c *Client) Revoke(ctx context.Context, secret string) error {
	if !c.quota.TryAcquire() {
		c.record("revoke", "quota_denied", 0)
		return fmt.Errorf("revoke token: %w", model.ErrQuotaExceeded)
	}

	form := url.Values{
		"token":           {secret},
		"token_type_hint": {"refresh_token"},
		"client_id":       {c.oauth.ClientID},
		"client_secret":   {c.oauth.ClientSecret},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.revokeURL, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("creating revoke request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.record("revoke", "unavailable", time.Since(start))
		return fmt.Errorf("revoke token: %w", errors.Join(model.ErrUpstreamUnavailable, err))
	}
	defer resp.Body.Close()

	err = classifyStatus("revoke token", resp, true)
	c.record("revoke", outcomeOf(err), time.Since(start))
	return err
}

// Fetch reads one v3 resource. tr is required for ranged resources and
// ignored otherwise. The body is returned without decoding.
func (c *Client) Fetch(ctx context.Context, accessSecret string, resource model.Resource, tr *model.TimeRange) (model.Payload, error) {
	if resource.Ranged() && tr == nil {
		return nil, fmt.Errorf("%s: %w", resource, model.ErrInvalidTimeRange)
	}
	if !c.quota.TryAcquire() {
		c.record(string(resource), "quota_denied", 0)
		return nil, fmt.Errorf("%s: %w", resource, model.ErrQuotaExceeded)
	}

	endpoint := c.baseURL + dataPath + string(resource)
	if resource.Ranged() {
		q := url.Values{
			"startDate": {tr.Start.UTC().Format(dateLayout)},
			"endDate":   {tr.End.UTC().Format(dateLayout)},
		}
		endpoint += "?" + q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("creating %s request: %w", resource, err)
	}
	req.Header.Set("Authorization", "Bearer "+accessSecret)
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.record(string(resource), "unavailable", time.Since(start))
		return nil, fmt.Errorf("%s: %w", resource, errors.Join(model.ErrUpstreamUnavailable, err))
	}
	defer resp.Body.Close()

	if err := classifyStatus(string(resource), resp, false); err != nil {
		c.record(string(resource), outcomeOf(err), time.Since(start))
		return nil, err
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		c.record(string(resource), "unavailable", time.Since(start))
		return nil, fmt.Errorf("reading %s response: %w", resource, errors.Join(model.ErrUpstreamUnavailable, err))
	}
	c.record(string(resource), "success", time.Since(start))

	c.logger.Debug("dexcom api call",
		"resource", string(resource),
		"status", resp.StatusCode,
		"bytes", len(body),
		"duration", time.Since(start).Round(time.Millisecond),
	)
	return model.Payload(body), nil
}

func (c *Client) oauthContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
}

func (c *Client) record(operation, outcome string, d time.Duration) {
	if c.recorder != nil {
		c.recorder.RecordUpstreamCall(operation, outcome, d)
	}
}

// grantFromToken converts an oauth2 token. fallbackRefresh covers vendors
// that omit the refresh secret on refresh responses. A response without a
// lifetime yields ExpiresIn 0, so the stored pair is stale at once and the
// next read refreshes it.
func (c *Client) grantFromToken(operation string, tok *oauth2.Token, fallbackRefresh string) model.TokenGrant {
	lifetime := time.Duration(tok.ExpiresIn) * time.Second
	if lifetime <= 0 && !tok.Expiry.IsZero() {
		lifetime = time.Until(tok.Expiry).Round(time.Second)
	}
	if lifetime < 0 {
		lifetime = 0
	}
	if lifetime == 0 {
		c.logger.Warn("dexcom token response without expires_in, treating token as expired",
			"operation", operation,
		)
	}

	refresh := tok.RefreshToken
	if refresh == "" {
		refresh = fallbackRefresh
	}

	scope, _ := tok.Extra("scope").(string)

	return model.TokenGrant{
		AccessToken:  tok.AccessToken,
		RefreshToken: refresh,
		TokenType:    tok.TokenType,
		Scope:        scope,
		ExpiresIn:    lifetime,
	}
}

// classifyTokenError maps token endpoint failures onto domain sentinels.
func classifyTokenError(op string, err error) error {
	var rErr *oauth2.RetrieveError
	if errors.As(err, &rErr) && rErr.Response != nil {
		code := rErr.Response.StatusCode
		switch {
		case code == http.StatusTooManyRequests:
			return fmt.Errorf("%s: %w", op, model.ErrQuotaExceeded)
		case code >= 500:
			return fmt.Errorf("%s: status %d: %w", op, code, model.ErrUpstreamUnavailable)
		default:
			// 4xx, or a 2xx carrying an OAuth error code.
			return fmt.Errorf("%s: %w: %w", op, model.ErrUpstreamRejected, err)
		}
	}
	return fmt.Errorf("%s: %w", op, errors.Join(model.ErrUpstreamUnavailable, err))
}

// classifyStatus maps a non-2xx response onto domain errors. tokenEndpoint
// selects ErrUpstreamRejected for 4xx instead of *model.UpstreamError.
func classifyStatus(op string, resp *http.Response, tokenEndpoint bool) error {
	code := resp.StatusCode
	if code >= 200 && code < 300 {
		return nil
	}

	switch {
	case code == http.StatusTooManyRequests:
		return fmt.Errorf("%s: %w", op, model.ErrQuotaExceeded)
	case code >= 500:
		return fmt.Errorf("%s: status %d: %w", op, code, model.ErrUpstreamUnavailable)
	case tokenEndpoint:
		return fmt.Errorf("%s: status %d: %w", op, code, model.ErrUpstreamRejected)
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return fmt.Errorf("%s: %w", op, &model.UpstreamError{
		StatusCode: code,
		Body:       strings.TrimSpace(string(body)),
	})
}

func outcomeOf(err error) string {
	var upErr *model.UpstreamError
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, model.ErrQuotaExceeded):
		return "rate_limited"
	case errors.Is(err, model.ErrUpstreamRejected):
		return "rejected"
	case errors.As(err, &upErr):
		return "client_error"
	default:
		return "unavailable"
	}
}
