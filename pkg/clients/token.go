package clients

import (
	"context"
	"net/url"
	"strings"
	"time"

	gojson "github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/cisync/cisync/pkg/config"
	"github.com/cisync/cisync/pkg/errors"
	"github.com/cisync/cisync/pkg/metrics"
	"github.com/cisync/cisync/pkg/retry"
)

const (
	// refreshMargin is how far before expiry a token is refreshed proactively.
	refreshMargin = 3 * time.Minute

	// acquireTimeout bounds a single token acquisition, nested inside the
	// caller's deadline.
	acquireTimeout = 30 * time.Second
)

// Token is a bearer credential with an absolute expiry.
type Token struct {
	Value     string
	ExpiresAt time.Time
}

// Valid reports whether the token can still be used beyond the refresh margin.
func (t *Token) Valid(now time.Time) bool {
	return t != nil && t.Value != "" && now.Add(refreshMargin).Before(t.ExpiresAt)
}

// TokenManager owns the access token for one tenant run. It is owned by the
// run's single thread of control; callers must re-check validity through
// Token rather than caching the value across a refresh boundary.
type TokenManager struct {
	tenant     *config.Tenant
	httpClient *HTTPClient
	policy     *retry.Policy
	logger     *zap.Logger

	current *Token
	now     func() time.Time
}

// NewTokenManager creates a token manager for the tenant's credentials.
func NewTokenManager(tenant *config.Tenant, httpClient *HTTPClient, policy *retry.Policy, logger *zap.Logger) *TokenManager {
	return &TokenManager{
		tenant:     tenant,
		httpClient: httpClient,
		policy:     policy,
		logger:     logger.With(zap.String("component", "token_manager")),
		now:        time.Now,
	}
}

// Token returns a valid bearer token, acquiring one only when the held token
// is absent or inside the refresh margin. Idempotent: a valid held token is
// returned with zero network calls.
func (tm *TokenManager) Token(ctx context.Context) (*Token, error) {
	if tm.current.Valid(tm.now()) {
		return tm.current, nil
	}
	return tm.acquire(ctx)
}

// ForceRefresh discards the held token and acquires a new one. Used for the
// single forced refresh after a 401 on a data call.
func (tm *TokenManager) ForceRefresh(ctx context.Context) (*Token, error) {
	tm.current = nil
	return tm.acquire(ctx)
}

// tokenResponse represents the token endpoint response body.
type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
}

// acquire submits the configured grant and stores the parsed token. HTTP 5xx
// and 429 go through the retry policy; any other non-success status, or a
// response lacking an access token, fails the acquisition without retry.
func (tm *TokenManager) acquire(ctx context.Context) (*Token, error) {
	form := url.Values{
		"client_id":     {tm.tenant.ClientID},
		"client_secret": {tm.tenant.ClientSecret},
		"grant_type":    {tm.tenant.GrantType},
	}
	if tm.tenant.Scope != "" {
		form.Set("scope", tm.tenant.Scope)
	}
	encoded := form.Encode()

	var token *Token
	err := tm.policy.Do(ctx, "token_acquire", func() error {
		metrics.TokenAcquisitions.Inc()
		// Each attempt gets its own deadline nested inside the caller's;
		// its expiry classifies as a retryable timeout, unlike an explicit
		// caller cancellation.
		attemptCtx, cancel := context.WithTimeout(ctx, acquireTimeout)
		defer cancel()

		resp, err := tm.httpClient.Post(attemptCtx, tm.tenant.TokenURL,
			strings.NewReader(encoded),
			map[string]string{"Content-Type": "application/x-www-form-urlencoded"})
		if err != nil {
			return errors.Wrap(err, errors.ErrorTypeConnection, "token request failed")
		}
		defer func() { _ = resp.Body.Close() }()

		if resp.StatusCode != 200 {
			return errors.FromHTTPStatus(resp.StatusCode, tm.tenant.TokenURL)
		}

		var parsed tokenResponse
		if err := gojson.NewDecoder(resp.Body).Decode(&parsed); err != nil {
			return errors.Wrap(err, errors.ErrorTypeData, "failed to decode token response")
		}
		if parsed.AccessToken == "" {
			return errors.New(errors.ErrorTypeAuthentication, "token response missing access_token")
		}

		lifetime := time.Duration(parsed.ExpiresIn) * time.Second
		if lifetime <= 0 {
			lifetime = time.Hour
		}
		token = &Token{
			Value:     parsed.AccessToken,
			ExpiresAt: tm.now().Add(lifetime),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	tm.current = token
	tm.logger.Info("token acquired", zap.Time("expires_at", token.ExpiresAt))
	return token, nil
}
