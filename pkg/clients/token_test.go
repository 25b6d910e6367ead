package clients

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/cisync/cisync/pkg/config"
	"github.com/cisync/cisync/pkg/errors"
	"github.com/cisync/cisync/pkg/retry"
)

func testTokenManager(t *testing.T, tokenURL string) *TokenManager {
	t.Helper()
	tenant := &config.Tenant{
		Code:         "DEMO",
		TokenURL:     tokenURL,
		ClientID:     "client",
		ClientSecret: "secret",
		Scope:        "api",
		GrantType:    "client_credentials",
	}
	policy := retry.New(zap.NewNop())
	policy.BaseDelay = time.Millisecond
	policy.MaxJitter = 0
	return NewTokenManager(tenant, NewHTTPClient(nil, zap.NewNop()), policy, zap.NewNop())
}

func TestTokenHeldValidIssuesNoNetworkCall(t *testing.T) {
	var calls int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&calls, 1)
	}))
	defer srv.Close()

	tm := testTokenManager(t, srv.URL)
	tm.current = &Token{Value: "held", ExpiresAt: time.Now().Add(time.Hour)}

	token, err := tm.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "held", token.Value)
	assert.Equal(t, int64(0), atomic.LoadInt64(&calls))
}

func TestTokenInsideMarginRefreshes(t *testing.T) {
	var calls int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&calls, 1)
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "client", r.Form.Get("client_id"))
		assert.Equal(t, "secret", r.Form.Get("client_secret"))
		assert.Equal(t, "api", r.Form.Get("scope"))
		assert.Equal(t, "client_credentials", r.Form.Get("grant_type"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"fresh","token_type":"Bearer","expires_in":3600}`))
	}))
	defer srv.Close()

	tm := testTokenManager(t, srv.URL)
	// Two minutes left is inside the three-minute refresh margin.
	tm.current = &Token{Value: "stale", ExpiresAt: time.Now().Add(2 * time.Minute)}

	token, err := tm.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "fresh", token.Value)
	assert.Equal(t, int64(1), atomic.LoadInt64(&calls))
	assert.WithinDuration(t, time.Now().Add(time.Hour), token.ExpiresAt, time.Minute)
}

func TestTokenAcquisitionRetriesServerErrors(t *testing.T) {
	var calls int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt64(&calls, 1) <= 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_, _ = w.Write([]byte(`{"access_token":"ok","expires_in":600}`))
	}))
	defer srv.Close()

	tm := testTokenManager(t, srv.URL)
	token, err := tm.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ok", token.Value)
	assert.Equal(t, int64(3), atomic.LoadInt64(&calls))
}

func TestTokenAcquisitionFatalOnClientError(t *testing.T) {
	var calls int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	tm := testTokenManager(t, srv.URL)
	_, err := tm.Token(context.Background())
	require.Error(t, err)
	assert.Equal(t, int64(1), atomic.LoadInt64(&calls), "4xx must not be retried")
}

func TestTokenAcquisitionFatalOnMissingAccessToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"token_type":"Bearer","expires_in":600}`))
	}))
	defer srv.Close()

	tm := testTokenManager(t, srv.URL)
	_, err := tm.Token(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeAuthentication))
}

func TestForceRefreshDiscardsHeldToken(t *testing.T) {
	var calls int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&calls, 1)
		_, _ = w.Write([]byte(`{"access_token":"forced","expires_in":3600}`))
	}))
	defer srv.Close()

	tm := testTokenManager(t, srv.URL)
	tm.current = &Token{Value: "held", ExpiresAt: time.Now().Add(time.Hour)}

	token, err := tm.ForceRefresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "forced", token.Value)
	assert.Equal(t, int64(1), atomic.LoadInt64(&calls))
}

func TestTokenValid(t *testing.T) {
	now := time.Now()
	assert.False(t, (*Token)(nil).Valid(now))
	assert.False(t, (&Token{Value: "x", ExpiresAt: now.Add(time.Minute)}).Valid(now),
		"inside the refresh margin")
	assert.True(t, (&Token{Value: "x", ExpiresAt: now.Add(10 * time.Minute)}).Valid(now))
}
