package api

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/branchbox/branchbox/internal/auth"
)

func apiKeyEnv(t *testing.T) *testEnv {
	t.Helper()
	keys, err := auth.Load("sekret-key", "", "")
	require.NoError(t, err)
	return newTestEnv(t, func(o *envOptions) {
		o.cfg.Auth.Type = "api_key"
		o.apiKeys = keys
	})
}

func TestAPIKeyAuth(t *testing.T) {
	env := apiKeyEnv(t)

	rr := env.do(http.MethodGet, "/v1/sessions", nil)
	assert.Equal(t, http.StatusUnauthorized, rr.Code, "no key")

	rr = env.doFrom("127.0.0.1:51234", http.MethodGet, "/v1/sessions", nil,
		http.Header{"X-API-Key": {"wrong"}})
	assert.Equal(t, http.StatusUnauthorized, rr.Code, "wrong key")

	rr = env.doFrom("127.0.0.1:51234", http.MethodGet, "/v1/sessions", nil,
		http.Header{"X-API-Key": {"sekret-key"}})
	assert.Equal(t, http.StatusOK, rr.Code, "header key")

	rr = env.doFrom("127.0.0.1:51234", http.MethodGet, "/v1/sessions", nil,
		http.Header{"Authorization": {"Bearer sekret-key"}})
	assert.Equal(t, http.StatusOK, rr.Code, "bearer fallback")

	// With a valid key the caller's address no longer matters.
	rr = env.doFrom("203.0.113.9:4444", http.MethodGet, "/v1/sessions", nil,
		http.Header{"X-API-Key": {"sekret-key"}})
	assert.Equal(t, http.StatusOK, rr.Code, "remote with key")
}

func TestNoAuthAdmitsLoopbackOnly(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(http.MethodGet, "/v1/sessions", nil)
	assert.Equal(t, http.StatusOK, rr.Code)

	rr = env.doFrom("[::1]:51234", http.MethodGet, "/v1/sessions", nil, nil)
	assert.Equal(t, http.StatusOK, rr.Code, "ipv6 loopback")

	rr = env.doFrom("203.0.113.9:4444", http.MethodGet, "/v1/sessions", nil, nil)
	require.Equal(t, http.StatusForbidden, rr.Code)
	assert.Contains(t, decodeBody[map[string]any](t, rr)["error"], "api_key")
}

func TestHealthzBypassesAuth(t *testing.T) {
	env := apiKeyEnv(t)

	rr := env.doFrom("203.0.113.9:4444", http.MethodGet, "/healthz", nil, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "ok\n", rr.Body.String())
}

func TestMetricsExposition(t *testing.T) {
	env := newTestEnv(t)
	env.createSession(t, 7, "main", "")

	// Scrapers need no key either.
	rr := env.doFrom("203.0.113.9:4444", http.MethodGet, "/metrics", nil, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	body := rr.Body.String()
	assert.Contains(t, body, "branchbox_up 1")
	assert.Contains(t, body, "branchbox_sessions_started_total 1")
	assert.Contains(t, body, "branchbox_mirror_clones_total 1")
	assert.Contains(t, body, "branchbox_sessions_active 1")
	assert.Contains(t, body, "branchbox_mirrors_ready 1")
}

func TestMetricsDisabled(t *testing.T) {
	env := newTestEnv(t, func(o *envOptions) { o.cfg.Metrics.Enabled = false })

	rr := env.do(http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestRequestBodyLimit(t *testing.T) {
	env := newTestEnv(t, func(o *envOptions) { o.cfg.Server.HTTP.MaxRequestSize = "1KB" })

	big := make([]byte, 4096)
	for i := range big {
		big[i] = 'a'
	}
	rr := env.do(http.MethodPost, "/v1/sessions", map[string]any{"branch": string(big)})
	assert.Equal(t, http.StatusRequestEntityTooLarge, rr.Code, rr.Body.String())
}

func TestRateLimitPerCaller(t *testing.T) {
	env := newTestEnv(t, func(o *envOptions) {
		o.cfg.Server.HTTP.RateLimit.Enabled = true
		o.cfg.Server.HTTP.RateLimit.RequestsPerSecond = 1
		o.cfg.Server.HTTP.RateLimit.Burst = 3
	})

	for i := 0; i < 3; i++ {
		rr := env.do(http.MethodGet, "/v1/sessions", nil)
		require.Equal(t, http.StatusOK, rr.Code, "request %d within burst", i+1)
	}

	rr := env.do(http.MethodGet, "/v1/sessions", nil)
	require.Equal(t, http.StatusTooManyRequests, rr.Code)
	assert.Contains(t, decodeBody[map[string]any](t, rr)["error"], "rate limit")

	// A different caller has its own bucket.
	rr = env.doFrom("127.0.0.2:4444", http.MethodGet, "/v1/sessions", nil, nil)
	assert.Equal(t, http.StatusOK, rr.Code)

	// Probes stay outside the limiter.
	rr = env.do(http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestRateLimitKeyedByAPIKey(t *testing.T) {
	keys, err := auth.Load("sekret-key", "", "")
	require.NoError(t, err)
	env := newTestEnv(t, func(o *envOptions) {
		o.cfg.Auth.Type = "api_key"
		o.apiKeys = keys
		o.cfg.Server.HTTP.RateLimit.Enabled = true
		o.cfg.Server.HTTP.RateLimit.RequestsPerSecond = 1
		o.cfg.Server.HTTP.RateLimit.Burst = 2
	})

	hdr := http.Header{"X-API-Key": {"sekret-key"}}
	for i := 0; i < 2; i++ {
		rr := env.doFrom("203.0.113.9:4444", http.MethodGet, "/v1/sessions", nil, hdr)
		require.Equal(t, http.StatusOK, rr.Code)
	}

	// The key identifies the caller, so a new source address does not
	// reset the bucket.
	rr := env.doFrom("203.0.113.10:4444", http.MethodGet, "/v1/sessions", nil, hdr)
	assert.Equal(t, http.StatusTooManyRequests, rr.Code)
}
