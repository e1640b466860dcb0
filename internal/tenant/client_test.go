package tenant

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/catalystcommunity/pierre/internal/circuitbreaker"
	"github.com/catalystcommunity/pierre/internal/oauth2client"
	"github.com/catalystcommunity/pierre/internal/providers"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// tokenServer answers token requests with status, optionally per client id.
type tokenServer struct {
	mu       sync.Mutex
	hits     int
	status   int
	byClient map[string]int
	forms    []url.Values
}

func (s *tokenServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	_ = r.ParseForm()
	s.mu.Lock()
	s.hits++
	s.forms = append(s.forms, r.PostForm)
	status := s.status
	if st, ok := s.byClient[r.PostForm.Get("client_id")]; ok {
		status = st
	}
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	switch {
	case status == 0 || status == http.StatusOK:
		_, _ = w.Write([]byte(`{"access_token":"access-1","token_type":"Bearer","refresh_token":"refresh-1","expires_in":3600}`))
	case status >= 500:
		w.WriteHeader(status)
		_, _ = w.Write([]byte(`{"error":"temporarily_unavailable"}`))
	default:
		w.WriteHeader(status)
		_, _ = w.Write([]byte(`{"error":"invalid_grant"}`))
	}
}

func (s *tokenServer) Hits() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hits
}

func (s *tokenServer) SetStatus(status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = status
}

type clientFixture struct {
	*fixture
	server   *tokenServer
	breakers *circuitbreaker.Registry
	client   *OAuthClient
	tc       Context
}

func newClientFixture(t *testing.T, limit uint32, breakerCfg circuitbreaker.Config, opts ...ClientOption) *clientFixture {
	t.Helper()
	f := newFixture(t, nil)
	ts := &tokenServer{byClient: map[string]int{}}
	srv := httptest.NewServer(ts)
	t.Cleanup(srv.Close)

	require.NoError(t, f.manager.StoreCredentials(context.Background(), f.tenant.TenantID, providers.Strava, StoreCredentialsRequest{
		ClientID:        "tenant-client",
		ClientSecret:    "tenant-secret",
		RateLimitPerDay: limit,
	}))

	breakers := circuitbreaker.NewRegistry(breakerCfg)
	opts = append(opts, WithOAuth2Options(oauth2client.WithEndpoint(srv.URL+"/authorize", srv.URL+"/token")))
	return &clientFixture{
		fixture:  f,
		server:   ts,
		breakers: breakers,
		client:   NewOAuthClient(f.manager, breakers, opts...),
		tc:       NewContext(f.tenant.TenantID, f.tenant.Name, uuid.New(), RoleMember),
	}
}

func (f *clientFixture) usage(t *testing.T) uint32 {
	t.Helper()
	usage, _, err := f.manager.CheckRateLimit(context.Background(), f.tenant.TenantID, providers.Strava)
	require.NoError(t, err)
	return usage
}

func TestExchangeCodeCountsOnlySuccess(t *testing.T) {
	ctx := context.Background()
	f := newClientFixture(t, 10, circuitbreaker.DefaultConfig())

	tok, err := f.client.ExchangeCode(ctx, f.tc, providers.Strava, "code-1")
	require.NoError(t, err)
	assert.Equal(t, "access-1", tok.AccessToken)
	assert.Equal(t, uint32(1), f.usage(t))
	assert.Equal(t, "tenant-client", f.server.forms[0].Get("client_id"))
	assert.Equal(t, "tenant-secret", f.server.forms[0].Get("client_secret"))

	f.server.SetStatus(http.StatusBadRequest)
	_, err = f.client.ExchangeCode(ctx, f.tc, providers.Strava, "code-2")
	var pe *providers.ProviderError
	require.ErrorAs(t, err, &pe)
	assert.False(t, pe.IsRetryable())
	assert.Equal(t, uint32(1), f.usage(t), "failed attempts are not counted")
	assert.Equal(t, circuitbreaker.Closed, f.breakers.Get(providers.Strava).State())
}

func TestRateLimitCheckedBeforeNetwork(t *testing.T) {
	ctx := context.Background()
	f := newClientFixture(t, 2, circuitbreaker.DefaultConfig())

	_, err := f.client.RefreshToken(ctx, f.tc, providers.Strava, "refresh-0")
	require.NoError(t, err)
	_, err = f.client.ExchangeCode(ctx, f.tc, providers.Strava, "code")
	require.NoError(t, err)
	assert.Equal(t, "refresh_token", f.server.forms[0].Get("grant_type"))

	_, err = f.client.ExchangeCode(ctx, f.tc, providers.Strava, "code")
	var limited *RateLimitExceededError
	require.ErrorAs(t, err, &limited)
	assert.ErrorIs(t, err, ErrRateLimitExceeded)
	assert.Equal(t, uint32(2), limited.Usage)
	assert.Equal(t, uint32(2), limited.Limit)
	assert.Equal(t, 2, f.server.Hits(), "a rejected call never reaches the provider")

	f.clock.Set(f.clock.Now().Add(24 * time.Hour))
	_, err = f.client.ExchangeCode(ctx, f.tc, providers.Strava, "code")
	assert.NoError(t, err, "quota resets on the next UTC day")
}

func TestAuthorizationURLWithPKCE(t *testing.T) {
	ctx := context.Background()
	f := newClientFixture(t, 10, circuitbreaker.DefaultConfig())

	req, err := f.client.GetAuthorizationURLWithPKCE(ctx, f.tc, providers.Strava, "state-1")
	require.NoError(t, err)
	assert.Len(t, req.PKCE.Verifier, oauth2client.VerifierLength)

	u, err := url.Parse(req.URL)
	require.NoError(t, err)
	assert.Equal(t, "/authorize", u.Path)
	assert.Equal(t, req.PKCE.Challenge, u.Query().Get("code_challenge"))
	assert.Equal(t, "tenant-client", u.Query().Get("client_id"))
	assert.Equal(t, uint32(1), f.usage(t))

	_, err = f.client.ExchangeCodeWithPKCE(ctx, f.tc, providers.Strava, "code", req.PKCE)
	require.NoError(t, err)
	assert.Equal(t, req.PKCE.Verifier, f.server.forms[0].Get("code_verifier"))

	plain, err := f.client.GetAuthorizationURL(ctx, f.tc, providers.Strava, "state-2")
	require.NoError(t, err)
	assert.NotContains(t, plain, "code_challenge")
	assert.Equal(t, uint32(3), f.usage(t))
}

func TestBreakerOpensOnProviderOutage(t *testing.T) {
	ctx := context.Background()
	cfg := circuitbreaker.Config{FailureThreshold: 2, RecoveryTimeout: time.Minute, SuccessThreshold: 1}
	f := newClientFixture(t, 10, cfg)
	f.server.SetStatus(http.StatusServiceUnavailable)

	for i := 0; i < 2; i++ {
		_, err := f.client.ExchangeCode(ctx, f.tc, providers.Strava, "code")
		require.Error(t, err)
		assert.NotErrorIs(t, err, circuitbreaker.ErrOpen)
	}

	_, err := f.client.ExchangeCode(ctx, f.tc, providers.Strava, "code")
	assert.ErrorIs(t, err, circuitbreaker.ErrOpen)
	var open *circuitbreaker.OpenError
	require.ErrorAs(t, err, &open)
	assert.Equal(t, providers.Strava, open.Provider)
	assert.Equal(t, uint64(60), open.RetryAfterSecs)
	assert.Equal(t, 2, f.server.Hits())
	assert.Zero(t, f.usage(t))
}

func TestPerTenantBreakers(t *testing.T) {
	ctx := context.Background()
	cfg := circuitbreaker.Config{FailureThreshold: 1, RecoveryTimeout: time.Minute, SuccessThreshold: 1}
	f := newClientFixture(t, 10, cfg, WithPerTenantBreakers(true))

	other := NewContext(uuid.New(), "other", uuid.New(), RoleMember)
	require.NoError(t, f.manager.StoreCredentials(ctx, other.TenantID, providers.Strava, StoreCredentialsRequest{
		ClientID:     "other-client",
		ClientSecret: "other-secret",
	}))
	f.server.byClient["tenant-client"] = http.StatusBadGateway

	_, err := f.client.ExchangeCode(ctx, f.tc, providers.Strava, "code")
	require.Error(t, err)
	_, err = f.client.ExchangeCode(ctx, f.tc, providers.Strava, "code")
	assert.ErrorIs(t, err, circuitbreaker.ErrOpen)

	_, err = f.client.ExchangeCode(ctx, other, providers.Strava, "code")
	assert.NoError(t, err, "another tenant's breaker is unaffected")

	key := circuitbreaker.Key(f.tenant.TenantID.String(), providers.Strava)
	assert.Equal(t, circuitbreaker.Open, f.breakers.Get(key).State())
}

func TestNonOAuth2ProviderIsRejected(t *testing.T) {
	ctx := context.Background()
	f := newClientFixture(t, 10, circuitbreaker.DefaultConfig())
	require.NoError(t, f.manager.StoreCredentials(ctx, f.tenant.TenantID, providers.Garmin, StoreCredentialsRequest{
		ClientID:     "garmin-key",
		ClientSecret: "garmin-secret",
	}))

	_, err := f.client.ExchangeCode(ctx, f.tc, providers.Garmin, "code")
	assert.ErrorIs(t, err, providers.ErrUnsupportedFlow)
	usage, _, err := f.manager.CheckRateLimit(ctx, f.tenant.TenantID, providers.Garmin)
	require.NoError(t, err)
	assert.Zero(t, usage)
}

func TestUserAppTakesPrecedenceInFlows(t *testing.T) {
	ctx := context.Background()
	f := newClientFixture(t, 10, circuitbreaker.DefaultConfig())
	f.storeUserApp(t, f.tc.UserID, providers.Strava, "user-client", "user-secret")

	_, err := f.client.ExchangeCode(ctx, f.tc, providers.Strava, "code")
	require.NoError(t, err)
	assert.Equal(t, "user-client", f.server.forms[0].Get("client_id"))
	assert.Equal(t, uint32(1), f.usage(t), "usage is charged to the tenant")
}
