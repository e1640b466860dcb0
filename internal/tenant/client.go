package tenant

import (
	"context"

	"github.com/catalystcommunity/app-utils-go/logging"
	"github.com/catalystcommunity/pierre/internal/circuitbreaker"
	"github.com/catalystcommunity/pierre/internal/metrics"
	"github.com/catalystcommunity/pierre/internal/oauth2client"
	"github.com/catalystcommunity/pierre/internal/providers"
	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
)

type ClientOption func(*OAuthClient)

// WithPerTenantBreakers gives every (tenant, provider) pair its own breaker
// instead of sharing one per provider.
func WithPerTenantBreakers(enabled bool) ClientOption {
	return func(c *OAuthClient) { c.perTenant = enabled }
}

// WithOAuth2Options is passed through to every oauth2client.New call.
func WithOAuth2Options(opts ...oauth2client.Option) ClientOption {
	return func(c *OAuthClient) { c.clientOpts = append(c.clientOpts, opts...) }
}

// OAuthClient runs OAuth flows for a tenant. Each flow checks the tenant's
// quota before doing anything, goes through the provider's circuit breaker
// and counts usage only when it succeeds.
type OAuthClient struct {
	manager    *Manager
	breakers   *circuitbreaker.Registry
	perTenant  bool
	clientOpts []oauth2client.Option
}

func NewOAuthClient(manager *Manager, breakers *circuitbreaker.Registry, opts ...ClientOption) *OAuthClient {
	c := &OAuthClient{manager: manager, breakers: breakers}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// GetOAuthClient checks the rate limit, resolves credentials and builds a
// provider client.
func (c *OAuthClient) GetOAuthClient(ctx context.Context, tc Context, provider string) (*oauth2client.Client, error) {
	desc, err := providers.Lookup(provider)
	if err != nil {
		return nil, err
	}

	usage, limit, err := c.manager.CheckRateLimit(ctx, tc.TenantID, desc.Name)
	if err != nil {
		return nil, err
	}
	if usage >= limit {
		metrics.RecordRateLimitRejection(desc.Name)
		logging.Log.WithFields(logrus.Fields{
			"tenant_id": tc.TenantID,
			"provider":  desc.Name,
			"usage":     usage,
			"limit":     limit,
		}).Warn("tenant rate limit exceeded")
		return nil, &RateLimitExceededError{TenantID: tc.TenantID, Provider: desc.Name, Usage: usage, Limit: limit}
	}

	creds, err := c.manager.GetCredentialsForUser(ctx, tc.user(), tc.TenantID, desc.Name)
	if err != nil {
		return nil, err
	}
	return oauth2client.New(desc, oauth2client.Credentials{
		ClientID:     creds.ClientID,
		ClientSecret: creds.ClientSecret,
		RedirectURI:  creds.RedirectURI,
		Scopes:       creds.Scopes,
	}, c.clientOpts...)
}

func (c *OAuthClient) breaker(tc Context, provider string) *circuitbreaker.CircuitBreaker {
	tenantKey := ""
	if c.perTenant {
		tenantKey = tc.TenantID.String()
	}
	return c.breakers.Get(circuitbreaker.Key(tenantKey, provider))
}

// run resolves a client and executes fn through the breaker, counting usage
// on success.
func run[T any](ctx context.Context, c *OAuthClient, tc Context, provider, operation string, fn func(context.Context, *oauth2client.Client) (T, error)) (T, error) {
	var zero T
	client, err := c.GetOAuthClient(ctx, tc, provider)
	if err != nil {
		metrics.RecordOAuthRequest(provider, operation, "rejected")
		return zero, err
	}
	name := client.Provider().Name

	result, err := circuitbreaker.Execute(ctx, c.breaker(tc, name), func(ctx context.Context) (T, error) {
		return fn(ctx, client)
	})
	if err != nil {
		metrics.RecordOAuthRequest(name, operation, "error")
		logging.Log.WithError(err).WithFields(logrus.Fields{
			"tenant_id": tc.TenantID,
			"provider":  name,
			"operation": operation,
		}).Warn("oauth request failed")
		return zero, err
	}
	c.manager.IncrementUsage(tc.TenantID, name)
	metrics.RecordOAuthRequest(name, operation, "success")
	return result, nil
}

// GetAuthorizationURL builds the provider consent URL for state.
func (c *OAuthClient) GetAuthorizationURL(ctx context.Context, tc Context, provider, state string) (string, error) {
	return run(ctx, c, tc, provider, "authorize", func(_ context.Context, client *oauth2client.Client) (string, error) {
		return client.AuthorizationURL(state), nil
	})
}

// AuthorizationRequest is a consent URL plus the PKCE parameters the caller
// must keep until the code exchange.
type AuthorizationRequest struct {
	URL  string
	PKCE oauth2client.PKCE
}

// GetAuthorizationURLWithPKCE builds the consent URL with a fresh PKCE pair.
func (c *OAuthClient) GetAuthorizationURLWithPKCE(ctx context.Context, tc Context, provider, state string) (AuthorizationRequest, error) {
	return run(ctx, c, tc, provider, "authorize", func(_ context.Context, client *oauth2client.Client) (AuthorizationRequest, error) {
		pkce, err := oauth2client.GeneratePKCE()
		if err != nil {
			return AuthorizationRequest{}, err
		}
		return AuthorizationRequest{URL: client.AuthorizationURLWithPKCE(state, pkce), PKCE: pkce}, nil
	})
}

// ExchangeCode trades an authorization code for tokens.
func (c *OAuthClient) ExchangeCode(ctx context.Context, tc Context, provider, code string) (*oauth2.Token, error) {
	return run(ctx, c, tc, provider, "exchange", func(ctx context.Context, client *oauth2client.Client) (*oauth2.Token, error) {
		return client.ExchangeCode(ctx, code)
	})
}

// ExchangeCodeWithPKCE trades an authorization code plus verifier for tokens.
func (c *OAuthClient) ExchangeCodeWithPKCE(ctx context.Context, tc Context, provider, code string, pkce oauth2client.PKCE) (*oauth2.Token, error) {
	return run(ctx, c, tc, provider, "exchange", func(ctx context.Context, client *oauth2client.Client) (*oauth2.Token, error) {
		return client.ExchangeCodeWithPKCE(ctx, code, pkce)
	})
}

// RefreshToken obtains a new access token from a refresh token.
func (c *OAuthClient) RefreshToken(ctx context.Context, tc Context, provider, refreshToken string) (*oauth2.Token, error) {
	return run(ctx, c, tc, provider, "refresh", func(ctx context.Context, client *oauth2client.Client) (*oauth2.Token, error) {
		return client.RefreshToken(ctx, refreshToken)
	})
}
