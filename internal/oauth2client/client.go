// Package oauth2client runs the OAuth2 authorization code grant against a
// fitness provider with one set of resolved client credentials.
package oauth2client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/catalystcommunity/pierre/internal/providers"
	"golang.org/x/oauth2"
)

// Credentials are the client credentials one flow runs with.
type Credentials struct {
	ClientID     string
	ClientSecret string
	RedirectURI  string
	Scopes       []string
}

// DefaultHTTPTimeout bounds token requests when no client or timeout is given.
const DefaultHTTPTimeout = 30 * time.Second

type Option func(*Client)

// WithHTTPClient sets the client used for token requests.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithTimeout bounds each token request. Zero keeps DefaultHTTPTimeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.httpClient = &http.Client{Timeout: d}
		}
	}
}

// WithEndpoint overrides the provider's authorize and token URLs.
func WithEndpoint(authURL, tokenURL string) Option {
	return func(c *Client) {
		c.config.Endpoint.AuthURL = authURL
		c.config.Endpoint.TokenURL = tokenURL
	}
}

// Client is an OAuth2 client bound to one provider and one credential set.
type Client struct {
	provider   providers.Descriptor
	config     oauth2.Config
	httpClient *http.Client
}

// New builds a client. Providers that do not use the authorization code grant
// return providers.ErrUnsupportedFlow.
func New(provider providers.Descriptor, creds Credentials, opts ...Option) (*Client, error) {
	if !provider.SupportsAuthorizationCode() {
		return nil, fmt.Errorf("%w: %s uses %s", providers.ErrUnsupportedFlow, provider.Name, provider.Flow)
	}
	scopes := creds.Scopes
	if len(scopes) == 0 {
		scopes = provider.DefaultScopes
	}
	var scopeParam []string
	if len(scopes) > 0 {
		// oauth2 joins scopes with spaces; pre-join so comma separated
		// providers get the form they expect.
		scopeParam = []string{provider.ScopeParam(scopes)}
	}

	c := &Client{
		provider: provider,
		config: oauth2.Config{
			ClientID:     creds.ClientID,
			ClientSecret: creds.ClientSecret,
			RedirectURL:  creds.RedirectURI,
			Scopes:       scopeParam,
			Endpoint: oauth2.Endpoint{
				AuthURL:   provider.AuthURL,
				TokenURL:  provider.TokenURL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		httpClient: &http.Client{Timeout: DefaultHTTPTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) Provider() providers.Descriptor { return c.provider }
func (c *Client) ClientID() string                { return c.config.ClientID }

// AuthorizationURL is the consent URL for state.
func (c *Client) AuthorizationURL(state string) string {
	return c.config.AuthCodeURL(state)
}

// AuthorizationURLWithPKCE adds the S256 challenge when the provider supports
// PKCE, and is AuthorizationURL otherwise.
func (c *Client) AuthorizationURLWithPKCE(state string, pkce PKCE) string {
	if !c.provider.SupportsPKCE {
		return c.config.AuthCodeURL(state)
	}
	return c.config.AuthCodeURL(state, oauth2.S256ChallengeOption(pkce.Verifier))
}

// ExchangeCode trades an authorization code for a token.
func (c *Client) ExchangeCode(ctx context.Context, code string) (*oauth2.Token, error) {
	tok, err := c.config.Exchange(c.withClient(ctx), code)
	if err != nil {
		return nil, c.classify("exchange authorization code", err)
	}
	return tok, nil
}

// ExchangeCodeWithPKCE sends the verifier with the exchange when the
// provider supports PKCE.
func (c *Client) ExchangeCodeWithPKCE(ctx context.Context, code string, pkce PKCE) (*oauth2.Token, error) {
	var opts []oauth2.AuthCodeOption
	if c.provider.SupportsPKCE {
		opts = append(opts, oauth2.VerifierOption(pkce.Verifier))
	}
	tok, err := c.config.Exchange(c.withClient(ctx), code, opts...)
	if err != nil {
		return nil, c.classify("exchange authorization code", err)
	}
	return tok, nil
}

// RefreshToken exchanges a refresh token for a new access token.
func (c *Client) RefreshToken(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	src := c.config.TokenSource(c.withClient(ctx), &oauth2.Token{RefreshToken: refreshToken})
	tok, err := src.Token()
	if err != nil {
		return nil, c.classify("refresh token", err)
	}
	return tok, nil
}

func (c *Client) withClient(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
}

// classify turns token endpoint failures into providers.ProviderError so
// callers and circuit breakers can tell transient failures from rejections.
func (c *Client) classify(op string, err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) && re.Response != nil {
		pe := providers.NewStatusError(c.provider.Name, re.Response.StatusCode, fmt.Errorf("failed to %s: %w", op, err))
		if secs, convErr := strconv.Atoi(re.Response.Header.Get("Retry-After")); convErr == nil {
			pe.RetryAfter = time.Duration(secs) * time.Second
		}
		return pe
	}
	return providers.Classify(c.provider.Name, fmt.Errorf("failed to %s: %w", op, err))
}
