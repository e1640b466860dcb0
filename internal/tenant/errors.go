package tenant

import (
	"errors"
	"fmt"

	"github.com/catalystcommunity/pierre/internal/providers"
	"github.com/catalystcommunity/pierre/internal/store"
	"github.com/google/uuid"
)

var (
	ErrRateLimitExceeded = errors.New("daily rate limit exceeded")
	ErrForbidden         = errors.New("role may not manage tenant credentials")
)

// CredentialsNotFoundError means no user, tenant or server credentials exist
// for a provider. It wraps store.ErrNotFound.
type CredentialsNotFoundError struct {
	TenantID uuid.UUID
	Provider string
}

func (e *CredentialsNotFoundError) Error() string {
	clientID, clientSecret := providers.Descriptor{Name: e.Provider}.EnvVarNames()
	return fmt.Sprintf(
		"no OAuth credentials for provider %s in tenant %s: set %s and %s on the server, or run `pierre oauth set --tenant %s --provider %s`",
		e.Provider, e.TenantID, clientID, clientSecret, e.TenantID, e.Provider,
	)
}

func (e *CredentialsNotFoundError) Unwrap() error { return store.ErrNotFound }

// RateLimitExceededError is returned before any network call once a tenant has
// used its daily quota for a provider.
type RateLimitExceededError struct {
	TenantID uuid.UUID
	Provider string
	Usage    uint32
	Limit    uint32
}

func (e *RateLimitExceededError) Error() string {
	return fmt.Sprintf("tenant %s has exceeded daily rate limit for provider %s: %d/%d", e.TenantID, e.Provider, e.Usage, e.Limit)
}

func (e *RateLimitExceededError) Unwrap() error { return ErrRateLimitExceeded }
