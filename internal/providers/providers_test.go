package providers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLookup(t *testing.T) {
	tests := []struct {
		name       string
		pkce       bool
		flow       Flow
		dailyLimit uint32
	}{
		{name: "strava", pkce: true, flow: FlowOAuth2, dailyLimit: 15000},
		{name: "fitbit", pkce: true, flow: FlowOAuth2, dailyLimit: 2000},
		{name: "whoop", pkce: true, flow: FlowOAuth2, dailyLimit: 10000},
		{name: "garmin", pkce: false, flow: FlowOAuth1, dailyLimit: 1000},
		{name: "terra", pkce: false, flow: FlowAPIKey, dailyLimit: 5000},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := Lookup(tt.name)
			require.NoError(t, err)
			assert.Equal(t, tt.pkce, d.SupportsPKCE)
			assert.Equal(t, tt.flow, d.Flow)
			assert.Equal(t, tt.dailyLimit, d.DefaultDailyLimit)
			assert.Equal(t, tt.flow == FlowOAuth2, d.SupportsAuthorizationCode())
		})
	}

	d, err := Lookup(" Strava ")
	require.NoError(t, err)
	assert.Equal(t, "https://www.strava.com/oauth/token", d.TokenURL)
	assert.Equal(t, "read,activity:read_all", d.ScopeParam(d.DefaultScopes))

	_, err = Lookup("polar")
	assert.ErrorIs(t, err, ErrUnsupportedProvider)

	assert.Equal(t, []string{"fitbit", "garmin", "strava", "terra", "whoop"}, Names())
}

func TestDescriptorHelpers(t *testing.T) {
	d, err := Lookup("whoop")
	require.NoError(t, err)

	assert.Equal(t, "http://localhost:8081/auth/whoop/callback", d.DefaultRedirectURI("http://localhost:8081/"))
	assert.Contains(t, d.DefaultScopes, "offline")

	id, secret := d.EnvVarNames()
	assert.Equal(t, "WHOOP_CLIENT_ID", id)
	assert.Equal(t, "WHOOP_CLIENT_SECRET", secret)
}

func TestProviderErrorRetryable(t *testing.T) {
	tests := []struct {
		status    int
		kind      ErrorKind
		retryable bool
	}{
		{http.StatusTooManyRequests, KindRateLimited, true},
		{http.StatusBadGateway, KindServerError, true},
		{http.StatusServiceUnavailable, KindServerError, true},
		{http.StatusInternalServerError, KindServerError, true},
		{http.StatusGatewayTimeout, KindTimeout, true},
		{http.StatusBadRequest, KindBadRequest, false},
		{http.StatusUnauthorized, KindAuthRejected, false},
		{http.StatusForbidden, KindAuthRejected, false},
		{http.StatusNotFound, KindNotFound, false},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.status), func(t *testing.T) {
			err := NewStatusError("strava", tt.status, errors.New("boom"))
			assert.Equal(t, tt.kind, err.Kind)
			assert.Equal(t, tt.retryable, err.IsRetryable())
			assert.Equal(t, tt.retryable, IsRetryable(fmt.Errorf("wrapped: %w", err)))
		})
	}
}

func TestClassify(t *testing.T) {
	assert.NoError(t, Classify("fitbit", nil))

	err := Classify("fitbit", errors.New("connection refused"))
	var pe *ProviderError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, KindNetwork, pe.Kind)
	assert.True(t, IsRetryable(err))

	err = Classify("fitbit", context.DeadlineExceeded)
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, KindTimeout, pe.Kind)

	assert.ErrorIs(t, Classify("fitbit", context.Canceled), context.Canceled)
	assert.False(t, IsRetryable(Classify("fitbit", context.Canceled)))

	original := NewStatusError("fitbit", 400, nil)
	assert.Same(t, original, Classify("fitbit", original))

	assert.False(t, IsRetryable(errors.New("plain")))
}
