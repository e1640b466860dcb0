// Package providers describes the fitness data providers the platform can
// authorize against.
package providers

import (
	"fmt"
	"sort"
	"strings"
)

const (
	Strava = "strava"
	Fitbit = "fitbit"
	Garmin = "garmin"
	Whoop  = "whoop"
	Terra  = "terra"
)

// Flow is how a provider grants access.
type Flow string

const (
	FlowOAuth2 Flow = "oauth2"
	// FlowOAuth1 is Garmin's OAuth 1.0a style consent flow.
	FlowOAuth1 Flow = "oauth1"
	FlowAPIKey Flow = "api_key"
)

// Descriptor holds the hardcoded per provider OAuth details.
type Descriptor struct {
	Name              string
	DisplayName       string
	Flow              Flow
	AuthURL           string
	TokenURL          string
	SupportsPKCE      bool
	DefaultScopes     []string
	ScopeSeparator    string
	DefaultDailyLimit uint32
}

var registry = map[string]Descriptor{
	Strava: {
		Name:              Strava,
		DisplayName:       "Strava",
		Flow:              FlowOAuth2,
		AuthURL:           "https://www.strava.com/oauth/authorize",
		TokenURL:          "https://www.strava.com/oauth/token",
		SupportsPKCE:      true,
		DefaultScopes:     []string{"read", "activity:read_all"},
		ScopeSeparator:    ",",
		DefaultDailyLimit: 15000,
	},
	Fitbit: {
		Name:              Fitbit,
		DisplayName:       "Fitbit",
		Flow:              FlowOAuth2,
		AuthURL:           "https://www.fitbit.com/oauth2/authorize",
		TokenURL:          "https://api.fitbit.com/oauth2/token",
		SupportsPKCE:      true,
		DefaultScopes:     []string{"activity", "profile"},
		ScopeSeparator:    " ",
		DefaultDailyLimit: 2000,
	},
	Whoop: {
		Name:              Whoop,
		DisplayName:       "WHOOP",
		Flow:              FlowOAuth2,
		AuthURL:           "https://api.prod.whoop.com/oauth/oauth2/auth",
		TokenURL:          "https://api.prod.whoop.com/oauth/oauth2/token",
		SupportsPKCE:      true,
		DefaultScopes:     []string{"offline", "read:profile", "read:workout", "read:sleep", "read:recovery", "read:cycles"},
		ScopeSeparator:    " ",
		DefaultDailyLimit: 10000,
	},
	Garmin: {
		Name:              Garmin,
		DisplayName:       "Garmin Connect",
		Flow:              FlowOAuth1,
		AuthURL:           "https://connect.garmin.com/oauthConfirm",
		TokenURL:          "https://connectapi.garmin.com/oauth-service/oauth/access_token",
		SupportsPKCE:      false,
		DefaultScopes:     []string{"wellness:read", "activities:read"},
		ScopeSeparator:    ",",
		DefaultDailyLimit: 1000,
	},
	Terra: {
		Name:              Terra,
		DisplayName:       "Terra",
		Flow:              FlowAPIKey,
		SupportsPKCE:      false,
		ScopeSeparator:    ",",
		DefaultDailyLimit: 5000,
	},
}

// Lookup returns the descriptor for a provider name, case insensitively.
func Lookup(name string) (Descriptor, error) {
	d, ok := registry[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return Descriptor{}, fmt.Errorf("%w: %q", ErrUnsupportedProvider, name)
	}
	return d, nil
}

// Names lists the supported providers in sorted order.
func Names() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// SupportsAuthorizationCode reports whether the standard OAuth2 authorization
// code grant applies.
func (d Descriptor) SupportsAuthorizationCode() bool {
	return d.Flow == FlowOAuth2
}

// DefaultRedirectURI is {baseURL}/auth/{provider}/callback.
func (d Descriptor) DefaultRedirectURI(baseURL string) string {
	return strings.TrimRight(baseURL, "/") + "/auth/" + d.Name + "/callback"
}

// ScopeParam renders scopes the way the provider expects them on the wire.
func (d Descriptor) ScopeParam(scopes []string) string {
	return strings.Join(scopes, d.ScopeSeparator)
}

// EnvVarNames returns the server level env vars that configure this provider.
func (d Descriptor) EnvVarNames() (clientID, clientSecret string) {
	prefix := strings.ToUpper(d.Name)
	return prefix + "_CLIENT_ID", prefix + "_CLIENT_SECRET"
}
