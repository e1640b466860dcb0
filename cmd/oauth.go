package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/catalystcommunity/pierre/internal/providers"
	"github.com/catalystcommunity/pierre/internal/secrets"
	"github.com/catalystcommunity/pierre/internal/tenant"
	"github.com/google/uuid"
	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"
)

var providerFlag = &cli.StringFlag{
	Name:     "provider",
	Aliases:  []string{"p"},
	Usage:    "Provider name (" + strings.Join(providers.Names(), ", ") + ")",
	Required: true,
}

var requiredTenantFlag = &cli.StringFlag{
	Name:     "tenant",
	Aliases:  []string{"t"},
	Usage:    "Tenant ID",
	Required: true,
}

func requiredTenant(ctx *cli.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(ctx.String("tenant"))
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid tenant id %q: %w", ctx.String("tenant"), err)
	}
	return id, nil
}

type credentialsView struct {
	Source          tenant.Source `yaml:"source"`
	Provider        string        `yaml:"provider"`
	ClientID        string        `yaml:"client_id"`
	ClientSecret    string        `yaml:"client_secret"`
	RedirectURI     string        `yaml:"redirect_uri"`
	Scopes          []string      `yaml:"scopes"`
	RateLimitPerDay uint32        `yaml:"rate_limit_per_day"`
	UsageToday      uint32        `yaml:"usage_today"`
}

func maskSecret(secret string) string {
	if len(secret) <= 4 {
		return strings.Repeat("*", len(secret))
	}
	return secret[:2] + strings.Repeat("*", len(secret)-4) + secret[len(secret)-2:]
}

var OAuthCommand = &cli.Command{
	Name:  "oauth",
	Usage: "Manage tenant OAuth applications",
	Subcommands: []*cli.Command{
		{
			Name:  "providers",
			Usage: "List supported providers and their defaults",
			Action: func(ctx *cli.Context) error {
				for _, name := range providers.Names() {
					d, err := providers.Lookup(name)
					if err != nil {
						return err
					}
					clientID, clientSecret := d.EnvVarNames()
					fmt.Printf("%-8s flow=%-8s pkce=%-5t daily_limit=%-6d scopes=%q env=%s,%s\n",
						d.Name, d.Flow, d.SupportsPKCE, d.DefaultDailyLimit, d.ScopeParam(d.DefaultScopes), clientID, clientSecret)
				}
				return nil
			},
		},
		{
			Name:  "set",
			Usage: "Store a tenant's OAuth application; the client secret is encrypted at rest",
			Flags: []cli.Flag{
				dbURIFlag,
				requiredTenantFlag,
				providerFlag,
				&cli.StringFlag{Name: "client-id", Usage: "OAuth client ID", Required: true},
				&cli.StringFlag{Name: "redirect-uri", Usage: "Callback URL; defaults to {BASE_URL}/auth/{provider}/callback"},
				&cli.StringSliceFlag{Name: "scope", Usage: "Scope to request, repeatable; defaults to the provider's scopes"},
				&cli.UintFlag{Name: "rate-limit", Usage: "Daily request limit; defaults to the provider's limit"},
				&cli.StringFlag{Name: "configured-by", Usage: "User ID recorded as the administrator who set the credentials"},
			},
			Action: func(ctx *cli.Context) error {
				tenantID, err := requiredTenant(ctx)
				if err != nil {
					return err
				}
				var configuredBy *uuid.UUID
				if raw := ctx.String("configured-by"); raw != "" {
					id, err := uuid.Parse(raw)
					if err != nil {
						return fmt.Errorf("invalid configured-by user id %q: %w", raw, err)
					}
					configuredBy = &id
				}
				secret, err := promptForSecret("PIERRE_OAUTH_CLIENT_SECRET", "Client secret: ")
				if err != nil {
					return err
				}
				secrets.RegisterSecret(secret)

				c, cancel := commandContext(ctx.Context)
				defer cancel()
				rt, err := newRuntime(c)
				if err != nil {
					return err
				}
				defer rt.Close()

				err = rt.oauth.StoreCredentials(c, tenantID, ctx.String("provider"), tenant.StoreCredentialsRequest{
					ClientID:        ctx.String("client-id"),
					ClientSecret:    secret,
					RedirectURI:     ctx.String("redirect-uri"),
					Scopes:          ctx.StringSlice("scope"),
					RateLimitPerDay: uint32(ctx.Uint("rate-limit")),
					ConfiguredBy:    configuredBy,
				})
				if err != nil {
					return err
				}
				fmt.Printf("stored %s credentials for tenant %s\n", ctx.String("provider"), tenantID)
				return nil
			},
		},
		{
			Name:  "get",
			Usage: "Show the credentials a tenant resolves to for a provider",
			Flags: []cli.Flag{
				dbURIFlag,
				requiredTenantFlag,
				providerFlag,
				&cli.StringFlag{Name: "user", Usage: "User ID whose own OAuth app takes precedence"},
			},
			Action: func(ctx *cli.Context) error {
				tenantID, err := requiredTenant(ctx)
				if err != nil {
					return err
				}
				var userID *uuid.UUID
				if raw := ctx.String("user"); raw != "" {
					id, err := uuid.Parse(raw)
					if err != nil {
						return fmt.Errorf("invalid user id %q: %w", raw, err)
					}
					userID = &id
				}

				c, cancel := commandContext(ctx.Context)
				defer cancel()
				rt, err := newRuntime(c)
				if err != nil {
					return err
				}
				defer rt.Close()

				creds, err := rt.oauth.GetCredentialsForUser(c, userID, tenantID, ctx.String("provider"))
				if err != nil {
					return err
				}
				usage, _, err := rt.oauth.CheckRateLimit(c, tenantID, creds.Provider)
				if err != nil {
					return err
				}
				return yaml.NewEncoder(os.Stdout).Encode(credentialsView{
					Source:          creds.Source,
					Provider:        creds.Provider,
					ClientID:        creds.ClientID,
					ClientSecret:    maskSecret(creds.ClientSecret),
					RedirectURI:     creds.RedirectURI,
					Scopes:          creds.Scopes,
					RateLimitPerDay: creds.RateLimitPerDay,
					UsageToday:      usage,
				})
			},
		},
		{
			Name:  "delete",
			Usage: "Remove a tenant's OAuth application",
			Flags: []cli.Flag{dbURIFlag, requiredTenantFlag, providerFlag},
			Action: func(ctx *cli.Context) error {
				tenantID, err := requiredTenant(ctx)
				if err != nil {
					return err
				}
				c, cancel := commandContext(ctx.Context)
				defer cancel()
				rt, err := newRuntime(c)
				if err != nil {
					return err
				}
				defer rt.Close()

				if err := rt.oauth.DeleteCredentials(c, tenantID, ctx.String("provider"), nil); err != nil {
					return err
				}
				fmt.Printf("deleted %s credentials for tenant %s\n", ctx.String("provider"), tenantID)
				return nil
			},
		},
		{
			Name:      "authorize-url",
			Usage:     "Print a consent URL for a tenant, with PKCE when the provider supports it",
			ArgsUsage: "<state>",
			Flags:     []cli.Flag{dbURIFlag, requiredTenantFlag, providerFlag},
			Action: func(ctx *cli.Context) error {
				tenantID, err := requiredTenant(ctx)
				if err != nil {
					return err
				}
				state := ctx.Args().First()
				if state == "" {
					state = uuid.NewString()
				}
				c, cancel := commandContext(ctx.Context)
				defer cancel()
				rt, err := newRuntime(c)
				if err != nil {
					return err
				}
				defer rt.Close()

				req, err := rt.oauthFlows.GetAuthorizationURLWithPKCE(c, tenant.Context{TenantID: tenantID}, ctx.String("provider"), state)
				if err != nil {
					return err
				}
				fmt.Println(req.URL)
				fmt.Fprintf(os.Stderr, "state: %s\ncode_verifier: %s\n", state, req.PKCE.Verifier)
				return nil
			},
		},
	},
}
