package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/catalystcommunity/pierre/internal/rotation"
	"github.com/catalystcommunity/pierre/internal/secrets"
	"github.com/catalystcommunity/pierre/internal/store"
	"github.com/google/uuid"
	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"
)

var tenantFlag = &cli.StringFlag{
	Name:    "tenant",
	Aliases: []string{"t"},
	Usage:   "Tenant ID; omit for the global key scope",
}

// tenantScope parses --tenant; an empty value is the global scope.
func tenantScope(ctx *cli.Context) (*uuid.UUID, error) {
	raw := ctx.String("tenant")
	if raw == "" {
		return nil, nil
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid tenant id %q: %w", raw, err)
	}
	return &id, nil
}

type keyVersionView struct {
	Version   uint32    `yaml:"version"`
	Active    bool      `yaml:"active"`
	Algorithm string    `yaml:"algorithm"`
	CreatedAt time.Time `yaml:"created_at"`
	ExpiresAt time.Time `yaml:"expires_at"`
}

type scopeView struct {
	Scope    string           `yaml:"scope"`
	Status   rotation.Status  `yaml:"status"`
	Versions []keyVersionView `yaml:"versions"`
}

type keyStatusView struct {
	DatabaseKeyFingerprint string                 `yaml:"database_key_fingerprint"`
	Rotation               rotation.Stats         `yaml:"rotation"`
	TenantKeys             secrets.TenantKeyStats `yaml:"tenant_keys"`
	Scopes                 []scopeView            `yaml:"scopes"`
}

var KeysCommand = &cli.Command{
	Name:  "keys",
	Usage: "Inspect and rotate encryption keys",
	Subcommands: []*cli.Command{
		{
			Name:  "generate-mek",
			Usage: "Print a new base64 master encryption key",
			Action: func(ctx *cli.Context) error {
				key, err := secrets.GenerateMasterKey()
				if err != nil {
					return err
				}
				fmt.Fprintf(os.Stderr, "Set this as %s and keep it out of the database:\n", secrets.MasterKeyEnvVar)
				fmt.Println(key)
				return nil
			},
		},
		{
			Name:  "status",
			Usage: "Show key versions and rotation status as YAML",
			Flags: []cli.Flag{dbURIFlag, tenantFlag},
			Action: func(ctx *cli.Context) error {
				c, cancel := commandContext(ctx.Context)
				defer cancel()
				rt, err := newRuntime(c)
				if err != nil {
					return err
				}
				defer rt.Close()

				scopes := []*uuid.UUID{nil}
				if id, err := tenantScope(ctx); err != nil {
					return err
				} else if id != nil {
					scopes = []*uuid.UUID{id}
				} else {
					tenants, err := store.AppStore.ListTenants(c)
					if err != nil {
						return err
					}
					for _, t := range tenants {
						id := t.TenantID
						scopes = append(scopes, &id)
					}
				}

				view := keyStatusView{DatabaseKeyFingerprint: rt.keys.DatabaseKey().Fingerprint()}
				for _, id := range scopes {
					versions, err := rt.rotation.KeyVersions(c, id)
					if err != nil {
						return err
					}
					sv := scopeView{Scope: "global", Status: rt.rotation.RotationStatus(id)}
					if id != nil {
						sv.Scope = id.String()
					}
					for _, v := range versions {
						sv.Versions = append(sv.Versions, keyVersionView{
							Version:   v.Version,
							Active:    v.IsActive,
							Algorithm: v.Algorithm,
							CreatedAt: v.CreatedAt,
							ExpiresAt: v.ExpiresAt,
						})
					}
					view.Scopes = append(view.Scopes, sv)
				}
				view.Rotation = rt.rotation.Stats()
				view.TenantKeys = rt.tenantKeys.Stats()

				enc := yaml.NewEncoder(os.Stdout)
				enc.SetIndent(2)
				defer enc.Close()
				return enc.Encode(view)
			},
		},
		{
			Name:  "rotate-check",
			Usage: "Run one key rotation pass now",
			Flags: []cli.Flag{dbURIFlag},
			Action: func(ctx *cli.Context) error {
				c, cancel := commandContext(ctx.Context)
				defer cancel()
				rt, err := newRuntime(c)
				if err != nil {
					return err
				}
				defer rt.Close()

				summary, err := rt.rotation.CheckAndRotateKeys(c)
				if err != nil {
					return err
				}
				fmt.Printf("checked %d scopes: %d initialized, %d rotated, %d failed\n",
					summary.Checked, summary.Initialized, summary.Rotated, summary.Failed)
				if summary.Failed > 0 {
					return fmt.Errorf("%d scopes failed to rotate", summary.Failed)
				}
				return nil
			},
		},
		{
			Name:  "emergency-rotate",
			Usage: "Rotate a scope's key immediately",
			Flags: []cli.Flag{
				dbURIFlag,
				tenantFlag,
				&cli.StringFlag{
					Name:     "reason",
					Aliases:  []string{"r"},
					Usage:    "Why the key is being rotated, recorded in the audit log",
					Required: true,
				},
			},
			Action: func(ctx *cli.Context) error {
				c, cancel := commandContext(ctx.Context)
				defer cancel()
				id, err := tenantScope(ctx)
				if err != nil {
					return err
				}
				rt, err := newRuntime(c)
				if err != nil {
					return err
				}
				defer rt.Close()

				if err := rt.rotation.EmergencyKeyRotation(c, id, ctx.String("reason")); err != nil {
					return err
				}
				fmt.Println("emergency rotation completed")
				return nil
			},
		},
		{
			Name:  "rotate-dek",
			Usage: "Generate a new database encryption key and re-encrypt stored secrets",
			Flags: []cli.Flag{dbURIFlag},
			Action: func(ctx *cli.Context) error {
				c, cancel := commandContext(ctx.Context)
				defer cancel()
				rt, err := newRuntime(c)
				if err != nil {
					return err
				}
				defer rt.Close()

				previous := rt.keys.DatabaseKey().Fingerprint()
				if err := rt.keys.RotateDatabaseKey(c, store.AppStore); err != nil {
					return err
				}
				fmt.Printf("database key rotated: %s -> %s\n", previous, rt.keys.DatabaseKey().Fingerprint())
				return nil
			},
		},
		{
			Name:  "reencrypt",
			Usage: "Rerun the re-encryption sweep from the previous database key",
			Flags: []cli.Flag{dbURIFlag},
			Action: func(ctx *cli.Context) error {
				c, cancel := commandContext(ctx.Context)
				defer cancel()
				rt, err := newRuntime(c)
				if err != nil {
					return err
				}
				defer rt.Close()
				return rt.keys.ReencryptPrevious(c, store.AppStore)
			},
		},
	},
}
