package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/catalystcommunity/pierre/internal/store"
	"github.com/catalystcommunity/pierre/internal/store/models"
	"github.com/google/uuid"
	"github.com/urfave/cli/v2"
)

var TenantsCommand = &cli.Command{
	Name:  "tenants",
	Usage: "Create and list tenants",
	Subcommands: []*cli.Command{
		{
			Name:  "create",
			Usage: "Create a tenant",
			Flags: []cli.Flag{
				dbURIFlag,
				&cli.StringFlag{Name: "name", Aliases: []string{"n"}, Usage: "Display name", Required: true},
				&cli.StringFlag{Name: "slug", Usage: "Unique short name", Required: true},
			},
			Action: func(ctx *cli.Context) error {
				c, cancel := commandContext(ctx.Context)
				defer cancel()
				rt, err := newRuntime(c)
				if err != nil {
					return err
				}
				defer rt.Close()

				t := &models.Tenant{TenantID: uuid.New(), Name: ctx.String("name"), Slug: ctx.String("slug")}
				if err := store.AppStore.CreateTenant(c, t); err != nil {
					return fmt.Errorf("failed to create tenant: %w", err)
				}
				if _, err := rt.rotation.CheckAndRotateKeys(c); err != nil {
					return fmt.Errorf("tenant created but its key version could not be initialized: %w", err)
				}
				fmt.Printf("created tenant %s (%s)\n", t.TenantID, t.Slug)
				return nil
			},
		},
		{
			Name:  "list",
			Usage: "List tenants",
			Flags: []cli.Flag{dbURIFlag},
			Action: func(ctx *cli.Context) error {
				c, cancel := commandContext(ctx.Context)
				defer cancel()
				rt, err := newRuntime(c)
				if err != nil {
					return err
				}
				defer rt.Close()

				tenants, err := store.AppStore.ListTenants(c)
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tSLUG\tNAME\tCREATED")
				for _, t := range tenants {
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", t.TenantID, t.Slug, t.Name, t.CreatedAt.Format("2006-01-02"))
				}
				return w.Flush()
			},
		},
	},
}
