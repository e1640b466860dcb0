package main

import (
	"os"

	"github.com/catalystcommunity/app-utils-go/logging"
	"github.com/catalystcommunity/pierre/cmd"
	"github.com/urfave/cli/v2"
)

func main() {
	app := &cli.App{
		Name:  "pierre",
		Usage: "Multi-tenant fitness platform core: key management, key rotation and provider OAuth",
		Commands: []*cli.Command{
			cmd.ServeCommand,
			cmd.MigrateCommand,
			cmd.HealthCheckCommand,
			cmd.KeysCommand,
			cmd.OAuthCommand,
			cmd.TenantsCommand,
		},
	}
	err := app.Run(os.Args)
	if err != nil {
		// log fatal so we exit with the proper exit code, this is important for containerized deployment health checks
		logging.Log.WithError(err).Fatal("runtime error")
	}
}
