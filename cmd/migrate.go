package cmd

import (
	"time"

	"github.com/catalystcommunity/app-utils-go/env"
	"github.com/catalystcommunity/app-utils-go/errorutils"
	"github.com/catalystcommunity/app-utils-go/logging"
	"github.com/catalystcommunity/pierre/internal/config"
	"github.com/catalystcommunity/pierre/coredb"
	"github.com/pressly/goose/v3"
	"github.com/urfave/cli/v2"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

var migrations = coredb.Migrations

var MigrateCommand = &cli.Command{
	Name:  "migrate",
	Usage: "Runs the key, tenant and credential schema migrations",
	Flags: []cli.Flag{dbURIFlag},
	Action: func(ctx *cli.Context) error {
		return RunMigrations()
	},
}

func RunMigrations() error {
	maxRetries := env.GetEnvAsIntOrDefault("DB_CONNECT_MAX_RETRIES", "30")
	retryInterval := time.Duration(env.GetEnvAsIntOrDefault("DB_CONNECT_RETRY_INTERVAL_SECONDS", "2")) * time.Second

	var db *gorm.DB
	var err error

	// Retry connection with backoff
	for attempt := 1; attempt <= maxRetries; attempt++ {
		db, err = gorm.Open(postgres.Open(config.DbUri), &gorm.Config{})
		if err == nil {
			break
		}
		if attempt == maxRetries {
			errorutils.LogOnErr(nil, "error opening database connection after retries", err)
			return err
		}
		logging.Log.WithError(err).Warnf("database connection attempt %d/%d failed, retrying in %v", attempt, maxRetries, retryInterval)
		time.Sleep(retryInterval)
	}

	sqldb, err := db.DB()
	if err != nil {
		errorutils.LogOnErr(nil, "error getting database connection", err)
		return err
	}
	defer sqldb.Close()

	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		errorutils.LogOnErr(nil, "error setting goose dialect", err)
		return err
	}

	logging.Log.Info("running migrations")
	err = goose.Up(sqldb, "migrations", goose.WithAllowMissing())
	errorutils.LogOnErr(nil, "error running migrations", err)
	return err
}
