// Package coredb embeds the goose SQL migrations for the platform schema.
package coredb

import "embed"

//go:embed migrations/*.sql
var Migrations embed.FS
