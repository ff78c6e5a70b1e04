// Package db embeds the schema migrations, one folder per database driver.
package db

import "embed"

//go:embed pg/*.sql sqlite/*.sql
var Migrations embed.FS
