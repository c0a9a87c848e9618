// Package migrations embeds the SQL schema into the binary.
//
// Importing this package registers the files with the database package, so
// database.Migrate works without the SQL files on disk.
package migrations

import (
	"embed"

	"github.com/nerrad567/dcp-core/internal/infrastructure/database"
)

//go:embed *.sql
var migrationsFS embed.FS

func init() {
	database.MigrationsFS = migrationsFS
	database.MigrationsDir = "."
}
