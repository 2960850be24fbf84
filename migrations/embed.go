// Package migrations holds the gateway schema. Importing it registers the
// files with the database package.
package migrations

import (
	"embed"

	"github.com/nerrad567/knx-gateway/internal/infrastructure/database"
)

//go:embed *.sql
var files embed.FS

func init() {
	database.RegisterMigrations(files)
}
