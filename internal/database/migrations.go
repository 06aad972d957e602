package database

import (
	"embed"
	"io/fs"
)

// EmbeddedMigrations contains the SQL migrations compiled into the binary.
//
//go:embed migrations/*.sql
var EmbeddedMigrations embed.FS

func migrationsFS() fs.FS {
	sub, err := fs.Sub(EmbeddedMigrations, "migrations")
	if err != nil {
		panic(err)
	}
	return sub
}
