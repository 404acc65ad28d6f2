// Package migrations embeds the credential store schema, one directory per
// SQL dialect.
package migrations

import (
	"embed"
	"io/fs"
)

//go:embed sqlite/*.sql postgres/*.sql
var files embed.FS

// SQLite returns the migrations for the SQLite credential store.
func SQLite() fs.FS { return mustSub("sqlite") }

// Postgres returns the migrations for the PostgreSQL credential store.
func Postgres() fs.FS { return mustSub("postgres") }

func mustSub(dir string) fs.FS {
	sub, err := fs.Sub(files, dir)
	if err != nil {
		panic(err)
	}
	return sub
}
