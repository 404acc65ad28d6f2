// Package migrations embeds the collection schema.
package migrations

import "embed"

//go:embed *.sql
var Migrations embed.FS
