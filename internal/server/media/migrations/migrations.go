// Package migrations embeds the media ledger schema.
package migrations

import "embed"

//go:embed *.sql
var Migrations embed.FS
