// Package migrations embeds the relay SQLite schema migrations.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
