// Package migrations embeds the ledger schema into the binary.
package migrations

import "embed"

// FS holds the SQL migration files, at the root of the filesystem.
//
//go:embed *.sql
var FS embed.FS
