package migrations

import "embed"

// FS contains embedded SQLite migrations for watch-item storage.
//
//go:embed *.sql
var FS embed.FS
