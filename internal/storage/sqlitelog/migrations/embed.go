package migrations

import "embed"

// FS contains the embedded SQLite migrations for the event log.
//
//go:embed *.sql
var FS embed.FS
