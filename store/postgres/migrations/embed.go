package migrations

import "embed"

// FS contains embedded PostgreSQL migrations for order storage.
//
//go:embed *.sql
var FS embed.FS
