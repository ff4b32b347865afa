// Package migrations embeds SQL migration files for use at runtime.
// Migrations are embedded so they work regardless of working directory.
package migrations

import "embed"

// FS is the embedded migrations filesystem, one subdirectory per dialect
// (postgres/001_linkage.sql, sqlite/001_linkage.sql).
//
//go:embed postgres/*.sql sqlite/*.sql
var FS embed.FS
