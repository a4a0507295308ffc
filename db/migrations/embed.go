// Package dbmigrations exposes embedded SQL migrations for orbledger binaries.
package dbmigrations

import "embed"

// Files contains the embedded SQL migrations bundled into orbledger binaries.
//
//go:embed *.sql
var Files embed.FS
