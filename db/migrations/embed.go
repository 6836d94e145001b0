// Package dbmigrations exposes embedded SQL migrations for algoexec binaries.
package dbmigrations

import "embed"

// Files contains the embedded SQL migrations bundled into algoexec binaries.
//
//go:embed *.sql
var Files embed.FS
