// Package dbmigrations exposes the embedded order journal schema migrations.
package dbmigrations

import "embed"

// Files contains the SQL migrations bundled into the gateway binary.
//
//go:embed *.sql
var Files embed.FS
