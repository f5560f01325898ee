// Package migrations holds the goose SQL migrations, embedded so the migrate
// command and integration tests do not depend on the working directory.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
