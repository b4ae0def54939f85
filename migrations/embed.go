// Package migrations embeds the goose SQL migrations of the flag registry.
package migrations

import "embed"

// FS contains all goose migration SQL files.
//
//go:embed *.sql
var FS embed.FS
