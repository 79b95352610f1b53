// Package migrations embeds the command service schema.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
