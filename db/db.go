// Package db embeds the voice-order schema migrations.
package db

import "embed"

//go:embed migrations/*.sql
var Migrations embed.FS
