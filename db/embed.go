// Package db provides the embedded database migrations and seed catalog.
package db

import "embed"

// Migrations holds the golang-migrate files under migrations/.
//
//go:embed migrations/*.sql
var Migrations embed.FS

// Seed holds the demo catalog under seed/.
//
//go:embed seed/catalog.json
var Seed embed.FS
