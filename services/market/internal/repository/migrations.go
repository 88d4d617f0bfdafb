package repository

import (
	"embed"

	"example.com/design-market/pkg/db"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Migrate применяет встроенные миграции схемы маркетплейса.
func Migrate(databaseURL string) error {
	return db.Migrate(migrationsFS, "migrations", databaseURL)
}
