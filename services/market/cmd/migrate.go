package main

import (
	"github.com/spf13/cobra"

	"example.com/design-market/services/market/internal/repository"
)

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Применить миграции схемы MySQL",
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return repository.Migrate(cfg.MySQL.MigrationURL())
		},
	}
}
