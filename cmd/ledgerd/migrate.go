package main

import (
	"github.com/spf13/cobra"

	"hosting-ledger/internal/pkg/db"
)

func migrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := configFrom(cmd)
			pool, err := db.NewPool(cmd.Context(), &cfg.Database)
			if err != nil {
				return err
			}
			defer pool.Close()
			return db.Migrate(cmd.Context(), pool.Pool)
		},
	}
}
