package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"hosting-ledger/internal/pkg/db"
	"hosting-ledger/internal/repository"
	"hosting-ledger/internal/service"
)

// auditCommand compares every balance with its transaction sum and exits
// non-zero on any mismatch, for use from cron.
func auditCommand() *cobra.Command {
	var accountID int64
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Check that balances equal the sum of their transactions",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			cfg := configFrom(cmd)
			pool, err := db.NewPool(ctx, &cfg.Database)
			if err != nil {
				return err
			}
			defer pool.Close()

			ledger := service.NewLedgerService(
				repository.NewAccountRepository(pool.Pool),
				repository.NewTransactionRepository(pool.Pool),
				nil, nil,
			)

			var found int
			enc := json.NewEncoder(os.Stdout)
			if accountID > 0 {
				report, err := ledger.Audit(ctx, accountID)
				if err != nil {
					return err
				}
				if err := enc.Encode(report); err != nil {
					return err
				}
				if !report.Balanced() {
					found = 1
				}
			} else {
				mismatches, err := ledger.AuditAll(ctx)
				if err != nil {
					return err
				}
				for _, m := range mismatches {
					if err := enc.Encode(m); err != nil {
						return err
					}
				}
				found = len(mismatches)
			}

			if found > 0 {
				return fmt.Errorf("%d ledger mismatch(es)", found)
			}
			return nil
		},
	}
	cmd.Flags().Int64Var(&accountID, "account", 0, "audit a single account")
	return cmd
}
