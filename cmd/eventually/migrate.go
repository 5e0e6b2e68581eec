package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/0m3kk/eventually/config"
	"github.com/0m3kk/eventually/sample/bank/balances"
)

func newMigrateCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the PostgreSQL event store schema and the balances view",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.cfg.Backend != config.BackendPostgres {
				return errors.New("migrate requires the postgres backend")
			}
			b, err := openBackend(cmd.Context(), opts.cfg)
			if err != nil {
				return err
			}
			defer b.close()

			if err := b.db.Migrate(cmd.Context()); err != nil {
				return err
			}
			if err := balances.NewView(b.db).CreateTable(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "schema applied")
			return nil
		},
	}
}
