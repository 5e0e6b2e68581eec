package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/0m3kk/eventually/command"
	"github.com/0m3kk/eventually/eventsrc"
	"github.com/0m3kk/eventually/sample/bank"
	"github.com/0m3kk/eventually/subscription"
)

type demoOptions struct {
	opening int64
	amount  int64
}

func newDemoCommand(opts *rootOptions) *cobra.Command {
	demo := &demoOptions{}

	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Open two accounts, transfer money between them and print the result",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := openBackend(cmd.Context(), opts.cfg)
			if err != nil {
				return err
			}
			defer b.close()
			return runDemo(cmd.Context(), cmd.OutOrStdout(), b.store, b.transactor, *demo)
		},
	}

	cmd.Flags().Int64Var(&demo.opening, "opening", 100, "opening balance of the source account")
	cmd.Flags().Int64Var(&demo.amount, "amount", 30, "amount to transfer")

	return cmd
}

func runDemo(
	ctx context.Context,
	out io.Writer,
	store eventsrc.Store[bank.Event],
	transactor subscription.Transactor,
	opts demoOptions,
) error {
	from, to := "acct-"+uuid.NewString(), "acct-"+uuid.NewString()
	repo := bank.NewRepository(store)
	commands := bank.NewCommands(store)

	// 1. Open both accounts.
	open := commands.Open()
	for id, balance := range map[string]int64{from: opts.opening, to: 0} {
		if err := open.Handle(ctx, eventsrc.NewEnvelope(bank.OpenAccount{AccountID: id, Balance: balance})); err != nil {
			return err
		}
		fmt.Fprintf(out, "opened %s with balance %d\n", id, balance)
	}

	// 2. Move money between them, both accounts in one transaction.
	transfer := command.Transactional(transactor, commands.Transfer())
	cmd := bank.TransferMoney{From: from, To: to, Amount: opts.amount}
	if err := transfer.Handle(ctx, eventsrc.NewEnvelope(cmd)); err != nil {
		return fmt.Errorf("failed to transfer: %w", err)
	}
	fmt.Fprintf(out, "transferred %d from %s to %s\n", opts.amount, from, to)

	// 3. Business rules are enforced while recording.
	src, err := repo.Get(ctx, from)
	if err != nil {
		return err
	}
	if err := bank.Withdraw(src, src.State().Balance+1); errors.Is(err, bank.ErrInsufficientFunds) {
		fmt.Fprintf(out, "overdraft rejected: %v\n", err)
	} else if err != nil {
		return err
	}

	// 4. Two writers racing on the same version: the second one loses.
	first, err := repo.Get(ctx, to)
	if err != nil {
		return err
	}
	second, err := repo.Get(ctx, to)
	if err != nil {
		return err
	}
	if err := bank.Deposit(first, 1); err != nil {
		return err
	}
	if err := bank.Deposit(second, 2); err != nil {
		return err
	}
	if err := repo.Save(ctx, first); err != nil {
		return err
	}
	if err := repo.Save(ctx, second); errors.Is(err, eventsrc.ErrConflict) {
		fmt.Fprintf(out, "concurrent save rejected: %v\n", err)
	} else if err != nil {
		return err
	} else {
		slog.WarnContext(ctx, "Concurrent save was not rejected", "accountID", to)
	}

	// 5. Read the final state back from the event store.
	for _, id := range []string{from, to} {
		root, err := repo.Get(ctx, id)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "%s balance %d version %d\n", id, root.State().Balance, root.Version())
	}
	return nil
}
