package bank

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/0m3kk/eventually/command"
	"github.com/0m3kk/eventually/eventsrc"
)

// OpenAccount opens a new account with an initial balance.
type OpenAccount struct {
	AccountID string
	Balance   int64
}

// DepositMoney adds money to an open account.
type DepositMoney struct {
	AccountID string
	Amount    int64
}

// WithdrawMoney takes money from an open account.
type WithdrawMoney struct {
	AccountID string
	Amount    int64
}

// TransferMoney moves money between two open accounts.
type TransferMoney struct {
	From   string
	To     string
	Amount int64
}

// CloseAccount closes an account. No event is accepted after it.
type CloseAccount struct {
	AccountID string
}

func (OpenAccount) Name() string   { return "OpenAccount" }
func (DepositMoney) Name() string  { return "DepositMoney" }
func (WithdrawMoney) Name() string { return "WithdrawMoney" }
func (TransferMoney) Name() string { return "TransferMoney" }
func (CloseAccount) Name() string  { return "CloseAccount" }

// Commands holds the command handlers of the account domain.
type Commands struct {
	repo *Repository
}

// NewCommands returns the account command handlers saving through store.
func NewCommands(store eventsrc.Store[Event]) *Commands {
	return &Commands{repo: NewRepository(store)}
}

// Open handles OpenAccount. Opening an id that already has events fails with
// a version conflict.
func (c *Commands) Open() command.Handler[OpenAccount] {
	return command.HandlerFunc[OpenAccount](func(ctx context.Context, cmd command.Envelope[OpenAccount]) error {
		root, err := Open(cmd.Message.AccountID, cmd.Message.Balance)
		if err != nil {
			return err
		}
		if err := c.repo.Save(ctx, root); err != nil {
			return fmt.Errorf("failed to open account %s: %w", cmd.Message.AccountID, err)
		}
		slog.InfoContext(ctx, "Account opened", "accountID", cmd.Message.AccountID)
		return nil
	})
}

// Deposit handles DepositMoney.
func (c *Commands) Deposit() command.Handler[DepositMoney] {
	return command.HandlerFunc[DepositMoney](func(ctx context.Context, cmd command.Envelope[DepositMoney]) error {
		return c.update(ctx, cmd.Message.AccountID, func(root *Root) error {
			return Deposit(root, cmd.Message.Amount)
		})
	})
}

// Withdraw handles WithdrawMoney.
func (c *Commands) Withdraw() command.Handler[WithdrawMoney] {
	return command.HandlerFunc[WithdrawMoney](func(ctx context.Context, cmd command.Envelope[WithdrawMoney]) error {
		return c.update(ctx, cmd.Message.AccountID, func(root *Root) error {
			return Withdraw(root, cmd.Message.Amount)
		})
	})
}

// Transfer handles TransferMoney. Wrap it with command.Transactional to save
// both accounts atomically.
func (c *Commands) Transfer() command.Handler[TransferMoney] {
	return command.HandlerFunc[TransferMoney](func(ctx context.Context, cmd command.Envelope[TransferMoney]) error {
		return Transfer(ctx, c.repo, cmd.Message.From, cmd.Message.To, cmd.Message.Amount)
	})
}

// Close handles CloseAccount.
func (c *Commands) Close() command.Handler[CloseAccount] {
	return command.HandlerFunc[CloseAccount](func(ctx context.Context, cmd command.Envelope[CloseAccount]) error {
		return c.update(ctx, cmd.Message.AccountID, Close)
	})
}

func (c *Commands) update(ctx context.Context, id string, op func(*Root) error) error {
	root, err := c.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := op(root); err != nil {
		return err
	}
	return c.repo.Save(ctx, root)
}
