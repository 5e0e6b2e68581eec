// Package bank is a small bank account domain built on the event-sourced repository.
package bank

import (
	"context"
	"errors"
	"fmt"

	"github.com/0m3kk/eventually/eventsrc"
)

var (
	ErrAccountNotOpened     = errors.New("account has not been opened")
	ErrAccountAlreadyOpened = errors.New("account is already opened")
	ErrAccountClosed        = errors.New("account is closed")
	ErrInvalidAmount        = errors.New("amount must be positive")
	ErrInsufficientFunds    = errors.New("insufficient funds")
)

// Account is the state of a bank account. A nil *Account is an account that
// has not been opened yet.
type Account struct {
	ID      string
	Balance int64
	Closed  bool
}

// Root is a live account instance.
type Root = eventsrc.Root[*Account, Event]

// Repository loads and saves accounts.
type Repository = eventsrc.Repository[*Account, Event]

// NewRepository returns an account repository on top of store.
func NewRepository(store eventsrc.Store[Event]) *Repository {
	return eventsrc.NewRepository[*Account](store)
}

func (a *Account) AggregateID() string {
	if a == nil {
		return ""
	}
	return a.ID
}

// Apply folds an account event into the state.
func (a *Account) Apply(evt Event) (*Account, error) {
	if a == nil {
		opened, ok := evt.(Opened)
		if !ok {
			return nil, fmt.Errorf("cannot apply %s: %w", evt.Name(), ErrAccountNotOpened)
		}
		if opened.Balance < 0 {
			return nil, ErrInvalidAmount
		}
		return &Account{ID: opened.AccountID, Balance: opened.Balance}, nil
	}

	if a.Closed {
		return nil, fmt.Errorf("cannot apply %s: %w", evt.Name(), ErrAccountClosed)
	}

	next := *a
	switch e := evt.(type) {
	case Opened:
		return nil, ErrAccountAlreadyOpened
	case Deposited:
		if e.Amount <= 0 {
			return nil, ErrInvalidAmount
		}
		next.Balance += e.Amount
	case Withdrawn:
		if e.Amount <= 0 {
			return nil, ErrInvalidAmount
		}
		if e.Amount > a.Balance {
			return nil, ErrInsufficientFunds
		}
		next.Balance -= e.Amount
	case Closed:
		next.Closed = true
	default:
		return nil, fmt.Errorf("unsupported account event %T", evt)
	}
	return &next, nil
}

// Open records the opening of a new account.
func Open(id string, balance int64) (*Root, error) {
	root := eventsrc.NewRoot[*Account, Event]()
	if err := root.Record(Opened{AccountID: id, Balance: balance}); err != nil {
		return nil, err
	}
	return root, nil
}

// Deposit records a deposit on root.
func Deposit(root *Root, amount int64) error {
	return root.Record(Deposited{Amount: amount})
}

// Withdraw records a withdrawal on root.
func Withdraw(root *Root, amount int64) error {
	return root.Record(Withdrawn{Amount: amount})
}

// Close records the closing of root.
func Close(root *Root) error {
	return root.Record(Closed{})
}

// Transfer moves amount between two accounts, saving the source first.
// A failure saving the destination leaves the withdrawal persisted.
func Transfer(ctx context.Context, repo *Repository, from, to string, amount int64) error {
	src, err := repo.Get(ctx, from)
	if err != nil {
		return err
	}
	dst, err := repo.Get(ctx, to)
	if err != nil {
		return err
	}
	if err := Withdraw(src, amount); err != nil {
		return err
	}
	if err := Deposit(dst, amount); err != nil {
		return err
	}
	if err := repo.Save(ctx, src); err != nil {
		return err
	}
	return repo.Save(ctx, dst)
}
