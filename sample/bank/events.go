package bank

import (
	"github.com/0m3kk/eventually/eventsrc"
	"github.com/0m3kk/eventually/serde"
)

// Event is the closed set of events of a bank account.
type Event interface {
	eventsrc.Message
	isAccountEvent()
}

// Opened is emitted when a new account is opened.
type Opened struct {
	AccountID string `json:"account_id"`
	Balance   int64  `json:"balance"`
}

// Deposited is emitted when money is added to an account.
type Deposited struct {
	Amount int64 `json:"amount"`
}

// Withdrawn is emitted when money is taken from an account.
type Withdrawn struct {
	Amount int64 `json:"amount"`
}

// Closed is emitted when an account is closed.
type Closed struct{}

func (Opened) Name() string    { return "AccountOpened" }
func (Deposited) Name() string { return "AccountDeposited" }
func (Withdrawn) Name() string { return "AccountWithdrawn" }
func (Closed) Name() string    { return "AccountClosed" }

func (Opened) isAccountEvent()    {}
func (Deposited) isAccountEvent() {}
func (Withdrawn) isAccountEvent() {}
func (Closed) isAccountEvent()    {}

// NewSerde returns the serde used to persist account events.
func NewSerde() serde.Serde[Event] {
	return serde.NewTaggedJSON(serde.NewRegistry[Event](Opened{}, Deposited{}, Withdrawn{}, Closed{}))
}
