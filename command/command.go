// Package command defines the write side entry point of the domain: a command
// expresses the intent to change the state of the system, and a Handler
// evaluates it against an aggregate and saves the resulting events.
package command

import (
	"context"
	"log/slog"

	"github.com/0m3kk/eventually/eventsrc"
	"github.com/0m3kk/eventually/subscription"
)

// Envelope wraps a command with its metadata.
type Envelope[T eventsrc.Message] = eventsrc.Envelope[T]

// Handler handles commands of type T. It returns nothing but the outcome:
// the effects of a command are the events it saves.
type Handler[T eventsrc.Message] interface {
	Handle(ctx context.Context, cmd Envelope[T]) error
}

// HandlerFunc adapts a function to a Handler.
type HandlerFunc[T eventsrc.Message] func(ctx context.Context, cmd Envelope[T]) error

func (f HandlerFunc[T]) Handle(ctx context.Context, cmd Envelope[T]) error {
	return f(ctx, cmd)
}

// Transactional runs every command handled by h inside a transaction, so all
// the streams it saves commit or roll back together.
func Transactional[T eventsrc.Message](transactor subscription.Transactor, h Handler[T]) Handler[T] {
	return HandlerFunc[T](func(ctx context.Context, cmd Envelope[T]) error {
		slog.InfoContext(ctx, "Handling command", "command", cmd.Message.Name())
		err := transactor.WithTransaction(ctx, func(txCtx context.Context) error {
			return h.Handle(txCtx, cmd)
		})
		if err != nil {
			slog.ErrorContext(ctx, "Failed to handle command", "command", cmd.Message.Name(), "error", err)
			return err
		}
		return nil
	})
}
