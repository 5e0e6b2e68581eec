package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/0m3kk/eventually/eventsrc"
	"github.com/0m3kk/eventually/infra/nats"
	"github.com/0m3kk/eventually/infra/postgres"
	"github.com/0m3kk/eventually/msgbus"
	"github.com/0m3kk/eventually/observability"
	"github.com/0m3kk/eventually/projection"
	"github.com/0m3kk/eventually/sample/bank"
	"github.com/0m3kk/eventually/sample/bank/balances"
	"github.com/0m3kk/eventually/subscription"
)

func newSubscribeCommand(opts *rootOptions) *cobra.Command {
	var printEvents bool

	cmd := &cobra.Command{
		Use:   "subscribe",
		Short: "Follow account events until interrupted",
		Long: "Runs a persistent subscription over every account event. With the postgres backend the " +
			"account_balances view is kept up to date; when a NATS URL is configured every event is also " +
			"forwarded to the configured topic.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			b, err := openBackend(ctx, opts.cfg)
			if err != nil {
				return err
			}
			defer b.close()

			handlers := []subscription.Handler[bank.Event]{}
			if printEvents {
				handlers = append(handlers, printer(cmd.OutOrStdout()))
			}

			if b.db != nil {
				view := balances.NewView(b.db)
				if err := view.CreateTable(ctx); err != nil {
					return err
				}
				p := projection.New[bank.Event](opts.cfg.Subscription.Name,
					postgres.NewIdempotencyStore(b.db), view, b.db, view.Handle,
					projection.WithMaxElapsedTime(opts.cfg.Subscription.MaxElapsedTime),
				)
				handlers = append(handlers, p.Handle)
			}

			if opts.cfg.NATS.URL != "" {
				broker, err := nats.NewBroker(opts.cfg.NATS.URL)
				if err != nil {
					return err
				}
				defer broker.Close()
				slog.InfoContext(ctx, "NATS connection established")
				handlers = append(handlers, msgbus.Forward(broker, msgbus.SingleTopic(opts.cfg.NATS.Topic), bank.NewSerde()))
			}

			if len(handlers) == 0 {
				return fmt.Errorf("nothing to do: enable --print or configure a NATS URL for the %s backend", b.name)
			}

			handler, err := observability.Handler[bank.Event](opts.cfg.Subscription.Name, chain(handlers...))
			if err != nil {
				return err
			}

			runner := subscription.NewRunner[bank.Event](opts.cfg.Subscription.Name, "account", b.store, b.checkpoints, handler,
				subscription.WithTransactor(b.transactor),
				subscription.WithNotifier(b.notifier),
				subscription.WithBatchSize(opts.cfg.Subscription.BatchSize),
				subscription.WithPollInterval(opts.cfg.Subscription.PollInterval),
				subscription.WithMaxElapsedTime(opts.cfg.Subscription.MaxElapsedTime),
			)
			return runner.Run(ctx)
		},
	}

	cmd.Flags().BoolVar(&printEvents, "print", false, "print every event to stdout")

	return cmd
}

// chain runs handlers in order, stopping at the first failure.
func chain[E eventsrc.Message](handlers ...subscription.Handler[E]) subscription.Handler[E] {
	return func(ctx context.Context, evt eventsrc.Persisted[E]) error {
		for _, h := range handlers {
			if err := h(ctx, evt); err != nil {
				return err
			}
		}
		return nil
	}
}

func printer(out io.Writer) subscription.Handler[bank.Event] {
	return func(_ context.Context, evt eventsrc.Persisted[bank.Event]) error {
		_, err := fmt.Fprintf(out, "#%d %s v%d %s %+v\n",
			evt.SequenceNumber, evt.StreamID, evt.Version, evt.Message.Name(), evt.Message)
		return err
	}
}
