package main

import (
	"context"
	"fmt"
	"log/slog"

	goredis "github.com/redis/go-redis/v9"

	"github.com/0m3kk/eventually/config"
	"github.com/0m3kk/eventually/eventsrc"
	"github.com/0m3kk/eventually/infra/postgres"
	esredis "github.com/0m3kk/eventually/infra/redis"
	"github.com/0m3kk/eventually/observability"
	"github.com/0m3kk/eventually/sample/bank"
	"github.com/0m3kk/eventually/subscription"
)

// backend bundles everything a command needs from the configured event store.
type backend struct {
	name        string
	store       *observability.Store[bank.Event]
	checkpoints subscription.Checkpointer
	transactor  subscription.Transactor
	notifier    subscription.Notifier
	// db is set for the postgres backend only.
	db    *postgres.DB
	close func()
}

func openBackend(ctx context.Context, cfg config.Config) (*backend, error) {
	b := &backend{
		name:       cfg.Backend,
		transactor: subscription.NoTransaction{},
		close:      func() {},
	}

	var store eventsrc.Store[bank.Event]
	switch cfg.Backend {
	case config.BackendPostgres:
		db, err := postgres.NewDB(ctx, cfg.Postgres.DSN)
		if err != nil {
			return nil, err
		}
		slog.InfoContext(ctx, "Database connection established")
		store = postgres.NewEventStore(db, bank.NewSerde())
		b.db = db
		b.checkpoints = postgres.NewSubscriptions(db)
		b.transactor = db
		b.notifier = postgres.NewNotifier(db)
		b.close = db.Close

	case config.BackendRedis:
		client := goredis.NewClient(&goredis.Options{Addr: cfg.Redis.Addr})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		slog.InfoContext(ctx, "Redis connection established", "addr", cfg.Redis.Addr)
		store = esredis.NewEventStore(client, cfg.Redis.StreamType, bank.NewSerde()).WithPageSize(cfg.Redis.PageSize)
		b.checkpoints = esredis.NewCheckpoints(client)
		b.notifier = esredis.NewNotifier(client, cfg.Redis.StreamType)
		b.close = func() { _ = client.Close() }

	case config.BackendMemory:
		store = eventsrc.NewInMemoryStore[bank.Event]()
		b.checkpoints = subscription.NewInMemoryCheckpoints()

	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}

	instrumented, err := observability.NewStore(store, observability.WithName(cfg.Backend))
	if err != nil {
		b.close()
		return nil, err
	}
	b.store = instrumented
	return b, nil
}
