package projection_test

import (
	"context"
	"errors"
	"log"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/0m3kk/eventually/eventsrc"
	"github.com/0m3kk/eventually/infra/postgres"
	"github.com/0m3kk/eventually/projection"
	"github.com/0m3kk/eventually/sample/bank"
	"github.com/0m3kk/eventually/subscription"
	"github.com/0m3kk/eventually/testutil"
)

type ProjectionIntegrationSuite struct {
	testutil.DBIntegrationSuite
	idempotencyStore *postgres.IdempotencyStore
	versionedRepo    *testutil.VersionedRepository
	db               *postgres.DB
}

func TestProjectionIntegrationSuite(t *testing.T) {
	suite.Run(t, new(ProjectionIntegrationSuite))
}

func (s *ProjectionIntegrationSuite) SetupTest() {
	s.db = &postgres.DB{Pool: s.Pool}
	s.idempotencyStore = postgres.NewIdempotencyStore(s.db)
	s.versionedRepo = testutil.NewVersionedRepository(s.Pool)
	if err := s.versionedRepo.CreateTable(); err != nil {
		log.Panic(err)
	}
	s.ResetEventStore()
	s.TruncateTables("versioned_views")
}

func opened(streamID string, version, seq uint64) eventsrc.Persisted[bank.Event] {
	return eventsrc.Persisted[bank.Event]{
		StreamID:       streamID,
		Version:        version,
		SequenceNumber: seq,
		Envelope:       eventsrc.NewEnvelope[bank.Event](bank.Opened{AccountID: streamID}),
	}
}

func (s *ProjectionIntegrationSuite) TestProjection_HappyPath() {
	// GIVEN
	ctx := context.Background()
	handlerCallCount := 0
	handler := func(ctx context.Context, evt eventsrc.Persisted[bank.Event]) error {
		handlerCallCount++
		return nil
	}
	p := projection.New[bank.Event]("sub-1", s.idempotencyStore, s.versionedRepo, s.db, handler)

	// WHEN
	err := p.Handle(ctx, opened("acct-1", 1, 10))

	// THEN
	s.NoError(err)
	s.Equal(1, handlerCallCount, "Handler should be called exactly once")
	isProcessed, err := s.idempotencyStore.IsProcessed(ctx, 10, "sub-1")
	s.NoError(err)
	s.True(isProcessed)
}

func (s *ProjectionIntegrationSuite) TestProjection_SkipsDuplicateEvent() {
	// GIVEN
	ctx := context.Background()
	handlerCallCount := 0
	handler := func(ctx context.Context, evt eventsrc.Persisted[bank.Event]) error {
		handlerCallCount++
		return nil
	}
	p := projection.New[bank.Event]("sub-2", s.idempotencyStore, s.versionedRepo, s.db, handler)
	evt := opened("acct-1", 1, 11)
	s.Require().NoError(p.Handle(ctx, evt))

	// WHEN
	err := p.Handle(ctx, evt)

	// THEN
	s.NoError(err, "Processing a duplicate event should not return an error")
	s.Equal(1, handlerCallCount, "Handler should not be called for a duplicate event")
}

func (s *ProjectionIntegrationSuite) TestProjection_SkipsStaleVersion() {
	// GIVEN
	ctx := context.Background()
	s.Require().NoError(s.versionedRepo.SetVersion(ctx, "acct-1", 3))
	handlerCallCount := 0
	handler := func(ctx context.Context, evt eventsrc.Persisted[bank.Event]) error {
		handlerCallCount++
		return nil
	}
	p := projection.New[bank.Event]("sub-3", s.idempotencyStore, s.versionedRepo, s.db, handler)

	// WHEN
	err := p.Handle(ctx, opened("acct-1", 2, 12))

	// THEN
	s.NoError(err)
	s.Zero(handlerCallCount)
	isProcessed, err := s.idempotencyStore.IsProcessed(ctx, 12, "sub-3")
	s.NoError(err)
	s.True(isProcessed, "stale events are still marked as processed")
}

func (s *ProjectionIntegrationSuite) TestProjection_RollsBackOnHandlerFailure() {
	// GIVEN
	ctx := context.Background()
	handlerCallCount := 0
	failingHandler := func(ctx context.Context, evt eventsrc.Persisted[bank.Event]) error {
		handlerCallCount++
		return errors.New("business logic failed")
	}
	p := projection.New[bank.Event]("sub-4", s.idempotencyStore, s.versionedRepo, s.db, failingHandler,
		projection.WithMaxElapsedTime(2*time.Second),
	)

	// WHEN
	err := p.Handle(ctx, opened("acct-1", 1, 13))

	// THEN
	s.Error(err, "Handle should return an error if the inner handler fails after retries")
	s.Positive(handlerCallCount)
	isProcessed, dbErr := s.idempotencyStore.IsProcessed(ctx, 13, "sub-4")
	s.NoError(dbErr)
	s.False(isProcessed, "Event should not be marked as processed if handler fails")
}

func (s *ProjectionIntegrationSuite) TestProjection_RetriesOnTransientFailure() {
	// GIVEN
	ctx := context.Background()
	handlerCallCount := 0
	flaky := func(ctx context.Context, evt eventsrc.Persisted[bank.Event]) error {
		handlerCallCount++
		if handlerCallCount < 2 {
			return errors.New("transient database error")
		}
		return nil
	}
	p := projection.New[bank.Event]("sub-5", s.idempotencyStore, s.versionedRepo, s.db, flaky,
		projection.WithMaxElapsedTime(5*time.Second),
	)

	// WHEN
	err := p.Handle(ctx, opened("acct-1", 1, 14))

	// THEN
	s.NoError(err, "Handle should eventually succeed after retries")
	s.Equal(2, handlerCallCount)
}

func (s *ProjectionIntegrationSuite) TestProjection_RejectsOutOfOrderEvent() {
	// GIVEN
	ctx := context.Background()
	handlerCallCount := 0
	handler := func(ctx context.Context, evt eventsrc.Persisted[bank.Event]) error {
		handlerCallCount++
		return nil
	}
	p := projection.New[bank.Event]("sub-6", s.idempotencyStore, s.versionedRepo, s.db, handler)

	// WHEN
	err := p.Handle(ctx, opened("acct-1", 2, 15))

	// THEN
	s.ErrorIs(err, projection.ErrOutOfOrderEvent)
	s.Zero(handlerCallCount, "Business logic handler should not be called for an out-of-order event")
	isProcessed, dbErr := s.idempotencyStore.IsProcessed(ctx, 15, "sub-6")
	s.NoError(dbErr)
	s.False(isProcessed)
	currentVersion, dbErr := s.versionedRepo.GetVersion(ctx, "acct-1")
	s.NoError(dbErr)
	s.Zero(currentVersion)
}

func (s *ProjectionIntegrationSuite) TestProjection_DrivenBySubscription() {
	// GIVEN
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	store := postgres.NewEventStore(s.db, bank.NewSerde())
	repo := bank.NewRepository(store)
	root, err := bank.Open("acct-1", 10)
	s.Require().NoError(err)
	s.Require().NoError(bank.Deposit(root, 5))
	s.Require().NoError(repo.Save(ctx, root))

	handler := func(ctx context.Context, evt eventsrc.Persisted[bank.Event]) error {
		return s.versionedRepo.SetVersion(ctx, evt.StreamID, evt.Version)
	}
	subs := postgres.NewSubscriptions(s.db)
	p := projection.New[bank.Event]("balances", s.idempotencyStore, s.versionedRepo, s.db, handler)
	runner := subscription.NewRunner[bank.Event]("balances", "account", store, subs, p.Handle,
		subscription.WithTransactor(s.db),
		subscription.WithPollInterval(20*time.Millisecond),
	)

	// WHEN
	runner.Start(ctx)
	s.Eventually(func() bool {
		seq, err := subs.GetOrCreate(ctx, "balances", "account")
		return err == nil && seq == 1
	}, 10*time.Second, 20*time.Millisecond)
	runner.Stop()

	// THEN
	s.NoError(runner.Err())
	version, err := s.versionedRepo.GetVersion(ctx, "acct-1")
	s.Require().NoError(err)
	s.Equal(uint64(2), version)
	for _, seq := range []uint64{0, 1} {
		isProcessed, err := s.idempotencyStore.IsProcessed(ctx, seq, "balances")
		s.Require().NoError(err)
		s.True(isProcessed)
	}
}

func (s *ProjectionIntegrationSuite) TestProjection_RetriesInsideSubscriptionTransaction() {
	// GIVEN
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	store := postgres.NewEventStore(s.db, bank.NewSerde())
	root, err := bank.Open("acct-1", 10)
	s.Require().NoError(err)
	s.Require().NoError(bank.NewRepository(store).Save(ctx, root))

	calls := 0
	flaky := func(ctx context.Context, evt eventsrc.Persisted[bank.Event]) error {
		calls++
		if calls == 1 {
			_, err := s.db.Querier(ctx).Exec(ctx, `SELECT 1 / 0`)
			return err
		}
		_, err := s.db.Querier(ctx).Exec(ctx,
			`INSERT INTO versioned_views (id, version) VALUES ($1, $2)`, evt.StreamID, int64(evt.Version))
		return err
	}
	subs := postgres.NewSubscriptions(s.db)
	p := projection.New[bank.Event]("balances", s.idempotencyStore, s.versionedRepo, s.db, flaky,
		projection.WithMaxElapsedTime(time.Minute),
	)
	runner := subscription.NewRunner[bank.Event]("balances", "account", store, subs, p.Handle,
		subscription.WithTransactor(s.db),
		subscription.WithPollInterval(20*time.Millisecond),
		subscription.WithMaxElapsedTime(time.Minute),
	)

	// WHEN
	start := time.Now()
	runner.Start(ctx)
	s.Eventually(func() bool {
		seq, err := subs.GetOrCreate(ctx, "balances", "account")
		return err == nil && seq == 0
	}, 10*time.Second, 20*time.Millisecond)
	runner.Stop()

	// THEN
	s.NoError(runner.Err())
	s.Less(time.Since(start), 10*time.Second)
	s.Equal(2, calls)
	version, err := s.versionedRepo.GetVersion(ctx, "acct-1")
	s.Require().NoError(err)
	s.Equal(uint64(1), version)
}
