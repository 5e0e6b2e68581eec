package redis_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/0m3kk/eventually/eventsrc"
	"github.com/0m3kk/eventually/infra/redis"
	"github.com/0m3kk/eventually/sample/bank"
	"github.com/0m3kk/eventually/subscription"
	"github.com/0m3kk/eventually/testutil"
)

type RedisStoreIntegrationSuite struct {
	testutil.RedisIntegrationSuite
	store *redis.EventStore[bank.Event]
}

func TestRedisStoreIntegrationSuite(t *testing.T) {
	suite.Run(t, new(RedisStoreIntegrationSuite))
}

func (s *RedisStoreIntegrationSuite) SetupTest() {
	s.FlushAll()
	s.store = redis.NewEventStore(s.Client, "account", bank.NewSerde())
}

func (s *RedisStoreIntegrationSuite) TestAppend_StoresEventsAndAdvancesVersion() {
	// GIVEN
	ctx := context.Background()

	// WHEN
	v1, err := s.store.Append(ctx, "acct-1", eventsrc.MustBe(0), testutil.Envelopes[bank.Event](
		bank.Opened{AccountID: "acct-1", Balance: 100},
	))
	s.Require().NoError(err)
	v2, err := s.store.Append(ctx, "acct-1", eventsrc.MustBe(1), testutil.Envelopes[bank.Event](
		bank.Deposited{Amount: 50},
		bank.Closed{},
	))
	s.Require().NoError(err)

	// THEN
	s.Equal(eventsrc.Version(1), v1)
	s.Equal(eventsrc.Version(3), v2)

	events, err := eventsrc.Collect(s.store.Stream(ctx, "acct-1", eventsrc.SelectAll()))
	s.Require().NoError(err)
	s.Require().Len(events, 3)
	s.Equal(bank.Opened{AccountID: "acct-1", Balance: 100}, events[0].Message)
	s.Equal(bank.Deposited{Amount: 50}, events[1].Message)
	s.Equal(bank.Closed{}, events[2].Message)
	for i, evt := range events {
		s.Equal("acct-1", evt.StreamID)
		s.Equal(eventsrc.Version(i+1), evt.Version)
		s.Equal(uint64(i), evt.SequenceNumber)
		s.NotEmpty(evt.Metadata[eventsrc.MetadataEventID])
	}
}

func (s *RedisStoreIntegrationSuite) TestAppend_ConflictWritesNothing() {
	// GIVEN
	ctx := context.Background()
	_, err := s.store.Append(ctx, "acct-1", eventsrc.AnyVersion(), testutil.Envelopes[bank.Event](
		bank.Opened{AccountID: "acct-1"},
		bank.Deposited{Amount: 1},
	))
	s.Require().NoError(err)

	// WHEN
	_, err = s.store.Append(ctx, "acct-1", eventsrc.MustBe(1), testutil.Envelopes[bank.Event](bank.Deposited{Amount: 2}))

	// THEN
	var conflict eventsrc.ConflictError
	s.Require().True(errors.As(err, &conflict))
	s.Equal(eventsrc.ConflictError{Expected: 1, Actual: 2}, conflict)

	events, err := eventsrc.Collect(s.store.Stream(ctx, "acct-1", eventsrc.SelectAll()))
	s.Require().NoError(err)
	s.Len(events, 2)
	all, err := eventsrc.Collect(s.store.StreamAll(ctx, 0))
	s.Require().NoError(err)
	s.Len(all, 2)
}

func (s *RedisStoreIntegrationSuite) TestAppend_ConcurrentWritersExactlyOneWins() {
	// GIVEN
	ctx := context.Background()
	const writers = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		conflicts int
	)

	// WHEN
	for range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.store.Append(ctx, "acct-1", eventsrc.MustBe(0), testutil.Envelopes[bank.Event](
				bank.Opened{AccountID: "acct-1"},
			))
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				successes++
			} else if errors.Is(err, eventsrc.ErrConflict) {
				conflicts++
			}
		}()
	}
	wg.Wait()

	// THEN
	s.Equal(1, successes)
	s.Equal(writers-1, conflicts)
}

func (s *RedisStoreIntegrationSuite) TestAppend_StreamIDsCannotNameInternalKeys() {
	// GIVEN
	ctx := context.Background()
	_, err := s.store.Append(ctx, "acct-1", eventsrc.MustBe(0), testutil.Envelopes[bank.Event](bank.Opened{AccountID: "acct-1"}))
	s.Require().NoError(err)
	checkpoints := redis.NewCheckpoints(s.Client)
	_, err = checkpoints.GetOrCreate(ctx, "balances", "account")
	s.Require().NoError(err)

	// WHEN
	var versions []eventsrc.Version
	for _, id := range []string{"sequence", "subscriptions", "meta:sequence", "meta:subscriptions", "stream:acct-1", "all"} {
		v, err := s.store.Append(ctx, id, eventsrc.MustBe(0), testutil.Envelopes[bank.Event](bank.Opened{AccountID: id}))
		s.Require().NoError(err, "stream %s", id)
		versions = append(versions, v)
	}

	// THEN
	for _, v := range versions {
		s.Equal(eventsrc.Version(1), v)
	}
	all, err := eventsrc.Collect(s.store.StreamAll(ctx, 0))
	s.Require().NoError(err)
	s.Require().Len(all, 7)
	for i, evt := range all {
		s.Equal(uint64(i), evt.SequenceNumber)
	}
	seq, err := checkpoints.GetOrCreate(ctx, "balances", "account")
	s.Require().NoError(err)
	s.Equal(subscription.NoCheckpoint, seq)
	own, err := eventsrc.Collect(s.store.Stream(ctx, "acct-1", eventsrc.SelectAll()))
	s.Require().NoError(err)
	s.Len(own, 1)
}

func (s *RedisStoreIntegrationSuite) TestAppend_ZeroEventsChecksVersionOnly() {
	// GIVEN
	ctx := context.Background()
	_, err := s.store.Append(ctx, "acct-1", eventsrc.MustBe(0), testutil.Envelopes[bank.Event](bank.Opened{AccountID: "acct-1"}))
	s.Require().NoError(err)

	// WHEN
	matching, errMatching := s.store.Append(ctx, "acct-1", eventsrc.MustBe(1), nil)
	_, errMismatch := s.store.Append(ctx, "acct-1", eventsrc.MustBe(3), nil)
	missing, errMissing := s.store.Append(ctx, "missing", eventsrc.MustBe(0), nil)

	// THEN
	s.Require().NoError(errMatching)
	s.Equal(eventsrc.Version(1), matching)
	var conflict eventsrc.ConflictError
	s.Require().True(errors.As(errMismatch, &conflict))
	s.Equal(eventsrc.ConflictError{Expected: 3, Actual: 1}, conflict)
	s.Require().NoError(errMissing)
	s.Equal(eventsrc.Version(0), missing)

	exists, err := s.Client.Exists(ctx, "{account}:stream:missing").Result()
	s.Require().NoError(err)
	s.Zero(exists)
	all, err := eventsrc.Collect(s.store.StreamAll(ctx, 0))
	s.Require().NoError(err)
	s.Len(all, 1)
}

func (s *RedisStoreIntegrationSuite) TestStream_PaginatesFromVersion() {
	// GIVEN
	ctx := context.Background()
	store := redis.NewEventStore(s.Client, "account", bank.NewSerde()).WithPageSize(2)
	events := []bank.Event{bank.Opened{AccountID: "acct-1"}}
	for i := range 5 {
		events = append(events, bank.Deposited{Amount: int64(i + 1)})
	}
	_, err := store.Append(ctx, "acct-1", eventsrc.MustBe(0), testutil.Envelopes(events...))
	s.Require().NoError(err)

	// WHEN
	got, err := eventsrc.Collect(store.Stream(ctx, "acct-1", eventsrc.SelectFrom(2)))
	missing, errMissing := eventsrc.Collect(store.Stream(ctx, "missing", eventsrc.SelectAll()))

	// THEN
	s.Require().NoError(err)
	s.Require().NoError(errMissing)
	s.Empty(missing)
	s.Require().Len(got, 5)
	for i, evt := range got {
		s.Equal(eventsrc.Version(i+2), evt.Version)
	}
}

func (s *RedisStoreIntegrationSuite) TestStreamAll_OrdersAcrossStreams() {
	// GIVEN
	ctx := context.Background()
	store := s.store.WithPageSize(2)
	for _, id := range []string{"a", "b", "c"} {
		_, err := store.Append(ctx, id, eventsrc.MustBe(0), testutil.Envelopes[bank.Event](bank.Opened{AccountID: id}))
		s.Require().NoError(err)
	}

	// WHEN
	all, err := eventsrc.Collect(store.StreamAll(ctx, 1))

	// THEN
	s.Require().NoError(err)
	s.Require().Len(all, 2)
	s.Equal("b", all[0].StreamID)
	s.Equal(uint64(1), all[0].SequenceNumber)
	s.Equal("c", all[1].StreamID)
	s.Equal(eventsrc.Version(1), all[1].Version)
}

func (s *RedisStoreIntegrationSuite) TestSubscribeAll_ReceivesPublishedEvents() {
	// GIVEN
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	subscriber := redis.NewSubscriber(s.Client, "account", bank.NewSerde())
	events, err := subscriber.SubscribeAll(ctx)
	s.Require().NoError(err)

	// WHEN
	_, err = s.store.Append(ctx, "acct-1", eventsrc.MustBe(0), testutil.Envelopes[bank.Event](
		bank.Opened{AccountID: "acct-1", Balance: 10},
		bank.Deposited{Amount: 5},
	))
	s.Require().NoError(err)

	// THEN
	var got []eventsrc.Persisted[bank.Event]
	for evt, err := range events {
		s.Require().NoError(err)
		got = append(got, evt)
		if len(got) == 2 {
			break
		}
	}
	s.Require().Len(got, 2)
	s.Equal("acct-1", got[0].StreamID)
	s.Equal(eventsrc.Version(1), got[0].Version)
	s.Equal(bank.Opened{AccountID: "acct-1", Balance: 10}, got[0].Message)
	s.Equal(uint64(1), got[1].SequenceNumber)
	s.Equal(bank.Deposited{Amount: 5}, got[1].Message)
	s.NotEmpty(got[1].Metadata[eventsrc.MetadataRecordedAt])
}

func (s *RedisStoreIntegrationSuite) TestCheckpoints_AreMonotonic() {
	// GIVEN
	ctx := context.Background()
	checkpoints := redis.NewCheckpoints(s.Client)

	// WHEN
	seq, err := checkpoints.GetOrCreate(ctx, "balances", "account")

	// THEN
	s.Require().NoError(err)
	s.Equal(subscription.NoCheckpoint, seq)
	s.Require().NoError(checkpoints.Checkpoint(ctx, "balances", "account", 0))
	s.Require().NoError(checkpoints.Checkpoint(ctx, "balances", "account", 2))
	s.ErrorIs(checkpoints.Checkpoint(ctx, "balances", "account", 2), subscription.ErrCheckpointNotIncreasing)
	s.ErrorIs(checkpoints.Checkpoint(ctx, "balances", "account", 1), subscription.ErrCheckpointNotIncreasing)

	seq, err = checkpoints.GetOrCreate(ctx, "balances", "account")
	s.Require().NoError(err)
	s.Equal(int64(2), seq)
}

func (s *RedisStoreIntegrationSuite) TestRunner_CatchesUpAndFollowsPublishes() {
	// GIVEN
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	_, err := s.store.Append(ctx, "a", eventsrc.MustBe(0), testutil.Envelopes[bank.Event](bank.Opened{AccountID: "a"}))
	s.Require().NoError(err)

	seen := make(chan uint64, 10)
	runner := subscription.NewRunner[bank.Event]("balances", "account", s.store, redis.NewCheckpoints(s.Client),
		func(_ context.Context, evt eventsrc.Persisted[bank.Event]) error {
			seen <- evt.SequenceNumber
			return nil
		},
		subscription.WithNotifier(redis.NewNotifier(s.Client, "account")),
		subscription.WithPollInterval(time.Hour),
	)

	// WHEN
	runner.Start(ctx)
	first := <-seen
	_, err = s.store.Append(ctx, "b", eventsrc.MustBe(0), testutil.Envelopes[bank.Event](bank.Opened{AccountID: "b"}))
	s.Require().NoError(err)

	// THEN
	select {
	case second := <-seen:
		s.Equal(uint64(0), first)
		s.Equal(uint64(1), second)
	case <-ctx.Done():
		s.FailNow("timed out waiting for published event")
	}
	runner.Stop()
	s.NoError(runner.Err())
}
