package testutil

import (
	"context"
	"log"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/suite"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
)

// RedisIntegrationSuite is a testify suite that sets up a Redis container
// for integration tests.
type RedisIntegrationSuite struct {
	suite.Suite
	Client         *redis.Client
	redisContainer *tcredis.RedisContainer
}

// SetupSuite starts a Redis container before any tests in the suite are run.
func (s *RedisIntegrationSuite) SetupSuite() {
	ctx := context.Background()

	container, err := tcredis.Run(ctx, "redis:7-alpine")
	if err != nil {
		log.Fatalf("could not start redis container: %s", err)
	}

	uri, err := container.ConnectionString(ctx)
	if err != nil {
		log.Fatalf("could not get connection string: %s", err)
	}

	opts, err := redis.ParseURL(uri)
	if err != nil {
		log.Fatalf("could not parse redis url %s: %s", uri, err)
	}

	s.Client = redis.NewClient(opts)
	s.redisContainer = container
}

// TearDownSuite stops and removes the container after all tests in the suite have been run.
func (s *RedisIntegrationSuite) TearDownSuite() {
	if s.Client != nil {
		_ = s.Client.Close()
	}
	if s.redisContainer != nil {
		if err := s.redisContainer.Terminate(context.Background()); err != nil {
			log.Fatalf("failed to terminate redis container: %s", err)
		}
	}
}

// FlushAll is a helper to clean the Redis state between tests.
func (s *RedisIntegrationSuite) FlushAll() {
	s.Require().NoError(s.Client.FlushAll(context.Background()).Err())
}
