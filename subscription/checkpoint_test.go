package subscription_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/0m3kk/eventually/subscription"
)

func TestInMemoryCheckpoints_Monotonic(t *testing.T) {
	ctx := context.Background()
	c := subscription.NewInMemoryCheckpoints()

	seq, err := c.GetOrCreate(ctx, "sub", "account")
	require.NoError(t, err)
	assert.Equal(t, subscription.NoCheckpoint, seq)

	require.NoError(t, c.Checkpoint(ctx, "sub", "account", 0))
	require.NoError(t, c.Checkpoint(ctx, "sub", "account", 5))

	assert.ErrorIs(t, c.Checkpoint(ctx, "sub", "account", 5), subscription.ErrCheckpointNotIncreasing)
	assert.ErrorIs(t, c.Checkpoint(ctx, "sub", "account", 3), subscription.ErrCheckpointNotIncreasing)

	seq, err = c.GetOrCreate(ctx, "sub", "account")
	require.NoError(t, err)
	assert.Equal(t, int64(5), seq)

	other, err := c.GetOrCreate(ctx, "sub", "order")
	require.NoError(t, err)
	assert.Equal(t, subscription.NoCheckpoint, other)
}

func TestNoTransaction_RunsHandler(t *testing.T) {
	called := false
	err := subscription.NoTransaction{}.WithTransaction(context.Background(), func(context.Context) error {
		called = true
		return nil
	})
	assert.NoError(t, err)
	assert.True(t, called)
}
