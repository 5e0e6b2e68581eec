package redis

import (
	"context"
	_ "embed"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/0m3kk/eventually/subscription"
)

//go:embed checkpoint.lua
var checkpointScriptSource string

var checkpointScript = redis.NewScript(checkpointScriptSource)

// Checkpoints implements subscription.Checkpointer with one hash per stream
// type at "{<type>}:meta:subscriptions".
type Checkpoints struct {
	client redis.UniversalClient
}

func NewCheckpoints(client redis.UniversalClient) *Checkpoints {
	return &Checkpoints{client: client}
}

func (c *Checkpoints) GetOrCreate(ctx context.Context, name, sourceType string) (int64, error) {
	key := subscriptionsKey(sourceType)
	if err := c.client.HSetNX(ctx, key, name, subscription.NoCheckpoint).Err(); err != nil {
		return 0, fmt.Errorf("failed to create subscription %s: %w", name, err)
	}
	seq, err := c.client.HGet(ctx, key, name).Int64()
	if err != nil {
		return 0, fmt.Errorf("failed to get subscription %s: %w", name, err)
	}
	return seq, nil
}

func (c *Checkpoints) Checkpoint(ctx context.Context, name, sourceType string, seq int64) error {
	err := checkpointScript.Run(ctx, c.client, []string{subscriptionsKey(sourceType)}, name, seq).Err()
	if err != nil {
		if strings.Contains(err.Error(), "CHECKPOINT ") {
			return fmt.Errorf("subscription %s: %s: %w", name, err, subscription.ErrCheckpointNotIncreasing)
		}
		return fmt.Errorf("failed to checkpoint subscription %s: %w", name, err)
	}
	return nil
}
