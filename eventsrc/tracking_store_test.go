package eventsrc_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/0m3kk/eventually/eventsrc"
	"github.com/0m3kk/eventually/sample/bank"
)

func TestTrackingStore_RecordsOnlySuccessfulAppends(t *testing.T) {
	ctx := context.Background()
	tracking := eventsrc.NewTrackingStore[bank.Event](eventsrc.NewInMemoryStore[bank.Event]())
	repo := bank.NewRepository(tracking)

	root, err := bank.Open("acct-1", 100)
	require.NoError(t, err)
	require.NoError(t, bank.Deposit(root, 50))
	require.NoError(t, repo.Save(ctx, root))

	_, err = tracking.Append(ctx, "acct-1", eventsrc.MustBe(0), envelopes(bank.Deposited{Amount: 1}))
	require.ErrorIs(t, err, eventsrc.ErrConflict)

	recorded := tracking.Recorded()
	require.Len(t, recorded, 2)
	assert.Equal(t, eventsrc.Version(1), recorded[0].Version)
	assert.Equal(t, bank.Opened{AccountID: "acct-1", Balance: 100}, recorded[0].Message)
	assert.Equal(t, eventsrc.Version(2), recorded[1].Version)
	assert.Equal(t, bank.Deposited{Amount: 50}, recorded[1].Message)

	tracking.Reset()
	assert.Empty(t, tracking.Recorded())
}
