package memory

import (
	"context"
	"testing"
	"time"

	"castwave/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryBroadcastRepository(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryBroadcastRepository()

	_, err := repo.Get(ctx)
	assert.ErrorIs(t, err, domain.ErrStateNotFound)
	assert.ErrorIs(t, repo.Save(ctx, nil), domain.ErrInvalidPayload)

	state := &domain.BroadcastState{
		Broadcaster: "peer-a",
		ViewerCount: 3,
		Producers: []domain.ProducerInfo{
			{ProducerID: "p-1", PeerID: "peer-a", Kind: domain.MediaKindAudio, Label: "default"},
		},
		UpdatedAt: time.Now().UTC(),
	}
	require.NoError(t, repo.Save(ctx, state))

	// Later changes to the caller's copy must not leak into the store.
	state.Producers[0].Label = "mutated"
	state.ViewerCount = 9

	got, err := repo.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.PeerID("peer-a"), got.Broadcaster)
	assert.Equal(t, 3, got.ViewerCount)
	assert.Equal(t, "default", got.Producers[0].Label)

	got.Producers[0].Label = "also mutated"
	again, err := repo.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, "default", again.Producers[0].Label)

	assert.NoError(t, repo.Ping(ctx))
}

func TestMemoryBroadcastRepository_PingCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, NewMemoryBroadcastRepository().Ping(ctx), context.Canceled)
}
