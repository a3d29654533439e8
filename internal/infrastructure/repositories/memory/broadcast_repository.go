package memory

import (
	"context"
	"sync"

	"castwave/internal/core/domain"
	"castwave/internal/core/ports"
)

// MemoryBroadcastRepository keeps the latest snapshot in process. It is the
// fallback when redis is disabled or unreachable.
type MemoryBroadcastRepository struct {
	mu    sync.RWMutex
	state *domain.BroadcastState
}

func NewMemoryBroadcastRepository() ports.BroadcastStateRepository {
	return &MemoryBroadcastRepository{}
}

func (r *MemoryBroadcastRepository) Save(ctx context.Context, state *domain.BroadcastState) error {
	if state == nil {
		return domain.ErrInvalidPayload
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state = cloneState(state)
	return nil
}

func (r *MemoryBroadcastRepository) Get(ctx context.Context) (*domain.BroadcastState, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.state == nil {
		return nil, domain.ErrStateNotFound
	}
	return cloneState(r.state), nil
}

func (r *MemoryBroadcastRepository) Ping(ctx context.Context) error {
	return ctx.Err()
}

func cloneState(state *domain.BroadcastState) *domain.BroadcastState {
	copied := *state
	copied.Producers = append([]domain.ProducerInfo{}, state.Producers...)
	return &copied
}
