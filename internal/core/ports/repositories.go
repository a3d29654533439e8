package ports

import (
	"context"

	"castwave/internal/core/domain"
)

// BroadcastStateRepository persists the latest broadcast snapshot so other
// processes (dashboards, sibling instances) can read it.
type BroadcastStateRepository interface {
	Save(ctx context.Context, state *domain.BroadcastState) error
	Get(ctx context.Context) (*domain.BroadcastState, error)
	Ping(ctx context.Context) error
}
