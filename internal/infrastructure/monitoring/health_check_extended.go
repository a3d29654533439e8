package monitoring

import (
	"context"
	"time"

	"castwave/internal/core/domain"
	"castwave/internal/core/ports"
)

// AddEngineCheck fails while the media engine is not ready or has died.
func (h *HealthChecker) AddEngineCheck(engine ports.MediaEngine) {
	h.AddCheck("media_engine", func(ctx context.Context) (bool, error) {
		select {
		case <-engine.Died():
			return false, domain.ErrEngineUnavailable
		default:
		}
		if !engine.Ready() {
			return false, domain.ErrEngineUnavailable
		}
		return true, nil
	}, 0)
}

// AddStateStoreCheck pings the broadcast state store.
func (h *HealthChecker) AddStateStoreCheck(repo ports.BroadcastStateRepository, timeout time.Duration) {
	h.AddCheck("state_store", func(ctx context.Context) (bool, error) {
		if err := repo.Ping(ctx); err != nil {
			return false, err
		}
		return true, nil
	}, timeout)
}
