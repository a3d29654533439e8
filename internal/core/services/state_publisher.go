package services

import (
	"context"
	"time"

	"castwave/internal/core/domain"
	"castwave/internal/core/ports"

	"go.uber.org/zap"
)

// StatePublisher mirrors the broadcast snapshot into a state store whenever
// the broadcaster or the viewer count changes, and periodically otherwise so
// producer changes are picked up too.
type StatePublisher struct {
	session  ports.SessionService
	repo     ports.BroadcastStateRepository
	interval time.Duration
	dirty    chan struct{}
	logger   *zap.SugaredLogger
}

func NewStatePublisher(session ports.SessionService, repo ports.BroadcastStateRepository, interval time.Duration, logger *zap.SugaredLogger) *StatePublisher {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	p := &StatePublisher{
		session:  session,
		repo:     repo,
		interval: interval,
		dirty:    make(chan struct{}, 1),
		logger:   logger,
	}
	session.OnViewerCount(func(int) { p.MarkDirty() })
	session.OnBroadcasterChange(func(_, _ domain.PeerID) { p.MarkDirty() })
	return p
}

// MarkDirty schedules a publish. Calls made before the pending publish runs
// are coalesced.
func (p *StatePublisher) MarkDirty() {
	select {
	case p.dirty <- struct{}{}:
	default:
	}
}

func (p *StatePublisher) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.publish(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.dirty:
			p.publish(ctx)
		case <-ticker.C:
			p.publish(ctx)
		}
	}
}

func (p *StatePublisher) publish(ctx context.Context) {
	state := p.session.Snapshot()
	saveCtx, cancel := context.WithTimeout(ctx, p.interval)
	defer cancel()
	if err := p.repo.Save(saveCtx, &state); err != nil {
		p.logger.Warnw("failed to publish broadcast state", "error", err)
	}
}
