package services

import (
	"fmt"
	"sync"

	"castwave/internal/core/domain"

	"go.uber.org/zap"
)

// BroadcasterPolicy decides what happens when a peer asks to broadcast while
// another peer already holds the role.
type BroadcasterPolicy string

const (
	PolicyReplace BroadcasterPolicy = "replace"
	PolicyReject  BroadcasterPolicy = "reject"
)

func ParseBroadcasterPolicy(s string) (BroadcasterPolicy, error) {
	switch p := BroadcasterPolicy(s); p {
	case PolicyReplace, PolicyReject:
		return p, nil
	case "":
		return PolicyReplace, nil
	default:
		return "", fmt.Errorf("unknown broadcaster policy %q", s)
	}
}

type BroadcasterCoordinator struct {
	reg     *registry
	viewers *ViewerAccounting
	policy  BroadcasterPolicy
	logger  *zap.SugaredLogger

	listenersMu sync.RWMutex
	listeners   []func(previous, current domain.PeerID)
}

func NewBroadcasterCoordinator(reg *registry, viewers *ViewerAccounting, policy BroadcasterPolicy, logger *zap.SugaredLogger) *BroadcasterCoordinator {
	if policy == "" {
		policy = PolicyReplace
	}
	return &BroadcasterCoordinator{
		reg:     reg,
		viewers: viewers,
		policy:  policy,
		logger:  logger,
	}
}

// OnChange registers fn to run after every broadcaster change. current is
// empty when the role was cleared.
func (b *BroadcasterCoordinator) OnChange(fn func(previous, current domain.PeerID)) {
	b.listenersMu.Lock()
	defer b.listenersMu.Unlock()
	b.listeners = append(b.listeners, fn)
}

// Assign makes peerID the broadcaster. Under the replace policy the previous
// broadcaster keeps its transports and producers but none of them stay
// visible to viewers.
func (b *BroadcasterCoordinator) Assign(peerID domain.PeerID) error {
	b.reg.mu.Lock()
	entry, ok := b.reg.peerLocked(peerID)
	if !ok {
		b.reg.mu.Unlock()
		return domain.ErrPeerGone
	}
	if len(entry.consumers) > 0 {
		b.reg.mu.Unlock()
		return domain.ErrRoleConflict
	}

	previous := b.reg.broadcaster
	if previous == peerID {
		b.reg.mu.Unlock()
		b.viewers.Recompute()
		return nil
	}
	if previous != "" && b.policy == PolicyReject {
		b.reg.mu.Unlock()
		return domain.ErrBroadcasterExists
	}

	b.reg.broadcaster = peerID
	b.reg.active = make(map[domain.ProducerID]struct{}, len(entry.producers))
	for _, p := range entry.producers {
		b.reg.active[p.producer.ID()] = struct{}{}
	}
	activeCount := len(b.reg.active)
	b.reg.mu.Unlock()

	if previous != "" {
		b.logger.Infow("broadcaster replaced", "previous_peer_id", previous, "peer_id", peerID)
	} else {
		b.logger.Infow("broadcaster assigned", "peer_id", peerID, "active_producers", activeCount)
	}

	b.notify(previous, peerID)
	b.viewers.Recompute()
	return nil
}

func (b *BroadcasterCoordinator) IsCurrent(peerID domain.PeerID) bool {
	b.reg.mu.Lock()
	defer b.reg.mu.Unlock()
	return peerID != "" && b.reg.broadcaster == peerID
}

func (b *BroadcasterCoordinator) Current() (domain.PeerID, bool) {
	b.reg.mu.Lock()
	defer b.reg.mu.Unlock()
	return b.reg.broadcaster, b.reg.broadcaster != ""
}

// ClearIfCurrent drops the broadcaster role and the active producer set when
// peerID holds the role.
func (b *BroadcasterCoordinator) ClearIfCurrent(peerID domain.PeerID) bool {
	b.reg.mu.Lock()
	cleared := b.reg.clearBroadcasterLocked(peerID)
	b.reg.mu.Unlock()

	if cleared {
		b.logger.Infow("broadcaster cleared", "peer_id", peerID)
		b.notify(peerID, "")
	}
	return cleared
}

func (b *BroadcasterCoordinator) notify(previous, current domain.PeerID) {
	b.listenersMu.RLock()
	listeners := append([]func(domain.PeerID, domain.PeerID){}, b.listeners...)
	b.listenersMu.RUnlock()

	for _, fn := range listeners {
		fn(previous, current)
	}
}
