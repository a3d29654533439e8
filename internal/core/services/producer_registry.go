package services

import (
	"context"
	"time"

	"castwave/internal/core/domain"
	"castwave/internal/core/ports"
	"castwave/pkg/tracing"

	"go.uber.org/zap"
)

// DiscoveryMode selects which producers a peer sees when it lists producers.
type DiscoveryMode string

const (
	// DiscoveryAll lists every producer not owned by the caller (1:1 rooms).
	DiscoveryAll DiscoveryMode = "all"
	// DiscoveryBroadcast lists only the broadcaster's active producers.
	DiscoveryBroadcast DiscoveryMode = "broadcast"
)

func (m DiscoveryMode) Valid() bool {
	return m == DiscoveryAll || m == DiscoveryBroadcast
}

type ProducerRegistry struct {
	reg      *registry
	gateway  *CapabilityGateway
	viewers  *ViewerAccounting
	sink     closeSink
	timeout  time.Duration
	observer EngineObserver
	logger   *zap.SugaredLogger
}

func NewProducerRegistry(
	reg *registry,
	gateway *CapabilityGateway,
	viewers *ViewerAccounting,
	sink closeSink,
	timeout time.Duration,
	observer EngineObserver,
	logger *zap.SugaredLogger,
) *ProducerRegistry {
	return &ProducerRegistry{
		reg:      reg,
		gateway:  gateway,
		viewers:  viewers,
		sink:     sink,
		timeout:  timeout,
		observer: observer,
		logger:   logger,
	}
}

// Create registers a producer on the peer's producing transport. A producer
// already stored under the same kind and label is replaced.
func (p *ProducerRegistry) Create(ctx context.Context, peerID domain.PeerID, transportID domain.TransportID, kind domain.MediaKind, label string, params domain.RtpParameters) (domain.ProducerID, error) {
	if err := p.gateway.Ready(); err != nil {
		return "", err
	}
	if !kind.Valid() {
		return "", domain.ErrInvalidMediaKind
	}
	if label == "" {
		label = domain.DefaultLabel
	}

	p.reg.mu.Lock()
	entry, transport, err := p.reg.transportLocked(peerID, domain.RoleProducing, transportID)
	p.reg.mu.Unlock()
	if err != nil {
		return "", err
	}

	producer, err := callEngine(ctx, p.timeout, p.observer, "produce", peerID,
		func(ctx context.Context) (ports.Producer, error) {
			tracing.EngineTarget(ctx, string(transportID), "")
			return transport.Produce(ctx, kind, params)
		},
		func(pr ports.Producer) { _ = pr.Close() },
	)
	if err != nil {
		p.logger.Errorw("failed to create producer",
			"peer_id", peerID,
			"kind", kind,
			"label", label,
			"error", err,
		)
		return "", err
	}

	key := producerKey{kind: kind, label: label}
	var d detached

	p.reg.mu.Lock()
	if entry.gone || entry.transports[domain.RoleProducing] != transport {
		gone := entry.gone
		p.reg.mu.Unlock()
		_ = producer.Close()
		if gone {
			return "", domain.ErrPeerGone
		}
		return "", domain.ErrTransportNotFound
	}
	if _, exists := entry.producers[key]; exists {
		p.reg.detachProducerLocked(&d, entry, key)
	}
	entry.producers[key] = producerEntry{
		producer:    producer,
		transportID: transportID,
		label:       label,
	}
	active := p.reg.broadcaster == peerID
	if active {
		p.reg.active[producer.ID()] = struct{}{}
	}
	p.reg.mu.Unlock()

	p.reg.release(&d, p.viewers, p.logger)

	producerID := producer.ID()
	producer.OnClose(func(reason domain.CloseReason) {
		p.sink.Post(CloseEvent{
			Kind:        EntityProducer,
			PeerID:      peerID,
			TransportID: transportID,
			ProducerID:  producerID,
			Reason:      reason,
		})
	})

	p.logger.Infow("producer created",
		"peer_id", peerID,
		"producer_id", producerID,
		"kind", kind,
		"label", label,
		"active", active,
	)
	return producerID, nil
}

// ListActiveExcluding returns the producers peerID may consume.
func (p *ProducerRegistry) ListActiveExcluding(peerID domain.PeerID, mode DiscoveryMode) []domain.ProducerInfo {
	p.reg.mu.Lock()
	defer p.reg.mu.Unlock()

	if mode == DiscoveryAll {
		return p.reg.allProducersExcludingLocked(peerID)
	}

	var infos []domain.ProducerInfo
	for _, info := range p.reg.activeProducersLocked() {
		if info.PeerID != peerID {
			infos = append(infos, info)
		}
	}
	return infos
}

// Remove closes the producer stored under kind and label. Idempotent.
func (p *ProducerRegistry) Remove(peerID domain.PeerID, kind domain.MediaKind, label string) {
	if label == "" {
		label = domain.DefaultLabel
	}

	var d detached
	p.reg.mu.Lock()
	if entry, ok := p.reg.peerLocked(peerID); ok {
		p.reg.detachProducerLocked(&d, entry, producerKey{kind: kind, label: label})
	}
	p.reg.mu.Unlock()

	p.reg.release(&d, p.viewers, p.logger)
}

// CloseByID closes one of peerID's producers by id. Unknown ids and
// producers owned by other peers are ignored.
func (p *ProducerRegistry) CloseByID(peerID domain.PeerID, producerID domain.ProducerID) {
	var d detached
	p.reg.mu.Lock()
	if entry, ok := p.reg.peerLocked(peerID); ok {
		for key, pe := range entry.producers {
			if pe.producer.ID() == producerID {
				p.reg.detachProducerLocked(&d, entry, key)
				break
			}
		}
	}
	p.reg.mu.Unlock()

	if !d.empty() {
		p.logger.Infow("producer closed", "peer_id", peerID, "producer_id", producerID)
	}
	p.reg.release(&d, p.viewers, p.logger)
}
