package services

import (
	"context"
	"errors"
	"time"

	"castwave/internal/core/domain"
	"castwave/internal/core/ports"
	"castwave/pkg/tracing"

	"go.uber.org/zap"
)

// ConsumptionMatcher creates consumers for a viewer against the producers it
// is allowed to receive.
type ConsumptionMatcher struct {
	reg      *registry
	gateway  *CapabilityGateway
	viewers  *ViewerAccounting
	sink     closeSink
	timeout  time.Duration
	observer EngineObserver
	logger   *zap.SugaredLogger
}

func NewConsumptionMatcher(
	reg *registry,
	gateway *CapabilityGateway,
	viewers *ViewerAccounting,
	sink closeSink,
	timeout time.Duration,
	observer EngineObserver,
	logger *zap.SugaredLogger,
) *ConsumptionMatcher {
	return &ConsumptionMatcher{
		reg:      reg,
		gateway:  gateway,
		viewers:  viewers,
		sink:     sink,
		timeout:  timeout,
		observer: observer,
		logger:   logger,
	}
}

type consumeCandidate struct {
	info     domain.ProducerInfo
	existing *domain.ConsumerInfo
}

// Consume creates one consumer per active broadcaster producer compatible
// with caps. A failure on one producer is logged and skipped; producers the
// viewer already consumes are reported from the existing consumer.
func (m *ConsumptionMatcher) Consume(ctx context.Context, viewerID domain.PeerID, transportID domain.TransportID, caps domain.RtpCapabilities) ([]domain.ConsumerInfo, error) {
	if err := m.gateway.Ready(); err != nil {
		return nil, err
	}

	m.reg.mu.Lock()
	entry, transport, err := m.reg.transportLocked(viewerID, domain.RoleConsuming, transportID)
	if err != nil {
		m.reg.mu.Unlock()
		return nil, err
	}
	if m.reg.broadcaster == "" {
		m.reg.mu.Unlock()
		return nil, domain.ErrNoBroadcaster
	}
	if m.reg.broadcaster == viewerID {
		m.reg.mu.Unlock()
		return nil, domain.ErrRoleConflict
	}
	var candidates []consumeCandidate
	for _, info := range m.reg.activeProducersLocked() {
		c := consumeCandidate{info: info}
		if held, ok := entry.consumers[info.ProducerID]; ok {
			existing := consumerInfo(held.consumer, held.label)
			c.existing = &existing
		}
		candidates = append(candidates, c)
	}
	m.reg.mu.Unlock()

	if len(candidates) == 0 {
		return nil, domain.ErrNoConsumableProducers
	}

	var (
		results []domain.ConsumerInfo
		created int
	)
	for _, c := range candidates {
		if c.existing != nil {
			results = append(results, *c.existing)
			continue
		}
		if err := m.stillConsuming(entry, transport); err != nil {
			if created > 0 {
				m.viewers.Recompute()
			}
			return nil, err
		}
		if !m.gateway.CanConsume(c.info.ProducerID, caps) {
			m.logger.Debugw("skipping incompatible producer",
				"peer_id", viewerID,
				"producer_id", c.info.ProducerID,
				"kind", c.info.Kind,
			)
			continue
		}

		info, err := m.create(ctx, viewerID, entry, transport, c.info, caps, true)
		if err != nil {
			if gone := m.stillConsuming(entry, transport); gone != nil {
				err = gone
			}
			if errors.Is(err, domain.ErrPeerGone) || errors.Is(err, domain.ErrTransportNotFound) {
				if created > 0 {
					m.viewers.Recompute()
				}
				return nil, err
			}
			m.logger.Warnw("failed to create consumer",
				"peer_id", viewerID,
				"producer_id", c.info.ProducerID,
				"error", err,
			)
			continue
		}
		if info.isNew {
			created++
		}
		results = append(results, info.ConsumerInfo)
	}

	if created > 0 {
		m.viewers.Recompute()
	}
	if len(results) == 0 {
		return nil, domain.ErrNoConsumableProducers
	}

	m.logger.Infow("consumers ready",
		"peer_id", viewerID,
		"consumers", len(results),
		"created", created,
	)
	return results, nil
}

// ConsumeOne creates a consumer for a single producer, whoever owns it.
func (m *ConsumptionMatcher) ConsumeOne(ctx context.Context, viewerID domain.PeerID, transportID domain.TransportID, producerID domain.ProducerID, caps domain.RtpCapabilities) (domain.ConsumerInfo, error) {
	if err := m.gateway.Ready(); err != nil {
		return domain.ConsumerInfo{}, err
	}

	m.reg.mu.Lock()
	entry, transport, err := m.reg.transportLocked(viewerID, domain.RoleConsuming, transportID)
	if err != nil {
		m.reg.mu.Unlock()
		return domain.ConsumerInfo{}, err
	}
	if m.reg.broadcaster != "" && m.reg.broadcaster == viewerID {
		m.reg.mu.Unlock()
		return domain.ConsumerInfo{}, domain.ErrRoleConflict
	}
	owner, key, producer, found := m.reg.findProducerLocked(producerID)
	if !found || owner.id == viewerID {
		m.reg.mu.Unlock()
		return domain.ConsumerInfo{}, domain.ErrProducerNotFound
	}
	if held, ok := entry.consumers[producerID]; ok {
		info := consumerInfo(held.consumer, held.label)
		m.reg.mu.Unlock()
		return info, nil
	}
	target := domain.ProducerInfo{
		ProducerID: producerID,
		PeerID:     owner.id,
		Kind:       key.kind,
		Label:      producer.label,
	}
	m.reg.mu.Unlock()

	if !m.gateway.CanConsume(producerID, caps) {
		return domain.ConsumerInfo{}, domain.ErrCapabilityMismatch
	}

	info, err := m.create(ctx, viewerID, entry, transport, target, caps, false)
	if err != nil {
		if gone := m.stillConsuming(entry, transport); gone != nil {
			err = gone
		}
		return domain.ConsumerInfo{}, err
	}
	if info.isNew {
		m.viewers.Recompute()
	}
	return info.ConsumerInfo, nil
}

// Resume resumes the viewer's consumers on the given producers. Unknown ids
// are skipped, as are consumers closed while the call is in flight; an empty
// list resumes every consumer the viewer holds.
func (m *ConsumptionMatcher) Resume(ctx context.Context, viewerID domain.PeerID, producerIDs []domain.ProducerID) error {
	m.reg.mu.Lock()
	var consumers []ports.Consumer
	if entry, ok := m.reg.peerLocked(viewerID); ok {
		if len(producerIDs) == 0 {
			for _, c := range entry.consumers {
				consumers = append(consumers, c.consumer)
			}
		} else {
			for _, id := range producerIDs {
				if c, held := entry.consumers[id]; held {
					consumers = append(consumers, c.consumer)
				}
			}
		}
	}
	m.reg.mu.Unlock()

	var firstErr error
	for _, c := range consumers {
		if c.Closed() || !c.Paused() {
			continue
		}
		consumer := c
		_, err := callEngine(ctx, m.timeout, m.observer, "resume_consumer", viewerID,
			func(ctx context.Context) (struct{}, error) {
				tracing.EngineTarget(ctx, "", string(consumer.ProducerID()))
				return struct{}{}, consumer.Resume(ctx)
			},
			nil,
		)
		if err != nil {
			if !m.holds(viewerID, consumer) {
				m.logger.Debugw("skipping consumer closed during resume",
					"peer_id", viewerID,
					"producer_id", consumer.ProducerID(),
				)
				continue
			}
			m.logger.Warnw("failed to resume consumer",
				"peer_id", viewerID,
				"consumer_id", consumer.ID(),
				"producer_id", consumer.ProducerID(),
				"error", err,
			)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		m.logger.Debugw("consumer resumed", "peer_id", viewerID, "producer_id", consumer.ProducerID())
	}
	return firstErr
}

// holds reports whether consumer is still open and registered for viewerID.
func (m *ConsumptionMatcher) holds(viewerID domain.PeerID, consumer ports.Consumer) bool {
	if consumer.Closed() {
		return false
	}
	m.reg.mu.Lock()
	defer m.reg.mu.Unlock()
	entry, ok := m.reg.peerLocked(viewerID)
	if !ok || entry.gone {
		return false
	}
	held, ok := entry.consumers[consumer.ProducerID()]
	return ok && held.consumer == consumer
}

// stillConsuming checks that the viewer is connected and transport is still
// its consuming transport.
func (m *ConsumptionMatcher) stillConsuming(entry *peerEntry, transport ports.Transport) error {
	m.reg.mu.Lock()
	defer m.reg.mu.Unlock()
	switch {
	case entry.gone:
		return domain.ErrPeerGone
	case entry.transports[domain.RoleConsuming] != transport:
		return domain.ErrTransportNotFound
	}
	return nil
}

type createdConsumer struct {
	domain.ConsumerInfo
	isNew bool
}

// create asks the engine for a consumer and registers it once the viewer's
// transport and the source producer are confirmed to still exist. With
// requireActive the producer must also still belong to the broadcaster.
func (m *ConsumptionMatcher) create(ctx context.Context, viewerID domain.PeerID, entry *peerEntry, transport ports.Transport, target domain.ProducerInfo, caps domain.RtpCapabilities, requireActive bool) (createdConsumer, error) {
	paused := target.Kind == domain.MediaKindVideo

	consumer, err := callEngine(ctx, m.timeout, m.observer, "consume", viewerID,
		func(ctx context.Context) (ports.Consumer, error) {
			tracing.EngineTarget(ctx, string(transport.ID()), string(target.ProducerID))
			return transport.Consume(ctx, target.ProducerID, caps, paused)
		},
		func(c ports.Consumer) { _ = c.Close() },
	)
	if err != nil {
		return createdConsumer{}, err
	}

	m.reg.mu.Lock()
	switch {
	case entry.gone:
		m.reg.mu.Unlock()
		_ = consumer.Close()
		return createdConsumer{}, domain.ErrPeerGone
	case entry.transports[domain.RoleConsuming] != transport:
		m.reg.mu.Unlock()
		_ = consumer.Close()
		return createdConsumer{}, domain.ErrTransportNotFound
	}
	if _, _, _, ok := m.reg.findProducerLocked(target.ProducerID); !ok {
		m.reg.mu.Unlock()
		_ = consumer.Close()
		return createdConsumer{}, domain.ErrProducerNotFound
	}
	if _, ok := m.reg.active[target.ProducerID]; requireActive && !ok {
		m.reg.mu.Unlock()
		_ = consumer.Close()
		return createdConsumer{}, domain.ErrProducerNotFound
	}
	if held, ok := entry.consumers[target.ProducerID]; ok {
		// A concurrent consume registered first; keep that one.
		info := consumerInfo(held.consumer, held.label)
		m.reg.mu.Unlock()
		_ = consumer.Close()
		return createdConsumer{ConsumerInfo: info}, nil
	}
	entry.consumers[target.ProducerID] = consumerEntry{
		consumer:    consumer,
		transportID: transport.ID(),
		label:       target.Label,
	}
	m.reg.mu.Unlock()

	consumerID := consumer.ID()
	transportID := transport.ID()
	consumer.OnClose(func(reason domain.CloseReason) {
		m.sink.Post(CloseEvent{
			Kind:        EntityConsumer,
			PeerID:      viewerID,
			TransportID: transportID,
			ProducerID:  target.ProducerID,
			ConsumerID:  consumerID,
			Reason:      reason,
		})
	})

	m.logger.Infow("consumer created",
		"peer_id", viewerID,
		"producer_id", target.ProducerID,
		"consumer_id", consumerID,
		"kind", target.Kind,
		"paused", paused,
	)
	return createdConsumer{ConsumerInfo: consumerInfo(consumer, target.Label), isNew: true}, nil
}

func consumerInfo(c ports.Consumer, label string) domain.ConsumerInfo {
	return domain.ConsumerInfo{
		ProducerID:    c.ProducerID(),
		ID:            c.ID(),
		Kind:          c.Kind(),
		RtpParameters: c.RtpParameters(),
		Label:         label,
		Paused:        c.Paused(),
	}
}
