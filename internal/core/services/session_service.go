package services

import (
	"context"
	"time"

	"castwave/internal/core/domain"
	"castwave/internal/core/ports"

	"go.uber.org/zap"
)

const defaultCallTimeout = 10 * time.Second

type Options struct {
	Logger            *zap.SugaredLogger
	CallTimeout       time.Duration
	BroadcasterPolicy BroadcasterPolicy
	DiscoveryMode     DiscoveryMode
	Observer          EngineObserver
}

// SessionService wires the registry components together behind
// ports.SessionService. It is built once by the composition root and shared
// by every signaling connection.
type SessionService struct {
	reg       *registry
	discovery DiscoveryMode
	logger    *zap.SugaredLogger

	gateway     *CapabilityGateway
	transports  *TransportRegistry
	producers   *ProducerRegistry
	broadcaster *BroadcasterCoordinator
	matcher     *ConsumptionMatcher
	viewers     *ViewerAccounting
	cleanup     *CleanupCoordinator
}

var _ ports.SessionService = (*SessionService)(nil)

func NewSessionService(engine ports.MediaEngine, opts Options) *SessionService {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	timeout := opts.CallTimeout
	if timeout <= 0 {
		timeout = defaultCallTimeout
	}
	observer := opts.Observer
	if observer == nil {
		observer = noopObserver{}
	}
	discovery := opts.DiscoveryMode
	if !discovery.Valid() {
		discovery = DiscoveryBroadcast
	}

	reg := newRegistry()
	gateway := NewCapabilityGateway(engine)
	viewers := NewViewerAccounting(reg)
	broadcaster := NewBroadcasterCoordinator(reg, viewers, opts.BroadcasterPolicy, logger)
	cleanup := NewCleanupCoordinator(reg, broadcaster, viewers, logger)

	return &SessionService{
		reg:         reg,
		discovery:   discovery,
		logger:      logger,
		gateway:     gateway,
		transports:  NewTransportRegistry(reg, engine, gateway, viewers, cleanup, timeout, observer, logger),
		producers:   NewProducerRegistry(reg, gateway, viewers, cleanup, timeout, observer, logger),
		broadcaster: broadcaster,
		matcher:     NewConsumptionMatcher(reg, gateway, viewers, cleanup, timeout, observer, logger),
		viewers:     viewers,
		cleanup:     cleanup,
	}
}

// Run drains engine close notifications until ctx is done.
func (s *SessionService) Run(ctx context.Context) {
	s.cleanup.Run(ctx)
}

// Join creates the registry entry for a freshly connected peer.
func (s *SessionService) Join(peerID domain.PeerID) error {
	if peerID == "" {
		return domain.ErrInvalidPayload
	}
	s.reg.mu.Lock()
	defer s.reg.mu.Unlock()
	if _, exists := s.reg.peers[peerID]; !exists {
		s.reg.peers[peerID] = newPeerEntry(peerID)
	}
	return nil
}

func (s *SessionService) Disconnect(peerID domain.PeerID) {
	s.cleanup.OnDisconnect(peerID)
}

func (s *SessionService) SetBroadcaster(peerID domain.PeerID) error {
	return s.broadcaster.Assign(peerID)
}

func (s *SessionService) Broadcaster() (domain.PeerID, bool) {
	return s.broadcaster.Current()
}

func (s *SessionService) RouterRtpCapabilities() (domain.RtpCapabilities, error) {
	return s.gateway.RouterCapabilities()
}

func (s *SessionService) CreateTransport(ctx context.Context, peerID domain.PeerID, role domain.TransportRole) (domain.TransportParams, error) {
	return s.transports.Create(ctx, peerID, role)
}

func (s *SessionService) ConnectTransport(ctx context.Context, peerID domain.PeerID, role domain.TransportRole, transportID domain.TransportID, dtls domain.DtlsParameters, ice *domain.IceParameters) error {
	return s.transports.Connect(ctx, peerID, role, transportID, dtls, ice)
}

func (s *SessionService) ConnectAnyTransport(ctx context.Context, peerID domain.PeerID, transportID domain.TransportID, dtls domain.DtlsParameters, ice *domain.IceParameters) (domain.TransportRole, error) {
	return s.transports.ConnectAny(ctx, peerID, transportID, dtls, ice)
}

func (s *SessionService) Produce(ctx context.Context, peerID domain.PeerID, transportID domain.TransportID, kind domain.MediaKind, label string, params domain.RtpParameters) (domain.ProducerID, error) {
	return s.producers.Create(ctx, peerID, transportID, kind, label, params)
}

func (s *SessionService) CloseProducer(peerID domain.PeerID, producerID domain.ProducerID) error {
	s.producers.CloseByID(peerID, producerID)
	return nil
}

func (s *SessionService) GetProducers(peerID domain.PeerID) []domain.ProducerInfo {
	return s.producers.ListActiveExcluding(peerID, s.discovery)
}

func (s *SessionService) Consume(ctx context.Context, viewerID domain.PeerID, transportID domain.TransportID, caps domain.RtpCapabilities) ([]domain.ConsumerInfo, error) {
	return s.matcher.Consume(ctx, viewerID, transportID, caps)
}

func (s *SessionService) ConsumeOne(ctx context.Context, viewerID domain.PeerID, transportID domain.TransportID, producerID domain.ProducerID, caps domain.RtpCapabilities) (domain.ConsumerInfo, error) {
	return s.matcher.ConsumeOne(ctx, viewerID, transportID, producerID, caps)
}

func (s *SessionService) ResumeConsumers(ctx context.Context, viewerID domain.PeerID, producerIDs []domain.ProducerID) error {
	return s.matcher.Resume(ctx, viewerID, producerIDs)
}

func (s *SessionService) ViewerCount() int {
	return s.viewers.Count()
}

func (s *SessionService) Snapshot() domain.BroadcastState {
	s.reg.mu.Lock()
	defer s.reg.mu.Unlock()

	producers := s.reg.activeProducersLocked()
	if producers == nil {
		producers = []domain.ProducerInfo{}
	}
	return domain.BroadcastState{
		Broadcaster: s.reg.broadcaster,
		ViewerCount: s.reg.viewerCountLocked(),
		Producers:   producers,
		UpdatedAt:   time.Now().UTC(),
	}
}

func (s *SessionService) Stats() domain.SessionStats {
	s.reg.mu.Lock()
	defer s.reg.mu.Unlock()

	stats := domain.SessionStats{
		Peers:   len(s.reg.peers),
		Viewers: s.reg.viewerCountLocked(),
	}
	for _, entry := range s.reg.peers {
		stats.Transports += len(entry.transports)
		stats.Producers += len(entry.producers)
		stats.Consumers += len(entry.consumers)
	}
	return stats
}

func (s *SessionService) OnViewerCount(fn func(count int)) {
	s.viewers.Subscribe(fn)
}

func (s *SessionService) OnBroadcasterChange(fn func(previous, current domain.PeerID)) {
	s.broadcaster.OnChange(fn)
}

func (s *SessionService) OnConsumerClosed(fn func(viewerID domain.PeerID, producerID domain.ProducerID)) {
	s.reg.addConsumerClosedHook(fn)
}
