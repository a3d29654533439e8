package webrtc

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"castwave/internal/core/domain"
	"castwave/internal/core/ports"

	"github.com/google/uuid"
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// maxGatherFailures is how many transport allocations in a row may fail
// before the engine declares itself dead.
const maxGatherFailures = 5

type ICEServer struct {
	URLs       []string
	Username   string
	Credential string
}

// Config WebRTC engine configuration
type Config struct {
	ListenIP    string
	AnnouncedIP string
	ICELite     bool
	ICEServers  []ICEServer
	PortRange   struct {
		Min uint16
		Max uint16
	}
	GatherTimeout time.Duration
	Codecs        []Codec
}

// SFU is a selective forwarding media engine built on pion's ORTC API.
// Producers receive RTP from a sending peer; every consumer owns an
// RTP sender that forwards the producer's packets to one viewer.
type SFU struct {
	config Config
	api    *webrtc.API
	media  *webrtc.MediaEngine
	codecs []routerCodec
	caps   domain.RtpCapabilities

	mu             sync.RWMutex
	transports     map[domain.TransportID]*transport
	producers      map[domain.ProducerID]*producer
	payloadTypes   map[webrtc.PayloadType]string
	gatherFailures int
	closed         bool

	ready   atomic.Bool
	died    chan struct{}
	dieOnce sync.Once

	logger *zap.SugaredLogger
}

var _ ports.MediaEngine = (*SFU)(nil)

// NewSFU builds the router from the configured codec list.
func NewSFU(config Config, logger *zap.SugaredLogger) (*SFU, error) {
	codecs, err := buildRouterCodecs(config.Codecs)
	if err != nil {
		return nil, fmt.Errorf("invalid router codecs: %w", err)
	}

	media := &webrtc.MediaEngine{}
	payloadTypes := make(map[webrtc.PayloadType]string, len(codecs))
	for _, c := range codecs {
		if err := media.RegisterCodec(c.params, c.codecType); err != nil {
			return nil, fmt.Errorf("failed to register codec %s: %w", c.params.MimeType, err)
		}
		payloadTypes[c.params.PayloadType] = c.params.MimeType
	}

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(media, registry); err != nil {
		return nil, fmt.Errorf("failed to register interceptors: %w", err)
	}

	settings := webrtc.SettingEngine{}
	settings.LoggerFactory = newPionLoggerFactory(logger.Named("pion"))
	if config.PortRange.Min > 0 && config.PortRange.Max > 0 {
		if err := settings.SetEphemeralUDPPortRange(config.PortRange.Min, config.PortRange.Max); err != nil {
			return nil, fmt.Errorf("invalid rtc port range: %w", err)
		}
	}
	if config.AnnouncedIP != "" {
		settings.SetNAT1To1IPs([]string{config.AnnouncedIP}, webrtc.ICECandidateTypeHost)
	}
	if listen := net.ParseIP(config.ListenIP); listen != nil && !listen.IsUnspecified() {
		settings.SetIPFilter(func(ip net.IP) bool { return ip.Equal(listen) })
	}
	settings.SetLite(config.ICELite)

	sfu := &SFU{
		config: config,
		api: webrtc.NewAPI(
			webrtc.WithMediaEngine(media),
			webrtc.WithInterceptorRegistry(registry),
			webrtc.WithSettingEngine(settings),
		),
		media:        media,
		codecs:       codecs,
		caps:         routerCapabilities(codecs),
		transports:   make(map[domain.TransportID]*transport),
		producers:    make(map[domain.ProducerID]*producer),
		payloadTypes: payloadTypes,
		died:         make(chan struct{}),
		logger:       logger,
	}
	sfu.ready.Store(true)

	logger.Infow("media engine ready",
		"codecs", len(codecs),
		"port_min", config.PortRange.Min,
		"port_max", config.PortRange.Max,
		"announced_ip", config.AnnouncedIP,
	)
	return sfu, nil
}

func (s *SFU) Ready() bool {
	return s.ready.Load()
}

func (s *SFU) Died() <-chan struct{} {
	return s.died
}

func (s *SFU) RtpCapabilities() domain.RtpCapabilities {
	return s.caps
}

// CanConsume reports whether the producer exists and its codec is one the
// viewer can decode.
func (s *SFU) CanConsume(producerID domain.ProducerID, caps domain.RtpCapabilities) bool {
	s.mu.RLock()
	p, ok := s.producers[producerID]
	s.mu.RUnlock()
	if !ok || p.isClosed() {
		return false
	}
	return caps.Supports(p.codecParameters())
}

// CreateTransport allocates an ICE gatherer and a DTLS transport and waits
// for host candidate gathering to finish.
func (s *SFU) CreateTransport(ctx context.Context, opts ports.TransportOptions) (ports.Transport, error) {
	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		return nil, errEngineClosed
	}

	t, err := s.allocateTransport(ctx, opts)
	if err != nil {
		s.recordGatherFailure(err)
		return nil, err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		t.close(domain.CloseReasonLocal)
		return nil, errEngineClosed
	}
	s.gatherFailures = 0
	s.transports[t.id] = t
	s.mu.Unlock()

	s.logger.Debugw("transport created",
		"peer_id", opts.PeerID,
		"transport_id", t.id,
		"role", opts.Role,
		"candidates", len(t.params.IceCandidates),
	)
	return t, nil
}

func (s *SFU) allocateTransport(ctx context.Context, opts ports.TransportOptions) (*transport, error) {
	gatherer, err := s.api.NewICEGatherer(webrtc.ICEGatherOptions{
		ICEServers: toPionIceServers(s.config.ICEServers),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create ice gatherer: %w", err)
	}

	ice := s.api.NewICETransport(gatherer)
	dtls, err := s.api.NewDTLSTransport(ice, nil)
	if err != nil {
		_ = gatherer.Close()
		return nil, fmt.Errorf("failed to create dtls transport: %w", err)
	}

	abort := func(err error) (*transport, error) {
		_ = dtls.Stop()
		_ = ice.Stop()
		_ = gatherer.Close()
		return nil, err
	}

	gathered := make(chan struct{})
	var once sync.Once
	gatherer.OnLocalCandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			once.Do(func() { close(gathered) })
		}
	})
	if err := gatherer.Gather(); err != nil {
		return abort(fmt.Errorf("failed to gather candidates: %w", err))
	}

	wait := ctx
	if s.config.GatherTimeout > 0 {
		var cancel context.CancelFunc
		wait, cancel = context.WithTimeout(ctx, s.config.GatherTimeout)
		defer cancel()
	}
	select {
	case <-gathered:
	case <-wait.Done():
		return abort(fmt.Errorf("candidate gathering did not finish: %w", wait.Err()))
	}

	iceParams, err := gatherer.GetLocalParameters()
	if err != nil {
		return abort(fmt.Errorf("failed to read ice parameters: %w", err))
	}
	candidates, err := gatherer.GetLocalCandidates()
	if err != nil {
		return abort(fmt.Errorf("failed to read ice candidates: %w", err))
	}
	if len(candidates) == 0 {
		return abort(fmt.Errorf("no ice candidates gathered"))
	}
	dtlsParams, err := dtls.GetLocalParameters()
	if err != nil {
		return abort(fmt.Errorf("failed to read dtls parameters: %w", err))
	}

	id := domain.TransportID(uuid.New().String())
	t := &transport{
		id:          id,
		peerID:      opts.PeerID,
		role:        opts.Role,
		sfu:         s,
		gatherer:    gatherer,
		ice:         ice,
		dtls:        dtls,
		established: make(chan struct{}),
		producers:   make(map[domain.ProducerID]*producer),
		consumers:   make(map[domain.ConsumerID]*consumer),
		closer:      closer{done: make(chan struct{})},
		params: domain.TransportParams{
			ID:             id,
			IceParameters:  toDomainIceParameters(iceParams),
			IceCandidates:  toDomainIceCandidates(candidates),
			DtlsParameters: toDomainDtlsParameters(dtlsParams),
		},
		logger: s.logger.With("transport_id", id, "peer_id", opts.PeerID),
	}
	t.watchState()
	return t, nil
}

func (s *SFU) recordGatherFailure(err error) {
	s.mu.Lock()
	s.gatherFailures++
	failures := s.gatherFailures
	s.mu.Unlock()

	s.logger.Warnw("transport allocation failed",
		"consecutive_failures", failures,
		"error", err,
	)
	if failures >= maxGatherFailures {
		s.die(fmt.Errorf("%d consecutive transport allocations failed: %w", failures, err))
	}
}

// die marks the engine unusable and closes Died.
func (s *SFU) die(err error) {
	s.dieOnce.Do(func() {
		s.ready.Store(false)
		s.logger.Errorw("media engine died", "error", err)
		close(s.died)
	})
}

// registerPayloadType makes an incoming payload type resolvable to the
// router codec it carries. Senders keep binding to the router's own entry,
// which was registered first.
func (s *SFU) registerPayloadType(codec routerCodec, pt webrtc.PayloadType) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if mime, ok := s.payloadTypes[pt]; ok {
		if mime != codec.params.MimeType {
			return fmt.Errorf("payload type %d is already bound to %s", pt, mime)
		}
		return nil
	}
	alias := codec.params
	alias.PayloadType = pt
	if err := s.media.RegisterCodec(alias, codec.codecType); err != nil {
		return fmt.Errorf("failed to register payload type %d: %w", pt, err)
	}
	s.payloadTypes[pt] = codec.params.MimeType
	return nil
}

func (s *SFU) addProducer(p *producer) {
	s.mu.Lock()
	s.producers[p.id] = p
	s.mu.Unlock()
}

func (s *SFU) producer(id domain.ProducerID) (*producer, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.producers[id]
	return p, ok
}

func (s *SFU) removeProducer(id domain.ProducerID) {
	s.mu.Lock()
	delete(s.producers, id)
	s.mu.Unlock()
}

func (s *SFU) removeTransport(id domain.TransportID) {
	s.mu.Lock()
	delete(s.transports, id)
	s.mu.Unlock()
}

// Close tears down every transport. Died is not signalled.
func (s *SFU) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.ready.Store(false)
	transports := make([]*transport, 0, len(s.transports))
	for _, t := range s.transports {
		transports = append(transports, t)
	}
	s.mu.Unlock()

	for _, t := range transports {
		t.close(domain.CloseReasonLocal)
	}
	s.logger.Infow("media engine closed", "transports", len(transports))
	return nil
}
