package webrtc

import (
	"context"
	"fmt"
	"sync"

	"castwave/internal/core/domain"
	"castwave/internal/core/ports"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// transport pairs an ICE transport with its DTLS transport. Connect only
// records the remote parameters; the handshake runs in the background and
// producers start reading once it completes.
type transport struct {
	id     domain.TransportID
	peerID domain.PeerID
	role   domain.TransportRole
	params domain.TransportParams
	sfu    *SFU

	gatherer *webrtc.ICEGatherer
	ice      *webrtc.ICETransport
	dtls     *webrtc.DTLSTransport

	// established is closed once DTLS is up and SRTP keys exist.
	established chan struct{}

	mu        sync.Mutex
	connected bool
	producers map[domain.ProducerID]*producer
	consumers map[domain.ConsumerID]*consumer

	closer
	logger *zap.SugaredLogger
}

var _ ports.Transport = (*transport)(nil)

func (t *transport) ID() domain.TransportID         { return t.id }
func (t *transport) Params() domain.TransportParams { return t.params }

func (t *transport) watchState() {
	t.ice.OnConnectionStateChange(func(state webrtc.ICETransportState) {
		t.logger.Debugw("ice state changed", "ice_state", state.String())
		if state == webrtc.ICETransportStateFailed {
			go t.close(domain.CloseReasonConnectFailed)
		}
	})
	t.dtls.OnStateChange(func(state webrtc.DTLSTransportState) {
		t.logger.Debugw("dtls state changed", "dtls_state", state.String())
		switch state {
		case webrtc.DTLSTransportStateClosed, webrtc.DTLSTransportStateFailed:
			go t.close(domain.CloseReasonDTLSClosed)
		}
	})
}

func (t *transport) Connect(ctx context.Context, dtls domain.DtlsParameters, ice *domain.IceParameters) error {
	if ice == nil {
		return errRemoteICERequired
	}

	t.mu.Lock()
	if t.isClosed() {
		t.mu.Unlock()
		return errClosed
	}
	if t.connected {
		t.mu.Unlock()
		return errAlreadyConnected
	}
	t.connected = true
	t.mu.Unlock()

	remoteICE := webrtc.ICEParameters{
		UsernameFragment: ice.UsernameFragment,
		Password:         ice.Password,
		ICELite:          ice.IceLite,
	}
	go t.start(remoteICE, toPionDtlsParameters(dtls))
	return nil
}

// start blocks until ICE and DTLS are up or the transport is closed.
func (t *transport) start(remoteICE webrtc.ICEParameters, remoteDTLS webrtc.DTLSParameters) {
	role := webrtc.ICERoleControlled
	if err := t.ice.Start(nil, remoteICE, &role); err != nil {
		if !t.isClosed() {
			t.logger.Warnw("ice start failed", "error", err)
			t.close(domain.CloseReasonConnectFailed)
		}
		return
	}
	if err := t.dtls.Start(remoteDTLS); err != nil {
		if !t.isClosed() {
			t.logger.Warnw("dtls handshake failed", "error", err)
			t.close(domain.CloseReasonDTLSClosed)
		}
		return
	}
	close(t.established)
	t.logger.Infow("transport connected")
}

func (t *transport) Produce(ctx context.Context, kind domain.MediaKind, params domain.RtpParameters) (ports.Producer, error) {
	codec, pt, err := matchRouterCodec(t.sfu.codecs, kind, params)
	if err != nil {
		return nil, err
	}
	ssrc, err := primarySSRC(params)
	if err != nil {
		return nil, err
	}
	if err := t.sfu.registerPayloadType(codec, pt); err != nil {
		return nil, err
	}

	receiver, err := t.sfu.api.NewRTPReceiver(codec.codecType, t.dtls)
	if err != nil {
		return nil, fmt.Errorf("failed to create rtp receiver: %w", err)
	}

	id := domain.ProducerID(uuid.New().String())
	p := &producer{
		id:          id,
		kind:        kind,
		params:      params,
		codec:       codec,
		payloadType: pt,
		ssrc:        ssrc,
		transport:   t,
		receiver:    receiver,
		consumers:   make(map[domain.ConsumerID]*consumer),
		keyframes:   newKeyframeLimiter(),
		closer:      closer{done: make(chan struct{})},
		logger:      t.logger.With("producer_id", id, "kind", kind),
	}

	t.mu.Lock()
	if t.isClosed() {
		t.mu.Unlock()
		_ = receiver.Stop()
		return nil, errClosed
	}
	t.producers[id] = p
	t.mu.Unlock()

	t.sfu.addProducer(p)
	go p.run()

	p.logger.Infow("producer created", "mime_type", codec.params.MimeType, "ssrc", ssrc)
	return p, nil
}

func (t *transport) Consume(ctx context.Context, producerID domain.ProducerID, caps domain.RtpCapabilities, paused bool) (ports.Consumer, error) {
	source, ok := t.sfu.producer(producerID)
	if !ok || source.isClosed() {
		return nil, fmt.Errorf("%w: %s", domain.ErrProducerNotFound, producerID)
	}
	if !caps.Supports(source.codecParameters()) {
		return nil, fmt.Errorf("%w: %s", domain.ErrCapabilityMismatch, source.codec.params.MimeType)
	}

	id := domain.ConsumerID(uuid.New().String())
	track, err := webrtc.NewTrackLocalStaticRTP(source.codec.params.RTPCodecCapability, string(id), string(producerID))
	if err != nil {
		return nil, fmt.Errorf("failed to create local track: %w", err)
	}
	sender, err := t.sfu.api.NewRTPSender(track, t.dtls)
	if err != nil {
		return nil, fmt.Errorf("failed to create rtp sender: %w", err)
	}
	sendParams := sender.GetParameters()
	if err := sender.Send(sendParams); err != nil {
		_ = sender.Stop()
		return nil, fmt.Errorf("failed to start rtp sender: %w", err)
	}
	if len(sendParams.Encodings) == 0 {
		_ = sender.Stop()
		return nil, fmt.Errorf("rtp sender has no encodings")
	}
	ssrc := uint32(sendParams.Encodings[0].SSRC)

	c := &consumer{
		id:        id,
		producer:  source,
		transport: t,
		sender:    sender,
		track:     track,
		params:    consumerParameters(source.codec, ssrc, string(t.peerID)),
		detect:    detectorFor(source.codec.params.MimeType),
		closer:    closer{done: make(chan struct{})},
		logger:    t.logger.With("consumer_id", id, "producer_id", producerID),
	}
	c.paused.Store(paused)
	c.needKeyframe.Store(true)

	t.mu.Lock()
	if t.isClosed() {
		t.mu.Unlock()
		_ = sender.Stop()
		return nil, errClosed
	}
	t.consumers[id] = c
	t.mu.Unlock()

	if !source.attach(c) {
		c.close(domain.CloseReasonProducerClosed)
		return nil, fmt.Errorf("%w: %s", domain.ErrProducerNotFound, producerID)
	}
	go c.readRTCP()
	if !paused {
		source.requestKeyframe()
	}

	c.logger.Infow("consumer created", "ssrc", ssrc, "paused", paused)
	return c, nil
}

func (t *transport) detachProducer(id domain.ProducerID) {
	t.mu.Lock()
	delete(t.producers, id)
	t.mu.Unlock()
}

func (t *transport) detachConsumer(id domain.ConsumerID) {
	t.mu.Lock()
	delete(t.consumers, id)
	t.mu.Unlock()
}

func (t *transport) Close() error {
	t.close(domain.CloseReasonLocal)
	return nil
}

// close cascades to the producers and consumers living on the transport
// before the transport's own callbacks run.
func (t *transport) close(reason domain.CloseReason) {
	if !t.begin(reason) {
		return
	}

	t.mu.Lock()
	producers := make([]*producer, 0, len(t.producers))
	for _, p := range t.producers {
		producers = append(producers, p)
	}
	consumers := make([]*consumer, 0, len(t.consumers))
	for _, c := range t.consumers {
		consumers = append(consumers, c)
	}
	t.mu.Unlock()

	for _, c := range consumers {
		c.close(domain.CloseReasonTransportClosed)
	}
	for _, p := range producers {
		p.close(domain.CloseReasonTransportClosed)
	}

	if err := t.dtls.Stop(); err != nil {
		t.logger.Debugw("dtls stop", "error", err)
	}
	if err := t.ice.Stop(); err != nil {
		t.logger.Debugw("ice stop", "error", err)
	}
	if err := t.gatherer.Close(); err != nil {
		t.logger.Debugw("gatherer close", "error", err)
	}
	t.sfu.removeTransport(t.id)

	t.logger.Infow("transport closed", "reason", reason)
	t.finish()
}
