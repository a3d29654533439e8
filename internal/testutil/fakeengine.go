// Package testutil provides an in-memory media engine for exercising the
// session layer without pion.
package testutil

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"castwave/internal/core/domain"
	"castwave/internal/core/ports"
)

var ErrInjected = errors.New("injected engine failure")

// FakeEngine implements ports.MediaEngine. Close callbacks fire
// synchronously, transports close their producers and consumers, and
// producers close the consumers attached to them.
type FakeEngine struct {
	mu          sync.Mutex
	ready       bool
	caps        domain.RtpCapabilities
	producers   map[domain.ProducerID]*FakeProducer
	transports  []*FakeTransport
	failConsume map[domain.ProducerID]error
	failProduce error

	// Gates block the matching call until the channel is closed. The call is
	// announced on the Entered channel first, if set.
	CreateGate   chan struct{}
	ConsumeGate  chan struct{}
	ProduceGate  chan struct{}
	Entered      chan string
	died         chan struct{}
	diedOnce     sync.Once
	seq          atomic.Int64
	closedEngine atomic.Bool
}

func NewFakeEngine() *FakeEngine {
	return &FakeEngine{
		ready:       true,
		caps:        DefaultCapabilities(),
		producers:   make(map[domain.ProducerID]*FakeProducer),
		failConsume: make(map[domain.ProducerID]error),
		died:        make(chan struct{}),
	}
}

// DefaultCapabilities mirrors the router codecs shipped in the default config.
func DefaultCapabilities() domain.RtpCapabilities {
	return domain.RtpCapabilities{
		Codecs: []domain.RtpCodecCapability{
			{
				Kind:                 domain.MediaKindAudio,
				MimeType:             "audio/opus",
				PreferredPayloadType: 96,
				ClockRate:            48000,
				Channels:             2,
			},
			{
				Kind:                 domain.MediaKindVideo,
				MimeType:             "video/VP8",
				PreferredPayloadType: 97,
				ClockRate:            90000,
			},
		},
	}
}

// AudioOnlyCapabilities lets a viewer receive opus but no video.
func AudioOnlyCapabilities() domain.RtpCapabilities {
	caps := DefaultCapabilities()
	caps.Codecs = caps.Codecs[:1]
	return caps
}

// H264Capabilities matches none of the default producers.
func H264Capabilities() domain.RtpCapabilities {
	return domain.RtpCapabilities{
		Codecs: []domain.RtpCodecCapability{
			{Kind: domain.MediaKindVideo, MimeType: "video/H264", ClockRate: 90000},
		},
	}
}

func AudioParameters() domain.RtpParameters {
	return domain.RtpParameters{
		Codecs: []domain.RtpCodecParameters{
			{MimeType: "audio/opus", PayloadType: 96, ClockRate: 48000, Channels: 2},
		},
		Encodings: []domain.RtpEncodingParameters{{SSRC: 1111}},
	}
}

func VideoParameters() domain.RtpParameters {
	return domain.RtpParameters{
		Codecs: []domain.RtpCodecParameters{
			{MimeType: "video/VP8", PayloadType: 97, ClockRate: 90000},
		},
		Encodings: []domain.RtpEncodingParameters{{SSRC: 2222}},
	}
}

func DtlsParameters() domain.DtlsParameters {
	return domain.DtlsParameters{
		Role: "client",
		Fingerprints: []domain.DtlsFingerprint{
			{Algorithm: "sha-256", Value: "AB:CD:EF"},
		},
	}
}

func (e *FakeEngine) SetReady(ready bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ready = ready
}

// FailConsume makes every Consume call for producerID fail with err.
func (e *FakeEngine) FailConsume(producerID domain.ProducerID, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.failConsume[producerID] = err
}

func (e *FakeEngine) FailProduce(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.failProduce = err
}

// Die simulates an unrecoverable engine failure.
func (e *FakeEngine) Die() {
	e.diedOnce.Do(func() { close(e.died) })
}

func (e *FakeEngine) Ready() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ready
}

func (e *FakeEngine) Died() <-chan struct{} {
	return e.died
}

func (e *FakeEngine) RtpCapabilities() domain.RtpCapabilities {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.caps
}

func (e *FakeEngine) CanConsume(producerID domain.ProducerID, caps domain.RtpCapabilities) bool {
	e.mu.Lock()
	p, ok := e.producers[producerID]
	e.mu.Unlock()
	if !ok || p.Closed() {
		return false
	}
	for _, codec := range p.params.Codecs {
		if !caps.Supports(codec) {
			return false
		}
	}
	return len(p.params.Codecs) > 0
}

func (e *FakeEngine) CreateTransport(ctx context.Context, opts ports.TransportOptions) (ports.Transport, error) {
	if err := e.wait(ctx, "create_transport", e.CreateGate); err != nil {
		return nil, err
	}
	t := &FakeTransport{
		engine: e,
		id:     domain.TransportID(e.nextID("transport")),
		peerID: opts.PeerID,
		role:   opts.Role,
	}
	e.mu.Lock()
	e.transports = append(e.transports, t)
	e.mu.Unlock()
	return t, nil
}

func (e *FakeEngine) Close() error {
	e.closedEngine.Store(true)
	return nil
}

// Transports returns every transport the engine ever created.
func (e *FakeEngine) Transports() []*FakeTransport {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*FakeTransport{}, e.transports...)
}

// OpenTransports counts transports that were created and not closed.
func (e *FakeEngine) OpenTransports() int {
	count := 0
	for _, t := range e.Transports() {
		if !t.Closed() {
			count++
		}
	}
	return count
}

func (e *FakeEngine) Producer(id domain.ProducerID) (*FakeProducer, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.producers[id]
	return p, ok
}

func (e *FakeEngine) nextID(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, e.seq.Add(1))
}

func (e *FakeEngine) wait(ctx context.Context, op string, gate chan struct{}) error {
	if gate == nil {
		return nil
	}
	if e.Entered != nil {
		e.Entered <- op
	}
	select {
	case <-gate:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// closeState runs close callbacks exactly once.
type closeState struct {
	mu     sync.Mutex
	closed bool
	reason domain.CloseReason
	fns    []func(domain.CloseReason)
}

func (c *closeState) onClose(fn func(domain.CloseReason)) {
	c.mu.Lock()
	if c.closed {
		reason := c.reason
		c.mu.Unlock()
		fn(reason)
		return
	}
	c.fns = append(c.fns, fn)
	c.mu.Unlock()
}

func (c *closeState) close(reason domain.CloseReason) bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	c.closed = true
	c.reason = reason
	fns := c.fns
	c.fns = nil
	c.mu.Unlock()

	for _, fn := range fns {
		fn(reason)
	}
	return true
}

func (c *closeState) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

type FakeTransport struct {
	engine *FakeEngine
	id     domain.TransportID
	peerID domain.PeerID
	role   domain.TransportRole
	state  closeState

	mu        sync.Mutex
	connected bool
	dtls      domain.DtlsParameters
	producers []*FakeProducer
	consumers []*FakeConsumer
}

func (t *FakeTransport) ID() domain.TransportID              { return t.id }
func (t *FakeTransport) PeerID() domain.PeerID               { return t.peerID }
func (t *FakeTransport) Role() domain.TransportRole          { return t.role }
func (t *FakeTransport) Closed() bool                        { return t.state.isClosed() }
func (t *FakeTransport) OnClose(fn func(domain.CloseReason)) { t.state.onClose(fn) }

func (t *FakeTransport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

func (t *FakeTransport) Params() domain.TransportParams {
	return domain.TransportParams{
		ID: t.id,
		IceParameters: domain.IceParameters{
			UsernameFragment: "ufrag-" + string(t.id),
			Password:         "pwd-" + string(t.id),
			IceLite:          true,
		},
		IceCandidates: []domain.IceCandidate{
			{Foundation: "1", Priority: 1, IP: "127.0.0.1", Protocol: "udp", Port: 2000, Type: "host"},
		},
		DtlsParameters: domain.DtlsParameters{
			Role:         "auto",
			Fingerprints: []domain.DtlsFingerprint{{Algorithm: "sha-256", Value: "00:11:22"}},
		},
	}
}

func (t *FakeTransport) Connect(ctx context.Context, dtls domain.DtlsParameters, ice *domain.IceParameters) error {
	if t.Closed() {
		return errors.New("transport closed")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.connected = true
	t.dtls = dtls
	return nil
}

func (t *FakeTransport) Produce(ctx context.Context, kind domain.MediaKind, params domain.RtpParameters) (ports.Producer, error) {
	if err := t.engine.wait(ctx, "produce", t.engine.ProduceGate); err != nil {
		return nil, err
	}
	t.engine.mu.Lock()
	failure := t.engine.failProduce
	t.engine.mu.Unlock()
	if failure != nil {
		return nil, failure
	}
	if t.Closed() {
		return nil, errors.New("transport closed")
	}

	p := &FakeProducer{
		engine: t.engine,
		id:     domain.ProducerID(t.engine.nextID("producer")),
		kind:   kind,
		params: params,
	}
	t.mu.Lock()
	t.producers = append(t.producers, p)
	t.mu.Unlock()

	t.engine.mu.Lock()
	t.engine.producers[p.id] = p
	t.engine.mu.Unlock()
	return p, nil
}

func (t *FakeTransport) Consume(ctx context.Context, producerID domain.ProducerID, caps domain.RtpCapabilities, paused bool) (ports.Consumer, error) {
	if err := t.engine.wait(ctx, "consume", t.engine.ConsumeGate); err != nil {
		return nil, err
	}
	t.engine.mu.Lock()
	failure := t.engine.failConsume[producerID]
	producer, ok := t.engine.producers[producerID]
	t.engine.mu.Unlock()
	if failure != nil {
		return nil, failure
	}
	if !ok || producer.Closed() {
		return nil, fmt.Errorf("producer %s not found", producerID)
	}
	if t.Closed() {
		return nil, errors.New("transport closed")
	}

	c := &FakeConsumer{
		id:         domain.ConsumerID(t.engine.nextID("consumer")),
		producerID: producerID,
		kind:       producer.kind,
		params:     producer.params,
		paused:     paused,
	}
	t.mu.Lock()
	t.consumers = append(t.consumers, c)
	t.mu.Unlock()
	producer.attach(c)
	return c, nil
}

func (t *FakeTransport) Close() error {
	t.closeWith(domain.CloseReasonLocal)
	return nil
}

// SimulateDTLSClose closes the transport as if the remote side dropped.
func (t *FakeTransport) SimulateDTLSClose() {
	t.closeWith(domain.CloseReasonDTLSClosed)
}

func (t *FakeTransport) closeWith(reason domain.CloseReason) {
	if !t.state.close(reason) {
		return
	}
	t.mu.Lock()
	producers := t.producers
	consumers := t.consumers
	t.mu.Unlock()

	for _, c := range consumers {
		c.closeWith(domain.CloseReasonTransportClosed)
	}
	for _, p := range producers {
		p.closeWith(domain.CloseReasonTransportClosed)
	}
}

type FakeProducer struct {
	engine *FakeEngine
	id     domain.ProducerID
	kind   domain.MediaKind
	params domain.RtpParameters
	state  closeState

	mu        sync.Mutex
	consumers []*FakeConsumer
}

func (p *FakeProducer) ID() domain.ProducerID               { return p.id }
func (p *FakeProducer) Kind() domain.MediaKind              { return p.kind }
func (p *FakeProducer) RtpParameters() domain.RtpParameters { return p.params }
func (p *FakeProducer) Closed() bool                        { return p.state.isClosed() }
func (p *FakeProducer) OnClose(fn func(domain.CloseReason)) { p.state.onClose(fn) }

func (p *FakeProducer) Close() error {
	p.closeWith(domain.CloseReasonLocal)
	return nil
}

// SimulateClose closes the producer from the engine side.
func (p *FakeProducer) SimulateClose() {
	p.closeWith(domain.CloseReasonTransportClosed)
}

func (p *FakeProducer) attach(c *FakeConsumer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.consumers = append(p.consumers, c)
}

func (p *FakeProducer) closeWith(reason domain.CloseReason) {
	if !p.state.close(reason) {
		return
	}
	p.mu.Lock()
	consumers := p.consumers
	p.mu.Unlock()
	for _, c := range consumers {
		c.closeWith(domain.CloseReasonProducerClosed)
	}
}

type FakeConsumer struct {
	id         domain.ConsumerID
	producerID domain.ProducerID
	kind       domain.MediaKind
	params     domain.RtpParameters
	state      closeState

	mu     sync.Mutex
	paused bool
}

func (c *FakeConsumer) ID() domain.ConsumerID               { return c.id }
func (c *FakeConsumer) ProducerID() domain.ProducerID       { return c.producerID }
func (c *FakeConsumer) Kind() domain.MediaKind              { return c.kind }
func (c *FakeConsumer) RtpParameters() domain.RtpParameters { return c.params }
func (c *FakeConsumer) Closed() bool                        { return c.state.isClosed() }
func (c *FakeConsumer) OnClose(fn func(domain.CloseReason)) { c.state.onClose(fn) }

func (c *FakeConsumer) Paused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused
}

func (c *FakeConsumer) Resume(ctx context.Context) error {
	if c.Closed() {
		return errors.New("consumer closed")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.paused = false
	return nil
}

func (c *FakeConsumer) Close() error {
	c.closeWith(domain.CloseReasonLocal)
	return nil
}

func (c *FakeConsumer) closeWith(reason domain.CloseReason) {
	c.state.close(reason)
}
