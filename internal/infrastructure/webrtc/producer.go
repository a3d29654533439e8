package webrtc

import (
	"sync"
	"time"

	"castwave/internal/core/domain"
	"castwave/internal/core/ports"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// keyframeInterval bounds how often viewers can make the broadcaster send
// a keyframe.
const keyframeInterval = 500 * time.Millisecond

func newKeyframeLimiter() *rate.Limiter {
	return rate.NewLimiter(rate.Every(keyframeInterval), 1)
}

type producer struct {
	id          domain.ProducerID
	kind        domain.MediaKind
	params      domain.RtpParameters
	codec       routerCodec
	payloadType webrtc.PayloadType
	ssrc        uint32
	transport   *transport
	receiver    *webrtc.RTPReceiver
	keyframes   *rate.Limiter

	mu        sync.RWMutex
	consumers map[domain.ConsumerID]*consumer

	closer
	logger *zap.SugaredLogger
}

var _ ports.Producer = (*producer)(nil)

func (p *producer) ID() domain.ProducerID               { return p.id }
func (p *producer) Kind() domain.MediaKind              { return p.kind }
func (p *producer) RtpParameters() domain.RtpParameters { return p.params }

func (p *producer) codecParameters() domain.RtpCodecParameters {
	return domain.RtpCodecParameters{
		MimeType:  p.codec.capability.MimeType,
		ClockRate: p.codec.capability.ClockRate,
		Channels:  p.codec.capability.Channels,
	}
}

// run waits for the transport handshake, then forwards every packet to
// the attached consumers until the track ends.
func (p *producer) run() {
	select {
	case <-p.transport.established:
	case <-p.done:
		return
	}

	err := p.receiver.Receive(webrtc.RTPReceiveParameters{
		Encodings: []webrtc.RTPDecodingParameters{{
			RTPCodingParameters: webrtc.RTPCodingParameters{
				SSRC:        webrtc.SSRC(p.ssrc),
				PayloadType: p.payloadType,
			},
		}},
	})
	if err != nil {
		p.logger.Warnw("failed to start receiving", "error", err)
		p.close(domain.CloseReasonLocal)
		return
	}

	go p.drainRTCP()
	p.requestKeyframe()

	track := p.receiver.Track()
	var forwarded uint64
	for {
		packet, _, err := track.ReadRTP()
		if err != nil {
			if !p.isClosed() {
				p.logger.Infow("producer track ended", "error", err, "packets_forwarded", forwarded)
				p.close(domain.CloseReasonLocal)
			}
			return
		}

		p.mu.RLock()
		for _, c := range p.consumers {
			c.write(packet)
		}
		p.mu.RUnlock()

		forwarded++
		if forwarded%1000 == 0 {
			p.logger.Debugw("forwarding rtp",
				"sequence", packet.SequenceNumber,
				"packets_forwarded", forwarded,
			)
		}
	}
}

// drainRTCP keeps the interceptor chain moving; sender reports are only logged.
func (p *producer) drainRTCP() {
	for {
		packets, _, err := p.receiver.ReadRTCP()
		if err != nil {
			return
		}
		for _, packet := range packets {
			if sr, ok := packet.(*rtcp.SenderReport); ok {
				p.logger.Debugw("received sender report",
					"packet_count", sr.PacketCount,
					"octet_count", sr.OctetCount,
				)
			}
		}
	}
}

// requestKeyframe sends a PLI upstream, at most once per keyframeInterval.
func (p *producer) requestKeyframe() {
	if p.kind != domain.MediaKindVideo || p.isClosed() || !p.keyframes.Allow() {
		return
	}
	select {
	case <-p.transport.established:
	default:
		return
	}
	if _, err := p.transport.dtls.WriteRTCP([]rtcp.Packet{
		&rtcp.PictureLossIndication{MediaSSRC: p.ssrc},
	}); err != nil {
		p.logger.Debugw("failed to request keyframe", "error", err)
	}
}

// attach returns false once the producer is closed.
func (p *producer) attach(c *consumer) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.isClosed() {
		return false
	}
	p.consumers[c.id] = c
	return true
}

func (p *producer) detach(id domain.ConsumerID) {
	p.mu.Lock()
	delete(p.consumers, id)
	p.mu.Unlock()
}

func (p *producer) Close() error {
	p.close(domain.CloseReasonLocal)
	return nil
}

// close closes every consumer fed by this producer first.
func (p *producer) close(reason domain.CloseReason) {
	p.mu.Lock()
	if !p.begin(reason) {
		p.mu.Unlock()
		return
	}
	consumers := make([]*consumer, 0, len(p.consumers))
	for _, c := range p.consumers {
		consumers = append(consumers, c)
	}
	p.mu.Unlock()

	for _, c := range consumers {
		c.close(domain.CloseReasonProducerClosed)
	}
	if err := p.receiver.Stop(); err != nil {
		p.logger.Debugw("receiver stop", "error", err)
	}
	p.transport.detachProducer(p.id)
	p.transport.sfu.removeProducer(p.id)

	p.logger.Infow("producer closed", "reason", reason, "consumers", len(consumers))
	p.finish()
}
