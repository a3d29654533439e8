package webrtc

import (
	"context"
	"errors"
	"io"
	"sync/atomic"

	"castwave/internal/core/domain"
	"castwave/internal/core/ports"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// consumer forwards one producer to one viewer. Video consumers drop
// packets until a keyframe arrives after creation or resume.
type consumer struct {
	id        domain.ConsumerID
	producer  *producer
	transport *transport
	sender    *webrtc.RTPSender
	track     *webrtc.TrackLocalStaticRTP
	params    domain.RtpParameters
	detect    keyframeDetector

	paused       atomic.Bool
	needKeyframe atomic.Bool

	closer
	logger *zap.SugaredLogger
}

var _ ports.Consumer = (*consumer)(nil)

func (c *consumer) ID() domain.ConsumerID               { return c.id }
func (c *consumer) ProducerID() domain.ProducerID       { return c.producer.id }
func (c *consumer) Kind() domain.MediaKind              { return c.producer.kind }
func (c *consumer) RtpParameters() domain.RtpParameters { return c.params }
func (c *consumer) Paused() bool                        { return c.paused.Load() }
func (c *consumer) Closed() bool                        { return c.isClosed() }

func (c *consumer) Resume(ctx context.Context) error {
	if c.isClosed() {
		return errClosed
	}
	if c.paused.CompareAndSwap(true, false) {
		c.needKeyframe.Store(true)
		c.producer.requestKeyframe()
		c.logger.Debugw("consumer resumed")
	}
	return nil
}

func (c *consumer) write(packet *rtp.Packet) {
	if c.paused.Load() {
		return
	}
	if c.needKeyframe.Load() {
		if !isKeyframe(c.detect, packet) {
			return
		}
		c.needKeyframe.Store(false)
	}
	if err := c.track.WriteRTP(packet); err != nil && !errors.Is(err, io.ErrClosedPipe) {
		c.logger.Debugw("failed to forward rtp", "error", err)
	}
}

// readRTCP turns viewer feedback into keyframe requests on the producer.
func (c *consumer) readRTCP() {
	for {
		packets, _, err := c.sender.ReadRTCP()
		if err != nil {
			return
		}
		for _, packet := range packets {
			switch p := packet.(type) {
			case *rtcp.PictureLossIndication, *rtcp.FullIntraRequest:
				c.producer.requestKeyframe()
			case *rtcp.ReceiverReport:
				for _, report := range p.Reports {
					c.logger.Debugw("received receiver report",
						"fraction_lost", report.FractionLost,
						"jitter", report.Jitter,
					)
				}
			}
		}
	}
}

func (c *consumer) Close() error {
	c.close(domain.CloseReasonLocal)
	return nil
}

func (c *consumer) close(reason domain.CloseReason) {
	if !c.begin(reason) {
		return
	}
	c.producer.detach(c.id)
	c.transport.detachConsumer(c.id)
	if err := c.sender.Stop(); err != nil {
		c.logger.Debugw("sender stop", "error", err)
	}
	c.logger.Infow("consumer closed", "reason", reason)
	c.finish()
}
