package services

import (
	"castwave/internal/core/domain"
	"castwave/internal/core/ports"
)

// CapabilityGateway answers capability questions on behalf of the media engine.
type CapabilityGateway struct {
	engine ports.MediaEngine
}

func NewCapabilityGateway(engine ports.MediaEngine) *CapabilityGateway {
	return &CapabilityGateway{engine: engine}
}

// Ready fails with ErrEngineUnavailable until the engine finished initializing.
func (g *CapabilityGateway) Ready() error {
	if g.engine == nil || !g.engine.Ready() {
		return domain.ErrEngineUnavailable
	}
	return nil
}

func (g *CapabilityGateway) RouterCapabilities() (domain.RtpCapabilities, error) {
	if err := g.Ready(); err != nil {
		return domain.RtpCapabilities{}, err
	}
	return g.engine.RtpCapabilities(), nil
}

// CanConsume reports whether a viewer with caps can receive producerID.
func (g *CapabilityGateway) CanConsume(producerID domain.ProducerID, caps domain.RtpCapabilities) bool {
	if g.Ready() != nil || len(caps.Codecs) == 0 {
		return false
	}
	return g.engine.CanConsume(producerID, caps)
}
