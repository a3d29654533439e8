package services

import (
	"context"
	"time"

	"castwave/internal/core/domain"
	"castwave/internal/core/ports"
	"castwave/pkg/tracing"

	"go.uber.org/zap"
)

// closeSink receives close notifications from engine observers.
type closeSink interface {
	Post(ev CloseEvent)
}

// TransportRegistry owns the producing and consuming transport of every peer.
type TransportRegistry struct {
	reg      *registry
	engine   ports.MediaEngine
	gateway  *CapabilityGateway
	viewers  *ViewerAccounting
	sink     closeSink
	timeout  time.Duration
	observer EngineObserver
	logger   *zap.SugaredLogger
}

func NewTransportRegistry(
	reg *registry,
	engine ports.MediaEngine,
	gateway *CapabilityGateway,
	viewers *ViewerAccounting,
	sink closeSink,
	timeout time.Duration,
	observer EngineObserver,
	logger *zap.SugaredLogger,
) *TransportRegistry {
	return &TransportRegistry{
		reg:      reg,
		engine:   engine,
		gateway:  gateway,
		viewers:  viewers,
		sink:     sink,
		timeout:  timeout,
		observer: observer,
		logger:   logger,
	}
}

// Create asks the engine for a new transport and registers it under role.
// An existing transport of the same role is replaced and closed.
func (r *TransportRegistry) Create(ctx context.Context, peerID domain.PeerID, role domain.TransportRole) (domain.TransportParams, error) {
	if err := r.gateway.Ready(); err != nil {
		return domain.TransportParams{}, err
	}

	r.reg.mu.Lock()
	entry, ok := r.reg.peerLocked(peerID)
	r.reg.mu.Unlock()
	if !ok {
		return domain.TransportParams{}, domain.ErrPeerGone
	}

	transport, err := callEngine(ctx, r.timeout, r.observer, "create_transport", peerID,
		func(ctx context.Context) (ports.Transport, error) {
			return r.engine.CreateTransport(ctx, ports.TransportOptions{PeerID: peerID, Role: role})
		},
		func(t ports.Transport) { _ = t.Close() },
	)
	if err != nil {
		r.logger.Errorw("failed to create transport", "peer_id", peerID, "role", role, "error", err)
		return domain.TransportParams{}, err
	}

	var d detached
	r.reg.mu.Lock()
	if entry.gone {
		r.reg.mu.Unlock()
		_ = transport.Close()
		return domain.TransportParams{}, domain.ErrPeerGone
	}
	if old, exists := entry.transports[role]; exists {
		r.reg.detachTransportLocked(&d, entry, old.ID())
	}
	entry.transports[role] = transport
	r.reg.mu.Unlock()

	if !d.empty() {
		r.logger.Infow("replacing transport", "peer_id", peerID, "role", role)
	}
	r.reg.release(&d, r.viewers, r.logger)

	transportID := transport.ID()
	transport.OnClose(func(reason domain.CloseReason) {
		r.sink.Post(CloseEvent{
			Kind:        EntityTransport,
			PeerID:      peerID,
			TransportID: transportID,
			Reason:      reason,
		})
	})

	r.logger.Infow("transport created", "peer_id", peerID, "role", role, "transport_id", transportID)
	return transport.Params(), nil
}

// Connect forwards DTLS (and optionally ICE) parameters to the transport
// registered for role. The supplied id must match the registered one.
func (r *TransportRegistry) Connect(ctx context.Context, peerID domain.PeerID, role domain.TransportRole, transportID domain.TransportID, dtls domain.DtlsParameters, ice *domain.IceParameters) error {
	r.reg.mu.Lock()
	entry, transport, err := r.reg.transportLocked(peerID, role, transportID)
	r.reg.mu.Unlock()
	if err != nil {
		return err
	}

	_, err = callEngine(ctx, r.timeout, r.observer, "connect_transport", peerID,
		func(ctx context.Context) (struct{}, error) {
			tracing.EngineTarget(ctx, string(transportID), "")
			return struct{}{}, transport.Connect(ctx, dtls, ice)
		},
		nil,
	)
	if err != nil {
		r.logger.Errorw("failed to connect transport", "peer_id", peerID, "transport_id", transportID, "error", err)
		return err
	}

	r.reg.mu.Lock()
	current := !entry.gone && entry.transports[role] == transport
	r.reg.mu.Unlock()
	if !current {
		return domain.ErrTransportNotFound
	}

	r.logger.Infow("transport connected", "peer_id", peerID, "role", role, "transport_id", transportID)
	return nil
}

// ConnectAny resolves the role of transportID among the peer's transports
// and connects it.
func (r *TransportRegistry) ConnectAny(ctx context.Context, peerID domain.PeerID, transportID domain.TransportID, dtls domain.DtlsParameters, ice *domain.IceParameters) (domain.TransportRole, error) {
	r.reg.mu.Lock()
	role, found := domain.TransportRole(""), false
	if entry, ok := r.reg.peerLocked(peerID); ok {
		for rl, t := range entry.transports {
			if t.ID() == transportID {
				role, found = rl, true
				break
			}
		}
	}
	r.reg.mu.Unlock()
	if !found {
		return "", domain.ErrTransportNotFound
	}
	return role, r.Connect(ctx, peerID, role, transportID, dtls, ice)
}

// Remove closes the transport registered under role together with every
// producer or consumer created on it. Removing an absent transport is a no-op.
func (r *TransportRegistry) Remove(peerID domain.PeerID, role domain.TransportRole) {
	var d detached
	r.reg.mu.Lock()
	if entry, ok := r.reg.peerLocked(peerID); ok {
		if t, exists := entry.transports[role]; exists {
			r.reg.detachTransportLocked(&d, entry, t.ID())
		}
	}
	r.reg.mu.Unlock()

	r.reg.release(&d, r.viewers, r.logger)
}

// Transport returns the transport registered under role.
func (r *TransportRegistry) Transport(peerID domain.PeerID, role domain.TransportRole) (ports.Transport, bool) {
	r.reg.mu.Lock()
	defer r.reg.mu.Unlock()
	entry, ok := r.reg.peerLocked(peerID)
	if !ok {
		return nil, false
	}
	t, ok := entry.transports[role]
	return t, ok
}
