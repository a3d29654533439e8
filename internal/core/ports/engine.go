package ports

import (
	"context"

	"castwave/internal/core/domain"
)

// MediaEngine is the media plane the session layer drives. Implementations
// own transports, producers and consumers; the session layer only keeps
// handles to them.
type MediaEngine interface {
	Ready() bool
	// Died is closed when the engine failed in a way it cannot recover from.
	Died() <-chan struct{}
	RtpCapabilities() domain.RtpCapabilities
	CanConsume(producerID domain.ProducerID, caps domain.RtpCapabilities) bool
	CreateTransport(ctx context.Context, opts TransportOptions) (Transport, error)
	Close() error
}

type TransportOptions struct {
	PeerID domain.PeerID
	Role   domain.TransportRole
}

// Transport is a single ICE/DTLS channel. OnClose callbacks run exactly once;
// registering on an already closed transport runs the callback immediately.
type Transport interface {
	ID() domain.TransportID
	Params() domain.TransportParams
	Connect(ctx context.Context, dtls domain.DtlsParameters, ice *domain.IceParameters) error
	Produce(ctx context.Context, kind domain.MediaKind, params domain.RtpParameters) (Producer, error)
	Consume(ctx context.Context, producerID domain.ProducerID, caps domain.RtpCapabilities, paused bool) (Consumer, error)
	Close() error
	OnClose(fn func(reason domain.CloseReason))
}

type Producer interface {
	ID() domain.ProducerID
	Kind() domain.MediaKind
	RtpParameters() domain.RtpParameters
	Close() error
	OnClose(fn func(reason domain.CloseReason))
}

type Consumer interface {
	ID() domain.ConsumerID
	ProducerID() domain.ProducerID
	Kind() domain.MediaKind
	RtpParameters() domain.RtpParameters
	Paused() bool
	// Closed reports whether the engine has closed the consumer, even if
	// its close callbacks have not been handled yet.
	Closed() bool
	Resume(ctx context.Context) error
	Close() error
	OnClose(fn func(reason domain.CloseReason))
}
