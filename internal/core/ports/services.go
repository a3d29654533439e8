package ports

import (
	"context"

	"castwave/internal/core/domain"
)

type SessionService interface {
	Join(peerID domain.PeerID) error
	Disconnect(peerID domain.PeerID)

	SetBroadcaster(peerID domain.PeerID) error
	Broadcaster() (domain.PeerID, bool)

	RouterRtpCapabilities() (domain.RtpCapabilities, error)

	CreateTransport(ctx context.Context, peerID domain.PeerID, role domain.TransportRole) (domain.TransportParams, error)
	ConnectTransport(ctx context.Context, peerID domain.PeerID, role domain.TransportRole, transportID domain.TransportID, dtls domain.DtlsParameters, ice *domain.IceParameters) error
	ConnectAnyTransport(ctx context.Context, peerID domain.PeerID, transportID domain.TransportID, dtls domain.DtlsParameters, ice *domain.IceParameters) (domain.TransportRole, error)

	Produce(ctx context.Context, peerID domain.PeerID, transportID domain.TransportID, kind domain.MediaKind, label string, params domain.RtpParameters) (domain.ProducerID, error)
	CloseProducer(peerID domain.PeerID, producerID domain.ProducerID) error
	GetProducers(peerID domain.PeerID) []domain.ProducerInfo

	Consume(ctx context.Context, viewerID domain.PeerID, transportID domain.TransportID, caps domain.RtpCapabilities) ([]domain.ConsumerInfo, error)
	ConsumeOne(ctx context.Context, viewerID domain.PeerID, transportID domain.TransportID, producerID domain.ProducerID, caps domain.RtpCapabilities) (domain.ConsumerInfo, error)
	ResumeConsumers(ctx context.Context, viewerID domain.PeerID, producerIDs []domain.ProducerID) error

	ViewerCount() int
	Snapshot() domain.BroadcastState
	Stats() domain.SessionStats

	OnViewerCount(fn func(count int))
	OnBroadcasterChange(fn func(previous, current domain.PeerID))
	OnConsumerClosed(fn func(viewerID domain.PeerID, producerID domain.ProducerID))
}
