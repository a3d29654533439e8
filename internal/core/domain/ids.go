package domain

type PeerID string
type TransportID string
type ProducerID string
type ConsumerID string

// DefaultLabel is used for producers that were created without a label.
const DefaultLabel = "default"

type MediaKind string

const (
	MediaKindAudio MediaKind = "audio"
	MediaKindVideo MediaKind = "video"
)

func (k MediaKind) Valid() bool {
	return k == MediaKindAudio || k == MediaKindVideo
}

// ParseMediaKind accepts exactly "audio" or "video".
func ParseMediaKind(s string) (MediaKind, error) {
	kind := MediaKind(s)
	if !kind.Valid() {
		return "", ErrInvalidMediaKind
	}
	return kind, nil
}

type TransportRole string

const (
	RoleProducing TransportRole = "producing"
	RoleConsuming TransportRole = "consuming"
)

// RoleFromSender maps the signaling "sender" flag onto a transport role.
func RoleFromSender(sender bool) TransportRole {
	if sender {
		return RoleProducing
	}
	return RoleConsuming
}

// CloseReason tells observers why an engine object went away.
type CloseReason string

const (
	CloseReasonLocal           CloseReason = "local"
	CloseReasonTransportClosed CloseReason = "transport_closed"
	CloseReasonProducerClosed  CloseReason = "producer_closed"
	CloseReasonDTLSClosed      CloseReason = "dtls_closed"
	CloseReasonConnectFailed   CloseReason = "connect_failed"
)
