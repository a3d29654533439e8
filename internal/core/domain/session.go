package domain

import "time"

// ProducerInfo is the public view of a registered producer.
type ProducerInfo struct {
	ProducerID ProducerID `json:"producerId"`
	PeerID     PeerID     `json:"peerId"`
	Kind       MediaKind  `json:"kind"`
	Label      string     `json:"label"`
}

// ConsumerInfo is returned to a viewer for every consumer created on its behalf.
type ConsumerInfo struct {
	ProducerID    ProducerID    `json:"producerId"`
	ID            ConsumerID    `json:"id"`
	Kind          MediaKind     `json:"kind"`
	RtpParameters RtpParameters `json:"rtpParameters"`
	Label         string        `json:"label"`
	Paused        bool          `json:"paused"`
}

// BroadcastState is a point-in-time snapshot of the broadcast.
type BroadcastState struct {
	Broadcaster PeerID         `json:"broadcaster,omitempty"`
	ViewerCount int            `json:"viewer_count"`
	Producers   []ProducerInfo `json:"producers"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// SessionStats counts live registry entries.
type SessionStats struct {
	Peers      int
	Transports int
	Producers  int
	Consumers  int
	Viewers    int
}
