package domain

import "strings"

type RtcpFeedback struct {
	Type      string `json:"type"`
	Parameter string `json:"parameter,omitempty"`
}

type RtpCodecCapability struct {
	Kind                 MediaKind              `json:"kind" validate:"required"`
	MimeType             string                 `json:"mimeType" validate:"required"`
	PreferredPayloadType uint8                  `json:"preferredPayloadType,omitempty"`
	ClockRate            uint32                 `json:"clockRate" validate:"required"`
	Channels             uint16                 `json:"channels,omitempty"`
	Parameters           map[string]interface{} `json:"parameters,omitempty"`
	RtcpFeedback         []RtcpFeedback         `json:"rtcpFeedback,omitempty"`
}

type RtpHeaderExtension struct {
	Kind        MediaKind `json:"kind,omitempty"`
	URI         string    `json:"uri"`
	PreferredID int       `json:"preferredId"`
	Direction   string    `json:"direction,omitempty"`
}

type RtpCapabilities struct {
	Codecs           []RtpCodecCapability `json:"codecs" validate:"dive"`
	HeaderExtensions []RtpHeaderExtension `json:"headerExtensions,omitempty"`
}

// Supports reports whether codec can be delivered to a peer holding these
// capabilities. Mime type comparison is case-insensitive; audio also has to
// agree on the channel count.
func (c RtpCapabilities) Supports(codec RtpCodecParameters) bool {
	_, ok := c.Match(codec)
	return ok
}

// Match returns the first capability entry compatible with codec.
func (c RtpCapabilities) Match(codec RtpCodecParameters) (RtpCodecCapability, bool) {
	for _, capability := range c.Codecs {
		if !strings.EqualFold(capability.MimeType, codec.MimeType) {
			continue
		}
		if capability.ClockRate != codec.ClockRate {
			continue
		}
		if capability.Kind == MediaKindAudio && normalizeChannels(capability.Channels) != normalizeChannels(codec.Channels) {
			continue
		}
		return capability, true
	}
	return RtpCodecCapability{}, false
}

func normalizeChannels(ch uint16) uint16 {
	if ch == 0 {
		return 1
	}
	return ch
}

// KindOf derives the media kind from a mime type such as "video/VP8".
func KindOf(mimeType string) MediaKind {
	if i := strings.IndexByte(mimeType, '/'); i > 0 {
		return MediaKind(strings.ToLower(mimeType[:i]))
	}
	return ""
}

type RtpCodecParameters struct {
	MimeType     string                 `json:"mimeType" validate:"required"`
	PayloadType  uint8                  `json:"payloadType"`
	ClockRate    uint32                 `json:"clockRate" validate:"required"`
	Channels     uint16                 `json:"channels,omitempty"`
	Parameters   map[string]interface{} `json:"parameters,omitempty"`
	RtcpFeedback []RtcpFeedback         `json:"rtcpFeedback,omitempty"`
}

type RtpEncodingParameters struct {
	SSRC uint32 `json:"ssrc,omitempty"`
	RID  string `json:"rid,omitempty"`
}

type RtcpParameters struct {
	CNAME       string `json:"cname,omitempty"`
	ReducedSize bool   `json:"reducedSize,omitempty"`
}

type RtpParameters struct {
	MID              string                  `json:"mid,omitempty"`
	Codecs           []RtpCodecParameters    `json:"codecs" validate:"required,min=1,dive"`
	HeaderExtensions []RtpHeaderExtension    `json:"headerExtensions,omitempty"`
	Encodings        []RtpEncodingParameters `json:"encodings,omitempty"`
	Rtcp             RtcpParameters          `json:"rtcp,omitempty"`
}

type DtlsFingerprint struct {
	Algorithm string `json:"algorithm" validate:"required"`
	Value     string `json:"value" validate:"required"`
}

type DtlsParameters struct {
	Role         string            `json:"role,omitempty" validate:"omitempty,oneof=auto client server"`
	Fingerprints []DtlsFingerprint `json:"fingerprints" validate:"required,min=1,dive"`
}

type IceParameters struct {
	UsernameFragment string `json:"usernameFragment" validate:"required"`
	Password         string `json:"password" validate:"required"`
	IceLite          bool   `json:"iceLite,omitempty"`
}

type IceCandidate struct {
	Foundation string `json:"foundation"`
	Priority   uint32 `json:"priority"`
	IP         string `json:"ip"`
	Protocol   string `json:"protocol"`
	Port       uint16 `json:"port"`
	Type       string `json:"type"`
	TCPType    string `json:"tcpType,omitempty"`
}

// TransportParams is what a peer needs to connect to a freshly created transport.
type TransportParams struct {
	ID             TransportID    `json:"id"`
	IceParameters  IceParameters  `json:"iceParameters"`
	IceCandidates  []IceCandidate `json:"iceCandidates"`
	DtlsParameters DtlsParameters `json:"dtlsParameters"`
}
