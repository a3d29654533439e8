package webrtc

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"castwave/internal/core/domain"

	"github.com/pion/webrtc/v3"
)

// Codec is one router codec as configured.
type Codec struct {
	Kind         domain.MediaKind
	MimeType     string
	PayloadType  uint8
	ClockRate    uint32
	Channels     uint16
	Parameters   map[string]string
	RtcpFeedback []domain.RtcpFeedback
}

// routerCodec keeps the pion and the signaling view of the same codec.
type routerCodec struct {
	params     webrtc.RTPCodecParameters
	codecType  webrtc.RTPCodecType
	capability domain.RtpCodecCapability
}

func buildRouterCodecs(codecs []Codec) ([]routerCodec, error) {
	if len(codecs) == 0 {
		return nil, fmt.Errorf("router needs at least one codec")
	}

	seen := make(map[uint8]string, len(codecs))
	out := make([]routerCodec, 0, len(codecs))
	for _, c := range codecs {
		if !c.Kind.Valid() {
			return nil, fmt.Errorf("codec %s: %w", c.MimeType, domain.ErrInvalidMediaKind)
		}
		if domain.KindOf(c.MimeType) != c.Kind {
			return nil, fmt.Errorf("codec %s does not match kind %s", c.MimeType, c.Kind)
		}
		if prev, dup := seen[c.PayloadType]; dup {
			return nil, fmt.Errorf("payload type %d used by %s and %s", c.PayloadType, prev, c.MimeType)
		}
		seen[c.PayloadType] = c.MimeType

		feedback := make([]webrtc.RTCPFeedback, 0, len(c.RtcpFeedback))
		for _, fb := range c.RtcpFeedback {
			feedback = append(feedback, webrtc.RTCPFeedback{Type: fb.Type, Parameter: fb.Parameter})
		}

		codecType := webrtc.RTPCodecTypeAudio
		if c.Kind == domain.MediaKindVideo {
			codecType = webrtc.RTPCodecTypeVideo
		}

		params := make(map[string]interface{}, len(c.Parameters))
		for k, v := range c.Parameters {
			params[k] = fmtpValue(v)
		}

		out = append(out, routerCodec{
			params: webrtc.RTPCodecParameters{
				RTPCodecCapability: webrtc.RTPCodecCapability{
					MimeType:     c.MimeType,
					ClockRate:    c.ClockRate,
					Channels:     c.Channels,
					SDPFmtpLine:  fmtpLine(c.Parameters),
					RTCPFeedback: feedback,
				},
				PayloadType: webrtc.PayloadType(c.PayloadType),
			},
			codecType: codecType,
			capability: domain.RtpCodecCapability{
				Kind:                 c.Kind,
				MimeType:             c.MimeType,
				PreferredPayloadType: c.PayloadType,
				ClockRate:            c.ClockRate,
				Channels:             c.Channels,
				Parameters:           params,
				RtcpFeedback:         c.RtcpFeedback,
			},
		})
	}
	return out, nil
}

// fmtpLine renders codec parameters in a stable key order.
func fmtpLine(parameters map[string]string) string {
	if len(parameters) == 0 {
		return ""
	}
	keys := make([]string, 0, len(parameters))
	for k := range parameters {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+parameters[k])
	}
	return strings.Join(parts, ";")
}

// fmtpValue exposes numeric fmtp values as numbers, the way browsers
// report them in their own capabilities.
func fmtpValue(v string) interface{} {
	if n, err := strconv.Atoi(v); err == nil {
		return n
	}
	return v
}

func routerCapabilities(codecs []routerCodec) domain.RtpCapabilities {
	caps := domain.RtpCapabilities{Codecs: make([]domain.RtpCodecCapability, 0, len(codecs))}
	for _, c := range codecs {
		caps.Codecs = append(caps.Codecs, c.capability)
	}
	return caps
}

// matchRouterCodec finds the router codec a producer's rtp parameters use
// and the payload type the producer sends it with. The first codec that is
// not a retransmission codec decides.
func matchRouterCodec(codecs []routerCodec, kind domain.MediaKind, params domain.RtpParameters) (routerCodec, webrtc.PayloadType, error) {
	for _, pc := range params.Codecs {
		if isRTX(pc.MimeType) {
			continue
		}
		if domain.KindOf(pc.MimeType) != kind {
			return routerCodec{}, 0, fmt.Errorf("codec %s does not match kind %s", pc.MimeType, kind)
		}
		for _, rc := range codecs {
			if (domain.RtpCapabilities{Codecs: []domain.RtpCodecCapability{rc.capability}}).Supports(pc) {
				return rc, webrtc.PayloadType(pc.PayloadType), nil
			}
		}
		return routerCodec{}, 0, fmt.Errorf("codec %s/%d is not supported by the router", pc.MimeType, pc.ClockRate)
	}
	return routerCodec{}, 0, fmt.Errorf("rtp parameters carry no media codec")
}

func isRTX(mimeType string) bool {
	return strings.EqualFold(mimeType[strings.IndexByte(mimeType, '/')+1:], "rtx")
}

// primarySSRC returns the ssrc of the first encoding.
func primarySSRC(params domain.RtpParameters) (uint32, error) {
	for _, enc := range params.Encodings {
		if enc.SSRC != 0 {
			return enc.SSRC, nil
		}
	}
	return 0, fmt.Errorf("rtp parameters carry no ssrc")
}

// consumerParameters describes what a viewer will receive from a sender
// bound to codec.
func consumerParameters(codec routerCodec, ssrc uint32, cname string) domain.RtpParameters {
	c := codec.capability
	return domain.RtpParameters{
		Codecs: []domain.RtpCodecParameters{{
			MimeType:     c.MimeType,
			PayloadType:  c.PreferredPayloadType,
			ClockRate:    c.ClockRate,
			Channels:     c.Channels,
			Parameters:   c.Parameters,
			RtcpFeedback: c.RtcpFeedback,
		}},
		Encodings: []domain.RtpEncodingParameters{{SSRC: ssrc}},
		Rtcp:      domain.RtcpParameters{CNAME: cname, ReducedSize: true},
	}
}

func toDomainIceParameters(p webrtc.ICEParameters) domain.IceParameters {
	return domain.IceParameters{
		UsernameFragment: p.UsernameFragment,
		Password:         p.Password,
		IceLite:          p.ICELite,
	}
}

func toDomainIceCandidates(candidates []webrtc.ICECandidate) []domain.IceCandidate {
	out := make([]domain.IceCandidate, 0, len(candidates))
	for _, c := range candidates {
		out = append(out, domain.IceCandidate{
			Foundation: c.Foundation,
			Priority:   c.Priority,
			IP:         c.Address,
			Protocol:   c.Protocol.String(),
			Port:       c.Port,
			Type:       c.Typ.String(),
			TCPType:    c.TCPType,
		})
	}
	return out
}

func toDomainDtlsParameters(p webrtc.DTLSParameters) domain.DtlsParameters {
	out := domain.DtlsParameters{Role: "auto"}
	switch p.Role {
	case webrtc.DTLSRoleClient:
		out.Role = "client"
	case webrtc.DTLSRoleServer:
		out.Role = "server"
	}
	for _, fp := range p.Fingerprints {
		out.Fingerprints = append(out.Fingerprints, domain.DtlsFingerprint{Algorithm: fp.Algorithm, Value: fp.Value})
	}
	return out
}

func toPionDtlsParameters(p domain.DtlsParameters) webrtc.DTLSParameters {
	out := webrtc.DTLSParameters{Role: webrtc.DTLSRoleAuto}
	switch p.Role {
	case "client":
		out.Role = webrtc.DTLSRoleClient
	case "server":
		out.Role = webrtc.DTLSRoleServer
	}
	for _, fp := range p.Fingerprints {
		out.Fingerprints = append(out.Fingerprints, webrtc.DTLSFingerprint{Algorithm: fp.Algorithm, Value: fp.Value})
	}
	return out
}

func toPionIceServers(servers []ICEServer) []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, 0, len(servers))
	for _, s := range servers {
		server := webrtc.ICEServer{URLs: s.URLs}
		if s.Username != "" {
			server.Username = s.Username
			server.Credential = s.Credential
			server.CredentialType = webrtc.ICECredentialTypePassword
		}
		out = append(out, server)
	}
	return out
}
