package webrtc

import (
	"testing"

	"castwave/internal/core/domain"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func defaultCodecs() []Codec {
	return []Codec{
		{
			Kind:        domain.MediaKindAudio,
			MimeType:    "audio/opus",
			PayloadType: 96,
			ClockRate:   48000,
			Channels:    2,
			RtcpFeedback: []domain.RtcpFeedback{
				{Type: "nack"},
				{Type: "nack", Parameter: "pli"},
			},
		},
		{
			Kind:        domain.MediaKindVideo,
			MimeType:    "video/VP8",
			PayloadType: 97,
			ClockRate:   90000,
			Parameters:  map[string]string{"x-google-start-bitrate": "1000"},
			RtcpFeedback: []domain.RtcpFeedback{
				{Type: "nack"},
				{Type: "ccm", Parameter: "fir"},
				{Type: "goog-remb"},
			},
		},
	}
}

func TestBuildRouterCodecs(t *testing.T) {
	codecs, err := buildRouterCodecs(defaultCodecs())
	require.NoError(t, err)
	require.Len(t, codecs, 2)

	opus := codecs[0]
	assert.Equal(t, webrtc.RTPCodecTypeAudio, opus.codecType)
	assert.Equal(t, webrtc.PayloadType(96), opus.params.PayloadType)
	assert.Len(t, opus.params.RTCPFeedback, 2)

	vp8 := codecs[1]
	assert.Equal(t, webrtc.RTPCodecTypeVideo, vp8.codecType)
	assert.Equal(t, "x-google-start-bitrate=1000", vp8.params.SDPFmtpLine)
	assert.Equal(t, 1000, vp8.capability.Parameters["x-google-start-bitrate"])
	assert.Equal(t, uint8(97), vp8.capability.PreferredPayloadType)
}

func TestBuildRouterCodecs_Invalid(t *testing.T) {
	_, err := buildRouterCodecs(nil)
	assert.Error(t, err)

	mismatch := defaultCodecs()
	mismatch[0].MimeType = "video/opus"
	_, err = buildRouterCodecs(mismatch)
	assert.Error(t, err)

	duplicate := defaultCodecs()
	duplicate[1].PayloadType = 96
	_, err = buildRouterCodecs(duplicate)
	assert.Error(t, err)

	badKind := defaultCodecs()
	badKind[0].Kind = "data"
	_, err = buildRouterCodecs(badKind)
	assert.ErrorIs(t, err, domain.ErrInvalidMediaKind)
}

func TestFmtpLine_SortedKeys(t *testing.T) {
	line := fmtpLine(map[string]string{
		"profile-level-id":   "42e01f",
		"packetization-mode": "1",
	})
	assert.Equal(t, "packetization-mode=1;profile-level-id=42e01f", line)
	assert.Empty(t, fmtpLine(nil))
}

func TestMatchRouterCodec(t *testing.T) {
	codecs, err := buildRouterCodecs(defaultCodecs())
	require.NoError(t, err)

	params := domain.RtpParameters{
		Codecs: []domain.RtpCodecParameters{
			{MimeType: "video/rtx", PayloadType: 97, ClockRate: 90000},
			{MimeType: "video/vp8", PayloadType: 120, ClockRate: 90000},
		},
	}
	codec, pt, err := matchRouterCodec(codecs, domain.MediaKindVideo, params)
	require.NoError(t, err)
	assert.Equal(t, "video/VP8", codec.params.MimeType)
	assert.Equal(t, webrtc.PayloadType(120), pt)

	_, _, err = matchRouterCodec(codecs, domain.MediaKindAudio, params)
	assert.Error(t, err, "kind must match the codec")

	h264 := domain.RtpParameters{Codecs: []domain.RtpCodecParameters{{MimeType: "video/H264", ClockRate: 90000}}}
	_, _, err = matchRouterCodec(codecs, domain.MediaKindVideo, h264)
	assert.Error(t, err)

	_, _, err = matchRouterCodec(codecs, domain.MediaKindVideo, domain.RtpParameters{})
	assert.Error(t, err)
}

func TestPrimarySSRC(t *testing.T) {
	ssrc, err := primarySSRC(domain.RtpParameters{Encodings: []domain.RtpEncodingParameters{{RID: "h"}, {SSRC: 1234}}})
	require.NoError(t, err)
	assert.Equal(t, uint32(1234), ssrc)

	_, err = primarySSRC(domain.RtpParameters{})
	assert.Error(t, err)
}

func TestConsumerParameters(t *testing.T) {
	codecs, err := buildRouterCodecs(defaultCodecs())
	require.NoError(t, err)

	params := consumerParameters(codecs[0], 42, "viewer-1")
	require.Len(t, params.Codecs, 1)
	assert.Equal(t, "audio/opus", params.Codecs[0].MimeType)
	assert.Equal(t, uint8(96), params.Codecs[0].PayloadType)
	assert.Equal(t, uint16(2), params.Codecs[0].Channels)
	assert.Equal(t, uint32(42), params.Encodings[0].SSRC)
	assert.Equal(t, "viewer-1", params.Rtcp.CNAME)
}

func TestDtlsParametersRoundTrip(t *testing.T) {
	in := domain.DtlsParameters{
		Role:         "client",
		Fingerprints: []domain.DtlsFingerprint{{Algorithm: "sha-256", Value: "AB:CD"}},
	}
	pion := toPionDtlsParameters(in)
	assert.Equal(t, webrtc.DTLSRoleClient, pion.Role)
	assert.Equal(t, in, toDomainDtlsParameters(pion))

	assert.Equal(t, webrtc.DTLSRoleAuto, toPionDtlsParameters(domain.DtlsParameters{}).Role)
}

func TestToPionIceServers(t *testing.T) {
	servers := toPionIceServers([]ICEServer{
		{URLs: []string{"stun:stun.l.google.com:19302"}},
		{URLs: []string{"turn:turn.example.com"}, Username: "u", Credential: "p"},
	})
	require.Len(t, servers, 2)
	assert.Empty(t, servers[0].Username)
	assert.Equal(t, "u", servers[1].Username)
	assert.Equal(t, webrtc.ICECredentialTypePassword, servers[1].CredentialType)
}
