package webrtc

import (
	"strings"

	"github.com/pion/rtp"
)

// keyframeDetector reports whether an RTP packet starts a keyframe.
type keyframeDetector func(payload []byte) bool

// detectorFor returns nil for codecs whose packets can be forwarded from
// any point in the stream.
func detectorFor(mimeType string) keyframeDetector {
	switch strings.ToLower(mimeType) {
	case "video/vp8":
		return isVP8Keyframe
	case "video/h264":
		return isH264Keyframe
	default:
		return nil
	}
}

func isKeyframe(detect keyframeDetector, packet *rtp.Packet) bool {
	if detect == nil {
		return true
	}
	return detect(packet.Payload)
}

// isVP8Keyframe parses the VP8 payload descriptor (RFC 7741 section 4.2)
// and checks the inverse key frame flag of the first partition.
func isVP8Keyframe(payload []byte) bool {
	if len(payload) < 1 {
		return false
	}
	start := payload[0]&0x10 != 0
	partition := payload[0] & 0x07
	if !start || partition != 0 {
		return false
	}

	i := 1
	if payload[0]&0x80 != 0 {
		if len(payload) <= i {
			return false
		}
		ext := payload[i]
		i++
		if ext&0x80 != 0 { // picture id
			if len(payload) <= i {
				return false
			}
			if payload[i]&0x80 != 0 {
				i += 2
			} else {
				i++
			}
		}
		if ext&0x40 != 0 { // tl0picidx
			i++
		}
		if ext&0x30 != 0 { // tid / keyidx
			i++
		}
	}
	if len(payload) <= i {
		return false
	}
	return payload[i]&0x01 == 0
}

const (
	h264NALIDR  = 5
	h264NALSPS  = 7
	h264NALSTAP = 24
	h264NALFU   = 28
)

// isH264Keyframe looks for an IDR slice or SPS in single, STAP-A and FU-A
// packets (RFC 6184).
func isH264Keyframe(payload []byte) bool {
	if len(payload) < 1 {
		return false
	}
	switch nal := payload[0] & 0x1F; nal {
	case h264NALIDR, h264NALSPS:
		return true
	case h264NALSTAP:
		for i := 1; i+2 < len(payload); {
			size := int(payload[i])<<8 | int(payload[i+1])
			i += 2
			if i >= len(payload) {
				return false
			}
			if t := payload[i] & 0x1F; t == h264NALIDR || t == h264NALSPS {
				return true
			}
			i += size
		}
		return false
	case h264NALFU:
		if len(payload) < 2 {
			return false
		}
		header := payload[1]
		return header&0x80 != 0 && header&0x1F == h264NALIDR
	default:
		return false
	}
}
