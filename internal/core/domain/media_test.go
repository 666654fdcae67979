package domain

import (
	"testing"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
)

func TestRTPCapabilities_CanConsume(t *testing.T) {
	caps := RTPCapabilities{
		Codecs: []webrtc.RTPCodecCapability{
			{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
			{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000},
		},
	}

	vp8 := RTPParameters{
		Codecs: []webrtc.RTPCodecCapability{{MimeType: "video/VP8", ClockRate: 90000}},
	}
	assert.True(t, caps.CanConsume(vp8), "mime match is case-insensitive")

	h264 := RTPParameters{
		Codecs: []webrtc.RTPCodecCapability{{MimeType: webrtc.MimeTypeH264, ClockRate: 90000}},
	}
	assert.False(t, caps.CanConsume(h264))

	wrongClock := RTPParameters{
		Codecs: []webrtc.RTPCodecCapability{{MimeType: webrtc.MimeTypeVP8, ClockRate: 48000}},
	}
	assert.False(t, caps.CanConsume(wrongClock))

	mixed := RTPParameters{
		Codecs: []webrtc.RTPCodecCapability{
			{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000},
			{MimeType: webrtc.MimeTypeH264, ClockRate: 90000},
		},
	}
	assert.False(t, caps.CanConsume(mixed), "every stream codec must be supported")

	assert.False(t, caps.CanConsume(RTPParameters{}), "a stream with no codecs is unconsumable")
}

func TestMediaKindValid(t *testing.T) {
	assert.True(t, MediaKindAudio.Valid())
	assert.True(t, MediaKindVideo.Valid())
	assert.False(t, MediaKind("screenshare").Valid())
	assert.False(t, MediaKind("").Valid())
}
