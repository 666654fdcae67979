package domain

import (
	"strings"

	"github.com/pion/webrtc/v3"
)

// ICEParameters carries the local ICE credentials handed to the remote side.
type ICEParameters struct {
	UsernameFragment string `json:"usernameFragment"`
	Password         string `json:"password"`
	ICELite          bool   `json:"iceLite"`
}

// ICECandidate describes one listening candidate of a transport.
type ICECandidate struct {
	Foundation string `json:"foundation"`
	Priority   uint32 `json:"priority"`
	IP         string `json:"ip"`
	Protocol   string `json:"protocol"`
	Port       uint16 `json:"port"`
	Type       string `json:"type"`
}

// DTLSParameters carries the DTLS role and certificate fingerprints of one
// side of a transport.
type DTLSParameters struct {
	Role         string                   `json:"role,omitempty"` // auto | client | server
	Fingerprints []webrtc.DTLSFingerprint `json:"fingerprints"`
}

// RTPCapabilities is the codec set a router (or a remote endpoint) supports.
type RTPCapabilities struct {
	Codecs []webrtc.RTPCodecCapability `json:"codecs"`
}

// RTPParameters describes how one stream is encoded on the wire.
type RTPParameters struct {
	Codecs    []webrtc.RTPCodecCapability `json:"codecs"`
	Encodings []RTPEncodingParameters     `json:"encodings,omitempty"`
}

// RTPEncodingParameters is one encoding layer of a stream.
type RTPEncodingParameters struct {
	MaxBitrate            int `json:"maxBitrate,omitempty"`
	ScaleResolutionDownBy int `json:"scaleResolutionDownBy,omitempty"`
	MaxFramerate          int `json:"maxFramerate,omitempty"`
}

// CanConsume reports whether a remote endpoint with the given capabilities
// can receive a stream encoded with params. Every codec of the stream must
// be matched by a remote codec with the same mime type and clock rate.
func (c RTPCapabilities) CanConsume(params RTPParameters) bool {
	if len(params.Codecs) == 0 {
		return false
	}
	for _, pc := range params.Codecs {
		if !c.supports(pc) {
			return false
		}
	}
	return true
}

func (c RTPCapabilities) supports(codec webrtc.RTPCodecCapability) bool {
	for _, cc := range c.Codecs {
		if strings.EqualFold(cc.MimeType, codec.MimeType) && cc.ClockRate == codec.ClockRate {
			return true
		}
	}
	return false
}
