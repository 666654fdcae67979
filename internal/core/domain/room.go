package domain

import (
	"time"
)

type RoomID string
type PeerID string
type TransportID string
type ProducerID string
type ConsumerID string

// MediaKind is the kind of media carried by a producer or consumer.
type MediaKind string

const (
	MediaKindAudio MediaKind = "audio"
	MediaKindVideo MediaKind = "video"
)

func (k MediaKind) Valid() bool {
	return k == MediaKindAudio || k == MediaKindVideo
}

// RoomInfo is a read-only snapshot of one room's registries.
type RoomInfo struct {
	ID         RoomID    `json:"id"`
	Peers      int       `json:"peers"`
	Transports int       `json:"transports"`
	Producers  int       `json:"producers"`
	Consumers  int       `json:"consumers"`
	CreatedAt  time.Time `json:"created_at"`
}

// TransportOptions is what a newly created transport hands back to the
// remote side so it can complete ICE/DTLS negotiation.
type TransportOptions struct {
	ID             TransportID    `json:"id"`
	ICEParameters  ICEParameters  `json:"iceParameters"`
	ICECandidates  []ICECandidate `json:"iceCandidates"`
	DTLSParameters DTLSParameters `json:"dtlsParameters"`
}

// ConsumerInfo is returned from a successful consume request. The consumer
// starts paused and delivers nothing until an explicit resume.
type ConsumerInfo struct {
	ID            ConsumerID    `json:"consumerId"`
	ProducerID    ProducerID    `json:"producerId"`
	Kind          MediaKind     `json:"kind"`
	RTPParameters RTPParameters `json:"rtpParameters"`
}
