package signal

import (
	"encoding/json"

	"roomcast/internal/core/domain"
)

// Envelope is the wire format for every signaling message, inbound and
// outbound: a type tag plus a type-specific data object.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Inbound message types.
const (
	MsgJoinRoom              = "join-room"
	MsgLeaveRoom             = "leave-room"
	MsgGetRouterCapabilities = "get-router-capabilities"
	MsgCreateTransport       = "create-transport"
	MsgConnectTransport      = "connect-transport"
	MsgProduce               = "produce"
	MsgConsume               = "consume"
	MsgResumeConsumer        = "resume-consumer"
	MsgCloseProducer         = "close-producer"
)

// Outbound message types.
const (
	MsgJoinedRoom         = "joined-room"
	MsgLeftRoom           = "left-room"
	MsgRouterCapabilities = "router-capabilities"
	MsgTransportCreated   = "transport-created"
	MsgTransportConnected = "transport-connected"
	MsgProducerCreated    = "producer-created"
	MsgConsumerCreated    = "consumer-created"
	MsgConsumerResumed    = "consumer-resumed"
	MsgProducerClosed     = "producer-closed"
	MsgNewPeer            = "new-peer"
	MsgPeerLeft           = "peer-left"
	MsgNewProducer        = "new-producer"
	MsgError              = "error"
)

type JoinRoomData struct {
	RoomID domain.RoomID `json:"roomId"`
}

type ConnectTransportData struct {
	TransportID    domain.TransportID    `json:"transportId"`
	DTLSParameters domain.DTLSParameters `json:"dtlsParameters"`
}

type ProduceData struct {
	TransportID   domain.TransportID   `json:"transportId"`
	Kind          domain.MediaKind     `json:"kind"`
	RTPParameters domain.RTPParameters `json:"rtpParameters"`
}

type ConsumeData struct {
	ProducerID      domain.ProducerID      `json:"producerId"`
	RTPCapabilities domain.RTPCapabilities `json:"rtpCapabilities"`
}

type ResumeConsumerData struct {
	ConsumerID domain.ConsumerID `json:"consumerId"`
}

type CloseProducerData struct {
	ProducerID domain.ProducerID `json:"producerId"`
}

type JoinedRoomData struct {
	RoomID domain.RoomID `json:"roomId"`
	PeerID domain.PeerID `json:"peerId"`
}

type LeftRoomData struct {
	RoomID domain.RoomID `json:"roomId"`
}

type RouterCapabilitiesData struct {
	RTPCapabilities domain.RTPCapabilities `json:"rtpCapabilities"`
}

type TransportConnectedData struct {
	TransportID domain.TransportID `json:"transportId"`
}

type ProducerCreatedData struct {
	ProducerID domain.ProducerID `json:"producerId"`
}

type ConsumerCreatedData struct {
	ConsumerID    domain.ConsumerID    `json:"consumerId"`
	ProducerID    domain.ProducerID    `json:"producerId"`
	Kind          domain.MediaKind     `json:"kind"`
	RTPParameters domain.RTPParameters `json:"rtpParameters"`
}

type ConsumerResumedData struct {
	ConsumerID domain.ConsumerID `json:"consumerId"`
}

type NewPeerData struct {
	PeerID domain.PeerID `json:"peerId"`
}

type PeerLeftData struct {
	PeerID domain.PeerID `json:"peerId"`
}

type NewProducerData struct {
	ProducerID domain.ProducerID `json:"producerId"`
	PeerID     domain.PeerID     `json:"peerId"`
	Kind       domain.MediaKind  `json:"kind"`
}

type ProducerClosedData struct {
	ProducerID domain.ProducerID `json:"producerId"`
	PeerID     domain.PeerID     `json:"peerId,omitempty"`
}

type ErrorData struct {
	Error string `json:"error"`
}

// NewEnvelope marshals data into an envelope. Marshal failures cannot
// happen for the payload types above, so they are swallowed.
func NewEnvelope(msgType string, data interface{}) Envelope {
	raw, _ := json.Marshal(data)
	return Envelope{Type: msgType, Data: raw}
}
