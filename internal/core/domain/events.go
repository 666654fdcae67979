package domain

import (
	"encoding/json"
	"time"
)

// EventType identifies a structured lifecycle event emitted by the core.
type EventType string

const (
	EventRoomCreated     EventType = "room.created"
	EventRoomRemoved     EventType = "room.removed"
	EventPeerJoined      EventType = "peer.joined"
	EventPeerLeft        EventType = "peer.left"
	EventProducerCreated EventType = "producer.created"
	EventProducerClosed  EventType = "producer.closed"
	EventConsumerCreated EventType = "consumer.created"
	EventConsumerClosed  EventType = "consumer.closed"
	EventQualityChanged  EventType = "quality.changed"
)

// Event is a structured lifecycle event for external collectors.
type Event struct {
	Type       EventType       `json:"type"`
	InstanceID string          `json:"instance_id,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
	RoomID     RoomID          `json:"room_id,omitempty"`
	PeerID     PeerID          `json:"peer_id,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}
