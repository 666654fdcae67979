package ports

import (
	"context"

	"roomcast/internal/core/domain"
)

// RoomService is the application-state object owning every room and its
// transport/producer/consumer registries. All mutating operations on the
// same room are serialized by the implementation.
type RoomService interface {
	// JoinRoom creates the room if it does not exist yet and registers the
	// peer in it. Room creation is idempotent.
	JoinRoom(ctx context.Context, roomID domain.RoomID, peerID domain.PeerID) error

	// LeaveRoom cascade-closes every transport (and therefore every
	// producer and consumer) the peer owns, then removes the peer. It
	// returns the ids of the peer's producers that were closed so the
	// caller can notify remote consumers.
	LeaveRoom(ctx context.Context, roomID domain.RoomID, peerID domain.PeerID) ([]domain.ProducerID, error)

	RouterCapabilities(ctx context.Context, roomID domain.RoomID) (domain.RTPCapabilities, error)

	CreateTransport(ctx context.Context, roomID domain.RoomID, peerID domain.PeerID) (*domain.TransportOptions, error)
	ConnectTransport(ctx context.Context, roomID domain.RoomID, peerID domain.PeerID, transportID domain.TransportID, dtls domain.DTLSParameters) error

	Produce(ctx context.Context, roomID domain.RoomID, peerID domain.PeerID, transportID domain.TransportID, kind domain.MediaKind, rtp domain.RTPParameters) (domain.ProducerID, error)
	Consume(ctx context.Context, roomID domain.RoomID, peerID domain.PeerID, producerID domain.ProducerID, caps domain.RTPCapabilities) (*domain.ConsumerInfo, error)

	ResumeConsumer(ctx context.Context, roomID domain.RoomID, peerID domain.PeerID, consumerID domain.ConsumerID) error
	CloseProducer(ctx context.Context, roomID domain.RoomID, peerID domain.PeerID, producerID domain.ProducerID) error

	RemoveRoom(ctx context.Context, roomID domain.RoomID) error
	Rooms(ctx context.Context) []domain.RoomInfo
}

// EventSink receives structured lifecycle events for external collectors.
type EventSink interface {
	Publish(ctx context.Context, event domain.Event) error
}

// Metrics records operational counters and gauges.
type Metrics interface {
	RoomCreated()
	RoomRemoved()
	PeerJoined(roomID domain.RoomID)
	PeerLeft(roomID domain.RoomID)
	ProducerCreated(kind domain.MediaKind)
	ProducerClosed(kind domain.MediaKind)
	ConsumerCreated()
	ConsumerClosed()
	TierSwitch(tier domain.QualityTier)
	SignalMessage(msgType string)
}

// ManagedProducer is the view of a live producer the quality controller
// operates on.
type ManagedProducer interface {
	ID() domain.ProducerID
	Kind() domain.MediaKind
	// Stats returns the raw telemetry samples accumulated since the
	// previous call.
	Stats() []domain.StatsSample
	// ApplyEncoding reconfigures the producer's encoder.
	ApplyEncoding(params domain.TierParams)
	// Done is closed once the producer closes; no further stats will be
	// produced after that.
	Done() <-chan struct{}
}
