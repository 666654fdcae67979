package media

import (
	"context"
	"testing"
	"time"

	"roomcast/internal/core/domain"
	"roomcast/internal/core/services"
	"roomcast/internal/infrastructure/engine"
	"roomcast/internal/infrastructure/events"
	"roomcast/internal/infrastructure/monitoring"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestService(t *testing.T, opts Options) *RoomService {
	t.Helper()
	logger := zaptest.NewLogger(t).Sugar()

	cfg := engine.Config{ListenIP: "127.0.0.1"}
	cfg.PortRange.Min = 40000
	cfg.PortRange.Max = 40100
	eng, err := engine.New(cfg, logger)
	require.NoError(t, err)

	policy := services.NewQualityPolicy(services.DefaultThresholds())
	controller := services.NewQualityController(policy, events.NopSink{}, monitoring.NopMetrics{}, logger, time.Hour)

	svc := NewRoomService(eng, controller, events.NopSink{}, monitoring.NopMetrics{}, logger, opts)
	t.Cleanup(func() { svc.Close(context.Background()) })
	return svc
}

func remoteDTLS() domain.DTLSParameters {
	return domain.DTLSParameters{
		Role:         "client",
		Fingerprints: []webrtc.DTLSFingerprint{{Algorithm: "sha-256", Value: "ab:cd"}},
	}
}

func videoCodecParameters(caps domain.RTPCapabilities) domain.RTPParameters {
	params := domain.RTPParameters{}
	for _, c := range caps.Codecs {
		if c.MimeType == webrtc.MimeTypeVP8 {
			params.Codecs = append(params.Codecs, c)
		}
	}
	return params
}

// joinWithTransport joins the peer and gives it a connected transport.
func joinWithTransport(t *testing.T, svc *RoomService, roomID domain.RoomID, peerID domain.PeerID) domain.TransportID {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, svc.JoinRoom(ctx, roomID, peerID))
	opts, err := svc.CreateTransport(ctx, roomID, peerID)
	require.NoError(t, err)
	require.NoError(t, svc.ConnectTransport(ctx, roomID, peerID, opts.ID, remoteDTLS()))
	return opts.ID
}

func roomInfo(t *testing.T, svc *RoomService, roomID domain.RoomID) domain.RoomInfo {
	t.Helper()
	for _, info := range svc.Rooms(context.Background()) {
		if info.ID == roomID {
			return info
		}
	}
	t.Fatalf("room %s not found", roomID)
	return domain.RoomInfo{}
}

func TestRoomService_JoinCreatesRoomOnce(t *testing.T) {
	svc := newTestService(t, Options{})
	ctx := context.Background()

	require.NoError(t, svc.JoinRoom(ctx, "r1", "alice"))
	require.NoError(t, svc.JoinRoom(ctx, "r1", "bob"))

	rooms := svc.Rooms(ctx)
	require.Len(t, rooms, 1)
	assert.Equal(t, domain.RoomID("r1"), rooms[0].ID)
	assert.Equal(t, 2, rooms[0].Peers)
}

func TestRoomService_UnknownRoom(t *testing.T) {
	svc := newTestService(t, Options{})
	ctx := context.Background()

	_, err := svc.RouterCapabilities(ctx, "nope")
	assert.ErrorIs(t, err, domain.ErrRoomNotFound)

	_, err = svc.LeaveRoom(ctx, "nope", "alice")
	assert.ErrorIs(t, err, domain.ErrRoomNotFound)

	assert.ErrorIs(t, svc.RemoveRoom(ctx, "nope"), domain.ErrRoomNotFound)
}

func TestRoomService_OperationsRequireMembership(t *testing.T) {
	svc := newTestService(t, Options{})
	ctx := context.Background()

	require.NoError(t, svc.JoinRoom(ctx, "r1", "alice"))

	_, err := svc.CreateTransport(ctx, "r1", "mallory")
	assert.ErrorIs(t, err, domain.ErrNotInRoom)

	err = svc.ConnectTransport(ctx, "r1", "mallory", "t-x", remoteDTLS())
	assert.ErrorIs(t, err, domain.ErrNotInRoom)

	_, err = svc.Produce(ctx, "r1", "mallory", "t-x", domain.MediaKindVideo, domain.RTPParameters{})
	assert.ErrorIs(t, err, domain.ErrNotInRoom)
}

func TestRoomService_ConnectTransportChecksOwnership(t *testing.T) {
	svc := newTestService(t, Options{})
	ctx := context.Background()

	require.NoError(t, svc.JoinRoom(ctx, "r1", "alice"))
	require.NoError(t, svc.JoinRoom(ctx, "r1", "bob"))

	opts, err := svc.CreateTransport(ctx, "r1", "alice")
	require.NoError(t, err)

	// Bob cannot connect Alice's transport.
	err = svc.ConnectTransport(ctx, "r1", "bob", opts.ID, remoteDTLS())
	assert.ErrorIs(t, err, domain.ErrTransportNotFound)

	require.NoError(t, svc.ConnectTransport(ctx, "r1", "alice", opts.ID, remoteDTLS()))
}

func TestRoomService_ProduceAndConsume(t *testing.T) {
	svc := newTestService(t, Options{})
	ctx := context.Background()

	aliceTransport := joinWithTransport(t, svc, "r1", "alice")
	joinWithTransport(t, svc, "r1", "bob")

	caps, err := svc.RouterCapabilities(ctx, "r1")
	require.NoError(t, err)

	producerID, err := svc.Produce(ctx, "r1", "alice", aliceTransport, domain.MediaKindVideo, videoCodecParameters(caps))
	require.NoError(t, err)
	require.NotEmpty(t, producerID)

	info, err := svc.Consume(ctx, "r1", "bob", producerID, caps)
	require.NoError(t, err)
	assert.Equal(t, producerID, info.ProducerID)
	assert.Equal(t, domain.MediaKindVideo, info.Kind)
	assert.NotEmpty(t, info.ID)

	require.NoError(t, svc.ResumeConsumer(ctx, "r1", "bob", info.ID))

	room := roomInfo(t, svc, "r1")
	assert.Equal(t, 1, room.Producers)
	assert.Equal(t, 1, room.Consumers)
}

func TestRoomService_ConsumeIncompatibleLeavesNoEntry(t *testing.T) {
	svc := newTestService(t, Options{})
	ctx := context.Background()

	aliceTransport := joinWithTransport(t, svc, "r1", "alice")
	joinWithTransport(t, svc, "r1", "bob")

	caps, err := svc.RouterCapabilities(ctx, "r1")
	require.NoError(t, err)

	producerID, err := svc.Produce(ctx, "r1", "alice", aliceTransport, domain.MediaKindVideo, videoCodecParameters(caps))
	require.NoError(t, err)

	audioOnly := domain.RTPCapabilities{
		Codecs: []webrtc.RTPCodecCapability{
			{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		},
	}
	_, err = svc.Consume(ctx, "r1", "bob", producerID, audioOnly)
	assert.ErrorIs(t, err, domain.ErrIncompatibleCapabilities)

	// Nothing was created on failure.
	assert.Equal(t, 0, roomInfo(t, svc, "r1").Consumers)
}

func TestRoomService_ConsumeRequiresOwnTransport(t *testing.T) {
	svc := newTestService(t, Options{})
	ctx := context.Background()

	aliceTransport := joinWithTransport(t, svc, "r1", "alice")
	require.NoError(t, svc.JoinRoom(ctx, "r1", "bob")) // no transport

	caps, err := svc.RouterCapabilities(ctx, "r1")
	require.NoError(t, err)

	producerID, err := svc.Produce(ctx, "r1", "alice", aliceTransport, domain.MediaKindVideo, videoCodecParameters(caps))
	require.NoError(t, err)

	_, err = svc.Consume(ctx, "r1", "bob", producerID, caps)
	assert.ErrorIs(t, err, domain.ErrTransportNotFound)

	_, err = svc.Consume(ctx, "r1", "bob", "prod-missing", caps)
	assert.ErrorIs(t, err, domain.ErrProducerNotFound)
}

func TestRoomService_CloseProducerChecksOwnership(t *testing.T) {
	svc := newTestService(t, Options{})
	ctx := context.Background()

	aliceTransport := joinWithTransport(t, svc, "r1", "alice")
	joinWithTransport(t, svc, "r1", "bob")

	caps, err := svc.RouterCapabilities(ctx, "r1")
	require.NoError(t, err)

	producerID, err := svc.Produce(ctx, "r1", "alice", aliceTransport, domain.MediaKindVideo, videoCodecParameters(caps))
	require.NoError(t, err)

	assert.ErrorIs(t, svc.CloseProducer(ctx, "r1", "bob", producerID), domain.ErrProducerNotFound)

	require.NoError(t, svc.CloseProducer(ctx, "r1", "alice", producerID))
	assert.Equal(t, 0, roomInfo(t, svc, "r1").Producers)
}

func TestRoomService_CloseProducerCascadesToConsumers(t *testing.T) {
	svc := newTestService(t, Options{})
	ctx := context.Background()

	aliceTransport := joinWithTransport(t, svc, "r1", "alice")
	joinWithTransport(t, svc, "r1", "bob")

	caps, err := svc.RouterCapabilities(ctx, "r1")
	require.NoError(t, err)

	producerID, err := svc.Produce(ctx, "r1", "alice", aliceTransport, domain.MediaKindVideo, videoCodecParameters(caps))
	require.NoError(t, err)

	consumerInfo, err := svc.Consume(ctx, "r1", "bob", producerID, caps)
	require.NoError(t, err)

	require.NoError(t, svc.CloseProducer(ctx, "r1", "alice", producerID))

	room := roomInfo(t, svc, "r1")
	assert.Equal(t, 0, room.Producers)
	assert.Equal(t, 0, room.Consumers)

	// The consumer is gone from the registry too.
	err = svc.ResumeConsumer(ctx, "r1", "bob", consumerInfo.ID)
	assert.ErrorIs(t, err, domain.ErrConsumerNotFound)
}

func TestRoomService_LeaveRoomCleansUpEverything(t *testing.T) {
	svc := newTestService(t, Options{})
	ctx := context.Background()

	aliceTransport := joinWithTransport(t, svc, "r1", "alice")
	joinWithTransport(t, svc, "r1", "bob")

	caps, err := svc.RouterCapabilities(ctx, "r1")
	require.NoError(t, err)

	producerID, err := svc.Produce(ctx, "r1", "alice", aliceTransport, domain.MediaKindVideo, videoCodecParameters(caps))
	require.NoError(t, err)

	_, err = svc.Consume(ctx, "r1", "bob", producerID, caps)
	require.NoError(t, err)

	closed, err := svc.LeaveRoom(ctx, "r1", "alice")
	require.NoError(t, err)
	require.Len(t, closed, 1)
	assert.Equal(t, producerID, closed[0])

	room := roomInfo(t, svc, "r1")
	assert.Equal(t, 1, room.Peers)
	assert.Equal(t, 0, room.Producers)
	// Bob's consumer died with Alice's producer.
	assert.Equal(t, 0, room.Consumers)
	// Only Bob's transport remains.
	assert.Equal(t, 1, room.Transports)

	_, err = svc.LeaveRoom(ctx, "r1", "alice")
	assert.ErrorIs(t, err, domain.ErrNotInRoom)
}

func TestRoomService_RemoveRoomCascades(t *testing.T) {
	svc := newTestService(t, Options{})
	ctx := context.Background()

	joinWithTransport(t, svc, "r1", "alice")

	require.NoError(t, svc.RemoveRoom(ctx, "r1"))
	assert.Empty(t, svc.Rooms(ctx))

	_, err := svc.RouterCapabilities(ctx, "r1")
	assert.ErrorIs(t, err, domain.ErrRoomNotFound)
}

func TestRoomService_ReapsIdleRooms(t *testing.T) {
	svc := newTestService(t, Options{
		IdleTTL:      10 * time.Millisecond,
		ReapInterval: 10 * time.Millisecond,
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, svc.JoinRoom(ctx, "r1", "alice"))
	_, err := svc.LeaveRoom(ctx, "r1", "alice")
	require.NoError(t, err)

	svc.StartReaper(ctx)

	require.Eventually(t, func() bool {
		return len(svc.Rooms(ctx)) == 0
	}, time.Second, 5*time.Millisecond)
}

func TestRoomService_ReaperSparesOccupiedRooms(t *testing.T) {
	svc := newTestService(t, Options{
		IdleTTL:      10 * time.Millisecond,
		ReapInterval: 10 * time.Millisecond,
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, svc.JoinRoom(ctx, "r1", "alice"))
	svc.StartReaper(ctx)

	time.Sleep(50 * time.Millisecond)
	assert.Len(t, svc.Rooms(ctx), 1)
}

// reentrantSink calls back into the service from Publish. If closure events
// were published with the room mutex still held, the Rooms snapshot taken
// here would deadlock.
type reentrantSink struct {
	svc    *RoomService
	events []domain.Event
}

func (s *reentrantSink) Publish(ctx context.Context, event domain.Event) error {
	if event.Type == domain.EventProducerClosed && s.svc != nil {
		s.svc.Rooms(context.Background())
	}
	s.events = append(s.events, event)
	return nil
}

func TestRoomService_ProducerCloseEventsPublishedOutsideRoomLock(t *testing.T) {
	logger := zaptest.NewLogger(t).Sugar()
	cfg := engine.Config{ListenIP: "127.0.0.1"}
	cfg.PortRange.Min = 40200
	cfg.PortRange.Max = 40300
	eng, err := engine.New(cfg, logger)
	require.NoError(t, err)

	policy := services.NewQualityPolicy(services.DefaultThresholds())
	controller := services.NewQualityController(policy, events.NopSink{}, monitoring.NopMetrics{}, logger, time.Hour)

	sink := &reentrantSink{}
	svc := NewRoomService(eng, controller, sink, monitoring.NopMetrics{}, logger, Options{})
	sink.svc = svc
	t.Cleanup(func() { svc.Close(context.Background()) })

	ctx := context.Background()
	transportID := joinWithTransport(t, svc, "r1", "alice")
	caps, err := svc.RouterCapabilities(ctx, "r1")
	require.NoError(t, err)
	producerID, err := svc.Produce(ctx, "r1", "alice", transportID, domain.MediaKindVideo, videoCodecParameters(caps))
	require.NoError(t, err)

	require.NoError(t, svc.CloseProducer(ctx, "r1", "alice", producerID))

	var sawClosed bool
	for _, ev := range sink.events {
		if ev.Type == domain.EventProducerClosed {
			sawClosed = true
			assert.Equal(t, domain.RoomID("r1"), ev.RoomID)
		}
	}
	assert.True(t, sawClosed)
}
