package signal

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"runtime"
	"strings"
	"testing"
	"time"

	"roomcast/internal/core/domain"
	"roomcast/internal/core/services"
	"roomcast/internal/infrastructure/engine"
	"roomcast/internal/infrastructure/events"
	"roomcast/internal/infrastructure/media"
	"roomcast/internal/infrastructure/monitoring"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestStack(t *testing.T, opts Options) (*httptest.Server, *media.RoomService) {
	t.Helper()
	logger := zaptest.NewLogger(t).Sugar()

	cfg := engine.Config{ListenIP: "127.0.0.1"}
	cfg.PortRange.Min = 50000
	cfg.PortRange.Max = 50100
	eng, err := engine.New(cfg, logger)
	require.NoError(t, err)

	policy := services.NewQualityPolicy(services.DefaultThresholds())
	controller := services.NewQualityController(policy, events.NopSink{}, monitoring.NopMetrics{}, logger, time.Hour)
	rooms := media.NewRoomService(eng, controller, events.NopSink{}, monitoring.NopMetrics{}, logger, media.Options{})

	server := NewServer(rooms, monitoring.NopMetrics{}, logger, opts)
	ts := httptest.NewServer(http.HandlerFunc(server.HandleWebSocket))
	t.Cleanup(func() {
		server.CloseConnections()
		ts.Close()
		rooms.Close(context.Background())
	})
	return ts, rooms
}

func wsURL(ts *httptest.Server) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http")
}

func dial(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, msgType string, data interface{}) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(NewEnvelope(msgType, data)))
}

// readType reads messages until one of the wanted type arrives, failing on
// an unexpected error reply or after too many unrelated messages.
func readType(t *testing.T, conn *websocket.Conn, want string) Envelope {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for i := 0; i < 20; i++ {
		var env Envelope
		require.NoError(t, conn.ReadJSON(&env))
		if env.Type == want {
			return env
		}
		if env.Type == MsgError && want != MsgError {
			var ed ErrorData
			json.Unmarshal(env.Data, &ed)
			t.Fatalf("unexpected error reply while waiting for %q: %s", want, ed.Error)
		}
	}
	t.Fatalf("message of type %q never arrived", want)
	return Envelope{}
}

func decode(t *testing.T, env Envelope, out interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(env.Data, out))
}

// joinRoom joins the connection to a room and returns the assigned peer id.
func joinRoom(t *testing.T, conn *websocket.Conn, roomID string) domain.PeerID {
	t.Helper()
	send(t, conn, MsgJoinRoom, JoinRoomData{RoomID: domain.RoomID(roomID)})
	var joined JoinedRoomData
	decode(t, readType(t, conn, MsgJoinedRoom), &joined)
	require.Equal(t, domain.RoomID(roomID), joined.RoomID)
	require.NotEmpty(t, joined.PeerID)
	return joined.PeerID
}

// setupTransport runs the create/connect handshake and returns the
// transport id.
func setupTransport(t *testing.T, conn *websocket.Conn) domain.TransportID {
	t.Helper()
	send(t, conn, MsgCreateTransport, struct{}{})
	var created domain.TransportOptions
	decode(t, readType(t, conn, MsgTransportCreated), &created)
	require.NotEmpty(t, created.ID)
	require.NotEmpty(t, created.DTLSParameters.Fingerprints)

	send(t, conn, MsgConnectTransport, ConnectTransportData{
		TransportID:    created.ID,
		DTLSParameters: created.DTLSParameters,
	})
	readType(t, conn, MsgTransportConnected)
	return created.ID
}

func routerCaps(t *testing.T, conn *websocket.Conn) domain.RTPCapabilities {
	t.Helper()
	send(t, conn, MsgGetRouterCapabilities, struct{}{})
	var caps RouterCapabilitiesData
	decode(t, readType(t, conn, MsgRouterCapabilities), &caps)
	require.NotEmpty(t, caps.RTPCapabilities.Codecs)
	return caps.RTPCapabilities
}

func videoParams(caps domain.RTPCapabilities) domain.RTPParameters {
	params := domain.RTPParameters{}
	for _, c := range caps.Codecs {
		if strings.HasPrefix(strings.ToLower(c.MimeType), "video/") {
			params.Codecs = append(params.Codecs, c)
			return params
		}
	}
	return params
}

func TestServer_JoinNotifiesExistingPeers(t *testing.T) {
	ts, _ := newTestStack(t, Options{})

	connA := dial(t, ts)
	joinRoom(t, connA, "r1")

	connB := dial(t, ts)
	peerB := joinRoom(t, connB, "r1")

	var newPeer NewPeerData
	decode(t, readType(t, connA, MsgNewPeer), &newPeer)
	assert.Equal(t, peerB, newPeer.PeerID)
}

func TestServer_ProduceBroadcastsNewProducer(t *testing.T) {
	ts, _ := newTestStack(t, Options{})

	connA := dial(t, ts)
	peerA := joinRoom(t, connA, "r1")
	connB := dial(t, ts)
	joinRoom(t, connB, "r1")

	transportA := setupTransport(t, connA)
	caps := routerCaps(t, connA)

	send(t, connA, MsgProduce, ProduceData{
		TransportID:   transportA,
		Kind:          domain.MediaKindVideo,
		RTPParameters: videoParams(caps),
	})
	var created ProducerCreatedData
	decode(t, readType(t, connA, MsgProducerCreated), &created)
	require.NotEmpty(t, created.ProducerID)

	var newProducer NewProducerData
	decode(t, readType(t, connB, MsgNewProducer), &newProducer)
	assert.Equal(t, created.ProducerID, newProducer.ProducerID)
	assert.Equal(t, peerA, newProducer.PeerID)
	assert.Equal(t, domain.MediaKindVideo, newProducer.Kind)
}

func TestServer_ConsumeAndResume(t *testing.T) {
	ts, _ := newTestStack(t, Options{})

	connA := dial(t, ts)
	joinRoom(t, connA, "r1")
	connB := dial(t, ts)
	joinRoom(t, connB, "r1")

	transportA := setupTransport(t, connA)
	caps := routerCaps(t, connA)
	send(t, connA, MsgProduce, ProduceData{
		TransportID:   transportA,
		Kind:          domain.MediaKindVideo,
		RTPParameters: videoParams(caps),
	})
	var created ProducerCreatedData
	decode(t, readType(t, connA, MsgProducerCreated), &created)

	setupTransport(t, connB)
	send(t, connB, MsgConsume, ConsumeData{
		ProducerID:      created.ProducerID,
		RTPCapabilities: caps,
	})
	var consumer ConsumerCreatedData
	decode(t, readType(t, connB, MsgConsumerCreated), &consumer)
	assert.Equal(t, created.ProducerID, consumer.ProducerID)
	assert.Equal(t, domain.MediaKindVideo, consumer.Kind)

	send(t, connB, MsgResumeConsumer, ResumeConsumerData{ConsumerID: consumer.ConsumerID})
	var resumed ConsumerResumedData
	decode(t, readType(t, connB, MsgConsumerResumed), &resumed)
	assert.Equal(t, consumer.ConsumerID, resumed.ConsumerID)
}

func TestServer_ErrorReplyKeepsSession(t *testing.T) {
	ts, _ := newTestStack(t, Options{})

	conn := dial(t, ts)
	joinRoom(t, conn, "r1")

	// A second join is rejected without touching session state.
	send(t, conn, MsgJoinRoom, JoinRoomData{RoomID: "r2"})
	var errData ErrorData
	decode(t, readType(t, conn, MsgError), &errData)
	assert.NotEmpty(t, errData.Error)

	// The peer is still in r1 and room-scoped commands keep working.
	routerCaps(t, conn)
}

func TestServer_RejectsMalformedCommands(t *testing.T) {
	ts, _ := newTestStack(t, Options{})

	conn := dial(t, ts)

	// Room-scoped command before join.
	send(t, conn, MsgCreateTransport, struct{}{})
	readType(t, conn, MsgError)

	// Unknown type.
	send(t, conn, "teleport", struct{}{})
	readType(t, conn, MsgError)

	joinRoom(t, conn, "r1")

	// Missing required field.
	send(t, conn, MsgConnectTransport, ConnectTransportData{})
	readType(t, conn, MsgError)
}

func TestServer_DisconnectBroadcastsCleanup(t *testing.T) {
	ts, _ := newTestStack(t, Options{})

	connA := dial(t, ts)
	peerA := joinRoom(t, connA, "r1")
	connB := dial(t, ts)
	joinRoom(t, connB, "r1")

	transportA := setupTransport(t, connA)
	caps := routerCaps(t, connA)
	send(t, connA, MsgProduce, ProduceData{
		TransportID:   transportA,
		Kind:          domain.MediaKindVideo,
		RTPParameters: videoParams(caps),
	})
	var created ProducerCreatedData
	decode(t, readType(t, connA, MsgProducerCreated), &created)

	connA.Close()

	var left PeerLeftData
	decode(t, readType(t, connB, MsgPeerLeft), &left)
	assert.Equal(t, peerA, left.PeerID)

	var closed ProducerClosedData
	decode(t, readType(t, connB, MsgProducerClosed), &closed)
	assert.Equal(t, created.ProducerID, closed.ProducerID)
	assert.Equal(t, peerA, closed.PeerID)
}

func TestServer_LeaveRoomNotifiesPeers(t *testing.T) {
	ts, _ := newTestStack(t, Options{})

	connA := dial(t, ts)
	peerA := joinRoom(t, connA, "r1")
	connB := dial(t, ts)
	joinRoom(t, connB, "r1")

	send(t, connA, MsgLeaveRoom, struct{}{})
	var leftRoom LeftRoomData
	decode(t, readType(t, connA, MsgLeftRoom), &leftRoom)
	assert.Equal(t, domain.RoomID("r1"), leftRoom.RoomID)

	var left PeerLeftData
	decode(t, readType(t, connB, MsgPeerLeft), &left)
	assert.Equal(t, peerA, left.PeerID)

	// Rejoin works after leaving.
	joinRoom(t, connA, "r1")
}

func TestServer_HandshakeToken(t *testing.T) {
	const secret = "test-secret"
	ts, _ := newTestStack(t, Options{HandshakeSecret: secret})

	// No token: rejected before the upgrade.
	_, resp, err := websocket.DefaultDialer.Dial(wsURL(ts), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// Garbage token: rejected.
	_, resp, err = websocket.DefaultDialer.Dial(wsURL(ts)+"?token=garbage", nil)
	require.Error(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// Valid token: accepted.
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "alice",
		"exp": time.Now().Add(time.Minute).Unix(),
	}).SignedString([]byte(secret))
	require.NoError(t, err)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts)+"?token="+token, nil)
	require.NoError(t, err)
	defer conn.Close()
	joinRoom(t, conn, "r1")
}

func TestServer_RemovedRoomReleasesSessions(t *testing.T) {
	ts, rooms := newTestStack(t, Options{})

	conn := dial(t, ts)
	joinRoom(t, conn, "doomed")

	require.NoError(t, rooms.RemoveRoom(context.Background(), "doomed"))

	// Leaving the vanished room still succeeds and clears the membership.
	send(t, conn, MsgLeaveRoom, struct{}{})
	var left LeftRoomData
	decode(t, readType(t, conn, MsgLeftRoom), &left)
	assert.Equal(t, domain.RoomID("doomed"), left.RoomID)

	// The same connection can join again.
	joinRoom(t, conn, "fresh")
}

func TestServer_ReaderExitsWhenHandlerStops(t *testing.T) {
	ts, _ := newTestStack(t, Options{
		PingInterval: 20 * time.Millisecond,
		WriteTimeout: 20 * time.Millisecond,
	})

	before := runtime.NumGoroutine()

	conn := dial(t, ts)
	joinRoom(t, conn, "r1")

	// Flood commands without reading any replies. The server's writes back
	// up until its ping fails and the handler exits; the reader goroutine
	// must exit with it even with undispatched messages still queued.
	conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	for i := 0; i < 2000; i++ {
		if err := conn.WriteJSON(NewEnvelope(MsgGetRouterCapabilities, struct{}{})); err != nil {
			break
		}
	}

	require.Eventually(t, func() bool {
		return runtime.NumGoroutine() <= before+2
	}, 10*time.Second, 50*time.Millisecond)
}
