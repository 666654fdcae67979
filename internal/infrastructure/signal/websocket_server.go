package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"roomcast/internal/core/domain"
	"roomcast/internal/core/ports"
	"roomcast/pkg/tracing"
	"roomcast/pkg/utils"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Should be configured properly for production
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// Options tunes connection handling.
type Options struct {
	PingInterval      time.Duration
	PongTimeout       time.Duration
	WriteTimeout      time.Duration
	MaxMessageSize    int64
	MessagesPerSecond float64
	Burst             int
	// HandshakeSecret, when non-empty, requires a valid HMAC-signed token
	// on every websocket upgrade.
	HandshakeSecret string
}

func (o *Options) defaults() {
	if o.PingInterval <= 0 {
		o.PingInterval = 30 * time.Second
	}
	if o.PongTimeout <= 0 {
		o.PongTimeout = 60 * time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = 64 * 1024
	}
	if o.MessagesPerSecond <= 0 {
		o.MessagesPerSecond = 100
	}
	if o.Burst <= 0 {
		o.Burst = 200
	}
}

// Server accepts persistent websocket connections and dispatches the
// signaling protocol to the room service. Messages from one connection
// are handled strictly in order; connections are independent of each
// other.
type Server struct {
	rooms   ports.RoomService
	metrics ports.Metrics
	logger  *zap.SugaredLogger
	opts    Options

	mu       sync.RWMutex
	sessions map[domain.PeerID]*peerSession
}

// peerSession is one connected peer. roomID is guarded by the server
// mutex; writes to the connection are serialized by writeMu.
type peerSession struct {
	id   domain.PeerID
	conn *websocket.Conn

	writeMu sync.Mutex
	roomID  domain.RoomID
}

func NewServer(rooms ports.RoomService, metrics ports.Metrics, logger *zap.SugaredLogger, opts Options) *Server {
	opts.defaults()
	return &Server{
		rooms:    rooms,
		metrics:  metrics,
		logger:   logger,
		opts:     opts,
		sessions: make(map[domain.PeerID]*peerSession),
	}
}

func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	if err := s.authorize(r); err != nil {
		s.logger.Warnw("websocket handshake rejected", "error", err)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Errorw("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	sess := &peerSession{
		id:   domain.PeerID(utils.GeneratePeerID()),
		conn: conn,
	}

	s.mu.Lock()
	s.sessions[sess.id] = sess
	s.mu.Unlock()

	s.logger.Infow("peer connected", "peer_id", sess.id)

	conn.SetReadLimit(s.opts.MaxMessageSize)
	conn.SetReadDeadline(time.Now().Add(s.opts.PongTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(s.opts.PongTimeout))
		return nil
	})

	limiter := rate.NewLimiter(rate.Limit(s.opts.MessagesPerSecond), s.opts.Burst)

	pingTicker := time.NewTicker(s.opts.PingInterval)
	defer pingTicker.Stop()

	messageChan := make(chan Envelope, 10)
	errorChan := make(chan error, 1)

	// done releases the reader if the main loop exits first while the
	// message buffer is full.
	done := make(chan struct{})
	defer close(done)

	go func() {
		for {
			var msg Envelope
			if err := conn.ReadJSON(&msg); err != nil {
				select {
				case errorChan <- err:
				case <-done:
				}
				return
			}
			conn.SetReadDeadline(time.Now().Add(s.opts.PongTimeout))
			select {
			case messageChan <- msg:
			case <-done:
				return
			}
		}
	}()

	for {
		select {
		case msg := <-messageChan:
			s.metrics.SignalMessage(msg.Type)
			if !limiter.Allow() {
				s.sendError(sess, "rate limit exceeded")
				continue
			}
			if err := s.handleMessage(context.Background(), sess, msg); err != nil {
				s.logger.Infow("error handling message", "peer_id", sess.id, "type", msg.Type, "error", err)
				s.sendError(sess, err.Error())
			}

		case <-pingTicker.C:
			if err := sess.ping(s.opts.WriteTimeout); err != nil {
				s.logger.Infow("error sending ping", "peer_id", sess.id, "error", err)
				s.disconnect(sess)
				return
			}

		case err := <-errorChan:
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.logger.Infow("error reading message", "peer_id", sess.id, "error", err)
			}
			s.disconnect(sess)
			return
		}
	}
}

func (s *Server) handleMessage(ctx context.Context, sess *peerSession, msg Envelope) error {
	if msg.Type == "" {
		return fmt.Errorf("message type is required")
	}

	ctx, span := tracing.StartSpan(ctx, "signal."+msg.Type)
	defer span.End()

	var err error
	switch msg.Type {
	case MsgJoinRoom:
		err = s.handleJoinRoom(ctx, sess, msg.Data)
	case MsgLeaveRoom:
		err = s.handleLeaveRoom(ctx, sess)
	case MsgGetRouterCapabilities:
		err = s.handleGetRouterCapabilities(ctx, sess)
	case MsgCreateTransport:
		err = s.handleCreateTransport(ctx, sess)
	case MsgConnectTransport:
		err = s.handleConnectTransport(ctx, sess, msg.Data)
	case MsgProduce:
		err = s.handleProduce(ctx, sess, msg.Data)
	case MsgConsume:
		err = s.handleConsume(ctx, sess, msg.Data)
	case MsgResumeConsumer:
		err = s.handleResumeConsumer(ctx, sess, msg.Data)
	case MsgCloseProducer:
		err = s.handleCloseProducer(ctx, sess, msg.Data)
	default:
		err = fmt.Errorf("unknown message type: %s", msg.Type)
	}

	if err != nil {
		tracing.RecordError(ctx, err)
	}
	return err
}

func (s *Server) handleJoinRoom(ctx context.Context, sess *peerSession, data json.RawMessage) error {
	if s.sessionRoom(sess) != "" {
		return domain.ErrAlreadyInRoom
	}

	var payload JoinRoomData
	if err := json.Unmarshal(data, &payload); err != nil {
		return fmt.Errorf("invalid join-room payload: %w", err)
	}
	if payload.RoomID == "" {
		return fmt.Errorf("roomId is required")
	}

	if err := s.rooms.JoinRoom(ctx, payload.RoomID, sess.id); err != nil {
		return err
	}

	s.mu.Lock()
	sess.roomID = payload.RoomID
	s.mu.Unlock()

	s.broadcast(payload.RoomID, NewEnvelope(MsgNewPeer, NewPeerData{PeerID: sess.id}), sess.id)
	return s.send(sess, NewEnvelope(MsgJoinedRoom, JoinedRoomData{RoomID: payload.RoomID, PeerID: sess.id}))
}

func (s *Server) handleLeaveRoom(ctx context.Context, sess *peerSession) error {
	roomID, err := s.leaveRoom(ctx, sess)
	if err != nil {
		return err
	}
	return s.send(sess, NewEnvelope(MsgLeftRoom, LeftRoomData{RoomID: roomID}))
}

func (s *Server) handleGetRouterCapabilities(ctx context.Context, sess *peerSession) error {
	roomID := s.sessionRoom(sess)
	if roomID == "" {
		return domain.ErrNotInRoom
	}

	caps, err := s.rooms.RouterCapabilities(ctx, roomID)
	if err != nil {
		return err
	}
	return s.send(sess, NewEnvelope(MsgRouterCapabilities, RouterCapabilitiesData{RTPCapabilities: caps}))
}

func (s *Server) handleCreateTransport(ctx context.Context, sess *peerSession) error {
	roomID := s.sessionRoom(sess)
	if roomID == "" {
		return domain.ErrNotInRoom
	}

	opts, err := s.rooms.CreateTransport(ctx, roomID, sess.id)
	if err != nil {
		return err
	}
	return s.send(sess, NewEnvelope(MsgTransportCreated, opts))
}

func (s *Server) handleConnectTransport(ctx context.Context, sess *peerSession, data json.RawMessage) error {
	roomID := s.sessionRoom(sess)
	if roomID == "" {
		return domain.ErrNotInRoom
	}

	var payload ConnectTransportData
	if err := json.Unmarshal(data, &payload); err != nil {
		return fmt.Errorf("invalid connect-transport payload: %w", err)
	}
	if payload.TransportID == "" {
		return fmt.Errorf("transportId is required")
	}

	if err := s.rooms.ConnectTransport(ctx, roomID, sess.id, payload.TransportID, payload.DTLSParameters); err != nil {
		return err
	}
	return s.send(sess, NewEnvelope(MsgTransportConnected, TransportConnectedData{TransportID: payload.TransportID}))
}

func (s *Server) handleProduce(ctx context.Context, sess *peerSession, data json.RawMessage) error {
	roomID := s.sessionRoom(sess)
	if roomID == "" {
		return domain.ErrNotInRoom
	}

	var payload ProduceData
	if err := json.Unmarshal(data, &payload); err != nil {
		return fmt.Errorf("invalid produce payload: %w", err)
	}
	if payload.TransportID == "" {
		return fmt.Errorf("transportId is required")
	}
	if !payload.Kind.Valid() {
		return domain.ErrInvalidMediaKind
	}

	producerID, err := s.rooms.Produce(ctx, roomID, sess.id, payload.TransportID, payload.Kind, payload.RTPParameters)
	if err != nil {
		return err
	}

	if err := s.send(sess, NewEnvelope(MsgProducerCreated, ProducerCreatedData{ProducerID: producerID})); err != nil {
		return err
	}
	s.broadcast(roomID, NewEnvelope(MsgNewProducer, NewProducerData{
		ProducerID: producerID,
		PeerID:     sess.id,
		Kind:       payload.Kind,
	}), sess.id)
	return nil
}

func (s *Server) handleConsume(ctx context.Context, sess *peerSession, data json.RawMessage) error {
	roomID := s.sessionRoom(sess)
	if roomID == "" {
		return domain.ErrNotInRoom
	}

	var payload ConsumeData
	if err := json.Unmarshal(data, &payload); err != nil {
		return fmt.Errorf("invalid consume payload: %w", err)
	}
	if payload.ProducerID == "" {
		return fmt.Errorf("producerId is required")
	}

	info, err := s.rooms.Consume(ctx, roomID, sess.id, payload.ProducerID, payload.RTPCapabilities)
	if err != nil {
		return err
	}
	return s.send(sess, NewEnvelope(MsgConsumerCreated, ConsumerCreatedData{
		ConsumerID:    info.ID,
		ProducerID:    info.ProducerID,
		Kind:          info.Kind,
		RTPParameters: info.RTPParameters,
	}))
}

func (s *Server) handleResumeConsumer(ctx context.Context, sess *peerSession, data json.RawMessage) error {
	roomID := s.sessionRoom(sess)
	if roomID == "" {
		return domain.ErrNotInRoom
	}

	var payload ResumeConsumerData
	if err := json.Unmarshal(data, &payload); err != nil {
		return fmt.Errorf("invalid resume-consumer payload: %w", err)
	}
	if payload.ConsumerID == "" {
		return fmt.Errorf("consumerId is required")
	}

	if err := s.rooms.ResumeConsumer(ctx, roomID, sess.id, payload.ConsumerID); err != nil {
		return err
	}
	return s.send(sess, NewEnvelope(MsgConsumerResumed, ConsumerResumedData{ConsumerID: payload.ConsumerID}))
}

func (s *Server) handleCloseProducer(ctx context.Context, sess *peerSession, data json.RawMessage) error {
	roomID := s.sessionRoom(sess)
	if roomID == "" {
		return domain.ErrNotInRoom
	}

	var payload CloseProducerData
	if err := json.Unmarshal(data, &payload); err != nil {
		return fmt.Errorf("invalid close-producer payload: %w", err)
	}
	if payload.ProducerID == "" {
		return fmt.Errorf("producerId is required")
	}

	if err := s.rooms.CloseProducer(ctx, roomID, sess.id, payload.ProducerID); err != nil {
		return err
	}

	if err := s.send(sess, NewEnvelope(MsgProducerClosed, ProducerClosedData{ProducerID: payload.ProducerID})); err != nil {
		return err
	}
	s.broadcast(roomID, NewEnvelope(MsgProducerClosed, ProducerClosedData{
		ProducerID: payload.ProducerID,
		PeerID:     sess.id,
	}), sess.id)
	return nil
}

// leaveRoom removes the session's peer from its room and notifies the
// remaining peers of the departure and of every producer that went down
// with it.
func (s *Server) leaveRoom(ctx context.Context, sess *peerSession) (domain.RoomID, error) {
	roomID := s.sessionRoom(sess)
	if roomID == "" {
		return "", domain.ErrNotInRoom
	}

	closedProducers, err := s.rooms.LeaveRoom(ctx, roomID, sess.id)
	if err != nil {
		// The room may have been removed while the session still pointed
		// at it. The peer is out either way; clear the stale membership so
		// the session can join again.
		if errors.Is(err, domain.ErrRoomNotFound) || errors.Is(err, domain.ErrNotInRoom) {
			s.mu.Lock()
			sess.roomID = ""
			s.mu.Unlock()
			return roomID, nil
		}
		return "", err
	}

	s.mu.Lock()
	sess.roomID = ""
	s.mu.Unlock()

	s.broadcast(roomID, NewEnvelope(MsgPeerLeft, PeerLeftData{PeerID: sess.id}), sess.id)
	for _, producerID := range closedProducers {
		s.broadcast(roomID, NewEnvelope(MsgProducerClosed, ProducerClosedData{
			ProducerID: producerID,
			PeerID:     sess.id,
		}), sess.id)
	}
	return roomID, nil
}

// disconnect runs the session's teardown exactly once: leave the room if
// joined, then drop the session.
func (s *Server) disconnect(sess *peerSession) {
	if _, err := s.leaveRoom(context.Background(), sess); err != nil && err != domain.ErrNotInRoom {
		s.logger.Infow("error leaving room on disconnect", "peer_id", sess.id, "error", err)
	}

	s.mu.Lock()
	delete(s.sessions, sess.id)
	s.mu.Unlock()

	s.logger.Infow("peer disconnected", "peer_id", sess.id)
}

func (s *Server) sessionRoom(sess *peerSession) domain.RoomID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sess.roomID
}

func (s *Server) send(sess *peerSession, msg Envelope) error {
	return sess.write(s.opts.WriteTimeout, msg)
}

func (s *Server) sendError(sess *peerSession, message string) {
	if err := s.send(sess, NewEnvelope(MsgError, ErrorData{Error: message})); err != nil {
		s.logger.Infow("error sending error reply", "peer_id", sess.id, "error", err)
	}
}

// broadcast sends msg to every peer in the room except exclude.
func (s *Server) broadcast(roomID domain.RoomID, msg Envelope, exclude domain.PeerID) {
	s.mu.RLock()
	targets := make([]*peerSession, 0, len(s.sessions))
	for id, sess := range s.sessions {
		if id != exclude && sess.roomID == roomID {
			targets = append(targets, sess)
		}
	}
	s.mu.RUnlock()

	for _, sess := range targets {
		if err := sess.write(s.opts.WriteTimeout, msg); err != nil {
			s.logger.Infow("error broadcasting to peer", "peer_id", sess.id, "type", msg.Type, "error", err)
		}
	}
}

// authorize verifies the handshake token when a secret is configured.
func (s *Server) authorize(r *http.Request) error {
	if s.opts.HandshakeSecret == "" {
		return nil
	}

	tokenStr := r.URL.Query().Get("token")
	if tokenStr == "" {
		if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
			tokenStr = strings.TrimPrefix(h, "Bearer ")
		}
	}
	if tokenStr == "" {
		return fmt.Errorf("missing handshake token")
	}

	_, err := jwt.Parse(tokenStr, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(s.opts.HandshakeSecret), nil
	})
	if err != nil {
		return fmt.Errorf("invalid handshake token: %w", err)
	}
	return nil
}

// ConnectedPeers returns the ids of every connected peer.
func (s *Server) ConnectedPeers() []domain.PeerID {
	s.mu.RLock()
	defer s.mu.RUnlock()

	peers := make([]domain.PeerID, 0, len(s.sessions))
	for id := range s.sessions {
		peers = append(peers, id)
	}
	return peers
}

// CloseConnections closes every live connection. Used on shutdown; the
// per-connection loops observe the close and run their room teardown.
func (s *Server) CloseConnections() {
	s.mu.RLock()
	sessions := make([]*peerSession, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.RUnlock()

	for _, sess := range sessions {
		sess.conn.Close()
	}
}

func (sess *peerSession) write(timeout time.Duration, v interface{}) error {
	sess.writeMu.Lock()
	defer sess.writeMu.Unlock()
	sess.conn.SetWriteDeadline(time.Now().Add(timeout))
	return sess.conn.WriteJSON(v)
}

func (sess *peerSession) ping(timeout time.Duration) error {
	sess.writeMu.Lock()
	defer sess.writeMu.Unlock()
	sess.conn.SetWriteDeadline(time.Now().Add(timeout))
	return sess.conn.WriteMessage(websocket.PingMessage, nil)
}
