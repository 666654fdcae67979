package media

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"roomcast/internal/core/domain"
	"roomcast/internal/core/ports"
	"roomcast/internal/core/services"
	"roomcast/internal/infrastructure/engine"

	"go.uber.org/zap"
)

// RoomService owns every room and its transport/producer/consumer
// registries. It is the single application-state object: construct one,
// pass it to the signaling dispatcher, tear it down on shutdown.
//
// All mutating operations on the same room are serialized by that room's
// mutex; no lock is ever held across two rooms. Engine close cascades are
// only ever triggered while the owning room's mutex is held, so the
// registry cleanup hooks they fire mutate room state without re-locking.
type RoomService struct {
	engine     *engine.Engine
	controller *services.QualityController
	events     ports.EventSink
	metrics    ports.Metrics
	logger     *zap.SugaredLogger

	connectTimeout time.Duration
	idleTTL        time.Duration
	reapInterval   time.Duration

	mu    sync.RWMutex
	rooms map[domain.RoomID]*room
}

type room struct {
	id        domain.RoomID
	createdAt time.Time

	mu         sync.Mutex
	router     *engine.Router
	transports map[domain.TransportID]*transportEntry
	producers  map[domain.ProducerID]*producerEntry
	consumers  map[domain.ConsumerID]*consumerEntry
	peers      map[domain.PeerID]*peerState
	emptySince time.Time

	// Closures recorded by close hooks while mu is held; published by
	// flushClosures once it is released.
	pendingProducerCloses []producerClosure
	pendingConsumerCloses int
}

type producerClosure struct {
	owner domain.PeerID
	id    domain.ProducerID
	kind  domain.MediaKind
}

type transportEntry struct {
	transport *engine.Transport
	owner     domain.PeerID
}

type producerEntry struct {
	producer *engine.Producer
	owner    domain.PeerID
}

type consumerEntry struct {
	consumer *engine.Consumer
	owner    domain.PeerID
}

// peerState tracks the ids a peer owns. These sets are the single source
// of truth for cleanup: a room registry never holds an entry its owning
// peer does not track here.
type peerState struct {
	transports map[domain.TransportID]struct{}
	producers  map[domain.ProducerID]struct{}
	consumers  map[domain.ConsumerID]struct{}
}

func newPeerState() *peerState {
	return &peerState{
		transports: make(map[domain.TransportID]struct{}),
		producers:  make(map[domain.ProducerID]struct{}),
		consumers:  make(map[domain.ConsumerID]struct{}),
	}
}

// Options configures a RoomService.
type Options struct {
	ConnectTimeout time.Duration
	IdleTTL        time.Duration
	ReapInterval   time.Duration
}

func NewRoomService(
	eng *engine.Engine,
	controller *services.QualityController,
	events ports.EventSink,
	metrics ports.Metrics,
	logger *zap.SugaredLogger,
	opts Options,
) *RoomService {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 10 * time.Second
	}
	if opts.IdleTTL <= 0 {
		opts.IdleTTL = 5 * time.Minute
	}
	if opts.ReapInterval <= 0 {
		opts.ReapInterval = 30 * time.Second
	}
	return &RoomService{
		engine:         eng,
		controller:     controller,
		events:         events,
		metrics:        metrics,
		logger:         logger,
		connectTimeout: opts.ConnectTimeout,
		idleTTL:        opts.IdleTTL,
		reapInterval:   opts.ReapInterval,
		rooms:          make(map[domain.RoomID]*room),
	}
}

// JoinRoom creates the room on first join (idempotent) and registers the
// peer in it.
func (s *RoomService) JoinRoom(ctx context.Context, roomID domain.RoomID, peerID domain.PeerID) error {
	r, created, err := s.getOrCreateRoom(roomID)
	if err != nil {
		return err
	}

	r.mu.Lock()
	if _, ok := r.peers[peerID]; !ok {
		r.peers[peerID] = newPeerState()
	}
	r.emptySince = time.Time{}
	r.mu.Unlock()

	if created {
		s.metrics.RoomCreated()
		s.publish(ctx, domain.Event{Type: domain.EventRoomCreated, RoomID: roomID})
		s.logger.Infow("room created", "room_id", roomID)
	}
	s.metrics.PeerJoined(roomID)
	s.publish(ctx, domain.Event{Type: domain.EventPeerJoined, RoomID: roomID, PeerID: peerID})
	return nil
}

// LeaveRoom cascade-closes everything the peer owns and removes the peer.
// It returns the producers that were closed so remote consumers can be
// notified.
func (s *RoomService) LeaveRoom(ctx context.Context, roomID domain.RoomID, peerID domain.PeerID) ([]domain.ProducerID, error) {
	r, err := s.getRoom(roomID)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	peer, ok := r.peers[peerID]
	if !ok {
		r.mu.Unlock()
		return nil, domain.ErrNotInRoom
	}

	closedProducers := make([]domain.ProducerID, 0, len(peer.producers))
	for id := range peer.producers {
		closedProducers = append(closedProducers, id)
	}

	// Closing the peer's transports cascades to its producers and
	// consumers; the close hooks prune the registries and this peer's
	// sets as each object goes down.
	transports := make([]*engine.Transport, 0, len(peer.transports))
	for id := range peer.transports {
		if entry, ok := r.transports[id]; ok {
			transports = append(transports, entry.transport)
		}
	}
	for _, t := range transports {
		t.Close()
	}

	delete(r.peers, peerID)
	if len(r.peers) == 0 {
		r.emptySince = time.Now()
	}
	r.mu.Unlock()

	s.flushClosures(r)
	s.metrics.PeerLeft(roomID)
	s.publish(ctx, domain.Event{Type: domain.EventPeerLeft, RoomID: roomID, PeerID: peerID})
	s.logger.Infow("peer left room", "room_id", roomID, "peer_id", peerID, "closed_producers", len(closedProducers))
	return closedProducers, nil
}

// RouterCapabilities returns the room's codec capability set.
func (s *RoomService) RouterCapabilities(ctx context.Context, roomID domain.RoomID) (domain.RTPCapabilities, error) {
	r, err := s.getRoom(roomID)
	if err != nil {
		return domain.RTPCapabilities{}, err
	}
	return r.router.Capabilities(), nil
}

// CreateTransport allocates a transport for the peer and returns the
// connection parameters to relay to the remote side.
func (s *RoomService) CreateTransport(ctx context.Context, roomID domain.RoomID, peerID domain.PeerID) (*domain.TransportOptions, error) {
	r, err := s.getRoom(roomID)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	peer, ok := r.peers[peerID]
	if !ok {
		return nil, domain.ErrNotInRoom
	}

	t, err := r.router.CreateTransport()
	if err != nil {
		return nil, err
	}

	id := t.ID()
	r.transports[id] = &transportEntry{transport: t, owner: peerID}
	peer.transports[id] = struct{}{}
	t.OnClose(func() {
		delete(r.transports, id)
		if p, ok := r.peers[peerID]; ok {
			delete(p.transports, id)
		}
	})

	s.logger.Infow("transport created", "room_id", roomID, "peer_id", peerID, "transport_id", id)
	return t.Options(), nil
}

// ConnectTransport completes the transport's DTLS handshake. The wait is
// bounded; a second connect on the same transport is rejected.
func (s *RoomService) ConnectTransport(ctx context.Context, roomID domain.RoomID, peerID domain.PeerID, transportID domain.TransportID, dtls domain.DTLSParameters) error {
	r, err := s.getRoom(roomID)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.peers[peerID]; !ok {
		return domain.ErrNotInRoom
	}
	entry, ok := r.transports[transportID]
	if !ok || entry.owner != peerID {
		return domain.ErrTransportNotFound
	}

	ctx, cancel := context.WithTimeout(ctx, s.connectTimeout)
	defer cancel()
	return entry.transport.Connect(ctx, dtls)
}

// Produce creates a producer on the peer's transport and starts the
// quality control loop for it.
func (s *RoomService) Produce(ctx context.Context, roomID domain.RoomID, peerID domain.PeerID, transportID domain.TransportID, kind domain.MediaKind, rtp domain.RTPParameters) (domain.ProducerID, error) {
	r, err := s.getRoom(roomID)
	if err != nil {
		return "", err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	peer, ok := r.peers[peerID]
	if !ok {
		return "", domain.ErrNotInRoom
	}
	entry, ok := r.transports[transportID]
	if !ok || entry.owner != peerID {
		return "", domain.ErrTransportNotFound
	}

	p, err := entry.transport.Produce(kind, rtp)
	if err != nil {
		return "", err
	}

	id := p.ID()
	r.producers[id] = &producerEntry{producer: p, owner: peerID}
	peer.producers[id] = struct{}{}
	p.OnClose(func() {
		delete(r.producers, id)
		if ps, ok := r.peers[peerID]; ok {
			delete(ps.producers, id)
		}
		r.pendingProducerCloses = append(r.pendingProducerCloses, producerClosure{owner: peerID, id: id, kind: kind})
	})

	s.controller.Watch(context.Background(), roomID, p)

	s.metrics.ProducerCreated(kind)
	s.publishProducerCreated(ctx, roomID, peerID, id, kind)
	s.logger.Infow("producer created", "room_id", roomID, "peer_id", peerID, "producer_id", id, "kind", kind)
	return id, nil
}

// Consume creates a paused consumer of the producer on a transport owned
// by the consuming peer. Nothing is created when the capability check
// fails.
func (s *RoomService) Consume(ctx context.Context, roomID domain.RoomID, peerID domain.PeerID, producerID domain.ProducerID, caps domain.RTPCapabilities) (*domain.ConsumerInfo, error) {
	r, err := s.getRoom(roomID)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	peer, ok := r.peers[peerID]
	if !ok {
		return nil, domain.ErrNotInRoom
	}
	pe, ok := r.producers[producerID]
	if !ok {
		return nil, domain.ErrProducerNotFound
	}
	if !r.router.CanConsume(pe.producer, caps) {
		return nil, domain.ErrIncompatibleCapabilities
	}
	transport := s.findPeerTransport(r, peerID)
	if transport == nil {
		return nil, domain.ErrTransportNotFound
	}

	c, err := transport.Consume(pe.producer)
	if err != nil {
		return nil, err
	}

	id := c.ID()
	r.consumers[id] = &consumerEntry{consumer: c, owner: peerID}
	peer.consumers[id] = struct{}{}
	c.OnClose(func() {
		delete(r.consumers, id)
		if ps, ok := r.peers[peerID]; ok {
			delete(ps.consumers, id)
		}
		r.pendingConsumerCloses++
	})

	s.metrics.ConsumerCreated()
	s.publish(ctx, domain.Event{Type: domain.EventConsumerCreated, RoomID: roomID, PeerID: peerID})
	s.logger.Infow("consumer created",
		"room_id", roomID,
		"peer_id", peerID,
		"consumer_id", id,
		"producer_id", producerID,
		"kind", c.Kind(),
	)
	return &domain.ConsumerInfo{
		ID:            id,
		ProducerID:    producerID,
		Kind:          c.Kind(),
		RTPParameters: c.RTPParameters(),
	}, nil
}

// ResumeConsumer flips the consumer from paused to active; media begins
// flowing.
func (s *RoomService) ResumeConsumer(ctx context.Context, roomID domain.RoomID, peerID domain.PeerID, consumerID domain.ConsumerID) error {
	r, err := s.getRoom(roomID)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.consumers[consumerID]
	if !ok || entry.owner != peerID {
		return domain.ErrConsumerNotFound
	}
	entry.consumer.Resume()
	return nil
}

// CloseProducer closes a producer the peer owns, cascading to every
// consumer subscribed to it.
func (s *RoomService) CloseProducer(ctx context.Context, roomID domain.RoomID, peerID domain.PeerID, producerID domain.ProducerID) error {
	r, err := s.getRoom(roomID)
	if err != nil {
		return err
	}

	r.mu.Lock()
	entry, ok := r.producers[producerID]
	if !ok || entry.owner != peerID {
		r.mu.Unlock()
		return domain.ErrProducerNotFound
	}
	entry.producer.Close()
	r.mu.Unlock()

	s.flushClosures(r)
	return nil
}

// RemoveRoom closes all of the room's transports (cascading to producers
// and consumers), then releases the router.
func (s *RoomService) RemoveRoom(ctx context.Context, roomID domain.RoomID) error {
	s.mu.Lock()
	r, ok := s.rooms[roomID]
	if !ok {
		s.mu.Unlock()
		return domain.ErrRoomNotFound
	}
	delete(s.rooms, roomID)
	s.mu.Unlock()

	r.mu.Lock()
	r.router.Close()
	r.peers = make(map[domain.PeerID]*peerState)
	r.mu.Unlock()

	s.flushClosures(r)
	s.metrics.RoomRemoved()
	s.publish(ctx, domain.Event{Type: domain.EventRoomRemoved, RoomID: roomID})
	s.logger.Infow("room removed", "room_id", roomID)
	return nil
}

// Rooms returns a snapshot of every room.
func (s *RoomService) Rooms(ctx context.Context) []domain.RoomInfo {
	s.mu.RLock()
	rooms := make([]*room, 0, len(s.rooms))
	for _, r := range s.rooms {
		rooms = append(rooms, r)
	}
	s.mu.RUnlock()

	infos := make([]domain.RoomInfo, 0, len(rooms))
	for _, r := range rooms {
		r.mu.Lock()
		infos = append(infos, domain.RoomInfo{
			ID:         r.id,
			Peers:      len(r.peers),
			Transports: len(r.transports),
			Producers:  len(r.producers),
			Consumers:  len(r.consumers),
			CreatedAt:  r.createdAt,
		})
		r.mu.Unlock()
	}
	return infos
}

// StartReaper removes rooms that have had no peers for the idle TTL. It
// returns when ctx is cancelled.
func (s *RoomService) StartReaper(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(s.reapInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.reapIdleRooms(ctx)
			}
		}
	}()
}

// Close tears down every room then the engine. Used on process shutdown.
func (s *RoomService) Close(ctx context.Context) {
	s.mu.Lock()
	ids := make([]domain.RoomID, 0, len(s.rooms))
	for id := range s.rooms {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	for _, id := range ids {
		if err := s.RemoveRoom(ctx, id); err != nil {
			s.logger.Warnw("error removing room during shutdown", "room_id", id, "error", err)
		}
	}
	s.engine.Close()
}

func (s *RoomService) reapIdleRooms(ctx context.Context) {
	s.mu.RLock()
	candidates := make([]domain.RoomID, 0)
	for id, r := range s.rooms {
		r.mu.Lock()
		idle := len(r.peers) == 0 && !r.emptySince.IsZero() && time.Since(r.emptySince) >= s.idleTTL
		r.mu.Unlock()
		if idle {
			candidates = append(candidates, id)
		}
	}
	s.mu.RUnlock()

	for _, id := range candidates {
		if err := s.RemoveRoom(ctx, id); err == nil {
			s.logger.Infow("idle room reaped", "room_id", id)
		}
	}
}

func (s *RoomService) getRoom(roomID domain.RoomID) (*room, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rooms[roomID]
	if !ok {
		return nil, domain.ErrRoomNotFound
	}
	return r, nil
}

func (s *RoomService) getOrCreateRoom(roomID domain.RoomID) (*room, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if r, ok := s.rooms[roomID]; ok {
		return r, false, nil
	}

	router, err := s.engine.NewRouter()
	if err != nil {
		return nil, false, err
	}
	r := &room{
		id:         roomID,
		createdAt:  time.Now(),
		router:     router,
		transports: make(map[domain.TransportID]*transportEntry),
		producers:  make(map[domain.ProducerID]*producerEntry),
		consumers:  make(map[domain.ConsumerID]*consumerEntry),
		peers:      make(map[domain.PeerID]*peerState),
	}
	s.rooms[roomID] = r
	return r, true, nil
}

// findPeerTransport returns a transport owned by the peer, preferring a
// connected one.
func (s *RoomService) findPeerTransport(r *room, peerID domain.PeerID) *engine.Transport {
	var fallback *engine.Transport
	for _, entry := range r.transports {
		if entry.owner != peerID {
			continue
		}
		if entry.transport.State() == engine.TransportConnected {
			return entry.transport
		}
		if fallback == nil {
			fallback = entry.transport
		}
	}
	return fallback
}

// flushClosures publishes the closures recorded by close hooks. The hooks
// run with the room mutex held; publishing waits until it is released so a
// slow event sink never stalls the room's other operations.
func (s *RoomService) flushClosures(r *room) {
	r.mu.Lock()
	producers := r.pendingProducerCloses
	consumers := r.pendingConsumerCloses
	r.pendingProducerCloses = nil
	r.pendingConsumerCloses = 0
	r.mu.Unlock()

	for _, pc := range producers {
		s.metrics.ProducerClosed(pc.kind)
		s.publishProducerClosed(r.id, pc.owner, pc.id)
	}
	for i := 0; i < consumers; i++ {
		s.metrics.ConsumerClosed()
	}
}

func (s *RoomService) publish(ctx context.Context, event domain.Event) {
	if err := s.events.Publish(ctx, event); err != nil {
		s.logger.Warnw("failed to publish event", "type", event.Type, "error", err)
	}
}

func (s *RoomService) publishProducerCreated(ctx context.Context, roomID domain.RoomID, peerID domain.PeerID, id domain.ProducerID, kind domain.MediaKind) {
	payload, _ := json.Marshal(map[string]interface{}{
		"producer_id": id,
		"kind":        kind,
	})
	s.publish(ctx, domain.Event{Type: domain.EventProducerCreated, RoomID: roomID, PeerID: peerID, Payload: payload})
}

func (s *RoomService) publishProducerClosed(roomID domain.RoomID, peerID domain.PeerID, id domain.ProducerID) {
	payload, _ := json.Marshal(map[string]interface{}{
		"producer_id": id,
	})
	s.publish(context.Background(), domain.Event{Type: domain.EventProducerClosed, RoomID: roomID, PeerID: peerID, Payload: payload})
}
