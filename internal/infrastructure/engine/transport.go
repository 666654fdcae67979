package engine

import (
	"context"
	"sync"

	"roomcast/internal/core/domain"
	"roomcast/pkg/utils"

	"github.com/pion/webrtc/v3"
)

// TransportState is the lifecycle state of a transport.
type TransportState int

const (
	TransportCreated TransportState = iota
	TransportConnecting
	TransportConnected
	TransportClosed
)

func (s TransportState) String() string {
	switch s {
	case TransportCreated:
		return "created"
	case TransportConnecting:
		return "connecting"
	case TransportConnected:
		return "connected"
	case TransportClosed:
		return "closed"
	}
	return "unknown"
}

// Transport is one negotiated ICE/DTLS endpoint. All producers and
// consumers of one peer flow over its transport; closing it cascades to
// them in creation order, producers first.
type Transport struct {
	id     domain.TransportID
	engine *Engine
	port   uint16

	iceParams     domain.ICEParameters
	iceCandidates []domain.ICECandidate
	dtlsLocal     domain.DTLSParameters
	dtlsRemote    domain.DTLSParameters

	mu        sync.Mutex
	state     TransportState
	producers []*Producer
	consumers []*Consumer
	closeSubs []func()
}

func newTransport(e *Engine) (*Transport, error) {
	port, err := e.allocPort()
	if err != nil {
		return nil, err
	}
	t := &Transport{
		id:     domain.TransportID(utils.GenerateTransportID()),
		engine: e,
		port:   port,
		state:  TransportCreated,
		iceParams: domain.ICEParameters{
			UsernameFragment: randomHex(8),
			Password:         randomHex(16),
			ICELite:          true,
		},
		iceCandidates: []domain.ICECandidate{
			{
				Foundation: "udpcandidate",
				Priority:   1076302079,
				IP:         e.announcedIP(),
				Protocol:   "udp",
				Port:       port,
				Type:       "host",
			},
		},
		dtlsLocal: domain.DTLSParameters{
			Role:         "auto",
			Fingerprints: []webrtc.DTLSFingerprint{randomFingerprint()},
		},
	}
	return t, nil
}

func (t *Transport) ID() domain.TransportID { return t.id }

// Options returns the connection parameters relayed to the remote peer.
func (t *Transport) Options() *domain.TransportOptions {
	return &domain.TransportOptions{
		ID:             t.id,
		ICEParameters:  t.iceParams,
		ICECandidates:  t.iceCandidates,
		DTLSParameters: t.dtlsLocal,
	}
}

// State returns the current lifecycle state.
func (t *Transport) State() TransportState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Connect completes the DTLS handshake with the remote side. A second call
// is rejected, as is a call on a closed transport. The wait is bounded by
// ctx; on expiry the transport stays unconnected and ErrConnectTimeout is
// returned.
func (t *Transport) Connect(ctx context.Context, remote domain.DTLSParameters) error {
	t.mu.Lock()
	switch t.state {
	case TransportClosed:
		t.mu.Unlock()
		return domain.ErrTransportClosed
	case TransportConnecting, TransportConnected:
		t.mu.Unlock()
		return domain.ErrTransportConnected
	}
	if len(remote.Fingerprints) == 0 {
		t.mu.Unlock()
		return domain.ErrIncompatibleCapabilities
	}
	t.state = TransportConnecting
	t.mu.Unlock()

	done := make(chan struct{})
	go func() {
		// Handshake settles internally; the engine has no remote wire to
		// wait on.
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		t.mu.Lock()
		if t.state == TransportConnecting {
			t.state = TransportCreated
		}
		t.mu.Unlock()
		return domain.ErrConnectTimeout
	}

	t.mu.Lock()
	if t.state == TransportClosed {
		t.mu.Unlock()
		return domain.ErrTransportClosed
	}
	t.dtlsRemote = remote
	t.state = TransportConnected
	t.mu.Unlock()
	return nil
}

// HandleDTLSStateChange mirrors the remote DTLS state into the transport;
// a reported "closed" closes the transport, cascading to its producers and
// consumers.
func (t *Transport) HandleDTLSStateChange(state string) {
	if state == "closed" {
		t.Close()
	}
}

// OnClose subscribes fn to transport closure. Subscribers run synchronously
// in Close, in subscription order, after producers and consumers have been
// closed.
func (t *Transport) OnClose(fn func()) {
	t.mu.Lock()
	closed := t.state == TransportClosed
	if !closed {
		t.closeSubs = append(t.closeSubs, fn)
	}
	t.mu.Unlock()
	if closed {
		fn()
	}
}

// Close closes the transport and everything bound to it: producers first
// (each cascading to its consumers, wherever they live), then the
// consumers bound to this transport, then the close subscribers.
func (t *Transport) Close() {
	t.mu.Lock()
	if t.state == TransportClosed {
		t.mu.Unlock()
		return
	}
	t.state = TransportClosed
	producers := t.producers
	consumers := t.consumers
	subs := t.closeSubs
	t.producers = nil
	t.consumers = nil
	t.closeSubs = nil
	t.mu.Unlock()

	for _, p := range producers {
		p.Close()
	}
	for _, c := range consumers {
		c.Close()
	}
	for _, fn := range subs {
		fn()
	}
	t.engine.freePort(t.port)
}

// Produce creates a producer bound to this transport. The producer closes
// whenever the transport closes.
func (t *Transport) Produce(kind domain.MediaKind, params domain.RTPParameters) (*Producer, error) {
	if !kind.Valid() {
		return nil, domain.ErrInvalidMediaKind
	}
	return newProducer(t, kind, params)
}

// Consume creates a paused consumer of the given producer bound to this
// transport. It closes when either the producer or the transport closes.
func (t *Transport) Consume(p *Producer) (*Consumer, error) {
	return newConsumer(t, p)
}

func (t *Transport) addProducer(p *Producer) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == TransportClosed {
		return domain.ErrTransportClosed
	}
	t.producers = append(t.producers, p)
	return nil
}

func (t *Transport) removeProducer(p *Producer) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, other := range t.producers {
		if other == p {
			t.producers = append(t.producers[:i], t.producers[i+1:]...)
			return
		}
	}
}

func (t *Transport) addConsumer(c *Consumer) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == TransportClosed {
		return domain.ErrTransportClosed
	}
	t.consumers = append(t.consumers, c)
	return nil
}

func (t *Transport) removeConsumer(c *Consumer) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, other := range t.consumers {
		if other == c {
			t.consumers = append(t.consumers[:i], t.consumers[i+1:]...)
			return
		}
	}
}
