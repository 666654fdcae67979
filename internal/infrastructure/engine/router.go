package engine

import (
	"strings"
	"sync"

	"roomcast/internal/core/domain"
)

// Router holds the shared codec capability set of one room and owns the
// transports created on it.
type Router struct {
	id     string
	engine *Engine
	caps   domain.RTPCapabilities

	mu         sync.Mutex
	transports []*Transport
	closed     bool
}

func (r *Router) ID() string { return r.id }

// Capabilities returns the router's codec capability set.
func (r *Router) Capabilities() domain.RTPCapabilities {
	return r.caps
}

// CreateTransport allocates a transport bound to the engine's listening
// parameters. The transport closes itself when its DTLS state reports
// closed.
func (r *Router) CreateTransport() (*Transport, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrClosed
	}
	r.mu.Unlock()

	t, err := newTransport(r.engine)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.transports = append(r.transports, t)
	r.mu.Unlock()

	t.OnClose(func() {
		r.removeTransport(t)
	})
	return t, nil
}

// CanConsume reports whether an endpoint with the given capabilities can
// consume the producer through this router.
func (r *Router) CanConsume(producer *Producer, caps domain.RTPCapabilities) bool {
	if producer == nil {
		return false
	}
	// The router itself must carry the producer's codecs before the remote
	// capabilities are even considered.
	if !r.caps.CanConsume(producer.RTPParameters()) {
		return false
	}
	return kindCapabilities(caps, producer.Kind()).CanConsume(producer.RTPParameters())
}

// Close closes every transport on the router (cascading to producers and
// consumers), then releases the router.
func (r *Router) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	transports := r.transports
	r.transports = nil
	r.mu.Unlock()

	for _, t := range transports {
		t.Close()
	}
	r.engine.removeRouter(r.id)
}

func (r *Router) removeTransport(t *Transport) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, other := range r.transports {
		if other == t {
			r.transports = append(r.transports[:i], r.transports[i+1:]...)
			return
		}
	}
}

// kindCapabilities filters the capability set down to codecs of the
// producer's media kind, so an audio-only endpoint cannot consume video.
func kindCapabilities(caps domain.RTPCapabilities, kind domain.MediaKind) domain.RTPCapabilities {
	prefix := string(kind) + "/"
	out := domain.RTPCapabilities{}
	for _, c := range caps.Codecs {
		if strings.HasPrefix(strings.ToLower(c.MimeType), prefix) {
			out.Codecs = append(out.Codecs, c)
		}
	}
	return out
}
