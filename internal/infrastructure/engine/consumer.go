package engine

import (
	"sync"
	"sync/atomic"

	"roomcast/internal/core/domain"
	"roomcast/pkg/utils"

	"github.com/pion/rtp"
)

// Consumer forwards one producer's stream to a subscribing peer. It is
// created paused and delivers nothing until Resume. It closes when its
// source producer closes or its transport closes, whichever happens first.
type Consumer struct {
	id         domain.ConsumerID
	kind       domain.MediaKind
	producerID domain.ProducerID
	producer   *Producer
	transport  *Transport
	rtpParams  domain.RTPParameters

	paused    atomic.Bool
	delivered atomic.Uint64

	mu        sync.Mutex
	out       chan *rtp.Packet
	closeSubs []func()
	closed    bool
}

func newConsumer(t *Transport, p *Producer) (*Consumer, error) {
	c := &Consumer{
		id:         domain.ConsumerID(utils.GenerateConsumerID()),
		kind:       p.Kind(),
		producerID: p.ID(),
		producer:   p,
		transport:  t,
		rtpParams:  p.RTPParameters(),
		out:        make(chan *rtp.Packet, 256),
	}
	c.paused.Store(true)
	if err := t.addConsumer(c); err != nil {
		return nil, err
	}
	// Membership in the producer's consumer list is what ties the
	// lifetimes together: the producer closes its consumers from that
	// list, and an individually closed consumer prunes itself from it.
	if err := p.addConsumer(c); err != nil {
		t.removeConsumer(c)
		return nil, err
	}
	return c, nil
}

func (c *Consumer) ID() domain.ConsumerID         { return c.id }
func (c *Consumer) Kind() domain.MediaKind        { return c.kind }
func (c *Consumer) ProducerID() domain.ProducerID { return c.producerID }

// RTPParameters returns the negotiated wire parameters.
func (c *Consumer) RTPParameters() domain.RTPParameters { return c.rtpParams }

// Paused reports whether the consumer is still paused.
func (c *Consumer) Paused() bool { return c.paused.Load() }

// Resume starts media flow.
func (c *Consumer) Resume() {
	c.paused.Store(false)
}

// Delivered returns the number of packets forwarded so far.
func (c *Consumer) Delivered() uint64 { return c.delivered.Load() }

// Packets exposes the forwarded packet stream.
func (c *Consumer) Packets() <-chan *rtp.Packet { return c.out }

func (c *Consumer) deliver(pkt *rtp.Packet) {
	if c.paused.Load() {
		return
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	select {
	case c.out <- pkt:
		c.delivered.Add(1)
	default:
		// Receiver is not draining; drop rather than block the fan-out.
	}
	c.mu.Unlock()
}

// OnClose subscribes fn to consumer closure.
func (c *Consumer) OnClose(fn func()) {
	c.mu.Lock()
	closed := c.closed
	if !closed {
		c.closeSubs = append(c.closeSubs, fn)
	}
	c.mu.Unlock()
	if closed {
		fn()
	}
}

// Close detaches the consumer from its producer and transport.
func (c *Consumer) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	subs := c.closeSubs
	c.closeSubs = nil
	close(c.out)
	c.mu.Unlock()

	c.transport.removeConsumer(c)
	c.producer.removeConsumer(c)
	for _, fn := range subs {
		fn()
	}
}
