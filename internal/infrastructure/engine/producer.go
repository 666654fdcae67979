package engine

import (
	"sync"
	"time"

	"roomcast/internal/core/domain"
	"roomcast/pkg/utils"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
)

// Producer is one inbound media stream. It fans RTP packets out to its
// consumers and accumulates outbound telemetry for the quality controller.
type Producer struct {
	id        domain.ProducerID
	kind      domain.MediaKind
	transport *Transport

	mu        sync.Mutex
	rtpParams domain.RTPParameters
	encoding  domain.TierParams
	consumers []*Consumer
	closeSubs []func()
	closed    bool

	// Telemetry window, reset on every Stats call.
	bytesSent   uint64
	packetsSent uint64
	packetsLost uint64
	rtt         time.Duration

	done chan struct{}
}

func newProducer(t *Transport, kind domain.MediaKind, params domain.RTPParameters) (*Producer, error) {
	p := &Producer{
		id:        domain.ProducerID(utils.GenerateProducerID()),
		kind:      kind,
		transport: t,
		rtpParams: params,
		encoding:  domain.DefaultTiers()[domain.TierHigh],
		done:      make(chan struct{}),
	}
	if err := t.addProducer(p); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Producer) ID() domain.ProducerID  { return p.id }
func (p *Producer) Kind() domain.MediaKind { return p.kind }

// RTPParameters returns the stream's wire encoding description.
func (p *Producer) RTPParameters() domain.RTPParameters {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rtpParams
}

// Done is closed when the producer closes.
func (p *Producer) Done() <-chan struct{} { return p.done }

// WriteRTP forwards one packet to every non-paused consumer and updates the
// outbound counters.
func (p *Producer) WriteRTP(pkt *rtp.Packet) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	p.bytesSent += uint64(len(pkt.Payload)) + 12 // RTP header
	p.packetsSent++
	consumers := make([]*Consumer, len(p.consumers))
	copy(consumers, p.consumers)
	p.mu.Unlock()

	for _, c := range consumers {
		c.deliver(pkt)
	}
	return nil
}

// HandleRTCP folds remote receiver reports into the telemetry window.
func (p *Producer) HandleRTCP(packets []rtcp.Packet) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	for _, packet := range packets {
		rr, ok := packet.(*rtcp.ReceiverReport)
		if !ok {
			continue
		}
		for _, report := range rr.Reports {
			p.packetsLost += uint64(report.FractionLost)
			if report.LastSenderReport != 0 && report.Delay != 0 {
				p.rtt = time.Duration(report.Delay) * time.Second / 65536
			}
		}
	}
}

// Stats returns the telemetry samples accumulated since the previous call
// and resets the window.
func (p *Producer) Stats() []domain.StatsSample {
	p.mu.Lock()
	defer p.mu.Unlock()
	samples := []domain.StatsSample{
		{
			Type:        domain.StatsOutboundRTP,
			BytesSent:   p.bytesSent,
			PacketsSent: p.packetsSent,
			PacketsLost: p.packetsLost,
		},
		{
			Type:          domain.StatsRemoteInboundRTP,
			RoundTripTime: p.rtt,
		},
	}
	p.bytesSent = 0
	p.packetsSent = 0
	p.packetsLost = 0
	return samples
}

// ApplyEncoding reconfigures the encoder to the given tier parameters.
func (p *Producer) ApplyEncoding(params domain.TierParams) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.encoding = params
	p.rtpParams.Encodings = []domain.RTPEncodingParameters{
		{
			MaxBitrate:            params.MaxBitrate,
			ScaleResolutionDownBy: params.SpatialScale,
			MaxFramerate:          params.MaxFramerate,
		},
	}
}

// Encoding returns the currently applied encoder parameters.
func (p *Producer) Encoding() domain.TierParams {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.encoding
}

// OnClose subscribes fn to producer closure. Subscribers run synchronously
// in Close, after every consumer of this producer has been closed.
func (p *Producer) OnClose(fn func()) {
	p.mu.Lock()
	closed := p.closed
	if !closed {
		p.closeSubs = append(p.closeSubs, fn)
	}
	p.mu.Unlock()
	if closed {
		fn()
	}
}

// Close closes the producer and every consumer subscribed to it.
func (p *Producer) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	consumers := p.consumers
	subs := p.closeSubs
	p.consumers = nil
	p.closeSubs = nil
	p.mu.Unlock()

	for _, c := range consumers {
		c.Close()
	}
	p.transport.removeProducer(p)
	for _, fn := range subs {
		fn()
	}
	close(p.done)
}

func (p *Producer) addConsumer(c *Consumer) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	p.consumers = append(p.consumers, c)
	return nil
}

func (p *Producer) removeConsumer(c *Consumer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, other := range p.consumers {
		if other == c {
			p.consumers = append(p.consumers[:i], p.consumers[i+1:]...)
			return
		}
	}
}
