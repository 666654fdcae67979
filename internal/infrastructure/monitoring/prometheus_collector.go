package monitoring

import (
	"roomcast/internal/core/domain"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusCollector implements ports.Metrics on a Prometheus registry.
// Metrics are registered on the given registerer so tests can use a fresh
// one instead of the global default.
type PrometheusCollector struct {
	roomsActive     prometheus.Gauge
	roomsTotal      prometheus.Counter
	peersActive     *prometheus.GaugeVec
	peersTotal      prometheus.Counter
	producersActive *prometheus.GaugeVec
	producersTotal  *prometheus.CounterVec
	consumersActive prometheus.Gauge
	consumersTotal  prometheus.Counter
	tierSwitches    *prometheus.CounterVec
	signalMessages  *prometheus.CounterVec
}

func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	factory := promauto.With(reg)
	return &PrometheusCollector{
		roomsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "roomcast_rooms_active",
			Help: "Number of rooms currently open",
		}),

		roomsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "roomcast_rooms_created_total",
			Help: "Total number of rooms created",
		}),

		peersActive: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "roomcast_peers_active",
			Help: "Number of peers currently in each room",
		}, []string{"room_id"}),

		peersTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "roomcast_peers_joined_total",
			Help: "Total number of peer joins",
		}),

		producersActive: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "roomcast_producers_active",
			Help: "Number of live producers by media kind",
		}, []string{"kind"}),

		producersTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "roomcast_producers_created_total",
			Help: "Total number of producers created by media kind",
		}, []string{"kind"}),

		consumersActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "roomcast_consumers_active",
			Help: "Number of live consumers",
		}),

		consumersTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "roomcast_consumers_created_total",
			Help: "Total number of consumers created",
		}),

		tierSwitches: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "roomcast_quality_tier_switches_total",
			Help: "Total number of quality tier switches by target tier",
		}, []string{"tier"}),

		signalMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "roomcast_signal_messages_total",
			Help: "Total number of signaling messages received by type",
		}, []string{"type"}),
	}
}

func (p *PrometheusCollector) RoomCreated() {
	p.roomsActive.Inc()
	p.roomsTotal.Inc()
}

func (p *PrometheusCollector) RoomRemoved() {
	p.roomsActive.Dec()
}

func (p *PrometheusCollector) PeerJoined(roomID domain.RoomID) {
	p.peersActive.WithLabelValues(string(roomID)).Inc()
	p.peersTotal.Inc()
}

func (p *PrometheusCollector) PeerLeft(roomID domain.RoomID) {
	p.peersActive.WithLabelValues(string(roomID)).Dec()
}

func (p *PrometheusCollector) ProducerCreated(kind domain.MediaKind) {
	p.producersActive.WithLabelValues(string(kind)).Inc()
	p.producersTotal.WithLabelValues(string(kind)).Inc()
}

func (p *PrometheusCollector) ProducerClosed(kind domain.MediaKind) {
	p.producersActive.WithLabelValues(string(kind)).Dec()
}

func (p *PrometheusCollector) ConsumerCreated() {
	p.consumersActive.Inc()
	p.consumersTotal.Inc()
}

func (p *PrometheusCollector) ConsumerClosed() {
	p.consumersActive.Dec()
}

func (p *PrometheusCollector) TierSwitch(tier domain.QualityTier) {
	p.tierSwitches.WithLabelValues(tier.String()).Inc()
}

func (p *PrometheusCollector) SignalMessage(msgType string) {
	p.signalMessages.WithLabelValues(msgType).Inc()
}

// NopMetrics discards all measurements. Used in tests.
type NopMetrics struct{}

func (NopMetrics) RoomCreated()                     {}
func (NopMetrics) RoomRemoved()                     {}
func (NopMetrics) PeerJoined(domain.RoomID)         {}
func (NopMetrics) PeerLeft(domain.RoomID)           {}
func (NopMetrics) ProducerCreated(domain.MediaKind) {}
func (NopMetrics) ProducerClosed(domain.MediaKind)  {}
func (NopMetrics) ConsumerCreated()                 {}
func (NopMetrics) ConsumerClosed()                  {}
func (NopMetrics) TierSwitch(domain.QualityTier)    {}
func (NopMetrics) SignalMessage(string)             {}
