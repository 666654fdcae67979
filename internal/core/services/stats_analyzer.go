package services

import (
	"roomcast/internal/core/domain"
)

// Analyze reduces a batch of raw per-stream telemetry samples to the
// aggregate view the quality policy decides on: bytes, packets and losses
// are summed across outbound entries, round-trip latency is read from the
// paired remote-inbound entry.
func Analyze(samples []domain.StatsSample) domain.AggregateStats {
	var bytesSent, packetsSent, packetsLost uint64
	agg := domain.AggregateStats{}

	for _, s := range samples {
		switch s.Type {
		case domain.StatsOutboundRTP:
			bytesSent += s.BytesSent
			packetsSent += s.PacketsSent
			packetsLost += s.PacketsLost
		case domain.StatsRemoteInboundRTP:
			agg.RTT = s.RoundTripTime
		}
	}

	if packetsSent > 0 {
		agg.PacketLossRatio = float64(packetsLost) / float64(packetsSent)
	}
	agg.BitrateKbps = float64(bytesSent) * 8 / 1000

	return agg
}
