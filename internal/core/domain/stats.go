package domain

import "time"

// Stats entry types, matching WebRTC getStats naming.
const (
	StatsOutboundRTP      = "outbound-rtp"
	StatsRemoteInboundRTP = "remote-inbound-rtp"
)

// StatsSample is one raw per-stream telemetry entry.
type StatsSample struct {
	Type          string
	BytesSent     uint64
	PacketsSent   uint64
	PacketsLost   uint64
	RoundTripTime time.Duration
}

// AggregateStats is the reduced view of a batch of samples: the numbers the
// quality policy actually decides on.
type AggregateStats struct {
	BitrateKbps     float64
	PacketLossRatio float64
	RTT             time.Duration
}
