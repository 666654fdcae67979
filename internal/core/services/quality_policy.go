package services

import (
	"time"

	"roomcast/internal/core/domain"
)

// QualityThresholds are the network limits the policy reacts to.
type QualityThresholds struct {
	PacketLoss       float64
	BitrateFloorKbps float64
	Latency          time.Duration
}

// DefaultThresholds returns the reference thresholds.
func DefaultThresholds() QualityThresholds {
	return QualityThresholds{
		PacketLoss:       0.1,
		BitrateFloorKbps: 500,
		Latency:          150 * time.Millisecond,
	}
}

// QualityPolicy maps aggregate telemetry plus the current tier to a target
// tier. The decision is pure: identical inputs always yield the same tier,
// and a tier equal to the current one means no renegotiation is needed.
type QualityPolicy struct {
	thresholds QualityThresholds
	tiers      domain.TierTable
}

func NewQualityPolicy(thresholds QualityThresholds) *QualityPolicy {
	return &QualityPolicy{
		thresholds: thresholds,
		tiers:      domain.DefaultTiers(),
	}
}

// Decide returns the tier the producer should run at given the current
// tier and the latest aggregate stats:
//   - severe loss (more than twice the loss threshold) drops straight to low
//   - bitrate under the floor steps one tier down
//   - a step up is taken only below high, and only when loss, bitrate and
//     latency are all inside their thresholds
//   - otherwise the current tier stands
func (qp *QualityPolicy) Decide(current domain.QualityTier, stats domain.AggregateStats) domain.QualityTier {
	if stats.PacketLossRatio > qp.thresholds.PacketLoss*2 {
		return domain.TierLow
	}
	if stats.BitrateKbps < qp.thresholds.BitrateFloorKbps {
		return stepDown(current)
	}
	if current < domain.TierHigh &&
		stats.PacketLossRatio <= qp.thresholds.PacketLoss &&
		stats.RTT <= qp.thresholds.Latency {
		return stepUp(current)
	}
	return current
}

// Params returns the encoder parameters of a tier.
func (qp *QualityPolicy) Params(tier domain.QualityTier) domain.TierParams {
	return qp.tiers[tier]
}

func stepDown(t domain.QualityTier) domain.QualityTier {
	if t > domain.TierLow {
		return t - 1
	}
	return domain.TierLow
}

func stepUp(t domain.QualityTier) domain.QualityTier {
	if t < domain.TierHigh {
		return t + 1
	}
	return domain.TierHigh
}
