package services

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"roomcast/internal/core/domain"
	"roomcast/internal/core/ports"

	"go.uber.org/zap"
)

// QualityController runs the closed control loop per producer: on a fixed
// interval it pulls the producer's raw stats, reduces them, asks the policy
// for a target tier and, when the tier changes, reconfigures the encoder.
// The loop never blocks signaling and stops as soon as its producer closes.
type QualityController struct {
	policy  *QualityPolicy
	events  ports.EventSink
	metrics ports.Metrics
	logger  *zap.SugaredLogger

	checkInterval time.Duration

	mu    sync.RWMutex
	tiers map[domain.ProducerID]domain.QualityTier
}

func NewQualityController(
	policy *QualityPolicy,
	events ports.EventSink,
	metrics ports.Metrics,
	logger *zap.SugaredLogger,
	checkInterval time.Duration,
) *QualityController {
	if checkInterval <= 0 {
		checkInterval = 5 * time.Second
	}
	return &QualityController{
		policy:        policy,
		events:        events,
		metrics:       metrics,
		logger:        logger,
		checkInterval: checkInterval,
		tiers:         make(map[domain.ProducerID]domain.QualityTier),
	}
}

// Watch starts the control loop for one producer. It returns immediately;
// the loop runs until the producer closes or ctx is cancelled.
func (qc *QualityController) Watch(ctx context.Context, roomID domain.RoomID, producer ports.ManagedProducer) {
	qc.mu.Lock()
	qc.tiers[producer.ID()] = domain.TierHigh
	qc.mu.Unlock()

	go qc.monitor(ctx, roomID, producer)
}

// CurrentTier returns the tier a producer currently runs at.
func (qc *QualityController) CurrentTier(id domain.ProducerID) domain.QualityTier {
	qc.mu.RLock()
	defer qc.mu.RUnlock()
	return qc.tiers[id]
}

func (qc *QualityController) monitor(ctx context.Context, roomID domain.RoomID, producer ports.ManagedProducer) {
	ticker := time.NewTicker(qc.checkInterval)
	defer ticker.Stop()

	defer func() {
		qc.mu.Lock()
		delete(qc.tiers, producer.ID())
		qc.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-producer.Done():
			// Producer closed; no further ticks.
			return
		case <-ticker.C:
			qc.tick(ctx, roomID, producer)
		}
	}
}

func (qc *QualityController) tick(ctx context.Context, roomID domain.RoomID, producer ports.ManagedProducer) {
	stats := Analyze(producer.Stats())

	qc.mu.RLock()
	current := qc.tiers[producer.ID()]
	qc.mu.RUnlock()

	target := qc.policy.Decide(current, stats)
	if target == current {
		return
	}

	producer.ApplyEncoding(qc.policy.Params(target))

	qc.mu.Lock()
	qc.tiers[producer.ID()] = target
	qc.mu.Unlock()

	qc.logger.Infow("quality tier switched",
		"room_id", roomID,
		"producer_id", producer.ID(),
		"from", current.String(),
		"to", target.String(),
		"bitrate_kbps", stats.BitrateKbps,
		"packet_loss", stats.PacketLossRatio,
		"rtt", stats.RTT,
	)
	qc.metrics.TierSwitch(target)

	payload, _ := json.Marshal(map[string]interface{}{
		"producer_id": producer.ID(),
		"from":        current.String(),
		"to":          target.String(),
	})
	if err := qc.events.Publish(ctx, domain.Event{
		Type:    domain.EventQualityChanged,
		RoomID:  roomID,
		Payload: payload,
	}); err != nil {
		qc.logger.Warnw("failed to publish quality change event",
			"producer_id", producer.ID(),
			"error", err,
		)
	}
}
