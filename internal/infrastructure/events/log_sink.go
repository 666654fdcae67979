package events

import (
	"context"
	"time"

	"roomcast/internal/core/domain"

	"go.uber.org/zap"
)

// LogSink writes events to the structured log. It is the default sink
// when Redis is not configured.
type LogSink struct {
	instanceID string
	logger     *zap.SugaredLogger
}

func NewLogSink(instanceID string, logger *zap.SugaredLogger) *LogSink {
	return &LogSink{instanceID: instanceID, logger: logger}
}

func (s *LogSink) Publish(ctx context.Context, event domain.Event) error {
	event.InstanceID = s.instanceID
	event.Timestamp = time.Now()
	s.logger.Infow("event",
		"type", event.Type,
		"room_id", event.RoomID,
		"peer_id", event.PeerID,
	)
	return nil
}

// NopSink discards events. Used in tests.
type NopSink struct{}

func (NopSink) Publish(ctx context.Context, event domain.Event) error { return nil }
