// Package analytics provides fire-and-forget recording of relay traffic
// data points.
package analytics

import (
	"context"

	"go.uber.org/zap"
)

// Point is one recorded send event.
type Point struct {
	UniverseID  int64
	Topic       string
	Destination string
	ServerID    string
	// Payload is the serialized message body.
	Payload []byte
}

// Recorder accepts data points. Implementations must never block the caller
// on downstream failures; recording is strictly best-effort.
type Recorder interface {
	Record(ctx context.Context, p Point)
}

// LogRecorder writes data points to the structured log.
type LogRecorder struct {
	logger *zap.Logger
}

// NewLogRecorder creates a Recorder that logs each data point.
//
// Precondition: logger must be non-nil.
func NewLogRecorder(logger *zap.Logger) *LogRecorder {
	return &LogRecorder{logger: logger}
}

// Record logs the data point at debug level.
func (r *LogRecorder) Record(ctx context.Context, p Point) {
	r.logger.Debug("send recorded",
		zap.Int64("universe_id", p.UniverseID),
		zap.String("topic", p.Topic),
		zap.String("destination", p.Destination),
		zap.String("server_id", p.ServerID),
		zap.Int("payload_bytes", len(p.Payload)),
	)
}

// Noop discards all data points.
type Noop struct{}

// Record does nothing.
func (Noop) Record(ctx context.Context, p Point) {}
