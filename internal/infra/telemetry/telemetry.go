// Package telemetry provides a fire-and-forget event reporter. Emit never
// blocks and never panics; delivery is best effort and loss is non-fatal.
package telemetry

import (
	"context"
	"time"
)

// Level indicates event severity.
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Event is a single telemetry entry.
type Event struct {
	Time    time.Time `json:"time"`
	Level   Level     `json:"level"`
	Tag     string    `json:"tag"`
	Message string    `json:"message"`
	Cause   string    `json:"cause,omitempty"`
}

// Sink accepts telemetry events.
type Sink interface {
	Emit(level Level, tag, message string, cause error)
}

// Transport ships batches of events somewhere.
type Transport interface {
	Send(ctx context.Context, events []Event) error
	Close() error
}

// NopSink discards everything. Used in tests and as a safe default.
type NopSink struct{}

func (NopSink) Emit(level Level, tag, message string, cause error) {}
