package telemetry

import (
	"context"
	"log/slog"
)

// SlogTransport writes events to the process logger. Used when no Redis is
// configured so telemetry still lands somewhere observable.
type SlogTransport struct {
	log *slog.Logger
}

// NewSlogTransport creates a transport over log.
func NewSlogTransport(log *slog.Logger) *SlogTransport {
	if log == nil {
		log = slog.Default()
	}
	return &SlogTransport{log: log}
}

func (t *SlogTransport) Send(ctx context.Context, events []Event) error {
	for _, e := range events {
		attrs := []any{"tag", e.Tag}
		if e.Cause != "" {
			attrs = append(attrs, "cause", e.Cause)
		}
		switch e.Level {
		case LevelDebug:
			t.log.Debug(e.Message, attrs...)
		case LevelWarn:
			t.log.Warn(e.Message, attrs...)
		case LevelError:
			t.log.Error(e.Message, attrs...)
		default:
			t.log.Info(e.Message, attrs...)
		}
	}
	return nil
}

func (t *SlogTransport) Close() error { return nil }
