package telemetry

import (
	"context"
	"sync"
	"time"
)

// BufferedConfig holds buffering behavior settings.
type BufferedConfig struct {
	MaxBuffer     int           `yaml:"max_buffer"`
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	SendTimeout   time.Duration `yaml:"send_timeout"`
}

// DefaultBufferedConfig returns sensible defaults.
func DefaultBufferedConfig() BufferedConfig {
	return BufferedConfig{
		MaxBuffer:     512,
		BatchSize:     64,
		FlushInterval: 5 * time.Second,
		SendTimeout:   3 * time.Second,
	}
}

// BufferedSink batches events to a Transport through a bounded in-memory
// buffer. When the buffer is full the oldest entries are dropped.
type BufferedSink struct {
	cfg       BufferedConfig
	transport Transport

	mu      sync.Mutex
	buf     []Event
	dropped uint64

	notify chan struct{}
	done   chan struct{}
	once   sync.Once
}

// NewBufferedSink creates a sink writing batches to transport.
func NewBufferedSink(cfg BufferedConfig, transport Transport) *BufferedSink {
	if cfg.MaxBuffer <= 0 {
		cfg.MaxBuffer = DefaultBufferedConfig().MaxBuffer
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBufferedConfig().BatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultBufferedConfig().FlushInterval
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = DefaultBufferedConfig().SendTimeout
	}
	return &BufferedSink{
		cfg:       cfg,
		transport: transport,
		buf:       make([]Event, 0, cfg.MaxBuffer),
		notify:    make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
}

// Emit enqueues an event. It never blocks and swallows its own panics so a
// broken sink can not take the caller down.
func (s *BufferedSink) Emit(level Level, tag, message string, cause error) {
	defer func() {
		_ = recover()
	}()

	e := Event{
		Time:    time.Now(),
		Level:   level,
		Tag:     tag,
		Message: message,
	}
	if cause != nil {
		e.Cause = cause.Error()
	}

	s.mu.Lock()
	if len(s.buf) >= s.cfg.MaxBuffer {
		// Drop oldest
		copy(s.buf, s.buf[1:])
		s.buf[len(s.buf)-1] = e
		s.dropped++
	} else {
		s.buf = append(s.buf, e)
	}
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Dropped returns how many events were discarded under backpressure.
func (s *BufferedSink) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Start runs the background flusher until ctx is cancelled.
func (s *BufferedSink) Start(ctx context.Context) {
	go s.run(ctx)
}

func (s *BufferedSink) run(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.drain()
			return
		case <-ticker.C:
			s.flush()
		case <-s.notify:
			if s.pending() >= s.cfg.BatchSize {
				s.flush()
			}
		}
	}
}

// drain flushes until the buffer is empty. flush removes its batch even on
// a failed send, so this terminates.
func (s *BufferedSink) drain() {
	for s.pending() > 0 {
		s.flush()
	}
}

func (s *BufferedSink) pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buf)
}

func (s *BufferedSink) flush() {
	s.mu.Lock()
	if len(s.buf) == 0 {
		s.mu.Unlock()
		return
	}
	n := len(s.buf)
	if n > s.cfg.BatchSize {
		n = s.cfg.BatchSize
	}
	batch := make([]Event, n)
	copy(batch, s.buf[:n])
	s.buf = append(s.buf[:0], s.buf[n:]...)
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.SendTimeout)
	defer cancel()

	// Send errors are absorbed: telemetry loss is never fatal.
	_ = s.transport.Send(ctx, batch)
}

// Close flushes all remaining events and closes the transport.
func (s *BufferedSink) Close() error {
	var err error
	s.once.Do(func() {
		s.drain()
		err = s.transport.Close()
	})
	return err
}
