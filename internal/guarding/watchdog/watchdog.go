// Package watchdog is the single authority for workload liveness. A fixed
// periodic tick checks stream, server and memory health and raises failure
// signals; it never performs recovery itself.
package watchdog

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/vietddude/streamguard/internal/core/clock"
	"github.com/vietddude/streamguard/internal/core/domain"
	"github.com/vietddude/streamguard/internal/guarding/metrics"
	"github.com/vietddude/streamguard/internal/infra/telemetry"
)

// Config holds watchdog settings.
type Config struct {
	TickInterval      time.Duration `yaml:"tick_interval"`
	TargetFPS         int           `yaml:"target_fps"`
	MissedFrameBudget int           `yaml:"missed_frame_budget"`
	MinStreamTimeout  time.Duration `yaml:"min_stream_timeout"`

	ServerTimeout time.Duration `yaml:"server_timeout"`
	// Silence on the serving side is normal with no client connected, so
	// the server bar is looser than the stream bar by this factor.
	ServerTimeoutMultiplier int `yaml:"server_timeout_multiplier"`

	MemoryWarnRatio     float64 `yaml:"memory_warn_ratio"`
	MemoryCriticalRatio float64 `yaml:"memory_critical_ratio"`
	MemoryLimitBytes    uint64  `yaml:"memory_limit_bytes"`

	MaxConsecutiveFailures int `yaml:"max_consecutive_failures"`
}

// DefaultConfig returns sensible watchdog defaults.
func DefaultConfig() Config {
	return Config{
		TickInterval:            5 * time.Second,
		TargetFPS:               30,
		MissedFrameBudget:       300,
		MinStreamTimeout:        5 * time.Second,
		ServerTimeout:           30 * time.Second,
		ServerTimeoutMultiplier: 4,
		MemoryWarnRatio:         0.75,
		MemoryCriticalRatio:     0.90,
		MemoryLimitBytes:        512 << 20,
		MaxConsecutiveFailures:  3,
	}
}

// Callbacks receive failure signals from the tick. Handlers that block must
// hand off to their own worker; the tick is never allowed to stall.
type Callbacks struct {
	OnStreamStuck func(frameAge time.Duration)
	OnServerStuck func(serverAge time.Duration)
	OnCritical    func(kind domain.FailureKind)
	OnMemory      func(ratio float64, critical bool)
}

// Watchdog performs the periodic liveness check.
type Watchdog struct {
	cfg  Config
	clk  clock.Clock
	sink telemetry.Sink

	// memSample reports heap usage as a fraction of the configured limit.
	memSample func() float64

	mu                 sync.Mutex
	lastFrameAt        time.Time
	lastServerAt       time.Time
	streamActive       bool
	streamStuckLatched bool
	serverStuckLatched bool
	failures           int
	running            bool
	callbacks          Callbacks
	onPanic            func(component string)
	cancel             context.CancelFunc
}

// New creates a watchdog. A nil sink disables telemetry.
func New(cfg Config, clk clock.Clock, sink telemetry.Sink) *Watchdog {
	if clk == nil {
		clk = clock.Real{}
	}
	if sink == nil {
		sink = telemetry.NopSink{}
	}
	def := DefaultConfig()
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = def.TickInterval
	}
	if cfg.TargetFPS <= 0 {
		cfg.TargetFPS = def.TargetFPS
	}
	if cfg.MissedFrameBudget <= 0 {
		cfg.MissedFrameBudget = def.MissedFrameBudget
	}
	if cfg.MinStreamTimeout <= 0 {
		cfg.MinStreamTimeout = def.MinStreamTimeout
	}
	if cfg.ServerTimeout <= 0 {
		cfg.ServerTimeout = def.ServerTimeout
	}
	if cfg.ServerTimeoutMultiplier <= 0 {
		cfg.ServerTimeoutMultiplier = def.ServerTimeoutMultiplier
	}
	if cfg.MaxConsecutiveFailures <= 0 {
		cfg.MaxConsecutiveFailures = def.MaxConsecutiveFailures
	}
	w := &Watchdog{
		cfg:  cfg,
		clk:  clk,
		sink: sink,
	}
	w.memSample = w.sampleHeapRatio
	return w
}

// SetPanicHandler installs a recover function deferred around every tick,
// so a panicking callback feeds the crash path instead of killing the
// process. fn must call recover itself.
func (w *Watchdog) SetPanicHandler(fn func(component string)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onPanic = fn
}

// Start begins ticking. Calling Start on a running watchdog is an error;
// Stop must be called first.
func (w *Watchdog) Start(cb Callbacks) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return fmt.Errorf("watchdog already running")
	}

	now := w.clk.Now()
	w.callbacks = cb
	w.lastFrameAt = now
	w.lastServerAt = now
	w.running = true

	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	go w.run(ctx)
	return nil
}

// Stop cancels ticking.
func (w *Watchdog) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.running {
		return
	}
	w.running = false
	w.cancel()
}

// ReportFrameReceived refreshes stream liveness. A healthy frame also pays
// down one accumulated failure.
func (w *Watchdog) ReportFrameReceived() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.lastFrameAt = w.clk.Now()
	w.streamActive = true
	w.streamStuckLatched = false
	if w.failures > 0 {
		w.failures--
	}
}

// ReportStreamStopped marks the stream intentionally idle. The stream check
// is suppressed until the next frame arrives, so deliberate stops do not
// read as failures.
func (w *Watchdog) ReportStreamStopped() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.streamActive = false
	w.streamStuckLatched = false
}

// ReportServerResponse refreshes serving-side liveness.
func (w *Watchdog) ReportServerResponse() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.lastServerAt = w.clk.Now()
	w.serverStuckLatched = false
}

// ResetTimestamps refreshes all liveness evidence. Called after a
// successful recovery so stale pre-recovery data cannot re-trigger.
func (w *Watchdog) ResetTimestamps() {
	w.mu.Lock()
	defer w.mu.Unlock()
	now := w.clk.Now()
	w.lastFrameAt = now
	w.lastServerAt = now
	w.streamStuckLatched = false
	w.serverStuckLatched = false
}

// Snapshot reports current liveness state for the health endpoint.
type Snapshot struct {
	StreamActive        bool          `json:"stream_active"`
	FrameAge            time.Duration `json:"frame_age"`
	ServerAge           time.Duration `json:"server_age"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
}

// Snapshot returns the current liveness state.
func (w *Watchdog) Snapshot() Snapshot {
	w.mu.Lock()
	defer w.mu.Unlock()
	now := w.clk.Now()
	return Snapshot{
		StreamActive:        w.streamActive,
		FrameAge:            now.Sub(w.lastFrameAt),
		ServerAge:           now.Sub(w.lastServerAt),
		ConsecutiveFailures: w.failures,
	}
}

func (w *Watchdog) run(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.tick()
		}
	}
}

// tick runs one guarded check. The handler must be the deferred call
// itself so its recover takes effect.
func (w *Watchdog) tick() {
	w.mu.Lock()
	guard := w.onPanic
	w.mu.Unlock()
	if guard != nil {
		defer guard("watchdog")
	}
	w.check()
}

// check runs one liveness pass. Exposed to the loop and to tests; callbacks
// fire synchronously on the calling goroutine.
func (w *Watchdog) check() {
	w.checkMemory()

	now := w.clk.Now()

	w.mu.Lock()
	var streamStuck, serverStuck bool
	var frameAge, serverAge time.Duration

	if w.streamActive && !w.streamStuckLatched {
		frameAge = now.Sub(w.lastFrameAt)
		if frameAge > w.StreamTimeout() {
			streamStuck = true
			w.streamStuckLatched = true
		}
	}

	if !w.serverStuckLatched {
		serverAge = now.Sub(w.lastServerAt)
		serverTimeout := w.cfg.ServerTimeout * time.Duration(w.cfg.ServerTimeoutMultiplier)
		if serverAge > serverTimeout {
			serverStuck = true
			w.serverStuckLatched = true
		}
	}

	metrics.FrameAge.Set(now.Sub(w.lastFrameAt).Seconds())
	cb := w.callbacks
	w.mu.Unlock()

	if streamStuck {
		w.recordFailure(domain.FailureKindStream, cb, func() {
			if cb.OnStreamStuck != nil {
				cb.OnStreamStuck(frameAge)
			}
		})
	}
	if serverStuck {
		w.recordFailure(domain.FailureKindServer, cb, func() {
			if cb.OnServerStuck != nil {
				cb.OnServerStuck(serverAge)
			}
		})
	}
}

// recordFailure bumps the shared counter and routes the signal. Once the
// counter reaches the configured maximum it resets and the failure is
// promoted to critical instead of the type-specific handler.
func (w *Watchdog) recordFailure(kind domain.FailureKind, cb Callbacks, fire func()) {
	metrics.LivenessFailures.WithLabelValues(string(kind)).Inc()

	w.mu.Lock()
	w.failures++
	promoted := w.failures >= w.cfg.MaxConsecutiveFailures
	if promoted {
		w.failures = 0
	}
	count := w.failures
	w.mu.Unlock()

	if promoted {
		w.sink.Emit(telemetry.LevelError, "watchdog",
			fmt.Sprintf("repeated %s failures promoted to critical", kind), nil)
		if cb.OnCritical != nil {
			cb.OnCritical(kind)
		}
		return
	}

	w.sink.Emit(telemetry.LevelWarn, "watchdog",
		fmt.Sprintf("%s liveness failure (%d consecutive)", kind, count), nil)
	fire()
}

func (w *Watchdog) checkMemory() {
	ratio := w.memSample()
	metrics.MemoryUsageRatio.Set(ratio)

	w.mu.Lock()
	cb := w.callbacks
	w.mu.Unlock()

	switch {
	case ratio >= w.cfg.MemoryCriticalRatio:
		// Hint a collection off the tick goroutine; GC pauses must not
		// stall the next check.
		go runtime.GC()
		metrics.LivenessFailures.WithLabelValues(string(domain.FailureKindMemory)).Inc()
		w.sink.Emit(telemetry.LevelError, "watchdog", "memory usage critical", nil)
		if cb.OnMemory != nil {
			cb.OnMemory(ratio, true)
		}
	case ratio >= w.cfg.MemoryWarnRatio:
		w.sink.Emit(telemetry.LevelWarn, "watchdog", "memory usage elevated", nil)
		if cb.OnMemory != nil {
			cb.OnMemory(ratio, false)
		}
	}
}

// StreamTimeout derives the stall bar from the configured frame rate: a
// budget of missed frames at the target interval, floored at the absolute
// minimum so high frame rates cannot make the detector hair-triggered.
func (w *Watchdog) StreamTimeout() time.Duration {
	frameInterval := time.Second / time.Duration(w.cfg.TargetFPS)
	timeout := frameInterval * time.Duration(w.cfg.MissedFrameBudget)
	if timeout < w.cfg.MinStreamTimeout {
		timeout = w.cfg.MinStreamTimeout
	}
	return timeout
}

func (w *Watchdog) sampleHeapRatio() float64 {
	if w.cfg.MemoryLimitBytes == 0 {
		return 0
	}
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return float64(ms.HeapAlloc) / float64(w.cfg.MemoryLimitBytes)
}
