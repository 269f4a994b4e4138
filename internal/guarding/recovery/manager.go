// Package recovery revives a stuck stream without killing the process.
// One recovery runs at a time; a cooldown measured from completion keeps a
// fast-failing loop from immediately re-entering.
package recovery

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vietddude/streamguard/internal/core/clock"
	"github.com/vietddude/streamguard/internal/guarding/metrics"
	"github.com/vietddude/streamguard/internal/infra/telemetry"
)

// StreamController is the capture pipeline surface the manager drives.
// Failures are return values, never panics.
type StreamController interface {
	Start() bool
	Stop()
	IsActive() bool
}

// CaptureResetter releases and re-initializes the underlying capture
// resource for the heavier full reset path.
type CaptureResetter interface {
	Release()
	Reinitialize() bool
}

// Config holds soft-recovery settings.
type Config struct {
	MaxRetries int           `yaml:"max_retries"`
	Cooldown   time.Duration `yaml:"cooldown"`
	ResetDelay time.Duration `yaml:"reset_delay"`

	// AttemptDelays is indexed by attempt; the last entry repeats for
	// attempts past its length.
	AttemptDelays []time.Duration `yaml:"attempt_delays"`
}

// DefaultConfig returns sensible soft-recovery defaults.
func DefaultConfig() Config {
	return Config{
		MaxRetries: 3,
		Cooldown:   30 * time.Second,
		ResetDelay: 2 * time.Second,
		AttemptDelays: []time.Duration{
			1 * time.Second,
			2 * time.Second,
			4 * time.Second,
			8 * time.Second,
		},
	}
}

// Observer receives recovery lifecycle events. Each callback fires at most
// once per accepted call.
type Observer struct {
	OnStarted func(kind string)
	OnSuccess func(kind string)
	OnFailed  func(kind string)
}

// Manager owns the soft-recovery state machine.
type Manager struct {
	cfg      Config
	stream   StreamController
	resetter CaptureResetter
	clk      clock.Clock
	sink     telemetry.Sink
	obs      Observer

	inProgress atomic.Bool

	mu             sync.Mutex
	lastCompletion time.Time
	attempts       int64
	onPanic        func(component string)
}

// NewManager creates a soft-recovery manager. resetter may be nil if the
// capture resource does not support full resets.
func NewManager(cfg Config, stream StreamController, resetter CaptureResetter,
	clk clock.Clock, sink telemetry.Sink, obs Observer) *Manager {
	if clk == nil {
		clk = clock.Real{}
	}
	if sink == nil {
		sink = telemetry.NopSink{}
	}
	if len(cfg.AttemptDelays) == 0 {
		cfg.AttemptDelays = DefaultConfig().AttemptDelays
	}
	return &Manager{
		cfg:      cfg,
		stream:   stream,
		resetter: resetter,
		clk:      clk,
		sink:     sink,
		obs:      obs,
	}
}

// SetPanicHandler installs a recover function deferred on every recovery
// worker goroutine. fn must call recover itself.
func (m *Manager) SetPanicHandler(fn func(component string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onPanic = fn
}

// IsRecoveryInProgress reports whether a recovery is currently running.
func (m *Manager) IsRecoveryInProgress() bool {
	return m.inProgress.Load()
}

// Attempts returns how many recoveries were accepted.
func (m *Manager) Attempts() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

// RecoverStream starts a bounded stop/start retry loop off the caller's
// goroutine. It is rejected while another recovery runs or while the
// cooldown from the previous completion has not elapsed.
func (m *Manager) RecoverStream() bool {
	if !m.begin("stream") {
		return false
	}
	go m.runWorker(m.runStreamRecovery)
	return true
}

// FullReset releases and re-initializes the capture resource. Heavier than
// RecoverStream; same single-flight and cooldown rules apply.
func (m *Manager) FullReset() bool {
	if m.resetter == nil {
		return false
	}
	if !m.begin("reset") {
		return false
	}
	go m.runWorker(m.runFullReset)
	return true
}

// runWorker hosts one recovery run. The single-flight slot is force-released
// on the way out so a panicking observer cannot wedge the manager shut; the
// installed panic handler then recovers and escalates.
func (m *Manager) runWorker(fn func()) {
	m.mu.Lock()
	guard := m.onPanic
	m.mu.Unlock()
	if guard != nil {
		defer guard("recovery")
	}
	defer m.inProgress.Store(false)
	fn()
}

// begin claims the single-flight slot and checks the cooldown. The slot is
// released again if the cooldown rejects the call.
func (m *Manager) begin(kind string) bool {
	if !m.inProgress.CompareAndSwap(false, true) {
		m.sink.Emit(telemetry.LevelDebug, "recovery",
			fmt.Sprintf("%s recovery rejected: already in progress", kind), nil)
		return false
	}

	m.mu.Lock()
	inCooldown := !m.lastCompletion.IsZero() &&
		m.clk.Now().Sub(m.lastCompletion) < m.cfg.Cooldown
	if !inCooldown {
		m.attempts++
	}
	m.mu.Unlock()

	if inCooldown {
		m.inProgress.Store(false)
		m.sink.Emit(telemetry.LevelDebug, "recovery",
			fmt.Sprintf("%s recovery rejected: cooldown active", kind), nil)
		return false
	}

	m.sink.Emit(telemetry.LevelInfo, "recovery", kind+" recovery started", nil)
	if m.obs.OnStarted != nil {
		m.obs.OnStarted(kind)
	}
	return true
}

// finish records completion time and releases the single-flight slot.
// Cooldown is measured from here, not from the start of the run.
func (m *Manager) finish(kind string, ok bool) {
	m.mu.Lock()
	m.lastCompletion = m.clk.Now()
	m.mu.Unlock()
	m.inProgress.Store(false)

	if ok {
		metrics.SoftRecoveries.WithLabelValues(kind, "success").Inc()
		m.sink.Emit(telemetry.LevelInfo, "recovery", kind+" recovery succeeded", nil)
		if m.obs.OnSuccess != nil {
			m.obs.OnSuccess(kind)
		}
		return
	}
	metrics.SoftRecoveries.WithLabelValues(kind, "failed").Inc()
	m.sink.Emit(telemetry.LevelError, "recovery", kind+" recovery failed", nil)
	if m.obs.OnFailed != nil {
		m.obs.OnFailed(kind)
	}
}

func (m *Manager) runStreamRecovery() {
	ctx := context.Background()

	for attempt := 0; attempt < m.cfg.MaxRetries; attempt++ {
		ok := m.attemptStreamRestart(ctx, attempt)

		// Pace every outcome with the same delay so attempts that fail
		// synchronously fast cannot spin through the retry budget.
		_ = m.clk.Sleep(ctx, m.attemptDelay(attempt))

		if ok {
			m.finish("stream", true)
			return
		}
	}
	m.finish("stream", false)
}

// attemptStreamRestart performs one stop/wait/start cycle. A panicking
// controller counts as a failed attempt, not a fatal error.
func (m *Manager) attemptStreamRestart(ctx context.Context, attempt int) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			m.sink.Emit(telemetry.LevelError, "recovery",
				fmt.Sprintf("stream restart attempt %d panicked", attempt),
				fmt.Errorf("%v", r))
			ok = false
		}
	}()

	m.stream.Stop()
	_ = m.clk.Sleep(ctx, m.attemptDelay(attempt))
	return m.stream.Start()
}

func (m *Manager) runFullReset() {
	ctx := context.Background()
	ok := m.attemptFullReset(ctx)
	m.finish("reset", ok)
}

func (m *Manager) attemptFullReset(ctx context.Context) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			m.sink.Emit(telemetry.LevelError, "recovery",
				"full reset panicked", fmt.Errorf("%v", r))
			ok = false
		}
	}()

	m.resetter.Release()
	_ = m.clk.Sleep(ctx, m.cfg.ResetDelay)
	ok = m.resetter.Reinitialize()
	_ = m.clk.Sleep(ctx, m.cfg.ResetDelay)
	return ok
}

func (m *Manager) attemptDelay(attempt int) time.Duration {
	if attempt >= len(m.cfg.AttemptDelays) {
		attempt = len(m.cfg.AttemptDelays) - 1
	}
	return m.cfg.AttemptDelays[attempt]
}
