// Package supervisor is the authority of last resort. Critical failures are
// converted into an escalating, scheduled corrective action that is
// verified after the fact; a failed verification climbs the ladder instead
// of looping at one rung.
package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vietddude/streamguard/internal/core/clock"
	"github.com/vietddude/streamguard/internal/core/domain"
	"github.com/vietddude/streamguard/internal/guarding/metrics"
	"github.com/vietddude/streamguard/internal/infra/sched"
	"github.com/vietddude/streamguard/internal/infra/telemetry"
)

const (
	actionEscalation = "supervisor.escalate"
	actionSelfCheck  = "supervisor.selfcheck"
)

// WorkloadHost is the process-level surface the supervisor acts on.
type WorkloadHost interface {
	RequestStart()
	RequestStop()
	IsPresent() bool

	// TerminateProcess does not return.
	TerminateProcess()
	RelaunchProcessAfter(delay time.Duration)
}

// CapabilityProbe gates the lighter restart strategies. When they are
// structurally unavailable on the host, every escalation goes straight to
// a full restart.
type CapabilityProbe interface {
	CanUseLighterRestartStrategies() bool
}

// Config holds supervisor settings. SimpleMax < DelayedMax < ClearStateMax
// are the consecutive-failure counts up to which each rung applies.
type Config struct {
	SimpleMax     int `yaml:"simple_max"`
	DelayedMax    int `yaml:"delayed_max"`
	ClearStateMax int `yaml:"clear_state_max"`

	// EscalationDelays is indexed by consecutiveFailures-1 and saturates
	// at the last entry. FullRestartDelay is used instead for full
	// restarts.
	EscalationDelays []time.Duration `yaml:"escalation_delays"`
	FullRestartDelay time.Duration   `yaml:"full_restart_delay"`

	RestartDelay         time.Duration `yaml:"restart_delay"`
	ClearStateMultiplier int           `yaml:"clear_state_multiplier"`
	GracePeriod          time.Duration `yaml:"grace_period"`
	SelfCheckInterval    time.Duration `yaml:"self_check_interval"`
	RelaunchDelay        time.Duration `yaml:"relaunch_delay"`
}

// DefaultConfig returns sensible supervisor defaults.
func DefaultConfig() Config {
	return Config{
		SimpleMax:     3,
		DelayedMax:    5,
		ClearStateMax: 8,
		EscalationDelays: []time.Duration{
			2 * time.Second,
			5 * time.Second,
			10 * time.Second,
			30 * time.Second,
			60 * time.Second,
		},
		FullRestartDelay:     2 * time.Second,
		RestartDelay:         3 * time.Second,
		ClearStateMultiplier: 3,
		GracePeriod:          15 * time.Second,
		SelfCheckInterval:    30 * time.Second,
		RelaunchDelay:        5 * time.Second,
	}
}

// Supervisor owns the escalation ladder state. Counters are process-scoped
// and deliberately not persisted: a full restart starts the fresh process
// at the ladder floor with a clean slate, and the final counter values are
// emitted to telemetry before termination so the severity signal is not
// silently lost.
type Supervisor struct {
	cfg   Config
	host  WorkloadHost
	probe CapabilityProbe
	sched sched.Scheduler
	sink  telemetry.Sink
	clk   clock.Clock

	escalating atomic.Bool
	stopped    atomic.Bool

	mu                  sync.Mutex
	consecutiveFailures int
	totalAttempts       int
	pendingEscalation   sched.Token
	pendingSelfCheck    sched.Token
	onRecovered         func()
}

// New creates a supervisor and registers its scheduler actions.
func New(cfg Config, host WorkloadHost, probe CapabilityProbe,
	scheduler sched.Scheduler, sink telemetry.Sink, clk clock.Clock) *Supervisor {
	if sink == nil {
		sink = telemetry.NopSink{}
	}
	if clk == nil {
		clk = clock.Real{}
	}
	if len(cfg.EscalationDelays) == 0 {
		cfg.EscalationDelays = DefaultConfig().EscalationDelays
	}

	s := &Supervisor{
		cfg:   cfg,
		host:  host,
		probe: probe,
		sched: scheduler,
		sink:  sink,
		clk:   clk,
	}
	scheduler.Register(actionEscalation, s.executeEscalation)
	scheduler.Register(actionSelfCheck, s.runSelfCheck)
	return s
}

// SetRecoveredHook installs a callback fired on every confirmed recovery.
// The composition root uses it to reset watchdog timestamps.
func (s *Supervisor) SetRecoveredHook(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onRecovered = fn
}

// Start arms the periodic self-check.
func (s *Supervisor) Start() {
	s.armSelfCheck()
}

// Stop cancels pending scheduled actions. Actions already dispatched run
// to completion.
func (s *Supervisor) Stop() {
	s.stopped.Store(true)
	s.mu.Lock()
	escalation := s.pendingEscalation
	selfCheck := s.pendingSelfCheck
	s.mu.Unlock()

	if escalation.ID != "" {
		s.sched.Cancel(escalation)
	}
	if selfCheck.ID != "" {
		s.sched.Cancel(selfCheck)
	}
}

// Counters returns the current escalation state.
func (s *Supervisor) Counters() (consecutiveFailures, totalAttempts int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.consecutiveFailures, s.totalAttempts
}

// TriggerEscalation converts a critical failure into exactly one scheduled
// corrective action. A second caller while one escalation is in flight is
// rejected immediately, never queued.
func (s *Supervisor) TriggerEscalation() bool {
	if s.stopped.Load() {
		return false
	}
	if !s.escalating.CompareAndSwap(false, true) {
		s.sink.Emit(telemetry.LevelDebug, "supervisor",
			"escalation rejected: already in flight", nil)
		return false
	}

	s.mu.Lock()
	s.consecutiveFailures++
	s.totalAttempts++
	record := domain.RecoveryAttemptRecord{
		Strategy:          s.strategyFor(s.consecutiveFailures),
		AttemptIndex:      s.totalAttempts,
		ScheduledAt:       s.clk.Now(),
		FailuresAtTrigger: s.consecutiveFailures,
	}
	delay := s.escalationDelay(record.Strategy, s.consecutiveFailures)
	metrics.ConsecutiveFailures.Set(float64(s.consecutiveFailures))
	s.mu.Unlock()

	metrics.Escalations.WithLabelValues(record.Strategy.String()).Inc()
	s.sink.Emit(telemetry.LevelError, "supervisor",
		fmt.Sprintf("escalation #%d: %s in %s (%d consecutive failures)",
			record.AttemptIndex, record.Strategy, delay, record.FailuresAtTrigger), nil)

	payload, _ := json.Marshal(record)
	token := sched.NewToken(actionEscalation, string(payload))

	s.mu.Lock()
	s.pendingEscalation = token
	s.mu.Unlock()

	if err := s.sched.ScheduleOnce(delay, token); err != nil {
		s.sink.Emit(telemetry.LevelError, "supervisor", "failed to schedule escalation", err)
	}
	return true
}

// ReportSuccess resets the consecutive-failure counter. The total attempt
// counter is never touched.
func (s *Supervisor) ReportSuccess() {
	s.mu.Lock()
	s.consecutiveFailures = 0
	recovered := s.onRecovered
	s.mu.Unlock()

	metrics.ConsecutiveFailures.Set(0)
	s.sink.Emit(telemetry.LevelInfo, "supervisor", "workload recovery confirmed", nil)
	if recovered != nil {
		recovered()
	}
}

// strategyFor selects the ladder rung for a consecutive-failure count. The
// capability probe overrides everything when lighter strategies cannot
// work on this host.
func (s *Supervisor) strategyFor(n int) domain.RecoveryStrategy {
	if s.probe != nil && !s.probe.CanUseLighterRestartStrategies() {
		return domain.StrategyFullRestart
	}
	switch {
	case n > s.cfg.ClearStateMax:
		return domain.StrategyFullRestart
	case n > s.cfg.DelayedMax:
		return domain.StrategyClearStateRestart
	case n > s.cfg.SimpleMax:
		return domain.StrategyDelayedRestart
	default:
		return domain.StrategySimpleRestart
	}
}

func (s *Supervisor) escalationDelay(strategy domain.RecoveryStrategy, n int) time.Duration {
	if strategy == domain.StrategyFullRestart {
		return s.cfg.FullRestartDelay
	}
	idx := n - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(s.cfg.EscalationDelays) {
		idx = len(s.cfg.EscalationDelays) - 1
	}
	return s.cfg.EscalationDelays[idx]
}

// executeEscalation runs on a scheduler-dispatched worker, never on the
// triggering path.
func (s *Supervisor) executeEscalation(payload string) {
	// A panicking corrective action must release the in-flight slot before
	// the dispatch goroutine's guard takes over, otherwise escalation
	// wedges shut.
	defer func() {
		if r := recover(); r != nil {
			s.escalating.Store(false)
			panic(r)
		}
	}()

	var record domain.RecoveryAttemptRecord
	if err := json.Unmarshal([]byte(payload), &record); err != nil {
		s.sink.Emit(telemetry.LevelError, "supervisor", "malformed escalation payload", err)
		s.escalating.Store(false)
		return
	}

	ctx := context.Background()
	s.sink.Emit(telemetry.LevelWarn, "supervisor",
		fmt.Sprintf("executing %s (attempt #%d)", record.Strategy, record.AttemptIndex), nil)

	switch record.Strategy {
	case domain.StrategySimpleRestart:
		s.host.RequestStart()

	case domain.StrategyDelayedRestart:
		_ = s.clk.Sleep(ctx, s.cfg.RestartDelay)
		s.host.RequestStart()

	case domain.StrategyClearStateRestart:
		s.host.RequestStop()
		_ = s.clk.Sleep(ctx, s.cfg.RestartDelay*time.Duration(s.cfg.ClearStateMultiplier))
		s.host.RequestStart()

	case domain.StrategyFullRestart:
		s.executeFullRestart(record)
		return
	}

	s.verify(record)
}

// executeFullRestart is one-way: it schedules a near-term relaunch of the
// whole process and then terminates it. Counter state dies with the
// process (explicit clean-slate policy); the final values ride along in
// telemetry and on the relaunch record.
func (s *Supervisor) executeFullRestart(record domain.RecoveryAttemptRecord) {
	s.mu.Lock()
	consecutive, total := s.consecutiveFailures, s.totalAttempts
	s.mu.Unlock()

	s.sink.Emit(telemetry.LevelError, "supervisor",
		fmt.Sprintf("full restart: terminating process (consecutive=%d total=%d)",
			consecutive, total), nil)

	s.host.RelaunchProcessAfter(s.cfg.RelaunchDelay)
	s.host.TerminateProcess()
}

// verify waits out the grace period and checks host liveness. A dead
// workload after our own corrective action re-triggers escalation so the
// ladder keeps climbing.
func (s *Supervisor) verify(record domain.RecoveryAttemptRecord) {
	_ = s.clk.Sleep(context.Background(), s.cfg.GracePeriod)

	alive := s.host.IsPresent()
	s.escalating.Store(false)

	if alive {
		s.ReportSuccess()
		return
	}

	s.sink.Emit(telemetry.LevelError, "supervisor",
		fmt.Sprintf("%s failed verification, re-escalating", record.Strategy), nil)
	s.TriggerEscalation()
}

// armSelfCheck schedules the next coarse "does the workload exist at all"
// probe. It is the outermost safety net and survives watchdog failure.
func (s *Supervisor) armSelfCheck() {
	if s.stopped.Load() {
		return
	}
	token := sched.NewToken(actionSelfCheck, "")
	s.mu.Lock()
	s.pendingSelfCheck = token
	s.mu.Unlock()

	if err := s.sched.ScheduleOnce(s.cfg.SelfCheckInterval, token); err != nil {
		s.sink.Emit(telemetry.LevelError, "supervisor", "failed to schedule self-check", err)
	}
}

func (s *Supervisor) runSelfCheck(payload string) {
	if s.stopped.Load() {
		return
	}

	if !s.host.IsPresent() {
		s.sink.Emit(telemetry.LevelError, "supervisor", "self-check: workload absent", nil)
		metrics.LivenessFailures.WithLabelValues(string(domain.FailureKindAbsent)).Inc()
		s.TriggerEscalation()
	} else {
		s.ReportSuccess()
		s.sink.Emit(telemetry.LevelDebug, "supervisor", "self-check heartbeat", nil)
	}

	s.armSelfCheck()
}
