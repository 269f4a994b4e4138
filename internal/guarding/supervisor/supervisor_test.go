package supervisor

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/vietddude/streamguard/internal/core/domain"
	"github.com/vietddude/streamguard/internal/infra/sched"
	"github.com/vietddude/streamguard/internal/infra/telemetry"
)

// =============================================================================
// Mocks
// =============================================================================

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1700000000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
	return nil
}

// mockScheduler records scheduled tokens; tests dispatch them by hand so
// handlers run synchronously on the test goroutine.
type mockScheduler struct {
	mu        sync.Mutex
	handlers  map[string]sched.Handler
	scheduled []sched.Token
	delays    []time.Duration
	cancelled []string
}

func newMockScheduler() *mockScheduler {
	return &mockScheduler{handlers: make(map[string]sched.Handler)}
}

func (m *mockScheduler) Register(action string, h sched.Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[action] = h
}

func (m *mockScheduler) ScheduleOnce(delay time.Duration, token sched.Token) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scheduled = append(m.scheduled, token)
	m.delays = append(m.delays, delay)
	return nil
}

func (m *mockScheduler) Cancel(token sched.Token) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancelled = append(m.cancelled, token.ID)
}

// fire dispatches the i-th scheduled token synchronously.
func (m *mockScheduler) fire(t *testing.T, i int) {
	t.Helper()
	m.mu.Lock()
	if i >= len(m.scheduled) {
		m.mu.Unlock()
		t.Fatalf("no scheduled token at index %d", i)
	}
	token := m.scheduled[i]
	h := m.handlers[token.Action]
	m.mu.Unlock()
	if h == nil {
		t.Fatalf("no handler registered for %s", token.Action)
	}
	h(token.Payload)
}

// byAction returns the indices of scheduled tokens for one action.
func (m *mockScheduler) byAction(action string) []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []int
	for i, tok := range m.scheduled {
		if tok.Action == action {
			out = append(out, i)
		}
	}
	return out
}

type mockHost struct {
	mu            sync.Mutex
	present       bool
	startCalls    int
	stopCalls     int
	startPanics   bool
	terminated    bool
	relaunchDelay time.Duration
	relaunched    bool
}

func (h *mockHost) RequestStart() {
	h.mu.Lock()
	h.startCalls++
	panics := h.startPanics
	h.mu.Unlock()
	if panics {
		panic("host start failed hard")
	}
}

func (h *mockHost) RequestStop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stopCalls++
}

func (h *mockHost) IsPresent() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.present
}

func (h *mockHost) TerminateProcess() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.terminated = true
}

func (h *mockHost) RelaunchProcessAfter(delay time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.relaunched = true
	h.relaunchDelay = delay
}

type stubProbe struct{ lighter bool }

func (p stubProbe) CanUseLighterRestartStrategies() bool { return p.lighter }

// recordingSink captures emitted telemetry messages.
type recordingSink struct {
	mu       sync.Mutex
	messages []string
}

func (s *recordingSink) Emit(level telemetry.Level, tag, message string, cause error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, message)
}

func (s *recordingSink) contains(substr string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.messages {
		if strings.Contains(m, substr) {
			return true
		}
	}
	return false
}

func newTestSupervisor(cfg Config, host *mockHost, probe CapabilityProbe) (*Supervisor, *mockScheduler, *recordingSink) {
	scheduler := newMockScheduler()
	sink := &recordingSink{}
	s := New(cfg, host, probe, scheduler, sink, newFakeClock())
	return s, scheduler, sink
}

// =============================================================================
// Strategy ladder
// =============================================================================

func TestStrategyFor_MonotoneWithFloor(t *testing.T) {
	s, _, _ := newTestSupervisor(DefaultConfig(), &mockHost{}, stubProbe{lighter: true})

	if got := s.strategyFor(0); got != domain.StrategySimpleRestart {
		t.Errorf("expected floor at SimpleRestart for n=0, got %s", got)
	}

	prev := domain.StrategySimpleRestart
	for n := 1; n <= 20; n++ {
		got := s.strategyFor(n)
		if got < prev {
			t.Errorf("strategy regressed at n=%d: %s after %s", n, got, prev)
		}
		prev = got
	}
	if prev != domain.StrategyFullRestart {
		t.Errorf("expected ladder top at FullRestart, got %s", prev)
	}
}

func TestStrategyFor_ThresholdBoundaries(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SimpleMax = 3
	cfg.DelayedMax = 5
	cfg.ClearStateMax = 8
	s, _, _ := newTestSupervisor(cfg, &mockHost{}, stubProbe{lighter: true})

	cases := []struct {
		n    int
		want domain.RecoveryStrategy
	}{
		{1, domain.StrategySimpleRestart},
		{3, domain.StrategySimpleRestart},
		// The 4th consecutive failure climbs past simple restarts
		{4, domain.StrategyDelayedRestart},
		{5, domain.StrategyDelayedRestart},
		{6, domain.StrategyClearStateRestart},
		{8, domain.StrategyClearStateRestart},
		{9, domain.StrategyFullRestart},
		{100, domain.StrategyFullRestart},
	}
	for _, c := range cases {
		if got := s.strategyFor(c.n); got != c.want {
			t.Errorf("strategyFor(%d): expected %s, got %s", c.n, c.want, got)
		}
	}
}

func TestStrategyFor_ProbeForcesFullRestart(t *testing.T) {
	s, _, _ := newTestSupervisor(DefaultConfig(), &mockHost{}, stubProbe{lighter: false})

	if got := s.strategyFor(1); got != domain.StrategyFullRestart {
		t.Errorf("expected probe to force FullRestart on first failure, got %s", got)
	}
}

// =============================================================================
// Escalation triggering
// =============================================================================

func TestTriggerEscalation_FirstFailureUsesFirstDelay(t *testing.T) {
	cfg := DefaultConfig()
	s, scheduler, _ := newTestSupervisor(cfg, &mockHost{}, stubProbe{lighter: true})

	if !s.TriggerEscalation() {
		t.Fatal("first TriggerEscalation should be accepted")
	}

	idx := scheduler.byAction(actionEscalation)
	if len(idx) != 1 {
		t.Fatalf("expected 1 scheduled escalation, got %d", len(idx))
	}
	if got := scheduler.delays[idx[0]]; got != cfg.EscalationDelays[0] {
		t.Errorf("expected first delay %v, got %v", cfg.EscalationDelays[0], got)
	}

	consecutive, total := s.Counters()
	if consecutive != 1 || total != 1 {
		t.Errorf("expected counters 1/1, got %d/%d", consecutive, total)
	}
}

func TestTriggerEscalation_RejectedWhileInFlight(t *testing.T) {
	s, scheduler, _ := newTestSupervisor(DefaultConfig(), &mockHost{}, stubProbe{lighter: true})

	if !s.TriggerEscalation() {
		t.Fatal("first TriggerEscalation should be accepted")
	}
	if s.TriggerEscalation() {
		t.Error("second TriggerEscalation should be rejected while in flight")
	}

	if got := len(scheduler.byAction(actionEscalation)); got != 1 {
		t.Errorf("expected exactly 1 scheduled escalation, got %d", got)
	}
	if _, total := s.Counters(); total != 1 {
		t.Errorf("rejected trigger must not count, got total=%d", total)
	}
}

func TestTriggerEscalation_RejectedAfterStop(t *testing.T) {
	s, _, _ := newTestSupervisor(DefaultConfig(), &mockHost{}, stubProbe{lighter: true})

	s.Stop()
	if s.TriggerEscalation() {
		t.Error("TriggerEscalation should be rejected after Stop")
	}
}

func TestReportSuccess_ResetsConsecutiveOnly(t *testing.T) {
	host := &mockHost{present: true}
	s, scheduler, _ := newTestSupervisor(DefaultConfig(), host, stubProbe{lighter: true})

	s.TriggerEscalation()
	scheduler.fire(t, 0) // execute + verify: host present, success reported

	consecutive, total := s.Counters()
	if consecutive != 0 {
		t.Errorf("expected consecutive reset to 0, got %d", consecutive)
	}
	if total != 1 {
		t.Errorf("total attempts must survive success, got %d", total)
	}
}

// =============================================================================
// Execution and verification
// =============================================================================

func TestExecuteEscalation_SimpleRestartStartsWorkload(t *testing.T) {
	host := &mockHost{present: true}
	s, scheduler, _ := newTestSupervisor(DefaultConfig(), host, stubProbe{lighter: true})

	recovered := 0
	s.SetRecoveredHook(func() { recovered++ })

	s.TriggerEscalation()
	scheduler.fire(t, 0)

	host.mu.Lock()
	starts := host.startCalls
	host.mu.Unlock()
	if starts != 1 {
		t.Errorf("expected 1 RequestStart, got %d", starts)
	}
	if recovered != 1 {
		t.Errorf("expected recovered hook fired once, got %d", recovered)
	}
}

func TestExecuteEscalation_ClearStateStopsFirst(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SimpleMax = 0
	cfg.DelayedMax = 0 // first failure lands on clear-state
	host := &mockHost{present: true}
	s, scheduler, _ := newTestSupervisor(cfg, host, stubProbe{lighter: true})

	s.TriggerEscalation()
	scheduler.fire(t, 0)

	host.mu.Lock()
	defer host.mu.Unlock()
	if host.stopCalls != 1 || host.startCalls != 1 {
		t.Errorf("expected stop then start, got stops=%d starts=%d",
			host.stopCalls, host.startCalls)
	}
}

func TestExecuteEscalation_PanicReleasesInFlightSlot(t *testing.T) {
	host := &mockHost{startPanics: true}
	s, scheduler, _ := newTestSupervisor(DefaultConfig(), host, stubProbe{lighter: true})

	if !s.TriggerEscalation() {
		t.Fatal("TriggerEscalation should be accepted")
	}

	// The panic is re-raised for the dispatch goroutine's guard; the mock
	// scheduler dispatches synchronously, so absorb it here.
	func() {
		defer func() { _ = recover() }()
		scheduler.fire(t, 0)
	}()

	if s.escalating.Load() {
		t.Error("expected in-flight slot released after panicking action")
	}
	if !s.TriggerEscalation() {
		t.Error("expected next escalation accepted after panicking action")
	}
}

func TestVerify_DeadWorkloadReEscalates(t *testing.T) {
	host := &mockHost{present: false}
	s, scheduler, _ := newTestSupervisor(DefaultConfig(), host, stubProbe{lighter: true})

	s.TriggerEscalation()
	scheduler.fire(t, 0) // restart does nothing, verification finds it dead

	idx := scheduler.byAction(actionEscalation)
	if len(idx) != 2 {
		t.Fatalf("expected re-escalation scheduled, got %d escalations", len(idx))
	}
	consecutive, total := s.Counters()
	if consecutive != 2 || total != 2 {
		t.Errorf("expected counters 2/2 after failed verification, got %d/%d",
			consecutive, total)
	}
}

func TestFullRestart_RelaunchesThenTerminates(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RelaunchDelay = 7 * time.Second
	host := &mockHost{}
	s, scheduler, sink := newTestSupervisor(cfg, host, stubProbe{lighter: false})

	s.TriggerEscalation()

	idx := scheduler.byAction(actionEscalation)
	if got := scheduler.delays[idx[0]]; got != cfg.FullRestartDelay {
		t.Errorf("expected full restart delay %v, got %v", cfg.FullRestartDelay, got)
	}

	scheduler.fire(t, idx[0])

	host.mu.Lock()
	defer host.mu.Unlock()
	if !host.relaunched || host.relaunchDelay != 7*time.Second {
		t.Errorf("expected relaunch after 7s, got relaunched=%v delay=%v",
			host.relaunched, host.relaunchDelay)
	}
	if !host.terminated {
		t.Error("expected process termination after scheduling relaunch")
	}
	if !sink.contains("full restart") {
		t.Error("expected final counters emitted to telemetry before termination")
	}
}

// =============================================================================
// Self-check
// =============================================================================

func TestSelfCheck_AbsentWorkloadEscalates(t *testing.T) {
	host := &mockHost{present: false}
	s, scheduler, _ := newTestSupervisor(DefaultConfig(), host, stubProbe{lighter: true})

	s.Start()
	selfChecks := scheduler.byAction(actionSelfCheck)
	if len(selfChecks) != 1 {
		t.Fatalf("expected self-check armed on Start, got %d", len(selfChecks))
	}

	scheduler.fire(t, selfChecks[0])

	if got := len(scheduler.byAction(actionEscalation)); got != 1 {
		t.Errorf("expected absent workload to trigger escalation, got %d", got)
	}
	if got := len(scheduler.byAction(actionSelfCheck)); got != 2 {
		t.Errorf("expected self-check re-armed, got %d", got)
	}
}

func TestSelfCheck_PresentWorkloadHeartbeats(t *testing.T) {
	host := &mockHost{present: true}
	s, scheduler, _ := newTestSupervisor(DefaultConfig(), host, stubProbe{lighter: true})

	// Seed a failure so the heartbeat has something to reset
	s.TriggerEscalation()
	scheduler.fire(t, 0)

	s.Start()
	selfChecks := scheduler.byAction(actionSelfCheck)
	scheduler.fire(t, selfChecks[0])

	consecutive, _ := s.Counters()
	if consecutive != 0 {
		t.Errorf("expected heartbeat to reset consecutive failures, got %d", consecutive)
	}
	if got := len(scheduler.byAction(actionEscalation)); got != 1 {
		t.Errorf("expected no new escalation from healthy self-check, got %d", got)
	}
}

func TestStop_CancelsPendingTokens(t *testing.T) {
	host := &mockHost{}
	s, scheduler, _ := newTestSupervisor(DefaultConfig(), host, stubProbe{lighter: true})

	s.Start()
	s.TriggerEscalation()
	s.Stop()

	scheduler.mu.Lock()
	defer scheduler.mu.Unlock()
	if len(scheduler.cancelled) != 2 {
		t.Errorf("expected both pending tokens cancelled, got %d", len(scheduler.cancelled))
	}
}
