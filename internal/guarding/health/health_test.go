package health

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/vietddude/streamguard/internal/core/domain"
	"github.com/vietddude/streamguard/internal/guarding/devicehealth"
	"github.com/vietddude/streamguard/internal/guarding/recovery"
	"github.com/vietddude/streamguard/internal/guarding/supervisor"
	"github.com/vietddude/streamguard/internal/guarding/watchdog"
	"github.com/vietddude/streamguard/internal/infra/sched"
)

// =============================================================================
// Test fixtures
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
	c.advance(d)
	return nil
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type stubHost struct{ present bool }

func (h *stubHost) RequestStart()                            {}
func (h *stubHost) RequestStop()                             {}
func (h *stubHost) IsPresent() bool                          { return h.present }
func (h *stubHost) TerminateProcess()                        {}
func (h *stubHost) RelaunchProcessAfter(delay time.Duration) {}

type stubProbe struct{}

func (stubProbe) CanUseLighterRestartStrategies() bool { return true }

type stubStream struct{}

func (stubStream) Start() bool    { return true }
func (stubStream) Stop()          {}
func (stubStream) IsActive() bool { return true }

type fixture struct {
	clk    *fakeClock
	wd     *watchdog.Watchdog
	sup    *supervisor.Supervisor
	mon    *Monitor
	device *devicehealth.Monitor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clk := newFakeClock()

	scheduler := sched.NewTimerScheduler()
	t.Cleanup(scheduler.Stop)

	wd := watchdog.New(watchdog.DefaultConfig(), clk, nil)
	sup := supervisor.New(supervisor.DefaultConfig(), &stubHost{present: true},
		stubProbe{}, scheduler, nil, clk)
	rec := recovery.NewManager(recovery.DefaultConfig(), stubStream{}, nil, clk, nil,
		recovery.Observer{})
	device := devicehealth.NewMonitor(devicehealth.DefaultConfig(), devicehealth.Callbacks{})

	return &fixture{
		clk:    clk,
		wd:     wd,
		sup:    sup,
		mon:    NewMonitor(wd, sup, rec, device),
		device: device,
	}
}

// =============================================================================
// Report
// =============================================================================

func TestCheckHealth_Healthy(t *testing.T) {
	f := newFixture(t)
	f.wd.ResetTimestamps()

	report := f.mon.CheckHealth()
	if report.Status != StatusHealthy {
		t.Errorf("expected healthy, got %s", report.Status)
	}
	if report.Device != nil {
		t.Error("expected no device sample before the first reading")
	}
}

func TestCheckHealth_DegradedOnEscalationFailures(t *testing.T) {
	f := newFixture(t)
	f.wd.ResetTimestamps()

	f.sup.TriggerEscalation()

	report := f.mon.CheckHealth()
	if report.Status != StatusDegraded {
		t.Errorf("expected degraded with pending escalation, got %s", report.Status)
	}
	if report.EscalationFailures != 1 {
		t.Errorf("expected 1 escalation failure, got %d", report.EscalationFailures)
	}
}

func TestCheckHealth_CriticalOnStaleActiveStream(t *testing.T) {
	f := newFixture(t)

	f.wd.ReportFrameReceived()
	f.clk.advance(f.wd.StreamTimeout() + time.Second)

	report := f.mon.CheckHealth()
	if report.Status != StatusCritical {
		t.Errorf("expected critical with a stale active stream, got %s", report.Status)
	}
	if !report.StreamActive {
		t.Error("expected stream reported active")
	}
}

func TestCheckHealth_IdleStreamIsNotCritical(t *testing.T) {
	f := newFixture(t)

	f.wd.ReportFrameReceived()
	f.wd.ReportStreamStopped()
	f.clk.advance(time.Hour)
	f.wd.ReportServerResponse()

	report := f.mon.CheckHealth()
	if report.Status == StatusCritical {
		t.Error("deliberately stopped stream must not read as critical")
	}
}

func TestCheckHealth_IncludesDeviceState(t *testing.T) {
	f := newFixture(t)
	f.wd.ResetTimestamps()

	f.device.Record(domain.DeviceHealthSample{
		TemperatureDecidegrees: 600,
		BatteryPercent:         80,
		Charging:               true,
	})

	report := f.mon.CheckHealth()
	if report.Device == nil {
		t.Fatal("expected device sample in report")
	}
	if report.QualityReduction <= 0 {
		t.Errorf("expected a quality reduction hint at high temperature, got %v",
			report.QualityReduction)
	}
}

// =============================================================================
// HTTP surface
// =============================================================================

func TestHandleHealth_StatusCodes(t *testing.T) {
	f := newFixture(t)
	f.wd.ResetTimestamps()

	srv := NewServer(f.mon, 0, nil)

	rec := httptest.NewRecorder()
	srv.server.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200 while healthy, got %d", rec.Code)
	}

	// Stale active stream flips the endpoint to 503
	f.wd.ReportFrameReceived()
	f.clk.advance(f.wd.StreamTimeout() + time.Second)

	rec = httptest.NewRecorder()
	srv.server.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503 while critical, got %d", rec.Code)
	}
}

func TestHandleDetailed_FullReport(t *testing.T) {
	f := newFixture(t)
	f.wd.ResetTimestamps()

	srv := NewServer(f.mon, 0, nil)

	rec := httptest.NewRecorder()
	srv.server.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/detailed", nil))

	var report Report
	if err := json.Unmarshal(rec.Body.Bytes(), &report); err != nil {
		t.Fatalf("failed to decode report: %v", err)
	}
	if report.Status != StatusHealthy {
		t.Errorf("expected healthy report, got %s", report.Status)
	}
}

func TestObserve_CountsAsServerLiveness(t *testing.T) {
	f := newFixture(t)
	f.wd.ResetTimestamps()

	requests := 0
	srv := NewServer(f.mon, 0, func() { requests++ })

	srv.server.Handler.ServeHTTP(httptest.NewRecorder(),
		httptest.NewRequest(http.MethodGet, "/health", nil))
	srv.server.Handler.ServeHTTP(httptest.NewRecorder(),
		httptest.NewRequest(http.MethodGet, "/health/detailed", nil))

	if requests != 2 {
		t.Errorf("expected every handled request observed, got %d", requests)
	}
}
