// Package health provides guardian health status reporting over HTTP.
package health

import (
	"github.com/vietddude/streamguard/internal/core/domain"
	"github.com/vietddude/streamguard/internal/guarding/devicehealth"
	"github.com/vietddude/streamguard/internal/guarding/recovery"
	"github.com/vietddude/streamguard/internal/guarding/supervisor"
	"github.com/vietddude/streamguard/internal/guarding/watchdog"
)

// SystemStatus represents the overall health state of the guardian.
type SystemStatus string

const (
	StatusHealthy  SystemStatus = "healthy"
	StatusDegraded SystemStatus = "degraded"
	StatusCritical SystemStatus = "critical"
)

// Report contains the full guardian health report.
type Report struct {
	Status             SystemStatus               `json:"status"`
	StreamActive       bool                       `json:"stream_active"`
	FrameAgeSeconds    float64                    `json:"frame_age_seconds"`
	ServerAgeSeconds   float64                    `json:"server_age_seconds"`
	WatchdogFailures   int                        `json:"watchdog_failures"`
	EscalationFailures int                        `json:"escalation_failures"`
	TotalEscalations   int                        `json:"total_escalations"`
	RecoveryInProgress bool                       `json:"recovery_in_progress"`
	QualityReduction   float64                    `json:"quality_reduction"`
	Device             *domain.DeviceHealthSample `json:"device,omitempty"`
}

// Monitor aggregates guardian state into health reports.
type Monitor struct {
	wd     *watchdog.Watchdog
	sup    *supervisor.Supervisor
	rec    *recovery.Manager
	device *devicehealth.Monitor
}

// NewMonitor creates a health monitor over the guardian components.
func NewMonitor(wd *watchdog.Watchdog, sup *supervisor.Supervisor,
	rec *recovery.Manager, device *devicehealth.Monitor) *Monitor {
	return &Monitor{wd: wd, sup: sup, rec: rec, device: device}
}

// CheckHealth builds the current report.
func (m *Monitor) CheckHealth() Report {
	snap := m.wd.Snapshot()
	consecutive, total := m.sup.Counters()

	report := Report{
		Status:             StatusHealthy,
		StreamActive:       snap.StreamActive,
		FrameAgeSeconds:    snap.FrameAge.Seconds(),
		ServerAgeSeconds:   snap.ServerAge.Seconds(),
		WatchdogFailures:   snap.ConsecutiveFailures,
		EscalationFailures: consecutive,
		TotalEscalations:   total,
		RecoveryInProgress: m.rec.IsRecoveryInProgress(),
		QualityReduction:   m.device.RecommendedQualityReduction(),
	}
	if sample, ok := m.device.Latest(); ok {
		report.Device = &sample
	}

	// Evaluate status (worst case wins)
	if snap.ConsecutiveFailures > 0 || consecutive > 0 || report.RecoveryInProgress {
		report.Status = StatusDegraded
	}
	if snap.StreamActive && snap.FrameAge > m.wd.StreamTimeout() {
		report.Status = StatusCritical
	}
	return report
}
