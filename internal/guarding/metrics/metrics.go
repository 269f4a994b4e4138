package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// LivenessFailures tracks failures detected by the watchdog per kind
	LivenessFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "streamguard_liveness_failures_total",
			Help: "Total number of liveness failures detected",
		},
		[]string{"kind"},
	)

	// SoftRecoveries tracks soft recovery outcomes
	SoftRecoveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "streamguard_soft_recoveries_total",
			Help: "Total number of soft recovery runs",
		},
		[]string{"kind", "outcome"},
	)

	// Escalations tracks supervisor escalations per strategy
	Escalations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "streamguard_escalations_total",
			Help: "Total number of supervisor escalations",
		},
		[]string{"strategy"},
	)

	// ConsecutiveFailures tracks the supervisor failure counter
	ConsecutiveFailures = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "streamguard_consecutive_failures",
			Help: "Current consecutive failure count in the supervisor",
		},
	)

	// FrameAge tracks seconds since the last frame was received
	FrameAge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "streamguard_frame_age_seconds",
			Help: "Seconds since the last frame was received",
		},
	)

	// MemoryUsageRatio tracks heap usage against the configured limit
	MemoryUsageRatio = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "streamguard_memory_usage_ratio",
			Help: "Heap usage as a fraction of the configured limit",
		},
	)

	// DeviceTemperature tracks device temperature in decidegrees
	DeviceTemperature = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "streamguard_device_temperature_decidegrees",
			Help: "Latest device temperature sample in decidegrees Celsius",
		},
	)

	// BatteryPercent tracks the latest battery sample
	BatteryPercent = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "streamguard_battery_percent",
			Help: "Latest battery charge sample",
		},
	)

	// QualityReduction tracks the recommended quality reduction factor
	QualityReduction = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "streamguard_quality_reduction_factor",
			Help: "Recommended capture quality reduction factor",
		},
	)
)
