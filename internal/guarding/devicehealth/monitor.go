// Package devicehealth passively tracks battery and thermal state and turns
// it into an adaptive quality-reduction hint. It never stops or restarts
// anything itself.
package devicehealth

import (
	"sync"

	"github.com/vietddude/streamguard/internal/core/domain"
	"github.com/vietddude/streamguard/internal/guarding/metrics"
)

// Config holds classification thresholds and reduction weights.
// Temperatures are in decidegrees Celsius (450 = 45.0°C).
type Config struct {
	TempWarning  int `yaml:"temp_warning"`
	TempHigh     int `yaml:"temp_high"`
	TempCritical int `yaml:"temp_critical"`

	BatteryLow      int `yaml:"battery_low"`
	BatteryCritical int `yaml:"battery_critical"`

	ReductionWarning  float64 `yaml:"reduction_warning"`
	ReductionHigh     float64 `yaml:"reduction_high"`
	ReductionCritical float64 `yaml:"reduction_critical"`
	ReductionBattery  float64 `yaml:"reduction_battery"`
	ReductionCap      float64 `yaml:"reduction_cap"`
}

// DefaultConfig returns sensible device-health defaults.
func DefaultConfig() Config {
	return Config{
		TempWarning:       450,
		TempHigh:          550,
		TempCritical:      650,
		BatteryLow:        20,
		BatteryCritical:   10,
		ReductionWarning:  0.15,
		ReductionHigh:     0.30,
		ReductionCritical: 0.45,
		ReductionBattery:  0.15,
		ReductionCap:      0.50,
	}
}

// Callbacks fire on non-normal tiers only; at most once per recorded
// sample.
type Callbacks struct {
	OnTemperature func(tier domain.TemperatureTier, sample domain.DeviceHealthSample)
	OnBattery     func(tier domain.BatteryTier, sample domain.DeviceHealthSample)
}

// Monitor keeps the latest device health sample. Latest value wins.
type Monitor struct {
	cfg Config
	cb  Callbacks

	mu        sync.RWMutex
	sample    domain.DeviceHealthSample
	hasSample bool
}

// NewMonitor creates a device health monitor.
func NewMonitor(cfg Config, cb Callbacks) *Monitor {
	if cfg.ReductionCap == 0 {
		cfg.ReductionCap = DefaultConfig().ReductionCap
	}
	return &Monitor{cfg: cfg, cb: cb}
}

// Record stores a new sample, classifies it and invokes callbacks for
// non-normal tiers.
func (m *Monitor) Record(sample domain.DeviceHealthSample) {
	m.mu.Lock()
	m.sample = sample
	m.hasSample = true
	m.mu.Unlock()

	metrics.DeviceTemperature.Set(float64(sample.TemperatureDecidegrees))
	metrics.BatteryPercent.Set(float64(sample.BatteryPercent))
	metrics.QualityReduction.Set(m.RecommendedQualityReduction())

	if tier := m.classifyTemperature(sample.TemperatureDecidegrees); tier != domain.TemperatureNormal {
		if m.cb.OnTemperature != nil {
			m.cb.OnTemperature(tier, sample)
		}
	}
	if tier := m.classifyBattery(sample.BatteryPercent); tier != domain.BatteryNormal {
		if m.cb.OnBattery != nil {
			m.cb.OnBattery(tier, sample)
		}
	}
}

// Latest returns the most recent sample, if any.
func (m *Monitor) Latest() (domain.DeviceHealthSample, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sample, m.hasSample
}

// RecommendedQualityReduction sums independent, capped contributions from
// the temperature tier and a discharging low battery. The result is
// monotone in temperature tier and never exceeds the configured cap.
func (m *Monitor) RecommendedQualityReduction() float64 {
	m.mu.RLock()
	sample, ok := m.sample, m.hasSample
	m.mu.RUnlock()
	if !ok {
		return 0
	}

	var reduction float64
	switch m.classifyTemperature(sample.TemperatureDecidegrees) {
	case domain.TemperatureWarning:
		reduction += m.cfg.ReductionWarning
	case domain.TemperatureHigh:
		reduction += m.cfg.ReductionHigh
	case domain.TemperatureCritical:
		reduction += m.cfg.ReductionCritical
	}

	batteryTier := m.classifyBattery(sample.BatteryPercent)
	if batteryTier != domain.BatteryNormal && !sample.Charging {
		reduction += m.cfg.ReductionBattery
	}

	if reduction > m.cfg.ReductionCap {
		reduction = m.cfg.ReductionCap
	}
	return reduction
}

func (m *Monitor) classifyTemperature(deci int) domain.TemperatureTier {
	switch {
	case deci >= m.cfg.TempCritical:
		return domain.TemperatureCritical
	case deci >= m.cfg.TempHigh:
		return domain.TemperatureHigh
	case deci >= m.cfg.TempWarning:
		return domain.TemperatureWarning
	default:
		return domain.TemperatureNormal
	}
}

func (m *Monitor) classifyBattery(percent int) domain.BatteryTier {
	switch {
	case percent <= m.cfg.BatteryCritical:
		return domain.BatteryCritical
	case percent <= m.cfg.BatteryLow:
		return domain.BatteryLow
	default:
		return domain.BatteryNormal
	}
}
