package capture

import (
	"context"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/vietddude/streamguard/internal/core/domain"
)

// SysfsConfig points the sampler at the platform battery/thermal files.
type SysfsConfig struct {
	ThermalPath         string        `yaml:"thermal_path"`
	BatteryCapacityPath string        `yaml:"battery_capacity_path"`
	BatteryStatusPath   string        `yaml:"battery_status_path"`
	Interval            time.Duration `yaml:"interval"`
}

// DefaultSysfsConfig returns the usual Linux sysfs locations.
func DefaultSysfsConfig() SysfsConfig {
	return SysfsConfig{
		ThermalPath:         "/sys/class/thermal/thermal_zone0/temp",
		BatteryCapacityPath: "/sys/class/power_supply/BAT0/capacity",
		BatteryStatusPath:   "/sys/class/power_supply/BAT0/status",
		Interval:            30 * time.Second,
	}
}

// SysfsSampler polls sysfs and feeds device health samples to a callback.
// Hosts without the files simply produce no samples.
type SysfsSampler struct {
	cfg    SysfsConfig
	record func(domain.DeviceHealthSample)
	log    *slog.Logger
}

// NewSysfsSampler creates a sampler delivering to record.
func NewSysfsSampler(cfg SysfsConfig, record func(domain.DeviceHealthSample)) *SysfsSampler {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultSysfsConfig().Interval
	}
	return &SysfsSampler{
		cfg:    cfg,
		record: record,
		log:    slog.Default(),
	}
}

// Run polls until ctx is cancelled.
func (s *SysfsSampler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if sample, ok := s.read(); ok {
				s.record(sample)
			}
		}
	}
}

func (s *SysfsSampler) read() (domain.DeviceHealthSample, bool) {
	var sample domain.DeviceHealthSample
	any := false

	if v, err := readIntFile(s.cfg.ThermalPath); err == nil {
		// thermal_zone reports millidegrees
		sample.TemperatureDecidegrees = v / 100
		any = true
	}
	if v, err := readIntFile(s.cfg.BatteryCapacityPath); err == nil {
		sample.BatteryPercent = v
		any = true
	}
	if data, err := os.ReadFile(s.cfg.BatteryStatusPath); err == nil {
		status := strings.TrimSpace(string(data))
		sample.Charging = status == "Charging" || status == "Full"
		any = true
	}

	return sample, any
}

func readIntFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}
