package domain

// DeviceHealthSample is the latest battery/thermal reading from the host.
// Latest value wins; samples are never queued.
type DeviceHealthSample struct {
	TemperatureDecidegrees int  `json:"temperature_decidegrees"`
	BatteryPercent         int  `json:"battery_percent"`
	Charging               bool `json:"charging"`
}

// TemperatureTier classifies device temperature.
type TemperatureTier int

const (
	TemperatureNormal TemperatureTier = iota
	TemperatureWarning
	TemperatureHigh
	TemperatureCritical
)

func (t TemperatureTier) String() string {
	switch t {
	case TemperatureNormal:
		return "normal"
	case TemperatureWarning:
		return "warning"
	case TemperatureHigh:
		return "high"
	case TemperatureCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// BatteryTier classifies battery charge level.
type BatteryTier int

const (
	BatteryNormal BatteryTier = iota
	BatteryLow
	BatteryCritical
)

func (b BatteryTier) String() string {
	switch b {
	case BatteryNormal:
		return "normal"
	case BatteryLow:
		return "low"
	case BatteryCritical:
		return "critical"
	default:
		return "unknown"
	}
}
