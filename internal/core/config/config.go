package config

import (
	"github.com/vietddude/streamguard/internal/guarding/devicehealth"
	"github.com/vietddude/streamguard/internal/guarding/recovery"
	"github.com/vietddude/streamguard/internal/guarding/supervisor"
	"github.com/vietddude/streamguard/internal/guarding/watchdog"
	"github.com/vietddude/streamguard/internal/infra/capture"
	redisclient "github.com/vietddude/streamguard/internal/infra/redis"
	"github.com/vietddude/streamguard/internal/infra/telemetry"
)

// AppConfig represents the top-level configuration.
type AppConfig struct {
	Server       ServerConfig        `yaml:"server"`
	Logging      LoggingConfig       `yaml:"logging"`
	Capture      capture.Config      `yaml:"capture"`
	Device       capture.SysfsConfig `yaml:"device"`
	Watchdog     watchdog.Config     `yaml:"watchdog"`
	Recovery     recovery.Config     `yaml:"recovery"`
	Supervisor   supervisor.Config   `yaml:"supervisor"`
	DeviceHealth devicehealth.Config `yaml:"device_health"`
	Telemetry    TelemetryConfig     `yaml:"telemetry"`
	Redis        redisclient.Config  `yaml:"redis"`

	// ForceFullRestart disables the lighter restart strategies on hosts
	// where the workload cannot be revived in-process.
	ForceFullRestart bool `yaml:"force_full_restart"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port int `yaml:"port"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// TelemetryConfig holds telemetry sink settings.
type TelemetryConfig struct {
	telemetry.BufferedConfig `yaml:",inline"`

	// RedisMaxLen bounds the Redis event list.
	RedisMaxLen int64 `yaml:"redis_max_len"`
}

// Default returns a fully-populated configuration. Load unmarshals the
// file on top of it, so omitted fields keep their defaults.
func Default() *AppConfig {
	return &AppConfig{
		Server:       ServerConfig{Port: 8080},
		Logging:      LoggingConfig{Level: "info", Format: "text"},
		Capture:      capture.DefaultConfig(),
		Device:       capture.DefaultSysfsConfig(),
		Watchdog:     watchdog.DefaultConfig(),
		Recovery:     recovery.DefaultConfig(),
		Supervisor:   supervisor.DefaultConfig(),
		DeviceHealth: devicehealth.DefaultConfig(),
		Telemetry: TelemetryConfig{
			BufferedConfig: telemetry.DefaultBufferedConfig(),
			RedisMaxLen:    10000,
		},
	}
}
