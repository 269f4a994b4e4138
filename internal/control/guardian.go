// Package control is the composition root: it wires the watchdog, the
// soft-recovery manager, the supervisor and the device health monitor into
// one self-healing loop around the capture workload.
package control

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/vietddude/streamguard/internal/core/clock"
	"github.com/vietddude/streamguard/internal/core/config"
	"github.com/vietddude/streamguard/internal/core/domain"
	"github.com/vietddude/streamguard/internal/guarding/devicehealth"
	"github.com/vietddude/streamguard/internal/guarding/health"
	"github.com/vietddude/streamguard/internal/guarding/recovery"
	"github.com/vietddude/streamguard/internal/guarding/supervisor"
	"github.com/vietddude/streamguard/internal/guarding/watchdog"
	"github.com/vietddude/streamguard/internal/infra/capture"
	"github.com/vietddude/streamguard/internal/infra/host"
	redisclient "github.com/vietddude/streamguard/internal/infra/redis"
	"github.com/vietddude/streamguard/internal/infra/sched"
	"github.com/vietddude/streamguard/internal/infra/telemetry"
)

// Guardian is the main application struct that manages the self-healing
// loop's lifecycle.
type Guardian struct {
	cfg *config.AppConfig
	log *slog.Logger

	captureCtl   *capture.CommandController
	sampler      *capture.SysfsSampler
	wd           *watchdog.Watchdog
	rec          *recovery.Manager
	sup          *supervisor.Supervisor
	device       *devicehealth.Monitor
	hook         *supervisor.CrashHook
	sink         *telemetry.BufferedSink
	healthServer *health.Server

	scheduler   sched.Scheduler
	redisSched  *sched.RedisScheduler
	timerSched  *sched.TimerScheduler
	redisClient *redisclient.Client

	cancel context.CancelFunc
}

// NewGuardian creates a Guardian with all dependencies initialized.
func NewGuardian(cfg *config.AppConfig) (*Guardian, error) {
	g := &Guardian{
		cfg: cfg,
		log: slog.Default(),
	}
	clk := clock.Real{}

	// 1. Telemetry
	var transport telemetry.Transport
	if cfg.Redis.URL != "" {
		client, err := redisclient.NewClient(cfg.Redis)
		if err != nil {
			return nil, fmt.Errorf("failed to init redis: %w", err)
		}
		g.redisClient = client
		transport = telemetry.NewRedisTransport(client, cfg.Telemetry.RedisMaxLen)
		slog.Info("Using Redis telemetry transport")
	} else {
		transport = telemetry.NewSlogTransport(g.log)
		slog.Info("Using log telemetry transport")
	}
	g.sink = telemetry.NewBufferedSink(cfg.Telemetry.BufferedConfig, transport)

	// 2. Durable scheduler (Redis when available, in-process otherwise)
	if g.redisClient != nil {
		g.redisSched = sched.NewRedisScheduler(g.redisClient)
		g.scheduler = g.redisSched
	} else {
		g.timerSched = sched.NewTimerScheduler()
		g.scheduler = g.timerSched
		slog.Warn("No Redis configured, scheduled actions will not survive restarts")
	}

	// 3. Capture workload and watchdog
	g.captureCtl = capture.NewCommandController(cfg.Capture)
	g.wd = watchdog.New(cfg.Watchdog, clk, g.sink)
	g.captureCtl.SetFrameHook(g.wd.ReportFrameReceived)

	// 4. Supervisor over the process host
	processHost := host.NewProcessHost(g.captureCtl, func() { _ = g.sink.Close() })
	probe := host.NewStaticProbe(cfg.ForceFullRestart)
	g.sup = supervisor.New(cfg.Supervisor, processHost, probe, g.scheduler, g.sink, clk)
	g.sup.SetRecoveredHook(g.wd.ResetTimestamps)
	g.hook = supervisor.NewCrashHook(g.sup, g.sink, nil)

	// Every goroutine the subsystem starts internally defers the crash
	// hook, so panics in callbacks and scheduled actions escalate instead
	// of killing the process.
	g.wd.SetPanicHandler(g.hook.Recover)
	if g.redisSched != nil {
		g.redisSched.SetPanicHandler(g.hook.Recover)
	} else {
		g.timerSched.SetPanicHandler(g.hook.Recover)
	}

	// 5. Soft-recovery manager. A confirmed stream recovery refreshes the
	// watchdog so stale timestamps cannot re-trigger; an exhausted retry
	// budget is promoted to the supervisor.
	g.rec = recovery.NewManager(cfg.Recovery, g.captureCtl, g.captureCtl, clk, g.sink,
		recovery.Observer{
			OnSuccess: func(kind string) {
				g.wd.ResetTimestamps()
			},
			OnFailed: func(kind string) {
				g.sup.TriggerEscalation()
			},
		})
	g.rec.SetPanicHandler(g.hook.Recover)

	// 6. Device health monitor and sysfs sampler
	g.device = devicehealth.NewMonitor(cfg.DeviceHealth, devicehealth.Callbacks{
		OnTemperature: func(tier domain.TemperatureTier, s domain.DeviceHealthSample) {
			g.sink.Emit(telemetry.LevelWarn, "device",
				fmt.Sprintf("temperature %s (%d.%d°C)", tier,
					s.TemperatureDecidegrees/10, s.TemperatureDecidegrees%10), nil)
		},
		OnBattery: func(tier domain.BatteryTier, s domain.DeviceHealthSample) {
			g.sink.Emit(telemetry.LevelWarn, "device",
				fmt.Sprintf("battery %s (%d%%)", tier, s.BatteryPercent), nil)
		},
	})
	g.sampler = capture.NewSysfsSampler(cfg.Device, g.device.Record)

	// 7. Health server
	healthMon := health.NewMonitor(g.wd, g.sup, g.rec, g.device)
	g.healthServer = health.NewServer(healthMon, cfg.Server.Port, g.wd.ReportServerResponse)

	return g, nil
}

// Start starts the guardian and all its components.
func (g *Guardian) Start(ctx context.Context) error {
	ctx, g.cancel = context.WithCancel(ctx)

	g.sink.Start(ctx)

	if g.redisSched != nil {
		if err := g.redisSched.Start(ctx); err != nil {
			g.log.Warn("Failed to re-arm persisted scheduler entries", "error", err)
		}
	}

	// Local stream stalls go through the cheap path first. Server-level
	// and promoted failures go straight to the supervisor.
	err := g.wd.Start(watchdog.Callbacks{
		OnStreamStuck: func(age time.Duration) {
			g.log.Warn("Stream stuck, attempting soft recovery", "frame_age", age)
			if !g.rec.RecoverStream() {
				g.log.Warn("Soft recovery rejected")
			}
		},
		OnServerStuck: func(age time.Duration) {
			g.log.Error("Server unresponsive, escalating", "server_age", age)
			g.escalate()
		},
		OnCritical: func(kind domain.FailureKind) {
			g.log.Error("Critical failure, escalating", "kind", kind)
			g.escalate()
		},
		OnMemory: func(ratio float64, critical bool) {
			g.log.Warn("Memory pressure", "ratio", ratio, "critical", critical)
		},
	})
	if err != nil {
		return err
	}

	g.sup.Start()

	if !g.captureCtl.Start() {
		// The workload failing to come up at boot is itself a critical
		// failure; let the ladder handle it.
		g.log.Error("Initial capture start failed, escalating")
		g.sup.TriggerEscalation()
	}

	g.hook.Go("sysfs-sampler", func() { g.sampler.Run(ctx) })
	g.hook.Go("health-server", func() {
		if err := g.healthServer.Start(); err != nil {
			g.log.Error("Health server failed", "error", err)
		}
	})

	return nil
}

// escalate hands a critical failure to the supervisor. Escalation does not
// wait for an in-flight soft recovery, but the overlap is made visible.
func (g *Guardian) escalate() {
	if g.rec.IsRecoveryInProgress() {
		g.log.Warn("Escalating while a soft recovery is still in flight")
		g.sink.Emit(telemetry.LevelWarn, "supervisor",
			"escalation overlaps an in-flight soft recovery", nil)
	}
	g.sup.TriggerEscalation()
}

// Stop stops the guardian. Pending scheduled actions are cancelled;
// recovery attempts already dispatched run to completion.
func (g *Guardian) Stop(ctx context.Context) error {
	g.log.Info("Stopping guardian...")

	g.wd.Stop()
	g.sup.Stop()

	if g.redisSched != nil {
		g.redisSched.Stop()
	}
	if g.timerSched != nil {
		g.timerSched.Stop()
	}

	g.captureCtl.Stop()

	if g.cancel != nil {
		g.cancel()
	}
	if err := g.sink.Close(); err != nil {
		g.log.Warn("Failed to close telemetry sink", "error", err)
	}
	if g.redisClient != nil {
		if err := g.redisClient.Close(); err != nil {
			g.log.Warn("Failed to close Redis", "error", err)
		}
	}

	return g.healthServer.Stop(ctx)
}
