// Package capture manages the external capture process and the device
// sensor feeds the guardian observes.
package capture

import (
	"bufio"
	"log/slog"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// Config holds capture process settings.
type Config struct {
	// Command launches the capture pipeline. The process is expected to
	// write one line to stdout per delivered frame.
	Command []string `yaml:"command"`

	StopTimeout time.Duration `yaml:"stop_timeout"`
}

// DefaultConfig returns sensible capture defaults.
func DefaultConfig() Config {
	return Config{
		StopTimeout: 5 * time.Second,
	}
}

// CommandController drives the capture pipeline as a child process. It
// implements both the stream controller and the capture resetter surfaces:
// start/stop cycle the process, release/reinitialize tear it down fully.
type CommandController struct {
	cfg Config
	log *slog.Logger

	// onFrame fires once per frame line observed on the child's stdout.
	onFrame func()

	mu     sync.Mutex
	cmd    *exec.Cmd
	exited chan struct{}
}

// NewCommandController creates a controller for cfg.Command.
func NewCommandController(cfg Config) *CommandController {
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = DefaultConfig().StopTimeout
	}
	return &CommandController{
		cfg: cfg,
		log: slog.Default(),
	}
}

// SetFrameHook installs the per-frame liveness callback. Must be set
// before Start.
func (c *CommandController) SetFrameHook(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onFrame = fn
}

// Start launches the capture process. Failures are return values.
func (c *CommandController) Start() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.runningLocked() {
		return true
	}
	if len(c.cfg.Command) == 0 {
		c.log.Error("Capture command not configured")
		return false
	}

	cmd := exec.Command(c.cfg.Command[0], c.cfg.Command[1:]...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		c.log.Error("Failed to open capture stdout", "error", err)
		return false
	}

	if err := cmd.Start(); err != nil {
		c.log.Error("Failed to start capture process", "error", err)
		return false
	}

	exited := make(chan struct{})
	c.cmd = cmd
	c.exited = exited
	onFrame := c.onFrame

	go func() {
		scanner := bufio.NewScanner(stdout)
		for scanner.Scan() {
			if onFrame != nil {
				onFrame()
			}
		}
	}()
	go func() {
		_ = cmd.Wait()
		close(exited)
	}()

	c.log.Info("Capture process started", "pid", cmd.Process.Pid)
	return true
}

// Stop terminates the capture process, escalating from SIGTERM to SIGKILL
// after the stop timeout.
func (c *CommandController) Stop() {
	c.mu.Lock()
	cmd := c.cmd
	exited := c.exited
	c.cmd = nil
	c.exited = nil
	c.mu.Unlock()

	if cmd == nil || cmd.Process == nil {
		return
	}

	_ = cmd.Process.Signal(syscall.SIGTERM)
	select {
	case <-exited:
	case <-time.After(c.cfg.StopTimeout):
		c.log.Warn("Capture process ignored SIGTERM, killing", "pid", cmd.Process.Pid)
		_ = cmd.Process.Kill()
		<-exited
	}
}

// IsActive reports whether the capture process is running.
func (c *CommandController) IsActive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.runningLocked()
}

// Release tears the capture process down for a full reset.
func (c *CommandController) Release() {
	c.Stop()
}

// Reinitialize brings the capture process back after a Release.
func (c *CommandController) Reinitialize() bool {
	return c.Start()
}

func (c *CommandController) runningLocked() bool {
	if c.cmd == nil || c.exited == nil {
		return false
	}
	select {
	case <-c.exited:
		return false
	default:
		return true
	}
}
