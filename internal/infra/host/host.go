// Package host implements the workload host surface the supervisor acts
// on: starting and stopping the capture workload, and the one-way process
// termination and relaunch used by full restarts.
package host

import (
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"syscall"
	"time"
)

// Workload is the local capture surface the host controls.
type Workload interface {
	Start() bool
	Stop()
	IsActive() bool
}

// ProcessHost drives the in-process workload and the hosting OS process.
type ProcessHost struct {
	workload Workload
	log      *slog.Logger

	// flush drains telemetry before the process dies. May be nil.
	flush func()
}

// NewProcessHost creates a host over workload.
func NewProcessHost(workload Workload, flush func()) *ProcessHost {
	return &ProcessHost{
		workload: workload,
		log:      slog.Default(),
		flush:    flush,
	}
}

// RequestStart asks the workload to start. Failures are logged, not
// returned; the supervisor verifies liveness separately.
func (h *ProcessHost) RequestStart() {
	if !h.workload.Start() {
		h.log.Error("Workload start request failed")
	}
}

// RequestStop stops the workload best-effort.
func (h *ProcessHost) RequestStop() {
	h.workload.Stop()
}

// IsPresent reports whether the workload exists at all.
func (h *ProcessHost) IsPresent() bool {
	return h.workload.IsActive()
}

// TerminateProcess flushes telemetry and exits. It does not return.
func (h *ProcessHost) TerminateProcess() {
	h.log.Error("Terminating process for full restart")
	if h.flush != nil {
		h.flush()
	}
	os.Exit(1)
}

// RelaunchProcessAfter spawns a detached child that waits out the delay and
// then re-executes the current binary with the original arguments. The
// child survives this process's death, which is the whole point.
func (h *ProcessHost) RelaunchProcessAfter(delay time.Duration) {
	exe, err := os.Executable()
	if err != nil {
		h.log.Error("Cannot resolve executable for relaunch", "error", err)
		return
	}

	script := fmt.Sprintf("sleep %d; exec %s", int(delay.Seconds()), shellQuote(append([]string{exe}, os.Args[1:]...)))
	cmd := exec.Command("/bin/sh", "-c", script)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		h.log.Error("Failed to spawn relauncher", "error", err)
		return
	}
	// Detach: the relauncher is intentionally never reaped by us.
	_ = cmd.Process.Release()
	h.log.Info("Relauncher spawned", "delay", delay)
}

func shellQuote(args []string) string {
	quoted := ""
	for i, a := range args {
		if i > 0 {
			quoted += " "
		}
		quoted += "'" + a + "'"
	}
	return quoted
}
