package supervisor

import (
	"fmt"
	"runtime/debug"

	"github.com/vietddude/streamguard/internal/core/domain"
	"github.com/vietddude/streamguard/internal/guarding/metrics"
	"github.com/vietddude/streamguard/internal/infra/telemetry"
)

// CrashHook routes panics into the escalation path so crashes and detected
// hangs share one counter. Install it with a deferred Recover at the top of
// every goroutine, or launch work through Go.
type CrashHook struct {
	sup  *Supervisor
	sink telemetry.Sink

	// prev chains to a previously installed handler, mirroring how
	// platform crash hooks delegate to their predecessor.
	prev func(component string, cause any)
}

// NewCrashHook creates a hook feeding sup. prev may be nil.
func NewCrashHook(sup *Supervisor, sink telemetry.Sink, prev func(component string, cause any)) *CrashHook {
	if sink == nil {
		sink = telemetry.NopSink{}
	}
	return &CrashHook{sup: sup, sink: sink, prev: prev}
}

// Recover is meant to be deferred. It logs the fault, triggers escalation
// unconditionally, then delegates to the previous handler.
func (h *CrashHook) Recover(component string) {
	r := recover()
	if r == nil {
		return
	}

	metrics.LivenessFailures.WithLabelValues(string(domain.FailureKindPanic)).Inc()
	h.sink.Emit(telemetry.LevelError, "crash",
		fmt.Sprintf("panic in %s: %v\n%s", component, r, debug.Stack()), nil)

	h.sup.TriggerEscalation()

	if h.prev != nil {
		h.prev(component, r)
	}
}

// Go runs fn on a new goroutine guarded by the hook.
func (h *CrashHook) Go(component string, fn func()) {
	go func() {
		defer h.Recover(component)
		fn()
	}()
}
