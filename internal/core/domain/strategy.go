package domain

import "time"

// RecoveryStrategy is one rung of the escalation ladder. Higher values are
// strictly more disruptive.
type RecoveryStrategy int

const (
	StrategySimpleRestart RecoveryStrategy = iota
	StrategyDelayedRestart
	StrategyClearStateRestart
	StrategyFullRestart
)

func (s RecoveryStrategy) String() string {
	switch s {
	case StrategySimpleRestart:
		return "simple_restart"
	case StrategyDelayedRestart:
		return "delayed_restart"
	case StrategyClearStateRestart:
		return "clear_state_restart"
	case StrategyFullRestart:
		return "full_restart"
	default:
		return "unknown"
	}
}

// RecoveryAttemptRecord describes one scheduled escalation. Records are
// transient: they travel from trigger to execution and are not retained.
type RecoveryAttemptRecord struct {
	Strategy          RecoveryStrategy `json:"strategy"`
	AttemptIndex      int              `json:"attempt_index"`
	ScheduledAt       time.Time        `json:"scheduled_at"`
	FailuresAtTrigger int              `json:"failures_at_trigger"`
}
