package domain

// FailureKind classifies a liveness failure detected by the watchdog.
type FailureKind string

const (
	FailureKindStream FailureKind = "stream"
	FailureKindServer FailureKind = "server"
	FailureKindMemory FailureKind = "memory"
	FailureKindPanic  FailureKind = "panic"
	FailureKindAbsent FailureKind = "absent"
)
