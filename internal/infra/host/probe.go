package host

// StaticProbe is the capability gate for lighter restart strategies. Hosts
// where the capture workload is managed externally cannot be revived
// in-process, so every escalation must go straight to a full restart.
type StaticProbe struct {
	lighter bool
}

// NewStaticProbe creates a probe. forceFullRestart disables the lighter
// strategies.
func NewStaticProbe(forceFullRestart bool) *StaticProbe {
	return &StaticProbe{lighter: !forceFullRestart}
}

func (p *StaticProbe) CanUseLighterRestartStrategies() bool {
	return p.lighter
}
