package loop

import "time"

// DefaultMaxIterations caps how many versions a loop may advance through
// before coordination ticks stop acting on it.
const DefaultMaxIterations = 100

// Guardrail is the snapshot of safety limits handed to coordination ticks.
// KillSwitchEnabled and CooldownUntil are fixed defaults today.
type Guardrail struct {
	Iteration         int64
	MaxIterations     int64
	KillSwitchEnabled bool
	CooldownUntil     *time.Time
}

// GuardrailFor builds the runtime guardrail for a loop at loopVersion.
func GuardrailFor(loopVersion int64, maxIterations int64) Guardrail {
	if maxIterations <= 0 {
		maxIterations = DefaultMaxIterations
	}
	return Guardrail{
		Iteration:     loopVersion,
		MaxIterations: maxIterations,
	}
}

// Blocked returns a non-empty reason when a tick must not act at now.
func (g Guardrail) Blocked(now time.Time) string {
	switch {
	case g.KillSwitchEnabled:
		return "kill_switch_enabled"
	case g.CooldownUntil != nil && now.Before(*g.CooldownUntil):
		return "cooldown_active"
	case g.MaxIterations > 0 && g.Iteration >= g.MaxIterations:
		return "max_iterations_reached"
	}
	return ""
}
