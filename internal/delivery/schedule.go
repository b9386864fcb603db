package delivery

import "time"

// Retry phases. Phase 2 retries indefinitely.
const (
	PhaseFast   = 0
	PhaseMedium = 1
	PhaseSlow   = 2

	mediumThreshold = 10
	slowThreshold   = 20
)

var phaseIntervals = [...]time.Duration{
	PhaseFast:   5 * time.Minute,
	PhaseMedium: 10 * time.Minute,
	PhaseSlow:   30 * time.Minute,
}

// PhaseFor maps a retry count to its backoff phase.
func PhaseFor(retryCount int) int {
	switch {
	case retryCount >= slowThreshold:
		return PhaseSlow
	case retryCount >= mediumThreshold:
		return PhaseMedium
	default:
		return PhaseFast
	}
}

// IntervalFor returns the wait before the next attempt in a phase.
func IntervalFor(phase int) time.Duration {
	if phase < PhaseFast {
		phase = PhaseFast
	}
	if phase > PhaseSlow {
		phase = PhaseSlow
	}
	return phaseIntervals[phase]
}

// Schedule returns the phase and next attempt time after retryCount failures.
func Schedule(retryCount int, now time.Time) (int, time.Time) {
	phase := PhaseFor(retryCount)
	return phase, now.Add(IntervalFor(phase))
}
