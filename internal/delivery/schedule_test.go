package delivery

import (
	"testing"
	"time"
)

func TestPhaseFor(t *testing.T) {
	cases := map[int]int{0: PhaseFast, 9: PhaseFast, 10: PhaseMedium, 19: PhaseMedium, 20: PhaseSlow, 500: PhaseSlow}
	for retries, want := range cases {
		if got := PhaseFor(retries); got != want {
			t.Fatalf("PhaseFor(%d) = %d, want %d", retries, got, want)
		}
	}
}

func TestIntervalForClampsPhase(t *testing.T) {
	if got := IntervalFor(-1); got != 5*time.Minute {
		t.Fatalf("expected 5m for negative phase, got %v", got)
	}
	if got := IntervalFor(PhaseMedium); got != 10*time.Minute {
		t.Fatalf("expected 10m, got %v", got)
	}
	if got := IntervalFor(7); got != 30*time.Minute {
		t.Fatalf("expected 30m for out of range phase, got %v", got)
	}
}

func TestSchedule(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	phase, next := Schedule(12, now)
	if phase != PhaseMedium {
		t.Fatalf("expected medium phase, got %d", phase)
	}
	if !next.Equal(now.Add(10 * time.Minute)) {
		t.Fatalf("unexpected next attempt %v", next)
	}
}
