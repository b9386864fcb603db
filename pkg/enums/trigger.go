package enums

import (
	"fmt"
	"strings"
)

// Trigger identifies what woke the sync coordinator.
type Trigger string

const (
	TriggerStartup        Trigger = "startup"
	TriggerOnline         Trigger = "online"
	TriggerVisible        Trigger = "visible"
	TriggerBackgroundSync Trigger = "background-sync"
	TriggerTimer          Trigger = "timer"
	TriggerPeriodic       Trigger = "periodic"
	TriggerManual         Trigger = "manual"
)

var validTriggers = []Trigger{
	TriggerStartup,
	TriggerOnline,
	TriggerVisible,
	TriggerBackgroundSync,
	TriggerTimer,
	TriggerPeriodic,
	TriggerManual,
}

// String implements fmt.Stringer.
func (t Trigger) String() string {
	return string(t)
}

// IsValid reports whether the value is a known Trigger.
func (t Trigger) IsValid() bool {
	for _, candidate := range validTriggers {
		if candidate == t {
			return true
		}
	}
	return false
}

// ChecksCatalog reports whether a cycle started by t also re-checks the
// catalog fingerprint. Retry timer wakes only drain queues.
func (t Trigger) ChecksCatalog() bool {
	switch t {
	case TriggerStartup, TriggerOnline, TriggerVisible, TriggerPeriodic, TriggerManual:
		return true
	}
	return false
}

// ParseTrigger converts raw input into a Trigger.
func ParseTrigger(value string) (Trigger, error) {
	normalized := strings.ToLower(strings.TrimSpace(value))
	for _, candidate := range validTriggers {
		if string(candidate) == normalized {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid trigger %q", value)
}
