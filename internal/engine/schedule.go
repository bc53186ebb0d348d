package engine

import "time"

// SchedulePolicy computes the next inter-cycle delay. Pluggable so the
// loop can run tighter during busy market windows without touching the
// cycle logic.
type SchedulePolicy interface {
	NextDelay(now time.Time, base time.Duration) time.Duration
}

// ActivityPolicy halves the delay during the EU/US session overlap, the
// most active hours for crypto perpetuals.
type ActivityPolicy struct{}

// NextDelay implements SchedulePolicy
func (ActivityPolicy) NextDelay(now time.Time, base time.Duration) time.Duration {
	hour := now.UTC().Hour()
	if hour >= 13 && hour < 21 {
		return base / 2
	}
	return base
}

// FixedPolicy always returns the base delay
type FixedPolicy struct{}

// NextDelay implements SchedulePolicy
func (FixedPolicy) NextDelay(_ time.Time, base time.Duration) time.Duration {
	return base
}
