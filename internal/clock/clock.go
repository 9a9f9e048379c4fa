// Package clock provides time helpers for the sprinkler engine: human
// readable period formatting for events, and a simulated scheduling clock
// used to accelerate schedule testing without touching zone timing.
package clock

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Clock reports wall time and, separately, scheduling time. Scheduling time
// is wall time unless a speed factor or delta was configured, in which case
// the elapsed time since startup is multiplied by the speed and shifted by
// the delta. The speed is capped at 60 and forced to a divisor of 60 so that
// minute-aligned logic still triggers.
type Clock struct {
	start time.Time
	speed int
	delta time.Duration
}

// New returns a clock with no acceleration.
func New() *Clock {
	return &Clock{start: time.Now(), speed: 1}
}

// SetSpeed configures the simulation speed factor.
func (c *Clock) SetSpeed(n int) error {
	if n < 1 {
		n = 1
	}
	if n > 60 {
		n = 60
	}
	for 60%n != 0 {
		n -= 1
	}
	c.speed = n
	return nil
}

// SetDelta shifts scheduling time by a constant offset.
func (c *Clock) SetDelta(d time.Duration) {
	c.delta = d
}

// ParseDelta accepts the -sim-delta syntax: an integer followed by a unit
// suffix d (days), h (hours) or m (minutes).
func ParseDelta(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	unit := s[len(s)-1]
	value, err := strconv.Atoi(strings.TrimSuffix(s, string(unit)))
	if err != nil {
		return 0, fmt.Errorf("invalid delta %q: %w", s, err)
	}
	switch unit {
	case 'd':
		return time.Duration(value) * 24 * time.Hour, nil
	case 'h':
		return time.Duration(value) * time.Hour, nil
	case 'm':
		return time.Duration(value) * time.Minute, nil
	}
	return 0, fmt.Errorf("invalid delta unit %q", string(unit))
}

// Speed returns the configured speed factor.
func (c *Clock) Speed() int { return c.speed }

// Now returns true wall time.
func (c *Clock) Now() time.Time { return time.Now() }

// Scheduling returns the accelerated, shifted time the schedule evaluator
// uses. With speed 1 and no delta this is wall time.
func (c *Clock) Scheduling(now time.Time) time.Time {
	if c.speed <= 1 && c.delta == 0 {
		return now
	}
	elapsed := now.Sub(c.start)
	return c.start.Add(elapsed * time.Duration(c.speed)).Add(c.delta)
}

func printPeriod(h int, hlabel string, l int, llabel string) string {
	plural := func(n int) string {
		if n > 1 {
			return "S"
		}
		return ""
	}
	if l > 0 {
		return fmt.Sprintf("%d %s%s, %d %s%s", h, hlabel, plural(h), l, llabel, plural(l))
	}
	return fmt.Sprintf("%d %s%s", h, hlabel, plural(h))
}

// PeriodPrintable renders a duration in seconds the way the event log
// expects it: the two most significant units, rounded.
func PeriodPrintable(period int) string {
	if period <= 0 {
		return "NOW"
	}
	switch {
	case period > 86400:
		period += 1800
		return printPeriod(period/86400, "DAY", (period%86400)/3600, "HOUR")
	case period > 3600:
		period += 30
		return printPeriod(period/3600, "HOUR", (period%3600)/60, "MINUTE")
	case period > 60:
		return printPeriod(period/60, "MINUTE", period%60, "SECOND")
	}
	return printPeriod(period, "SECOND", 0, "")
}

// DeltaPrintable renders the span between two times.
func DeltaPrintable(start, end time.Time) string {
	return PeriodPrintable(int(end.Sub(start) / time.Second))
}
