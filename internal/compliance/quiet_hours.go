package compliance

import (
	"fmt"
	"time"
)

// QuietHours is a daily local-time window during which proactive sends are
// suppressed. Replies to an inbound message are never suppressed.
type QuietHours struct {
	StartMinutes int
	EndMinutes   int
	location     *time.Location
	enabled      bool
}

// ParseQuietHours builds a window from HH:MM strings. Both empty disables it.
func ParseQuietHours(start, end, tz string) (QuietHours, error) {
	if start == "" && end == "" {
		return QuietHours{}, nil
	}
	loc := time.UTC
	if tz != "" {
		var err error
		loc, err = time.LoadLocation(tz)
		if err != nil {
			return QuietHours{}, fmt.Errorf("compliance: load quiet hours tz: %w", err)
		}
	}
	startMin, err := parseClock(start)
	if err != nil {
		return QuietHours{}, fmt.Errorf("compliance: parse quiet hours start: %w", err)
	}
	endMin, err := parseClock(end)
	if err != nil {
		return QuietHours{}, fmt.Errorf("compliance: parse quiet hours end: %w", err)
	}
	return QuietHours{
		StartMinutes: startMin,
		EndMinutes:   endMin,
		location:     loc,
		enabled:      startMin != endMin,
	}, nil
}

func parseClock(v string) (int, error) {
	if v == "" {
		return 0, fmt.Errorf("empty clock")
	}
	t, err := time.Parse("15:04", v)
	if err != nil {
		return 0, err
	}
	return t.Hour()*60 + t.Minute(), nil
}

// Enabled reports whether the window suppresses anything.
func (q QuietHours) Enabled() bool { return q.enabled }

// Suppress reports whether a send at now must be held back.
func (q QuietHours) Suppress(now time.Time, proactive bool) bool {
	if !q.enabled || !proactive {
		return false
	}
	local := now.In(q.location)
	minutes := local.Hour()*60 + local.Minute()
	if q.StartMinutes < q.EndMinutes {
		return minutes >= q.StartMinutes && minutes < q.EndMinutes
	}
	// crosses midnight
	return minutes >= q.StartMinutes || minutes < q.EndMinutes
}

// NextOpen returns the first instant at or after now when Suppress is false
// for a proactive send.
func (q QuietHours) NextOpen(now time.Time) time.Time {
	if !q.Suppress(now, true) {
		return now
	}
	local := now.In(q.location)
	end := time.Date(local.Year(), local.Month(), local.Day(), q.EndMinutes/60, q.EndMinutes%60, 0, 0, q.location)
	if !end.After(local) {
		end = end.AddDate(0, 0, 1)
	}
	return end
}
