package config

import (
	"fmt"
	"strings"
	"time"

	"recurd/internal/schedule"
)

var localStartLayouts = []string{
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
}

// ParseStart reads a start date. Values without a zone are read in loc.
func ParseStart(raw string, loc *time.Location) (time.Time, error) {
	s := strings.TrimSpace(raw)
	if loc == nil {
		loc = time.Local
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, nil
	}
	for _, layout := range localStartLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid start %q (want RFC 3339 or YYYY-MM-DD[ HH:MM[:SS]])", raw)
}

// Build converts the declaration into a validated ScheduledAction.
func (a ActionConfig) Build(loc *time.Location) (*schedule.ScheduledAction, error) {
	sa := &schedule.ScheduledAction{
		Action: schedule.Action{
			ID:      strings.TrimSpace(a.ID),
			Kind:    strings.TrimSpace(a.Kind),
			Payload: a.Payload,
		},
	}
	if strings.TrimSpace(a.Start) != "" {
		t, err := ParseStart(a.Start, loc)
		if err != nil {
			return nil, fmt.Errorf("actions[%s].start: %w", a.ID, err)
		}
		sa.SetStart(t)
	}
	sa.SetInterval(a.Every)
	if err := sa.Validate(); err != nil {
		return nil, fmt.Errorf("actions[%s]: %w", a.ID, err)
	}
	return sa, nil
}
