package scheduler

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultPoll is the evaluation cadence when none is configured. Minute is
// the finest period an action can have, so a few ticks per minute keep
// firing lag small.
const DefaultPoll = "@every 15s"

var pollParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParsePoll parses the scheduler poll setting.
//
// A bare Go duration ("30s") ticks at that fixed rate. Anything else is a
// cron expression with optional seconds ("*/20 * * * * *") or a descriptor
// ("@every 1m", "@hourly").
func ParsePoll(raw string) (cron.Schedule, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return nil, errors.New("poll schedule required")
	}
	if !strings.HasPrefix(s, "@") && !strings.ContainsAny(s, " \t") {
		d, err := time.ParseDuration(s)
		if err != nil {
			return nil, fmt.Errorf("invalid poll %q: want a duration like 15s or a cron expression", raw)
		}
		if d < time.Second {
			return nil, fmt.Errorf("poll %q: must be at least 1s", raw)
		}
		return cron.Every(d), nil
	}
	sched, err := pollParser.Parse(s)
	if err != nil {
		return nil, fmt.Errorf("invalid poll %q: %w", raw, err)
	}
	return sched, nil
}
