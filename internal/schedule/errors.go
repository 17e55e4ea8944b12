package schedule

import (
	"errors"
	"fmt"
)

var (
	// ErrFormat matches every FormatError via errors.Is.
	ErrFormat = errors.New("schedule: malformed interval")
	// ErrConfiguration matches every ConfigurationError via errors.Is.
	ErrConfiguration = errors.New("schedule: invalid configuration")
)

// FormatError reports an interval string that does not match ^\d+[MWDhm]$.
type FormatError struct {
	Input string
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("schedule: invalid interval %q (want <count><M|W|D|h|m>, e.g. 1M or 15m)", e.Input)
}

func (e *FormatError) Is(target error) bool { return target == ErrFormat }

// ConfigurationError reports an inconsistent schedule definition.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	if e.Field == "" {
		return "schedule: " + e.Reason
	}
	return fmt.Sprintf("schedule: %s: %s", e.Field, e.Reason)
}

func (e *ConfigurationError) Is(target error) bool { return target == ErrConfiguration }

func configErr(field, reason string) error {
	return &ConfigurationError{Field: field, Reason: reason}
}
