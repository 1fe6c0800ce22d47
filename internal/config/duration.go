package config

import (
	"fmt"
	"strings"
	"time"
)

// Durations in the config file are Go duration strings ("250ms", "2m").
// An empty string means "not set". Negative values are rejected.

// ParseDurationField parses raw for the field at path. Empty yields 0.
func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0, got %s", path, s)
	}
	return d, nil
}

// ParseDurationOrDefault returns def when the field is unset or zero.
// Use it for timeouts where zero would mean "fail immediately".
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil || d > 0 {
		return d, err
	}
	return def, nil
}

// ParseDurationUnlessEmpty returns def only when the field is unset, so an
// explicit "0s" survives (no backoff, keep forever).
func ParseDurationUnlessEmpty(path, raw string, def time.Duration) (time.Duration, error) {
	if strings.TrimSpace(raw) == "" {
		return def, nil
	}
	return ParseDurationField(path, raw)
}
