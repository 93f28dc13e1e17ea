package config

import (
	"fmt"
	"strings"
	"time"
)

// ParseDurationField parses a YAML duration value such as
// campaign.send_timeout or uploads.ttl. Empty means unset and parses as
// zero, letting the caller pick a default. Negative durations are always
// a configuration mistake here (a negative send timeout or pacing gap is
// meaningless), so they fail rather than round to zero.
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
		return 0, fmt.Errorf("%s: duration %q is negative", path, raw)
	}
	return d, nil
}

// ParseDurationOrDefault is ParseDurationField with the unset case
// resolved: zero or empty yields def. Used when mapping config into the
// engine and the uploads janitor, where every knob has a sane built-in.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}
