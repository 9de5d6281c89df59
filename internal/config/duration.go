package config

import (
	"fmt"
	"strings"
	"time"
)

// FieldDuration parses a duration-valued config field. Empty and zero
// values yield def, negative durations are rejected. path names the field
// in error messages.
func FieldDuration(path, raw string, def time.Duration) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: bad duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must not be negative", path)
	}
	if d == 0 {
		return def, nil
	}
	return d, nil
}
