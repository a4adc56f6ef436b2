package config

import (
	"fmt"
	"strings"
	"time"
)

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
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

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

// ParseDurationList parses every entry; an empty list yields nil.
func ParseDurationList(path string, raw []string) ([]time.Duration, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	out := make([]time.Duration, 0, len(raw))
	for i, r := range raw {
		d, err := ParseDurationField(fmt.Sprintf("%s[%d]", path, i), r)
		if err != nil {
			return nil, err
		}
		if d == 0 {
			return nil, fmt.Errorf("%s[%d]: duration must be > 0", path, i)
		}
		out = append(out, d)
	}
	return out, nil
}
