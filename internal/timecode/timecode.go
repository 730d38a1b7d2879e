// Package timecode parses and formats the time representations that
// show up in AI output: bare seconds, "mm:ss", "hh:mm:ss", and
// seconds with a trailing unit.
package timecode

import (
	"fmt"
	"strconv"
	"strings"
)

// ParseSeconds converts a textual time value into seconds.
func ParseSeconds(raw string) (float64, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, fmt.Errorf("empty time value")
	}
	s = strings.TrimSuffix(strings.ToLower(s), "s")
	s = strings.TrimSpace(s)

	if strings.Contains(s, ":") {
		parts := strings.Split(s, ":")
		if len(parts) > 3 {
			return 0, fmt.Errorf("invalid time value %q", raw)
		}
		var total float64
		for _, part := range parts {
			v, err := strconv.ParseFloat(strings.TrimSpace(part), 64)
			if err != nil || v < 0 {
				return 0, fmt.Errorf("invalid time value %q", raw)
			}
			total = total*60 + v
		}
		return total, nil
	}

	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid time value %q", raw)
	}
	if v < 0 {
		return 0, fmt.Errorf("negative time value %q", raw)
	}
	return v, nil
}

// Format renders seconds as "m:ss" (or "h:mm:ss" past an hour) for
// human-facing answer text.
func Format(seconds float64) string {
	if seconds < 0 {
		seconds = 0
	}
	total := int(seconds + 0.5)
	h := total / 3600
	m := (total % 3600) / 60
	s := total % 60
	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%d:%02d", m, s)
}
