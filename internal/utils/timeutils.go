package utils

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ParseTimestamp accepts RFC3339 (with or without fractional seconds) or unix
// seconds, as returned by the Docker and Portainer APIs.
func ParseTimestamp(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, fmt.Errorf("empty time value")
	}
	if secs, err := strconv.ParseInt(value, 10, 64); err == nil {
		return time.Unix(secs, 0).UTC(), nil
	}
	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time: %w", err)
	}
	return t.UTC(), nil
}

// FormatUnix renders unix seconds as RFC3339 UTC. Zero renders as "".
func FormatUnix(secs int64) string {
	if secs <= 0 {
		return ""
	}
	return time.Unix(secs, 0).UTC().Format(time.RFC3339)
}

// FormatDockerTime normalises a Docker timestamp to RFC3339 UTC, dropping the
// zero value "0001-01-01T00:00:00Z" Docker uses for unset times.
func FormatDockerTime(value string) string {
	t, err := ParseTimestamp(value)
	if err != nil || t.Year() <= 1 {
		return ""
	}
	return t.Format(time.RFC3339)
}
