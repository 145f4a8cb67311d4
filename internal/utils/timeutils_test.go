package utils

import "testing"

func TestParseTimestamp(t *testing.T) {
	ts, err := ParseTimestamp("1700000000")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ts.Unix() != 1_700_000_000 {
		t.Fatalf("unexpected unix value %d", ts.Unix())
	}

	if _, err := ParseTimestamp("2024-05-01T10:00:00.123456789Z"); err != nil {
		t.Fatalf("expected nanosecond RFC3339 to parse: %v", err)
	}
	if _, err := ParseTimestamp(""); err == nil {
		t.Fatalf("expected error for empty value")
	}
}

func TestFormatDockerTimeDropsZero(t *testing.T) {
	if got := FormatDockerTime("0001-01-01T00:00:00Z"); got != "" {
		t.Fatalf("expected empty for zero docker time, got %q", got)
	}
	if got := FormatDockerTime("2024-05-01T10:00:00.5Z"); got != "2024-05-01T10:00:00Z" {
		t.Fatalf("unexpected formatting %q", got)
	}
	if got := FormatUnix(0); got != "" {
		t.Fatalf("expected empty for zero unix, got %q", got)
	}
}
