package scheduler

import (
	"testing"
	"time"
)

func TestParseSpec(t *testing.T) {
	cases := []struct {
		in    string
		kind  SpecKind
		cron  string
		every time.Duration
	}{
		{"*/5 * * * *", SpecCron, "*/5 * * * *", 0},
		{"@hourly", SpecCron, "@hourly", 0},
		{"cron:@daily", SpecCron, "@daily", 0},
		{"30s", SpecInterval, "", 30 * time.Second},
		{"2h30m", SpecInterval, "", 150 * time.Minute},
		{"00:30", SpecInterval, "", 30 * time.Minute},
		{"every:01:05", SpecInterval, "", 65 * time.Minute},
		{"INTERVAL: 45s", SpecInterval, "", 45 * time.Second},
	}
	for _, tc := range cases {
		got, err := ParseSpec(tc.in)
		if err != nil {
			t.Fatalf("%q: %v", tc.in, err)
		}
		if got.Kind != tc.kind || got.Cron != tc.cron || got.Every != tc.every {
			t.Fatalf("%q: got %+v", tc.in, got)
		}
	}
}

func TestParseSpecRejects(t *testing.T) {
	for _, in := range []string{"", "  ", "cron:", "every:0s", "-5m", "00:00", "12:75", "soon"} {
		if _, err := ParseSpec(in); err == nil {
			t.Fatalf("%q: expected error", in)
		}
	}
}
