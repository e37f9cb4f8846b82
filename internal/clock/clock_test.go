package clock

import (
	"testing"
	"time"
)

func mustParse(t *testing.T, s string) time.Time {
	t.Helper()
	ts, err := time.Parse(time.RFC3339, s)
	if err != nil {
		t.Fatalf("parse %q: %v", s, err)
	}
	return ts
}

func TestDayKeyUTC(t *testing.T) {
	ts := mustParse(t, "2024-09-26T23:59:59Z")
	if got := DayKeyUTC(ts); got != "2024-09-26" {
		t.Errorf("DayKeyUTC = %q", got)
	}
}

func TestIsEquityMarketOpen(t *testing.T) {
	cases := []struct {
		ts   string
		want bool
	}{
		{"2024-09-26T14:00:00Z", true},  // Thursday mid-session
		{"2024-09-26T13:30:00Z", true},  // open boundary inclusive
		{"2024-09-26T20:00:00Z", true},  // close boundary inclusive
		{"2024-09-26T13:29:59Z", false}, // pre-open
		{"2024-09-26T20:00:01Z", false}, // post-close
		{"2024-09-28T15:00:00Z", false}, // Saturday
		{"2024-09-29T15:00:00Z", false}, // Sunday
		{"2024-09-28T02:00:00Z", false}, // Saturday 02:00, scenario gate
	}
	for _, tc := range cases {
		if got := IsEquityMarketOpen(mustParse(t, tc.ts)); got != tc.want {
			t.Errorf("IsEquityMarketOpen(%s) = %v, want %v", tc.ts, got, tc.want)
		}
	}
}

func TestAfterResetTime(t *testing.T) {
	ts := mustParse(t, "2024-09-26T14:00:00Z")

	if !AfterResetTime(ts, "13:30") {
		t.Error("14:00 is past 13:30")
	}
	if AfterResetTime(ts, "15:00") {
		t.Error("14:00 is before 15:00")
	}
	if !AfterResetTime(ts, "") {
		t.Error("empty reset means always past")
	}
	if !AfterResetTime(ts, "14:00:00") {
		t.Error("boundary is inclusive")
	}
}

func TestFixedClock(t *testing.T) {
	ts := mustParse(t, "2024-09-26T14:00:00Z")
	if got := (Fixed{T: ts}).Now(); !got.Equal(ts) {
		t.Errorf("Fixed.Now = %v", got)
	}
}
