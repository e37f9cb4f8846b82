// Package clock handles time awareness for the pipeline.
//
// Design rules:
//   - All scheduling decisions are made in UTC.
//   - The trading day is keyed by the UTC calendar date.
//   - US equity regular trading hours are a pure time check
//     (Mon–Fri 13:30–20:00 UTC); crypto never closes.
//   - Components take a Clock so tests can pin the wall time.
package clock

import (
	"time"
)

// US equity regular trading hours (UTC).
const (
	EquityOpenHour  = 13
	EquityOpenMin   = 30
	EquityCloseHour = 20
	EquityCloseMin  = 0
)

// Clock supplies the current wall time. The production implementation
// delegates to time.Now; tests use Fixed.
type Clock interface {
	Now() time.Time
}

// Real is the production clock.
type Real struct{}

func (Real) Now() time.Time { return time.Now().UTC() }

// Fixed is a clock pinned to a single instant, for tests.
type Fixed struct {
	T time.Time
}

func (f Fixed) Now() time.Time { return f.T }

// DayKeyUTC returns the UTC calendar date of t as "YYYY-MM-DD".
// This is the key for the per-day metrics row.
func DayKeyUTC(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// StartOfUTCDay returns midnight UTC of the day containing t.
func StartOfUTCDay(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}

// IsEquityMarketOpen reports whether US equities trade at instant t.
// RTH only: Mon–Fri 13:30–20:00 UTC, boundaries inclusive.
func IsEquityMarketOpen(t time.Time) bool {
	u := t.UTC()
	switch u.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}

	open := time.Date(u.Year(), u.Month(), u.Day(), EquityOpenHour, EquityOpenMin, 0, 0, time.UTC)
	close := time.Date(u.Year(), u.Month(), u.Day(), EquityCloseHour, EquityCloseMin, 0, 0, time.UTC)
	return !u.Before(open) && !u.After(close)
}

// AfterResetTime reports whether the time-of-day of t is at or past the
// configured daily reset wall time ("HH:MM" or "HH:MM:SS", UTC).
// A malformed or empty reset time counts as midnight, i.e. always past.
func AfterResetTime(t time.Time, reset string) bool {
	if reset == "" {
		return true
	}
	layout := "15:04"
	if len(reset) == len("15:04:05") {
		layout = "15:04:05"
	}
	r, err := time.Parse(layout, reset)
	if err != nil {
		return true
	}
	u := t.UTC()
	daySec := u.Hour()*3600 + u.Minute()*60 + u.Second()
	resetSec := r.Hour()*3600 + r.Minute()*60 + r.Second()
	return daySec >= resetSec
}
