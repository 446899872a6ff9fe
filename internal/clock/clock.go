// Package clock provides market-local (IST) wall-clock timestamps and the
// session boundaries the rest of the engine schedules against.
package clock

import (
	"fmt"
	"time"
)

// Session boundaries, wall-clock IST (see spec §4.1). Expressed as
// hour/minute pairs rather than durations so comparisons stay on local
// clock components, not on elapsed time since midnight UTC.
var (
	SessionStart   = clockTime{9, 15}
	EntryWindowLo  = clockTime{9, 30}
	EntryWindowHi  = clockTime{14, 30}
	EODWindowLo    = clockTime{14, 50}
	EODWindowHi    = clockTime{15, 0}
	SessionEnd     = clockTime{15, 30}
)

type clockTime struct {
	hour, minute int
}

func (c clockTime) minutesSinceMidnight() int {
	return c.hour*60 + c.minute
}

// zoneName is the IANA identifier for Indian Standard Time. Resolved via
// the embedded tzdata shipped by the cmd/papertrader entrypoint
// (`_ "time/tzdata"`), so it does not depend on a system tzdata package.
const zoneName = "Asia/Kolkata"

// Clock produces monotonic market-local Instants and answers session-
// boundary questions. A single Clock is shared by every component that
// needs "now" so tests can substitute a fixed instant.
type Clock struct {
	loc *time.Location
	now func() time.Time // overridable for tests
}

// New returns a Clock anchored to Asia/Kolkata. Falls back to a fixed
// +05:30 offset if the zone database is unavailable, since the engine
// must never fail to start over a missing timezone database.
func New() *Clock {
	loc, err := time.LoadLocation(zoneName)
	if err != nil {
		loc = time.FixedZone("IST", 5*60*60+30*60)
	}
	return &Clock{loc: loc, now: time.Now}
}

// NewWithNow returns a Clock whose Now() always calls the given function,
// for deterministic tests.
func NewWithNow(loc *time.Location, now func() time.Time) *Clock {
	if loc == nil {
		loc = time.UTC
	}
	return &Clock{loc: loc, now: now}
}

// Now returns the current instant in market-local wall-clock time.
func (c *Clock) Now() time.Time {
	return c.now().In(c.loc)
}

// Location returns the configured market timezone.
func (c *Clock) Location() *time.Location {
	return c.loc
}

// SessionDate returns the calendar date (in market-local time) that `now`
// belongs to, formatted YYYYMMDD for use in state-file names.
func SessionDate(now time.Time) string {
	return now.Format("20060102")
}

// IsMarketOpen reports whether `now` falls on a trading weekday. The spec
// defines this purely on weekday, not on exchange holiday calendars (those
// live in the out-of-scope contract-cache producer).
func IsMarketOpen(now time.Time) bool {
	switch now.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	default:
		return true
	}
}

func minutesOf(t time.Time) int {
	return t.Hour()*60 + t.Minute()
}

func between(now time.Time, lo, hi clockTime) bool {
	m := minutesOf(now)
	return m >= lo.minutesSinceMidnight() && m <= hi.minutesSinceMidnight()
}

// IsInEntryWindow reports whether now falls in [09:30, 14:30].
func IsInEntryWindow(now time.Time) bool {
	return between(now, EntryWindowLo, EntryWindowHi)
}

// IsInEODWindow reports whether now falls in [14:50, 15:00].
func IsInEODWindow(now time.Time) bool {
	return between(now, EODWindowLo, EODWindowHi)
}

// IsAfterSessionStart reports whether now is at or after 09:15.
func IsAfterSessionStart(now time.Time) bool {
	return minutesOf(now) >= SessionStart.minutesSinceMidnight()
}

// IsAfterSessionEnd reports whether now is at or after 15:30.
func IsAfterSessionEnd(now time.Time) bool {
	return minutesOf(now) >= SessionEnd.minutesSinceMidnight()
}

// NextFiveMinuteBoundary returns the next wall-clock instant whose minute
// is a multiple of 5, offset by settle (the bar-settle delay the entry
// task waits out after the boundary ticks over, per spec §4.8).
func NextFiveMinuteBoundary(now time.Time, settle time.Duration) time.Time {
	rem := now.Minute() % 5
	add := 5 - rem
	if add == 5 && now.Second() == 0 && now.Nanosecond() == 0 {
		add = 0
	}
	boundary := time.Date(now.Year(), now.Month(), now.Day(), now.Hour(), now.Minute(), 0, 0, now.Location())
	boundary = boundary.Add(time.Duration(add) * time.Minute)
	return boundary.Add(settle)
}

// String renders an Instant the way state-file fields are persisted:
// ISO-8601 with an explicit +05:30-style offset, never translated to UTC.
func String(t time.Time) string {
	return t.Format("2006-01-02T15:04:05-07:00")
}

// ParseInstant parses a timestamp previously produced by String.
func ParseInstant(s string) (time.Time, error) {
	t, err := time.Parse("2006-01-02T15:04:05-07:00", s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing instant %q: %w", s, err)
	}
	return t, nil
}
