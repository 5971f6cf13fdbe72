package model

import "time"

// TimeSlot is a row of the time dimension. Every field after StartTime is a
// function of StartTime.
//
// Calendar convention:
//   - StartTime is UTC.
//   - Week is the ISO-8601 week number (the value of EXTRACT(week ...) in Postgres).
//   - Weekday counts from Monday=0 to Sunday=6.
type TimeSlot struct {
	StartTime time.Time
	Hour      int
	Day       int
	Week      int
	Month     int
	Year      int
	Weekday   int
}

// FromEpochMillis converts a millisecond Unix timestamp to a UTC time.
func FromEpochMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

// NewTimeSlot decomposes t into the time-dimension fields.
func NewTimeSlot(t time.Time) TimeSlot {
	t = t.UTC()
	_, week := t.ISOWeek()
	return TimeSlot{
		StartTime: t,
		Hour:      t.Hour(),
		Day:       t.Day(),
		Week:      week,
		Month:     int(t.Month()),
		Year:      t.Year(),
		Weekday:   MondayBasedWeekday(t.Weekday()),
	}
}

// MondayBasedWeekday maps time.Weekday (Sunday=0) onto Monday=0 .. Sunday=6.
func MondayBasedWeekday(d time.Weekday) int {
	return (int(d) + 6) % 7
}
