package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewTimeSlot_KnownLogTimestamp(t *testing.T) {
	t.Parallel()

	ts := FromEpochMillis(1541121934796)
	require.Equal(t, "2018-11-02T01:25:34.796Z", ts.Format(time.RFC3339Nano))

	got := NewTimeSlot(ts)
	assert.Equal(t, ts, got.StartTime)
	assert.Equal(t, 1, got.Hour)
	assert.Equal(t, 2, got.Day)
	assert.Equal(t, 44, got.Week)
	assert.Equal(t, 11, got.Month)
	assert.Equal(t, 2018, got.Year)
	assert.Equal(t, 4, got.Weekday, "2018-11-02 is a Friday")
}

func TestNewTimeSlot_ISOWeekAtYearBoundary(t *testing.T) {
	t.Parallel()

	// 2021-01-01 is a Friday and belongs to ISO week 53 of 2020.
	got := NewTimeSlot(time.Date(2021, 1, 1, 12, 0, 0, 0, time.UTC))
	assert.Equal(t, 53, got.Week)
	assert.Equal(t, 2021, got.Year)
	assert.Equal(t, 1, got.Month)

	// 2018-12-31 is a Monday and belongs to ISO week 1 of 2019.
	got = NewTimeSlot(time.Date(2018, 12, 31, 0, 0, 0, 0, time.UTC))
	assert.Equal(t, 1, got.Week)
	assert.Equal(t, 0, got.Weekday)
}

func TestNewTimeSlot_NormalizesToUTC(t *testing.T) {
	t.Parallel()

	loc := time.FixedZone("UTC-5", -5*3600)
	local := time.Date(2018, 11, 1, 22, 0, 0, 0, loc)

	got := NewTimeSlot(local)
	assert.Equal(t, time.UTC, got.StartTime.Location())
	assert.Equal(t, 3, got.Hour)
	assert.Equal(t, 2, got.Day)
}

func TestMondayBasedWeekday(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   time.Weekday
		want int
	}{
		{time.Monday, 0},
		{time.Tuesday, 1},
		{time.Friday, 4},
		{time.Saturday, 5},
		{time.Sunday, 6},
	}
	for _, tt := range tests {
		t.Run(tt.in.String(), func(t *testing.T) {
			assert.Equal(t, tt.want, MondayBasedWeekday(tt.in))
		})
	}
}
