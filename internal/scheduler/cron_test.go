package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func at(t *testing.T, value string) time.Time {
	t.Helper()
	ts, err := time.ParseInLocation("2006-01-02 15:04", value, time.Local)
	require.NoError(t, err)
	return ts
}

func TestParseCron_Errors(t *testing.T) {
	cases := []string{
		"",
		"* * * *",
		"* * * * * *",
		"60 * * * *",
		"* 24 * * *",
		"* * 0 * *",
		"* * * 13 *",
		"* * * * 7",
		"a * * * *",
		"1-0 * * * *",
		"*/0 * * * *",
	}
	for _, expr := range cases {
		_, err := parseCron(expr)
		assert.Error(t, err, expr)
	}
}

func TestCronNext_EveryMinute(t *testing.T) {
	s, err := parseCron("* * * * *")
	require.NoError(t, err)

	now := at(t, "2026-03-10 14:30")
	assert.Equal(t, at(t, "2026-03-10 14:31"), s.Next(now))
}

func TestCronNext_DailyTime(t *testing.T) {
	s, err := parseCron("30 9 * * *")
	require.NoError(t, err)

	assert.Equal(t, at(t, "2026-03-10 09:30"), s.Next(at(t, "2026-03-10 08:00")))
	assert.Equal(t, at(t, "2026-03-11 09:30"), s.Next(at(t, "2026-03-10 09:30")),
		"next fire is strictly after the reference time")
}

func TestCronNext_Step(t *testing.T) {
	s, err := parseCron("*/15 * * * *")
	require.NoError(t, err)

	assert.Equal(t, at(t, "2026-03-10 14:15"), s.Next(at(t, "2026-03-10 14:07")))
	assert.Equal(t, at(t, "2026-03-10 15:00"), s.Next(at(t, "2026-03-10 14:45")))
}

func TestCronNext_Weekday(t *testing.T) {
	// 2026-03-10 is a Tuesday.
	s, err := parseCron("0 12 * * 1") // Mondays at noon
	require.NoError(t, err)

	assert.Equal(t, at(t, "2026-03-16 12:00"), s.Next(at(t, "2026-03-10 00:00")))
}

func TestCronNext_MonthRollover(t *testing.T) {
	s, err := parseCron("0 0 1 * *") // first of the month
	require.NoError(t, err)

	assert.Equal(t, at(t, "2026-04-01 00:00"), s.Next(at(t, "2026-03-10 10:00")))
}

func TestCronNext_DomDowUnion(t *testing.T) {
	// Both restricted: fires on the 15th OR on Sundays.
	s, err := parseCron("0 0 15 * 0")
	require.NoError(t, err)

	// 2026-03-10 Tuesday -> next Sunday is the 15th. Pick a month where they
	// differ: April 2026, the 15th is a Wednesday, first Sunday is the 5th.
	assert.Equal(t, at(t, "2026-04-05 00:00"), s.Next(at(t, "2026-04-02 00:00")))
	assert.Equal(t, at(t, "2026-04-12 00:00"), s.Next(at(t, "2026-04-05 00:00")))
}

func TestCronNext_ListAndRange(t *testing.T) {
	s, err := parseCron("0 9-17/4 * * *")
	require.NoError(t, err)

	assert.Equal(t, at(t, "2026-03-10 09:00"), s.Next(at(t, "2026-03-10 08:00")))
	assert.Equal(t, at(t, "2026-03-10 13:00"), s.Next(at(t, "2026-03-10 09:00")))
	assert.Equal(t, at(t, "2026-03-10 17:00"), s.Next(at(t, "2026-03-10 13:00")))
}
