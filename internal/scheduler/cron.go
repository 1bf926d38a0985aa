package scheduler

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// cronSchedule is a parsed 5-field cron expression (minute, hour, day of
// month, month, day of week), evaluated in local time. Day-of-month and
// day-of-week combine with OR when both are restricted, per cron tradition.
type cronSchedule struct {
	minute  uint64
	hour    uint64
	dom     uint64
	month   uint64
	dow     uint64
	domStar bool
	dowStar bool
}

type cronField struct {
	min, max int
}

var cronFields = []cronField{
	{0, 59}, // minute
	{0, 23}, // hour
	{1, 31}, // day of month
	{1, 12}, // month
	{0, 6},  // day of week, Sunday=0
}

// parseCron parses a 5-field cron expression. Supported syntax per field:
// "*", "*/step", "a", "a-b", "a-b/step", and comma-separated lists.
func parseCron(expr string) (*cronSchedule, error) {
	fields := strings.Fields(expr)
	if len(fields) != 5 {
		return nil, fmt.Errorf("cron %q: want 5 fields, got %d", expr, len(fields))
	}

	var sets [5]uint64
	for i, field := range fields {
		set, err := parseCronField(field, cronFields[i].min, cronFields[i].max)
		if err != nil {
			return nil, fmt.Errorf("cron %q field %d: %w", expr, i+1, err)
		}
		sets[i] = set
	}

	return &cronSchedule{
		minute:  sets[0],
		hour:    sets[1],
		dom:     sets[2],
		month:   sets[3],
		dow:     sets[4],
		domStar: fields[2] == "*",
		dowStar: fields[4] == "*",
	}, nil
}

func parseCronField(field string, min, max int) (uint64, error) {
	var set uint64
	for _, part := range strings.Split(field, ",") {
		rangePart := part
		step := 1

		if idx := strings.IndexByte(part, '/'); idx >= 0 {
			rangePart = part[:idx]
			var err error
			step, err = strconv.Atoi(part[idx+1:])
			if err != nil || step <= 0 {
				return 0, fmt.Errorf("bad step in %q", part)
			}
		}

		lo, hi := min, max
		if rangePart != "*" {
			if idx := strings.IndexByte(rangePart, '-'); idx >= 0 {
				var err1, err2 error
				lo, err1 = strconv.Atoi(rangePart[:idx])
				hi, err2 = strconv.Atoi(rangePart[idx+1:])
				if err1 != nil || err2 != nil {
					return 0, fmt.Errorf("bad range %q", rangePart)
				}
			} else {
				v, err := strconv.Atoi(rangePart)
				if err != nil {
					return 0, fmt.Errorf("bad value %q", rangePart)
				}
				lo, hi = v, v
			}
		}

		if lo < min || hi > max || lo > hi {
			return 0, fmt.Errorf("value out of range in %q (%d-%d)", part, min, max)
		}
		for v := lo; v <= hi; v += step {
			set |= 1 << uint(v)
		}
	}
	if set == 0 {
		return 0, fmt.Errorf("empty field %q", field)
	}
	return set, nil
}

func (s *cronSchedule) bit(set uint64, v int) bool {
	return set&(1<<uint(v)) != 0
}

// dayMatches applies the dom/dow OR rule.
func (s *cronSchedule) dayMatches(t time.Time) bool {
	domOK := s.bit(s.dom, t.Day())
	dowOK := s.bit(s.dow, int(t.Weekday()))
	switch {
	case s.domStar && s.dowStar:
		return true
	case s.domStar:
		return dowOK
	case s.dowStar:
		return domOK
	default:
		return domOK || dowOK
	}
}

// Next returns the first matching instant strictly after t, stepping by
// minutes. The four-year bound covers every reachable schedule including
// Feb 29.
func (s *cronSchedule) Next(t time.Time) time.Time {
	t = t.Truncate(time.Minute).Add(time.Minute)
	limit := t.AddDate(4, 0, 1)

	for t.Before(limit) {
		if !s.bit(s.month, int(t.Month())) {
			// Jump to the first minute of the next month.
			t = time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, t.Location()).AddDate(0, 1, 0)
			continue
		}
		if !s.dayMatches(t) {
			t = time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location()).AddDate(0, 0, 1)
			continue
		}
		if !s.bit(s.hour, t.Hour()) {
			t = t.Truncate(time.Hour).Add(time.Hour)
			continue
		}
		if !s.bit(s.minute, t.Minute()) {
			t = t.Add(time.Minute)
			continue
		}
		return t
	}
	return time.Time{}
}
