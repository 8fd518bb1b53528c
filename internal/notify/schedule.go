package notify

import (
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

// Window is a recurring period during which a channel may send. Start and End
// are "HH:MM" in Timezone (UTC when empty). An End before Start spans
// midnight and belongs to the day it starts on. No Days means every day.
type Window struct {
	Days     []string `yaml:"days,omitempty" json:"days,omitempty"`
	Start    string   `yaml:"start" json:"start"`
	End      string   `yaml:"end" json:"end"`
	Timezone string   `yaml:"timezone,omitempty" json:"timezone,omitempty"`
}

const minutesPerDay = 24 * 60

// Permits reports whether t falls inside the window.
func (w Window) Permits(t time.Time) (bool, error) {
	loc := time.UTC
	if w.Timezone != "" {
		var err error
		if loc, err = time.LoadLocation(w.Timezone); err != nil {
			return false, errors.Wrapf(err, "timezone %q", w.Timezone)
		}
	}
	start, err := parseClock(w.Start, 0)
	if err != nil {
		return false, err
	}
	end, err := parseClock(w.End, minutesPerDay)
	if err != nil {
		return false, err
	}
	days, err := parseDays(w.Days)
	if err != nil {
		return false, err
	}

	local := t.In(loc)
	minute := local.Hour()*60 + local.Minute()
	day := local.Weekday()

	switch {
	case start == end:
		return false, nil
	case start < end:
		return minute >= start && minute < end && allowsDay(days, day), nil
	case minute >= start:
		return allowsDay(days, day), nil
	case minute < end:
		return allowsDay(days, (day+6)%7), nil
	default:
		return false, nil
	}
}

// Permits reports whether a schedule allows sending at t. An empty schedule
// always permits; broken windows never do.
func Permits(schedule []Window, t time.Time) bool {
	if len(schedule) == 0 {
		return true
	}
	for _, w := range schedule {
		if ok, err := w.Permits(t); err == nil && ok {
			return true
		}
	}
	return false
}

func parseClock(value string, def int) (int, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return def, nil
	}
	hh, mm, ok := strings.Cut(value, ":")
	if !ok {
		return 0, errors.Newf("time %q: want HH:MM", value)
	}
	h, errH := strconv.Atoi(hh)
	m, errM := strconv.Atoi(mm)
	if errH != nil || errM != nil || h < 0 || m < 0 || m > 59 || h > 24 || (h == 24 && m != 0) {
		return 0, errors.Newf("time %q: want HH:MM", value)
	}
	return h*60 + m, nil
}

var weekdays = map[string]time.Weekday{
	"sun": time.Sunday, "sunday": time.Sunday,
	"mon": time.Monday, "monday": time.Monday,
	"tue": time.Tuesday, "tuesday": time.Tuesday,
	"wed": time.Wednesday, "wednesday": time.Wednesday,
	"thu": time.Thursday, "thursday": time.Thursday,
	"fri": time.Friday, "friday": time.Friday,
	"sat": time.Saturday, "saturday": time.Saturday,
}

func parseDays(values []string) (map[time.Weekday]bool, error) {
	if len(values) == 0 {
		return nil, nil
	}
	out := make(map[time.Weekday]bool, len(values))
	for _, v := range values {
		d, ok := weekdays[strings.ToLower(strings.TrimSpace(v))]
		if !ok {
			return nil, errors.Newf("unknown day %q", v)
		}
		out[d] = true
	}
	return out, nil
}

func allowsDay(days map[time.Weekday]bool, d time.Weekday) bool {
	return days == nil || days[d]
}
