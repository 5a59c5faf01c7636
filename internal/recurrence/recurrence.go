// Package recurrence decides whether a declarative schedule is due at a
// given instant. The predicate is pure: all timezone conversion happens at
// its entry point and no other part of the system does date arithmetic.
package recurrence

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

type Frequency string

const (
	Daily     Frequency = "daily"
	Weekly    Frequency = "weekly"
	Biweekly  Frequency = "biweekly"
	Monthly   Frequency = "monthly"
	Quarterly Frequency = "quarterly"
	Yearly    Frequency = "yearly"
	Custom    Frequency = "custom"
)

// Schedule is a declarative recurrence rule. Optional selectors are pointers
// so an unset selector is distinguishable from zero (Sunday is day 0).
type Schedule struct {
	Frequency Frequency
	TimeOfDay string // "HH:MM", interpreted in the target timezone

	DayOfWeek   *int // 0=Sunday .. 6=Saturday
	DayOfMonth  *int // 1..31
	WeekOfMonth *int // 1..5 (nth occurrence of DayOfWeek)
	WeekStart   *int // week-parity anchor for biweekly schedules

	Active bool
}

func (s Schedule) Validate() error {
	switch s.Frequency {
	case Daily, Weekly, Biweekly, Monthly, Quarterly, Yearly, Custom:
	default:
		return fmt.Errorf("unknown frequency %q", s.Frequency)
	}
	if _, _, err := parseHHMM(s.TimeOfDay); err != nil {
		return err
	}
	if s.DayOfWeek != nil && (*s.DayOfWeek < 0 || *s.DayOfWeek > 6) {
		return fmt.Errorf("day_of_week %d out of range 0..6", *s.DayOfWeek)
	}
	if s.DayOfMonth != nil && (*s.DayOfMonth < 1 || *s.DayOfMonth > 31) {
		return fmt.Errorf("day_of_month %d out of range 1..31", *s.DayOfMonth)
	}
	if s.WeekOfMonth != nil && (*s.WeekOfMonth < 1 || *s.WeekOfMonth > 5) {
		return fmt.Errorf("week_of_month %d out of range 1..5", *s.WeekOfMonth)
	}
	if s.Frequency == Weekly || s.Frequency == Biweekly {
		if s.DayOfWeek == nil {
			return fmt.Errorf("%s schedule requires day_of_week", s.Frequency)
		}
	}
	return nil
}

// Signature is a stable textual identity for the rule, used as part of the
// dedup job key. Two schedules with the same signature fire together.
func (s Schedule) Signature() string {
	var b strings.Builder
	b.WriteString(string(s.Frequency))
	b.WriteByte('@')
	b.WriteString(s.TimeOfDay)
	if s.DayOfWeek != nil {
		b.WriteString(":dw")
		b.WriteString(strconv.Itoa(*s.DayOfWeek))
	}
	if s.DayOfMonth != nil {
		b.WriteString(":dm")
		b.WriteString(strconv.Itoa(*s.DayOfMonth))
	}
	if s.WeekOfMonth != nil {
		b.WriteString(":wm")
		b.WriteString(strconv.Itoa(*s.WeekOfMonth))
	}
	if s.WeekStart != nil {
		b.WriteString(":ws")
		b.WriteString(strconv.Itoa(*s.WeekStart))
	}
	return b.String()
}

// IsDue reports whether the schedule fires in the minute containing now,
// with now interpreted in loc. It is true for the whole 60-second window at
// the scheduled hour and minute; the caller's ledger suppresses repeats.
func IsDue(s Schedule, now time.Time, loc *time.Location) bool {
	if !s.Active {
		return false
	}
	schedHour, schedMinute, err := parseHHMM(s.TimeOfDay)
	if err != nil {
		return false
	}

	local := now.In(loc)
	hour, minute := local.Hour(), local.Minute()
	dayOfWeek := int(local.Weekday()) // 0=Sunday
	dayOfMonth := local.Day()

	// Time-of-day gate first. Nothing else matters off the scheduled minute.
	if hour != schedHour || minute != schedMinute {
		return false
	}

	switch s.Frequency {
	case Daily:
		return true

	case Weekly:
		return s.DayOfWeek != nil && dayOfWeek == *s.DayOfWeek

	case Biweekly:
		if s.DayOfWeek == nil || dayOfWeek != *s.DayOfWeek {
			return false
		}
		anchor := 0
		if s.WeekStart != nil {
			anchor = *s.WeekStart
		}
		return epochWeeks(now)%2 == mod(anchor, 2)

	case Monthly:
		if s.DayOfMonth != nil {
			return dayOfMonth == *s.DayOfMonth
		}
		if s.DayOfWeek != nil && s.WeekOfMonth != nil {
			return dayOfMonth == nthWeekdayOfMonth(local, *s.WeekOfMonth, *s.DayOfWeek)
		}
		return false

	case Quarterly:
		// January, April, July, October.
		return (int(local.Month())-1)%3 == 0 && dayOfMonth == 1

	default:
		return false
	}
}

// nthWeekdayOfMonth returns the date-of-month of the nth occurrence of
// weekday (0=Sunday) in the month containing t.
func nthWeekdayOfMonth(t time.Time, n, weekday int) int {
	first := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, t.Location())
	firstWeekday := int(first.Weekday())
	return 1 + (n-1)*7 + mod(weekday-firstWeekday, 7)
}

// epochWeeks counts whole weeks since the Unix epoch.
func epochWeeks(t time.Time) int {
	return int(t.Unix() / (7 * 24 * 3600))
}

func mod(a, b int) int {
	m := a % b
	if m < 0 {
		m += b
	}
	return m
}

func parseHHMM(s string) (hour, minute int, err error) {
	parts := strings.SplitN(strings.TrimSpace(s), ":", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid time of day %q (want HH:MM)", s)
	}
	hour, err = strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, fmt.Errorf("invalid hour in %q", s)
	}
	minute, err = strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("invalid minute in %q", s)
	}
	return hour, minute, nil
}
