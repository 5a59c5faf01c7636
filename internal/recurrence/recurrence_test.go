package recurrence

import (
	"testing"
	"time"
)

func intp(v int) *int { return &v }

func mustLoc(t *testing.T) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation("America/Los_Angeles")
	if err != nil {
		t.Fatalf("LoadLocation: %v", err)
	}
	return loc
}

func TestIsDueWeekly(t *testing.T) {
	t.Parallel()
	loc := mustLoc(t)
	sched := Schedule{
		Frequency: Weekly,
		TimeOfDay: "09:00",
		DayOfWeek: intp(3), // Wednesday
		Active:    true,
	}

	// 2026-01-07 is a Wednesday.
	tests := []struct {
		name string
		now  time.Time
		want bool
	}{
		{name: "wednesday 09:00", now: time.Date(2026, 1, 7, 9, 0, 30, 0, loc), want: true},
		{name: "end of due minute", now: time.Date(2026, 1, 7, 9, 0, 59, 0, loc), want: true},
		{name: "wednesday 09:01", now: time.Date(2026, 1, 7, 9, 1, 0, 0, loc), want: false},
		{name: "thursday 09:00", now: time.Date(2026, 1, 8, 9, 0, 0, 0, loc), want: false},
		{name: "wednesday 10:00", now: time.Date(2026, 1, 7, 10, 0, 0, 0, loc), want: false},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			if got := IsDue(sched, tt.now, loc); got != tt.want {
				t.Fatalf("IsDue(%s) = %v, want %v", tt.now, got, tt.want)
			}
		})
	}
}

func TestIsDueTimezoneConversion(t *testing.T) {
	t.Parallel()
	loc := mustLoc(t)
	sched := Schedule{Frequency: Daily, TimeOfDay: "09:00", Active: true}

	// 17:00 UTC is 09:00 in Los Angeles during winter (PST, UTC-8).
	nowUTC := time.Date(2026, 1, 7, 17, 0, 10, 0, time.UTC)
	if !IsDue(sched, nowUTC, loc) {
		t.Fatal("expected 17:00 UTC to be due at 09:00 PST")
	}
	if IsDue(sched, nowUTC, time.UTC) {
		t.Fatal("17:00 UTC must not match a 09:00 schedule evaluated in UTC")
	}
}

func TestIsDueBiweeklyAlternates(t *testing.T) {
	t.Parallel()
	loc := mustLoc(t)

	// Two Wednesdays exactly 7 days apart, both matching time and weekday.
	wk1 := time.Date(2026, 1, 7, 9, 0, 0, 0, loc)
	wk2 := wk1.AddDate(0, 0, 7)

	even := Schedule{Frequency: Biweekly, TimeOfDay: "09:00", DayOfWeek: intp(3), WeekStart: intp(0), Active: true}
	odd := Schedule{Frequency: Biweekly, TimeOfDay: "09:00", DayOfWeek: intp(3), WeekStart: intp(1), Active: true}

	if IsDue(even, wk1, loc) == IsDue(even, wk2, loc) {
		t.Fatal("consecutive weeks must alternate for a biweekly schedule")
	}
	// Flipping the parity anchor flips each week's result.
	if IsDue(even, wk1, loc) == IsDue(odd, wk1, loc) {
		t.Fatal("opposite anchors must disagree on the same week")
	}
	// Two weeks apart matches again.
	if IsDue(even, wk1, loc) != IsDue(even, wk1.AddDate(0, 0, 14), loc) {
		t.Fatal("weeks 14 days apart must agree for a biweekly schedule")
	}
}

func TestIsDueMonthlyNthWeekday(t *testing.T) {
	t.Parallel()
	loc := mustLoc(t)
	sched := Schedule{
		Frequency:   Monthly,
		TimeOfDay:   "09:00",
		DayOfWeek:   intp(1), // Monday
		WeekOfMonth: intp(2),
		Active:      true,
	}

	// September 2026 starts on a Tuesday; 2nd Monday is the 14th.
	// June 2026 starts on a Monday; 2nd Monday is the 8th.
	tests := []struct {
		name string
		now  time.Time
		want bool
	}{
		{name: "sep 2nd monday", now: time.Date(2026, 9, 14, 9, 0, 0, 0, loc), want: true},
		{name: "sep 1st monday", now: time.Date(2026, 9, 7, 9, 0, 0, 0, loc), want: false},
		{name: "sep 3rd monday", now: time.Date(2026, 9, 21, 9, 0, 0, 0, loc), want: false},
		{name: "jun 2nd monday", now: time.Date(2026, 6, 8, 9, 0, 0, 0, loc), want: true},
		{name: "jun 1st monday", now: time.Date(2026, 6, 1, 9, 0, 0, 0, loc), want: false},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			if got := IsDue(sched, tt.now, loc); got != tt.want {
				t.Fatalf("IsDue(%s) = %v, want %v", tt.now, got, tt.want)
			}
		})
	}
}

func TestIsDueMonthlyDayOfMonth(t *testing.T) {
	t.Parallel()
	loc := mustLoc(t)
	sched := Schedule{Frequency: Monthly, TimeOfDay: "08:30", DayOfMonth: intp(15), Active: true}

	if !IsDue(sched, time.Date(2026, 3, 15, 8, 30, 0, 0, loc), loc) {
		t.Fatal("expected due on the 15th")
	}
	if IsDue(sched, time.Date(2026, 3, 14, 8, 30, 0, 0, loc), loc) {
		t.Fatal("not due on the 14th")
	}

	// Monthly with no selector at all never fires.
	bare := Schedule{Frequency: Monthly, TimeOfDay: "08:30", Active: true}
	if IsDue(bare, time.Date(2026, 3, 15, 8, 30, 0, 0, loc), loc) {
		t.Fatal("monthly without selectors must not fire")
	}
}

func TestIsDueQuarterly(t *testing.T) {
	t.Parallel()
	loc := mustLoc(t)
	sched := Schedule{Frequency: Quarterly, TimeOfDay: "07:00", Active: true}

	for _, m := range []time.Month{time.January, time.April, time.July, time.October} {
		if !IsDue(sched, time.Date(2026, m, 1, 7, 0, 0, 0, loc), loc) {
			t.Fatalf("expected due on %s 1st", m)
		}
		if IsDue(sched, time.Date(2026, m, 2, 7, 0, 0, 0, loc), loc) {
			t.Fatalf("not due on %s 2nd", m)
		}
	}
	for _, m := range []time.Month{time.February, time.March, time.May, time.December} {
		if IsDue(sched, time.Date(2026, m, 1, 7, 0, 0, 0, loc), loc) {
			t.Fatalf("not due on %s 1st", m)
		}
	}
	// Time gate applies even on a quarter start.
	if IsDue(sched, time.Date(2026, 1, 1, 7, 1, 0, 0, loc), loc) {
		t.Fatal("not due off the scheduled minute")
	}
}

func TestIsDueInactiveAndUnknown(t *testing.T) {
	t.Parallel()
	loc := mustLoc(t)
	now := time.Date(2026, 1, 7, 9, 0, 0, 0, loc)

	inactive := Schedule{Frequency: Daily, TimeOfDay: "09:00", Active: false}
	if IsDue(inactive, now, loc) {
		t.Fatal("inactive schedule must not fire")
	}
	for _, f := range []Frequency{Yearly, Custom, Frequency("lunar")} {
		s := Schedule{Frequency: f, TimeOfDay: "09:00", Active: true}
		if IsDue(s, now, loc) {
			t.Fatalf("frequency %q must not fire", f)
		}
	}
}

func TestSignatureDistinguishesRules(t *testing.T) {
	t.Parallel()
	a := Schedule{Frequency: Weekly, TimeOfDay: "09:00", DayOfWeek: intp(3)}
	b := Schedule{Frequency: Weekly, TimeOfDay: "09:00", DayOfWeek: intp(4)}
	c := Schedule{Frequency: Weekly, TimeOfDay: "09:00", DayOfWeek: intp(3)}
	if a.Signature() == b.Signature() {
		t.Fatal("different weekdays must produce different signatures")
	}
	if a.Signature() != c.Signature() {
		t.Fatal("identical rules must produce identical signatures")
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		sched   Schedule
		wantErr bool
	}{
		{name: "ok weekly", sched: Schedule{Frequency: Weekly, TimeOfDay: "09:00", DayOfWeek: intp(3)}},
		{name: "ok daily", sched: Schedule{Frequency: Daily, TimeOfDay: "23:59"}},
		{name: "bad frequency", sched: Schedule{Frequency: "hourly", TimeOfDay: "09:00"}, wantErr: true},
		{name: "bad time", sched: Schedule{Frequency: Daily, TimeOfDay: "24:00"}, wantErr: true},
		{name: "missing colon", sched: Schedule{Frequency: Daily, TimeOfDay: "0900"}, wantErr: true},
		{name: "weekly without weekday", sched: Schedule{Frequency: Weekly, TimeOfDay: "09:00"}, wantErr: true},
		{name: "weekday out of range", sched: Schedule{Frequency: Weekly, TimeOfDay: "09:00", DayOfWeek: intp(7)}, wantErr: true},
		{name: "day of month out of range", sched: Schedule{Frequency: Monthly, TimeOfDay: "09:00", DayOfMonth: intp(32)}, wantErr: true},
		{name: "week of month out of range", sched: Schedule{Frequency: Monthly, TimeOfDay: "09:00", DayOfWeek: intp(1), WeekOfMonth: intp(6)}, wantErr: true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			err := tt.sched.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
