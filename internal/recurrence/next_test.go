package recurrence

import (
	"testing"
	"time"
)

func mustLoc(t *testing.T, name string) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation(name)
	if err != nil {
		t.Fatalf("load %s: %v", name, err)
	}
	return loc
}

func weekRule(tz string, start time.Time, interval int, hh, mm int, days ...time.Weekday) Rule {
	return Rule{
		Unit:      Week,
		Interval:  interval,
		Anchor:    Anchor{Weekdays: days},
		TimeOfDay: TimeOfDay{Hour: hh, Minute: mm},
		Timezone:  tz,
		StartAt:   start,
	}
}

func TestNext_EveryOtherThursdayAuckland(t *testing.T) {
	t.Parallel()
	nz := mustLoc(t, "Pacific/Auckland")
	r := weekRule("Pacific/Auckland", time.Date(2025, 9, 15, 9, 0, 0, 0, nz), 2, 19, 0, time.Thursday)
	if err := r.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}

	first, ok := First(r)
	if !ok {
		t.Fatalf("first: no occurrence")
	}
	if want := time.Date(2025, 9, 25, 19, 0, 0, 0, nz); !first.Equal(want) {
		t.Fatalf("first: got %s want %s", first.In(nz), want)
	}

	second, ok := NextForTask(r, first, 1)
	if !ok {
		t.Fatalf("second: no occurrence")
	}
	if want := time.Date(2025, 10, 9, 19, 0, 0, 0, nz); !second.Equal(want) {
		t.Fatalf("second: got %s want %s", second.In(nz), want)
	}
	// NZ daylight time starts on 2025-09-28, so the wall clock holds across the offset change.
	if _, off := second.In(nz).Zone(); off != 13*3600 {
		t.Fatalf("second: expected NZDT offset, got %d", off)
	}
}

func TestNext_Table(t *testing.T) {
	t.Parallel()
	utc := time.UTC
	ny := mustLoc(t, "America/New_York")

	monthRule := func(start time.Time, interval int, day MonthDay) Rule {
		return Rule{Unit: Month, Interval: interval, Anchor: Anchor{MonthDay: day},
			TimeOfDay: TimeOfDay{Hour: 10}, Timezone: "UTC", StartAt: start}
	}
	dayRule := func(tz string, start time.Time, interval, hh, mm int, days ...time.Weekday) Rule {
		return Rule{Unit: Day, Interval: interval, Anchor: Anchor{Weekdays: days},
			TimeOfDay: TimeOfDay{Hour: hh, Minute: mm}, Timezone: tz, StartAt: start}
	}

	cases := []struct {
		name string
		rule Rule
		want []time.Time
	}{
		{
			name: "every other week created on monday fires next thursday then 14 days later",
			rule: weekRule("UTC", time.Date(2025, 3, 3, 8, 0, 0, 0, utc), 2, 9, 0, time.Thursday),
			want: []time.Time{
				time.Date(2025, 3, 13, 9, 0, 0, 0, utc),
				time.Date(2025, 3, 27, 9, 0, 0, 0, utc),
				time.Date(2025, 4, 10, 9, 0, 0, 0, utc),
			},
		},
		{
			name: "start on the anchor weekday fires the same day",
			rule: weekRule("UTC", time.Date(2025, 3, 6, 8, 0, 0, 0, utc), 2, 9, 0, time.Thursday),
			want: []time.Time{
				time.Date(2025, 3, 6, 9, 0, 0, 0, utc),
				time.Date(2025, 3, 20, 9, 0, 0, 0, utc),
			},
		},
		{
			name: "weekly on two weekdays",
			rule: weekRule("UTC", time.Date(2025, 3, 3, 0, 0, 0, 0, utc), 1, 7, 15, time.Monday, time.Wednesday),
			want: []time.Time{
				time.Date(2025, 3, 3, 7, 15, 0, 0, utc),
				time.Date(2025, 3, 5, 7, 15, 0, 0, utc),
				time.Date(2025, 3, 10, 7, 15, 0, 0, utc),
			},
		},
		{
			name: "day 31 clamps in short months without drift",
			rule: monthRule(time.Date(2025, 1, 1, 0, 0, 0, 0, utc), 1, 31),
			want: []time.Time{
				time.Date(2025, 1, 31, 10, 0, 0, 0, utc),
				time.Date(2025, 2, 28, 10, 0, 0, 0, utc),
				time.Date(2025, 3, 31, 10, 0, 0, 0, utc),
				time.Date(2025, 4, 30, 10, 0, 0, 0, utc),
				time.Date(2025, 5, 31, 10, 0, 0, 0, utc),
			},
		},
		{
			name: "day 31 in a leap february",
			rule: monthRule(time.Date(2024, 1, 31, 10, 0, 0, 0, utc), 1, 31),
			want: []time.Time{
				time.Date(2024, 1, 31, 10, 0, 0, 0, utc),
				time.Date(2024, 2, 29, 10, 0, 0, 0, utc),
				time.Date(2024, 3, 31, 10, 0, 0, 0, utc),
			},
		},
		{
			name: "last day of month",
			rule: monthRule(time.Date(2025, 1, 15, 0, 0, 0, 0, utc), 1, LastDay),
			want: []time.Time{
				time.Date(2025, 1, 31, 10, 0, 0, 0, utc),
				time.Date(2025, 2, 28, 10, 0, 0, 0, utc),
				time.Date(2025, 3, 31, 10, 0, 0, 0, utc),
			},
		},
		{
			name: "quarterly counts months from start",
			rule: monthRule(time.Date(2025, 1, 20, 0, 0, 0, 0, utc), 3, 15),
			want: []time.Time{
				time.Date(2025, 4, 15, 10, 0, 0, 0, utc),
				time.Date(2025, 7, 15, 10, 0, 0, 0, utc),
			},
		},
		{
			name: "every third day skips a start-day time already passed",
			rule: dayRule("UTC", time.Date(2025, 5, 1, 7, 30, 0, 0, utc), 3, 7, 0),
			want: []time.Time{
				time.Date(2025, 5, 4, 7, 0, 0, 0, utc),
				time.Date(2025, 5, 7, 7, 0, 0, 0, utc),
			},
		},
		{
			name: "weekdays only",
			rule: dayRule("UTC", time.Date(2025, 5, 2, 0, 0, 0, 0, utc), 1, 9, 0,
				time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday),
			want: []time.Time{
				time.Date(2025, 5, 2, 9, 0, 0, 0, utc),
				time.Date(2025, 5, 5, 9, 0, 0, 0, utc),
				time.Date(2025, 5, 6, 9, 0, 0, 0, utc),
			},
		},
		{
			name: "spring forward gap shifts to the end of the gap",
			rule: dayRule("America/New_York", time.Date(2025, 3, 8, 0, 0, 0, 0, ny), 1, 2, 30),
			want: []time.Time{
				time.Date(2025, 3, 8, 7, 30, 0, 0, utc),
				time.Date(2025, 3, 9, 7, 0, 0, 0, utc),
				time.Date(2025, 3, 10, 6, 30, 0, 0, utc),
			},
		},
		{
			name: "fall back ambiguity prefers the earlier instant and fires once",
			rule: dayRule("America/New_York", time.Date(2025, 11, 1, 0, 0, 0, 0, ny), 1, 1, 30),
			want: []time.Time{
				time.Date(2025, 11, 1, 5, 30, 0, 0, utc),
				time.Date(2025, 11, 2, 5, 30, 0, 0, utc),
				time.Date(2025, 11, 3, 6, 30, 0, 0, utc),
			},
		},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if err := tc.rule.Validate(); err != nil {
				t.Fatalf("validate: %v", err)
			}
			got := Preview(tc.rule, tc.rule.StartAt.Add(-time.Nanosecond), 0, len(tc.want))
			if len(got) != len(tc.want) {
				t.Fatalf("got %d occurrences, want %d: %v", len(got), len(tc.want), got)
			}
			for i := range got {
				if !got[i].Equal(tc.want[i]) {
					t.Fatalf("occurrence %d: got %s want %s", i, got[i].UTC(), tc.want[i].UTC())
				}
			}
		})
	}
}

func TestNext_EndConditions(t *testing.T) {
	t.Parallel()
	start := time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC)
	until := time.Date(2025, 6, 3, 12, 0, 0, 0, time.UTC)

	r := Rule{Unit: Day, Interval: 1, TimeOfDay: TimeOfDay{Hour: 8}, Timezone: "UTC", StartAt: start,
		End: &End{Until: &until}}
	got := Preview(r, start, 0, 10)
	if len(got) != 2 {
		t.Fatalf("until: got %d occurrences, want 2 (%v)", len(got), got)
	}

	r.End = &End{Count: 3}
	if got := Preview(r, start, 0, 10); len(got) != 3 {
		t.Fatalf("count: got %d occurrences, want 3", len(got))
	}
	if _, ok := NextForTask(r, start, 3); ok {
		t.Fatalf("count: expected no occurrence once 3 fired")
	}
	if _, ok := NextForTask(r, start, 2); !ok {
		t.Fatalf("count: expected one more occurrence after 2 fired")
	}
}

func TestNext_AlwaysAfterReference(t *testing.T) {
	t.Parallel()
	nz := mustLoc(t, "Pacific/Auckland")
	ny := mustLoc(t, "America/New_York")
	rules := []Rule{
		weekRule("Pacific/Auckland", time.Date(2025, 9, 15, 9, 0, 0, 0, nz), 2, 19, 0, time.Thursday),
		weekRule("America/New_York", time.Date(2025, 1, 1, 0, 0, 0, 0, ny), 3, 2, 30, time.Sunday, time.Saturday),
		{Unit: Day, Interval: 1, TimeOfDay: TimeOfDay{Hour: 1, Minute: 30}, Timezone: "America/New_York",
			StartAt: time.Date(2025, 1, 1, 0, 0, 0, 0, ny)},
		{Unit: Day, Interval: 5, TimeOfDay: TimeOfDay{Hour: 23, Minute: 59}, Timezone: "Pacific/Auckland",
			StartAt: time.Date(2025, 2, 1, 0, 0, 0, 0, nz)},
		{Unit: Month, Interval: 1, Anchor: Anchor{MonthDay: 31}, TimeOfDay: TimeOfDay{Hour: 2, Minute: 0},
			Timezone: "Pacific/Auckland", StartAt: time.Date(2025, 1, 1, 0, 0, 0, 0, nz)},
		{Unit: Month, Interval: 2, Anchor: Anchor{MonthDay: LastDay}, TimeOfDay: TimeOfDay{Hour: 0, Minute: 0},
			Timezone: "America/New_York", StartAt: time.Date(2024, 12, 31, 0, 0, 0, 0, ny)},
	}

	for i, r := range rules {
		if err := r.Validate(); err != nil {
			t.Fatalf("rule %d: validate: %v", i, err)
		}
		after := time.Date(2024, 12, 1, 0, 0, 0, 0, time.UTC)
		for step := 0; step < 1500; step++ {
			got, ok := Next(r, after)
			if !ok {
				t.Fatalf("rule %d: unbounded rule ran out at %s", i, after)
			}
			if !got.After(after) {
				t.Fatalf("rule %d: next %s not after %s", i, got, after)
			}
			if got.Before(r.StartAt) {
				t.Fatalf("rule %d: next %s before start %s", i, got, r.StartAt)
			}
			after = after.Add(7*time.Hour + 13*time.Minute)
		}
	}
}

func TestCountBetween(t *testing.T) {
	t.Parallel()
	start := time.Date(2025, 1, 6, 0, 0, 0, 0, time.UTC)
	r := weekRule("UTC", start, 1, 9, 0, time.Monday)
	from := time.Date(2025, 1, 6, 9, 0, 0, 0, time.UTC)
	to := from.AddDate(0, 0, 35)
	if got := CountBetween(r, from, to, 100); got != 5 {
		t.Fatalf("got %d missed occurrences, want 5", got)
	}
	if got := CountBetween(r, from, to, 3); got != 3 {
		t.Fatalf("cap: got %d, want 3", got)
	}
}
