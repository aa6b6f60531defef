package recurrence

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestValidate(t *testing.T) {
	t.Parallel()
	start := time.Date(2025, 9, 15, 9, 0, 0, 0, time.UTC)
	before := start.Add(-time.Hour)
	base := func() Rule {
		return weekRule("UTC", start, 2, 19, 0, time.Thursday)
	}

	cases := []struct {
		name   string
		mutate func(r *Rule)
		field  string
	}{
		{"ok", func(r *Rule) {}, ""},
		{"missing unit", func(r *Rule) { r.Unit = "" }, "unit"},
		{"unknown unit", func(r *Rule) { r.Unit = "fortnight" }, "unit"},
		{"zero interval", func(r *Rule) { r.Interval = 0 }, "interval"},
		{"bad hour", func(r *Rule) { r.TimeOfDay.Hour = 24 }, "time_of_day"},
		{"bad zone", func(r *Rule) { r.Timezone = "Mars/Olympus" }, "timezone"},
		{"missing start", func(r *Rule) { r.StartAt = time.Time{} }, "start_at"},
		{"week without weekdays", func(r *Rule) { r.Anchor.Weekdays = nil }, "anchor.weekdays"},
		{"weekday out of range", func(r *Rule) { r.Anchor.Weekdays = []time.Weekday{7} }, "anchor.weekdays"},
		{"duplicate weekday", func(r *Rule) { r.Anchor.Weekdays = []time.Weekday{4, 4} }, "anchor.weekdays"},
		{"week with month day", func(r *Rule) { r.Anchor.MonthDay = 3 }, "anchor.month_day"},
		{"month without day", func(r *Rule) { r.Unit = Month; r.Anchor = Anchor{} }, "anchor.month_day"},
		{"month day 32", func(r *Rule) { r.Unit = Month; r.Anchor = Anchor{MonthDay: 32} }, "anchor.month_day"},
		{"month with weekdays", func(r *Rule) { r.Unit = Month; r.Anchor.MonthDay = LastDay }, "anchor.weekdays"},
		{"weekly day step misses filter", func(r *Rule) {
			// start is a Monday; stepping 7 days never reaches Thursday.
			r.Unit = Day
			r.Interval = 7
		}, "anchor.weekdays"},
		{"until before start", func(r *Rule) { r.End = &End{Until: &before} }, "end.until"},
		{"until and count", func(r *Rule) { r.End = &End{Until: &start, Count: 2} }, "end"},
		{"empty end", func(r *Rule) { r.End = &End{} }, "end"},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			r := base()
			tc.mutate(&r)
			err := r.Validate()
			if tc.field == "" {
				if err != nil {
					t.Fatalf("expected valid rule, got %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("expected error on %s", tc.field)
			}
			var ve *ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("expected *ValidationError, got %T", err)
			}
			if ve.Field != tc.field {
				t.Fatalf("field: got %q want %q (%v)", ve.Field, tc.field, err)
			}
			if !errors.Is(err, ErrInvalidRule) {
				t.Fatalf("expected errors.Is(err, ErrInvalidRule)")
			}
		})
	}
}

func TestParseJSON(t *testing.T) {
	t.Parallel()

	r, err := ParseJSON([]byte(`{
		"unit": "month", "interval": 1,
		"anchor": {"month_day": "last"},
		"time_of_day": "08:30",
		"timezone": "Europe/Berlin",
		"start_at": "2025-01-01T00:00:00+01:00",
		"end": {"count": 12}
	}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if r.Anchor.MonthDay != LastDay || r.TimeOfDay != (TimeOfDay{Hour: 8, Minute: 30}) || r.End.Count != 12 {
		t.Fatalf("unexpected rule: %+v", r)
	}
	if got := r.Describe(); got != "every month on the last day at 08:30 (Europe/Berlin), 12 times" {
		t.Fatalf("describe: %q", got)
	}

	if _, err := ParseJSON([]byte(`{"unit":"day","interval":1,"time_of_day":"08:00","timezone":"UTC","start_at":"2025-01-01T00:00:00Z","cron":"* * * * *"}`)); err == nil {
		t.Fatalf("expected unknown field to be rejected")
	}
	if _, err := ParseJSON([]byte(`{"unit":"day","interval":1,"time_of_day":"8am","timezone":"UTC","start_at":"2025-01-01T00:00:00Z"}`)); err == nil ||
		!strings.Contains(err.Error(), "time of day") {
		t.Fatalf("expected time of day error, got %v", err)
	}
}

func TestDescribe(t *testing.T) {
	t.Parallel()
	start := time.Date(2025, 9, 15, 9, 0, 0, 0, time.UTC)
	cases := []struct {
		rule Rule
		want string
	}{
		{weekRule("Pacific/Auckland", start, 2, 19, 0, time.Thursday), "every 2 weeks on Thu at 19:00 (Pacific/Auckland)"},
		{Rule{Unit: Day, Interval: 1, TimeOfDay: TimeOfDay{Hour: 7}, Timezone: "UTC", StartAt: start}, "every day at 07:00 (UTC)"},
		{Rule{Unit: Month, Interval: 3, Anchor: Anchor{MonthDay: 15}, TimeOfDay: TimeOfDay{Hour: 7}, Timezone: "UTC",
			StartAt: start, End: &End{Count: 1}}, "every 3 months on day 15 at 07:00 (UTC), once"},
	}
	for _, tc := range cases {
		if got := tc.rule.Describe(); got != tc.want {
			t.Fatalf("got %q want %q", got, tc.want)
		}
	}
}
