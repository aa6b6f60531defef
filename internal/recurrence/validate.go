package recurrence

import (
	"fmt"
	"time"
)

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// Validate checks the rule invariants. Nothing is defaulted: a rule the
// translator could not express completely is rejected.
func (r Rule) Validate() error {
	switch r.Unit {
	case Day, Week, Month:
	case "":
		return invalid("unit", "required")
	default:
		return invalid("unit", "unknown unit %q", r.Unit)
	}
	if r.Interval < 1 {
		return invalid("interval", "must be >= 1, got %d", r.Interval)
	}
	if !r.TimeOfDay.valid() {
		return invalid("time_of_day", "%02d:%02d is not a valid 24h time", r.TimeOfDay.Hour, r.TimeOfDay.Minute)
	}
	if _, err := r.Location(); err != nil {
		return invalid("timezone", "%v", err)
	}
	if r.StartAt.IsZero() {
		return invalid("start_at", "required")
	}
	if err := r.validateAnchor(); err != nil {
		return err
	}
	if r.End != nil {
		switch {
		case r.End.Until != nil && r.End.Count != 0:
			return invalid("end", "until and count are mutually exclusive")
		case r.End.Until == nil && r.End.Count == 0:
			return invalid("end", "until or count is required when end is set")
		case r.End.Count < 0:
			return invalid("end.count", "must be >= 1, got %d", r.End.Count)
		case r.End.Until != nil && r.StartAt.After(*r.End.Until):
			return invalid("end.until", "is before start_at")
		}
	}
	return nil
}

func (r Rule) validateAnchor() error {
	seen := map[time.Weekday]bool{}
	for _, wd := range r.Anchor.Weekdays {
		if wd < time.Sunday || wd > time.Saturday {
			return invalid("anchor.weekdays", "weekday %d out of range 0-6", int(wd))
		}
		if seen[wd] {
			return invalid("anchor.weekdays", "duplicate weekday %s", wd)
		}
		seen[wd] = true
	}

	switch r.Unit {
	case Week:
		if len(r.Anchor.Weekdays) == 0 {
			return invalid("anchor.weekdays", "required for week rules")
		}
		if r.Anchor.MonthDay != 0 {
			return invalid("anchor.month_day", "not allowed for week rules")
		}
	case Day:
		if r.Anchor.MonthDay != 0 {
			return invalid("anchor.month_day", "not allowed for day rules")
		}
		// Stepping a multiple of 7 days always lands on start_at's weekday.
		if len(r.Anchor.Weekdays) > 0 && r.Interval%7 == 0 {
			loc, _ := r.Location()
			if !r.Anchor.allows(r.StartAt.In(loc).Weekday()) {
				return invalid("anchor.weekdays", "every %d days from a %s never hits the weekday filter",
					r.Interval, r.StartAt.In(loc).Weekday())
			}
		}
	case Month:
		if len(r.Anchor.Weekdays) > 0 {
			return invalid("anchor.weekdays", "not allowed for month rules")
		}
		d := r.Anchor.MonthDay
		if d == 0 {
			return invalid("anchor.month_day", "required for month rules")
		}
		if d != LastDay && (d < 1 || d > 31) {
			return invalid("anchor.month_day", "must be 1-31 or \"last\", got %d", int(d))
		}
	}
	return nil
}
