package recurrence

import "time"

// Next returns the first occurrence of r strictly after after, or false when
// the rule has no further occurrence (end.until passed).
//
// Next ignores end.count; use NextForTask when the number of fired
// occurrences is known. It is pure and never blocks.
func Next(r Rule, after time.Time) (time.Time, bool) {
	loc, err := r.Location()
	if err != nil || r.Interval < 1 {
		return time.Time{}, false
	}

	// Candidates must be after `after` and not before start_at.
	bound := after
	if r.StartAt.After(after) {
		bound = r.StartAt.Add(-time.Nanosecond)
	}

	var (
		t  time.Time
		ok bool
	)
	switch r.Unit {
	case Day:
		t, ok = r.nextDay(bound, loc)
	case Week:
		t, ok = r.nextWeek(bound, loc)
	case Month:
		t, ok = r.nextMonth(bound, loc)
	}
	if !ok {
		return time.Time{}, false
	}
	if !t.After(after) {
		panic(&InvariantError{Rule: r, After: after, Got: t})
	}
	if r.End != nil && r.End.Until != nil && t.After(*r.End.Until) {
		return time.Time{}, false
	}
	return t, true
}

// NextForTask is Next with end.count applied against fired, the number of
// occurrences already delivered.
func NextForTask(r Rule, after time.Time, fired int) (time.Time, bool) {
	if r.End != nil && r.End.Count > 0 && fired >= r.End.Count {
		return time.Time{}, false
	}
	return Next(r, after)
}

// First returns the first occurrence at or after start_at.
func First(r Rule) (time.Time, bool) {
	return NextForTask(r, r.StartAt.Add(-time.Nanosecond), 0)
}

// Preview lists up to n upcoming occurrences after after, honoring end.count
// relative to fired.
func Preview(r Rule, after time.Time, fired, n int) []time.Time {
	out := make([]time.Time, 0, n)
	for i := 0; i < n; i++ {
		t, ok := NextForTask(r, after, fired+i)
		if !ok {
			break
		}
		out = append(out, t)
		after = t
	}
	return out
}

// CountBetween counts occurrences in (from, to], stopping at max.
func CountBetween(r Rule, from, to time.Time, max int) int {
	n := 0
	for n < max {
		t, ok := Next(r, from)
		if !ok || t.After(to) {
			break
		}
		n++
		from = t
	}
	return n
}

func (r Rule) at(day time.Time, loc *time.Location) time.Time {
	return localInstant(day.Year(), day.Month(), day.Day(), r.TimeOfDay.Hour, r.TimeOfDay.Minute, loc)
}

// scanFrom is the first civil date worth probing. One day of slack covers a
// wall clock that DST pushed onto the following date.
func scanFrom(start, bound time.Time, loc *time.Location) time.Time {
	d := civilDate(bound, loc).AddDate(0, 0, -1)
	if d.Before(start) {
		return start
	}
	return d
}

func (r Rule) nextDay(bound time.Time, loc *time.Location) (time.Time, bool) {
	start := civilDate(r.StartAt, loc)
	off := daysBetween(start, scanFrom(start, bound, loc))
	if rem := off % r.Interval; rem != 0 {
		off += r.Interval - rem
	}
	// A weekday filter cycles within 7 steps; validation rules out filters
	// that can never match.
	for i := 0; i < 16; i++ {
		day := start.AddDate(0, 0, off)
		if r.Anchor.allows(day.Weekday()) {
			if t := r.at(day, loc); t.After(bound) {
				return t, true
			}
		}
		off += r.Interval
	}
	return time.Time{}, false
}

// weekPeriod is the index of the 7-day period containing day. start_at's own
// date is period 0 and each following block of 7 days is the next period.
func weekPeriod(start, day time.Time) int {
	return (daysBetween(start, day) + 6) / 7
}

func (r Rule) nextWeek(bound time.Time, loc *time.Location) (time.Time, bool) {
	start := civilDate(r.StartAt, loc)
	from := scanFrom(start, bound, loc)
	// Worst case: skip interval-1 periods, then scan one full period.
	limit := 7*(r.Interval+1) + 2
	for i := 0; i <= limit; i++ {
		day := from.AddDate(0, 0, i)
		if !r.Anchor.allows(day.Weekday()) || weekPeriod(start, day)%r.Interval != 0 {
			continue
		}
		if t := r.at(day, loc); t.After(bound) {
			return t, true
		}
	}
	return time.Time{}, false
}

func (r Rule) nextMonth(bound time.Time, loc *time.Location) (time.Time, bool) {
	start := civilDate(r.StartAt, loc)
	months := monthsBetween(start, scanFrom(start, bound, loc))
	if rem := months % r.Interval; rem != 0 {
		months += r.Interval - rem
	}
	for i := 0; i < 4; i++ {
		first := time.Date(start.Year(), start.Month()+time.Month(months), 1, 0, 0, 0, 0, time.UTC)
		day := first.AddDate(0, 0, r.Anchor.MonthDay.in(first.Year(), first.Month())-1)
		if t := r.at(day, loc); t.After(bound) {
			return t, true
		}
		months += r.Interval
	}
	return time.Time{}, false
}
