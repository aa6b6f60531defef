package recurrence

import "time"

// localInstant maps a civil date plus wall clock in loc to an absolute instant.
//
// time.Date leaves the choice unspecified when the wall clock is skipped or
// repeated by a DST transition, so both cases are resolved explicitly:
//   - repeated (fall-back): the earlier of the two instants
//   - skipped (spring-forward): the first valid instant after the gap
func localInstant(year int, month time.Month, day, hour, minute int, loc *time.Location) time.Time {
	wall := time.Date(year, month, day, hour, minute, 0, 0, time.UTC)

	// Offsets in effect a day either side of the wall clock cover any single
	// transition near it (zone offsets stay within +-14h).
	_, offBefore := wall.Add(-24 * time.Hour).In(loc).Zone()
	_, offAfter := wall.Add(24 * time.Hour).In(loc).Zone()

	var best time.Time
	for _, off := range []int{offBefore, offAfter} {
		t := wall.Add(-time.Duration(off) * time.Second).In(loc)
		if !sameWallClock(t, wall) {
			continue
		}
		if best.IsZero() || t.Before(best) {
			best = t
		}
	}
	if !best.IsZero() {
		return best
	}

	// Gap: read with the pre-transition offset the instant lands past the
	// transition; the zone period it falls in starts exactly at the gap end.
	t := wall.Add(-time.Duration(offBefore) * time.Second).In(loc)
	if start, _ := t.ZoneBounds(); !start.IsZero() && start.Before(t) {
		return start.In(loc)
	}
	return t
}

func sameWallClock(t, wall time.Time) bool {
	y, m, d := t.Date()
	wy, wm, wd := wall.Date()
	return y == wy && m == wm && d == wd && t.Hour() == wall.Hour() && t.Minute() == wall.Minute()
}

// civilDate returns t's calendar date in loc as a UTC midnight, which keeps
// day arithmetic free of DST effects.
func civilDate(t time.Time, loc *time.Location) time.Time {
	y, m, d := t.In(loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func daysBetween(from, to time.Time) int {
	return int(to.Sub(from).Hours() / 24)
}

func monthsBetween(from, to time.Time) int {
	return (to.Year()-from.Year())*12 + int(to.Month()) - int(from.Month())
}
