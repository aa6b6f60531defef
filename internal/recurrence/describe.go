package recurrence

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Describe renders a short human summary, e.g.
// "every 2 weeks on Thu at 19:00 (Pacific/Auckland), 10 times".
func (r Rule) Describe() string {
	var b strings.Builder
	b.WriteString("every ")
	if r.Interval > 1 {
		fmt.Fprintf(&b, "%d %ss", r.Interval, r.Unit)
	} else {
		b.WriteString(string(r.Unit))
	}

	switch r.Unit {
	case Day, Week:
		if len(r.Anchor.Weekdays) > 0 {
			b.WriteString(" on ")
			b.WriteString(weekdayList(r.Anchor.Weekdays))
		}
	case Month:
		if r.Anchor.MonthDay == LastDay {
			b.WriteString(" on the last day")
		} else {
			fmt.Fprintf(&b, " on day %d", int(r.Anchor.MonthDay))
		}
	}

	fmt.Fprintf(&b, " at %s (%s)", r.TimeOfDay, r.Timezone)

	if r.End != nil {
		switch {
		case r.End.Until != nil:
			loc, err := r.Location()
			if err != nil {
				loc = time.UTC
			}
			fmt.Fprintf(&b, " until %s", r.End.Until.In(loc).Format("2006-01-02 15:04"))
		case r.End.Count == 1:
			b.WriteString(", once")
		case r.End.Count > 1:
			fmt.Fprintf(&b, ", %d times", r.End.Count)
		}
	}
	return b.String()
}

func weekdayList(days []time.Weekday) string {
	cp := append([]time.Weekday(nil), days...)
	sort.Slice(cp, func(i, j int) bool { return cp[i] < cp[j] })
	names := make([]string, 0, len(cp))
	for _, d := range cp {
		names = append(names, d.String()[:3])
	}
	return strings.Join(names, ",")
}
