package control

import (
	"fmt"
	"strings"
	"time"

	"secretariat/internal/task"
)

// TimeLayout is used for next-run times in listings.
const TimeLayout = "Mon 2006-01-02 15:04 MST"

// FormatList renders tasks for chat and terminal output, one per line:
// id, status, next run in loc and the rule summary.
func FormatList(tasks []*task.Task, loc *time.Location) string {
	if len(tasks) == 0 {
		return "no reminders"
	}
	if loc == nil {
		loc = time.UTC
	}
	var b strings.Builder
	for i, t := range tasks {
		if i > 0 {
			b.WriteByte('\n')
		}
		next := "-"
		if t.NextFireAt != nil {
			next = t.NextFireAt.In(loc).Format(TimeLayout)
		}
		fmt.Fprintf(&b, "%s  %-15s %s  %s: %s", t.ID, t.Status, next, t.Rule.Describe(), t.Description)
		if t.Status == task.StatusDeliveryFailed && t.LastError != "" {
			fmt.Fprintf(&b, " (last error: %s)", t.LastError)
		}
	}
	return b.String()
}

// FormatTask is the detailed view of one task.
func FormatTask(t *task.Task, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	stamp := func(p *time.Time) string {
		if p == nil {
			return "-"
		}
		return p.In(loc).Format(time.RFC3339)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "id:          %s\n", t.ID)
	fmt.Fprintf(&b, "owner:       %s\n", t.OwnerRef)
	fmt.Fprintf(&b, "description: %s\n", t.Description)
	fmt.Fprintf(&b, "rule:        %s\n", t.Rule.Describe())
	fmt.Fprintf(&b, "channel:     %s\n", t.ChannelRef)
	fmt.Fprintf(&b, "status:      %s\n", t.Status)
	fmt.Fprintf(&b, "next:        %s\n", stamp(t.NextFireAt))
	fmt.Fprintf(&b, "last fired:  %s\n", stamp(t.LastFiredAt))
	fmt.Fprintf(&b, "fired:       %d\n", t.OccurrencesFired)
	fmt.Fprintf(&b, "attempts:    %d", t.DeliveryAttempts)
	if t.LastError != "" {
		fmt.Fprintf(&b, "\nlast error:  %s", t.LastError)
	}
	return b.String()
}
