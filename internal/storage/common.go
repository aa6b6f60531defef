package storage

import (
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"secretariat/internal/task"
)

// prepareCreate validates t and returns the row to insert.
func prepareCreate(t *task.Task, now time.Time) (*task.Task, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	row := t.Clone()
	if row.Status == "" {
		row.Status = task.StatusActive
	}
	if row.Status != task.StatusActive {
		return nil, &task.ValidationError{Field: "status", Reason: "new tasks start active"}
	}
	if row.NextFireAt == nil {
		return nil, &task.ValidationError{Field: "next_fire_at", Reason: "required for active tasks"}
	}
	if strings.TrimSpace(row.ID) == "" {
		row.ID = uuid.Must(uuid.NewV7()).String()
	}
	row.ChannelRef = strings.TrimSpace(row.ChannelRef)
	row.ClaimedAt = nil
	row.DeliveryAttempts = 0
	row.LastError = ""
	row.CreatedAt = now
	row.UpdatedAt = now
	return row, nil
}

// checkStatusChange applies the transition table and the status/next invariant.
func checkStatusChange(id string, from, to task.Status, next *time.Time) error {
	if !to.Valid() {
		return &task.ValidationError{Field: "status", Reason: "unknown status " + string(to)}
	}
	if !task.CanTransition(from, to) {
		return &task.TransitionError{ID: id, From: from, To: to}
	}
	if to == task.StatusActive && next == nil {
		return &task.ValidationError{Field: "next_fire_at", Reason: "required for active tasks"}
	}
	if to != task.StatusActive && next != nil {
		return &task.ValidationError{Field: "next_fire_at", Reason: "must be empty unless active"}
	}
	return nil
}

func causeText(err error) string {
	if err == nil {
		return ""
	}
	s := err.Error()
	if len(s) > 1000 {
		s = s[:1000]
	}
	return s
}

// sortByNextFire orders tasks by next fire time; unscheduled tasks go last.
func sortByNextFire(ts []*task.Task) {
	sort.SliceStable(ts, func(i, j int) bool {
		a, b := ts[i], ts[j]
		switch {
		case a.NextFireAt == nil && b.NextFireAt == nil:
			return a.CreatedAt.Before(b.CreatedAt)
		case a.NextFireAt == nil:
			return false
		case b.NextFireAt == nil:
			return true
		case !a.NextFireAt.Equal(*b.NextFireAt):
			return a.NextFireAt.Before(*b.NextFireAt)
		}
		return a.ID < b.ID
	})
}
