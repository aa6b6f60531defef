package task

import (
	"strings"
	"time"

	"secretariat/internal/recurrence"
)

// Status is the lifecycle state of a scheduled task.
type Status string

const (
	StatusActive         Status = "active"
	StatusPaused         Status = "paused"
	StatusCompleted      Status = "completed"
	StatusCancelled      Status = "cancelled"
	StatusDeliveryFailed Status = "delivery_failed"
)

// Terminal reports whether no further transition is allowed.
func (s Status) Terminal() bool { return s == StatusCompleted || s == StatusCancelled }

func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusPaused, StatusCompleted, StatusCancelled, StatusDeliveryFailed:
		return true
	}
	return false
}

// ParseStatus accepts the canonical names case-insensitively.
func ParseStatus(s string) (Status, bool) {
	st := Status(strings.ToLower(strings.TrimSpace(s)))
	return st, st.Valid()
}

// Task is one persisted recurring reminder.
//
// Invariant: Status == StatusActive exactly when NextFireAt != nil.
// ClaimedAt and DeliveryAttempts are owned by the store and the fire loop.
type Task struct {
	ID          string          `json:"id"`
	OwnerRef    string          `json:"owner_ref"`
	Description string          `json:"description"`
	Rule        recurrence.Rule `json:"rule"`
	ChannelRef  string          `json:"channel_ref"`
	Interactive bool            `json:"interactive,omitempty"`

	Status           Status     `json:"status"`
	NextFireAt       *time.Time `json:"next_fire_at,omitempty"`
	LastFiredAt      *time.Time `json:"last_fired_at,omitempty"`
	OccurrencesFired int        `json:"occurrences_fired"`

	ClaimedAt        *time.Time `json:"claimed_at,omitempty"`
	DeliveryAttempts int        `json:"delivery_attempts"`
	LastError        string     `json:"last_error,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns a deep copy; the memory store hands out clones only.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	cp := *t
	cp.NextFireAt = cloneTime(t.NextFireAt)
	cp.LastFiredAt = cloneTime(t.LastFiredAt)
	cp.ClaimedAt = cloneTime(t.ClaimedAt)
	cp.Rule.Anchor.Weekdays = append([]time.Weekday(nil), t.Rule.Anchor.Weekdays...)
	if t.Rule.End != nil {
		end := *t.Rule.End
		end.Until = cloneTime(t.Rule.End.Until)
		cp.Rule.End = &end
	}
	return &cp
}

// Claimed reports whether the task holds a claim that is still within lease.
func (t *Task) Claimed(now time.Time, lease time.Duration) bool {
	return t.ClaimedAt != nil && now.Sub(*t.ClaimedAt) < lease
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// TimePtr is a small helper for optional instants.
func TimePtr(t time.Time) *time.Time { return &t }
