package task

import (
	"errors"
	"strings"

	"secretariat/internal/recurrence"
)

const (
	maxDescriptionLen = 4000
	maxRefLen         = 256
)

// Validate checks the fields a translator supplies at creation.
func (t *Task) Validate() error {
	if t == nil {
		return &ValidationError{Field: "task", Reason: "is nil"}
	}
	if strings.TrimSpace(t.OwnerRef) == "" {
		return &ValidationError{Field: "owner_ref", Reason: "required"}
	}
	if len(t.OwnerRef) > maxRefLen {
		return &ValidationError{Field: "owner_ref", Reason: "too long"}
	}
	if strings.TrimSpace(t.Description) == "" {
		return &ValidationError{Field: "description", Reason: "required"}
	}
	if len(t.Description) > maxDescriptionLen {
		return &ValidationError{Field: "description", Reason: "too long"}
	}
	ref := strings.TrimSpace(t.ChannelRef)
	if ref == "" {
		return &ValidationError{Field: "channel_ref", Reason: "required"}
	}
	if len(ref) > maxRefLen {
		return &ValidationError{Field: "channel_ref", Reason: "too long"}
	}
	if err := t.Rule.Validate(); err != nil {
		var re *recurrence.ValidationError
		if errors.As(err, &re) {
			return &ValidationError{Field: "rule." + re.Field, Reason: re.Reason}
		}
		return &ValidationError{Field: "rule", Reason: err.Error()}
	}
	return nil
}

// CanTransition reports whether from -> to is an allowed status change.
// A same-status change is allowed and treated as a no-op by stores.
func CanTransition(from, to Status) bool {
	if from == to {
		return true
	}
	switch from {
	case StatusActive:
		return to == StatusPaused || to == StatusCancelled || to == StatusCompleted || to == StatusDeliveryFailed
	case StatusPaused, StatusDeliveryFailed:
		return to == StatusActive || to == StatusCancelled
	}
	return false
}
