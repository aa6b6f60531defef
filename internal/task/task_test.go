package task

import (
	"errors"
	"testing"
	"time"

	"secretariat/internal/recurrence"
)

func validTask() *Task {
	return &Task{
		OwnerRef:    "conv-1",
		Description: "water the plants",
		ChannelRef:  "log:dev",
		Rule: recurrence.Rule{
			Unit:      recurrence.Day,
			Interval:  1,
			TimeOfDay: recurrence.TimeOfDay{Hour: 8},
			Timezone:  "UTC",
			StartAt:   time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		},
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name   string
		mutate func(*Task)
		field  string
	}{
		{"ok", func(*Task) {}, ""},
		{"owner", func(t *Task) { t.OwnerRef = " " }, "owner_ref"},
		{"description", func(t *Task) { t.Description = "" }, "description"},
		{"channel", func(t *Task) { t.ChannelRef = "" }, "channel_ref"},
		{"rule", func(t *Task) { t.Rule.Interval = 0 }, "rule.interval"},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			tk := validTask()
			tc.mutate(tk)
			err := tk.Validate()
			if tc.field == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			var ve *ValidationError
			if !errors.As(err, &ve) || ve.Field != tc.field {
				t.Fatalf("want field %q, got %v", tc.field, err)
			}
			if !IsValidation(err) {
				t.Fatalf("expected IsValidation")
			}
		})
	}
}

func TestCanTransition(t *testing.T) {
	t.Parallel()
	allowed := map[[2]Status]bool{}
	for _, p := range [][2]Status{
		{StatusActive, StatusPaused},
		{StatusActive, StatusCancelled},
		{StatusActive, StatusCompleted},
		{StatusActive, StatusDeliveryFailed},
		{StatusPaused, StatusActive},
		{StatusPaused, StatusCancelled},
		{StatusDeliveryFailed, StatusActive},
		{StatusDeliveryFailed, StatusCancelled},
	} {
		allowed[p] = true
	}
	all := []Status{StatusActive, StatusPaused, StatusCompleted, StatusCancelled, StatusDeliveryFailed}
	for _, from := range all {
		for _, to := range all {
			want := from == to || allowed[[2]Status{from, to}]
			if got := CanTransition(from, to); got != want {
				t.Fatalf("%s -> %s: got %v want %v", from, to, got, want)
			}
		}
	}
}

func TestClone(t *testing.T) {
	t.Parallel()
	tk := validTask()
	tk.NextFireAt = TimePtr(time.Now())
	tk.Rule.Anchor.Weekdays = []time.Weekday{time.Monday}
	cp := tk.Clone()
	*cp.NextFireAt = cp.NextFireAt.Add(time.Hour)
	cp.Rule.Anchor.Weekdays[0] = time.Friday
	if tk.NextFireAt.Equal(*cp.NextFireAt) || tk.Rule.Anchor.Weekdays[0] != time.Monday {
		t.Fatalf("clone shares memory with the original")
	}
}
