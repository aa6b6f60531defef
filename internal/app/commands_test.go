package app

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"secretariat/internal/control"
	"secretariat/internal/recurrence"
	"secretariat/internal/storage"
	kit "secretariat/internal/transport"
	logx "secretariat/pkg/logx"
)

type fakeHost struct{ owner int64 }

func (h fakeHost) isOwner(id int64) bool    { return id == h.owner }
func (h fakeHost) location() *time.Location { return time.UTC }

func TestParseCommand(t *testing.T) {
	t.Parallel()
	cases := []struct {
		in   string
		name string
		args []string
		ok   bool
	}{
		{"/reminders", "reminders", []string{}, true},
		{"/Pause@secretariat_bot abc", "pause", []string{"abc"}, true},
		{"  /cancel   x  ", "cancel", []string{"x"}, true},
		{"hello", "", nil, false},
		{"/", "", nil, false},
	}
	for _, tc := range cases {
		name, args, ok := parseCommand(tc.in)
		if ok != tc.ok || name != tc.name || (ok && strings.Join(args, ",") != strings.Join(tc.args, ",")) {
			t.Fatalf("%q: got %q %v %v", tc.in, name, args, ok)
		}
	}
}

func TestHandleCommand(t *testing.T) {
	t.Parallel()
	now := time.Date(2025, 10, 1, 9, 0, 0, 0, time.UTC)
	store := storage.NewMemory(storage.Config{})
	ctl := control.New(store, logx.Nop(), nil, control.WithClock(func() time.Time { return now }))
	ctx := context.Background()

	tk, err := ctl.Create(ctx, control.Request{
		OwnerRef:    ownerRef(-1001),
		Description: "stand-up",
		ChannelRef:  "telegram:-1001",
		Rule: recurrence.Rule{
			Unit:      recurrence.Day,
			Interval:  1,
			TimeOfDay: recurrence.TimeOfDay{Hour: 10},
			Timezone:  "UTC",
			StartAt:   now,
		},
	})
	require.NoError(t, err)

	host := fakeHost{owner: 7}
	msg := func(from int64, text string) kit.Message {
		return kit.Message{ChatID: -1001, FromID: from, Text: text}
	}

	_, handled := handleCommand(ctx, host, ctl, msg(8, "/reminders"))
	require.False(t, handled, "non-owner must be ignored")
	_, handled = handleCommand(ctx, host, ctl, msg(7, "good morning"))
	require.False(t, handled)

	reply, handled := handleCommand(ctx, host, ctl, msg(7, "/reminders"))
	require.True(t, handled)
	require.Contains(t, reply, tk.ID)
	require.Contains(t, reply, "stand-up")

	reply, _ = handleCommand(ctx, host, ctl, msg(7, "/pause "+tk.ID))
	require.Contains(t, reply, "paused")
	reply, _ = handleCommand(ctx, host, ctl, msg(7, "/reminders"))
	require.Contains(t, reply, tk.ID+"  paused")
	reply, _ = handleCommand(ctx, host, ctl, msg(7, "/reminders telegram:-2002"))
	require.Equal(t, "no reminders", reply)

	reply, _ = handleCommand(ctx, host, ctl, msg(7, "/resume "+tk.ID))
	require.Contains(t, reply, "resumed")

	reply, _ = handleCommand(ctx, host, ctl, msg(7, "/show "+tk.ID))
	require.Contains(t, reply, "next:")
	require.Contains(t, reply, "Thu 2025-10-02 10:00 UTC")

	reply, _ = handleCommand(ctx, host, ctl, msg(7, "/cancel "+tk.ID))
	require.Contains(t, reply, "cancelled")
	reply, _ = handleCommand(ctx, host, ctl, msg(7, "/resume "+tk.ID))
	require.True(t, strings.HasPrefix(reply, "not possible"), reply)

	reply, _ = handleCommand(ctx, host, ctl, msg(7, "/pause missing-id"))
	require.Equal(t, "no such reminder", reply)
	reply, _ = handleCommand(ctx, host, ctl, msg(7, "/pause"))
	require.Equal(t, "usage: /pause <id>", reply)
}
