package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"secretariat/internal/control"
	"secretariat/internal/task"
	kit "secretariat/internal/transport"
	logx "secretariat/pkg/logx"
)

// commandTimeout bounds the store calls and reply of one command.
const commandTimeout = 10 * time.Second

var menu = []kit.BotCommand{
	{Command: "reminders", Description: "list active reminders"},
	{Command: "show", Description: "show a reminder and its next times"},
	{Command: "pause", Description: "pause a reminder"},
	{Command: "resume", Description: "resume a reminder"},
	{Command: "cancel", Description: "cancel a reminder"},
}

// commandHost is what the owner commands need from the app.
type commandHost interface {
	isOwner(userID int64) bool
	location() *time.Location
}

func (a *App) isOwner(userID int64) bool {
	owners := a.owners.Load()
	if owners == nil {
		return false
	}
	_, ok := (*owners)[userID]
	return ok
}

func (a *App) location() *time.Location {
	if loc := a.loc.Load(); loc != nil {
		return loc
	}
	return time.UTC
}

func (a *App) registerMenu(ctx context.Context) {
	c, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()
	if err := a.adapter.UpdateMenuCommands(c, menu); err != nil {
		a.log.Warn("command menu update failed", logx.Err(err))
	}
}

// dispatchCommands answers owner commands until ctx ends or in closes.
func (a *App) dispatchCommands(ctx context.Context, in <-chan kit.Message) error {
	log := a.log.With(logx.Comp("commands"))
	for {
		select {
		case <-ctx.Done():
			return nil
		case m, ok := <-in:
			if !ok {
				return nil
			}
			reply, handled := handleCommand(ctx, a, a.control, m)
			if !handled {
				continue
			}
			c, cancel := context.WithTimeout(ctx, commandTimeout)
			_, err := a.adapter.SendText(c, kit.ChatTarget{ChatID: m.ChatID, ThreadID: m.ThreadID}, reply, &kit.SendOptions{DisablePreview: true})
			cancel()
			if err != nil {
				log.Warn("reply failed", logx.Int64("chat_id", m.ChatID), logx.Err(err))
			}
		}
	}
}

// handleCommand returns the reply for m, or handled=false when m is not a
// command or its sender is not an owner.
func handleCommand(ctx context.Context, host commandHost, ctl *control.Service, m kit.Message) (reply string, handled bool) {
	name, args, ok := parseCommand(m.Text)
	if !ok || !host.isOwner(m.FromID) {
		return "", false
	}
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()
	loc := host.location()

	withID := func(fn func(ctx context.Context, id string) (*task.Task, error), verb string) string {
		if len(args) != 1 {
			return fmt.Sprintf("usage: /%s <id>", name)
		}
		t, err := fn(ctx, args[0])
		if err != nil {
			return describeErr(err)
		}
		return fmt.Sprintf("%s: %s", verb, control.FormatTask(t, loc))
	}

	switch name {
	case "reminders", "list":
		owner := ownerRef(m.ChatID)
		if len(args) == 1 {
			owner = args[0]
		}
		tasks, err := ctl.ListActive(ctx, owner)
		if err != nil {
			return describeErr(err), true
		}
		return control.FormatList(tasks, loc), true
	case "show":
		if len(args) != 1 {
			return "usage: /show <id>", true
		}
		t, err := ctl.Get(ctx, args[0])
		if err != nil {
			return describeErr(err), true
		}
		var b strings.Builder
		b.WriteString(control.FormatTask(t, loc))
		if times, err := ctl.Preview(ctx, t.ID, 3); err == nil && len(times) > 0 {
			b.WriteString("\nnext:")
			for _, at := range times {
				b.WriteString("\n  " + at.In(loc).Format(control.TimeLayout))
			}
		}
		return b.String(), true
	case "pause":
		return withID(ctl.Pause, "paused"), true
	case "resume":
		return withID(ctl.Resume, "resumed"), true
	case "cancel":
		return withID(ctl.Cancel, "cancelled"), true
	}
	return "", false
}

// parseCommand accepts "/name arg..." and "/name@bot arg...".
func parseCommand(text string) (name string, args []string, ok bool) {
	fields := strings.Fields(strings.TrimSpace(text))
	if len(fields) == 0 || !strings.HasPrefix(fields[0], "/") {
		return "", nil, false
	}
	name, _, _ = strings.Cut(strings.ToLower(fields[0][1:]), "@")
	if name == "" {
		return "", nil, false
	}
	return name, fields[1:], true
}

func describeErr(err error) string {
	switch {
	case errors.Is(err, task.ErrNotFound):
		return "no such reminder"
	case errors.Is(err, task.ErrInvalidTransition):
		return "not possible: " + err.Error()
	case errors.Is(err, control.ErrRuleExhausted):
		return "that reminder has no occurrences left"
	case errors.Is(err, task.ErrStoreUnavailable):
		return "storage is unavailable, try again later"
	}
	return "error: " + err.Error()
}
