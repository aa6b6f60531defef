package channel

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	kit "secretariat/internal/transport"
	"secretariat/internal/transport/telegram/adapter"
)

// Telegram sends reminders through a chat adapter.
// Targets are "<chat id>" or "<chat id>/<thread id>".
type Telegram struct {
	sender kit.Sender
}

func NewTelegram(sender kit.Sender) *Telegram { return &Telegram{sender: sender} }

func (h *Telegram) Send(ctx context.Context, m Message) error {
	to, err := ParseChatTarget(m.Target)
	if err != nil {
		return Permanent(err)
	}
	_, err = h.sender.SendText(ctx, to, "⏰ "+m.Text, &kit.SendOptions{
		DisablePreview: true,
		Silent:         !m.Interactive,
	})
	if err != nil && adapter.IsPermanent(err) {
		return Permanent(err)
	}
	return err
}

func ParseChatTarget(s string) (kit.ChatTarget, error) {
	chat, thread, hasThread := strings.Cut(strings.TrimSpace(s), "/")
	id, err := strconv.ParseInt(chat, 10, 64)
	if err != nil || id == 0 {
		return kit.ChatTarget{}, fmt.Errorf("%w: telegram chat %q", ErrBadTarget, chat)
	}
	to := kit.ChatTarget{ChatID: id}
	if hasThread {
		tid, err := strconv.Atoi(thread)
		if err != nil || tid <= 0 {
			return kit.ChatTarget{}, fmt.Errorf("%w: telegram thread %q", ErrBadTarget, thread)
		}
		to.ThreadID = tid
	}
	return to, nil
}
