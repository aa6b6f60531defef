package channel

import (
	"context"

	logx "secretariat/pkg/logx"
)

// Log writes reminders to the structured log. Useful in development and
// as a fallback destination.
type Log struct {
	log logx.Logger
}

func NewLog(log logx.Logger) *Log {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Log{log: log}
}

func (h *Log) Send(ctx context.Context, m Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	h.log.Info("reminder",
		logx.TaskID(m.TaskID),
		logx.String("owner", m.OwnerRef),
		logx.String("target", m.Target),
		logx.Time("occurrence", m.Occurrence),
		logx.String("text", m.Text),
	)
	return nil
}
