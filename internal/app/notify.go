package app

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	logx "secretariat/pkg/logx"
)

// notifier speaks the systemd notify protocol. Outside a Type=notify unit
// every call is a no-op.
type notifier struct {
	send func(state string) (bool, error)
	// interval returns the watchdog interval, 0 when disabled.
	interval func() (time.Duration, error)
}

func newNotifier() *notifier {
	return &notifier{
		send:     func(state string) (bool, error) { return daemon.SdNotify(false, state) },
		interval: func() (time.Duration, error) { return daemon.SdWatchdogEnabled(false) },
	}
}

func (n *notifier) notify(log logx.Logger, state string) {
	sent, err := n.send(state)
	if err != nil {
		log.Warn("systemd notify failed", logx.String("state", state), logx.Err(err))
		return
	}
	if sent {
		log.Debug("systemd notified", logx.String("state", state))
	}
}

func (n *notifier) ready(log logx.Logger)    { n.notify(log, daemon.SdNotifyReady) }
func (n *notifier) stopping(log logx.Logger) { n.notify(log, daemon.SdNotifyStopping) }

// watchdog pings at half the configured interval while healthy() holds,
// so a stuck store outage lets systemd restart the unit.
func (n *notifier) watchdog(ctx context.Context, log logx.Logger, healthy func() bool) {
	iv, err := n.interval()
	if err != nil {
		log.Warn("systemd watchdog config invalid", logx.Err(err))
		return
	}
	if iv <= 0 {
		return
	}
	t := time.NewTicker(iv / 2)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if !healthy() {
				log.Warn("unhealthy; withholding systemd watchdog ping")
				continue
			}
			if _, err := n.send(daemon.SdNotifyWatchdog); err != nil {
				log.Debug("systemd watchdog ping failed", logx.Err(err))
			}
		}
	}
}
