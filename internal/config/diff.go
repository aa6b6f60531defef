package config

import (
	"reflect"
	"strings"

	logx "secretariat/pkg/logx"
)

// Change summarizes a reload for logging.
type Change struct {
	// Sections lists the top-level keys that differ.
	Sections []string
	// Attrs are safe to log; tokens are reported as *_set booleans only.
	Attrs []logx.Field
	// Restart lists sections whose new values only take effect after a restart.
	Restart []string
}

func (c Change) Empty() bool { return len(c.Sections) == 0 }

// SummarizeChange compares two configs section by section.
func SummarizeChange(oldCfg, newCfg *Config) Change {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var ch Change
	mark := func(section string, restart bool, attrs ...logx.Field) {
		ch.Sections = append(ch.Sections, section)
		ch.Attrs = append(ch.Attrs, attrs...)
		if restart {
			ch.Restart = append(ch.Restart, section)
		}
	}

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		mark("logging", false,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	// The DSN can carry a password.
	if !reflect.DeepEqual(oldCfg.Store, newCfg.Store) {
		mark("store", true,
			logx.String("store.driver", newCfg.Store.Driver),
			logx.String("store.lease_timeout", newCfg.Store.LeaseTimeout),
		)
	}

	if !reflect.DeepEqual(oldCfg.FireLoop, newCfg.FireLoop) {
		mark("fire_loop", false,
			logx.Bool("fire_loop.enabled", newCfg.FireLoopEnabled()),
			logx.String("fire_loop.poll_interval", newCfg.FireLoop.PollInterval),
			logx.Int("fire_loop.max_in_flight", newCfg.FireLoop.MaxInFlight),
			logx.Int("fire_loop.max_attempts", newCfg.FireLoop.MaxAttempts),
		)
	}

	if oldCfg.Recovery != newCfg.Recovery {
		mark("recovery", true, logx.Bool("recovery.skip_catch_up", newCfg.Recovery.SkipCatchUp))
	}

	if !reflect.DeepEqual(oldCfg.Channels, newCfg.Channels) {
		o, n := oldCfg.Channels, newCfg.Channels
		// Handlers are registered once; rate, retry and dedup apply live.
		restart := o.Telegram != n.Telegram || o.Log != n.Log ||
			o.Web.Enabled != n.Web.Enabled || !reflect.DeepEqual(o.Web.OriginPatterns, n.Web.OriginPatterns)
		mark("channels", restart,
			logx.Int("channels.rate_per_sec", n.RatePerSec),
			logx.String("channels.dedup_window", n.DedupWindow),
			logx.Bool("channels.telegram", n.Telegram.Enabled),
			logx.Bool("channels.telegram_token_set", strings.TrimSpace(n.Telegram.Token) != ""),
			logx.Bool("channels.web", n.Web.Enabled),
			logx.Bool("channels.log", n.Log.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Control, newCfg.Control) {
		mark("control", false,
			logx.Int("control.owner_count", len(newCfg.Control.OwnerUserIDs)),
			logx.String("control.timezone", newCfg.Control.Timezone),
		)
	}

	if oldCfg.Retention != newCfg.Retention {
		mark("retention", false,
			logx.String("retention.keep", newCfg.Retention.Keep),
			logx.String("retention.schedule", newCfg.Retention.Schedule),
		)
	}

	if oldCfg.OpsServer != newCfg.OpsServer {
		mark("ops_server", false,
			logx.Bool("ops_server.enabled", newCfg.OpsServer.Enabled),
			logx.String("ops_server.addr", strings.TrimSpace(newCfg.OpsServer.Addr)),
			logx.Bool("ops_server.token_set", strings.TrimSpace(newCfg.OpsServer.Token) != ""),
			logx.Bool("ops_server.pprof", newCfg.OpsServer.Pprof),
		)
	}

	return ch
}
