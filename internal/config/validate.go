package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
)

// Validate checks what can be checked without building components.
// Component-level checks (cron specs, store connectivity) run in the
// app's validator hook.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	dur := func(path, raw string) {
		_, err := ParseDurationField(path, raw)
		add(err)
	}

	switch strings.ToLower(strings.TrimSpace(c.Store.Driver)) {
	case "", "memory":
	case "sqlite":
		if strings.TrimSpace(c.Store.Path) == "" {
			add(errors.New("store.path: required for sqlite"))
		}
	case "postgres", "pgx":
		if strings.TrimSpace(c.Store.DSN) == "" {
			add(errors.New("store.dsn: required for postgres"))
		}
	default:
		add(fmt.Errorf("store.driver: unknown driver %q", c.Store.Driver))
	}
	dur("store.busy_timeout", c.Store.BusyTimeout)
	dur("store.lease_timeout", c.Store.LeaseTimeout)

	fl := c.FireLoop
	dur("fire_loop.poll_interval", fl.PollInterval)
	dur("fire_loop.delivery_timeout", fl.DeliveryTimeout)
	dur("fire_loop.store_outage_threshold", fl.StoreOutageThreshold)
	if fl.BatchLimit < 0 {
		add(errors.New("fire_loop.batch_limit: must be >= 0"))
	}
	if fl.MaxInFlight < 0 {
		add(errors.New("fire_loop.max_in_flight: must be >= 0"))
	}
	if fl.MaxAttempts < 0 {
		add(errors.New("fire_loop.max_attempts: must be >= 0"))
	}

	ch := c.Channels
	if ch.RatePerSec < 0 {
		add(errors.New("channels.rate_per_sec: must be >= 0"))
	}
	if ch.RetryMax != nil && *ch.RetryMax < 0 {
		add(errors.New("channels.retry_max: must be >= 0"))
	}
	dur("channels.retry_base", ch.RetryBase)
	dur("channels.retry_max_delay", ch.RetryMaxDelay)
	dur("channels.dedup_window", ch.DedupWindow)
	dur("channels.telegram.poll_timeout", ch.Telegram.PollTimeout)
	dur("channels.web.write_timeout", ch.Web.WriteTimeout)
	if ch.Telegram.Enabled && strings.TrimSpace(ch.Telegram.Token) == "" {
		add(errors.New("channels.telegram.token: required when telegram is enabled"))
	}
	if ch.Web.Enabled && !c.OpsServer.Enabled {
		add(errors.New("channels.web: requires ops_server.enabled"))
	}

	add(validZone("control.timezone", c.Control.Timezone))
	add(validZone("retention.timezone", c.Retention.Timezone))
	dur("retention.keep", c.Retention.Keep)

	ops := c.OpsServer
	if ops.Enabled && strings.TrimSpace(ops.Addr) != "" {
		if _, _, err := net.SplitHostPort(ops.Addr); err != nil {
			add(fmt.Errorf("ops_server.addr: %w", err))
		}
	}
	dur("ops_server.read_timeout", ops.ReadTimeout)
	dur("ops_server.write_timeout", ops.WriteTimeout)
	dur("ops_server.idle_timeout", ops.IdleTimeout)

	return errors.Join(errs...)
}

func validZone(path, name string) error {
	if strings.TrimSpace(name) == "" {
		return nil
	}
	if _, err := time.LoadLocation(name); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	return nil
}
