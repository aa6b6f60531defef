package app

import (
	"fmt"
	"strings"
	"time"

	"secretariat/internal/channel"
	"secretariat/internal/config"
	"secretariat/internal/fireloop"
	"secretariat/internal/observability/opsserver"
	"secretariat/internal/recovery"
	"secretariat/internal/retention"
	"secretariat/internal/storage"
	telegram "secretariat/internal/transport/telegram/adapter"
	logx "secretariat/pkg/logx"
)

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		JSON:    cfg.Logging.JSON,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Store
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	busy, err := config.ParseDurationOrDefault("store.busy_timeout", sc.BusyTimeout, time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	lease, err := config.ParseDurationOrDefault("store.lease_timeout", sc.LeaseTimeout, storage.DefaultLeaseTimeout)
	if err != nil {
		return storage.Config{}, err
	}
	switch driver {
	case "", "memory":
		return storage.Config{Driver: "memory", LeaseTimeout: lease}, nil
	case "sqlite", "sqlite3":
		path := strings.TrimSpace(sc.Path)
		if path == "" {
			return storage.Config{}, fmt.Errorf("store.path is required when store.driver=sqlite")
		}
		return storage.Config{Driver: "sqlite", Path: path, BusyTimeout: busy, LeaseTimeout: lease}, nil
	case "postgres", "postgresql", "pgx":
		dsn := strings.TrimSpace(sc.DSN)
		if dsn == "" {
			return storage.Config{}, fmt.Errorf("store.dsn is required when store.driver=postgres")
		}
		return storage.Config{Driver: "postgres", DSN: dsn, LeaseTimeout: lease}, nil
	default:
		return storage.Config{}, fmt.Errorf("unknown store.driver: %s", sc.Driver)
	}
}

// mapFireLoopConfig also checks the delivery timeout against the claim
// lease: a claim must not expire while its delivery can still be running.
func mapFireLoopConfig(cfg *config.Config) (fireloop.Config, error) {
	fl := cfg.FireLoop
	out := fireloop.Config{
		Enabled:     cfg.FireLoopEnabled(),
		BatchLimit:  fl.BatchLimit,
		MaxInFlight: fl.MaxInFlight,
		MaxAttempts: fl.MaxAttempts,
	}
	var err error
	if out.PollInterval, err = config.ParseDurationField("fire_loop.poll_interval", fl.PollInterval); err != nil {
		return fireloop.Config{}, err
	}
	if out.DeliveryTimeout, err = config.ParseDurationOrDefault("fire_loop.delivery_timeout", fl.DeliveryTimeout, fireloop.DefaultDeliveryTimeout); err != nil {
		return fireloop.Config{}, err
	}
	if out.StoreOutageThreshold, err = config.ParseDurationField("fire_loop.store_outage_threshold", fl.StoreOutageThreshold); err != nil {
		return fireloop.Config{}, err
	}
	lease, err := config.ParseDurationOrDefault("store.lease_timeout", cfg.Store.LeaseTimeout, storage.DefaultLeaseTimeout)
	if err != nil {
		return fireloop.Config{}, err
	}
	if out.DeliveryTimeout >= lease {
		return fireloop.Config{}, fmt.Errorf("fire_loop.delivery_timeout (%s) must be shorter than store.lease_timeout (%s)", out.DeliveryTimeout, lease)
	}
	return out, nil
}

func mapRecoveryConfig(cfg *config.Config) recovery.Config {
	return recovery.Config{SkipCatchUp: cfg.Recovery.SkipCatchUp}
}

const defaultRetryMax = 2

func mapChannelConfig(cfg *config.Config) (channel.Config, error) {
	ch := cfg.Channels
	out := channel.Config{
		RatePerSec:      ch.RatePerSec,
		RetryMax:        defaultRetryMax,
		DedupMaxEntries: ch.DedupMaxEntries,
	}
	if ch.RetryMax != nil {
		out.RetryMax = *ch.RetryMax
	}
	var err error
	if out.RetryBase, err = config.ParseDurationField("channels.retry_base", ch.RetryBase); err != nil {
		return channel.Config{}, err
	}
	if out.RetryMaxDelay, err = config.ParseDurationField("channels.retry_max_delay", ch.RetryMaxDelay); err != nil {
		return channel.Config{}, err
	}
	if out.DedupWindow, err = config.ParseDurationField("channels.dedup_window", ch.DedupWindow); err != nil {
		return channel.Config{}, err
	}
	return out, nil
}

func mapWebConfig(cfg *config.Config) (channel.WebConfig, error) {
	wt, err := config.ParseDurationField("channels.web.write_timeout", cfg.Channels.Web.WriteTimeout)
	if err != nil {
		return channel.WebConfig{}, err
	}
	return channel.WebConfig{WriteTimeout: wt, OriginPatterns: cfg.Channels.Web.OriginPatterns}, nil
}

func mapTelegramConfig(cfg *config.Config) (telegram.Config, error) {
	tc := cfg.Channels.Telegram
	pollTimeout, err := config.ParseDurationOrDefault("channels.telegram.poll_timeout", tc.PollTimeout, 10*time.Second)
	if err != nil {
		return telegram.Config{}, err
	}
	return telegram.Config{Token: tc.Token, PollTimeout: pollTimeout, URL: tc.URL}, nil
}

func mapRetentionConfig(cfg *config.Config) (retention.Config, error) {
	rc := cfg.Retention
	keep, err := config.ParseDurationField("retention.keep", rc.Keep)
	if err != nil {
		return retention.Config{}, err
	}
	if err := retention.ValidateSchedule(rc.Schedule); err != nil {
		return retention.Config{}, err
	}
	return retention.Config{Keep: keep, Schedule: rc.Schedule, Timezone: rc.Timezone}, nil
}

func mapOpsConfig(cfg *config.Config) (opsserver.Config, error) {
	oc := cfg.OpsServer
	out := opsserver.Config{
		Enabled:       oc.Enabled,
		Addr:          strings.TrimSpace(oc.Addr),
		Token:         strings.TrimSpace(oc.Token),
		AllowInsecure: oc.AllowInsecure,
		Pprof:         oc.Pprof,
		PprofPrefix:   oc.PprofPrefix,
	}
	var err error
	if out.ReadTimeout, err = config.ParseDurationOrDefault("ops_server.read_timeout", oc.ReadTimeout, 10*time.Second); err != nil {
		return opsserver.Config{}, err
	}
	if out.WriteTimeout, err = config.ParseDurationField("ops_server.write_timeout", oc.WriteTimeout); err != nil {
		return opsserver.Config{}, err
	}
	if out.IdleTimeout, err = config.ParseDurationOrDefault("ops_server.idle_timeout", oc.IdleTimeout, 60*time.Second); err != nil {
		return opsserver.Config{}, err
	}
	return out, nil
}

func loadLocation(name string) *time.Location {
	if strings.TrimSpace(name) == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return time.UTC
	}
	return loc
}

// validate runs every mapping so a reload that any component would reject
// is never committed.
func validate(cfg *config.Config) error {
	if _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapFireLoopConfig(cfg); err != nil {
		return err
	}
	if _, err := mapChannelConfig(cfg); err != nil {
		return err
	}
	if _, err := mapWebConfig(cfg); err != nil {
		return err
	}
	if _, err := mapTelegramConfig(cfg); err != nil {
		return err
	}
	if _, err := mapRetentionConfig(cfg); err != nil {
		return err
	}
	_, err := mapOpsConfig(cfg)
	return err
}
