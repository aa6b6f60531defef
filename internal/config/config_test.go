package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const sampleYAML = `
logging:
  level: debug
  console: true
store:
  driver: sqlite
  path: ./secretariat.db
  lease_timeout: 2m
fire_loop:
  enabled: false
  poll_interval: 30s
channels:
  rate_per_sec: 5
  retry_max: 0
  telegram:
    enabled: true
    token: "123:abc"
control:
  owner_user_ids: [42]
  timezone: Pacific/Auckland
`

func TestDecodeYAML(t *testing.T) {
	t.Parallel()
	cfg, err := Decode("config.yaml", []byte(sampleYAML))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if cfg.Store.Driver != "sqlite" || cfg.Store.LeaseTimeout != "2m" {
		t.Fatalf("store: %+v", cfg.Store)
	}
	if cfg.FireLoopEnabled() {
		t.Fatalf("explicit false must disable the fire loop")
	}
	if cfg.Channels.RetryMax == nil || *cfg.Channels.RetryMax != 0 {
		t.Fatalf("retry_max 0 must be kept: %v", cfg.Channels.RetryMax)
	}
	if len(cfg.Control.OwnerUserIDs) != 1 || cfg.Control.OwnerUserIDs[0] != 42 {
		t.Fatalf("owners: %v", cfg.Control.OwnerUserIDs)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestDecodeStrict(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name, file, body, want string
	}{
		{"unknown field", "c.json", `{"store":{"driver":"memory","pool":3}}`, "unknown field"},
		{"trailing data", "c.json", `{} {}`, "trailing data"},
		{"yaml unknown", "c.yml", "retention:\n  forever: true\n", "unknown field"},
		{"bad yaml", "c.yaml", "store: [", "yaml"},
		{"two documents", "c.yaml", "store: {}\n---\nstore: {}\n", "single document"},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := Decode(tc.file, []byte(tc.body))
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("want error containing %q, got %v", tc.want, err)
			}
		})
	}
	if cfg, err := Decode("c.json", []byte(`{}`)); err != nil || !cfg.FireLoopEnabled() {
		t.Fatalf("empty config: %v", err)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	neg := -1
	cases := []struct {
		name   string
		mutate func(c *Config)
		want   string
	}{
		{"ok", func(*Config) {}, ""},
		{"unknown driver", func(c *Config) { c.Store.Driver = "redis" }, "store.driver"},
		{"sqlite without path", func(c *Config) { c.Store.Driver = "sqlite" }, "store.path"},
		{"postgres without dsn", func(c *Config) { c.Store.Driver = "postgres" }, "store.dsn"},
		{"bad lease", func(c *Config) { c.Store.LeaseTimeout = "soon" }, "store.lease_timeout"},
		{"negative duration", func(c *Config) { c.FireLoop.PollInterval = "-1s" }, "fire_loop.poll_interval"},
		{"negative batch", func(c *Config) { c.FireLoop.BatchLimit = -1 }, "fire_loop.batch_limit"},
		{"negative retry", func(c *Config) { c.Channels.RetryMax = &neg }, "channels.retry_max"},
		{"telegram without token", func(c *Config) { c.Channels.Telegram.Enabled = true }, "channels.telegram.token"},
		{"web without ops server", func(c *Config) { c.Channels.Web.Enabled = true }, "ops_server.enabled"},
		{"bad zone", func(c *Config) { c.Control.Timezone = "Mars/Olympus" }, "control.timezone"},
		{"bad addr", func(c *Config) { c.OpsServer.Enabled = true; c.OpsServer.Addr = "8088" }, "ops_server.addr"},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := &Config{}
			tc.mutate(cfg)
			err := cfg.Validate()
			if tc.want == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("want error containing %q, got %v", tc.want, err)
			}
		})
	}
}

func TestSummarizeChange(t *testing.T) {
	t.Parallel()
	oldCfg, err := Decode("c.yaml", []byte(sampleYAML))
	if err != nil {
		t.Fatal(err)
	}
	newCfg, _ := Decode("c.yaml", []byte(sampleYAML))
	if ch := SummarizeChange(oldCfg, newCfg); !ch.Empty() {
		t.Fatalf("identical configs reported %v", ch.Sections)
	}

	newCfg.Channels.RatePerSec = 10
	newCfg.Retention.Keep = "720h"
	ch := SummarizeChange(oldCfg, newCfg)
	if strings.Join(ch.Sections, ",") != "channels,retention" || len(ch.Restart) != 0 {
		t.Fatalf("sections %v restart %v", ch.Sections, ch.Restart)
	}

	newCfg.Channels.Telegram.Token = "456:def"
	newCfg.Store.Path = "/var/lib/secretariat.db"
	ch = SummarizeChange(oldCfg, newCfg)
	if strings.Join(ch.Restart, ",") != "store,channels" {
		t.Fatalf("restart %v", ch.Restart)
	}
}

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
}

func TestManagerWatchReloads(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	writeFile(t, path, `{"logging":{"level":"info"}}`)

	m := NewManager(path)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	cfg, err := m.Load(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Logging.Level != "info" || m.Get() != cfg {
		t.Fatalf("load did not commit")
	}

	updates := m.Subscribe(1)
	defer m.Unsubscribe(updates)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.Watch(ctx)
	}()

	// Invalid content is rejected and the committed config stays.
	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(time.Second)
	defer tick.Stop()
	writeFile(t, path, `{"logging":{"level":"info"},"store":{"driver":"redis"}}`)
	time.Sleep(600 * time.Millisecond)
	select {
	case got := <-updates:
		t.Fatalf("invalid config published: %+v", got)
	default:
	}

	for {
		writeFile(t, path, `{"logging":{"level":"debug"}}`)
		select {
		case got := <-updates:
			if got.Logging.Level != "debug" || m.Get().Logging.Level != "debug" {
				t.Fatalf("unexpected reload: %+v", got.Logging)
			}
			cancel()
			<-done
			return
		case <-tick.C:
		case <-deadline:
			t.Fatalf("no reload published")
		}
	}
}

func TestParseDurationOrDefault(t *testing.T) {
	t.Parallel()
	if d, err := ParseDurationOrDefault("x", "", time.Minute); err != nil || d != time.Minute {
		t.Fatalf("default: %v %v", d, err)
	}
	if d, err := ParseDurationOrDefault("x", "0s", time.Minute); err != nil || d != time.Minute {
		t.Fatalf("zero: %v %v", d, err)
	}
	if d, err := ParseDurationOrDefault("x", "90s", time.Minute); err != nil || d != 90*time.Second {
		t.Fatalf("explicit: %v %v", d, err)
	}
	if d, err := ParseDurationField("retention.keep", "30d"); err != nil || d != 30*24*time.Hour {
		t.Fatalf("days: %v %v", d, err)
	}
	if _, err := ParseDurationField("retention.keep", "1.5d"); err == nil {
		t.Fatalf("fractional days accepted")
	}
	if _, err := ParseDurationField("fire_loop.poll_interval", "-5s"); err == nil {
		t.Fatalf("negative duration accepted")
	}
}
