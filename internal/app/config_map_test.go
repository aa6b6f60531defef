package app

import (
	"strings"
	"testing"
	"time"

	"secretariat/internal/channel"
	"secretariat/internal/config"
)

func TestMapFireLoopConfig(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name    string
		cfg     config.Config
		wantErr string
		check   func(t *testing.T, cfg *config.Config)
	}{
		{name: "defaults", check: func(t *testing.T, cfg *config.Config) {
			fc, _ := mapFireLoopConfig(cfg)
			if !fc.Enabled || fc.DeliveryTimeout != 30*time.Second {
				t.Fatalf("unexpected defaults: %+v", fc)
			}
		}},
		{
			name:    "delivery outlives lease",
			cfg:     config.Config{Store: config.StoreConfig{LeaseTimeout: "20s"}},
			wantErr: "must be shorter than store.lease_timeout",
		},
		{
			name: "explicit",
			cfg: config.Config{FireLoop: config.FireLoopConfig{
				PollInterval: "15s", DeliveryTimeout: "10s", MaxAttempts: 5,
			}},
			check: func(t *testing.T, cfg *config.Config) {
				fc, _ := mapFireLoopConfig(cfg)
				if fc.PollInterval != 15*time.Second || fc.DeliveryTimeout != 10*time.Second || fc.MaxAttempts != 5 {
					t.Fatalf("unexpected: %+v", fc)
				}
			},
		},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := mapFireLoopConfig(&tc.cfg)
			if tc.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
					t.Fatalf("want %q, got %v", tc.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			tc.check(t, &tc.cfg)
		})
	}
}

func TestMapChannelConfigRetryDefault(t *testing.T) {
	t.Parallel()
	cc, err := mapChannelConfig(&config.Config{})
	if err != nil || cc.RetryMax != defaultRetryMax {
		t.Fatalf("omitted retry_max: %+v %v", cc, err)
	}
	zero := 0
	cc, _ = mapChannelConfig(&config.Config{Channels: config.ChannelsConfig{RetryMax: &zero, DedupWindow: "1h"}})
	if cc.RetryMax != 0 || cc.DedupWindow != time.Hour {
		t.Fatalf("explicit values: %+v", cc)
	}
}

func TestMapStorageConfig(t *testing.T) {
	t.Parallel()
	sc, err := mapStorageConfig(&config.Config{Store: config.StoreConfig{Driver: "SQLite", Path: "x.db"}})
	if err != nil || sc.Driver != "sqlite" || sc.BusyTimeout != time.Second || sc.LeaseTimeout != 5*time.Minute {
		t.Fatalf("sqlite: %+v %v", sc, err)
	}
	if _, err := mapStorageConfig(&config.Config{Store: config.StoreConfig{Driver: "pgx"}}); err == nil {
		t.Fatalf("postgres without dsn accepted")
	}
}

func TestValidateRejectsBadSchedule(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{Retention: config.RetentionConfig{Keep: "720h", Schedule: "every tuesday"}}
	if err := validate(cfg); err == nil {
		t.Fatalf("bad cron spec accepted")
	}
	cfg.Retention.Schedule = "0 30 3 * * *"
	if err := validate(cfg); err != nil {
		t.Fatalf("six-field spec rejected: %v", err)
	}
}

func TestEnabledSchemes(t *testing.T) {
	t.Parallel()
	s := enabledSchemes(&config.Config{Channels: config.ChannelsConfig{Log: config.LogChannel{Enabled: true}}})
	if err := s.Resolve("log:dev"); err != nil {
		t.Fatalf("log: %v", err)
	}
	if err := s.Resolve("telegram:42"); err == nil {
		t.Fatalf("disabled telegram resolved")
	}
	if err := s.Resolve("nope"); err == nil {
		t.Fatalf("ref without scheme resolved")
	}
	if got := ownerRef(-100123); got != channel.SchemeTelegram+":-100123" {
		t.Fatalf("owner ref %q", got)
	}
}
