package config

// Config is the daemon configuration file (JSON or YAML).
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
// Secrets (telegram token, ops token) are never logged.
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Store     StoreConfig     `json:"store"`
	FireLoop  FireLoopConfig  `json:"fire_loop"`
	Recovery  RecoveryConfig  `json:"recovery"`
	Channels  ChannelsConfig  `json:"channels"`
	Control   ControlConfig   `json:"control"`
	Retention RetentionConfig `json:"retention"`
	OpsServer OpsServerConfig `json:"ops_server"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	JSON    bool        `json:"json,omitempty"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StoreConfig selects the task store. Changes need a restart.
//
// Example:
//
//	"store": { "driver": "sqlite", "path": "./secretariat.db" }
type StoreConfig struct {
	Driver       string `json:"driver"`
	Path         string `json:"path,omitempty"`
	DSN          string `json:"dsn,omitempty"`
	BusyTimeout  string `json:"busy_timeout,omitempty"`
	LeaseTimeout string `json:"lease_timeout,omitempty"`
}

// FireLoopConfig controls claiming and delivery.
//
// Enabled is a pointer so we can distinguish "omitted" (enabled) from an
// explicit false.
//
// Defaults (when fields are omitted/zero):
//   - poll_interval: "1m"
//   - batch_limit: 50
//   - max_in_flight: 16
//   - max_attempts: 3
//   - delivery_timeout: "30s"
//   - store_outage_threshold: "5m"
type FireLoopConfig struct {
	Enabled              *bool  `json:"enabled,omitempty"`
	PollInterval         string `json:"poll_interval,omitempty"`
	BatchLimit           int    `json:"batch_limit,omitempty"`
	MaxInFlight          int    `json:"max_in_flight,omitempty"`
	MaxAttempts          int    `json:"max_attempts,omitempty"`
	DeliveryTimeout      string `json:"delivery_timeout,omitempty"`
	StoreOutageThreshold string `json:"store_outage_threshold,omitempty"`
}

type RecoveryConfig struct {
	SkipCatchUp bool `json:"skip_catch_up,omitempty"`
}

// ChannelsConfig configures the router and its handlers. Rate and retry
// settings apply live.
type ChannelsConfig struct {
	RatePerSec      int    `json:"rate_per_sec,omitempty"`
	RetryMax        *int   `json:"retry_max,omitempty"`
	RetryBase       string `json:"retry_base,omitempty"`
	RetryMaxDelay   string `json:"retry_max_delay,omitempty"`
	DedupWindow     string `json:"dedup_window,omitempty"`
	DedupMaxEntries int    `json:"dedup_max_entries,omitempty"`

	Telegram TelegramChannel `json:"telegram"`
	Web      WebChannel      `json:"web"`
	Log      LogChannel      `json:"log"`
}

type TelegramChannel struct {
	Enabled bool   `json:"enabled"`
	Token   string `json:"token,omitempty"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout,omitempty"`
	URL         string `json:"url,omitempty"`
}

// WebChannel is the websocket push hub served by the ops server at /ws.
type WebChannel struct {
	Enabled        bool     `json:"enabled"`
	WriteTimeout   string   `json:"write_timeout,omitempty"`
	OriginPatterns []string `json:"origin_patterns,omitempty"`
}

type LogChannel struct {
	Enabled bool `json:"enabled"`
}

// ControlConfig governs the Telegram owner commands.
type ControlConfig struct {
	OwnerUserIDs []int64 `json:"owner_user_ids,omitempty"`
	// Timezone renders times in listings; empty means UTC.
	Timezone string `json:"timezone,omitempty"`
}

// RetentionConfig purges completed/cancelled tasks. An empty or "0s" keep
// disables it.
type RetentionConfig struct {
	Keep     string `json:"keep,omitempty"`
	Schedule string `json:"schedule,omitempty"` // cron spec, seconds optional; default "@daily"
	Timezone string `json:"timezone,omitempty"`
}

// OpsServerConfig controls the operator HTTP endpoint (/healthz, /ws,
// /tasks, pprof).
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:8088").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type OpsServerConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	Token         string `json:"token,omitempty"` // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	Pprof       bool   `json:"pprof,omitempty"`
	PprofPrefix string `json:"pprof_prefix,omitempty"`

	// WriteTimeout defaults to 0 (disabled) so /profile and long-lived
	// websocket connections work.
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

// FireLoopEnabled applies the default.
func (c *Config) FireLoopEnabled() bool {
	return c.FireLoop.Enabled == nil || *c.FireLoop.Enabled
}
