package fireloop

import (
	"context"
	"time"

	"secretariat/internal/channel"
	"secretariat/internal/task"
)

type Config struct {
	Enabled      bool
	PollInterval time.Duration
	BatchLimit   int
	MaxInFlight  int
	// MaxAttempts is the number of deliveries tried, across ticks, before a
	// task is parked in delivery_failed.
	MaxAttempts     int
	DeliveryTimeout time.Duration
	// StoreOutageThreshold is how long claims may keep failing before the
	// loop reports itself unhealthy.
	StoreOutageThreshold time.Duration
	// StoreTimeout bounds each store write made after a delivery.
	StoreTimeout time.Duration
}

const (
	defaultPollInterval    = time.Minute
	minPollInterval        = time.Second
	defaultBatchLimit      = 50
	defaultMaxInFlight     = 16
	defaultMaxAttempts     = 3
	defaultOutageThreshold = 5 * time.Minute
	defaultStoreTimeout    = 10 * time.Second
)

// DefaultDeliveryTimeout must stay below the store's claim lease.
const DefaultDeliveryTimeout = 30 * time.Second

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.PollInterval < minPollInterval {
		c.PollInterval = minPollInterval
	}
	if c.BatchLimit <= 0 {
		c.BatchLimit = defaultBatchLimit
	}
	if c.MaxInFlight <= 0 {
		c.MaxInFlight = defaultMaxInFlight
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaultMaxAttempts
	}
	if c.DeliveryTimeout <= 0 {
		c.DeliveryTimeout = DefaultDeliveryTimeout
	}
	if c.StoreOutageThreshold <= 0 {
		c.StoreOutageThreshold = defaultOutageThreshold
	}
	if c.StoreTimeout <= 0 {
		c.StoreTimeout = defaultStoreTimeout
	}
	return c
}

// Deliverer is the part of the channel router the loop depends on.
type Deliverer interface {
	Deliver(ctx context.Context, t *task.Task) channel.Result
}

// Health is reported to the ops server and gates the systemd watchdog.
type Health struct {
	Healthy     bool      `json:"healthy"`
	StoreOK     bool      `json:"store_ok"`
	OutageSince time.Time `json:"outage_since,omitempty"`
	LastError   string    `json:"last_error,omitempty"`
	LastTick    time.Time `json:"last_tick,omitempty"`
}

type Snapshot struct {
	Enabled      bool          `json:"enabled"`
	Running      bool          `json:"running"`
	PollInterval time.Duration `json:"poll_interval"`
	InFlight     int           `json:"in_flight"`
	MaxInFlight  int           `json:"max_in_flight"`

	Ticks     uint64 `json:"ticks"`
	Claimed   uint64 `json:"claimed"`
	Delivered uint64 `json:"delivered"`
	Retried   uint64 `json:"retried"`
	Failed    uint64 `json:"failed"`
	Completed uint64 `json:"completed"`
	Conflicts uint64 `json:"conflicts"`

	Health Health `json:"health"`
}

// CatchUpReport summarizes one synchronous drain.
type CatchUpReport struct {
	Claimed   int `json:"claimed"`
	Delivered int `json:"delivered"`
	Retried   int `json:"retried"`
	Failed    int `json:"failed"`
}
