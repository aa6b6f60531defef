package channel

import (
	"context"
	"time"
)

// Schemes of the built-in handlers.
const (
	SchemeTelegram = "telegram"
	SchemeWeb      = "web"
	SchemeLog      = "log"
)

// Message is what a handler sends for one occurrence.
type Message struct {
	TaskID      string
	OwnerRef    string
	Target      string // channel reference without the scheme
	Text        string
	Occurrence  time.Time
	Interactive bool
}

type Handler interface {
	Send(ctx context.Context, m Message) error
}

type HandlerFunc func(ctx context.Context, m Message) error

func (f HandlerFunc) Send(ctx context.Context, m Message) error { return f(ctx, m) }

type Outcome string

const (
	OutcomeDelivered      Outcome = "delivered"
	OutcomeTransient      Outcome = "transient"
	OutcomePermanent      Outcome = "permanent"
	OutcomeUnknownChannel Outcome = "unknown_channel"
)

// Retryable reports whether a later tick may succeed.
func (o Outcome) Retryable() bool { return o == OutcomeTransient }

type Result struct {
	Outcome  Outcome
	Err      error
	Attempts int
	Took     time.Duration
	// Duplicate is set when the occurrence was already delivered recently
	// and the send was skipped.
	Duplicate bool
}

// Config controls rate limiting, in-call retry and duplicate suppression.
type Config struct {
	RatePerSec    int
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	// DedupWindow suppresses a second send of the same occurrence; 0 disables it.
	DedupWindow     time.Duration
	DedupMaxEntries int
}
