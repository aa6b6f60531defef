package channel

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sort"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"secretariat/internal/task"
	logx "secretariat/pkg/logx"
)

// Router is safe for concurrent use.
type Router struct {
	mu       sync.RWMutex
	cfg      Config
	limiter  *rate.Limiter
	handlers map[string]Handler
	log      logx.Logger

	dmu   sync.Mutex
	dedup map[string]time.Time
}

func NewRouter(cfg Config, log logx.Logger) *Router {
	if log.IsZero() {
		log = logx.Nop()
	}
	r := &Router{handlers: map[string]Handler{}, log: log, dedup: map[string]time.Time{}}
	r.applyLocked(cfg)
	return r
}

func (r *Router) Apply(cfg Config) {
	r.mu.Lock()
	r.applyLocked(cfg)
	r.mu.Unlock()
}

func (r *Router) applyLocked(cfg Config) {
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 5
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 5 * time.Second
	}
	if cfg.DedupWindow < 0 {
		cfg.DedupWindow = 0
	}
	if cfg.DedupMaxEntries <= 0 {
		cfg.DedupMaxEntries = 2000
	}
	r.cfg = cfg
	// Burst equals the per-second rate so short spikes pass.
	r.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

// Register binds a handler to a scheme, replacing any previous one.
func (r *Router) Register(scheme string, h Handler) {
	r.mu.Lock()
	r.handlers[scheme] = h
	r.mu.Unlock()
}

// Schemes lists registered schemes, sorted.
func (r *Router) Schemes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for s := range r.handlers {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Resolve reports whether ref names a registered handler.
func (r *Router) Resolve(ref string) error {
	scheme, _, err := ParseRef(ref)
	if err != nil {
		return err
	}
	r.mu.RLock()
	_, ok := r.handlers[scheme]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownChannel, scheme)
	}
	return nil
}

// Deliver sends the task's current occurrence. It blocks until the send
// succeeds, fails permanently, runs out of in-call retries or ctx is done.
func (r *Router) Deliver(ctx context.Context, t *task.Task) Result {
	start := time.Now()
	res := r.deliver(ctx, t)
	res.Took = time.Since(start)
	return res
}

func (r *Router) deliver(ctx context.Context, t *task.Task) Result {
	scheme, target, err := ParseRef(t.ChannelRef)
	if err != nil {
		return Result{Outcome: OutcomeUnknownChannel, Err: err}
	}

	r.mu.RLock()
	h, ok := r.handlers[scheme]
	cfg := r.cfg
	lim := r.limiter
	r.mu.RUnlock()
	if !ok {
		return Result{Outcome: OutcomeUnknownChannel, Err: fmt.Errorf("%w: %s", ErrUnknownChannel, scheme)}
	}

	msg := Message{
		TaskID:      t.ID,
		OwnerRef:    t.OwnerRef,
		Target:      target,
		Text:        t.Description,
		Occurrence:  occurrence(t),
		Interactive: t.Interactive,
	}
	key := dedupKey(msg)
	if cfg.DedupWindow > 0 && r.seen(key) {
		r.log.Debug("duplicate occurrence suppressed", logx.TaskID(t.ID), logx.Time("occurrence", msg.Occurrence))
		return Result{Outcome: OutcomeDelivered, Duplicate: true}
	}

	maxAttempts := 1 + cfg.RetryMax
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := lim.Wait(ctx); err != nil {
			return Result{Outcome: OutcomeTransient, Err: errors.Join(lastErr, err), Attempts: attempt - 1}
		}
		err := h.Send(ctx, msg)
		if err == nil {
			if cfg.DedupWindow > 0 {
				r.remember(key, cfg.DedupWindow, cfg.DedupMaxEntries)
			}
			return Result{Outcome: OutcomeDelivered, Attempts: attempt}
		}
		if IsPermanent(err) {
			return Result{Outcome: OutcomePermanent, Err: err, Attempts: attempt}
		}
		lastErr = err
		r.log.Debug("send failed", logx.TaskID(t.ID), logx.String("scheme", scheme),
			logx.Int("attempt", attempt), logx.Int("max", maxAttempts), logx.Err(err))
		if attempt == maxAttempts {
			break
		}

		wait := time.NewTimer(retryDelay(cfg, attempt))
		select {
		case <-wait.C:
		case <-ctx.Done():
			wait.Stop()
			return Result{Outcome: OutcomeTransient, Err: lastErr, Attempts: attempt}
		}
	}
	return Result{Outcome: OutcomeTransient, Err: lastErr, Attempts: maxAttempts}
}

func occurrence(t *task.Task) time.Time {
	if t.NextFireAt != nil {
		return *t.NextFireAt
	}
	return time.Now()
}

func dedupKey(m Message) string {
	return m.TaskID + "|" + strconv.FormatInt(m.Occurrence.UnixNano(), 10)
}

func (r *Router) seen(key string) bool {
	r.dmu.Lock()
	defer r.dmu.Unlock()
	until, ok := r.dedup[key]
	return ok && time.Now().Before(until)
}

func (r *Router) remember(key string, window time.Duration, maxEntries int) {
	now := time.Now()
	r.dmu.Lock()
	defer r.dmu.Unlock()
	r.dedup[key] = now.Add(window)
	for k, until := range r.dedup {
		if !now.Before(until) {
			delete(r.dedup, k)
		}
	}
	// Evict the earliest expiries until within cap.
	for len(r.dedup) > maxEntries {
		var minKey string
		var minT time.Time
		for k, t := range r.dedup {
			if minKey == "" || t.Before(minT) {
				minKey, minT = k, t
			}
		}
		delete(r.dedup, minKey)
	}
}

// retryDelay is the wait before attempt+1: base*2^(attempt-1), capped, with 0.7..1.3 jitter.
func retryDelay(cfg Config, attempt int) time.Duration {
	d := cfg.RetryBase
	for i := 1; i < attempt && d < cfg.RetryMaxDelay; i++ {
		d *= 2
	}
	d = time.Duration(float64(d) * (0.7 + rand.Float64()*0.6))
	return min(d, cfg.RetryMaxDelay)
}
