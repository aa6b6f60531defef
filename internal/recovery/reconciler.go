// Package recovery brings the store back to a consistent, current state
// after the process was down.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"secretariat/internal/eventbus"
	"secretariat/internal/fireloop"
	"secretariat/internal/recurrence"
	"secretariat/internal/storage"
	"secretariat/internal/task"
	logx "secretariat/pkg/logx"
)

// maxMissedCount caps the per-task scan for logging missed occurrences.
const maxMissedCount = 10000

// CatchUpper drains everything due; the fire loop implements it.
type CatchUpper interface {
	CatchUp(ctx context.Context, now time.Time) (fireloop.CatchUpReport, error)
}

type Config struct {
	// SkipCatchUp leaves overdue tasks to the first regular tick.
	SkipCatchUp bool
}

type Report struct {
	ExpiredClaims     int                    `json:"expired_claims"`
	RepairedRows      int                    `json:"repaired_rows"`
	Rescheduled       int                    `json:"rescheduled"`
	CompletedBroken   int                    `json:"completed_broken"`
	OverdueTasks      int                    `json:"overdue_tasks"`
	MissedOccurrences int                    `json:"missed_occurrences"`
	CatchUp           fireloop.CatchUpReport `json:"catch_up"`
	Took              time.Duration          `json:"took"`
	// Deferred is set by Startup when the store was unreachable.
	Deferred bool `json:"deferred,omitempty"`
}

type Reconciler struct {
	cfg   Config
	store storage.Store
	fire  CatchUpper
	log   logx.Logger
	bus   eventbus.Bus
}

func New(cfg Config, store storage.Store, fire CatchUpper, log logx.Logger, bus eventbus.Bus) *Reconciler {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop{}
	}
	return &Reconciler{cfg: cfg, store: store, fire: fire, log: log, bus: bus}
}

// Run must be called once, before the fire loop starts. With a single
// instance any claim present at startup belongs to a dead process.
//
// Each overdue task receives one delivery; its next fire time is computed
// from the recovery instant, so a backlog is never replayed.
func (r *Reconciler) Run(ctx context.Context, now time.Time) (Report, error) {
	start := time.Now()
	var rep Report

	n, err := r.store.ExpireClaims(ctx, now)
	if err != nil {
		return rep, fmt.Errorf("expire claims: %w", err)
	}
	rep.ExpiredClaims = n

	if rep.RepairedRows, err = r.store.Repair(ctx, now); err != nil {
		return rep, fmt.Errorf("repair: %w", err)
	}
	if err := r.fixBroken(ctx, now, &rep); err != nil {
		return rep, err
	}
	if err := r.countOverdue(ctx, now, &rep); err != nil {
		return rep, err
	}

	if !r.cfg.SkipCatchUp && r.fire != nil && rep.OverdueTasks > 0 {
		cu, err := r.fire.CatchUp(ctx, now)
		rep.CatchUp = cu
		if err != nil {
			return rep, fmt.Errorf("catch up: %w", err)
		}
	}

	rep.Took = time.Since(start)
	r.log.Info("recovery completed",
		logx.Int("expired_claims", rep.ExpiredClaims),
		logx.Int("repaired", rep.RepairedRows+rep.Rescheduled+rep.CompletedBroken),
		logx.Int("overdue", rep.OverdueTasks),
		logx.Int("missed", rep.MissedOccurrences),
		logx.Int("delivered", rep.CatchUp.Delivered),
		logx.Int("retried", rep.CatchUp.Retried),
		logx.Int("failed", rep.CatchUp.Failed),
		logx.Duration("took", rep.Took),
	)
	r.bus.Publish(eventbus.Event{Type: eventbus.TypeRecoveryCompleted, Data: rep})
	return rep, nil
}

// Startup runs recovery for a starting process. A store outage is not fatal:
// the run is abandoned and reported as recovery.deferred, and the fire loop
// takes over. Its lease expiry frees stale claims and its first successful
// claim gives every overdue task its single delivery.
func (r *Reconciler) Startup(ctx context.Context, now time.Time) (Report, error) {
	rep, err := r.Run(ctx, now)
	if err == nil || !errors.Is(err, task.ErrStoreUnavailable) {
		return rep, err
	}
	rep.Deferred = true
	r.log.Warn("store unavailable, recovery deferred to the fire loop", logx.Err(err))
	r.bus.Publish(eventbus.Event{
		Type: eventbus.TypeRecoveryDeferred,
		Data: eventbus.StoreEvent{Since: now, Error: err.Error()},
	})
	return rep, nil
}

// fixBroken gives active rows without a next fire time a fresh one, or
// completes them when the rule has nothing left.
func (r *Reconciler) fixBroken(ctx context.Context, now time.Time, rep *Report) error {
	broken, err := r.store.ListBroken(ctx)
	if err != nil {
		return fmt.Errorf("list broken: %w", err)
	}
	for _, t := range broken {
		next, ok := recurrence.NextForTask(t.Rule, now, t.OccurrencesFired)
		if ok {
			err = r.store.UpsertStatus(ctx, t.ID, task.StatusActive, &next)
			rep.Rescheduled++
		} else {
			err = r.store.UpsertStatus(ctx, t.ID, task.StatusCompleted, nil)
			rep.CompletedBroken++
		}
		if err != nil {
			return fmt.Errorf("fix task %s: %w", t.ID, err)
		}
		r.log.Warn("repaired task without next fire time",
			logx.TaskID(t.ID), logx.Bool("completed", !ok))
	}
	return nil
}

func (r *Reconciler) countOverdue(ctx context.Context, now time.Time, rep *Report) error {
	tasks, err := r.store.ListActive(ctx, "")
	if err != nil {
		return fmt.Errorf("list active: %w", err)
	}
	for _, t := range tasks {
		if t.Status != task.StatusActive || t.NextFireAt == nil || t.NextFireAt.After(now) {
			continue
		}
		rep.OverdueTasks++
		// The stored occurrence plus whatever the rule produced since.
		missed := 1 + recurrence.CountBetween(t.Rule, *t.NextFireAt, now, maxMissedCount)
		rep.MissedOccurrences += missed
		r.log.Debug("overdue task",
			logx.TaskID(t.ID), logx.Time("due", *t.NextFireAt), logx.Int("missed", missed))
	}
	return nil
}
