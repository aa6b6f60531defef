package fireloop

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"secretariat/internal/channel"
	"secretariat/internal/eventbus"
	"secretariat/internal/recurrence"
	"secretariat/internal/storage"
	"secretariat/internal/task"
	logx "secretariat/pkg/logx"
)

type result int

const (
	resultSkipped result = iota
	resultDelivered
	resultRetried
	resultFailed
)

// dispatch runs one delivery in its own goroutine. The caller has already
// taken a slot in sem; it is returned when the goroutine ends.
func (s *Service) dispatch(ctx context.Context, cfg Config, sem chan struct{}, t *task.Task, done func(result)) {
	s.wg.Add(1)
	s.inFlight.Add(1)
	go func() {
		out := resultSkipped
		defer func() {
			<-sem
			s.inFlight.Add(-1)
			s.wg.Done()
			if done != nil {
				done(out)
			}
		}()
		defer s.recoverDispatch(ctx, cfg, t)
		out = s.fire(ctx, cfg, t)
	}()
}

func (s *Service) recoverDispatch(ctx context.Context, cfg Config, t *task.Task) {
	r := recover()
	if r == nil {
		return
	}
	var ie *recurrence.InvariantError
	if err, ok := r.(error); ok && errors.As(err, &ie) {
		s.log.Error("recurrence invariant violated", logx.TaskID(t.ID), logx.Err(ie))
		if s.fatal != nil {
			s.fatal(ie)
		}
		return
	}
	s.log.Error("delivery panicked",
		logx.TaskID(t.ID), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.StoreTimeout)
	defer cancel()
	_ = s.store.Release(wctx, storage.ClaimOf(t), fmt.Errorf("panic: %v", r))
}

// fire delivers t and records the outcome in the store.
func (s *Service) fire(ctx context.Context, cfg Config, t *task.Task) result {
	dctx, cancel := context.WithTimeout(ctx, cfg.DeliveryTimeout)
	res := s.router.Deliver(dctx, t)
	cancel()

	// Store writes outlive a shutdown so the claim is always resolved.
	wctx, wcancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.StoreTimeout)
	defer wcancel()
	log := s.log.With(logx.TaskID(t.ID), logx.String("channel", t.ChannelRef))

	switch res.Outcome {
	case channel.OutcomeDelivered:
		return s.advance(wctx, log, t, res)
	case channel.OutcomeTransient:
		if t.DeliveryAttempts+1 >= cfg.MaxAttempts {
			return s.markFailed(wctx, log, t, res)
		}
		return s.release(wctx, log, cfg, t, res)
	default:
		return s.markFailed(wctx, log, t, res)
	}
}

func (s *Service) advance(ctx context.Context, log logx.Logger, t *task.Task, res channel.Result) result {
	firedAt := s.now()
	var next *time.Time
	if n, ok := recurrence.NextForTask(t.Rule, firedAt, t.OccurrencesFired+1); ok {
		next = &n
	}
	if err := s.store.Advance(ctx, storage.ClaimOf(t), next, firedAt); err != nil {
		return s.writeFailed(log, "advance", err)
	}
	s.delivered.Add(1)
	log.Info("reminder delivered",
		logx.Int("attempts", res.Attempts),
		logx.Bool("duplicate", res.Duplicate),
		logx.Duration("took", res.Took),
		logx.TimePtr("next_fire_at", next),
	)
	s.publish(eventbus.TypeTaskFired, t, task.StatusActive, next, nil)

	if next == nil {
		// A pause or cancel may have landed during delivery; report what the store kept.
		status := task.StatusCompleted
		if cur, err := s.store.Get(ctx, t.ID); err == nil {
			status = cur.Status
		}
		if status == task.StatusCompleted {
			s.completed.Add(1)
			log.Info("task completed", logx.Int("occurrences", t.OccurrencesFired+1))
			s.publish(eventbus.TypeTaskCompleted, t, status, nil, nil)
		}
	}
	return resultDelivered
}

func (s *Service) release(ctx context.Context, log logx.Logger, cfg Config, t *task.Task, res channel.Result) result {
	if err := s.store.Release(ctx, storage.ClaimOf(t), res.Err); err != nil {
		return s.writeFailed(log, "release", err)
	}
	s.retried.Add(1)
	attempts := t.DeliveryAttempts + 1
	log.Warn("delivery failed, will retry",
		logx.Int("attempt", attempts), logx.Int("max_attempts", cfg.MaxAttempts), logx.Err(res.Err))
	ev := s.taskEvent(t, task.StatusActive, t.NextFireAt, res.Err)
	ev.Attempts = attempts
	s.bus.Publish(eventbus.Event{Type: eventbus.TypeTaskRetry, Data: ev})
	return resultRetried
}

func (s *Service) markFailed(ctx context.Context, log logx.Logger, t *task.Task, res channel.Result) result {
	if err := s.store.MarkFailed(ctx, storage.ClaimOf(t), res.Err); err != nil {
		return s.writeFailed(log, "mark failed", err)
	}
	s.failed.Add(1)
	log.Error("delivery failed, task parked",
		logx.String("outcome", string(res.Outcome)),
		logx.Int("attempts", t.DeliveryAttempts+1),
		logx.Err(res.Err),
	)
	ev := s.taskEvent(t, task.StatusDeliveryFailed, nil, res.Err)
	ev.Attempts = t.DeliveryAttempts + 1
	s.bus.Publish(eventbus.Event{Type: eventbus.TypeTaskFailed, Data: ev})
	return resultFailed
}

// writeFailed handles an error from the store write that resolves a claim.
func (s *Service) writeFailed(log logx.Logger, op string, err error) result {
	switch {
	case errors.Is(err, task.ErrClaimConflict), errors.Is(err, task.ErrNotFound):
		s.conflicts.Add(1)
		log.Debug("claim no longer held, skipping", logx.String("op", op), logx.Err(err))
	case errors.Is(err, task.ErrStoreUnavailable):
		// The claim stays; the lease lets another tick retry after the outage.
		s.storeFailed(s.now(), err)
		log.Warn("store write failed", logx.String("op", op), logx.Err(err))
	default:
		log.Error("store write failed", logx.String("op", op), logx.Err(err))
	}
	return resultSkipped
}

func (s *Service) taskEvent(t *task.Task, status task.Status, next *time.Time, err error) eventbus.TaskEvent {
	ev := eventbus.TaskEvent{
		TaskID:     t.ID,
		OwnerRef:   t.OwnerRef,
		ChannelRef: t.ChannelRef,
		Status:     string(status),
		NextFireAt: next,
	}
	if err != nil {
		ev.Error = err.Error()
	}
	return ev
}

func (s *Service) publish(typ string, t *task.Task, status task.Status, next *time.Time, err error) {
	s.bus.Publish(eventbus.Event{Type: typ, Data: s.taskEvent(t, status, next, err)})
}
