// Package control implements the operator and owner actions on tasks:
// create, pause, resume, cancel, list and preview. The CLI and the Telegram
// owner commands are thin shells over it.
package control

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"secretariat/internal/eventbus"
	"secretariat/internal/recurrence"
	"secretariat/internal/storage"
	"secretariat/internal/task"
	logx "secretariat/pkg/logx"
)

// ErrRuleExhausted is returned by Resume when the rule has no occurrence left.
var ErrRuleExhausted = errors.New("rule has no further occurrences")

// Resolver checks that a channel reference names a registered handler.
type Resolver interface {
	Resolve(ref string) error
}

// Request is the structured input produced by the language front end.
type Request struct {
	OwnerRef    string          `json:"owner_ref"`
	Description string          `json:"description"`
	Rule        recurrence.Rule `json:"rule"`
	ChannelRef  string          `json:"channel_ref"`
	Interactive bool            `json:"interactive,omitempty"`
}

type Service struct {
	store    storage.Store
	resolver Resolver
	log      logx.Logger
	bus      eventbus.Bus
	now      func() time.Time
}

type Option func(*Service)

func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithResolver enables the channel check on Create.
func WithResolver(r Resolver) Option {
	return func(s *Service) { s.resolver = r }
}

func New(store storage.Store, log logx.Logger, bus eventbus.Bus, opts ...Option) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop{}
	}
	s := &Service{store: store, log: log, bus: bus, now: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Create validates req and persists an active task whose first fire time is
// the first occurrence at or after the rule's start.
func (s *Service) Create(ctx context.Context, req Request) (*task.Task, error) {
	t := &task.Task{
		OwnerRef:    strings.TrimSpace(req.OwnerRef),
		Description: strings.TrimSpace(req.Description),
		Rule:        req.Rule,
		ChannelRef:  strings.TrimSpace(req.ChannelRef),
		Interactive: req.Interactive,
		Status:      task.StatusActive,
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	if s.resolver != nil {
		if err := s.resolver.Resolve(t.ChannelRef); err != nil {
			return nil, &task.ValidationError{Field: "channel_ref", Reason: err.Error()}
		}
	}
	first, ok := recurrence.First(t.Rule)
	if !ok {
		return nil, &task.ValidationError{Field: "rule", Reason: "has no occurrence"}
	}
	t.NextFireAt = &first

	id, err := s.store.Create(ctx, t)
	if err != nil {
		return nil, err
	}
	created, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	s.log.Info("task created",
		logx.TaskID(id),
		logx.String("owner", created.OwnerRef),
		logx.String("rule", created.Rule.Describe()),
		logx.TimePtr("next_fire_at", created.NextFireAt),
	)
	s.publish(eventbus.TypeTaskCreated, created)
	return created, nil
}

func (s *Service) Get(ctx context.Context, id string) (*task.Task, error) {
	return s.store.Get(ctx, id)
}

func (s *Service) ListActive(ctx context.Context, ownerRef string) ([]*task.Task, error) {
	return s.store.ListActive(ctx, strings.TrimSpace(ownerRef))
}

func (s *Service) Pause(ctx context.Context, id string) (*task.Task, error) {
	return s.setStatus(ctx, id, task.StatusPaused, nil)
}

func (s *Service) Cancel(ctx context.Context, id string) (*task.Task, error) {
	return s.setStatus(ctx, id, task.StatusCancelled, nil)
}

// Resume reactivates a paused or failed task. The next fire time is the
// first occurrence after now; missed occurrences are not delivered.
// Resuming an active task is a no-op.
func (s *Service) Resume(ctx context.Context, id string) (*task.Task, error) {
	t, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.Status == task.StatusActive {
		return t, nil
	}
	if !task.CanTransition(t.Status, task.StatusActive) {
		return nil, &task.TransitionError{ID: id, From: t.Status, To: task.StatusActive}
	}
	next, ok := recurrence.NextForTask(t.Rule, s.now(), t.OccurrencesFired)
	if !ok {
		return nil, fmt.Errorf("resume %s: %w", id, ErrRuleExhausted)
	}
	return s.setStatus(ctx, id, task.StatusActive, &next)
}

func (s *Service) setStatus(ctx context.Context, id string, status task.Status, next *time.Time) (*task.Task, error) {
	if err := s.store.UpsertStatus(ctx, id, status, next); err != nil {
		return nil, err
	}
	t, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	s.log.Info("task status changed",
		logx.TaskID(id), logx.String("status", string(status)), logx.TimePtr("next_fire_at", t.NextFireAt))
	s.publish(eventbus.TypeTaskStatus, t)
	return t, nil
}

// Preview lists up to n upcoming fire times. For an active task the list
// starts at its stored next fire time; for a paused or failed one it shows
// what a resume now would schedule.
func (s *Service) Preview(ctx context.Context, id string, n int) ([]time.Time, error) {
	t, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if n <= 0 || t.Status.Terminal() {
		return nil, nil
	}
	if t.Status == task.StatusActive && t.NextFireAt != nil {
		out := []time.Time{*t.NextFireAt}
		return append(out, recurrence.Preview(t.Rule, *t.NextFireAt, t.OccurrencesFired+1, n-1)...), nil
	}
	return recurrence.Preview(t.Rule, s.now(), t.OccurrencesFired, n), nil
}

func (s *Service) publish(typ string, t *task.Task) {
	s.bus.Publish(eventbus.Event{Type: typ, Data: eventbus.TaskEvent{
		TaskID:     t.ID,
		OwnerRef:   t.OwnerRef,
		ChannelRef: t.ChannelRef,
		Status:     string(t.Status),
		NextFireAt: t.NextFireAt,
	}})
}
