// Package retention purges completed and cancelled tasks on a cron schedule.
package retention

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"secretariat/internal/eventbus"
	logx "secretariat/pkg/logx"
)

const DefaultSchedule = "@daily"

type Config struct {
	// Keep is how long terminal tasks are retained; 0 disables the sweeper.
	Keep     time.Duration
	Schedule string
	Timezone string
}

// Purger is the slice of the task store the sweeper needs.
type Purger interface {
	PurgeTerminal(ctx context.Context, before time.Time) (int, error)
}

type Service struct {
	mu     sync.Mutex
	cfg    Config
	store  Purger
	log    logx.Logger
	bus    eventbus.Bus
	now    func() time.Time
	parser cron.Parser
	c      *cron.Cron
	ctx    context.Context
}

// SecondOptional allows both 5-field and 6-field (with seconds) specs.
var parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ValidateSchedule reports whether spec parses; an empty spec means DefaultSchedule.
func ValidateSchedule(spec string) error {
	if strings.TrimSpace(spec) == "" {
		return nil
	}
	if _, err := parser.Parse(spec); err != nil {
		return fmt.Errorf("retention schedule %q: %w", spec, err)
	}
	return nil
}

func New(cfg Config, store Purger, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop{}
	}
	return &Service{cfg: cfg, store: store, log: log, bus: bus, now: time.Now, parser: parser}
}

func (s *Service) schedule(cfg Config) string {
	if spec := strings.TrimSpace(cfg.Schedule); spec != "" {
		return spec
	}
	return DefaultSchedule
}

// Start registers the sweep job. It is a no-op when Keep is 0 or the
// sweeper already runs.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return nil
	}
	// Kept even while disabled so Apply can enable the job later.
	s.ctx = ctx
	if s.cfg.Keep <= 0 {
		return nil
	}
	return s.startLocked()
}

func (s *Service) startLocked() error {
	loc := time.Local
	if tz := strings.TrimSpace(s.cfg.Timezone); tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return fmt.Errorf("retention timezone %q: %w", tz, err)
		}
		loc = l
	}
	c := cron.New(cron.WithParser(s.parser), cron.WithLocation(loc),
		cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	spec := s.schedule(s.cfg)
	if _, err := c.AddFunc(spec, func() { _, _ = s.Sweep(s.ctx) }); err != nil {
		return fmt.Errorf("retention schedule %q: %w", spec, err)
	}
	c.Start()
	s.c = c
	s.log.Info("service started", logx.String("schedule", spec), logx.Duration("keep", s.cfg.Keep), logx.String("tz", loc.String()))
	return nil
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.ctx = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	s.log.Info("service stopped")
}

// Apply restarts the job when the schedule changes and starts or stops it
// when Keep crosses zero.
func (s *Service) Apply(cfg Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.cfg
	s.cfg = cfg
	if s.ctx == nil {
		return nil
	}
	running := s.c != nil
	changed := s.schedule(prev) != s.schedule(cfg) || prev.Timezone != cfg.Timezone
	switch {
	case running && (cfg.Keep <= 0 || changed):
		<-s.c.Stop().Done()
		s.c = nil
		if cfg.Keep > 0 {
			return s.startLocked()
		}
	case !running && cfg.Keep > 0:
		return s.startLocked()
	}
	return nil
}

// Sweep deletes terminal tasks last updated more than Keep ago.
func (s *Service) Sweep(ctx context.Context) (int, error) {
	s.mu.Lock()
	keep := s.cfg.Keep
	s.mu.Unlock()
	if keep <= 0 {
		return 0, nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	before := s.now().Add(-keep)
	n, err := s.store.PurgeTerminal(ctx, before)
	if err != nil {
		s.log.Warn("retention sweep failed", logx.Err(err))
		return 0, err
	}
	if n > 0 {
		s.log.Info("purged terminal tasks", logx.Int("count", n), logx.Time("before", before))
		s.bus.Publish(eventbus.Event{Type: eventbus.TypeRetentionPurged, Data: n})
	} else {
		s.log.Debug("retention sweep found nothing", logx.Time("before", before))
	}
	return n, nil
}

// Next returns the next scheduled sweep, zero when stopped.
func (s *Service) Next() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c == nil {
		return time.Time{}
	}
	entries := s.c.Entries()
	if len(entries) == 0 {
		return time.Time{}
	}
	return entries[0].Next
}
