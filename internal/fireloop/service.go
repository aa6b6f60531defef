package fireloop

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"secretariat/internal/eventbus"
	rtsup "secretariat/internal/runtime/supervisor"
	"secretariat/internal/storage"
	"secretariat/internal/task"
	logx "secretariat/pkg/logx"
)

type Service struct {
	mu     sync.Mutex
	cfg    Config
	sem    chan struct{}
	sup    *rtsup.Supervisor
	store  storage.Store
	router Deliverer
	log    logx.Logger
	bus    eventbus.Bus
	now    func() time.Time
	fatal  func(error)

	// claimMu serializes Tick and CatchUp so free slots are computed by one claimer.
	claimMu  sync.Mutex
	wg       sync.WaitGroup
	inFlight atomic.Int64
	health   healthState

	ticks, claimed, delivered, retried, failed, completed, conflicts atomic.Uint64
}

type Option func(*Service)

// WithClock replaces time.Now; tests use it to pin the fire instant.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithFatal is called when the recurrence engine reports a broken invariant.
// The app wires it to its supervisor so the process stops.
func WithFatal(fn func(error)) Option {
	return func(s *Service) { s.fatal = fn }
}

func New(cfg Config, store storage.Store, router Deliverer, log logx.Logger, bus eventbus.Bus, opts ...Option) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop{}
	}
	cfg = cfg.withDefaults()
	s := &Service{
		cfg:    cfg,
		sem:    make(chan struct{}, cfg.MaxInFlight),
		store:  store,
		router: router,
		log:    log,
		bus:    bus,
		now:    time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	en := s.cfg.Enabled
	s.mu.Unlock()
	return en
}

// Apply takes effect on the next tick. Deliveries already running keep the
// timeouts they started with but count against the new MaxInFlight.
func (s *Service) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	defer s.mu.Unlock()
	if cfg.MaxInFlight != s.cfg.MaxInFlight {
		s.sem = make(chan struct{}, cfg.MaxInFlight)
	}
	s.cfg = cfg
}

func (s *Service) config() (Config, chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg, s.sem
}

// Start launches the tick loop. It is a no-op when disabled or already running.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sup != nil || !s.cfg.Enabled {
		return
	}
	s.sup = rtsup.New(ctx,
		rtsup.WithLogger(s.log),
		rtsup.WithCancelOnError(false),
	)
	s.sup.GoRestart0("fireloop.tick", s.run,
		rtsup.WithRestartBackoff(time.Second, 30*time.Second),
		rtsup.WithPublishFirstError(true),
	)
	s.log.Info("service started",
		logx.Duration("poll_interval", s.cfg.PollInterval),
		logx.Int("batch_limit", s.cfg.BatchLimit),
		logx.Int("max_in_flight", s.cfg.MaxInFlight),
	)
}

// Stop cancels the loop and in-flight deliveries, then waits for their
// store writes to finish or for ctx.
func (s *Service) Stop(ctx context.Context) {
	start := time.Now()
	s.mu.Lock()
	sup := s.sup
	s.sup = nil
	s.mu.Unlock()
	if sup == nil {
		return
	}
	s.log.Info("stop requested", logx.Int64("in_flight", s.inFlight.Load()))
	_ = sup.Stop(ctx)

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.log.Warn("stop timed out with deliveries in flight", logx.Int64("in_flight", s.inFlight.Load()))
	}
	s.log.Info("service stopped", logx.Duration("took", time.Since(start)))
}

func (s *Service) run(ctx context.Context) {
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		cfg, _ := s.config()
		if cfg.Enabled {
			s.Tick(ctx)
		}
		timer.Reset(cfg.PollInterval)
	}
}

// Tick claims what is due now and starts a delivery for each claimed task.
// It returns without waiting for the deliveries.
func (s *Service) Tick(ctx context.Context) int {
	s.claimMu.Lock()
	defer s.claimMu.Unlock()

	cfg, sem := s.config()
	now := s.now()
	s.ticks.Add(1)
	s.health.tick(now)

	limit := min(cfg.BatchLimit, s.freeSlots(cfg))
	if limit <= 0 {
		s.log.Debug("no free delivery slots, skipping claim",
			logx.Int("max_in_flight", cfg.MaxInFlight), logx.Int64("in_flight", s.inFlight.Load()))
		return 0
	}
	tasks, err := s.store.ClaimDue(ctx, now, limit)
	if err != nil {
		if ctx.Err() == nil {
			s.storeFailed(now, err)
		}
		return 0
	}
	s.storeOK(now)
	if len(tasks) == 0 {
		return 0
	}
	s.claimed.Add(uint64(len(tasks)))
	s.log.Debug("claimed due tasks", logx.Int("count", len(tasks)), logx.Int("limit", limit))
	for _, t := range tasks {
		sem <- struct{}{}
		s.dispatch(ctx, cfg, sem, t, nil)
	}
	return len(tasks)
}

// freeSlots is measured against every running delivery, including those
// holding a slot of a semaphore that Apply has since replaced.
func (s *Service) freeSlots(cfg Config) int {
	return cfg.MaxInFlight - int(s.inFlight.Load())
}

// CatchUp claims everything due at now and waits until each claimed task
// has had exactly one delivery attempt. Used once at startup by recovery.
func (s *Service) CatchUp(ctx context.Context, now time.Time) (CatchUpReport, error) {
	s.claimMu.Lock()
	defer s.claimMu.Unlock()

	cfg, sem := s.config()
	var (
		rep CatchUpReport
		mu  sync.Mutex
		wg  sync.WaitGroup
	)
	done := func(r result) {
		mu.Lock()
		switch r {
		case resultDelivered:
			rep.Delivered++
		case resultRetried:
			rep.Retried++
		case resultFailed:
			rep.Failed++
		}
		mu.Unlock()
		wg.Done()
	}

	// Collect every claim before dispatching: a task released by an early
	// delivery would otherwise be due again for the next batch.
	var (
		due []*task.Task
		err error
	)
	for {
		batch, cerr := s.store.ClaimDue(ctx, now, cfg.BatchLimit)
		if cerr != nil {
			if ctx.Err() == nil {
				s.storeFailed(s.now(), cerr)
			}
			err = cerr
			break
		}
		s.storeOK(s.now())
		due = append(due, batch...)
		if len(batch) < cfg.BatchLimit {
			break
		}
	}
	rep.Claimed = len(due)
	s.claimed.Add(uint64(len(due)))

dispatch:
	for i, t := range due {
		select {
		case sem <- struct{}{}:
			wg.Add(1)
			s.dispatch(ctx, cfg, sem, t, done)
		case <-ctx.Done():
			// Unsent claims lapse with the lease.
			s.log.Warn("catch-up interrupted", logx.Int("pending", len(due)-i))
			err = ctx.Err()
			break dispatch
		}
	}
	wg.Wait()
	return rep, err
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	cfg := s.cfg
	running := s.sup != nil
	s.mu.Unlock()
	return Snapshot{
		Enabled:      cfg.Enabled,
		Running:      running,
		PollInterval: cfg.PollInterval,
		InFlight:     int(s.inFlight.Load()),
		MaxInFlight:  cfg.MaxInFlight,
		Ticks:        s.ticks.Load(),
		Claimed:      s.claimed.Load(),
		Delivered:    s.delivered.Load(),
		Retried:      s.retried.Load(),
		Failed:       s.failed.Load(),
		Completed:    s.completed.Load(),
		Conflicts:    s.conflicts.Load(),
		Health:       s.Health(),
	}
}
