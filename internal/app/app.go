package app

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"secretariat/internal/channel"
	"secretariat/internal/config"
	"secretariat/internal/control"
	"secretariat/internal/eventbus"
	"secretariat/internal/fireloop"
	"secretariat/internal/observability/opsserver"
	"secretariat/internal/recovery"
	"secretariat/internal/retention"
	"secretariat/internal/runtime/supervisor"
	"secretariat/internal/storage"
	kit "secretariat/internal/transport"
	telegram "secretariat/internal/transport/telegram/adapter"
	logx "secretariat/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   *eventbus.MemBus
	store storage.Store

	router  *channel.Router
	web     *channel.WebPush
	adapter *telegram.Adapter

	control   *control.Service
	fire      *fireloop.Service
	recovery  *recovery.Reconciler
	retention *retention.Service
	ops       *opsserver.Service
	notify    *notifier

	owners  atomic.Pointer[map[int64]struct{}]
	loc     atomic.Pointer[time.Location]
	updates chan kit.Message
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error { return validate(cfg) })
	cfg, err := cfgm.Load(context.Background())
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogConfig(cfg))
	bus := eventbus.New()

	sc, _ := mapStorageConfig(cfg)
	store, err := storage.Open(sc, log)
	if err != nil {
		logSvc.Close()
		return nil, err
	}
	log.With(logx.Comp("app")).Info("storage opened", logx.String("driver", sc.Driver))

	a := &App{
		cfgm:    cfgm,
		log:     log.With(logx.Comp("app")),
		logs:    logSvc,
		bus:     bus,
		store:   store,
		notify:  newNotifier(),
		updates: make(chan kit.Message, 64),
	}
	if err := a.build(cfg, log); err != nil {
		_ = store.Close()
		logSvc.Close()
		return nil, err
	}
	a.setControl(cfg)
	return a, nil
}

// build wires the components around the opened store.
func (a *App) build(cfg *config.Config, log logx.Logger) error {
	chCfg, _ := mapChannelConfig(cfg)
	a.router = channel.NewRouter(chCfg, log.With(logx.Comp("channel")))

	if cfg.Channels.Telegram.Enabled {
		tc, _ := mapTelegramConfig(cfg)
		ad, err := telegram.New(tc, log.With(logx.Comp("telegram")))
		if err != nil {
			return err
		}
		a.adapter = ad
		a.router.Register(channel.SchemeTelegram, channel.NewTelegram(ad))
	}
	if cfg.Channels.Web.Enabled {
		wc, _ := mapWebConfig(cfg)
		a.web = channel.NewWebPush(wc, log.With(logx.Comp("channel.web")))
		a.router.Register(channel.SchemeWeb, a.web)
	}
	if cfg.Channels.Log.Enabled {
		a.router.Register(channel.SchemeLog, channel.NewLog(log.With(logx.Comp("channel.log"))))
	}
	if len(a.router.Schemes()) == 0 {
		a.log.Warn("no delivery channel enabled; every reminder will fail as unknown_channel")
	}

	a.control = control.New(a.store, log.With(logx.Comp("control")), a.bus,
		control.WithResolver(a.router))

	fc, _ := mapFireLoopConfig(cfg)
	a.fire = fireloop.New(fc, a.store, a.router, log.With(logx.Comp("fireloop")), a.bus,
		fireloop.WithFatal(func(err error) {
			if a.sup != nil {
				a.sup.Fail(err)
			}
		}))
	a.recovery = recovery.New(mapRecoveryConfig(cfg), a.store, a.fire, log.With(logx.Comp("recovery")), a.bus)

	rc, _ := mapRetentionConfig(cfg)
	a.retention = retention.New(rc, a.store, log.With(logx.Comp("retention")), a.bus)

	oc, _ := mapOpsConfig(cfg)
	deps := opsserver.Deps{
		Health: a.health,
		Tasks:  a.control.ListActive,
	}
	if a.web != nil {
		deps.Push = a.web
	}
	a.ops = opsserver.New(oc, deps, log.With(logx.Comp("opsserver")))
	return nil
}

func (a *App) setControl(cfg *config.Config) {
	owners := make(map[int64]struct{}, len(cfg.Control.OwnerUserIDs))
	for _, id := range cfg.Control.OwnerUserIDs {
		owners[id] = struct{}{}
	}
	a.owners.Store(&owners)
	a.loc.Store(loadLocation(cfg.Control.Timezone))
}

func (a *App) health() opsserver.Health {
	h := a.fire.Health()
	return opsserver.Health{
		Healthy: h.Healthy,
		Detail: map[string]any{
			"fire_loop": h,
			"snapshot":  a.fire.Snapshot(),
			"channels":  a.router.Schemes(),
		},
	}
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Start runs recovery to completion, then starts the fire loop and the
// outer surfaces. A store outage during recovery defers it to the fire loop
// instead of failing Start.
func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	a.cfgm.SetLogger(a.log.With(logx.Comp("config")))

	// Subscribe before anything publishes.
	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	if a.adapter != nil {
		if err := a.adapter.Start(a.sup.Context(), a.updates); err != nil {
			return err
		}
		a.sup.Go("commands.dispatch", func(c context.Context) error {
			return a.dispatchCommands(c, a.updates)
		})
		a.registerMenu(a.sup.Context())
	}

	// The web channel must accept connections before catch-up delivers.
	if err := a.ops.Start(a.sup.Context()); err != nil {
		return fmt.Errorf("ops server: %w", err)
	}

	if _, err := a.recovery.Startup(a.sup.Context(), time.Now()); err != nil {
		return fmt.Errorf("recovery: %w", err)
	}

	a.fire.Start(a.sup.Context())
	if err := a.retention.Start(a.sup.Context()); err != nil {
		return fmt.Errorf("retention: %w", err)
	}

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		last := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case cfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts.
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							cfg = newer
						}
					default:
						break drain
					}
				}
				a.apply(c, last, cfg)
				last = cfg
			}
		}
	})
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.notify.ready(a.log)
	a.sup.Go0("systemd.watchdog", func(c context.Context) {
		a.notify.watchdog(c, a.log, func() bool { return a.fire.Health().Healthy })
	})

	a.log.Info("app started", logx.String("channels", strings.Join(a.router.Schemes(), ",")))
	return nil
}

// apply pushes a reloaded config to the live components.
func (a *App) apply(ctx context.Context, oldCfg, cfg *config.Config) {
	ch := config.SummarizeChange(oldCfg, cfg)
	if ch.Empty() {
		a.log.Info("config reloaded (no changes)")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(ch.Sections, ","))}, ch.Attrs...)
	a.log.Debug("config change summary", fields...)
	if len(ch.Restart) > 0 {
		a.log.Warn("config changed; restart required for changes to take effect",
			logx.String("sections", strings.Join(ch.Restart, ",")))
	}

	a.logs.Apply(mapLogConfig(cfg))
	a.setControl(cfg)

	if cc, err := mapChannelConfig(cfg); err == nil {
		a.router.Apply(cc)
	}

	if fc, err := mapFireLoopConfig(cfg); err != nil {
		a.log.Warn("invalid fire_loop config; keeping previous", logx.Err(err))
	} else {
		wasEnabled := a.fire.Enabled()
		a.fire.Apply(fc)
		switch {
		case wasEnabled && !fc.Enabled:
			a.log.Info("fire loop disabled via config")
			stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			a.fire.Stop(stopCtx)
			cancel()
		case !wasEnabled && fc.Enabled:
			a.log.Info("fire loop enabled via config")
			a.fire.Start(ctx)
		}
	}

	if rc, err := mapRetentionConfig(cfg); err == nil {
		if err := a.retention.Apply(rc); err != nil {
			a.log.Warn("retention reload failed", logx.Err(err))
		}
	}

	if oc, err := mapOpsConfig(cfg); err == nil {
		if err := a.ops.Reconfigure(ctx, oc); err != nil {
			a.log.Warn("ops server reload failed", logx.Err(err))
		}
	}

	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.notify.stopping(a.log)

	// Cancel first so background loops start unwinding immediately.
	a.sup.Cancel()

	a.step(ctx, "opsserver", time.Second, func(c context.Context) error { a.ops.Stop(c); return nil })
	a.step(ctx, "retention", time.Second, func(c context.Context) error { a.retention.Stop(c); return nil })
	// In-flight deliveries get their store writes in before the store closes.
	a.step(ctx, "fireloop", 5*time.Second, func(c context.Context) error { a.fire.Stop(c); return nil })
	a.step(ctx, "adapter", 2*time.Second, func(c context.Context) error {
		if a.adapter == nil {
			return nil
		}
		return a.adapter.Stop(c)
	})
	a.step(ctx, "storage", time.Second, func(context.Context) error { return a.store.Close() })
	a.step(ctx, "supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	a.logs.Close()
	return nil
}

// step runs one shutdown step bounded by max and the caller's deadline.
// fn must honor its context; a step that overruns is logged and left behind.
func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

	if dl, ok := ctx.Deadline(); ok {
		max = min(max, time.Until(dl))
	}
	stepCtx, cancel := context.WithTimeout(ctx, max)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		took := time.Since(start)
		if took >= 500*time.Millisecond {
			a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		} else {
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Err(stepCtx.Err()),
			logx.Duration("elapsed", time.Since(start)),
		)
		go func() {
			err := <-done
			took := time.Since(start)
			if err != nil {
				a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", took))
			} else {
				a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", took))
			}
		}()
	}
}

// Admin is the store and control service without the daemon around them;
// the CLI task commands use it.
type Admin struct {
	Control  *control.Service
	Location *time.Location

	store storage.Store
}

// OpenAdmin loads the config and opens the configured store.
func OpenAdmin(cfgPath string, log logx.Logger) (*Admin, error) {
	cfgm := config.NewManager(cfgPath)
	cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error { return validate(cfg) })
	cfg, err := cfgm.Load(context.Background())
	if err != nil {
		return nil, err
	}
	sc, _ := mapStorageConfig(cfg)
	store, err := storage.Open(sc, log)
	if err != nil {
		return nil, err
	}
	return &Admin{
		Control:  control.New(store, log, eventbus.Nop{}, control.WithResolver(enabledSchemes(cfg))),
		Location: loadLocation(cfg.Control.Timezone),
		store:    store,
	}, nil
}

func (a *Admin) Close() error { return a.store.Close() }

// schemeSet resolves references against the channels enabled in config,
// for processes that do not run the handlers themselves.
type schemeSet map[string]bool

func enabledSchemes(cfg *config.Config) schemeSet {
	return schemeSet{
		channel.SchemeTelegram: cfg.Channels.Telegram.Enabled,
		channel.SchemeWeb:      cfg.Channels.Web.Enabled,
		channel.SchemeLog:      cfg.Channels.Log.Enabled,
	}
}

func (s schemeSet) Resolve(ref string) error {
	scheme, _, err := channel.ParseRef(ref)
	if err != nil {
		return err
	}
	if !s[scheme] {
		return fmt.Errorf("%w: %s", channel.ErrUnknownChannel, scheme)
	}
	return nil
}

// ownerRef is the task owner for a Telegram chat.
func ownerRef(chatID int64) string {
	return fmt.Sprintf("%s:%d", channel.SchemeTelegram, chatID)
}
