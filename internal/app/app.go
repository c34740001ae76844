// Package app wires the medication reminder daemon together: storage,
// catalog, scheduling, delivery, the chat transport and the HTTP side.
package app

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"medtime/internal/alarm"
	"medtime/internal/catalog"
	"medtime/internal/commands"
	"medtime/internal/config"
	"medtime/internal/eventbus"
	"medtime/internal/notifier"
	"medtime/internal/observability/httpd"
	"medtime/internal/observability/metrics"
	"medtime/internal/relay"
	"medtime/internal/runtime/sdnotify"
	"medtime/internal/runtime/supervisor"
	"medtime/internal/storage"
	"medtime/internal/task/engine"
	"medtime/internal/task/scheduler"
	"medtime/internal/transport"
	"medtime/internal/transport/console"
	telegram "medtime/internal/transport/telegram/adapter"
	"medtime/internal/transport/telegram/router"
	"medtime/pkg/logx"
)

// Options overrides process-level wiring, mostly for tests.
type Options struct {
	// Stdin and Stdout back the console transport. Default os.Stdin and
	// os.Stdout.
	Stdin  io.Reader
	Stdout io.Writer
}

type App struct {
	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log     logx.Logger
	logs    *logx.Service
	bus     *eventbus.Memory
	store   storage.Store
	metrics *metrics.Metrics
	sd      *sdnotify.Notifier

	adapter  transport.Adapter
	tg       *telegram.Adapter
	consoleT transport.ChatTarget

	catalog *catalog.Catalog
	engine  *engine.Service
	sched   *scheduler.Service
	notif   *notifier.Service
	relay   *relay.Relay
	ringer  *alarm.Ringer
	planner *alarm.Planner
	cmds    *commands.Handler
	router  *router.CommandManager
	http    *httpd.Server

	updates chan transport.Update
}

// New loads the config file at cfgPath and builds every component. Nothing
// runs until Start.
func New(ctx context.Context, cfgPath string, opts Options) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load(ctx)
	if err != nil {
		return nil, err
	}
	return build(ctx, cfgm, cfg, opts)
}

func build(ctx context.Context, cfgm *config.ConfigManager, cfg *config.Config, opts Options) (a *App, err error) {
	if opts.Stdin == nil {
		opts.Stdin = os.Stdin
	}
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}

	logSvc, root := logx.New(mapLogConfig(cfg))
	log := root.Component("app")
	cfgm.SetLogger(root)

	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}

	bus := eventbus.New()
	m := metrics.New()

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(sc, root.Component("storage"))
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			_ = store.Close()
		}
	}()
	log.Info("storage opened", logx.String("driver", sc.Driver))

	cat, err := catalog.Open(ctx, store, catalog.Options{SeedSamples: cfg.Catalog.SeedSamples, Log: root})
	if err != nil {
		return nil, err
	}

	a = &App{
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		store:   store,
		metrics: m,
		sd:      sdnotify.New(root),
		catalog: cat,
		updates: make(chan transport.Update, 256),
	}

	if cfg.Telegram.Enabled {
		poll, err := config.DurationOr("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
		if err != nil {
			return nil, err
		}
		tg, err := telegram.New(telegram.Config{Token: cfg.Telegram.Token, PollTimeout: poll}, root)
		if err != nil {
			return nil, err
		}
		a.adapter, a.tg = tg, tg
		if cfg.Console.Enabled {
			log.Warn("console transport ignored while telegram is enabled")
		}
	} else {
		uid := cfg.Console.UserID
		if uid == 0 && len(cfg.Telegram.OwnerUserIDs) > 0 {
			uid = cfg.Telegram.OwnerUserIDs[0]
		}
		con := console.New(console.Config{In: opts.Stdin, Out: opts.Stdout, UserID: uid, Dir: cfg.Console.ExportDir}, root)
		a.adapter, a.consoleT = con, con.Target()
	}

	engCfg, err := mapTaskEngineConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.engine = engine.New(engCfg, root, bus)
	a.engine.OnResult = m.Task

	a.sched = scheduler.New(scheduler.Config{Timezone: cfg.Timezone()}, a.engine, root)

	ncfg, err := mapNotifierConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.notif = notifier.New(ncfg, a.adapter, store, root, bus)
	a.notif.OnOutcome = m.Notification

	targets := chatTargets(cfg, a.consoleT)
	a.ringer = alarm.NewRinger(a.notif, targets, loc, bus, m, root)
	a.relay = relay.New(mapPatient(cfg), store, bus, m, root)

	acfg, err := mapAlarmConfig(cfg, loc)
	if err != nil {
		return nil, err
	}
	a.planner = alarm.NewPlanner(acfg, alarm.Deps{
		Catalog:   cat,
		Scheduler: a.sched,
		Ringer:    a.ringer,
		Relay:     a.relay,
		Store:     store,
		Bus:       bus,
		Metrics:   m,
		Log:       root,
	})

	a.cmds = commands.New(commands.Deps{
		Catalog:  cat,
		Planner:  a.planner,
		Ringer:   a.ringer,
		Store:    store,
		Location: loc,
		Log:      root,
	})
	a.router = router.NewCommandManager(root, a.adapter, router.Options{
		Owners:  cfg.Telegram.OwnerUserIDs,
		Metrics: m,
		Bus:     bus,
	})

	hcfg, err := mapHTTPConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.http = httpd.New(hcfg, httpd.Sources{
		Medications: cat.All,
		Upcoming:    a.planner.Upcoming,
		Rings:       a.ringer.Active,
		Tasks:       a.tasks,
		Health:      a.health,
		Metrics:     m.Handler(),
	}, root)

	if cfg.Telegram.Enabled && len(targets) > 0 {
		alertTo := targets[0]
		logSvc.SetAlertSink(func(ctx context.Context, text string) error {
			return a.notif.Notify(ctx, transport.Notification{Target: alertTo, Text: text})
		})
	}
	return a, nil
}

// Done is closed when the app supervisor is cancelled by a fatal error or
// Stop.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error seen by the app supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx,
		supervisor.WithLogger(a.log),
		supervisor.WithBus(a.bus),
		supervisor.WithCancelOnError(true),
	)
	c := a.sup.Context()

	if err := a.adapter.Start(c, a.updates); err != nil {
		return fmt.Errorf("start %s adapter: %w", a.adapter.Name(), err)
	}
	a.notif.Start(c)
	a.engine.Start(c)
	a.sched.Start(c)

	rep, err := a.planner.Start(c)
	if err != nil {
		return err
	}
	a.log.Info("alarms re-armed",
		logx.Int("armed", rep.Armed),
		logx.Int("cancelled", rep.Cancelled),
		logx.Int("missed", rep.Missed),
	)

	a.router.SetRegistry(c, a.cmds.Commands(), a.cmds.Callbacks())
	a.router.SetFallback(a.cmds.OnDocument)
	a.sup.Go("router.dispatch", func(c context.Context) error {
		return a.router.DispatchLoop(c, a.updates)
	})

	if err := a.http.Start(c); err != nil {
		a.log.Warn("http server not started", logx.Err(err))
	}

	a.sup.Go("eventbus.log", func(c context.Context) error {
		events, unsub := a.bus.Subscribe(128)
		defer unsub()
		for {
			select {
			case <-c.Done():
				return nil
			case e, ok := <-events:
				if !ok {
					return nil
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
		return nil
	})
	a.sup.Go("config.watch", a.cfgm.Watch)
	a.sup.Go("systemd.watchdog", a.sd.Watchdog)

	a.sd.Ready()
	a.sd.Status(fmt.Sprintf("%d alarmas armadas", rep.Armed))
	a.log.Info("app started", logx.String("transport", a.adapter.Name()))
	return nil
}

// tasks feeds /api/tasks.
func (a *App) tasks() any {
	return struct {
		Engine    engine.Snapshot  `json:"engine"`
		Schedules []scheduler.Info `json:"schedules"`
		Notifier  notifier.Stats   `json:"notifier"`
	}{a.engine.Snapshot(), a.sched.Snapshot(), a.notif.Stats()}
}

// health merges the goroutine stats of every supervisor, prefixed by owner.
func (a *App) health() []supervisor.Stats {
	sups := []struct {
		name string
		sup  *supervisor.Supervisor
	}{
		{"app", a.sup},
		{"router", a.router.Supervisor()},
		{"http", a.http.Supervisor()},
	}
	if a.tg != nil {
		sups = append(sups, struct {
			name string
			sup  *supervisor.Supervisor
		}{"telegram", a.tg.Supervisor()})
	}
	var out []supervisor.Stats
	for _, s := range sups {
		if s.sup == nil {
			continue
		}
		for _, st := range s.sup.Snapshot() {
			st.Name = s.name + "/" + st.Name
			out = append(out, st)
		}
	}
	return out
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return a.store.Close()
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sd.Stopping()
	a.sup.Cancel()

	a.step(ctx, "http", time.Second, func(c context.Context) error { a.http.Stop(c); return nil })
	a.step(ctx, "scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	a.step(ctx, "engine", 2*time.Second, func(c context.Context) error { a.engine.Stop(c); return nil })
	a.step(ctx, "notifier", time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	a.step(ctx, "adapter", 2*time.Second, a.adapter.Stop)
	a.step(ctx, "storage", time.Second, func(context.Context) error { return a.store.Close() })
	a.step(ctx, "supervisor", 2*time.Second, a.sup.Wait)

	a.log.Info("stopped")
	return a.logs.Close()
}

// step runs one shutdown step bounded by limit and by the caller's
// deadline. fn must honour its context; a step that overruns is logged and
// left to finish in the background.
func (a *App) step(ctx context.Context, name string, limit time.Duration, fn func(context.Context) error) {
	start := time.Now()
	stepCtx, cancel := context.WithTimeout(ctx, limit)
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
		if took := time.Since(start); took >= 500*time.Millisecond {
			a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Duration("elapsed", time.Since(start)),
		)
		go func() {
			if err := <-done; err != nil {
				a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err))
			}
		}()
	}
}
