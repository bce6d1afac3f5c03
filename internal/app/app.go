// Package app wires the config, logging, storage, forum link, module host and
// status endpoint into one process.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"errorbot/internal/config"
	"errorbot/internal/eventbus"
	"errorbot/internal/forum"
	"errorbot/internal/host"
	"errorbot/internal/runtime/supervisor"
	"errorbot/internal/status"
	"errorbot/internal/storage"
	"errorbot/internal/task/retry"
	logx "errorbot/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	forum *forum.SocketClient
	host  *host.Host
	rt    config.Runtime
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	rt, err := cfg.Runtime.Resolve()
	if err != nil {
		return nil, err
	}
	fc, err := mapForumConfig(cfg)
	if err != nil {
		return nil, err
	}

	// Forum logging stays off until the client is installed as the sink.
	logCfg := mapLogConfig(cfg)
	bootCfg := logCfg
	bootCfg.Forum.Enabled = false
	logSvc, log := logx.New(bootCfg)

	bus := eventbus.New()
	client := forum.NewSocketClient(fc, log.With(logx.String("comp", "forum")), bus)
	logSvc.SetSink(client)
	logSvc.Apply(logCfg)

	var store storage.Store
	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		_ = logSvc.Close()
		return nil, err
	} else if enabled {
		st, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
		if err != nil {
			_ = logSvc.Close()
			return nil, err
		}
		store = st
		log.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	h := host.New(host.Deps{
		Log:   log,
		Bus:   bus,
		Forum: client,
		Store: store,
	})

	return &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log.With(logx.String("comp", "app")),
		logs:    logSvc,
		bus:     bus,
		store:   store,
		forum:   client,
		host:    h,
		rt:      rt,
	}, nil
}

// Modules returns the module host so callers can register modules before Start.
func (a *App) Modules() *host.Host { return a.host }

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

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	// Reloads are validated as a whole before they are committed.
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if err := config.Validate(cfg); err != nil {
			return err
		}
		if _, _, err := mapStorageConfig(cfg); err != nil {
			return err
		}
		return a.host.ValidateConfig(cfg.Modules)
	})

	cfg := a.cfgm.Get()
	if err := a.host.ValidateConfig(cfg.Modules); err != nil {
		return fmt.Errorf("modules: %w", err)
	}

	a.sup.GoRestart("forum", a.forum.Run, supervisor.RestartPolicy{
		Backoff:            retry.Policy{Base: time.Second, Max: time.Minute, Jitter: retry.DefaultJitter},
		RestartOnCleanExit: true,
	})

	if err := a.host.Start(a.sup.Context(), host.Settings{Runtime: a.rt, Modules: cfg.Modules}); err != nil {
		return err
	}

	if cfg.Status.Enabled {
		srv := status.New(cfg.Status.Addr, a.host,
			status.WithLogger(a.log.With(logx.String("comp", "status"))),
			status.WithForum(a.forum.Connected),
			status.WithLoops(a.sup.Snapshot),
			status.WithPprof(cfg.Status.Pprof),
		)
		a.sup.GoRestart("status", srv.Run, supervisor.RestartPolicy{MaxRestarts: 5})
	}

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go("eventbus.log", func(c context.Context) error {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return nil
			case e, ok := <-events:
				if !ok {
					return nil
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.String("source", e.Source), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return nil
			case newCfg, ok := <-sub:
				if !ok {
					return nil
				}
				// Only the latest pending config matters.
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						break drain
					}
				}
				a.applyConfig(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", a.cfgm.Watch)

	a.log.Info("app started", logx.Any("modules", a.host.Names()))
	return nil
}

func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs, modules := config.SummarizeChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Debug("config change summary", fields...)

	for _, s := range sections {
		switch s {
		case "forum", "storage", "runtime", "status":
			a.log.Warn(s + " config changed; restart required for changes to take effect")
		}
	}

	a.logs.Apply(mapLogConfig(newCfg))

	if len(modules) > 0 {
		a.log.Debug("module config changes detected", logx.Any("modules", modules))
		err := a.host.Reload(ctx, host.Settings{Runtime: a.rt, Modules: newCfg.Modules}, modules)
		if err != nil {
			a.log.Warn("module reload failed", logx.Any("err", err))
		}
	}
	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	var errs []error
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		if err := a.step(ctx, name, max, fn); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}

	// Modules first while the forum link is still up. Each module cancels its
	// loops, waits for its in-flight action and serial item, then drops what is
	// still queued.
	step("modules", a.rt.StopTimeout, a.host.Stop)
	step("supervisor", 3*time.Second, a.sup.Stop)
	step("storage", time.Second, func(context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return errors.Join(errs...)
}

// step runs fn bounded by max and the caller's deadline. A step that
// overruns is logged and left running.
func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) error {
	start := time.Now()
	stepCtx, cancel := ctx, context.CancelFunc(func() {})
	if max > 0 {
		stepCtx, cancel = context.WithTimeout(ctx, max)
	}
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
		took := time.Since(start)
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Any("err", err))
		} else if took >= 500*time.Millisecond {
			a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		} else {
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
		return err
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		go func() {
			if err := <-done; err != nil {
				a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Any("err", err))
			}
		}()
		return stepCtx.Err()
	}
}
