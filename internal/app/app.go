// Package app wires configuration, storage, the Telegram transport and the
// scheduler core into one supervised process.
package app

import (
	"context"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/coreos/go-systemd/v22/daemon"

	"reelforge/internal/blob"
	"reelforge/internal/channels"
	"reelforge/internal/clock"
	"reelforge/internal/config"
	"reelforge/internal/eventbus"
	"reelforge/internal/httpapi"
	"reelforge/internal/ideas"
	"reelforge/internal/jobs"
	"reelforge/internal/ledger"
	"reelforge/internal/matcher"
	"reelforge/internal/notifier"
	"reelforge/internal/orchestrator"
	rtsup "reelforge/internal/runtime/supervisor"
	"reelforge/internal/storage"
	"reelforge/internal/task/engine"
	"reelforge/internal/task/scheduler"
	"reelforge/internal/transport/telegram"
	"reelforge/internal/upload"
	logx "reelforge/pkg/logx"
)

const (
	triggerName        = "run-scheduled"
	defaultArtifactDir = "./data/artifacts"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	adapter *telegram.Adapter
	engine  *engine.Service
	sched   *scheduler.Service
	notif   *notifier.Service
	http    *httpapi.Service
	orch    *orchestrator.Orchestrator
}

func New(ctx context.Context, cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	bootLog := logx.NewConsole("INFO")
	pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return nil, err
	}
	ad, err := telegram.New(telegram.Config{
		Token:        cfg.Telegram.Token,
		PollTimeout:  pollTimeout,
		WorkerChatID: cfg.Telegram.WorkerChatID,
		InboxSize:    cfg.Telegram.InboxSize,
	}, bootLog.With(logx.String("comp", "telegram")))
	if err != nil {
		return nil, err
	}

	// The Telegram log sink warns when enabled without a target, so the
	// target is set before the final config is applied.
	logCfg := mapLogging(cfg)
	bootCfg := logCfg
	bootCfg.Telegram.Enabled = false
	logSvc, root := logx.New(bootCfg, ad)
	logSvc.SetTelegramTarget(logChat(cfg), cfg.Logging.Telegram.ThreadID)
	logSvc.Apply(logCfg)
	log := root.With(logx.String("comp", "app"))
	cfgm.SetLogger(root.With(logx.String("comp", "config")))

	a := &App{cfgm: cfgm, log: log, logs: logSvc, bus: eventbus.New(), adapter: ad}
	if err := a.build(ctx, cfg, root); err != nil {
		_ = logSvc.Close()
		if a.store != nil {
			_ = a.store.Close()
		}
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context, cfg *config.Config, root logx.Logger) error {
	comp := func(name string) logx.Logger { return root.With(logx.String("comp", name)) }

	sc, err := mapStorage(cfg)
	if err != nil {
		return err
	}
	store, err := storage.Open(sc, comp("storage"))
	if err != nil {
		return err
	}
	a.store = store

	clk := clock.System{}
	chRepo := channels.NewRepo(store, mapChannelDefaults(cfg))
	led := ledger.New(store, clk)
	dir := strings.TrimSpace(cfg.Artifacts.Dir)
	if dir == "" {
		dir = defaultArtifactDir
	}
	blobs := blob.LocalFS{Root: dir}
	audit := orchestrator.NewAudit(store, clk)

	var uploader jobs.Uploader
	if cfg.Drive.Enabled {
		d, err := upload.NewDrive(ctx, upload.Config{
			ClientID:     cfg.Drive.ClientID,
			ClientSecret: cfg.Drive.ClientSecret,
			RefreshToken: cfg.Drive.RefreshToken,
			ShareLink:    true,
		}, comp("drive"))
		if err != nil {
			return err
		}
		uploader = d
	}

	mgr := jobs.NewManager(jobs.Deps{
		Store:    store,
		Channels: chRepo,
		Ledger:   led,
		Blobs:    blobs,
		Events:   audit,
		Uploader: uploader,
		Bus:      a.bus,
		Clock:    clk,
		Log:      comp("jobs"),
	}, mapJobs(cfg))
	m := matcher.New(a.adapter, led, blobs, clk, mapMatcher(cfg), comp("matcher"))
	pipe := jobs.NewPipeline(mgr, m, comp("pipeline"))

	var gen orchestrator.Generator
	if cfg.LLM.Enabled {
		timeout, err := config.ParseDurationOrDefault("llm.timeout", cfg.LLM.Timeout, time.Minute)
		if err != nil {
			return err
		}
		c, err := ideas.New(ideas.Config{
			BaseURL:  cfg.LLM.BaseURL,
			APIKey:   cfg.LLM.APIKey,
			Model:    cfg.LLM.Model,
			Timeout:  timeout,
			RetryMax: cfg.LLM.RetryMax,
			Count:    3,
		}, comp("ideas"))
		if err != nil {
			return err
		}
		gen = c
	}

	engCfg, err := mapEngine(cfg)
	if err != nil {
		return err
	}
	a.engine = engine.New(engCfg, comp("taskengine"))

	a.orch = orchestrator.New(orchestrator.Deps{
		Channels: chRepo,
		Jobs:     mgr,
		Pipeline: pipe,
		Ideas:    gen,
		Audit:    audit,
		Executor: a.engine,
		Bus:      a.bus,
		Clock:    clk,
		Log:      comp("orchestrator"),
	}, mapOrchestrator(cfg))
	a.sched = scheduler.New(mapScheduler(cfg), a.engine, comp("scheduler"))
	if err := a.registerTrigger(cfg); err != nil {
		return err
	}

	tokens := notifier.NewTokens(store)
	sinks := []notifier.Sink{notifier.NewOpsSink(a.adapter, cfg.Telegram.OwnerUserIDs)}
	if cfg.Push.Enabled {
		timeout, err := config.ParseDurationOrDefault("push.timeout", cfg.Push.Timeout, 10*time.Second)
		if err != nil {
			return err
		}
		fcm, err := notifier.NewFCM(ctx, notifier.FCMConfig{
			ProjectID:       cfg.Push.ProjectID,
			CredentialsFile: cfg.Push.CredentialsFile,
			Timeout:         timeout,
		}, comp("push"))
		if err != nil {
			return err
		}
		sinks = append(sinks, notifier.NewPushSink(fcm, tokens, comp("push")))
	}
	ncfg, err := mapNotifier(cfg)
	if err != nil {
		return err
	}
	a.notif = notifier.New(ncfg, comp("notifier"), a.bus, sinks...)

	hcfg, err := mapHTTP(cfg)
	if err != nil {
		return err
	}
	a.http = httpapi.New(hcfg, httpapi.Deps{
		Orchestrator: a.orch,
		Channels:     chRepo,
		Jobs:         mgr,
		Pipeline:     pipe,
		Executor:     a.engine,
		Tokens:       tokens,
		Log:          root,
	})
	return nil
}

// registerTrigger installs (or removes) the in-process periodic pass.
func (a *App) registerTrigger(cfg *config.Config) error {
	every := cfg.Scheduler.TriggerDuration()
	if !cfg.Scheduler.Enabled || every <= 0 {
		a.sched.Remove(triggerName)
		return nil
	}
	return a.sched.AddSchedule(triggerName, "every:"+every.String(), cfg.Scheduler.RunTimeoutDuration(), func(ctx context.Context) error {
		_, err := a.orch.RunScheduled(ctx)
		if errors.Is(err, orchestrator.ErrPassInProgress) {
			a.log.Debug("scheduled pass skipped; another pass is running")
			return nil
		}
		return err
	})
}

// Done is closed when the app supervisor context is cancelled.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error seen by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	run := a.sup.Context()

	if err := a.adapter.Start(run); err != nil {
		return err
	}
	a.engine.Start(run)
	if a.notif.Enabled() {
		a.notif.Start(run)
	}
	a.sup.Go0("notifier.watch", func(c context.Context) { a.notif.Watch(c, a.bus) })
	a.sched.Start(run)
	if a.http.Enabled() {
		a.http.Start(run)
	}

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

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
	})
	a.sup.Go("config.watch", a.cfgm.Watch)

	a.startWatchdog()
	if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		a.log.Warn("systemd notify failed", logx.Err(err))
	} else if ok {
		a.log.Debug("systemd notified ready")
	}
	a.log.Info("app started")
	return nil
}

// startWatchdog pings systemd at half the configured watchdog interval.
func (a *App) startWatchdog() {
	every, err := daemon.SdWatchdogEnabled(false)
	if err != nil || every <= 0 {
		return
	}
	a.sup.Go0("systemd.watchdog", func(c context.Context) {
		t := time.NewTicker(every / 2)
		defer t.Stop()
		for {
			select {
			case <-c.Done():
				return
			case <-t.C:
				_, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog)
			}
		}
	})
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	a.sup.Cancel()

	a.step(ctx, "scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	a.step(ctx, "http", 3*time.Second, func(c context.Context) error { a.http.Stop(c); return nil })
	a.step(ctx, "taskengine", 3*time.Second, func(c context.Context) error { a.engine.Stop(c); return nil })
	a.step(ctx, "notifier", time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	a.step(ctx, "telegram", 2*time.Second, a.adapter.Stop)
	a.step(ctx, "storage", time.Second, func(context.Context) error { return a.store.Close() })
	a.step(ctx, "supervisor", 2*time.Second, a.sup.Wait)

	a.log.Info("stopped")
	return a.logs.Close()
}

// step runs one shutdown step bounded by max and the caller's deadline. A
// step that overruns is logged and left behind.
func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	stepCtx, cancel := context.WithTimeout(ctx, max)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- errors.Newf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		go func() {
			if err := <-done; err != nil {
				a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err))
			}
		}()
	}
}
