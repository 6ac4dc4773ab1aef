package app

import (
	"context"

	"reelforge/internal/config"
	logx "reelforge/pkg/logx"
)

// reloadLoop applies committed config changes to the live components.
// Components built once at startup are only reported.
func (a *App) reloadLoop(ctx context.Context, sub <-chan *config.Config) {
	prev := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case next, ok := <-sub:
			if !ok {
				return
			}
			a.apply(ctx, prev, next)
			prev = next
		}
	}
}

func (a *App) apply(ctx context.Context, prev, next *config.Config) {
	changed, fields := config.SummarizeConfigChange(prev, next)
	if len(changed) == 0 {
		return
	}
	a.log.Info("config changed", fields...)

	a.logs.SetTelegramTarget(logChat(next), next.Logging.Telegram.ThreadID)
	a.logs.Apply(mapLogging(next))

	if ecfg, err := mapEngine(next); err != nil {
		a.log.Warn("task engine config rejected", logx.Err(err))
	} else {
		a.engine.Apply(ctx, ecfg)
	}

	a.sched.Apply(mapScheduler(next))
	if err := a.registerTrigger(next); err != nil {
		a.log.Warn("scheduled trigger not updated", logx.Err(err))
	}

	if ncfg, err := mapNotifier(next); err != nil {
		a.log.Warn("notifier config rejected", logx.Err(err))
	} else {
		a.notif.Apply(ncfg)
		if a.notif.Enabled() {
			a.notif.Start(ctx)
		}
	}

	if hcfg, err := mapHTTP(next); err != nil {
		a.log.Warn("http config rejected", logx.Err(err))
	} else {
		a.http.Apply(ctx, hcfg)
	}

	if keys := config.RequiresRestart(prev, next); len(keys) > 0 {
		a.log.Warn("config change needs a restart to take effect", logx.Any("keys", keys))
	}
}
