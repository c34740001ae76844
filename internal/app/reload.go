package app

import (
	"context"
	"strings"

	"medtime/internal/config"
	"medtime/internal/eventbus"
	"medtime/internal/task/scheduler"
	"medtime/pkg/logx"
)

// reloadLoop applies every published config until ctx is done. Bursts are
// coalesced so only the newest config is applied.
func (a *App) reloadLoop(ctx context.Context, sub <-chan *config.Config) {
	last := a.cfgm.Get()
	for {
		var next *config.Config
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-sub:
			if !ok {
				return
			}
			next = cfg
		}
	drain:
		for {
			select {
			case newer := <-sub:
				if newer != nil {
					next = newer
				}
			default:
				break drain
			}
		}
		a.applyConfig(ctx, last, next)
		last = next
	}
}

// applyConfig pushes newCfg into the running components. Storage, the
// Telegram token and catalog seeding only take effect after a restart.
func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}

	a.logs.Apply(mapLogConfig(newCfg))

	if config.Changed(sections, "storage") || config.Changed(sections, "catalog") ||
		(oldCfg != nil && (oldCfg.Telegram.Enabled != newCfg.Telegram.Enabled || oldCfg.Telegram.Token != newCfg.Telegram.Token)) {
		a.log.Warn("storage, catalog or transport changes need a restart to take effect")
	}

	loc, err := newCfg.Location()
	if err != nil {
		a.log.Warn("invalid timezone; keeping previous", logx.Err(err))
		loc = nil
	}

	a.router.SetOwners(newCfg.Telegram.OwnerUserIDs)
	a.relay.SetPatient(mapPatient(newCfg))
	if loc != nil {
		a.ringer.SetTargets(chatTargets(newCfg, a.consoleT), loc)
		a.cmds.SetLocation(loc)
		a.sched.Apply(ctx, scheduler.Config{Timezone: newCfg.Timezone()})
	}

	if ec, err := mapTaskEngineConfig(newCfg); err != nil {
		a.log.Warn("invalid task_engine config; keeping previous", logx.Err(err))
	} else {
		a.engine.Apply(ctx, ec)
	}
	if nc, err := mapNotifierConfig(newCfg); err != nil {
		a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
	} else {
		a.notif.Apply(nc)
	}
	if hc, err := mapHTTPConfig(newCfg); err != nil {
		a.log.Warn("invalid http config; keeping previous", logx.Err(err))
	} else if err := a.http.Reconfigure(ctx, hc); err != nil {
		a.log.Warn("http reconfigure failed", logx.Err(err))
	}

	// Alarm settings or a zone change move every pending alarm.
	if loc != nil && (config.Changed(sections, "alarm") || config.Changed(sections, "scheduler") || config.Changed(sections, "patient")) {
		if ac, err := mapAlarmConfig(newCfg, loc); err != nil {
			a.log.Warn("invalid alarm config; keeping previous", logx.Err(err))
		} else if rep, err := a.planner.Apply(ctx, ac); err != nil {
			a.log.Warn("re-arm after reload failed", logx.Err(err))
		} else {
			a.log.Info("alarms re-armed", logx.Int("armed", rep.Armed), logx.Int("missed", rep.Missed))
		}
	}

	a.bus.Publish(eventbus.Event{Type: eventbus.ConfigReloaded, Data: sections})
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}
