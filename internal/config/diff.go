package config

import (
	"reflect"
	"strings"

	"medtime/pkg/logx"
)

// SummarizeConfigChange lists the sections that differ between oldCfg and
// newCfg, plus log fields describing the new values. Secrets are reported
// only as "set" flags.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 16)

	o, n := oldCfg.Telegram, newCfg.Telegram
	if o.Enabled != n.Enabled || o.Token != n.Token || strings.TrimSpace(o.PollTimeout) != strings.TrimSpace(n.PollTimeout) ||
		!reflect.DeepEqual(o.ChatIDs, n.ChatIDs) || !reflect.DeepEqual(o.OwnerUserIDs, n.OwnerUserIDs) {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.Bool("telegram.enabled", n.Enabled),
			logx.Bool("telegram.token_changed", o.Token != n.Token),
			logx.Int("telegram.chats", len(n.ChatIDs)),
			logx.Int("telegram.owners", len(n.OwnerUserIDs)),
		)
	}
	if oldCfg.Console != newCfg.Console {
		changed = append(changed, "console")
		attrs = append(attrs, logx.Bool("console.enabled", newCfg.Console.Enabled))
	}
	if oldCfg.Patient != newCfg.Patient {
		changed = append(changed, "patient")
		attrs = append(attrs,
			logx.Bool("patient.uid_set", strings.TrimSpace(newCfg.Patient.UID) != ""),
			logx.String("patient.timezone", newCfg.Patient.Timezone),
		)
	}
	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.file", newCfg.Logging.File.Enabled),
			logx.Bool("logging.alerts", newCfg.Logging.Alerts.Enabled),
		)
	}
	if oldCfg.HTTP != newCfg.HTTP {
		changed = append(changed, "http")
		attrs = append(attrs,
			logx.Bool("http.enabled", newCfg.HTTP.Enabled),
			logx.String("http.addr", newCfg.HTTP.Addr),
			logx.Bool("http.token_set", newCfg.HTTP.Token != ""),
		)
	}
	if oldCfg.Scheduler != newCfg.Scheduler {
		changed = append(changed, "scheduler")
		attrs = append(attrs, logx.String("scheduler.timezone", newCfg.Scheduler.Timezone))
	}
	if oldCfg.TaskEngine != newCfg.TaskEngine {
		changed = append(changed, "task_engine")
		attrs = append(attrs,
			logx.Int("task_engine.workers", newCfg.TaskEngine.Workers),
			logx.Int("task_engine.queue_size", newCfg.TaskEngine.QueueSize),
		)
	}
	if oldCfg.Notifier != newCfg.Notifier {
		changed = append(changed, "notifier")
		attrs = append(attrs,
			logx.Int("notifier.workers", newCfg.Notifier.Workers),
			logx.Any("notifier.rate_per_sec", newCfg.Notifier.RatePerSec),
		)
	}
	if oldCfg.Storage != newCfg.Storage {
		// Needs a restart; reported so the operator knows it was ignored.
		changed = append(changed, "storage")
		attrs = append(attrs, logx.String("storage.driver", newCfg.Storage.Driver))
	}
	oa, na := oldCfg.Alarm, newCfg.Alarm
	if oa.ExactEnabled() != na.ExactEnabled() || oa.Sweep != na.Sweep || oa.Snooze != na.Snooze ||
		oa.TestDelay != na.TestDelay || oa.StaleGrace != na.StaleGrace || oa.FireTimeout != na.FireTimeout {
		changed = append(changed, "alarm")
		attrs = append(attrs,
			logx.Bool("alarm.exact", na.ExactEnabled()),
			logx.String("alarm.sweep", na.Sweep),
		)
	}
	if oldCfg.Catalog != newCfg.Catalog {
		changed = append(changed, "catalog")
		attrs = append(attrs, logx.Bool("catalog.seed_samples", newCfg.Catalog.SeedSamples))
	}
	return changed, attrs
}

// Changed reports whether section is in a SummarizeConfigChange result.
func Changed(sections []string, section string) bool {
	for _, s := range sections {
		if s == section {
			return true
		}
	}
	return false
}
