package app

import (
	"strings"
	"time"

	"medtime/internal/alarm"
	"medtime/internal/config"
	"medtime/internal/notifier"
	"medtime/internal/observability/httpd"
	"medtime/internal/relay"
	"medtime/internal/storage"
	"medtime/internal/task/engine"
	"medtime/internal/transport"
	"medtime/pkg/logx"
)

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	switch driver {
	case "", "none":
		driver = "memory"
	case "sqlite3":
		driver = "sqlite"
	}
	busy, err := config.DurationOr("storage.busy_timeout", sc.BusyTimeout, time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{Driver: driver, Path: strings.TrimSpace(sc.Path), BusyTimeout: busy}, nil
}

// mapTaskEngineConfig fills defaults for omitted or zero fields: 2 workers,
// a 256 slot queue, 200 history entries and 3 retries.
func mapTaskEngineConfig(cfg *config.Config) (engine.Config, error) {
	tc := cfg.TaskEngine
	out := engine.Config{
		Workers:     tc.Workers,
		QueueSize:   tc.QueueSize,
		HistorySize: tc.HistorySize,
		RetryMax:    tc.RetryMax,
	}
	if out.Workers <= 0 {
		out.Workers = 2
	}
	if out.QueueSize <= 0 {
		out.QueueSize = 256
	}
	if out.HistorySize <= 0 {
		out.HistorySize = 200
	}
	if out.RetryMax <= 0 {
		out.RetryMax = 3
	}
	d, err := config.ParseDuration("task_engine.default_timeout", tc.DefaultTimeout)
	if err != nil {
		return engine.Config{}, err
	}
	out.DefaultTimeout = d
	return out, nil
}

// mapNotifierConfig leaves zero values for the notifier to default.
func mapNotifierConfig(cfg *config.Config) (notifier.Config, error) {
	nc := cfg.Notifier
	out := notifier.Config{
		Workers:         nc.Workers,
		QueueSize:       nc.QueueSize,
		RatePerSec:      nc.RatePerSec,
		Burst:           nc.Burst,
		RetryMax:        nc.RetryMax,
		PersistDedup:    nc.PersistDedup,
		BreakerFailures: nc.BreakerFailures,
	}
	var err error
	for _, f := range []struct {
		path string
		raw  string
		dst  *time.Duration
	}{
		{"notifier.retry_base", nc.RetryBase, &out.RetryBase},
		{"notifier.retry_max_delay", nc.RetryMaxDelay, &out.RetryMaxDelay},
		{"notifier.send_timeout", nc.SendTimeout, &out.SendTimeout},
		{"notifier.dedup_window", nc.DedupWindow, &out.DedupWindow},
		{"notifier.breaker_cooldown", nc.BreakerCooldown, &out.BreakerCooldown},
	} {
		if *f.dst, err = config.ParseDuration(f.path, f.raw); err != nil {
			return notifier.Config{}, err
		}
	}
	return out, nil
}

func mapAlarmConfig(cfg *config.Config, loc *time.Location) (alarm.Config, error) {
	ac := cfg.Alarm
	out := alarm.Config{
		Exact:    ac.ExactEnabled(),
		Sweep:    strings.TrimSpace(ac.Sweep),
		Location: loc,
	}
	var err error
	for _, f := range []struct {
		path string
		raw  string
		dst  *time.Duration
	}{
		{"alarm.snooze", ac.Snooze, &out.Snooze},
		{"alarm.test_delay", ac.TestDelay, &out.TestDelay},
		{"alarm.stale_grace", ac.StaleGrace, &out.StaleGrace},
		{"alarm.fire_timeout", ac.FireTimeout, &out.FireTimeout},
	} {
		if *f.dst, err = config.ParseDuration(f.path, f.raw); err != nil {
			return alarm.Config{}, err
		}
	}
	return out, nil
}

func mapHTTPConfig(cfg *config.Config) (httpd.Config, error) {
	hc := cfg.HTTP
	out := httpd.Config{
		Enabled:       hc.Enabled,
		Addr:          strings.TrimSpace(hc.Addr),
		Token:         strings.TrimSpace(hc.Token),
		AllowInsecure: hc.AllowInsecure,
	}
	var err error
	if out.ReadTimeout, err = config.DurationOr("http.read_timeout", hc.ReadTimeout, 10*time.Second); err != nil {
		return httpd.Config{}, err
	}
	if out.WriteTimeout, err = config.ParseDuration("http.write_timeout", hc.WriteTimeout); err != nil {
		return httpd.Config{}, err
	}
	if out.IdleTimeout, err = config.DurationOr("http.idle_timeout", hc.IdleTimeout, time.Minute); err != nil {
		return httpd.Config{}, err
	}
	return out, nil
}

func mapLogConfig(cfg *config.Config) logx.Config {
	lc := cfg.Logging
	return logx.Config{
		Level:   lc.Level,
		Format:  lc.Format,
		Console: lc.Console,
		File:    logx.FileConfig{Enabled: lc.File.Enabled, Path: lc.File.Path},
		Alerts: logx.AlertConfig{
			Enabled:    lc.Alerts.Enabled && cfg.Telegram.Enabled,
			MinLevel:   lc.Alerts.MinLevel,
			RatePerSec: lc.Alerts.RatePerSec,
		},
	}
}

func mapPatient(cfg *config.Config) relay.Patient {
	return relay.Patient{UID: strings.TrimSpace(cfg.Patient.UID), Name: strings.TrimSpace(cfg.Patient.Name)}
}

// chatTargets lists where reminders go. The console has a single
// implicit chat.
func chatTargets(cfg *config.Config, console transport.ChatTarget) []transport.ChatTarget {
	if !cfg.Telegram.Enabled {
		return []transport.ChatTarget{console}
	}
	out := make([]transport.ChatTarget, 0, len(cfg.Telegram.ChatIDs))
	for _, id := range cfg.Telegram.ChatIDs {
		out = append(out, transport.ChatTarget{ChatID: id})
	}
	return out
}
