package config

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"time"

	"medtime/internal/task/scheduler"
)

// Validate reports every problem in cfg at once.
func Validate(_ context.Context, cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	if !cfg.Telegram.Enabled && !cfg.Console.Enabled {
		add(errors.New("no transport enabled: set telegram.enabled or console.enabled"))
	}
	if cfg.Telegram.Enabled {
		if strings.TrimSpace(cfg.Telegram.Token) == "" {
			add(errors.New("telegram.token is required when telegram is enabled"))
		}
		if len(cfg.Telegram.ChatIDs) == 0 {
			add(errors.New("telegram.chat_ids needs at least one chat"))
		}
		_, err := ParseDuration("telegram.poll_timeout", cfg.Telegram.PollTimeout)
		add(err)
	}
	if cfg.Logging.Alerts.Enabled && !cfg.Telegram.Enabled {
		add(errors.New("logging.alerts requires telegram"))
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Logging.Level)) {
	case "", "trace", "debug", "info", "warn", "warning", "error":
	default:
		add(fmt.Errorf("logging.level: unknown level %q", cfg.Logging.Level))
	}
	if cfg.Logging.File.Enabled && strings.TrimSpace(cfg.Logging.File.Path) == "" {
		add(errors.New("logging.file.path is required when file logging is enabled"))
	}

	_, err := cfg.Location()
	add(err)

	for path, raw := range map[string]string{
		"http.read_timeout":           cfg.HTTP.ReadTimeout,
		"http.write_timeout":          cfg.HTTP.WriteTimeout,
		"http.idle_timeout":           cfg.HTTP.IdleTimeout,
		"task_engine.default_timeout": cfg.TaskEngine.DefaultTimeout,
		"notifier.retry_base":         cfg.Notifier.RetryBase,
		"notifier.retry_max_delay":    cfg.Notifier.RetryMaxDelay,
		"notifier.send_timeout":       cfg.Notifier.SendTimeout,
		"notifier.dedup_window":       cfg.Notifier.DedupWindow,
		"notifier.breaker_cooldown":   cfg.Notifier.BreakerCooldown,
		"storage.busy_timeout":        cfg.Storage.BusyTimeout,
		"alarm.snooze":                cfg.Alarm.Snooze,
		"alarm.test_delay":            cfg.Alarm.TestDelay,
		"alarm.stale_grace":           cfg.Alarm.StaleGrace,
		"alarm.fire_timeout":          cfg.Alarm.FireTimeout,
	} {
		_, err := ParseDuration(path, raw)
		add(err)
	}

	if cfg.TaskEngine.Workers < 0 || cfg.TaskEngine.QueueSize < 0 || cfg.TaskEngine.RetryMax < 0 {
		add(errors.New("task_engine: workers, queue_size and retry_max must be >= 0"))
	}
	if cfg.Notifier.RatePerSec < 0 || cfg.Notifier.Burst < 0 || cfg.Notifier.RetryMax < 0 {
		add(errors.New("notifier: rate_per_sec, burst and retry_max must be >= 0"))
	}

	switch d := strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)); d {
	case "", "none", "memory":
	case "file", "sqlite", "sqlite3", "badger":
		if strings.TrimSpace(cfg.Storage.Path) == "" {
			add(fmt.Errorf("storage.path is required when storage.driver=%s", d))
		}
	default:
		add(fmt.Errorf("unknown storage.driver: %s", cfg.Storage.Driver))
	}

	if s := strings.TrimSpace(cfg.Alarm.Sweep); s != "" {
		if _, err := scheduler.ParseSpec(s); err != nil {
			add(fmt.Errorf("alarm.sweep: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Timezone is the effective IANA zone name, possibly empty.
func (c *Config) Timezone() string {
	if tz := strings.TrimSpace(c.Scheduler.Timezone); tz != "" {
		return tz
	}
	return strings.TrimSpace(c.Patient.Timezone)
}

// Location resolves Timezone, falling back to the host zone.
func (c *Config) Location() (*time.Location, error) {
	tz := c.Timezone()
	if tz == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("timezone %q: %w", tz, err)
	}
	return loc, nil
}

// hashBytes returns a stable 64-bit hash; empty input is 0.
func hashBytes(b []byte) uint64 {
	if len(b) == 0 {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}
