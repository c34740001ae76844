package config

// Config is the daemon configuration file. All durations are Go duration
// strings ("500ms", "10s", "1m").
type Config struct {
	Telegram   TelegramConfig   `json:"telegram"`
	Console    ConsoleConfig    `json:"console"`
	Patient    PatientConfig    `json:"patient"`
	Logging    LoggingConfig    `json:"logging"`
	HTTP       HTTPConfig       `json:"http"`
	Scheduler  SchedulerConfig  `json:"scheduler"`
	TaskEngine TaskEngineConfig `json:"task_engine"`
	Notifier   NotifierConfig   `json:"notifier"`
	Storage    StorageConfig    `json:"storage"`
	Alarm      AlarmConfig      `json:"alarm"`
	Catalog    CatalogConfig    `json:"catalog"`
}

// TelegramConfig enables the Telegram transport. Reminders go to every chat
// in ChatIDs; OwnerUserIDs, when set, are the only users allowed to change
// the catalog.
type TelegramConfig struct {
	Enabled      bool    `json:"enabled"`
	Token        string  `json:"token"`
	ChatIDs      []int64 `json:"chat_ids"`
	OwnerUserIDs []int64 `json:"owner_user_ids"`
	PollTimeout  string  `json:"poll_timeout,omitempty"`
}

// ConsoleConfig enables the stdin/stdout transport. It is used when Telegram
// is disabled or explicitly enabled alongside it.
type ConsoleConfig struct {
	Enabled   bool   `json:"enabled"`
	UserID    int64  `json:"user_id,omitempty"`
	ExportDir string `json:"export_dir,omitempty"`
}

// PatientConfig identifies the patient for caregiver alerts. An empty UID
// disables the relay.
type PatientConfig struct {
	UID      string `json:"uid"`
	Name     string `json:"name"`
	Timezone string `json:"timezone,omitempty"`
}

type LoggingConfig struct {
	Level   string        `json:"level"`
	Format  string        `json:"format,omitempty"` // console | json
	Console bool          `json:"console"`
	File    LoggingFile   `json:"file"`
	Alerts  LoggingAlerts `json:"alerts"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingAlerts forwards warn+ lines to the first telegram chat.
type LoggingAlerts struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// HTTPConfig controls the health, metrics, pprof and read-only API server.
//
// Prefer binding to localhost. A non-loopback address needs a token or an
// explicit allow_insecure.
type HTTPConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`  // default: "127.0.0.1:8089"
	Token         string `json:"token,omitempty"` // do not log
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	// WriteTimeout defaults to 0 so /debug/pprof/profile works.
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

// SchedulerConfig sets the trigger timezone. Empty falls back to
// patient.timezone and then to the host zone.
type SchedulerConfig struct {
	Timezone string `json:"timezone,omitempty"`
}

// TaskEngineConfig controls the worker pool that runs alarm fires and sweeps.
//
// Defaults: workers 2, queue_size 256, default_timeout "0s" (none),
// history_size 200, retry_max 3.
type TaskEngineConfig struct {
	Workers        int    `json:"workers,omitempty"`
	QueueSize      int    `json:"queue_size,omitempty"`
	DefaultTimeout string `json:"default_timeout,omitempty"`
	HistorySize    int    `json:"history_size,omitempty"`
	RetryMax       int    `json:"retry_max,omitempty"`
}

// NotifierConfig controls the async outbound pipeline.
type NotifierConfig struct {
	Workers         int     `json:"workers,omitempty"`
	QueueSize       int     `json:"queue_size,omitempty"`
	RatePerSec      float64 `json:"rate_per_sec,omitempty"`
	Burst           int     `json:"burst,omitempty"`
	RetryMax        int     `json:"retry_max,omitempty"`
	RetryBase       string  `json:"retry_base,omitempty"`
	RetryMaxDelay   string  `json:"retry_max_delay,omitempty"`
	SendTimeout     string  `json:"send_timeout,omitempty"`
	DedupWindow     string  `json:"dedup_window,omitempty"`
	PersistDedup    bool    `json:"persist_dedup,omitempty"`
	BreakerFailures int     `json:"breaker_failures,omitempty"`
	BreakerCooldown string  `json:"breaker_cooldown,omitempty"`
}

// StorageConfig selects the persistence driver.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./medtime.db" }
type StorageConfig struct {
	Driver      string `json:"driver"` // memory | file | sqlite | badger
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite
}

// AlarmConfig controls scheduling. Exact is a pointer so an omitted key
// defaults to true.
type AlarmConfig struct {
	Exact       *bool  `json:"exact,omitempty"`
	Sweep       string `json:"sweep,omitempty"` // default "every:30s"
	Snooze      string `json:"snooze,omitempty"`
	TestDelay   string `json:"test_delay,omitempty"`
	StaleGrace  string `json:"stale_grace,omitempty"`
	FireTimeout string `json:"fire_timeout,omitempty"`
}

// ExactEnabled reports the effective exact mode.
func (a AlarmConfig) ExactEnabled() bool { return a.Exact == nil || *a.Exact }

type CatalogConfig struct {
	// SeedSamples writes two example medications the first time the list
	// is read, and again after a clear.
	SeedSamples bool `json:"seed_samples"`
}
