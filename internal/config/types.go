package config

// Config is the on-disk daemon configuration. JSON or YAML; unknown keys are
// rejected. All durations are Go duration strings ("500ms", "10s", "1m").
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Scheduler SchedulerConfig `json:"scheduler"`

	// TaskEngine controls the worker pool that executes actions.
	TaskEngine *TaskEngineConfig `json:"task_engine,omitempty"`
	Dispatcher DispatcherConfig  `json:"dispatcher"`

	Storage  *StorageConfig  `json:"storage,omitempty"`
	Proxies  ProxiesConfig   `json:"proxies"`
	Notifier *NotifierConfig `json:"notifier,omitempty"`
	Metrics  MetricsConfig   `json:"metrics"`

	// Accounts are upserted into storage on load.
	Accounts []AccountConfig `json:"accounts,omitempty" validate:"dive"`
	// Tasks are created once by ID on load and on every reload.
	Tasks []TaskConfig `json:"tasks,omitempty" validate:"dive"`
}

type LoggingConfig struct {
	Level    string          `json:"level" validate:"omitempty,oneof=trace debug info warn error"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled    bool   `json:"enabled"`
	Path       string `json:"path" validate:"required_if=Enabled true"`
	MaxSizeMB  int    `json:"max_size_mb,omitempty" validate:"gte=0"`
	MaxBackups int    `json:"max_backups,omitempty" validate:"gte=0"`
	MaxAgeDays int    `json:"max_age_days,omitempty" validate:"gte=0"`
	Compress   bool   `json:"compress,omitempty"`
}

// LoggingTelegram forwards log lines at or above MinLevel through the
// notifier's Telegram sender.
type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level" validate:"omitempty,oneof=debug info warn error"`
	RatePerSec int    `json:"rate_per_sec" validate:"gte=0"`
}

// SchedulerConfig controls the trigger service that drives the dispatcher.
type SchedulerConfig struct {
	Enabled  bool   `json:"enabled"`
	Timezone string `json:"timezone,omitempty"`
}

// TaskEngineConfig controls the task execution engine.
//
// Defaults (when fields are omitted/zero):
//   - enabled: true
//   - workers: 4
//   - queue_size: 256
//   - default_timeout: "0s" (disabled)
//   - max_queue_delay: "0s" (disabled)
//   - history_size: 200
//   - retry_max: 3
//   - circuit_trip_failures: 5 (negative disables the breaker)
type TaskEngineConfig struct {
	Enabled *bool `json:"enabled,omitempty"`
	Workers int   `json:"workers,omitempty" validate:"gte=0"`

	QueueSize int `json:"queue_size,omitempty" validate:"gte=0"`

	DefaultTimeout string `json:"default_timeout,omitempty"`
	MaxQueueDelay  string `json:"max_queue_delay,omitempty"`

	HistorySize   int    `json:"history_size,omitempty" validate:"gte=0"`
	RetryMax      int    `json:"retry_max,omitempty"`
	RetryBase     string `json:"retry_base,omitempty"`
	RetryMaxDelay string `json:"retry_max_delay,omitempty"`

	CircuitTripFailures int    `json:"circuit_trip_failures,omitempty"`
	CircuitBaseDelay    string `json:"circuit_base_delay,omitempty"`
	CircuitMaxDelay     string `json:"circuit_max_delay,omitempty"`
	CircuitResetAfter   string `json:"circuit_reset_after,omitempty"`
}

// DispatcherConfig controls the pacing loop.
type DispatcherConfig struct {
	// Tick is how often the control loop runs. Default "1s".
	Tick string `json:"tick,omitempty"`
	// Checkpoint is how often running task progress is saved. Default "30s".
	Checkpoint string `json:"checkpoint,omitempty"`

	MaxConcurrentAccounts int     `json:"max_concurrent_accounts,omitempty" validate:"gte=0"`
	InflightTimeout       string  `json:"inflight_timeout,omitempty"`
	ActionTimeout         string  `json:"action_timeout,omitempty"`
	DispatchRate          float64 `json:"dispatch_rate,omitempty" validate:"gte=0"`
	DispatchBurst         int     `json:"dispatch_burst,omitempty" validate:"gte=0"`
	TimeoutRequeues       int     `json:"timeout_requeues,omitempty"`
	RetryMax              int     `json:"retry_max,omitempty"`
	// AutoStart starts pending tasks without an explicit start command.
	AutoStart bool `json:"auto_start,omitempty"`

	// ExecutorLatency is the simulated latency of the built-in noop
	// executor.
	ExecutorLatency string `json:"executor_latency,omitempty"`
}

// StorageConfig controls the persistence layer.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./pacebot.db" }
type StorageConfig struct {
	Driver      string `json:"driver" validate:"omitempty,oneof=none file sqlite sqlite3"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// ProxiesConfig seeds the proxy pool. RedisURL switches account claims to a
// shared Redis hash.
type ProxiesConfig struct {
	RedisURL string        `json:"redis_url,omitempty" validate:"omitempty,url"`
	RedisKey string        `json:"redis_key,omitempty"`
	List     []ProxyConfig `json:"list,omitempty" validate:"dive"`
}

type ProxyConfig struct {
	ID       string `json:"id" validate:"required"`
	Host     string `json:"host" validate:"required"`
	Port     int    `json:"port" validate:"gte=1,lte=65535"`
	Protocol string `json:"protocol,omitempty" validate:"omitempty,oneof=http https socks5"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
	// Account binds the proxy on load.
	Account string `json:"account,omitempty"`
}

type AccountConfig struct {
	ID     string `json:"id" validate:"required"`
	Handle string `json:"handle,omitempty"`
	// Active defaults to true.
	Active  *bool  `json:"active,omitempty"`
	Group   string `json:"group,omitempty"`
	ProxyID string `json:"proxy,omitempty"`
	// CreatedAt drives the quota age tier. RFC 3339 or YYYY-MM-DD.
	CreatedAt string `json:"created_at,omitempty"`
}

// NotifierConfig controls the async notification pipeline.
type NotifierConfig struct {
	Enabled         bool     `json:"enabled"`
	Token           string   `json:"token,omitempty" validate:"required_if=Enabled true"`
	ChatID          int64    `json:"chat_id,omitempty" validate:"required_if=Enabled true"`
	ThreadID        int      `json:"thread_id,omitempty"`
	Workers         int      `json:"workers,omitempty" validate:"gte=0"`
	QueueSize       int      `json:"queue_size,omitempty" validate:"gte=0"`
	RatePerSec      int      `json:"rate_per_sec,omitempty" validate:"gte=0"`
	RetryMax        int      `json:"retry_max,omitempty"`
	RetryBase       string   `json:"retry_base,omitempty"`
	RetryMaxDelay   string   `json:"retry_max_delay,omitempty"`
	DedupWindow     string   `json:"dedup_window,omitempty"`
	DedupMaxEntries int      `json:"dedup_max_entries,omitempty" validate:"gte=0"`
	NotifyOn        []string `json:"notify_on,omitempty" validate:"dive,oneof=pending running paused completed failed cancelled stopped"`
}

// MetricsConfig controls the Prometheus endpoint. Prefer a loopback Addr.
type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty" validate:"omitempty,hostname_port"`
	Path    string `json:"path,omitempty" validate:"omitempty,startswith=/"`
	// Pprof also mounts /debug/pprof/ on Addr. A non-loopback Addr then
	// requires Token.
	Pprof bool   `json:"pprof,omitempty"`
	Token string `json:"token,omitempty"`
}

// TaskConfig is a declarative task definition.
type TaskConfig struct {
	ID       string   `json:"id" validate:"required"`
	Name     string   `json:"name,omitempty"`
	Kind     string   `json:"kind"`
	Accounts []string `json:"accounts"`
	// Start moves the task to running right after creation.
	Start bool `json:"start,omitempty"`

	Action   string `json:"action,omitempty"`
	Window   string `json:"window,omitempty"`
	Strategy string `json:"strategy,omitempty"`

	Limits       LimitsConfig       `json:"limits"`
	Phases       []PhaseConfig      `json:"phases,omitempty"`
	WorkingHours WorkingHoursConfig `json:"working_hours"`
	Breaks       BreaksConfig       `json:"breaks"`
	Delay        DelayConfig        `json:"delay"`
	Targets      TargetsConfig      `json:"targets"`

	Params map[string]string `json:"params,omitempty"`
}

type LimitsConfig struct {
	PerHour int `json:"per_hour,omitempty"`
	PerDay  int `json:"per_day,omitempty"`
	Total   int `json:"total,omitempty"`
}

type PhaseConfig struct {
	Number   int      `json:"number"`
	Disabled bool     `json:"disabled,omitempty"`
	MinDaily int      `json:"min_daily"`
	MaxDaily int      `json:"max_daily"`
	Duration string   `json:"duration"`
	Actions  []string `json:"actions,omitempty"`
}

// WorkingHoursConfig uses "HH:MM" bounds. Both empty means always open.
type WorkingHoursConfig struct {
	Start    string `json:"start,omitempty"`
	End      string `json:"end,omitempty"`
	Timezone string `json:"timezone,omitempty"`
}

type BreaksConfig struct {
	WorkPeriod    string `json:"work_period,omitempty"`
	BreakDuration string `json:"break_duration,omitempty"`
}

type DelayConfig struct {
	Min string `json:"min,omitempty"`
	Max string `json:"max,omitempty"`
}

type TargetsConfig struct {
	Source string   `json:"source,omitempty"`
	Values []string `json:"values,omitempty"`
}
