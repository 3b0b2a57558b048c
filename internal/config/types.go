package config

// Config is the root of the relay configuration file (JSON or YAML).
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type Config struct {
	Telegram   TelegramConfig  `json:"telegram"`
	Logging    LoggingConfig   `json:"logging"`
	Storage    StorageConfig   `json:"storage"`
	Selector   SelectorConfig  `json:"selector"`
	Downloader PoolConfig      `json:"downloader"`
	Uploader   PoolConfig      `json:"uploader"`
	Notifier   NotifierConfig  `json:"notifier,omitempty"`
	Scheduler  SchedulerConfig `json:"scheduler,omitempty"`
}

type TelegramConfig struct {
	Token       string `json:"token"`
	AdminChatID int64  `json:"admin_chat_id,omitempty"`
	PollTimeout string `json:"poll_timeout,omitempty"`
	SendRetries int    `json:"send_retries,omitempty"`
}

type LoggingConfig struct {
	Level   string            `json:"level"`
	Console bool              `json:"console"`
	File    LoggingFileConfig `json:"file,omitempty"`
}

type LoggingFileConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path,omitempty"`
}

type StorageConfig struct {
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// SelectorConfig points at the account and proxy pool files. Both are
// watched; editing them rotates credentials without a restart.
type SelectorConfig struct {
	AccountsFile  string `json:"accounts_file"`
	ProxiesFile   string `json:"proxies_file,omitempty"`
	RequestBudget int    `json:"request_budget,omitempty"`
}

// PoolConfig sizes one worker pool.
type PoolConfig struct {
	Workers   int `json:"workers,omitempty"`
	QueueSize int `json:"queue_size,omitempty"`
}

type NotifierConfig struct {
	QueueSize int `json:"queue_size,omitempty"`
	PerMinute int `json:"per_minute,omitempty"`
	Burst     int `json:"burst,omitempty"`
}

// SchedulerConfig carries cron expressions for the upkeep tasks.
type SchedulerConfig struct {
	ReplaySpec   string `json:"replay_spec,omitempty"`
	ValidateSpec string `json:"validate_spec,omitempty"`
}
