package config

// Config is the on-disk configuration. JSON and YAML share these tags.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "168h").
// String values may reference the environment as ${VAR} or ${VAR:-default}.
type Config struct {
	Logging      LoggingConfig      `json:"logging"`
	Storage      StorageConfig      `json:"storage"`
	Mail         MailConfig         `json:"mail"`
	Dispatch     DispatchConfig     `json:"dispatch,omitempty"`
	Scheduler    SchedulerConfig    `json:"scheduler"`
	Housekeeping HousekeepingConfig `json:"housekeeping,omitempty"`
	Ops          OpsConfig          `json:"ops,omitempty"`
	Alert        AlertConfig        `json:"alert,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	JSON    bool        `json:"json,omitempty"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig selects the database.
//
// Example:
//
//	"storage": { "driver": "sqlite", "dsn": "./data/mailsched.db" }
type StorageConfig struct {
	Driver       string `json:"driver"` // sqlite | postgres
	DSN          string `json:"dsn"`
	BusyTimeout  string `json:"busy_timeout,omitempty"` // sqlite only
	MaxOpenConns int    `json:"max_open_conns,omitempty"`
	// AutoMigrate applies pending migrations on start. Default true.
	AutoMigrate *bool `json:"auto_migrate,omitempty"`
}

// MailConfig selects the outgoing transport. From is the fixed sender
// address used for every campaign.
type MailConfig struct {
	Provider string      `json:"provider"` // smtp | brevo | log
	From     string      `json:"from"`
	Timeout  string      `json:"timeout,omitempty"`
	SMTP     SMTPConfig  `json:"smtp,omitempty"`
	Brevo    BrevoConfig `json:"brevo,omitempty"`
}

type SMTPConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"` // do not log
	StartTLS bool   `json:"starttls,omitempty"`
}

type BrevoConfig struct {
	APIKey   string `json:"api_key"` // do not log
	Endpoint string `json:"endpoint,omitempty"`
}

type DispatchConfig struct {
	// Concurrency bounds parallel sends in one tick. Default 1.
	Concurrency int `json:"concurrency,omitempty"`
	// SendTimeout bounds one transport call. Default mail.timeout.
	SendTimeout string `json:"send_timeout,omitempty"`
}

// SchedulerConfig controls triggers and job execution.
//
// Defaults (when fields are omitted/zero):
//   - dispatch: "*/1 * * * *"
//   - housekeeping: "0 0 * * 1"
//   - job_timeout: "0s" (disabled)
//   - stop_timeout: "30s"
//   - history_size: 200
type SchedulerConfig struct {
	Enabled      bool   `json:"enabled"`
	Timezone     string `json:"timezone,omitempty"`
	Dispatch     string `json:"dispatch,omitempty"`
	Housekeeping string `json:"housekeeping,omitempty"`
	JobTimeout   string `json:"job_timeout,omitempty"`
	StopTimeout  string `json:"stop_timeout,omitempty"`
	HistorySize  int    `json:"history_size,omitempty"`
}

type HousekeepingConfig struct {
	// Retention is how long execution history is kept. Default "168h".
	Retention string `json:"retention,omitempty"`
}

// OpsConfig controls the optional metrics/health/pprof HTTP server.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:9090").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type OpsConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`  // default: "127.0.0.1:9090"
	Token         string `json:"token,omitempty"` // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`

	// WriteTimeout defaults to 0 (disabled) so /debug/pprof/profile works.
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

type AlertConfig struct {
	Enabled    bool           `json:"enabled"`
	MinLevel   string         `json:"min_level,omitempty"`
	RatePerSec int            `json:"rate_per_sec,omitempty"`
	Telegram   TelegramConfig `json:"telegram,omitempty"`
}

type TelegramConfig struct {
	Token    string `json:"token"` // do not log
	ChatID   int64  `json:"chat_id"`
	ThreadID int    `json:"thread_id,omitempty"`
}
