package config

import (
	"fmt"
	"net/mail"
	"strings"
	"time"

	"mailsched/internal/errs"
)

const (
	DefaultDispatchSchedule     = "*/1 * * * *"
	DefaultHousekeepingSchedule = "0 0 * * 1"
	DefaultRetention            = 7 * 24 * time.Hour
	DefaultStopTimeout          = 30 * time.Second
	DefaultOpsAddr              = "127.0.0.1:9090"
)

// DispatchSchedule returns the configured tick schedule or the default.
func (c SchedulerConfig) DispatchSchedule() string {
	if s := strings.TrimSpace(c.Dispatch); s != "" {
		return s
	}
	return DefaultDispatchSchedule
}

// HousekeepingSchedule returns the configured purge schedule or the default.
func (c SchedulerConfig) HousekeepingSchedule() string {
	if s := strings.TrimSpace(c.Housekeeping); s != "" {
		return s
	}
	return DefaultHousekeepingSchedule
}

func (c StorageConfig) Migrate() bool {
	return c.AutoMigrate == nil || *c.AutoMigrate
}

// Validate checks values that would otherwise fail late at runtime.
// It is also installed as the hot-reload validator.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("%w: config is nil", errs.ErrConfiguration)
	}
	var problems []string
	bad := func(format string, args ...any) { problems = append(problems, fmt.Sprintf(format, args...)) }

	switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
	case "", "sqlite", "sqlite3", "postgres", "postgresql", "pgx":
	default:
		bad("storage.driver: unknown driver %q", cfg.Storage.Driver)
	}
	if strings.TrimSpace(cfg.Storage.DSN) == "" {
		bad("storage.dsn: required")
	}

	if _, err := mail.ParseAddress(strings.TrimSpace(cfg.Mail.From)); err != nil {
		bad("mail.from: %v", err)
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Mail.Provider)) {
	case "", "log":
	case "smtp":
		if strings.TrimSpace(cfg.Mail.SMTP.Host) == "" {
			bad("mail.smtp.host: required for provider smtp")
		}
		if cfg.Mail.SMTP.Port < 0 || cfg.Mail.SMTP.Port > 65535 {
			bad("mail.smtp.port: out of range")
		}
	case "brevo":
		if strings.TrimSpace(cfg.Mail.Brevo.APIKey) == "" {
			bad("mail.brevo.api_key: required for provider brevo")
		}
	default:
		bad("mail.provider: unknown provider %q", cfg.Mail.Provider)
	}

	if cfg.Dispatch.Concurrency < 0 {
		bad("dispatch.concurrency: must be >= 0")
	}
	if cfg.Scheduler.HistorySize < 0 {
		bad("scheduler.history_size: must be >= 0")
	}
	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			bad("scheduler.timezone: %v", err)
		}
	}

	if _, err := cfg.Durations(); err != nil {
		for _, line := range strings.Split(err.Error(), "\n") {
			bad("%s", line)
		}
	}

	if cfg.Alert.Enabled {
		if strings.TrimSpace(cfg.Alert.Telegram.Token) == "" || cfg.Alert.Telegram.ChatID == 0 {
			bad("alert.telegram: token and chat_id are required when alert is enabled")
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", errs.ErrConfiguration, strings.Join(problems, "; "))
	}
	return nil
}
