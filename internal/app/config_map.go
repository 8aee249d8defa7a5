package app

import (
	"strings"
	"time"

	"mailsched/internal/alert"
	"mailsched/internal/config"
	"mailsched/internal/dispatch"
	"mailsched/internal/mail"
	"mailsched/internal/ops"
	"mailsched/internal/storage"
	"mailsched/internal/task/engine"
	"mailsched/internal/task/scheduler"
	logx "mailsched/pkg/logx"
)

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		JSON:    cfg.Logging.JSON,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Alert: logx.AlertConfig{
			Enabled:    cfg.Alert.Enabled,
			MinLevel:   cfg.Alert.MinLevel,
			RatePerSec: cfg.Alert.RatePerSec,
		},
	}
}

// newAlertSender returns nil when alerting is disabled.
func newAlertSender(cfg *config.Config) (logx.AlertSender, error) {
	if !cfg.Alert.Enabled {
		return nil, nil
	}
	tg, err := alert.NewTelegram(alert.TelegramConfig{
		Token:    cfg.Alert.Telegram.Token,
		ChatID:   cfg.Alert.Telegram.ChatID,
		ThreadID: cfg.Alert.Telegram.ThreadID,
	})
	if err != nil {
		return nil, err
	}
	return tg, nil
}

func mapStorageConfig(cfg *config.Config, d config.Durations) storage.Config {
	return storage.Config{
		Driver:       cfg.Storage.Driver,
		DSN:          cfg.Storage.DSN,
		BusyTimeout:  d.BusyTimeout,
		MaxOpenConns: cfg.Storage.MaxOpenConns,
	}
}

func providerName(cfg *config.Config) string {
	p := strings.ToLower(strings.TrimSpace(cfg.Mail.Provider))
	if p == "" {
		return "log"
	}
	return p
}

// buildTransports returns every transport the config can construct. The
// log transport is always present so switching to it never fails.
func buildTransports(cfg *config.Config, d config.Durations, log logx.Logger) []mail.Transport {
	out := []mail.Transport{mail.NewLog(log.With(logx.String("comp", "mail.log")))}
	if strings.TrimSpace(cfg.Mail.SMTP.Host) != "" {
		out = append(out, mail.NewSMTP(mail.SMTPConfig{
			Host:     cfg.Mail.SMTP.Host,
			Port:     cfg.Mail.SMTP.Port,
			Username: cfg.Mail.SMTP.Username,
			Password: cfg.Mail.SMTP.Password,
			StartTLS: cfg.Mail.SMTP.StartTLS,
			Timeout:  d.MailTimeout,
		}))
	}
	if strings.TrimSpace(cfg.Mail.Brevo.APIKey) != "" {
		out = append(out, mail.NewBrevo(mail.BrevoConfig{
			APIKey:   cfg.Mail.Brevo.APIKey,
			Endpoint: cfg.Mail.Brevo.Endpoint,
			Timeout:  d.MailTimeout,
		}))
	}
	return out
}

func mapDispatchConfig(cfg *config.Config, d config.Durations, loc *time.Location) dispatch.Config {
	return dispatch.Config{
		From:        strings.TrimSpace(cfg.Mail.From),
		Concurrency: cfg.Dispatch.Concurrency,
		SendTimeout: d.SendTimeout,
		Location:    loc,
	}
}

func mapEngineConfig(cfg *config.Config, d config.Durations) engine.Config {
	return engine.Config{
		DefaultTimeout: d.JobTimeout,
		HistorySize:    cfg.Scheduler.HistorySize,
	}
}

func mapSchedulerConfig(cfg *config.Config) scheduler.Config {
	return scheduler.Config{
		Enabled:  cfg.Scheduler.Enabled,
		Timezone: cfg.Scheduler.Timezone,
	}
}

func mapOpsConfig(cfg *config.Config, d config.Durations) ops.Config {
	oc := cfg.Ops
	addr := strings.TrimSpace(oc.Addr)
	if addr == "" {
		addr = config.DefaultOpsAddr
	}
	return ops.Config{
		Enabled:       oc.Enabled,
		Addr:          addr,
		Token:         strings.TrimSpace(oc.Token),
		AllowInsecure: oc.AllowInsecure,
		Pprof:         oc.Pprof,
		ReadTimeout:   d.OpsRead,
		WriteTimeout:  d.OpsWrite,
		IdleTimeout:   d.OpsIdle,
	}
}
