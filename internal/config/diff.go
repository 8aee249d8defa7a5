package config

import (
	"strings"

	logx "mailsched/pkg/logx"
)

// SummarizeConfigChange returns a compact list of changed sections and safe
// structured attrs for logging. Secrets (passwords, API keys, tokens) are
// reported only as "_set" booleans.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 24)
	trim := strings.TrimSpace
	set := func(s string) bool { return trim(s) != "" }

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.json", newCfg.Logging.JSON),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	o, n := oldCfg.Storage, newCfg.Storage
	if trim(o.Driver) != trim(n.Driver) || o.DSN != n.DSN || trim(o.BusyTimeout) != trim(n.BusyTimeout) || o.MaxOpenConns != n.MaxOpenConns {
		// Storage is not hot-swapped; the summary lets the operator know a restart is needed.
		changed = append(changed, "storage")
		attrs = append(attrs, logx.String("storage.driver", trim(n.Driver)), logx.Bool("storage.restart_required", true))
	}

	om, nm := oldCfg.Mail, newCfg.Mail
	if om.Provider != nm.Provider || om.From != nm.From || trim(om.Timeout) != trim(nm.Timeout) ||
		om.SMTP.Host != nm.SMTP.Host || om.SMTP.Port != nm.SMTP.Port || om.SMTP.Username != nm.SMTP.Username ||
		om.SMTP.Password != nm.SMTP.Password || om.SMTP.StartTLS != nm.SMTP.StartTLS ||
		om.Brevo.APIKey != nm.Brevo.APIKey || om.Brevo.Endpoint != nm.Brevo.Endpoint {
		changed = append(changed, "mail")
		attrs = append(attrs,
			logx.String("mail.provider", trim(nm.Provider)),
			logx.String("mail.from", trim(nm.From)),
			logx.String("mail.smtp_host", trim(nm.SMTP.Host)),
			logx.Bool("mail.smtp_password_set", set(nm.SMTP.Password)),
			logx.Bool("mail.brevo_key_set", set(nm.Brevo.APIKey)),
		)
	}

	if oldCfg.Dispatch != newCfg.Dispatch {
		changed = append(changed, "dispatch")
		attrs = append(attrs,
			logx.Int("dispatch.concurrency", newCfg.Dispatch.Concurrency),
			logx.String("dispatch.send_timeout", trim(newCfg.Dispatch.SendTimeout)),
		)
	}

	if oldCfg.Scheduler != newCfg.Scheduler {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Bool("scheduler.enabled", newCfg.Scheduler.Enabled),
			logx.String("scheduler.timezone", trim(newCfg.Scheduler.Timezone)),
			logx.String("scheduler.dispatch", newCfg.Scheduler.DispatchSchedule()),
			logx.String("scheduler.housekeeping", newCfg.Scheduler.HousekeepingSchedule()),
			logx.String("scheduler.job_timeout", trim(newCfg.Scheduler.JobTimeout)),
		)
	}

	if trim(oldCfg.Housekeeping.Retention) != trim(newCfg.Housekeeping.Retention) {
		changed = append(changed, "housekeeping")
		attrs = append(attrs, logx.String("housekeeping.retention", trim(newCfg.Housekeeping.Retention)))
	}

	if oldCfg.Ops != newCfg.Ops {
		changed = append(changed, "ops")
		attrs = append(attrs,
			logx.Bool("ops.enabled", newCfg.Ops.Enabled),
			logx.String("ops.addr", trim(newCfg.Ops.Addr)),
			logx.Bool("ops.pprof", newCfg.Ops.Pprof),
			logx.Bool("ops.token_set", set(newCfg.Ops.Token)),
			logx.Bool("ops.allow_insecure", newCfg.Ops.AllowInsecure),
		)
	}

	if oldCfg.Alert != newCfg.Alert {
		changed = append(changed, "alert")
		attrs = append(attrs,
			logx.Bool("alert.enabled", newCfg.Alert.Enabled),
			logx.String("alert.min_level", newCfg.Alert.MinLevel),
			logx.Int("alert.rate_per_sec", newCfg.Alert.RatePerSec),
			logx.Bool("alert.token_set", set(newCfg.Alert.Telegram.Token)),
			logx.Int64("alert.chat_id", newCfg.Alert.Telegram.ChatID),
		)
	}

	return changed, attrs
}
