package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	DefaultMailTimeout    = 30 * time.Second
	DefaultBusyTimeout    = 5 * time.Second
	DefaultOpsReadTimeout = 10 * time.Second
	DefaultOpsIdleTimeout = 60 * time.Second
)

// Durations holds every duration field of Config, parsed and defaulted.
type Durations struct {
	MailTimeout time.Duration
	// SendTimeout defaults to MailTimeout.
	SendTimeout time.Duration
	// JobTimeout of 0 leaves scheduler runs unbounded.
	JobTimeout  time.Duration
	StopTimeout time.Duration
	Retention   time.Duration
	BusyTimeout time.Duration

	OpsRead time.Duration
	// OpsWrite of 0 keeps long pprof profiles working.
	OpsWrite time.Duration
	OpsIdle  time.Duration
}

type durationField struct {
	path string
	raw  string
	def  time.Duration
	dst  *time.Duration
}

// Durations parses all duration strings. Empty or zero values take the
// default; a malformed or negative value is an error naming its path.
func (c *Config) Durations() (Durations, error) {
	var d Durations
	fields := []durationField{
		{"mail.timeout", c.Mail.Timeout, DefaultMailTimeout, &d.MailTimeout},
		{"scheduler.job_timeout", c.Scheduler.JobTimeout, 0, &d.JobTimeout},
		{"scheduler.stop_timeout", c.Scheduler.StopTimeout, DefaultStopTimeout, &d.StopTimeout},
		{"housekeeping.retention", c.Housekeeping.Retention, DefaultRetention, &d.Retention},
		{"storage.busy_timeout", c.Storage.BusyTimeout, DefaultBusyTimeout, &d.BusyTimeout},
		{"ops.read_timeout", c.Ops.ReadTimeout, DefaultOpsReadTimeout, &d.OpsRead},
		{"ops.write_timeout", c.Ops.WriteTimeout, 0, &d.OpsWrite},
		{"ops.idle_timeout", c.Ops.IdleTimeout, DefaultOpsIdleTimeout, &d.OpsIdle},
	}
	var errs []error
	for _, f := range fields {
		v, err := parseDuration(f.path, f.raw)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if v == 0 {
			v = f.def
		}
		*f.dst = v
	}
	send, err := parseDuration("dispatch.send_timeout", c.Dispatch.SendTimeout)
	if err != nil {
		errs = append(errs, err)
	} else if send == 0 {
		send = d.MailTimeout
	}
	d.SendTimeout = send
	return d, errors.Join(errs...)
}

func parseDuration(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q", path, raw)
	}
	if v < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return v, nil
}
