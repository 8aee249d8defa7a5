package scheduler

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Schedule is a parsed trigger definition: a cron expression or a fixed
// interval. Exactly one of Cron and Every is set.
type Schedule struct {
	Raw   string
	Cron  string
	Every time.Duration
}

func (s Schedule) IsInterval() bool { return s.Every > 0 }

// CronSpec returns the expression registered with cron. Intervals that
// evenly divide an hour or a day fire on wall-clock boundaries, so "1m"
// fires at second zero of every minute; other intervals use "@every".
func (s Schedule) CronSpec() string {
	if !s.IsInterval() {
		return s.Cron
	}
	every := s.Every
	switch {
	case every%time.Minute == 0 && every < time.Hour && 60%int(every/time.Minute) == 0:
		return fmt.Sprintf("0 */%d * * * *", int(every/time.Minute))
	case every == time.Hour:
		return "0 0 * * * *"
	case every%time.Hour == 0 && every < 24*time.Hour && 24%int(every/time.Hour) == 0:
		return fmt.Sprintf("0 0 */%d * * *", int(every/time.Hour))
	default:
		return "@every " + every.String()
	}
}

// ParseSchedule accepts:
//   - cron: "*/1 * * * *", "0 0 * * 1", "0 30 9 * * *", "@weekly", "@every 90s"
//   - a Go duration: "1m", "2h30m"
//   - an HH:MM interval: "00:05" (5 minutes), "02:30"
//
// The resulting CronSpec is always accepted by the scheduler.
func ParseSchedule(raw string) (Schedule, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Schedule{}, fmt.Errorf("schedule required")
	}

	var out Schedule
	switch {
	case strings.HasPrefix(s, "@") || strings.ContainsAny(s, " \t"):
		out = Schedule{Raw: raw, Cron: s}
	case strings.Contains(s, ":"):
		d, err := parseClockInterval(s)
		if err != nil {
			return Schedule{}, err
		}
		out = Schedule{Raw: raw, Every: d}
	default:
		d, err := time.ParseDuration(s)
		if err != nil {
			return Schedule{}, fmt.Errorf("invalid schedule %q (use cron like '*/1 * * * *', HH:MM like '02:30', or duration like '1m')", raw)
		}
		if d <= 0 {
			return Schedule{}, fmt.Errorf("invalid schedule %q: interval must be > 0", raw)
		}
		out = Schedule{Raw: raw, Every: d}
	}

	if _, err := cronParser.Parse(out.CronSpec()); err != nil {
		return Schedule{}, fmt.Errorf("invalid schedule %q: %w", raw, err)
	}
	return out, nil
}

// parseClockInterval reads "H:MM" as a duration; hours may exceed 23.
func parseClockInterval(v string) (time.Duration, error) {
	hs, ms, ok := strings.Cut(v, ":")
	h, herr := strconv.Atoi(hs)
	m, merr := strconv.Atoi(ms)
	if !ok || herr != nil || merr != nil || len(ms) != 2 || h < 0 || h > 999 || m < 0 || m > 59 {
		return 0, fmt.Errorf("invalid HH:MM interval %q", v)
	}
	d := time.Duration(h)*time.Hour + time.Duration(m)*time.Minute
	if d <= 0 {
		return 0, fmt.Errorf("invalid HH:MM interval %q: must be > 0", v)
	}
	return d, nil
}
