package domain

import (
	"fmt"
	"strings"
	"time"

	"mailsched/internal/errs"
)

// ErrInvalidRecurrence is returned for a non-positive interval.
var ErrInvalidRecurrence = fmt.Errorf("%w: days_until_next_mailing must be > 0", errs.ErrConfiguration)

// Recurrence describes how often a campaign repeats.
type Recurrence struct {
	ID            int64
	Name          string
	DaysUntilNext int
}

func (r Recurrence) Validate() error {
	if strings.TrimSpace(r.Name) == "" {
		return fmt.Errorf("%w: recurrence name is required", errs.ErrInvalidParameter)
	}
	if r.DaysUntilNext <= 0 {
		return fmt.Errorf("%w (got %d)", ErrInvalidRecurrence, r.DaysUntilNext)
	}
	return nil
}

// IsDue reports whether a campaign first sent at firstSentAt repeating every
// days days fires at now.
//
// A zero firstSentAt is never due. Otherwise now must share the hour and
// minute of firstSentAt (in now's location) and fall on an interval boundary
// counted in calendar days. A non-positive interval is never due and returns
// ErrInvalidRecurrence.
func IsDue(now, firstSentAt time.Time, days int) (bool, error) {
	if firstSentAt.IsZero() {
		return false, nil
	}
	if days <= 0 {
		return false, fmt.Errorf("%w (got %d)", ErrInvalidRecurrence, days)
	}
	first := firstSentAt.In(now.Location())
	if now.Hour() != first.Hour() || now.Minute() != first.Minute() {
		return false, nil
	}
	elapsed := ElapsedDays(first, now)
	if elapsed < 0 {
		return false, nil
	}
	return elapsed%days == 0, nil
}

// ElapsedDays counts calendar days from from to to, using each value's own
// date. Clock time inside a day does not affect the count.
func ElapsedDays(from, to time.Time) int {
	fy, fm, fd := from.Date()
	ty, tm, td := to.Date()
	a := time.Date(fy, fm, fd, 0, 0, 0, 0, time.UTC)
	b := time.Date(ty, tm, td, 0, 0, 0, 0, time.UTC)
	return int(b.Sub(a) / (24 * time.Hour))
}
