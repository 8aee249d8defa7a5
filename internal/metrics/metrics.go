package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// jobRuns counts scheduler job runs.
	// Labels:
	// - job:    "dispatch" or "housekeeping"
	// - status: "success", "failed", "panic" or "skipped"
	jobRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mailsched",
			Subsystem: "scheduler",
			Name:      "job_runs_total",
			Help:      "Scheduler job runs by outcome",
		},
		[]string{"job", "status"},
	)

	// jobDuration tracks how long job runs take.
	jobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "mailsched",
			Subsystem: "scheduler",
			Name:      "job_duration_seconds",
			Help:      "Duration of scheduler job runs",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"job"},
	)

	// attempts counts recorded dispatch attempts.
	// Labels:
	// - outcome: "success" or "failure"
	attempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mailsched",
			Subsystem: "dispatch",
			Name:      "attempts_total",
			Help:      "Dispatch attempts recorded by outcome",
		},
		[]string{"outcome"},
	)

	attemptsLost = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "mailsched",
			Subsystem: "dispatch",
			Name:      "attempts_lost_total",
			Help:      "Attempts dropped because the bulk write failed",
		},
	)

	// campaigns counts per-tick campaign evaluations.
	// Labels:
	// - result: "due", "not_due", "launched", "misconfigured", "status_error",
	//   "duplicate"
	campaigns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mailsched",
			Subsystem: "dispatch",
			Name:      "campaigns_total",
			Help:      "Campaign evaluations per tick by result",
		},
		[]string{"result"},
	)

	sendDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "mailsched",
			Subsystem: "mail",
			Name:      "send_duration_seconds",
			Help:      "Duration of transport sends",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"provider", "outcome"},
	)

	housekeepingDeleted = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "mailsched",
			Subsystem: "housekeeping",
			Name:      "executions_deleted_total",
			Help:      "Execution history rows deleted by housekeeping",
		},
	)
)

// ObserveJob records one scheduler job run.
func ObserveJob(job, status string, took time.Duration) {
	jobRuns.WithLabelValues(job, status).Inc()
	if status != "skipped" {
		jobDuration.WithLabelValues(job).Observe(took.Seconds())
	}
}

// IncAttempt records one attempt outcome.
func IncAttempt(success bool) {
	attempts.WithLabelValues(outcome(success)).Inc()
}

// AddAttemptsLost records attempts dropped by a failed bulk write.
func AddAttemptsLost(n int) {
	if n > 0 {
		attemptsLost.Add(float64(n))
	}
}

// IncCampaign records one campaign evaluation result.
func IncCampaign(result string) {
	campaigns.WithLabelValues(result).Inc()
}

// ObserveSend records one transport call.
func ObserveSend(provider string, success bool, took time.Duration) {
	sendDuration.WithLabelValues(provider, outcome(success)).Observe(took.Seconds())
}

// AddHousekeepingDeleted records pruned history rows.
func AddHousekeepingDeleted(n int64) {
	if n > 0 {
		housekeepingDeleted.Add(float64(n))
	}
}

func outcome(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}
