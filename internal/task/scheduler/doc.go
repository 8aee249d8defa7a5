// Package scheduler turns schedule strings into cron triggers for named
// jobs. Schedules are keyed by name, so registering a name again replaces
// the trigger but keeps the job's overlap gate.
//
// Runs go through internal/task/engine, which owns the gate, panic
// recovery, timeouts and execution history.
package scheduler
