// Package scheduler owns the recurring trigger timers.
//
// It is responsible only for:
//   - parsing schedule strings (interval or cron)
//   - keeping one timer per (project, spider) and computing next fire times
//   - invoking due actions from a single tick loop (Driver)
//
// Actions are expected to hand work off quickly (the controller enqueues onto
// internal/task/engine); the scheduler never performs I/O itself.
package scheduler
