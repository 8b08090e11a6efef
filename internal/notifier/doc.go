// Package notifier turns trigger failures into operator alerts.
//
// The service subscribes to the event bus and reacts to task.failed,
// task.dropped and circuit-open skips. Alerts are deduplicated per task key
// and reason for a window, rate limited, and delivered through a Sender
// (Telegram by default) with a small retry budget.
//
// For operator visibility, the service keeps a short in-memory history of
// recently sent alerts.
package notifier
