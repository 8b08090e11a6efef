// Package storage provides a minimal persistence layer for the scheduler.
//
// It currently supports:
//   - Trigger history appends (one record per schedule.json attempt)
//   - Optional notifier dedup state (to survive restarts)
//
// Timer schedules themselves are never persisted; they are rebuilt from
// configuration on start.
package storage
